// Package httpapi exposes the settlement service over HTTP.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/ridepay/internal/metrics"
	"github.com/MarkoPoloResearchLab/ridepay/internal/settlement"
	"github.com/MarkoPoloResearchLab/ridepay/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	headerStripeSignature = "Stripe-Signature"
	maxWebhookBodyBytes   = 1 << 18
	shutdownTimeout       = 5 * time.Second
)

// Payments is the settlement surface the handlers call.
type Payments interface {
	PayFromWallet(ctx context.Context, request settlement.WalletPaymentRequest) (settlement.WalletPaymentResult, error)
	WalletPaymentStatus(ctx context.Context, userID string, bookingID string) (settlement.PaymentStatus, error)
	WalletBalance(ctx context.Context, userID string) (ledger.WalletBalance, error)
	ConfirmCashPayment(ctx context.Context, request settlement.CashPaymentRequest) (settlement.CashPaymentResult, error)
	CreateCheckoutSession(ctx context.Context, request settlement.CheckoutRequest) (settlement.CheckoutResult, error)
	HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (settlement.WebhookResult, error)
}

// Config controls router construction.
type Config struct {
	GatewaySecret  []byte
	AllowedOrigins []string
	RequestTimeout time.Duration
}

type httpHandler struct {
	payments Payments
	logger   *zap.Logger
	timeout  time.Duration
}

// NewRouter builds the gin engine for the payment routes.
func NewRouter(cfg Config, payments Payments, registry *metrics.Metrics, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if registry != nil {
		router.Use(registry.Middleware())
	}
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", headerAuthorization, headerGatewayToken},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	handler := &httpHandler{payments: payments, logger: logger, timeout: cfg.RequestTimeout}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if registry != nil {
		router.GET("/metrics", gin.WrapH(registry.Handler()))
	}

	router.POST("/create-checkout-session", handler.handleCreateCheckoutSession)
	router.POST("/webhook", handler.handleWebhook)

	user := router.Group("/")
	user.Use(GatewayAuth(cfg.GatewaySecret))
	user.GET("/wallet", handler.handleWallet)
	user.POST("/wallet/payment", handler.handleWalletPayment)
	user.GET("/wallet/payment/:bookingId", handler.handleWalletPaymentStatus)
	user.POST("/cash-in-hand/payment", handler.handleCashPayment)

	return router
}

// Serve runs server until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, server *http.Server, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	if handler.timeout <= 0 {
		return context.WithCancel(ctx.Request.Context())
	}
	return context.WithTimeout(ctx.Request.Context(), handler.timeout)
}

func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ctx.JSON(http.StatusRequestEntityTooLarge, errorResponse("payload_too_large", "webhook body exceeds limit"))
			return
		}
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.payments.HandleWebhook(requestCtx, payload, ctx.GetHeader(headerStripeSignature))
	if err != nil {
		handler.respondFailure(ctx, err)
		return
	}
	message := "Payment confirmed"
	switch {
	case !result.Handled:
		message = "Ignored event " + result.EventType
	case result.Duplicate:
		message = "Payment already confirmed"
	}
	ctx.JSON(http.StatusOK, gin.H{"status": http.StatusOK, "message": message})
}

func (handler *httpHandler) respondFailure(ctx *gin.Context, err error) {
	failure := settlement.AsFailure(err)
	statusCode := statusForKind(failure.Kind)
	if statusCode >= http.StatusInternalServerError {
		handler.logger.Error("payment request failed",
			zap.String("route", ctx.FullPath()),
			zap.String("kind", string(failure.Kind)),
			zap.Error(err),
		)
	}
	message := failure.Message
	if failure.Kind == settlement.KindInternal {
		message = "something went wrong"
	}
	body := errorResponse(string(failure.Kind), message)
	if failure.Reference != "" {
		body["reference"] = failure.Reference
	}
	ctx.JSON(statusCode, body)
}

func statusForKind(kind settlement.Kind) int {
	switch kind {
	case settlement.KindInvalidRequest, settlement.KindInsufficientFunds:
		return http.StatusBadRequest
	case settlement.KindConflict:
		return http.StatusConflict
	case settlement.KindExternalFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
