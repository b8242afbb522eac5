package httpapi

import (
	"net/http"

	"github.com/MarkoPoloResearchLab/ridepay/internal/settlement"
	"github.com/gin-gonic/gin"
)

type walletPaymentRequest struct {
	BookingID string `json:"bookingId"`
	DriverID  string `json:"driverId"`
	Amount    int64  `json:"amount"`
}

type bookingPaymentRequest struct {
	BookingID string `json:"bookingId"`
	UserID    string `json:"userId"`
	DriverID  string `json:"driverId"`
	Amount    int64  `json:"amount"`
}

type walletPaymentResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transactionId"`
	TransferID    string `json:"transferId"`
	Amount        int64  `json:"amount"`
	PlatformFee   int64  `json:"platformFee"`
	DriverShare   int64  `json:"driverShare"`
	Replayed      bool   `json:"replayed"`
}

type walletResponse struct {
	UserID       string `json:"userId"`
	Currency     string `json:"currency"`
	Balance      int64  `json:"balance"`
	Reserved     int64  `json:"reserved"`
	Available    int64  `json:"available"`
	Transactions int64  `json:"transactions"`
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.payments.WalletBalance(requestCtx, gatewayUserID(ctx))
	if err != nil {
		handler.respondFailure(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, walletResponse{
		UserID:       balance.Wallet.UserID,
		Currency:     balance.Wallet.Currency,
		Balance:      balance.Wallet.Balance.Int64(),
		Reserved:     balance.Wallet.Reserved.Int64(),
		Available:    balance.Wallet.Available().Int64(),
		Transactions: balance.TransactionCount,
	})
}

func (handler *httpHandler) handleWalletPayment(ctx *gin.Context) {
	var request walletPaymentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.payments.PayFromWallet(requestCtx, settlement.WalletPaymentRequest{
		BookingID: request.BookingID,
		UserID:    gatewayUserID(ctx),
		DriverID:  request.DriverID,
		Amount:    request.Amount,
	})
	if err != nil {
		handler.respondFailure(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, walletPaymentResponse{
		Status:        "settled",
		TransactionID: result.TransactionID,
		TransferID:    result.TransferID,
		Amount:        result.Amount.Int64(),
		PlatformFee:   result.PlatformFee.Int64(),
		DriverShare:   result.DriverShare.Int64(),
		Replayed:      result.Replayed,
	})
}

func (handler *httpHandler) handleWalletPaymentStatus(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	status, err := handler.payments.WalletPaymentStatus(requestCtx, gatewayUserID(ctx), ctx.Param("bookingId"))
	if err != nil {
		handler.respondFailure(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"bookingId":     status.BookingID,
		"transactionId": status.TransactionID,
		"status":        status.Status.String(),
		"amount":        status.Amount.Int64(),
		"transferId":    status.TransferID,
	})
}

func (handler *httpHandler) handleCashPayment(ctx *gin.Context) {
	var request bookingPaymentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.UserID == "" {
		request.UserID = gatewayUserID(ctx)
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.payments.ConfirmCashPayment(requestCtx, settlement.CashPaymentRequest(request))
	if err != nil {
		handler.respondFailure(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": result.Status, "message": result.Message, "replayed": result.Replayed})
}

func (handler *httpHandler) handleCreateCheckoutSession(ctx *gin.Context) {
	var request bookingPaymentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.payments.CreateCheckoutSession(requestCtx, settlement.CheckoutRequest(request))
	if err != nil {
		handler.respondFailure(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"sessionId": result.SessionID, "url": result.URL, "transactionId": result.TransactionID})
}
