package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/ridepay/internal/config"
	"github.com/MarkoPoloResearchLab/ridepay/internal/events"
	"github.com/MarkoPoloResearchLab/ridepay/internal/fx"
	"github.com/MarkoPoloResearchLab/ridepay/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/ridepay/internal/httpapi"
	"github.com/MarkoPoloResearchLab/ridepay/internal/lockcache"
	"github.com/MarkoPoloResearchLab/ridepay/internal/metrics"
	"github.com/MarkoPoloResearchLab/ridepay/internal/partners"
	"github.com/MarkoPoloResearchLab/ridepay/internal/payoutrail"
	"github.com/MarkoPoloResearchLab/ridepay/internal/settlement"
	"github.com/MarkoPoloResearchLab/ridepay/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/ridepay/internal/worker"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const readHeaderTimeout = 10 * time.Second

type eventPublisher interface {
	settlement.Publisher
	Close() error
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()
	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	wallets, closeLedger, err := newWalletLedger(ctx, cfg.Database, gormDB, logger)
	if err != nil {
		return err
	}
	defer closeLedger()
	checkouts := gormstore.New(gormDB)

	converter, err := fx.ParseRates(cfg.FXRates)
	if err != nil {
		return fmt.Errorf("fx rates: %w", err)
	}
	rail, err := payoutrail.NewStripeRail(payoutrail.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		BaseURL:       cfg.StripeBaseURL,
	})
	if err != nil {
		return fmt.Errorf("payout rail init: %w", err)
	}

	bookingConn, err := partners.Dial(cfg.BookingGRPCAddr)
	if err != nil {
		return err
	}
	defer func() { _ = bookingConn.Close() }()
	driverConn, err := partners.Dial(cfg.DriverGRPCAddr)
	if err != nil {
		return err
	}
	defer func() { _ = driverConn.Close() }()

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = publisher.Close() }()

	registry := metrics.New()
	pool := worker.NewPool(cfg.NotifyWorkers,
		worker.WithDepthGauge(registry.WorkerQueueDepth),
		worker.WithPanicHandler(func(recovered any) {
			logger.Error("background task panicked", zap.Any("panic", recovered))
		}),
	)
	defer pool.Stop()

	rdb, err := lockcache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	service, err := settlement.NewService(settlement.Dependencies{
		Wallets:        wallets,
		Converter:      converter,
		Rail:           rail,
		Checkouts:      checkouts,
		DriverAccounts: checkouts,
		Bookings:       partners.NewBookingClient(bookingConn, cfg.RPCTimeout),
		Drivers:        partners.NewDriverClient(driverConn, cfg.RPCTimeout),
		Publisher:      publisher,
		Locks:          lockcache.New(rdb),
		Dispatcher:     pool,
		Metrics:        registry,
	}, cfg.Settlement(), settlement.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("settlement service init: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := httpapi.NewRouter(httpapi.Config{
		GatewaySecret:  []byte(cfg.GatewaySecret),
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
	}, service, registry, logger)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: router, ReadHeaderTimeout: readHeaderTimeout}

	lis, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(grpcserver.LoggingInterceptor(logger)))
	grpcserver.Register(grpcServer, grpcserver.NewPaymentServiceServer(service))

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	go func() {
		errCh <- httpapi.Serve(serveCtx, httpServer, logger)
	}()
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
		errCh <- grpcServer.Serve(lis)
	}()

	var serveErr error
	remaining := 2
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case serveErr = <-errCh:
		remaining--
		logger.Error("server stopped", zap.Error(serveErr))
	}
	cancel()
	grpcServer.GracefulStop()
	for ; remaining > 0; remaining-- {
		if err := <-errCh; serveErr == nil {
			serveErr = err
		}
	}
	if serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
		return serveErr
	}
	return nil
}

func newPublisher(cfg config.Config, logger *zap.Logger) (eventPublisher, error) {
	if cfg.AMQPURL == "" {
		logger.Info("amqp url not set; events are logged only")
		return events.NewLogPublisher(logger), nil
	}
	publisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	if err != nil {
		return nil, fmt.Errorf("amqp publisher: %w", err)
	}
	return publisher, nil
}
