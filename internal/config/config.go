// Package config holds the runtime settings of settlementd.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/ridepay/internal/events"
	"github.com/MarkoPoloResearchLab/ridepay/internal/fx"
	"github.com/MarkoPoloResearchLab/ridepay/internal/settlement"
	"github.com/MarkoPoloResearchLab/ridepay/pkg/ledger"
)

const (
	LedgerDriverGORM = "gorm"
	LedgerDriverPGX  = "pgx"

	defaultListenAddr     = ":8080"
	defaultGRPCListenAddr = ":7001"
	defaultDatabaseURL    = "sqlite:///tmp/ridepay.db"
	defaultLedgerCurrency = "INR"
	defaultRailCurrency   = "usd"
	defaultFeeBasisPoints = 2000
	defaultLockTTL        = 30 * time.Second
	defaultResultTTL      = 24 * time.Hour
	defaultPollInterval   = 200 * time.Millisecond
	defaultPollAttempts   = 5
	defaultRPCTimeout     = 5 * time.Second
	defaultRequestTimeout = 30 * time.Second
	defaultNotifyWorkers  = 4
	defaultFrontendURL    = "http://localhost:3000"
	defaultAllowedOrigin  = "http://localhost:3000"
	maxFeeBasisPoints     = 10000
)

// ErrInvalidConfig marks configuration that cannot start the service.
var ErrInvalidConfig = errors.New("invalid configuration")

// Database is everything the schema and operator commands need.
type Database struct {
	URL          string
	LedgerDriver string
	Currency     string
}

// Config aggregates runtime settings for the serve command.
type Config struct {
	Database Database

	ListenAddr     string
	GRPCListenAddr string
	AllowedOrigins []string
	RequestTimeout time.Duration
	GatewaySecret  string

	RedisURL            string
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeBaseURL       string
	BookingGRPCAddr     string
	DriverGRPCAddr      string
	RPCTimeout          time.Duration
	AMQPURL             string
	AMQPExchange        string

	RailCurrency    string
	FeeBasisPoints  int64
	FXRates         string
	LockTTL         time.Duration
	ResultTTL       time.Duration
	FailedResultTTL time.Duration
	PollInterval    time.Duration
	PollAttempts    int
	NotifyWorkers   int
	FrontendURL     string
}

// Validate fills defaults and checks the database settings.
func (database *Database) Validate() error {
	database.URL = defaultIfEmpty(database.URL, defaultDatabaseURL)
	database.LedgerDriver = strings.ToLower(defaultIfEmpty(database.LedgerDriver, LedgerDriverGORM))
	database.Currency = defaultIfEmpty(database.Currency, defaultLedgerCurrency)
	switch database.LedgerDriver {
	case LedgerDriverGORM:
	case LedgerDriverPGX:
		if !isPostgresURL(database.URL) {
			return fmt.Errorf("%w: ledger driver %q needs a postgres database url", ErrInvalidConfig, database.LedgerDriver)
		}
	default:
		return fmt.Errorf("%w: unknown ledger driver %q", ErrInvalidConfig, database.LedgerDriver)
	}
	if _, err := ledger.NewCurrency(database.Currency); err != nil {
		return fmt.Errorf("%w: ledger currency: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Validate fills defaults and ensures everything serve depends on is present.
func (cfg *Config) Validate() error {
	if err := cfg.Database.Validate(); err != nil {
		return err
	}
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.RequestTimeout = defaultDuration(cfg.RequestTimeout, defaultRequestTimeout)
	cfg.RPCTimeout = defaultDuration(cfg.RPCTimeout, defaultRPCTimeout)
	cfg.AMQPExchange = defaultIfEmpty(cfg.AMQPExchange, events.DefaultExchange)
	cfg.RailCurrency = strings.ToLower(defaultIfEmpty(cfg.RailCurrency, defaultRailCurrency))
	if cfg.FeeBasisPoints == 0 {
		cfg.FeeBasisPoints = defaultFeeBasisPoints
	}
	cfg.FXRates = defaultIfEmpty(cfg.FXRates, fx.DefaultRateSet)
	cfg.LockTTL = defaultDuration(cfg.LockTTL, defaultLockTTL)
	cfg.ResultTTL = defaultDuration(cfg.ResultTTL, defaultResultTTL)
	cfg.PollInterval = defaultDuration(cfg.PollInterval, defaultPollInterval)
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = defaultPollAttempts
	}
	if cfg.NotifyWorkers <= 0 {
		cfg.NotifyWorkers = defaultNotifyWorkers
	}
	cfg.FrontendURL = defaultIfEmpty(cfg.FrontendURL, defaultFrontendURL)

	required := []struct {
		name  string
		value string
	}{
		{name: "redis url", value: cfg.RedisURL},
		{name: "stripe secret key", value: cfg.StripeSecretKey},
		{name: "stripe webhook secret", value: cfg.StripeWebhookSecret},
		{name: "gateway jwt secret", value: cfg.GatewaySecret},
		{name: "booking grpc addr", value: cfg.BookingGRPCAddr},
		{name: "driver grpc addr", value: cfg.DriverGRPCAddr},
	}
	for _, setting := range required {
		if strings.TrimSpace(setting.value) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidConfig, setting.name)
		}
	}
	if cfg.FeeBasisPoints < 0 || cfg.FeeBasisPoints > maxFeeBasisPoints {
		return fmt.Errorf("%w: platform fee must be between 0 and %d basis points", ErrInvalidConfig, maxFeeBasisPoints)
	}
	if cfg.FailedResultTTL < 0 {
		return fmt.Errorf("%w: failed result ttl must not be negative", ErrInvalidConfig)
	}
	if _, err := fx.ParseRates(cfg.FXRates); err != nil {
		return fmt.Errorf("%w: fx rates: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Settlement returns the orchestrator settings.
func (cfg Config) Settlement() settlement.Settings {
	return settlement.Settings{
		RailCurrency:    cfg.RailCurrency,
		FeeBasisPoints:  cfg.FeeBasisPoints,
		LockTTL:         cfg.LockTTL,
		ResultTTL:       cfg.ResultTTL,
		FailedResultTTL: cfg.FailedResultTTL,
		PollInterval:    cfg.PollInterval,
		PollAttempts:    cfg.PollAttempts,
		FrontendURL:     cfg.FrontendURL,
	}
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func defaultDuration(value time.Duration, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
