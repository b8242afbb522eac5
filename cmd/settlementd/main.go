package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/ridepay/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix = "SETTLEMENT"

	flagDatabaseURL         = "database-url"
	flagLedgerDriver        = "ledger-driver"
	flagLedgerCurrency      = "ledger-currency"
	flagListenAddr          = "listen-addr"
	flagGRPCListenAddr      = "grpc-listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagRequestTimeout      = "request-timeout"
	flagGatewayJWTSecret    = "gateway-jwt-secret"
	flagRedisURL            = "redis-url"
	flagStripeSecretKey     = "stripe-secret-key"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagStripeBaseURL       = "stripe-base-url"
	flagBookingGRPCAddr     = "booking-grpc-addr"
	flagDriverGRPCAddr      = "driver-grpc-addr"
	flagRPCTimeout          = "rpc-timeout"
	flagAMQPURL             = "amqp-url"
	flagAMQPExchange        = "amqp-exchange"
	flagRailCurrency        = "rail-currency"
	flagPlatformFeeBPS      = "platform-fee-bps"
	flagFXRates             = "fx-rates"
	flagLockTTL             = "lock-ttl"
	flagResultTTL           = "result-ttl"
	flagFailedResultTTL     = "failed-result-ttl"
	flagPollInterval        = "poll-interval"
	flagPollAttempts        = "poll-attempts"
	flagNotifyWorkers       = "notify-workers"
	flagFrontendURL         = "frontend-url"

	flagUserID         = "user-id"
	flagAmount         = "amount"
	flagIdempotencyKey = "idempotency-key"
	flagReason         = "reason"
	flagDriverID       = "driver-id"
	flagAccountID      = "account-id"
	flagEmail          = "email"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "settlementd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	serve := newServeCommand()
	root := &cobra.Command{
		Use:           "settlementd",
		Short:         "Ride payment settlement service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE:       serve.PreRunE,
		RunE:          serve.RunE,
	}
	root.Flags().AddFlagSet(serve.Flags())
	root.AddCommand(serve, newMigrateCommand(), newCreditCommand(), newDriverAccountCommand())
	return root
}

func addDatabaseFlags(flags *pflag.FlagSet) {
	flags.String(flagDatabaseURL, "", "database url (postgres:// or sqlite://)")
	flags.String(flagLedgerDriver, "", "wallet ledger store: gorm or pgx")
	flags.String(flagLedgerCurrency, "", "wallet ledger currency code")
}

func newServeCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC payment endpoints",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadServeConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfg)
		},
	}

	flags := cmd.Flags()
	addDatabaseFlags(flags)
	flags.String(flagListenAddr, "", "HTTP listen address")
	flags.String(flagGRPCListenAddr, "", "gRPC listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.Duration(flagRequestTimeout, 0, "per-request deadline for HTTP handlers")
	flags.String(flagGatewayJWTSecret, "", "HS256 secret shared with the API gateway (required)")
	flags.String(flagRedisURL, "", "redis url for booking locks and cached results (required)")
	flags.String(flagStripeSecretKey, "", "Stripe secret key (required)")
	flags.String(flagStripeWebhookSecret, "", "Stripe webhook signing secret (required)")
	flags.String(flagStripeBaseURL, "", "override the Stripe API base url")
	flags.String(flagBookingGRPCAddr, "", "booking service gRPC address (required)")
	flags.String(flagDriverGRPCAddr, "", "driver service gRPC address (required)")
	flags.Duration(flagRPCTimeout, 0, "partner RPC timeout")
	flags.String(flagAMQPURL, "", "RabbitMQ url; events are only logged when empty")
	flags.String(flagAMQPExchange, "", "RabbitMQ topic exchange")
	flags.String(flagRailCurrency, "", "currency the payout rail settles in")
	flags.Int64(flagPlatformFeeBPS, 0, "platform fee in basis points")
	flags.String(flagFXRates, "", "fixed conversion rates, e.g. INR:USD=0.012")
	flags.Duration(flagLockTTL, 0, "booking lock lifetime")
	flags.Duration(flagResultTTL, 0, "cached cash confirmation lifetime")
	flags.Duration(flagFailedResultTTL, 0, "cached failed cash confirmation lifetime, 0 disables")
	flags.Duration(flagPollInterval, 0, "wait between polls for a concurrent cash confirmation")
	flags.Int(flagPollAttempts, 0, "polls before reporting a concurrent cash confirmation as a conflict")
	flags.Int(flagNotifyWorkers, 0, "background notification workers")
	flags.String(flagFrontendURL, "", "base url for checkout redirects")

	return cmd
}

func newMigrateCommand() *cobra.Command {
	database := &config.Database{}
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadDatabaseConfig(cmd, database)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), *database)
		},
	}
	addDatabaseFlags(cmd.Flags())
	return cmd
}

func newCreditCommand() *cobra.Command {
	database := &config.Database{}
	request := creditInput{}
	cmd := &cobra.Command{
		Use:   "credit",
		Short: "Credit a rider wallet (reward or top-up)",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadDatabaseConfig(cmd, database)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCredit(cmd.Context(), cmd.OutOrStdout(), *database, request)
		},
	}
	flags := cmd.Flags()
	addDatabaseFlags(flags)
	flags.StringVar(&request.UserID, flagUserID, "", "rider user id (required)")
	flags.Int64Var(&request.Amount, flagAmount, 0, "amount in minor units (required)")
	flags.StringVar(&request.IdempotencyKey, flagIdempotencyKey, "", "idempotency key (required)")
	flags.StringVar(&request.Reason, flagReason, "", "reason recorded on the transaction")
	for _, name := range []string{flagUserID, flagAmount, flagIdempotencyKey} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newDriverAccountCommand() *cobra.Command {
	database := &config.Database{}
	account := driverAccountInput{}
	cmd := &cobra.Command{
		Use:   "driver-account",
		Short: "Register or update a driver's payout account",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadDatabaseConfig(cmd, database)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDriverAccount(cmd.Context(), cmd.OutOrStdout(), *database, account)
		},
	}
	flags := cmd.Flags()
	addDatabaseFlags(flags)
	flags.StringVar(&account.DriverID, flagDriverID, "", "driver id (required)")
	flags.StringVar(&account.AccountID, flagAccountID, "", "payout rail account id (required)")
	flags.StringVar(&account.Email, flagEmail, "", "driver email")
	for _, name := range []string{flagDriverID, flagAccountID} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return nil, err
	}
	var bindErr error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if bindErr == nil {
			bindErr = v.BindPFlag(flag.Name, flag)
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}
	return v, nil
}

func readDatabase(v *viper.Viper) config.Database {
	return config.Database{
		URL:          strings.TrimSpace(v.GetString(flagDatabaseURL)),
		LedgerDriver: strings.TrimSpace(v.GetString(flagLedgerDriver)),
		Currency:     strings.TrimSpace(v.GetString(flagLedgerCurrency)),
	}
}

func loadDatabaseConfig(cmd *cobra.Command, database *config.Database) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	*database = readDatabase(v)
	return database.Validate()
}

func loadServeConfig(cmd *cobra.Command, cfg *config.Config) error {
	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	*cfg = config.Config{
		Database:            readDatabase(v),
		ListenAddr:          strings.TrimSpace(v.GetString(flagListenAddr)),
		GRPCListenAddr:      strings.TrimSpace(v.GetString(flagGRPCListenAddr)),
		AllowedOrigins:      config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		RequestTimeout:      v.GetDuration(flagRequestTimeout),
		GatewaySecret:       v.GetString(flagGatewayJWTSecret),
		RedisURL:            strings.TrimSpace(v.GetString(flagRedisURL)),
		StripeSecretKey:     strings.TrimSpace(v.GetString(flagStripeSecretKey)),
		StripeWebhookSecret: strings.TrimSpace(v.GetString(flagStripeWebhookSecret)),
		StripeBaseURL:       strings.TrimSpace(v.GetString(flagStripeBaseURL)),
		BookingGRPCAddr:     strings.TrimSpace(v.GetString(flagBookingGRPCAddr)),
		DriverGRPCAddr:      strings.TrimSpace(v.GetString(flagDriverGRPCAddr)),
		RPCTimeout:          v.GetDuration(flagRPCTimeout),
		AMQPURL:             strings.TrimSpace(v.GetString(flagAMQPURL)),
		AMQPExchange:        strings.TrimSpace(v.GetString(flagAMQPExchange)),
		RailCurrency:        strings.TrimSpace(v.GetString(flagRailCurrency)),
		FeeBasisPoints:      v.GetInt64(flagPlatformFeeBPS),
		FXRates:             strings.TrimSpace(v.GetString(flagFXRates)),
		LockTTL:             v.GetDuration(flagLockTTL),
		ResultTTL:           v.GetDuration(flagResultTTL),
		FailedResultTTL:     v.GetDuration(flagFailedResultTTL),
		PollInterval:        v.GetDuration(flagPollInterval),
		PollAttempts:        v.GetInt(flagPollAttempts),
		NotifyWorkers:       v.GetInt(flagNotifyWorkers),
		FrontendURL:         strings.TrimSpace(v.GetString(flagFrontendURL)),
	}
	return cfg.Validate()
}
