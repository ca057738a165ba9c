package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/fairdraw/internal/httpapi"
	"github.com/MarkoPoloResearchLab/fairdraw/internal/scheduler"
	"github.com/MarkoPoloResearchLab/fairdraw/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/fairdraw/pkg/draw"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL     = "database-url"
	flagListenAddr      = "listen-addr"
	flagEntryPrice      = "entry-price-cents"
	flagFeeBasisPoints  = "fee-basis-points"
	flagFeeRecipient    = "fee-recipient"
	flagSealKey         = "seal-key"
	flagTokenSigningKey = "token-signing-key"
	flagTokenIssuer     = "token-issuer"
	flagDrawSchedule    = "draw-schedule"
	flagAllowedOrigins  = "allowed-origins"

	defaultDatabaseURL = "sqlite:///tmp/fairdraw.db"
	defaultListenAddr  = ":8080"
	defaultEntryPrice  = 100
	defaultFeeBPS      = 0
	defaultSchedule    = "0 0 * * *"
)

type runtimeConfig struct {
	DatabaseURL     string
	ListenAddr      string
	EntryPriceCents int64
	FeeBasisPoints  int64
	FeeRecipient    string
	SealKey         string
	TokenSigningKey string
	TokenIssuer     string
	DrawSchedule    string
	AllowedOrigins  string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "drawd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "drawd",
		Short:         "Provably fair draw settlement server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().Int64(flagEntryPrice, defaultEntryPrice, "Fixed entry price in cents")
	cmd.Flags().Int64(flagFeeBasisPoints, defaultFeeBPS, "Operator fee in basis points")
	cmd.Flags().String(flagFeeRecipient, "", "Participant id credited with the fee")
	cmd.Flags().String(flagSealKey, "", "Server-held key for entry integrity seals")
	cmd.Flags().String(flagTokenSigningKey, "", "HMAC key used to verify session tokens")
	cmd.Flags().String(flagTokenIssuer, "fairdraw", "Expected issuer of session tokens")
	cmd.Flags().String(flagDrawSchedule, defaultSchedule, "Cron schedule for settlement (UTC)")
	cmd.Flags().String(flagAllowedOrigins, "", "Comma-separated CORS origins")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("FAIRDRAW")
	viper.AutomaticEnv()

	flags := []string{
		flagDatabaseURL,
		flagListenAddr,
		flagEntryPrice,
		flagFeeBasisPoints,
		flagFeeRecipient,
		flagSealKey,
		flagTokenSigningKey,
		flagTokenIssuer,
		flagDrawSchedule,
		flagAllowedOrigins,
	}
	for _, name := range flags {
		key := strings.ReplaceAll(name, "-", "_")
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.EntryPriceCents = viper.GetInt64("entry_price_cents")
	cfg.FeeBasisPoints = viper.GetInt64("fee_basis_points")
	cfg.FeeRecipient = viper.GetString("fee_recipient")
	cfg.SealKey = viper.GetString("seal_key")
	cfg.TokenSigningKey = viper.GetString("token_signing_key")
	cfg.TokenIssuer = viper.GetString("token_issuer")
	cfg.DrawSchedule = viper.GetString("draw_schedule")
	cfg.AllowedOrigins = viper.GetString("allowed_origins")

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.SealKey == "" {
		return fmt.Errorf("seal key is required")
	}
	if cfg.TokenSigningKey == "" {
		return fmt.Errorf("token signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }

	serviceConfig := draw.Config{
		EntryPriceCents: cfg.EntryPriceCents,
		FeeBasisPoints:  cfg.FeeBasisPoints,
		FeeRecipientID:  cfg.FeeRecipient,
		SealKey:         []byte(cfg.SealKey),
	}
	drawService, err := draw.NewService(store, serviceConfig, clock,
		draw.WithOperationLogger(&zapOperationLogger{logger: logger}),
		draw.WithNotifier(&zapNotifier{logger: logger}),
	)
	if err != nil {
		return fmt.Errorf("draw service init: %w", err)
	}

	drawScheduler := scheduler.New(drawService, logger, scheduler.Config{
		Schedule: cfg.DrawSchedule,
	})
	if err := drawScheduler.Start(); err != nil {
		return fmt.Errorf("scheduler start: %w", err)
	}
	defer drawScheduler.Stop()

	apiConfig := httpapi.Config{
		ListenAddr:      cfg.ListenAddr,
		AllowedOrigins:  httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		TokenSigningKey: cfg.TokenSigningKey,
		TokenIssuer:     cfg.TokenIssuer,
	}
	return httpapi.Run(ctx, apiConfig, drawService, logger)
}

type zapOperationLogger struct {
	logger *zap.Logger
}

func (observer *zapOperationLogger) LogOperation(ctx context.Context, entry draw.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.ParticipantID.String() != "" {
		fields = append(fields, zap.String("participant_id", entry.ParticipantID.String()))
	}
	if entry.PeriodID != "" {
		fields = append(fields, zap.String("period_id", entry.PeriodID))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount_cents", entry.Amount.Int64()))
	}
	if entry.Trigger != "" {
		fields = append(fields, zap.String("trigger", string(entry.Trigger)))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		observer.logger.Warn("operation failed", fields...)
		return
	}
	observer.logger.Info("operation completed", fields...)
}

// zapNotifier surfaces post-commit domain events in the server log. A
// production deployment would swap this for a message-bus publisher.
type zapNotifier struct {
	logger *zap.Logger
}

func (notifier *zapNotifier) EntrySubmitted(ctx context.Context, receipt draw.EntryReceipt) {
	notifier.logger.Info("entry submitted",
		zap.String("entry_id", receipt.Entry.EntryID),
		zap.String("period_id", receipt.Entry.PeriodID),
		zap.Int64("position", receipt.Entry.Position),
		zap.Int64("pool_cents", receipt.PoolCents),
	)
}

func (notifier *zapNotifier) PeriodSettled(ctx context.Context, result draw.SettlementResult) {
	notifier.logger.Info("period settled",
		zap.String("period_id", result.PeriodID),
		zap.String("winner_id", result.WinnerID),
		zap.Int64("winning_index", result.WinningIndex),
		zap.Int64("payout_cents", result.PayoutCents),
		zap.Int64("fee_cents", result.FeeCents),
	)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "fairdraw.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := gormstore.Migrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
