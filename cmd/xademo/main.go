package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/localxa/internal/config"
	"github.com/Aidin1998/localxa/internal/database"
	"github.com/Aidin1998/localxa/internal/jta"
	"github.com/Aidin1998/localxa/internal/server"
	"github.com/Aidin1998/localxa/internal/transfer"
	"github.com/Aidin1998/localxa/internal/txmanager"
	"github.com/Aidin1998/localxa/pkg/logger"
	"github.com/Aidin1998/localxa/pkg/metrics"
	"github.com/Aidin1998/localxa/pkg/telemetry"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	logLevel := os.Getenv("LOCALXA_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, level, err := logger.NewAtomicLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	cfgManager := config.NewManager(zapLogger)
	cfg, err := cfgManager.Load(os.Args[1:]...)
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}
	applyLevel := config.LevelUpdater(level, zapLogger)
	applyLevel(cfg)
	cfgManager.Watch(applyLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		zapLogger.Fatal("Failed to set up telemetry", zap.Error(err))
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			zapLogger.Error("Failed to shut down telemetry", zap.Error(err))
		}
	}()

	registry := prometheus.NewRegistry()
	xaMetrics := metrics.NewXAMetrics(registry)

	mgr := txmanager.New(zapLogger.Named("txmanager"), xaMetrics, txmanager.Config{
		DefaultTimeout: cfg.TransactionManager.DefaultTimeout,
		ReaperInterval: cfg.TransactionManager.ReaperInterval,
		FormatID:       cfg.TransactionManager.FormatID,
	})
	mgr.Start()
	defer mgr.Stop()

	ledgers, err := openLedgers(ctx, cfg, mgr, xaMetrics, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to open ledgers", zap.Error(err))
	}
	transfers := transfer.NewService(mgr, zapLogger.Named("transfer"), ledgers...)

	runDemo(ctx, transfers, zapLogger)

	if !cfg.Metrics.Enabled {
		return
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    cfg.Metrics.Address,
		Handler: server.NewServer(zapLogger.Named("http"), mgr, transfers, registry).Router(),
	}
	go func() {
		zapLogger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Failed to shut down HTTP server", zap.Error(err))
	}
	zapLogger.Info("Server exited properly")
}

// openLedgers opens, migrates and seeds every configured database and puts
// an enlisting data source in front of each. All data sources share one
// hand-off so enlistments never interleave.
func openLedgers(ctx context.Context, cfg *config.Config, mgr *txmanager.Manager, m *metrics.XAMetrics, zapLogger *zap.Logger) ([]*transfer.Ledger, error) {
	names := make([]string, 0, len(cfg.Databases))
	for name := range cfg.Databases {
		names = append(names, name)
	}
	sort.Strings(names)

	handoff := jta.NewHandoff(m)
	ledgers := make([]*transfer.Ledger, 0, len(names))
	for _, name := range names {
		db, err := database.Open(cfg.Databases[name])
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(db); err != nil {
			return nil, err
		}
		if err := database.Seed(ctx, db,
			database.Account{ID: "alice", Balance: decimal.NewFromInt(1000)},
			database.Account{ID: "bob", Balance: decimal.NewFromInt(1000)},
		); err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		ledgers = append(ledgers, &transfer.Ledger{
			Name: name,
			DB:   db,
			Source: jta.NewDataSource(sqlDB, mgr, mgr,
				jta.WithHandoff(handoff),
				jta.WithDataSourceName(name),
				jta.WithInterposedSynchronizations(cfg.Adapter.InterposedSynchronizations),
				jta.WithStrictClosedChecking(cfg.Adapter.StrictClosedChecking),
				jta.WithDataSourceLogger(zapLogger.Named("jta")),
				jta.WithDataSourceMetrics(m)),
		})
		zapLogger.Info("Ledger ready", zap.String("ledger", name), zap.String("driver", cfg.Databases[name].Driver))
	}
	return ledgers, nil
}

// runDemo commits one transfer between the first two ledgers and lets a
// second, overdrawing one roll back.
func runDemo(ctx context.Context, transfers *transfer.Service, zapLogger *zap.Logger) {
	ledgers := transfers.Ledgers()
	if len(ledgers) < 2 {
		zapLogger.Warn("Demo needs two ledgers", zap.Int("ledgers", len(ledgers)))
		return
	}
	from, to := ledgers[0].Name, ledgers[1].Name

	err := transfers.Transfer(ctx, transfer.Request{
		FromLedger: from, FromAccount: "alice",
		ToLedger: to, ToAccount: "bob",
		Amount: decimal.NewFromInt(250),
	})
	if err != nil {
		zapLogger.Error("Transfer failed", zap.Error(err))
	}

	err = transfers.Transfer(ctx, transfer.Request{
		FromLedger: to, FromAccount: "bob",
		ToLedger: from, ToAccount: "alice",
		Amount: decimal.NewFromInt(1000000),
	})
	if err == nil {
		zapLogger.Error("Overdrawing transfer unexpectedly committed")
	}

	for _, l := range ledgers {
		accounts, err := database.Balances(ctx, l.DB)
		if err != nil {
			zapLogger.Error("Failed to read balances", zap.String("ledger", l.Name), zap.Error(err))
			continue
		}
		for _, a := range accounts {
			zapLogger.Info("Balance",
				zap.String("ledger", l.Name),
				zap.String("account", a.ID),
				zap.Stringer("balance", a.Balance))
		}
	}
}
