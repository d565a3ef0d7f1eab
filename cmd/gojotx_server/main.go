package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/gojotx/config"
	"github.com/sushant-115/gojotx/config/certs"
	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/internal/server"
	internaltelemetry "github.com/sushant-115/gojotx/internal/telemetry"
	"github.com/sushant-115/gojotx/pkg/logger"
	"github.com/sushant-115/gojotx/pkg/sqlconn"
	"github.com/sushant-115/gojotx/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath  = flag.String("config", "", "Path to the YAML configuration file")
	listenAddr  = flag.String("listen", "", "Session listen address (overrides server.listen_addr)")
	dsn         = flag.String("dsn", "", "Database DSN (overrides database.dsn)")
	beginStmt   = flag.String("begin", "", "Statement that opens a transaction, e.g. \"BEGIN IMMEDIATE\"")
	logLevel    = flag.String("log_level", "", "Log level (overrides logger.level)")
	idleTimeout = flag.Duration("idle_timeout", 0, "Close sessions idle for this long, 0 disables (overrides server.idle_timeout)")
	genCerts    = flag.String("gen_certs", "", "Write development TLS certificates to this directory and exit")
)

func main() {
	flag.Parse()

	if *genCerts != "" {
		if err := certs.GenerateDevCerts(*genCerts); err != nil {
			log.Fatalf("CRITICAL: Failed to generate certificates: %v", err)
		}
		fmt.Printf("Development certificates written to %s\n", *genCerts)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer func() { _ = zlogger.Sync() }()

	if err := run(cfg, zlogger); err != nil {
		zlogger.Fatal("CRITICAL: gojotx server stopped", zap.Error(err))
	}
	zlogger.Info("gojotx server shut down gracefully.")
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if *beginStmt != "" {
		cfg.Transaction.BeginStatement = *beginStmt
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}
	// Only an explicit flag overrides, so -idle_timeout=0 can disable a configured timeout.
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "idle_timeout" {
			cfg.Server.IdleTimeout = *idleTimeout
		}
	})
	return cfg, cfg.Validate()
}

func run(cfg *config.Config, zlogger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			zlogger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()
	metrics, err := internaltelemetry.NewTxnMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	conn, err := sqlconn.Open(ctx, sqlconn.Options{
		Driver:      cfg.Database.Driver,
		DSN:         cfg.Database.DSN,
		BusyTimeout: cfg.Database.BusyTimeout,
		OpenRetries: cfg.Database.OpenRetries,
		Logger:      zlogger.Named("sqlconn"),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db := transaction.Open(conn, transaction.Options{
		BeginStatement: cfg.Transaction.BeginStatement,
		Logger:         zlogger.Named("transaction"),
		Metrics:        metrics,
		Tracer:         tel.Tracer,
	})
	zlogger.Info("Database opened",
		zap.String("driver", cfg.Database.Driver),
		zap.String("dsn", cfg.Database.DSN),
		zap.String("begin_statement", cfg.Transaction.BeginStatement))

	opts := server.Options{IdleTimeout: cfg.Server.IdleTimeout, Logger: zlogger}
	if t := cfg.Server.TLS; t.Enabled {
		opts.TLS, err = certs.LoadServerTLSConfig(t.CAFile, t.CertFile, t.KeyFile)
		if err != nil {
			return fmt.Errorf("load TLS config: %w", err)
		}
	}
	srv := server.New(db, opts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.ListenAndServe(cfg.Server.ListenAddr)
		if errors.Is(err, server.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		zlogger.Info("Shutdown signal received, closing sessions...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			zlogger.Warn("Sessions did not close in time", zap.Error(err))
		}
		return closeDatabase(db)
	})
	return g.Wait()
}

// closeDatabase runs after every deferred operation, so it also waits for
// rollbacks issued by closing sessions.
func closeDatabase(db *transaction.Database) error {
	done := make(chan error, 1)
	db.Close(func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-time.After(shutdownTimeout):
		return errors.New("timed out closing database")
	}
}
