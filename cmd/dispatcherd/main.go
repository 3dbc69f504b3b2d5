// dispatcherd is the standalone SMS sender. It subscribes to dispatch
// notifications on NATS and delivers queued rows through the provider,
// letting SMS delivery scale independently of the courierd API process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/courierd/courierd/internal/common/config"
	"github.com/courierd/courierd/internal/common/logger"
	"github.com/courierd/courierd/internal/db"
	"github.com/courierd/courierd/internal/dispatcher"
	"github.com/courierd/courierd/internal/events/bus"
	msgstore "github.com/courierd/courierd/internal/messaging/store"
	"github.com/courierd/courierd/internal/sms"
	userstore "github.com/courierd/courierd/internal/user/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting dispatcherd...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the data store. Sender and orchestrator must share one
	// database; with embedded SQLite that means one process, so standalone
	// deployment effectively requires Postgres.
	pool, err := openPool(cfg)
	if err != nil {
		log.Fatal("Failed to open data store", zap.Error(err))
	}
	defer pool.Close()

	// 4. Connect NATS. A standalone sender has no use for the in-memory bus.
	if cfg.NATS.URL == "" {
		log.Fatal("dispatcherd requires nats.url; the in-memory bus cannot cross processes")
	}
	eventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer eventBus.Close()
	log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))

	// 5. Initialize stores
	users, err := userstore.NewSQLStore(pool.Writer(), pool.Reader())
	if err != nil {
		log.Fatal("Failed to initialize user store", zap.Error(err))
	}
	messages, err := msgstore.NewSQLStore(pool.Writer(), pool.Reader())
	if err != nil {
		log.Fatal("Failed to initialize message store", zap.Error(err))
	}

	// 6. Initialize the provider
	var provider sms.Provider
	if cfg.SMS.AccountSID != "" {
		provider = sms.NewTwilioProvider(cfg.SMS)
	} else {
		log.Warn("No SMS credentials; using noop provider")
		provider = sms.NewNoopProvider()
	}

	// 7. Start the sender
	sender := dispatcher.NewSender(eventBus, messages, users, provider, log,
		dispatcher.SenderConfig{
			FromNumber:  cfg.SMS.FromNumber,
			SendTimeout: cfg.SMS.Timeout(),
		})
	if err := sender.Start(ctx); err != nil {
		log.Fatal("Failed to start SMS sender", zap.Error(err))
	}

	// 8. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down dispatcherd...")
	cancel()
	if err := sender.Stop(); err != nil {
		log.Error("SMS sender stop error", zap.Error(err))
	}
	log.Info("dispatcherd stopped")
}

func openPool(cfg *config.Config) (*db.Pool, error) {
	if cfg.Database.UsePostgres() {
		pg, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, err
		}
		conn := sqlx.NewDb(pg, "pgx")
		return db.NewPool(conn, conn), nil
	}

	writer, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	reader, err := db.OpenSQLiteReader(cfg.Database.Path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), nil
}
