package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/courierd/courierd/internal/api"
	"github.com/courierd/courierd/internal/common/config"
	"github.com/courierd/courierd/internal/common/logger"
	"github.com/courierd/courierd/internal/db"
	"github.com/courierd/courierd/internal/dispatcher"
	"github.com/courierd/courierd/internal/events/bus"
	eventhandlers "github.com/courierd/courierd/internal/events/handlers"
	eventlog "github.com/courierd/courierd/internal/events/log"
	eventproc "github.com/courierd/courierd/internal/events/processor"
	"github.com/courierd/courierd/internal/llm"
	msgstore "github.com/courierd/courierd/internal/messaging/store"
	"github.com/courierd/courierd/internal/orchestrator"
	"github.com/courierd/courierd/internal/orchestrator/budget"
	"github.com/courierd/courierd/internal/orchestrator/queue"
	"github.com/courierd/courierd/internal/sms"
	taskhandlers "github.com/courierd/courierd/internal/tasks/handlers"
	taskproc "github.com/courierd/courierd/internal/tasks/processor"
	taskstore "github.com/courierd/courierd/internal/tasks/store"
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

	log.Info("Starting courierd...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the data store
	pool, err := openPool(cfg)
	if err != nil {
		log.Fatal("Failed to open data store", zap.Error(err))
	}
	defer pool.Close()

	// 4. Connect the realtime bus. An empty NATS URL selects the in-memory
	// bus for single-process deployments.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Initialize stores
	users, err := userstore.NewSQLStore(pool.Writer(), pool.Reader())
	if err != nil {
		log.Fatal("Failed to initialize user store", zap.Error(err))
	}
	messages, err := msgstore.NewSQLStore(pool.Writer(), pool.Reader())
	if err != nil {
		log.Fatal("Failed to initialize message store", zap.Error(err))
	}
	events, err := eventlog.NewStore(pool.Writer(), pool.Reader())
	if err != nil {
		log.Fatal("Failed to initialize event log", zap.Error(err))
	}
	tasks, err := taskstore.NewSQLStore(pool.Writer(), pool.Reader())
	if err != nil {
		log.Fatal("Failed to initialize task store", zap.Error(err))
	}
	queueStore, err := queue.NewSQLStore(pool.Writer(), pool.Reader())
	if err != nil {
		log.Fatal("Failed to initialize message queue", zap.Error(err))
	}
	budgets, err := budget.NewSQLStore(pool.Writer(), pool.Reader(),
		cfg.Orchestrator.DefaultDailyLimit, cfg.Orchestrator.DefaultHourlyLimit)
	if err != nil {
		log.Fatal("Failed to initialize budget store", zap.Error(err))
	}

	// 6. Initialize the LLM surface. Without an API key the orchestrator
	// runs with relevance checks disabled and rendering unavailable.
	var renderer orchestrator.Renderer
	var classifier orchestrator.RelevanceClassifier
	var reformulator orchestrator.Reformulator
	if cfg.LLM.APIKey != "" {
		client, err := llm.NewClient(ctx, cfg.LLM)
		if err != nil {
			log.Fatal("Failed to initialize LLM client", zap.Error(err))
		}
		renderer = llm.NewRenderer(client)
		classifier = llm.NewClassifier(client)
		reformulator = llm.NewReformulator(client)
		log.Info("Initialized LLM client", zap.String("model", cfg.LLM.Model))
	} else {
		log.Warn("No LLM credentials; rendering and relevance checks disabled")
	}

	// 7. Initialize the orchestrator
	orch := orchestrator.NewService(
		pool.Writer(), queueStore, budgets, messages, users, events, eventBus,
		renderer, classifier, reformulator, log,
		orchestrator.Config{
			PollInterval:     cfg.Orchestrator.PollInterval(),
			BatchSize:        cfg.Orchestrator.BatchSize,
			QuietHoursStart:  cfg.Orchestrator.QuietHoursStart,
			QuietHoursEnd:    cfg.Orchestrator.QuietHoursEnd,
			ActiveWindow:     time.Duration(cfg.Orchestrator.ActiveWindowMinutes) * time.Minute,
			RenderMaxRetries: cfg.Orchestrator.RenderMaxRetries,
			DispatchMaxTries: cfg.Orchestrator.DispatchMaxRetries,
			LLMTimeout:       cfg.LLM.Timeout(),
		})

	// 8. Initialize the event processor and its handler set
	eventsCfg := eventproc.Config{
		PollInterval: cfg.Events.PollInterval(),
		BatchSize:    cfg.Events.BatchSize,
		MaxRetries:   cfg.Events.MaxRetries,
	}
	eventProcessor := eventproc.NewProcessor(events, log, eventsCfg)
	eventhandlers.New(tasks, orch, log).RegisterAll(eventProcessor)

	// 9. Initialize the task processor and its handler set
	taskProcessor := taskproc.NewProcessor(tasks, log, taskproc.Config{
		PollInterval: cfg.Tasks.PollInterval(),
		MaxPerPoll:   cfg.Tasks.BatchSize,
		MaxRetries:   cfg.Tasks.MaxRetries,
	})
	taskhandlers.New(orch, users, messages, events, log).RegisterAll(taskProcessor)

	// 10. Optionally host the SMS sender in-process. Deploying cmd/dispatcherd
	// separately replaces this.
	var sender *dispatcher.Sender
	if cfg.SMS.AccountSID != "" {
		provider := sms.NewTwilioProvider(cfg.SMS)
		sender = dispatcher.NewSender(eventBus, messages, users, provider, log,
			dispatcher.SenderConfig{
				FromNumber:  cfg.SMS.FromNumber,
				SendTimeout: cfg.SMS.Timeout(),
			})
	} else {
		log.Warn("No SMS credentials; using noop provider")
		sender = dispatcher.NewSender(eventBus, messages, users, sms.NewNoopProvider(), log,
			dispatcher.SenderConfig{FromNumber: cfg.SMS.FromNumber})
	}

	// 11. Start the pollers
	if err := orch.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}
	if err := eventProcessor.Start(ctx); err != nil {
		log.Fatal("Failed to start event processor", zap.Error(err))
	}
	if err := taskProcessor.Start(ctx); err != nil {
		log.Fatal("Failed to start task processor", zap.Error(err))
	}
	if err := sender.Start(ctx); err != nil {
		log.Fatal("Failed to start SMS sender", zap.Error(err))
	}

	// 12. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	inbound := dispatcher.NewInbound(messages, users, events, log)
	handler := api.NewHandler(pool.Writer(), orch, eventProcessor, taskProcessor,
		tasks, inbound, eventsCfg, log)
	api.SetupRoutes(router, handler)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 13. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down courierd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := sender.Stop(); err != nil {
		log.Error("SMS sender stop error", zap.Error(err))
	}
	if err := taskProcessor.Stop(); err != nil {
		log.Error("Task processor stop error", zap.Error(err))
	}
	if err := eventProcessor.Stop(); err != nil {
		log.Error("Event processor stop error", zap.Error(err))
	}
	if err := orch.Stop(); err != nil {
		log.Error("Orchestrator stop error", zap.Error(err))
	}

	log.Info("courierd stopped")
}

// openPool builds the read/write connection pool from configuration,
// selecting Postgres when a host is set and embedded SQLite otherwise.
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
