package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"

	"github.com/garyjia/invoice-orchestrator/internal/adapter/etherscan"
	"github.com/garyjia/invoice-orchestrator/internal/adapter/exceltrack"
	"github.com/garyjia/invoice-orchestrator/internal/adapter/larkchannel"
	"github.com/garyjia/invoice-orchestrator/internal/adapter/openaiintel"
	"github.com/garyjia/invoice-orchestrator/internal/config"
	"github.com/garyjia/invoice-orchestrator/internal/executor"
	"github.com/garyjia/invoice-orchestrator/internal/metrics"
	"github.com/garyjia/invoice-orchestrator/internal/orchestrator"
	"github.com/garyjia/invoice-orchestrator/internal/queue"
	"github.com/garyjia/invoice-orchestrator/internal/repository"
	"github.com/garyjia/invoice-orchestrator/internal/scheduler"
	"github.com/garyjia/invoice-orchestrator/internal/server"
	"github.com/garyjia/invoice-orchestrator/internal/watcher"
	"github.com/garyjia/invoice-orchestrator/internal/worker"
	"github.com/garyjia/invoice-orchestrator/pkg/database"
	"github.com/garyjia/invoice-orchestrator/pkg/utils"
)

func main() {
	// Load .env before anything reads the environment
	_ = gotenv.Load()

	// Load configuration
	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting Invoice Orchestrator",
		zap.String("version", "1.0.0"),
		zap.Int("port", cfg.Server.Port))

	// Create data directories
	for _, p := range []string{cfg.Database.Path, cfg.Tracking.LedgerPath} {
		if dir := filepath.Dir(p); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				logger.Fatal("Failed to create data directory", zap.String("dir", dir), zap.Error(err))
			}
		}
	}

	// Initialize database
	db, err := database.New(database.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Run migrations
	migrator := database.NewMigrator(db, logger)
	if err := migrator.RunMigrations(cfg.Database.MigrationsDir); err != nil {
		logger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	// Initialize repositories
	invoiceRepo := repository.NewInvoiceRepository(db.DB, logger)
	timerRepo := repository.NewTimerRepository(db.DB, logger)
	actionRepo := repository.NewActionRepository(db.DB, logger)
	cursorRepo := repository.NewCursorRepository(db.DB, logger)

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Event queue
	eventQueue := queue.New(cfg.Watcher.QueueSize)
	defer eventQueue.Close()

	// External adapters
	larkClient := larkchannel.NewClient(larkchannel.Config{
		AppID:          cfg.Lark.AppID,
		AppSecret:      cfg.Lark.AppSecret,
		InboxChatID:    cfg.Lark.InboxChatID,
		ApprovalChatID: cfg.Lark.ApprovalChatID,
	}, logger)
	mailbox := larkchannel.NewMailbox(larkClient, logger)
	channel := larkchannel.NewChannel(larkClient, logger)

	intelligence := openaiintel.NewExtractor(cfg.OpenAI.APIKey, cfg.OpenAI.Model, logger)

	ledger, err := exceltrack.NewLedger(cfg.Tracking.LedgerPath, logger)
	if err != nil {
		logger.Fatal("Failed to initialize tracking ledger", zap.Error(err))
	}

	paymentLookup := etherscan.NewClient(cfg.Etherscan.BaseURL, cfg.Etherscan.APIKey, logger)

	// Action executor
	exec := executor.New(executor.Config{
		Workers:             cfg.Executor.Workers,
		MaxAttempts:         cfg.Executor.MaxAttempts,
		InitialBackoff:      cfg.Executor.InitialBackoff,
		ConfidenceThreshold: cfg.OpenAI.ConfidenceThreshold,
	}, actionRepo, eventQueue, intelligence, mailbox, ledger, channel, m, logger)

	// Orchestrator engine
	policy := orchestrator.Policy{
		ValidationBusinessDays:   cfg.Policy.ValidationBusinessDays,
		ValidationMaxReminders:   cfg.Policy.ValidationMaxReminders,
		ApprovalReminderInterval: cfg.Policy.ApprovalReminderInterval,
	}
	engine := orchestrator.NewEngine(db, eventQueue, invoiceRepo, timerRepo, actionRepo, exec, policy, m, logger)

	// Reminder scheduler
	sched := scheduler.New(timerRepo, eventQueue, cfg.Scheduler.SweepInterval, m, logger)

	// Source watchers
	inboxWatcher := watcher.NewInboxWatcher(mailbox, invoiceRepo, cursorRepo, eventQueue, cfg.Watcher.InboxInterval, logger)
	approvalWatcher := watcher.NewApprovalWatcher(channel, invoiceRepo, cursorRepo, eventQueue, cfg.Watcher.ApprovalInterval, logger)
	paymentWatcher := watcher.NewPaymentWatcher(channel, paymentLookup, invoiceRepo, cursorRepo, eventQueue, cfg.Watcher.PaymentInterval, logger)

	// Consumers start before producers so recovery work has somewhere
	// to go; StopAll unwinds in reverse.
	manager := worker.NewManager(logger)
	manager.Register(exec)
	manager.Register(engine)
	manager.Register(sched)
	manager.Register(inboxWatcher)
	manager.Register(approvalWatcher)
	manager.Register(paymentWatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.StartAll(ctx); err != nil {
		logger.Fatal("Failed to start workers", zap.Error(err))
	}

	// HTTP server
	srv := server.New(server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, invoiceRepo, engine, registry, logger)
	srv.Start()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server forced to shutdown", zap.Error(err))
	}

	manager.StopAll()
	cancel()

	logger.Info("Server exited successfully")
}
