package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"clubapi/internal/app"
	"clubapi/internal/attendance"
	"clubapi/internal/config"
	"clubapi/internal/journal"
	"clubapi/internal/logging"
	"clubapi/internal/queue"
)

// Worker consumes repair messages and reconciles the journaled
// (event, student) pairs against the student records.
func main() {
	cfg := config.Load()
	if err := config.Validate(&cfg); err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogFile)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("worker failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.App, logger *zap.Logger) error {
	st, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close(context.Background()) }()

	// An in-memory journal would hold none of the api's entries.
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL required: the worker reads the journal the api writes")
	}
	jr, err := app.OpenJournal(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = jr.Close() }()

	var messages <-chan queue.Message
	if cfg.QueueBackend == "redis" {
		q, rdb, err := app.OpenQueue(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
		if messages, err = q.Consume(ctx); err != nil {
			return err
		}
	} else {
		logger.Warn("queue backend is in-process, running the periodic sweep only")
	}

	worker := journal.NewWorker(jr, attendance.NewReconciler(st, logger), logger)
	if _, err := worker.Sweep(ctx); err != nil {
		logger.Error("initial sweep failed", zap.Error(err))
	}
	logger.Info("worker started, waiting for messages...")
	return worker.Run(ctx, messages, time.Minute)
}
