package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"clubapi/internal/app"
	"clubapi/internal/attendance"
	"clubapi/internal/auth"
	"clubapi/internal/cache"
	"clubapi/internal/config"
	"clubapi/internal/handler"
	"clubapi/internal/httpmiddleware"
	"clubapi/internal/journal"
	"clubapi/internal/logging"
	"clubapi/internal/queue"
)

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

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close(context.Background()) }()

	keys, err := app.LoadKeys(ctx, cfg, logger)
	if err != nil {
		return err
	}

	entities := cache.New(st, cfg.SortYear, app.CacheConfig(cfg.Cache), logger)
	if cfg.WarmCache {
		if err := entities.Warm(ctx); err != nil {
			logger.Warn("cache warm-up incomplete", zap.Error(err))
		}
	}
	entities.Start(ctx)
	defer entities.Stop()

	jr, err := app.OpenJournal(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = jr.Close() }()

	q, rdb, err := app.OpenQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	if mem, ok := q.(*queue.InMemory); ok {
		// Nobody else can read an in-process queue, so repair here.
		worker := journal.NewWorker(jr, attendance.NewReconciler(st, logger), logger)
		worker.AfterRepair = func(ctx context.Context, _ attendance.Repair) {
			if err := entities.RefreshEvents(ctx); err != nil {
				logger.Warn("event refresh after repair failed", zap.Error(err))
			}
		}
		messages, err := mem.Consume(ctx)
		if err != nil {
			return err
		}
		go func() { _ = worker.Run(ctx, messages, time.Minute) }()
	}

	engine := attendance.NewService(st, entities, journal.NewRecorder(jr, q, logger), cfg.SortYear, logger)
	signer := auth.NewSigner(keys.Private, cfg.JWTIssuer)

	health := map[string]handler.HealthCheck{"store": st.Ping}
	if rdb != nil {
		health["redis"] = rdb.Ping
	}

	h := handler.New(handler.Deps{
		Store:           st,
		Cache:           entities,
		Engine:          engine,
		Login:           auth.NewLogin(st, entities, signer, cfg.TeamTokenTTL, cfg.AutomationTokenTTL, logger),
		Verifier:        auth.NewVerifier(keys.Public, cfg.JWTIssuer, 0),
		Resolver:        auth.NewResolver(st, logger),
		EventWindowDays: cfg.EventWindowDays,
		Health:          health,
		Log:             logger,
	})

	limiter := httpmiddleware.NewRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				limiter.Prune(10 * time.Minute)
			}
		}
	}()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestID())
	r.Use(httpmiddleware.Observe(logger, "/healthz", "/metrics"))
	r.Use(httpmiddleware.CORS())
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(limiter.GinMiddleware())
	h.Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr), zap.String("env", cfg.Env), zap.Int("sort_year", cfg.SortYear))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}
	logger.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced shutdown", zap.Error(err))
	}
	logger.Info("server exited")
	return nil
}
