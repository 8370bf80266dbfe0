// Package main is the entrypoint for the textgate API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"textgate/internal/api"
	"textgate/internal/api/handler"
	mw "textgate/internal/api/middleware"
	"textgate/internal/bus"
	"textgate/internal/cache"
	"textgate/internal/cancel"
	"textgate/internal/config"
	"textgate/internal/flavor"
	"textgate/internal/job"
	"textgate/internal/llm"
	"textgate/internal/progress"
	"textgate/internal/queue"
	"textgate/internal/store"
	"textgate/internal/token"
	"textgate/internal/worker"
)

const (
	shutdownTimeout = 30 * time.Second

	// queueTaskTTL bounds how long a task record survives in Redis; the
	// Postgres row is the durable record, so a lost hash only costs the
	// queue-side progress view.
	queueTaskTTL = 24 * time.Hour

	// denyTTL bounds cancellation markers. A marker only matters while
	// its task could still be picked up or mid-run.
	denyTTL = time.Hour

	dequeueWait = 5 * time.Second
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "flavors_path", cfg.Flavors.Path)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Connect Redis; one client backs the queue, bus, deny-list, and cache
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	taskQueue := queue.NewRedisQueue(redisClient, queueTaskTTL)
	updateBus := bus.NewRedisBus(redisClient)
	denyList := cancel.NewRedisDenyList(redisClient, denyTTL)
	redisCache := cache.NewRedisCache(redisClient)

	// 5. Load the flavor registry
	registry, err := flavor.Load(cfg.Flavors.Path)
	if err != nil {
		return fmt.Errorf("load flavor registry: %w", err)
	}
	slog.Info("flavor registry loaded",
		"providers", len(registry.ListProviders()),
		"models", len(registry.ListModels()),
		"flavors", len(registry.ListFlavors()))

	// 6. Token counting; tokenizers warm up in the background so the first
	// request does not pay the download
	counter := token.NewManager(cfg.Tokenizer.CacheDir)
	go counter.Preload(context.Background(), preloadRefs(registry, cfg.Tokenizer.Preload))

	// 7. LLM clients, one per provider
	clients, err := llm.NewClients(registry, cfg.Worker.CallTimeout)
	if err != nil {
		return fmt.Errorf("create llm clients: %w", err)
	}

	// 8. Core services
	pgStore := store.NewPostgresStore(pool)
	jobService := job.NewService(pgStore, taskQueue, registry, counter, denyList, updateBus)
	sweeper := job.NewSweeper(pgStore, taskQueue, updateBus, cfg.Sweep.StaleTimeout)
	watcher := progress.NewWatcher(pgStore, taskQueue, updateBus,
		cfg.Stream.ProcessingPoll, cfg.Stream.IdlePoll)

	// 9. Scheduled reconciliation sweeps
	sched := cron.New()
	_, err = sched.AddFunc(fmt.Sprintf("@every %s", cfg.Sweep.Interval), func() {
		sweepCtx, cancelSweep := context.WithTimeout(context.Background(), time.Minute)
		defer cancelSweep()
		counts, err := sweeper.RunAll(sweepCtx)
		if err != nil {
			slog.Error("scheduled sweep failed", "error", err)
		}
		if counts != (job.SweepCounts{}) {
			slog.Info("sweep reconciled jobs",
				"orphans", counts.OrphansReconciled,
				"stale", counts.StaleFailed,
				"expired", counts.ExpiredDeleted)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweeps: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	// 10. Worker pool, unless this instance serves the API only
	workerDone := make(chan struct{})
	if cfg.Worker.Enabled {
		workerPool := worker.NewPool(pgStore, taskQueue, registry, clients, counter,
			denyList, updateBus, cfg.Worker.Concurrency, dequeueWait)
		go func() {
			workerPool.Run(ctx)
			close(workerDone)
		}()
	} else {
		close(workerDone)
		slog.Info("worker pool disabled; this instance only serves the API")
	}

	// 11. Build router with dependencies
	deps := api.Dependencies{
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMin),

		HealthHandler: handler.NewHealthHandler(map[string]handler.Pinger{
			"database": pgStore,
			"queue":    taskQueue,
			"cache":    redisCache,
		}),

		CreateJobHandler: handler.NewCreateJobHandler(jobService),
		ListJobsHandler:  handler.NewListJobsHandler(jobService),
		GetJobHandler:    handler.NewGetJobHandler(jobService),
		CancelJobHandler: handler.NewCancelJobHandler(jobService),
		DeleteJobHandler: handler.NewDeleteJobHandler(jobService),

		JobStreamHandler:    handler.NewJobStreamHandler(watcher),
		GlobalStreamHandler: handler.NewGlobalStreamHandler(watcher),

		FailoverChainHandler: handler.NewFailoverChainHandler(registry),
		SweepHandler:         handler.NewSweepHandler(sweeper),
	}

	router := api.NewRouter(deps)

	// 12. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No write timeout: the SSE endpoints hold responses open for the
		// life of a job.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// The pool stops on the same signal context; give in-flight jobs the
	// rest of the shutdown window.
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		slog.Warn("worker pool did not drain before the shutdown deadline")
	}

	slog.Info("server stopped gracefully")
	return nil
}

// preloadRefs selects which tokenizers to warm: the configured list when
// given, every registry model otherwise.
func preloadRefs(registry *flavor.Registry, only []string) []token.ModelRef {
	wanted := make(map[string]bool, len(only))
	for _, name := range only {
		wanted[name] = true
	}

	var refs []token.ModelRef
	for _, m := range registry.ListModels() {
		if len(wanted) > 0 && !wanted[m.ID] && !wanted[m.Name] {
			continue
		}
		refs = append(refs, token.ModelRef{Name: m.Name, Tokenizer: m.TokenizerName})
	}
	return refs
}
