// Command server starts the Jimeng gateway HTTP server.
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

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/jimeng-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/jimeng-gateway/internal/adapter/observability"
	quotafile "github.com/fairyhunter13/jimeng-gateway/internal/adapter/quota/file"
	quotapg "github.com/fairyhunter13/jimeng-gateway/internal/adapter/quota/postgres"
	"github.com/fairyhunter13/jimeng-gateway/internal/adapter/ratelimit"
	"github.com/fairyhunter13/jimeng-gateway/internal/adapter/taskengine"
	"github.com/fairyhunter13/jimeng-gateway/internal/adapter/upstream/dreamina"
	"github.com/fairyhunter13/jimeng-gateway/internal/adapter/upstream/imagex"
	"github.com/fairyhunter13/jimeng-gateway/internal/app"
	"github.com/fairyhunter13/jimeng-gateway/internal/config"
	"github.com/fairyhunter13/jimeng-gateway/internal/domain"
	"github.com/fairyhunter13/jimeng-gateway/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Background loops (scheduler, reaper, retention) stop when this context
	// ends, after the HTTP server has drained.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Quota ledger: the JSON file is canonical; DB_URL switches to postgres
	// so replicas share one quota view.
	limits := domain.ServiceLimits{
		Image:  cfg.DailyLimitImage,
		Video:  cfg.DailyLimitVideo,
		Avatar: cfg.DailyLimitAvatar,
	}
	var (
		ledger domain.QuotaLedger
		probe  app.Pinger
	)
	if cfg.DBURL != "" {
		pool, err := quotapg.NewPool(ctx, cfg.DBURL)
		if err != nil {
			slog.Error("db connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		pg := quotapg.New(pool, limits)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("usage schema init failed", slog.Any("error", err))
			os.Exit(1)
		}
		ledger, probe = pg, pg
		slog.Info("usage ledger ready", slog.String("backend", "postgres"))
	} else {
		fl, err := quotafile.New(cfg.UsageFile, limits)
		if err != nil {
			slog.Error("usage ledger open failed", slog.Any("error", err))
			os.Exit(1)
		}
		ledger, probe = fl, fl
		slog.Info("usage ledger ready", slog.String("backend", "file"), slog.String("path", cfg.UsageFile))
	}

	// Optional redis: distributed session rate limiting.
	var (
		rdb     *redis.Client
		limiter httpserver.RateAllower
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", slog.Any("error", err))
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		limiter = ratelimit.NewRedisLimiter(rdb, ratelimit.PerMinute(cfg.RateLimitPerMin))
		slog.Info("session rate limiter enabled", slog.Int("per_minute", cfg.RateLimitPerMin))
	}

	// Upstream protocol clients share one pooled, proxy-aware HTTP client.
	up, err := dreamina.New(cfg)
	if err != nil {
		slog.Error("upstream client init failed", slog.Any("error", err))
		os.Exit(1)
	}
	uploader := imagex.New(cfg, up, up.HTTPClient())

	// Usecases and the task engine.
	genSvc := usecase.NewGenerateService(up, uploader, ledger, cfg.CreditCheckEnabled)
	store := taskengine.NewStore(cfg.TaskRetention)
	taskSvc := usecase.NewTaskService(store)
	usageSvc := usecase.NewUsageService(ledger)

	worker := taskengine.NewWorker(store, genSvc)
	sched := taskengine.NewScheduler(store, worker, taskengine.SchedulerOptions{
		MaxConcurrent: cfg.TaskMaxConcurrent,
		Tick:          cfg.TaskTickInterval,
		ImageTimeout:  cfg.TaskImageTimeout,
		VideoTimeout:  cfg.TaskVideoTimeout,
	})
	go sched.Run(ctx)
	go store.RunReaper(ctx, cfg.TaskReapInterval)
	go usageSvc.RunCleanup(ctx, cfg.UsageCleanupInterval, cfg.UsageRetentionDays)

	// HTTP surface.
	ledgerCheck, redisCheck := app.BuildReadinessChecks(probe, rdb)
	srv := httpserver.NewServer(cfg, genSvc, taskSvc, usageSvc, dreamina.ModelsFor, ledgerCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv, limiter)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()
	if err := srvHTTP.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown incomplete", slog.Any("error", err))
	}
	cancel()
	slog.Info("server stopped")
}
