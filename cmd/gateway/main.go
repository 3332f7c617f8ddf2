// Command gateway starts the HTTP task-intake server: it validates bearer
// tokens, enforces the daily tick quota, and publishes accepted mandates
// onto the agent input queue for workers to pick up.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/agent-taskplane/internal/adapter/httpserver"
	"github.com/fairyhunter13/agent-taskplane/internal/adapter/broker/kafka"
	"github.com/fairyhunter13/agent-taskplane/internal/adapter/kvstore"
	"github.com/fairyhunter13/agent-taskplane/internal/adapter/observability"
	"github.com/fairyhunter13/agent-taskplane/internal/adapter/repo/kv"
	"github.com/fairyhunter13/agent-taskplane/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/agent-taskplane/internal/adapter/tokenvalidator/stub"
	"github.com/fairyhunter13/agent-taskplane/internal/app"
	"github.com/fairyhunter13/agent-taskplane/internal/config"
	"github.com/fairyhunter13/agent-taskplane/internal/domain"
	"github.com/fairyhunter13/agent-taskplane/internal/retry"
	"github.com/fairyhunter13/agent-taskplane/internal/service/ratelimiter"
	"github.com/fairyhunter13/agent-taskplane/internal/usecase"
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

	ctx := context.Background()
	baseDelay, timeout, jitterSeconds := cfg.GetResilienceConfig()
	connectOpts := retry.Options{
		BaseDelay:  baseDelay,
		Multiplier: 2,
		MaxDelay:   timeout,
		Deadline:   timeout,
		Jitter:     time.Duration(jitterSeconds * float64(time.Second)),
	}

	kvClient := kvstore.NewClient(cfg.RedisURL, connectOpts)
	if err := kvClient.Connect(ctx); err != nil {
		slog.Error("kv connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = kvClient.Disconnect() }()

	broker := kafka.NewClient(cfg.KafkaBrokers, "gateway", connectOpts)
	if err := broker.Connect(ctx); err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = broker.Disconnect(ctx) }()

	tasks := kv.NewTaskStore(kvClient)
	presence := kv.NewPresenceStore(kvClient, cfg.WorkerStatusTTL)
	tokens := stub.NewValidator(cfg.TokenSigningSecret)

	var quota domain.QuotaManager
	var dbPool *pgxpool.Pool
	if cfg.QuotaBackend == "postgres" {
		dbPool, err = postgres.NewPool(ctx, cfg.DBURL)
		if err != nil {
			slog.Error("db connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		quota = postgres.NewQuotaRepo(dbPool, cfg.DailyTickLimit)
	} else {
		quota = kv.NewDailyQuota(kvClient, cfg.DailyTickLimit, kvstore.DailyQuotaKey, kvstore.SecondsUntilEndOfDayUTC)
	}

	intake := usecase.NewTaskIntakeService(cfg, tokens, quota, tasks, broker)

	dbCheck := func(ctx context.Context) error {
		if dbPool == nil {
			return nil
		}
		return dbPool.Ping(ctx)
	}
	kvCheck := func(ctx context.Context) error {
		_, err := kvClient.Keys(ctx, "__health__")
		return err
	}

	srv := httpserver.NewServer(cfg, intake, presence, dbCheck, kvCheck)

	if rdbURL, parseErr := redis.ParseURL(cfg.RedisURL); parseErr == nil {
		rdb := redis.NewClient(rdbURL)
		limiter := ratelimiter.NewRedisLuaLimiter(rdb, dbPool, map[string]ratelimiter.BucketConfig{
			"tasks": ratelimiter.NewBucketConfigFromPerMinute(cfg.RateLimitPerMin),
		})
		if dbPool != nil {
			if err := limiter.WarmFromPostgres(ctx); err != nil {
				slog.Warn("failed to warm rate limit bucket from postgres", slog.Any("error", err))
			}
		}
		srv.Limiter = limiter
	} else {
		slog.Warn("could not parse redis url for rate limiter, global task bucket disabled", slog.Any("error", parseErr))
	}

	handler := app.BuildRouter(cfg, srv)

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
		slog.Info("gateway http server starting", slog.Int("port", cfg.Port))
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
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
