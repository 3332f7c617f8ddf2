// Command autoscaler runs the backlog-driven worker-pool scaling loop: it
// reads queue depth and protected-worker count, computes a desired worker
// count, and applies it through a domain.Orchestrator.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/agent-taskplane/internal/adapter/broker/kafka"
	"github.com/fairyhunter13/agent-taskplane/internal/adapter/kvstore"
	"github.com/fairyhunter13/agent-taskplane/internal/adapter/observability"
	"github.com/fairyhunter13/agent-taskplane/internal/adapter/orchestrator/noop"
	"github.com/fairyhunter13/agent-taskplane/internal/adapter/repo/kv"
	"github.com/fairyhunter13/agent-taskplane/internal/autoscaler"
	"github.com/fairyhunter13/agent-taskplane/internal/config"
	"github.com/fairyhunter13/agent-taskplane/internal/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	metricsPort := cfg.MetricsPort
	if metricsPort <= 0 {
		metricsPort = 9090
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":"+strconv.Itoa(metricsPort), mux); err != nil {
			slog.Error("autoscaler metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	broker := kafka.NewClient(cfg.KafkaBrokers, "agent-workers", connectOpts)
	if err := broker.Connect(ctx); err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = broker.Disconnect(ctx) }()

	presence := kv.NewPresenceStore(kvClient, cfg.WorkerStatusTTL)

	// No real ECS/Kubernetes scheduler is wired in this repo (out of scope);
	// the no-op orchestrator tracks a desired count in memory and logs every
	// decision so it can be swapped for a real backend without touching the
	// scaling policy.
	initialCount, err := presence.WorkerCount(ctx)
	if err != nil {
		slog.Warn("failed to read initial worker count, assuming MinWorkers", slog.Any("error", err))
		initialCount = cfg.MinWorkers
	}
	orchestrator := noop.New(initialCount)

	scaler := autoscaler.NewScaler(cfg, broker, presence, orchestrator)

	slog.Info("autoscaler starting", slog.Duration("interval", cfg.AutoscalerInterval))
	scaler.RunLoop(ctx)
	slog.Info("autoscaler shutting down")
}
