// Command worker consumes mandates from the agent input queue, executes
// them tick by tick against an agent runner, and reports status and
// presence back through the broker and KV store.
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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/agent-taskplane/internal/adapter/agent/stub"
	"github.com/fairyhunter13/agent-taskplane/internal/adapter/broker/kafka"
	"github.com/fairyhunter13/agent-taskplane/internal/adapter/kvstore"
	"github.com/fairyhunter13/agent-taskplane/internal/adapter/observability"
	"github.com/fairyhunter13/agent-taskplane/internal/adapter/repo/kv"
	"github.com/fairyhunter13/agent-taskplane/internal/config"
	"github.com/fairyhunter13/agent-taskplane/internal/retry"
	"github.com/fairyhunter13/agent-taskplane/internal/worker"
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
			slog.Error("worker metrics server error", slog.Any("error", err))
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

	// All workers share one consumer group so the broker load-balances
	// mandates across them instead of delivering each one to every worker.
	broker := kafka.NewClient(cfg.KafkaBrokers, "agent-workers", connectOpts)
	if err := broker.Connect(ctx); err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = broker.Disconnect(ctx) }()

	tasks := kv.NewTaskStore(kvClient)
	presence := kv.NewPresenceStore(kvClient, cfg.WorkerStatusTTL)
	dlq := kv.NewDLQStore(kvClient)
	agent := stub.New(cfg.AgentStatusTime)

	workerID := "agent-" + uuid.NewString()
	w := worker.New(workerID, cfg, broker, tasks, dlq, agent, presence)

	slog.Info("worker starting", slog.String("worker_id", workerID))
	if err := w.Start(ctx); err != nil {
		slog.Error("worker start failed", slog.Any("error", err))
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.AgentShutdownTimeoutSeconds)
	defer cancel()
	if err := w.Stop(shutdownCtx); err != nil {
		slog.Error("worker stop failed", slog.Any("error", err))
	}
}
