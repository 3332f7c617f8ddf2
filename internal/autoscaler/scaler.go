// Package autoscaler implements the backlog-driven worker-pool scaling
// control loop: read queue depth and protected-worker count, compute a
// desired worker count, and hand it to a domain.Orchestrator.
package autoscaler

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/fairyhunter13/agent-taskplane/internal/adapter/observability"
	"github.com/fairyhunter13/agent-taskplane/internal/config"
	"github.com/fairyhunter13/agent-taskplane/internal/domain"
)

// Scaler runs one control-loop tick at a time: observe, compute, act.
type Scaler struct {
	cfg          config.Config
	broker       domain.Broker
	presence     domain.WorkerPresenceStore
	orchestrator domain.Orchestrator
}

// NewScaler constructs a Scaler with its dependencies.
func NewScaler(cfg config.Config, broker domain.Broker, presence domain.WorkerPresenceStore, orchestrator domain.Orchestrator) *Scaler {
	return &Scaler{cfg: cfg, broker: broker, presence: presence, orchestrator: orchestrator}
}

// calculateDesiredWorkers implements the scaling policy: MIN_WORKERS when
// the queue is empty, otherwise ceil(backlog/targetPerWorker) clamped to
// [minWorkers, maxWorkers].
func calculateDesiredWorkers(queueDepth int64, minWorkers, maxWorkers, targetPerWorker int) int {
	if queueDepth <= 0 {
		return minWorkers
	}
	desired := int(math.Ceil(float64(queueDepth) / float64(targetPerWorker)))
	if desired < minWorkers {
		desired = minWorkers
	}
	if desired > maxWorkers {
		desired = maxWorkers
	}
	return desired
}

// Tick runs a single observe-compute-act cycle. It is a no-op (logged) when
// the orchestrator cannot report a current desired count.
func (s *Scaler) Tick(ctx domain.Context) error {
	queueDepth, ok := s.broker.GetQueueDepth(ctx, s.cfg.AgentInputQueue)
	if !ok {
		slog.Warn("queue depth unavailable, assuming zero backlog", slog.String("queue", s.cfg.AgentInputQueue))
		queueDepth = 0
	}

	currentCount, ok := s.orchestrator.CurrentDesiredCount(ctx)
	if !ok {
		slog.Warn("could not read current desired worker count, skipping tick")
		return nil
	}

	desired := calculateDesiredWorkers(queueDepth, s.cfg.MinWorkers, s.cfg.MaxWorkers, s.cfg.TargetMessagesPerWorker)

	protected := 0
	if s.presence != nil {
		p, err := s.presence.ProtectedWorkerCount(ctx)
		if err != nil {
			slog.Warn("failed to read protected worker count", slog.Any("error", err))
		} else {
			protected = p
		}
	}
	if protected > desired {
		desired = protected
	}

	observability.RecordAutoscalerDecision(queueDepth, desired)

	if desired == currentCount {
		slog.Info("no scaling needed", slog.Int("current", currentCount), slog.Int64("queue_depth", queueDepth), slog.Int("protected", protected))
		return nil
	}

	action := "scale_out"
	if desired < currentCount {
		action = "scale_in"
	}
	if err := s.orchestrator.SetDesiredCount(ctx, desired); err != nil {
		return fmt.Errorf("op=autoscaler.Scaler.Tick: %w", err)
	}
	slog.Info("autoscaler decision applied",
		slog.String("action", action),
		slog.Int("current", currentCount),
		slog.Int("desired", desired),
		slog.Int64("queue_depth", queueDepth),
		slog.Int("protected", protected))
	return nil
}

// RunLoop ticks every cfg.AutoscalerInterval until ctx is cancelled.
func (s *Scaler) RunLoop(ctx domain.Context) {
	ticker := time.NewTicker(s.cfg.AutoscalerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				slog.Error("autoscaler tick failed", slog.Any("error", err))
			}
		}
	}
}
