package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/agent-taskplane/internal/adapter/observability"
	"github.com/fairyhunter13/agent-taskplane/internal/domain"
)

// runPresence advertises this worker's liveness every AgentStatusTime,
// publishing {worker_id, status, updated_at} and refreshing the presence
// set membership. On cancellation it publishes a final shutdown status and
// removes itself from the presence set before returning.
func (w *Worker) runPresence(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.AgentStatusTime)
	defer ticker.Stop()

	w.publishPresence(ctx, domain.WorkerIdle)

	for {
		select {
		case <-ctx.Done():
			w.publishPresenceOnShutdown()
			return
		case <-ticker.C:
			w.current.mu.Lock()
			active := w.current.active
			w.current.mu.Unlock()

			status := domain.WorkerIdle
			if active {
				status = domain.WorkerWorking
			}
			w.publishPresence(ctx, status)
		}
	}
}

func (w *Worker) publishPresence(ctx context.Context, status domain.WorkerStatus) {
	if w.presence == nil {
		return
	}
	p := domain.WorkerPresence{WorkerID: w.id, Status: status, UpdatedAt: time.Now().UTC()}
	if err := w.presence.PublishPresence(ctx, p); err != nil {
		slog.Warn("presence publish failed", slog.String("worker_id", w.id), slog.Any("error", err))
	}
	observability.RecordWorkerHeartbeat(w.id)
}

// publishPresenceOnShutdown runs with a fresh background context since the
// worker's own context is already cancelled by the time this fires.
func (w *Worker) publishPresenceOnShutdown() {
	if w.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.AgentShutdownTimeoutSeconds)
	defer cancel()
	_ = w.presence.PublishPresenceResilient(ctx, domain.WorkerPresence{
		WorkerID:  w.id,
		Status:    domain.WorkerShutdown,
		UpdatedAt: time.Now().UTC(),
	}, w.cfg.AgentShutdownTimeoutSeconds)

	if err := w.presence.RemovePresence(ctx, w.id); err != nil {
		slog.Warn("presence removal failed", slog.String("worker_id", w.id), slog.Any("error", err))
	}
}
