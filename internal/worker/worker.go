// Package worker implements the agent worker process: presence
// advertisement, input-queue consumption, per-task status envelope
// publication, an execution heartbeat, and coordinated shutdown.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/agent-taskplane/internal/adapter/observability"
	"github.com/fairyhunter13/agent-taskplane/internal/config"
	"github.com/fairyhunter13/agent-taskplane/internal/domain"
)

// Worker hosts three cooperative background responsibilities: presence,
// consumer, and (while a task is active) heartbeat. It processes one task
// at a time, mirroring status transitions to both the status queue and
// task storage.
type Worker struct {
	id       string
	cfg      config.Config
	broker   domain.Broker
	tasks    domain.TaskStore
	dlq      domain.DLQStore
	agent    domain.AgentRunner
	presence domain.WorkerPresenceStore

	mu      sync.Mutex
	ready   bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	current currentTask
}

type currentTask struct {
	mu            sync.Mutex
	active        bool
	correlationID string
	taskID        string
	mandate       string
	progress      domain.AgentProgress
}

// New constructs a Worker identified by workerID.
func New(workerID string, cfg config.Config, broker domain.Broker, tasks domain.TaskStore, dlq domain.DLQStore, agent domain.AgentRunner, presence domain.WorkerPresenceStore) *Worker {
	return &Worker{id: workerID, cfg: cfg, broker: broker, tasks: tasks, dlq: dlq, agent: agent, presence: presence}
}

// Start is idempotent: if already ready, it returns immediately. Otherwise
// it connects the broker and launches the presence and consumer loops as
// cooperative goroutines.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.ready {
		w.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	if err := w.broker.Connect(runCtx); err != nil {
		cancel()
		return fmt.Errorf("op=worker.Worker.Start: %w", err)
	}

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.runPresence(runCtx)
	}()
	go func() {
		defer w.wg.Done()
		if err := w.broker.ConsumeQueue(runCtx, w.cfg.AgentInputQueue, w.handleTask); err != nil && runCtx.Err() == nil {
			slog.Error("consumer loop exited with error", slog.Any("error", err))
		}
	}()

	w.mu.Lock()
	w.ready = true
	w.mu.Unlock()
	slog.Info("worker started", slog.String("worker_id", w.id), slog.String("input_queue", w.cfg.AgentInputQueue))
	return nil
}

// Stop cancels the consumer and heartbeat, signals presence to publish its
// shutdown status, and disconnects the broker — bounded by
// AgentShutdownTimeoutSeconds. Idempotent.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.ready {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.ready = false
	w.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.cfg.AgentShutdownTimeoutSeconds):
		slog.Warn("worker shutdown timed out, forcing disconnect", slog.String("worker_id", w.id))
	}

	if err := w.broker.Disconnect(ctx); err != nil {
		return fmt.Errorf("op=worker.Worker.Stop: %w", err)
	}
	slog.Info("worker stopped", slog.String("worker_id", w.id))
	return nil
}

func (w *Worker) handleTask(ctx domain.Context, payload []byte) error {
	var msg domain.TaskMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn("malformed task payload, discarding", slog.Any("error", err))
		return nil
	}
	correlationID := msg.ResolvedID()
	if correlationID == "" || msg.Mandate == "" {
		slog.Warn("task payload missing correlation_id or mandate, discarding", slog.String("correlation_id", correlationID))
		return nil
	}
	maxTicks := msg.MaxTicks
	if maxTicks <= 0 {
		maxTicks = 50
	}

	if escalated := w.maybeEscalateToDLQ(ctx, correlationID, msg); escalated {
		return nil
	}

	w.current.mu.Lock()
	w.current.active = true
	w.current.correlationID = correlationID
	w.current.taskID = correlationID
	w.current.mandate = msg.Mandate
	w.current.progress = domain.AgentProgress{MaxTicks: maxTicks}
	w.current.mu.Unlock()

	w.publishStatus(ctx, domain.StatusAccepted, correlationID, msg.Mandate, maxTicks, nil, "")
	w.mirrorStatus(ctx, correlationID, domain.TaskAccepted, 0, nil, "")

	w.publishStatus(ctx, domain.StatusStarted, correlationID, msg.Mandate, maxTicks, nil, "")
	w.mirrorStatus(ctx, correlationID, domain.TaskInProgress, 0, nil, "")

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		w.runHeartbeat(heartbeatCtx, correlationID, msg.Mandate)
	}()

	result, runErr := w.agent.Run(ctx, msg.Mandate, maxTicks, func(p domain.AgentProgress) {
		w.current.mu.Lock()
		w.current.progress = p
		w.current.mu.Unlock()
	})

	stopHeartbeat()
	<-heartbeatDone

	if runErr != nil {
		w.publishStatus(ctx, domain.StatusError, correlationID, msg.Mandate, maxTicks, nil, runErr.Error())
		observability.FailTask("agent_run_error")
		w.tasks.UpdateTaskResilient(ctx, correlationID, map[string]any{
			"status": domain.TaskFailed,
			"error":  runErr.Error(),
		}, w.cfg.AgentShutdownTimeoutSeconds*10)
	} else {
		w.publishStatus(ctx, domain.StatusCompleted, correlationID, msg.Mandate, maxTicks, &result, "")
		observability.CompleteTask()
		w.tasks.UpdateTaskResilient(ctx, correlationID, map[string]any{
			"status": domain.TaskCompleted,
			"result": result,
		}, w.cfg.AgentShutdownTimeoutSeconds*10)
	}

	w.current.mu.Lock()
	w.current.active = false
	w.current.correlationID = ""
	w.current.taskID = ""
	w.current.mandate = ""
	w.current.mu.Unlock()

	return nil
}

// maybeEscalateToDLQ detects a redelivery of a task that is already
// in_progress with no completion recorded since, incrementing its
// redelivery counter and — past MaxDeliveryAttempts — acking the poisoned
// message and writing a DLQ record instead of looping forever.
func (w *Worker) maybeEscalateToDLQ(ctx domain.Context, correlationID string, msg domain.TaskMessage) bool {
	existing, err := w.tasks.GetTask(ctx, correlationID)
	if err != nil || existing == nil {
		return false
	}
	if existing.Status != domain.TaskInProgress {
		return false
	}

	info := domain.DeliveryInfo{AttemptCount: existing.RetryCount}
	info.RecordFailure(fmt.Errorf("redelivered while in_progress"))

	if !info.ShouldEscalateToDLQ(w.cfg.MaxDeliveryAttempts) {
		w.tasks.UpdateTask(ctx, correlationID, map[string]any{"retry_count": info.AttemptCount})
		return false
	}

	info.MarkDLQ()
	w.tasks.UpdateTask(ctx, correlationID, map[string]any{
		"status":      domain.TaskFailed,
		"error":       "exceeded max delivery attempts",
		"retry_count": info.AttemptCount,
	})
	if w.dlq != nil {
		_ = w.dlq.WriteDLQRecord(ctx, domain.DLQRecord{
			CorrelationID:    correlationID,
			OriginalMessage:  msg,
			AttemptCount:     info.AttemptCount,
			FailureReason:    "exceeded max delivery attempts",
			MovedToDLQAt:     time.Now().UTC(),
			CanBeReprocessed: true,
		})
	}
	observability.EscalateToDLQ()
	slog.Error("task escalated to DLQ", slog.String("correlation_id", correlationID), slog.Int("attempts", info.AttemptCount))
	return true
}

func (w *Worker) runHeartbeat(ctx context.Context, correlationID, mandate string) {
	ticker := time.NewTicker(w.cfg.AgentStatusTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.current.mu.Lock()
			p := w.current.progress
			active := w.current.active
			w.current.mu.Unlock()
			if !active {
				return
			}

			w.publishStatus(ctx, domain.StatusInProgress, correlationID, mandate, p.MaxTicks, nil, "")
			w.tasks.UpdateTaskResilient(ctx, correlationID, map[string]any{
				"status": domain.TaskInProgress,
				"tick":   p.CurrentTick,
			}, w.cfg.AgentShutdownTimeoutSeconds*10)
		}
	}
}

func (w *Worker) publishStatus(ctx domain.Context, statusType domain.StatusType, correlationID, mandate string, maxTicks int, result *domain.TaskResult, errMsg string) {
	w.current.mu.Lock()
	p := w.current.progress
	w.current.mu.Unlock()

	envelope := domain.StatusEnvelope{
		Type:          statusType,
		CorrelationID: correlationID,
		Mandate:       mandate,
		TaskID:        correlationID,
		MaxTicks:      maxTicks,
		Tick:          p.CurrentTick,
		Result:        result,
		Error:         errMsg,
	}
	if statusType == domain.StatusInProgress {
		envelope.HistoryLength = p.HistoryLength
		envelope.NotesLen = p.NotesLen
		envelope.DeliverablesCount = p.DeliverablesCount
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		slog.Error("failed to marshal status envelope", slog.Any("error", err))
		return
	}
	if err := w.broker.PublishMessage(ctx, w.cfg.AgentStatusQueue, payload, correlationID, true); err != nil {
		slog.Warn("status publish failed", slog.String("correlation_id", correlationID), slog.Any("error", err))
	}
}

func (w *Worker) mirrorStatus(ctx domain.Context, correlationID string, status domain.TaskStatus, tick int, result *domain.TaskResult, errMsg string) {
	patch := map[string]any{"status": status}
	if result != nil {
		patch["result"] = result
	}
	if errMsg != "" {
		patch["error"] = errMsg
	}
	if err := w.tasks.UpdateTask(ctx, correlationID, patch); err != nil {
		slog.Warn("task mirror update failed", slog.String("correlation_id", correlationID), slog.Any("error", err))
	}
	_ = tick
}

// IsReady reports whether the worker has completed startup.
func (w *Worker) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}
