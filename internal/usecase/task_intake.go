// Package usecase contains application business logic services.
package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/agent-taskplane/internal/config"
	"github.com/fairyhunter13/agent-taskplane/internal/domain"
)

// publishResilientWait bounds how long a resilient publish keeps retrying
// before the gateway gives up and reports the task as not accepted.
const publishResilientWait = 300 * time.Second

// TaskIntakeService validates a bearer token, enforces the caller's daily
// tick quota, durably creates the task record, and publishes it to the
// worker pool's input queue.
type TaskIntakeService struct {
	cfg    config.Config
	tokens domain.TokenValidator
	quota  domain.QuotaManager
	tasks  domain.TaskStore
	broker domain.Broker
}

// NewTaskIntakeService constructs a TaskIntakeService with its dependencies.
func NewTaskIntakeService(cfg config.Config, tokens domain.TokenValidator, quota domain.QuotaManager, tasks domain.TaskStore, broker domain.Broker) *TaskIntakeService {
	return &TaskIntakeService{cfg: cfg, tokens: tokens, quota: quota, tasks: tasks, broker: broker}
}

// EnqueueResult is the outcome of a successful or quota-rejected Enqueue call.
type EnqueueResult struct {
	CorrelationID string
	Remaining     int
}

// Enqueue authenticates bearerToken, checks quota, persists the task record,
// and publishes it for a worker to pick up. On quota rejection it returns
// domain.ErrRateLimited wrapped with the remaining budget still reachable
// via EnqueueResult.Remaining.
func (s *TaskIntakeService) Enqueue(ctx domain.Context, bearerToken, mandate string, maxTicks int) (EnqueueResult, error) {
	tr := otel.Tracer("usecase.taskintake")
	ctx, span := tr.Start(ctx, "TaskIntakeService.Enqueue")
	defer span.End()

	if mandate == "" {
		return EnqueueResult{}, fmt.Errorf("op=usecase.TaskIntakeService.Enqueue: %w: mandate required", domain.ErrInvalidArgument)
	}
	if maxTicks <= 0 {
		maxTicks = 50
	}

	userID, email, err := s.tokens.Validate(ctx, bearerToken)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("op=usecase.TaskIntakeService.Enqueue: %w", err)
	}

	quotaResult, err := s.quota.CheckAndConsume(ctx, userID, email, maxTicks)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("op=usecase.TaskIntakeService.Enqueue: %w", err)
	}
	if !quotaResult.Allowed {
		slog.Warn("daily quota exceeded", slog.String("user_id", userID), slog.Int("remaining", quotaResult.Remaining))
		return EnqueueResult{Remaining: quotaResult.Remaining}, fmt.Errorf("op=usecase.TaskIntakeService.Enqueue: %w", domain.ErrRateLimited)
	}

	correlationID := uuid.NewString()
	now := time.Now().UTC()
	task := domain.Task{
		CorrelationID: correlationID,
		UserID:        userID,
		Email:         email,
		Mandate:       mandate,
		MaxTicks:      maxTicks,
		Status:        domain.TaskAccepted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.tasks.CreateTask(ctx, task); err != nil {
		return EnqueueResult{}, fmt.Errorf("op=usecase.TaskIntakeService.Enqueue: %w", err)
	}

	msg := domain.TaskMessage{CorrelationID: correlationID, TaskID: correlationID, Mandate: mandate, MaxTicks: maxTicks}
	payload, err := json.Marshal(msg)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("op=usecase.TaskIntakeService.Enqueue: %w", err)
	}

	if ok := s.broker.PublishMessageResilient(ctx, s.cfg.AgentInputQueue, payload, correlationID, publishResilientWait); !ok {
		_ = s.tasks.UpdateTask(ctx, correlationID, map[string]any{
			"status": domain.TaskFailed,
			"error":  "failed to publish task to input queue",
		})
		return EnqueueResult{}, fmt.Errorf("op=usecase.TaskIntakeService.Enqueue: %w", domain.ErrUpstreamUnavailable)
	}

	slog.Info("task enqueued", slog.String("correlation_id", correlationID), slog.String("user_id", userID))
	return EnqueueResult{CorrelationID: correlationID, Remaining: quotaResult.Remaining}, nil
}

// GetTask authenticates bearerToken and looks up a previously-submitted
// task by correlation id. A missing task yields the store's own result —
// domain.ErrNotFound from the KV store, or (nil, nil) from a store that
// reports absence that way — and a task owned by a different user yields
// domain.ErrNotFound, so the HTTP layer answers 404 for both and the caller
// cannot distinguish "not found" from "not yours" by probing correlation ids.
func (s *TaskIntakeService) GetTask(ctx domain.Context, bearerToken, correlationID string) (*domain.Task, error) {
	userID, _, err := s.tokens.Validate(ctx, bearerToken)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.TaskIntakeService.GetTask: %w", err)
	}

	t, err := s.tasks.GetTask(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.TaskIntakeService.GetTask: %w", err)
	}
	if t == nil {
		return nil, nil
	}
	if t.UserID != userID {
		return nil, fmt.Errorf("op=usecase.TaskIntakeService.GetTask: %w: task %s", domain.ErrNotFound, correlationID)
	}
	return t, nil
}
