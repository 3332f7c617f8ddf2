// Package domain defines core entities, ports, and domain-specific errors
// for the task execution plane.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels). Matched with errors.Is in the HTTP layer and
// used internally to decide whether a failure is retryable.
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrRateLimited         = errors.New("rate limited")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInternal            = errors.New("internal error")
)

// TaskStatus captures the lifecycle state of a task.
type TaskStatus string

// Task status values. Monotone: Accepted/InProgress -> Completed|Failed.
const (
	TaskAccepted   TaskStatus = "accepted"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// TaskResult is the structured completion envelope an agent run produces.
type TaskResult struct {
	Success      bool   `json:"success"`
	Deliverables []any  `json:"deliverables"`
	Notes        string `json:"notes"`
}

// Task is the domain record persisted in the KV task store, keyed
// task:{CorrelationID} with a TTL that refreshes on every update.
type Task struct {
	CorrelationID string      `json:"correlation_id"`
	UserID        string      `json:"user_id"`
	Email         string      `json:"email"`
	Mandate       string      `json:"mandate"`
	MaxTicks      int         `json:"max_ticks"`
	Status        TaskStatus  `json:"status"`
	Tick          int         `json:"tick,omitempty"`
	Result        *TaskResult `json:"result,omitempty"`
	Error         string      `json:"error,omitempty"`
	RetryCount    int         `json:"retry_count,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// TaskMessage is the transient payload carried on the input queue. TaskID
// is accepted as an alias for CorrelationID by any deserializer (some
// producers set both, some only CorrelationID).
type TaskMessage struct {
	CorrelationID string `json:"correlation_id"`
	TaskID        string `json:"task_id,omitempty"`
	Mandate       string `json:"mandate"`
	MaxTicks      int    `json:"max_ticks"`
}

// ResolvedID returns CorrelationID, falling back to TaskID for producers
// that only set the legacy field.
func (m TaskMessage) ResolvedID() string {
	if m.CorrelationID != "" {
		return m.CorrelationID
	}
	return m.TaskID
}

// StatusType enumerates the status-envelope transition kinds.
type StatusType string

// Status envelope types, emitted in this order on the status queue for a
// single worker's handling of one correlation id:
// Accepted, Started, (InProgress)*, then exactly one of Completed or Error.
const (
	StatusAccepted   StatusType = "accepted"
	StatusStarted    StatusType = "started"
	StatusInProgress StatusType = "in_progress"
	StatusCompleted  StatusType = "completed"
	StatusError      StatusType = "error"
)

// StatusEnvelope is the record shape emitted to the status queue to mark
// task transitions. Optional fields are populated depending on Type.
type StatusEnvelope struct {
	Type              StatusType  `json:"type"`
	CorrelationID     string      `json:"correlation_id"`
	Mandate           string      `json:"mandate"`
	TaskID            string      `json:"task_id"`
	MaxTicks          int         `json:"max_ticks"`
	Tick              int         `json:"tick,omitempty"`
	Result            *TaskResult `json:"result,omitempty"`
	Error             string      `json:"error,omitempty"`
	HistoryLength     int         `json:"history_length,omitempty"`
	NotesLen          int         `json:"notes_len,omitempty"`
	DeliverablesCount int         `json:"deliverables_count,omitempty"`
}

// WorkerStatus enumerates advertised worker presence states.
type WorkerStatus string

const (
	WorkerIdle     WorkerStatus = "idle"
	WorkerWorking  WorkerStatus = "working"
	WorkerWaiting  WorkerStatus = "waiting"
	WorkerShutdown WorkerStatus = "shutdown"
)

// WorkerPresence is the JSON value at worker:status:{id}.
type WorkerPresence struct {
	WorkerID  string       `json:"worker_id"`
	Status    WorkerStatus `json:"status"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// WorkerState is the advisory JSON value at worker_state:agent:{id},
// consulted by the autoscaler to compute the protected-worker floor.
type WorkerState struct {
	State string    `json:"state"`
	TS    time.Time `json:"ts"`
}

// Protected reports whether this state excludes the worker from scale-in.
func (s WorkerState) Protected() bool {
	return s.State == string(WorkerWorking) || s.State == string(WorkerWaiting)
}

// QuotaResult is the outcome of a check_and_consume call.
type QuotaResult struct {
	Allowed   bool
	Remaining int
}

// Ports (interfaces)

//go:generate mockery --name=TaskStore --with-expecter --filename=task_store_mock.go
//go:generate mockery --name=Broker --with-expecter --filename=broker_mock.go
//go:generate mockery --name=QuotaManager --with-expecter --filename=quota_manager_mock.go
//go:generate mockery --name=TokenValidator --with-expecter --filename=token_validator_mock.go
//go:generate mockery --name=Orchestrator --with-expecter --filename=orchestrator_mock.go

// TaskStore is the domain layer over the KV connector for task records.
type TaskStore interface {
	CreateTask(ctx Context, t Task) error
	GetTask(ctx Context, correlationID string) (*Task, error)
	UpdateTask(ctx Context, correlationID string, patch map[string]any) error
	UpdateTaskResilient(ctx Context, correlationID string, patch map[string]any, maxWait time.Duration) error
	ListTasks(ctx Context) ([]Task, error)
	DeleteTask(ctx Context, correlationID string) (bool, error)
}

// Broker abstracts the durable message broker used for the input and
// status queues (see internal/adapter/broker/kafka for the concrete
// Kafka-backed implementation of this RabbitMQ-shaped contract).
type Broker interface {
	Connect(ctx Context) error
	Disconnect(ctx Context) error
	IsReady() bool
	GetQueueDepth(ctx Context, queue string) (int64, bool)
	PublishMessage(ctx Context, queue string, payload []byte, correlationID string, resilient bool) error
	PublishMessageResilient(ctx Context, queue string, payload []byte, correlationID string, maxWait time.Duration) bool
	ConsumeQueue(ctx Context, queue string, handler func(ctx Context, payload []byte) error) error
}

// QuotaManager enforces a daily tick budget. Two implementations
// exist (KV-backed global daily quota, Postgres-backed per-user quota);
// both satisfy this port and are selected by config.Config.QuotaBackend.
type QuotaManager interface {
	CheckAndConsume(ctx Context, userID, email string, units int) (QuotaResult, error)
}

// TokenValidator verifies a bearer token and resolves the owning subject.
// The real identity provider is an external, trusted-by-contract service;
// this repo only defines the port and a deterministic stub.
type TokenValidator interface {
	Validate(ctx Context, bearerToken string) (userID, email string, err error)
}

// AgentProgress is a point-in-time snapshot of a running agent, read by the
// worker's heartbeat loop between ticks.
type AgentProgress struct {
	CurrentTick       int
	MaxTicks          int
	HistoryLength     int
	NotesLen          int
	DeliverablesCount int
}

//go:generate mockery --name=AgentRunner --with-expecter --filename=agent_runner_mock.go

// AgentRunner executes a mandate for up to maxTicks, reporting progress via
// onTick as it advances. The agent's internal reasoning engine is out of
// scope for this repo (see domain-scope notes); this port is the seam
// where a real implementation plugs in, with a deterministic stub provided
// for the core execution plane to exercise.
type AgentRunner interface {
	Run(ctx Context, mandate string, maxTicks int, onTick func(AgentProgress)) (TaskResult, error)
}

// Orchestrator sets the desired worker-pool size. AWS ECS/Kubernetes
// specifics are out of scope; a logging no-op implementation is provided.
type Orchestrator interface {
	CurrentDesiredCount(ctx Context) (int, bool)
	SetDesiredCount(ctx Context, desired int) error
}

//go:generate mockery --name=DLQStore --with-expecter --filename=dlq_store_mock.go

// DLQStore persists DLQRecord entries for tasks that exceeded their
// redelivery budget, so an operator can inspect and decide whether to
// reprocess them.
type DLQStore interface {
	WriteDLQRecord(ctx Context, rec DLQRecord) error
}

//go:generate mockery --name=WorkerPresenceStore --with-expecter --filename=worker_presence_store_mock.go

// WorkerPresenceStore tracks which workers are currently alive and their
// advisory lifecycle state, consulted by the autoscaler to compute a
// protected-worker floor before scaling in.
type WorkerPresenceStore interface {
	PublishPresence(ctx Context, p WorkerPresence) error
	PublishPresenceResilient(ctx Context, p WorkerPresence, maxWait time.Duration) bool
	RemovePresence(ctx Context, workerID string) error
	PublishState(ctx Context, workerID string, s WorkerState) error
	ActiveWorkers(ctx Context) ([]WorkerPresence, error)
	WorkerCount(ctx Context) (int, error)
	ProtectedWorkerCount(ctx Context) (int, error)
}

// Context is a type alias to stdlib context.Context for convenience across
// layers (adapters and usecases still pass context.Context through).
type Context = context.Context
