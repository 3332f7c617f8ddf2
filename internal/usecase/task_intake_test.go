package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-taskplane/internal/config"
	"github.com/fairyhunter13/agent-taskplane/internal/domain"
)

type fakeTokenValidator struct {
	userID, email string
	err           error
}

func (v *fakeTokenValidator) Validate(ctx domain.Context, bearerToken string) (string, string, error) {
	return v.userID, v.email, v.err
}

type fakeQuotaManager struct {
	result domain.QuotaResult
	err    error
}

func (q *fakeQuotaManager) CheckAndConsume(ctx domain.Context, userID, email string, units int) (domain.QuotaResult, error) {
	return q.result, q.err
}

type fakeTasks struct {
	mu    sync.Mutex
	tasks map[string]domain.Task
}

func newFakeTasks() *fakeTasks { return &fakeTasks{tasks: make(map[string]domain.Task)} }

func (s *fakeTasks) CreateTask(ctx domain.Context, t domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.CorrelationID] = t
	return nil
}

func (s *fakeTasks) GetTask(ctx domain.Context, correlationID string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[correlationID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *fakeTasks) UpdateTask(ctx domain.Context, correlationID string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[correlationID]
	if v, ok := patch["status"]; ok {
		t.Status = v.(domain.TaskStatus)
	}
	if v, ok := patch["error"]; ok {
		t.Error = v.(string)
	}
	s.tasks[correlationID] = t
	return nil
}

func (s *fakeTasks) UpdateTaskResilient(ctx domain.Context, correlationID string, patch map[string]any, maxWait time.Duration) error {
	return s.UpdateTask(ctx, correlationID, patch)
}

func (s *fakeTasks) ListTasks(ctx domain.Context) ([]domain.Task, error) { return nil, nil }

func (s *fakeTasks) DeleteTask(ctx domain.Context, correlationID string) (bool, error) {
	return false, nil
}

type fakeBroker struct {
	publishOK bool
	published int
}

func (b *fakeBroker) Connect(ctx domain.Context) error    { return nil }
func (b *fakeBroker) Disconnect(ctx domain.Context) error { return nil }
func (b *fakeBroker) IsReady() bool                       { return true }
func (b *fakeBroker) GetQueueDepth(ctx domain.Context, queue string) (int64, bool) {
	return 0, true
}
func (b *fakeBroker) PublishMessage(ctx domain.Context, queue string, payload []byte, correlationID string, resilient bool) error {
	return nil
}
func (b *fakeBroker) PublishMessageResilient(ctx domain.Context, queue string, payload []byte, correlationID string, maxWait time.Duration) bool {
	b.published++
	return b.publishOK
}
func (b *fakeBroker) ConsumeQueue(ctx domain.Context, queue string, handler func(ctx domain.Context, payload []byte) error) error {
	return nil
}

func TestTaskIntakeService_Enqueue_Success(t *testing.T) {
	tasks := newFakeTasks()
	broker := &fakeBroker{publishOK: true}
	svc := NewTaskIntakeService(config.Config{AgentInputQueue: "agent.mandates"},
		&fakeTokenValidator{userID: "u1", email: "u1@example.com"},
		&fakeQuotaManager{result: domain.QuotaResult{Allowed: true, Remaining: 10}},
		tasks, broker)

	res, err := svc.Enqueue(context.Background(), "Bearer tok", "do the thing", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, res.CorrelationID)
	assert.Equal(t, 10, res.Remaining)
	assert.Equal(t, 1, broker.published)

	stored, err := tasks.GetTask(context.Background(), res.CorrelationID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, domain.TaskAccepted, stored.Status)
}

func TestTaskIntakeService_Enqueue_EmptyMandate(t *testing.T) {
	svc := NewTaskIntakeService(config.Config{}, &fakeTokenValidator{}, &fakeQuotaManager{}, newFakeTasks(), &fakeBroker{})
	_, err := svc.Enqueue(context.Background(), "Bearer tok", "", 5)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTaskIntakeService_Enqueue_Unauthorized(t *testing.T) {
	svc := NewTaskIntakeService(config.Config{}, &fakeTokenValidator{err: domain.ErrUnauthorized}, &fakeQuotaManager{}, newFakeTasks(), &fakeBroker{})
	_, err := svc.Enqueue(context.Background(), "Bearer bad", "mandate", 5)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestTaskIntakeService_Enqueue_QuotaExceeded(t *testing.T) {
	svc := NewTaskIntakeService(config.Config{}, &fakeTokenValidator{userID: "u1"},
		&fakeQuotaManager{result: domain.QuotaResult{Allowed: false, Remaining: 0}}, newFakeTasks(), &fakeBroker{})
	res, err := svc.Enqueue(context.Background(), "Bearer tok", "mandate", 5)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, 0, res.Remaining)
}

func TestTaskIntakeService_Enqueue_PublishFailureMarksTaskFailed(t *testing.T) {
	tasks := newFakeTasks()
	broker := &fakeBroker{publishOK: false}
	svc := NewTaskIntakeService(config.Config{}, &fakeTokenValidator{userID: "u1"},
		&fakeQuotaManager{result: domain.QuotaResult{Allowed: true, Remaining: 5}}, tasks, broker)

	res, err := svc.Enqueue(context.Background(), "Bearer tok", "mandate", 5)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.Empty(t, res.CorrelationID)
}

func TestTaskIntakeService_GetTask(t *testing.T) {
	tasks := newFakeTasks()
	require.NoError(t, tasks.CreateTask(context.Background(), domain.Task{CorrelationID: "c1", UserID: "u1", Status: domain.TaskCompleted}))
	svc := NewTaskIntakeService(config.Config{}, &fakeTokenValidator{userID: "u1"}, &fakeQuotaManager{}, tasks, &fakeBroker{})

	got, err := svc.GetTask(context.Background(), "Bearer tok", "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.TaskCompleted, got.Status)
}

func TestTaskIntakeService_GetTask_NotFound(t *testing.T) {
	svc := NewTaskIntakeService(config.Config{}, &fakeTokenValidator{userID: "u1"}, &fakeQuotaManager{}, newFakeTasks(), &fakeBroker{})
	got, err := svc.GetTask(context.Background(), "Bearer tok", "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTaskIntakeService_GetTask_Unauthenticated(t *testing.T) {
	tasks := newFakeTasks()
	require.NoError(t, tasks.CreateTask(context.Background(), domain.Task{CorrelationID: "c1", UserID: "u1", Status: domain.TaskCompleted}))
	svc := NewTaskIntakeService(config.Config{}, &fakeTokenValidator{err: domain.ErrUnauthorized}, &fakeQuotaManager{}, tasks, &fakeBroker{})

	got, err := svc.GetTask(context.Background(), "Bearer bad", "c1")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Nil(t, got)
}

func TestTaskIntakeService_GetTask_CrossUserDenied(t *testing.T) {
	tasks := newFakeTasks()
	require.NoError(t, tasks.CreateTask(context.Background(), domain.Task{CorrelationID: "c1", UserID: "owner", Status: domain.TaskCompleted}))
	svc := NewTaskIntakeService(config.Config{}, &fakeTokenValidator{userID: "intruder"}, &fakeQuotaManager{}, tasks, &fakeBroker{})

	got, err := svc.GetTask(context.Background(), "Bearer tok", "c1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Nil(t, got)
}
