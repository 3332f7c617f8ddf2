package worker

import (
	"sync"
	"time"

	"github.com/fairyhunter13/agent-taskplane/internal/domain"
)

// fakeBroker is a minimal in-memory domain.Broker double. ConsumeQueue
// blocks until the context is cancelled, invoking handler for each queued
// message first (mirrors the real broker's at-least-once delivery without
// needing Kafka).
type fakeBroker struct {
	mu        sync.Mutex
	connected bool
	published []publishedMsg
	queue     [][]byte
}

type publishedMsg struct {
	queue         string
	payload       []byte
	correlationID string
}

func (b *fakeBroker) Connect(ctx domain.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

func (b *fakeBroker) Disconnect(ctx domain.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

func (b *fakeBroker) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBroker) GetQueueDepth(ctx domain.Context, queue string) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.queue)), true
}

func (b *fakeBroker) PublishMessage(ctx domain.Context, queue string, payload []byte, correlationID string, resilient bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedMsg{queue: queue, payload: payload, correlationID: correlationID})
	return nil
}

func (b *fakeBroker) PublishMessageResilient(ctx domain.Context, queue string, payload []byte, correlationID string, maxWait time.Duration) bool {
	_ = b.PublishMessage(ctx, queue, payload, correlationID, true)
	return true
}

// ConsumeQueue feeds every queued payload to handler once, then blocks
// until ctx is cancelled — matching a long-lived consumer loop.
func (b *fakeBroker) ConsumeQueue(ctx domain.Context, queue string, handler func(ctx domain.Context, payload []byte) error) error {
	b.mu.Lock()
	pending := b.queue
	b.queue = nil
	b.mu.Unlock()

	for _, payload := range pending {
		if err := handler(ctx, payload); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (b *fakeBroker) statusPublications() []publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]publishedMsg, len(b.published))
	copy(out, b.published)
	return out
}

// fakeTaskStore is an in-memory domain.TaskStore double.
type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[string]domain.Task
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[string]domain.Task)}
}

func (s *fakeTaskStore) CreateTask(ctx domain.Context, t domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.CorrelationID] = t
	return nil
}

func (s *fakeTaskStore) GetTask(ctx domain.Context, correlationID string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[correlationID]
	if !ok {
		return nil, nil
	}
	cp := t
	return &cp, nil
}

func (s *fakeTaskStore) UpdateTask(ctx domain.Context, correlationID string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[correlationID]
	if !ok {
		t = domain.Task{CorrelationID: correlationID}
	}
	if v, ok := patch["status"]; ok {
		if st, ok := v.(domain.TaskStatus); ok {
			t.Status = st
		}
	}
	if v, ok := patch["error"]; ok {
		if e, ok := v.(string); ok {
			t.Error = e
		}
	}
	if v, ok := patch["retry_count"]; ok {
		if n, ok := v.(int); ok {
			t.RetryCount = n
		}
	}
	if v, ok := patch["result"]; ok {
		if r, ok := v.(domain.TaskResult); ok {
			t.Result = &r
		}
	}
	s.tasks[correlationID] = t
	return nil
}

func (s *fakeTaskStore) UpdateTaskResilient(ctx domain.Context, correlationID string, patch map[string]any, maxWait time.Duration) error {
	return s.UpdateTask(ctx, correlationID, patch)
}

func (s *fakeTaskStore) ListTasks(ctx domain.Context) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (s *fakeTaskStore) DeleteTask(ctx domain.Context, correlationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[correlationID]
	delete(s.tasks, correlationID)
	return ok, nil
}

// fakeDLQStore records WriteDLQRecord calls.
type fakeDLQStore struct {
	mu      sync.Mutex
	records []domain.DLQRecord
}

func (s *fakeDLQStore) WriteDLQRecord(ctx domain.Context, rec domain.DLQRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeDLQStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// fakePresenceStore is an in-memory domain.WorkerPresenceStore double.
type fakePresenceStore struct {
	mu       sync.Mutex
	presence map[string]domain.WorkerPresence
	removed  []string
}

func newFakePresenceStore() *fakePresenceStore {
	return &fakePresenceStore{presence: make(map[string]domain.WorkerPresence)}
}

func (s *fakePresenceStore) PublishPresence(ctx domain.Context, p domain.WorkerPresence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[p.WorkerID] = p
	return nil
}

func (s *fakePresenceStore) PublishPresenceResilient(ctx domain.Context, p domain.WorkerPresence, maxWait time.Duration) bool {
	_ = s.PublishPresence(ctx, p)
	return true
}

func (s *fakePresenceStore) RemovePresence(ctx domain.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.presence, workerID)
	s.removed = append(s.removed, workerID)
	return nil
}

func (s *fakePresenceStore) PublishState(ctx domain.Context, workerID string, st domain.WorkerState) error {
	return nil
}

func (s *fakePresenceStore) ActiveWorkers(ctx domain.Context) ([]domain.WorkerPresence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.WorkerPresence, 0, len(s.presence))
	for _, p := range s.presence {
		out = append(out, p)
	}
	return out, nil
}

func (s *fakePresenceStore) WorkerCount(ctx domain.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.presence), nil
}

func (s *fakePresenceStore) ProtectedWorkerCount(ctx domain.Context) (int, error) {
	return 0, nil
}

func (s *fakePresenceStore) snapshot(workerID string) (domain.WorkerPresence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[workerID]
	return p, ok
}

func (s *fakePresenceStore) wasRemoved(workerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.removed {
		if id == workerID {
			return true
		}
	}
	return false
}

// fakeAgentRunner is a deterministic domain.AgentRunner double.
type fakeAgentRunner struct {
	ticks   int
	failErr error
}

func (r *fakeAgentRunner) Run(ctx domain.Context, mandate string, maxTicks int, onTick func(domain.AgentProgress)) (domain.TaskResult, error) {
	if r.failErr != nil {
		return domain.TaskResult{}, r.failErr
	}
	ticks := r.ticks
	if ticks == 0 {
		ticks = 1
	}
	for i := 1; i <= ticks; i++ {
		if onTick != nil {
			onTick(domain.AgentProgress{CurrentTick: i, MaxTicks: maxTicks})
		}
	}
	return domain.TaskResult{Success: true, Deliverables: []any{"done"}, Notes: "ok"}, nil
}
