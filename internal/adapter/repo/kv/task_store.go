// Package kv implements domain.TaskStore, domain.WorkerPresenceStore, and a
// KV-backed domain.QuotaManager on top of internal/adapter/kvstore, keying
// records as task:{correlation_id}, worker:status:{id}, and a workers:agent
// set for presence.
package kv

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/agent-taskplane/internal/domain"
)

const taskTTL = 10 * time.Minute

// kvClient is the subset of kvstore.Client this package depends on, kept
// narrow so it can be satisfied by a fake in tests without pulling in a
// real Redis connection.
type kvClient interface {
	GetJSON(ctx domain.Context, key string, out any) (bool, error)
	SetJSON(ctx domain.Context, key string, value any, ttl time.Duration) error
	SetJSONResilient(ctx domain.Context, key string, value any, ttl, maxWait time.Duration) bool
	GetJSONResilient(ctx domain.Context, key string, out any, maxWait time.Duration) bool
	Delete(ctx domain.Context, key string) (bool, error)
	Keys(ctx domain.Context, pattern string) ([]string, error)
	SAdd(ctx domain.Context, key, member string) error
	SRem(ctx domain.Context, key, member string) error
	SMembers(ctx domain.Context, key string) ([]string, error)
}

// TaskStore is a KV-backed domain.TaskStore. Records live under
// task:{correlation_id} with a 10-minute TTL, refreshed on every update, so
// abandoned tasks self-clean without an explicit sweeper.
type TaskStore struct {
	client kvClient
}

// NewTaskStore constructs a TaskStore over the given KV connector.
func NewTaskStore(client kvClient) *TaskStore {
	return &TaskStore{client: client}
}

func taskKey(correlationID string) string {
	return "task:" + correlationID
}

// CreateTask stores a new task record.
func (s *TaskStore) CreateTask(ctx domain.Context, t domain.Task) error {
	if err := s.client.SetJSON(ctx, taskKey(t.CorrelationID), t, taskTTL); err != nil {
		return fmt.Errorf("op=kv.TaskStore.CreateTask: %w", err)
	}
	return nil
}

// GetTask retrieves a task record, returning domain.ErrNotFound if absent.
func (s *TaskStore) GetTask(ctx domain.Context, correlationID string) (*domain.Task, error) {
	var t domain.Task
	found, err := s.client.GetJSON(ctx, taskKey(correlationID), &t)
	if err != nil {
		return nil, fmt.Errorf("op=kv.TaskStore.GetTask: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("op=kv.TaskStore.GetTask: %w", domain.ErrNotFound)
	}
	return &t, nil
}

// UpdateTask applies a partial update to a task record, refreshing its TTL.
func (s *TaskStore) UpdateTask(ctx domain.Context, correlationID string, patch map[string]any) error {
	key := taskKey(correlationID)
	merged, err := s.mergePatch(ctx, key, patch)
	if err != nil {
		return fmt.Errorf("op=kv.TaskStore.UpdateTask: %w", err)
	}
	if err := s.client.SetJSON(ctx, key, merged, taskTTL); err != nil {
		return fmt.Errorf("op=kv.TaskStore.UpdateTask: %w", err)
	}
	return nil
}

// UpdateTaskResilient behaves like UpdateTask but retries the underlying
// get/set against maxWait, for status transitions that must not be dropped
// silently on a transient KV hiccup.
func (s *TaskStore) UpdateTaskResilient(ctx domain.Context, correlationID string, patch map[string]any, maxWait time.Duration) error {
	key := taskKey(correlationID)
	var existing map[string]any
	s.client.GetJSONResilient(ctx, key, &existing, maxWait/2)
	if existing == nil {
		existing = map[string]any{}
	}
	for k, v := range patch {
		existing[k] = v
	}
	existing["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	if ok := s.client.SetJSONResilient(ctx, key, existing, taskTTL, maxWait/2); !ok {
		return fmt.Errorf("op=kv.TaskStore.UpdateTaskResilient: %w", domain.ErrUpstreamUnavailable)
	}
	return nil
}

func (s *TaskStore) mergePatch(ctx domain.Context, key string, patch map[string]any) (map[string]any, error) {
	var existing map[string]any
	found, err := s.client.GetJSON(ctx, key, &existing)
	if err != nil {
		return nil, err
	}
	if !found || existing == nil {
		existing = map[string]any{}
	}
	for k, v := range patch {
		existing[k] = v
	}
	existing["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	return existing, nil
}

// ListTasks returns every task record currently stored. Intended for
// operator/debug surfaces, not a hot path: it scans the full key space.
func (s *TaskStore) ListTasks(ctx domain.Context) ([]domain.Task, error) {
	keys, err := s.client.Keys(ctx, "task:*")
	if err != nil {
		return nil, fmt.Errorf("op=kv.TaskStore.ListTasks: %w", err)
	}
	tasks := make([]domain.Task, 0, len(keys))
	for _, k := range keys {
		var t domain.Task
		found, err := s.client.GetJSON(ctx, k, &t)
		if err != nil || !found {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// DeleteTask removes a task record, reporting whether it existed.
func (s *TaskStore) DeleteTask(ctx domain.Context, correlationID string) (bool, error) {
	existed, err := s.client.Delete(ctx, taskKey(correlationID))
	if err != nil {
		return false, fmt.Errorf("op=kv.TaskStore.DeleteTask: %w", err)
	}
	return existed, nil
}
