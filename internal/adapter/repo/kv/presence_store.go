package kv

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/agent-taskplane/internal/domain"
)

const (
	workerStatusSetKey = "workers:agent"
	workerStatusPrefix = "worker:status:"
	workerStatePrefix  = "worker_state:agent:"
)

// PresenceStore is a KV-backed domain.WorkerPresenceStore. Presence is a set
// of worker IDs (workers:agent) plus one JSON status record per worker under
// worker:status:{id}; a worker is considered alive iff that status key has
// not expired, so no separate worker:agent:{id} existence marker is
// maintained. Advisory lifecycle state lives separately under
// worker_state:agent:{id} so the autoscaler can read it without touching
// presence bookkeeping.
type PresenceStore struct {
	client    kvClient
	statusTTL time.Duration
}

// NewPresenceStore constructs a PresenceStore. statusTTL bounds how long a
// worker's last-known status survives without a fresh heartbeat.
func NewPresenceStore(client kvClient, statusTTL time.Duration) *PresenceStore {
	return &PresenceStore{client: client, statusTTL: statusTTL}
}

func statusKey(workerID string) string {
	return workerStatusPrefix + workerID
}

func stateKey(workerID string) string {
	return workerStatePrefix + workerID
}

// PublishPresence records a worker's current status and TTL-refreshes it.
func (s *PresenceStore) PublishPresence(ctx domain.Context, p domain.WorkerPresence) error {
	if err := s.client.SAdd(ctx, workerStatusSetKey, p.WorkerID); err != nil {
		return fmt.Errorf("op=kv.PresenceStore.PublishPresence: %w", err)
	}
	if err := s.client.SetJSON(ctx, statusKey(p.WorkerID), p, s.statusTTL); err != nil {
		return fmt.Errorf("op=kv.PresenceStore.PublishPresence: %w", err)
	}
	return nil
}

// PublishPresenceResilient retries the status write against maxWait,
// tolerating a best-effort set-membership add even if it fails.
func (s *PresenceStore) PublishPresenceResilient(ctx domain.Context, p domain.WorkerPresence, maxWait time.Duration) bool {
	_ = s.client.SAdd(ctx, workerStatusSetKey, p.WorkerID)
	return s.client.SetJSONResilient(ctx, statusKey(p.WorkerID), p, s.statusTTL, maxWait)
}

// RemovePresence deletes a worker's status record and removes it from the
// presence set, used on clean shutdown after the final shutdown status is
// published.
func (s *PresenceStore) RemovePresence(ctx domain.Context, workerID string) error {
	if _, err := s.client.Delete(ctx, statusKey(workerID)); err != nil {
		return fmt.Errorf("op=kv.PresenceStore.RemovePresence: %w", err)
	}
	if err := s.client.SRem(ctx, workerStatusSetKey, workerID); err != nil {
		return fmt.Errorf("op=kv.PresenceStore.RemovePresence: %w", err)
	}
	return nil
}

// PublishState records a worker's advisory lifecycle state, used by the
// autoscaler to protect busy workers from scale-in.
func (s *PresenceStore) PublishState(ctx domain.Context, workerID string, st domain.WorkerState) error {
	if err := s.client.SetJSON(ctx, stateKey(workerID), st, s.statusTTL); err != nil {
		return fmt.Errorf("op=kv.PresenceStore.PublishState: %w", err)
	}
	return nil
}

// ActiveWorkers lists currently-known worker presence records, pruning set
// members whose status key has already expired (stale entries left behind
// by a worker that died without a clean shutdown).
func (s *PresenceStore) ActiveWorkers(ctx domain.Context) ([]domain.WorkerPresence, error) {
	ids, err := s.client.SMembers(ctx, workerStatusSetKey)
	if err != nil {
		return nil, fmt.Errorf("op=kv.PresenceStore.ActiveWorkers: %w", err)
	}

	workers := make([]domain.WorkerPresence, 0, len(ids))
	var stale []string
	for _, id := range ids {
		var p domain.WorkerPresence
		found, err := s.client.GetJSON(ctx, statusKey(id), &p)
		if err != nil || !found {
			stale = append(stale, id)
			continue
		}
		workers = append(workers, p)
	}
	for _, id := range stale {
		_ = s.client.SRem(ctx, workerStatusSetKey, id)
	}
	return workers, nil
}

// WorkerCount returns the number of currently active workers.
func (s *PresenceStore) WorkerCount(ctx domain.Context) (int, error) {
	workers, err := s.ActiveWorkers(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=kv.PresenceStore.WorkerCount: %w", err)
	}
	return len(workers), nil
}

// ProtectedWorkerCount returns how many active workers are currently in a
// protected (working/waiting) advisory state, consulted by the autoscaler
// before it scales in.
func (s *PresenceStore) ProtectedWorkerCount(ctx domain.Context) (int, error) {
	ids, err := s.client.SMembers(ctx, workerStatusSetKey)
	if err != nil {
		return 0, fmt.Errorf("op=kv.PresenceStore.ProtectedWorkerCount: %w", err)
	}
	count := 0
	for _, id := range ids {
		var st domain.WorkerState
		found, err := s.client.GetJSON(ctx, stateKey(id), &st)
		if err != nil || !found {
			continue
		}
		if st.Protected() {
			count++
		}
	}
	return count, nil
}
