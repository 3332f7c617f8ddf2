// Package noop provides a logging-only domain.Orchestrator. It tracks a
// desired count in memory and never talks to a real scheduler — standing in
// for an ECS/Kubernetes-specific implementation, which is out of scope.
package noop

import (
	"log/slog"
	"sync"

	"github.com/fairyhunter13/agent-taskplane/internal/domain"
)

// Orchestrator is an in-memory, logging-only domain.Orchestrator.
type Orchestrator struct {
	mu      sync.Mutex
	desired int
	known   bool
}

// New constructs an Orchestrator seeded with an initial desired count.
func New(initial int) *Orchestrator {
	return &Orchestrator{desired: initial, known: true}
}

// CurrentDesiredCount returns the last value set, or (0, false) if none has
// been set yet.
func (o *Orchestrator) CurrentDesiredCount(ctx domain.Context) (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.desired, o.known
}

// SetDesiredCount records the new desired count and logs the decision in
// place of calling a real scheduler API.
func (o *Orchestrator) SetDesiredCount(ctx domain.Context, desired int) error {
	o.mu.Lock()
	o.desired = desired
	o.known = true
	o.mu.Unlock()
	slog.Info("orchestrator desired count updated (no-op backend)", slog.Int("desired", desired))
	return nil
}
