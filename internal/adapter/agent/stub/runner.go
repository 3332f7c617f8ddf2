// Package stub provides a fast, deterministic domain.AgentRunner for local
// development and tests. The real reasoning engine — planning, tool use,
// the LLM/vector-store/search connectors a production agent would call —
// is out of scope for this repo; this stub is the seam a real
// implementation plugs into.
package stub

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/agent-taskplane/internal/domain"
)

// Runner advances one tick per call, sleeping tickInterval between ticks,
// and always succeeds with a single deliverable summarizing the mandate.
type Runner struct {
	tickInterval time.Duration
}

// New constructs a Runner. tickInterval paces simulated work between
// progress callbacks; zero means no delay (used in tests).
func New(tickInterval time.Duration) *Runner {
	return &Runner{tickInterval: tickInterval}
}

// Run executes mandate for up to maxTicks, invoking onTick after each tick
// advances, and returns a deterministic TaskResult. Honors ctx cancellation
// between ticks.
func (r *Runner) Run(ctx domain.Context, mandate string, maxTicks int, onTick func(domain.AgentProgress)) (domain.TaskResult, error) {
	if mandate == "" {
		return domain.TaskResult{}, fmt.Errorf("op=stub.Runner.Run: %w", domain.ErrInvalidArgument)
	}
	if maxTicks <= 0 {
		maxTicks = 50
	}

	history := 0
	for tick := 1; tick <= maxTicks; tick++ {
		select {
		case <-ctx.Done():
			return domain.TaskResult{}, ctx.Err()
		default:
		}

		history++
		if onTick != nil {
			onTick(domain.AgentProgress{
				CurrentTick:       tick,
				MaxTicks:          maxTicks,
				HistoryLength:     history,
				NotesLen:          len(mandate),
				DeliverablesCount: 0,
			})
		}

		if r.tickInterval > 0 {
			select {
			case <-ctx.Done():
				return domain.TaskResult{}, ctx.Err()
			case <-time.After(r.tickInterval):
			}
		}

		if tick >= ticksNeeded(mandate, maxTicks) {
			break
		}
	}

	return domain.TaskResult{
		Success:      true,
		Deliverables: []any{fmt.Sprintf("completed mandate: %s", mandate)},
		Notes:        "stub agent run completed",
	}, nil
}

// ticksNeeded deterministically decides how many ticks a mandate "takes",
// bounded by maxTicks, so repeated runs of the same mandate are
// reproducible in tests without needing a real reasoning engine.
func ticksNeeded(mandate string, maxTicks int) int {
	n := len(mandate)%5 + 1
	if n > maxTicks {
		n = maxTicks
	}
	return n
}
