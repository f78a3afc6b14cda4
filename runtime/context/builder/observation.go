package builder

import (
	"sync"

	sectionpkg "github.com/analystai/orchestrator/runtime/context/section"
)

// ObservationBuilder is an in-memory accumulator of this turn's tool
// executions. Unlike the other builders it is stateful across a single
// turn: add_tool_observation appends, and Build/Snapshot return the current
// view without mutating it (spec.md §4.3).
type ObservationBuilder struct {
	mu    sync.Mutex
	items []sectionpkg.ToolExecutionSummary
}

// NewObservationBuilder returns an empty ObservationBuilder.
func NewObservationBuilder() *ObservationBuilder { return &ObservationBuilder{} }

// AddToolObservation appends one tool execution summary.
func (b *ObservationBuilder) AddToolObservation(exec sectionpkg.ToolExecutionSummary) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, exec)
}

// Snapshot returns a copy of the accumulated observations in insertion
// order, for debugging/Context Snapshot persistence.
func (b *ObservationBuilder) Snapshot() []sectionpkg.ToolExecutionSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]sectionpkg.ToolExecutionSummary, len(b.items))
	copy(out, b.items)
	return out
}

// Build renders the accumulated observations into an Observations section.
// Per spec.md §4.2, rendering itself caps at the most recent <=5 and omits
// observation_policy=never tools; Build here simply hands the accumulator's
// full history to the section, which applies that policy at render time.
func (b *ObservationBuilder) Build() sectionpkg.Section {
	return sectionpkg.ObservationsSection{Executions: b.Snapshot()}
}
