// Package policy defines the pluggable decision port the Agent Loop consults
// before dispatching a batch of tool calls. An Engine inspects the candidate
// tool requests for a turn, the remaining call/failure budget, and any
// planner retry hint, and returns which tools may run and how the budget
// should be adjusted. Runtimes that don't need this layer simply leave it
// nil; the loop then dispatches whatever the planner and per-run overrides
// already allowed.
package policy

import (
	"context"
	"time"

	"github.com/analystai/orchestrator/runtime/agent/run"
	"github.com/analystai/orchestrator/runtime/agent/tools"
)

// Engine decides which of the requested tools may execute this turn and
// reports any budget or label adjustments. Implementations must be safe for
// concurrent use; the Agent Loop may call Decide from multiple in-flight
// runs.
type Engine interface {
	Decide(ctx context.Context, input Input) (Decision, error)
}

// Input describes the tool calls a turn wants to make, along with enough
// run context for the engine to make a decision.
type Input struct {
	// RunContext carries the run/session identifiers and labels attached to
	// the turn, unchanged from the planner's own RunContext.
	RunContext run.Context

	// Tools lists metadata for every tool named in Requested (or, if
	// Requested is empty, every tool registered for the turn), so engines
	// can filter by tag without a separate registry lookup.
	Tools []ToolMetadata

	// RetryHint carries the planner's most recent retry guidance, if the
	// previous turn's tool call failed and asked to retry in a particular
	// way. Nil when there is no pending retry.
	RetryHint *RetryHint

	// RemainingCaps is the caller's current budget before this decision.
	// Engines that don't manage budgets should return it unchanged via
	// Decision.Caps, or leave Decision.Caps zero to leave it untouched.
	RemainingCaps CapsState

	// Requested lists the specific tool handles the planner asked to call
	// this turn. Empty means "no specific request" (e.g. an initial policy
	// probe); engines typically interpret that as "every registered tool is
	// a candidate".
	Requested []tools.Ident

	// Labels carries the run's current label set, available to engines that
	// want to branch on it without threading it through RunContext.
	Labels map[string]string
}

// Decision reports which tools may run and any budget or label changes to
// apply. The zero value changes nothing and allows every requested tool.
type Decision struct {
	// AllowedTools restricts execution to this set. Empty means "no
	// restriction" (all requested tools remain allowed), not "block
	// everything" — use DisableTools for that.
	AllowedTools []tools.Ident

	// DisableTools blocks every tool call for this turn regardless of
	// AllowedTools.
	DisableTools bool

	// Caps carries budget adjustments to merge into the run's caps state.
	// Only non-zero fields (and a non-zero ExpiresAt) are applied; zero
	// fields leave the current value untouched.
	Caps CapsState

	// Labels are merged into the run's label set and echoed back to the
	// planner on the next turn.
	Labels map[string]string

	// Metadata carries engine-specific diagnostics surfaced on the policy
	// decision hook/event for observability; it has no effect on dispatch.
	Metadata map[string]any
}

// CapsState tracks the run's tool-call budget. A zero Max value means
// unlimited; Remaining tracks down from Max and is clamped at zero.
type CapsState struct {
	MaxToolCalls                        int
	RemainingToolCalls                  int
	MaxConsecutiveFailedToolCalls        int
	RemainingConsecutiveFailedToolCalls int

	// ExpiresAt, when set, marks when this caps state (and any policy
	// decision that produced it) should be considered stale.
	ExpiresAt time.Time
}

// ToolMetadata is the subset of a tool's descriptor an Engine needs to make
// allow/block decisions without depending on the tool registry directly.
type ToolMetadata struct {
	ID          tools.Ident
	Title       string
	Description string
	Tags        []string
}

// RetryReason categorizes why the planner is asking to retry a tool call,
// mirroring planner.RetryReason so policy engines don't need to import the
// planner package just to branch on it.
type RetryReason string

const (
	RetryReasonInvalidArguments  RetryReason = "invalid_arguments"
	RetryReasonMissingFields     RetryReason = "missing_fields"
	RetryReasonMalformedResponse RetryReason = "malformed_response"
	RetryReasonTimeout           RetryReason = "timeout"
	RetryReasonRateLimited       RetryReason = "rate_limited"
	RetryReasonToolUnavailable   RetryReason = "tool_unavailable"
)

// RetryHint carries the planner's guidance for how the next turn's tool
// dispatch should be adjusted after a failed or rejected tool call.
type RetryHint struct {
	Reason RetryReason
	Tool   tools.Ident

	// RestrictToTool asks the engine to narrow the allowed set down to Tool
	// alone, typically because the planner wants one more focused attempt
	// before considering other tools.
	RestrictToTool bool

	MissingFields      []string
	ExampleInput       map[string]any
	PriorInput         map[string]any
	ClarifyingQuestion string
	Message            string
}
