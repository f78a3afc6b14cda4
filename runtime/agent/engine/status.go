package engine

import (
	"context"
	"errors"
	"time"

	"github.com/analystai/orchestrator/runtime/agent/api"
)

// RunStatus is the lifecycle status of a workflow execution as tracked by an
// Engine implementation. Not every backend can report every status: Temporal
// reports through its own visibility API, while the in-memory engine tracks
// a coarse status map keyed by workflow ID.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// ErrWorkflowNotFound is returned when a run status or child workflow lookup
// references a workflow ID the engine has no record of.
var ErrWorkflowNotFound = errors.New("engine: workflow not found")

// ChildWorkflowRequest describes a child workflow execution started from
// within a running workflow.
type ChildWorkflowRequest struct {
	// ID is the child workflow identifier, unique within the engine scope.
	ID string
	// Workflow names the registered workflow definition to execute.
	Workflow string
	// TaskQueue selects the queue to schedule the child workflow on.
	TaskQueue string
	// Input is the payload passed to the child workflow handler.
	Input any
	// RunTimeout bounds the child workflow's total execution time. Zero means
	// no timeout.
	RunTimeout time.Duration
	// RetryPolicy controls retries of the child workflow start attempt.
	RetryPolicy RetryPolicy
}

// ChildWorkflowHandle allows a parent workflow to wait on or cancel a child
// workflow it started via WorkflowContext.StartChildWorkflow.
type ChildWorkflowHandle interface {
	// Get blocks until the child workflow completes and returns its result.
	Get(ctx context.Context) (*api.RunOutput, error)

	// IsReady returns true if the child workflow has completed.
	IsReady() bool

	// Cancel requests cancellation of the child workflow.
	Cancel(ctx context.Context) error

	// RunID returns the engine-assigned run identifier for the child, when
	// the backend can report one.
	RunID() string
}
