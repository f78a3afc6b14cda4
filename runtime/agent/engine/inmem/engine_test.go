package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/analystai/orchestrator/runtime/agent/engine"
)

func TestStartWorkflowExecutesActivityAndReturnsResult(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.NoError(t, e.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "double",
		Handler: func(_ context.Context, input any) (any, error) {
			return input.(int) * 2, nil
		},
	}))

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "doubler",
		Handler: func(wf engine.WorkflowContext, input any) (any, error) {
			var out int
			if err := wf.ExecuteActivity(wf.Context(), engine.ActivityRequest{
				Name:  "double",
				Input: input,
			}, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "run-1",
		Workflow: "doubler",
		Input:    21,
	})
	require.NoError(t, err)

	var result int
	require.NoError(t, h.Wait(ctx, &result))
	require.Equal(t, 42, result)

	qe, ok := e.(interface {
		QueryRunStatus(context.Context, string) (engine.RunStatus, error)
	})
	require.True(t, ok)
	status, err := qe.QueryRunStatus(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, engine.RunStatusCompleted, status)
}

func TestStartWorkflowUnknownReturnsError(t *testing.T) {
	e := New()
	_, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{
		ID:       "run-2",
		Workflow: "missing",
	})
	require.Error(t, err)
}

func TestSignalChannelReceiveAsyncWithoutValueReturnsFalse(t *testing.T) {
	e := New()
	ctx := context.Background()
	done := make(chan bool, 1)

	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "probe",
		Handler: func(wf engine.WorkflowContext, _ any) (any, error) {
			var v string
			done <- wf.SignalChannel("greet").ReceiveAsync(&v)
			return nil, nil
		},
	}))

	h, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-3", Workflow: "probe"})
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx, nil))
	require.False(t, <-done)
}
