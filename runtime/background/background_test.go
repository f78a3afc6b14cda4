package background

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/analystai/orchestrator/runtime/agent/telemetry"
	"github.com/analystai/orchestrator/runtime/store"
)

type fakeStore struct{ store.Store }

type fakeFactory struct {
	fail bool
	n    int32
}

func (f *fakeFactory) NewSession(ctx context.Context) (store.Store, error) {
	if f.fail {
		return nil, errors.New("session open failed")
	}
	atomic.AddInt32(&f.n, 1)
	return fakeStore{}, nil
}

func TestSchedulerGoRunsTaskWithIsolatedSession(t *testing.T) {
	factory := &fakeFactory{}
	s := NewScheduler(factory, telemetry.NewNoopLogger())

	var ran int32
	s.Go(context.Background(), "t1", time.Second, func(ctx context.Context, sess store.Store) error {
		atomic.AddInt32(&ran, 1)
		require.NotNil(t, sess)
		return nil
	})
	s.Wait()

	require.EqualValues(t, 1, ran)
	require.EqualValues(t, 1, factory.n)
	results := s.Results()
	require.Len(t, results, 1)
	require.Equal(t, "t1", results[0].Name)
	require.NoError(t, results[0].Err)
}

func TestSchedulerGoSurvivesTaskFailureWithoutPropagating(t *testing.T) {
	factory := &fakeFactory{}
	s := NewScheduler(factory, telemetry.NewNoopLogger())

	s.Go(context.Background(), "failing", time.Second, func(ctx context.Context, sess store.Store) error {
		return errors.New("boom")
	})
	s.Wait()

	results := s.Results()
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
}

func TestSchedulerGoLogsButDoesNotPanicOnSessionFailure(t *testing.T) {
	factory := &fakeFactory{fail: true}
	s := NewScheduler(factory, telemetry.NewNoopLogger())

	s.Go(context.Background(), "no-session", time.Second, func(ctx context.Context, sess store.Store) error {
		t.Fatal("task should not run when session open fails")
		return nil
	})
	s.Wait()

	results := s.Results()
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
}

func TestSchedulerTaskOutlivesCanceledCallerContext(t *testing.T) {
	factory := &fakeFactory{}
	s := NewScheduler(factory, telemetry.NewNoopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	finished := make(chan struct{})
	s.Go(ctx, "detached", 2*time.Second, func(taskCtx context.Context, sess store.Store) error {
		close(started)
		<-time.After(50 * time.Millisecond)
		require.NoError(t, taskCtx.Err())
		close(finished)
		return nil
	})

	<-started
	cancel()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("background task was canceled by caller context cancellation")
	}
	s.Wait()
}
