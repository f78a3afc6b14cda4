package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeSink) Send(_ context.Context, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) snapshot() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func TestEmitterSeqIsStrictlyMonotonic(t *testing.T) {
	sink := &fakeSink{}
	e := NewEmitter(context.Background(), "completion-1", "exec-1", sink, 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Emit(context.Background(), EventToolProgress, nil)
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.NoError(t, e.Done(context.Background()))
	require.NoError(t, e.Wait())

	events := sink.snapshot()
	require.Len(t, events, 51) // 50 emits + [DONE]
	seen := make(map[int64]bool)
	for _, ev := range events {
		if ev.Type == EventDone {
			require.Equal(t, int64(-1), ev.Seq)
			continue
		}
		require.False(t, seen[ev.Seq], "seq %d reused", ev.Seq)
		seen[ev.Seq] = true
	}
	require.Len(t, seen, 50)
}

func TestEmitterDoneIsLastEvent(t *testing.T) {
	sink := &fakeSink{}
	e := NewEmitter(context.Background(), "completion-1", "exec-1", sink, 0)
	_, err := e.Emit(context.Background(), EventCompletionStarted, nil)
	require.NoError(t, err)
	require.NoError(t, e.Done(context.Background()))
	require.NoError(t, e.Wait())

	events := sink.snapshot()
	require.Len(t, events, 2)
	require.Equal(t, EventDone, events[len(events)-1].Type)
}

func TestTextStreamerEmitsOnlyWhenThresholdOrTimePasses(t *testing.T) {
	sink := &fakeSink{}
	e := NewEmitter(context.Background(), "completion-1", "exec-1", sink, 0)
	ts := NewTextStreamer(e, "block-1", time.Hour, 5)

	require.NoError(t, ts.Update(context.Background(), "", "ab"))  // below threshold, limiter already consumed burst
	require.NoError(t, ts.Update(context.Background(), "", "abcdefgh")) // >=5 new chars, forced

	require.NoError(t, e.Done(context.Background()))
	require.NoError(t, e.Wait())

	events := sink.snapshot()
	// first Update consumes the limiter's single burst token; second is forced by delta.
	require.GreaterOrEqual(t, len(events), 2)
}

func TestTailDeltaHandlesNonAppendCorrection(t *testing.T) {
	require.Equal(t, "cd", tailDelta("ab", "abcd"))
	require.Equal(t, "xyz", tailDelta("ab", "xyz"))
}
