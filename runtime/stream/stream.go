// Package stream implements the turn engine's Event Stream (C8): a per
// agent-execution ordered queue of Server-Sent-Event-shaped Events with a
// strictly monotonic sequence number, plus the Throttled Text Streamer used
// to coalesce planner token deltas into decision.partial events.
//
// It is grounded on runtime/agent/stream's Sink/Event/Base pattern (a
// client-facing event envelope decoupled from the internal hook bus) but
// narrows the event taxonomy to the one spec.md §4.7/§4.8 names:
// completion.started, decision.partial, decision.final, block.upsert,
// tool.started/progress/stdout/partial/error/finished, planner.retry,
// instructions.suggest.*, and completion.finished, terminated by a sentinel
// Done event mirroring an SSE "[DONE]" marker.
package stream

import (
	"context"
	"errors"
)

// EventType enumerates the SSE-visible event names the Agent Loop emits,
// per spec.md §4.7/§4.8/§4.10.
type EventType string

const (
	EventCompletionStarted  EventType = "completion.started"
	EventBlockUpsert        EventType = "block.upsert"
	EventDecisionPartial    EventType = "decision.partial"
	EventDecisionFinal      EventType = "decision.final"
	EventPlannerRetry       EventType = "planner.retry"
	EventToolStarted        EventType = "tool.started"
	EventToolProgress       EventType = "tool.progress"
	EventToolStdout         EventType = "tool.stdout"
	EventToolPartial        EventType = "tool.partial"
	EventToolError          EventType = "tool.error"
	EventToolFinished       EventType = "tool.finished"
	EventSuggestStarted     EventType = "instructions.suggest.started"
	EventSuggestPartial     EventType = "instructions.suggest.partial"
	EventSuggestFinished    EventType = "instructions.suggest.finished"
	EventCompletionFinished EventType = "completion.finished"
	// EventDone is a sentinel written once, last, to signal the transport to
	// close the stream (mirroring an SSE "[DONE]" line). It carries seq=-1
	// and is never counted against a completion's seq sequence.
	EventDone EventType = "[DONE]"
)

// Event is one emission from an Agent Execution's Event Stream. Base fields
// are shared by every event; Data carries the event-specific payload and is
// typically a map[string]any or a small struct, JSON-serializable either way.
type Event struct {
	Type            EventType
	CompletionID    string
	AgentExecutionID string
	// Seq is the strictly increasing sequence number allocated by
	// Emitter.next_seq for this agent execution, per invariant I2. EventDone
	// is the only type allowed to carry Seq == -1.
	Seq  int64
	Data any
}

// Sink delivers Events to a transport (SSE, WebSocket, Pulse). Implementations
// must be safe for concurrent Send calls: the loop and its background
// streaming helpers (the Throttled Text Streamer, tool event forwarding) may
// all call Send from different goroutines.
type Sink interface {
	Send(ctx context.Context, event Event) error
}

// ErrEmitterClosed is returned by Emitter.Emit after Close has run.
var ErrEmitterClosed = errors.New("stream: emitter closed")

// Emitter owns one Agent Execution's monotonic sequence counter and a
// bounded queue draining into a Sink, per spec.md §4.8 ("An event queue is a
// bounded async channel the loop puts Event{...} into; a reader drains it
// into the transport").
type Emitter struct {
	completionID     string
	agentExecutionID string

	seq chan int64 // buffered with capacity 1; holds the next seq to allocate

	queue  chan Event
	sink   Sink
	done   chan struct{}
	drainErr chan error
}

// NewEmitter starts an Emitter bound to one agent execution, with queue
// bounding events in flight before backpressure is applied to callers of
// Emit. It immediately starts a goroutine draining the queue into sink in
// order.
func NewEmitter(ctx context.Context, completionID, agentExecutionID string, sink Sink, queueSize int) *Emitter {
	if queueSize <= 0 {
		queueSize = 256
	}
	e := &Emitter{
		completionID:     completionID,
		agentExecutionID: agentExecutionID,
		seq:              make(chan int64, 1),
		queue:            make(chan Event, queueSize),
		sink:             sink,
		done:             make(chan struct{}),
		drainErr:         make(chan error, 1),
	}
	e.seq <- 0
	go e.drain(ctx)
	return e
}

// NextSeq allocates and returns the next strictly increasing sequence
// number for this agent execution (invariant I2). Safe for concurrent use.
func (e *Emitter) NextSeq() int64 {
	n := <-e.seq
	n++
	e.seq <- n
	return n
}

// Emit allocates a fresh seq, builds the Event, and enqueues it for
// delivery. It blocks if the queue is full, providing natural backpressure
// to a runaway producer rather than dropping events.
func (e *Emitter) Emit(ctx context.Context, typ EventType, data any) (int64, error) {
	seq := e.NextSeq()
	if err := e.enqueue(ctx, Event{
		Type:             typ,
		CompletionID:     e.completionID,
		AgentExecutionID: e.agentExecutionID,
		Seq:              seq,
		Data:             data,
	}); err != nil {
		return seq, err
	}
	return seq, nil
}

func (e *Emitter) enqueue(ctx context.Context, ev Event) error {
	select {
	case <-e.done:
		return ErrEmitterClosed
	default:
	}
	select {
	case e.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEmitterClosed
	}
}

// Done emits the terminal [DONE] sentinel and stops accepting further
// events once it has been drained.
func (e *Emitter) Done(ctx context.Context) error {
	err := e.enqueue(ctx, Event{
		Type:             EventDone,
		CompletionID:     e.completionID,
		AgentExecutionID: e.agentExecutionID,
		Seq:              -1,
	})
	close(e.queue)
	return err
}

func (e *Emitter) drain(ctx context.Context) {
	defer close(e.done)
	var firstErr error
	for ev := range e.queue {
		if firstErr != nil {
			continue // keep draining so Emit/Done callers don't block forever
		}
		if err := e.sink.Send(ctx, ev); err != nil {
			firstErr = err
		}
	}
	e.drainErr <- firstErr
}

// Wait blocks until the Emitter has fully drained (after Done has been
// called) and returns the first Sink.Send error encountered, if any.
func (e *Emitter) Wait() error {
	<-e.done
	return <-e.drainErr
}
