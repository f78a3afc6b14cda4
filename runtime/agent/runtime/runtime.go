// Package runtime wires the runtime hook bus to an optional stream sink.
//
// This package used to host the full Temporal-backed PlanStart/PlanResume/
// ExecuteTool durable-workflow orchestrator (agent registration, worker
// config, pause/resume/clarification/confirmation signal handling, run
// snapshot/history). That machinery served the teacher's own pause/resume
// durable-replay domain, which has no counterpart in this system: the turn
// engine runs single-threaded and cooperative within one turn, with no
// durable replay requirement (see runtime/agentloop, which implements the
// per-turn scheduler directly, without a workflow engine). The
// surviving surface here is the minimal piece still genuinely exercised:
// publishing hook events onto an optional broadcast stream.Sink.
package runtime

import (
	"sync"

	"github.com/analystai/orchestrator/runtime/agent/hooks"
	"github.com/analystai/orchestrator/runtime/agent/stream"
	streambridge "github.com/analystai/orchestrator/runtime/agent/stream/bridge"
)

// Runtime publishes hook events onto Bus and, when a stream sink is
// configured, forwards user-facing events to it via an auto-registered
// subscriber.
type Runtime struct {
	// Bus is the hook bus used for publishing runtime events.
	Bus hooks.Bus
	// Stream is the optional broadcast sink configured via WithStream.
	Stream stream.Sink

	mu  sync.Mutex
	sub hooks.Subscription
}

// Option configures a Runtime at construction time.
type Option func(*Runtime)

// WithStream configures sink as the broadcast stream target. New
// automatically registers a forwarding subscriber on Bus for it.
func WithStream(sink stream.Sink) Option {
	return func(r *Runtime) { r.Stream = sink }
}

// New constructs a Runtime with a fresh hook bus, applying opts. When a
// stream sink was configured via WithStream, New registers a forwarding
// subscriber for it automatically.
func New(opts ...Option) *Runtime {
	r := &Runtime{Bus: hooks.NewBus()}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.Stream != nil {
		if sub, err := streambridge.Register(r.Bus, r.Stream); err == nil {
			r.sub = sub
		}
	}
	return r
}

// Close detaches the broadcast stream subscriber, if one was registered.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub == nil {
		return nil
	}
	err := r.sub.Close()
	r.sub = nil
	return err
}
