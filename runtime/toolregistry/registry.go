package toolregistry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/analystai/orchestrator/runtime/agent/telemetry"
	"github.com/analystai/orchestrator/runtime/agent/tools"
)

type (
	// PlanType is the planning mode a tool is eligible for.
	PlanType string

	// ObservationPolicy controls whether a tool's executions are surfaced in
	// the Observations context section.
	ObservationPolicy string

	// ToolDescriptor is a registry entry: enough metadata for the planner to
	// decide whether and how to call a tool, without executing it.
	ToolDescriptor struct {
		Name              tools.Ident
		PlanTypes         []PlanType
		ArgumentSchema    tools.TypeSpec
		ObservationPolicy ObservationPolicy
		Capabilities      []string
	}

	// Registration pairs a descriptor with the Executor that runs it.
	Registration struct {
		Descriptor ToolDescriptor
		Exec       Executor
	}
)

const (
	PlanTypeAction   PlanType = "action"
	PlanTypeResearch PlanType = "research"
	PlanTypeBoth     PlanType = "both"

	ObservationOnTrigger ObservationPolicy = "on_trigger"
	ObservationNever     ObservationPolicy = "never"
)

// servesPlanType reports whether d is eligible for planType; "both" on either
// side matches anything.
func (d ToolDescriptor) servesPlanType(planType PlanType) bool {
	if planType == "" || planType == PlanTypeBoth {
		return true
	}
	for _, pt := range d.PlanTypes {
		if pt == PlanTypeBoth || pt == planType {
			return true
		}
	}
	return false
}

// hasCapabilities reports whether every capability d requires is present in
// granted.
func (d ToolDescriptor) hasCapabilities(granted map[string]bool) bool {
	for _, cap := range d.Capabilities {
		if !granted[cap] {
			return false
		}
	}
	return true
}

// Registry maps tool_name -> (descriptor, executor), per SPEC_FULL.md §4.5.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[tools.Ident]Registration
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[tools.Ident]Registration)}
}

// Register adds or replaces the entry for descriptor.Name.
func (r *Registry) Register(descriptor ToolDescriptor, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[descriptor.Name] = Registration{Descriptor: descriptor, Exec: exec}
}

// Lookup returns the registration for name, if any.
func (r *Registry) Lookup(name tools.Ident) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	return reg, ok
}

// Catalog enumerates tools eligible for planType whose required capabilities
// are all present in granted. planType == "" or PlanTypeBoth returns the
// deduplicated union of action and research tools, matching the planner's
// "both" catalog per SPEC_FULL.md §4.5.
func (r *Registry) Catalog(planType PlanType, granted map[string]bool) []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(r.entries))
	for _, reg := range r.entries {
		d := reg.Descriptor
		if !d.servesPlanType(planType) {
			continue
		}
		if !d.hasCapabilities(granted) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// RetryPolicy controls retry behavior for a tool call. Zero-valued fields
// fall back to DefaultRetryPolicy's values.
type RetryPolicy struct {
	// MaxAttempts caps the total number of attempts, including the first.
	MaxAttempts int
	// BackoffInitial is the delay before the first retry.
	BackoffInitial time.Duration
	// BackoffMultiplier multiplies the delay after each retry.
	BackoffMultiplier float64
	// Jitter bounds the random jitter added to each backoff delay.
	Jitter time.Duration
}

// DefaultRetryPolicy returns the spec's default: max 2 attempts, 500ms base
// backoff, x2 multiplier, +-200ms jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       2,
		BackoffInitial:    500 * time.Millisecond,
		BackoffMultiplier: 2,
		Jitter:            200 * time.Millisecond,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BackoffInitial <= 0 {
		p.BackoffInitial = d.BackoffInitial
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = d.BackoffMultiplier
	}
	if p.Jitter < 0 {
		p.Jitter = d.Jitter
	}
	return p
}

// delay returns the backoff delay before attempt (1-indexed: attempt 2 is
// the first retry), including a symmetric random jitter.
func (p RetryPolicy) delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	base := float64(p.BackoffInitial)
	for i := 1; i < attempt-1; i++ {
		base *= p.BackoffMultiplier
	}
	jitter := 0.0
	if p.Jitter > 0 {
		jitter = (rand.Float64()*2 - 1) * float64(p.Jitter)
	}
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// TimeoutPolicy bounds how long a tool call may run. Zero-valued fields fall
// back to DefaultTimeoutPolicy's values.
type TimeoutPolicy struct {
	// StartTimeout bounds the time to the first progress event.
	StartTimeout time.Duration
	// IdleTimeout cancels the call if no progress event is observed within
	// this window of the last one (or of the call starting).
	IdleTimeout time.Duration
	// HardTimeout is an absolute cap on the call's total duration.
	HardTimeout time.Duration
}

// DefaultTimeoutPolicy returns the spec's default: 5s start / 30s idle / 120s
// hard.
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		StartTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
		HardTimeout:  120 * time.Second,
	}
}

func (p TimeoutPolicy) normalized() TimeoutPolicy {
	d := DefaultTimeoutPolicy()
	if p.StartTimeout <= 0 {
		p.StartTimeout = d.StartTimeout
	}
	if p.IdleTimeout <= 0 {
		p.IdleTimeout = d.IdleTimeout
	}
	if p.HardTimeout <= 0 {
		p.HardTimeout = d.HardTimeout
	}
	return p
}

// EventType enumerates the kinds of events a running tool call may emit
// through EmitFunc, per SPEC_FULL.md §4.5.
type EventType string

const (
	EventProgress EventType = "tool.progress"
	EventPartial  EventType = "tool.partial"
	EventStdout   EventType = "tool.stdout"
	EventError    EventType = "tool.error"
)

// Event is one emission from a running tool call.
type Event struct {
	Type    EventType
	Payload any
}

// EmitFunc forwards an Event from a running tool call to its caller. Only
// EventProgress resets the idle timeout; all event types reset the Runner's
// liveness tracking used for throttling.
type EmitFunc func(Event)

// ToolCall is one invocation request: the tool name, its arguments, and the
// runtime context the executor needs to do its work.
type ToolCall struct {
	Name      tools.Ident
	Arguments []byte
	Runtime   RuntimeContext
}

// RuntimeContext carries the handles an Executor needs beyond ctx and
// arguments: the current Context Hub view and any external collaborators.
type RuntimeContext struct {
	View any
}

// Observation is the normalized, planner-visible record of one tool
// execution attempt, successful or not.
type Observation struct {
	ToolName     tools.Ident
	Success      bool
	ErrorCode    string
	ErrorMessage string
	Summary      string
}

// ToolOutcome is an Executor's result: either a bare Observation (failure)
// or an Observation paired with a typed Output (success).
type ToolOutcome struct {
	Observation Observation
	Output      any
}

// ValidationError marks a tool-call error as non-transient: the Runner does
// not retry it, and the Agent Loop surfaces it to the planner as a
// self-correctable observation instead.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Executor runs one tool call, forwarding progress through emit.
type Executor interface {
	Execute(ctx context.Context, call ToolCall, emit EmitFunc) (*ToolOutcome, error)
}

// Runner executes registered tools under retry and timeout policies.
type Runner struct {
	Retry   RetryPolicy
	Timeout TimeoutPolicy
	logger  telemetry.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the Runner's logger.
func WithRunnerLogger(l telemetry.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner returns a Runner using the spec's default retry and timeout
// policies unless overridden by opts.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		Retry:   DefaultRetryPolicy(),
		Timeout: DefaultTimeoutPolicy(),
		logger:  telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Run executes call against reg.Exec, retrying transient failures up to
// Retry.MaxAttempts and enforcing Timeout's start/idle/hard windows. emit, if
// non-nil, is wrapped so idle-timeout liveness is tracked transparently to
// the caller.
func (r *Runner) Run(ctx context.Context, reg Registration, call ToolCall, emit EmitFunc) (*ToolOutcome, error) {
	retry := r.Retry.normalized()
	timeout := r.Timeout.normalized()

	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(retry.delay(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		outcome, err := r.runOnce(ctx, reg, call, timeout, emit)
		if err == nil {
			return outcome, nil
		}
		lastErr = err

		var verr *ValidationError
		if errors.As(err, &verr) {
			return &ToolOutcome{Observation: Observation{
				ToolName:     call.Name,
				Success:      false,
				ErrorCode:    verr.Code,
				ErrorMessage: verr.Message,
				Summary:      fmt.Sprintf("%s: %s", call.Name, verr.Message),
			}}, nil
		}

		r.logger.Warn(ctx, "tool call attempt failed, considering retry",
			"tool", string(call.Name), "attempt", attempt, "max_attempts", retry.MaxAttempts, "error", err)
	}

	return &ToolOutcome{Observation: Observation{
		ToolName:     call.Name,
		Success:      false,
		ErrorCode:    "tool_execution_error",
		ErrorMessage: lastErr.Error(),
		Summary:      fmt.Sprintf("%s: %s", call.Name, lastErr.Error()),
	}}, nil
}

// runOnce runs a single attempt, enforcing the timeout policy via a
// liveness-tracking wrapper around emit.
func (r *Runner) runOnce(
	ctx context.Context, reg Registration, call ToolCall, timeout TimeoutPolicy, emit EmitFunc,
) (*ToolOutcome, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout.HardTimeout)
	defer cancel()

	liveness := newLivenessGate(runCtx, cancel, timeout)
	defer liveness.stop()

	wrappedEmit := func(ev Event) {
		liveness.onEvent(ev)
		if emit != nil {
			emit(ev)
		}
	}

	type result struct {
		outcome *ToolOutcome
		err     error
	}
	resultCh := make(chan result, 1)
	go func() {
		outcome, err := reg.Exec.Execute(runCtx, call, wrappedEmit)
		resultCh <- result{outcome, err}
	}()

	select {
	case res := <-resultCh:
		return res.outcome, res.err
	case <-liveness.timedOut():
		cancel()
		<-resultCh // let the executor goroutine observe cancellation and exit
		return nil, fmt.Errorf("tool %q: %s", call.Name, liveness.reason())
	}
}

// livenessGate watches for the start-timeout and idle-timeout windows
// defined by a TimeoutPolicy, independent of the hard timeout already
// enforced by runCtx's deadline.
type livenessGate struct {
	mu        sync.Mutex
	cancel    context.CancelFunc
	policy    TimeoutPolicy
	sawFirst  bool
	done      chan struct{}
	timedOutC chan struct{}
	reasonMsg string
	timer     *time.Timer
}

func newLivenessGate(ctx context.Context, cancel context.CancelFunc, policy TimeoutPolicy) *livenessGate {
	g := &livenessGate{
		cancel:    cancel,
		policy:    policy,
		done:      make(chan struct{}),
		timedOutC: make(chan struct{}),
	}
	g.timer = time.AfterFunc(policy.StartTimeout, func() { g.timeout("no progress event before start_timeout") })
	go func() {
		<-ctx.Done()
		g.stop()
	}()
	return g
}

func (g *livenessGate) onEvent(ev Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.done:
		return
	default:
	}
	if ev.Type != EventProgress {
		return
	}
	g.sawFirst = true
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(g.policy.IdleTimeout, func() { g.timeout("no progress event within idle_timeout") })
}

func (g *livenessGate) timeout(reason string) {
	g.mu.Lock()
	select {
	case <-g.done:
		g.mu.Unlock()
		return
	default:
	}
	g.reasonMsg = reason
	close(g.timedOutC)
	g.mu.Unlock()
	g.cancel()
}

func (g *livenessGate) timedOut() <-chan struct{} { return g.timedOutC }

func (g *livenessGate) reason() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reasonMsg
}

func (g *livenessGate) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.done:
		return
	default:
	}
	close(g.done)
	if g.timer != nil {
		g.timer.Stop()
	}
}
