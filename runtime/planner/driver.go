package planner

import (
	"context"
	"errors"
	"io"

	"github.com/analystai/orchestrator/runtime/agent/model"
)

// MaxInvalidRetries bounds how many times Run re-invokes the model after an
// invalid Decision before giving up and returning the last invalid one.
const MaxInvalidRetries = 2

type (
	// EventType identifies a kind of event emitted while driving a planner
	// call. It mirrors the loop's documented event names verbatim so the
	// agent loop and the stream subscriber can switch on it directly.
	EventType string

	// Event is a single emission from Run. Exactly one of Tokens or Decision
	// is meaningful depending on Type.
	Event struct {
		// Type is one of EventTokens, EventDecisionPartial, EventDecisionFinal.
		Type EventType
		// Attempt is the 0-based retry attempt this event belongs to.
		Attempt int
		// Tokens carries the raw text delta for EventTokens; the loop drops it.
		Tokens string
		// Decision carries the progressively filled (partial) or terminal
		// (final) structured decision for EventDecisionPartial/EventDecisionFinal.
		Decision Decision
	}

	// Emit receives driver events as they occur. Implementations must not
	// block; the loop typically forwards these onto the hook bus.
	Emit func(Event)
)

const (
	// EventTokens carries raw model text. Dropped by the loop; useful only
	// for low-level observability/debugging.
	EventTokens EventType = "planner.tokens"
	// EventDecisionPartial carries the decision decoded from the buffered
	// response text. It is emitted only once the buffer holds a complete JSON
	// object; an object that is still streaming produces no partial event.
	EventDecisionPartial EventType = "planner.decision.partial"
	// EventDecisionFinal is terminal for one model call. It may carry a
	// populated Decision.Error when validation failed.
	EventDecisionFinal EventType = "planner.decision.final"
)

// Driver wraps a model.Client and turns one streaming completion into a
// validated Decision, emitting the planner.tokens / planner.decision.partial
// / planner.decision.final event sequence along the way. It retries on
// validation failure up to MaxInvalidRetries times, per call.
type Driver struct {
	client         model.Client
	maxRetries     int
	appendRetryMsg bool
}

// Option configures a Driver.
type Option func(*Driver)

// WithMaxInvalidRetries overrides MaxInvalidRetries for this Driver.
func WithMaxInvalidRetries(n int) Option {
	return func(d *Driver) {
		if n >= 0 {
			d.maxRetries = n
		}
	}
}

// New constructs a Driver backed by client. client must not be nil.
func New(client model.Client, opts ...Option) (*Driver, error) {
	if client == nil {
		return nil, errors.New("planner: nil model client")
	}
	if _, err := compileDecisionSchema(); err != nil {
		return nil, err
	}
	d := &Driver{client: client, maxRetries: MaxInvalidRetries, appendRetryMsg: true}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run drives req through the model, validating the resulting Decision and
// retrying up to d.maxRetries times on failure. Cancellation is observed
// between chunks and between retry attempts: once ctx is done, Run stops
// emitting and returns ctx.Err().
//
// Exactly one terminal EventDecisionFinal is emitted per attempt; Run itself
// returns only once an attempt yields a valid Decision or retries are
// exhausted, at which point it returns the last (invalid) Decision alongside
// a nil error — the loop is expected to treat Decision.Error as the signal,
// not the error return, matching spec §4.6/§7.
func (d *Driver) Run(ctx context.Context, req *model.Request, emit Emit) (Decision, error) {
	if req == nil {
		return Decision{}, errors.New("planner: nil request")
	}
	if emit == nil {
		emit = func(Event) {}
	}

	attemptReq := req
	var last Decision
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}
		decision, err := d.runOnce(ctx, attemptReq, attempt, emit)
		if err != nil {
			return Decision{}, err
		}
		last = decision
		if decision.Error == nil {
			return decision, nil
		}
		if attempt < d.maxRetries && d.appendRetryMsg {
			attemptReq = withRetryNotice(attemptReq, decision.Error)
		}
	}
	return last, nil
}

// runOnce performs a single streaming model call and produces one Decision,
// emitting planner.tokens for every text delta and planner.decision.partial
// for every delta after which the buffer contains a complete JSON object
// (decoded without schema validation).
func (d *Driver) runOnce(ctx context.Context, req *model.Request, attempt int, emit Emit) (Decision, error) {
	streamReq := *req
	streamReq.Stream = true
	streamer, err := d.client.Stream(ctx, &streamReq)
	if errors.Is(err, model.ErrStreamingUnsupported) {
		return d.completeOnce(ctx, req, attempt, emit)
	}
	if err != nil {
		return Decision{}, err
	}
	defer func() { _ = streamer.Close() }()

	var buf []byte
	var lastPartial Decision
	havePartial := false

	for {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}
		chunk, err := streamer.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return Decision{}, err
		}
		switch chunk.Type {
		case model.ChunkTypeText:
			delta := textDelta(chunk)
			if delta == "" {
				continue
			}
			buf = append(buf, delta...)
			emit(Event{Type: EventTokens, Attempt: attempt, Tokens: delta})
			if partial, ok := tryPartial(buf); ok {
				lastPartial, havePartial = partial, true
				emit(Event{Type: EventDecisionPartial, Attempt: attempt, Decision: partial})
			}
		case model.ChunkTypeStop:
			// Terminal chunk; final handling happens after the loop exits.
		}
	}

	return d.finalize(buf, lastPartial, havePartial, attempt, emit), nil
}

// completeOnce falls back to a non-streaming Complete call for providers
// that don't support streaming (per model.ErrStreamingUnsupported). It still
// emits the documented event sequence, collapsed to a single tokens event
// followed by the final decision.
func (d *Driver) completeOnce(ctx context.Context, req *model.Request, attempt int, emit Emit) (Decision, error) {
	resp, err := d.client.Complete(ctx, req)
	if err != nil {
		return Decision{}, err
	}
	var buf []byte
	for _, msg := range resp.Content {
		for _, p := range msg.Parts {
			if tp, ok := p.(model.TextPart); ok {
				buf = append(buf, tp.Text...)
			}
		}
	}
	if len(buf) > 0 {
		emit(Event{Type: EventTokens, Attempt: attempt, Tokens: string(buf)})
	}
	return d.finalize(buf, Decision{}, false, attempt, emit), nil
}

// finalize validates the fully buffered response text and emits the
// terminal EventDecisionFinal, returning the resulting Decision (valid or
// carrying a structured Error).
func (d *Driver) finalize(buf []byte, lastPartial Decision, havePartial bool, attempt int, emit Emit) Decision {
	decision, verr := validateDecision(buf)
	if verr != nil {
		decision = lastPartial
		if !havePartial {
			decision = Decision{}
		}
		decision.Error = classifyError(verr)
	}
	emit(Event{Type: EventDecisionFinal, Attempt: attempt, Decision: decision})
	return decision
}

func textDelta(chunk model.Chunk) string {
	if chunk.Message == nil {
		return ""
	}
	var out string
	for _, p := range chunk.Message.Parts {
		if tp, ok := p.(model.TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

// withRetryNotice appends a user-turn message describing the validation
// failure so the next attempt can self-correct, mirroring how the runtime's
// policy RetryHint surfaces tool-call failures back to the planner.
func withRetryNotice(req *model.Request, decErr *DecisionError) *model.Request {
	if decErr == nil {
		return req
	}
	notice := &model.Message{
		Role: model.ConversationRoleUser,
		Parts: []model.Part{model.TextPart{
			Text: "Your previous response was rejected: [" + string(decErr.Code) + "] " + decErr.Message +
				". Respond again with a single JSON object matching the Decision schema.",
		}},
	}
	out := *req
	out.Messages = append(append([]*model.Message(nil), req.Messages...), notice)
	return &out
}
