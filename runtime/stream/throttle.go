package stream

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// DefaultDeltaThreshold is the minimum number of new characters (in either
// reasoning or content) that forces an emission even when the rate limiter
// would otherwise suppress it, per spec.md §4.8 ("grown beyond a small delta
// threshold (characters or time since last emit)").
const DefaultDeltaThreshold = 24

// TextDelta is the incremental payload a TextStreamer emits on each
// decision.partial.
type TextDelta struct {
	ReasoningDelta string
	ContentDelta   string
	Reasoning      string // full accumulated reasoning_message so far
	Content        string // full accumulated assistant_message so far
}

// TextStreamer coalesces a planner decision's growing reasoning_message and
// assistant_message into throttled decision.partial events: a token-bucket
// limiter (golang.org/x/time/rate) gates emission frequency, while a
// character-delta threshold forces an emission through regardless of the
// limiter once enough new text has accumulated, so a burst of short deltas
// still surfaces promptly instead of waiting out the limiter's full period.
type TextStreamer struct {
	emitter *Emitter
	limiter *rate.Limiter
	delta   int

	blockID string

	lastReasoning string
	lastContent   string
}

// NewTextStreamer constructs a TextStreamer bound to blockID, emitting
// through emitter at most once per period (via a token bucket seeded with a
// burst of 1), or immediately whenever the accumulated delta exceeds
// deltaThreshold characters. A deltaThreshold <= 0 uses DefaultDeltaThreshold.
func NewTextStreamer(emitter *Emitter, blockID string, period time.Duration, deltaThreshold int) *TextStreamer {
	if deltaThreshold <= 0 {
		deltaThreshold = DefaultDeltaThreshold
	}
	if period <= 0 {
		period = 150 * time.Millisecond
	}
	return &TextStreamer{
		emitter: emitter,
		limiter: rate.NewLimiter(rate.Every(period), 1),
		delta:   deltaThreshold,
		blockID: blockID,
	}
}

// SetBlock retargets the streamer to a new block id, used when a pre-created
// block failed and a replacement had to be made (spec.md §4.8's set_block).
func (s *TextStreamer) SetBlock(blockID string) { s.blockID = blockID }

// Update is called with the progressively filled reasoning/content strings
// from each planner.decision.partial. It emits a decision.partial event
// through the bound Emitter only if either string grew by at least the
// delta threshold, or the rate limiter currently allows an emission, per
// spec.md §4.7 step 5 ("Emit only if either reasoning_message or
// assistant_message is non-empty").
func (s *TextStreamer) Update(ctx context.Context, reasoning, content string) error {
	if reasoning == "" && content == "" {
		return nil
	}
	reasoningGrew := len(reasoning) - len(s.lastReasoning)
	contentGrew := len(content) - len(s.lastContent)
	forced := reasoningGrew >= s.delta || contentGrew >= s.delta
	if !forced && !s.limiter.Allow() {
		return nil
	}

	delta := TextDelta{
		ReasoningDelta: tailDelta(s.lastReasoning, reasoning),
		ContentDelta:   tailDelta(s.lastContent, content),
		Reasoning:      reasoning,
		Content:        content,
	}
	s.lastReasoning = reasoning
	s.lastContent = content

	_, err := s.emitter.Emit(ctx, EventDecisionPartial, blockPayload{BlockID: s.blockID, Delta: delta})
	return err
}

// Complete flushes any pending tail (text accumulated since the last
// throttled emission that hasn't yet been sent) and emits a final
// decision.final-adjacent completion marker for this block's text stream.
func (s *TextStreamer) Complete(ctx context.Context, reasoning, content string) error {
	delta := TextDelta{
		ReasoningDelta: tailDelta(s.lastReasoning, reasoning),
		ContentDelta:   tailDelta(s.lastContent, content),
		Reasoning:      reasoning,
		Content:        content,
	}
	s.lastReasoning = reasoning
	s.lastContent = content
	_, err := s.emitter.Emit(ctx, EventDecisionFinal, blockPayload{BlockID: s.blockID, Delta: delta})
	return err
}

type blockPayload struct {
	BlockID string
	Delta   TextDelta
}

// tailDelta returns the suffix of next beyond the length of prev. If prev is
// not a prefix of next (a provider correction rather than a pure append),
// the whole of next is returned so no content is silently dropped.
func tailDelta(prev, next string) string {
	if len(next) >= len(prev) && next[:len(prev)] == prev {
		return next[len(prev):]
	}
	return next
}
