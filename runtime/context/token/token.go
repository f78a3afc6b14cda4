// Package token counts tokens for prompt text under a given model id.
//
// Counts are estimates: callers must not rely on them matching the exact
// tokenization a provider applies server-side. The package is used only for
// reporting section sizes and computing the remaining budget before a turn
// runs (see runtime/context/hub).
package token

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens for a string under a model id. Implementations must
// be deterministic for a given (text, modelID) pair.
type Counter interface {
	// Count returns the estimated token count of text under modelID. An
	// empty modelID selects the default model family.
	Count(text, modelID string) int
}

// family maps a model id prefix to the tiktoken encoding it should use.
// Unrecognized prefixes fall back to the character-count heuristic.
var family = map[string]string{
	"gpt-4":         "cl100k_base",
	"gpt-3.5":       "cl100k_base",
	"gpt-4o":        "o200k_base",
	"gpt-5":         "o200k_base",
	"o1":            "o200k_base",
	"o3":            "o200k_base",
	"text-embedding": "cl100k_base",
}

// DefaultCounter is the Counter used when callers do not supply one. It
// dispatches OpenAI-family model ids to a cached tiktoken BPE
// encoder and falls back to a plain character count for anything it does
// not recognize, mirroring the fallback the original analyst implementation
// uses when its tokenizer raises.
type DefaultCounter struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// NewDefaultCounter returns a ready-to-use DefaultCounter.
func NewDefaultCounter() *DefaultCounter {
	return &DefaultCounter{encoders: make(map[string]*tiktoken.Tiktoken)}
}

// Count implements Counter.
func (c *DefaultCounter) Count(text, modelID string) int {
	encoding := encodingFor(modelID)
	if encoding == "" {
		return charCount(text)
	}
	enc, err := c.encoder(encoding)
	if err != nil {
		return charCount(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func (c *DefaultCounter) encoder(encoding string) (*tiktoken.Tiktoken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encoders[encoding]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	c.encoders[encoding] = enc
	return enc, nil
}

// encodingFor resolves a model id to a tiktoken encoding name, or "" when
// the model family is unrecognized and the caller should use the
// character-count fallback.
func encodingFor(modelID string) string {
	lower := strings.ToLower(modelID)
	best, bestLen := "", 0
	for prefix, encoding := range family {
		// The longest matching prefix wins (gpt-4o over gpt-4), so the
		// result does not depend on map iteration order.
		if strings.HasPrefix(lower, prefix) && len(prefix) > bestLen {
			best, bestLen = encoding, len(prefix)
		}
	}
	return best
}

// charCount is the fallback heuristic tokenizer: a plain rune count. This
// mirrors context_hub.py's _section_token_length, which falls back to
// len(text) (not a divided estimate) when its tokenizer raises.
func charCount(text string) int {
	return len([]rune(text))
}

// Remaining returns max(0, modelLimit - promptTokens), the budget available
// for a turn before it refuses to run.
func Remaining(modelLimit, promptTokens int) int {
	if promptTokens >= modelLimit {
		return 0
	}
	return modelLimit - promptTokens
}
