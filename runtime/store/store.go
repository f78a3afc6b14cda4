// Package store implements the turn engine's Block Persistence (C9):
// idempotent upsert of decision and tool blocks, transcript rebuild from the
// ordered blocks of a completion, and completion status transitions.
//
// It is grounded on runtime/agent/transcript's Ledger (ordered parts,
// idempotent rebuild from a flat sequence) generalized from "rebuild
// provider payloads" to "rebuild completion transcript text from ordered
// blocks" per SPEC_FULL.md §4.9, and on the teacher's
// registry/store/mongo.Store adapter for the Mongo wiring idiom (a thin
// *mongo.Collection wrapper behind a small interface, upsert via
// ReplaceOne/UpdateOne with SetUpsert(true), bson document structs separate
// from the domain type). go.mongodb.org/mongo-driver/v2 was present in the
// teacher's dependency set with zero prior callers; this is its first use.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// Kind distinguishes a decision block (linked to a Plan Decision) from a
// tool block (linked to a Tool Execution), per spec.md §3.
type Kind string

const (
	KindDecision Kind = "decision"
	KindTool     Kind = "tool"
)

// Status is a Completion Block or Completion's lifecycle status, per
// spec.md §3/§4.9.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
	StatusStopped    Status = "stopped"
)

// ErrNotFound is returned when a lookup finds no matching document.
var ErrNotFound = errors.New("store: not found")

// Block is one Completion Block row: either a decision block or a tool
// block, upserted by (CompletionID, DecisionID) or (CompletionID, ToolExecID)
// respectively, per spec.md §4.9's compound idempotency key.
type Block struct {
	CompletionID string
	Kind         Kind

	// DecisionID identifies the Plan Decision this block mirrors. Set only
	// for Kind == KindDecision; it is the pinned decision_seq turned into a
	// stable string id (invariant I4).
	DecisionID string
	// ToolExecID identifies the Tool Execution this block mirrors. Set only
	// for Kind == KindTool.
	ToolExecID string

	BlockIndex int
	Seq        int64
	Content    string
	Reasoning  string
	Status     Status
	ErrorMsg   string
}

// key returns the idempotency key this block upserts against.
func (b Block) key() string {
	if b.Kind == KindDecision {
		return "decision:" + b.DecisionID
	}
	return "tool:" + b.ToolExecID
}

// Store is the Block Persistence contract the Agent Loop (C7) writes
// through. Implementations must make UpsertBlock idempotent: repeated calls
// with the same (CompletionID, Kind, DecisionID|ToolExecID) update the same
// row rather than creating duplicates (invariant I1).
type Store interface {
	// NextBlockIndex allocates the next sequential block_index within
	// completionID, used once when a block is first created (spec.md
	// §4.9's "block_index = the block's position within the completion").
	NextBlockIndex(ctx context.Context, completionID string) (int, error)

	// UpsertBlock creates or updates b's row, keyed by (CompletionID, Kind,
	// DecisionID|ToolExecID).
	UpsertBlock(ctx context.Context, b Block) error

	// ListBlocks returns every block for completionID ordered by
	// (seq, block_index), the order the spec requires transcript rebuild to
	// honor.
	ListBlocks(ctx context.Context, completionID string) ([]Block, error)

	// SetCompletionStatus transitions the completion's terminal status.
	// errMsg is recorded only when status == StatusError.
	SetCompletionStatus(ctx context.Context, completionID string, status Status, errMsg string) error

	// StopInProgress marks every in_progress block (and the completion
	// itself) as stopped, per spec.md §4.9's stop handling.
	StopInProgress(ctx context.Context, completionID string) error
}

// RebuildTranscript rewrites a completion's textual content from its ordered
// blocks, per spec.md §4.9 ("Rebuilding the transcript rewrites the
// completion's textual content from the ordered blocks; this is
// idempotent."). It concatenates each block's Content in (seq, block_index)
// order, separated by a blank line, mirroring how
// runtime/agent/transcript.Ledger flattens ordered parts into provider
// messages — generalized here to plain transcript text instead of
// provider-specific message parts.
func RebuildTranscript(blocks []Block) string {
	ordered := append([]Block(nil), blocks...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Seq != ordered[j].Seq {
			return ordered[i].Seq < ordered[j].Seq
		}
		return ordered[i].BlockIndex < ordered[j].BlockIndex
	})

	var b strings.Builder
	for i, blk := range ordered {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if blk.Content != "" {
			b.WriteString(blk.Content)
		}
	}
	return b.String()
}

// SessionFactory opens an isolated Store-backed Session for a background
// task (C10), per spec.md §5's "isolated data sessions" requirement: a
// background scoring/suggestion/title task must never share the turn's
// in-flight Store handle or connection with the Agent Loop. Grounded loosely
// in runtime/agent/session and runtime/agent/memory's per-task isolation
// pattern — those packages isolate a conversational Session/Snapshot, while
// this isolates a storage connection/transaction; the two serve a similar
// "don't let background work observe or block the live turn" goal but are
// not the same abstraction, hence a purpose-built SessionFactory rather than
// a literal port.
type SessionFactory interface {
	// NewSession returns a Store bound to a fresh connection/session,
	// independent of whatever Store the caller is already holding. The
	// returned Store's Close (if the concrete type has one) is the background
	// task's responsibility.
	NewSession(ctx context.Context) (Store, error)
}
