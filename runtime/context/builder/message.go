package builder

import (
	"context"
	"sort"
	"strings"
	"time"

	sectionpkg "github.com/analystai/orchestrator/runtime/context/section"
)

// CompletionRole mirrors the Completion entity's role field (spec.md §3).
type CompletionRole string

const (
	RoleUser   CompletionRole = "user"
	RoleSystem CompletionRole = "system"
)

// CompletionForHistory is the subset of a prior Completion the Message
// Builder needs: enough to render one chronological entry.
type CompletionForHistory struct {
	ID           string
	ParentID     string
	Role         CompletionRole
	TurnIndex    int
	CreatedAt    time.Time
	UserContent  string   // rendered prompt text, when Role == user
	Reasoning    string   // system completion's reasoning, when Role == system
	Response     string   // system completion's final response text
	ToolDigest   string   // concatenation of tool-result summaries for this completion
	Mentions     []sectionpkg.Mention
	Open         bool // true for the still-open final user message; excluded from history
}

// MessageBuilder reads prior completions for a report and renders them into
// a chronological Messages section.
type MessageBuilder struct{}

// NewMessageBuilder returns a MessageBuilder.
func NewMessageBuilder() *MessageBuilder { return &MessageBuilder{} }

// MessageBuildParams parameterizes MessageBuilder.Build.
type MessageBuildParams struct {
	MaxHistory int // cap on number of rendered messages; 0 = unlimited
	MaxChars   int // aggregate character truncation budget; 0 = section.DefaultMaxChars
}

// Build renders prior completions (excluding the still-open final user
// message) into a Messages section, oldest first. System completions
// render the concatenation of reasoning/response/tool-digest as their
// content.
func (b *MessageBuilder) Build(
	_ context.Context,
	completions []CompletionForHistory,
	params MessageBuildParams,
) (sectionpkg.Section, error) {
	history := make([]CompletionForHistory, 0, len(completions))
	for _, c := range completions {
		if c.Open {
			continue
		}
		history = append(history, c)
	}
	sort.Slice(history, func(i, j int) bool {
		if history[i].TurnIndex != history[j].TurnIndex {
			return history[i].TurnIndex < history[j].TurnIndex
		}
		return history[i].CreatedAt.Before(history[j].CreatedAt)
	})
	if params.MaxHistory > 0 && len(history) > params.MaxHistory {
		history = history[len(history)-params.MaxHistory:]
	}

	items := make([]sectionpkg.Message, 0, len(history))
	for _, c := range history {
		content := c.UserContent
		role := "user"
		if c.Role == RoleSystem {
			role = "assistant"
			parts := make([]string, 0, 3)
			if c.Reasoning != "" {
				parts = append(parts, c.Reasoning)
			}
			if c.Response != "" {
				parts = append(parts, c.Response)
			}
			if c.ToolDigest != "" {
				parts = append(parts, c.ToolDigest)
			}
			content = strings.Join(parts, "\n")
		}
		items = append(items, sectionpkg.Message{
			Role:      role,
			Timestamp: c.CreatedAt.UTC().Format(time.RFC3339),
			Content:   content,
			Mentions:  c.Mentions,
		})
	}

	maxChars := params.MaxChars
	if maxChars <= 0 {
		maxChars = sectionpkg.DefaultMaxChars
	}
	return sectionpkg.MessagesSection{Items: items, MaxChars: maxChars}, nil
}
