// Package section defines the Context Hub's tagged union of context
// sections: value types rendered into stable, escaped, XML-like markup that
// forms the planner's prompt. The shape mirrors the teacher runtime's
// model.Part / transcript.Part tagged unions: a closed set of concrete
// types implementing a marker method, switched on by render sites instead
// of type assertions scattered through the codebase.
package section

import (
	"fmt"
	"strings"
)

// Section is the closed set of context section kinds the hub assembles into
// a prompt. Implementations are immutable value types.
type Section interface {
	// Render produces the deterministic XML-like markup for this section.
	Render() string
	isSection()
}

// escape escapes text for embedding inside an XML-like tag body, preventing
// injection from section content (table comments, instruction text, prior
// message content, tool output, etc).
func escape(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
	)
	return r.Replace(s)
}

func tag(name, body string) string {
	return fmt.Sprintf("<%s>%s</%s>", name, body, name)
}

func attr(name, value string) string {
	return fmt.Sprintf(` %s=%q`, name, value)
}

// Column describes one table column for the Schemas section.
type Column struct {
	Name     string
	DataType string
	IsPK     bool
	IsFK     bool
}

// Table is one ranked table within a data source.
type Table struct {
	Name        string
	Columns     []Column
	Score       float64
	UsageCount  int
}

func (t Table) render(full bool) string {
	var b strings.Builder
	b.WriteString("<table")
	b.WriteString(attr("name", t.Name))
	b.WriteString(">")
	if full {
		for _, c := range t.Columns {
			b.WriteString("<column")
			b.WriteString(attr("name", c.Name))
			b.WriteString(attr("type", c.DataType))
			if c.IsPK {
				b.WriteString(attr("pk", "true"))
			}
			if c.IsFK {
				b.WriteString(attr("fk", "true"))
			}
			b.WriteString("/>")
		}
	}
	b.WriteString("</table>")
	return b.String()
}

// DataSource is one schema source within the Schemas section.
type DataSource struct {
	ID     string
	Name   string
	Tables []Table
}

// SchemasSection renders a combined sample/index of ranked tables per data
// source, per spec.md §4.2: the top-K tables rendered fully (sample), plus
// a compact index of up to indexLimit table names.
type SchemasSection struct {
	Sources    []DataSource
	SampleSize int
	IndexLimit int
}

func (SchemasSection) isSection() {}

// Render implements Section.
func (s SchemasSection) Render() string {
	var b strings.Builder
	b.WriteString("<schemas>")
	for _, src := range s.Sources {
		b.WriteString("<data_source")
		b.WriteString(attr("id", src.ID))
		b.WriteString(attr("name", src.Name))
		b.WriteString(">")
		sample := src.Tables
		if s.SampleSize > 0 && len(sample) > s.SampleSize {
			sample = sample[:s.SampleSize]
		}
		b.WriteString("<sample>")
		for _, t := range sample {
			b.WriteString(t.render(true))
		}
		b.WriteString("</sample>")

		index := src.Tables
		limit := s.IndexLimit
		if limit <= 0 {
			limit = len(index)
		}
		if len(index) > limit {
			index = index[:limit]
		}
		b.WriteString("<index>")
		for _, t := range index {
			b.WriteString(tag("table_name", escape(t.Name)))
		}
		b.WriteString("</index>")
		b.WriteString("</data_source>")
	}
	b.WriteString("</schemas>")
	return b.String()
}

// LoadMode controls whether an instruction is always loaded, keyword-scored
// against the user query, or excluded entirely.
type LoadMode string

const (
	LoadAlways     LoadMode = "always"
	LoadIntelligent LoadMode = "intelligent"
	LoadDisabled   LoadMode = "disabled"
)

// Instruction is one instruction item within the Instructions section.
type Instruction struct {
	ID         string
	Text       string
	Category   string
	LoadMode   LoadMode
	LoadReason string // "always" | "search_match:<score>" | "fill"
}

// InstructionsSection is the ordered list of instructions selected for this
// turn, after always/intelligent/disabled partitioning and truncation to
// max_instructions_in_context.
type InstructionsSection struct {
	Items []Instruction
}

func (InstructionsSection) isSection() {}

// Render implements Section.
func (s InstructionsSection) Render() string {
	var b strings.Builder
	b.WriteString("<instructions>")
	for _, it := range s.Items {
		b.WriteString("<instruction")
		b.WriteString(attr("category", it.Category))
		b.WriteString(attr("load_reason", it.LoadReason))
		b.WriteString(">")
		b.WriteString(escape(it.Text))
		b.WriteString("</instruction>")
	}
	b.WriteString("</instructions>")
	return b.String()
}

// Mention is a referenced entity (table, file, widget, etc.) attached to a
// message.
type Mention struct {
	Kind string
	ID   string
	Name string
}

// Message is one prior user/assistant message rendered role-tagged and
// timestamp-prefixed.
type Message struct {
	Role      string // "user" | "assistant"
	Timestamp string // RFC3339; pre-formatted by the caller
	Content   string
	Mentions  []Mention
}

// MessagesSection is the chronological list of prior messages, truncated to
// an aggregate character budget with an explicit truncation marker.
type MessagesSection struct {
	Items           []Message
	MaxChars        int
	TruncationMarker string
}

// DefaultMaxChars is the aggregate truncation budget recovered from
// message_context_builder.py's max_context_length.
const DefaultMaxChars = 8000

// DefaultTruncationMarker is the literal marker text recovered from
// message_context_builder.py.
const DefaultTruncationMarker = "...\n[Context truncated due to length]"

// Render implements Section. Messages are rendered oldest-first; once the
// aggregate rendered length would exceed MaxChars, rendering stops and the
// truncation marker is appended.
func (s MessagesSection) Render() string {
	maxChars := s.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	marker := s.TruncationMarker
	if marker == "" {
		marker = DefaultTruncationMarker
	}
	var b strings.Builder
	b.WriteString("<messages>")
	truncated := false
	for _, m := range s.Items {
		rendered := renderMessage(m)
		if b.Len()+len(rendered) > maxChars+len("<messages>") {
			truncated = true
			break
		}
		b.WriteString(rendered)
	}
	if truncated {
		b.WriteString(escape(marker))
	}
	b.WriteString("</messages>")
	return b.String()
}

func renderMessage(m Message) string {
	var b strings.Builder
	b.WriteString("<message")
	b.WriteString(attr("role", m.Role))
	b.WriteString(attr("ts", m.Timestamp))
	b.WriteString(">")
	b.WriteString(escape(m.Content))
	for _, mn := range m.Mentions {
		b.WriteString("<mention")
		b.WriteString(attr("kind", mn.Kind))
		b.WriteString(attr("id", mn.ID))
		b.WriteString(">")
		b.WriteString(escape(mn.Name))
		b.WriteString("</mention>")
	}
	b.WriteString("</message>")
	return b.String()
}

func (MessagesSection) isSection() {}

// ToolExecutionSummary is one prior tool execution surfaced to the planner
// as an observation.
type ToolExecutionSummary struct {
	ToolName         string
	Status           string // "success" | "error"
	ResultSummary    string
	ObservationPolicy string // "on_trigger" | "never"
}

// ObservationsSection renders only the most recent <=5 tool executions and
// omits observation_policy=never tools, per spec.md §4.2.
type ObservationsSection struct {
	Executions []ToolExecutionSummary
}

// MaxObservations is the cap on rendered observations.
const MaxObservations = 5

func (ObservationsSection) isSection() {}

// Render implements Section.
func (s ObservationsSection) Render() string {
	visible := make([]ToolExecutionSummary, 0, len(s.Executions))
	for _, e := range s.Executions {
		if e.ObservationPolicy == "never" {
			continue
		}
		visible = append(visible, e)
	}
	if len(visible) > MaxObservations {
		visible = visible[len(visible)-MaxObservations:]
	}
	var b strings.Builder
	b.WriteString("<observations>")
	for _, e := range visible {
		b.WriteString("<observation")
		b.WriteString(attr("tool", e.ToolName))
		b.WriteString(attr("status", e.Status))
		b.WriteString(">")
		b.WriteString(escape(e.ResultSummary))
		b.WriteString("</observation>")
	}
	b.WriteString("</observations>")
	return b.String()
}

// Resource is one repository resource (dashboard, report, doc) surfaced by
// the Resource Builder.
type Resource struct {
	ID    string
	Name  string
	Kind  string
	Score float64
}

// ResourcesSection mirrors the Schemas rendering pattern (sample + index)
// for repository resources.
type ResourcesSection struct {
	Items      []Resource
	SampleSize int
	IndexLimit int
}

func (ResourcesSection) isSection() {}

// Render implements Section.
func (s ResourcesSection) Render() string {
	var b strings.Builder
	b.WriteString("<resources>")
	sample := s.Items
	if s.SampleSize > 0 && len(sample) > s.SampleSize {
		sample = sample[:s.SampleSize]
	}
	b.WriteString("<sample>")
	for _, r := range sample {
		b.WriteString("<resource")
		b.WriteString(attr("id", r.ID))
		b.WriteString(attr("kind", r.Kind))
		b.WriteString(">")
		b.WriteString(escape(r.Name))
		b.WriteString("</resource>")
	}
	b.WriteString("</sample>")

	index := s.Items
	limit := s.IndexLimit
	if limit <= 0 {
		limit = len(index)
	}
	if len(index) > limit {
		index = index[:limit]
	}
	b.WriteString("<index>")
	for _, r := range index {
		b.WriteString(tag("resource_name", escape(r.Name)))
	}
	b.WriteString("</index>")
	b.WriteString("</resources>")
	return b.String()
}

// Entity is a typed carrier with no cross-talk with other sections, per
// spec.md §4.3 ("pure async producers").
type Entity struct {
	ID   string
	Kind string
	Name string
}

// EntitiesSection lists entities referenced this turn.
type EntitiesSection struct{ Items []Entity }

func (EntitiesSection) isSection() {}

// Render implements Section.
func (s EntitiesSection) Render() string {
	var b strings.Builder
	b.WriteString("<entities>")
	for _, e := range s.Items {
		b.WriteString("<entity")
		b.WriteString(attr("id", e.ID))
		b.WriteString(attr("kind", e.Kind))
		b.WriteString(">")
		b.WriteString(escape(e.Name))
		b.WriteString("</entity>")
	}
	b.WriteString("</entities>")
	return b.String()
}

// File is a referenced uploaded file.
type File struct {
	ID       string
	Name     string
	MimeType string
}

// FilesSection lists files attached to the report.
type FilesSection struct{ Items []File }

func (FilesSection) isSection() {}

// Render implements Section.
func (s FilesSection) Render() string {
	var b strings.Builder
	b.WriteString("<files>")
	for _, f := range s.Items {
		b.WriteString("<file")
		b.WriteString(attr("id", f.ID))
		b.WriteString(attr("mime_type", f.MimeType))
		b.WriteString(">")
		b.WriteString(escape(f.Name))
		b.WriteString("</file>")
	}
	b.WriteString("</files>")
	return b.String()
}

// Widget is a previously created visualization/dashboard widget.
type Widget struct {
	ID   string
	Name string
	Kind string
}

// WidgetsSection lists widgets created so far this turn/report.
type WidgetsSection struct{ Items []Widget }

func (WidgetsSection) isSection() {}

// Render implements Section.
func (s WidgetsSection) Render() string {
	var b strings.Builder
	b.WriteString("<widgets>")
	for _, w := range s.Items {
		b.WriteString("<widget")
		b.WriteString(attr("id", w.ID))
		b.WriteString(attr("kind", w.Kind))
		b.WriteString(">")
		b.WriteString(escape(w.Name))
		b.WriteString("</widget>")
	}
	b.WriteString("</widgets>")
	return b.String()
}

// Query is a previously executed query available for reuse/reference.
type Query struct {
	ID   string
	Text string
}

// QueriesSection lists prior queries.
type QueriesSection struct{ Items []Query }

func (QueriesSection) isSection() {}

// Render implements Section.
func (s QueriesSection) Render() string {
	var b strings.Builder
	b.WriteString("<queries>")
	for _, q := range s.Items {
		b.WriteString(tag("query", escape(q.Text)))
	}
	b.WriteString("</queries>")
	return b.String()
}

// Code is a previously generated code snippet (e.g. a transform step).
type Code struct {
	ID       string
	Language string
	Text     string
}

// CodeSection lists prior code snippets.
type CodeSection struct{ Items []Code }

func (CodeSection) isSection() {}

// Render implements Section.
func (s CodeSection) Render() string {
	var b strings.Builder
	b.WriteString("<code>")
	for _, c := range s.Items {
		b.WriteString("<snippet")
		b.WriteString(attr("language", c.Language))
		b.WriteString(">")
		b.WriteString(escape(c.Text))
		b.WriteString("</snippet>")
	}
	b.WriteString("</code>")
	return b.String()
}

// MentionsSection lists all mentions surfaced this turn across messages.
type MentionsSection struct{ Items []Mention }

func (MentionsSection) isSection() {}

// Render implements Section.
func (s MentionsSection) Render() string {
	var b strings.Builder
	b.WriteString("<mentions>")
	for _, m := range s.Items {
		b.WriteString("<mention")
		b.WriteString(attr("kind", m.Kind))
		b.WriteString(attr("id", m.ID))
		b.WriteString(">")
		b.WriteString(escape(m.Name))
		b.WriteString("</mention>")
	}
	b.WriteString("</mentions>")
	return b.String()
}
