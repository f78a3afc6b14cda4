package builder

import (
	"context"
	"sort"

	sectionpkg "github.com/analystai/orchestrator/runtime/context/section"
)

// The builders in this file are pure producers with no cross-talk with any
// other builder or section, per spec.md §4.3. Each wraps a data-access
// function the host supplies and performs only the section-specific
// shaping (ranking, capping) the spec requires.

// ResourceBuilder ranks repository resources the same way SchemaBuilder
// ranks tables (usage x recency scoring), since original_source systems of
// this shape rank resources and tables identically (SPEC_FULL.md §4.3).
type ResourceBuilder struct {
	Score ScoreFunc
}

// NewResourceBuilder returns a ResourceBuilder using DefaultScoreFunc.
func NewResourceBuilder() *ResourceBuilder {
	return &ResourceBuilder{Score: DefaultScoreFunc}
}

// ResourceCandidate is a repository resource with usage stats, prior to
// scoring/sorting.
type ResourceCandidate struct {
	ID    string
	Name  string
	Kind  string
	Stats TableUsageStats
}

// Build scores and sorts resources, descending, into a Resources section.
func (b *ResourceBuilder) Build(
	_ context.Context, candidates []ResourceCandidate, sampleSize, indexLimit int,
) (sectionpkg.Section, error) {
	scoreFn := b.Score
	if scoreFn == nil {
		scoreFn = DefaultScoreFunc
	}
	items := make([]sectionpkg.Resource, 0, len(candidates))
	for _, c := range candidates {
		items = append(items, sectionpkg.Resource{
			ID: c.ID, Name: c.Name, Kind: c.Kind, Score: scoreFn(c.Stats),
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	return sectionpkg.ResourcesSection{Items: items, SampleSize: sampleSize, IndexLimit: indexLimit}, nil
}

// MentionBuilder collects mentions surfaced across this turn's messages.
type MentionBuilder struct{}

// NewMentionBuilder returns a MentionBuilder.
func NewMentionBuilder() *MentionBuilder { return &MentionBuilder{} }

// Build renders a Mentions section from the given mentions, in order.
func (*MentionBuilder) Build(_ context.Context, items []sectionpkg.Mention) (sectionpkg.Section, error) {
	return sectionpkg.MentionsSection{Items: items}, nil
}

// EntityBuilder renders entities referenced this turn.
type EntityBuilder struct{}

// NewEntityBuilder returns an EntityBuilder.
func NewEntityBuilder() *EntityBuilder { return &EntityBuilder{} }

// Build renders an Entities section.
func (*EntityBuilder) Build(_ context.Context, items []sectionpkg.Entity) (sectionpkg.Section, error) {
	return sectionpkg.EntitiesSection{Items: items}, nil
}

// FileBuilder renders files attached to the report.
type FileBuilder struct{}

// NewFileBuilder returns a FileBuilder.
func NewFileBuilder() *FileBuilder { return &FileBuilder{} }

// Build renders a Files section.
func (*FileBuilder) Build(_ context.Context, items []sectionpkg.File) (sectionpkg.Section, error) {
	return sectionpkg.FilesSection{Items: items}, nil
}

// WidgetBuilder renders widgets created so far.
type WidgetBuilder struct{}

// NewWidgetBuilder returns a WidgetBuilder.
func NewWidgetBuilder() *WidgetBuilder { return &WidgetBuilder{} }

// Build renders a Widgets section.
func (*WidgetBuilder) Build(_ context.Context, items []sectionpkg.Widget) (sectionpkg.Section, error) {
	return sectionpkg.WidgetsSection{Items: items}, nil
}

// QueryBuilder renders previously executed queries.
type QueryBuilder struct{}

// NewQueryBuilder returns a QueryBuilder.
func NewQueryBuilder() *QueryBuilder { return &QueryBuilder{} }

// Build renders a Queries section.
func (*QueryBuilder) Build(_ context.Context, items []sectionpkg.Query) (sectionpkg.Section, error) {
	return sectionpkg.QueriesSection{Items: items}, nil
}

// CodeBuilder renders previously generated code snippets.
type CodeBuilder struct{}

// NewCodeBuilder returns a CodeBuilder.
func NewCodeBuilder() *CodeBuilder { return &CodeBuilder{} }

// Build renders a Code section.
func (*CodeBuilder) Build(_ context.Context, items []sectionpkg.Code) (sectionpkg.Section, error) {
	return sectionpkg.CodeSection{Items: items}, nil
}
