// Package builder implements the Section Builders (C3): pure functions that
// turn raw data-source/instruction/message/tool-execution state into
// context.Section values for the Context Hub to assemble into a prompt.
//
// Builders are best-effort: the Context Hub catches any error a builder
// returns and substitutes an empty section rather than failing the turn
// (spec.md §4.3 "Failure semantics"). Builders themselves never panic
// through that boundary.
package builder

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"

	sectionpkg "github.com/analystai/orchestrator/runtime/context/section"
)

// TableSortKey selects how SchemaBuilder orders ranked tables.
type TableSortKey string

const (
	SortByScore      TableSortKey = "score"
	SortByAlpha      TableSortKey = "alpha"
	SortByUsage      TableSortKey = "usage"
	SortByCentrality TableSortKey = "centrality"
)

// TableUsageStats carries the raw signal SchemaScore combines into a
// composite ranking score.
type TableUsageStats struct {
	WeightedUsageCount float64
	AgeDays            float64
	SuccessCount       int
	UsageCount         int
	WeightedPosFeedback float64
	WeightedNegFeedback float64
	CentralityScore     float64
	Richness            float64
	EntityLike          bool
	FailureCount        int
}

// ScoreFunc computes a table's ranking score from its usage stats. Pluggable
// the way the teacher's RetryPolicy/TimeoutPolicy are pluggable value
// structs; DefaultScoreFunc implements the composite formula recovered from
// schema_context_builder.py (see SPEC_FULL.md §10) verbatim.
type ScoreFunc func(TableUsageStats) float64

// DefaultScoreFunc implements:
//
//	score = 0.35*(usage_signal*recency) + 0.25*success_rate
//	      + 0.2*feedback_signal + 0.2*structural_signal
//	      - 0.2*sqrt(failure_count)
//
// where usage_signal = sqrt(weighted_usage_count), recency = e^(-age_days/14),
// success_rate = success_count/max(1, usage_count), feedback_signal =
// weighted_pos_feedback - weighted_neg_feedback, and structural_signal =
// centrality_score + richness + (0.5 if entity_like). Tables with no usage
// history (usage_count == 0) score via 0.1*structural_signal only.
func DefaultScoreFunc(s TableUsageStats) float64 {
	structural := s.CentralityScore + s.Richness
	if s.EntityLike {
		structural += 0.5
	}
	if s.UsageCount == 0 {
		return 0.1 * structural
	}
	usageSignal := math.Sqrt(s.WeightedUsageCount)
	recency := math.Exp(-s.AgeDays / 14.0)
	successRate := float64(s.SuccessCount) / math.Max(1, float64(s.UsageCount))
	feedback := s.WeightedPosFeedback - s.WeightedNegFeedback
	return 0.35*(usageSignal*recency) + 0.25*successRate + 0.2*feedback +
		0.2*structural - 0.2*math.Sqrt(float64(s.FailureCount))
}

// CanonicalTable is a table as stored in the canonical schema catalog,
// optionally overlaid with a per-user variant.
type CanonicalTable struct {
	DataSourceID string
	Name         string
	Columns      []sectionpkg.Column
	Active       bool
	AuthPolicy   string // "" | "user_required"
	Stats        TableUsageStats
}

// UserOverlay is a per-user override of a canonical table's column set or
// stats, selected when AuthPolicy == "user_required" and a user is present.
type UserOverlay struct {
	DataSourceID string
	TableName    string
	UserID       string
	Columns      []sectionpkg.Column
	Stats        TableUsageStats
}

// SchemaBuildParams parameterizes SchemaBuilder.Build.
type SchemaBuildParams struct {
	DataSourceIDs []string // filter: restrict to these data sources; empty = all
	TableNames    []string // filter: restrict to these table names (case-insensitive); empty = all
	NamePattern   *regexp.Regexp // filter: restrict to tables matching this pattern
	ActiveOnly    bool           // callers should default this true; Build honors it as given
	SortBy        TableSortKey
	UserID        string // present when resolving per-user overlays
	SampleSize    int
	IndexLimit    int
}

// SchemaBuilder joins canonical tables with optional per-user overlays and
// scores/sorts/filters them into a Schemas section.
type SchemaBuilder struct {
	Score ScoreFunc
}

// NewSchemaBuilder returns a SchemaBuilder using DefaultScoreFunc.
func NewSchemaBuilder() *SchemaBuilder {
	return &SchemaBuilder{Score: DefaultScoreFunc}
}

// DefaultSchemaBuildParams returns SchemaBuildParams with active_only=true,
// the default spec.md §4.3 requires.
func DefaultSchemaBuildParams() SchemaBuildParams {
	return SchemaBuildParams{ActiveOnly: true, SortBy: SortByScore}
}

// Build joins tables and overlays, filters, scores, sorts, and renders the
// Schemas section. dataSourceNames maps a data source id to its display
// name; overlays is indexed by (dataSourceID, tableName).
func (b *SchemaBuilder) Build(
	_ context.Context,
	dataSourceNames map[string]string, // id -> display name
	tables []CanonicalTable,
	overlays map[[2]string]UserOverlay,
	params SchemaBuildParams,
) (sectionpkg.Section, error) {
	scoreFn := b.Score
	if scoreFn == nil {
		scoreFn = DefaultScoreFunc
	}
	activeOnly := params.ActiveOnly

	byDataSource := map[string][]sectionpkg.Table{}
	order := []string{}
	for _, t := range tables {
		if activeOnly && !t.Active {
			continue
		}
		if len(params.DataSourceIDs) > 0 && !contains(params.DataSourceIDs, t.DataSourceID) {
			continue
		}
		if len(params.TableNames) > 0 && !contains(params.TableNames, t.Name) {
			continue
		}
		if params.NamePattern != nil && !params.NamePattern.MatchString(t.Name) {
			continue
		}

		cols := t.Columns
		stats := t.Stats
		if t.AuthPolicy == "user_required" && params.UserID != "" {
			if ov, ok := overlays[[2]string{t.DataSourceID, t.Name}]; ok && ov.UserID == params.UserID {
				cols = ov.Columns
				stats = ov.Stats
			}
		}

		if _, ok := byDataSource[t.DataSourceID]; !ok {
			order = append(order, t.DataSourceID)
		}
		byDataSource[t.DataSourceID] = append(byDataSource[t.DataSourceID], sectionpkg.Table{
			Name:       t.Name,
			Columns:    cols,
			Score:      scoreFn(stats),
			UsageCount: stats.UsageCount,
		})
	}

	sources := make([]sectionpkg.DataSource, 0, len(order))
	for _, id := range order {
		ts := byDataSource[id]
		sortTables(ts, params.SortBy)
		sources = append(sources, sectionpkg.DataSource{
			ID:     id,
			Name:   dataSourceNames[id],
			Tables: ts,
		})
	}

	return sectionpkg.SchemasSection{
		Sources:    sources,
		SampleSize: params.SampleSize,
		IndexLimit: params.IndexLimit,
	}, nil
}

func sortTables(ts []sectionpkg.Table, key TableSortKey) {
	switch key {
	case SortByAlpha:
		sort.Slice(ts, func(i, j int) bool { return ts[i].Name < ts[j].Name })
	case SortByUsage:
		sort.Slice(ts, func(i, j int) bool { return ts[i].UsageCount > ts[j].UsageCount })
	case SortByCentrality, SortByScore, "":
		fallthrough
	default:
		sort.Slice(ts, func(i, j int) bool { return ts[i].Score > ts[j].Score })
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
