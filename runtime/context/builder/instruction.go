package builder

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	sectionpkg "github.com/analystai/orchestrator/runtime/context/section"
)

// InstructionSource is one instruction as stored, before load-mode
// partitioning and scoring.
type InstructionSource struct {
	ID       string
	Text     string
	Category string
	LoadMode sectionpkg.LoadMode
	BuildID  string // which build this instruction belongs to, if any
}

// DefaultMaxInstructions is max_instructions_in_context's default.
const DefaultMaxInstructions = 50

var wordRe = regexp.MustCompile(`[a-z0-9]+`)

// stopwords is a small, deterministic stopword set used only to keep
// keyword scoring from being dominated by function words; this mirrors the
// original system's keyword extraction without depending on any NLP
// library (none in the retrieval pack offers one for Go).
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "and": {}, "or": {},
	"of": {}, "to": {}, "in": {}, "on": {}, "for": {}, "with": {}, "by": {},
	"this": {}, "that": {}, "it": {}, "be": {}, "as": {}, "at": {}, "from": {},
}

// keywords tokenizes text into a set of lower-cased, non-stopword tokens.
func keywords(text string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if _, stop := stopwords[w]; stop {
			continue
		}
		set[w] = struct{}{}
	}
	return set
}

// scoreText implements score = max(jaccard, substring_score*0.8), the exact
// form recovered from instruction_context_builder.py's _score_text (see
// SPEC_FULL.md §10): jaccard = |keywords ∩ searchable| / |keywords ∪
// searchable|; substring_score = (# query keywords of length >= 3 found as
// a substring of the lowercased searchable text) / len(keywords).
func scoreText(queryKeywords map[string]struct{}, searchable string) float64 {
	if len(queryKeywords) == 0 {
		return 0
	}
	searchableKeywords := keywords(searchable)
	lowerSearchable := strings.ToLower(searchable)

	intersection := 0
	for w := range queryKeywords {
		if _, ok := searchableKeywords[w]; ok {
			intersection++
		}
	}
	union := len(queryKeywords) + len(searchableKeywords) - intersection
	jaccard := 0.0
	if union > 0 {
		jaccard = float64(intersection) / float64(union)
	}

	substringHits := 0
	for w := range queryKeywords {
		if len(w) >= 3 && strings.Contains(lowerSearchable, w) {
			substringHits++
		}
	}
	substringScore := float64(substringHits) / float64(len(queryKeywords))

	if jaccard > substringScore*0.8 {
		return jaccard
	}
	return substringScore * 0.8
}

// InstructionBuilder loads instructions from a build (or directly), then
// partitions by load_mode and selects keyword-matched "intelligent"
// instructions to fit the context budget.
type InstructionBuilder struct{}

// NewInstructionBuilder returns an InstructionBuilder.
func NewInstructionBuilder() *InstructionBuilder { return &InstructionBuilder{} }

// InstructionBuildParams parameterizes InstructionBuilder.Build.
type InstructionBuildParams struct {
	BuildID           string // specific build to load from; "" selects "main" if one exists
	MainBuildID       string // the report's "main" build, if any
	Query             string
	MaxInContext      int
}

// Build partitions instructions by load_mode, scores "intelligent"
// instructions against the query, and truncates to MaxInContext (default
// DefaultMaxInstructions). Selected "always" instructions are never
// dropped; any remaining budget after "always" and keyword-matched
// "intelligent" instructions is filled with additional "intelligent"
// instructions in descending score order (load_reason="fill").
func (b *InstructionBuilder) Build(
	_ context.Context,
	all []InstructionSource,
	params InstructionBuildParams,
) (sectionpkg.Section, error) {
	buildID := params.BuildID
	if buildID == "" {
		buildID = params.MainBuildID
	}

	var candidates []InstructionSource
	for _, ins := range all {
		if buildID != "" && ins.BuildID != buildID {
			continue
		}
		candidates = append(candidates, ins)
	}

	maxInContext := params.MaxInContext
	if maxInContext <= 0 {
		maxInContext = DefaultMaxInstructions
	}

	var always, intelligent []InstructionSource
	for _, ins := range candidates {
		switch ins.LoadMode {
		case sectionpkg.LoadDisabled:
			continue
		case sectionpkg.LoadIntelligent:
			intelligent = append(intelligent, ins)
		default:
			// LoadAlways, and any unset/unrecognized mode, is treated as
			// always per spec.md §4.3 ("NULL treated as always").
			always = append(always, ins)
		}
	}

	items := make([]sectionpkg.Instruction, 0, len(always)+len(intelligent))
	for _, ins := range always {
		items = append(items, sectionpkg.Instruction{
			ID: ins.ID, Text: ins.Text, Category: ins.Category,
			LoadMode: sectionpkg.LoadAlways, LoadReason: "always",
		})
	}

	queryKeywords := keywords(params.Query)
	type scored struct {
		ins   InstructionSource
		score float64
	}
	var ranked []scored
	for _, ins := range intelligent {
		searchable := ins.Text + " " + ins.Category
		ranked = append(ranked, scored{ins: ins, score: scoreText(queryKeywords, searchable)})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	remaining := maxInContext - len(items)
	matched := 0
	const matchThreshold = 0.0
	for _, r := range ranked {
		if remaining <= 0 {
			break
		}
		if r.score <= matchThreshold {
			continue
		}
		items = append(items, sectionpkg.Instruction{
			ID: r.ins.ID, Text: r.ins.Text, Category: r.ins.Category,
			LoadMode: sectionpkg.LoadIntelligent,
			LoadReason: fmt.Sprintf("search_match:%.3f", r.score),
		})
		remaining--
		matched++
	}
	for _, r := range ranked[matched:] {
		if remaining <= 0 {
			break
		}
		items = append(items, sectionpkg.Instruction{
			ID: r.ins.ID, Text: r.ins.Text, Category: r.ins.Category,
			LoadMode: sectionpkg.LoadIntelligent, LoadReason: "fill",
		})
		remaining--
	}

	return sectionpkg.InstructionsSection{Items: items}, nil
}
