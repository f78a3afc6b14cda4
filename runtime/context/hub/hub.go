// Package hub implements the Context Hub (C4): the single source of truth
// consumed by both the planner and tools. It layers a "static" cache
// (primed once per turn, cleared at turn end) over a "warm" cache (rebuilt
// every iteration) of context.Section values, and assembles both into a
// token-budgeted prompt.
//
// The cache layer is the teacher's registry.MemoryCache generalized to hold
// any value type (see runtime/registry/cache.go), specialized here so that
// static entries never expire on their own (ttl == 0, cleared explicitly at
// turn end) and warm entries are always overwritten rather than read from
// a stale cache, per spec.md §4.4's ordering guarantees.
package hub

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/analystai/orchestrator/runtime/context/section"
	"github.com/analystai/orchestrator/runtime/context/token"
	"github.com/analystai/orchestrator/runtime/registry"
	"github.com/analystai/orchestrator/runtime/agent/telemetry"
)

// BuilderFunc produces a Section for one key, wrapped so the Hub can treat
// static and warm builders uniformly regardless of which Section Builder
// (C3) backs them.
type BuilderFunc func(ctx context.Context) (section.Section, error)

// Hub assembles the Context Sections for one turn. A Hub instance is
// scoped to a single agent execution and must not be shared across runs.
type Hub struct {
	static *registry.MemoryCache[section.Section]
	warm   *registry.MemoryCache[section.Section]

	mu           sync.Mutex
	staticOrder  []string
	warmOrder    []string
	staticBuild  map[string]BuilderFunc
	warmBuild    map[string]BuilderFunc

	logger  telemetry.Logger
	counter token.Counter
}

// New returns a Hub with an empty static/warm cache. logger and counter may
// be nil; nil logger discards Warn logs and nil counter uses
// token.NewDefaultCounter().
func New(logger telemetry.Logger, counter token.Counter) *Hub {
	if counter == nil {
		counter = token.NewDefaultCounter()
	}
	return &Hub{
		static:      registry.NewMemoryCache[section.Section](),
		warm:        registry.NewMemoryCache[section.Section](),
		staticBuild: make(map[string]BuilderFunc),
		warmBuild:   make(map[string]BuilderFunc),
		logger:      logger,
		counter:     counter,
	}
}

// PrimeStatic registers and immediately builds a section that does not
// change for the lifetime of the turn (e.g. Schemas, Instructions, Files).
// A builder error is logged at Warn and substituted with an empty section,
// per spec.md §4.3's failure semantics — PrimeStatic itself never returns
// an error to the caller.
func (h *Hub) PrimeStatic(ctx context.Context, key string, build BuilderFunc) {
	h.mu.Lock()
	if _, seen := h.staticBuild[key]; !seen {
		h.staticOrder = append(h.staticOrder, key)
	}
	h.staticBuild[key] = build
	h.mu.Unlock()

	sec := h.safeBuild(ctx, key, build)
	_ = h.static.Set(ctx, key, sec, 0)
}

// RefreshWarm registers a section that is rebuilt every iteration (e.g.
// Observations, Resources informed by the latest tool results) and
// rebuilds it now. Unlike PrimeStatic, RefreshWarm always overwrites the
// cache entry rather than reusing a stale one, per spec.md §4.4.
func (h *Hub) RefreshWarm(ctx context.Context, key string, build BuilderFunc) {
	h.mu.Lock()
	if _, seen := h.warmBuild[key]; !seen {
		h.warmOrder = append(h.warmOrder, key)
	}
	h.warmBuild[key] = build
	h.mu.Unlock()

	sec := h.safeBuild(ctx, key, build)
	_ = h.warm.Set(ctx, key, sec, 0)
}

// RefreshAllWarm reruns every previously-registered warm builder. The Agent
// Loop calls this once per iteration before requesting the next planner
// turn's view.
func (h *Hub) RefreshAllWarm(ctx context.Context) {
	h.mu.Lock()
	order := append([]string(nil), h.warmOrder...)
	builders := make(map[string]BuilderFunc, len(h.warmBuild))
	for k, v := range h.warmBuild {
		builders[k] = v
	}
	h.mu.Unlock()

	for _, key := range order {
		h.RefreshWarm(ctx, key, builders[key])
	}
}

func (h *Hub) safeBuild(ctx context.Context, key string, build BuilderFunc) section.Section {
	sec, err := build(ctx)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn(ctx, "context section builder failed, substituting empty section", err, "section_key", key)
		}
		return emptySection{}
	}
	return sec
}

// emptySection is substituted whenever a builder fails; it renders nothing.
// It embeds a section type only to carry that package's unexported marker
// method.
type emptySection struct{ section.MentionsSection }

func (emptySection) Render() string { return "" }

var _ section.Section = emptySection{}

// View is the assembled set of sections for one prompt, in stable order:
// static sections first (in registration order), then warm sections (in
// registration order).
type View struct {
	Sections []section.Section
	Keys     []string
}

// GetView reads the current static + warm sections without rebuilding
// anything.
func (h *Hub) GetView(ctx context.Context) View {
	h.mu.Lock()
	staticKeys := append([]string(nil), h.staticOrder...)
	warmKeys := append([]string(nil), h.warmOrder...)
	h.mu.Unlock()

	var v View
	for _, k := range staticKeys {
		sec, _ := h.static.Get(ctx, k)
		if sec == nil {
			continue
		}
		v.Sections = append(v.Sections, sec)
		v.Keys = append(v.Keys, k)
	}
	for _, k := range warmKeys {
		sec, _ := h.warm.Get(ctx, k)
		if sec == nil {
			continue
		}
		v.Sections = append(v.Sections, sec)
		v.Keys = append(v.Keys, k)
	}
	return v
}

// BuildContext renders the current view into a single prompt string and
// reports its token count under modelID, plus the remaining budget before
// modelLimit is reached. It does not mutate the Hub.
func (h *Hub) BuildContext(ctx context.Context, modelID string, modelLimit int) (prompt string, promptTokens, remaining int) {
	v := h.GetView(ctx)
	for _, sec := range v.Sections {
		prompt += sec.Render()
	}
	promptTokens = h.counter.Count(prompt, modelID)
	remaining = token.Remaining(modelLimit, promptTokens)
	return prompt, promptTokens, remaining
}

// SectionSizes reports each section's rendered token count, keyed by
// registration key, for observability/reporting (spec.md §4.1: "used only
// for reporting section sizes").
func (h *Hub) SectionSizes(ctx context.Context, modelID string) map[string]int {
	v := h.GetView(ctx)
	sizes := make(map[string]int, len(v.Sections))
	for i, sec := range v.Sections {
		sizes[v.Keys[i]] = h.counter.Count(sec.Render(), modelID)
	}
	return sizes
}

// ClearStatic drops all static sections. Called at turn end; static
// sections are primed fresh for the next turn and must not leak across
// turns on a reused Hub.
func (h *Hub) ClearStatic(ctx context.Context) {
	h.mu.Lock()
	keys := append([]string(nil), h.staticOrder...)
	h.staticOrder = nil
	h.staticBuild = make(map[string]BuilderFunc)
	h.mu.Unlock()
	for _, k := range keys {
		_ = h.static.Delete(ctx, k)
	}
}

// Snapshot captures an immutable Context Snapshot of the current view, per
// spec.md §3's Context Snapshot entity ("initial", "pre_tool", "post_tool",
// "final").
type Snapshot struct {
	Kind     string
	Sections map[string]string // key -> rendered markup
}

// SnapshotKinds are the Context Snapshot kinds spec.md §3 names.
const (
	SnapshotInitial  = "initial"
	SnapshotPreTool  = "pre_tool"
	SnapshotPostTool = "post_tool"
	SnapshotFinal    = "final"
)

// TakeSnapshot renders the current view into a Snapshot of the given kind.
func (h *Hub) TakeSnapshot(ctx context.Context, kind string) Snapshot {
	v := h.GetView(ctx)
	sections := make(map[string]string, len(v.Sections))
	for i, sec := range v.Sections {
		sections[v.Keys[i]] = sec.Render()
	}
	return Snapshot{Kind: kind, Sections: sections}
}

// sortedKeys is a small helper used by callers that want a stable,
// alphabetic ordering instead of registration order (e.g. for diffing
// snapshots in tests).
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders a Snapshot deterministically for debugging/diffing.
func (s Snapshot) String() string {
	out := fmt.Sprintf("snapshot(%s):\n", s.Kind)
	for _, k := range sortedKeys(s.Sections) {
		out += fmt.Sprintf("  %s: %d bytes\n", k, len(s.Sections[k]))
	}
	return out
}
