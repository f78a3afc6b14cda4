package agentloop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/analystai/orchestrator/runtime/agent/model"
	"github.com/analystai/orchestrator/runtime/agent/telemetry"
	"github.com/analystai/orchestrator/runtime/context/hub"
	"github.com/analystai/orchestrator/runtime/planner"
	"github.com/analystai/orchestrator/runtime/stream"
	"github.com/analystai/orchestrator/runtime/store"
	"github.com/analystai/orchestrator/runtime/toolregistry"
)

// fakeClient answers every Complete call with a canned text response and
// never supports streaming, exercising the planner Driver's
// completeOnce fallback path.
type fakeClient struct {
	text string
}

func (f *fakeClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return &model.Response{
		Content: []model.Message{{
			Role:  model.ConversationRoleAssistant,
			Parts: []model.Part{model.TextPart{Text: f.text}},
		}},
	}, nil
}

func (f *fakeClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

// memStore is a minimal in-memory store.Store used to exercise the Agent
// Loop without a live MongoDB, grounded on store.Store's documented
// contract rather than the Mongo adapter.
type memStore struct {
	blocks   []store.Block
	status   store.Status
	errMsg   string
	nextIdx  int
}

func (m *memStore) NextBlockIndex(ctx context.Context, completionID string) (int, error) {
	idx := m.nextIdx
	m.nextIdx++
	return idx, nil
}

func (m *memStore) UpsertBlock(ctx context.Context, b store.Block) error {
	for i, existing := range m.blocks {
		if existing.Kind == b.Kind && existing.DecisionID == b.DecisionID && existing.ToolExecID == b.ToolExecID && b.Kind != "" {
			m.blocks[i] = b
			return nil
		}
	}
	m.blocks = append(m.blocks, b)
	return nil
}

func (m *memStore) ListBlocks(ctx context.Context, completionID string) ([]store.Block, error) {
	return append([]store.Block(nil), m.blocks...), nil
}

func (m *memStore) SetCompletionStatus(ctx context.Context, completionID string, status store.Status, errMsg string) error {
	m.status = status
	m.errMsg = errMsg
	return nil
}

func (m *memStore) StopInProgress(ctx context.Context, completionID string) error {
	for i := range m.blocks {
		if m.blocks[i].Status == store.StatusInProgress {
			m.blocks[i].Status = store.StatusStopped
		}
	}
	m.status = store.StatusStopped
	return nil
}

type discardSink struct{ events []stream.Event }

func (d *discardSink) Send(ctx context.Context, ev stream.Event) error {
	d.events = append(d.events, ev)
	return nil
}

func newTestLoop(t *testing.T, client model.Client) (*Loop, *memStore, *discardSink) {
	t.Helper()
	drv, err := planner.New(client)
	require.NoError(t, err)

	h := hub.New(telemetry.NewNoopLogger(), nil)
	sink := &discardSink{}
	emitter := stream.NewEmitter(context.Background(), "completion-1", "exec-1", sink, 64)
	st := &memStore{}

	l := New(Deps{
		Hub:          h,
		Planner:      drv,
		Tools:        toolregistry.NewRegistry(),
		Runner:       toolregistry.NewRunner(),
		Store:        st,
		Emitter:      emitter,
		Logger:       telemetry.NewNoopLogger(),
		CompletionID: "completion-1",
		ModelID:      "test-model",
		ModelLimit:   100000,
	})
	return l, st, sink
}

func TestLoopFinishesImmediatelyWhenAnalysisCompleteWithNoAction(t *testing.T) {
	client := &fakeClient{text: `{
		"plan_type": "research",
		"reasoning_message": "done thinking",
		"assistant_message": "here is the answer",
		"analysis_complete": true,
		"final_answer": "42"
	}`}
	l, st, _ := newTestLoop(t, client)

	status := l.Run(context.Background())

	require.Equal(t, StatusSuccess, status)
	require.Equal(t, store.StatusSuccess, st.status)

	var sawFinalAnswer bool
	for _, b := range st.blocks {
		if b.Content == "42" {
			sawFinalAnswer = true
		}
	}
	require.True(t, sawFinalAnswer, "expected a block carrying the final answer")
}

func TestLoopStopsImmediatelyOnCanceledContext(t *testing.T) {
	client := &fakeClient{text: `{}`}
	l, st, _ := newTestLoop(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	status := l.Run(ctx)

	require.Equal(t, StatusSigkill, status)
	require.Equal(t, store.StatusStopped, st.status)
}

func TestSignatureIsStableForIdenticalArgsAndDiffersByToolName(t *testing.T) {
	a := signature("tool_a", []byte(`{"x":1}`))
	b := signature("tool_a", []byte(`{"x":1}`))
	c := signature("tool_b", []byte(`{"x":1}`))

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestRepeatSuccessBreakDetectsLastTwoIdentical(t *testing.T) {
	require.False(t, repeatSuccessBreak(nil))
	require.False(t, repeatSuccessBreak([]string{"a"}))
	require.False(t, repeatSuccessBreak([]string{"a", "b"}))
	require.True(t, repeatSuccessBreak([]string{"a", "b", "b"}))
}
