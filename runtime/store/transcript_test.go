package store

import "testing"

func TestRebuildTranscriptOrdersBySeqThenBlockIndex(t *testing.T) {
	blocks := []Block{
		{CompletionID: "c1", Kind: KindTool, ToolExecID: "t1", Seq: 2, BlockIndex: 0, Content: "tool ran"},
		{CompletionID: "c1", Kind: KindDecision, DecisionID: "d1", Seq: 1, BlockIndex: 0, Content: "decided to call tool"},
		{CompletionID: "c1", Kind: KindDecision, DecisionID: "d2", Seq: 3, BlockIndex: 0, Content: "final answer"},
	}

	got := RebuildTranscript(blocks)
	want := "decided to call tool\n\ntool ran\n\nfinal answer"
	if got != want {
		t.Fatalf("RebuildTranscript() = %q, want %q", got, want)
	}
}

func TestRebuildTranscriptIsIdempotent(t *testing.T) {
	blocks := []Block{
		{CompletionID: "c1", Kind: KindDecision, DecisionID: "d1", Seq: 1, Content: "a"},
	}
	first := RebuildTranscript(blocks)
	second := RebuildTranscript(blocks)
	if first != second {
		t.Fatalf("RebuildTranscript is not idempotent: %q != %q", first, second)
	}
}

func TestRebuildTranscriptSkipsEmptyContent(t *testing.T) {
	blocks := []Block{
		{CompletionID: "c1", Kind: KindDecision, DecisionID: "d1", Seq: 1, Content: "first"},
		{CompletionID: "c1", Kind: KindTool, ToolExecID: "t1", Seq: 2, Content: ""},
		{CompletionID: "c1", Kind: KindDecision, DecisionID: "d2", Seq: 3, Content: "last"},
	}
	got := RebuildTranscript(blocks)
	want := "first\n\n\n\nlast"
	if got != want {
		t.Fatalf("RebuildTranscript() = %q, want %q", got, want)
	}
}
