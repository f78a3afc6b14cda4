package planner

import (
	"context"
	"io"
	"testing"

	"github.com/analystai/orchestrator/runtime/agent/model"
)

type fakeStreamer struct {
	chunks []model.Chunk
	i      int
}

func (f *fakeStreamer) Recv() (model.Chunk, error) {
	if f.i >= len(f.chunks) {
		return model.Chunk{}, io.EOF
	}
	c := f.chunks[f.i]
	f.i++
	return c, nil
}

func (f *fakeStreamer) Close() error             { return nil }
func (f *fakeStreamer) Metadata() map[string]any { return nil }

func textChunk(s string) model.Chunk {
	return model.Chunk{
		Type:    model.ChunkTypeText,
		Message: &model.Message{Parts: []model.Part{model.TextPart{Text: s}}},
	}
}

type fakeClient struct {
	streams [][]model.Chunk
	calls   int
}

func (f *fakeClient) Complete(context.Context, *model.Request) (*model.Response, error) {
	return nil, model.ErrStreamingUnsupported
}

func (f *fakeClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	if f.calls >= len(f.streams) {
		return nil, io.EOF
	}
	s := &fakeStreamer{chunks: f.streams[f.calls]}
	f.calls++
	return s, nil
}

func TestDriverRunValidDecision(t *testing.T) {
	client := &fakeClient{streams: [][]model.Chunk{
		{
			textChunk(`{"plan_type":"action","reasoning_message":"trivial","`),
			textChunk(`assistant_message":"4","analysis_complete":true}`),
			{Type: model.ChunkTypeStop},
		},
	}}
	d, err := New(client)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var events []Event
	decision, err := d.Run(context.Background(), &model.Request{}, func(e Event) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if decision.Error != nil {
		t.Fatalf("unexpected decision error: %+v", decision.Error)
	}
	if decision.AssistantMessage != "4" || !decision.AnalysisComplete {
		t.Fatalf("unexpected decision: %+v", decision)
	}

	var sawFinal bool
	var sawPartial bool
	for _, e := range events {
		switch e.Type {
		case EventDecisionFinal:
			sawFinal = true
		case EventDecisionPartial:
			sawPartial = true
		}
	}
	if !sawFinal {
		t.Fatal("expected a terminal planner.decision.final event")
	}
	if !sawPartial {
		t.Fatal("expected at least one planner.decision.partial event")
	}
}

func TestDriverRunRetriesOnInvalidThenSucceeds(t *testing.T) {
	client := &fakeClient{streams: [][]model.Chunk{
		{textChunk(`not json`), {Type: model.ChunkTypeStop}},
		{textChunk(`{"plan_type":"action","reasoning_message":"r","assistant_message":"ok","analysis_complete":true}`), {Type: model.ChunkTypeStop}},
	}}
	d, err := New(client)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var finals []Decision
	decision, err := d.Run(context.Background(), &model.Request{}, func(e Event) {
		if e.Type == EventDecisionFinal {
			finals = append(finals, e.Decision)
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if decision.Error != nil {
		t.Fatalf("expected eventual valid decision, got error: %+v", decision.Error)
	}
	if len(finals) != 2 {
		t.Fatalf("expected 2 terminal events (1 invalid + 1 valid), got %d", len(finals))
	}
	if finals[0].Error == nil || finals[0].Error.Code != ErrorInputValidation {
		t.Fatalf("expected first attempt to report input_validation_error, got %+v", finals[0].Error)
	}
}

func TestDriverRunExhaustsRetriesOnPersistentlyInvalidOutput(t *testing.T) {
	bad := []model.Chunk{textChunk(`not json`), {Type: model.ChunkTypeStop}}
	client := &fakeClient{streams: [][]model.Chunk{bad, bad, bad}}
	d, err := New(client)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var finalCount int
	decision, err := d.Run(context.Background(), &model.Request{}, func(e Event) {
		if e.Type == EventDecisionFinal {
			finalCount++
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if decision.Error == nil {
		t.Fatal("expected a terminal invalid decision after exhausting retries")
	}
	if finalCount != MaxInvalidRetries+1 {
		t.Fatalf("expected %d attempts, got %d", MaxInvalidRetries+1, finalCount)
	}
}

func TestDriverRunMissingActionClassifiedDistinctly(t *testing.T) {
	client := &fakeClient{streams: [][]model.Chunk{
		{
			textChunk(`{"plan_type":"action","reasoning_message":"r","assistant_message":"","analysis_complete":false}`),
			{Type: model.ChunkTypeStop},
		},
	}}
	d, err := New(client, WithMaxInvalidRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	decision, err := d.Run(context.Background(), &model.Request{}, func(Event) {})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if decision.Error == nil || decision.Error.Code != ErrorMissingAction {
		t.Fatalf("expected missing_action error, got %+v", decision.Error)
	}
}

func TestDriverRunObservesCancellation(t *testing.T) {
	client := &fakeClient{streams: [][]model.Chunk{{textChunk(`{"plan_type":"action"`)}}}
	d, err := New(client)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Run(ctx, &model.Request{}, func(Event) {})
	if err == nil {
		t.Fatal("expected Run to observe cancellation and return an error")
	}
}
