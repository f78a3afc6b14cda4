// Package background implements the turn engine's Background Tasks (C10):
// fire-and-forget Judge scoring, Suggester drafts, title generation, and
// usage snapshots, each running against an isolated store.Store session so
// a slow or failing background task never blocks or corrupts the Agent
// Loop's own in-flight persistence, per spec.md §2/§5.
//
// Grounded loosely in runtime/agent/session and runtime/agent/memory's
// per-task session/memory isolation pattern: those packages isolate a
// conversational Session/Snapshot per run, while Scheduler isolates a
// storage connection per background task — a similar goal (the live turn
// never observes or waits on background work) solved at a different layer,
// so this is a purpose-built adaptation rather than a literal port of either
// package.
package background

import (
	"context"
	"sync"
	"time"

	"github.com/analystai/orchestrator/runtime/agent/model"
	"github.com/analystai/orchestrator/runtime/agent/telemetry"
	"github.com/analystai/orchestrator/runtime/store"
)

// TaskFunc is one unit of background work. It receives a Store bound to an
// isolated session (never the Agent Loop's own Store) and a context scoped
// to the task's own timeout, independent of the turn's lifetime.
type TaskFunc func(ctx context.Context, sess store.Store) error

// Scheduler launches TaskFuncs detached from the calling turn. Per spec.md
// §4.7's terminal handling and §4.10's suggestion flow, tasks are started
// and not waited on by the loop; Wait exists for graceful shutdown and
// tests.
type Scheduler struct {
	factory store.SessionFactory
	logger  telemetry.Logger

	mu      sync.Mutex
	wg      sync.WaitGroup
	results []TaskResult
}

// TaskResult records one completed task's outcome for observability; it is
// not consulted by the Agent Loop, which never waits on background work.
type TaskResult struct {
	Name     string
	Err      error
	Duration time.Duration
}

// NewScheduler returns a Scheduler that opens a fresh store.Store session
// via factory for every task. logger may be nil (telemetry.NewNoopLogger()
// is used).
func NewScheduler(factory store.SessionFactory, logger telemetry.Logger) *Scheduler {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Scheduler{factory: factory, logger: logger}
}

// Go starts fn in its own goroutine with a fresh isolated session and a
// timeout detached from the caller's ctx (only values, not cancellation,
// are inherited — a canceled turn must not cancel its own background
// scoring/suggestion work). Failures are logged, never propagated: this is
// fire-and-forget by contract.
func (s *Scheduler) Go(ctx context.Context, name string, timeout time.Duration, fn TaskFunc) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		start := time.Now()

		taskCtx, cancel := context.WithTimeout(detach(ctx), timeout)
		defer cancel()

		sess, err := s.factory.NewSession(taskCtx)
		if err != nil {
			s.record(name, err, time.Since(start))
			s.logger.Warn(taskCtx, "background task: failed to open isolated session", "task", name, "error", err)
			return
		}

		err = fn(taskCtx, sess)
		s.record(name, err, time.Since(start))
		if err != nil {
			s.logger.Warn(taskCtx, "background task failed", "task", name, "error", err)
		}
	}()
}

func (s *Scheduler) record(name string, err error, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, TaskResult{Name: name, Err: err, Duration: d})
}

// Results returns a snapshot of every task completed so far. Intended for
// tests; production callers should not poll this for control flow.
func (s *Scheduler) Results() []TaskResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TaskResult(nil), s.results...)
}

// Wait blocks until every task started via Go has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

// detachedContext carries ctx's values but is never canceled by ctx's own
// cancellation or deadline, so background tasks outlive the turn that
// scheduled them.
type detachedContext struct {
	context.Context
}

func (detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (detachedContext) Done() <-chan struct{}       { return nil }
func (detachedContext) Err() error                  { return nil }

func detach(ctx context.Context) context.Context { return detachedContext{ctx} }

// JudgeScorer drives the small "judge" model that produces early and late
// quality scores for a completion, per spec.md §4.7's "Schedule the Judge
// early/late scoring as a background task".
type JudgeScorer struct {
	Client  model.Client
	ModelID string
}

// ScoreEarly runs a quick judge pass against the assembled planner input
// (before the planner has even responded), recording the result against
// completionID's session-scoped store. Errors are returned to the caller
// (the Scheduler), which logs and drops them.
func (j *JudgeScorer) ScoreEarly(ctx context.Context, sess store.Store, completionID, promptExcerpt string) error {
	return j.score(ctx, sess, completionID, "early", promptExcerpt)
}

// ScoreLate runs the full judge pass after the turn has completed, scoring
// the final rebuilt transcript.
func (j *JudgeScorer) ScoreLate(ctx context.Context, sess store.Store, completionID string) error {
	blocks, err := sess.ListBlocks(ctx, completionID)
	if err != nil {
		return err
	}
	return j.score(ctx, sess, completionID, "late", store.RebuildTranscript(blocks))
}

func (j *JudgeScorer) score(ctx context.Context, _ store.Store, _ string, _ string, text string) error {
	if j.Client == nil {
		return nil
	}
	req := &model.Request{
		Model: j.ModelID,
		Messages: []*model.Message{{
			Role:  model.ConversationRoleUser,
			Parts: []model.Part{model.TextPart{Text: text}},
		}},
	}
	_, err := j.Client.Complete(ctx, req)
	return err
}

// TitleGenerator drives the small model that names a report's first turn.
type TitleGenerator struct {
	Client  model.Client
	ModelID string
}

// Generate produces a short title for userPrompt. It returns the title
// text directly rather than writing it to the store: the caller (the Agent
// Loop's terminal handling) decides where the title is persisted.
func (g *TitleGenerator) Generate(ctx context.Context, userPrompt string) (string, error) {
	if g.Client == nil {
		return "", nil
	}
	req := &model.Request{
		Model:     g.ModelID,
		MaxTokens: 32,
		Messages: []*model.Message{{
			Role: model.ConversationRoleUser,
			Parts: []model.Part{model.TextPart{
				Text: "Summarize the following request as a short title (max 8 words):\n\n" + userPrompt,
			}},
		}},
	}
	resp, err := g.Client.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	var title string
	for _, msg := range resp.Content {
		for _, p := range msg.Parts {
			if tp, ok := p.(model.TextPart); ok {
				title += tp.Text
			}
		}
	}
	return title, nil
}

// UsageSnapshotFunc persists a point-in-time token/tool usage snapshot for
// a completed agent execution. It is a plain TaskFunc alias so callers can
// pass a closure directly to Scheduler.Go without an intermediate type.
type UsageSnapshotFunc = TaskFunc
