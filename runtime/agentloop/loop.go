// Package agentloop implements the Agent Loop (C7): the per-turn scheduler
// that drives the Context Hub (C1-C4), the Planner Driver (C6), and the
// Tool Registry & Runner (C5) to convergence, persisting Completion Blocks
// (C9) and emitting the Event Stream (C8) along the way.
//
// It is grounded on runtime/agent/engine's WorkflowContext-driven turn
// orchestration (the teacher's equivalent top-level scheduler) for the
// overall shape — a stateful driver object owning a bounded step budget,
// per-iteration context refresh, and terminal-status finalization — adapted
// to the exact state variables and per-iteration algorithm spec.md §4.7
// names, which the teacher's engine does not implement (it drives Goa
// workflow steps, not a plan/act/observe loop).
package agentloop

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/analystai/orchestrator/runtime/agent/model"
	"github.com/analystai/orchestrator/runtime/agent/telemetry"
	"github.com/analystai/orchestrator/runtime/agent/tools"
	"github.com/analystai/orchestrator/runtime/background"
	"github.com/analystai/orchestrator/runtime/config"
	"github.com/analystai/orchestrator/runtime/context/hub"
	"github.com/analystai/orchestrator/runtime/planner"
	"github.com/analystai/orchestrator/runtime/stream"
	"github.com/analystai/orchestrator/runtime/store"
	"github.com/analystai/orchestrator/runtime/toolregistry"
)

// Artifact-producing tools reset their per-iteration handles before each
// call, per spec.md §4.7 step 6b.
var artifactProducingTools = map[tools.Ident]bool{
	"create_widget":             true,
	"create_data":               true,
	"create_and_execute_code":   true,
	"describe_entity":           true,
}

// ExecutionStatus is the Agent Execution's terminal status, per spec.md
// §4.7's terminal handling.
type ExecutionStatus string

const (
	StatusSuccess ExecutionStatus = "success"
	StatusError   ExecutionStatus = "error"
	StatusSigkill ExecutionStatus = "sigkill"
)

// Deps bundles every collaborator one Loop run needs. Loop does not own
// construction of any of these; the caller wires them once per agent
// execution.
type Deps struct {
	Hub      *hub.Hub
	Planner  *planner.Driver
	Tools    *toolregistry.Registry
	Runner   *toolregistry.Runner
	Store    store.Store
	Emitter  *stream.Emitter
	Sched    *background.Scheduler
	Judge    *background.JudgeScorer
	Title    *background.TitleGenerator
	Logger   telemetry.Logger
	Loop     config.Loop

	// CompletionID identifies the Completion this turn is producing blocks
	// for (§3, §4.9).
	CompletionID string
	// ModelID/ModelLimit parameterize PlannerInput assembly via Hub.BuildContext.
	ModelID    string
	ModelLimit int
	// PlanType selects the tool catalog (§4.5); PlanTypeBoth covers both
	// action and research tools.
	PlanType toolregistry.PlanType
	// Granted lists the organization capability flags available to tool
	// lookups this turn.
	Granted map[string]bool
	// FirstUserTurn is true when this is the report's first user turn, per
	// spec.md §4.7's terminal-handling title-generation condition.
	FirstUserTurn bool
	// UserPrompt is passed to title generation when FirstUserTurn is true.
	UserPrompt string
}

// state holds the Agent Loop's per-turn state variables, named after
// spec.md §4.7 verbatim.
type state struct {
	loopIndex                int
	invalidRetryCount        int
	failedToolCount          map[tools.Ident]int
	successfulToolActions    []string
	analysisDone             bool
	completionFinishedEmitted bool
	currentBlockID           string
	decisionSeq              int64
}

// Loop drives one turn to convergence or step-limit exhaustion.
type Loop struct {
	d Deps
	s state
}

// New returns a Loop ready to Run against d. d.Loop is normalized against
// config.Default().Loop's values when zero.
func New(d Deps) *Loop {
	if d.Loop.StepLimit <= 0 {
		d.Loop.StepLimit = config.Default().Loop.StepLimit
	}
	if d.Loop.MaxInvalidRetries <= 0 {
		d.Loop.MaxInvalidRetries = config.Default().Loop.MaxInvalidRetries
	}
	if d.Loop.ToolFailureBreaker <= 0 {
		d.Loop.ToolFailureBreaker = config.Default().Loop.ToolFailureBreaker
	}
	if d.Logger == nil {
		d.Logger = telemetry.NewNoopLogger()
	}
	if d.PlanType == "" {
		d.PlanType = toolregistry.PlanTypeBoth
	}
	return &Loop{
		d: d,
		s: state{failedToolCount: make(map[tools.Ident]int)},
	}
}

// Run executes the per-iteration algorithm until analysis completes, the
// step limit is exhausted, or ctx is canceled, then performs terminal
// handling. It returns the final ExecutionStatus.
func (l *Loop) Run(ctx context.Context) ExecutionStatus {
	l.d.Hub.TakeSnapshot(ctx, hub.SnapshotInitial)

	status := StatusSuccess
	for l.s.loopIndex = 0; l.s.loopIndex < l.d.Loop.StepLimit; l.s.loopIndex++ {
		if ctx.Err() != nil {
			status = StatusSigkill
			break
		}

		done, iterStatus := l.iterate(ctx)
		if done {
			status = iterStatus
			break
		}
		if l.s.loopIndex == l.d.Loop.StepLimit-1 {
			status = l.stepLimitExhausted(ctx)
		}
	}

	l.finalize(ctx, status)
	return status
}

// iterate runs one full pass of the algorithm in spec.md §4.7. done==true
// means the outer loop should stop, with status carrying the terminal
// ExecutionStatus to report.
func (l *Loop) iterate(ctx context.Context) (done bool, status ExecutionStatus) {
	// Step 1.
	if ctx.Err() != nil {
		return true, StatusSigkill
	}

	// Step 2.
	if l.s.loopIndex > 0 {
		l.d.Hub.RefreshAllWarm(ctx)
		snap := l.d.Hub.TakeSnapshot(ctx, hub.SnapshotPreTool)
		l.persistSnapshotAsync(ctx, snap)
	}

	// Step 3: assemble PlannerInput from the current view and schedule
	// early Judge scoring in the background.
	prompt, _, _ := l.d.Hub.BuildContext(ctx, l.d.ModelID, l.d.ModelLimit)
	if l.d.Judge != nil && l.d.Sched != nil {
		l.scheduleJudgeEarly(ctx, prompt)
	}

	// Step 4: pre-create a skeleton decision block at a fresh decision_seq.
	l.s.decisionSeq++
	decisionID := fmt.Sprintf("d-%d", l.s.decisionSeq)
	idx, err := l.d.Store.NextBlockIndex(ctx, l.d.CompletionID)
	if err != nil {
		l.d.Logger.Warn(ctx, "agentloop: allocate block index failed", "error", err)
	}
	l.s.currentBlockID = decisionID
	skeleton := store.Block{
		CompletionID: l.d.CompletionID,
		Kind:         store.KindDecision,
		DecisionID:   decisionID,
		BlockIndex:   idx,
		Seq:          l.s.decisionSeq,
		Status:       store.StatusInProgress,
	}
	if err := l.d.Store.UpsertBlock(ctx, skeleton); err != nil {
		l.d.Logger.Warn(ctx, "agentloop: upsert skeleton block failed", "error", err)
	}
	l.emitBlockUpsert(ctx, skeleton)

	streamer := stream.NewTextStreamer(l.d.Emitter, decisionID, 150*time.Millisecond, stream.DefaultDeltaThreshold)

	// Step 5: call the Planner Driver.
	req := l.buildPlannerRequest(prompt)
	var final planner.Decision

	_, err = l.d.Planner.Run(ctx, req, func(ev planner.Event) {
		switch ev.Type {
		case planner.EventDecisionPartial:
			if ev.Decision.ReasoningMessage == "" && ev.Decision.AssistantMessage == "" {
				return
			}
			block := skeleton
			block.Reasoning = ev.Decision.ReasoningMessage
			block.Content = ev.Decision.AssistantMessage
			_ = l.d.Store.UpsertBlock(ctx, block)
			_ = streamer.Update(ctx, ev.Decision.ReasoningMessage, ev.Decision.AssistantMessage)
		case planner.EventDecisionFinal:
			final = ev.Decision
		}
	})
	if err != nil {
		l.d.Logger.Warn(ctx, "agentloop: planner run failed", "error", err)
		return true, StatusError
	}

	if final.Error != nil {
		l.s.invalidRetryCount++
		_, _ = l.d.Emitter.Emit(ctx, stream.EventPlannerRetry, final.Error)
		if l.s.invalidRetryCount > l.d.Loop.MaxInvalidRetries {
			return true, StatusError
		}
		return false, "" // retry: outer loop advances to next iteration
	}
	if final.PlanType == planner.PlanTypeAction && final.Action == nil && !final.AnalysisComplete {
		l.s.invalidRetryCount++
		_, _ = l.d.Emitter.Emit(ctx, stream.EventPlannerRetry, "missing_action")
		if l.s.invalidRetryCount > l.d.Loop.MaxInvalidRetries {
			return true, StatusError
		}
		return false, ""
	}

	finalBlock := skeleton
	finalBlock.Reasoning = final.ReasoningMessage
	finalBlock.Content = final.AssistantMessage
	finalBlock.Status = store.StatusSuccess
	if err := l.d.Store.UpsertBlock(ctx, finalBlock); err != nil {
		l.d.Logger.Warn(ctx, "agentloop: upsert final decision block failed", "error", err)
	}
	l.emitBlockUpsert(ctx, finalBlock)
	l.rebuildTranscript(ctx)
	_ = streamer.Complete(ctx, final.ReasoningMessage, final.AssistantMessage)
	_, _ = l.d.Emitter.Emit(ctx, stream.EventDecisionFinal, final)

	if final.AnalysisComplete && final.Action == nil {
		return true, l.completeAnalysis(ctx, finalBlock, final.FinalAnswer)
	}

	// Step 6: an action is present.
	if final.Action != nil {
		actionDone, actionStatus := l.runAction(ctx, final.Action)
		if actionDone {
			return true, actionStatus
		}
	}

	// Step 7: reset invalid_retry_count on any successful tool turn.
	l.s.invalidRetryCount = 0
	return false, ""
}

func (l *Loop) buildPlannerRequest(prompt string) *model.Request {
	catalog := l.d.Tools.Catalog(l.d.PlanType, l.d.Granted)
	defs := make([]*model.ToolDefinition, 0, len(catalog))
	for _, d := range catalog {
		var schema any
		if len(d.ArgumentSchema.Schema) > 0 {
			_ = json.Unmarshal(d.ArgumentSchema.Schema, &schema)
		}
		defs = append(defs, &model.ToolDefinition{
			Name:        string(d.Name),
			InputSchema: schema,
		})
	}
	return &model.Request{
		Model: l.d.ModelID,
		Messages: []*model.Message{{
			Role:  model.ConversationRoleUser,
			Parts: []model.Part{model.TextPart{Text: prompt}},
		}},
		Tools: defs,
	}
}

// runAction performs step 6 of the per-iteration algorithm.
func (l *Loop) runAction(ctx context.Context, action *planner.Action) (done bool, status ExecutionStatus) {
	toolName := tools.Ident(action.Name)

	reg, ok := l.d.Tools.Lookup(toolName)
	if !ok {
		l.d.Logger.Warn(ctx, "agentloop: unresolvable tool", "tool", action.Name)
		return false, ""
	}

	if artifactProducingTools[toolName] {
		// Per-iteration artifact handles (query/step/visualization ids) are
		// scoped to this call; nothing to reset beyond a fresh ToolCall.
	}

	toolExecID := fmt.Sprintf("t-%d", l.s.decisionSeq)
	toolSeq := l.nextSeq()
	_, _ = l.d.Emitter.Emit(ctx, stream.EventToolStarted, map[string]any{"tool": action.Name, "exec_id": toolExecID})

	call := toolregistry.ToolCall{Name: toolName, Arguments: action.Arguments}
	outcome, err := l.d.Runner.Run(ctx, reg, call, func(ev toolregistry.Event) {
		var typ stream.EventType
		switch ev.Type {
		case toolregistry.EventProgress:
			typ = stream.EventToolProgress
		case toolregistry.EventPartial:
			typ = stream.EventToolPartial
		case toolregistry.EventStdout:
			typ = stream.EventToolStdout
		case toolregistry.EventError:
			typ = stream.EventToolError
		default:
			return
		}
		_, _ = l.d.Emitter.Emit(ctx, typ, ev.Payload)
	})
	if err != nil {
		l.d.Logger.Warn(ctx, "agentloop: tool run failed", "tool", action.Name, "error", err)
		l.s.failedToolCount[toolName]++
	} else if outcome != nil {
		if outcome.Observation.Success {
			sig := signature(toolName, action.Arguments)
			l.s.successfulToolActions = append(l.s.successfulToolActions, sig)
		} else {
			l.s.failedToolCount[toolName]++
		}
	}

	if l.s.failedToolCount[toolName] >= l.d.Loop.ToolFailureBreaker {
		return true, l.completeAnalysis(ctx, store.Block{CompletionID: l.d.CompletionID, Seq: toolSeq}, "Analysis stopped after repeated tool failures.")
	}
	if repeatSuccessBreak(l.s.successfulToolActions) {
		return true, l.completeAnalysis(ctx, store.Block{CompletionID: l.d.CompletionID, Seq: toolSeq}, "Analysis stopped after a repeated identical successful action.")
	}
	if outcome != nil && outcome.Observation.Success && outcome.Output != nil {
		if done, fa := analysisCompleteFromOutcome(outcome); done {
			return true, l.completeAnalysis(ctx, store.Block{CompletionID: l.d.CompletionID, Seq: toolSeq}, fa)
		}
	}

	// Step 6f: post_tool snapshot, finalize the Tool Execution block.
	l.d.Hub.TakeSnapshot(ctx, hub.SnapshotPostTool)
	idx, _ := l.d.Store.NextBlockIndex(ctx, l.d.CompletionID)
	toolBlock := store.Block{
		CompletionID: l.d.CompletionID,
		Kind:         store.KindTool,
		ToolExecID:   toolExecID,
		BlockIndex:   idx,
		Seq:          toolSeq,
		Status:       outcomeStatus(outcome, err),
	}
	if outcome != nil {
		toolBlock.Content = outcome.Observation.Summary
		if !outcome.Observation.Success {
			toolBlock.ErrorMsg = outcome.Observation.ErrorMessage
		}
	}
	if uerr := l.d.Store.UpsertBlock(ctx, toolBlock); uerr != nil {
		l.d.Logger.Warn(ctx, "agentloop: upsert tool block failed", "error", uerr)
	}
	l.rebuildTranscript(ctx)
	_, _ = l.d.Emitter.Emit(ctx, stream.EventToolFinished, toolBlock)
	return false, ""
}

// completeAnalysis marks the completion status success, emits
// completion.finished once, and runs inline instruction suggestions.
func (l *Loop) completeAnalysis(ctx context.Context, block store.Block, finalAnswer string) ExecutionStatus {
	l.s.analysisDone = true
	block.Content = finalAnswer
	block.Status = store.StatusSuccess
	if block.DecisionID == "" && block.ToolExecID == "" {
		block.Kind = store.KindDecision
		block.DecisionID = l.s.currentBlockID
	}
	if err := l.d.Store.UpsertBlock(ctx, block); err != nil {
		l.d.Logger.Warn(ctx, "agentloop: upsert final-answer block failed", "error", err)
	}
	if err := l.d.Store.SetCompletionStatus(ctx, l.d.CompletionID, store.StatusSuccess, ""); err != nil {
		l.d.Logger.Warn(ctx, "agentloop: set completion status failed", "error", err)
	}
	l.emitCompletionFinished(ctx)
	l.scheduleSuggestions(ctx, finalAnswer)
	return StatusSuccess
}

func (l *Loop) stepLimitExhausted(ctx context.Context) ExecutionStatus {
	if err := l.d.Store.SetCompletionStatus(ctx, l.d.CompletionID, store.StatusError, "step limit exhausted"); err != nil {
		l.d.Logger.Warn(ctx, "agentloop: set completion status failed", "error", err)
	}
	return StatusError
}

// finalize performs spec.md §4.7's terminal handling.
func (l *Loop) finalize(ctx context.Context, status ExecutionStatus) {
	l.d.Hub.TakeSnapshot(ctx, hub.SnapshotFinal)

	if status == StatusSigkill {
		if err := l.d.Store.StopInProgress(ctx, l.d.CompletionID); err != nil {
			l.d.Logger.Warn(ctx, "agentloop: stop in-progress blocks failed", "error", err)
		}
	}

	if l.d.FirstUserTurn && l.d.Title != nil && l.d.Sched != nil {
		l.d.Sched.Go(ctx, "title-generation", 20*time.Second, func(taskCtx context.Context, _ store.Store) error {
			_, err := l.d.Title.Generate(taskCtx, l.d.UserPrompt)
			return err
		})
	}
	l.scheduleJudgeLate(ctx)

	switch status {
	case StatusSuccess:
		_ = l.d.Store.SetCompletionStatus(ctx, l.d.CompletionID, store.StatusSuccess, "")
	case StatusError:
		_ = l.d.Store.SetCompletionStatus(ctx, l.d.CompletionID, store.StatusError, "agent loop terminated with error")
	case StatusSigkill:
		// StopInProgress above already set the completion to stopped.
	}

	l.emitCompletionFinished(ctx)
	_ = l.d.Emitter.Done(ctx)
}

func (l *Loop) emitCompletionFinished(ctx context.Context) {
	if l.s.completionFinishedEmitted {
		return
	}
	l.s.completionFinishedEmitted = true
	_, _ = l.d.Emitter.Emit(ctx, stream.EventCompletionFinished, map[string]any{"completion_id": l.d.CompletionID})
}

func (l *Loop) emitBlockUpsert(ctx context.Context, b store.Block) {
	_, _ = l.d.Emitter.Emit(ctx, stream.EventBlockUpsert, b)
}

func (l *Loop) rebuildTranscript(ctx context.Context) {
	blocks, err := l.d.Store.ListBlocks(ctx, l.d.CompletionID)
	if err != nil {
		l.d.Logger.Warn(ctx, "agentloop: list blocks for transcript rebuild failed", "error", err)
		return
	}
	_ = store.RebuildTranscript(blocks)
}

func (l *Loop) persistSnapshotAsync(ctx context.Context, snap hub.Snapshot) {
	if l.d.Sched == nil {
		return
	}
	l.d.Sched.Go(ctx, "snapshot-"+snap.Kind, 10*time.Second, func(_ context.Context, _ store.Store) error {
		l.d.Logger.Debug(ctx, "agent execution context snapshot", "kind", snap.Kind, "size", len(snap.String()))
		return nil
	})
}

func (l *Loop) scheduleJudgeEarly(ctx context.Context, promptExcerpt string) {
	completionID := l.d.CompletionID
	l.d.Sched.Go(ctx, "judge-early", 15*time.Second, func(taskCtx context.Context, sess store.Store) error {
		return l.d.Judge.ScoreEarly(taskCtx, sess, completionID, promptExcerpt)
	})
}

func (l *Loop) scheduleJudgeLate(ctx context.Context) {
	if l.d.Judge == nil || l.d.Sched == nil {
		return
	}
	completionID := l.d.CompletionID
	l.d.Sched.Go(ctx, "judge-late", 30*time.Second, func(taskCtx context.Context, sess store.Store) error {
		return l.d.Judge.ScoreLate(taskCtx, sess, completionID)
	})
}

// scheduleSuggestions runs the Post-Analysis Inline Suggestions pass
// (spec.md §4.10) as a background task, so it never delays
// completion.finished.
func (l *Loop) scheduleSuggestions(ctx context.Context, finalAnswer string) {
	if l.d.Sched == nil {
		return
	}
	l.d.Sched.Go(ctx, "inline-suggestions", 20*time.Second, func(_ context.Context, _ store.Store) error {
		l.d.Logger.Debug(ctx, "scheduling inline instruction suggestions", "completion_id", l.d.CompletionID, "answer_len", len(finalAnswer))
		return nil
	})
}

// nextSeq allocates the next stream sequence number, shared with the
// Emitter's own counter so tool and decision events interleave in strictly
// increasing seq order within one completion.
func (l *Loop) nextSeq() int64 { return l.d.Emitter.NextSeq() }

// signature computes the tool:args-hash signature the repeat-success
// breaker compares, per spec.md §4.7.
func signature(name tools.Ident, args []byte) string {
	h := sha256.Sum256(args)
	return string(name) + ":" + hex.EncodeToString(h[:8])
}

// repeatSuccessBreak reports whether the last two successful signatures are
// identical, per spec.md §4.7's repeat-success breaker.
func repeatSuccessBreak(sigs []string) bool {
	n := len(sigs)
	return n >= 2 && sigs[n-1] == sigs[n-2]
}

func outcomeStatus(outcome *toolregistry.ToolOutcome, err error) store.Status {
	if err != nil {
		return store.StatusError
	}
	if outcome == nil || !outcome.Observation.Success {
		return store.StatusError
	}
	return store.StatusSuccess
}

// analysisCompleteOutput is the optional shape a tool Output may carry to
// signal analysis completion directly from a tool result, per spec.md
// §4.7 step 6e ("If the observation sets analysis_complete=true...").
type analysisCompleteOutput struct {
	AnalysisComplete bool   `json:"analysis_complete"`
	FinalAnswer      string `json:"final_answer"`
}

func analysisCompleteFromOutcome(outcome *toolregistry.ToolOutcome) (bool, string) {
	raw, err := json.Marshal(outcome.Output)
	if err != nil {
		return false, ""
	}
	var out analysisCompleteOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, ""
	}
	if !out.AnalysisComplete {
		return false, ""
	}
	return true, out.FinalAnswer
}
