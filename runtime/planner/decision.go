// Package planner drives a single streaming LLM call on behalf of the agent
// loop and turns it into a validated Decision. It wraps a model.Client the
// way runtime/agent/planner's Planner wraps one, but narrows the output to
// the single structured Decision document the loop understands, with the
// strict planner.tokens / planner.decision.partial / planner.decision.final
// event sequence and JSON Schema validation baked in.
package planner

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// PlanType distinguishes an action turn (the planner wants to invoke a
	// tool or answer directly) from a research turn (the planner is still
	// gathering context and expects further observations).
	PlanType string

	// ErrorCode enumerates the validation failure categories a Decision can
	// carry. The loop uses these to decide whether a retry can self-correct.
	ErrorCode string

	// Action names the tool the planner wants to invoke and its arguments.
	Action struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}

	// DecisionError carries a structured, planner-facing validation failure.
	DecisionError struct {
		Code    ErrorCode `json:"code"`
		Message string    `json:"message"`
	}

	// Decision is the validated planner output for one loop iteration.
	Decision struct {
		PlanType         PlanType       `json:"plan_type"`
		ReasoningMessage string         `json:"reasoning_message"`
		AssistantMessage string         `json:"assistant_message"`
		Action           *Action        `json:"action,omitempty"`
		AnalysisComplete bool           `json:"analysis_complete"`
		FinalAnswer      string         `json:"final_answer,omitempty"`
		Error            *DecisionError `json:"error,omitempty"`
	}
)

const (
	PlanTypeAction   PlanType = "action"
	PlanTypeResearch PlanType = "research"

	// ErrorInputValidation marks a Decision that failed to parse as JSON at all.
	ErrorInputValidation ErrorCode = "input_validation_error"
	// ErrorValidation marks a Decision that parsed but failed the Decision schema.
	ErrorValidation ErrorCode = "validation_error"
	// ErrorMissingAction marks a plan_type=action Decision with no action set.
	ErrorMissingAction ErrorCode = "missing_action"
)

// decisionSchemaJSON is the Decision schema referenced throughout the loop
// contract. Kept minimal: it enforces the fields every consumer of a
// Decision (the loop, the stream subscriber, persistence) relies on being
// present and well-typed; it does not constrain Action.Arguments, which is
// tool-specific and validated separately by the tool registry.
const decisionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["plan_type", "reasoning_message", "assistant_message", "analysis_complete"],
  "properties": {
    "plan_type": {"enum": ["action", "research"]},
    "reasoning_message": {"type": "string"},
    "assistant_message": {"type": "string"},
    "analysis_complete": {"type": "boolean"},
    "final_answer": {"type": "string"},
    "action": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1}
      }
    },
    "error": {
      "type": "object",
      "required": ["code", "message"],
      "properties": {
        "code": {"enum": ["input_validation_error", "validation_error", "missing_action"]},
        "message": {"type": "string"}
      }
    }
  }
}`

var (
	decisionSchemaOnce sync.Once
	decisionSchema     *jsonschema.Schema
	decisionSchemaErr  error
)

// compileDecisionSchema compiles decisionSchemaJSON once and caches the
// result; every Driver shares the same compiled schema.
func compileDecisionSchema() (*jsonschema.Schema, error) {
	decisionSchemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(decisionSchemaJSON), &doc); err != nil {
			decisionSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("decision.json", doc); err != nil {
			decisionSchemaErr = err
			return
		}
		decisionSchema, decisionSchemaErr = c.Compile("decision.json")
	})
	return decisionSchema, decisionSchemaErr
}

// validateDecision parses raw against the Decision schema and, on success,
// decodes it into a Decision. It never returns both a non-nil Decision
// pointer and an error: validation failures are reported via the returned
// error so the caller can classify them into a DecisionError code.
func validateDecision(raw []byte) (Decision, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Decision{}, inputValidationError{err}
	}
	schema, err := compileDecisionSchema()
	if err != nil {
		return Decision{}, err
	}
	if err := schema.Validate(doc); err != nil {
		return Decision{}, validationError{err}
	}
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return Decision{}, inputValidationError{err}
	}
	if d.PlanType == PlanTypeAction && d.Action == nil && !d.AnalysisComplete {
		return Decision{}, missingActionError{}
	}
	return d, nil
}

type inputValidationError struct{ cause error }

func (e inputValidationError) Error() string { return "decode decision: " + e.cause.Error() }
func (e inputValidationError) Unwrap() error { return e.cause }

type validationError struct{ cause error }

func (e validationError) Error() string { return "validate decision: " + e.cause.Error() }
func (e validationError) Unwrap() error { return e.cause }

type missingActionError struct{}

func (missingActionError) Error() string {
	return "plan_type=action decision carries no action and analysis is not complete"
}

// classifyError maps a validateDecision error into the planner-facing
// DecisionError the loop surfaces as an observation (spec §7).
func classifyError(err error) *DecisionError {
	switch {
	case err == nil:
		return nil
	case errorsAs[missingActionError](err):
		return &DecisionError{Code: ErrorMissingAction, Message: err.Error()}
	case errorsAs[validationError](err):
		return &DecisionError{Code: ErrorValidation, Message: err.Error()}
	default:
		return &DecisionError{Code: ErrorInputValidation, Message: err.Error()}
	}
}

func errorsAs[T error](err error) bool {
	_, ok := err.(T)
	return ok
}

// tryPartial attempts a best-effort decode of the still-growing response
// buffer into a Decision. The model streams one JSON object, so buf is
// usually an incomplete document; tryPartial trims it to the longest valid
// JSON object prefix it can find and decodes that, ignoring schema
// validation (partials routinely omit required fields mid-stream). It
// returns ok=false when no prefix of buf parses as a JSON object yet.
func tryPartial(buf []byte) (Decision, bool) {
	trimmed := longestObjectPrefix(buf)
	if trimmed == nil {
		return Decision{}, false
	}
	var d Decision
	if err := json.Unmarshal(trimmed, &d); err != nil {
		return Decision{}, false
	}
	return d, true
}

// longestObjectPrefix scans buf for the longest prefix that forms a
// balanced JSON object, dropping any dangling partial string/number/token at
// the end. It returns nil if buf does not yet contain a '{'.
func longestObjectPrefix(buf []byte) []byte {
	depth := 0
	inString := false
	escaped := false
	start := -1
	lastBalanced := -1
	for i, b := range buf {
		if start == -1 {
			if b == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				lastBalanced = i
			}
		}
	}
	if start == -1 || lastBalanced == -1 {
		return nil
	}
	return buf[start : lastBalanced+1]
}
