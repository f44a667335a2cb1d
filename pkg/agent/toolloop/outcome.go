package toolloop

import (
	"fmt"

	"patchpilot/pkg/proto"
)

// OutcomeKind categorizes how a loop run ended.
type OutcomeKind int

const (
	// OutcomeSuccess: the model answered without calling tools. Final holds
	// that answer.
	OutcomeSuccess OutcomeKind = iota

	// OutcomeMaxIterations: the iteration budget ran out. Err wraps
	// ErrMaxIterations.
	OutcomeMaxIterations

	// OutcomeLLMError: a model call failed after the middleware gave up.
	OutcomeLLMError

	// OutcomeCanceled: the context ended. Err wraps ErrGracefulShutdown and
	// the context error.
	OutcomeCanceled

	// OutcomeConfigError: the loop could not start.
	OutcomeConfigError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "Success"
	case OutcomeMaxIterations:
		return "MaxIterations"
	case OutcomeLLMError:
		return "LLMError"
	case OutcomeCanceled:
		return "Canceled"
	case OutcomeConfigError:
		return "ConfigError"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", k)
	}
}

// Outcome is the result of one loop run.
//
//nolint:govet // readability over alignment
type Outcome struct {
	Kind OutcomeKind

	// Final is the model's last text. For non-success outcomes it holds
	// whatever text the last reply carried.
	Final string

	// ToolMessages records every executed tool call as a thread message, in
	// execution order.
	ToolMessages []proto.Message

	// Err is non-nil for every outcome but OutcomeSuccess.
	Err error

	// Iteration is the 1-indexed model call count when the loop ended.
	Iteration int

	// ToolCalls counts executed tool calls.
	ToolCalls int
}

// OK reports whether the loop ended with a final answer.
func (o *Outcome) OK() bool {
	return o.Kind == OutcomeSuccess
}
