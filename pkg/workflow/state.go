package workflow

import (
	"fmt"
	"slices"
	"strings"

	"patchpilot/pkg/proto"
)

// State is one node of the turn state machine.
type State string

// State constants - single source of truth for node names.
const (
	StateStart       State = "START"
	StatePreanalysis State = "PREANALYSIS"
	StateAnalyze     State = "ANALYZE"
	StateGenerate    State = "GENERATE"
	StateValidation  State = "VALIDATION"
	StateEnd         State = "END"
)

func (s State) String() string {
	return string(s)
}

// Node is the lowercase name used on messages, events, snapshots and metrics.
func (s State) Node() string {
	return strings.ToLower(string(s))
}

// Transitions lists every edge of the state machine. Next picks one of them
// per mode; the map exists so paths can be checked without running a turn.
var Transitions = map[State][]State{
	StateStart:       {StatePreanalysis},
	StatePreanalysis: {StateAnalyze, StateEnd},
	StateAnalyze:     {StateGenerate, StateEnd},
	StateGenerate:    {StateValidation},
	StateValidation:  {StateAnalyze, StateEnd},
}

// IsValidTransition reports whether from → to is an edge of the state machine.
func IsValidTransition(from, to State) bool {
	return slices.Contains(Transitions[from], to)
}

// Next returns the node that follows state for a thread in mode.
//
//	Start       → Preanalysis
//	Preanalysis → End if general_chat, else Analyze
//	Analyze     → Generate if change_request or validation_feedback, else End
//	Generate    → Validation
//	Validation  → Analyze if validation_feedback, else End
func Next(state State, mode proto.Mode) State {
	switch state {
	case StateStart:
		return StatePreanalysis
	case StatePreanalysis:
		if mode == proto.ModeGeneralChat || !mode.Valid() {
			return StateEnd
		}
		return StateAnalyze
	case StateAnalyze:
		if mode.Generates() {
			return StateGenerate
		}
		return StateEnd
	case StateGenerate:
		return StateValidation
	case StateValidation:
		if mode == proto.ModeValidationFeedback {
			return StateAnalyze
		}
		return StateEnd
	default:
		return StateEnd
	}
}

// ValidatePath checks that path starts at Start, ends at End and only uses
// edges of the state machine.
func ValidatePath(path []State) error {
	if len(path) < 2 || path[0] != StateStart || path[len(path)-1] != StateEnd {
		return fmt.Errorf("path %v must run from %s to %s", path, StateStart, StateEnd)
	}
	for i := 1; i < len(path); i++ {
		if !IsValidTransition(path[i-1], path[i]) {
			return fmt.Errorf("invalid transition %s → %s", path[i-1], path[i])
		}
	}
	return nil
}
