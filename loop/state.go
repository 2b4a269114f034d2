package loop

// ControlState is the loop phase decided after each completed model turn.
// Only StateComplete is terminal; every other state is followed by another
// decision or by iteration-budget exhaustion.
type ControlState string

const (
	StateNeedTools   ControlState = "need_tools"
	StateNeedFixes   ControlState = "need_fixes"
	StateNeedSummary ControlState = "need_summary"
	StateComplete    ControlState = "complete"
)

// ValidState reports whether s is one of the defined control states.
func ValidState(s ControlState) bool {
	switch s {
	case StateNeedTools, StateNeedFixes, StateNeedSummary, StateComplete:
		return true
	}
	return false
}

// CompletionEvent classifies how a turn concluded. The session raises one
// after dispatching (or not dispatching) the turn's tool calls.
type CompletionEvent string

const (
	CompletionNoTools           CompletionEvent = "no_tools"
	CompletionToolResults       CompletionEvent = "tool_results"
	CompletionToolTimeout       CompletionEvent = "tool_timeout"
	CompletionDiagnosticsErrors CompletionEvent = "diagnostics_errors"
	CompletionNeedSummary       CompletionEvent = "need_summary"
	CompletionSignaledEvent     CompletionEvent = "completion_signaled"
	CompletionBudgetExhausted   CompletionEvent = "budget_exhausted"
)

// ResolveState maps a completion event to the next control state. Pure
// lookup, no history; unknown events keep the loop in StateNeedTools.
func ResolveState(ev CompletionEvent) ControlState {
	switch ev {
	case CompletionNoTools, CompletionToolResults:
		return StateNeedTools
	case CompletionToolTimeout, CompletionDiagnosticsErrors:
		return StateNeedFixes
	case CompletionNeedSummary:
		return StateNeedSummary
	case CompletionSignaledEvent, CompletionBudgetExhausted:
		return StateComplete
	default:
		return StateNeedTools
	}
}
