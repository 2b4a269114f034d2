package loop

import "strings"

// NoToolDecision is the outcome of the no-tool-call heuristic.
type NoToolDecision string

const (
	// DecisionContinue grants the model one more turn.
	DecisionContinue NoToolDecision = "continue"
	// DecisionBreakImplicit ends the loop: an empty turn after file changes.
	DecisionBreakImplicit NoToolDecision = "break_implicit"
	// DecisionBreakConsecutive ends the loop: two no-tool turns in a row.
	DecisionBreakConsecutive NoToolDecision = "break_consecutive"
)

// NoToolInput describes a turn that produced no tool calls.
type NoToolInput struct {
	// Response is the turn's visible response text.
	Response string
	// Reasoning is the turn's reasoning text, when the model exposes one.
	Reasoning string
	// FilesChanged reports whether any file has been modified so far in the
	// session, not just in this turn.
	FilesChanged bool
	// ConsecutiveNoTool counts consecutive no-tool turns including this one.
	ConsecutiveNoTool int
}

// CheckNoToolCompletion decides what a no-tool turn means. An empty turn
// after real file changes is implicit completion on its first occurrence;
// any visible or reasoning text keeps the model alive for that check. Two
// consecutive no-tool turns end the loop regardless of file state. The
// implicit check runs first and wins when both hold.
func CheckNoToolCompletion(in NoToolInput) NoToolDecision {
	empty := strings.TrimSpace(in.Response) == "" && strings.TrimSpace(in.Reasoning) == ""
	if empty && in.FilesChanged {
		return DecisionBreakImplicit
	}
	if in.ConsecutiveNoTool >= 2 {
		return DecisionBreakConsecutive
	}
	return DecisionContinue
}
