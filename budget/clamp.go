package budget

import (
	"fmt"
	"strings"
)

// ClampMode selects which part of oversized tool output survives.
type ClampMode string

const (
	// ClampHeadTail keeps both ends and removes the middle.
	ClampHeadTail ClampMode = "head_tail"
	// ClampTail keeps the end and removes the beginning.
	ClampTail ClampMode = "tail"
)

// Limits is the per-tool output clamping table. Tools absent from Chars fall
// back to FallbackChars; tools absent from Modes fall back to ClampHeadTail;
// tools absent from Lines get no line clamping.
type Limits struct {
	Chars         map[string]int
	Lines         map[string]int
	Modes         map[string]ClampMode
	FallbackChars int
}

const fallbackClampChars = 30000

// DefaultLimits returns the clamping table for the built-in tool set. File
// reads keep generous head and tail context; command and search output is
// additionally line-limited since a single grep can produce thousands of
// near-identical lines; write confirmations carry no information past the
// first error.
func DefaultLimits() Limits {
	return Limits{
		Chars: map[string]int{
			"read_file":  50000,
			"run":        30000,
			"search":     20000,
			"write_file": 1000,
			"delegate":   20000,
		},
		Lines: map[string]int{
			"run":    256,
			"search": 200,
		},
		Modes: map[string]ClampMode{
			"read_file":  ClampHeadTail,
			"run":        ClampHeadTail,
			"search":     ClampTail,
			"write_file": ClampTail,
			"delegate":   ClampHeadTail,
		},
	}
}

// Clamp bounds one tool's output before it re-enters the conversation:
// character clamping first, then line clamping where configured.
func Clamp(output, tool string, l Limits) string {
	maxChars := l.Chars[tool]
	if maxChars <= 0 {
		maxChars = l.FallbackChars
	}
	if maxChars <= 0 {
		maxChars = fallbackClampChars
	}
	mode := l.Modes[tool]
	if mode == "" {
		mode = ClampHeadTail
	}
	out := clampChars(output, maxChars, mode)
	if maxLines := l.Lines[tool]; maxLines > 0 {
		out = clampLines(out, maxLines)
	}
	return out
}

func clampChars(s string, maxChars int, mode ClampMode) string {
	if len(s) <= maxChars {
		return s
	}
	removed := len(s) - maxChars
	if mode == ClampTail {
		return fmt.Sprintf("[output clipped: first %d characters removed]\n\n", removed) +
			s[removed:]
	}
	half := maxChars / 2
	return s[:half] +
		fmt.Sprintf("\n\n[output clipped: %d characters removed from the middle; re-run the tool with narrower parameters to see a specific section]\n\n", removed) +
		s[len(s)-half:]
}

func clampLines(s string, maxLines int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= maxLines {
		return s
	}
	head := maxLines / 2
	tail := maxLines - head
	omitted := len(lines) - maxLines
	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tail:], "\n")
}
