package loop

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/droverhq/drover/toolcall"
)

// Verbosity selects how much prose surrounds the packet envelope in a
// control message.
type Verbosity string

const (
	// PacketCompact is the envelope alone.
	PacketCompact Verbosity = "compact"
	// PacketAnnotated prefixes the envelope with a one-line progress note.
	PacketAnnotated Verbosity = "annotated"
)

// CompletionDirective tells the model how to end the loop. It always goes
// after the packet in a continuation message, never before.
const CompletionDirective = "When the task is fully complete, write " +
	toolcall.CompletionMarker +
	" on its own line. Otherwise continue working with tool calls."

// BuildPacketMessage serializes a packet as a standalone control message.
func BuildPacketMessage(p Packet, v Verbosity) string {
	env := p.Envelope()
	if v == PacketAnnotated {
		return fmt.Sprintf("Loop progress: iteration %d of %d, %d remaining, state %s.\n\n%s",
			p.Iteration, p.MaxIterations, p.RemainingIterations, p.State, env)
	}
	return env
}

// Info is the host's view of loop progress when a continuation is built.
type Info struct {
	Iteration     int
	MaxIterations int

	// Strategy names the current approach. When set it rides in the packet
	// as an extra field.
	Strategy string

	// FilesChanged lists everything the session has modified so far.
	// Entries that are not non-empty strings are dropped during rendering.
	FilesChanged []any

	// Note is the guidance used when the decision does not override it.
	Note string
}

// Decision classifies the turn that just finished. State, when valid, is
// used directly; otherwise Event is resolved through the transition table.
// Note overrides the Info default when set.
type Decision struct {
	State ControlState
	Event CompletionEvent
	Note  string
}

func (d Decision) resolve() ControlState {
	if ValidState(d.State) {
		return d.State
	}
	return ResolveState(d.Event)
}

// BuildContinuation composes the user-role text that drives the next turn:
// guidance note, deduplicated files-changed list, control packet, then the
// completion directive. The directive always follows the packet. The
// original task text is never re-embedded; only the short note travels with
// the packet.
func BuildContinuation(info Info, d Decision) string {
	state := d.resolve()
	note := d.Note
	if note == "" {
		note = info.Note
	}
	if note == "" {
		note = defaultNote(d.Event, state)
	}

	parts := []string{note}
	if files := dedupeFiles(info.FilesChanged); len(files) > 0 {
		var b strings.Builder
		b.WriteString("Files changed so far:")
		for _, f := range files {
			b.WriteString("\n- ")
			b.WriteString(f)
		}
		parts = append(parts, b.String())
	}

	p := NewPacket(state, info.Iteration, info.MaxIterations)
	if info.Strategy != "" {
		raw, _ := json.Marshal(info.Strategy)
		p.Extra = map[string]json.RawMessage{"strategy": raw}
	}
	parts = append(parts, p.Envelope(), CompletionDirective)
	return strings.Join(parts, "\n\n")
}

func dedupeFiles(entries []any) []string {
	var files []string
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		s, ok := e.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		files = append(files, s)
	}
	return files
}

func defaultNote(ev CompletionEvent, state ControlState) string {
	switch ev {
	case CompletionToolResults:
		return "Tool results are above. Continue with the next step."
	case CompletionToolTimeout:
		return "A tool call timed out. Retry with narrower parameters or take a different approach."
	case CompletionDiagnosticsErrors:
		return "Diagnostics reported errors after your changes. Fix them before moving on."
	case CompletionNoTools:
		return "Your last reply contained no tool calls. Continue working, or signal completion if the task is done."
	case CompletionNeedSummary:
		return "This is the final turn. Summarize what was accomplished and signal completion."
	}
	if state == StateComplete {
		return "The loop is ending. Give a final summary of what was done."
	}
	return "Continue with the next step."
}

// CompletionSignaled reports whether either text carries a completion
// signal: the plain completion marker, a free-text completion phrase, or a
// control packet with state complete. Models put the signal in the response
// or in the reasoning, so both are checked.
func CompletionSignaled(text, aux string) bool {
	for _, s := range []string{text, aux} {
		if s == "" {
			continue
		}
		if strings.Contains(s, toolcall.CompletionMarker) {
			return true
		}
		if strings.Contains(strings.ToLower(s), "task is complete") {
			return true
		}
		if state, ok := ParseState(s); ok && state == StateComplete {
			return true
		}
	}
	return false
}
