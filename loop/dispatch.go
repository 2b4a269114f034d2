package loop

import (
	"context"
	"time"

	"github.com/droverhq/drover/budget"
	"github.com/droverhq/drover/toolcall"
)

// Result is what a dispatcher returns for one executed call.
type Result struct {
	// Name echoes the tool that ran.
	Name string
	// CallID ties the result to a native-channel call. Empty for calls
	// extracted from text.
	CallID string
	// Content is the output fed back to the model.
	Content string
	// IsError marks tool-level failure. The loop keeps going; the model
	// sees the error text and decides.
	IsError bool
	// TimedOut marks that the tool was cut off by its deadline.
	TimedOut bool
	// DiagnosticsErrors marks that post-run diagnostics found errors.
	DiagnosticsErrors bool
	// FilesChanged lists files this call modified.
	FilesChanged []string
}

// Dispatcher executes tool calls on behalf of a session. Implementations
// own sandboxing, timeouts, and retries; the loop only classifies what
// comes back.
type Dispatcher interface {
	Dispatch(ctx context.Context, call toolcall.Call) Result
}

// TranscriptStore persists session history. All methods are best-effort
// from the session's point of view; a failing store never stops the loop.
type TranscriptStore interface {
	SaveSession(ctx context.Context, id, task string, startedAt time.Time) error
	SaveTurn(ctx context.Context, sessionID string, seq int, turn Turn) error
	SaveCompaction(ctx context.Context, sessionID string, res budget.CompactionResult, atTurn int) error
	FinishSession(ctx context.Context, id string, state ControlState, endedAt time.Time) error
}

// classifyResults maps a batch of results to a completion event. Timeout
// outranks diagnostics errors, which outrank plain results.
func classifyResults(results []Result) CompletionEvent {
	ev := CompletionToolResults
	for _, r := range results {
		if r.TimedOut {
			return CompletionToolTimeout
		}
		if r.DiagnosticsErrors {
			ev = CompletionDiagnosticsErrors
		}
	}
	return ev
}
