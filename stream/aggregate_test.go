package stream

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/droverhq/drover/llm"
	"github.com/droverhq/drover/toolcall"
)

// stepClock returns a clock that advances by step on every reading, making
// throttle behavior deterministic without sleeping.
func stepClock(step time.Duration) func() time.Time {
	t := time.Unix(1700000000, 0)
	return func() time.Time {
		now := t
		t = t.Add(step)
		return now
	}
}

func feed(events ...llm.StreamEvent) <-chan llm.StreamEvent {
	ch := make(chan llm.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func textDelta(s string) llm.StreamEvent {
	return llm.StreamEvent{Type: llm.StreamTextDelta, Delta: s}
}

func TestAggregateConcatenatesContent(t *testing.T) {
	events := feed(
		textDelta("The fix is "),
		textDelta("in the parser, "),
		textDelta("one line changed."),
		llm.StreamEvent{Type: llm.StreamFinish, Usage: &llm.Usage{InputTokens: 100, OutputTokens: 12, TotalTokens: 112}},
	)

	var emissions []string
	turn, err := Aggregate(context.Background(), events, Options{
		Now:       stepClock(40 * time.Millisecond),
		OnVisible: func(s string) { emissions = append(emissions, s) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if turn.ResponseText != "The fix is in the parser, one line changed." {
		t.Errorf("unexpected response text %q", turn.ResponseText)
	}
	if turn.Usage.TotalTokens != 112 {
		t.Errorf("usage not captured: %+v", turn.Usage)
	}
	if !turn.FirstContentEmitted {
		t.Error("expected content to be emitted")
	}
	if len(emissions) == 0 {
		t.Fatal("expected visible emissions")
	}
	last := emissions[len(emissions)-1]
	if last != "The fix is in the parser, one line changed." {
		t.Errorf("final emission %q", last)
	}
	for i := 1; i < len(emissions); i++ {
		if len(emissions[i]) < len(emissions[i-1]) {
			t.Errorf("visible length decreased at %d: %q -> %q", i, emissions[i-1], emissions[i])
		}
	}
}

func TestAggregateThrottleGate(t *testing.T) {
	// Clock steps 20ms per reading against a 32ms throttle: the first
	// emission is immediate, then every other delta is inside the window.
	events := feed(
		textDelta("streaming data one "),
		textDelta("two "),
		textDelta("three "),
		textDelta("four "),
		textDelta("five "),
		textDelta("six"),
		llm.StreamEvent{Type: llm.StreamFinish},
	)

	var emissions []string
	_, err := Aggregate(context.Background(), events, Options{
		Now:       stepClock(20 * time.Millisecond),
		OnVisible: func(s string) { emissions = append(emissions, s) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Deltas land at +0, +20, +40, +60, +80, +100; emissions fire at 0, 40
	// and 80, and the finish event flushes the text still inside the window.
	if len(emissions) != 4 {
		t.Fatalf("expected 4 emissions, got %d: %q", len(emissions), emissions)
	}
	if emissions[len(emissions)-1] != "streaming data one two three four five six" {
		t.Errorf("final emission %q", emissions[len(emissions)-1])
	}
}

func TestAggregateMinimumFirstEmission(t *testing.T) {
	events := feed(
		textDelta("Hi."),
		textDelta(" Everything checks out."),
		llm.StreamEvent{Type: llm.StreamFinish},
	)

	var emissions []string
	_, err := Aggregate(context.Background(), events, Options{
		Now:       stepClock(40 * time.Millisecond),
		OnVisible: func(s string) { emissions = append(emissions, s) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(emissions) == 0 {
		t.Fatal("expected an emission once enough content accumulated")
	}
	if emissions[0] == "Hi." {
		t.Error("first emission fired below the significant-content floor")
	}
	if got := emissions[0]; got != "Hi. Everything checks out." {
		t.Errorf("first emission %q", got)
	}
}

func TestAggregateFreezeOnNativeCall(t *testing.T) {
	call := &llm.ToolCall{ID: "call_1", Name: "read_file", Arguments: []byte(`{"path":"a.go"}`)}
	events := feed(
		llm.StreamEvent{Type: llm.StreamToolCallStart, ToolName: "read_file"},
		llm.StreamEvent{Type: llm.StreamToolCall, ToolCall: call},
		textDelta("text after the call should stay unsurfaced"),
		llm.StreamEvent{Type: llm.StreamFinish},
	)

	var emissions []string
	var started []string
	turn, err := Aggregate(context.Background(), events, Options{
		Now:             stepClock(40 * time.Millisecond),
		OnVisible:       func(s string) { emissions = append(emissions, s) },
		OnToolCallStart: func(name string) { started = append(started, name) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(turn.NativeCalls) != 1 || turn.NativeCalls[0].Name != "read_file" {
		t.Fatalf("native call not captured: %+v", turn.NativeCalls)
	}
	if len(emissions) != 0 {
		t.Errorf("frozen turn must not emit, got %q", emissions)
	}
	if turn.FirstContentEmitted {
		t.Error("FirstContentEmitted should be false")
	}
	if len(started) != 1 || started[0] != "read_file" {
		t.Errorf("expected one tool start notification, got %v", started)
	}
	if !strings.Contains(turn.ResponseText, "unsurfaced") {
		t.Error("content after freeze must still accumulate")
	}
}

func TestAggregateFreezeOnEmbeddedCall(t *testing.T) {
	events := feed(
		textDelta("Let me open that file for you. "),
		textDelta(`<tool_call>{"name": "read_file"`),
		textDelta(`, "arguments": {"path": "a.go"}}</tool_call>`),
		llm.StreamEvent{Type: llm.StreamFinish},
	)

	var emissions []string
	var started []string
	turn, err := Aggregate(context.Background(), events, Options{
		Now:             stepClock(40 * time.Millisecond),
		OnVisible:       func(s string) { emissions = append(emissions, s) },
		OnToolCallStart: func(name string) { started = append(started, name) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(emissions) != 1 {
		t.Fatalf("expected exactly the pre-call emission, got %q", emissions)
	}
	if strings.Contains(emissions[0], "tool_call") {
		t.Errorf("markup leaked into visible text: %q", emissions[0])
	}
	if len(started) != 1 || started[0] != "read_file" {
		t.Errorf("pending call name not reported: %v", started)
	}
	calls := toolcall.Extract(turn.ResponseText)
	if len(calls) != 1 || calls[0].Name != "read_file" {
		t.Errorf("embedded call not recoverable from response text: %+v", calls)
	}
}

func TestAggregatePartialMarkerStripped(t *testing.T) {
	events := feed(
		textDelta("All finished here. [TASK_COMP"),
		llm.StreamEvent{Type: llm.StreamFinish},
	)

	var emissions []string
	turn, err := Aggregate(context.Background(), events, Options{
		Now:       stepClock(40 * time.Millisecond),
		OnVisible: func(s string) { emissions = append(emissions, s) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, e := range emissions {
		if strings.Contains(e, "[TASK") {
			t.Errorf("marker fragment leaked: %q", e)
		}
	}
	if emissions[0] != "All finished here." {
		t.Errorf("expected stripped emission, got %q", emissions[0])
	}
	if !strings.Contains(turn.ResponseText, "[TASK_COMP") {
		t.Error("raw response text must keep the fragment")
	}
}

func TestAggregateCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan llm.StreamEvent)

	go func() {
		events <- textDelta("partial work before the stop ")
		cancel()
		// Producer hangs without closing the channel, like a stalled
		// transport; the aggregator must return via ctx anyway.
	}()

	turn, err := Aggregate(ctx, events, Options{Now: stepClock(40 * time.Millisecond)})
	if err != nil {
		t.Fatalf("cancellation must be clean, got %v", err)
	}
	if turn == nil {
		t.Fatal("turn must be returned on cancellation")
	}
	if turn.ResponseText != "partial work before the stop " {
		t.Errorf("partial content lost: %q", turn.ResponseText)
	}
}

func TestAggregateAbortDuringCancelIsClean(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := feed(
		llm.StreamEvent{Type: llm.StreamError, Err: &llm.AbortError{TransportError: llm.TransportError{Message: "operation was aborted"}}},
	)

	turn, err := Aggregate(ctx, events, Options{Now: stepClock(40 * time.Millisecond)})
	if err != nil {
		t.Fatalf("abort during cancellation must be clean, got %v", err)
	}
	if turn == nil {
		t.Fatal("turn must be returned")
	}
}

func TestAggregateTransportErrorSurfaced(t *testing.T) {
	events := feed(
		textDelta("some output "),
		llm.StreamEvent{Type: llm.StreamError, Err: &llm.ServerError{ProviderError: llm.ProviderError{
			TransportError: llm.TransportError{Message: "upstream 500"}, Retryable: true,
		}}},
	)

	turn, err := Aggregate(context.Background(), events, Options{Now: stepClock(40 * time.Millisecond)})
	if err == nil {
		t.Fatal("expected transport error")
	}
	if turn == nil || turn.ResponseText != "some output " {
		t.Errorf("partial turn must survive the error: %+v", turn)
	}
}

func TestAggregateReasoning(t *testing.T) {
	events := feed(
		llm.StreamEvent{Type: llm.StreamReasoningDelta, Reasoning: "The user wants the parser fixed. "},
		llm.StreamEvent{Type: llm.StreamReasoningDelta, Reasoning: "I should start with the scanner."},
		textDelta("Starting with the scanner module."),
		llm.StreamEvent{Type: llm.StreamFinish},
	)

	var reasoningDeltas []string
	turn, err := Aggregate(context.Background(), events, Options{
		Now:         stepClock(40 * time.Millisecond),
		OnReasoning: func(s string) { reasoningDeltas = append(reasoningDeltas, s) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reasoningDeltas) != 2 {
		t.Fatalf("expected 2 reasoning deltas, got %d", len(reasoningDeltas))
	}
	want := "The user wants the parser fixed. I should start with the scanner."
	if turn.ReasoningText != want {
		t.Errorf("reasoning text %q", turn.ReasoningText)
	}
	if turn.ReasoningEndedAt.IsZero() {
		t.Error("reasoning end timestamp not set")
	}
}

func TestTurnVisible(t *testing.T) {
	turn := &Turn{ResponseText: `Done. <tool_call>{"name": "grep", "arguments": {}}</tool_call> [TASK_COMPLETE]`}
	if got := turn.Visible(nil); got != "Done." {
		t.Errorf("expected %q, got %q", "Done.", got)
	}
}
