// Package stream reconstructs one model turn from an incremental delta
// stream: it accumulates response text, reasoning text and native tool
// calls, surfaces user-visible prose at a bounded rate, and terminates
// cleanly on cancellation. One aggregator consumes one turn; sessions own
// their aggregators and share nothing.
package stream

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/droverhq/drover/llm"
	"github.com/droverhq/drover/toolcall"
)

const (
	// DefaultThrottle is the minimum wall-clock gap between visible-text
	// emissions.
	DefaultThrottle = 32 * time.Millisecond

	// DefaultMinFirstRunes is how much significant content (neither
	// whitespace nor punctuation) must accumulate before the first visible
	// emission. Prevents a one-character flash at turn start.
	DefaultMinFirstRunes = 8
)

// Turn is the aggregated result of one streamed model turn.
type Turn struct {
	// ResponseText is the raw accumulated content, markup included. Callers
	// extract embedded tool calls from it; Visible renders it as prose.
	ResponseText string

	// ReasoningText is accumulated chain-of-thought content with call
	// markup and completion markers stripped.
	ReasoningText string

	// NativeCalls are tool calls surfaced through the model's own
	// function-calling channel, in arrival order.
	NativeCalls []llm.ToolCall

	// FirstContentEmitted records whether any visible text reached the
	// consumer during the turn.
	FirstContentEmitted bool

	// ReasoningEndedAt is when reasoning gave way to content, zero when the
	// turn had no reasoning.
	ReasoningEndedAt time.Time

	FinishReason llm.FinishReason
	Usage        llm.Usage
}

// Visible renders the turn's user-facing prose: response text with all call
// markup, known-tool bare JSON, and completion markers stripped.
func (t *Turn) Visible(known []string) string {
	text := toolcall.Remove(t.ResponseText)
	if len(known) > 0 {
		text = toolcall.RemoveKnown(text, known)
	}
	return text
}

// Options configures Aggregate. The zero value is usable: defaults are
// applied for the throttle, first-emission threshold and clock.
type Options struct {
	// Throttle is the minimum interval between visible-text emissions.
	Throttle time.Duration

	// MinFirstRunes gates the first emission on accumulated significant
	// content.
	MinFirstRunes int

	// Marker is the completion token whose trailing partial instances are
	// stripped from visible text. Defaults to toolcall.CompletionMarker.
	Marker string

	// KnownTools gates stripping of bare-JSON calls from visible text.
	KnownTools []string

	// OnVisible receives the cumulative visible text at each rate-gated
	// emission. Values are monotonically non-decreasing in length.
	OnVisible func(text string)

	// OnReasoning receives each reasoning fragment as it arrives.
	OnReasoning func(delta string)

	// OnToolCallStart fires when a tool call is first detected, native or
	// embedded, with the tool name once it is known.
	OnToolCallStart func(name string)

	// Now is the wall clock, injectable for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Throttle <= 0 {
		o.Throttle = DefaultThrottle
	}
	if o.MinFirstRunes <= 0 {
		o.MinFirstRunes = DefaultMinFirstRunes
	}
	if o.Marker == "" {
		o.Marker = toolcall.CompletionMarker
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Aggregate consumes events until the stream finishes, fails, or ctx is
// cancelled. The turn accumulated so far is always returned, partial or
// not, so callers can account for work done before cancellation.
//
// A transport abort that arrives while ctx is already cancelled is the
// expected unwind of an intentional stop and is returned as a nil error.
func Aggregate(ctx context.Context, events <-chan llm.StreamEvent, opts Options) (*Turn, error) {
	opts = opts.withDefaults()

	agg := &aggregator{opts: opts, turn: &Turn{}}

	for {
		select {
		case <-ctx.Done():
			agg.finalize()
			return agg.turn, nil
		case ev, ok := <-events:
			if !ok {
				agg.finalize()
				return agg.turn, nil
			}
			switch ev.Type {
			case llm.StreamTextDelta:
				agg.onContent(ev.Delta)
			case llm.StreamReasoningDelta:
				agg.onReasoning(ev.Reasoning)
			case llm.StreamToolCallStart:
				agg.freeze(ev.ToolName)
			case llm.StreamToolCall:
				if ev.ToolCall != nil {
					agg.freeze(ev.ToolCall.Name)
					agg.turn.NativeCalls = append(agg.turn.NativeCalls, *ev.ToolCall)
				}
			case llm.StreamFinish:
				if ev.Usage != nil {
					agg.turn.Usage = *ev.Usage
				}
				if ev.Response != nil {
					agg.turn.FinishReason = ev.Response.FinishReason
				}
				agg.finalize()
				return agg.turn, nil
			case llm.StreamError:
				agg.finalize()
				if llm.IsAbort(ev.Err) && ctx.Err() != nil {
					return agg.turn, nil
				}
				return agg.turn, ev.Err
			}
		}
	}
}

// aggregator is the per-turn accumulation state.
type aggregator struct {
	opts Options
	turn *Turn

	content   strings.Builder
	reasoning strings.Builder

	// frozen stops visible emission for the rest of the turn once a tool
	// call is underway. Accumulation continues.
	frozen       bool
	firstEmitted bool
	lastEmit     time.Time
	lastVisible  string
	notifiedTool string
	sawReasoning bool
}

func (a *aggregator) onReasoning(delta string) {
	if delta == "" {
		return
	}
	a.reasoning.WriteString(delta)
	a.sawReasoning = true
	if a.opts.OnReasoning != nil {
		a.opts.OnReasoning(delta)
	}
}

func (a *aggregator) onContent(delta string) {
	if delta == "" {
		return
	}
	a.content.WriteString(delta)
	if a.sawReasoning && a.turn.ReasoningEndedAt.IsZero() {
		a.turn.ReasoningEndedAt = a.opts.Now()
	}
	if a.frozen {
		return
	}

	// The rate gate is a synchronous clock comparison on every delta, not a
	// timer. A tight producer loop can starve deferred callbacks; checking
	// here keeps emissions flowing no matter how fast deltas arrive.
	now := a.opts.Now()
	if a.firstEmitted && now.Sub(a.lastEmit) < a.opts.Throttle {
		return
	}

	if a.checkPending() {
		return
	}

	visible := a.visible()
	if !a.firstEmitted && significantRunes(visible) < a.opts.MinFirstRunes {
		return
	}
	a.emit(visible, now)
}

func (a *aggregator) emit(visible string, now time.Time) {
	if visible == "" || visible == a.lastVisible {
		return
	}
	a.lastVisible = visible
	a.firstEmitted = true
	a.turn.FirstContentEmitted = true
	a.lastEmit = now
	if a.opts.OnVisible != nil {
		a.opts.OnVisible(visible)
	}
}

// checkPending freezes the turn when embedded call markup has started
// streaming, reporting the tool name for progress display once it is known.
func (a *aggregator) checkPending() bool {
	text := a.content.String()
	if !toolcall.HasPending(text) {
		return false
	}
	a.freeze(toolcall.PendingName(text))
	return true
}

func (a *aggregator) freeze(name string) {
	a.frozen = true
	if name != "" && name != a.notifiedTool {
		a.notifiedTool = name
		if a.opts.OnToolCallStart != nil {
			a.opts.OnToolCallStart(name)
		}
	}
}

// finalize fixes the turn's accumulated text and performs the final visible
// emission, which bypasses the throttle.
func (a *aggregator) finalize() {
	a.turn.ResponseText = a.content.String()
	a.turn.ReasoningText = toolcall.Remove(a.reasoning.String())
	if a.sawReasoning && a.turn.ReasoningEndedAt.IsZero() {
		a.turn.ReasoningEndedAt = a.opts.Now()
	}
	if a.frozen || a.checkPending() {
		return
	}
	a.emit(a.visible(), a.opts.Now())
}

// visible renders the current accumulated content as prose: full markup
// stripping, then removal of any trailing partial marker or call opener so
// a token cut mid-stream never leaks a fragment.
func (a *aggregator) visible() string {
	text := toolcall.Remove(a.content.String())
	if len(a.opts.KnownTools) > 0 {
		text = toolcall.RemoveKnown(text, a.opts.KnownTools)
	}
	if a.opts.Marker != toolcall.CompletionMarker {
		text = strings.ReplaceAll(text, a.opts.Marker, "")
	}
	for _, token := range []string{a.opts.Marker, toolcall.BlockOpen, toolcall.CallsTag} {
		text = stripTrailingPartial(text, token)
	}
	return strings.TrimRight(text, " \t\n")
}

// stripTrailingPartial removes a trailing proper prefix of token from text.
func stripTrailingPartial(text, token string) string {
	max := len(token) - 1
	if max > len(text) {
		max = len(text)
	}
	for l := max; l >= 1; l-- {
		if strings.HasSuffix(text, token[:l]) {
			return text[:len(text)-l]
		}
	}
	return text
}

// significantRunes counts runes that are neither whitespace nor punctuation.
func significantRunes(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) && !unicode.IsPunct(r) {
			n++
		}
	}
	return n
}
