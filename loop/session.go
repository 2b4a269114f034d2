package loop

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/budget"
	"github.com/droverhq/drover/llm"
	"github.com/droverhq/drover/stream"
	"github.com/droverhq/drover/toolcall"
)

// SessionConfig configures a Session. Zero fields fall back to the
// DefaultSessionConfig values, except RepetitionWindow where zero disables
// the repetition guard.
type SessionConfig struct {
	// MaxIterations bounds the number of model turns; reaching it forces
	// completion.
	MaxIterations int

	// SystemPrompt, when set, is pinned as the first message and survives
	// compaction.
	SystemPrompt string

	Model    string
	Provider string

	// MaxTokens is the per-turn generation budget. It doubles as the
	// predict reserve when the working context is sized.
	MaxTokens int

	// KnownTools gates bare-JSON call extraction and visible-text
	// stripping.
	KnownTools []string

	// ToolDefs are advertised on the native function-calling channel when
	// NativeTools is set. Models without native calling leave this off and
	// emit calls in text.
	ToolDefs    []llm.ToolDefinition
	NativeTools bool

	Throttle      time.Duration
	MinFirstRunes int

	// RepetitionWindow is the signature window of the repetition guard.
	RepetitionWindow int

	// ClampLimits bounds tool output before it re-enters the context.
	ClampLimits budget.Limits

	// ContextWindow is the model's maximum context, used when the catalog
	// does not know the model.
	ContextWindow int

	// EventBuffer sizes the event channel.
	EventBuffer int
}

// DefaultSessionConfig returns a config tuned for local coding models.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxIterations:    24,
		MaxTokens:        4096,
		Throttle:         stream.DefaultThrottle,
		MinFirstRunes:    stream.DefaultMinFirstRunes,
		RepetitionWindow: 10,
		ClampLimits:      budget.DefaultLimits(),
		ContextWindow:    8192,
		EventBuffer:      256,
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.Throttle <= 0 {
		c.Throttle = d.Throttle
	}
	if c.MinFirstRunes <= 0 {
		c.MinFirstRunes = d.MinFirstRunes
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = d.ContextWindow
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

// StopReason says why a run ended.
type StopReason string

const (
	StopSignaled        StopReason = "completion_signaled"
	StopImplicit        StopReason = "implicit_completion"
	StopConsecutive     StopReason = "consecutive_no_tool"
	StopBudgetExhausted StopReason = "budget_exhausted"
	StopAborted         StopReason = "aborted"
)

// Outcome is the result of one Run.
type Outcome struct {
	State         ControlState
	Reason        StopReason
	Iterations    int
	FilesChanged  []string
	FinalResponse string
	LastActivity  string
	Usage         llm.Usage
	Compactions   int
}

// Session drives one task through the model-dispatch loop. One Session
// serves one task; concurrent sessions are independent. The dispatcher must
// be non-nil.
type Session struct {
	id         string
	cfg        SessionConfig
	client     *llm.Client
	dispatcher Dispatcher
	store      TranscriptStore
	compactor  *budget.Compactor
	emitter    *EventEmitter
	retry      llm.RetryPolicy

	mu           sync.Mutex
	cancel       context.CancelFunc
	ran          bool
	history      []Turn
	state        ControlState
	filesChanged []string
	fileSeen     map[string]bool
	seq          int

	// Run-goroutine only.
	msgs         []llm.Message
	consecNoTool int
	lastTokens   int
	usage        llm.Usage
	compactions  int
}

// NewSession creates a session. Attach optional collaborators with SetStore
// and SetCompactor before calling Run.
func NewSession(client *llm.Client, dispatcher Dispatcher, cfg SessionConfig) *Session {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	return &Session{
		id:         id,
		cfg:        cfg,
		client:     client,
		dispatcher: dispatcher,
		emitter:    NewEventEmitter(id, cfg.EventBuffer),
		retry:      llm.DefaultRetryPolicy(),
		state:      StateNeedTools,
		fileSeen:   make(map[string]bool),
	}
}

func (s *Session) ID() string { return s.id }

// Events returns the session's event channel. It closes on Close.
func (s *Session) Events() <-chan Event { return s.emitter.Events() }

// SetStore attaches transcript persistence. Call before Run.
func (s *Session) SetStore(store TranscriptStore) { s.store = store }

// SetCompactor attaches conversation compaction. Call before Run.
func (s *Session) SetCompactor(c *budget.Compactor) { s.compactor = c }

// SetRetryPolicy overrides the default model-call retry policy. Call before
// Run.
func (s *Session) SetRetryPolicy(p llm.RetryPolicy) { s.retry = p }

// State returns the current control state.
func (s *Session) State() ControlState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the recorded turns.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Abort stops the run at the next safe point. Partial work is kept.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Close closes the event channel. Call after Run returns.
func (s *Session) Close() { s.emitter.Close() }

// Run drives the loop until completion, abort, or an unrecoverable model
// error. Cancellation, including Abort, ends the run with reason aborted
// and a nil error; the outcome reflects the work done so far.
func (s *Session) Run(ctx context.Context, task string) (*Outcome, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.ran {
		s.mu.Unlock()
		return nil, errors.New("session has already run")
	}
	s.ran = true
	s.cancel = cancel
	s.mu.Unlock()

	window := llm.ContextWindowFor(s.cfg.Model, s.cfg.ContextWindow)
	bg := context.WithoutCancel(runCtx)

	if s.cfg.SystemPrompt != "" {
		s.msgs = append(s.msgs, llm.SystemMessage(s.cfg.SystemPrompt))
	}
	if s.store != nil {
		if err := s.store.SaveSession(bg, s.id, task, time.Now()); err != nil {
			s.warn("save_session", err)
		}
	}
	s.emitter.Emit(EventSessionStart, map[string]any{"task": task, "model": s.cfg.Model})
	s.record(bg, NewUserTurn(firstMessage(task, s.cfg.MaxIterations)))

	var lastVisible, lastActivity string

	for iter := 1; ; iter++ {
		if runCtx.Err() != nil {
			return s.finish(bg, StopAborted, s.State(), iter-1, lastVisible, lastActivity), nil
		}
		if iter > s.cfg.MaxIterations {
			s.setState(StateComplete)
			return s.finish(bg, StopBudgetExhausted, StateComplete, iter-1, lastVisible, lastActivity), nil
		}

		s.emitter.Emit(EventTurnStart, map[string]any{"iteration": iter})
		s.compact(runCtx, window)

		turn, err := s.modelTurn(runCtx, window)
		if err != nil {
			if llm.IsAbort(err) && runCtx.Err() != nil {
				return s.finish(bg, StopAborted, s.State(), iter-1, lastVisible, lastActivity), nil
			}
			s.emitter.Emit(EventError, map[string]any{"error": err.Error()})
			s.end(bg, s.State())
			return nil, err
		}

		visible := turn.Visible(s.cfg.KnownTools)
		if visible != "" {
			lastVisible = visible
		}
		signaled := CompletionSignaled(turn.ResponseText, turn.ReasoningText)

		native := turn.NativeCalls
		var embedded []toolcall.Call
		if len(native) == 0 && !signaled {
			embedded = toolcall.ExtractKnown(turn.ResponseText, s.cfg.KnownTools)
		}

		s.record(bg, NewAssistantTurn(turn.ResponseText, turn.ReasoningText, native, embedded, turn.Usage))
		s.usage = s.usage.Add(turn.Usage)
		s.lastTokens = turn.Usage.TotalTokens
		s.emitter.Emit(EventTurnEnd, map[string]any{
			"iteration":     iter,
			"finish_reason": string(turn.FinishReason),
			"total_tokens":  turn.Usage.TotalTokens,
		})

		if runCtx.Err() != nil {
			return s.finish(bg, StopAborted, s.State(), iter, lastVisible, lastActivity), nil
		}
		if signaled {
			s.setState(StateComplete)
			return s.finish(bg, StopSignaled, StateComplete, iter, lastVisible, lastActivity), nil
		}

		var results []Result
		var batch []toolcall.Call
		for _, nc := range native {
			call := toolcall.Call{Name: nc.Name, Arguments: decodeArgs(nc.Arguments)}
			results = append(results, s.dispatch(runCtx, call, nc.ID))
			batch = append(batch, call)
		}
		for _, ec := range embedded {
			results = append(results, s.dispatch(runCtx, ec, ""))
			batch = append(batch, ec)
		}

		var event CompletionEvent
		if len(results) == 0 {
			s.consecNoTool++
			switch CheckNoToolCompletion(NoToolInput{
				Response:          visible,
				Reasoning:         turn.ReasoningText,
				FilesChanged:      s.hasFiles(),
				ConsecutiveNoTool: s.consecNoTool,
			}) {
			case DecisionBreakImplicit:
				s.setState(StateComplete)
				return s.finish(bg, StopImplicit, StateComplete, iter, lastVisible, lastActivity), nil
			case DecisionBreakConsecutive:
				s.setState(StateComplete)
				return s.finish(bg, StopConsecutive, StateComplete, iter, lastVisible, lastActivity), nil
			}
			event = CompletionNoTools
		} else {
			s.consecNoTool = 0
			s.record(bg, NewToolResultsTurn(results))
			event = classifyResults(results)
			if text := SummarizeCalls(batch); text != "" {
				lastActivity = text
				s.emitter.Emit(EventActivity, map[string]any{"activity": "calls_summary", "text": text})
			}
		}

		d := Decision{Event: event}
		if iter+1 >= s.cfg.MaxIterations {
			d.Event = CompletionNeedSummary
		}
		if s.cfg.RepetitionWindow > 0 && DetectRepetition(s.History(), s.cfg.RepetitionWindow) {
			s.emitter.Emit(EventRepetition, map[string]any{"window": s.cfg.RepetitionWindow})
			d.Note = "The recent tool calls repeat the same operations with the same arguments. Step back, reconsider the approach, and try something different."
		}

		cont := BuildContinuation(s.info(iter+1), d)
		s.record(bg, NewControlTurn(cont))
		s.setState(d.resolve())
		s.emitter.Emit(EventControl, map[string]any{"state": string(d.resolve())})
	}
}

// firstMessage carries the task verbatim, the opening packet, and the
// completion directive. Continuations never repeat the task; it exists only
// here.
func firstMessage(task string, maxIterations int) string {
	p := NewPacket(StateNeedTools, 1, maxIterations)
	return task + "\n\n" + p.Envelope() + "\n\n" + CompletionDirective
}

// modelTurn sizes the working context, issues the streaming request with
// retry, and aggregates the reply.
func (s *Session) modelTurn(ctx context.Context, window int) (*stream.Turn, error) {
	payload := budget.EstimateMessages(s.msgs)
	if s.cfg.NativeTools {
		payload += len(s.cfg.ToolDefs) * budget.TokensPerToolDef
	}
	numCtx := budget.ComputeNumCtx(payload, s.cfg.MaxTokens, window)

	maxTokens := s.cfg.MaxTokens
	req := llm.Request{
		Model:     s.cfg.Model,
		Provider:  s.cfg.Provider,
		Messages:  s.msgs,
		MaxTokens: &maxTokens,
		Options:   map[string]any{"num_ctx": numCtx},
	}
	if s.cfg.NativeTools {
		req.ToolDefs = s.cfg.ToolDefs
	}

	opts := stream.Options{
		Throttle:      s.cfg.Throttle,
		MinFirstRunes: s.cfg.MinFirstRunes,
		KnownTools:    s.cfg.KnownTools,
		OnVisible: func(text string) {
			s.emitter.Emit(EventVisible, map[string]any{"text": text})
		},
		OnReasoning: func(delta string) {
			s.emitter.Emit(EventReasoningDelta, map[string]any{"text": delta})
		},
		OnToolCallStart: func(name string) {
			s.emitter.Emit(EventActivity, map[string]any{"activity": "tool_call_detected", "tool": name})
		},
	}

	policy := s.retry
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		s.emitter.Emit(EventWarning, map[string]any{
			"op":       "model_call",
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
	}
	return llm.Retry(ctx, policy, func(ctx context.Context) (*stream.Turn, error) {
		events, err := s.client.Stream(ctx, req)
		if err != nil {
			return nil, err
		}
		return stream.Aggregate(ctx, events, opts)
	})
}

// compact runs the compactor against the working message list. Failures are
// reported and swallowed; the original list stays in place.
func (s *Session) compact(ctx context.Context, window int) {
	if s.compactor == nil {
		return
	}
	msgs, res, err := s.compactor.CompactIfNeeded(ctx, s.msgs, window, s.lastTokens)
	if err != nil {
		s.warn("compaction", err)
		return
	}
	if res == nil {
		return
	}
	s.msgs = msgs
	s.compactions++
	s.emitter.Emit(EventCompaction, map[string]any{
		"summarized":    res.SummarizedMessages,
		"tokens_before": res.TokensBefore,
		"tokens_after":  res.TokensAfter,
	})
	if s.store != nil {
		s.mu.Lock()
		at := s.seq
		s.mu.Unlock()
		if err := s.store.SaveCompaction(context.WithoutCancel(ctx), s.id, *res, at); err != nil {
			s.warn("save_compaction", err)
		}
	}
}

// dispatch executes one call. The emitted tool_end event carries the full
// output; the returned result carries the clamped form that re-enters the
// context.
func (s *Session) dispatch(ctx context.Context, call toolcall.Call, callID string) Result {
	s.emitter.Emit(EventToolStart, map[string]any{"tool": call.Name})
	r := s.dispatcher.Dispatch(ctx, call)
	if r.Name == "" {
		r.Name = call.Name
	}
	r.CallID = callID
	full := r.Content
	r.Content = budget.Clamp(r.Content, call.Name, s.cfg.ClampLimits)
	s.noteFiles(r.FilesChanged)
	s.emitter.Emit(EventToolEnd, map[string]any{
		"tool":      r.Name,
		"output":    full,
		"is_error":  r.IsError,
		"timed_out": r.TimedOut,
	})
	return r
}

// record appends the turn to history and the working message list, and
// persists it when a store is attached.
func (s *Session) record(ctx context.Context, turn Turn) {
	s.mu.Lock()
	s.history = append(s.history, turn)
	seq := s.seq
	s.seq++
	s.mu.Unlock()
	s.msgs = append(s.msgs, Messages([]Turn{turn})...)
	if s.store != nil {
		if err := s.store.SaveTurn(ctx, s.id, seq, turn); err != nil {
			s.warn("save_turn", err)
		}
	}
}

func (s *Session) info(iteration int) Info {
	s.mu.Lock()
	files := make([]any, len(s.filesChanged))
	for i, f := range s.filesChanged {
		files[i] = f
	}
	s.mu.Unlock()
	return Info{
		Iteration:     iteration,
		MaxIterations: s.cfg.MaxIterations,
		FilesChanged:  files,
	}
}

func (s *Session) noteFiles(files []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range files {
		f = strings.TrimSpace(f)
		if f == "" || s.fileSeen[f] {
			continue
		}
		s.fileSeen[f] = true
		s.filesChanged = append(s.filesChanged, f)
	}
}

func (s *Session) hasFiles() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.filesChanged) > 0
}

func (s *Session) setState(st ControlState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) warn(op string, err error) {
	s.emitter.Emit(EventWarning, map[string]any{"op": op, "error": err.Error()})
}

func (s *Session) finish(ctx context.Context, reason StopReason, state ControlState, iterations int, finalResponse, lastActivity string) *Outcome {
	s.end(ctx, state)
	s.mu.Lock()
	files := make([]string, len(s.filesChanged))
	copy(files, s.filesChanged)
	s.mu.Unlock()
	return &Outcome{
		State:         state,
		Reason:        reason,
		Iterations:    iterations,
		FilesChanged:  files,
		FinalResponse: finalResponse,
		LastActivity:  lastActivity,
		Usage:         s.usage,
		Compactions:   s.compactions,
	}
}

func (s *Session) end(ctx context.Context, state ControlState) {
	if s.store != nil {
		if err := s.store.FinishSession(ctx, s.id, state, time.Now()); err != nil {
			s.warn("finish_session", err)
		}
	}
	s.emitter.Emit(EventSessionEnd, map[string]any{"state": string(state)})
}

func decodeArgs(raw json.RawMessage) map[string]any {
	args := make(map[string]any)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &args)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args
}
