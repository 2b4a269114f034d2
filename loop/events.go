package loop

import (
	"sync"
	"time"
)

// EventKind identifies the type of session event.
type EventKind string

const (
	EventSessionStart   EventKind = "session_start"
	EventSessionEnd     EventKind = "session_end"
	EventTurnStart      EventKind = "turn_start"
	EventTurnEnd        EventKind = "turn_end"
	EventVisible        EventKind = "visible"
	EventReasoningDelta EventKind = "reasoning_delta"
	EventToolStart      EventKind = "tool_start"
	EventToolEnd        EventKind = "tool_end"
	EventActivity       EventKind = "activity"
	EventControl        EventKind = "control"
	EventCompaction     EventKind = "compaction"
	EventRepetition     EventKind = "repetition"
	EventWarning        EventKind = "warning"
	EventError          EventKind = "error"
)

// Event is a typed notification from a running session.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventEmitter delivers events to the host over a buffered channel. A slow
// consumer never blocks the loop: when the buffer is full the event is
// dropped and counted.
type EventEmitter struct {
	sessionID string
	ch        chan Event
	mu        sync.Mutex
	closed    bool
	dropped   int
}

// NewEventEmitter creates an emitter with the given buffer size; sizes at
// or below zero fall back to 256.
func NewEventEmitter(sessionID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{
		sessionID: sessionID,
		ch:        make(chan Event, bufferSize),
	}
}

// Emit sends an event. Emitting on a closed emitter is a no-op.
func (e *EventEmitter) Emit(kind EventKind, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	ev := Event{
		Kind:      kind,
		Timestamp: time.Now(),
		SessionID: e.sessionID,
		Data:      data,
	}
	select {
	case e.ch <- ev:
	default:
		e.dropped++
	}
}

// Events returns the read-only event channel. It is closed by Close.
func (e *EventEmitter) Events() <-chan Event {
	return e.ch
}

// Dropped reports how many events were discarded because the buffer was
// full.
func (e *EventEmitter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
