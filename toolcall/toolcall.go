// Package toolcall decodes tool invocations that a model embeds in plain
// response text. Small and quantized models rarely speak a function-calling
// wire format reliably; instead they emit calls in one of several textual
// conventions, often truncated mid-stream. This package recognizes those
// conventions, repairs truncated JSON where possible, and never returns an
// error: undecodable candidates are dropped silently.
//
// Three conventions are recognized, in priority order:
//
//  1. A delimited block wrapping a single JSON object:
//     <tool_call>{"name": "read_file", "arguments": {"path": "main.go"}}</tool_call>
//  2. A bracketed marker line:
//     [TOOL_CALLS] read_file [ARGS] {"path": "main.go"}
//  3. As a last resort, a bare JSON object anywhere in the text that has a
//     name-like and an arguments-like field.
package toolcall

// Markers of the embedded text protocol. Models are prompted to use these;
// the extractor and the visible-text pipeline both key off them.
const (
	// BlockOpen and BlockClose delimit convention 1.
	BlockOpen  = "<tool_call>"
	BlockClose = "</tool_call>"

	// CallsTag and ArgsTag form convention 2.
	CallsTag = "[TOOL_CALLS]"
	ArgsTag  = "[ARGS]"

	// CompletionMarker is the plain-text token a model emits to signal that
	// the task is done.
	CompletionMarker = "[TASK_COMPLETE]"
)

// Call is one tool invocation decoded from text. Name is never empty;
// Arguments is never nil, though it may be empty.
type Call struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Key aliases tolerated when decoding a call object. Models trained on
// different function-calling formats disagree on these.
var (
	nameKeys = []string{"name", "tool", "function"}
	argKeys  = []string{"arguments", "args", "params", "parameters"}
)
