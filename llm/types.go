// Package llm provides the provider-agnostic model transport consumed by the
// orchestration loop: a message/content model, blocking and streaming request
// contracts, a typed error taxonomy with retry, and adapters for concrete
// backends (gollm, Anthropic, OpenAI-compatible servers).
package llm

import (
	"encoding/json"
	"strings"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind is the discriminator tag for ContentPart.
type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentToolCall   ContentKind = "tool_call"
	ContentToolResult ContentKind = "tool_result"
	ContentThinking   ContentKind = "thinking"
)

// ToolCall is a model-initiated tool invocation surfaced through the native
// function-calling channel.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResultData holds the outcome of a dispatched tool call.
type ToolResultData struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ThinkingData holds model reasoning content, kept separate from ordinary
// response text so hosts can render it differently.
type ThinkingData struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

// ContentPart is a tagged union representing one part of a message.
type ContentPart struct {
	Kind       ContentKind     `json:"kind"`
	Text       string          `json:"text,omitempty"`
	ToolCall   *ToolCall       `json:"tool_call,omitempty"`
	ToolResult *ToolResultData `json:"tool_result,omitempty"`
	Thinking   *ThinkingData   `json:"thinking,omitempty"`
}

// TextPart creates a text ContentPart.
func TextPart(text string) ContentPart {
	return ContentPart{Kind: ContentText, Text: text}
}

// ToolCallPart creates a tool call ContentPart.
func ToolCallPart(id, name string, args json.RawMessage) ContentPart {
	return ContentPart{
		Kind:     ContentToolCall,
		ToolCall: &ToolCall{ID: id, Name: name, Arguments: args},
	}
}

// ToolResultPart creates a tool result ContentPart.
func ToolResultPart(toolCallID, content string, isError bool) ContentPart {
	return ContentPart{
		Kind:       ContentToolResult,
		ToolResult: &ToolResultData{ToolCallID: toolCallID, Content: content, IsError: isError},
	}
}

// ThinkingPart creates a thinking ContentPart.
func ThinkingPart(text string) ContentPart {
	return ContentPart{Kind: ContentThinking, Thinking: &ThinkingData{Text: text}}
}

// Message is the fundamental unit of conversation.
type Message struct {
	Role       Role          `json:"role"`
	Content    []ContentPart `json:"content"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// TextContent returns the concatenation of all text content parts.
func (m Message) TextContent() string {
	var sb strings.Builder
	for _, part := range m.Content {
		if part.Kind == ContentText {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// ToolCalls extracts all native tool calls from the message content.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, part := range m.Content {
		if part.Kind == ContentToolCall && part.ToolCall != nil {
			calls = append(calls, *part.ToolCall)
		}
	}
	return calls
}

// Reasoning returns the concatenated thinking content of the message.
func (m Message) Reasoning() string {
	var sb strings.Builder
	for _, part := range m.Content {
		if part.Kind == ContentThinking && part.Thinking != nil {
			sb.WriteString(part.Thinking.Text)
		}
	}
	return sb.String()
}

// SystemMessage creates a system Message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentPart{TextPart(text)}}
}

// UserMessage creates a user Message with text content.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentPart{TextPart(text)}}
}

// AssistantMessage creates an assistant Message with text content.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentPart{TextPart(text)}}
}

// ToolResultMessage creates a tool result Message.
func ToolResultMessage(toolCallID, content string, isError bool) Message {
	return Message{
		Role:       RoleTool,
		Content:    []ContentPart{ToolResultPart(toolCallID, content, isError)},
		ToolCallID: toolCallID,
	}
}

// ToolDefinition describes a tool for the model (serializable metadata only;
// execution lives with the dispatcher collaborator).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is the input for both Complete and Stream.
type Request struct {
	Model       string           `json:"model"`
	Provider    string           `json:"provider,omitempty"`
	Messages    []Message        `json:"messages"`
	ToolDefs    []ToolDefinition `json:"tools,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	// Options carries provider-specific knobs the core does not interpret,
	// e.g. the working context window ("num_ctx") sized by the budget layer.
	Options map[string]any `json:"options,omitempty"`
}

// FinishReason describes why generation stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
	FinishError     FinishReason = "error"
)

// Usage tracks token consumption for one model call. TotalTokens, when
// reported by the backend, is the authoritative count the budget layer
// rescales its estimates against.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add returns a new Usage that is the sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// Response is the output of Complete.
type Response struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Provider     string       `json:"provider"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

// Text returns the concatenated text from all text parts in the response.
func (r Response) Text() string {
	return r.Message.TextContent()
}

// ToolCallsFromResponse extracts native tool calls from the response message.
func (r Response) ToolCallsFromResponse() []ToolCall {
	return r.Message.ToolCalls()
}

// Reasoning returns concatenated reasoning text from thinking parts.
func (r Response) Reasoning() string {
	return r.Message.Reasoning()
}

// StreamEventType identifies the kind of stream event.
type StreamEventType string

const (
	// StreamTextDelta carries an incremental fragment of response text.
	StreamTextDelta StreamEventType = "text_delta"
	// StreamReasoningDelta carries an incremental fragment of reasoning text.
	StreamReasoningDelta StreamEventType = "reasoning_delta"
	// StreamToolCallStart announces that a native tool call began streaming;
	// only the name is known at this point.
	StreamToolCallStart StreamEventType = "tool_call_start"
	// StreamToolCall carries one fully assembled native tool call.
	StreamToolCall StreamEventType = "tool_call"
	// StreamFinish terminates a stream normally.
	StreamFinish StreamEventType = "finish"
	// StreamError terminates a stream with a transport failure.
	StreamError StreamEventType = "error"
)

// StreamEvent is a single delta from a streaming response. Adapters assemble
// provider wire formats into this shape; the aggregator consumes it.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	Delta     string          `json:"delta,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolCall  *ToolCall       `json:"tool_call,omitempty"`
	Usage     *Usage          `json:"usage,omitempty"`
	Response  *Response       `json:"response,omitempty"`
	Err       error           `json:"-"`
}
