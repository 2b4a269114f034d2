package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIAdapter implements ProviderAdapter on the go-openai client. With a
// custom base URL it also serves OpenAI-compatible endpoints (Ollama, vLLM,
// llama.cpp), which is how local models are driven.
type OpenAIAdapter struct {
	client      *openai.Client
	name        string
	model       string
	maxTokens   int
	temperature float32
}

// NewOpenAIAdapter creates an adapter against the hosted OpenAI API.
func NewOpenAIAdapter(apiKey, model string) *OpenAIAdapter {
	if model == "" {
		model = "gpt-5.2-mini"
	}
	return &OpenAIAdapter{
		client:      openai.NewClient(apiKey),
		name:        "openai",
		model:       model,
		maxTokens:   8192,
		temperature: 0.7,
	}
}

// NewOpenAICompatAdapter creates an adapter against an OpenAI-compatible
// endpoint such as an Ollama or vLLM server. The returned adapter registers
// under the given provider name.
func NewOpenAICompatAdapter(name, baseURL, apiKey, model string) *OpenAIAdapter {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL
	return &OpenAIAdapter{
		client:      openai.NewClientWithConfig(config),
		name:        name,
		model:       model,
		maxTokens:   8192,
		temperature: 0.7,
	}
}

// Name returns the provider identifier.
func (a *OpenAIAdapter) Name() string {
	return a.name
}

// Complete sends a blocking request and returns the full response.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := a.client.CreateChatCompletion(ctx, a.buildRequest(req, false))
	if err != nil {
		return nil, a.translateError(err)
	}

	var parts []ContentPart
	finish := FinishStop
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Message.ReasoningContent != "" {
			parts = append(parts, ThinkingPart(choice.Message.ReasoningContent))
		}
		if choice.Message.Content != "" {
			parts = append(parts, TextPart(choice.Message.Content))
		}
		for _, tc := range choice.Message.ToolCalls {
			parts = append(parts, ToolCallPart(tc.ID, tc.Function.Name, json.RawMessage(tc.Function.Arguments)))
		}
		finish = mapOpenAIFinishReason(choice.FinishReason)
	}

	return &Response{
		ID:       resp.ID,
		Model:    resp.Model,
		Provider: a.name,
		Message: Message{
			Role:    RoleAssistant,
			Content: parts,
		},
		FinishReason: finish,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

// openaiPartialCall accumulates one streamed tool call by choice index.
type openaiPartialCall struct {
	id   string
	name string
	args strings.Builder
}

// Stream sends a streaming request and returns a channel of StreamEvent objects.
func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	stream, err := a.client.CreateChatCompletionStream(ctx, a.buildRequest(req, true))
	if err != nil {
		return nil, a.translateError(err)
	}

	ch := make(chan StreamEvent, 64)

	go func() {
		defer close(ch)
		defer stream.Close()

		var usage Usage
		finish := FinishStop
		partials := map[int]*openaiPartialCall{}

		emit := func(ev StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		flushCalls := func() bool {
			if len(partials) == 0 {
				return true
			}
			indexes := make([]int, 0, len(partials))
			for idx := range partials {
				indexes = append(indexes, idx)
			}
			sort.Ints(indexes)
			for _, idx := range indexes {
				partial := partials[idx]
				args := partial.args.String()
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				call := &ToolCall{
					ID:        partial.id,
					Name:      partial.name,
					Arguments: json.RawMessage(args),
				}
				if !emit(StreamEvent{Type: StreamToolCall, ToolCall: call}) {
					return false
				}
			}
			partials = map[int]*openaiPartialCall{}
			return true
		}

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				emit(StreamEvent{Type: StreamError, Err: a.translateError(err)})
				return
			}

			// Usage arrives on the final chunk when IncludeUsage is set.
			if response.Usage != nil {
				usage = Usage{
					InputTokens:  response.Usage.PromptTokens,
					OutputTokens: response.Usage.CompletionTokens,
					TotalTokens:  response.Usage.TotalTokens,
				}
			}

			if len(response.Choices) == 0 {
				continue
			}
			choice := response.Choices[0]

			if choice.Delta.ReasoningContent != "" {
				if !emit(StreamEvent{Type: StreamReasoningDelta, Reasoning: choice.Delta.ReasoningContent}) {
					return
				}
			}
			if choice.Delta.Content != "" {
				if !emit(StreamEvent{Type: StreamTextDelta, Delta: choice.Delta.Content}) {
					return
				}
			}

			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				partial, ok := partials[idx]
				if !ok {
					partial = &openaiPartialCall{}
					partials[idx] = partial
				}
				if tc.ID != "" {
					partial.id = tc.ID
				}
				if tc.Function.Name != "" {
					if partial.name == "" {
						if !emit(StreamEvent{Type: StreamToolCallStart, ToolName: tc.Function.Name}) {
							return
						}
					}
					partial.name = tc.Function.Name
				}
				partial.args.WriteString(tc.Function.Arguments)
			}

			if choice.FinishReason != "" && choice.FinishReason != openai.FinishReasonNull {
				finish = mapOpenAIFinishReason(choice.FinishReason)
			}
		}

		if !flushCalls() {
			return
		}

		emit(StreamEvent{Type: StreamFinish, Usage: &usage, Response: &Response{
			Model:        req.Model,
			Provider:     a.name,
			FinishReason: finish,
			Usage:        usage,
		}})
	}()

	return ch, nil
}

// buildRequest converts a Request into the go-openai request shape.
func (a *OpenAIAdapter) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := a.maxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	temperature := a.temperature
	if req.Temperature != nil {
		temperature = float32(*req.Temperature)
	}

	out := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    convertToOpenAIMessages(req.Messages),
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	if len(req.ToolDefs) > 0 {
		out.Tools = convertToOpenAITools(req.ToolDefs)
	}
	if stream {
		out.Stream = true
		out.StreamOptions = &openai.StreamOptions{
			IncludeUsage: true,
		}
	}
	return out
}

// convertToOpenAIMessages converts history to openai.ChatCompletionMessage,
// flattening content parts into the role/content/tool_calls wire shape.
func convertToOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		oaiMsg := openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.TextContent(),
		}

		for _, tc := range msg.ToolCalls() {
			oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}

		if msg.Role == RoleTool {
			oaiMsg.ToolCallID = msg.ToolCallID
			for _, part := range msg.Content {
				if part.Kind == ContentToolResult && part.ToolResult != nil {
					oaiMsg.Content = part.ToolResult.Content
				}
			}
		}

		result = append(result, oaiMsg)
	}
	return result
}

// convertToOpenAITools converts tool definitions to OpenAI format.
func convertToOpenAITools(tools []ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return result
}

func mapOpenAIFinishReason(reason openai.FinishReason) FinishReason {
	switch reason {
	case openai.FinishReasonStop:
		return FinishStop
	case openai.FinishReasonLength:
		return FinishLength
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return FinishToolCalls
	default:
		return FinishStop
	}
}

// translateError maps go-openai errors into the error hierarchy.
func (a *OpenAIAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AbortError{TransportError: TransportError{Message: "request aborted", Cause: err}}
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if s, ok := apiErr.Code.(string); ok {
			code = s
		}
		return ErrorFromStatusCode(apiErr.HTTPStatusCode, apiErr.Message, a.name, code, nil, nil)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return ErrorFromStatusCode(reqErr.HTTPStatusCode, reqErr.Error(), a.name, "", nil, nil)
	}
	return &NetworkError{TransportError: TransportError{
		Message: fmt.Sprintf("%s request failed", a.name), Cause: err,
	}}
}
