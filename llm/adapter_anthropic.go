package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicAdapter implements ProviderAdapter on the official Anthropic SDK.
// Native tool use streams through tool_call_start / tool_call events; text
// and thinking stream as deltas.
type AnthropicAdapter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicAdapter creates an adapter with the given API key and default model.
func NewAnthropicAdapter(apiKey, model string, opts ...option.RequestOption) *AnthropicAdapter {
	clientOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return &AnthropicAdapter{
		client:    anthropic.NewClient(clientOpts...),
		model:     model,
		maxTokens: 8192,
	}
}

// Name returns the provider identifier.
func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

// Complete sends a blocking request and returns the full response.
func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	params := a.buildParams(req)

	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.translateError(err)
	}

	var parts []ContentPart
	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			parts = append(parts, TextPart(variant.Text))
		case anthropic.ThinkingBlock:
			parts = append(parts, ContentPart{
				Kind:     ContentThinking,
				Thinking: &ThinkingData{Text: variant.Thinking, Signature: variant.Signature},
			})
		case anthropic.ToolUseBlock:
			inputJSON, _ := json.Marshal(variant.Input)
			parts = append(parts, ToolCallPart(variant.ID, variant.Name, inputJSON))
		}
	}

	return &Response{
		ID:       message.ID,
		Model:    string(message.Model),
		Provider: a.Name(),
		Message: Message{
			Role:    RoleAssistant,
			Content: parts,
		},
		FinishReason: mapAnthropicStopReason(string(message.StopReason)),
		Usage: Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
			TotalTokens:  int(message.Usage.InputTokens + message.Usage.OutputTokens),
		},
	}, nil
}

// anthropicPartial accumulates one streamed content block by index.
type anthropicPartial struct {
	blockType string
	toolID    string
	toolName  string
	inputJSON strings.Builder
}

// Stream sends a streaming request and returns a channel of StreamEvent objects.
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params := a.buildParams(req)
	stream := a.client.Messages.NewStreaming(ctx, params)

	ch := make(chan StreamEvent, 64)

	go func() {
		defer close(ch)

		var usage Usage
		finish := FinishStop
		partials := map[int64]*anthropicPartial{}

		emit := func(ev StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for stream.Next() {
			event := stream.Current()

			switch eventVariant := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage.InputTokens = int(eventVariant.Message.Usage.InputTokens)

			case anthropic.ContentBlockStartEvent:
				partial := &anthropicPartial{}
				switch blockVariant := eventVariant.ContentBlock.AsAny().(type) {
				case anthropic.ToolUseBlock:
					partial.blockType = "tool_use"
					partial.toolID = blockVariant.ID
					partial.toolName = blockVariant.Name
					if !emit(StreamEvent{Type: StreamToolCallStart, ToolName: blockVariant.Name}) {
						return
					}
				case anthropic.ThinkingBlock:
					partial.blockType = "thinking"
				default:
					partial.blockType = "text"
				}
				partials[eventVariant.Index] = partial

			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if deltaVariant.Text != "" {
						if !emit(StreamEvent{Type: StreamTextDelta, Delta: deltaVariant.Text}) {
							return
						}
					}
				case anthropic.ThinkingDelta:
					if deltaVariant.Thinking != "" {
						if !emit(StreamEvent{Type: StreamReasoningDelta, Reasoning: deltaVariant.Thinking}) {
							return
						}
					}
				case anthropic.InputJSONDelta:
					if partial, ok := partials[eventVariant.Index]; ok {
						partial.inputJSON.WriteString(deltaVariant.PartialJSON)
					}
				}

			case anthropic.ContentBlockStopEvent:
				partial, ok := partials[eventVariant.Index]
				if !ok || partial.blockType != "tool_use" {
					break
				}
				args := partial.inputJSON.String()
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				call := &ToolCall{
					ID:        partial.toolID,
					Name:      partial.toolName,
					Arguments: json.RawMessage(args),
				}
				if !emit(StreamEvent{Type: StreamToolCall, ToolCall: call}) {
					return
				}

			case anthropic.MessageDeltaEvent:
				if eventVariant.Usage.OutputTokens > 0 {
					usage.OutputTokens = int(eventVariant.Usage.OutputTokens)
					usage.TotalTokens = usage.InputTokens + usage.OutputTokens
				}
				if eventVariant.Delta.StopReason != "" {
					finish = mapAnthropicStopReason(string(eventVariant.Delta.StopReason))
				}
			}
		}

		if err := stream.Err(); err != nil {
			emit(StreamEvent{Type: StreamError, Err: a.translateError(err)})
			return
		}

		emit(StreamEvent{Type: StreamFinish, Usage: &usage, Response: &Response{
			Model:        req.Model,
			Provider:     a.Name(),
			FinishReason: finish,
			Usage:        usage,
		}})
	}()

	return ch, nil
}

// buildParams converts a Request into Anthropic message params.
func (a *AnthropicAdapter) buildParams(req Request) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := a.maxTokens
	if req.MaxTokens != nil {
		maxTokens = int64(*req.MaxTokens)
	}

	messages, systemPrompt := convertToAnthropicMessages(req.Messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}
	if len(req.ToolDefs) > 0 {
		params.Tools = convertToAnthropicTools(req.ToolDefs)
	}
	return params
}

// convertToAnthropicMessages converts history to Anthropic format, pulling
// system messages out into the dedicated system field.
func convertToAnthropicMessages(messages []Message) ([]anthropic.MessageParam, string) {
	var out []anthropic.MessageParam
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += msg.TextContent()
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.TextContent()),
			))
		case RoleAssistant:
			calls := msg.ToolCalls()
			if len(calls) > 0 {
				content := &anthropic.MessageParam{
					Role: anthropic.MessageParamRoleAssistant,
				}
				if text := msg.TextContent(); text != "" {
					content.Content = append(content.Content, anthropic.NewTextBlock(text))
				}
				for _, tc := range calls {
					var input map[string]interface{}
					_ = json.Unmarshal(tc.Arguments, &input)
					content.Content = append(content.Content, anthropic.ContentBlockParamUnion{
						OfToolUse: &anthropic.ToolUseBlockParam{
							ID:    tc.ID,
							Name:  tc.Name,
							Input: input,
						},
					})
				}
				out = append(out, *content)
			} else {
				out = append(out, anthropic.NewAssistantMessage(
					anthropic.NewTextBlock(msg.TextContent()),
				))
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind == ContentToolResult && part.ToolResult != nil {
					out = append(out, anthropic.NewUserMessage(
						anthropic.NewToolResultBlock(part.ToolResult.ToolCallID, part.ToolResult.Content, part.ToolResult.IsError),
					))
				}
			}
		}
	}

	return out, systemPrompt
}

// convertToAnthropicTools converts tool definitions to Anthropic format.
func convertToAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		properties, _ := t.Parameters["properties"].(map[string]interface{})
		required, _ := t.Parameters["required"].([]string)

		toolParam := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: properties,
				Required:   required,
			},
		}
		result[i] = anthropic.ToolUnionParam{OfTool: &toolParam}
	}
	return result
}

func mapAnthropicStopReason(reason string) FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	default:
		return FinishStop
	}
}

// translateError maps SDK errors into the error hierarchy.
func (a *AnthropicAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AbortError{TransportError: TransportError{Message: "request aborted", Cause: err}}
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return ErrorFromStatusCode(apierr.StatusCode, err.Error(), a.Name(), "", nil, nil)
	}
	return &NetworkError{TransportError: TransportError{Message: "anthropic request failed", Cause: err}}
}
