package loop

import (
	"time"

	"github.com/droverhq/drover/llm"
	"github.com/droverhq/drover/toolcall"
)

// TurnKind discriminates the variants of Turn.
type TurnKind string

const (
	TurnUser        TurnKind = "user"
	TurnAssistant   TurnKind = "assistant"
	TurnToolResults TurnKind = "tool_results"
	TurnControl     TurnKind = "control"
)

// Turn is one entry in a session's history, a tagged union over the four
// kinds. Exactly one of the pointer fields is set, matching Kind.
type Turn struct {
	Kind      TurnKind  `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	User        *UserTurn        `json:"user,omitempty"`
	Assistant   *AssistantTurn   `json:"assistant,omitempty"`
	ToolResults *ToolResultsTurn `json:"tool_results,omitempty"`
	Control     *ControlTurn     `json:"control,omitempty"`
}

// UserTurn is task input from the user.
type UserTurn struct {
	Text string `json:"text"`
}

// AssistantTurn is one model response. Content keeps the raw text with any
// embedded call markup; EmbeddedCalls holds what was extracted from it.
type AssistantTurn struct {
	Content       string          `json:"content"`
	Reasoning     string          `json:"reasoning,omitempty"`
	NativeCalls   []llm.ToolCall  `json:"native_calls,omitempty"`
	EmbeddedCalls []toolcall.Call `json:"embedded_calls,omitempty"`
	Usage         llm.Usage       `json:"usage"`
}

// ToolResultsTurn carries the outcomes of the calls made in the preceding
// assistant turn.
type ToolResultsTurn struct {
	Results []Result `json:"results"`
}

// ControlTurn is loop-generated steering: continuation messages, repetition
// warnings.
type ControlTurn struct {
	Text string `json:"text"`
}

func NewUserTurn(text string) Turn {
	return Turn{Kind: TurnUser, Timestamp: time.Now(), User: &UserTurn{Text: text}}
}

func NewAssistantTurn(content, reasoning string, native []llm.ToolCall, embedded []toolcall.Call, usage llm.Usage) Turn {
	return Turn{
		Kind:      TurnAssistant,
		Timestamp: time.Now(),
		Assistant: &AssistantTurn{
			Content:       content,
			Reasoning:     reasoning,
			NativeCalls:   native,
			EmbeddedCalls: embedded,
			Usage:         usage,
		},
	}
}

func NewToolResultsTurn(results []Result) Turn {
	return Turn{Kind: TurnToolResults, Timestamp: time.Now(), ToolResults: &ToolResultsTurn{Results: results}}
}

func NewControlTurn(text string) Turn {
	return Turn{Kind: TurnControl, Timestamp: time.Now(), Control: &ControlTurn{Text: text}}
}

// TextContent returns the turn's primary text for display and persistence.
func (t Turn) TextContent() string {
	switch t.Kind {
	case TurnUser:
		if t.User != nil {
			return t.User.Text
		}
	case TurnAssistant:
		if t.Assistant != nil {
			return t.Assistant.Content
		}
	case TurnToolResults:
		if t.ToolResults != nil {
			return FormatNativeResults(t.ToolResults.Results)
		}
	case TurnControl:
		if t.Control != nil {
			return t.Control.Text
		}
	}
	return ""
}

// Messages converts history to a request message list. Assistant turns keep
// their raw content; embedded calls ride inside it and only native calls
// become dedicated parts. Results with a call ID return on the tool role,
// the rest fold into one user message.
func Messages(history []Turn) []llm.Message {
	var msgs []llm.Message
	for _, t := range history {
		switch t.Kind {
		case TurnUser:
			if t.User != nil {
				msgs = append(msgs, llm.UserMessage(t.User.Text))
			}
		case TurnAssistant:
			if t.Assistant == nil {
				continue
			}
			msg := llm.Message{Role: llm.RoleAssistant}
			if t.Assistant.Content != "" {
				msg.Content = append(msg.Content, llm.TextPart(t.Assistant.Content))
			}
			for _, c := range t.Assistant.NativeCalls {
				msg.Content = append(msg.Content, llm.ToolCallPart(c.ID, c.Name, c.Arguments))
			}
			if len(msg.Content) > 0 {
				msgs = append(msgs, msg)
			}
		case TurnToolResults:
			if t.ToolResults == nil {
				continue
			}
			var loose []Result
			for _, r := range t.ToolResults.Results {
				if r.CallID != "" {
					msgs = append(msgs, llm.ToolResultMessage(r.CallID, r.Content, r.IsError))
				} else {
					loose = append(loose, r)
				}
			}
			if len(loose) > 0 {
				msgs = append(msgs, llm.UserMessage(FormatNativeResults(loose)))
			}
		case TurnControl:
			if t.Control != nil {
				msgs = append(msgs, llm.UserMessage(t.Control.Text))
			}
		}
	}
	return msgs
}
