package budget

import (
	"math"
	"strings"

	"github.com/droverhq/drover/llm"
)

const (
	// tokensPerWord is the heuristic ratio between whitespace-separated words
	// and tokens. Estimates are advisory; when a backend reports a real total
	// the breakdown is rescaled against it.
	tokensPerWord = 1.3

	// TokensPerToolDef approximates the serialized cost of one tool
	// definition in the request payload.
	TokensPerToolDef = 30

	// FileMarker tags user messages that carry embedded file context. Such
	// messages are counted in the Files bucket rather than Messages.
	FileMarker = "[file:"
)

// EstimateText estimates the token count of a text fragment.
func EstimateText(s string) int {
	words := len(strings.Fields(s))
	if words == 0 {
		return 0
	}
	return int(math.Ceil(float64(words) * tokensPerWord))
}

// EstimateMessages estimates the total token count of a message list.
func EstimateMessages(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateText(estimableText(m))
	}
	return total
}

// estimableText flattens a message into the text that contributes to its
// wire size: prose, reasoning, tool results, and serialized tool calls.
func estimableText(m llm.Message) string {
	var sb strings.Builder
	for _, part := range m.Content {
		switch part.Kind {
		case llm.ContentText:
			sb.WriteString(part.Text)
		case llm.ContentThinking:
			if part.Thinking != nil {
				sb.WriteString(part.Thinking.Text)
			}
		case llm.ContentToolResult:
			if part.ToolResult != nil {
				sb.WriteString(part.ToolResult.Content)
			}
		case llm.ContentToolCall:
			if part.ToolCall != nil {
				sb.WriteString(part.ToolCall.Name)
				sb.WriteString(" ")
				sb.Write(part.ToolCall.Arguments)
			}
		}
		sb.WriteString(" ")
	}
	return sb.String()
}

// Breakdown is a categorical view of context consumption.
type Breakdown struct {
	System      int `json:"system"`
	ToolDefs    int `json:"tool_definitions"`
	Messages    int `json:"messages"`
	ToolResults int `json:"tool_results"`
	Files       int `json:"files"`
}

// Total returns the sum of all categories.
func (b Breakdown) Total() int {
	return b.System + b.ToolDefs + b.Messages + b.ToolResults + b.Files
}

// Categorize estimates context consumption per category for a message list
// and tool definition set.
func Categorize(msgs []llm.Message, toolDefs []llm.ToolDefinition) Breakdown {
	b := Breakdown{ToolDefs: len(toolDefs) * TokensPerToolDef}
	for _, m := range msgs {
		est := EstimateText(estimableText(m))
		switch {
		case m.Role == llm.RoleSystem:
			b.System += est
		case m.Role == llm.RoleTool:
			b.ToolResults += est
		case m.Role == llm.RoleUser && strings.Contains(m.TextContent(), FileMarker):
			b.Files += est
		default:
			b.Messages += est
		}
	}
	return b
}

// Rescale proportionally adjusts every category so the breakdown sums to the
// authoritative total reported by a backend, preserving relative weight. A
// non-positive total or an empty breakdown is returned unchanged.
func (b Breakdown) Rescale(total int) Breakdown {
	sum := b.Total()
	if total <= 0 || sum <= 0 {
		return b
	}
	ratio := float64(total) / float64(sum)
	scaled := Breakdown{
		System:      int(math.Round(float64(b.System) * ratio)),
		ToolDefs:    int(math.Round(float64(b.ToolDefs) * ratio)),
		Messages:    int(math.Round(float64(b.Messages) * ratio)),
		ToolResults: int(math.Round(float64(b.ToolResults) * ratio)),
		Files:       int(math.Round(float64(b.Files) * ratio)),
	}
	// Rounding drift lands on the largest category so the sum is exact.
	drift := total - scaled.Total()
	if drift != 0 {
		largest := &scaled.Messages
		for _, c := range []*int{&scaled.System, &scaled.ToolDefs, &scaled.ToolResults, &scaled.Files} {
			if *c > *largest {
				largest = c
			}
		}
		*largest += drift
	}
	return scaled
}
