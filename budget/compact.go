package budget

import (
	"context"
	"fmt"
	"strings"

	"github.com/droverhq/drover/llm"
)

// Envelope markers wrapping a spliced-in conversation summary.
const (
	SummaryOpen  = "[CONVERSATION SUMMARY]"
	SummaryClose = "[/CONVERSATION SUMMARY]"
)

// Compaction defaults.
const (
	DefaultThreshold     = 0.70
	DefaultMinMessages   = 4
	DefaultPreserveTail  = 6
	DefaultPerMessageCap = 1500
)

// SummarizeFunc generates a continuation summary from a transcript prompt.
// llm.NewSummarizer produces one; any text-generation capability with this
// shape works.
type SummarizeFunc func(ctx context.Context, prompt string) (string, error)

// CompactionResult reports one successful compaction.
type CompactionResult struct {
	SummarizedMessages int `json:"summarized_messages"`
	TokensBefore       int `json:"tokens_before"`
	TokensAfter        int `json:"tokens_after"`
}

// Compactor replaces older conversation with a single generated summary when
// context pressure builds. The system prompt stays at index 0 and the most
// recent messages are preserved verbatim; only what lies strictly between
// them is summarized.
type Compactor struct {
	// Threshold is the fraction of the context window at which compaction
	// triggers. Default 0.70.
	Threshold float64

	// MinMessages is the list length the conversation must exceed before
	// compaction is considered. Default 4.
	MinMessages int

	// PreserveTail is how many trailing messages survive verbatim. Default 6,
	// three request/response pairs.
	PreserveTail int

	// PerMessageCap bounds each message's contribution to the summarization
	// transcript, in characters. Default 1500.
	PerMessageCap int

	// Summarize produces the summary text. Required for compaction to run.
	Summarize SummarizeFunc
}

func (c *Compactor) threshold() float64 {
	if c.Threshold <= 0 {
		return DefaultThreshold
	}
	return c.Threshold
}

func (c *Compactor) minMessages() int {
	if c.MinMessages <= 0 {
		return DefaultMinMessages
	}
	return c.MinMessages
}

func (c *Compactor) preserveTail() int {
	if c.PreserveTail <= 0 {
		return DefaultPreserveTail
	}
	return c.PreserveTail
}

func (c *Compactor) perMessageCap() int {
	if c.PerMessageCap <= 0 {
		return DefaultPerMessageCap
	}
	return c.PerMessageCap
}

// CompactIfNeeded compacts msgs when the trigger conditions hold: current
// tokens at or above the threshold fraction of contextWindow, more than
// MinMessages entries, and at least two candidates strictly between the
// system prompt and the preserved tail. actualTokens, when positive, is the
// authoritative current count; otherwise the estimate is used.
//
// A failed or empty summarization returns the original list with the error;
// the caller logs and moves on, losing nothing. The returned result is nil
// whenever no compaction happened.
func (c *Compactor) CompactIfNeeded(ctx context.Context, msgs []llm.Message, contextWindow, actualTokens int) ([]llm.Message, *CompactionResult, error) {
	tokens := actualTokens
	if tokens <= 0 {
		tokens = EstimateMessages(msgs)
	}
	if !c.shouldCompact(msgs, contextWindow, tokens) {
		return msgs, nil, nil
	}
	if c.Summarize == nil {
		return msgs, nil, fmt.Errorf("compaction needed but no summarize function configured")
	}

	tail := min(c.preserveTail(), len(msgs)-1)
	candidates := msgs[1 : len(msgs)-tail]

	summary, err := c.Summarize(ctx, summaryPrompt(renderTranscript(candidates, c.perMessageCap())))
	if err != nil {
		return msgs, nil, fmt.Errorf("summarization failed: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return msgs, nil, fmt.Errorf("summarization returned empty output")
	}

	compacted := make([]llm.Message, 0, len(msgs)-len(candidates)+1)
	compacted = append(compacted, msgs[0])
	compacted = append(compacted, summaryMessage(summary))
	compacted = append(compacted, msgs[len(msgs)-tail:]...)

	result := &CompactionResult{
		SummarizedMessages: len(candidates),
		TokensBefore:       tokens,
		TokensAfter:        EstimateMessages(compacted),
	}
	return compacted, result, nil
}

func (c *Compactor) shouldCompact(msgs []llm.Message, contextWindow, tokens int) bool {
	if contextWindow <= 0 {
		return false
	}
	if float64(tokens) < c.threshold()*float64(contextWindow) {
		return false
	}
	if len(msgs) <= c.minMessages() {
		return false
	}
	tail := min(c.preserveTail(), len(msgs)-1)
	return len(msgs)-1-tail >= 2
}

// renderTranscript flattens candidate messages into a role-labeled transcript,
// capping each message's contribution.
func renderTranscript(msgs []llm.Message, perMessageCap int) string {
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(strings.ToUpper(string(m.Role)))
		sb.WriteString(": ")
		sb.WriteString(capText(transcriptText(m), perMessageCap))
	}
	return sb.String()
}

func transcriptText(m llm.Message) string {
	var parts []string
	for _, p := range m.Content {
		switch p.Kind {
		case llm.ContentText:
			if s := strings.TrimSpace(p.Text); s != "" {
				parts = append(parts, s)
			}
		case llm.ContentToolCall:
			if p.ToolCall != nil {
				parts = append(parts, fmt.Sprintf("[called %s(%s)]", p.ToolCall.Name, p.ToolCall.Arguments))
			}
		case llm.ContentToolResult:
			if p.ToolResult != nil {
				parts = append(parts, p.ToolResult.Content)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func capText(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + " [...]"
}

func summaryPrompt(transcript string) string {
	return `The coding session below must continue in a fresh context. Summarize it so the work can resume without the original messages.

Respond with exactly these eight sections:
1. Task overview: what the user asked for.
2. Current state: what has been built or changed so far.
3. Discoveries: facts learned about the codebase or environment.
4. Failed approaches: what was tried and abandoned, and why.
5. Promises made: anything committed to that is not yet delivered.
6. Next steps: the concrete actions that should happen next.
7. Key code context: file paths, function names, and snippets that matter.
8. User intent: the user's most recent instructions, verbatim where possible.

Transcript:

` + transcript
}

// summaryMessage wraps the summary in its envelope as a single user message
// instructing the model to continue from that point.
func summaryMessage(summary string) llm.Message {
	return llm.UserMessage(SummaryOpen + "\n" + summary + "\n" + SummaryClose + "\n\n" +
		"Earlier conversation was compacted into the summary above. Continue the task from this point; do not ask for the removed messages.")
}
