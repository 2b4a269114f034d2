package budget

import (
	"strings"
	"testing"

	"github.com/droverhq/drover/llm"
)

func TestEstimateText(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"   \n\t ", 0},
		{"word", 2},
		{"one two three four", 6},
		{strings.Repeat("tok ", 100), 130},
	}
	for _, tc := range cases {
		if got := EstimateText(tc.text); got != tc.want {
			t.Errorf("EstimateText(%.20q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestEstimateMessagesCountsAllParts(t *testing.T) {
	msgs := []llm.Message{
		llm.UserMessage("please fix the failing test"),
		{
			Role: llm.RoleAssistant,
			Content: []llm.ContentPart{
				llm.TextPart("running it now"),
				llm.ToolCallPart("c1", "run", []byte(`{"cmd":"go test"}`)),
			},
		},
		llm.ToolResultMessage("c1", "ok  pass  0.42s", false),
	}
	if got := EstimateMessages(msgs); got <= EstimateText("please fix the failing test") {
		t.Errorf("estimate %d does not cover tool call and result content", got)
	}
}

func TestCategorize(t *testing.T) {
	msgs := []llm.Message{
		llm.SystemMessage("You are a coding agent."),
		llm.UserMessage("fix the bug in main.go"),
		llm.UserMessage("[file: main.go]\npackage main\n\nfunc main() {}"),
		llm.AssistantMessage("I will read the file first."),
		llm.ToolResultMessage("c1", "package main contents here", false),
	}
	defs := []llm.ToolDefinition{{Name: "read_file"}, {Name: "write_file"}}

	b := Categorize(msgs, defs)
	if b.ToolDefs != 2*TokensPerToolDef {
		t.Errorf("ToolDefs = %d, want %d", b.ToolDefs, 2*TokensPerToolDef)
	}
	if b.System == 0 || b.Messages == 0 || b.ToolResults == 0 || b.Files == 0 {
		t.Errorf("all categories should be populated: %+v", b)
	}
	// Only marker-bearing user messages land in Files.
	noFiles := Categorize(msgs[:2], nil)
	if noFiles.Files != 0 {
		t.Errorf("Files bucket without file markers = %d, want 0", noFiles.Files)
	}
}

func TestBreakdownRescale(t *testing.T) {
	b := Breakdown{System: 100, ToolDefs: 60, Messages: 500, ToolResults: 300, Files: 40}
	scaled := b.Rescale(2000)
	if scaled.Total() != 2000 {
		t.Errorf("rescaled total = %d, want 2000", scaled.Total())
	}
	if scaled.Messages <= scaled.System || scaled.ToolResults <= scaled.ToolDefs {
		t.Errorf("relative weight not preserved: %+v", scaled)
	}

	if got := b.Rescale(0); got != b {
		t.Errorf("non-positive total must not rescale: %+v", got)
	}
	var zero Breakdown
	if got := zero.Rescale(500); got != zero {
		t.Errorf("empty breakdown must not rescale: %+v", got)
	}
}
