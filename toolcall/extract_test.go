package toolcall

import (
	"testing"
)

func TestExtractDelimitedBlock(t *testing.T) {
	text := `I'll read the file now.
<tool_call>{"name": "read_file", "arguments": {"path": "main.go"}}</tool_call>`

	calls := Extract(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "read_file" {
		t.Errorf("expected name read_file, got %q", calls[0].Name)
	}
	if calls[0].Arguments["path"] != "main.go" {
		t.Errorf("expected path main.go, got %v", calls[0].Arguments["path"])
	}
}

func TestExtractMultipleBlocksInOrder(t *testing.T) {
	text := `<tool_call>{"name": "grep", "arguments": {"pattern": "TODO"}}</tool_call>
Some prose in between.
<tool_call>{"name": "read_file", "arguments": {"path": "a.go"}}</tool_call>
<tool_call>{"name": "write_file", "arguments": {"path": "b.go", "content": "x"}}</tool_call>`

	calls := Extract(text)
	if len(calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(calls))
	}
	want := []string{"grep", "read_file", "write_file"}
	for i, name := range want {
		if calls[i].Name != name {
			t.Errorf("call %d: expected %q, got %q", i, name, calls[i].Name)
		}
	}
}

func TestExtractNameAliases(t *testing.T) {
	for _, nameKey := range []string{"name", "tool", "function"} {
		for _, argKey := range []string{"arguments", "args", "params", "parameters"} {
			text := `<tool_call>{"` + nameKey + `": "grep", "` + argKey + `": {"pattern": "x"}}</tool_call>`
			calls := Extract(text)
			if len(calls) != 1 {
				t.Fatalf("%s/%s: expected 1 call, got %d", nameKey, argKey, len(calls))
			}
			if calls[0].Name != "grep" {
				t.Errorf("%s/%s: expected grep, got %q", nameKey, argKey, calls[0].Name)
			}
			if calls[0].Arguments["pattern"] != "x" {
				t.Errorf("%s/%s: arguments not decoded: %v", nameKey, argKey, calls[0].Arguments)
			}
		}
	}
}

func TestExtractRemainingKeysAsArguments(t *testing.T) {
	text := `<tool_call>{"name": "read_file", "path": "main.go", "offset": 10}</tool_call>`
	calls := Extract(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Arguments["path"] != "main.go" {
		t.Errorf("expected path argument, got %v", calls[0].Arguments)
	}
	if calls[0].Arguments["offset"] != float64(10) {
		t.Errorf("expected offset 10, got %v", calls[0].Arguments["offset"])
	}
	if _, ok := calls[0].Arguments["name"]; ok {
		t.Error("name key must not leak into arguments")
	}
}

func TestExtractStringEncodedArguments(t *testing.T) {
	text := `<tool_call>{"name": "grep", "arguments": "{\"pattern\": \"x\"}"}</tool_call>`
	calls := Extract(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Arguments["pattern"] != "x" {
		t.Errorf("expected decoded nested arguments, got %v", calls[0].Arguments)
	}
}

func TestExtractTruncatedBlock(t *testing.T) {
	// Missing one closing brace and the closing delimiter.
	text := `<tool_call>{"name": "read_file", "arguments": {"path": "a.ts"}`
	calls := Extract(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call from truncated block, got %d", len(calls))
	}
	if calls[0].Name != "read_file" {
		t.Errorf("expected read_file, got %q", calls[0].Name)
	}
	if calls[0].Arguments["path"] != "a.ts" {
		t.Errorf("expected path a.ts, got %v", calls[0].Arguments)
	}
}

func TestExtractMissingDelimiterBalancedJSON(t *testing.T) {
	text := `<tool_call>{"name": "read_file", "arguments": {"path": "a.ts"}}`
	calls := Extract(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "read_file" || calls[0].Arguments["path"] != "a.ts" {
		t.Errorf("unexpected call %+v", calls[0])
	}
}

func TestExtractDeeplyTruncated(t *testing.T) {
	// Missing two closing braces.
	text := `<tool_call>{"name": "apply_edit", "arguments": {"edits": {"file": "a.go"`
	calls := Extract(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "apply_edit" {
		t.Errorf("expected apply_edit, got %q", calls[0].Name)
	}
}

func TestExtractBracesInsideStrings(t *testing.T) {
	text := `<tool_call>{"name": "write_file", "arguments": {"content": "func main() { fmt.Println(\"}\") }"}}</tool_call>`
	calls := Extract(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	want := `func main() { fmt.Println("}") }`
	if calls[0].Arguments["content"] != want {
		t.Errorf("string-aware scan failed: %v", calls[0].Arguments["content"])
	}
}

func TestExtractSmartQuotes(t *testing.T) {
	text := "<tool_call>{“name”: “read_file”, “arguments”: {“path”: “main.go”}}</tool_call>"
	calls := Extract(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "read_file" || calls[0].Arguments["path"] != "main.go" {
		t.Errorf("smart quotes not normalized: %+v", calls[0])
	}
}

func TestExtractBracketedConvention(t *testing.T) {
	text := `[TOOL_CALLS] grep [ARGS] {"pattern": "TODO", "glob": "*.go"}`
	calls := Extract(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "grep" {
		t.Errorf("expected grep, got %q", calls[0].Name)
	}
	if calls[0].Arguments["glob"] != "*.go" {
		t.Errorf("unexpected arguments %v", calls[0].Arguments)
	}
}

func TestExtractBracketedTruncatedArgs(t *testing.T) {
	text := `[TOOL_CALLS] read_file [ARGS] {"path": "main.go"`
	calls := Extract(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "read_file" || calls[0].Arguments["path"] != "main.go" {
		t.Errorf("unexpected call %+v", calls[0])
	}
}

func TestExtractMixedConventionsDocumentOrder(t *testing.T) {
	text := `[TOOL_CALLS] grep [ARGS] {"pattern": "x"}
then
<tool_call>{"name": "read_file", "arguments": {"path": "a.go"}}</tool_call>`

	calls := Extract(text)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Name != "grep" || calls[1].Name != "read_file" {
		t.Errorf("document order violated: %q, %q", calls[0].Name, calls[1].Name)
	}
}

func TestExtractBareJSONRequiresArgsField(t *testing.T) {
	// With an arguments-like field: claimed.
	calls := Extract(`Sure: {"name": "grep", "arguments": {"pattern": "x"}}`)
	if len(calls) != 1 || calls[0].Name != "grep" {
		t.Fatalf("expected bare call claimed, got %+v", calls)
	}

	// Without one: unrelated JSON, not a call.
	calls = Extract(`The config is {"name": "my-project", "version": 2}`)
	if len(calls) != 0 {
		t.Fatalf("expected no calls from unrelated JSON, got %+v", calls)
	}
}

func TestExtractKnownAllowList(t *testing.T) {
	known := []string{"read_file", "grep"}

	// Known name without an explicit arguments field: claimed via allow-list.
	calls := ExtractKnown(`{"name": "read_file", "path": "a.go"}`, known)
	if len(calls) != 1 || calls[0].Arguments["path"] != "a.go" {
		t.Fatalf("expected allow-listed call, got %+v", calls)
	}

	// Unknown name: not claimed even with an arguments field.
	calls = ExtractKnown(`{"name": "launch_rocket", "arguments": {"target": "moon"}}`, known)
	if len(calls) != 0 {
		t.Fatalf("expected no calls for unknown name, got %+v", calls)
	}
}

func TestExtractFallbackSkippedWhenMarkupPresent(t *testing.T) {
	text := `<tool_call>{"name": "grep", "arguments": {"pattern": "x"}}</tool_call>
{"name": "stray", "arguments": {"y": 1}}`

	calls := Extract(text)
	if len(calls) != 1 {
		t.Fatalf("expected fallback to be skipped, got %d calls", len(calls))
	}
	if calls[0].Name != "grep" {
		t.Errorf("expected grep, got %q", calls[0].Name)
	}
}

func TestExtractNamelessDropped(t *testing.T) {
	calls := Extract(`<tool_call>{"arguments": {"path": "a.go"}}</tool_call>`)
	if len(calls) != 0 {
		t.Fatalf("expected nameless call dropped, got %+v", calls)
	}
}

func TestExtractGarbageNeverPanics(t *testing.T) {
	inputs := []string{
		"",
		"{",
		"}{",
		"<tool_call>",
		"<tool_call>}",
		"<tool_call>{\"name\": \"x",
		"[TOOL_CALLS]",
		"[TOOL_CALLS] x [ARGS]",
		"[TOOL_CALLS] x [ARGS] not json",
		`{"name": }`,
		"<tool_call>{\"name\": \"a\"}</tool_call><tool_call>",
	}
	for _, in := range inputs {
		_ = Extract(in)
		_ = ExtractKnown(in, []string{"x"})
		_ = Remove(in)
		_ = PendingName(in)
	}
}

func TestPendingName(t *testing.T) {
	if got := PendingName(`<tool_call>{"name": "read_file", "arguments": {"pa`); got != "read_file" {
		t.Errorf("expected read_file, got %q", got)
	}
	if got := PendingName(`<tool_call>{"na`); got != "" {
		t.Errorf("expected empty for unparseable fragment, got %q", got)
	}
	if got := PendingName(`<tool_call>{"name": "grep", "arguments": {}}</tool_call>`); got != "" {
		t.Errorf("expected empty for closed block, got %q", got)
	}
	if got := PendingName("no calls here"); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}

func TestHasPending(t *testing.T) {
	if !HasPending(`prose <tool_call>{"name":`) {
		t.Error("unterminated block should be pending")
	}
	if HasPending(`<tool_call>{"name": "x", "arguments": {}}</tool_call> done`) {
		t.Error("closed block is not pending")
	}
	if !HasPending(`[TOOL_CALLS] grep [AR`) {
		t.Error("bracketed marker should be pending")
	}
	if HasPending("plain prose") {
		t.Error("plain prose is not pending")
	}
}
