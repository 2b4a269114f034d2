package loop

import (
	"strings"

	"github.com/droverhq/drover/toolcall"
)

// SummarizeCalls renders a short first-person sentence describing a batch
// of tool calls, for activity lines and final summaries: "I searched for
// TODO, then read main.go." Unrecognized tools come out as "used <name>".
// An empty batch renders as "".
func SummarizeCalls(calls []toolcall.Call) string {
	if len(calls) == 0 {
		return ""
	}
	phrases := make([]string, 0, len(calls))
	for _, c := range calls {
		phrases = append(phrases, callPhrase(c))
	}
	return "I " + strings.Join(phrases, ", then ") + "."
}

// callPhrase matches on name fragments. Code-navigation names are checked
// before the generic verbs; "find_references" must not read as a search.
func callPhrase(c toolcall.Call) string {
	name := strings.ToLower(c.Name)
	switch {
	case strings.Contains(name, "hierarchy"):
		if sym := symbolArg(c); sym != "" {
			return "traced the call hierarchy of " + sym
		}
		return "traced a call hierarchy"
	case strings.Contains(name, "definition"):
		if sym := symbolArg(c); sym != "" {
			return "looked up the definition of " + sym
		}
		return "looked up a definition"
	case strings.Contains(name, "reference"):
		if sym := symbolArg(c); sym != "" {
			return "found references to " + sym
		}
		return "found references"
	case strings.Contains(name, "delegate"), strings.Contains(name, "agent"), strings.Contains(name, "spawn"):
		return "delegated a subtask"
	case strings.Contains(name, "read"):
		if p := stringArg(c, "path", "file", "file_path"); p != "" {
			return "read " + p
		}
		return "read a file"
	case strings.Contains(name, "write"), strings.Contains(name, "edit"), strings.Contains(name, "patch"):
		if p := stringArg(c, "path", "file", "file_path"); p != "" {
			return "wrote " + p
		}
		return "wrote a file"
	case strings.Contains(name, "search"), strings.Contains(name, "grep"), strings.Contains(name, "find"):
		if q := stringArg(c, "query", "pattern", "q"); q != "" {
			return "searched for " + q
		}
		return "searched"
	case strings.Contains(name, "terminal"), strings.Contains(name, "shell"), strings.Contains(name, "run"),
		strings.Contains(name, "exec"), strings.Contains(name, "bash"), strings.Contains(name, "command"):
		if cmd := stringArg(c, "command", "cmd"); cmd != "" {
			return "ran " + cmd
		}
		return "ran a command"
	}
	return "used " + c.Name
}

func symbolArg(c toolcall.Call) string {
	return stringArg(c, "symbol", "name", "identifier")
}

func stringArg(c toolcall.Call, keys ...string) string {
	for _, k := range keys {
		v, ok := c.Arguments[k]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}
