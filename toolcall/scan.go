package toolcall

import (
	"encoding/json"
	"strings"
)

// quoteNormalizer maps typographic quote characters to their ASCII
// equivalents. Some models emit curly quotes inside otherwise-valid JSON.
var quoteNormalizer = strings.NewReplacer(
	"‘", "'", // left single
	"’", "'", // right single
	"‚", "'", // low single
	"‛", "'", // reversed single
	"“", `"`, // left double
	"”", `"`, // right double
	"„", `"`, // low double
	"‟", `"`, // reversed double
)

func normalizeQuotes(s string) string {
	return quoteNormalizer.Replace(s)
}

// scanObject scans s for a JSON object starting at the first '{'. It tracks
// string literals and escape sequences so braces inside strings are opaque,
// and stops at the first position where the brace depth returns to zero.
//
// Returns the start index of the object, the index one past its end, and the
// residual depth. depth > 0 means the text ended before the object closed
// (truncated output); end is then len(s). start == -1 means no '{' at all.
func scanObject(s string) (start, end, depth int) {
	start = strings.IndexByte(s, '{')
	if start == -1 {
		return -1, 0, 0
	}

	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString:
			if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return start, i + 1, 0
			}
		}
	}
	return start, len(s), depth
}

// FirstObject returns the first brace-balanced JSON object fragment in s,
// with quotes normalized and missing closing braces appended when the text
// was truncated. The fragment is not guaranteed to parse; callers unmarshal
// it themselves when they need the raw bytes rather than a decoded map.
func FirstObject(s string) (string, bool) {
	s = normalizeQuotes(s)
	start, end, depth := scanObject(s)
	if start == -1 {
		return "", false
	}
	fragment := s[start:end]
	if depth > 0 {
		fragment += strings.Repeat("}", depth)
	}
	return fragment, true
}

// decodeObject unmarshals a candidate object, repairing a truncated fragment
// by appending the missing closing braces. Returns nil if the candidate is
// unrecoverable.
func decodeObject(fragment string, depth int) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(fragment), &obj); err == nil {
		return obj
	}
	if depth <= 0 {
		return nil
	}
	repaired := fragment + strings.Repeat("}", depth)
	if err := json.Unmarshal([]byte(repaired), &obj); err == nil {
		return obj
	}
	return nil
}

// callFromObject interprets a decoded JSON object as a Call. The name may
// live under any of the tolerated name keys; the arguments under any of the
// tolerated argument keys, or, failing those, every remaining top-level key
// becomes an argument. Returns false when no name can be found.
func callFromObject(obj map[string]any) (Call, bool) {
	var name, nameKey string
	for _, k := range nameKeys {
		if v, ok := obj[k].(string); ok && strings.TrimSpace(v) != "" {
			name = strings.TrimSpace(v)
			nameKey = k
			break
		}
	}
	if name == "" {
		return Call{}, false
	}

	for _, k := range argKeys {
		v, ok := obj[k]
		if !ok {
			continue
		}
		switch args := v.(type) {
		case map[string]any:
			return Call{Name: name, Arguments: args}, true
		case string:
			// Some backends double-encode arguments as a JSON string.
			var nested map[string]any
			if err := json.Unmarshal([]byte(args), &nested); err == nil {
				return Call{Name: name, Arguments: nested}, true
			}
		}
	}

	// No recognized arguments key: the remaining top-level keys are the
	// argument set.
	rest := make(map[string]any, len(obj))
	for k, v := range obj {
		if k == nameKey {
			continue
		}
		skip := false
		for _, ak := range argKeys {
			if k == ak {
				skip = true
				break
			}
		}
		if !skip {
			rest[k] = v
		}
	}
	return Call{Name: name, Arguments: rest}, true
}

// hasArgsKey reports whether the object carries an explicit arguments-like
// field. Bare-JSON detection without an allow-list requires one to avoid
// claiming unrelated JSON.
func hasArgsKey(obj map[string]any) bool {
	for _, k := range argKeys {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}

func nameAllowed(name string, allowed []string) bool {
	for _, a := range allowed {
		if name == a {
			return true
		}
	}
	return false
}
