package toolcall

import (
	"sort"
	"strings"
)

// Extract returns every tool call found in text, in document order. The
// bare-JSON fallback runs ungated: a bare object must carry an explicit
// arguments-like field to be claimed as a call.
func Extract(text string) []Call {
	return ExtractKnown(text, nil)
}

// ExtractKnown is Extract with an allow-list for the bare-JSON fallback:
// a bare object is claimed only when its name is one of the known tools.
// The delimited and bracketed conventions are not gated; explicit markup is
// trusted as-is.
func ExtractKnown(text string, known []string) []Call {
	text = normalizeQuotes(text)

	type positioned struct {
		pos  int
		call Call
	}
	var found []positioned

	// Convention 1: delimited blocks.
	for offset := 0; ; {
		idx := strings.Index(text[offset:], BlockOpen)
		if idx == -1 {
			break
		}
		pos := offset + idx
		body := text[pos+len(BlockOpen):]

		start, end, depth := scanObject(body)
		if start == -1 {
			offset = pos + len(BlockOpen)
			continue
		}
		if close := strings.Index(body, BlockClose); close != -1 && close < start {
			// Empty block; the JSON belongs to later text.
			offset = pos + len(BlockOpen) + close + len(BlockClose)
			continue
		}
		if obj := decodeObject(body[start:end], depth); obj != nil {
			if call, ok := callFromObject(obj); ok {
				found = append(found, positioned{pos, call})
			}
		}
		offset = pos + len(BlockOpen) + end
	}

	// Convention 2: bracketed marker lines.
	for offset := 0; ; {
		idx := strings.Index(text[offset:], CallsTag)
		if idx == -1 {
			break
		}
		pos := offset + idx
		rest := text[pos+len(CallsTag):]

		argsIdx := strings.Index(rest, ArgsTag)
		if argsIdx == -1 || strings.ContainsRune(rest[:argsIdx], '\n') {
			// Marker line without arguments on the same line; skip it.
			offset = pos + len(CallsTag)
			continue
		}
		name := strings.TrimSpace(rest[:argsIdx])
		argsText := rest[argsIdx+len(ArgsTag):]

		start, end, depth := scanObject(argsText)
		if start == -1 || pastLine(argsText, start) {
			offset = pos + len(CallsTag) + argsIdx + len(ArgsTag)
			continue
		}
		obj := decodeObject(argsText[start:end], depth)
		switch {
		case name != "" && obj != nil:
			found = append(found, positioned{pos, Call{Name: name, Arguments: obj}})
		case name != "" && obj == nil:
			found = append(found, positioned{pos, Call{Name: name, Arguments: map[string]any{}}})
		case name == "" && obj != nil:
			// Marker without a literal name; the object itself may be a
			// full call.
			if call, ok := callFromObject(obj); ok {
				found = append(found, positioned{pos, call})
			}
		}
		offset = pos + len(CallsTag) + argsIdx + len(ArgsTag) + end
	}

	// Convention 3: bare JSON fallback, only when markup found nothing.
	if len(found) == 0 {
		for offset := 0; offset < len(text); {
			start, end, depth := scanObject(text[offset:])
			if start == -1 {
				break
			}
			absStart, absEnd := offset+start, offset+end
			if obj := decodeObject(text[absStart:absEnd], depth); obj != nil {
				if call, ok := callFromObject(obj); ok {
					switch {
					case len(known) > 0 && nameAllowed(call.Name, known):
						found = append(found, positioned{absStart, call})
					case len(known) == 0 && hasArgsKey(obj):
						found = append(found, positioned{absStart, call})
					}
				}
			}
			if absEnd <= absStart {
				absEnd = absStart + 1
			}
			offset = absEnd
			if depth > 0 {
				break
			}
		}
	}

	if len(found) == 0 {
		return nil
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].pos < found[j].pos })
	calls := make([]Call, len(found))
	for i, f := range found {
		calls[i] = f.call
	}
	return calls
}

// pastLine reports whether index i in s falls beyond the first line break.
// The bracketed convention requires its JSON to begin on the marker line.
func pastLine(s string, i int) bool {
	nl := strings.IndexByte(s, '\n')
	return nl != -1 && i > nl
}

// PendingName returns the tool name of an in-progress delimited call: an
// opening delimiter with no closing delimiter after it. Returns "" when no
// call is in progress or its name has not streamed in yet. Used to drive
// progress indicators while a call is still arriving.
func PendingName(text string) string {
	text = normalizeQuotes(text)
	idx := strings.LastIndex(text, BlockOpen)
	if idx == -1 {
		return ""
	}
	body := text[idx+len(BlockOpen):]
	if strings.Contains(body, BlockClose) {
		return ""
	}
	start, end, depth := scanObject(body)
	if start == -1 {
		return ""
	}
	if obj := decodeObject(body[start:end], depth); obj != nil {
		if call, ok := callFromObject(obj); ok {
			return call.Name
		}
	}
	return ""
}

// HasPending reports whether the text contains tool-call markup that has
// started but may still be streaming: an unterminated delimited block, or a
// bracketed marker. Consumers stop surfacing incremental prose once this
// turns true.
func HasPending(text string) bool {
	if idx := strings.LastIndex(text, BlockOpen); idx != -1 {
		if !strings.Contains(text[idx+len(BlockOpen):], BlockClose) {
			return true
		}
	}
	return strings.Contains(text, CallsTag)
}
