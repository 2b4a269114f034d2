package toolcall

import "strings"

// Remove strips all recognized call markup from text: delimited blocks
// (including a trailing incomplete one), bracketed marker lines, orphaned
// block delimiters, and the completion marker. The result is the model's
// user-visible prose. Typographic quotes are normalized in the result.
func Remove(text string) string {
	text = normalizeQuotes(text)
	text = removeDelimitedBlocks(text)
	text = removeBracketedCalls(text)
	text = strings.ReplaceAll(text, BlockClose, "")
	text = strings.ReplaceAll(text, CompletionMarker, "")
	return strings.TrimSpace(text)
}

func removeDelimitedBlocks(text string) string {
	var b strings.Builder
	for {
		idx := strings.Index(text, BlockOpen)
		if idx == -1 {
			b.WriteString(text)
			break
		}
		b.WriteString(text[:idx])
		rest := text[idx+len(BlockOpen):]
		end := blockEnd(rest)
		if end == -1 {
			// Trailing incomplete block: drop the remainder.
			break
		}
		text = rest[end:]
	}
	return b.String()
}

// blockEnd returns the index just past the end of a delimited block body,
// or -1 when the block is still incomplete.
func blockEnd(rest string) int {
	start, end, depth := scanObject(rest)
	close := strings.Index(rest, BlockClose)

	if start == -1 {
		if close != -1 {
			return close + len(BlockClose)
		}
		return -1
	}
	if close != -1 && close < start {
		// Empty block; the JSON belongs to later text.
		return close + len(BlockClose)
	}
	if depth > 0 {
		return -1
	}
	// Consume an immediately following closing delimiter as well.
	after := rest[end:]
	trimmed := strings.TrimLeft(after, " \t\r\n")
	if strings.HasPrefix(trimmed, BlockClose) {
		return end + (len(after) - len(trimmed)) + len(BlockClose)
	}
	return end
}

func removeBracketedCalls(text string) string {
	var b strings.Builder
	for {
		idx := strings.Index(text, CallsTag)
		if idx == -1 {
			b.WriteString(text)
			break
		}
		b.WriteString(text[:idx])
		rest := text[idx+len(CallsTag):]

		argsIdx := strings.Index(rest, ArgsTag)
		if argsIdx == -1 || strings.ContainsRune(rest[:argsIdx], '\n') {
			// Marker line without arguments: drop through end of line.
			if nl := strings.IndexByte(rest, '\n'); nl != -1 {
				text = rest[nl:]
				continue
			}
			return b.String()
		}

		argsText := rest[argsIdx+len(ArgsTag):]
		start, end, depth := scanObject(argsText)
		if start == -1 || pastLine(argsText, start) {
			if nl := strings.IndexByte(argsText, '\n'); nl != -1 {
				text = argsText[nl:]
				continue
			}
			return b.String()
		}
		if depth > 0 {
			// Truncated arguments: drop the remainder.
			return b.String()
		}
		text = argsText[end:]
	}
	return b.String()
}

// RemoveKnown strips only bare-JSON call objects whose name is in the
// allow-list, leaving all other JSON and prose untouched. Used when a model
// emits raw call objects with no markup around them.
func RemoveKnown(text string, known []string) string {
	if len(known) == 0 {
		return text
	}
	norm := normalizeQuotes(text)
	var b strings.Builder
	for offset := 0; offset < len(norm); {
		start, end, depth := scanObject(norm[offset:])
		if start == -1 {
			b.WriteString(norm[offset:])
			break
		}
		absStart, absEnd := offset+start, offset+end

		removed := false
		if obj := decodeObject(norm[absStart:absEnd], depth); obj != nil {
			if call, ok := callFromObject(obj); ok && nameAllowed(call.Name, known) {
				b.WriteString(norm[offset:absStart])
				removed = true
			}
		}
		if !removed {
			b.WriteString(norm[offset:absEnd])
		}
		if absEnd <= absStart {
			absEnd = absStart + 1
		}
		offset = absEnd
		if depth > 0 {
			break
		}
	}
	return strings.TrimSpace(b.String())
}
