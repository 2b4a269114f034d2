package loop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// callSignature is a deterministic fingerprint of one call: the name plus
// a short hash of the arguments.
func callSignature(name string, args []byte) string {
	h := sha256.Sum256(args)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// recentSignatures collects up to count signatures of the most recent
// calls, native and embedded, in chronological order.
func recentSignatures(history []Turn, count int) []string {
	var sigs []string
	for i := len(history) - 1; i >= 0 && len(sigs) < count; i-- {
		t := history[i]
		if t.Kind != TurnAssistant || t.Assistant == nil {
			continue
		}
		// Embedded calls land after native calls within a turn; walking
		// backwards they come first.
		for j := len(t.Assistant.EmbeddedCalls) - 1; j >= 0 && len(sigs) < count; j-- {
			c := t.Assistant.EmbeddedCalls[j]
			raw, _ := json.Marshal(c.Arguments)
			sigs = append(sigs, callSignature(c.Name, raw))
		}
		for j := len(t.Assistant.NativeCalls) - 1; j >= 0 && len(sigs) < count; j-- {
			c := t.Assistant.NativeCalls[j]
			sigs = append(sigs, callSignature(c.Name, c.Arguments))
		}
	}
	// Reverse to chronological order.
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectRepetition reports whether the last windowSize calls repeat a
// pattern of length 1, 2, or 3. Fewer than windowSize calls in the history
// never count as a repetition.
func DetectRepetition(history []Turn, windowSize int) bool {
	if windowSize <= 0 {
		return false
	}
	sigs := recentSignatures(history, windowSize)
	if len(sigs) < windowSize {
		return false
	}
	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		pattern := sigs[:patternLen]
		match := true
		for i := patternLen; i < windowSize && match; i += patternLen {
			for j := 0; j < patternLen; j++ {
				if sigs[i+j] != pattern[j] {
					match = false
					break
				}
			}
		}
		if match {
			return true
		}
	}
	return false
}
