package loop

import "strings"

// FormatNativeResults renders results as delimited blocks joined by blank
// lines:
//
//	[read_file result]
//	<content>
//
// Whitespace-exact; the continuation prompts depend on the shape.
func FormatNativeResults(results []Result) string {
	blocks := make([]string, 0, len(results))
	for _, r := range results {
		blocks = append(blocks, "["+r.Name+" result]\n"+r.Content)
	}
	return strings.Join(blocks, "\n\n")
}

// JoinTextResults joins plain-text results with blank-line separators.
func JoinTextResults(parts []string) string {
	return strings.Join(parts, "\n\n")
}
