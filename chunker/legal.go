package chunker

import (
	"regexp"
	"strings"
)

// clausePattern matches hierarchical numbered clauses such as "1.1" or
// "12.3.4" at the start of a line.
var clausePattern = regexp.MustCompile(`^(\d+(?:\.\d+)+)\s`)

// headerPattern matches the resolutive section headers of Costa Rican
// judicial documents at the start of a line.
var headerPattern = regexp.MustCompile(
	`^(RESULTANDO|CONSIDERANDO|POR\s+TANTO|VISTOS|SE\s+RESUELVE|ART[IÍ]CULO\s+\d+)\b`,
)

// clausePart is a clause-level slice of a paragraph with its byte offset.
type clausePart struct {
	text  string
	start int
}

// isClauseStart reports whether a line opens a numbered clause or a
// resolutive section.
func isClauseStart(line string) bool {
	return clausePattern.MatchString(line) || headerPattern.MatchString(line)
}

// SplitByClauses splits text at clause boundaries so that each returned
// part starts with a clause number or section header. Text before the
// first clause is returned as the first part. Offsets are byte positions
// within the input.
func SplitByClauses(text string) []clausePart {
	var boundaries []int
	offset := 0
	for _, line := range strings.Split(text, "\n") {
		if isClauseStart(strings.TrimSpace(line)) {
			boundaries = append(boundaries, offset)
		}
		offset += len(line) + 1
	}

	if len(boundaries) == 0 {
		return []clausePart{{text: text, start: 0}}
	}

	var parts []clausePart
	if boundaries[0] > 0 {
		if pre := strings.TrimSpace(text[:boundaries[0]]); pre != "" {
			parts = append(parts, clausePart{text: pre, start: 0})
		}
	}
	for i, b := range boundaries {
		end := len(text)
		if i+1 < len(boundaries) {
			end = boundaries[i+1]
		}
		if part := strings.TrimSpace(text[b:end]); part != "" {
			parts = append(parts, clausePart{text: part, start: b})
		}
	}
	return parts
}

// ExtractClauseNumber extracts the leading clause number from text, e.g.
// "1.2.3" from "1.2.3 Se ordena el embargo...".
func ExtractClauseNumber(text string) (string, bool) {
	m := clausePattern.FindStringSubmatch(strings.TrimSpace(text))
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

// ClauseDepth returns the nesting depth of a clause number.
// "1.1" returns 2, "1.1.1" returns 3.
func ClauseDepth(clause string) int {
	if clause == "" {
		return 0
	}
	return strings.Count(clause, ".") + 1
}
