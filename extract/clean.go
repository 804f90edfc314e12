package extract

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// mojibakeReplacer repairs common double-encodings: UTF-8 byte pairs that
// were re-decoded as Latin-1. The map is closed; longer patterns first so
// the replacer does not consume their prefixes.
var mojibakeReplacer = strings.NewReplacer(
	"\u00e2\u20ac\u0153", "\u201c",
	"\u00e2\u20ac\u2122", "'",
	"\u00e2\u20ac\u201c", "\u2013",
	"\u00e2\u20ac\u201d", "\u2014",
	"\u00e2\u20ac\u00a2", "\u2022",
	"\u00e2\u20ac\u00a6", "\u2026",
	"\u00e2\u20ac", "\u201d",
	"\u00c3\u00a1", "\u00e1",
	"\u00c3\u00a9", "\u00e9",
	"\u00c3\u00ad", "\u00ed",
	"\u00c3\u00b3", "\u00f3",
	"\u00c3\u00ba", "\u00fa",
	"\u00c3\u00b1", "\u00f1",
)

var (
	tripleNewline    = regexp.MustCompile(`\n{3,}`)
	spaceBeforePunct = regexp.MustCompile(`[ \t]+([,.;:!?])`)
	ocrArtifacts     = regexp.MustCompile(`(?i)\[image:[^\]\n]*\]|\[graphic\]|\[pic\]|\[photo\]|\[figure[^\]\n]*\]`)
	multiSpace       = regexp.MustCompile(`[ \t]{2,}`)
)

// Clean normalizes extracted text. The pipeline is idempotent:
// Clean(Clean(x)) == Clean(x).
func Clean(text string) string {
	if text == "" {
		return ""
	}

	// 1. Unicode NFKC.
	text = norm.NFKC.String(text)

	// 2. Drop control characters except newline and tab.
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)

	// 3. Repair double-encoded sequences.
	text = mojibakeReplacer.Replace(text)

	// 4. Collapse runs of >=3 identical characters to 3 (newlines handled
	// separately below).
	text = collapseRuns(text, 3)

	// 5. Collapse runs of >=3 newlines to 2.
	text = tripleNewline.ReplaceAllString(text, "\n\n")

	// 6. Trim per-line whitespace and drop doubled blank lines.
	text = trimLines(text)

	// 7. Punctuation spacing: no space before, exactly one after unless
	// end-of-line or inside a number ("8.4", "24-000123").
	text = spaceBeforePunct.ReplaceAllString(text, "$1")
	text = spaceAfterPunct(text)

	// 8. Drop OCR artifacts; collapse the gaps they leave.
	text = ocrArtifacts.ReplaceAllString(text, "")
	text = multiSpace.ReplaceAllString(text, " ")
	text = trimLines(text)

	return strings.TrimSpace(text)
}

// collapseRuns limits any run of one repeated non-newline character to max.
func collapseRuns(s string, max int) string {
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	run := 0
	for _, r := range s {
		if r == prev && r != '\n' {
			run++
			if run > max {
				continue
			}
		} else {
			prev = r
			run = 1
		}
		b.WriteRune(r)
	}
	return b.String()
}

// trimLines trims whitespace on every line and collapses consecutive blank
// lines into a single one.
func trimLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	prevBlank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if prevBlank {
				continue
			}
			prevBlank = true
		} else {
			prevBlank = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func isPunct(r rune) bool {
	switch r {
	case ',', '.', ';', ':', '!', '?':
		return true
	}
	return false
}

// spaceAfterPunct inserts a single space after sentence punctuation when the
// next rune is neither whitespace nor part of a numeric or coded token
// (decimals, expediente numbers, section citations).
func spaceAfterPunct(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s))
	for i, r := range runes {
		b.WriteRune(r)
		if !isPunct(r) || i+1 >= len(runes) {
			continue
		}
		next := runes[i+1]
		if next == '\n' || next == ' ' || next == '\t' || isPunct(next) {
			continue
		}
		// Keep "8.4", "2024.01" and similar tokens intact.
		if i > 0 && unicode.IsDigit(runes[i-1]) && unicode.IsDigit(next) {
			continue
		}
		b.WriteRune(' ')
	}
	return b.String()
}

// alnumRatio returns the share of letters, digits and whitespace in text.
// Used as the OCR-fallback quality gate for PDFs.
func alnumRatio(text string) float64 {
	if text == "" {
		return 0
	}
	total, good := 0, 0
	for _, r := range text {
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			good++
		}
	}
	return float64(good) / float64(total)
}
