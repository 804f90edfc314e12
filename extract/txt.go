package extract

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"golang.org/x/text/encoding/charmap"
)

// Encoding detections below this confidence are ignored.
const minDetectConfidence = 70

// TextExtractor handles plain .txt files with encoding detection.
type TextExtractor struct{}

func (t *TextExtractor) Extensions() []string { return []string{"txt"} }

func (t *TextExtractor) Extract(ctx context.Context, data []byte, filename string) (*Result, error) {
	return &Result{Text: decodeText(data), Method: "native"}, nil
}

// decodeText sniffs the encoding and decodes. Detection results under the
// confidence threshold are ignored; the fallback order is UTF-8 then
// Latin-1, which never fails (every byte maps to a code point).
func decodeText(data []byte) string {
	detector := chardet.NewTextDetector()
	if res, err := detector.DetectBest(data); err == nil && res.Confidence >= minDetectConfidence {
		switch strings.ToLower(res.Charset) {
		case "utf-8", "ascii":
			return string(data)
		case "iso-8859-1":
			return decodeCharmap(data, charmap.ISO8859_1)
		case "windows-1252":
			return decodeCharmap(data, charmap.Windows1252)
		case "iso-8859-15":
			return decodeCharmap(data, charmap.ISO8859_15)
		}
	}

	if utf8.Valid(data) {
		return string(data)
	}
	return decodeCharmap(data, charmap.ISO8859_1)
}

func decodeCharmap(data []byte, cm *charmap.Charmap) string {
	out, err := cm.NewDecoder().Bytes(data)
	if err != nil {
		// Charmap decoding is total; this is unreachable in practice.
		return string(data)
	}
	return string(out)
}
