package extract

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Quality gate below which a PDF is considered scanned and sent to OCR.
const (
	minPDFTextLen    = 50
	minPDFAlnumRatio = 0.7
)

// PDFExtractor extracts text natively with per-page boundaries and falls
// back to OCR when the extracted text looks like a scan.
type PDFExtractor struct {
	OCR *OCRClient
}

func (p *PDFExtractor) Extensions() []string { return []string{"pdf"} }

func (p *PDFExtractor) Extract(ctx context.Context, data []byte, filename string) (*Result, error) {
	res, nativeErr := p.extractNative(data)
	if nativeErr == nil && !needsOCR(res.Text) {
		return res, nil
	}

	if p.OCR == nil {
		if nativeErr != nil {
			return nil, fmt.Errorf("parsing PDF: %w", nativeErr)
		}
		return res, nil // low quality but no OCR configured
	}

	slog.Info("extract: PDF quality gate triggered, running OCR",
		"file", filename, "native_error", nativeErr)

	pages, err := p.OCR.RecognizePDF(ctx, data, filename)
	if err != nil {
		// Keep the native text if OCR is down and we have anything at all.
		if nativeErr == nil && res.Text != "" {
			slog.Warn("extract: OCR failed, keeping native text", "file", filename, "error", err)
			return res, nil
		}
		return nil, err
	}

	out := &Result{Method: "ocr"}
	var b strings.Builder
	for i, text := range pages {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "--- Página %d ---\n", i+1)
		b.WriteString(text)
		out.Pages = append(out.Pages, Page{Number: i + 1, Text: text})
	}
	out.Text = b.String()
	return out, nil
}

// extractNative pulls the text layer page by page.
func (p *PDFExtractor) extractNative(data []byte) (*Result, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}

	res := &Result{Method: "native"}
	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to extract.
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
		res.Pages = append(res.Pages, Page{Number: i, Text: text})
	}
	res.Text = b.String()
	return res, nil
}

// needsOCR applies the scanned-document heuristic: almost no text layer, or
// a text layer dominated by non-alphanumeric garbage.
func needsOCR(text string) bool {
	return len(text) < minPDFTextLen || alnumRatio(text) < minPDFAlnumRatio
}
