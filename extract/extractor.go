// Package extract turns uploaded judicial files into cleaned UTF-8 text.
//
// Dispatch is by file extension: PDFs and plain formats are handled natively,
// office/legacy formats go to the external extraction service, audio is
// delegated to the transcriber, and images go straight to OCR.
package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrNoContent is returned when extraction produces empty text after
	// cleaning.
	ErrNoContent = errors.New("extract: no extractable content")

	// ErrUnavailable is returned when the external extraction or OCR
	// service cannot be reached. Retryable by the caller.
	ErrUnavailable = errors.New("extract: service unavailable")

	// ErrUnsupported is returned for extensions no extractor handles.
	ErrUnsupported = errors.New("extract: unsupported format")
)

// Page holds the text of a single PDF page.
type Page struct {
	Number int
	Text   string
}

// Result is the outcome of extracting one file.
type Result struct {
	// Text is the cleaned full text.
	Text string
	// Pages carries per-page text when the source format has page
	// boundaries (PDFs). Nil otherwise.
	Pages []Page
	// Method records which path produced the text: native, ocr, external,
	// transcription.
	Method string
}

// Extractor extracts text from a file's raw bytes.
type Extractor interface {
	Extensions() []string
	Extract(ctx context.Context, data []byte, filename string) (*Result, error)
}

// AudioTranscriber is the delegate for audio formats. Implemented by the
// transcribe package; progress reports percentages into the job tracker.
type AudioTranscriber interface {
	Transcribe(ctx context.Context, data []byte, filename string, progress func(pct int, msg string)) (string, error)
}

// Registry dispatches extraction by file extension.
type Registry struct {
	byExt map[string]Extractor
}

// NewRegistry builds the default registry. external may be nil when no
// extraction service is configured (office formats then fail with
// ErrUnsupported); ocr may be nil (PDF quality fallback is skipped);
// transcriber may be nil (audio formats fail with ErrUnsupported).
func NewRegistry(external *ExternalClient, ocr *OCRClient, transcriber AudioTranscriber) *Registry {
	r := &Registry{byExt: make(map[string]Extractor)}

	r.register(&PDFExtractor{OCR: ocr})
	r.register(&TextExtractor{})
	r.register(&HTMLExtractor{})
	if external != nil {
		r.register(&externalExtractor{client: external})
	}
	if ocr != nil {
		r.register(&imageExtractor{client: ocr})
	}
	if transcriber != nil {
		r.register(&audioExtractor{transcriber: transcriber})
	}
	return r
}

func (r *Registry) register(e Extractor) {
	for _, ext := range e.Extensions() {
		r.byExt[ext] = e
	}
}

// Supports reports whether filename's extension has a registered extractor.
func (r *Registry) Supports(filename string) bool {
	_, ok := r.byExt[extOf(filename)]
	return ok
}

// Extract dispatches to the extension's extractor and applies the cleaning
// pipeline. Empty cleaned text fails with ErrNoContent.
func (r *Registry) Extract(ctx context.Context, data []byte, filename string) (*Result, error) {
	return r.ExtractWithProgress(ctx, data, filename, nil)
}

// ExtractWithProgress is Extract with a progress callback threaded through
// to extractors that report it (audio transcription). progress may be nil.
func (r *Registry) ExtractWithProgress(ctx context.Context, data []byte, filename string, progress func(pct int, msg string)) (*Result, error) {
	ext := extOf(filename)
	e, ok := r.byExt[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, ext)
	}

	var res *Result
	var err error
	if pe, ok := e.(progressExtractor); ok && progress != nil {
		res, err = pe.ExtractWithProgress(ctx, data, filename, progress)
	} else {
		res, err = e.Extract(ctx, data, filename)
	}
	if err != nil {
		return nil, err
	}

	res.Text = Clean(res.Text)
	for i := range res.Pages {
		res.Pages[i].Text = Clean(res.Pages[i].Text)
	}
	if res.Text == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoContent, filename)
	}
	return res, nil
}

// progressExtractor is implemented by extractors that can report progress.
type progressExtractor interface {
	ExtractWithProgress(ctx context.Context, data []byte, filename string, progress func(pct int, msg string)) (*Result, error)
}

// extOf returns the lowercased extension without the dot.
func extOf(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

// audioExtractor adapts the transcriber into the Extractor interface.
type audioExtractor struct {
	transcriber AudioTranscriber
}

func (a *audioExtractor) Extensions() []string { return []string{"mp3", "wav", "ogg", "m4a"} }

func (a *audioExtractor) Extract(ctx context.Context, data []byte, filename string) (*Result, error) {
	return a.ExtractWithProgress(ctx, data, filename, nil)
}

func (a *audioExtractor) ExtractWithProgress(ctx context.Context, data []byte, filename string, progress func(pct int, msg string)) (*Result, error) {
	if progress == nil {
		progress = func(int, string) {}
	}
	text, err := a.transcriber.Transcribe(ctx, data, filename, progress)
	if err != nil {
		return nil, err
	}
	return &Result{Text: text, Method: "transcription"}, nil
}

// imageExtractor runs OCR directly on scanned image formats.
type imageExtractor struct {
	client *OCRClient
}

func (i *imageExtractor) Extensions() []string {
	return []string{"png", "jpg", "jpeg", "tiff", "bmp"}
}

func (i *imageExtractor) Extract(ctx context.Context, data []byte, filename string) (*Result, error) {
	text, err := i.client.RecognizeImage(ctx, data, filename)
	if err != nil {
		return nil, err
	}
	return &Result{Text: text, Method: "ocr"}, nil
}
