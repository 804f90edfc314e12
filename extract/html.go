package extract

import (
	"context"
	"fmt"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// HTMLExtractor converts HTML documents to markdown-flavored plain text.
type HTMLExtractor struct{}

func (h *HTMLExtractor) Extensions() []string { return []string{"html", "htm", "xhtml"} }

func (h *HTMLExtractor) Extract(ctx context.Context, data []byte, filename string) (*Result, error) {
	text, err := htmltomarkdown.ConvertString(decodeText(data))
	if err != nil {
		return nil, fmt.Errorf("converting HTML: %w", err)
	}
	return &Result{Text: text, Method: "native"}, nil
}
