package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// OCRClient talks to the OCR service used for scanned PDFs and images.
type OCRClient struct {
	baseURL  string
	apiKey   string
	maxPages int
	dpi      int
	client   *http.Client
}

// NewOCRClient creates an OCR client. maxPages caps PDF rasterization
// (default 20), dpi sets rasterization resolution (default 200).
func NewOCRClient(baseURL, apiKey string, maxPages, dpi int) *OCRClient {
	if maxPages <= 0 {
		maxPages = 20
	}
	if dpi <= 0 {
		dpi = 200
	}
	return &OCRClient{
		baseURL:  baseURL,
		apiKey:   apiKey,
		maxPages: maxPages,
		dpi:      dpi,
		client:   &http.Client{Timeout: serviceTimeout},
	}
}

type ocrPDFResponse struct {
	Pages []string `json:"pages"`
}

type ocrImageResponse struct {
	Text string `json:"text"`
}

// RecognizePDF rasterizes up to maxPages of the PDF at the configured DPI
// and OCRs each page, returning one text per page.
func (c *OCRClient) RecognizePDF(ctx context.Context, data []byte, filename string) ([]string, error) {
	fields := map[string]string{
		"max_pages": strconv.Itoa(c.maxPages),
		"dpi":       strconv.Itoa(c.dpi),
	}
	respBody, err := postMultipart(ctx, c.client, c.baseURL+"/v1/ocr/pdf", c.apiKey, fields, filename, data)
	if err != nil {
		return nil, err
	}

	var resp ocrPDFResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decoding OCR response: %w", err)
	}
	return resp.Pages, nil
}

// RecognizeImage OCRs a single image.
func (c *OCRClient) RecognizeImage(ctx context.Context, data []byte, filename string) (string, error) {
	respBody, err := postMultipart(ctx, c.client, c.baseURL+"/v1/ocr/image", c.apiKey, nil, filename, data)
	if err != nil {
		return "", err
	}

	var resp ocrImageResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("decoding OCR response: %w", err)
	}
	return resp.Text, nil
}
