package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ExternalClient talks to the OCR-capable document extraction service that
// handles the office and legacy formats (.doc, .docx, .rtf).
type ExternalClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewExternalClient creates a client for the extraction service.
func NewExternalClient(baseURL, apiKey string) *ExternalClient {
	return &ExternalClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: serviceTimeout},
	}
}

type externalResponse struct {
	Text  string `json:"text"`
	Pages []struct {
		Number int    `json:"number"`
		Text   string `json:"text"`
	} `json:"pages,omitempty"`
}

// Extract sends the file to the extraction service and returns its text.
func (c *ExternalClient) Extract(ctx context.Context, data []byte, filename string) (*Result, error) {
	respBody, err := postMultipart(ctx, c.client, c.baseURL+"/v1/extract", c.apiKey, nil, filename, data)
	if err != nil {
		return nil, err
	}

	var resp externalResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decoding extraction response: %w", err)
	}

	res := &Result{Text: resp.Text, Method: "external"}
	for _, p := range resp.Pages {
		res.Pages = append(res.Pages, Page{Number: p.Number, Text: p.Text})
	}
	return res, nil
}

// externalExtractor routes office formats through the extraction service.
type externalExtractor struct {
	client *ExternalClient
}

func (e *externalExtractor) Extensions() []string { return []string{"doc", "docx", "rtf"} }

func (e *externalExtractor) Extract(ctx context.Context, data []byte, filename string) (*Result, error) {
	return e.client.Extract(ctx, data, filename)
}
