package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// asrTimeout is generous: a full hearing chunk can take minutes to decode.
const asrTimeout = 900 * time.Second

// WhisperClient talks to a faster-whisper compatible transcription service.
type WhisperClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewWhisperClient builds a client for the ASR service at baseURL.
func NewWhisperClient(baseURL, apiKey, model string) *WhisperClient {
	if model == "" {
		model = "whisper-large-v3"
	}
	return &WhisperClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: asrTimeout},
	}
}

type whisperResponse struct {
	Text string `json:"text"`
}

// Transcribe sends audio to the service and returns the recognized text.
func (w *WhisperClient) Transcribe(ctx context.Context, audio []byte, filename string, p Params) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(audio); err != nil {
		return "", err
	}

	fields := map[string]string{
		"model":                      w.model,
		"language":                   p.Language,
		"beam_size":                  strconv.Itoa(p.BeamSize),
		"condition_on_previous_text": strconv.FormatBool(p.ConditionOnPreviousText),
		"temperature":                strconv.FormatFloat(p.Temperature, 'f', -1, 64),
		"no_speech_threshold":        strconv.FormatFloat(p.NoSpeechThreshold, 'f', -1, 64),
		"response_format":            "json",
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.baseURL+"/v1/audio/transcriptions", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("asr request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading asr response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		if len(msg) > 256 {
			msg = msg[:256] + "..."
		}
		return "", fmt.Errorf("asr error %d: %s", resp.StatusCode, msg)
	}

	var out whisperResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decoding asr response: %w", err)
	}
	return out.Text, nil
}
