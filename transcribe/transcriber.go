// Package transcribe converts judicial audio recordings to text.
//
// Two strategies exist: Direct sends the whole file to the ASR in one call;
// Chunked cuts the audio into overlapping windows and transcribes them
// strictly in order. Selection is by file size, with automatic escalation
// from Direct to Chunked when the ASR runs out of memory.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrEmpty is returned when the ASR produces no text for the whole file.
var ErrEmpty = errors.New("transcribe: empty transcription")

// Params are the ASR decoding parameters used for every request.
type Params struct {
	BeamSize                int     `json:"beam_size"`
	Language                string  `json:"language"`
	ConditionOnPreviousText bool    `json:"condition_on_previous_text"`
	Temperature             float64 `json:"temperature"`
	NoSpeechThreshold       float64 `json:"no_speech_threshold"`
}

// DefaultParams returns the decoding parameters tuned for Spanish hearings.
func DefaultParams() Params {
	return Params{
		BeamSize:                5,
		Language:                "es",
		ConditionOnPreviousText: false,
		Temperature:             0.0,
		NoSpeechThreshold:       0.6,
	}
}

// ASR is the transcription backend.
type ASR interface {
	Transcribe(ctx context.Context, audio []byte, filename string, p Params) (string, error)
}

// Strategy is one way of turning an audio file into text.
type Strategy interface {
	// Name identifies the strategy in logs and error messages.
	Name() string
	// CanHandle reports whether this strategy applies to a file of the
	// given size, optionally considering the error a prior strategy hit.
	CanHandle(sizeMB float64, priorErr error) bool
	// Transcribe produces the text. progress receives percentages in
	// [25,95] per the job progress contract; it may be nil.
	Transcribe(ctx context.Context, audio []byte, filename string, progress func(pct int, msg string)) (string, error)
}

// Config controls strategy selection and windowing.
type Config struct {
	ChunkingThresholdMB  int
	ChunkDurationMinutes int
	ChunkOverlapSeconds  int
}

// Service selects and runs transcription strategies.
type Service struct {
	direct  Strategy
	chunked Strategy
}

// NewService builds a Service over the given ASR backend. Zero config
// fields take the deployment defaults (50 MB / 10 min / 30 s).
func NewService(asr ASR, cfg Config) *Service {
	if cfg.ChunkingThresholdMB <= 0 {
		cfg.ChunkingThresholdMB = 50
	}
	if cfg.ChunkDurationMinutes <= 0 {
		cfg.ChunkDurationMinutes = 10
	}
	if cfg.ChunkOverlapSeconds <= 0 {
		cfg.ChunkOverlapSeconds = 30
	}
	return &Service{
		direct: &DirectStrategy{asr: asr, threshold: float64(cfg.ChunkingThresholdMB)},
		chunked: &ChunkedStrategy{
			asr:      asr,
			duration: time.Duration(cfg.ChunkDurationMinutes) * time.Minute,
			overlap:  time.Duration(cfg.ChunkOverlapSeconds) * time.Second,
		},
	}
}

// Transcribe runs the primary strategy for the file size and falls back to
// the chunked strategy when the direct one fails on memory pressure.
func (s *Service) Transcribe(ctx context.Context, audio []byte, filename string, progress func(pct int, msg string)) (string, error) {
	if progress == nil {
		progress = func(int, string) {}
	}
	sizeMB := float64(len(audio)) / (1 << 20)

	if s.direct.CanHandle(sizeMB, nil) {
		text, err := s.direct.Transcribe(ctx, audio, filename, progress)
		if err == nil {
			return text, nil
		}
		if !s.chunked.CanHandle(sizeMB, err) {
			return "", err
		}
		slog.Warn("transcribe: direct strategy failed, escalating to chunked",
			"file", filename, "size_mb", fmt.Sprintf("%.1f", sizeMB), "error", err)
	}

	return s.chunked.Transcribe(ctx, audio, filename, progress)
}

// isMemoryError reports whether an ASR failure looks like memory pressure,
// which warrants escalating from the direct to the chunked strategy.
func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "out of memory") ||
		strings.Contains(msg, "oom") ||
		strings.Contains(msg, "memory") ||
		strings.Contains(msg, "allocation")
}
