package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

// maxChunks is the hard cap on windows per file; the tail beyond it is
// dropped with a warning rather than failing the job.
const maxChunks = 50

// DirectStrategy sends the whole file to the ASR in a single call.
type DirectStrategy struct {
	asr       ASR
	threshold float64 // MB at or below which direct is the primary strategy
}

func (d *DirectStrategy) Name() string { return "direct" }

// CanHandle: direct is primary at or below the chunking threshold; only
// strictly larger files start chunked.
func (d *DirectStrategy) CanHandle(sizeMB float64, priorErr error) bool {
	return priorErr == nil && sizeMB <= d.threshold
}

func (d *DirectStrategy) Transcribe(ctx context.Context, audio []byte, filename string, progress func(pct int, msg string)) (string, error) {
	progress(25, "Transcribiendo audio")
	text, err := d.asr.Transcribe(ctx, audio, filename, DefaultParams())
	if err != nil {
		return "", fmt.Errorf("direct transcription: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmpty
	}
	progress(95, "Uniendo transcripción")
	return text, nil
}

// ChunkedStrategy cuts the audio into overlapping windows and transcribes
// them strictly sequentially. A failed window contributes empty text but
// does not stop the job.
type ChunkedStrategy struct {
	asr      ASR
	duration time.Duration
	overlap  time.Duration
}

func (c *ChunkedStrategy) Name() string { return "chunked" }

// CanHandle: chunked handles everything, and is the fallback when a prior
// strategy died on memory pressure.
func (c *ChunkedStrategy) CanHandle(sizeMB float64, priorErr error) bool {
	return priorErr == nil || isMemoryError(priorErr)
}

func (c *ChunkedStrategy) Transcribe(ctx context.Context, audio []byte, filename string, progress func(pct int, msg string)) (string, error) {
	windows, err := splitAudio(audio, filename, c.duration, c.overlap)
	if err != nil {
		return "", fmt.Errorf("splitting audio: %w", err)
	}
	if len(windows) > maxChunks {
		slog.Warn("transcribe: chunk cap exceeded, dropping tail",
			"file", filename, "chunks", len(windows), "cap", maxChunks)
		windows = windows[:maxChunks]
	}

	n := len(windows)
	texts := make([]string, 0, n)
	for i, w := range windows {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		progress(25+int(math.Round(float64(i)/float64(n)*70)),
			fmt.Sprintf("Transcribiendo segmento %d de %d", i+1, n))

		text, err := c.asr.Transcribe(ctx, w, chunkName(filename, i), DefaultParams())
		if err != nil {
			slog.Warn("transcribe: chunk failed, continuing",
				"file", filename, "chunk", i, "error", err)
			text = ""
		}
		texts = append(texts, text)
	}

	progress(95, "Uniendo transcripción")
	joined := strings.TrimSpace(strings.Join(texts, " "))
	if joined == "" {
		return "", ErrEmpty
	}
	return joined, nil
}

func chunkName(filename string, i int) string {
	return fmt.Sprintf("%s.chunk%02d", filename, i)
}
