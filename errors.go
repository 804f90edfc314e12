package lexrag

import (
	"errors"

	"github.com/expedientelab/lexrag/extract"
	"github.com/expedientelab/lexrag/ingest"
	"github.com/expedientelab/lexrag/progress"
	"github.com/expedientelab/lexrag/session"
	"github.com/expedientelab/lexrag/store"
	"github.com/expedientelab/lexrag/transcribe"
)

// Sentinels re-exported from the packages that raise them, so callers can
// match with errors.Is against the facade alone.
var (
	// ErrValidation is returned for bad input: missing filename, unknown
	// extension, oversized file, malformed expediente number, empty question.
	// No persistent state is written when this is returned.
	ErrValidation = ingest.ErrValidation

	// ErrForbidden is returned on session ownership mismatch.
	ErrForbidden = session.ErrForbidden

	// ErrSessionNotFound is returned for unknown or expired sessions.
	ErrSessionNotFound = session.ErrNotFound

	// ErrNotFound is returned for unknown expedientes or documents.
	ErrNotFound = store.ErrNotFound

	// ErrJobNotFound is returned for unknown or expired ingestion jobs.
	ErrJobNotFound = progress.ErrNotFound

	// ErrNoExtractableContent is returned when extraction yields empty text
	// after cleaning.
	ErrNoExtractableContent = extract.ErrNoContent

	// ErrExtractorUnavailable is returned when the extraction service is
	// unreachable. Retryable.
	ErrExtractorUnavailable = extract.ErrUnavailable

	// ErrEmptyTranscription is returned when the ASR produces no text for a
	// whole audio file.
	ErrEmptyTranscription = transcribe.ErrEmpty

	// ErrJobCancelled is raised at ingestion checkpoints when the job's
	// tracker has been flipped to Cancelado.
	ErrJobCancelled = progress.ErrCancelled

	// ErrDataConsistency is returned when the relational and vector writes
	// of one document diverge and compensation kicked in.
	ErrDataConsistency = ingest.ErrDataConsistency

	// ErrQueueClosed is returned when enqueueing after shutdown.
	ErrQueueClosed = ingest.ErrQueueClosed

	// ErrDimensionMismatch is returned at startup when the configured
	// embedding dimension differs from the vector store's index.
	ErrDimensionMismatch = errors.New("lexrag: embedding dimension mismatch")
)
