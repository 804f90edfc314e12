// Package ingest runs the per-file ingestion pipeline: validate, extract,
// chunk, embed, and persist across the relational and vector stores as a
// compensating pair.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/expedientelab/lexrag/chunker"
	"github.com/expedientelab/lexrag/extract"
	"github.com/expedientelab/lexrag/progress"
	"github.com/expedientelab/lexrag/store"
	"github.com/expedientelab/lexrag/vectorstore"
)

// ErrDataConsistency marks a commit that left the relational and vector
// stores out of step. The reconciliation predicate is by document: chunks
// whose document has no Procesado row are dead.
var ErrDataConsistency = errors.New("ingest: stores out of step")

// Duplicate policies for re-uploads of a processed filename.
const (
	OnDuplicateSkip    = "skip"
	OnDuplicateVersion = "version"
)

// Extractor produces cleaned text from raw bytes.
type Extractor interface {
	ExtractWithProgress(ctx context.Context, data []byte, filename string, progress func(pct int, msg string)) (*extract.Result, error)
}

// Embedder turns chunk texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex is the slice of the vector store the orchestrator needs.
type VectorIndex interface {
	Insert(ctx context.Context, chunks []vectorstore.Chunk) error
	DeleteByDocument(ctx context.Context, docID int64) error
}

// Config controls the ingestion pipeline.
type Config struct {
	Workers     int
	MaxFileSize int64
	OnDuplicate string // skip (default) or version
	UploadsDir  string
}

// Request is one file to ingest.
type Request struct {
	Expediente string
	Filename   string
	Data       []byte
	UserID     string
}

// Orchestrator executes ingestion jobs.
type Orchestrator struct {
	store     *store.Store
	vectors   VectorIndex
	extractor Extractor
	embedder  Embedder
	chunker   *chunker.Chunker
	tracker   *progress.Tracker
	cfg       Config
}

// NewOrchestrator wires the pipeline. Zero config fields take deployment
// defaults (2 workers, 1 GiB cap, skip duplicates).
func NewOrchestrator(st *store.Store, vec VectorIndex, ex Extractor, em Embedder, ch *chunker.Chunker, tr *progress.Tracker, cfg Config) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 1 << 30
	}
	if cfg.OnDuplicate == "" {
		cfg.OnDuplicate = OnDuplicateSkip
	}
	return &Orchestrator{
		store: st, vectors: vec, extractor: ex, embedder: em,
		chunker: ch, tracker: tr, cfg: cfg,
	}
}

// Process runs one job to completion, recording the terminal state in the
// tracker. The returned error is for logging; the tracker is the
// authoritative outcome.
func (o *Orchestrator) Process(ctx context.Context, jobID string, req Request) error {
	err := o.run(ctx, jobID, req)
	switch {
	case err == nil:
		if terr := o.tracker.Complete(ctx, jobID); terr != nil {
			slog.Error("ingest: marking job complete", "job", jobID, "error", terr)
		}
		return nil
	case errors.Is(err, progress.ErrCancelled):
		// The tracker already shows Cancelado; nothing else to record.
		slog.Info("ingest: job cancelled", "job", jobID, "file", req.Filename)
		return nil
	default:
		slog.Error("ingest: job failed", "job", jobID, "file", req.Filename, "error", err)
		if terr := o.tracker.Fail(ctx, jobID, err.Error()); terr != nil {
			slog.Error("ingest: marking job failed", "job", jobID, "error", terr)
		}
		return err
	}
}

func (o *Orchestrator) run(ctx context.Context, jobID string, req Request) error {
	checkpoint := func() error { return o.tracker.CheckCancelled(ctx, jobID) }
	update := func(pct int, msg string) {
		if err := o.tracker.Update(ctx, jobID, pct, msg); err != nil {
			slog.Warn("ingest: progress update failed", "job", jobID, "error", err)
		}
	}

	if err := checkpoint(); err != nil {
		return err
	}
	if err := o.tracker.Start(ctx, jobID); err != nil {
		return err
	}
	update(5, "Iniciando")
	update(10, "Preparando")

	exp, err := o.store.GetOrCreateExpediente(ctx, req.Expediente)
	if err != nil {
		return fmt.Errorf("resolviendo expediente: %w", err)
	}

	update(20, "Validando")
	if err := ValidateUpload(req.Expediente, req.Filename, int64(len(req.Data)), o.cfg.MaxFileSize); err != nil {
		return err
	}
	if err := checkpoint(); err != nil {
		return err
	}

	if o.cfg.OnDuplicate != OnDuplicateVersion {
		if _, err := o.store.FindProcessedDocument(ctx, exp.ID, req.Filename); err == nil {
			slog.Info("ingest: duplicate skipped", "expediente", req.Expediente, "file", req.Filename)
			update(95, "Documento ya procesado, omitido")
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	update(25, "Extrayendo texto")
	res, err := o.extractor.ExtractWithProgress(ctx, req.Data, req.Filename, update)
	if err != nil {
		return fmt.Errorf("extrayendo %s: %w", req.Filename, err)
	}
	update(45, "Texto extraído")
	if err := checkpoint(); err != nil {
		return err
	}

	chunks := o.chunker.Split(res.Text, res.Pages)
	if len(chunks) == 0 {
		return fmt.Errorf("%w: %s", extract.ErrNoContent, req.Filename)
	}

	update(60, "Embedding")
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	embeddings, err := o.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("generando embeddings: %w", err)
	}
	if len(embeddings) != len(chunks) {
		return fmt.Errorf("embedder devolvió %d vectores para %d chunks", len(embeddings), len(chunks))
	}
	if err := checkpoint(); err != nil {
		return err
	}

	return o.persist(ctx, exp, req, chunks, embeddings, update, checkpoint)
}

// persist writes the document in two phases. The document row and its
// saved file commit first in their own transaction; the chunk mirrors,
// vector rows and the Procesado flip share a second one. When the second
// phase dies the committed row survives in Error state with zero chunks
// on either side, so the failure is visible and a re-upload reprocesses.
func (o *Orchestrator) persist(ctx context.Context, exp *store.Expediente, req Request,
	chunks []chunker.Chunk, embeddings [][]float32,
	update func(int, string), checkpoint func() error) error {

	if err := checkpoint(); err != nil {
		return err
	}

	var docID int64
	var ruta string
	err := o.store.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		docID, err = o.store.InsertDocumentTx(ctx, tx, store.Document{
			ExpedienteID:  exp.ID,
			Filename:      req.Filename,
			Extension:     extOf(req.Filename),
			ContentTypeID: store.ContentTypeID(extOf(req.Filename)),
			Estado:        store.EstadoPendiente,
		})
		if err != nil {
			return fmt.Errorf("insertando documento: %w", err)
		}
		ruta, err = o.saveUpload(exp.Numero, req.Filename, req.Data)
		if err != nil {
			return fmt.Errorf("guardando archivo: %w", err)
		}
		return o.store.UpdateDocumentRutaTx(ctx, tx, docID, ruta)
	})
	if err != nil {
		return err
	}

	if err := o.index(ctx, docID, exp.Numero, req.Filename, ruta, chunks, embeddings, update, checkpoint); err != nil {
		o.compensate(docID, exp.Numero, ruta, err)
		return err
	}
	return nil
}

// index runs the second phase. The relational transaction wraps the
// vector insert, so a vector failure rolls the relational side back;
// chunks already written to the vector index at that point are dead by
// the reconciliation predicate and get swept by the caller.
func (o *Orchestrator) index(ctx context.Context, docID int64, numero, filename, ruta string,
	chunks []chunker.Chunk, embeddings [][]float32,
	update func(int, string), checkpoint func() error) error {

	if err := checkpoint(); err != nil {
		return err
	}

	tx, err := o.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	mirrors := make([]store.ChunkText, len(chunks))
	vecChunks := make([]vectorstore.Chunk, len(chunks))
	for i, c := range chunks {
		mirrors[i] = store.ChunkText{
			Index: c.Index, PageStart: c.PageStart, PageEnd: c.PageEnd, Text: c.Text,
		}
		vecChunks[i] = vectorstore.Chunk{
			DocumentID:       docID,
			ExpedienteNumero: numero,
			Filename:         filename,
			Ruta:             ruta,
			ChunkIndex:       c.Index,
			PageStart:        c.PageStart,
			PageEnd:          c.PageEnd,
			Text:             c.Text,
			Embedding:        embeddings[i],
		}
	}
	if err := o.store.InsertChunkTextsTx(ctx, tx, docID, mirrors); err != nil {
		return fmt.Errorf("insertando chunks: %w", err)
	}

	if err := o.vectors.Insert(ctx, vecChunks); err != nil {
		return fmt.Errorf("insertando vectores: %w", err)
	}

	update(85, "Finalizando")
	if err := o.store.UpdateDocumentEstadoTx(ctx, tx, docID, store.EstadoProcesado); err != nil {
		return fmt.Errorf("actualizando estado: %w", err)
	}

	if err := tx.Commit(); err != nil {
		// The vector side committed but the relational side did not.
		return fmt.Errorf("%w: %v", ErrDataConsistency, err)
	}
	return nil
}

// compensate unwinds a failed second phase: vector rows are swept, and
// the committed document row flips to Error, or is removed outright along
// with its file when the job was cancelled. Runs on a fresh context; the
// job context may already be dead.
func (o *Orchestrator) compensate(docID int64, numero, ruta string, cause error) {
	o.sweepVectors(docID)

	ctx := context.Background()
	if errors.Is(cause, progress.ErrCancelled) || errors.Is(cause, context.Canceled) {
		if err := o.store.DeleteDocument(ctx, docID); err != nil {
			slog.Warn("ingest: removing cancelled document failed", "document", docID, "error", err)
		}
		o.removeUpload(numero, ruta)
		return
	}
	if err := o.store.UpdateDocumentEstado(ctx, docID, store.EstadoError); err != nil {
		slog.Warn("ingest: marking document Error failed", "document", docID, "error", err)
	}
}

// removeUpload deletes the saved file of a cancelled job.
func (o *Orchestrator) removeUpload(expediente, ruta string) {
	if ruta == "" {
		return
	}
	path := filepath.Join(o.cfg.UploadsDir, expediente, filepath.Base(ruta))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("ingest: removing cancelled upload failed", "path", path, "error", err)
	}
}

// sweepVectors best-effort removes a document's chunks from the vector
// index after a relational rollback. Uses a fresh context: the job context
// may already be dead.
func (o *Orchestrator) sweepVectors(docID int64) {
	if err := o.vectors.DeleteByDocument(context.Background(), docID); err != nil {
		slog.Warn("ingest: sweeping orphaned vectors failed", "document", docID, "error", err)
	}
}

// saveUpload writes the file under uploads/{expediente}/{filename}, adding
// the smallest _N suffix on name collision. Returns the relative path
// stored as the document's ruta.
func (o *Orchestrator) saveUpload(expediente, filename string, data []byte) (string, error) {
	dir := filepath.Join(o.cfg.UploadsDir, expediente)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	name := filename
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	for n := 1; ; n++ {
		if _, err := os.Stat(filepath.Join(dir, name)); os.IsNotExist(err) {
			break
		}
		name = fmt.Sprintf("%s_%d%s", stem, n, ext)
	}

	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		return "", err
	}
	return filepath.Join("uploads", expediente, name), nil
}

func extOf(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

// ReconcileDocument reports whether a document's stores agree: a Procesado
// document must have chunks, and a non-Procesado document must not.
func (o *Orchestrator) ReconcileDocument(ctx context.Context, docID int64) (bool, error) {
	doc, err := o.store.GetDocument(ctx, docID)
	if err != nil {
		return false, err
	}
	n, err := o.store.CountChunks(ctx, docID)
	if err != nil {
		return false, err
	}
	if doc.Estado == store.EstadoProcesado {
		return n >= 1, nil
	}
	return n == 0, nil
}
