// Package lexrag is the engine behind the expediente knowledge platform:
// asynchronous document ingestion into paired relational and vector
// stores, and a streaming retrieval-augmented query path over them.
package lexrag

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/expedientelab/lexrag/audit"
	"github.com/expedientelab/lexrag/chunker"
	"github.com/expedientelab/lexrag/extract"
	"github.com/expedientelab/lexrag/ingest"
	"github.com/expedientelab/lexrag/llm"
	"github.com/expedientelab/lexrag/progress"
	"github.com/expedientelab/lexrag/rag"
	"github.com/expedientelab/lexrag/session"
	"github.com/expedientelab/lexrag/store"
	"github.com/expedientelab/lexrag/transcribe"
	"github.com/expedientelab/lexrag/vectorstore"
)

// Engine wires the whole platform together.
type Engine struct {
	cfg Config

	store    *store.Store
	vectors  *vectorstore.Store
	redis    *redis.Client
	tracker  *progress.Tracker
	queue    *ingest.Queue
	sessions *session.Store
	chain    *rag.Chain
	audit    *audit.Logger
}

// New builds an Engine from configuration. It refuses to start when the
// configured embedding dimension disagrees with an existing vector index.
func New(cfg Config) (*Engine, error) {
	st, err := store.New(cfg.ResolveDBPath())
	if err != nil {
		return nil, fmt.Errorf("opening relational store: %w", err)
	}

	embedder, err := llm.NewProvider(llm.Config(cfg.Embedding))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	chat, err := llm.NewProvider(llm.Config(cfg.Chat))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("chat provider: %w", err)
	}

	vectors, err := vectorstore.New(cfg.ResolveVectorDBPath(), cfg.EmbeddingDim, embedder)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("opening vector store: %w", err)
	}
	if cfg.EmbeddingDim > 0 && vectors.Dim() != cfg.EmbeddingDim {
		st.Close()
		vectors.Close()
		return nil, fmt.Errorf("%w: configured %d, index has %d",
			ErrDimensionMismatch, cfg.EmbeddingDim, vectors.Dim())
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	tracker := progress.New(rdb)

	var transcriber extract.AudioTranscriber
	if cfg.ASR.BaseURL != "" {
		transcriber = transcribe.NewService(
			transcribe.NewWhisperClient(cfg.ASR.BaseURL, cfg.ASR.APIKey, cfg.ASR.Model),
			transcribe.Config{
				ChunkingThresholdMB:  cfg.Audio.ChunkingThresholdMB,
				ChunkDurationMinutes: cfg.Audio.ChunkDurationMinutes,
				ChunkOverlapSeconds:  cfg.Audio.ChunkOverlapSeconds,
			})
	}
	var external *extract.ExternalClient
	if cfg.Extractor.BaseURL != "" {
		external = extract.NewExternalClient(cfg.Extractor.BaseURL, cfg.Extractor.APIKey)
	}
	var ocr *extract.OCRClient
	if cfg.OCR.BaseURL != "" {
		ocr = extract.NewOCRClient(cfg.OCR.BaseURL, cfg.OCR.APIKey, cfg.OCR.MaxPages, cfg.OCR.DPI)
	}
	registry := extract.NewRegistry(external, ocr, transcriber)

	ch := chunker.New(chunker.Config{
		Size:    cfg.Chunking.Size,
		Overlap: cfg.Chunking.Overlap,
	})

	orch := ingest.NewOrchestrator(st, vectors, registry, embedder, ch, tracker, ingest.Config{
		Workers:     cfg.Ingest.Workers,
		MaxFileSize: cfg.Ingest.MaxFileSize,
		OnDuplicate: cfg.Ingest.OnDuplicate,
		UploadsDir:  cfg.ResolveUploadsDir(),
	})
	queue := ingest.NewQueue(orch, cfg.Ingest.Workers)

	sessions := session.NewStore(
		session.NewRedisBackend(rdb, cfg.Session.TTL),
		session.Config{HistoryLimit: cfg.Session.HistoryLimit, TTL: cfg.Session.TTL},
	)

	chain := rag.NewChain(chat, cfg.Chat.Model,
		rag.NewRetriever(vectors, st, rag.Config{
			TopK:           cfg.Retrieval.TopK,
			Threshold:      cfg.Retrieval.Threshold,
			TopKExpediente: cfg.Retrieval.TopKExpediente,
			FetchCap:       cfg.Retrieval.ExpedienteDocumentsCap,
		}), sessions)

	slog.Info("engine ready",
		"db", cfg.ResolveDBPath(),
		"vector_db", cfg.ResolveVectorDBPath(),
		"embedding_dim", vectors.Dim(),
		"chat_model", cfg.Chat.Model,
	)

	return &Engine{
		cfg:      cfg,
		store:    st,
		vectors:  vectors,
		redis:    rdb,
		tracker:  tracker,
		queue:    queue,
		sessions: sessions,
		chain:    chain,
		audit:    audit.NewLogger(st),
	}, nil
}

// Close drains the ingestion queue and releases every backend.
func (e *Engine) Close() error {
	err := e.queue.Close()
	if cerr := e.store.Close(); err == nil {
		err = cerr
	}
	if cerr := e.vectors.Close(); err == nil {
		err = cerr
	}
	if cerr := e.redis.Close(); err == nil {
		err = cerr
	}
	return err
}

// Upload queues a document for ingestion and returns the job ID to poll.
func (e *Engine) Upload(ctx context.Context, expediente, filename string, data []byte, userID string) (string, error) {
	jobID, err := e.queue.Enqueue(ctx, ingest.Request{
		Expediente: expediente,
		Filename:   filename,
		Data:       data,
		UserID:     userID,
	})
	if err != nil {
		return "", err
	}

	// The queue validated the number, so materializing the expediente for
	// the bitácora entry is safe.
	if exp, err := e.store.GetOrCreateExpediente(ctx, expediente); err == nil {
		e.audit.Upload(ctx, userID, exp.ID, filename)
	}
	return jobID, nil
}

// Progress returns the tracker state for a job.
func (e *Engine) Progress(ctx context.Context, jobID string) (*progress.Job, error) {
	return e.tracker.Get(ctx, jobID)
}

// CancelJob requests cancellation of a queued or running job. Returns
// false when the job is unknown or already terminal.
func (e *Engine) CancelJob(ctx context.Context, jobID string) (bool, error) {
	return e.tracker.Cancel(ctx, jobID)
}

// Query streams the answer to a question as a sequence of frames.
func (e *Engine) Query(ctx context.Context, req rag.QueryRequest, emit func(rag.Frame) error) error {
	if req.Question == "" {
		return fmt.Errorf("%w: pregunta vacía", ErrValidation)
	}
	if req.UserID == "" && req.SessionID != "" {
		req.UserID = session.InferUserID(req.SessionID)
	}

	scoped := req.ExpedienteFilter != "" || rag.ExtractExpediente(req.Question) != ""
	e.audit.Query(ctx, req.UserID, req.Question, scoped)

	return e.chain.Stream(ctx, req, emit)
}

// Sessions lists a user's conversations, newest first.
func (e *Engine) Sessions(ctx context.Context, userID string, limit int) ([]session.Meta, error) {
	return e.sessions.List(ctx, userID, limit)
}

// Session returns a full conversation, enforcing ownership.
func (e *Engine) Session(ctx context.Context, sessionID, userID string) (*session.Session, error) {
	return e.sessions.Get(ctx, sessionID, userID)
}

// DeleteSession removes a conversation, enforcing ownership.
func (e *Engine) DeleteSession(ctx context.Context, sessionID, userID string) error {
	return e.sessions.Delete(ctx, sessionID, userID)
}

// Documents lists an expediente's documents.
func (e *Engine) Documents(ctx context.Context, expediente, userID string) ([]store.Document, error) {
	exp, err := e.store.GetExpediente(ctx, expediente)
	if err != nil {
		return nil, err
	}
	docs, err := e.store.ListDocuments(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	e.audit.Record(ctx, audit.Event{
		UserID:       userID,
		ActionTypeID: audit.ActionListFiles,
		Text:         "Listado de archivos del expediente " + expediente,
		ExpedienteID: exp.ID,
	})
	return docs, nil
}

// Audit returns the newest bitácora entries.
func (e *Engine) Audit(ctx context.Context, userID string, limit int) ([]store.AuditRecord, error) {
	recs, err := e.store.ListAudit(ctx, limit)
	if err != nil {
		return nil, err
	}
	e.audit.Record(ctx, audit.Event{
		UserID:       userID,
		ActionTypeID: audit.ActionViewAudit,
		Text:         "Consulta de bitácora",
	})
	return recs, nil
}
