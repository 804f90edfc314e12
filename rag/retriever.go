package rag

import (
	"context"
	"errors"
	"log/slog"

	"github.com/expedientelab/lexrag/store"
	"github.com/expedientelab/lexrag/vectorstore"
)

// Retrieval defaults. General questions take a tight high-similarity
// slice; expediente-scoped questions take the whole case folder up to a
// wide cap, with no similarity cut.
const (
	defaultTopK           = 15
	defaultThreshold      = 0.3
	defaultTopKExpediente = 50
	defaultFetchCap       = 1024
)

// Config tunes the two retrieval modes. Zero fields take the defaults.
type Config struct {
	// TopK and Threshold drive general-mode similarity search.
	TopK      int
	Threshold float64

	// TopKExpediente caps the chunks a scoped query returns; FetchCap
	// bounds how many the vector index lists before that cap applies.
	TopKExpediente int
	FetchCap       int
}

func (c *Config) applyDefaults() {
	if c.TopK <= 0 {
		c.TopK = defaultTopK
	}
	if c.Threshold <= 0 {
		c.Threshold = defaultThreshold
	}
	if c.TopKExpediente <= 0 {
		c.TopKExpediente = defaultTopKExpediente
	}
	if c.FetchCap <= 0 {
		c.FetchCap = defaultFetchCap
	}
}

// VectorSearcher is the slice of the vector store the retriever needs.
type VectorSearcher interface {
	SearchByText(ctx context.Context, q string, topK int, threshold float64, expediente string) ([]vectorstore.Item, error)
	ExpedienteDocuments(ctx context.Context, expediente string, limit int) ([]vectorstore.Item, error)
}

// ChunkLister is the relational fallback source.
type ChunkLister interface {
	ChunksByExpediente(ctx context.Context, numero string, limit int) ([]store.ExpedienteChunk, error)
}

// Retriever finds the chunks grounding an answer. The vector index is the
// primary source; for expediente-scoped queries the relational mirror
// serves as fallback when the index has nothing, so a degraded vector
// store never blanks out a case folder the relational side knows about.
type Retriever struct {
	vectors    VectorSearcher
	relational ChunkLister
	cfg        Config
}

func NewRetriever(vectors VectorSearcher, relational ChunkLister, cfg Config) *Retriever {
	cfg.applyDefaults()
	return &Retriever{vectors: vectors, relational: relational, cfg: cfg}
}

// Retrieve returns the context chunks for a question. A non-empty
// expediente scopes retrieval to that case folder: the whole folder is
// listed (no similarity cut) and truncated to the cap.
func (r *Retriever) Retrieve(ctx context.Context, question, expediente string) ([]vectorstore.Item, error) {
	if expediente == "" {
		return r.vectors.SearchByText(ctx, question, r.cfg.TopK, r.cfg.Threshold, "")
	}

	items, err := r.vectors.ExpedienteDocuments(ctx, expediente, r.cfg.FetchCap)
	if err != nil {
		slog.Warn("rag: expediente listing failed, falling back to relational store", "expediente", expediente, "error", err)
		items = nil
	}
	if len(items) > r.cfg.TopKExpediente {
		items = items[:r.cfg.TopKExpediente]
	}
	if len(items) > 0 {
		return items, nil
	}

	return r.relationalFallback(ctx, expediente)
}

func (r *Retriever) relationalFallback(ctx context.Context, expediente string) ([]vectorstore.Item, error) {
	if r.relational == nil {
		return nil, nil
	}
	chunks, err := r.relational.ChunksByExpediente(ctx, expediente, r.cfg.TopKExpediente)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	items := make([]vectorstore.Item, len(chunks))
	for i, c := range chunks {
		items[i] = vectorstore.Item{
			ID:               c.ID,
			ExpedienteNumero: c.ExpedienteNumero,
			Filename:         c.Filename,
			Ruta:             c.Ruta,
			ChunkIndex:       c.ChunkIndex,
			PageStart:        c.PageStart,
			PageEnd:          c.PageEnd,
			Text:             c.Text,
		}
	}
	return items, nil
}
