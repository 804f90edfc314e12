package lexrag

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds all configuration for the lexrag engine.
type Config struct {
	// DataDir is the base directory for on-disk state: the relational
	// database, the vector database, and uploaded files. Defaults to
	// ~/.lexrag when empty.
	DataDir string `json:"data_dir"`

	// DBPath overrides the relational database location (default
	// <DataDir>/lexrag.db).
	DBPath string `json:"db_path"`

	// VectorDBPath overrides the vector database location (default
	// <DataDir>/vectors.db).
	VectorDBPath string `json:"vector_db_path"`

	// UploadsDir is where ingested files are persisted, laid out as
	// uploads/{expediente}/{filename}. Default <DataDir>/uploads.
	UploadsDir string `json:"uploads_dir"`

	// RedisAddr is the shared KV used by the progress tracker and the
	// persistent session layer.
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	// LLM providers.
	Chat      LLMConfig `json:"chat"`
	Embedding LLMConfig `json:"embedding"`

	// EmbeddingDim must match the embedding model. Verified against the
	// vector store on startup; a mismatch refuses to start.
	EmbeddingDim int `json:"embedding_dim"`

	// Extractor is the external OCR-capable document extraction service.
	Extractor ServiceConfig `json:"extractor"`

	// OCR is the image/page OCR service used as the PDF fallback path.
	OCR OCRConfig `json:"ocr"`

	// ASR is the audio transcription service.
	ASR ServiceConfig `json:"asr"`

	Ingest    IngestConfig    `json:"ingest"`
	Chunking  ChunkingConfig  `json:"chunking"`
	Audio     AudioConfig     `json:"audio"`
	Retrieval RetrievalConfig `json:"retrieval"`
	Session   SessionConfig   `json:"session"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider"` // ollama, openai, custom
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`
}

// ServiceConfig configures an external HTTP service endpoint.
type ServiceConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Model   string `json:"model,omitempty"`
}

// OCRConfig configures the OCR fallback service.
type OCRConfig struct {
	BaseURL  string `json:"base_url"`
	APIKey   string `json:"api_key"`
	MaxPages int    `json:"max_pages"` // pages rasterized per PDF, default 20
	DPI      int    `json:"dpi"`       // rasterization resolution, default 200
}

// IngestConfig controls the ingestion worker pool and dedup policy.
type IngestConfig struct {
	Workers     int    `json:"workers"`
	MaxFileSize int64  `json:"max_file_size"` // bytes, default 1 GiB
	OnDuplicate string `json:"on_duplicate"`  // "skip" (default) or "version"
}

// ChunkingConfig controls text chunking.
type ChunkingConfig struct {
	Size    int `json:"size"`    // characters per chunk
	Overlap int `json:"overlap"` // characters carried between chunks
}

// AudioConfig controls transcription strategy selection and windowing.
type AudioConfig struct {
	ChunkingThresholdMB  int `json:"chunking_threshold_mb"`
	ChunkDurationMinutes int `json:"chunk_duration_minutes"`
	ChunkOverlapSeconds  int `json:"chunk_overlap_seconds"`
}

// RetrievalConfig controls the two retriever modes. Scoped queries list
// the case folder without a similarity cut, so they carry no threshold.
type RetrievalConfig struct {
	TopK                   int     `json:"top_k"`
	TopKExpediente         int     `json:"top_k_expediente"`
	Threshold              float64 `json:"threshold"`
	ExpedienteDocumentsCap int     `json:"expediente_documents_cap"`
}

// SessionConfig controls conversation persistence.
type SessionConfig struct {
	HistoryLimit int           `json:"history_limit"` // messages visible to the LLM
	TTL          time.Duration `json:"ttl"`           // persistent-layer TTL
}

// DefaultConfig returns a Config with the deployment defaults.
func DefaultConfig() Config {
	return Config{
		RedisAddr: "localhost:6379",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		EmbeddingDim: 768,
		OCR: OCRConfig{
			MaxPages: 20,
			DPI:      200,
		},
		Ingest: IngestConfig{
			Workers:     2,
			MaxFileSize: 1 << 30,
			OnDuplicate: "skip",
		},
		Chunking: ChunkingConfig{
			Size:    1500,
			Overlap: 200,
		},
		Audio: AudioConfig{
			ChunkingThresholdMB:  50,
			ChunkDurationMinutes: 10,
			ChunkOverlapSeconds:  30,
		},
		Retrieval: RetrievalConfig{
			TopK:                   15,
			TopKExpediente:         50,
			Threshold:              0.3,
			ExpedienteDocumentsCap: 1024,
		},
		Session: SessionConfig{
			HistoryLimit: 20,
			TTL:          30 * 24 * time.Hour,
		},
	}
}

// resolveDataDir computes the base data directory.
func (c *Config) resolveDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lexrag"
	}
	return filepath.Join(home, ".lexrag")
}

// ResolveDBPath returns the relational database path.
func (c *Config) ResolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.resolveDataDir(), "lexrag.db")
}

// ResolveVectorDBPath returns the vector database path.
func (c *Config) ResolveVectorDBPath() string {
	if c.VectorDBPath != "" {
		return c.VectorDBPath
	}
	return filepath.Join(c.resolveDataDir(), "vectors.db")
}

// ResolveUploadsDir returns the uploads directory.
func (c *Config) ResolveUploadsDir() string {
	if c.UploadsDir != "" {
		return c.UploadsDir
	}
	return filepath.Join(c.resolveDataDir(), "uploads")
}
