package lexrag

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/expedientelab/lexrag/rag"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.RedisAddr = mr.Addr()
	cfg.EmbeddingDim = 4
	return cfg
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestNewAndClose(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg)

	if e.vectors.Dim() != 4 {
		t.Errorf("Dim = %d, want 4", e.vectors.Dim())
	}
}

func TestDimensionMismatchRefusesStart(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.Close()

	// The index on disk is 4-dimensional; a reconfigured embedder must not
	// silently write incompatible vectors into it.
	cfg.EmbeddingDim = 768
	if _, err := New(cfg); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch", err)
	}
}

func TestUploadValidation(t *testing.T) {
	e := newTestEngine(t, testConfig(t))

	_, err := e.Upload(context.Background(), "formato-malo", "demanda.pdf", []byte("x"), "u")
	if !errors.Is(err, ErrValidation) {
		t.Errorf("bad expediente: err = %v, want ErrValidation", err)
	}

	_, err = e.Upload(context.Background(), "2023-123456-7890-CI", "macro.xlsm", []byte("x"), "u")
	if !errors.Is(err, ErrValidation) {
		t.Errorf("bad extension: err = %v, want ErrValidation", err)
	}
}

func TestQueryValidation(t *testing.T) {
	e := newTestEngine(t, testConfig(t))

	err := e.Query(context.Background(), rag.QueryRequest{}, func(rag.Frame) error { return nil })
	if !errors.Is(err, ErrValidation) {
		t.Errorf("empty question: err = %v, want ErrValidation", err)
	}
}

func TestSessionNotFound(t *testing.T) {
	e := newTestEngine(t, testConfig(t))

	if _, err := e.Session(context.Background(), "session_u_1", "u"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestDocumentsUnknownExpediente(t *testing.T) {
	e := newTestEngine(t, testConfig(t))

	if _, err := e.Documents(context.Background(), "2099-000001-0001-XX", "u"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestConfigPathResolution(t *testing.T) {
	cfg := Config{DataDir: "/srv/lexrag"}
	if got := cfg.ResolveDBPath(); got != filepath.Join("/srv/lexrag", "lexrag.db") {
		t.Errorf("ResolveDBPath = %q", got)
	}
	if got := cfg.ResolveVectorDBPath(); got != filepath.Join("/srv/lexrag", "vectors.db") {
		t.Errorf("ResolveVectorDBPath = %q", got)
	}
	if got := cfg.ResolveUploadsDir(); got != filepath.Join("/srv/lexrag", "uploads") {
		t.Errorf("ResolveUploadsDir = %q", got)
	}

	cfg.DBPath = "/tmp/x.db"
	if got := cfg.ResolveDBPath(); got != "/tmp/x.db" {
		t.Errorf("override ResolveDBPath = %q", got)
	}
}
