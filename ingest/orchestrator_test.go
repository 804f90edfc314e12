package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/expedientelab/lexrag/chunker"
	"github.com/expedientelab/lexrag/extract"
	"github.com/expedientelab/lexrag/progress"
	"github.com/expedientelab/lexrag/store"
	"github.com/expedientelab/lexrag/vectorstore"
)

const testExpediente = "2023-123456-7890-CI"

type fakeExtractor struct {
	text string
	err  error
}

func (f *fakeExtractor) ExtractWithProgress(ctx context.Context, data []byte, filename string, progress func(int, string)) (*extract.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &extract.Result{Text: f.text, Method: "native"}, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

type fakeVectors struct {
	inserted  []vectorstore.Chunk
	swept     []int64
	insertErr error
}

func (f *fakeVectors) Insert(ctx context.Context, chunks []vectorstore.Chunk) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, chunks...)
	return nil
}

func (f *fakeVectors) DeleteByDocument(ctx context.Context, docID int64) error {
	f.swept = append(f.swept, docID)
	return nil
}

type testEnv struct {
	orch    *Orchestrator
	store   *store.Store
	tracker *progress.Tracker
	vectors *fakeVectors
	dir     string
}

func newTestEnv(t *testing.T, ex *fakeExtractor, vec *fakeVectors, cfg Config) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.New(filepath.Join(dir, "lexrag.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	tr := progress.New(rdb)

	cfg.UploadsDir = filepath.Join(dir, "uploads")
	orch := NewOrchestrator(st, vec, ex, fakeEmbedder{}, chunker.New(chunker.Config{}), tr, cfg)
	return &testEnv{orch: orch, store: st, tracker: tr, vectors: vec, dir: dir}
}

func runJob(t *testing.T, env *testEnv, req Request) string {
	t.Helper()
	ctx := context.Background()
	jobID := "job-" + req.Filename
	if err := env.tracker.Create(ctx, jobID, req.Expediente, req.Filename); err != nil {
		t.Fatalf("Create: %v", err)
	}
	env.orch.Process(ctx, jobID, req)
	return jobID
}

func TestProcessHappyPath(t *testing.T) {
	vec := &fakeVectors{}
	env := newTestEnv(t, &fakeExtractor{text: "Se declara con lugar la demanda interpuesta."}, vec, Config{})
	ctx := context.Background()

	jobID := runJob(t, env, Request{Expediente: testExpediente, Filename: "demanda.pdf", Data: []byte("pdf")})

	j, err := env.tracker.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != progress.StateCompletado || j.Progress != 100 {
		t.Errorf("job = %+v", j)
	}

	exp, err := env.store.GetExpediente(ctx, testExpediente)
	if err != nil {
		t.Fatalf("GetExpediente: %v", err)
	}
	docs, _ := env.store.ListDocuments(ctx, exp.ID)
	if len(docs) != 1 {
		t.Fatalf("documents = %d, want 1", len(docs))
	}
	doc := docs[0]
	if doc.Estado != store.EstadoProcesado {
		t.Errorf("estado = %s", doc.Estado)
	}
	if doc.Ruta != filepath.Join("uploads", testExpediente, "demanda.pdf") {
		t.Errorf("ruta = %q", doc.Ruta)
	}
	if _, err := os.Stat(filepath.Join(env.dir, doc.Ruta)); err != nil {
		t.Errorf("uploaded file missing: %v", err)
	}

	n, _ := env.store.CountChunks(ctx, doc.ID)
	if n == 0 {
		t.Error("no chunk mirrors written")
	}
	if len(vec.inserted) != n {
		t.Errorf("vector chunks = %d, mirrors = %d", len(vec.inserted), n)
	}
	for _, c := range vec.inserted {
		if c.ExpedienteNumero != testExpediente || c.Filename != "demanda.pdf" {
			t.Errorf("chunk metadata = %+v", c)
		}
		if c.Ruta != doc.Ruta {
			t.Errorf("chunk ruta = %q, document ruta = %q", c.Ruta, doc.Ruta)
		}
	}

	ok, err := env.orch.ReconcileDocument(ctx, doc.ID)
	if err != nil || !ok {
		t.Errorf("ReconcileDocument = (%v, %v)", ok, err)
	}
}

func TestProcessInvalidExtension(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{text: "x"}, &fakeVectors{}, Config{})
	jobID := runJob(t, env, Request{Expediente: testExpediente, Filename: "datos.xlsx", Data: []byte("x")})

	j, _ := env.tracker.Get(context.Background(), jobID)
	if j.Status != progress.StateFallido {
		t.Errorf("status = %s, want fallido", j.Status)
	}
	if !strings.Contains(j.ErrorDetails, "extensión") {
		t.Errorf("error_details = %q", j.ErrorDetails)
	}
}

func TestProcessNoContent(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{err: extract.ErrNoContent}, &fakeVectors{}, Config{})
	jobID := runJob(t, env, Request{Expediente: testExpediente, Filename: "vacio.pdf", Data: []byte("x")})

	j, _ := env.tracker.Get(context.Background(), jobID)
	if j.Status != progress.StateFallido {
		t.Errorf("status = %s, want fallido", j.Status)
	}
}

func TestDuplicateSkip(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{text: "Texto de la demanda."}, &fakeVectors{}, Config{})
	ctx := context.Background()

	runJob(t, env, Request{Expediente: testExpediente, Filename: "demanda.pdf", Data: []byte("a")})

	env.tracker.Create(ctx, "job-2", testExpediente, "demanda.pdf")
	env.orch.Process(ctx, "job-2", Request{Expediente: testExpediente, Filename: "demanda.pdf", Data: []byte("a")})

	j, _ := env.tracker.Get(ctx, "job-2")
	if j.Status != progress.StateCompletado {
		t.Errorf("status = %s, want completado (skip)", j.Status)
	}

	exp, _ := env.store.GetExpediente(ctx, testExpediente)
	docs, _ := env.store.ListDocuments(ctx, exp.ID)
	if len(docs) != 1 {
		t.Errorf("documents = %d, want 1 after skip", len(docs))
	}
}

func TestDuplicateVersion(t *testing.T) {
	vec := &fakeVectors{}
	env := newTestEnv(t, &fakeExtractor{text: "Texto de la demanda."}, vec, Config{OnDuplicate: OnDuplicateVersion})
	ctx := context.Background()

	runJob(t, env, Request{Expediente: testExpediente, Filename: "demanda.pdf", Data: []byte("a")})

	env.tracker.Create(ctx, "job-2", testExpediente, "demanda.pdf")
	env.orch.Process(ctx, "job-2", Request{Expediente: testExpediente, Filename: "demanda.pdf", Data: []byte("b")})

	exp, _ := env.store.GetExpediente(ctx, testExpediente)
	docs, _ := env.store.ListDocuments(ctx, exp.ID)
	if len(docs) != 2 {
		t.Fatalf("documents = %d, want 2 versions", len(docs))
	}
	if docs[1].Ruta != filepath.Join("uploads", testExpediente, "demanda_1.pdf") {
		t.Errorf("versioned ruta = %q", docs[1].Ruta)
	}

	// The vector rows of the second version carry the suffixed path, not
	// one synthesized from the filename.
	if len(vec.inserted) == 0 {
		t.Fatal("no vector chunks inserted")
	}
	last := vec.inserted[len(vec.inserted)-1]
	if last.Ruta != docs[1].Ruta {
		t.Errorf("vector ruta = %q, want %q", last.Ruta, docs[1].Ruta)
	}
	if last.Filename != "demanda.pdf" {
		t.Errorf("vector filename = %q", last.Filename)
	}
}

func TestVectorFailureLeavesErrorDocument(t *testing.T) {
	vec := &fakeVectors{insertErr: errors.New("vector db down")}
	env := newTestEnv(t, &fakeExtractor{text: "Texto de la demanda."}, vec, Config{})
	ctx := context.Background()

	jobID := runJob(t, env, Request{Expediente: testExpediente, Filename: "demanda.pdf", Data: []byte("a")})

	j, _ := env.tracker.Get(ctx, jobID)
	if j.Status != progress.StateFallido {
		t.Errorf("status = %s, want fallido", j.Status)
	}

	// The document row survives in Error state with no chunks on either
	// side, so the failure is visible in listings.
	exp, _ := env.store.GetExpediente(ctx, testExpediente)
	docs, _ := env.store.ListDocuments(ctx, exp.ID)
	if len(docs) != 1 {
		t.Fatalf("documents = %d, want the Error row", len(docs))
	}
	if docs[0].Estado != store.EstadoError {
		t.Errorf("estado = %s, want Error", docs[0].Estado)
	}
	n, _ := env.store.CountChunks(ctx, docs[0].ID)
	if n != 0 {
		t.Errorf("chunk mirrors = %d after rollback, want 0", n)
	}
	if len(vec.swept) == 0 {
		t.Error("orphaned vectors not swept")
	}
	ok, err := env.orch.ReconcileDocument(ctx, docs[0].ID)
	if err != nil || !ok {
		t.Errorf("ReconcileDocument = (%v, %v)", ok, err)
	}

	// An Error copy is not a duplicate: re-uploading reprocesses it.
	vec.insertErr = nil
	env.tracker.Create(ctx, "job-retry", testExpediente, "demanda.pdf")
	env.orch.Process(ctx, "job-retry", Request{Expediente: testExpediente, Filename: "demanda.pdf", Data: []byte("a")})
	j2, _ := env.tracker.Get(ctx, "job-retry")
	if j2.Status != progress.StateCompletado {
		t.Errorf("retry status = %s, want completado", j2.Status)
	}
}

func TestCancelledBeforePickup(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{text: "Texto."}, &fakeVectors{}, Config{})
	ctx := context.Background()

	env.tracker.Create(ctx, "job-c", testExpediente, "demanda.pdf")
	env.tracker.Cancel(ctx, "job-c")

	env.orch.Process(ctx, "job-c", Request{Expediente: testExpediente, Filename: "demanda.pdf", Data: []byte("a")})

	j, _ := env.tracker.Get(ctx, "job-c")
	if j.Status != progress.StateCancelado {
		t.Errorf("status = %s, want cancelado", j.Status)
	}

	exp, _ := env.store.GetExpediente(ctx, testExpediente)
	if exp != nil {
		docs, _ := env.store.ListDocuments(ctx, exp.ID)
		if len(docs) != 0 {
			t.Errorf("documents = %d, want 0", len(docs))
		}
	}
}

func TestValidateUpload(t *testing.T) {
	tests := []struct {
		name       string
		expediente string
		filename   string
		size       int64
		wantErr    bool
	}{
		{"ok pdf", testExpediente, "demanda.pdf", 100, false},
		{"ok short year", "23-123456-7890-PE", "acta.mp3", 100, false},
		{"empty filename", testExpediente, "  ", 100, true},
		{"bad extension", testExpediente, "datos.xlsx", 100, true},
		{"zero bytes", testExpediente, "demanda.pdf", 0, true},
		{"oversized", testExpediente, "demanda.pdf", 2 << 30, true},
		{"bad expediente", "123-45-6789-CI", "demanda.pdf", 100, true},
		{"lowercase office", "2023-123456-7890-ci", "demanda.pdf", 100, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUpload(tt.expediente, tt.filename, tt.size, 1<<30)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Errorf("error %v does not wrap ErrValidation", err)
			}
		})
	}
}

func TestQueue(t *testing.T) {
	env := newTestEnv(t, &fakeExtractor{text: "Texto de la demanda."}, &fakeVectors{}, Config{})
	q := NewQueue(env.orch, 2)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, Request{Expediente: testExpediente, Filename: "demanda.pdf", Data: []byte("a")})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if jobID == "" {
		t.Fatal("empty job id")
	}

	// Invalid requests are rejected before any job is created.
	if _, err := q.Enqueue(ctx, Request{Expediente: testExpediente, Filename: "datos.xlsx", Data: []byte("a")}); !errors.Is(err, ErrValidation) {
		t.Errorf("got %v, want ErrValidation", err)
	}

	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j, err := env.tracker.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("Get after Close: %v", err)
	}
	if j.Status != progress.StateCompletado {
		t.Errorf("status = %s, want completado", j.Status)
	}

	if _, err := q.Enqueue(ctx, Request{Expediente: testExpediente, Filename: "otra.pdf", Data: []byte("a")}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("got %v, want ErrQueueClosed", err)
	}
}
