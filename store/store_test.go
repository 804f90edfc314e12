package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "lexrag.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreateExpediente(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e1, err := s.GetOrCreateExpediente(ctx, "2023-123456-7890-CI")
	if err != nil {
		t.Fatalf("GetOrCreateExpediente: %v", err)
	}
	e2, err := s.GetOrCreateExpediente(ctx, "2023-123456-7890-CI")
	if err != nil {
		t.Fatalf("second GetOrCreateExpediente: %v", err)
	}
	if e1.ID != e2.ID {
		t.Errorf("ids differ: %d vs %d", e1.ID, e2.ID)
	}
	if e1.Numero != "2023-123456-7890-CI" {
		t.Errorf("numero = %q", e1.Numero)
	}
}

func TestGetExpedienteNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetExpediente(context.Background(), "99-000000-0000-XX")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

// ingestDocument runs the happy-path ingestion transaction used across
// these tests: document Pendiente, chunk mirrors, then Procesado.
func ingestDocument(t *testing.T, s *Store, expedienteID int64, filename string, nchunks int) int64 {
	t.Helper()
	ctx := context.Background()
	var docID int64
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		docID, err = s.InsertDocumentTx(ctx, tx, Document{
			ExpedienteID:  expedienteID,
			Filename:      filename,
			Extension:     "pdf",
			ContentTypeID: ContentTypeID("pdf"),
			Ruta:          "uploads/test/" + filename,
			Estado:        EstadoPendiente,
		})
		if err != nil {
			return err
		}
		var chunks []ChunkText
		for i := 0; i < nchunks; i++ {
			chunks = append(chunks, ChunkText{
				Index: i, PageStart: 1, PageEnd: 2,
				Text: fmt.Sprintf("contenido %d de %s", i, filename),
			})
		}
		if err := s.InsertChunkTextsTx(ctx, tx, docID, chunks); err != nil {
			return err
		}
		return s.UpdateDocumentEstadoTx(ctx, tx, docID, EstadoProcesado)
	})
	if err != nil {
		t.Fatalf("ingest tx: %v", err)
	}
	return docID
}

func TestDocumentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exp, _ := s.GetOrCreateExpediente(ctx, "2023-111111-1111-CI")
	docID := ingestDocument(t, s, exp.ID, "demanda.pdf", 3)

	doc, err := s.GetDocument(ctx, docID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Estado != EstadoProcesado {
		t.Errorf("estado = %s, want Procesado", doc.Estado)
	}
	if doc.ContentTypeID != 1 {
		t.Errorf("content type = %d, want 1 (pdf)", doc.ContentTypeID)
	}

	n, err := s.CountChunks(ctx, docID)
	if err != nil {
		t.Fatalf("CountChunks: %v", err)
	}
	if n != 3 {
		t.Errorf("chunks = %d, want 3", n)
	}
}

func TestRollbackLeavesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exp, _ := s.GetOrCreateExpediente(ctx, "2023-222222-2222-PE")
	boom := errors.New("vector insert failed")

	var docID int64
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		docID, err = s.InsertDocumentTx(ctx, tx, Document{
			ExpedienteID: exp.ID, Filename: "acta.pdf", Extension: "pdf", Estado: EstadoPendiente,
		})
		if err != nil {
			return err
		}
		if err := s.InsertChunkTextsTx(ctx, tx, docID, []ChunkText{{Index: 0, Text: "x"}}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want rollback error", err)
	}

	if _, err := s.GetDocument(ctx, docID); !errors.Is(err, ErrNotFound) {
		t.Errorf("document survived rollback: %v", err)
	}
	docs, _ := s.ListDocuments(ctx, exp.ID)
	if len(docs) != 0 {
		t.Errorf("documents = %d, want 0", len(docs))
	}
}

func TestFindProcessedDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exp, _ := s.GetOrCreateExpediente(ctx, "2023-333333-3333-LA")

	// A failed document does not count as a duplicate.
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		id, err := s.InsertDocumentTx(ctx, tx, Document{
			ExpedienteID: exp.ID, Filename: "sentencia.pdf", Extension: "pdf", Estado: EstadoPendiente,
		})
		if err != nil {
			return err
		}
		return s.UpdateDocumentEstadoTx(ctx, tx, id, EstadoError)
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if _, err := s.FindProcessedDocument(ctx, exp.ID, "sentencia.pdf"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound for Error document", err)
	}

	ingestDocument(t, s, exp.ID, "sentencia.pdf", 1)
	doc, err := s.FindProcessedDocument(ctx, exp.ID, "sentencia.pdf")
	if err != nil {
		t.Fatalf("FindProcessedDocument: %v", err)
	}
	if doc.Estado != EstadoProcesado {
		t.Errorf("estado = %s", doc.Estado)
	}

	docs, _ := s.ListDocuments(ctx, exp.ID)
	if len(docs) != 2 {
		t.Errorf("documents = %d, want 2", len(docs))
	}
}

func TestChunksByExpediente(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exp, _ := s.GetOrCreateExpediente(ctx, "2023-444444-4444-CI")
	ingestDocument(t, s, exp.ID, "demanda.pdf", 2)
	ingestDocument(t, s, exp.ID, "contestacion.pdf", 2)

	// A pending document's chunks must not appear.
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		id, err := s.InsertDocumentTx(ctx, tx, Document{
			ExpedienteID: exp.ID, Filename: "borrador.pdf", Extension: "pdf", Estado: EstadoPendiente,
		})
		if err != nil {
			return err
		}
		return s.InsertChunkTextsTx(ctx, tx, id, []ChunkText{{Index: 0, Text: "pendiente"}})
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	chunks, err := s.ChunksByExpediente(ctx, "2023-444444-4444-CI", 1024)
	if err != nil {
		t.Fatalf("ChunksByExpediente: %v", err)
	}
	if len(chunks) != 4 {
		t.Errorf("chunks = %d, want 4", len(chunks))
	}
	for _, c := range chunks {
		if c.ExpedienteNumero != "2023-444444-4444-CI" {
			t.Errorf("numero = %q", c.ExpedienteNumero)
		}
		if c.Filename == "borrador.pdf" {
			t.Error("pending document leaked into listing")
		}
		if c.Ruta != "uploads/test/"+c.Filename {
			t.Errorf("ruta = %q for %s", c.Ruta, c.Filename)
		}
	}

	if _, err := s.ChunksByExpediente(ctx, "99-999999-9999-ZZ", 1024); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestChunksByExpedienteLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exp, _ := s.GetOrCreateExpediente(ctx, "2023-555555-5555-TR")
	ingestDocument(t, s, exp.ID, "expediente.pdf", 10)

	chunks, err := s.ChunksByExpediente(ctx, "2023-555555-5555-TR", 4)
	if err != nil {
		t.Fatalf("ChunksByExpediente: %v", err)
	}
	if len(chunks) != 4 {
		t.Errorf("chunks = %d, want limit 4", len(chunks))
	}
}

func TestDeleteDocumentCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exp, _ := s.GetOrCreateExpediente(ctx, "2023-666666-6666-FA")
	docID := ingestDocument(t, s, exp.ID, "oficio.pdf", 5)

	if err := s.DeleteDocument(ctx, docID); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	n, _ := s.CountChunks(ctx, docID)
	if n != 0 {
		t.Errorf("chunks = %d after delete, want 0", n)
	}
}

func TestAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := "usr-7"
	exp, _ := s.GetOrCreateExpediente(ctx, "2023-777777-7777-CI")

	recs := []AuditRecord{
		{UserID: &user, ActionTypeID: 2, Text: "Carga de demanda.pdf", ExpedienteID: &exp.ID, Info: `{"size":1024}`},
		{ActionTypeID: 12, Text: "Consulta RAG sin usuario"},
	}
	for _, r := range recs {
		if err := s.InsertAudit(ctx, r); err != nil {
			t.Fatalf("InsertAudit: %v", err)
		}
	}

	got, err := s.ListAudit(ctx, 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("records = %d, want 2", len(got))
	}
	// Newest first.
	if got[0].ActionTypeID != 12 || got[0].UserID != nil {
		t.Errorf("record 0 = %+v", got[0])
	}
	if got[1].UserID == nil || *got[1].UserID != "usr-7" || got[1].Info != `{"size":1024}` {
		t.Errorf("record 1 = %+v", got[1])
	}
}

func TestCatalogues(t *testing.T) {
	if ContentTypeID("pdf") != 1 || ContentTypeID("mp3") != 9 {
		t.Error("content type codes changed")
	}
	if ContentTypeID("xlsx") != 0 {
		t.Error("unknown extension should map to 0")
	}
	if ActionTypeName(12) != "Consulta RAG" {
		t.Errorf("action 12 = %q", ActionTypeName(12))
	}
	if ActionTypeName(2) != "Carga de Documentos" {
		t.Errorf("action 2 = %q", ActionTypeName(2))
	}
}
