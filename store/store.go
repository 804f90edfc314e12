// Package store is the relational persistence layer: expedientes,
// documents, chunk text mirrors and the bitácora. Embeddings live in the
// separate vector database managed by the vectorstore package.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Document processing states.
const (
	EstadoPendiente = "Pendiente"
	EstadoProcesado = "Procesado"
	EstadoError     = "Error"
)

// Expediente is a judicial case folder, unique by its business number.
type Expediente struct {
	ID        int64  `json:"id"`
	Numero    string `json:"numero"`
	CreatedAt string `json:"fecha_creacion"`
}

// Document is one uploaded file belonging to an expediente.
type Document struct {
	ID            int64  `json:"id"`
	ExpedienteID  int64  `json:"id_expediente"`
	Filename      string `json:"nombre"`
	Extension     string `json:"extension"`
	ContentTypeID int    `json:"id_tipo_contenido"`
	Ruta          string `json:"ruta"`
	UploadedAt    string `json:"fecha_subida"`
	Estado        string `json:"estado"`
}

// ChunkText is the relational mirror of one vector-indexed chunk.
type ChunkText struct {
	ID         int64  `json:"id"`
	DocumentID int64  `json:"id_documento"`
	Index      int    `json:"chunk_index"`
	PageStart  int    `json:"page_start"`
	PageEnd    int    `json:"page_end"`
	Text       string `json:"texto"`
}

// ExpedienteChunk is a chunk joined with its expediente and document
// metadata, the shape the retriever fallback needs.
type ExpedienteChunk struct {
	ID               int64  `json:"id"`
	ExpedienteNumero string `json:"expediente_numero"`
	Filename         string `json:"filename"`
	Ruta             string `json:"ruta_archivo"`
	ChunkIndex       int    `json:"chunk_index"`
	PageStart        int    `json:"page_start"`
	PageEnd          int    `json:"page_end"`
	Text             string `json:"text"`
}

// AuditRecord is one bitácora entry.
type AuditRecord struct {
	ID           int64   `json:"id"`
	Timestamp    string  `json:"fecha"`
	UserID       *string `json:"id_usuario,omitempty"`
	ActionTypeID int     `json:"id_tipo_accion"`
	Text         string  `json:"texto"`
	ExpedienteID *int64  `json:"id_expediente,omitempty"`
	Info         string  `json:"info,omitempty"`
}

// Store wraps the relational SQLite database.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the relational database at dbPath and initialises
// the schema and catalogue tables.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.seedCatalogues(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("seeding catalogues: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) seedCatalogues(ctx context.Context) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		for ext, id := range contentTypes {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO tipos_contenido (id, extension) VALUES (?, ?)", id, ext); err != nil {
				return err
			}
		}
		ids := make([]int, 0, len(actionTypes))
		for id := range actionTypes {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO tipos_accion (id, nombre) VALUES (?, ?)", id, actionTypes[id]); err != nil {
				return err
			}
		}
		return nil
	})
}

// InTx runs fn inside a transaction, committing on nil and rolling back on
// error.
func (s *Store) InTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- Expediente operations ---

// GetOrCreateExpediente returns the expediente with the given business
// number, creating it on first reference.
func (s *Store) GetOrCreateExpediente(ctx context.Context, numero string) (*Expediente, error) {
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO expedientes (numero) VALUES (?)", numero); err != nil {
		return nil, err
	}
	return s.GetExpediente(ctx, numero)
}

// GetExpediente retrieves an expediente by business number.
func (s *Store) GetExpediente(ctx context.Context, numero string) (*Expediente, error) {
	e := &Expediente{}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, numero, fecha_creacion FROM expedientes WHERE numero = ?", numero).
		Scan(&e.ID, &e.Numero, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: expediente %s", ErrNotFound, numero)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// --- Document operations ---

// InsertDocumentTx creates a document row inside an ingestion transaction.
// Returns the new document ID.
func (s *Store) InsertDocumentTx(ctx context.Context, tx *sql.Tx, doc Document) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO documentos (id_expediente, nombre, extension, id_tipo_contenido, ruta, estado)
		VALUES (?, ?, ?, ?, ?, ?)
	`, doc.ExpedienteID, doc.Filename, doc.Extension, doc.ContentTypeID, doc.Ruta, doc.Estado)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateDocumentRutaTx records the on-disk path once the file is written.
func (s *Store) UpdateDocumentRutaTx(ctx context.Context, tx *sql.Tx, id int64, ruta string) error {
	_, err := tx.ExecContext(ctx, "UPDATE documentos SET ruta = ? WHERE id = ?", ruta, id)
	return err
}

// UpdateDocumentEstadoTx updates the processing state inside a transaction.
func (s *Store) UpdateDocumentEstadoTx(ctx context.Context, tx *sql.Tx, id int64, estado string) error {
	_, err := tx.ExecContext(ctx, "UPDATE documentos SET estado = ? WHERE id = ?", estado, id)
	return err
}

// UpdateDocumentEstado updates the processing state outside any transaction.
// Used by the orchestrator's compensation path after a rollback.
func (s *Store) UpdateDocumentEstado(ctx context.Context, id int64, estado string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE documentos SET estado = ? WHERE id = ?", estado, id)
	return err
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	d := &Document{}
	var ruta sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, id_expediente, nombre, extension, id_tipo_contenido, ruta, fecha_subida, estado
		FROM documentos WHERE id = ?
	`, id).Scan(&d.ID, &d.ExpedienteID, &d.Filename, &d.Extension,
		&d.ContentTypeID, &ruta, &d.UploadedAt, &d.Estado)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: documento %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	d.Ruta = ruta.String
	return d, nil
}

// FindProcessedDocument returns the processed document with the given
// filename in an expediente, or ErrNotFound. Drives the duplicate-skip
// policy: only a fully processed copy counts as a duplicate.
func (s *Store) FindProcessedDocument(ctx context.Context, expedienteID int64, filename string) (*Document, error) {
	d := &Document{}
	var ruta sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, id_expediente, nombre, extension, id_tipo_contenido, ruta, fecha_subida, estado
		FROM documentos
		WHERE id_expediente = ? AND nombre = ? AND estado = ?
		ORDER BY fecha_subida DESC LIMIT 1
	`, expedienteID, filename, EstadoProcesado).Scan(&d.ID, &d.ExpedienteID, &d.Filename,
		&d.Extension, &d.ContentTypeID, &ruta, &d.UploadedAt, &d.Estado)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: documento %s", ErrNotFound, filename)
	}
	if err != nil {
		return nil, err
	}
	d.Ruta = ruta.String
	return d, nil
}

// ListDocuments returns an expediente's documents ordered by upload time.
func (s *Store) ListDocuments(ctx context.Context, expedienteID int64) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, id_expediente, nombre, extension, id_tipo_contenido, ruta, fecha_subida, estado
		FROM documentos WHERE id_expediente = ? ORDER BY fecha_subida, id
	`, expedienteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var ruta sql.NullString
		if err := rows.Scan(&d.ID, &d.ExpedienteID, &d.Filename, &d.Extension,
			&d.ContentTypeID, &ruta, &d.UploadedAt, &d.Estado); err != nil {
			return nil, err
		}
		d.Ruta = ruta.String
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document; chunk text mirrors cascade.
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM documentos WHERE id = ?", id)
	return err
}

// --- Chunk text operations ---

// InsertChunkTextsTx writes the relational mirror of a document's chunks
// inside the ingestion transaction.
func (s *Store) InsertChunkTextsTx(ctx context.Context, tx *sql.Tx, docID int64, chunks []ChunkText) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_textos (id_documento, chunk_index, page_start, page_end, texto)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, docID, c.Index, c.PageStart, c.PageEnd, c.Text); err != nil {
			return err
		}
	}
	return nil
}

// ChunksByExpediente returns up to limit chunk mirrors for an expediente's
// processed documents, ordered by document and chunk index. Returns
// ErrNotFound when the expediente does not exist.
func (s *Store) ChunksByExpediente(ctx context.Context, numero string, limit int) ([]ExpedienteChunk, error) {
	exp, err := s.GetExpediente(ctx, numero)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ct.id, e.numero, d.nombre, d.ruta, ct.chunk_index, ct.page_start, ct.page_end, ct.texto
		FROM chunk_textos ct
		JOIN documentos d ON d.id = ct.id_documento
		JOIN expedientes e ON e.id = d.id_expediente
		WHERE d.id_expediente = ? AND d.estado = ?
		ORDER BY d.id, ct.chunk_index
		LIMIT ?
	`, exp.ID, EstadoProcesado, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExpedienteChunk
	for rows.Next() {
		var c ExpedienteChunk
		var ruta sql.NullString
		if err := rows.Scan(&c.ID, &c.ExpedienteNumero, &c.Filename,
			&ruta, &c.ChunkIndex, &c.PageStart, &c.PageEnd, &c.Text); err != nil {
			return nil, err
		}
		c.Ruta = ruta.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountChunks returns the number of chunk mirrors for a document.
func (s *Store) CountChunks(ctx context.Context, docID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunk_textos WHERE id_documento = ?", docID).Scan(&n)
	return n, err
}

// --- Bitácora operations ---

// InsertAudit appends one bitácora record.
func (s *Store) InsertAudit(ctx context.Context, rec AuditRecord) error {
	var info any
	if rec.Info != "" {
		info = rec.Info
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bitacora (id_usuario, id_tipo_accion, texto, id_expediente, info)
		VALUES (?, ?, ?, ?, ?)
	`, rec.UserID, rec.ActionTypeID, rec.Text, rec.ExpedienteID, info)
	return err
}

// ListAudit returns the newest bitácora records up to limit.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fecha, id_usuario, id_tipo_accion, texto, id_expediente, info
		FROM bitacora ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		var user sql.NullString
		var exp sql.NullInt64
		var info sql.NullString
		if err := rows.Scan(&r.ID, &r.Timestamp, &user, &r.ActionTypeID, &r.Text, &exp, &info); err != nil {
			return nil, err
		}
		if user.Valid {
			r.UserID = &user.String
		}
		if exp.Valid {
			r.ExpedienteID = &exp.Int64
		}
		r.Info = info.String
		out = append(out, r)
	}
	return out, rows.Err()
}
