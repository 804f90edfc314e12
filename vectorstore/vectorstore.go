// Package vectorstore owns the embedding index. It lives in its own SQLite
// database file, separate from the relational store, so the two systems
// fail independently and the orchestrator can compensate when one commit
// succeeds and the other does not.
package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// expedienteFetchCap bounds unfiltered expediente listings.
const expedienteFetchCap = 1024

// Embedder turns texts into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Chunk is one embedded fragment to be indexed. Expediente number and
// filename are denormalized so searches can filter without joining the
// relational store.
type Chunk struct {
	DocumentID       int64
	ExpedienteNumero string
	Filename         string
	Ruta             string
	ChunkIndex       int
	PageStart        int
	PageEnd          int
	Text             string
	Embedding        []float32
}

// Item is one search result. Ruta is the on-disk path the document was
// saved under, which may carry a collision suffix and so can differ from
// the path the filename alone would suggest.
type Item struct {
	ID               int64   `json:"id"`
	ExpedienteNumero string  `json:"expediente_numero"`
	Filename         string  `json:"filename"`
	Ruta             string  `json:"ruta_archivo"`
	ChunkIndex       int     `json:"chunk_index"`
	PageStart        int     `json:"page_start"`
	PageEnd          int     `json:"page_end"`
	Text             string  `json:"text"`
	Score            float64 `json:"score"`
}

// Store wraps the vector database.
type Store struct {
	db       *sql.DB
	dim      int
	embedder Embedder
}

// New opens (or creates) the vector database at dbPath. dim is the
// embedding dimension used when creating a fresh index; an existing index
// keeps its own dimension, which callers read back via Dim.
func New(dbPath string, dim int, embedder Embedder) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening vector database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging vector database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(dim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating vector schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embedder: embedder}
	s.dim, err = s.readDim()
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func schemaSQL(dim int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS chunk_meta (
    id INTEGER PRIMARY KEY,
    id_documento INTEGER NOT NULL,
    expediente_numero TEXT NOT NULL,
    filename TEXT NOT NULL,
    ruta TEXT NOT NULL DEFAULT '',
    chunk_index INTEGER NOT NULL,
    page_start INTEGER NOT NULL DEFAULT 0,
    page_end INTEGER NOT NULL DEFAULT 0,
    texto TEXT NOT NULL,
    UNIQUE(id_documento, chunk_index)
);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
    chunk_id INTEGER PRIMARY KEY,
    embedding float[%d] distance_metric=cosine
);

CREATE INDEX IF NOT EXISTS idx_chunk_meta_documento ON chunk_meta(id_documento);
CREATE INDEX IF NOT EXISTS idx_chunk_meta_expediente ON chunk_meta(expediente_numero);
`, dim)
}

var dimPattern = regexp.MustCompile(`float\[(\d+)\]`)

// readDim recovers the embedding dimension from the index DDL, which is
// authoritative for pre-existing databases.
func (s *Store) readDim() (int, error) {
	var ddl string
	err := s.db.QueryRow(
		"SELECT sql FROM sqlite_master WHERE name = 'vec_chunks'").Scan(&ddl)
	if err != nil {
		return 0, fmt.Errorf("reading index dimension: %w", err)
	}
	m := dimPattern.FindStringSubmatch(ddl)
	if len(m) < 2 {
		return 0, errors.New("vectorstore: cannot determine index dimension")
	}
	return strconv.Atoi(m[1])
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dim returns the embedding dimension of the index.
func (s *Store) Dim() int {
	return s.dim
}

// Insert indexes a document's chunks in one transaction.
func (s *Store) Insert(ctx context.Context, chunks []Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	metaStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_meta (id_documento, expediente_numero, filename, ruta, chunk_index, page_start, page_end, texto)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer metaStmt.Close()

	vecStmt, err := tx.PrepareContext(ctx,
		"INSERT INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)")
	if err != nil {
		return err
	}
	defer vecStmt.Close()

	for _, c := range chunks {
		if len(c.Embedding) != s.dim {
			return fmt.Errorf("vectorstore: embedding dimension %d, index expects %d",
				len(c.Embedding), s.dim)
		}
		res, err := metaStmt.ExecContext(ctx, c.DocumentID, c.ExpedienteNumero,
			c.Filename, c.Ruta, c.ChunkIndex, c.PageStart, c.PageEnd, c.Text)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if _, err := vecStmt.ExecContext(ctx, id, serializeFloat32(c.Embedding)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SearchByVector performs a KNN search. Results are sorted by score
// descending; thresholding is left-inclusive. A non-empty expediente
// narrows the search to that expediente's chunks.
func (s *Store) SearchByVector(ctx context.Context, qvec []float32, topK int, threshold float64, expediente string) ([]Item, error) {
	if len(qvec) != s.dim {
		return nil, fmt.Errorf("vectorstore: query dimension %d, index expects %d", len(qvec), s.dim)
	}

	// With a filter the KNN runs wide and narrows afterwards, since vec0
	// cannot apply metadata predicates inside the MATCH.
	k := topK
	if expediente != "" {
		k = expedienteFetchCap
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT v.chunk_id, v.distance,
			m.expediente_numero, m.filename, m.ruta, m.chunk_index, m.page_start, m.page_end, m.texto
		FROM vec_chunks v
		JOIN chunk_meta m ON m.id = v.chunk_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(qvec), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var distance float64
		if err := rows.Scan(&it.ID, &distance, &it.ExpedienteNumero, &it.Filename,
			&it.Ruta, &it.ChunkIndex, &it.PageStart, &it.PageEnd, &it.Text); err != nil {
			return nil, err
		}
		if expediente != "" && it.ExpedienteNumero != expediente {
			continue
		}
		it.Score = clampScore(1.0 - distance)
		if it.Score < threshold {
			continue
		}
		items = append(items, it)
		if len(items) == topK {
			break
		}
	}
	return items, rows.Err()
}

// SearchByText embeds q and searches by vector.
func (s *Store) SearchByText(ctx context.Context, q string, topK int, threshold float64, expediente string) ([]Item, error) {
	if s.embedder == nil {
		return nil, errors.New("vectorstore: no embedder configured")
	}
	vecs, err := s.embedder.Embed(ctx, []string{q})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, errors.New("vectorstore: embedder returned no vectors")
	}
	return s.SearchByVector(ctx, vecs[0], topK, threshold, expediente)
}

// ExpedienteDocuments returns an expediente's chunks in document
// insertion order, without similarity filtering. limit values outside
// (0, expedienteFetchCap] take the fetch cap.
func (s *Store) ExpedienteDocuments(ctx context.Context, expediente string, limit int) ([]Item, error) {
	if limit <= 0 || limit > expedienteFetchCap {
		limit = expedienteFetchCap
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, expediente_numero, filename, ruta, chunk_index, page_start, page_end, texto
		FROM chunk_meta
		WHERE expediente_numero = ?
		ORDER BY id_documento, chunk_index
		LIMIT ?
	`, expediente, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.ExpedienteNumero, &it.Filename,
			&it.Ruta, &it.ChunkIndex, &it.PageStart, &it.PageEnd, &it.Text); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// DeleteByDocument removes all chunks of a document from the index.
func (s *Store) DeleteByDocument(ctx context.Context, docID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM vec_chunks WHERE chunk_id IN (
			SELECT id FROM chunk_meta WHERE id_documento = ?
		)`, docID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM chunk_meta WHERE id_documento = ?", docID); err != nil {
		return err
	}
	return tx.Commit()
}

// CountByDocument returns the number of indexed chunks for a document.
func (s *Store) CountByDocument(ctx context.Context, docID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunk_meta WHERE id_documento = ?", docID).Scan(&n)
	return n, err
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// serializeFloat32 converts a float32 slice to little-endian bytes for
// sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
