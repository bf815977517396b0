// Package memory implements C5: the bridge between a blocking generation
// loop and the async-facing embedding store, plus the store itself.
//
// The ANN index spec.md §6 describes as "HNSW-indexed vector files" has no
// complete-source Go equivalent in the reference corpus (the original used
// Rust's hora crate), so Store keeps every embedding in a modernc.org/sqlite
// table -- grounded on theawakener0-OpenEye's VectorStore -- and ranks
// candidates with a brute-force in-memory scan, documented as a simplification
// in DESIGN.md.
package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/swdunlop/poly-go/internal/types"
)

// Store is the memory store contract the bridge consumes (spec.md §6).
type Store interface {
	Store(ctx context.Context, text string, embedding []float32) error
	// Get returns the k nearest items in ascending distance.
	Get(ctx context.Context, embedding []float32, k int) ([]string, error)
	Dimension() int
	Close() error
}

// SQLiteStore is a modernc.org/sqlite-backed Store: every row is a (text,
// embedding) pair, and each Get reads every row back from the table and
// ranks them by brute-force cosine similarity.
type SQLiteStore struct {
	db  *sql.DB
	dim int
}

// OpenSQLiteStore opens (creating if necessary) a sqlite-backed store at
// path, expecting every stored embedding to have length dim. If the file
// already holds vectors of a different width, Open fails with
// ErrDimensionalityMismatch -- the store's width is fixed at creation, per
// spec.md §6's treatment of the persisted file as opaque but
// dimension-stable.
func OpenSQLiteStore(path string, dim int) (*SQLiteStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: memory store dimension must be positive, got %d", types.ErrConfig, dim)
	}
	if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating memory store directory: %v", types.ErrMemory, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening memory store: %v", types.ErrMemory, err)
	}

	s := &SQLiteStore{db: db, dim: dim}
	if err := s.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.checkDimension(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) bootstrap() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			text      TEXT NOT NULL,
			embedding BLOB NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("%w: creating memories table: %v", types.ErrMemory, err)
	}
	return nil
}

// checkDimension fails fast if a pre-existing store holds vectors whose
// width disagrees with the model this process just loaded (spec.md's
// DimensionalityMismatch).
func (s *SQLiteStore) checkDimension() error {
	var blob []byte
	err := s.db.QueryRow(`SELECT embedding FROM memories LIMIT 1`).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: inspecting memory store: %v", types.ErrMemory, err)
	}
	if len(blob)/4 != s.dim {
		return fmt.Errorf("%w: store holds %d-wide vectors, model embeds at %d", types.ErrDimensionalityMismatch, len(blob)/4, s.dim)
	}
	return nil
}

func (s *SQLiteStore) Dimension() int { return s.dim }

func (s *SQLiteStore) Store(ctx context.Context, text string, embedding []float32) error {
	if len(embedding) != s.dim {
		return fmt.Errorf("%w: got %d-wide embedding, store is %d-wide", types.ErrDimensionalityMismatch, len(embedding), s.dim)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO memories (text, embedding) VALUES (?, ?)`, text, encodeVector(embedding))
	if err != nil {
		return fmt.Errorf("%w: inserting memory: %v", types.ErrMemory, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, embedding []float32, k int) ([]string, error) {
	if k <= 0 {
		return nil, nil
	}
	if len(embedding) != s.dim {
		return nil, fmt.Errorf("%w: got %d-wide query, store is %d-wide", types.ErrDimensionalityMismatch, len(embedding), s.dim)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT text, embedding FROM memories`)
	if err != nil {
		return nil, fmt.Errorf("%w: scanning memory store: %v", types.ErrMemory, err)
	}
	defer rows.Close()

	type scored struct {
		text string
		dist float64
	}
	var candidates []scored
	for rows.Next() {
		var text string
		var blob []byte
		if err := rows.Scan(&text, &blob); err != nil {
			return nil, fmt.Errorf("%w: reading memory row: %v", types.ErrMemory, err)
		}
		vec := decodeVector(blob)
		if len(vec) != s.dim {
			continue
		}
		candidates = append(candidates, scored{text: text, dist: cosineDistance(embedding, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating memory rows: %v", types.ErrMemory, err)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	if k < len(candidates) {
		candidates = candidates[:k]
	}

	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.text
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	if len(buf)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// cosineDistance is 1-cosine_similarity, so ascending order is nearest-first,
// matching the ordering get() must return per spec.md §6.
func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
