package retrieval

import (
	"container/heap"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore provides vector storage and brute-force cosine similarity
// search backed by SQLite. Collections share one table, discriminated by the
// collection column; chunk queries additionally filter on document_id so a
// document can never see another document's chunks.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
// The vectors table must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Insert adds records to the given collection.
func (s *SQLiteStore) Insert(collection string, records []Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: beginning insert transaction: %v", ErrIndexUnavailable, err)
	}

	if err := insertTx(tx, collection, records); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ReplaceDocument deletes any existing records for the document and inserts
// the new set in one transaction.
func (s *SQLiteStore) ReplaceDocument(collection, documentID string, records []Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: beginning replace transaction: %v", ErrIndexUnavailable, err)
	}

	if _, err := tx.Exec(`DELETE FROM vectors WHERE collection = ? AND document_id = ?`, collection, documentID); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing document %s: %w", documentID, err)
	}
	if err := insertTx(tx, collection, records); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insertTx(tx *sql.Tx, collection string, records []Record) error {
	stmt, err := tx.Prepare(`
		INSERT INTO vectors (id, collection, document_id, page, seq, text_chunk, token_count, category, source_ref, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		blob := encodeFloat32s(r.Embedding)
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(r.ID, collection, r.DocumentID, r.Page, r.Seq, r.Text, r.TokenCount,
			r.Category, r.SourceRef, blob, createdAt.Format(time.RFC3339)); err != nil {
			return fmt.Errorf("inserting record %s: %w", r.ID, err)
		}
	}
	return nil
}

// idScore holds the ID, score, and insertion order during the scan phase of
// Search. Full record details are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
	Rowid int64
}

// Search performs brute-force cosine similarity search over the collection,
// returning the top-K most similar records. Equal scores rank by insertion
// order (lower rowid first), keeping results deterministic.
func (s *SQLiteStore) Search(collection string, vector []float32, topK int, documentID string) ([]ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}

	// Phase 1: scan only rowid + id + embedding to find top-K candidates.
	query := `SELECT rowid, id, embedding FROM vectors WHERE collection = ?`
	args := []interface{}{collection}
	if documentID != "" {
		query += ` AND document_id = ?`
		args = append(args, documentID)
	}
	query += ` ORDER BY rowid ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying vectors: %v", ErrIndexUnavailable, err)
	}
	defer rows.Close()

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var rowid int64
		var id string
		var blob []byte
		if err := rows.Scan(&rowid, &id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := dotProduct(vector, buf, queryNorm)
		cand := idScore{ID: id, Score: score, Rowid: rowid}
		if h.Len() < topK {
			heap.Push(h, cand)
		} else if lessCandidate((*h)[0], cand) {
			// Strictly better than the current worst; ties keep the earlier row.
			(*h)[0] = cand
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the top-K IDs.
	topIDs := make([]string, h.Len())
	scores := make(map[string]idScore, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item
	}

	records, err := s.GetByIDs(collection, topIDs)
	if err != nil {
		return nil, err
	}

	results := make([]ScoredRecord, len(records))
	for i, r := range records {
		results[i] = ScoredRecord{Record: r, Score: scores[r.ID].Score}
	}

	// Sort by score descending, insertion order ascending on ties.
	sort.SliceStable(results, func(i, j int) bool {
		si, sj := scores[results[i].ID], scores[results[j].ID]
		if si.Score != sj.Score {
			return si.Score > sj.Score
		}
		return si.Rowid < sj.Rowid
	})

	return results, nil
}

// lessCandidate reports whether a ranks strictly below b: lower score, or
// equal score with later insertion.
func lessCandidate(a, b idScore) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.Rowid > b.Rowid
}

// GetByIDs returns records matching the given IDs from the collection.
func (s *SQLiteStore) GetByIDs(collection string, ids []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	queryArgs := make([]interface{}, 0, len(ids)+1)
	queryArgs = append(queryArgs, collection)
	for _, id := range ids {
		queryArgs = append(queryArgs, id)
	}

	query := `SELECT id, document_id, page, seq, text_chunk, token_count, category, source_ref, embedding, created_at
		FROM vectors WHERE collection = ? AND id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.Query(query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying by IDs: %v", ErrIndexUnavailable, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var r Record
	var blob []byte
	var createdAt string
	if err := rows.Scan(&r.ID, &r.DocumentID, &r.Page, &r.Seq, &r.Text, &r.TokenCount,
		&r.Category, &r.SourceRef, &blob, &createdAt); err != nil {
		return Record{}, fmt.Errorf("scanning record: %w", err)
	}
	embedding, err := decodeFloat32s(blob)
	if err != nil {
		return Record{}, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
	}
	r.Embedding = embedding
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("parsing created_at for %s: %w", r.ID, err)
	}
	r.CreatedAt = t
	return r, nil
}

// ListByDocument returns all records of a document in sequence order.
func (s *SQLiteStore) ListByDocument(collection, documentID string) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT id, document_id, page, seq, text_chunk, token_count, category, source_ref, embedding, created_at
		FROM vectors WHERE collection = ? AND document_id = ? ORDER BY seq ASC`, collection, documentID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing document %s: %v", ErrIndexUnavailable, documentID, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// DeleteByDocument removes all records of a document from the collection.
func (s *SQLiteStore) DeleteByDocument(collection, documentID string) error {
	_, err := s.db.Exec(`DELETE FROM vectors WHERE collection = ? AND document_id = ?`, collection, documentID)
	if err != nil {
		return fmt.Errorf("%w: deleting document %s: %v", ErrIndexUnavailable, documentID, err)
	}
	return nil
}

// Count returns the number of records in the collection.
func (s *SQLiteStore) Count(collection string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM vectors WHERE collection = ?`, collection).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: counting %s: %v", ErrIndexUnavailable, collection, err)
	}
	return count, nil
}

// CountByDocument returns the number of records a document holds in the collection.
func (s *SQLiteStore) CountByDocument(collection, documentID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM vectors WHERE collection = ? AND document_id = ?`,
		collection, documentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: counting document %s: %v", ErrIndexUnavailable, documentID, err)
	}
	return count, nil
}

// SampleTexts returns up to n record texts of a document in insertion order.
func (s *SQLiteStore) SampleTexts(collection, documentID string, n int) ([]string, error) {
	rows, err := s.db.Query(`SELECT text_chunk FROM vectors WHERE collection = ? AND document_id = ?
		ORDER BY seq ASC LIMIT ?`, collection, documentID, n)
	if err != nil {
		return nil, fmt.Errorf("%w: sampling texts: %v", ErrIndexUnavailable, err)
	}
	defer rows.Close()

	var texts []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		texts = append(texts, t)
	}
	return texts, rows.Err()
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// CosineSimilarity computes the cosine similarity of two vectors. Used by
// the highlighter for chunk-to-chunk deduplication.
func CosineSimilarity(a, b []float32) float32 {
	n := norm(a)
	if n == 0 {
		return 0
	}
	return dotProduct(a, b, n)
}

// idScoreHeap is a min-heap of idScore ordered by (Score, -Rowid).
// Used during the scan phase of Search to track top-K candidates by ID only.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int            { return len(h) }
func (h idScoreHeap) Less(i, j int) bool  { return lessCandidate(h[i], h[j]) }
func (h idScoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x interface{}) { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
