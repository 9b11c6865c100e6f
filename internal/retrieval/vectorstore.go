package retrieval

import (
	"errors"
	"time"
)

// Logical collections held by the vector index. Norms are seeded once at
// startup and never mutated by ingestion; chunks are written per document
// and always queried with a document filter.
const (
	CollectionNorms  = "norms"
	CollectionChunks = "chunks"
)

// ErrIndexUnavailable wraps vector store failures caused by the underlying
// database being unreachable.
var ErrIndexUnavailable = errors.New("vector index unavailable")

// VectorStore is the interface for vector storage and similarity search.
// The implementation uses SQLite with brute-force cosine similarity; the
// collection/documentID parameters keep tenants logically isolated
// regardless of backend.
type VectorStore interface {
	// Insert adds records to the given collection.
	Insert(collection string, records []Record) error

	// ReplaceDocument atomically replaces all records of one document in the
	// collection. Ingestion uses it so a retried document never leaves a
	// partial index behind.
	ReplaceDocument(collection, documentID string, records []Record) error

	// Search returns the top-K records most similar to vector by cosine
	// similarity. When documentID is non-empty only that document's records
	// are considered. Ties are broken by insertion order.
	Search(collection string, vector []float32, topK int, documentID string) ([]ScoredRecord, error)

	// GetByIDs returns records matching the given IDs from the collection.
	GetByIDs(collection string, ids []string) ([]Record, error)

	// ListByDocument returns all records of a document in sequence order.
	// The highlighter walks a document's chunks through it.
	ListByDocument(collection, documentID string) ([]Record, error)

	// DeleteByDocument removes all records of a document from the collection.
	DeleteByDocument(collection, documentID string) error

	// Count returns the number of records in the collection.
	Count(collection string) (int, error)

	// CountByDocument returns the number of records a document holds in the
	// collection.
	CountByDocument(collection, documentID string) (int, error)

	// SampleTexts returns up to n record texts of a document in insertion
	// order, used as topic context for question classification.
	SampleTexts(collection, documentID string, n int) ([]string, error)
}

// Record represents a row in the vector store.
type Record struct {
	ID         string
	DocumentID string
	Page       int
	Seq        int
	Text       string
	TokenCount int
	Category   string
	SourceRef  string
	Embedding  []float32
	CreatedAt  time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}
