package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document statuses. A document starts pending, becomes indexed once all
// chunks are embedded and stored, or failed when ingestion exhausts its
// retry budget.
const (
	StatusPending = "pending"
	StatusIndexed = "indexed"
	StatusFailed  = "failed"
)

// Job types processed by the ingest worker.
const (
	JobTypeIndex     = "document_index"
	JobTypeHighlight = "document_highlight"
)

type Document struct {
	ID         string
	Filename   string
	FilePath   string
	PageCount  int
	ChunkCount int
	Status     string
	Error      string
	CreatedAt  time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Highlight kinds distinguish clauses missing from the norms corpus from
// clauses that contradict a matched norm.
const (
	KindAbsent      = "absent"
	KindContradicts = "contradicts"
)

type Highlight struct {
	ID             string
	DocumentID     string
	Title          string
	ClauseText     string
	Reason         string
	NormComparison string
	MatchedNormID  string
	Category       string
	Kind           string
	DeviationScore float64
	Page           int
}

// QuestionRecord is one entry of the append-only question/answer log.
type QuestionRecord struct {
	ID           string
	DocumentID   string
	Question     string
	Answer       string
	QuestionType string
	Confidence   float64
	CreatedAt    time.Time
}
