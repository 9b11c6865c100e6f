// Package ingest runs the background pipeline that turns uploaded policy
// files into searchable chunks and highlights. Work arrives through the
// SQLite job queue; the upload handler only enqueues and returns.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/insurancelens/policylens/internal/chunker"
	"github.com/insurancelens/policylens/internal/extract"
	"github.com/insurancelens/policylens/internal/retrieval"
	"github.com/insurancelens/policylens/internal/storage"
)

// JobStore abstracts the job queue and document bookkeeping.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) (terminal bool, err error)
	EnqueueJob(job storage.Job) error
	GetDocument(id string) (storage.Document, error)
	MarkDocumentIndexed(id string, pageCount, chunkCount int) error
	MarkDocumentFailed(id, errMsg string) error
	ReplaceHighlights(documentID string, highlights []storage.Highlight) error
}

// Embedder generates embeddings for chunk texts.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorWriter writes chunk records into the vector store.
type VectorWriter interface {
	ReplaceDocument(collection, documentID string, records []retrieval.Record) error
}

// Highlighter compares an indexed document against the norm catalog.
type Highlighter interface {
	Generate(ctx context.Context, documentID string) ([]storage.Highlight, error)
}

// Worker processes document_index and document_highlight jobs from the
// SQLite job queue.
type Worker struct {
	store       JobStore
	embedder    Embedder
	vectors     VectorWriter
	highlighter Highlighter
	chunks      *chunker.Chunker
	poll        time.Duration
	logger      *slog.Logger

	// extractFn is swapped out in tests.
	extractFn func(data []byte) (extract.Result, error)
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder Embedder, vectors VectorWriter, highlighter Highlighter, chunks *chunker.Chunker, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:       store,
		embedder:    embedder,
		vectors:     vectors,
		highlighter: highlighter,
		chunks:      chunks,
		poll:        pollInterval,
		logger:      slog.Default(),
		extractFn:   extract.Extract,
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job. Returns true if a job was
// processed (regardless of success/failure). A job that exhausts its retry
// budget marks the document failed so the API surfaces it.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{storage.JobTypeIndex, storage.JobTypeHighlight})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	var payload documentPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		w.fail(job, payload.DocumentID, fmt.Errorf("parsing payload: %w", err))
		return true, nil
	}

	var procErr error
	switch job.Type {
	case storage.JobTypeIndex:
		procErr = w.processIndex(ctx, payload.DocumentID)
	case storage.JobTypeHighlight:
		procErr = w.processHighlight(ctx, payload.DocumentID)
	default:
		procErr = fmt.Errorf("unknown job type %q", job.Type)
	}

	if procErr != nil {
		w.fail(job, payload.DocumentID, procErr)
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type documentPayload struct {
	DocumentID string `json:"document_id"`
}

// IndexPayload builds the queue payload for a document job.
func IndexPayload(documentID string) string {
	b, _ := json.Marshal(documentPayload{DocumentID: documentID})
	return string(b)
}

// fail records the job failure; when the retry budget is exhausted the
// document itself is marked failed.
func (w *Worker) fail(job *storage.Job, documentID string, procErr error) {
	w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "error", procErr)

	terminal, err := w.store.FailJob(job.ID, procErr.Error())
	if err != nil {
		w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", err)
		return
	}
	if terminal && documentID != "" {
		if err := w.store.MarkDocumentFailed(documentID, procErr.Error()); err != nil && !errors.Is(err, storage.ErrNotFound) {
			w.logger.Error("failed to mark document as failed", "document_id", documentID, "error", err)
		}
	}
}

// processIndex extracts, chunks, embeds and indexes one document, then
// queues the highlight pass. The document row is re-checked first: a
// document deleted while its job sat in the queue is silently skipped, so a
// cancelled upload never leaves chunks behind.
func (w *Worker) processIndex(ctx context.Context, documentID string) error {
	doc, err := w.store.GetDocument(documentID)
	if errors.Is(err, storage.ErrNotFound) {
		w.logger.Info("document deleted before indexing, skipping", "document_id", documentID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading document %s: %w", documentID, err)
	}

	data, err := os.ReadFile(doc.FilePath)
	if err != nil {
		return fmt.Errorf("reading upload: %w", err)
	}

	res, err := w.extractFn(data)
	if err != nil {
		return fmt.Errorf("extracting text: %w", err)
	}

	chunks := w.chunks.Split(res.Pages)
	if len(chunks) == 0 {
		return fmt.Errorf("document produced no chunks")
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding %d chunks: %w", len(chunks), err)
	}

	// Re-check after the slow phase: if the document was deleted while we
	// embedded, abort before writing anything.
	if _, err := w.store.GetDocument(documentID); errors.Is(err, storage.ErrNotFound) {
		w.logger.Info("document deleted during indexing, discarding chunks", "document_id", documentID)
		return nil
	} else if err != nil {
		return fmt.Errorf("re-checking document %s: %w", documentID, err)
	}

	now := time.Now().UTC()
	records := make([]retrieval.Record, len(chunks))
	for i, c := range chunks {
		records[i] = retrieval.Record{
			ID:         uuid.New().String(),
			DocumentID: documentID,
			Page:       c.Page,
			Seq:        c.Seq,
			Text:       c.Text,
			TokenCount: c.TokenCount,
			Embedding:  vectors[i],
			CreatedAt:  now,
		}
	}
	if err := w.vectors.ReplaceDocument(retrieval.CollectionChunks, documentID, records); err != nil {
		return fmt.Errorf("indexing chunks: %w", err)
	}

	if err := w.store.MarkDocumentIndexed(documentID, res.PageCount, len(chunks)); err != nil {
		return fmt.Errorf("marking document indexed: %w", err)
	}

	if err := w.store.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        storage.JobTypeHighlight,
		PayloadJSON: IndexPayload(documentID),
	}); err != nil {
		return fmt.Errorf("queueing highlight job: %w", err)
	}

	w.logger.Info("document indexed",
		"document_id", documentID, "pages", res.PageCount, "chunks", len(chunks))
	return nil
}

// processHighlight runs the norm comparison for an indexed document and
// replaces its highlight set.
func (w *Worker) processHighlight(ctx context.Context, documentID string) error {
	if _, err := w.store.GetDocument(documentID); errors.Is(err, storage.ErrNotFound) {
		w.logger.Info("document deleted before highlighting, skipping", "document_id", documentID)
		return nil
	} else if err != nil {
		return fmt.Errorf("loading document %s: %w", documentID, err)
	}

	highlights, err := w.highlighter.Generate(ctx, documentID)
	if err != nil {
		return fmt.Errorf("generating highlights: %w", err)
	}

	if err := w.store.ReplaceHighlights(documentID, highlights); err != nil {
		return fmt.Errorf("storing highlights: %w", err)
	}

	w.logger.Info("document highlighted", "document_id", documentID, "highlights", len(highlights))
	return nil
}
