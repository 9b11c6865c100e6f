// Package api exposes the policy pipeline over HTTP and MCP. Handlers stay
// thin: uploads enqueue work for the ingest worker, questions go through the
// composer, everything else is bookkeeping reads.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/insurancelens/policylens/internal/ingest"
	"github.com/insurancelens/policylens/internal/qa"
	"github.com/insurancelens/policylens/internal/retrieval"
	"github.com/insurancelens/policylens/internal/storage"
)

const defaultMaxUploadSize = 50 << 20 // 50MB

// Answerer abstracts the question pipeline for the API layer.
type Answerer interface {
	Answer(ctx context.Context, question, documentID string) (qa.Answer, error)
}

// Deps holds the handler dependencies.
type Deps struct {
	Store         *storage.Store
	Vectors       retrieval.VectorStore
	Composer      Answerer
	DataDir       string
	Token         string // optional; empty leaves the API open
	MaxUploadSize int64
}

// NewHandler returns the HTTP handler for the policy API. The health probe
// is always open; everything else sits behind bearer auth when a token is
// configured.
func NewHandler(deps Deps) http.Handler {
	if deps.MaxUploadSize <= 0 {
		deps.MaxUploadSize = defaultMaxUploadSize
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}

		r.Post("/policies/upload", handleUpload(deps))
		r.Get("/policies", handleListPolicies(deps))
		r.Get("/policies/{id}/overview", handleOverview(deps))
		r.Delete("/policies/{id}", handleDeletePolicy(deps))

		r.Post("/questions/ask", handleAsk(deps))
		r.Get("/questions/history/{id}", handleHistory(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// UploadResponse acknowledges an accepted upload. Processing happens in the
// background; the overview endpoint reports progress.
type UploadResponse struct {
	PolicyID string `json:"policy_id"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
}

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadSize)
		defer r.Body.Close()

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "missing file field: %v", err)
			return
		}
		defer file.Close()

		filename := filepath.Base(header.Filename)
		if !strings.EqualFold(filepath.Ext(filename), ".pdf") {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "only PDF uploads are supported")
			return
		}

		docID := uuid.New().String()
		path, err := saveUpload(deps.DataDir, docID, filename, file)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store upload: %v", err)
			return
		}

		doc := storage.Document{
			ID:        docID,
			Filename:  filename,
			FilePath:  path,
			Status:    storage.StatusPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := deps.Store.SaveDocument(doc); err != nil {
			os.RemoveAll(uploadDir(deps.DataDir, docID))
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save document: %v", err)
			return
		}

		job := storage.Job{
			ID:          uuid.New().String(),
			Type:        storage.JobTypeIndex,
			PayloadJSON: ingest.IndexPayload(docID),
		}
		if err := deps.Store.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue indexing: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, UploadResponse{
			PolicyID: docID,
			Filename: filename,
			Status:   storage.StatusPending,
		})
	}
}

func uploadDir(dataDir, docID string) string {
	return filepath.Join(dataDir, "uploads", docID)
}

func saveUpload(dataDir, docID, filename string, src multipart.File) (string, error) {
	dir := uploadDir(dataDir, docID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, filename)

	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return path, nil
}

// PolicySummary is the list view of a document.
type PolicySummary struct {
	PolicyID   string `json:"policy_id"`
	Filename   string `json:"filename"`
	Status     string `json:"status"`
	PageCount  int    `json:"page_count"`
	ChunkCount int    `json:"chunk_count"`
	UploadDate string `json:"upload_date"`
	Error      string `json:"error,omitempty"`
}

func summarize(d storage.Document) PolicySummary {
	return PolicySummary{
		PolicyID:   d.ID,
		Filename:   d.Filename,
		Status:     d.Status,
		PageCount:  d.PageCount,
		ChunkCount: d.ChunkCount,
		UploadDate: d.CreatedAt.UTC().Format(time.RFC3339),
		Error:      d.Error,
	}
}

func handleListPolicies(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		docs, err := deps.Store.ListDocuments(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list policies: %v", err)
			return
		}

		summaries := make([]PolicySummary, len(docs))
		for i, d := range docs {
			summaries[i] = summarize(d)
		}
		writeJSON(w, http.StatusOK, summaries)
	}
}

// HighlightView is the API shape of a stored highlight.
type HighlightView struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	ClauseText     string  `json:"clause_text"`
	Reason         string  `json:"reason"`
	NormComparison string  `json:"norm_comparison"`
	MatchedNormID  string  `json:"matched_norm_id"`
	Category       string  `json:"category"`
	Kind           string  `json:"kind"`
	DeviationScore float64 `json:"deviation_score"`
	Page           int     `json:"page"`
}

// OverviewResponse is a policy summary plus its highlights.
type OverviewResponse struct {
	PolicySummary
	Highlights []HighlightView `json:"highlights"`
}

func handleOverview(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "policy not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load policy: %v", err)
			return
		}

		highlights, err := deps.Store.ListHighlights(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load highlights: %v", err)
			return
		}

		views := make([]HighlightView, len(highlights))
		for i, h := range highlights {
			views[i] = HighlightView{
				ID:             h.ID,
				Title:          h.Title,
				ClauseText:     h.ClauseText,
				Reason:         h.Reason,
				NormComparison: h.NormComparison,
				MatchedNormID:  h.MatchedNormID,
				Category:       h.Category,
				Kind:           h.Kind,
				DeviationScore: h.DeviationScore,
				Page:           h.Page,
			}
		}

		writeJSON(w, http.StatusOK, OverviewResponse{
			PolicySummary: summarize(doc),
			Highlights:    views,
		})
	}
}

func handleDeletePolicy(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		_, err := deps.Store.GetDocument(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "policy not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load policy: %v", err)
			return
		}

		// Pending jobs go first so the worker cannot pick one up mid-delete;
		// a running job notices the missing document row itself.
		if err := deps.Store.DeleteJobsForDocument(id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to cancel jobs: %v", err)
			return
		}
		if err := deps.Vectors.DeleteByDocument(retrieval.CollectionChunks, id); err != nil {
			serviceError(w, err, "failed to delete index")
			return
		}
		if err := deps.Store.DeleteHighlights(id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete highlights: %v", err)
			return
		}
		if err := deps.Store.DeleteDocument(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete policy: %v", err)
			return
		}
		if err := os.RemoveAll(uploadDir(deps.DataDir, id)); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete upload: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// AskRequest is a question, optionally scoped to one policy.
type AskRequest struct {
	PolicyID string `json:"policy_id"`
	Question string `json:"question"`
}

// AskResponse wraps the composed answer with its log id.
type AskResponse struct {
	QuestionID string `json:"question_id"`
	PolicyID   string `json:"policy_id,omitempty"`
	qa.Answer
}

const maxAskBodySize = 64 << 10 // 64KB

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxAskBodySize)
		defer r.Body.Close()

		var req AskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Question) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		if req.PolicyID != "" {
			doc, err := deps.Store.GetDocument(req.PolicyID)
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "policy not found")
				return
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to load policy: %v", err)
				return
			}
			if doc.Status != storage.StatusIndexed {
				httpError(w, http.StatusConflict, "invalid_request_error", "policy is not ready for questions (status: %s)", doc.Status)
				return
			}
		}

		answer, err := deps.Composer.Answer(r.Context(), req.Question, req.PolicyID)
		if err != nil {
			serviceError(w, err, "failed to answer question")
			return
		}

		record := storage.QuestionRecord{
			ID:           uuid.New().String(),
			DocumentID:   req.PolicyID,
			Question:     req.Question,
			Answer:       answer.Answer,
			QuestionType: answer.QuestionType,
			Confidence:   answer.Confidence,
			CreatedAt:    time.Now().UTC(),
		}
		if err := deps.Store.SaveQuestion(record); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to record question: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, AskResponse{
			QuestionID: record.ID,
			PolicyID:   req.PolicyID,
			Answer:     answer,
		})
	}
}

// HistoryEntry is one logged question/answer pair.
type HistoryEntry struct {
	QuestionID   string  `json:"question_id"`
	Question     string  `json:"question"`
	Answer       string  `json:"answer"`
	QuestionType string  `json:"question_type"`
	Confidence   float64 `json:"confidence"`
	CreatedAt    string  `json:"created_at"`
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		limit := parseIntParam(r, "limit", 50, 200)

		if _, err := deps.Store.GetDocument(id); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "policy not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load policy: %v", err)
			return
		}

		records, err := deps.Store.ListQuestions(id, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load history: %v", err)
			return
		}

		entries := make([]HistoryEntry, len(records))
		for i, rec := range records {
			entries[i] = HistoryEntry{
				QuestionID:   rec.ID,
				Question:     rec.Question,
				Answer:       rec.Answer,
				QuestionType: rec.QuestionType,
				Confidence:   rec.Confidence,
				CreatedAt:    rec.CreatedAt.UTC().Format(time.RFC3339),
			}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// serviceError distinguishes a down vector index (503, retryable) from other
// internal failures (500).
func serviceError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, retrieval.ErrIndexUnavailable) {
		httpError(w, http.StatusServiceUnavailable, "index_unavailable", "%s: %v", msg, err)
		return
	}
	httpError(w, http.StatusInternalServerError, "api_error", "%s: %v", msg, err)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
