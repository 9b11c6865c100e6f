package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for documents, highlights,
// the job queue, and the question log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "policylens.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DB exposes the underlying database for the vector store, which shares
// this SQLite file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Documents ---

func (s *Store) SaveDocument(d Document) error {
	status := d.Status
	if status == "" {
		status = StatusPending
	}
	_, err := s.db.Exec(`
		INSERT INTO documents (id, filename, file_path, page_count, chunk_count, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Filename, d.FilePath, d.PageCount, d.ChunkCount, status, d.Error,
		d.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetDocument(id string) (Document, error) {
	var d Document
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, filename, file_path, page_count, chunk_count, status, error, created_at
		FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.Filename, &d.FilePath, &d.PageCount, &d.ChunkCount, &d.Status, &d.Error, &createdAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	d.CreatedAt = t
	return d, nil
}

func (s *Store) ListDocuments(limit, offset int) ([]Document, error) {
	rows, err := s.db.Query(`
		SELECT id, filename, file_path, page_count, chunk_count, status, error, created_at
		FROM documents ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Document
	for rows.Next() {
		var d Document
		var createdAt string
		if err := rows.Scan(&d.ID, &d.Filename, &d.FilePath, &d.PageCount, &d.ChunkCount, &d.Status, &d.Error, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		d.CreatedAt = t
		results = append(results, d)
	}
	return results, rows.Err()
}

// MarkDocumentIndexed transitions a document to indexed, recording the final
// page and chunk counts.
func (s *Store) MarkDocumentIndexed(id string, pageCount, chunkCount int) error {
	res, err := s.db.Exec(`
		UPDATE documents SET status = ?, page_count = ?, chunk_count = ?, error = ''
		WHERE id = ?`, StatusIndexed, pageCount, chunkCount, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkDocumentFailed transitions a document to failed with the terminal error.
func (s *Store) MarkDocumentFailed(id, errMsg string) error {
	res, err := s.db.Exec(`UPDATE documents SET status = ?, error = ? WHERE id = ?`,
		StatusFailed, errMsg, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) DeleteDocument(id string) error {
	res, err := s.db.Exec(`DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Highlights ---

// ReplaceHighlights atomically swaps a document's highlight set. Highlights
// are derived artifacts; regenerating always replaces the prior set.
func (s *Store) ReplaceHighlights(documentID string, highlights []Highlight) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning highlight transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM highlights WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("clearing highlights: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO highlights (id, document_id, title, clause_text, reason, norm_comparison, matched_norm_id, category, kind, deviation_score, page)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing highlight insert: %w", err)
	}
	defer stmt.Close()

	for _, h := range highlights {
		if _, err := stmt.Exec(h.ID, documentID, h.Title, h.ClauseText, h.Reason, h.NormComparison,
			h.MatchedNormID, h.Category, h.Kind, h.DeviationScore, h.Page); err != nil {
			return fmt.Errorf("inserting highlight %s: %w", h.ID, err)
		}
	}

	return tx.Commit()
}

func (s *Store) ListHighlights(documentID string) ([]Highlight, error) {
	rows, err := s.db.Query(`
		SELECT id, document_id, title, clause_text, reason, norm_comparison, matched_norm_id, category, kind, deviation_score, page
		FROM highlights WHERE document_id = ? ORDER BY deviation_score DESC`, documentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Highlight
	for rows.Next() {
		var h Highlight
		if err := rows.Scan(&h.ID, &h.DocumentID, &h.Title, &h.ClauseText, &h.Reason, &h.NormComparison,
			&h.MatchedNormID, &h.Category, &h.Kind, &h.DeviationScore, &h.Page); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

func (s *Store) DeleteHighlights(documentID string) error {
	_, err := s.db.Exec(`DELETE FROM highlights WHERE document_id = ?`, documentID)
	return err
}

// --- Question log ---

func (s *Store) SaveQuestion(q QuestionRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO questions (id, document_id, question, answer, question_type, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.DocumentID, q.Question, q.Answer, q.QuestionType, q.Confidence,
		q.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) ListQuestions(documentID string, limit int) ([]QuestionRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, document_id, question, answer, question_type, confidence, created_at
		FROM questions WHERE document_id = ? ORDER BY created_at DESC LIMIT ?`, documentID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []QuestionRecord
	for rows.Next() {
		var q QuestionRecord
		var createdAt string
		if err := rows.Scan(&q.ID, &q.DocumentID, &q.Question, &q.Answer, &q.QuestionType, &q.Confidence, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		q.CreatedAt = t
		results = append(results, q)
	}
	return results, rows.Err()
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]interface{}, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// FailJob records a job failure. Non-terminal failures reschedule the job
// with exponential backoff; once attempts reach max_attempts the job goes
// terminal. Returns true when the failure was terminal so callers can fail
// the owning resource.
func (s *Store) FailJob(id string, errMsg string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	attempts++
	terminal := attempts >= maxAttempts

	if terminal {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return false, err
	}

	return terminal, tx.Commit()
}

// DeleteJobsForDocument removes pending jobs that reference the given
// document id in their payload. Running jobs notice the deletion themselves.
func (s *Store) DeleteJobsForDocument(documentID string) error {
	_, err := s.db.Exec(
		`DELETE FROM jobs WHERE status = 'pending' AND json_extract(payload_json, '$.document_id') = ?`,
		documentID)
	return err
}
