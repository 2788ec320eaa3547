// Package store persists run state: a SQLite index for operator queries
// across runs, and an append-only artifact file tree holding every
// extraction, generation attempt, repair, and assembled document.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Run and section/page status values.
const (
	StatusRunning   = "running"
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run represents a row in the runs table.
type Run struct {
	ID           string `json:"id"`
	ManifestPath string `json:"manifest_path"`
	PDFPath      string `json:"pdf_path"`
	Status       string `json:"status"`
	StartedAt    string `json:"started_at"`
	FinishedAt   string `json:"finished_at,omitempty"`
}

// SectionRow represents a row in the sections table.
type SectionRow struct {
	RunID       string `json:"run_id"`
	SectionID   string `json:"section_id"`
	FirstPage   int    `json:"first_page"`
	LastPage    int    `json:"last_page"`
	Status      string `json:"status"`
	FailedPage  int    `json:"failed_page,omitempty"`
	FailedStage string `json:"failed_stage,omitempty"`
}

// PageRow represents a row in the pages table.
type PageRow struct {
	RunID           string  `json:"run_id"`
	SectionID       string  `json:"section_id"`
	PageIndex       int     `json:"page_index"`
	PDFPage         int     `json:"pdf_page"`
	Tier            string  `json:"tier,omitempty"`
	LegibilityScore float64 `json:"legibility_score"`
	Status          string  `json:"status"`
	FailedStage     string  `json:"failed_stage,omitempty"`
	Deviation       float64 `json:"deviation"`
}

// GenerationAttemptRow is the index record of one wire call.
type GenerationAttemptRow struct {
	RunID      string `json:"run_id"`
	SectionID  string `json:"section_id"`
	PageIndex  int    `json:"page_index"`
	Attempt    int    `json:"attempt"`
	Outcome    string `json:"outcome"`
	StatusCode int    `json:"status_code,omitempty"`
	Err        string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// RepairAttemptRow is the index record of one correction round-trip.
type RepairAttemptRow struct {
	RunID      string `json:"run_id"`
	SectionID  string `json:"section_id"`
	PageIndex  int    `json:"page_index"`
	Attempt    int    `json:"attempt"`
	WellFormed bool   `json:"well_formed"`
	Err        string `json:"error,omitempty"`
}

// Store wraps the SQLite run index.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema.
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

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
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

// --- Run operations ---

// CreateRun registers a new run.
func (s *Store) CreateRun(ctx context.Context, id, manifestPath, pdfPath string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO runs (id, manifest_path, pdf_path, status) VALUES (?, ?, ?, ?)",
		id, manifestPath, pdfPath, StatusRunning)
	return err
}

// FinishRun records the terminal status and completion time of a run.
func (s *Store) FinishRun(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE runs SET status = ?, finished_at = CURRENT_TIMESTAMP WHERE id = ?",
		status, id)
	return err
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	r := &Run{}
	var finished sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, manifest_path, pdf_path, status, started_at, finished_at
		FROM runs WHERE id = ?
	`, id).Scan(&r.ID, &r.ManifestPath, &r.PDFPath, &r.Status, &r.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	r.FinishedAt = finished.String
	return r, nil
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, manifest_path, pdf_path, status, started_at, finished_at
		FROM runs ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullString
		if err := rows.Scan(&r.ID, &r.ManifestPath, &r.PDFPath, &r.Status,
			&r.StartedAt, &finished); err != nil {
			return nil, err
		}
		r.FinishedAt = finished.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Section operations ---

// CreateSection registers a section attempt within a run.
func (s *Store) CreateSection(ctx context.Context, sec SectionRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sections (run_id, section_id, first_page, last_page, status)
		VALUES (?, ?, ?, ?, ?)
	`, sec.RunID, sec.SectionID, sec.FirstPage, sec.LastPage, StatusPending)
	return err
}

// FinishSection records a section outcome. failedPage and failedStage are
// only meaningful when status is failed.
func (s *Store) FinishSection(ctx context.Context, runID, sectionID, status string, failedPage int, failedStage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sections SET status = ?, failed_page = ?, failed_stage = ?
		WHERE run_id = ? AND section_id = ?
	`, status, nullInt(failedPage), nullStr(failedStage), runID, sectionID)
	return err
}

// GetSections returns all section rows for a run in insertion order.
func (s *Store) GetSections(ctx context.Context, runID string) ([]SectionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, section_id, first_page, last_page, status, failed_page, failed_stage
		FROM sections WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var secs []SectionRow
	for rows.Next() {
		var sec SectionRow
		var failedPage sql.NullInt64
		var failedStage sql.NullString
		if err := rows.Scan(&sec.RunID, &sec.SectionID, &sec.FirstPage, &sec.LastPage,
			&sec.Status, &failedPage, &failedStage); err != nil {
			return nil, err
		}
		sec.FailedPage = int(failedPage.Int64)
		sec.FailedStage = failedStage.String
		secs = append(secs, sec)
	}
	return secs, rows.Err()
}

// --- Page operations ---

// CreatePage registers a page attempt within a section.
func (s *Store) CreatePage(ctx context.Context, p PageRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pages (run_id, section_id, page_index, pdf_page, tier, legibility_score, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.RunID, p.SectionID, p.PageIndex, p.PDFPage, nullStr(p.Tier), p.LegibilityScore, StatusPending)
	return err
}

// FinishPage records a page outcome.
func (s *Store) FinishPage(ctx context.Context, p PageRow) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pages SET tier = ?, legibility_score = ?, status = ?, failed_stage = ?, deviation = ?
		WHERE run_id = ? AND section_id = ? AND page_index = ?
	`, nullStr(p.Tier), p.LegibilityScore, p.Status, nullStr(p.FailedStage), p.Deviation,
		p.RunID, p.SectionID, p.PageIndex)
	return err
}

// GetPages returns all page rows for a section ordered by page index.
func (s *Store) GetPages(ctx context.Context, runID, sectionID string) ([]PageRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, section_id, page_index, pdf_page, tier, legibility_score, status, failed_stage, deviation
		FROM pages WHERE run_id = ? AND section_id = ? ORDER BY page_index
	`, runID, sectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []PageRow
	for rows.Next() {
		var p PageRow
		var tier, failedStage sql.NullString
		var deviation sql.NullFloat64
		if err := rows.Scan(&p.RunID, &p.SectionID, &p.PageIndex, &p.PDFPage,
			&tier, &p.LegibilityScore, &p.Status, &failedStage, &deviation); err != nil {
			return nil, err
		}
		p.Tier = tier.String
		p.FailedStage = failedStage.String
		p.Deviation = deviation.Float64
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// --- Attempt operations ---

// InsertGenerationAttempt records one wire call. The UNIQUE constraint on
// (run, section, page, attempt) makes double-recording an error rather
// than a silent overwrite.
func (s *Store) InsertGenerationAttempt(ctx context.Context, a GenerationAttemptRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generation_attempts
			(run_id, section_id, page_index, attempt, outcome, status_code, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.RunID, a.SectionID, a.PageIndex, a.Attempt, a.Outcome,
		nullInt(a.StatusCode), nullStr(a.Err), a.DurationMS)
	return err
}

// GetGenerationAttempts returns a page's attempt history in order.
func (s *Store) GetGenerationAttempts(ctx context.Context, runID, sectionID string, pageIndex int) ([]GenerationAttemptRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, section_id, page_index, attempt, outcome, status_code, error, duration_ms
		FROM generation_attempts
		WHERE run_id = ? AND section_id = ? AND page_index = ?
		ORDER BY attempt
	`, runID, sectionID, pageIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []GenerationAttemptRow
	for rows.Next() {
		var a GenerationAttemptRow
		var status sql.NullInt64
		var errStr sql.NullString
		if err := rows.Scan(&a.RunID, &a.SectionID, &a.PageIndex, &a.Attempt,
			&a.Outcome, &status, &errStr, &a.DurationMS); err != nil {
			return nil, err
		}
		a.StatusCode = int(status.Int64)
		a.Err = errStr.String
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// InsertRepairAttempt records one correction round-trip.
func (s *Store) InsertRepairAttempt(ctx context.Context, a RepairAttemptRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repair_attempts
			(run_id, section_id, page_index, attempt, well_formed, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.RunID, a.SectionID, a.PageIndex, a.Attempt, a.WellFormed, nullStr(a.Err))
	return err
}

// GetRepairAttempts returns a page's repair history in order.
func (s *Store) GetRepairAttempts(ctx context.Context, runID, sectionID string, pageIndex int) ([]RepairAttemptRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, section_id, page_index, attempt, well_formed, error
		FROM repair_attempts
		WHERE run_id = ? AND section_id = ? AND page_index = ?
		ORDER BY attempt
	`, runID, sectionID, pageIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []RepairAttemptRow
	for rows.Next() {
		var a RepairAttemptRow
		var errStr sql.NullString
		if err := rows.Scan(&a.RunID, &a.SectionID, &a.PageIndex, &a.Attempt,
			&a.WellFormed, &errStr); err != nil {
			return nil, err
		}
		a.Err = errStr.String
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// --- Diagnostics ---

// RunStats holds counts of key objects for one run.
type RunStats struct {
	Sections           int `json:"sections"`
	Pages              int `json:"pages"`
	GenerationAttempts int `json:"generation_attempts"`
	RepairAttempts     int `json:"repair_attempts"`
}

// Stats returns object counts for a run.
func (s *Store) Stats(ctx context.Context, runID string) (*RunStats, error) {
	stats := &RunStats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM sections WHERE run_id = ?", &stats.Sections},
		{"SELECT COUNT(*) FROM pages WHERE run_id = ?", &stats.Pages},
		{"SELECT COUNT(*) FROM generation_attempts WHERE run_id = ?", &stats.GenerationAttempts},
		{"SELECT COUNT(*) FROM repair_attempts WHERE run_id = ?", &stats.RepairAttempts},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query, runID).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- helpers ---

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
