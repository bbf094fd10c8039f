// Package store archives completed run documents so results survive the
// process. It is a thin persistence adapter: the engine never reads it.
package store

import (
	"database/sql"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/webpilot/webpilot/internal/task"
)

type RunStore struct {
	DB *sql.DB
}

func NewRunStore(dbPath string) (*RunStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Create tables if not exist
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			task TEXT,
			app_url TEXT,
			status TEXT,
			completion_percent REAL,
			document TEXT,
			completed_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, q := range queries {
		_, err = db.Exec(q)
		if err != nil {
			return nil, err
		}
	}

	return &RunStore{DB: db}, nil
}

// SaveRun archives one completed run with its full serialized document.
func (s *RunStore) SaveRun(run *task.Run) error {
	doc, err := run.Document()
	if err != nil {
		return err
	}

	percent := 0.0
	if run.Verdict != nil {
		percent = run.Verdict.CompletionPercent
	}

	query := `INSERT OR REPLACE INTO runs (id, task, app_url, status, completion_percent, document, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = s.DB.Exec(query, run.ID, run.Task, run.AppURL, string(run.Status), percent, string(doc), run.CompletedAt)
	return err
}

// RunSummary is one archived run without its full document.
type RunSummary struct {
	ID                string    `json:"id"`
	Task              string    `json:"task"`
	AppURL            string    `json:"app_url"`
	Status            string    `json:"status"`
	CompletionPercent float64   `json:"completion_percent"`
	CompletedAt       time.Time `json:"completed_at"`
}

// ListRecent returns the most recently completed runs, newest first.
func (s *RunStore) ListRecent(limit int) ([]RunSummary, error) {
	query := `SELECT id, task, app_url, status, completion_percent, completed_at
		FROM runs ORDER BY completed_at DESC LIMIT ?`
	rows, err := s.DB.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.ID, &r.Task, &r.AppURL, &r.Status, &r.CompletionPercent, &r.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetDocument returns the stored document for one run.
func (s *RunStore) GetDocument(id string) (string, error) {
	var doc string
	err := s.DB.QueryRow(`SELECT document FROM runs WHERE id = ?`, id).Scan(&doc)
	if err != nil {
		return "", err
	}
	return doc, nil
}

func (s *RunStore) Close() error {
	return s.DB.Close()
}
