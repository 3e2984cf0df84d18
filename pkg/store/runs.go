package store

import (
	"context"
	"fmt"
	"time"
)

// Run is a row of ingest_run.
type Run struct {
	RunID      string  `db:"run_id"`
	StartedAt  int64   `db:"started_at"`
	FinishedAt *int64  `db:"finished_at"`
	Status     string  `db:"status"`
	ReportJSON *string `db:"report_json"`
}

// SourceFile is a row of source_file.
type SourceFile struct {
	Name         string  `db:"name"`
	Kind         string  `db:"kind"`
	Description  string  `db:"description"`
	LastChecksum *string `db:"last_checksum"`
	LastRows     *int64  `db:"last_rows"`
	LastStatus   *string `db:"last_status"`
	LastError    *string `db:"last_error"`
	UpdatedAt    int64   `db:"updated_at"`
}

// StartRun records a run as running.
func (s *Store) StartRun(ctx context.Context, runID string, started time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO ingest_run (run_id, started_at, status) VALUES (?, ?, ?)`),
		runID, started.Unix(), "running")
	if err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	return nil
}

// FinishRun stores the final status and the serialized report.
func (s *Store) FinishRun(ctx context.Context, runID, status string, report []byte) error {
	body := string(report)
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE ingest_run SET finished_at = ?, status = ?, report_json = ? WHERE run_id = ?`),
		time.Now().Unix(), status, &body, runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return nil
}

// LatestRun returns the most recently started run, or nil.
func (s *Store) LatestRun(ctx context.Context) (*Run, error) {
	var r Run
	err := s.db.GetContext(ctx, &r, `SELECT run_id, started_at, finished_at, status, report_json
		FROM ingest_run ORDER BY started_at DESC, run_id DESC LIMIT 1`)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	return &r, nil
}

// SeedSources inserts one row per known file. Existing rows are left as is.
func (s *Store) SeedSources(ctx context.Context, files []SourceFile) error {
	now := time.Now().Unix()
	q := s.db.Rebind(`INSERT INTO source_file (name, kind, description, updated_at)
		VALUES (?, ?, ?, ?) ON CONFLICT (name) DO NOTHING`)
	for _, f := range files {
		if _, err := s.db.ExecContext(ctx, q, f.Name, f.Kind, f.Description, now); err != nil {
			return fmt.Errorf("seed %s: %w", f.Name, err)
		}
	}
	return nil
}

// UpdateSource persists the outcome of processing or checking one file.
// Empty checksum or errMsg are stored as null.
func (s *Store) UpdateSource(ctx context.Context, name, checksum string, rows int64, status, errMsg string) error {
	var sumPtr, errPtr *string
	if checksum != "" {
		sumPtr = &checksum
	}
	if errMsg != "" {
		errPtr = &errMsg
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE source_file
		SET last_checksum = COALESCE(?, last_checksum), last_rows = ?, last_status = ?, last_error = ?, updated_at = ?
		WHERE name = ?`),
		sumPtr, rows, status, errPtr, time.Now().Unix(), name)
	if err != nil {
		return fmt.Errorf("update source %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source %s not found in source_file", name)
	}
	return nil
}

// ListSources returns all source_file rows ordered by name.
func (s *Store) ListSources(ctx context.Context) ([]SourceFile, error) {
	var out []SourceFile
	err := s.db.SelectContext(ctx, &out, `SELECT name, kind, description, last_checksum, last_rows,
		last_status, last_error, updated_at FROM source_file ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return out, nil
}
