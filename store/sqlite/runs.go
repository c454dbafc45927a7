package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// =============================================================================
// INTEGRITY RUNS
// =============================================================================

// IntegrityRun is one integrity sweep over the mirror.
type IntegrityRun struct {
	ID            string
	Status        string // running, completed, failed
	Checked       int
	Valid         int
	Mismatched    int
	Missing       int
	Failed        int
	MismatchedIDs []string
	Error         string
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// SaveIntegrityRun inserts or updates a run.
func (s *Store) SaveIntegrityRun(ctx context.Context, r IntegrityRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO integrity_runs (id, status, checked, valid, mismatched, missing, failed,
			mismatched_ids_json, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			checked = excluded.checked,
			valid = excluded.valid,
			mismatched = excluded.mismatched,
			missing = excluded.missing,
			failed = excluded.failed,
			mismatched_ids_json = excluded.mismatched_ids_json,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	ids := r.MismatchedIDs
	if ids == nil {
		ids = []string{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	var completedAt *string
	if r.CompletedAt != nil {
		c := r.CompletedAt.UTC().Format(time.RFC3339Nano)
		completedAt = &c
	}

	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.Status, r.Checked, r.Valid, r.Mismatched, r.Missing, r.Failed,
		string(idsJSON), r.Error, r.StartedAt.UTC().Format(time.RFC3339Nano), completedAt,
	)
	return err
}

// ListIntegrityRuns returns the most recent runs first. limit <= 0 means all.
func (s *Store) ListIntegrityRuns(ctx context.Context, limit int) ([]IntegrityRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, status, checked, valid, mismatched, missing, failed,
			mismatched_ids_json, error, started_at, completed_at
		FROM integrity_runs
		ORDER BY started_at DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []IntegrityRun
	for rows.Next() {
		var r IntegrityRun
		var idsJSON, startedAt string
		var runErr, completedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.Status, &r.Checked, &r.Valid, &r.Mismatched, &r.Missing, &r.Failed,
			&idsJSON, &runErr, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(idsJSON), &r.MismatchedIDs); err != nil {
			r.MismatchedIDs = []string{}
		}
		r.Error = runErr.String
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
