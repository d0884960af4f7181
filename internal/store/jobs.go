package store

import (
	"context"
	"database/sql"
	"time"
)

// ScheduledJobRecord is the bookkeeping row for a background job.
type ScheduledJobRecord struct {
	ID         int64      `json:"id"`
	JobName    string     `json:"job_name"`
	LastStatus string     `json:"last_status"`
	LastError  string     `json:"last_error,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	RunCount   int        `json:"run_count"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// UpsertScheduledJob records the outcome of a job run.
func (s *Store) UpsertScheduledJob(ctx context.Context, jobName, status, errText string, runAt time.Time) error {
	now := FormatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `INSERT INTO scheduled_jobs (job_name, last_status, last_error, last_run_at, run_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(job_name) DO UPDATE SET
			last_status = excluded.last_status,
			last_error = excluded.last_error,
			last_run_at = excluded.last_run_at,
			run_count = scheduled_jobs.run_count + 1,
			updated_at = excluded.updated_at`,
		jobName, status, errText, FormatTime(runAt), now, now)
	return err
}

// ListScheduledJobs returns all job records, most recently updated first.
func (s *Store) ListScheduledJobs(ctx context.Context) ([]ScheduledJobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, job_name, last_status, last_error, last_run_at, run_count, updated_at
		FROM scheduled_jobs ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledJobRecord
	for rows.Next() {
		var r ScheduledJobRecord
		var lastRunAt sql.NullString
		var updatedAt string
		if err := rows.Scan(&r.ID, &r.JobName, &r.LastStatus, &r.LastError, &lastRunAt, &r.RunCount, &updatedAt); err != nil {
			return nil, err
		}
		r.LastRunAt = TimePtr(lastRunAt)
		r.UpdatedAt = ParseTime(updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
