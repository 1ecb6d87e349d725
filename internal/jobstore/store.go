package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when no job exists for the given id.
var ErrNotFound = errors.New("job not found")

// ErrTerminal is returned when a write targets a job already in a
// terminal status.
var ErrTerminal = errors.New("job already in terminal status")

// SQLStore persists job records in the shared installation_method_jobs
// table. Safe for concurrent use; each method is one statement.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.initTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS installation_method_jobs (
		id TEXT PRIMARY KEY,
		query TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		current_step TEXT,
		method_data TEXT,
		quality_metrics TEXT,
		error_message TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_method_jobs_status ON installation_method_jobs(status);
	`
	_, err := s.db.Exec(query)
	return err
}

// Create inserts a new pending job record.
func (s *SQLStore) Create(ctx context.Context, job Job) error {
	query := `INSERT INTO installation_method_jobs
		(id, query, status, progress, current_step, method_data, quality_metrics, error_message, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	step := sql.NullString{String: job.CurrentStep, Valid: job.CurrentStep != ""}
	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.Query, string(job.Status), job.Progress, step,
		job.MethodData, job.QualityMetrics, job.ErrorMessage,
		job.CreatedAt.UTC(), nullTime(job.StartedAt), nullTime(job.CompletedAt))
	return err
}

// Get is a point read of a full job record by id.
func (s *SQLStore) Get(ctx context.Context, id string) (*Job, error) {
	query := `SELECT id, query, status, progress, current_step, method_data, quality_metrics, error_message, created_at, started_at, completed_at
		FROM installation_method_jobs WHERE id = ?`
	return scanJob(s.db.QueryRowContext(ctx, query, id))
}

// GetMethodData re-reads only the result column. Used for the single
// repair read when a job flips to complete before its result lands.
func (s *SQLStore) GetMethodData(ctx context.Context, id string) (*string, error) {
	query := `SELECT method_data FROM installation_method_jobs WHERE id = ?`
	var data sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !data.Valid {
		return nil, nil
	}
	v := data.String
	return &v, nil
}

// MarkFailed records a client-detected failure. Terminal jobs are left
// untouched.
func (s *SQLStore) MarkFailed(ctx context.Context, id, msg string) error {
	return s.finish(ctx, id, StatusFailed, &msg)
}

// Cancel moves a non-terminal job to cancelled.
func (s *SQLStore) Cancel(ctx context.Context, id string) error {
	return s.finish(ctx, id, StatusCancelled, nil)
}

func (s *SQLStore) finish(ctx context.Context, id string, status Status, errMsg *string) error {
	query := `UPDATE installation_method_jobs
		SET status = ?, error_message = COALESCE(?, error_message), completed_at = ?
		WHERE id = ? AND status IN (?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		string(status), errMsg, time.Now().UTC(), id,
		string(StatusPending), string(StatusProcessing))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrTerminal
	}
	return nil
}

// List returns all job records, newest first.
func (s *SQLStore) List(ctx context.Context) ([]Job, error) {
	query := `SELECT id, query, status, progress, current_step, method_data, quality_metrics, error_message, created_at, started_at, completed_at
		FROM installation_method_jobs ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row *sql.Row) (*Job, error) {
	job, err := scanJobRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return job, err
}

func scanJobRow(row rowScanner) (*Job, error) {
	var job Job
	var status string
	var step, methodData, qualityMetrics, errorMessage sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&job.ID, &job.Query, &status, &job.Progress, &step,
		&methodData, &qualityMetrics, &errorMessage,
		&job.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	job.Status = Status(status)
	job.CurrentStep = step.String
	if methodData.Valid {
		v := methodData.String
		job.MethodData = &v
	}
	if qualityMetrics.Valid {
		v := qualityMetrics.String
		job.QualityMetrics = &v
	}
	if errorMessage.Valid {
		v := errorMessage.String
		job.ErrorMessage = &v
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
