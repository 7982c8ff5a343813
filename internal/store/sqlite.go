package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/saleshub/api-go/internal/model"
)

type SQLite struct {
	db *sql.DB
}

func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  process_type TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  status TEXT NOT NULL,
  progress REAL NOT NULL DEFAULT 0,
  step TEXT NOT NULL DEFAULT '',
  payload_json TEXT NOT NULL,
  result_json TEXT,
  output_key TEXT,
  error_message TEXT,
  lease_expires_at INTEGER NOT NULL DEFAULT 0
);
`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) CreateJob(ctx context.Context, job model.Job) error {
	payload := string(job.Payload)
	if payload == "" {
		payload = "null"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, process_type, created_at, updated_at, status, progress, step, payload_json, lease_expires_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.ProcessType,
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
		string(job.Status),
		job.Progress,
		job.Step,
		payload,
		job.LeaseExpiresAt.UnixMilli(),
	)
	return err
}

const jobColumns = `id, process_type, created_at, updated_at, status, progress, step, payload_json, result_json, output_key, error_message, lease_expires_at`

func (s *SQLite) GetJob(ctx context.Context, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Job{}, model.ErrNotFound
		}
		return model.Job{}, err
	}
	return job, nil
}

func (s *SQLite) ListJobs(ctx context.Context, status *model.JobStatus, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 25
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != nil {
		query += " WHERE status = ?"
		args = append(args, string(*status))
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateJob(ctx context.Context, id string, patch model.JobPatch) error {
	now := time.Now().UnixMilli()
	var status *string
	if patch.Status != nil {
		v := string(*patch.Status)
		status = &v
	}
	var result *string
	if patch.Result != nil {
		v := string(patch.Result)
		result = &v
	}
	var lease *int64
	if patch.LeaseExpiresAt != nil {
		v := patch.LeaseExpiresAt.UnixMilli()
		lease = &v
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs
         SET updated_at = ?,
             status = COALESCE(?, status),
             progress = COALESCE(?, progress),
             step = COALESCE(?, step),
             result_json = COALESCE(?, result_json),
             output_key = COALESCE(?, output_key),
             error_message = COALESCE(?, error_message),
             lease_expires_at = COALESCE(?, lease_expires_at)
         WHERE id = ?`,
		now,
		nullable(status),
		nullable(patch.Progress),
		nullable(patch.Step),
		nullable(result),
		nullable(patch.OutputKey),
		nullable(patch.Error),
		nullable(lease),
		id,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// FailUnfinished marks jobs left queued or running by a previous process as
// failed. Their runners died with that process.
func (s *SQLite) FailUnfinished(ctx context.Context, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_message = ?, updated_at = ?
         WHERE status IN (?, ?)`,
		string(model.JobFailed), reason, time.Now().UnixMilli(),
		string(model.JobQueued), string(model.JobRunning),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.Job, error) {
	var (
		job                           model.Job
		statusStr, payload            string
		createdMs, updatedMs, leaseMs int64
		result, outputKey, errorMsg   sql.NullString
	)
	if err := row.Scan(&job.ID, &job.ProcessType, &createdMs, &updatedMs, &statusStr, &job.Progress, &job.Step, &payload, &result, &outputKey, &errorMsg, &leaseMs); err != nil {
		return model.Job{}, err
	}
	job.CreatedAt = time.UnixMilli(createdMs).UTC()
	job.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	job.LeaseExpiresAt = time.UnixMilli(leaseMs).UTC()
	job.Status = model.JobStatus(statusStr)
	job.Payload = json.RawMessage(payload)
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	if outputKey.Valid {
		job.OutputKey = outputKey.String
	}
	if errorMsg.Valid {
		job.Error = errorMsg.String
	}
	return job, nil
}

func nullable[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}
