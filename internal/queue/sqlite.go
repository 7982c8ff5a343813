package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/saleshub/api-go/internal/model"
)

type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the queue database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, err
	}
	// One writer keeps ON CONFLICT inserts serialized without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS queue_entries (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  user_id TEXT NOT NULL UNIQUE,
  user_name TEXT NOT NULL,
  process_type TEXT NOT NULL,
  joined_at INTEGER NOT NULL,
  status TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS queue_entries_joined_at ON queue_entries (joined_at, seq);
`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) List(ctx context.Context) ([]model.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, user_id, user_name, process_type, joined_at, status
       FROM queue_entries ORDER BY joined_at ASC, seq ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.QueueEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLite) Join(ctx context.Context, entry model.QueueEntry) (model.QueueEntry, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_entries (id, user_id, user_name, process_type, joined_at, status)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(user_id) DO NOTHING`,
		entry.ID,
		entry.UserID,
		entry.UserName,
		entry.ProcessType,
		entry.JoinedAt.UnixMilli(),
		entry.Status,
	)
	if err != nil {
		return model.QueueEntry{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.QueueEntry{}, false, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT seq, id, user_id, user_name, process_type, joined_at, status
       FROM queue_entries WHERE user_id = ?`, entry.UserID,
	)
	stored, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.QueueEntry{}, false, model.ErrNotFound
		}
		return model.QueueEntry{}, false, err
	}
	return stored, affected == 1, nil
}

func (s *SQLite) Leave(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE user_id = ?`, userID)
	return err
}

func (s *SQLite) Prune(ctx context.Context, joinedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE joined_at < ?`, joinedBefore.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (model.QueueEntry, error) {
	var (
		entry    model.QueueEntry
		joinedMs int64
	)
	if err := row.Scan(&entry.Seq, &entry.ID, &entry.UserID, &entry.UserName, &entry.ProcessType, &joinedMs, &entry.Status); err != nil {
		return model.QueueEntry{}, err
	}
	entry.JoinedAt = time.UnixMilli(joinedMs).UTC()
	return entry, nil
}
