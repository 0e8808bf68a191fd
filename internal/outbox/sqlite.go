package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// maxAttempts is the retry limit before a job is parked as failed.
const maxAttempts = 3

// SQLiteOutbox implements Outbox using SQLite.
type SQLiteOutbox struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteOutbox opens (or creates) a SQLite-backed outbox.
// Use ":memory:" for an in-memory queue.
func NewSQLiteOutbox(path string) (*SQLiteOutbox, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS outbox_jobs (
		id         TEXT PRIMARY KEY,
		kind       TEXT NOT NULL,
		payload    TEXT NOT NULL,
		status     TEXT NOT NULL DEFAULT 'pending',
		attempts   INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS ix_outbox_status ON outbox_jobs(status, created_at);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create outbox schema: %w", err)
	}

	return &SQLiteOutbox{db: db}, nil
}

func (o *SQLiteOutbox) Enqueue(ctx context.Context, kind, payload string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := o.db.ExecContext(ctx,
		`INSERT INTO outbox_jobs (id, kind, payload, status, created_at, updated_at)
		 VALUES (?, ?, ?, 'pending', ?, ?)`,
		id, kind, payload, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	return id, nil
}

func (o *SQLiteOutbox) Claim(ctx context.Context) (*Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, kind, payload, status, attempts, COALESCE(last_error, ''), created_at, updated_at
		 FROM outbox_jobs WHERE status = 'pending'
		 ORDER BY created_at LIMIT 1`)

	var job Job
	var createdAt, updatedAt string
	err = row.Scan(&job.ID, &job.Kind, &job.Payload, &job.Status,
		&job.Attempts, &job.LastError, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan pending job: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE outbox_jobs SET status = 'running', attempts = attempts + 1, updated_at = ?
		 WHERE id = ?`,
		now.Format(time.RFC3339), job.ID)
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	job.Status = StatusRunning
	job.Attempts++
	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	job.UpdatedAt = now
	return &job, nil
}

func (o *SQLiteOutbox) Complete(ctx context.Context, jobID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	_, err := o.db.ExecContext(ctx,
		`UPDATE outbox_jobs SET status = 'done', updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), jobID)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	return nil
}

func (o *SQLiteOutbox) Fail(ctx context.Context, jobID string, cause error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := o.db.ExecContext(ctx,
		`UPDATE outbox_jobs
		 SET status = CASE WHEN attempts >= ? THEN 'failed' ELSE 'pending' END,
		     last_error = ?, updated_at = ?
		 WHERE id = ?`,
		maxAttempts, msg, time.Now().UTC().Format(time.RFC3339), jobID)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	return nil
}

func (o *SQLiteOutbox) Pending(ctx context.Context, kind, payload string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var n int
	err := o.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM outbox_jobs
		 WHERE kind = ? AND payload = ? AND status IN ('pending', 'running')`,
		kind, payload).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count pending jobs: %w", err)
	}
	return n > 0, nil
}

func (o *SQLiteOutbox) Close() error {
	return o.db.Close()
}
