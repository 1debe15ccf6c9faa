package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/upb/policy-rag/models"
	_ "modernc.org/sqlite" // SQLite driver
)

// Outbox durably holds audit records whose store write failed
type Outbox interface {
	// Enqueue stores log for retry; enqueuing the same request ID twice keeps the first
	Enqueue(ctx context.Context, log *models.QueryLog, lastErr string) error

	// Due returns up to limit entries whose next attempt is at or before now, oldest first
	Due(ctx context.Context, now time.Time, limit int) ([]*OutboxEntry, error)

	// Reschedule records a failed attempt
	Reschedule(ctx context.Context, requestID string, attempts int, next time.Time, lastErr string) error

	// MarkEscalated flags an entry as reported to operators
	MarkEscalated(ctx context.Context, requestID string) error

	// Remove deletes an entry once written
	Remove(ctx context.Context, requestID string) error

	// Pending counts entries still waiting, and how many of those are escalated
	Pending(ctx context.Context) (pending, escalated int, err error)

	Close() error
}

// OutboxEntry is one queued audit record
type OutboxEntry struct {
	Log           *models.QueryLog
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	Escalated     bool
	CreatedAt     time.Time
}

const outboxSchema = `
CREATE TABLE IF NOT EXISTS audit_outbox (
	request_id      TEXT PRIMARY KEY,
	payload         TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	last_error      TEXT NOT NULL DEFAULT '',
	escalated       INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_outbox_next ON audit_outbox(next_attempt_at);
`

// SQLiteOutbox is an Outbox in a local SQLite file, independent of the main database
type SQLiteOutbox struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// OpenSQLiteOutbox opens or creates the outbox database at path
func OpenSQLiteOutbox(path string) (*SQLiteOutbox, error) {
	if path == "" {
		return nil, fmt.Errorf("outbox path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating outbox directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening outbox: %w", err)
	}
	// one writer at a time keeps SQLITE_BUSY away from the workers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(outboxSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating outbox schema: %w", err)
	}
	return &SQLiteOutbox{db: db, path: path, now: time.Now}, nil
}

// Path returns the database file path
func (o *SQLiteOutbox) Path() string {
	return o.path
}

func (o *SQLiteOutbox) Enqueue(ctx context.Context, log *models.QueryLog, lastErr string) error {
	payload, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("marshalling query log: %w", err)
	}
	now := o.now().UTC()
	_, err = o.db.ExecContext(ctx, `
		INSERT INTO audit_outbox (request_id, payload, attempts, next_attempt_at, last_error, created_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(request_id) DO NOTHING`,
		log.RequestID, string(payload), now.UnixNano(), lastErr, now.UnixNano())
	if err != nil {
		return fmt.Errorf("enqueuing query log: %w", err)
	}
	return nil
}

func (o *SQLiteOutbox) Due(ctx context.Context, now time.Time, limit int) ([]*OutboxEntry, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT payload, attempts, next_attempt_at, last_error, escalated, created_at
		FROM audit_outbox
		WHERE next_attempt_at <= ?
		ORDER BY created_at
		LIMIT ?`, now.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		var (
			payload       string
			next, created int64
			escalated     int
			entry         OutboxEntry
		)
		if err := rows.Scan(&payload, &entry.Attempts, &next, &entry.LastError, &escalated, &created); err != nil {
			return nil, fmt.Errorf("scanning outbox entry: %w", err)
		}
		var log models.QueryLog
		if err := json.Unmarshal([]byte(payload), &log); err != nil {
			return nil, fmt.Errorf("decoding outbox entry: %w", err)
		}
		entry.Log = &log
		entry.NextAttemptAt = time.Unix(0, next).UTC()
		entry.CreatedAt = time.Unix(0, created).UTC()
		entry.Escalated = escalated != 0
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

func (o *SQLiteOutbox) Reschedule(ctx context.Context, requestID string, attempts int, next time.Time, lastErr string) error {
	_, err := o.db.ExecContext(ctx, `
		UPDATE audit_outbox SET attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE request_id = ?`, attempts, next.UnixNano(), lastErr, requestID)
	if err != nil {
		return fmt.Errorf("rescheduling outbox entry: %w", err)
	}
	return nil
}

func (o *SQLiteOutbox) MarkEscalated(ctx context.Context, requestID string) error {
	_, err := o.db.ExecContext(ctx, `UPDATE audit_outbox SET escalated = 1 WHERE request_id = ?`, requestID)
	if err != nil {
		return fmt.Errorf("escalating outbox entry: %w", err)
	}
	return nil
}

func (o *SQLiteOutbox) Remove(ctx context.Context, requestID string) error {
	_, err := o.db.ExecContext(ctx, `DELETE FROM audit_outbox WHERE request_id = ?`, requestID)
	if err != nil {
		return fmt.Errorf("removing outbox entry: %w", err)
	}
	return nil
}

func (o *SQLiteOutbox) Pending(ctx context.Context) (int, int, error) {
	var pending, escalated int
	err := o.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(escalated), 0) FROM audit_outbox`).Scan(&pending, &escalated)
	if err != nil {
		return 0, 0, fmt.Errorf("counting outbox entries: %w", err)
	}
	return pending, escalated, nil
}

// Close closes the database connection
func (o *SQLiteOutbox) Close() error {
	return o.db.Close()
}
