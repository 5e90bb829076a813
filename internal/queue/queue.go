// Package queue implements the durable outbound queue: FIFO append,
// peek-oldest-batch, delete-by-id, retry accounting, and the two-tier
// TTL + max-rows retention policy. Durability comes from the handle it
// wraps: on a database opened by storage.Open with a file path (WAL
// journal, synchronous=FULL) every append and delete is fsynced before
// the call returns; an in-memory database is not durable.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aura-tracking/agent/internal/policy"
)

// Entry is one durable queue row.
type Entry struct {
	Seq        int64
	FrameID    string
	Topic      string
	Payload    []byte
	QoS        byte
	RetryCount int
	EnqueuedAt time.Time
}

// Queue wraps the outbound table of a shared storage handle.
type Queue struct {
	db *sql.DB
}

// New wraps db, creating the outbound table if it does not exist.
func New(db *sql.DB) (*Queue, error) {
	q := &Queue{db: db}
	if err := q.migrate(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) migrate() error {
	const stmt = `
CREATE TABLE IF NOT EXISTS outbound (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	frame_id TEXT NOT NULL UNIQUE,
	topic TEXT NOT NULL,
	payload BLOB NOT NULL,
	qos INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	enqueued_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbound_enqueued_at ON outbound(enqueued_at);
`
	if _, err := q.db.Exec(stmt); err != nil {
		return fmt.Errorf("queue: migrate: %w", err)
	}
	return nil
}

// Append durably inserts an entry and assigns it the next seq. Retrying
// the same frame id is a no-op (ON CONFLICT DO NOTHING) so a caller that
// races enqueue after a failed publish attempt never double-inserts.
func (q *Queue) Append(ctx context.Context, frameID, topic string, payload []byte, qos byte, enqueuedAt time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO outbound (frame_id, topic, payload, qos, retry_count, enqueued_at)
		 VALUES (?, ?, ?, ?, 0, ?)
		 ON CONFLICT(frame_id) DO NOTHING`,
		frameID, topic, payload, qos, enqueuedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("queue: append: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("queue: append: last insert id: %w", err)
	}
	return seq, nil
}

// Oldest returns the n oldest entries in FIFO (seq) order.
func (q *Queue) Oldest(ctx context.Context, n int) ([]Entry, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT seq, frame_id, topic, payload, qos, retry_count, enqueued_at
		 FROM outbound ORDER BY seq ASC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: oldest: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var enqueuedAtMs int64
		if err := rows.Scan(&e.Seq, &e.FrameID, &e.Topic, &e.Payload, &e.QoS, &e.RetryCount, &enqueuedAtMs); err != nil {
			return nil, fmt.Errorf("queue: oldest: scan: %w", err)
		}
		e.EnqueuedAt = time.UnixMilli(enqueuedAtMs)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteByID removes the given seqs in one statement. A no-op for an
// empty slice.
func (q *Queue) DeleteByID(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	placeholders := make([]string, len(seqs))
	args := make([]any, len(seqs))
	for i, s := range seqs {
		placeholders[i] = "?"
		args[i] = s
	}
	stmt := fmt.Sprintf("DELETE FROM outbound WHERE seq IN (%s)", strings.Join(placeholders, ","))
	if _, err := q.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("queue: delete by id: %w", err)
	}
	return nil
}

// IncrementRetry bumps retry_count for one entry.
func (q *Queue) IncrementRetry(ctx context.Context, seq int64) error {
	if _, err := q.db.ExecContext(ctx, `UPDATE outbound SET retry_count = retry_count + 1 WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("queue: increment retry: %w", err)
	}
	return nil
}

// DeleteFailed drops entries whose retry_count exceeds maxRetries,
// returning how many were removed.
func (q *Queue) DeleteFailed(ctx context.Context, maxRetries int) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM outbound WHERE retry_count > ?`, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("queue: delete failed: %w", err)
	}
	return res.RowsAffected()
}

// ApplyMaintenance enforces the two-tier retention policy: first drop
// entries older than TTL, then trim oldest-first down to MaxRows. Both
// steps run in a single transaction so Count()/OldestTimestamp() never
// observe a state between the two rules being applied.
func (q *Queue) ApplyMaintenance(ctx context.Context) (droppedTTL, droppedCap int64, err error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("queue: maintenance: begin: %w", err)
	}
	defer tx.Rollback()

	cutoff := time.Now().Add(-policy.TTL).UnixMilli()
	res, err := tx.ExecContext(ctx, `DELETE FROM outbound WHERE enqueued_at < ?`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("queue: maintenance: ttl delete: %w", err)
	}
	droppedTTL, _ = res.RowsAffected()

	var count int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbound`).Scan(&count); err != nil {
		return droppedTTL, 0, fmt.Errorf("queue: maintenance: count: %w", err)
	}
	if count > policy.MaxRows {
		over := count - policy.MaxRows
		res, err := tx.ExecContext(ctx,
			`DELETE FROM outbound WHERE seq IN (SELECT seq FROM outbound ORDER BY seq ASC LIMIT ?)`, over)
		if err != nil {
			return droppedTTL, 0, fmt.Errorf("queue: maintenance: cap delete: %w", err)
		}
		droppedCap, _ = res.RowsAffected()
	}

	if err := tx.Commit(); err != nil {
		return droppedTTL, droppedCap, fmt.Errorf("queue: maintenance: commit: %w", err)
	}
	return droppedTTL, droppedCap, nil
}

// Count returns the current row count.
func (q *Queue) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbound`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: count: %w", err)
	}
	return n, nil
}

// OldestTimestamp returns the enqueued_at of the oldest entry, or the
// zero time if the queue is empty.
func (q *Queue) OldestTimestamp(ctx context.Context) (time.Time, error) {
	var ms sql.NullInt64
	if err := q.db.QueryRowContext(ctx, `SELECT MIN(enqueued_at) FROM outbound`).Scan(&ms); err != nil {
		return time.Time{}, fmt.Errorf("queue: oldest timestamp: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms.Int64), nil
}
