// Package buffer implements the durable write buffer and its flush worker.
//
// Mutations accepted from the UI are validated, written to the local cache,
// and appended here in one synchronous step. The queue lives in the device
// store's write_buffer table, so pending writes survive process restarts.
// Entries leave the queue only when the durable store acknowledges them; a
// delivery failure leaves them in place, in order, for the next flush tick.
package buffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deeprecall/recall-sync/internal/entity"
	"github.com/deeprecall/recall-sync/internal/store"
)

// Entry statuses. Pending entries are eligible for flushing; failed entries
// hit the retry ceiling and wait for operator attention (dead letters).
const (
	StatusPending = "pending"
	StatusFailed  = "failed"
)

// ErrValidation wraps mutation validation failures so callers can
// distinguish them from storage errors. Validation failures are surfaced
// synchronously and never buffered.
var ErrValidation = errors.New("invalid mutation")

// Entry is one persisted write-buffer row.
type Entry struct {
	Seq        int64
	MutationID string
	Collection entity.Collection
	Op         entity.Op
	EntityID   string
	Payload    json.RawMessage
	DeviceID   string
	EnqueuedAt time.Time
	Attempts   int
	Status     string
}

// Queue is the durable per-device mutation queue.
type Queue struct {
	db *store.DB
}

// NewQueue creates a Queue over an opened device store.
func NewQueue(db *store.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue validates the mutation and appends it to the queue. The row is
// durable before Enqueue returns. Invalid mutations are rejected with
// ErrValidation and never stored.
func (q *Queue) Enqueue(ctx context.Context, m *entity.Mutation) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	payload := json.RawMessage("{}")
	if m.Entity != nil {
		raw, err := m.Entity.Encode()
		if err != nil {
			return err
		}
		payload = raw
	}

	query := `
	INSERT INTO write_buffer (mutation_id, collection, op, entity_id, payload, device_id, enqueued_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.db.Conn().ExecContext(ctx, query,
		m.ID,
		string(m.Collection),
		string(m.Op),
		m.EntityID,
		string(payload),
		m.DeviceID,
		m.EnqueuedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue mutation %s: %w", m.ID, err)
	}
	return nil
}

// Peek returns up to limit pending entries in enqueue order without
// removing them.
func (q *Queue) Peek(ctx context.Context, limit int) ([]Entry, error) {
	query := `
	SELECT seq, mutation_id, collection, op, entity_id, payload, device_id, enqueued_at, attempts, status
	FROM write_buffer
	WHERE status = ?
	ORDER BY seq ASC
	LIMIT ?
	`
	rows, err := q.db.Conn().QueryContext(ctx, query, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read write buffer: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Ack removes acknowledged entries. Called only after the durable store
// confirmed the corresponding writes.
func (q *Queue) Ack(ctx context.Context, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	tx, err := q.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ack transaction: %w", err)
	}
	defer tx.Rollback()

	for _, seq := range seqs {
		if _, err := tx.ExecContext(ctx, "DELETE FROM write_buffer WHERE seq = ?", seq); err != nil {
			return fmt.Errorf("failed to ack entry %d: %w", seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ack: %w", err)
	}
	return nil
}

// RecordFailure bumps an entry's attempt count after an unacknowledged
// delivery. Once attempts reaches maxAttempts the entry moves to the failed
// status; it stays in the table for inspection rather than being dropped.
// Returns true when the entry was dead-lettered by this call.
func (q *Queue) RecordFailure(ctx context.Context, seq int64, maxAttempts int) (bool, error) {
	var attempts int
	err := q.db.Conn().QueryRowContext(ctx,
		"SELECT attempts FROM write_buffer WHERE seq = ?", seq).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read entry %d: %w", seq, err)
	}

	attempts++
	status := StatusPending
	if maxAttempts > 0 && attempts >= maxAttempts {
		status = StatusFailed
	}
	_, err = q.db.Conn().ExecContext(ctx,
		"UPDATE write_buffer SET attempts = ?, status = ? WHERE seq = ?", attempts, status, seq)
	if err != nil {
		return false, fmt.Errorf("failed to record failure for entry %d: %w", seq, err)
	}
	return status == StatusFailed, nil
}

// PendingCount returns how many entries await delivery.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := q.db.Conn().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM write_buffer WHERE status = ?", StatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return n, nil
}

// DeadLetters returns entries abandoned after the retry ceiling.
func (q *Queue) DeadLetters(ctx context.Context) ([]Entry, error) {
	query := `
	SELECT seq, mutation_id, collection, op, entity_id, payload, device_id, enqueued_at, attempts, status
	FROM write_buffer
	WHERE status = ?
	ORDER BY seq ASC
	`
	rows, err := q.db.Conn().QueryContext(ctx, query, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Requeue moves a dead-lettered entry back to pending with a reset attempt
// count, for operator-driven retry.
func (q *Queue) Requeue(ctx context.Context, seq int64) error {
	res, err := q.db.Conn().ExecContext(ctx,
		"UPDATE write_buffer SET status = ?, attempts = 0 WHERE seq = ? AND status = ?",
		StatusPending, seq, StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to requeue entry %d: %w", seq, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("entry %d is not a dead letter", seq)
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var col, op, payload, enqueuedAt string
		if err := rows.Scan(&e.Seq, &e.MutationID, &col, &op, &e.EntityID,
			&payload, &e.DeviceID, &enqueuedAt, &e.Attempts, &e.Status); err != nil {
			return nil, fmt.Errorf("failed to scan write buffer entry: %w", err)
		}
		e.Collection = entity.Collection(col)
		e.Op = entity.Op(op)
		e.Payload = json.RawMessage(payload)
		if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
			e.EnqueuedAt = t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating write buffer: %w", err)
	}
	return entries, nil
}
