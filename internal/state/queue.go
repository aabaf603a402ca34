package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	sqlGetQueueEntry = `SELECT node_id, attempts, next_attempt_at, last_error, exhausted
		FROM sync_queue WHERE node_id = ?`

	sqlUpsertQueueEntry = `INSERT INTO sync_queue (node_id, attempts, next_attempt_at, last_error, exhausted)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
		 attempts = excluded.attempts,
		 next_attempt_at = excluded.next_attempt_at,
		 last_error = excluded.last_error,
		 exhausted = excluded.exhausted`

	sqlDueQueueEntries = `SELECT node_id, attempts, next_attempt_at, last_error, exhausted
		FROM sync_queue WHERE exhausted = 0 AND next_attempt_at <= ?
		ORDER BY next_attempt_at`

	sqlListQueueEntries = `SELECT node_id, attempts, next_attempt_at, last_error, exhausted
		FROM sync_queue ORDER BY node_id`

	sqlDeleteQueueEntry = `DELETE FROM sync_queue WHERE node_id = ?`

	sqlResetQueueEntry = `UPDATE sync_queue SET attempts = 0, exhausted = 0, next_attempt_at = ?
		WHERE node_id = ?`
)

func scanQueueEntry(row rowScanner) (*QueueEntry, error) {
	var (
		e         QueueEntry
		next      int64
		exhausted int
	)

	if err := row.Scan(&e.NodeID, &e.Attempts, &next, &e.LastError, &exhausted); err != nil {
		return nil, err
	}

	e.NextAttemptAt = fromNanos(next)
	e.Exhausted = exhausted != 0

	return &e, nil
}

// Enqueue records another failed attempt for nodeID. nextAt computes the
// next attempt time from the new attempt count. Once attempts reaches
// maxAttempts the entry is flagged exhausted and Due skips it.
func (s *Store) Enqueue(
	ctx context.Context, nodeID, lastErr string, maxAttempts int, nextAt func(attempts int) time.Time,
) (*QueueEntry, error) {
	var entry *QueueEntry

	err := s.withTx(ctx, "enqueue", func(tx *sql.Tx) error {
		prev, err := scanQueueEntry(tx.QueryRowContext(ctx, sqlGetQueueEntry, nodeID))
		if err != nil && !isNoRows(err) {
			return fmt.Errorf("state: reading queue entry %s: %w", nodeID, err)
		}

		attempts := 1
		if prev != nil {
			attempts = prev.Attempts + 1
		}

		entry = &QueueEntry{
			NodeID:        nodeID,
			Attempts:      attempts,
			NextAttemptAt: nextAt(attempts),
			LastError:     lastErr,
			Exhausted:     attempts >= maxAttempts,
		}

		exhausted := 0
		if entry.Exhausted {
			exhausted = 1
		}

		if _, err := tx.ExecContext(ctx, sqlUpsertQueueEntry, nodeID, attempts,
			toNanos(entry.NextAttemptAt), lastErr, exhausted); err != nil {
			return fmt.Errorf("state: enqueuing %s: %w", nodeID, err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// Due returns non-exhausted entries whose next attempt is at or before now.
func (s *Store) Due(ctx context.Context, now time.Time) ([]*QueueEntry, error) {
	return s.queryQueue(ctx, sqlDueQueueEntries, toNanos(now))
}

// Queue returns every replay entry, exhausted ones included.
func (s *Store) Queue(ctx context.Context) ([]*QueueEntry, error) {
	return s.queryQueue(ctx, sqlListQueueEntries)
}

// QueueEntry returns the replay entry for nodeID, or nil when none exists.
func (s *Store) QueueEntry(ctx context.Context, nodeID string) (*QueueEntry, error) {
	e, err := scanQueueEntry(s.db.QueryRowContext(ctx, sqlGetQueueEntry, nodeID))
	if isNoRows(err) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("state: reading queue entry %s: %w", nodeID, err)
	}

	return e, nil
}

// Dequeue drops the replay entry for nodeID. Absent entries are not an error.
func (s *Store) Dequeue(ctx context.Context, nodeID string) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteQueueEntry, nodeID); err != nil {
		return fmt.Errorf("state: dequeuing %s: %w", nodeID, err)
	}

	return nil
}

// ResetQueueEntry clears the attempt count so an exhausted node is retried
// on the next replay pass.
func (s *Store) ResetQueueEntry(ctx context.Context, nodeID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, sqlResetQueueEntry, toNanos(at), nodeID); err != nil {
		return fmt.Errorf("state: resetting queue entry %s: %w", nodeID, err)
	}

	return nil
}

func (s *Store) queryQueue(ctx context.Context, query string, args ...any) ([]*QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("state: listing queue: %w", err)
	}
	defer rows.Close()

	var out []*QueueEntry

	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("state: scanning queue row: %w", err)
		}

		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: iterating queue rows: %w", err)
	}

	return out, nil
}
