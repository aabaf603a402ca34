package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const recordColumns = `node_id, edition_id, local_path, title, node_type, parent_id,
	order_index, content_hash, synced_hash, local_updated_at, remote_updated_at, status`

const (
	sqlGetRecord = `SELECT ` + recordColumns + ` FROM sync_records WHERE node_id = ?`

	sqlGetRecordByPath = `SELECT ` + recordColumns + ` FROM sync_records WHERE local_path = ?`

	sqlListRecords = `SELECT ` + recordColumns + ` FROM sync_records
		ORDER BY edition_id, local_path`

	sqlListRecordsByEdition = `SELECT ` + recordColumns + ` FROM sync_records
		WHERE edition_id = ? ORDER BY local_path`

	sqlListRecordsByStatus = `SELECT ` + recordColumns + ` FROM sync_records
		WHERE status = ? ORDER BY node_id`

	sqlUpsertRecord = `INSERT INTO sync_records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
		 edition_id = excluded.edition_id,
		 local_path = excluded.local_path,
		 title = excluded.title,
		 node_type = excluded.node_type,
		 parent_id = excluded.parent_id,
		 order_index = excluded.order_index,
		 content_hash = excluded.content_hash,
		 synced_hash = excluded.synced_hash,
		 local_updated_at = excluded.local_updated_at,
		 remote_updated_at = excluded.remote_updated_at,
		 status = excluded.status`

	// A conflicted record stays conflicted: a local edit on top of a conflict
	// is new input for the resolver, not a push candidate.
	sqlMarkModified = `UPDATE sync_records SET
		 content_hash = ?,
		 local_updated_at = ?,
		 status = CASE WHEN status = 'conflict' THEN 'conflict' ELSE 'modified' END
		WHERE node_id = ?`

	sqlSetStatusFrom = `UPDATE sync_records SET status = ? WHERE node_id = ? AND status = ?`

	sqlSetStatus = `UPDATE sync_records SET status = ? WHERE node_id = ?`

	// The record only becomes synced if nothing touched the file while the
	// push was in flight.
	sqlCompletePush = `UPDATE sync_records SET
		 remote_updated_at = ?,
		 synced_hash = ?,
		 status = CASE WHEN status = 'pushing' AND content_hash = ? THEN 'synced' ELSE status END
		WHERE node_id = ?`

	sqlMarkConflict = `UPDATE sync_records SET status = 'conflict' WHERE node_id = ?`

	sqlDeleteRecord = `DELETE FROM sync_records WHERE node_id = ?`

	sqlGetBase = `SELECT node_id, content, remote_updated_at FROM base_snapshots WHERE node_id = ?`

	sqlUpsertBase = `INSERT INTO base_snapshots (node_id, content, remote_updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
		 content = excluded.content,
		 remote_updated_at = excluded.remote_updated_at`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r        Record
		parentID sql.NullString
		localAt  int64
		remoteAt int64
		status   string
	)

	err := row.Scan(&r.NodeID, &r.EditionID, &r.LocalPath, &r.Title, &r.NodeType, &parentID,
		&r.OrderIndex, &r.ContentHash, &r.SyncedHash, &localAt, &remoteAt, &status)
	if err != nil {
		return nil, err
	}

	r.ParentID = parentID.String
	r.LocalUpdatedAt = fromNanos(localAt)
	r.RemoteUpdatedAt = fromNanos(remoteAt)
	r.Status = Status(status)

	return &r, nil
}

// Get returns the record for nodeID. An absent record yields an error
// matching syncerr.ErrNotFound; any other error means the store failed.
func (s *Store) Get(ctx context.Context, nodeID string) (*Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, sqlGetRecord, nodeID))
	if isNoRows(err) {
		return nil, notFound("state.get", nodeID)
	}

	if err != nil {
		return nil, fmt.Errorf("state: getting record %s: %w", nodeID, err)
	}

	return r, nil
}

// GetByPath returns the record materialized at the workspace-relative path.
func (s *Store) GetByPath(ctx context.Context, localPath string) (*Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, sqlGetRecordByPath, localPath))
	if isNoRows(err) {
		return nil, notFound("state.get_by_path", localPath)
	}

	if err != nil {
		return nil, fmt.Errorf("state: getting record at %s: %w", localPath, err)
	}

	return r, nil
}

// Upsert inserts or replaces a record.
func (s *Store) Upsert(ctx context.Context, r *Record) error {
	_, err := s.db.ExecContext(ctx, sqlUpsertRecord,
		r.NodeID, r.EditionID, r.LocalPath, r.Title, r.NodeType, nullString(r.ParentID),
		r.OrderIndex, r.ContentHash, r.SyncedHash, toNanos(r.LocalUpdatedAt),
		toNanos(r.RemoteUpdatedAt), string(r.Status))
	if err != nil {
		return fmt.Errorf("state: upserting record %s: %w", r.NodeID, err)
	}

	return nil
}

// List returns every record, ordered by edition and path.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	return s.queryRecords(ctx, sqlListRecords)
}

// ListByEdition returns the records of one edition.
func (s *Store) ListByEdition(ctx context.Context, editionID string) ([]*Record, error) {
	return s.queryRecords(ctx, sqlListRecordsByEdition, editionID)
}

// ListByStatus returns every record in the given status.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]*Record, error) {
	return s.queryRecords(ctx, sqlListRecordsByStatus, string(status))
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("state: listing records: %w", err)
	}
	defer rows.Close()

	var out []*Record

	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("state: scanning record row: %w", err)
		}

		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: iterating record rows: %w", err)
	}

	return out, nil
}

// MarkModified records a new local content hash. Conflicted records keep
// their conflict status.
func (s *Store) MarkModified(ctx context.Context, nodeID, hash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, sqlMarkModified, hash, toNanos(at), nodeID)
	if err != nil {
		return fmt.Errorf("state: marking %s modified: %w", nodeID, err)
	}

	return requireRow(res, "state.mark_modified", nodeID)
}

// TransitionStatus moves a record from one status to another and reports
// whether the record was still in the expected status.
func (s *Store) TransitionStatus(ctx context.Context, nodeID string, from, to Status) (bool, error) {
	res, err := s.db.ExecContext(ctx, sqlSetStatusFrom, string(to), nodeID, string(from))
	if err != nil {
		return false, fmt.Errorf("state: transitioning %s %s->%s: %w", nodeID, from, to, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("state: transitioning %s: %w", nodeID, err)
	}

	return n == 1, nil
}

// SetStatus overwrites a record's status unconditionally.
func (s *Store) SetStatus(ctx context.Context, nodeID string, status Status) error {
	res, err := s.db.ExecContext(ctx, sqlSetStatus, string(status), nodeID)
	if err != nil {
		return fmt.Errorf("state: setting %s status %s: %w", nodeID, status, err)
	}

	return requireRow(res, "state.set_status", nodeID)
}

// CompletePush stores the version the remote accepted for pushedHash. The
// record becomes synced only if it is still pushing the same content; it
// reports whether that happened.
func (s *Store) CompletePush(ctx context.Context, nodeID, pushedHash string, remoteVersion time.Time) (bool, error) {
	var synced bool

	err := s.withTx(ctx, "complete_push", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlCompletePush, toNanos(remoteVersion), pushedHash, pushedHash, nodeID)
		if err != nil {
			return fmt.Errorf("state: completing push for %s: %w", nodeID, err)
		}

		if err := requireRow(res, "state.complete_push", nodeID); err != nil {
			return err
		}

		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM sync_records WHERE node_id = ?`, nodeID).
			Scan(&status); err != nil {
			return fmt.Errorf("state: reading status for %s: %w", nodeID, err)
		}

		synced = Status(status) == StatusSynced

		return nil
	})

	return synced, err
}

// MarkConflict sets a record to conflict.
func (s *Store) MarkConflict(ctx context.Context, nodeID string) error {
	res, err := s.db.ExecContext(ctx, sqlMarkConflict, nodeID)
	if err != nil {
		return fmt.Errorf("state: marking %s conflict: %w", nodeID, err)
	}

	return requireRow(res, "state.mark_conflict", nodeID)
}

// Delete removes a record together with its base snapshot and queue entry.
func (s *Store) Delete(ctx context.Context, nodeID string) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteRecord, nodeID); err != nil {
		return fmt.Errorf("state: deleting record %s: %w", nodeID, err)
	}

	return nil
}

// GetBase returns the last agreed content for nodeID, or an error matching
// syncerr.ErrNotFound when the node was never synced.
func (s *Store) GetBase(ctx context.Context, nodeID string) (*Base, error) {
	var (
		b        Base
		remoteAt int64
	)

	err := s.db.QueryRowContext(ctx, sqlGetBase, nodeID).Scan(&b.NodeID, &b.Content, &remoteAt)
	if isNoRows(err) {
		return nil, notFound("state.get_base", nodeID)
	}

	if err != nil {
		return nil, fmt.Errorf("state: getting base for %s: %w", nodeID, err)
	}

	b.RemoteUpdatedAt = fromNanos(remoteAt)

	return &b, nil
}

// SaveBase stores content as the common ancestor for future merges.
func (s *Store) SaveBase(ctx context.Context, nodeID, content string, remoteVersion time.Time) error {
	if _, err := s.db.ExecContext(ctx, sqlUpsertBase, nodeID, content, toNanos(remoteVersion)); err != nil {
		return fmt.Errorf("state: saving base for %s: %w", nodeID, err)
	}

	return nil
}

func requireRow(res sql.Result, op, target string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("state: %s: %w", op, err)
	}

	if n == 0 {
		return notFound(op, target)
	}

	return nil
}
