package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tonimelisma/sailsync/internal/syncerr"
)

const sessionColumns = `id, edition_id, target_type, target_id, lock_scope, state, state_reason,
	created_by, change_set_id, created_at, updated_at, closed_at`

const draftColumns = `id, session_id, batch_id, batch_type, source, status, target_table, target_id,
	column_name, operation, new_value, confidence, notes, created_at`

const (
	sqlInsertSession = `INSERT INTO collab_sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlGetSession = `SELECT ` + sessionColumns + ` FROM collab_sessions WHERE id = ?`

	sqlGetLease = `SELECT target_type, target_id, session_id, expires_at, renewed_at
		FROM session_leases WHERE target_type = ? AND target_id = ?`

	sqlGetLeaseBySession = `SELECT target_type, target_id, session_id, expires_at, renewed_at
		FROM session_leases WHERE session_id = ?`

	sqlExpiredLeases = `SELECT target_type, target_id, session_id, expires_at, renewed_at
		FROM session_leases WHERE expires_at <= ? ORDER BY expires_at`

	// The WHERE clause on the update arm makes takeover of a live lease a
	// no-op, so RowsAffected tells whether the lease was won.
	sqlAcquireLease = `INSERT INTO session_leases (target_type, target_id, session_id, expires_at, renewed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(target_type, target_id) DO UPDATE SET
		 session_id = excluded.session_id,
		 expires_at = excluded.expires_at,
		 renewed_at = excluded.renewed_at
		WHERE session_leases.expires_at <= ?`

	sqlRenewLease = `UPDATE session_leases SET expires_at = ?, renewed_at = ?
		WHERE session_id = ? AND expires_at > ?`

	sqlReleaseLease = `DELETE FROM session_leases WHERE session_id = ?`

	sqlInsertDraft = `INSERT INTO drafts (` + draftColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlGetDraft = `SELECT ` + draftColumns + ` FROM drafts WHERE id = ?`

	sqlListDrafts = `SELECT ` + draftColumns + ` FROM drafts WHERE session_id = ?
		ORDER BY created_at, id`

	sqlSetDraftStatus = `UPDATE drafts SET status = ? WHERE id = ? AND status != 'committed'`
)

// openStates are the states in which a session holds its lease.
var openStates = []SessionState{SessionActive, SessionHasDraft, SessionNeedsMerge}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s           Session
		targetType  string
		state       string
		changeSetID sql.NullString
		createdAt   int64
		updatedAt   int64
		closedAt    sql.NullInt64
	)

	err := row.Scan(&s.ID, &s.EditionID, &targetType, &s.TargetID, &s.LockScope, &state,
		&s.StateReason, &s.CreatedBy, &changeSetID, &createdAt, &updatedAt, &closedAt)
	if err != nil {
		return nil, err
	}

	s.TargetType = TargetType(targetType)
	s.State = SessionState(state)
	s.ChangeSetID = changeSetID.String
	s.CreatedAt = fromNanos(createdAt)
	s.UpdatedAt = fromNanos(updatedAt)
	s.ClosedAt = fromNullNanos(closedAt)

	return &s, nil
}

func scanLease(row rowScanner) (*Lease, error) {
	var (
		l          Lease
		targetType string
		expiresAt  int64
		renewedAt  int64
	)

	if err := row.Scan(&targetType, &l.TargetID, &l.SessionID, &expiresAt, &renewedAt); err != nil {
		return nil, err
	}

	l.TargetType = TargetType(targetType)
	l.ExpiresAt = fromNanos(expiresAt)
	l.RenewedAt = fromNanos(renewedAt)

	return &l, nil
}

func scanDraft(row rowScanner) (*Draft, error) {
	var (
		d          Draft
		batchType  string
		source     string
		status     string
		operation  string
		newValue   sql.NullString
		confidence sql.NullFloat64
		createdAt  int64
	)

	err := row.Scan(&d.ID, &d.SessionID, &d.BatchID, &batchType, &source, &status, &d.TargetTable,
		&d.TargetID, &d.Column, &operation, &newValue, &confidence, &d.Notes, &createdAt)
	if err != nil {
		return nil, err
	}

	d.BatchType = BatchType(batchType)
	d.Source = DraftSource(source)
	d.Status = DraftStatus(status)
	d.Operation = Operation(operation)
	d.NewValue = fromNullJSON(newValue)
	d.CreatedAt = fromNanos(createdAt)

	if confidence.Valid {
		c := confidence.Float64
		d.Confidence = &c
	}

	return &d, nil
}

// OpenSession inserts sess and acquires the lease on its target in one
// transaction. A live lease held by another session fails with
// syncerr.ErrLockConflict. An expired lease is taken over and the session
// that held it is closed; its ID is returned as displaced.
func (s *Store) OpenSession(ctx context.Context, sess *Session, expiresAt time.Time) (displaced string, err error) {
	now := sess.CreatedAt

	err = s.withTx(ctx, "open_session", func(tx *sql.Tx) error {
		prev, err := scanLease(tx.QueryRowContext(ctx, sqlGetLease, string(sess.TargetType), sess.TargetID))
		if err != nil && !isNoRows(err) {
			return fmt.Errorf("state: reading lease for %s/%s: %w", sess.TargetType, sess.TargetID, err)
		}

		if prev != nil && prev.ExpiresAt.After(now) {
			return syncerr.Mismatch(syncerr.ErrLockConflict, "state.open_session",
				string(sess.TargetType)+"/"+sess.TargetID, "", prev.SessionID)
		}

		if prev != nil {
			if _, err := closeSessionTx(ctx, tx, prev.SessionID, SessionClosed, "lease expired", now); err != nil {
				return err
			}

			displaced = prev.SessionID
		}

		if _, err := tx.ExecContext(ctx, sqlInsertSession,
			sess.ID, sess.EditionID, string(sess.TargetType), sess.TargetID, sess.LockScope,
			string(sess.State), sess.StateReason, sess.CreatedBy, nullString(sess.ChangeSetID),
			toNanos(sess.CreatedAt), toNanos(sess.UpdatedAt), nullNanos(sess.ClosedAt)); err != nil {
			return fmt.Errorf("state: inserting session %s: %w", sess.ID, err)
		}

		res, err := tx.ExecContext(ctx, sqlAcquireLease, string(sess.TargetType), sess.TargetID,
			sess.ID, toNanos(expiresAt), toNanos(now), toNanos(now))
		if err != nil {
			return fmt.Errorf("state: acquiring lease on %s/%s: %w", sess.TargetType, sess.TargetID, err)
		}

		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return syncerr.New(syncerr.ErrLockConflict, "state.open_session",
				string(sess.TargetType)+"/"+sess.TargetID, err)
		}

		return nil
	})

	return displaced, err
}

// GetSession returns a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, sqlGetSession, id))
	if isNoRows(err) {
		return nil, notFound("state.get_session", id)
	}

	if err != nil {
		return nil, fmt.Errorf("state: getting session %s: %w", id, err)
	}

	return sess, nil
}

// SessionFilter narrows ListSessions. Zero fields match everything.
type SessionFilter struct {
	EditionID  string
	CreatedBy  string
	TargetType TargetType
	TargetID   string
	States     []SessionState
	Limit      int
}

// ListSessions returns sessions matching f, newest first.
func (s *Store) ListSessions(ctx context.Context, f SessionFilter) ([]*Session, error) {
	var (
		where []string
		args  []any
	)

	if f.EditionID != "" {
		where = append(where, "edition_id = ?")
		args = append(args, f.EditionID)
	}

	if f.CreatedBy != "" {
		where = append(where, "created_by = ?")
		args = append(args, f.CreatedBy)
	}

	if f.TargetType != "" {
		where = append(where, "target_type = ?")
		args = append(args, string(f.TargetType))
	}

	if f.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, f.TargetID)
	}

	if len(f.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(f.States))+")")
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}

	query := `SELECT ` + sessionColumns + ` FROM collab_sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query += " ORDER BY created_at DESC, id"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("state: listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session

	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("state: scanning session row: %w", err)
		}

		out = append(out, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: iterating session rows: %w", err)
	}

	return out, nil
}

// TransitionSession moves a session into to if its current state is one
// of from. Entering a terminal state releases the lease. It reports whether
// the session was in an expected state.
func (s *Store) TransitionSession(
	ctx context.Context, id string, from []SessionState, to SessionState, reason string, at time.Time,
) (bool, error) {
	var moved bool

	err := s.withTx(ctx, "transition_session", func(tx *sql.Tx) error {
		var err error

		moved, err = transitionSessionTx(ctx, tx, id, from, to, reason, at)

		return err
	})

	return moved, err
}

func transitionSessionTx(
	ctx context.Context, tx *sql.Tx, id string, from []SessionState, to SessionState, reason string, at time.Time,
) (bool, error) {
	if to.Terminal() {
		return closeSessionTx(ctx, tx, id, to, reason, at, from...)
	}

	args := []any{string(to), reason, toNanos(at), id}
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE collab_sessions SET state = ?, state_reason = ?, updated_at = ?
		 WHERE id = ? AND state IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("state: transitioning session %s to %s: %w", id, to, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("state: transitioning session %s: %w", id, err)
	}

	return n == 1, nil
}

// closeSessionTx moves a session into a terminal state and drops its lease.
// With no from states given, any open state qualifies.
func closeSessionTx(
	ctx context.Context, tx *sql.Tx, id string, to SessionState, reason string, at time.Time, from ...SessionState,
) (bool, error) {
	if len(from) == 0 {
		from = openStates
	}

	args := []any{string(to), reason, toNanos(at), toNanos(at), id}
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE collab_sessions SET state = ?, state_reason = ?, updated_at = ?, closed_at = ?
		 WHERE id = ? AND state IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("state: closing session %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("state: closing session %s: %w", id, err)
	}

	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, sqlReleaseLease, id); err != nil {
		return false, fmt.Errorf("state: releasing lease of %s: %w", id, err)
	}

	return true, nil
}

// GetLease returns the lease on a target, or syncerr.ErrNotFound when the
// target is unlocked.
func (s *Store) GetLease(ctx context.Context, targetType TargetType, targetID string) (*Lease, error) {
	l, err := scanLease(s.db.QueryRowContext(ctx, sqlGetLease, string(targetType), targetID))
	if isNoRows(err) {
		return nil, notFound("state.get_lease", string(targetType)+"/"+targetID)
	}

	if err != nil {
		return nil, fmt.Errorf("state: getting lease on %s/%s: %w", targetType, targetID, err)
	}

	return l, nil
}

// LeaseForSession returns the lease held by a session.
func (s *Store) LeaseForSession(ctx context.Context, sessionID string) (*Lease, error) {
	l, err := scanLease(s.db.QueryRowContext(ctx, sqlGetLeaseBySession, sessionID))
	if isNoRows(err) {
		return nil, notFound("state.lease_for_session", sessionID)
	}

	if err != nil {
		return nil, fmt.Errorf("state: getting lease of session %s: %w", sessionID, err)
	}

	return l, nil
}

// RenewLease extends a live lease. A lease that already expired, or that
// the session no longer holds, fails with syncerr.ErrLockConflict.
func (s *Store) RenewLease(ctx context.Context, sessionID string, expiresAt, now time.Time) error {
	res, err := s.db.ExecContext(ctx, sqlRenewLease, toNanos(expiresAt), toNanos(now), sessionID, toNanos(now))
	if err != nil {
		return fmt.Errorf("state: renewing lease of %s: %w", sessionID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("state: renewing lease of %s: %w", sessionID, err)
	}

	if n == 0 {
		return syncerr.New(syncerr.ErrLockConflict, "state.renew_lease", sessionID, nil)
	}

	return nil
}

// ExpiredLeases returns leases whose expiry is at or before now.
func (s *Store) ExpiredLeases(ctx context.Context, now time.Time) ([]*Lease, error) {
	rows, err := s.db.QueryContext(ctx, sqlExpiredLeases, toNanos(now))
	if err != nil {
		return nil, fmt.Errorf("state: listing expired leases: %w", err)
	}
	defer rows.Close()

	var out []*Lease

	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("state: scanning lease row: %w", err)
		}

		out = append(out, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: iterating lease rows: %w", err)
	}

	return out, nil
}

// AddDrafts inserts drafts for an open session and moves the session to
// next in the same transaction. A session that is no longer open fails with
// syncerr.ErrLockConflict and nothing is inserted.
func (s *Store) AddDrafts(
	ctx context.Context, sessionID string, drafts []*Draft, next SessionState, reason string, at time.Time,
) error {
	return s.withTx(ctx, "add_drafts", func(tx *sql.Tx) error {
		moved, err := transitionSessionTx(ctx, tx, sessionID, openStates, next, reason, at)
		if err != nil {
			return err
		}

		if !moved {
			return syncerr.New(syncerr.ErrLockConflict, "state.add_drafts", sessionID,
				fmt.Errorf("session is not open"))
		}

		for _, d := range drafts {
			var confidence sql.NullFloat64
			if d.Confidence != nil {
				confidence = sql.NullFloat64{Float64: *d.Confidence, Valid: true}
			}

			if _, err := tx.ExecContext(ctx, sqlInsertDraft,
				d.ID, d.SessionID, d.BatchID, string(d.BatchType), string(d.Source), string(d.Status),
				d.TargetTable, d.TargetID, d.Column, string(d.Operation), nullJSON(d.NewValue),
				confidence, d.Notes, toNanos(d.CreatedAt)); err != nil {
				return fmt.Errorf("state: inserting draft %s: %w", d.ID, err)
			}
		}

		return nil
	})
}

// GetDraft returns a draft by ID.
func (s *Store) GetDraft(ctx context.Context, id string) (*Draft, error) {
	d, err := scanDraft(s.db.QueryRowContext(ctx, sqlGetDraft, id))
	if isNoRows(err) {
		return nil, notFound("state.get_draft", id)
	}

	if err != nil {
		return nil, fmt.Errorf("state: getting draft %s: %w", id, err)
	}

	return d, nil
}

// ListDrafts returns a session's drafts in submission order.
func (s *Store) ListDrafts(ctx context.Context, sessionID string) ([]*Draft, error) {
	rows, err := s.db.QueryContext(ctx, sqlListDrafts, sessionID)
	if err != nil {
		return nil, fmt.Errorf("state: listing drafts of %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*Draft

	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("state: scanning draft row: %w", err)
		}

		out = append(out, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: iterating draft rows: %w", err)
	}

	return out, nil
}

// SetDraftStatus approves or rejects a draft. Committed drafts are frozen.
func (s *Store) SetDraftStatus(ctx context.Context, id string, status DraftStatus) error {
	res, err := s.db.ExecContext(ctx, sqlSetDraftStatus, string(status), id)
	if err != nil {
		return fmt.Errorf("state: setting draft %s status: %w", id, err)
	}

	return requireRow(res, "state.set_draft_status", id)
}
