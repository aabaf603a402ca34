package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tonimelisma/sailsync/internal/syncerr"
)

const changeSetColumns = `id, edition_id, session_id, source, status, reason, created_by,
	error_message, created_at, updated_at, applied_at, rolled_back_at`

const changeItemColumns = `id, change_set_id, seq, target_table, target_id, operation,
	column_name, old_value, new_value, notes`

const reviewColumns = `id, change_set_id, reviewer, status, decision, comments, created_at, decided_at`

const (
	sqlInsertChangeSet = `INSERT INTO change_sets (` + changeSetColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlInsertChangeItem = `INSERT INTO change_items (` + changeItemColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlInsertReview = `INSERT INTO review_tasks (` + reviewColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	sqlGetChangeSet = `SELECT ` + changeSetColumns + ` FROM change_sets WHERE id = ?`

	sqlListChangeItems = `SELECT ` + changeItemColumns + ` FROM change_items
		WHERE change_set_id = ? ORDER BY seq`

	sqlGetReview = `SELECT ` + reviewColumns + ` FROM review_tasks WHERE id = ?`

	sqlGetReviewByChangeSet = `SELECT ` + reviewColumns + ` FROM review_tasks WHERE change_set_id = ?`

	sqlDecideReview = `UPDATE review_tasks SET status = ?, decision = ?, comments = ?, decided_at = ?
		WHERE id = ? AND status = 'pending'`

	sqlCommitSession = `UPDATE collab_sessions SET state = 'committed', state_reason = ?,
		change_set_id = ?, updated_at = ?, closed_at = ?
		WHERE id = ? AND state IN ('active', 'has_draft', 'needs_merge')`
)

// SessionCommit, when attached to NewChangeSet, commits the producing
// session in the same transaction: selected drafts become committed, the
// session moves to committed, and its lease is released.
type SessionCommit struct {
	SessionID string
	DraftIDs  []string
	Reason    string
}

// NewChangeSet is everything CreateChangeSet persists atomically.
type NewChangeSet struct {
	Set     *ChangeSet
	Items   []*ChangeItem
	Review  *ReviewTask // nil when no sign-off is required
	Session *SessionCommit
}

func scanChangeSet(row rowScanner) (*ChangeSet, error) {
	var (
		cs           ChangeSet
		sessionID    sql.NullString
		source       string
		status       string
		createdAt    int64
		updatedAt    int64
		appliedAt    sql.NullInt64
		rolledBackAt sql.NullInt64
	)

	err := row.Scan(&cs.ID, &cs.EditionID, &sessionID, &source, &status, &cs.Reason, &cs.CreatedBy,
		&cs.ErrorMessage, &createdAt, &updatedAt, &appliedAt, &rolledBackAt)
	if err != nil {
		return nil, err
	}

	cs.SessionID = sessionID.String
	cs.Source = ChangeSource(source)
	cs.Status = ChangeStatus(status)
	cs.CreatedAt = fromNanos(createdAt)
	cs.UpdatedAt = fromNanos(updatedAt)
	cs.AppliedAt = fromNullNanos(appliedAt)
	cs.RolledBackAt = fromNullNanos(rolledBackAt)

	return &cs, nil
}

func scanChangeItem(row rowScanner) (*ChangeItem, error) {
	var (
		it        ChangeItem
		operation string
		oldValue  sql.NullString
		newValue  sql.NullString
	)

	err := row.Scan(&it.ID, &it.ChangeSetID, &it.Seq, &it.TargetTable, &it.TargetID, &operation,
		&it.Column, &oldValue, &newValue, &it.Notes)
	if err != nil {
		return nil, err
	}

	it.Operation = Operation(operation)
	it.OldValue = fromNullJSON(oldValue)
	it.NewValue = fromNullJSON(newValue)

	return &it, nil
}

func scanReview(row rowScanner) (*ReviewTask, error) {
	var (
		r         ReviewTask
		status    string
		createdAt int64
		decidedAt sql.NullInt64
	)

	err := row.Scan(&r.ID, &r.ChangeSetID, &r.Reviewer, &status, &r.Decision, &r.Comments,
		&createdAt, &decidedAt)
	if err != nil {
		return nil, err
	}

	r.Status = ReviewStatus(status)
	r.CreatedAt = fromNanos(createdAt)
	r.DecidedAt = fromNullNanos(decidedAt)

	return &r, nil
}

// CreateChangeSet persists a change set with its items, optional review
// task, and optional session commit in one transaction.
func (s *Store) CreateChangeSet(ctx context.Context, n NewChangeSet) error {
	cs := n.Set

	return s.withTx(ctx, "create_change_set", func(tx *sql.Tx) error {
		if n.Session != nil {
			if err := commitSessionTx(ctx, tx, n.Session, cs.ID, cs.CreatedAt); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, sqlInsertChangeSet,
			cs.ID, cs.EditionID, nullString(cs.SessionID), string(cs.Source), string(cs.Status),
			cs.Reason, cs.CreatedBy, cs.ErrorMessage, toNanos(cs.CreatedAt), toNanos(cs.UpdatedAt),
			nullNanos(cs.AppliedAt), nullNanos(cs.RolledBackAt)); err != nil {
			return fmt.Errorf("state: inserting change set %s: %w", cs.ID, err)
		}

		for _, it := range n.Items {
			if _, err := tx.ExecContext(ctx, sqlInsertChangeItem,
				it.ID, cs.ID, it.Seq, it.TargetTable, it.TargetID, string(it.Operation), it.Column,
				nullJSON(it.OldValue), nullJSON(it.NewValue), it.Notes); err != nil {
				return fmt.Errorf("state: inserting change item %s: %w", it.ID, err)
			}
		}

		if r := n.Review; r != nil {
			if _, err := tx.ExecContext(ctx, sqlInsertReview,
				r.ID, cs.ID, r.Reviewer, string(r.Status), r.Decision, r.Comments,
				toNanos(r.CreatedAt), nullNanos(r.DecidedAt)); err != nil {
				return fmt.Errorf("state: inserting review task %s: %w", r.ID, err)
			}
		}

		return nil
	})
}

func commitSessionTx(ctx context.Context, tx *sql.Tx, sc *SessionCommit, changeSetID string, at time.Time) error {
	res, err := tx.ExecContext(ctx, sqlCommitSession, sc.Reason, changeSetID, toNanos(at), toNanos(at), sc.SessionID)
	if err != nil {
		return fmt.Errorf("state: committing session %s: %w", sc.SessionID, err)
	}

	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return syncerr.New(syncerr.ErrLockConflict, "state.commit_session", sc.SessionID,
			fmt.Errorf("session is not open"))
	}

	if len(sc.DraftIDs) > 0 {
		args := []any{sc.SessionID}
		for _, id := range sc.DraftIDs {
			args = append(args, id)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE drafts SET status = 'committed' WHERE session_id = ? AND id IN (`+
				placeholders(len(sc.DraftIDs))+`)`, args...); err != nil {
			return fmt.Errorf("state: committing drafts of %s: %w", sc.SessionID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, sqlReleaseLease, sc.SessionID); err != nil {
		return fmt.Errorf("state: releasing lease of %s: %w", sc.SessionID, err)
	}

	return nil
}

// GetChangeSet returns a change set by ID.
func (s *Store) GetChangeSet(ctx context.Context, id string) (*ChangeSet, error) {
	cs, err := scanChangeSet(s.db.QueryRowContext(ctx, sqlGetChangeSet, id))
	if isNoRows(err) {
		return nil, notFound("state.get_change_set", id)
	}

	if err != nil {
		return nil, fmt.Errorf("state: getting change set %s: %w", id, err)
	}

	return cs, nil
}

// ListChangeItems returns a change set's items in application order.
func (s *Store) ListChangeItems(ctx context.Context, changeSetID string) ([]*ChangeItem, error) {
	rows, err := s.db.QueryContext(ctx, sqlListChangeItems, changeSetID)
	if err != nil {
		return nil, fmt.Errorf("state: listing items of %s: %w", changeSetID, err)
	}
	defer rows.Close()

	var out []*ChangeItem

	for rows.Next() {
		it, err := scanChangeItem(rows)
		if err != nil {
			return nil, fmt.Errorf("state: scanning change item row: %w", err)
		}

		out = append(out, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: iterating change item rows: %w", err)
	}

	return out, nil
}

// ChangeSetFilter narrows ListChangeSets. Zero fields match everything.
type ChangeSetFilter struct {
	EditionID string
	SessionID string
	Status    ChangeStatus
	Limit     int
}

// ListChangeSets returns change sets matching f, newest first.
func (s *Store) ListChangeSets(ctx context.Context, f ChangeSetFilter) ([]*ChangeSet, error) {
	var (
		where []string
		args  []any
	)

	if f.EditionID != "" {
		where = append(where, "edition_id = ?")
		args = append(args, f.EditionID)
	}

	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}

	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT ` + changeSetColumns + ` FROM change_sets`
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
		return nil, fmt.Errorf("state: listing change sets: %w", err)
	}
	defer rows.Close()

	var out []*ChangeSet

	for rows.Next() {
		cs, err := scanChangeSet(rows)
		if err != nil {
			return nil, fmt.Errorf("state: scanning change set row: %w", err)
		}

		out = append(out, cs)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: iterating change set rows: %w", err)
	}

	return out, nil
}

// ChangeSetUpdate describes a compare-and-swap status move.
type ChangeSetUpdate struct {
	From         ChangeStatus
	To           ChangeStatus
	ErrorMessage string
	At           time.Time
}

// TransitionChangeSet moves a change set from u.From to u.To and stamps
// applied_at or rolled_back_at as appropriate. It reports whether the set
// was still in u.From.
func (s *Store) TransitionChangeSet(ctx context.Context, id string, u ChangeSetUpdate) (bool, error) {
	query := `UPDATE change_sets SET status = ?, error_message = ?, updated_at = ?`
	args := []any{string(u.To), u.ErrorMessage, toNanos(u.At)}

	switch {
	case u.To == u.From:
	case u.To == ChangeApplied:
		query += `, applied_at = ?`
		args = append(args, toNanos(u.At))
	case u.To == ChangeRolledBack:
		query += `, rolled_back_at = ?`
		args = append(args, toNanos(u.At))
	}

	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, string(u.From))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("state: transitioning change set %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("state: transitioning change set %s: %w", id, err)
	}

	return n == 1, nil
}

// GetReview returns a review task by ID.
func (s *Store) GetReview(ctx context.Context, id string) (*ReviewTask, error) {
	r, err := scanReview(s.db.QueryRowContext(ctx, sqlGetReview, id))
	if isNoRows(err) {
		return nil, notFound("state.get_review", id)
	}

	if err != nil {
		return nil, fmt.Errorf("state: getting review %s: %w", id, err)
	}

	return r, nil
}

// ReviewForChangeSet returns the review task of a change set, or nil when
// the set never required one.
func (s *Store) ReviewForChangeSet(ctx context.Context, changeSetID string) (*ReviewTask, error) {
	r, err := scanReview(s.db.QueryRowContext(ctx, sqlGetReviewByChangeSet, changeSetID))
	if isNoRows(err) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("state: getting review of %s: %w", changeSetID, err)
	}

	return r, nil
}

// ReviewFilter narrows ListReviews.
type ReviewFilter struct {
	Reviewer string
	Status   ReviewStatus
	Limit    int
}

// ListReviews returns review tasks matching f, oldest first.
func (s *Store) ListReviews(ctx context.Context, f ReviewFilter) ([]*ReviewTask, error) {
	var (
		where []string
		args  []any
	)

	if f.Reviewer != "" {
		where = append(where, "reviewer = ?")
		args = append(args, f.Reviewer)
	}

	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT ` + reviewColumns + ` FROM review_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query += " ORDER BY created_at, id"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("state: listing reviews: %w", err)
	}
	defer rows.Close()

	var out []*ReviewTask

	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("state: scanning review row: %w", err)
		}

		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: iterating review rows: %w", err)
	}

	return out, nil
}

// DecideReview resolves a pending review task. It reports whether the task
// was still pending.
func (s *Store) DecideReview(
	ctx context.Context, id string, status ReviewStatus, decision, comments string, at time.Time,
) (bool, error) {
	res, err := s.db.ExecContext(ctx, sqlDecideReview, string(status), decision, comments, toNanos(at), id)
	if err != nil {
		return false, fmt.Errorf("state: deciding review %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("state: deciding review %s: %w", id, err)
	}

	return n == 1, nil
}
