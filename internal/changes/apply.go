package changes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/tonimelisma/sailsync/internal/state"
	"github.com/tonimelisma/sailsync/internal/syncerr"
)

// mismatch is a failed precondition on one item.
type mismatch struct {
	item     *state.ChangeItem
	expected string
	actual   string
}

func (m mismatch) String() string {
	return fmt.Sprintf("item %d (%s): expected %s, actual %s", m.item.Seq, itemRef(m.item), m.expected, m.actual)
}

// Apply writes a pending change set to the authority. Every item's old
// value is checked against the current authoritative value first; any
// mismatch fails the whole set and nothing is written. Applying an applied
// set is a no-op success. A transport failure leaves the set pending.
func (p *Pipeline) Apply(ctx context.Context, id string) (*state.ChangeSet, error) {
	unlock := p.locks.Lock(id)
	defer unlock()

	cs, err := p.store.GetChangeSet(ctx, id)
	if err != nil {
		return nil, err
	}

	switch cs.Status {
	case state.ChangeApplied:
		p.logger.Debug("change set already applied", slog.String("change_set_id", id))
		return cs, nil
	case state.ChangePending:
	default:
		return cs, fmt.Errorf("changes: apply %s: %w: status is %s", id, ErrInvalidStatus, cs.Status)
	}

	review, err := p.store.ReviewForChangeSet(ctx, id)
	if err != nil {
		return nil, err
	}

	if review != nil && review.Status != state.ReviewApproved {
		if review.Status == state.ReviewPending {
			return cs, fmt.Errorf("changes: apply %s: %w", id, ErrReviewPending)
		}

		return cs, fmt.Errorf("changes: apply %s: %w: review is %s", id, ErrInvalidStatus, review.Status)
	}

	items, err := p.store.ListChangeItems(ctx, id)
	if err != nil {
		return nil, err
	}

	oldMismatches, newMismatches, err := p.compare(ctx, items)
	if err != nil {
		return cs, fmt.Errorf("changes: apply %s: reading current values: %w", id, err)
	}

	// Every item already holds its new value: an earlier apply reached the
	// authority but its response was lost.
	if len(oldMismatches) > 0 && len(newMismatches) == 0 {
		p.logger.Info("change set found already in effect", slog.String("change_set_id", id))
		return p.transition(ctx, cs, state.ChangeApplied, "")
	}

	if len(oldMismatches) > 0 {
		return p.failPrecondition(ctx, cs, oldMismatches)
	}

	muts := make([]Mutation, 0, len(items))
	for _, it := range items {
		muts = append(muts, forward(it))
	}

	if err := p.authority.Apply(ctx, muts); err != nil {
		return p.failApply(ctx, cs, "apply", err)
	}

	p.logger.Info("change set applied", slog.String("change_set_id", id), slog.Int("items", len(items)))

	return p.transition(ctx, cs, state.ChangeApplied, "")
}

// Rollback reverts an applied change set by replaying its items in reverse
// order with their old values. Every item must still hold the value the set
// wrote; otherwise nothing is reverted, the set stays applied, and the error
// matches syncerr.ErrPreconditionFailed. Rolling back a rolled-back set is
// a no-op success.
func (p *Pipeline) Rollback(ctx context.Context, id string) (*state.ChangeSet, error) {
	unlock := p.locks.Lock(id)
	defer unlock()

	cs, err := p.store.GetChangeSet(ctx, id)
	if err != nil {
		return nil, err
	}

	switch cs.Status {
	case state.ChangeRolledBack:
		return cs, nil
	case state.ChangeApplied:
	default:
		return cs, fmt.Errorf("changes: rollback %s: %w: status is %s", id, ErrInvalidStatus, cs.Status)
	}

	items, err := p.store.ListChangeItems(ctx, id)
	if err != nil {
		return nil, err
	}

	oldMismatches, newMismatches, err := p.compare(ctx, items)
	if err != nil {
		return cs, fmt.Errorf("changes: rollback %s: reading current values: %w", id, err)
	}

	if len(newMismatches) > 0 && len(oldMismatches) == 0 {
		// Everything already holds the old values.
		return p.transition(ctx, cs, state.ChangeRolledBack, "")
	}

	if len(newMismatches) > 0 {
		msg := "rollback blocked: " + joinMismatches(newMismatches)
		if _, err := p.store.TransitionChangeSet(ctx, id, state.ChangeSetUpdate{
			From: state.ChangeApplied, To: state.ChangeApplied, ErrorMessage: msg, At: p.nowFunc(),
		}); err != nil {
			return cs, err
		}

		cs.ErrorMessage = msg
		first := newMismatches[0]

		return cs, syncerr.Mismatch(syncerr.ErrPreconditionFailed, "changes.rollback",
			id+" "+itemRef(first.item).String(), first.expected, first.actual)
	}

	muts := make([]Mutation, 0, len(items))
	for _, it := range slices.Backward(items) {
		muts = append(muts, inverse(it))
	}

	if err := p.authority.Apply(ctx, muts); err != nil {
		if syncerr.Retryable(err) {
			return cs, fmt.Errorf("changes: rollback %s: %w", id, err)
		}

		return cs, fmt.Errorf("changes: rollback %s rejected: %w", id, err)
	}

	p.logger.Info("change set rolled back", slog.String("change_set_id", id), slog.Int("items", len(items)))

	return p.transition(ctx, cs, state.ChangeRolledBack, "")
}

// compare reads every item's current value. It returns the items whose
// current value differs from the old value and from the new value.
func (p *Pipeline) compare(ctx context.Context, items []*state.ChangeItem) (old, new []mismatch, err error) {
	for _, it := range items {
		cur, err := p.authority.Current(ctx, itemRef(it))
		if err != nil {
			return nil, nil, err
		}

		if !jsonEqual(cur, it.OldValue) {
			old = append(old, mismatch{item: it, expected: display(it.OldValue), actual: display(cur)})
		}

		if !jsonEqual(cur, it.NewValue) {
			new = append(new, mismatch{item: it, expected: display(it.NewValue), actual: display(cur)})
		}
	}

	return old, new, nil
}

func (p *Pipeline) failPrecondition(ctx context.Context, cs *state.ChangeSet, ms []mismatch) (*state.ChangeSet, error) {
	msg := "precondition failed: " + joinMismatches(ms)

	failed, err := p.transition(ctx, cs, state.ChangeFailed, msg)
	if err != nil {
		return failed, err
	}

	p.logger.Warn("change set precondition failed",
		slog.String("change_set_id", cs.ID),
		slog.Int("mismatches", len(ms)),
	)

	first := ms[0]

	return failed, syncerr.Mismatch(syncerr.ErrPreconditionFailed, "changes.apply",
		cs.ID+" "+itemRef(first.item).String(), first.expected, first.actual)
}

// failApply handles an error from Authority.Apply. Transport failures keep
// the set pending for a retry; anything else fails it.
func (p *Pipeline) failApply(ctx context.Context, cs *state.ChangeSet, op string, err error) (*state.ChangeSet, error) {
	if syncerr.Retryable(err) {
		p.logger.Warn("change set apply interrupted",
			slog.String("change_set_id", cs.ID),
			slog.String("error", err.Error()),
		)

		return cs, fmt.Errorf("changes: %s %s: %w", op, cs.ID, err)
	}

	failed, terr := p.transition(ctx, cs, state.ChangeFailed, err.Error())
	if terr != nil {
		return failed, errors.Join(err, terr)
	}

	return failed, fmt.Errorf("changes: %s %s rejected: %w", op, cs.ID, err)
}

// transition moves cs from its current status and returns the stored row.
func (p *Pipeline) transition(
	ctx context.Context, cs *state.ChangeSet, to state.ChangeStatus, msg string,
) (*state.ChangeSet, error) {
	moved, err := p.store.TransitionChangeSet(ctx, cs.ID, state.ChangeSetUpdate{
		From: cs.Status, To: to, ErrorMessage: msg, At: p.nowFunc(),
	})
	if err != nil {
		return cs, err
	}

	fresh, err := p.store.GetChangeSet(ctx, cs.ID)
	if err != nil {
		return cs, err
	}

	if !moved {
		return fresh, fmt.Errorf("changes: %s moved concurrently: %w: status is %s", cs.ID, ErrInvalidStatus, fresh.Status)
	}

	return fresh, nil
}

func joinMismatches(ms []mismatch) string {
	parts := make([]string, 0, len(ms))
	for _, m := range ms {
		parts = append(parts, m.String())
	}

	return strings.Join(parts, "; ")
}
