package changes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/sailsync/internal/state"
)

// Review decisions recorded on the task.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
	DecisionCancel  = "cancel"
)

// Decided is the outcome of a review decision.
type Decided struct {
	Review *state.ReviewTask
	Set    *state.ChangeSet
	// ApplyErr is set when an auto-apply after approval failed. The
	// approval itself still stands.
	ApplyErr error
}

// Approve approves a pending review. With AutoApplyOnApprove the change set
// is applied immediately; an apply failure is reported in Decided.ApplyErr.
func (p *Pipeline) Approve(ctx context.Context, reviewID, comments string) (*Decided, error) {
	review, err := p.decide(ctx, reviewID, state.ReviewApproved, DecisionApprove, comments)
	if err != nil {
		return nil, err
	}

	out := &Decided{Review: review}

	if p.policy.AutoApplyOnApprove {
		out.Set, out.ApplyErr = p.Apply(ctx, review.ChangeSetID)
		if out.ApplyErr != nil {
			p.logger.Warn("auto-apply after approval failed",
				slog.String("change_set_id", review.ChangeSetID),
				slog.String("error", out.ApplyErr.Error()),
			)
		}

		return out, nil
	}

	out.Set, err = p.store.GetChangeSet(ctx, review.ChangeSetID)
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Reject rejects a pending review and fails its change set. Nothing is
// written to the authority.
func (p *Pipeline) Reject(ctx context.Context, reviewID, comments string) (*Decided, error) {
	return p.closeReview(ctx, reviewID, state.ReviewRejected, DecisionReject, comments,
		"rejected by reviewer: "+comments)
}

// CancelReview withdraws a pending review and fails its change set.
func (p *Pipeline) CancelReview(ctx context.Context, reviewID, comments string) (*Decided, error) {
	return p.closeReview(ctx, reviewID, state.ReviewCancelled, DecisionCancel, comments, "review cancelled")
}

func (p *Pipeline) closeReview(
	ctx context.Context, reviewID string, status state.ReviewStatus, decision, comments, reason string,
) (*Decided, error) {
	review, err := p.decide(ctx, reviewID, status, decision, comments)
	if err != nil {
		return nil, err
	}

	unlock := p.locks.Lock(review.ChangeSetID)
	defer unlock()

	cs, err := p.store.GetChangeSet(ctx, review.ChangeSetID)
	if err != nil {
		return nil, err
	}

	if cs.Status == state.ChangePending {
		cs, err = p.transition(ctx, cs, state.ChangeFailed, reason)
		if err != nil {
			return nil, err
		}
	}

	return &Decided{Review: review, Set: cs}, nil
}

// decide moves a review out of pending. Deciding an already decided review
// returns ErrInvalidStatus.
func (p *Pipeline) decide(
	ctx context.Context, reviewID string, status state.ReviewStatus, decision, comments string,
) (*state.ReviewTask, error) {
	ok, err := p.store.DecideReview(ctx, reviewID, status, decision, comments, p.nowFunc())
	if err != nil {
		return nil, err
	}

	review, err := p.store.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}

	if !ok {
		return review, fmt.Errorf("changes: deciding review %s: %w: review is %s", reviewID, ErrInvalidStatus, review.Status)
	}

	p.logger.Info("review decided",
		slog.String("review_id", reviewID),
		slog.String("change_set_id", review.ChangeSetID),
		slog.String("decision", decision),
	)

	return review, nil
}
