// Package changes drives change sets from creation through review to
// application or rollback against the authoritative store. A change set
// applies all-or-nothing, is validated against the recorded old values
// immediately before it is sent, and can be reverted exactly from those
// old values.
package changes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/sailsync/internal/keylock"
	"github.com/tonimelisma/sailsync/internal/state"
)

// Sentinel errors. ErrReviewPending wraps ErrInvalidStatus.
var (
	ErrInvalidStatus = errors.New("changes: invalid status")
	ErrReviewPending = fmt.Errorf("%w: review pending", ErrInvalidStatus)
	ErrInvalidInput  = errors.New("changes: invalid input")
)

// listLimit caps list results.
const listLimit = 100

// Policy is the review policy point.
type Policy struct {
	// TrustSyncResolution skips review for change sets produced by the
	// conflict resolver.
	TrustSyncResolution bool
	// DefaultReviewer is assigned when a request names none.
	DefaultReviewer string
	// AutoApplyOnApprove applies a change set as soon as its review is approved.
	AutoApplyOnApprove bool
}

// Pipeline owns every change set status transition.
type Pipeline struct {
	store     *state.Store
	authority Authority
	policy    Policy
	logger    *slog.Logger
	locks     keylock.Map
	nowFunc   func() time.Time
	newID     func() string
}

// NewPipeline creates a pipeline writing to authority.
func NewPipeline(store *state.Store, authority Authority, policy Policy, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		store:     store,
		authority: authority,
		policy:    policy,
		logger:    logger,
		nowFunc:   time.Now,
		newID:     uuid.NewString,
	}
}

// ItemInput is one requested mutation.
type ItemInput struct {
	Table     string
	ID        string
	Column    string
	Operation state.Operation
	OldValue  json.RawMessage
	NewValue  json.RawMessage
	Notes     string
}

// CreateRequest describes a change set to record.
type CreateRequest struct {
	EditionID string
	SessionID string
	Source    state.ChangeSource
	Reason    string
	CreatedBy string
	Reviewer  string
	Items     []ItemInput

	// CaptureOldValues reads every item's old value from the authority
	// instead of trusting ItemInput.OldValue.
	CaptureOldValues bool

	// Session, if set, is committed in the same transaction.
	Session *state.SessionCommit
}

// Created is the result of Create.
type Created struct {
	Set    *state.ChangeSet
	Items  []*state.ChangeItem
	Review *state.ReviewTask // nil when review was skipped
}

// Create records a pending change set. A review task is created unless the
// source is a sync resolution and the policy trusts those.
func (p *Pipeline) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	now := p.nowFunc()
	cs := &state.ChangeSet{
		ID:        p.newID(),
		EditionID: req.EditionID,
		SessionID: req.SessionID,
		Source:    req.Source,
		Status:    state.ChangePending,
		Reason:    req.Reason,
		CreatedBy: req.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}

	items := make([]*state.ChangeItem, 0, len(req.Items))

	for i, in := range req.Items {
		it := p.newItem(cs.ID, i, in)

		if req.CaptureOldValues && in.Operation != state.OpInsert {
			old, err := p.authority.Current(ctx, itemRef(it))
			if err != nil {
				return nil, fmt.Errorf("changes: capturing old value of %s: %w", itemRef(it), err)
			}

			it.OldValue = old
		}

		items = append(items, it)
	}

	var review *state.ReviewTask

	if !(req.Source == state.ChangeSyncResolution && p.policy.TrustSyncResolution) {
		reviewer := req.Reviewer
		if reviewer == "" {
			reviewer = p.policy.DefaultReviewer
		}

		review = &state.ReviewTask{
			ID:          p.newID(),
			ChangeSetID: cs.ID,
			Reviewer:    reviewer,
			Status:      state.ReviewPending,
			CreatedAt:   now,
		}
	}

	if err := p.store.CreateChangeSet(ctx, state.NewChangeSet{
		Set: cs, Items: items, Review: review, Session: req.Session,
	}); err != nil {
		return nil, fmt.Errorf("changes: creating change set: %w", err)
	}

	p.logger.Info("change set created",
		slog.String("change_set_id", cs.ID),
		slog.String("source", string(cs.Source)),
		slog.Int("items", len(items)),
		slog.Bool("review", review != nil),
	)

	return &Created{Set: cs, Items: items, Review: review}, nil
}

func (p *Pipeline) newItem(changeSetID string, seq int, in ItemInput) *state.ChangeItem {
	return &state.ChangeItem{
		ID:          p.newID(),
		ChangeSetID: changeSetID,
		Seq:         seq,
		TargetTable: in.Table,
		TargetID:    in.ID,
		Operation:   in.Operation,
		Column:      in.Column,
		OldValue:    in.OldValue,
		NewValue:    in.NewValue,
		Notes:       in.Notes,
	}
}

func validateRequest(req *CreateRequest) error {
	switch req.Source {
	case state.ChangeManual, state.ChangeSuggestionAuto, state.ChangeSyncResolution:
	default:
		return fmt.Errorf("%w: unknown source %q", ErrInvalidInput, req.Source)
	}

	if len(req.Items) == 0 {
		return fmt.Errorf("%w: change set has no items", ErrInvalidInput)
	}

	for i, it := range req.Items {
		if it.Table == "" || it.ID == "" {
			return fmt.Errorf("%w: item %d: table and id are required", ErrInvalidInput, i)
		}

		switch it.Operation {
		case state.OpUpdate:
			if it.Column == "" {
				return fmt.Errorf("%w: item %d: update needs a column", ErrInvalidInput, i)
			}
		case state.OpInsert:
			if it.NewValue == nil {
				return fmt.Errorf("%w: item %d: insert needs a new value", ErrInvalidInput, i)
			}

			if it.OldValue != nil {
				return fmt.Errorf("%w: item %d: insert cannot carry an old value", ErrInvalidInput, i)
			}
		case state.OpDelete:
			if it.NewValue != nil {
				return fmt.Errorf("%w: item %d: delete cannot carry a new value", ErrInvalidInput, i)
			}
		default:
			return fmt.Errorf("%w: item %d: unknown operation %q", ErrInvalidInput, i, it.Operation)
		}
	}

	return nil
}

// Detail is a change set with its items and review task.
type Detail struct {
	Set    *state.ChangeSet
	Items  []*state.ChangeItem
	Review *state.ReviewTask
}

// Get returns a change set with its items and review.
func (p *Pipeline) Get(ctx context.Context, id string) (*Detail, error) {
	cs, err := p.store.GetChangeSet(ctx, id)
	if err != nil {
		return nil, err
	}

	items, err := p.store.ListChangeItems(ctx, id)
	if err != nil {
		return nil, err
	}

	review, err := p.store.ReviewForChangeSet(ctx, id)
	if err != nil {
		return nil, err
	}

	return &Detail{Set: cs, Items: items, Review: review}, nil
}

// List returns change sets newest first, capped at 100.
func (p *Pipeline) List(ctx context.Context, f state.ChangeSetFilter) ([]*state.ChangeSet, error) {
	if f.Limit <= 0 || f.Limit > listLimit {
		f.Limit = listLimit
	}

	return p.store.ListChangeSets(ctx, f)
}

// ListReviews returns review tasks oldest first, capped at 100.
func (p *Pipeline) ListReviews(ctx context.Context, f state.ReviewFilter) ([]*state.ReviewTask, error) {
	if f.Limit <= 0 || f.Limit > listLimit {
		f.Limit = listLimit
	}

	return p.store.ListReviews(ctx, f)
}
