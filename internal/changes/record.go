package changes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/sailsync/internal/state"
)

// RecordApplied stores a change that already reached the authoritative
// store, such as a conflict resolution pushed by the sync engine. The set
// is written as applied, without a review task, so it stays auditable and
// can be rolled back like any other.
func (p *Pipeline) RecordApplied(ctx context.Context, req CreateRequest) (*state.ChangeSet, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	now := p.nowFunc()
	cs := &state.ChangeSet{
		ID:        p.newID(),
		EditionID: req.EditionID,
		SessionID: req.SessionID,
		Source:    req.Source,
		Status:    state.ChangeApplied,
		Reason:    req.Reason,
		CreatedBy: req.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
		AppliedAt: now,
	}

	items := make([]*state.ChangeItem, 0, len(req.Items))
	for i, in := range req.Items {
		items = append(items, p.newItem(cs.ID, i, in))
	}

	if err := p.store.CreateChangeSet(ctx, state.NewChangeSet{Set: cs, Items: items}); err != nil {
		return nil, fmt.Errorf("changes: recording applied change set: %w", err)
	}

	p.logger.Info("applied change recorded",
		slog.String("change_set_id", cs.ID),
		slog.String("source", string(cs.Source)),
		slog.Int("items", len(items)),
	)

	return cs, nil
}
