package sync

import (
	"context"

	"github.com/tonimelisma/sailsync/internal/state"
)

// Overall is the worst-case state across records.
type Overall string

// Overall states, in increasing severity.
const (
	OverallSynced   Overall = "synced"
	OverallPending  Overall = "pending"
	OverallConflict Overall = "conflict"
)

// Summary is the aggregate sync status shown to the user.
type Summary struct {
	Overall        Overall              `json:"overall"`
	Total          int                  `json:"total"`
	Counts         map[state.Status]int `json:"counts"`
	NeedsAttention int                  `json:"needs_attention"` // queue entries out of retries
}

// Aggregate computes the summary for a set of records. A conflict anywhere
// dominates pending work, which dominates synced.
func Aggregate(records []*state.Record, queue []*state.QueueEntry) *Summary {
	s := &Summary{
		Overall: OverallSynced,
		Total:   len(records),
		Counts:  make(map[state.Status]int),
	}

	for _, r := range records {
		s.Counts[r.Status]++

		switch r.Status {
		case state.StatusConflict:
			s.Overall = OverallConflict
		case state.StatusModified, state.StatusPushing, state.StatusPendingUpload:
			if s.Overall == OverallSynced {
				s.Overall = OverallPending
			}
		}
	}

	for _, q := range queue {
		if q.Exhausted {
			s.NeedsAttention++
		}
	}

	return s
}

// Status aggregates every record in the store.
func (e *Engine) Status(ctx context.Context) (*Summary, error) {
	records, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}

	queue, err := e.store.Queue(ctx)
	if err != nil {
		return nil, err
	}

	return Aggregate(records, queue), nil
}
