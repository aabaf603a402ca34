package api

import (
	"encoding/json"
	"time"

	"github.com/tonimelisma/sailsync/internal/changes"
	"github.com/tonimelisma/sailsync/internal/collab"
	"github.com/tonimelisma/sailsync/internal/state"
)

// Wire types. Store types stay free of JSON tags; these mirror them with
// snake_case keys and omit zero timestamps.

type sessionJSON struct {
	ID          string     `json:"id"`
	EditionID   string     `json:"edition_id"`
	TargetType  string     `json:"target_type"`
	TargetID    string     `json:"target_id"`
	LockScope   string     `json:"lock_scope"`
	State       string     `json:"state"`
	StateReason string     `json:"state_reason"`
	CreatedBy   string     `json:"created_by,omitempty"`
	ChangeSetID string     `json:"change_set_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

type leaseJSON struct {
	TargetType string    `json:"target_type"`
	TargetID   string    `json:"target_id"`
	SessionID  string    `json:"session_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	RenewedAt  time.Time `json:"renewed_at"`
}

type draftJSON struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	BatchID     string          `json:"batch_id"`
	BatchType   string          `json:"batch_type"`
	Source      string          `json:"source"`
	Status      string          `json:"status"`
	TargetTable string          `json:"target_table"`
	TargetID    string          `json:"target_id"`
	Column      string          `json:"column,omitempty"`
	Operation   string          `json:"operation"`
	NewValue    json.RawMessage `json:"new_value,omitempty"`
	Confidence  *float64        `json:"confidence,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type diffJSON struct {
	Session   sessionJSON `json:"session"`
	Drafts    []draftJSON `json:"drafts"`
	Pending   int         `json:"pending"`
	Approved  int         `json:"approved"`
	Rejected  int         `json:"rejected"`
	Committed int         `json:"committed"`
}

type changeSetJSON struct {
	ID           string     `json:"id"`
	EditionID    string     `json:"edition_id"`
	SessionID    string     `json:"session_id,omitempty"`
	Source       string     `json:"source"`
	Status       string     `json:"status"`
	Reason       string     `json:"reason"`
	CreatedBy    string     `json:"created_by,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	AppliedAt    *time.Time `json:"applied_at,omitempty"`
	RolledBackAt *time.Time `json:"rolled_back_at,omitempty"`
}

type itemJSON struct {
	ID          string          `json:"id"`
	Seq         int             `json:"seq"`
	TargetTable string          `json:"target_table"`
	TargetID    string          `json:"target_id"`
	Operation   string          `json:"operation"`
	Column      string          `json:"column,omitempty"`
	OldValue    json.RawMessage `json:"old_value"`
	NewValue    json.RawMessage `json:"new_value"`
	Notes       string          `json:"notes,omitempty"`
}

type reviewJSON struct {
	ID          string     `json:"id"`
	ChangeSetID string     `json:"change_set_id"`
	Reviewer    string     `json:"reviewer"`
	Status      string     `json:"status"`
	Decision    string     `json:"decision,omitempty"`
	Comments    string     `json:"comments,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
}

type changeSetDetailJSON struct {
	ChangeSet changeSetJSON `json:"change_set"`
	Items     []itemJSON    `json:"items"`
	Review    *reviewJSON   `json:"review"`
}

type decidedJSON struct {
	Review     reviewJSON     `json:"review"`
	ChangeSet  *changeSetJSON `json:"change_set,omitempty"`
	ApplyError string         `json:"apply_error,omitempty"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}

	return &t
}

func toSession(s *state.Session) sessionJSON {
	return sessionJSON{
		ID:          s.ID,
		EditionID:   s.EditionID,
		TargetType:  string(s.TargetType),
		TargetID:    s.TargetID,
		LockScope:   s.LockScope,
		State:       string(s.State),
		StateReason: s.StateReason,
		CreatedBy:   s.CreatedBy,
		ChangeSetID: s.ChangeSetID,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		ClosedAt:    optTime(s.ClosedAt),
	}
}

func toSessions(in []*state.Session) []sessionJSON {
	out := make([]sessionJSON, 0, len(in))
	for _, s := range in {
		out = append(out, toSession(s))
	}

	return out
}

func toLease(l *state.Lease) leaseJSON {
	return leaseJSON{
		TargetType: string(l.TargetType),
		TargetID:   l.TargetID,
		SessionID:  l.SessionID,
		ExpiresAt:  l.ExpiresAt,
		RenewedAt:  l.RenewedAt,
	}
}

func toDraft(d *state.Draft) draftJSON {
	return draftJSON{
		ID:          d.ID,
		SessionID:   d.SessionID,
		BatchID:     d.BatchID,
		BatchType:   string(d.BatchType),
		Source:      string(d.Source),
		Status:      string(d.Status),
		TargetTable: d.TargetTable,
		TargetID:    d.TargetID,
		Column:      d.Column,
		Operation:   string(d.Operation),
		NewValue:    d.NewValue,
		Confidence:  d.Confidence,
		Notes:       d.Notes,
		CreatedAt:   d.CreatedAt,
	}
}

func toDrafts(in []*state.Draft) []draftJSON {
	out := make([]draftJSON, 0, len(in))
	for _, d := range in {
		out = append(out, toDraft(d))
	}

	return out
}

func toDiff(d *collab.Diff) diffJSON {
	return diffJSON{
		Session:   toSession(d.Session),
		Drafts:    toDrafts(d.Drafts),
		Pending:   d.Pending,
		Approved:  d.Approved,
		Rejected:  d.Rejected,
		Committed: d.Committed,
	}
}

func toChangeSet(cs *state.ChangeSet) changeSetJSON {
	return changeSetJSON{
		ID:           cs.ID,
		EditionID:    cs.EditionID,
		SessionID:    cs.SessionID,
		Source:       string(cs.Source),
		Status:       string(cs.Status),
		Reason:       cs.Reason,
		CreatedBy:    cs.CreatedBy,
		ErrorMessage: cs.ErrorMessage,
		CreatedAt:    cs.CreatedAt,
		UpdatedAt:    cs.UpdatedAt,
		AppliedAt:    optTime(cs.AppliedAt),
		RolledBackAt: optTime(cs.RolledBackAt),
	}
}

func toChangeSets(in []*state.ChangeSet) []changeSetJSON {
	out := make([]changeSetJSON, 0, len(in))
	for _, cs := range in {
		out = append(out, toChangeSet(cs))
	}

	return out
}

func toItems(in []*state.ChangeItem) []itemJSON {
	out := make([]itemJSON, 0, len(in))
	for _, it := range in {
		out = append(out, itemJSON{
			ID:          it.ID,
			Seq:         it.Seq,
			TargetTable: it.TargetTable,
			TargetID:    it.TargetID,
			Operation:   string(it.Operation),
			Column:      it.Column,
			OldValue:    nullable(it.OldValue),
			NewValue:    nullable(it.NewValue),
			Notes:       it.Notes,
		})
	}

	return out
}

// nullable renders an absent value as JSON null.
func nullable(v json.RawMessage) json.RawMessage {
	if v == nil {
		return json.RawMessage("null")
	}

	return v
}

func toReview(r *state.ReviewTask) reviewJSON {
	return reviewJSON{
		ID:          r.ID,
		ChangeSetID: r.ChangeSetID,
		Reviewer:    r.Reviewer,
		Status:      string(r.Status),
		Decision:    r.Decision,
		Comments:    r.Comments,
		CreatedAt:   r.CreatedAt,
		DecidedAt:   optTime(r.DecidedAt),
	}
}

func toReviews(in []*state.ReviewTask) []reviewJSON {
	out := make([]reviewJSON, 0, len(in))
	for _, r := range in {
		out = append(out, toReview(r))
	}

	return out
}

func toDetail(set *state.ChangeSet, items []*state.ChangeItem, review *state.ReviewTask) changeSetDetailJSON {
	d := changeSetDetailJSON{ChangeSet: toChangeSet(set), Items: toItems(items)}

	if review != nil {
		r := toReview(review)
		d.Review = &r
	}

	return d
}

func toDecided(d *changes.Decided) decidedJSON {
	out := decidedJSON{Review: toReview(d.Review)}

	if d.Set != nil {
		cs := toChangeSet(d.Set)
		out.ChangeSet = &cs
	}

	if d.ApplyErr != nil {
		out.ApplyError = d.ApplyErr.Error()
	}

	return out
}

// Wire returns the JSON form the API uses for a session, lease, draft,
// diff, change set, review, or a slice of those. Other values are returned
// unchanged. The CLI uses it so --json output matches the HTTP API.
func Wire(v any) any {
	switch v := v.(type) {
	case *state.Session:
		return toSession(v)
	case []*state.Session:
		return toSessions(v)
	case *state.Lease:
		return toLease(v)
	case *state.Draft:
		return toDraft(v)
	case []*state.Draft:
		return toDrafts(v)
	case *collab.Diff:
		return toDiff(v)
	case *state.ChangeSet:
		return toChangeSet(v)
	case []*state.ChangeSet:
		return toChangeSets(v)
	case []*state.ChangeItem:
		return toItems(v)
	case *state.ReviewTask:
		return toReview(v)
	case []*state.ReviewTask:
		return toReviews(v)
	case *changes.Detail:
		return toDetail(v.Set, v.Items, v.Review)
	case *changes.Created:
		return toDetail(v.Set, v.Items, v.Review)
	case *changes.Decided:
		return toDecided(v)
	default:
		return v
	}
}
