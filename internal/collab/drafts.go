package collab

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/tonimelisma/sailsync/internal/changes"
	"github.com/tonimelisma/sailsync/internal/provider"
	"github.com/tonimelisma/sailsync/internal/state"
	"github.com/tonimelisma/sailsync/internal/syncerr"
)

// targetTables maps non-node target types to their authoritative tables.
var targetTables = map[state.TargetType]string{
	state.TargetEntity:   "entities",
	state.TargetRelation: "relations",
	state.TargetEvent:    "events",
}

// DraftInput is one proposed field-level mutation.
type DraftInput struct {
	Table      string
	TargetID   string
	Column     string
	Operation  state.Operation
	Value      json.RawMessage
	Confidence *float64
	Notes      string
}

// AddDrafts appends a batch of human drafts to a session.
func (m *Manager) AddDrafts(ctx context.Context, sessionID string, in []DraftInput) ([]*state.Draft, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.live(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return m.addBatch(ctx, sess, in, state.SourceHuman, state.BatchHumanDraft)
}

func (m *Manager) addBatch(
	ctx context.Context, sess *state.Session, in []DraftInput, source state.DraftSource, batchType state.BatchType,
) ([]*state.Draft, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: no drafts", ErrInvalidInput)
	}

	now := m.nowFunc()
	batchID := m.newID()
	drafts := make([]*state.Draft, 0, len(in))

	for i, d := range in {
		if err := validateDraft(d); err != nil {
			return nil, fmt.Errorf("%w: draft %d: %w", ErrInvalidInput, i, err)
		}

		drafts = append(drafts, &state.Draft{
			ID:          m.newID(),
			SessionID:   sess.ID,
			BatchID:     batchID,
			BatchType:   batchType,
			Source:      source,
			Status:      state.DraftPending,
			TargetTable: d.Table,
			TargetID:    d.TargetID,
			Column:      d.Column,
			Operation:   d.Operation,
			NewValue:    d.Value,
			Confidence:  d.Confidence,
			Notes:       d.Notes,
			CreatedAt:   now,
		})
	}

	existing, err := m.store.ListDrafts(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	next, reason := state.SessionHasDraft, fmt.Sprintf("%s batch %s added", batchType, batchID)
	if sess.State == state.SessionNeedsMerge || overlapping(append(existing, drafts...)) {
		next, reason = state.SessionNeedsMerge, fmt.Sprintf("%s batch %s overlaps unresolved drafts", batchType, batchID)
	}

	if err := m.store.AddDrafts(ctx, sess.ID, drafts, next, reason, now); err != nil {
		return nil, err
	}

	m.logger.Info("drafts added",
		slog.String("session_id", sess.ID),
		slog.String("batch_id", batchID),
		slog.String("source", string(source)),
		slog.Int("count", len(drafts)),
		slog.String("state", string(next)),
	)

	return drafts, nil
}

func validateDraft(d DraftInput) error {
	if d.Table == "" || d.TargetID == "" {
		return errors.New("table and target id are required")
	}

	switch d.Operation {
	case state.OpUpdate:
		if d.Column == "" {
			return errors.New("update needs a column")
		}

		if d.Value == nil {
			return errors.New("update needs a value")
		}
	case state.OpInsert:
		if d.Value == nil {
			return errors.New("insert needs a value")
		}
	case state.OpDelete:
		if d.Value != nil {
			return errors.New("delete cannot carry a value")
		}
	default:
		return fmt.Errorf("unknown operation %q", d.Operation)
	}

	if d.Value != nil && !json.Valid(d.Value) {
		return errors.New("value is not valid JSON")
	}

	return nil
}

// RequestSuggestions asks the provider for suggestions on the session
// target and adds them as one provider batch. The provider call runs
// without the session lock; its result is discarded if the session closed
// in the meantime.
func (m *Manager) RequestSuggestions(ctx context.Context, sessionID string) ([]*state.Draft, error) {
	if m.provider == nil {
		return nil, fmt.Errorf("%w: no suggestion provider configured", ErrInvalidInput)
	}

	unlock := m.locks.Lock(sessionID)
	sess, err := m.live(ctx, sessionID)
	unlock()

	if err != nil {
		return nil, err
	}

	req, err := m.suggestionContext(ctx, sess)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProviderTimeout)
	suggestions, err := m.provider.Suggest(pctx, req)
	cancel()

	if err != nil {
		return nil, fmt.Errorf("collab: %s suggestions for %s: %w", m.provider.Name(), sessionID, err)
	}

	unlock = m.locks.Lock(sessionID)
	defer unlock()

	sess, err = m.live(ctx, sessionID)
	if err != nil {
		m.logger.Info("discarding suggestions for closed session", slog.String("session_id", sessionID))
		return nil, err
	}

	if len(suggestions) == 0 {
		return nil, nil
	}

	in := make([]DraftInput, 0, len(suggestions))
	for _, s := range suggestions {
		in = append(in, DraftInput{
			Table:      s.Table,
			TargetID:   s.ID,
			Column:     s.Column,
			Operation:  s.Operation,
			Value:      s.Value,
			Confidence: s.Confidence,
			Notes:      s.Notes,
		})
	}

	return m.addBatch(ctx, sess, in, state.SourceProvider, state.BatchProviderSuggestion)
}

// suggestionContext gathers the target's current text and, for nodes, the
// text of up to six siblings.
func (m *Manager) suggestionContext(ctx context.Context, sess *state.Session) (provider.Request, error) {
	req := provider.Request{
		EditionID:  sess.EditionID,
		TargetType: sess.TargetType,
		TargetID:   sess.TargetID,
	}

	if m.remote == nil {
		return req, nil
	}

	switch sess.TargetType {
	case state.TargetNode:
		node, err := m.remote.FetchNode(ctx, sess.TargetID)
		if err != nil {
			return req, fmt.Errorf("collab: fetching target node: %w", err)
		}

		req.Title = node.Title
		req.Text = node.Content

		edition := cmp.Or(node.EditionID, sess.EditionID)
		if node.ParentID == "" || edition == "" {
			return req, nil
		}

		tree, err := m.remote.FetchTree(ctx, edition)
		if err != nil {
			return req, fmt.Errorf("collab: fetching sibling nodes: %w", err)
		}

		var siblings []string

		for _, n := range tree {
			if n.ParentID == node.ParentID && n.ID != node.ID && n.Content != "" && len(siblings) < siblingContextNodes {
				siblings = append(siblings, n.Content)
			}
		}

		req.Context = strings.Join(siblings, "\n\n")

	default:
		rec, err := m.remote.FetchRecord(ctx, targetTables[sess.TargetType], sess.TargetID)
		if err != nil && !errors.Is(err, syncerr.ErrNotFound) {
			return req, fmt.Errorf("collab: fetching target record: %w", err)
		}

		req.Title = jsonString(rec["canonical_name"])
		req.Text = cmp.Or(jsonString(rec["description"]), req.Title)
	}

	return req, nil
}

func jsonString(raw json.RawMessage) string {
	var s string
	if raw != nil && json.Unmarshal(raw, &s) == nil {
		return s
	}

	return ""
}

// SetDraftStatus approves or rejects a draft. Resolving the last overlap in
// a needs_merge session returns it to has_draft.
func (m *Manager) SetDraftStatus(ctx context.Context, draftID string, status state.DraftStatus) (*state.Draft, error) {
	if status != state.DraftApproved && status != state.DraftRejected && status != state.DraftPending {
		return nil, fmt.Errorf("%w: draft status %q", ErrInvalidInput, status)
	}

	d, err := m.store.GetDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(d.SessionID)
	defer unlock()

	sess, err := m.live(ctx, d.SessionID)
	if err != nil {
		return nil, err
	}

	if d.Status == state.DraftCommitted {
		return nil, fmt.Errorf("%w: draft %s is committed", ErrInvalidInput, draftID)
	}

	if err := m.store.SetDraftStatus(ctx, draftID, status); err != nil {
		return nil, err
	}

	d.Status = status

	drafts, err := m.store.ListDrafts(ctx, d.SessionID)
	if err != nil {
		return nil, err
	}

	switch merging := overlapping(drafts); {
	case sess.State == state.SessionNeedsMerge && !merging:
		_, err = m.store.TransitionSession(ctx, sess.ID, []state.SessionState{state.SessionNeedsMerge},
			state.SessionHasDraft, "overlapping drafts resolved", m.nowFunc())
	case sess.State != state.SessionNeedsMerge && merging:
		_, err = m.store.TransitionSession(ctx, sess.ID, []state.SessionState{state.SessionActive, state.SessionHasDraft},
			state.SessionNeedsMerge, "draft "+draftID+" reopened an overlap", m.nowFunc())
	}

	if err != nil {
		return nil, err
	}

	return d, nil
}

// Diff summarizes a session's drafts.
type Diff struct {
	Session   *state.Session
	Drafts    []*state.Draft
	Pending   int
	Approved  int
	Rejected  int
	Committed int
}

// GetDiff returns every draft of a session with per-status counts.
func (m *Manager) GetDiff(ctx context.Context, sessionID string) (*Diff, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	drafts, err := m.store.ListDrafts(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	d := &Diff{Session: sess, Drafts: drafts}

	for _, dr := range drafts {
		switch dr.Status {
		case state.DraftPending:
			d.Pending++
		case state.DraftApproved:
			d.Approved++
		case state.DraftRejected:
			d.Rejected++
		case state.DraftCommitted:
			d.Committed++
		}
	}

	return d, nil
}

// CommitRequest selects the drafts to commit. With neither DraftIDs nor
// BatchIDs set, every approved draft is selected.
type CommitRequest struct {
	DraftIDs  []string
	BatchIDs  []string
	Reason    string
	CreatedBy string
	Reviewer  string
}

// Commit turns the selected drafts into one pending change set, commits the
// session, and releases its lease, all in one transaction. Old values are
// read from the authoritative store at commit time. If every selected
// draft came from the provider the change set source is suggestion_auto,
// otherwise manual.
func (m *Manager) Commit(ctx context.Context, sessionID string, req CommitRequest) (*changes.Created, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	sess, err := m.live(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	drafts, err := m.store.ListDrafts(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	selected, err := selectDrafts(drafts, req)
	if err != nil {
		return nil, err
	}

	source := state.ChangeSuggestionAuto
	items := make([]changes.ItemInput, 0, len(selected))
	ids := make([]string, 0, len(selected))

	for _, d := range selected {
		if d.Source != state.SourceProvider {
			source = state.ChangeManual
		}

		items = append(items, changes.ItemInput{
			Table:     d.TargetTable,
			ID:        d.TargetID,
			Column:    d.Column,
			Operation: d.Operation,
			NewValue:  d.NewValue,
			Notes:     d.Notes,
		})
		ids = append(ids, d.ID)
	}

	reason := cmp.Or(req.Reason, fmt.Sprintf("session %s commit", sessionID))

	created, err := m.pipeline.Create(ctx, changes.CreateRequest{
		EditionID:        sess.EditionID,
		SessionID:        sessionID,
		Source:           source,
		Reason:           reason,
		CreatedBy:        cmp.Or(req.CreatedBy, sess.CreatedBy),
		Reviewer:         req.Reviewer,
		Items:            items,
		CaptureOldValues: true,
		Session: &state.SessionCommit{
			SessionID: sessionID,
			DraftIDs:  ids,
			Reason:    "committed as change set",
		},
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("session committed",
		slog.String("session_id", sessionID),
		slog.String("change_set_id", created.Set.ID),
		slog.Int("drafts", len(ids)),
	)

	return created, nil
}

func selectDrafts(drafts []*state.Draft, req CommitRequest) ([]*state.Draft, error) {
	byID := make(map[string]*state.Draft, len(drafts))
	for _, d := range drafts {
		byID[d.ID] = d
	}

	for _, id := range req.DraftIDs {
		if _, ok := byID[id]; !ok {
			return nil, syncerr.New(syncerr.ErrNotFound, "collab.commit", id, errors.New("draft not in session"))
		}
	}

	var selected []*state.Draft

	all := len(req.DraftIDs) == 0 && len(req.BatchIDs) == 0

	for _, d := range drafts {
		explicit := slices.Contains(req.DraftIDs, d.ID)

		switch {
		case explicit && !unresolved(d):
			return nil, fmt.Errorf("%w: draft %s is %s", ErrInvalidInput, d.ID, d.Status)
		case all && d.Status != state.DraftApproved:
			continue
		case !all && !explicit && !(slices.Contains(req.BatchIDs, d.BatchID) && unresolved(d)):
			continue
		}

		if slices.ContainsFunc(selected, func(s *state.Draft) bool { return sameField(s, d) }) {
			return nil, fmt.Errorf("%w: drafts %s and another selected draft target %s/%s %s",
				ErrInvalidInput, d.ID, d.TargetTable, d.TargetID, d.Column)
		}

		selected = append(selected, d)
	}

	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: no drafts selected", ErrInvalidInput)
	}

	return selected, nil
}
