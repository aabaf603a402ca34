package changes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/sailsync/internal/state"
	"github.com/tonimelisma/sailsync/internal/syncerr"
)

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// memAuthority is an all-or-nothing in-memory authority keyed by FieldRef.
type memAuthority struct {
	mu       sync.Mutex
	values   map[FieldRef]json.RawMessage
	applyErr error
	applied  int
}

func newMemAuthority() *memAuthority {
	return &memAuthority{values: make(map[FieldRef]json.RawMessage)}
}

func (m *memAuthority) set(ref FieldRef, v string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[ref] = json.RawMessage(v)
}

func (m *memAuthority) get(ref FieldRef) json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.values[ref]
}

func (m *memAuthority) Current(_ context.Context, ref FieldRef) (json.RawMessage, error) {
	return m.get(ref), nil
}

func (m *memAuthority) Apply(_ context.Context, muts []Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.applyErr != nil {
		return m.applyErr
	}

	for _, mut := range muts {
		ref := FieldRef{Table: mut.Table, ID: mut.ID, Column: mut.Column}
		if !jsonEqual(m.values[ref], mut.Expected) {
			return syncerr.Mismatch(syncerr.ErrPreconditionFailed, "mem.apply", ref.String(),
				display(mut.Expected), display(m.values[ref]))
		}
	}

	for _, mut := range muts {
		ref := FieldRef{Table: mut.Table, ID: mut.ID, Column: mut.Column}
		if mut.Operation == state.OpDelete {
			delete(m.values, ref)
			continue
		}

		m.values[ref] = mut.Value
	}

	m.applied++

	return nil
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestPipeline(t *testing.T, policy Policy) (*Pipeline, *memAuthority, *state.Store) {
	t.Helper()

	store, err := state.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"), testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	auth := newMemAuthority()
	p := NewPipeline(store, auth, policy, testLogger(t))
	p.nowFunc = func() time.Time { return t0 }

	var n int
	p.newID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}

	return p, auth, store
}

var (
	titleRef   = FieldRef{Table: "entities", ID: "e1", Column: "title"}
	summaryRef = FieldRef{Table: "entities", ID: "e1", Column: "summary"}
)

func trusted() Policy {
	return Policy{TrustSyncResolution: true, DefaultReviewer: "editor"}
}

func updateItem(ref FieldRef, from, to string) ItemInput {
	return ItemInput{
		Table:     ref.Table,
		ID:        ref.ID,
		Column:    ref.Column,
		Operation: state.OpUpdate,
		OldValue:  json.RawMessage(from),
		NewValue:  json.RawMessage(to),
	}
}

func createSync(t *testing.T, p *Pipeline, items ...ItemInput) *Created {
	t.Helper()

	created, err := p.Create(context.Background(), CreateRequest{
		EditionID: "ed-1",
		Source:    state.ChangeSyncResolution,
		Reason:    "test",
		CreatedBy: "sync",
		Items:     items,
	})
	require.NoError(t, err)

	return created
}

func TestCreate_ValidatesItems(t *testing.T) {
	p, _, _ := newTestPipeline(t, trusted())
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"no items", CreateRequest{Source: state.ChangeManual}},
		{"unknown source", CreateRequest{Source: "robot", Items: []ItemInput{updateItem(titleRef, `"a"`, `"b"`)}}},
		{"update without column", CreateRequest{Source: state.ChangeManual, Items: []ItemInput{
			{Table: "entities", ID: "e1", Operation: state.OpUpdate, NewValue: json.RawMessage(`1`)},
		}}},
		{"insert with old value", CreateRequest{Source: state.ChangeManual, Items: []ItemInput{
			{
				Table: "entities", ID: "e2", Operation: state.OpInsert,
				OldValue: json.RawMessage(`{}`), NewValue: json.RawMessage(`{}`),
			},
		}}},
		{"delete with new value", CreateRequest{Source: state.ChangeManual, Items: []ItemInput{
			{Table: "entities", ID: "e1", Operation: state.OpDelete, NewValue: json.RawMessage(`{}`)},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Create(ctx, tt.req)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestCreate_ReviewPolicy(t *testing.T) {
	p, _, _ := newTestPipeline(t, trusted())
	ctx := context.Background()

	syncSet := createSync(t, p, updateItem(titleRef, `"a"`, `"b"`))
	assert.Nil(t, syncSet.Review, "trusted sync resolutions skip review")

	manual, err := p.Create(ctx, CreateRequest{
		Source: state.ChangeManual,
		Items:  []ItemInput{updateItem(titleRef, `"a"`, `"b"`)},
	})
	require.NoError(t, err)
	require.NotNil(t, manual.Review)
	assert.Equal(t, "editor", manual.Review.Reviewer)
	assert.Equal(t, state.ReviewPending, manual.Review.Status)
}

func TestCreate_CapturesOldValues(t *testing.T) {
	p, auth, _ := newTestPipeline(t, trusted())
	auth.set(titleRef, `"Old"`)

	created, err := p.Create(context.Background(), CreateRequest{
		Source:           state.ChangeSyncResolution,
		CaptureOldValues: true,
		Items:            []ItemInput{{Table: "entities", ID: "e1", Column: "title", Operation: state.OpUpdate, NewValue: json.RawMessage(`"New"`)}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `"Old"`, string(created.Items[0].OldValue))
}

func TestApply_ThenRollbackRestoresAuthority(t *testing.T) {
	p, auth, _ := newTestPipeline(t, trusted())
	ctx := context.Background()

	auth.set(titleRef, `"Old title"`)
	auth.set(summaryRef, `{"text":"a","n":1}`)

	row := FieldRef{Table: "relations", ID: "r9"}

	created := createSync(t, p,
		updateItem(titleRef, `"Old title"`, `"New title"`),
		updateItem(summaryRef, `{"n":1,"text":"a"}`, `{"text":"b","n":2}`),
		ItemInput{Table: row.Table, ID: row.ID, Operation: state.OpInsert, NewValue: json.RawMessage(`{"kind":"ally"}`)},
	)

	cs, err := p.Apply(ctx, created.Set.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ChangeApplied, cs.Status)
	assert.False(t, cs.AppliedAt.IsZero())
	assert.JSONEq(t, `"New title"`, string(auth.get(titleRef)))
	assert.JSONEq(t, `{"kind":"ally"}`, string(auth.get(row)))

	cs, err = p.Rollback(ctx, created.Set.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ChangeRolledBack, cs.Status)
	assert.JSONEq(t, `"Old title"`, string(auth.get(titleRef)))
	assert.JSONEq(t, `{"text":"a","n":1}`, string(auth.get(summaryRef)))
	assert.Nil(t, auth.get(row), "rolled back insert is deleted")
}

func TestApply_Idempotent(t *testing.T) {
	p, auth, _ := newTestPipeline(t, trusted())
	ctx := context.Background()

	auth.set(titleRef, `"a"`)
	created := createSync(t, p, updateItem(titleRef, `"a"`, `"b"`))

	_, err := p.Apply(ctx, created.Set.ID)
	require.NoError(t, err)

	cs, err := p.Apply(ctx, created.Set.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ChangeApplied, cs.Status)
	assert.Equal(t, 1, auth.applied, "second apply must not write")
}

func TestApply_RecoversLostResponse(t *testing.T) {
	p, auth, _ := newTestPipeline(t, trusted())

	// The authority already holds the new value but the set is still pending.
	auth.set(titleRef, `"b"`)
	created := createSync(t, p, updateItem(titleRef, `"a"`, `"b"`))

	cs, err := p.Apply(context.Background(), created.Set.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ChangeApplied, cs.Status)
	assert.Zero(t, auth.applied)
}

func TestApply_PreconditionFailureWritesNothing(t *testing.T) {
	p, auth, _ := newTestPipeline(t, trusted())

	auth.set(titleRef, `"a"`)
	auth.set(summaryRef, `"changed by someone else"`)

	created := createSync(t, p,
		updateItem(titleRef, `"a"`, `"b"`),
		updateItem(summaryRef, `"x"`, `"y"`),
	)

	cs, err := p.Apply(context.Background(), created.Set.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrPreconditionFailed)

	var se *syncerr.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, `"x"`, se.Expected)
	assert.Equal(t, `"changed by someone else"`, se.Actual)

	assert.Equal(t, state.ChangeFailed, cs.Status)
	assert.Contains(t, cs.ErrorMessage, "entities/e1.summary")
	assert.JSONEq(t, `"a"`, string(auth.get(titleRef)), "first item must not be applied")
	assert.Zero(t, auth.applied)
}

func TestApply_TransportErrorLeavesPending(t *testing.T) {
	p, auth, _ := newTestPipeline(t, trusted())

	auth.set(titleRef, `"a"`)
	auth.applyErr = syncerr.New(syncerr.ErrTransport, "mem.apply", "batch", errors.New("connection reset"))
	created := createSync(t, p, updateItem(titleRef, `"a"`, `"b"`))

	cs, err := p.Apply(context.Background(), created.Set.ID)
	require.Error(t, err)
	assert.True(t, syncerr.Retryable(err))
	assert.Equal(t, state.ChangePending, cs.Status)

	auth.applyErr = nil
	cs, err = p.Apply(context.Background(), created.Set.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ChangeApplied, cs.Status)
}

func TestApply_RejectedBatchFails(t *testing.T) {
	p, auth, _ := newTestPipeline(t, trusted())

	auth.set(titleRef, `"a"`)
	auth.applyErr = syncerr.New(syncerr.ErrPreconditionFailed, "mem.apply", "batch", nil)
	created := createSync(t, p, updateItem(titleRef, `"a"`, `"b"`))

	cs, err := p.Apply(context.Background(), created.Set.ID)
	require.Error(t, err)
	assert.Equal(t, state.ChangeFailed, cs.Status)

	_, err = p.Apply(context.Background(), created.Set.ID)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestRollback_BlockedByLaterEdit(t *testing.T) {
	p, auth, _ := newTestPipeline(t, trusted())
	ctx := context.Background()

	auth.set(titleRef, `"a"`)
	created := createSync(t, p, updateItem(titleRef, `"a"`, `"b"`))

	_, err := p.Apply(ctx, created.Set.ID)
	require.NoError(t, err)

	auth.set(titleRef, `"c"`)

	cs, err := p.Rollback(ctx, created.Set.ID)
	assert.ErrorIs(t, err, syncerr.ErrPreconditionFailed)
	assert.Equal(t, state.ChangeApplied, cs.Status)
	assert.JSONEq(t, `"c"`, string(auth.get(titleRef)))

	detail, err := p.Get(ctx, created.Set.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ChangeApplied, detail.Set.Status)
	assert.Contains(t, detail.Set.ErrorMessage, "rollback blocked")
}

func TestRollback_RequiresApplied(t *testing.T) {
	p, auth, _ := newTestPipeline(t, trusted())

	auth.set(titleRef, `"a"`)
	created := createSync(t, p, updateItem(titleRef, `"a"`, `"b"`))

	_, err := p.Rollback(context.Background(), created.Set.ID)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestApply_RequiresApprovedReview(t *testing.T) {
	p, auth, _ := newTestPipeline(t, Policy{DefaultReviewer: "editor"})

	auth.set(titleRef, `"a"`)
	created := createSync(t, p, updateItem(titleRef, `"a"`, `"b"`))
	require.NotNil(t, created.Review)

	_, err := p.Apply(context.Background(), created.Set.ID)
	assert.ErrorIs(t, err, ErrReviewPending)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestApprove_AutoApplies(t *testing.T) {
	p, auth, _ := newTestPipeline(t, Policy{DefaultReviewer: "editor", AutoApplyOnApprove: true})
	ctx := context.Background()

	auth.set(titleRef, `"a"`)
	created := createSync(t, p, updateItem(titleRef, `"a"`, `"b"`))

	decided, err := p.Approve(ctx, created.Review.ID, "looks good")
	require.NoError(t, err)
	require.NoError(t, decided.ApplyErr)
	assert.Equal(t, state.ReviewApproved, decided.Review.Status)
	assert.Equal(t, DecisionApprove, decided.Review.Decision)
	assert.Equal(t, state.ChangeApplied, decided.Set.Status)
	assert.JSONEq(t, `"b"`, string(auth.get(titleRef)))

	_, err = p.Approve(ctx, created.Review.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestApprove_WithoutAutoApply(t *testing.T) {
	p, auth, _ := newTestPipeline(t, Policy{DefaultReviewer: "editor"})
	ctx := context.Background()

	auth.set(titleRef, `"a"`)
	created := createSync(t, p, updateItem(titleRef, `"a"`, `"b"`))

	decided, err := p.Approve(ctx, created.Review.ID, "")
	require.NoError(t, err)
	assert.Equal(t, state.ChangePending, decided.Set.Status)

	cs, err := p.Apply(ctx, created.Set.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ChangeApplied, cs.Status)
}

func TestReject_FailsChangeSet(t *testing.T) {
	p, auth, _ := newTestPipeline(t, Policy{DefaultReviewer: "editor", AutoApplyOnApprove: true})
	ctx := context.Background()

	auth.set(titleRef, `"a"`)
	created := createSync(t, p, updateItem(titleRef, `"a"`, `"b"`))

	decided, err := p.Reject(ctx, created.Review.ID, "wrong tone")
	require.NoError(t, err)
	assert.Equal(t, state.ReviewRejected, decided.Review.Status)
	assert.Equal(t, state.ChangeFailed, decided.Set.Status)
	assert.Equal(t, "rejected by reviewer: wrong tone", decided.Set.ErrorMessage)
	assert.JSONEq(t, `"a"`, string(auth.get(titleRef)))

	_, err = p.Apply(ctx, created.Set.ID)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestCancelReview(t *testing.T) {
	p, _, _ := newTestPipeline(t, Policy{DefaultReviewer: "editor"})

	created := createSync(t, p, updateItem(titleRef, `"a"`, `"b"`))

	decided, err := p.CancelReview(context.Background(), created.Review.ID, "")
	require.NoError(t, err)
	assert.Equal(t, state.ReviewCancelled, decided.Review.Status)
	assert.Equal(t, state.ChangeFailed, decided.Set.Status)
}

func TestList_CapsLimit(t *testing.T) {
	p, _, _ := newTestPipeline(t, trusted())
	ctx := context.Background()

	createSync(t, p, updateItem(titleRef, `"a"`, `"b"`))
	createSync(t, p, updateItem(titleRef, `"b"`, `"c"`))

	sets, err := p.List(ctx, state.ChangeSetFilter{Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, sets, 2)

	reviews, err := p.ListReviews(ctx, state.ReviewFilter{})
	require.NoError(t, err)
	assert.Empty(t, reviews)
}

func TestJSONEqual(t *testing.T) {
	assert.True(t, jsonEqual(nil, nil))
	assert.False(t, jsonEqual(nil, json.RawMessage(`null`)))
	assert.True(t, jsonEqual(json.RawMessage(`{"a":1,"b":[1,2]}`), json.RawMessage(`{"b":[1,2],"a":1}`)))
	assert.False(t, jsonEqual(json.RawMessage(`1`), json.RawMessage(`1.0`)))
	assert.False(t, jsonEqual(json.RawMessage(`"1"`), json.RawMessage(`1`)))
}

func TestRecordApplied_IsAuditableAndReversible(t *testing.T) {
	p, auth, store := newTestPipeline(t, Policy{})
	ctx := context.Background()

	content := FieldRef{Table: "nodes", ID: "n1", Column: "content"}
	auth.set(content, `"forced"`)

	cs, err := p.RecordApplied(ctx, CreateRequest{
		EditionID: "ed-1",
		Source:    state.ChangeSyncResolution,
		Reason:    "conflict resolved with local content",
		CreatedBy: "sync",
		Items:     []ItemInput{updateItem(content, `"remote"`, `"forced"`)},
	})
	require.NoError(t, err)
	assert.Equal(t, state.ChangeApplied, cs.Status)
	assert.Zero(t, auth.applied, "nothing is sent to the authority")

	review, err := store.ReviewForChangeSet(ctx, cs.ID)
	require.NoError(t, err)
	assert.Nil(t, review)

	rolled, err := p.Rollback(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, state.ChangeRolledBack, rolled.Status)
	assert.JSONEq(t, `"remote"`, string(auth.get(content)))

	_, err = p.RecordApplied(ctx, CreateRequest{Source: state.ChangeSyncResolution})
	require.ErrorIs(t, err, ErrInvalidInput)
}
