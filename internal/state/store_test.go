package state

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/sailsync/internal/syncerr"
)

// testLogger returns a debug-level logger that writes to t.Log so store
// output shows up next to the failing test.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "state.db"), testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	return s
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleRecord(id string) *Record {
	return &Record{
		NodeID:          id,
		EditionID:       "ed-1",
		LocalPath:       "ed-1/" + id + ".md",
		Title:           "Chapter " + id,
		NodeType:        "chapter",
		ParentID:        "vol-1",
		OrderIndex:      2,
		ContentHash:     "h1",
		SyncedHash:      "h1",
		LocalUpdatedAt:  t0,
		RemoteUpdatedAt: t0,
		Status:          StatusSynced,
	}
}

func TestRecord_UpsertGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, sampleRecord("n1")))

	got, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "ed-1/n1.md", got.LocalPath)
	assert.Equal(t, "vol-1", got.ParentID)
	assert.True(t, got.RemoteUpdatedAt.Equal(t0))
	assert.Equal(t, StatusSynced, got.Status)

	byPath, err := s.GetByPath(ctx, "ed-1/n1.md")
	require.NoError(t, err)
	assert.Equal(t, "n1", byPath.NodeID)
}

func TestRecord_GetMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "absent")
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}

func TestRecord_StoreUnavailableIsNotNotFound(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), "n1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, syncerr.ErrNotFound)
}

func TestRecord_MarkModified(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, sampleRecord("n1")))

	later := t0.Add(time.Minute)
	require.NoError(t, s.MarkModified(ctx, "n1", "h2", later))

	got, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, StatusModified, got.Status)
	assert.Equal(t, "h2", got.ContentHash)
	assert.Equal(t, "h1", got.SyncedHash)
	assert.True(t, got.LocalUpdatedAt.Equal(later))

	assert.ErrorIs(t, s.MarkModified(ctx, "absent", "h", later), syncerr.ErrNotFound)
}

func TestRecord_MarkModifiedKeepsConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := sampleRecord("n1")
	r.Status = StatusConflict
	require.NoError(t, s.Upsert(ctx, r))
	require.NoError(t, s.MarkModified(ctx, "n1", "h3", t0))

	got, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, got.Status)
}

func TestRecord_ListByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, sampleRecord("a")))

	b := sampleRecord("b")
	b.Status = StatusModified
	require.NoError(t, s.Upsert(ctx, b))

	modified, err := s.ListByStatus(ctx, StatusModified)
	require.NoError(t, err)
	require.Len(t, modified, 1)
	assert.Equal(t, "b", modified[0].NodeID)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRecord_CompletePush(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := sampleRecord("n1")
	r.ContentHash = "h2"
	r.Status = StatusPushing
	require.NoError(t, s.Upsert(ctx, r))

	t1 := t0.Add(time.Hour)
	synced, err := s.CompletePush(ctx, "n1", "h2", t1)
	require.NoError(t, err)
	assert.True(t, synced)

	got, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, got.Status)
	assert.Equal(t, "h2", got.SyncedHash)
	assert.True(t, got.RemoteUpdatedAt.Equal(t1))
}

func TestRecord_CompletePushAfterConcurrentEdit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := sampleRecord("n1")
	r.ContentHash = "h2"
	r.Status = StatusPushing
	require.NoError(t, s.Upsert(ctx, r))

	// The file changed again while the push was in flight.
	require.NoError(t, s.MarkModified(ctx, "n1", "h3", t0))

	synced, err := s.CompletePush(ctx, "n1", "h2", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, synced)

	got, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, StatusModified, got.Status)
	assert.True(t, got.RemoteUpdatedAt.Equal(t0.Add(time.Hour)))
}

func TestRecord_TransitionStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := sampleRecord("n1")
	r.Status = StatusModified
	require.NoError(t, s.Upsert(ctx, r))

	ok, err := s.TransitionStatus(ctx, "n1", StatusModified, StatusPushing)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionStatus(ctx, "n1", StatusModified, StatusPushing)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBase_SaveGetAndCascade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetBase(ctx, "n1")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)

	require.NoError(t, s.Upsert(ctx, sampleRecord("n1")))
	require.NoError(t, s.SaveBase(ctx, "n1", "base text", t0))

	b, err := s.GetBase(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "base text", b.Content)

	require.NoError(t, s.Delete(ctx, "n1"))

	_, err = s.GetBase(ctx, "n1")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}

func TestQueue_EnqueueUntilExhausted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, sampleRecord("n1")))

	next := func(attempts int) time.Time { return t0.Add(time.Duration(attempts) * time.Minute) }

	e, err := s.Enqueue(ctx, "n1", "timeout", 2, next)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Attempts)
	assert.False(t, e.Exhausted)

	due, err := s.Due(ctx, t0)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.Due(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)

	e, err = s.Enqueue(ctx, "n1", "timeout again", 2, next)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Attempts)
	assert.True(t, e.Exhausted)

	due, err = s.Due(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, s.ResetQueueEntry(ctx, "n1", t0))

	due, err = s.Due(ctx, t0)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	require.NoError(t, s.Dequeue(ctx, "n1"))

	got, err := s.QueueEntry(ctx, "n1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func newSession(id, targetID string, at time.Time) *Session {
	return &Session{
		ID:         id,
		EditionID:  "ed-1",
		TargetType: TargetEntity,
		TargetID:   targetID,
		LockScope:  "entity:" + targetID,
		State:      SessionActive,
		CreatedBy:  "alice",
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

func TestSession_OpenLockConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.OpenSession(ctx, newSession("s1", "e1", t0), t0.Add(time.Minute))
	require.NoError(t, err)

	_, err = s.OpenSession(ctx, newSession("s2", "e1", t0.Add(time.Second)), t0.Add(2*time.Minute))
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrLockConflict)

	// The failed open left no session behind.
	_, err = s.GetSession(ctx, "s2")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)

	// A different target is independent.
	_, err = s.OpenSession(ctx, newSession("s3", "e2", t0), t0.Add(time.Minute))
	require.NoError(t, err)
}

func TestSession_OpenTakesOverExpiredLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.OpenSession(ctx, newSession("s1", "e1", t0), t0.Add(time.Minute))
	require.NoError(t, err)

	displaced, err := s.OpenSession(ctx, newSession("s2", "e1", t0.Add(2*time.Minute)), t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "s1", displaced)

	old, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SessionClosed, old.State)
	assert.Equal(t, "lease expired", old.StateReason)
	assert.False(t, old.ClosedAt.IsZero())

	lease, err := s.GetLease(ctx, TargetEntity, "e1")
	require.NoError(t, err)
	assert.Equal(t, "s2", lease.SessionID)
}

func TestSession_ConcurrentOpenSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 8

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for i := range n {
		wg.Add(1)

		go func() {
			defer wg.Done()

			sess := newSession("s"+string(rune('a'+i)), "contested", t0)
			if _, err := s.OpenSession(ctx, sess, t0.Add(time.Minute)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, syncerr.ErrLockConflict)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestSession_RenewLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.OpenSession(ctx, newSession("s1", "e1", t0), t0.Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, s.RenewLease(ctx, "s1", t0.Add(2*time.Minute), t0.Add(30*time.Second)))

	l, err := s.LeaseForSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, l.ExpiresAt.Equal(t0.Add(2*time.Minute)))

	err = s.RenewLease(ctx, "s1", t0.Add(5*time.Minute), t0.Add(3*time.Minute))
	assert.ErrorIs(t, err, syncerr.ErrLockConflict)

	expired, err := s.ExpiredLeases(ctx, t0.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "s1", expired[0].SessionID)
}

func TestSession_TransitionToClosedReleasesLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.OpenSession(ctx, newSession("s1", "e1", t0), t0.Add(time.Minute))
	require.NoError(t, err)

	moved, err := s.TransitionSession(ctx, "s1", []SessionState{SessionHasDraft}, SessionClosed, "cancelled", t0)
	require.NoError(t, err)
	assert.False(t, moved, "active is not in the from set")

	_, err = s.GetLease(ctx, TargetEntity, "e1")
	require.NoError(t, err, "lease must survive a rejected transition")

	moved, err = s.TransitionSession(ctx, "s1", openStates, SessionClosed, "cancelled", t0)
	require.NoError(t, err)
	assert.True(t, moved)

	_, err = s.GetLease(ctx, TargetEntity, "e1")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}

func TestDrafts_AddAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.OpenSession(ctx, newSession("s1", "e1", t0), t0.Add(time.Minute))
	require.NoError(t, err)

	conf := 0.8
	d := &Draft{
		ID: "d1", SessionID: "s1", BatchID: "b1", BatchType: BatchProviderSuggestion,
		Source: SourceProvider, Status: DraftPending, TargetTable: "entities", TargetID: "e1",
		Column: "name", Operation: OpUpdate, NewValue: json.RawMessage(`"Lin Feng"`),
		Confidence: &conf, CreatedAt: t0,
	}

	require.NoError(t, s.AddDrafts(ctx, "s1", []*Draft{d}, SessionHasDraft, "draft added", t0))

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SessionHasDraft, sess.State)

	got, err := s.GetDraft(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, got.Confidence)
	assert.InDelta(t, 0.8, *got.Confidence, 1e-9)
	assert.JSONEq(t, `"Lin Feng"`, string(got.NewValue))

	require.NoError(t, s.SetDraftStatus(ctx, "d1", DraftApproved))

	list, err := s.ListDrafts(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, DraftApproved, list[0].Status)
}

func TestDrafts_AddToClosedSessionFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.OpenSession(ctx, newSession("s1", "e1", t0), t0.Add(time.Minute))
	require.NoError(t, err)

	_, err = s.TransitionSession(ctx, "s1", openStates, SessionClosed, "cancelled", t0)
	require.NoError(t, err)

	err = s.AddDrafts(ctx, "s1", []*Draft{{ID: "d1", SessionID: "s1"}}, SessionHasDraft, "", t0)
	assert.ErrorIs(t, err, syncerr.ErrLockConflict)
}

func TestChangeSet_CreateWithSessionCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.OpenSession(ctx, newSession("s1", "e1", t0), t0.Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, s.AddDrafts(ctx, "s1", []*Draft{{
		ID: "d1", SessionID: "s1", BatchID: "b1", BatchType: BatchHumanDraft, Source: SourceHuman,
		Status: DraftPending, TargetTable: "entities", TargetID: "e1", Column: "name",
		Operation: OpUpdate, NewValue: json.RawMessage(`"B"`), CreatedAt: t0,
	}}, SessionHasDraft, "", t0))

	cs := &ChangeSet{
		ID: "cs1", EditionID: "ed-1", SessionID: "s1", Source: ChangeManual, Status: ChangePending,
		CreatedBy: "alice", CreatedAt: t0, UpdatedAt: t0,
	}
	items := []*ChangeItem{{
		ID: "i1", Seq: 0, TargetTable: "entities", TargetID: "e1", Operation: OpUpdate,
		Column: "name", OldValue: json.RawMessage(`"A"`), NewValue: json.RawMessage(`"B"`),
	}}
	review := &ReviewTask{ID: "r1", Reviewer: "editor", Status: ReviewPending, CreatedAt: t0}

	require.NoError(t, s.CreateChangeSet(ctx, NewChangeSet{
		Set: cs, Items: items, Review: review,
		Session: &SessionCommit{SessionID: "s1", DraftIDs: []string{"d1"}, Reason: "committed"},
	}))

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SessionCommitted, sess.State)
	assert.Equal(t, "cs1", sess.ChangeSetID)

	_, err = s.GetLease(ctx, TargetEntity, "e1")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)

	d, err := s.GetDraft(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, DraftCommitted, d.Status)

	gotItems, err := s.ListChangeItems(ctx, "cs1")
	require.NoError(t, err)
	require.Len(t, gotItems, 1)
	assert.JSONEq(t, `"A"`, string(gotItems[0].OldValue))

	r, err := s.ReviewForChangeSet(ctx, "cs1")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, ReviewPending, r.Status)

	// A second commit of the same session is refused.
	err = s.CreateChangeSet(ctx, NewChangeSet{
		Set:     &ChangeSet{ID: "cs2", Source: ChangeManual, Status: ChangePending, CreatedAt: t0, UpdatedAt: t0},
		Session: &SessionCommit{SessionID: "s1"},
	})
	assert.ErrorIs(t, err, syncerr.ErrLockConflict)

	_, err = s.GetChangeSet(ctx, "cs2")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}

func TestChangeSet_TransitionAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"cs1", "cs2"} {
		at := t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateChangeSet(ctx, NewChangeSet{Set: &ChangeSet{
			ID: id, EditionID: "ed-1", Source: ChangeManual, Status: ChangePending, CreatedAt: at, UpdatedAt: at,
		}}))
	}

	ok, err := s.TransitionChangeSet(ctx, "cs1", ChangeSetUpdate{From: ChangePending, To: ChangeApplied, At: t0})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionChangeSet(ctx, "cs1", ChangeSetUpdate{From: ChangePending, To: ChangeApplied, At: t0})
	require.NoError(t, err)
	assert.False(t, ok)

	cs, err := s.GetChangeSet(ctx, "cs1")
	require.NoError(t, err)
	assert.Equal(t, ChangeApplied, cs.Status)
	assert.False(t, cs.AppliedAt.IsZero())

	list, err := s.ListChangeSets(ctx, ChangeSetFilter{EditionID: "ed-1"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "cs2", list[0].ID, "newest first")
}

func TestReview_DecideOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateChangeSet(ctx, NewChangeSet{
		Set:    &ChangeSet{ID: "cs1", Source: ChangeManual, Status: ChangePending, CreatedAt: t0, UpdatedAt: t0},
		Review: &ReviewTask{ID: "r1", Reviewer: "editor", Status: ReviewPending, CreatedAt: t0},
	}))

	pending, err := s.ListReviews(ctx, ReviewFilter{Reviewer: "editor", Status: ReviewPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	ok, err := s.DecideReview(ctx, "r1", ReviewApproved, "approve", "lgtm", t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.DecideReview(ctx, "r1", ReviewRejected, "reject", "", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	r, err := s.GetReview(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, ReviewApproved, r.Status)
	assert.Equal(t, "lgtm", r.Comments)
}
