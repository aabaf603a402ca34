package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	gosync "sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/sailsync/internal/changes"
	"github.com/tonimelisma/sailsync/internal/collab"
	"github.com/tonimelisma/sailsync/internal/provider"
	"github.com/tonimelisma/sailsync/internal/state"
	isync "github.com/tonimelisma/sailsync/internal/sync"
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

type memAuthority struct {
	mu     gosync.Mutex
	values map[changes.FieldRef]json.RawMessage
}

func (a *memAuthority) Current(_ context.Context, ref changes.FieldRef) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.values[ref], nil
}

func (a *memAuthority) Apply(_ context.Context, muts []changes.Mutation) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, m := range muts {
		a.values[changes.FieldRef{Table: m.Table, ID: m.ID, Column: m.Column}] = m.Value
	}

	return nil
}

func (a *memAuthority) set(ref changes.FieldRef, v string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.values[ref] = json.RawMessage(v)
}

func (a *memAuthority) get(ref changes.FieldRef) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return string(a.values[ref])
}

type fixedStatus struct{ sum *isync.Summary }

func (f fixedStatus) Status(context.Context) (*isync.Summary, error) { return f.sum, nil }

type apiFixture struct {
	t    *testing.T
	srv  *httptest.Server
	auth *memAuthority
}

func newAPIFixture(t *testing.T, status StatusReporter) *apiFixture {
	t.Helper()

	ctx := context.Background()

	store, err := state.Open(ctx, filepath.Join(t.TempDir(), "state.db"), testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	auth := &memAuthority{values: make(map[changes.FieldRef]json.RawMessage)}
	pipeline := changes.NewPipeline(store, auth, changes.Policy{
		DefaultReviewer:    "editor",
		AutoApplyOnApprove: true,
	}, testLogger(t))
	mgr := collab.NewManager(store, pipeline, provider.NewHeuristic(), nil, collab.Config{}, testLogger(t))

	srv := httptest.NewServer(NewServer(mgr, pipeline, status, testLogger(t)).Handler())
	t.Cleanup(srv.Close)

	return &apiFixture{t: t, srv: srv, auth: auth}
}

// do sends a request and decodes the JSON response into out when non-nil.
func (f *apiFixture) do(method, path string, body any, out any) int {
	f.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(f.t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()

	assert.Equal(f.t, "application/json", resp.Header.Get("Content-Type"))
	assert.NotEmpty(f.t, resp.Header.Get("X-Request-ID"))

	if out != nil {
		require.NoError(f.t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp.StatusCode
}

type errorBody struct {
	Code    string         `json:"code"`
	Error   string         `json:"error"`
	Details map[string]any `json:"details"`
}

var titleRef = changes.FieldRef{Table: "entities", ID: "e1", Column: "title"}

// openAndCommit opens a session on e1, drafts a new title, and commits it.
func (f *apiFixture) openAndCommit() changeSetDetailJSON {
	f.t.Helper()

	var sess sessionJSON
	require.Equal(f.t, http.StatusCreated, f.do("POST", "/api/v1/sessions", map[string]any{
		"edition_id": "ed-1", "target_type": "entity", "target_id": "e1", "created_by": "ana",
	}, &sess))

	var drafts struct {
		Drafts []draftJSON `json:"drafts"`
	}
	require.Equal(f.t, http.StatusCreated, f.do("POST", "/api/v1/sessions/"+sess.ID+"/drafts", map[string]any{
		"drafts": []map[string]any{{
			"table": "entities", "target_id": "e1", "column": "title", "operation": "update", "value": "New",
		}},
	}, &drafts))
	require.Len(f.t, drafts.Drafts, 1)

	var created changeSetDetailJSON
	require.Equal(f.t, http.StatusCreated, f.do("POST", "/api/v1/sessions/"+sess.ID+"/commit", map[string]any{
		"draft_ids": []string{drafts.Drafts[0].ID}, "reason": "retitle",
	}, &created))

	return created
}

func TestAPI_SessionToAppliedChangeSet(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.auth.set(titleRef, `"Old"`)

	created := f.openAndCommit()

	assert.Equal(t, "pending", created.ChangeSet.Status)
	assert.Equal(t, "manual", created.ChangeSet.Source)
	require.Len(t, created.Items, 1)
	assert.JSONEq(t, `"Old"`, string(created.Items[0].OldValue))
	require.NotNil(t, created.Review)
	assert.Equal(t, "editor", created.Review.Reviewer)

	// The committed session released the target.
	var sess sessionJSON
	require.Equal(t, http.StatusOK, f.do("GET", "/api/v1/sessions/"+created.ChangeSet.SessionID, nil, &sess))
	assert.Equal(t, "committed", sess.State)
	assert.Equal(t, created.ChangeSet.ID, sess.ChangeSetID)

	var eb errorBody
	assert.Equal(t, http.StatusConflict, f.do("POST", "/api/v1/changesets/"+created.ChangeSet.ID+"/apply", nil, &eb))
	assert.Equal(t, "INVALID_STATE", eb.Code)
	assert.Equal(t, `"Old"`, f.auth.get(titleRef))

	var reviews struct {
		Reviews []reviewJSON `json:"reviews"`
	}
	require.Equal(t, http.StatusOK, f.do("GET", "/api/v1/reviews?reviewer=editor", nil, &reviews))
	require.Len(t, reviews.Reviews, 1)

	var decided decidedJSON
	require.Equal(t, http.StatusOK, f.do("POST", "/api/v1/reviews/"+reviews.Reviews[0].ID+"/approve",
		map[string]any{"comments": "lgtm"}, &decided))
	assert.Equal(t, "approved", decided.Review.Status)
	require.NotNil(t, decided.ChangeSet)
	assert.Equal(t, "applied", decided.ChangeSet.Status)
	assert.Empty(t, decided.ApplyError)
	assert.JSONEq(t, `"New"`, f.auth.get(titleRef))

	var cs changeSetJSON
	require.Equal(t, http.StatusOK, f.do("POST", "/api/v1/changesets/"+created.ChangeSet.ID+"/rollback", nil, &cs))
	assert.Equal(t, "rolled_back", cs.Status)
	assert.NotNil(t, cs.RolledBackAt)
	assert.JSONEq(t, `"Old"`, f.auth.get(titleRef))

	var list struct {
		ChangeSets []changeSetJSON `json:"change_sets"`
	}
	require.Equal(t, http.StatusOK, f.do("GET", "/api/v1/changesets?edition_id=ed-1", nil, &list))
	require.Len(t, list.ChangeSets, 1)
	assert.Equal(t, "rolled_back", list.ChangeSets[0].Status)
}

func TestAPI_RollbackPreconditionFailed(t *testing.T) {
	f := newAPIFixture(t, nil)

	created := f.openAndCommit()

	var reviews struct {
		Reviews []reviewJSON `json:"reviews"`
	}
	require.Equal(t, http.StatusOK, f.do("GET", "/api/v1/reviews", nil, &reviews))
	require.Len(t, reviews.Reviews, 1)
	require.Equal(t, http.StatusOK, f.do("POST", "/api/v1/reviews/"+reviews.Reviews[0].ID+"/approve", nil, nil))

	f.auth.set(titleRef, `"Someone else"`)

	var eb errorBody
	require.Equal(t, http.StatusPreconditionFailed,
		f.do("POST", "/api/v1/changesets/"+created.ChangeSet.ID+"/rollback", nil, &eb))
	assert.Equal(t, "PRECONDITION_FAILED", eb.Code)
	assert.Equal(t, `"New"`, eb.Details["expected"])
	assert.Equal(t, `"Someone else"`, eb.Details["actual"])

	var detail changeSetDetailJSON
	require.Equal(t, http.StatusOK, f.do("GET", "/api/v1/changesets/"+created.ChangeSet.ID, nil, &detail))
	assert.Equal(t, "applied", detail.ChangeSet.Status)
}

func TestAPI_RejectReview(t *testing.T) {
	f := newAPIFixture(t, nil)

	created := f.openAndCommit()

	var detail changeSetDetailJSON
	require.Equal(t, http.StatusOK, f.do("GET", "/api/v1/changesets/"+created.ChangeSet.ID, nil, &detail))
	require.NotNil(t, detail.Review)

	var decided decidedJSON
	require.Equal(t, http.StatusOK, f.do("POST", "/api/v1/reviews/"+detail.Review.ID+"/reject",
		map[string]any{"comments": "wrong name"}, &decided))
	require.NotNil(t, decided.ChangeSet)
	assert.Equal(t, "failed", decided.ChangeSet.Status)
	assert.Equal(t, "rejected by reviewer: wrong name", decided.ChangeSet.ErrorMessage)

	var eb errorBody
	assert.Equal(t, http.StatusConflict, f.do("POST", "/api/v1/reviews/"+detail.Review.ID+"/approve", nil, &eb))
}

func TestAPI_SessionLifecycle(t *testing.T) {
	f := newAPIFixture(t, nil)

	var sess sessionJSON
	require.Equal(t, http.StatusCreated, f.do("POST", "/api/v1/sessions", map[string]any{
		"edition_id": "ed-1", "target_type": "event", "target_id": "ev1",
	}, &sess))
	assert.Equal(t, "active", sess.State)

	var eb errorBody
	assert.Equal(t, http.StatusLocked, f.do("POST", "/api/v1/sessions", map[string]any{
		"target_type": "event", "target_id": "ev1",
	}, &eb))
	assert.Equal(t, "LOCK_CONFLICT", eb.Code)

	var lease leaseJSON
	require.Equal(t, http.StatusOK, f.do("POST", "/api/v1/sessions/"+sess.ID+"/heartbeat", nil, &lease))
	assert.Equal(t, sess.ID, lease.SessionID)
	assert.Equal(t, "ev1", lease.TargetID)

	var drafts struct {
		Drafts []draftJSON `json:"drafts"`
	}
	require.Equal(t, http.StatusCreated, f.do("POST", "/api/v1/sessions/"+sess.ID+"/drafts", map[string]any{
		"drafts": []map[string]any{
			{"table": "events", "target_id": "ev1", "column": "summary", "operation": "update", "value": "A"},
			{"table": "events", "target_id": "ev1", "column": "summary", "operation": "update", "value": "B"},
		},
	}, &drafts))
	require.Len(t, drafts.Drafts, 2)

	var diff diffJSON
	require.Equal(t, http.StatusOK, f.do("GET", "/api/v1/sessions/"+sess.ID+"/diff", nil, &diff))
	assert.Equal(t, "needs_merge", diff.Session.State)
	assert.Equal(t, 2, diff.Pending)

	var d draftJSON
	require.Equal(t, http.StatusOK, f.do("PUT", "/api/v1/drafts/"+drafts.Drafts[0].ID+"/status",
		map[string]any{"status": "rejected"}, &d))
	assert.Equal(t, "rejected", d.Status)

	require.Equal(t, http.StatusOK, f.do("GET", "/api/v1/sessions/"+sess.ID+"/diff", nil, &diff))
	assert.Equal(t, "has_draft", diff.Session.State)
	assert.Equal(t, 1, diff.Rejected)

	var open struct {
		Sessions []sessionJSON `json:"sessions"`
	}
	require.Equal(t, http.StatusOK, f.do("GET", "/api/v1/sessions?edition_id=ed-1", nil, &open))
	assert.Len(t, open.Sessions, 1)

	require.Equal(t, http.StatusOK, f.do("POST", "/api/v1/sessions/"+sess.ID+"/cancel",
		map[string]any{"reason": "abandoned"}, &sess))
	assert.Equal(t, "closed", sess.State)
	assert.Equal(t, "cancelled: abandoned", sess.StateReason)
	assert.NotNil(t, sess.ClosedAt)

	assert.Equal(t, http.StatusConflict, f.do("POST", "/api/v1/sessions/"+sess.ID+"/drafts", map[string]any{
		"drafts": []map[string]any{{"table": "events", "target_id": "ev1", "operation": "delete"}},
	}, &eb))
	assert.Equal(t, "INVALID_STATE", eb.Code)
}

func TestAPI_Suggestions(t *testing.T) {
	f := newAPIFixture(t, nil)

	var sess sessionJSON
	require.Equal(t, http.StatusCreated, f.do("POST", "/api/v1/sessions", map[string]any{
		"edition_id": "ed-1", "target_type": "entity", "target_id": "e9",
	}, &sess))

	// Without a remote the provider sees no text and proposes nothing.
	var drafts struct {
		Drafts []draftJSON `json:"drafts"`
	}
	require.Equal(t, http.StatusCreated, f.do("POST", "/api/v1/sessions/"+sess.ID+"/suggestions", nil, &drafts))
	assert.Empty(t, drafts.Drafts)
}

func TestAPI_BadRequests(t *testing.T) {
	f := newAPIFixture(t, nil)

	var eb errorBody

	assert.Equal(t, http.StatusNotFound, f.do("GET", "/api/v1/sessions/missing", nil, &eb))
	assert.Equal(t, "NOT_FOUND", eb.Code)

	assert.Equal(t, http.StatusNotFound, f.do("GET", "/api/v1/changesets/missing", nil, &eb))

	assert.Equal(t, http.StatusBadRequest, f.do("POST", "/api/v1/sessions", map[string]any{
		"target_type": "chapter", "target_id": "x",
	}, &eb))
	assert.Equal(t, "INVALID_INPUT", eb.Code)

	assert.Equal(t, http.StatusBadRequest, f.do("POST", "/api/v1/sessions", map[string]any{
		"target_type": "entity", "target_id": "x", "color": "red",
	}, &eb))
	assert.Equal(t, "INVALID_BODY", eb.Code)

	assert.Equal(t, http.StatusBadRequest, f.do("GET", "/api/v1/changesets?limit=-1", nil, &eb))
	assert.Equal(t, "INVALID_QUERY", eb.Code)

	assert.Equal(t, http.StatusNotFound, f.do("GET", "/api/v1/sync/status", nil, &eb))
	assert.Equal(t, "NO_WORKSPACE", eb.Code)
}

func TestAPI_SyncStatus(t *testing.T) {
	sum := &isync.Summary{
		Overall: isync.OverallConflict,
		Total:   3,
		Counts:  map[state.Status]int{state.StatusSynced: 2, state.StatusConflict: 1},
	}
	f := newAPIFixture(t, fixedStatus{sum})

	var got isync.Summary
	require.Equal(t, http.StatusOK, f.do("GET", "/api/v1/sync/status", nil, &got))
	assert.Equal(t, *sum, got)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{syncerr.New(syncerr.ErrNotFound, "op", "x", nil), http.StatusNotFound},
		{syncerr.New(syncerr.ErrLockConflict, "op", "x", nil), http.StatusLocked},
		{syncerr.New(syncerr.ErrVersionConflict, "op", "x", nil), http.StatusConflict},
		{syncerr.New(syncerr.ErrPreconditionFailed, "op", "x", nil), http.StatusPreconditionFailed},
		{syncerr.New(syncerr.ErrTransport, "op", "x", nil), http.StatusBadGateway},
		{syncerr.New(syncerr.ErrFatal, "op", "x", nil), http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", changes.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", collab.ErrInvalidInput), http.StatusBadRequest},
		{changes.ErrReviewPending, http.StatusConflict},
		{collab.ErrClosed, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		got, _ := classify(tc.err)
		assert.Equal(t, tc.want, got, tc.err.Error())
	}
}
