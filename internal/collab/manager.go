// Package collab manages collaboration sessions: scoped, leased editing
// contexts over one target that collect human drafts and provider
// suggestions and commit a selection of them as a single change set.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/tonimelisma/sailsync/internal/changes"
	"github.com/tonimelisma/sailsync/internal/keylock"
	"github.com/tonimelisma/sailsync/internal/provider"
	"github.com/tonimelisma/sailsync/internal/remote"
	"github.com/tonimelisma/sailsync/internal/state"
	"github.com/tonimelisma/sailsync/internal/syncerr"
)

// Defaults for Config zero values.
const (
	defaultLeaseTTL        = 5 * time.Minute
	defaultIdleTimeout     = 30 * time.Minute
	defaultReapInterval    = 30 * time.Second
	defaultProviderTimeout = 60 * time.Second
	listLimit              = 100
	siblingContextNodes    = 6
)

// Sentinel errors.
var (
	ErrInvalidInput = errors.New("collab: invalid input")
	ErrClosed       = errors.New("collab: session is closed")
)

// Remote is the read surface used to build suggestion context. Satisfied by
// *remote.Client.
type Remote interface {
	FetchNode(ctx context.Context, id string) (*remote.Node, error)
	FetchTree(ctx context.Context, editionID string) ([]*remote.Node, error)
	FetchRecord(ctx context.Context, table, id string) (map[string]json.RawMessage, error)
}

// Config holds lease timing.
type Config struct {
	LeaseTTL        time.Duration
	IdleTimeout     time.Duration
	ReapInterval    time.Duration
	ProviderTimeout time.Duration
}

// Manager runs the session state machine. Operations on one session are
// serialized; the lease guarantees at most one open session per target.
type Manager struct {
	store    *state.Store
	pipeline *changes.Pipeline
	provider provider.Provider
	remote   Remote
	cfg      Config
	logger   *slog.Logger

	locks   keylock.Map
	nowFunc func() time.Time
	newID   func() string
}

// NewManager creates a Manager. remote and prov may be nil, in which case
// suggestion requests get no context or fail respectively.
func NewManager(
	store *state.Store, pipeline *changes.Pipeline, prov provider.Provider, rem Remote, cfg Config, logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}

	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}

	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaultProviderTimeout
	}

	return &Manager{
		store:    store,
		pipeline: pipeline,
		provider: prov,
		remote:   rem,
		cfg:      cfg,
		logger:   logger,
		nowFunc:  time.Now,
		newID:    uuid.NewString,
	}
}

// OpenRequest describes a session to open.
type OpenRequest struct {
	EditionID  string
	TargetType state.TargetType
	TargetID   string
	LockScope  string
	CreatedBy  string
}

// Open starts a session and takes the lease on its target. A target already
// leased by a live session fails with syncerr.ErrLockConflict.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*state.Session, error) {
	if !req.TargetType.Valid() {
		return nil, fmt.Errorf("%w: unknown target type %q", ErrInvalidInput, req.TargetType)
	}

	if req.TargetID == "" {
		return nil, fmt.Errorf("%w: target id is required", ErrInvalidInput)
	}

	if req.LockScope == "" {
		req.LockScope = string(req.TargetType)
	}

	now := m.nowFunc()
	sess := &state.Session{
		ID:          m.newID(),
		EditionID:   req.EditionID,
		TargetType:  req.TargetType,
		TargetID:    req.TargetID,
		LockScope:   req.LockScope,
		State:       state.SessionActive,
		StateReason: "opened",
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	displaced, err := m.store.OpenSession(ctx, sess, now.Add(m.cfg.LeaseTTL))
	if err != nil {
		return nil, err
	}

	if displaced != "" {
		m.logger.Info("took over expired lease",
			slog.String("session_id", sess.ID),
			slog.String("displaced_session_id", displaced),
		)
	}

	m.logger.Info("session opened",
		slog.String("session_id", sess.ID),
		slog.String("target_type", string(sess.TargetType)),
		slog.String("target_id", sess.TargetID),
	)

	return sess, nil
}

// Get returns a session.
func (m *Manager) Get(ctx context.Context, id string) (*state.Session, error) {
	return m.store.GetSession(ctx, id)
}

// List returns sessions newest first. With no states given, only sessions
// that hold their target (active or has_draft) are listed.
func (m *Manager) List(ctx context.Context, f state.SessionFilter) ([]*state.Session, error) {
	if len(f.States) == 0 {
		f.States = []state.SessionState{state.SessionActive, state.SessionHasDraft}
	}

	if f.Limit <= 0 || f.Limit > listLimit {
		f.Limit = listLimit
	}

	return m.store.ListSessions(ctx, f)
}

// Heartbeat renews a session's lease.
func (m *Manager) Heartbeat(ctx context.Context, id string) (*state.Lease, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	if _, err := m.live(ctx, id); err != nil {
		return nil, err
	}

	return m.store.LeaseForSession(ctx, id)
}

// Cancel closes an open session and releases its lease.
func (m *Manager) Cancel(ctx context.Context, id, reason string) (*state.Session, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	if reason == "" {
		reason = "cancelled"
	} else {
		reason = "cancelled: " + reason
	}

	moved, err := m.store.TransitionSession(ctx, id, nil, state.SessionClosed, reason, m.nowFunc())
	if err != nil {
		return nil, err
	}

	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if !moved {
		return sess, fmt.Errorf("%w: %s is %s", ErrClosed, id, sess.State)
	}

	m.logger.Info("session cancelled", slog.String("session_id", id))

	return sess, nil
}

// live checks that a session is open and its lease unexpired, then renews
// the lease. An expired lease closes the session and fails with
// syncerr.ErrLockConflict.
func (m *Manager) live(ctx context.Context, id string) (*state.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if sess.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrClosed, id, sess.State)
	}

	now := m.nowFunc()

	err = m.store.RenewLease(ctx, id, now.Add(m.cfg.LeaseTTL), now)
	if errors.Is(err, syncerr.ErrLockConflict) {
		if _, cerr := m.store.TransitionSession(ctx, id, nil, state.SessionClosed, "lease expired", now); cerr != nil {
			return nil, cerr
		}

		m.logger.Info("session lease expired", slog.String("session_id", id))

		return nil, syncerr.New(syncerr.ErrLockConflict, "collab.live", id, fmt.Errorf("lease expired"))
	}

	if err != nil {
		return nil, err
	}

	return sess, nil
}

// Reap closes sessions whose lease expired or that saw no activity within
// the idle timeout. It returns the closed session IDs.
func (m *Manager) Reap(ctx context.Context) ([]string, error) {
	now := m.nowFunc()

	expired, err := m.store.ExpiredLeases(ctx, now)
	if err != nil {
		return nil, err
	}

	var closed []string

	for _, l := range expired {
		ok, err := m.close(ctx, l.SessionID, "lease expired", now)
		if err != nil {
			return closed, err
		}

		if ok {
			closed = append(closed, l.SessionID)
		}
	}

	open, err := m.store.ListSessions(ctx, state.SessionFilter{
		States: []state.SessionState{state.SessionActive, state.SessionHasDraft, state.SessionNeedsMerge},
	})
	if err != nil {
		return closed, err
	}

	for _, s := range open {
		if now.Sub(s.UpdatedAt) < m.cfg.IdleTimeout {
			continue
		}

		ok, err := m.close(ctx, s.ID, "idle timeout", now)
		if err != nil {
			return closed, err
		}

		if ok {
			closed = append(closed, s.ID)
		}
	}

	if len(closed) > 0 {
		m.logger.Info("reaped sessions", slog.Int("count", len(closed)))
	}

	return closed, nil
}

func (m *Manager) close(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	return m.store.TransitionSession(ctx, id, nil, state.SessionClosed, reason, at)
}

// RunReaper calls Reap every reap interval until ctx is canceled.
func (m *Manager) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Reap(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("session reaper failed", slog.String("error", err.Error()))
			}
		}
	}
}

// sameField reports whether two drafts propose values for the same field.
func sameField(a, b *state.Draft) bool {
	return a.TargetTable == b.TargetTable && a.TargetID == b.TargetID && a.Column == b.Column
}

// unresolved reports whether a draft still competes for its field.
func unresolved(d *state.Draft) bool {
	return d.Status == state.DraftPending || d.Status == state.DraftApproved
}

// overlapping reports whether any two unresolved drafts target the same field.
func overlapping(drafts []*state.Draft) bool {
	for i, a := range drafts {
		if !unresolved(a) {
			continue
		}

		if slices.ContainsFunc(drafts[i+1:], func(b *state.Draft) bool {
			return unresolved(b) && sameField(a, b)
		}) {
			return true
		}
	}

	return false
}
