// Package sync keeps the local workspace replica and the remote
// authoritative store consistent. It pulls edition trees into files, pushes
// local edits with an optimistic version check, routes version mismatches
// to the conflict resolver, and queues transport failures for replay.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/sailsync/internal/detector"
	"github.com/tonimelisma/sailsync/internal/keylock"
	"github.com/tonimelisma/sailsync/internal/remote"
	"github.com/tonimelisma/sailsync/internal/state"
	"github.com/tonimelisma/sailsync/internal/syncerr"
)

// Defaults for EngineConfig zero values.
const (
	defaultWorkers     = 4
	defaultMaxAttempts = 3
	defaultBaseBackoff = 2 * time.Second
	defaultMaxBackoff  = 5 * time.Minute
)

// Gateway is the remote surface the engine needs. Satisfied by
// *remote.Client.
type Gateway interface {
	FetchNode(ctx context.Context, id string) (*remote.Node, error)
	PushNode(ctx context.Context, id, content string, expected time.Time) (*remote.Node, error)
	ForcePushNode(ctx context.Context, id, content string) (*remote.Node, error)
	FetchTree(ctx context.Context, editionID string) ([]*remote.Node, error)
}

// Strategy is the configured conflict strategy.
type Strategy string

// Conflict strategies.
const (
	StrategyPrompt    Strategy = "prompt"
	StrategyUseLocal  Strategy = "useLocal"
	StrategyUseRemote Strategy = "useRemote"
)

// EngineConfig holds the options for NewEngine.
type EngineConfig struct {
	Store    *state.Store
	Remote   Gateway
	Root     string // absolute workspace directory
	Strategy Strategy
	Workers  int

	// MaxAttempts bounds push attempts for a record before it needs manual
	// attention. BaseBackoff and MaxBackoff shape the replay schedule.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// OnResolved, if set, is called after a resolution was pushed to or
	// pulled from the remote.
	OnResolved func(ctx context.Context, r Resolution)

	Logger *slog.Logger
}

// Engine runs sync cycles. Operations on one node are strictly sequential;
// different nodes sync in parallel.
type Engine struct {
	store       *state.Store
	remote      Gateway
	root        string
	strategy    Strategy
	workers     int
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	onResolved  func(ctx context.Context, r Resolution)
	logger      *slog.Logger

	locks   keylock.Map
	nowFunc func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if cfg.Store == nil || cfg.Remote == nil {
		return nil, errors.New("sync: store and remote are required")
	}

	if cfg.Root == "" {
		return nil, errors.New("sync: workspace root is required")
	}

	e := &Engine{
		store:       cfg.Store,
		remote:      cfg.Remote,
		root:        cfg.Root,
		strategy:    cfg.Strategy,
		workers:     cfg.Workers,
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		onResolved:  cfg.OnResolved,
		logger:      cfg.Logger,
		nowFunc:     time.Now,
	}

	if e.logger == nil {
		e.logger = slog.Default()
	}

	if e.strategy == "" {
		e.strategy = StrategyPrompt
	}

	if e.workers <= 0 {
		e.workers = defaultWorkers
	}

	if e.maxAttempts <= 0 {
		e.maxAttempts = defaultMaxAttempts
	}

	if e.baseBackoff <= 0 {
		e.baseBackoff = defaultBaseBackoff
	}

	if e.maxBackoff <= 0 {
		e.maxBackoff = defaultMaxBackoff
	}

	return e, nil
}

// Outcome is what a sync attempt did to one node.
type Outcome string

// Sync outcomes.
const (
	OutcomePushed     Outcome = "pushed"
	OutcomePulled     Outcome = "pulled"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeConflict   Outcome = "conflict"
	OutcomeResolved   Outcome = "resolved"
	OutcomeQueued     Outcome = "queued"
	OutcomeSuperseded Outcome = "superseded" // edited again while the push was in flight
	OutcomeFailed     Outcome = "failed"
)

// Result is the outcome of syncing one node.
type Result struct {
	NodeID  string
	Outcome Outcome
	Err     error
}

// Report summarizes a SyncAll run.
type Report struct {
	Results  []Result
	Duration time.Duration
}

// Count returns how many results had outcome o.
func (r *Report) Count(o Outcome) int {
	var n int

	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}

	return n
}

// Errors returns the per-node errors.
func (r *Report) Errors() []error {
	var errs []error

	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.NodeID, res.Err))
		}
	}

	return errs
}

// SyncNode runs one sync cycle for a node. Transport failures are absorbed
// into the replay queue and reported as OutcomeQueued with the cause in
// Result.Err; the returned error is reserved for store failures and context
// cancellation.
func (e *Engine) SyncNode(ctx context.Context, nodeID string) (Result, error) {
	unlock := e.locks.Lock(nodeID)
	defer unlock()

	return e.syncLocked(ctx, nodeID)
}

func (e *Engine) syncLocked(ctx context.Context, nodeID string) (Result, error) {
	res := Result{NodeID: nodeID}

	rec, err := e.store.Get(ctx, nodeID)
	if err != nil {
		return res, err
	}

	if rec.Status == state.StatusConflict {
		res.Outcome = OutcomeConflict
		return res, nil
	}

	content, err := e.readLocal(rec.LocalPath)
	if errors.Is(err, errLocalMissing) {
		// Deleted locally. Local deletes are not propagated; restore from
		// the remote.
		return e.refresh(ctx, rec, true)
	}

	if err != nil {
		return res, err
	}

	hash := detector.Hash([]byte(content))
	if hash != rec.ContentHash {
		if err := e.store.MarkModified(ctx, nodeID, hash, e.nowFunc()); err != nil {
			return res, err
		}

		rec.ContentHash = hash
		rec.Status = state.StatusModified
	}

	if rec.Status == state.StatusSynced {
		return e.refresh(ctx, rec, false)
	}

	return e.push(ctx, rec, content, hash)
}

// push is steps 1-4 of the push cycle for a record with local edits.
func (e *Engine) push(ctx context.Context, rec *state.Record, content, hash string) (Result, error) {
	res := Result{NodeID: rec.NodeID}

	if _, err := e.store.TransitionStatus(ctx, rec.NodeID, rec.Status, state.StatusPushing); err != nil {
		return res, err
	}

	fetched, err := e.remote.FetchNode(ctx, rec.NodeID)
	if err != nil {
		return e.pushFailed(ctx, rec, err)
	}

	if !fetched.RemoteUpdatedAt.Equal(rec.RemoteUpdatedAt) {
		e.logger.Info("remote changed since last pull",
			slog.String("node_id", rec.NodeID),
			slog.Time("expected", rec.RemoteUpdatedAt),
			slog.Time("actual", fetched.RemoteUpdatedAt),
		)

		return e.conflict(ctx, rec, fetched)
	}

	pushed, err := e.remote.PushNode(ctx, rec.NodeID, content, rec.RemoteUpdatedAt)
	if errors.Is(err, syncerr.ErrVersionConflict) {
		e.logger.Info("push rejected by version check", slog.String("node_id", rec.NodeID))
		return e.conflict(ctx, rec, nil)
	}

	if err != nil {
		return e.pushFailed(ctx, rec, err)
	}

	synced, err := e.store.CompletePush(ctx, rec.NodeID, hash, pushed.RemoteUpdatedAt)
	if err != nil {
		return res, err
	}

	if err := e.store.SaveBase(ctx, rec.NodeID, content, pushed.RemoteUpdatedAt); err != nil {
		return res, err
	}

	if err := e.store.Dequeue(ctx, rec.NodeID); err != nil {
		return res, err
	}

	if !synced {
		e.logger.Info("file changed during push, another cycle is needed", slog.String("node_id", rec.NodeID))

		res.Outcome = OutcomeSuperseded

		return res, nil
	}

	e.logger.Info("pushed local changes",
		slog.String("node_id", rec.NodeID),
		slog.Time("remote_updated_at", pushed.RemoteUpdatedAt),
	)

	res.Outcome = OutcomePushed

	return res, nil
}

// pushFailed classifies a gateway error during a push. Transport failures
// queue the record; a node deleted remotely becomes a conflict; anything
// else restores the record to modified and is reported.
func (e *Engine) pushFailed(ctx context.Context, rec *state.Record, cause error) (Result, error) {
	res := Result{NodeID: rec.NodeID, Err: cause}

	if ctx.Err() != nil {
		_, _ = e.store.TransitionStatus(context.WithoutCancel(ctx), rec.NodeID, state.StatusPushing, state.StatusPendingUpload)
		return res, ctx.Err()
	}

	switch {
	case syncerr.Retryable(cause):
		return e.enqueue(ctx, rec, cause)

	case errors.Is(cause, syncerr.ErrNotFound):
		e.logger.Warn("node deleted remotely while edited locally", slog.String("node_id", rec.NodeID))

		return e.conflict(ctx, rec, nil)

	default:
		if _, err := e.store.TransitionStatus(ctx, rec.NodeID, state.StatusPushing, state.StatusModified); err != nil {
			return res, err
		}

		e.logger.Error("push failed", slog.String("node_id", rec.NodeID), slog.String("error", cause.Error()))

		res.Outcome = OutcomeFailed

		return res, nil
	}
}

// enqueue parks a record for replay with exponential backoff.
func (e *Engine) enqueue(ctx context.Context, rec *state.Record, cause error) (Result, error) {
	res := Result{NodeID: rec.NodeID, Outcome: OutcomeQueued, Err: cause}

	if _, err := e.store.TransitionStatus(ctx, rec.NodeID, state.StatusPushing, state.StatusPendingUpload); err != nil {
		return res, err
	}

	now := e.nowFunc()

	entry, err := e.store.Enqueue(ctx, rec.NodeID, cause.Error(), e.maxAttempts, func(attempts int) time.Time {
		return now.Add(e.backoff(attempts))
	})
	if err != nil {
		return res, err
	}

	if entry.Exhausted {
		e.logger.Error("sync retries exhausted, needs manual attention",
			slog.String("node_id", rec.NodeID),
			slog.Int("attempts", entry.Attempts),
			slog.String("error", cause.Error()),
		)
	} else {
		e.logger.Warn("sync failed, queued for retry",
			slog.String("node_id", rec.NodeID),
			slog.Int("attempts", entry.Attempts),
			slog.Time("next_attempt_at", entry.NextAttemptAt),
			slog.String("error", cause.Error()),
		)
	}

	return res, nil
}

// backoff returns the replay delay after the given number of attempts.
func (e *Engine) backoff(attempts int) time.Duration {
	d := e.baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= e.maxBackoff {
			return e.maxBackoff
		}
	}

	return d
}

// conflict marks the record conflicted and applies an automatic strategy
// when one is configured. fetched may be nil.
func (e *Engine) conflict(ctx context.Context, rec *state.Record, fetched *remote.Node) (Result, error) {
	res := Result{NodeID: rec.NodeID, Outcome: OutcomeConflict}

	if err := e.store.MarkConflict(ctx, rec.NodeID); err != nil {
		return res, err
	}

	if err := e.store.Dequeue(ctx, rec.NodeID); err != nil {
		return res, err
	}

	var err error

	switch e.strategy {
	case StrategyUseRemote:
		err = e.useRemoteLocked(ctx, rec.NodeID, fetched)
	case StrategyUseLocal:
		// A configured useLocal strategy is the user's standing
		// confirmation.
		err = e.useLocalLocked(ctx, rec.NodeID)
	default:
		return res, nil
	}

	if err != nil {
		e.logger.Warn("automatic conflict resolution failed",
			slog.String("node_id", rec.NodeID),
			slog.String("strategy", string(e.strategy)),
			slog.String("error", err.Error()),
		)

		res.Err = err

		return res, nil
	}

	res.Outcome = OutcomeResolved

	return res, nil
}

// refresh pulls remote content into a synced record whose file has no local
// edits. force rewrites the file even when the version is unchanged.
func (e *Engine) refresh(ctx context.Context, rec *state.Record, force bool) (Result, error) {
	res := Result{NodeID: rec.NodeID}

	fetched, err := e.remote.FetchNode(ctx, rec.NodeID)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		res.Outcome = OutcomeFailed
		res.Err = err

		return res, nil
	}

	if !force && fetched.RemoteUpdatedAt.Equal(rec.RemoteUpdatedAt) {
		res.Outcome = OutcomeUnchanged
		return res, nil
	}

	if err := e.writeRemote(ctx, rec, fetched); err != nil {
		return res, err
	}

	res.Outcome = OutcomePulled

	return res, nil
}

// writeRemote makes fetched the local content of rec and records it as
// synced and as the new merge base.
func (e *Engine) writeRemote(ctx context.Context, rec *state.Record, fetched *remote.Node) error {
	if err := writeAtomic(e.absPath(rec.LocalPath), []byte(fetched.Content)); err != nil {
		return err
	}

	h := detector.Hash([]byte(fetched.Content))
	now := e.nowFunc()

	rec.ContentHash = h
	rec.SyncedHash = h
	rec.RemoteUpdatedAt = fetched.RemoteUpdatedAt
	rec.LocalUpdatedAt = now
	rec.Status = state.StatusSynced

	if fetched.Title != "" {
		rec.Title = fetched.Title
	}

	if err := e.store.Upsert(ctx, rec); err != nil {
		return err
	}

	if err := e.store.SaveBase(ctx, rec.NodeID, fetched.Content, fetched.RemoteUpdatedAt); err != nil {
		return err
	}

	return e.store.Dequeue(ctx, rec.NodeID)
}

// SyncAll syncs the given nodes, or every record with pending local edits
// whose replay is due when ids is empty. Nodes run in parallel up to the
// configured worker count; one failing node never stops the others.
func (e *Engine) SyncAll(ctx context.Context, ids []string) (*Report, error) {
	start := e.nowFunc()

	if len(ids) == 0 {
		var err error

		ids, err = e.dueNodes(ctx)
		if err != nil {
			return nil, err
		}
	}

	results := make([]Result, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for i, id := range ids {
		g.Go(func() error {
			res, err := e.SyncNode(gctx, id)
			if err != nil {
				if gctx.Err() != nil {
					return err
				}

				res = Result{NodeID: id, Outcome: OutcomeFailed, Err: err}
			}

			results[i] = res

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("sync: sync cycle interrupted: %w", err)
	}

	rep := &Report{Results: results, Duration: e.nowFunc().Sub(start)}

	e.logger.Info("sync cycle complete",
		slog.Int("nodes", len(ids)),
		slog.Int("pushed", rep.Count(OutcomePushed)),
		slog.Int("conflicts", rep.Count(OutcomeConflict)),
		slog.Int("queued", rep.Count(OutcomeQueued)),
		slog.Duration("duration", rep.Duration),
	)

	return rep, nil
}

// dueNodes lists modified records, queued records whose replay time has
// come, and records left pushing by an interrupted run. Exhausted entries
// are left for the user.
func (e *Engine) dueNodes(ctx context.Context) ([]string, error) {
	modified, err := e.store.ListByStatus(ctx, state.StatusModified)
	if err != nil {
		return nil, err
	}

	pending, err := e.store.ListByStatus(ctx, state.StatusPendingUpload)
	if err != nil {
		return nil, err
	}

	pushing, err := e.store.ListByStatus(ctx, state.StatusPushing)
	if err != nil {
		return nil, err
	}

	queue, err := e.store.Queue(ctx)
	if err != nil {
		return nil, err
	}

	now := e.nowFunc()
	queued := make(map[string]*state.QueueEntry, len(queue))

	for _, q := range queue {
		queued[q.NodeID] = q
	}

	candidates := make([]*state.Record, 0, len(modified)+len(pending)+len(pushing))
	candidates = append(candidates, modified...)
	candidates = append(candidates, pending...)
	candidates = append(candidates, pushing...)

	ids := make([]string, 0, len(candidates))

	for _, r := range candidates {
		if q, ok := queued[r.NodeID]; ok && (q.Exhausted || q.NextAttemptAt.After(now)) {
			continue
		}

		ids = append(ids, r.NodeID)
	}

	return ids, nil
}

// Retry re-arms an exhausted or backed-off record for immediate replay.
func (e *Engine) Retry(ctx context.Context, nodeID string) error {
	return e.store.ResetQueueEntry(ctx, nodeID, e.nowFunc())
}
