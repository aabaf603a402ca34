package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/sailsync/internal/detector"
	"github.com/tonimelisma/sailsync/internal/diff3"
	"github.com/tonimelisma/sailsync/internal/remote"
	"github.com/tonimelisma/sailsync/internal/state"
	"github.com/tonimelisma/sailsync/internal/syncerr"
)

// ErrNotConfirmed is returned by UseLocal without explicit confirmation.
var ErrNotConfirmed = errors.New("sync: forced push requires confirmation")

// ErrRemoteDeleted is returned by ManualMerge for a node the remote no
// longer has. Such a conflict is settled with UseRemote, which drops the
// local copy.
var ErrRemoteDeleted = errors.New("sync: node was deleted remotely")

// ErrNotInConflict is returned when resolving a record that is not
// conflicted.
var ErrNotInConflict = errors.New("sync: record is not in conflict")

// ResolutionKind names how a conflict was settled.
type ResolutionKind string

// Resolution kinds.
const (
	ResolvedUseLocal    ResolutionKind = "use_local"
	ResolvedUseRemote   ResolutionKind = "use_remote"
	ResolvedManualMerge ResolutionKind = "manual_merge"
)

// Resolution describes a settled conflict. OldContent is what the remote
// held before; NewContent is what both sides hold now.
type Resolution struct {
	NodeID     string
	EditionID  string
	Kind       ResolutionKind
	OldContent string
	NewContent string
	Version    time.Time
}

// Conflict is the three-way view of a conflicted node. HasBase is false
// when the node was never synced; Diff is then a degraded two-way diff.
// RemoteDeleted marks a node gone from the remote; Remote is empty then.
type Conflict struct {
	NodeID          string
	LocalPath       string
	Local           string
	Remote          string
	Base            string
	HasBase         bool
	RemoteDeleted   bool
	RemoteUpdatedAt time.Time
	Diff            *diff3.Result
}

// Conflicts lists the conflicted records.
func (e *Engine) Conflicts(ctx context.Context) ([]*state.Record, error) {
	return e.store.ListByStatus(ctx, state.StatusConflict)
}

// OpenConflict assembles the local, remote and base texts for a conflicted
// node.
func (e *Engine) OpenConflict(ctx context.Context, nodeID string) (*Conflict, error) {
	unlock := e.locks.Lock(nodeID)
	defer unlock()

	rec, err := e.conflicted(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	local, err := e.readLocal(rec.LocalPath)
	if err != nil && !errors.Is(err, errLocalMissing) {
		return nil, err
	}

	c := &Conflict{
		NodeID:    nodeID,
		LocalPath: rec.LocalPath,
		Local:     local,
	}

	fetched, err := e.remote.FetchNode(ctx, nodeID)

	switch {
	case err == nil:
		c.Remote = fetched.Content
		c.RemoteUpdatedAt = fetched.RemoteUpdatedAt
	case errors.Is(err, syncerr.ErrNotFound):
		c.RemoteDeleted = true
	default:
		return nil, fmt.Errorf("sync: fetching %s: %w", nodeID, err)
	}

	base, err := e.store.GetBase(ctx, nodeID)

	switch {
	case err == nil:
		c.Base = base.Content
		c.HasBase = true
		c.Diff = diff3.ThreeWay(c.Base, c.Local, c.Remote)
	case errors.Is(err, syncerr.ErrNotFound):
		c.Diff = diff3.TwoWay(c.Local, c.Remote)
	default:
		return nil, err
	}

	return c, nil
}

// UseLocal settles a conflict by force-pushing the local content. A
// rejected forced push is fatal and leaves the record conflicted.
func (e *Engine) UseLocal(ctx context.Context, nodeID string, confirmed bool) error {
	if !confirmed {
		return ErrNotConfirmed
	}

	unlock := e.locks.Lock(nodeID)
	defer unlock()

	if _, err := e.conflicted(ctx, nodeID); err != nil {
		return err
	}

	return e.useLocalLocked(ctx, nodeID)
}

func (e *Engine) useLocalLocked(ctx context.Context, nodeID string) error {
	rec, err := e.store.Get(ctx, nodeID)
	if err != nil {
		return err
	}

	content, err := e.readLocal(rec.LocalPath)
	if err != nil {
		return err
	}

	var old string
	if prev, err := e.remote.FetchNode(ctx, nodeID); err == nil {
		old = prev.Content
	}

	pushed, err := e.remote.ForcePushNode(ctx, nodeID, content)
	if err != nil {
		if syncerr.Retryable(err) || ctx.Err() != nil {
			return fmt.Errorf("sync: forced push of %s: %w", nodeID, err)
		}

		e.logger.Error("forced push rejected", slog.String("node_id", nodeID), slog.String("error", err.Error()))

		return syncerr.New(syncerr.ErrFatal, "sync.use_local", nodeID, err)
	}

	hash := detector.Hash([]byte(content))

	rec.ContentHash = hash
	rec.SyncedHash = hash
	rec.RemoteUpdatedAt = pushed.RemoteUpdatedAt
	rec.Status = state.StatusSynced

	if err := e.store.Upsert(ctx, rec); err != nil {
		return err
	}

	if err := e.store.SaveBase(ctx, nodeID, content, pushed.RemoteUpdatedAt); err != nil {
		return err
	}

	if err := e.store.Dequeue(ctx, nodeID); err != nil {
		return err
	}

	e.logger.Info("conflict resolved with local content", slog.String("node_id", nodeID))

	e.resolved(ctx, Resolution{
		NodeID:     nodeID,
		EditionID:  rec.EditionID,
		Kind:       ResolvedUseLocal,
		OldContent: old,
		NewContent: content,
		Version:    pushed.RemoteUpdatedAt,
	})

	return nil
}

// UseRemote settles a conflict by discarding local edits. For a node the
// remote deleted, the local file and record are removed.
func (e *Engine) UseRemote(ctx context.Context, nodeID string) error {
	unlock := e.locks.Lock(nodeID)
	defer unlock()

	if _, err := e.conflicted(ctx, nodeID); err != nil {
		return err
	}

	return e.useRemoteLocked(ctx, nodeID, nil)
}

func (e *Engine) useRemoteLocked(ctx context.Context, nodeID string, fetched *remote.Node) error {
	rec, err := e.store.Get(ctx, nodeID)
	if err != nil {
		return err
	}

	if fetched == nil {
		fetched, err = e.remote.FetchNode(ctx, nodeID)
		if errors.Is(err, syncerr.ErrNotFound) {
			return e.dropLocal(ctx, rec)
		}

		if err != nil {
			return fmt.Errorf("sync: fetching %s: %w", nodeID, err)
		}
	}

	if err := e.writeRemote(ctx, rec, fetched); err != nil {
		return err
	}

	e.logger.Info("conflict resolved with remote content", slog.String("node_id", nodeID))

	return nil
}

// dropLocal removes the local copy of a node the remote deleted.
func (e *Engine) dropLocal(ctx context.Context, rec *state.Record) error {
	if err := e.removeLocal(rec.LocalPath); err != nil {
		return err
	}

	if err := e.store.Delete(ctx, rec.NodeID); err != nil {
		return err
	}

	if err := e.store.Dequeue(ctx, rec.NodeID); err != nil {
		return err
	}

	e.logger.Info("conflict resolved by accepting remote deletion", slog.String("node_id", rec.NodeID))

	return nil
}

// ManualMerge accepts merged text for a conflict opened with OpenConflict.
// The remote text the user merged against becomes the new base and its
// version the expected version, then the node re-enters the push cycle.
// If the remote moved again since OpenConflict, the push detects it and
// the record is conflicted afresh.
func (e *Engine) ManualMerge(ctx context.Context, c *Conflict, merged string) (Result, error) {
	if c.RemoteDeleted {
		return Result{NodeID: c.NodeID}, fmt.Errorf("%w: %s", ErrRemoteDeleted, c.NodeID)
	}

	unlock := e.locks.Lock(c.NodeID)
	defer unlock()

	rec, err := e.conflicted(ctx, c.NodeID)
	if err != nil {
		return Result{NodeID: c.NodeID}, err
	}

	if err := writeAtomic(e.absPath(rec.LocalPath), []byte(merged)); err != nil {
		return Result{NodeID: c.NodeID}, err
	}

	if err := e.store.SaveBase(ctx, c.NodeID, c.Remote, c.RemoteUpdatedAt); err != nil {
		return Result{NodeID: c.NodeID}, err
	}

	rec.ContentHash = detector.Hash([]byte(merged))
	rec.SyncedHash = detector.Hash([]byte(c.Remote))
	rec.RemoteUpdatedAt = c.RemoteUpdatedAt
	rec.LocalUpdatedAt = e.nowFunc()
	rec.Status = state.StatusModified

	if err := e.store.Upsert(ctx, rec); err != nil {
		return Result{NodeID: c.NodeID}, err
	}

	res, err := e.syncLocked(ctx, c.NodeID)
	if err == nil && res.Outcome == OutcomePushed {
		e.resolved(ctx, Resolution{
			NodeID:     c.NodeID,
			EditionID:  rec.EditionID,
			Kind:       ResolvedManualMerge,
			OldContent: c.Remote,
			NewContent: merged,
			Version:    c.RemoteUpdatedAt,
		})
	}

	return res, err
}

func (e *Engine) conflicted(ctx context.Context, nodeID string) (*state.Record, error) {
	rec, err := e.store.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	if rec.Status != state.StatusConflict {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotInConflict, nodeID, rec.Status)
	}

	return rec, nil
}

func (e *Engine) resolved(ctx context.Context, r Resolution) {
	if e.onResolved != nil {
		e.onResolved(ctx, r)
	}
}
