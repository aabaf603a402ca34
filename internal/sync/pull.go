package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/sailsync/internal/detector"
	"github.com/tonimelisma/sailsync/internal/remote"
	"github.com/tonimelisma/sailsync/internal/state"
	"github.com/tonimelisma/sailsync/internal/syncerr"
)

// PullReport counts what a Pull did.
type PullReport struct {
	Created   int
	Updated   int
	Moved     int
	Removed   int
	Skipped   int // records with local work left untouched
	Conflicts int // deleted remotely while edited locally
}

// Pull materializes an edition tree into the workspace. New nodes get a file
// and a synced record. Synced records follow remote moves and content
// changes; records with pending local work are left for SyncAll. Nodes gone
// from the remote are removed locally when clean and become conflicts when
// they carry local edits.
func (e *Engine) Pull(ctx context.Context, editionID string) (*PullReport, error) {
	nodes, err := e.remote.FetchTree(ctx, editionID)
	if err != nil {
		return nil, fmt.Errorf("sync: fetching tree %s: %w", editionID, err)
	}

	paths := LayoutTree(editionID, nodes)
	rep := &PullReport{}
	seen := make(map[string]bool, len(nodes))

	for _, n := range nodes {
		seen[n.ID] = true

		if err := e.pullNode(ctx, editionID, n, paths[n.ID], rep); err != nil {
			return rep, err
		}
	}

	if err := e.pruneMissing(ctx, editionID, seen, rep); err != nil {
		return rep, err
	}

	if err := e.WriteManifest(ctx, editionID); err != nil {
		return rep, err
	}

	e.logger.Info("pulled edition",
		slog.String("edition_id", editionID),
		slog.Int("created", rep.Created),
		slog.Int("updated", rep.Updated),
		slog.Int("moved", rep.Moved),
		slog.Int("removed", rep.Removed),
		slog.Int("skipped", rep.Skipped),
		slog.Int("conflicts", rep.Conflicts),
	)

	return rep, nil
}

func (e *Engine) pullNode(ctx context.Context, editionID string, n *remote.Node, localPath string, rep *PullReport) error {
	unlock := e.locks.Lock(n.ID)
	defer unlock()

	rec, err := e.store.Get(ctx, n.ID)
	if errors.Is(err, syncerr.ErrNotFound) {
		rec = &state.Record{NodeID: n.ID, EditionID: editionID, LocalPath: localPath}
		applyNodeMeta(rec, n)

		if err := e.writeRemote(ctx, rec, n); err != nil {
			return err
		}

		rep.Created++

		return nil
	}

	if err != nil {
		return err
	}

	if rec.Status != state.StatusSynced {
		rep.Skipped++
		return nil
	}

	if rec.LocalPath != localPath {
		if err := e.moveLocal(rec.LocalPath, localPath); err != nil {
			return err
		}

		rec.LocalPath = localPath
		rep.Moved++
	}

	applyNodeMeta(rec, n)

	local, err := e.readLocal(rec.LocalPath)
	if err != nil && !errors.Is(err, errLocalMissing) {
		return err
	}

	if err == nil {
		if h := detector.Hash([]byte(local)); h != rec.SyncedHash {
			// Edited since the last observation; the detector missed it.
			if err := e.store.Upsert(ctx, rec); err != nil {
				return err
			}

			rep.Skipped++

			return e.store.MarkModified(ctx, rec.NodeID, h, e.nowFunc())
		}
	}

	if err == nil && n.RemoteUpdatedAt.Equal(rec.RemoteUpdatedAt) {
		return e.store.Upsert(ctx, rec)
	}

	if err := e.writeRemote(ctx, rec, n); err != nil {
		return err
	}

	rep.Updated++

	return nil
}

func applyNodeMeta(rec *state.Record, n *remote.Node) {
	rec.Title = n.Title
	rec.NodeType = n.NodeType
	rec.ParentID = n.ParentID
	rec.OrderIndex = n.OrderIndex
}

func (e *Engine) pruneMissing(ctx context.Context, editionID string, seen map[string]bool, rep *PullReport) error {
	records, err := e.store.ListByEdition(ctx, editionID)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if seen[rec.NodeID] {
			continue
		}

		if err := e.dropRemoved(ctx, rec.NodeID, rep); err != nil {
			return err
		}
	}

	return nil
}

// dropRemoved handles a node that is gone from the remote tree. The record
// is re-read under the node lock and the file re-hashed, so edits the
// detector has not reported yet still count as local work.
func (e *Engine) dropRemoved(ctx context.Context, nodeID string, rep *PullReport) error {
	unlock := e.locks.Lock(nodeID)
	defer unlock()

	rec, err := e.store.Get(ctx, nodeID)
	if errors.Is(err, syncerr.ErrNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	if rec.Status == state.StatusSynced {
		local, err := e.readLocal(rec.LocalPath)
		if err != nil && !errors.Is(err, errLocalMissing) {
			return err
		}

		if err == nil {
			if h := detector.Hash([]byte(local)); h != rec.SyncedHash {
				if err := e.store.MarkModified(ctx, nodeID, h, e.nowFunc()); err != nil {
					return err
				}

				rec.Status = state.StatusModified
			}
		}
	}

	if rec.Status != state.StatusSynced {
		rep.Conflicts++

		if rec.Status == state.StatusConflict {
			return nil
		}

		e.logger.Warn("node deleted remotely while edited locally", slog.String("node_id", nodeID))

		if err := e.store.MarkConflict(ctx, nodeID); err != nil {
			return err
		}

		return e.store.Dequeue(ctx, nodeID)
	}

	if err := e.removeLocal(rec.LocalPath); err != nil {
		return err
	}

	if err := e.store.Delete(ctx, nodeID); err != nil {
		return err
	}

	rep.Removed++

	return nil
}
