package sync

import (
	"context"
	"errors"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/tonimelisma/sailsync/internal/detector"
	"github.com/tonimelisma/sailsync/internal/remote"
	"github.com/tonimelisma/sailsync/internal/syncerr"
)

// WatchOpts configures RunWatch.
type WatchOpts struct {
	// Interval between replay passes over modified and queued records.
	// Zero disables the periodic pass.
	Interval time.Duration

	// Local delivers debounced file changes. Nil disables local watching.
	Local <-chan detector.Change

	// Remote delivers server change notifications. Nil disables them.
	Remote <-chan remote.Event

	// Resync requests an immediate full pass, as the ticker does.
	Resync <-chan struct{}
}

// RunWatch runs the engine continuously until ctx is canceled. Each local
// change or remote notification syncs its node; the ticker replays modified
// and due queued records. Per-node ordering holds because every sync takes
// the node lock.
func (e *Engine) RunWatch(ctx context.Context, opts WatchOpts) error {
	var wg gosync.WaitGroup
	defer wg.Wait()

	spawn := func(nodeID, reason string) {
		wg.Add(1)

		go func() {
			defer wg.Done()

			res, err := e.SyncNode(ctx, nodeID)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, syncerr.ErrNotFound) {
					e.logger.Warn("sync failed",
						slog.String("node_id", nodeID),
						slog.String("trigger", reason),
						slog.String("error", err.Error()),
					)
				}

				return
			}

			e.logger.Debug("node synced",
				slog.String("node_id", nodeID),
				slog.String("trigger", reason),
				slog.String("outcome", string(res.Outcome)),
			)
		}()
	}

	if _, err := e.SyncAll(ctx, nil); err != nil {
		return err
	}

	var tick <-chan time.Time

	if opts.Interval > 0 {
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()

		tick = ticker.C
	}

	local, events := opts.Local, opts.Remote

	for {
		select {
		case <-ctx.Done():
			return nil

		case c, ok := <-local:
			if !ok {
				local = nil
				continue
			}

			spawn(c.NodeID, "local")

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}

			spawn(ev.NodeID, "remote")

		case <-opts.Resync:
			e.logger.Info("resync requested")
			e.fullPass(ctx)

		case <-tick:
			e.fullPass(ctx)
		}
	}
}

func (e *Engine) fullPass(ctx context.Context) {
	if _, err := e.SyncAll(ctx, nil); err != nil && ctx.Err() == nil {
		e.logger.Warn("periodic sync failed", slog.String("error", err.Error()))
	}
}
