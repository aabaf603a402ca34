package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	gosync "sync"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/sailsync/internal/detector"
	"github.com/tonimelisma/sailsync/internal/remote"
	"github.com/tonimelisma/sailsync/internal/state"
	"github.com/tonimelisma/sailsync/internal/sync"
)

// errNeedsAttention marks a run that finished but left conflicts or
// exhausted retries behind.
var errNeedsAttention = errors.New("records need attention")

func newPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull <edition-id>",
		Short: "Materialize an edition tree into the workspace",
		Long: `Fetch the node tree of an edition and write one file per node under the
workspace. Files with local edits are left untouched and marked modified;
nodes removed remotely are removed locally unless they carry local work.`,
		Args: cobra.ExactArgs(1),
		RunE: runPull,
	}
}

func runPull(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	a, err := openApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.engine.Pull(ctx, args[0])
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		if err := printJSON(os.Stdout, rep); err != nil {
			return err
		}
	} else {
		cc.Statusf("Pulled %s: %d created, %d updated, %d moved, %d removed, %d skipped, %d conflicts\n",
			args[0], rep.Created, rep.Updated, rep.Moved, rep.Removed, rep.Skipped, rep.Conflicts)
	}

	if rep.Conflicts > 0 {
		return errNeedsAttention
	}

	return nil
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [node-id...]",
		Short: "Push local edits and refresh clean files",
		Long: `Run one sync pass. With node IDs, only those nodes sync; otherwise every
modified record and every queued retry that is due.

With --watch, sync keeps running: file changes and remote notifications
sync their node immediately, and a periodic pass replays the retry queue.
Only one watcher runs per workspace. --notify asks a running watcher for an
immediate full pass.`,
		RunE: runSync,
	}

	cmd.Flags().Bool("watch", false, "keep syncing until interrupted")
	cmd.Flags().Bool("notify", false, "trigger an immediate pass in the running watcher")
	cmd.Flags().String("retry", "", "re-arm an exhausted queue entry for a node, then sync it")

	cmd.MarkFlagsMutuallyExclusive("watch", "notify", "retry")

	return cmd
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	if !cc.Cfg.SyncEnabled {
		return errors.New("sync is disabled (sync_enabled = false)")
	}

	if notify, _ := cmd.Flags().GetBool("notify"); notify {
		pid, err := signalWatcher(cc.Cfg.PIDPath())
		if err != nil {
			return err
		}

		cc.Statusf("Asked watcher (PID %d) for a full pass\n", pid)

		return nil
	}

	a, err := openApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.Close()

	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		return runWatch(ctx, cc, a)
	}

	if id, _ := cmd.Flags().GetString("retry"); id != "" {
		if err := a.engine.Retry(ctx, id); err != nil {
			return err
		}

		args = []string{id}
	}

	rep, err := a.engine.SyncAll(ctx, args)
	if err != nil {
		return err
	}

	return reportSync(ctx, cc, a, rep)
}

type syncResultJSON struct {
	NodeID  string `json:"node_id"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

func reportSync(ctx context.Context, cc *CLIContext, a *app, rep *sync.Report) error {
	sum, err := a.engine.Status(ctx)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		results := make([]syncResultJSON, 0, len(rep.Results))
		for _, r := range rep.Results {
			out := syncResultJSON{NodeID: r.NodeID, Outcome: string(r.Outcome)}
			if r.Err != nil {
				out.Error = r.Err.Error()
			}

			results = append(results, out)
		}

		if err := printJSON(os.Stdout, map[string]any{"results": results, "status": sum}); err != nil {
			return err
		}
	} else {
		cc.Statusf("Synced %d nodes in %s: %d pushed, %d pulled, %d queued, %d conflicts, %d failed\n",
			len(rep.Results), rep.Duration.Round(1e6),
			rep.Count(sync.OutcomePushed), rep.Count(sync.OutcomePulled), rep.Count(sync.OutcomeQueued),
			rep.Count(sync.OutcomeConflict), rep.Count(sync.OutcomeFailed))

		for _, err := range rep.Errors() {
			fmt.Fprintf(os.Stderr, "  %v\n", err)
		}
	}

	if sum.Overall == sync.OverallConflict || sum.NeedsAttention > 0 {
		return fmt.Errorf("%w: %d conflicts, %d out of retries (see 'sailsync conflicts' and 'sailsync status')",
			errNeedsAttention, sum.Counts[state.StatusConflict], sum.NeedsAttention)
	}

	if errs := rep.Errors(); len(errs) > 0 {
		return fmt.Errorf("%d nodes failed to sync", len(errs))
	}

	return nil
}

// runWatch holds the workspace PID file and runs the engine, the change
// detector, remote notifications, and the session reaper until interrupted.
func runWatch(ctx context.Context, cc *CLIContext, a *app) error {
	cleanup, err := writePIDFile(cc.Cfg.PIDPath())
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(shutdownContext(ctx, cc.Logger))
	defer cancel()

	det := detector.New(cc.Cfg.WorkspaceDir, a.store, cc.Cfg.DebounceWindow(), cc.Logger)

	local, err := det.Watch(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if err := local.Close(); err != nil {
			cc.Logger.Warn("change detector stopped with error", slog.String("error", err.Error()))
		}
	}()

	opts := sync.WatchOpts{
		Interval: cc.Cfg.AutoSyncInterval(),
		Local:    local.C(),
		Resync:   resyncSignals(ctx),
	}

	if cc.Cfg.RemoteNotifications {
		events, stop, err := subscribeEditions(ctx, a)
		if err != nil {
			return err
		}
		defer stop()

		opts.Remote = events
	}

	cc.Statusf("Watching %s (Ctrl-C to stop)\n", cc.Cfg.WorkspaceDir)

	err = runAlongside(ctx, func(ctx context.Context) error {
		return a.engine.RunWatch(ctx, opts)
	}, a.sessions.RunReaper)

	// The subscription forwarders also stop only on cancellation.
	cancel()

	return err
}

// runAlongside runs loop with the background loops beside it. When loop
// returns, for any reason, the background loops are cancelled and awaited.
func runAlongside(ctx context.Context, loop func(context.Context) error, background ...func(context.Context)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg gosync.WaitGroup

	for _, run := range background {
		wg.Add(1)

		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}

	err := loop(ctx)

	cancel()
	wg.Wait()

	return err
}

// subscribeEditions opens the change feed of every edition with local
// records and fans them into one channel.
func subscribeEditions(ctx context.Context, a *app) (<-chan remote.Event, func(), error) {
	editions, err := a.engine.Editions(ctx)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan remote.Event)
	subs := make([]*remote.Subscription, 0, len(editions))

	var wg gosync.WaitGroup

	stop := func() {
		for _, s := range subs {
			s.Close()
		}

		wg.Wait()
	}

	for _, id := range editions {
		sub, err := a.client.Subscribe(ctx, id)
		if err != nil {
			stop()
			return nil, nil, fmt.Errorf("subscribing to edition %s: %w", id, err)
		}

		subs = append(subs, sub)
		wg.Add(1)

		go func() {
			defer wg.Done()

			for ev := range sub.C() {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	return out, stop, nil
}
