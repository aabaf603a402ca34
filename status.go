package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/sailsync/internal/state"
	"github.com/tonimelisma/sailsync/internal/sync"
)

// Watcher state labels for status output.
const (
	watcherRunning = "running"
	watcherStopped = "stopped"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workspace sync status",
		Long: `Display the aggregate sync state of the workspace: synced, pending, or
conflict. A conflict anywhere dominates pending work, which dominates synced.

Also shows per-status record counts, queue entries that ran out of retries,
and whether a "sync --watch" process holds the workspace.`,
		RunE: runStatus,
	}

	cmd.Flags().Bool("records", false, "list every record that is not synced")

	return cmd
}

// statusOutput is the JSON shape of the status command.
type statusOutput struct {
	Workspace  string          `json:"workspace"`
	Watcher    string          `json:"watcher"`
	WatcherPID int             `json:"watcher_pid,omitempty"`
	Summary    *sync.Summary   `json:"summary"`
	Queue      []queueJSON     `json:"queue,omitempty"`
	Records    []recordRowJSON `json:"records,omitempty"`
}

type queueJSON struct {
	NodeID        string `json:"node_id"`
	Attempts      int    `json:"attempts"`
	NextAttemptAt string `json:"next_attempt_at,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	Exhausted     bool   `json:"exhausted"`
}

type recordRowJSON struct {
	NodeID string       `json:"node_id"`
	Path   string       `json:"path"`
	Status state.Status `json:"status"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	a, err := openApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.Close()

	sum, err := a.engine.Status(ctx)
	if err != nil {
		return err
	}

	out := statusOutput{Workspace: cc.Cfg.WorkspaceDir, Watcher: watcherStopped, Summary: sum}

	if pid, ok := runningWatcher(cc.Cfg.PIDPath()); ok {
		out.Watcher, out.WatcherPID = watcherRunning, pid
	}

	queue, err := a.store.Queue(ctx)
	if err != nil {
		return err
	}

	for _, q := range queue {
		entry := queueJSON{NodeID: q.NodeID, Attempts: q.Attempts, LastError: q.LastError, Exhausted: q.Exhausted}
		if !q.Exhausted {
			entry.NextAttemptAt = jsonTime(q.NextAttemptAt)
		}

		out.Queue = append(out.Queue, entry)
	}

	if all, _ := cmd.Flags().GetBool("records"); all {
		records, err := a.store.List(ctx)
		if err != nil {
			return err
		}

		for _, r := range records {
			if r.Status != state.StatusSynced {
				out.Records = append(out.Records, recordRowJSON{NodeID: r.NodeID, Path: r.LocalPath, Status: r.Status})
			}
		}
	}

	if cc.Flags.JSON {
		return printJSON(os.Stdout, out)
	}

	printStatusText(out)

	return nil
}

func printStatusText(out statusOutput) {
	fmt.Printf("%s %s\n", styleHeading.Render("Workspace:"), out.Workspace)
	fmt.Printf("%s %s (%d records)\n", styleHeading.Render("Status:   "), overallIndicator(out.Summary.Overall), out.Summary.Total)

	watcher := out.Watcher
	if out.WatcherPID > 0 {
		watcher = fmt.Sprintf("%s (PID %d)", watcher, out.WatcherPID)
	}

	fmt.Printf("%s %s\n", styleHeading.Render("Watcher:  "), watcher)

	statuses := make([]state.Status, 0, len(out.Summary.Counts))
	for s := range out.Summary.Counts {
		statuses = append(statuses, s)
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })

	for _, s := range statuses {
		fmt.Printf("  %-16s %d\n", recordStatus(s), out.Summary.Counts[s])
	}

	if len(out.Queue) > 0 {
		fmt.Println()

		rows := make([][]string, 0, len(out.Queue))
		for _, q := range out.Queue {
			next := q.NextAttemptAt
			if q.Exhausted {
				next = styleConflict.Render("out of retries")
			}

			rows = append(rows, []string{q.NodeID, fmt.Sprint(q.Attempts), next, q.LastError})
		}

		printTable(os.Stdout, []string{"QUEUED NODE", "ATTEMPTS", "NEXT", "LAST ERROR"}, rows)
	}

	if out.Summary.NeedsAttention > 0 {
		fmt.Printf("\n%d queued nodes are out of retries. Run 'sailsync sync --retry <node-id>' to re-arm one.\n",
			out.Summary.NeedsAttention)
	}

	if len(out.Records) > 0 {
		fmt.Println()

		rows := make([][]string, 0, len(out.Records))
		for _, r := range out.Records {
			rows = append(rows, []string{r.NodeID, r.Path, recordStatus(r.Status)})
		}

		printTable(os.Stdout, []string{"NODE", "PATH", "STATUS"}, rows)
	}
}
