package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/sailsync/internal/state"
)

// timeLayout is the timestamp format used in JSON output.
const timeLayout = time.RFC3339

func newConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List unresolved sync conflicts",
		Long: `Display every conflicted record in the workspace.

A node is conflicted when its local file and the remote both changed since
the last sync. Use 'sailsync resolve' to settle one.`,
		Args: cobra.NoArgs,
		RunE: runConflicts,
	}
}

// conflictJSON is the JSON-serializable representation of a conflict.
type conflictJSON struct {
	NodeID          string `json:"node_id"`
	EditionID       string `json:"edition_id"`
	Path            string `json:"path"`
	Title           string `json:"title"`
	LocalUpdatedAt  string `json:"local_updated_at,omitempty"`
	RemoteUpdatedAt string `json:"remote_updated_at,omitempty"`
}

func runConflicts(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	a, err := openApp(ctx, cc)
	if err != nil {
		return err
	}
	defer a.Close()

	conflicts, err := a.engine.Conflicts(ctx)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(os.Stdout, conflictsJSON(conflicts))
	}

	if len(conflicts) == 0 {
		fmt.Println("No unresolved conflicts.")
		return nil
	}

	printConflictsTable(conflicts)

	return nil
}

func conflictsJSON(conflicts []*state.Record) []conflictJSON {
	items := make([]conflictJSON, len(conflicts))
	for i, c := range conflicts {
		items[i] = conflictJSON{
			NodeID:          c.NodeID,
			EditionID:       c.EditionID,
			Path:            c.LocalPath,
			Title:           c.Title,
			LocalUpdatedAt:  jsonTime(c.LocalUpdatedAt),
			RemoteUpdatedAt: jsonTime(c.RemoteUpdatedAt),
		}
	}

	return items
}

func printConflictsTable(conflicts []*state.Record) {
	headers := []string{"NODE", "PATH", "LOCAL EDIT", "REMOTE VERSION"}
	rows := make([][]string, len(conflicts))

	for i, c := range conflicts {
		rows[i] = []string{shortID(c.NodeID), c.LocalPath, formatTime(c.LocalUpdatedAt), formatTime(c.RemoteUpdatedAt)}
	}

	printTable(os.Stdout, headers, rows)
}

func jsonTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(timeLayout)
}
