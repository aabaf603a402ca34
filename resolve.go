package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/sailsync/internal/config"
	"github.com/tonimelisma/sailsync/internal/state"
	"github.com/tonimelisma/sailsync/internal/sync"
)

// Resolution choices offered by the CLI.
const (
	choiceUseLocal  = "use-local"
	choiceUseRemote = "use-remote"
	choiceShow      = "show"
	choiceSkip      = "skip"
)

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve [node-id-or-path]",
		Short: "Resolve sync conflicts",
		Long: `Resolve a sync conflict with a chosen strategy.

Strategies:
  --use-local         Force-push the local file over the remote (asks for confirmation)
  --use-remote        Discard local edits and rewrite the file from the remote
  --merge-file PATH   Push the merged text in PATH; the node re-enters the normal push cycle
  --show              Print the three-way merge with conflict markers, for editing

With no strategy and conflict_strategy = "prompt", an interactive terminal
asks per conflict. Use --all to apply one strategy to every conflict.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runResolve,
	}

	cmd.Flags().Bool("use-local", false, "force-push the local file")
	cmd.Flags().Bool("use-remote", false, "replace the local file with the remote content")
	cmd.Flags().String("merge-file", "", "push the merged content in this file")
	cmd.Flags().Bool("show", false, "print the merge draft with conflict markers")
	cmd.Flags().Bool("all", false, "resolve every unresolved conflict")
	cmd.Flags().BoolP("yes", "y", false, "confirm forced pushes without asking")

	cmd.MarkFlagsMutuallyExclusive("use-local", "use-remote", "merge-file", "show")
	cmd.MarkFlagsMutuallyExclusive("all", "merge-file")
	cmd.MarkFlagsMutuallyExclusive("all", "show")

	return cmd
}

func runResolve(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")

	if !all && len(args) == 0 {
		return errors.New("specify a conflicted node ID or path, or use --all")
	}

	if all && len(args) > 0 {
		return errors.New("--all and a specific conflict argument are mutually exclusive")
	}

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

	if len(conflicts) == 0 {
		cc.Statusf("No unresolved conflicts.\n")
		return nil
	}

	if !all {
		target, err := findConflict(conflicts, args[0])
		if err != nil {
			return err
		}

		if target == nil {
			return fmt.Errorf("conflict not found: %s", args[0])
		}

		conflicts = []*state.Record{target}
	}

	r := &resolver{cmd: cmd, cc: cc, engine: a.engine}

	for _, rec := range conflicts {
		if err := r.resolve(ctx, rec); err != nil {
			return fmt.Errorf("resolving %s: %w", rec.LocalPath, err)
		}
	}

	return nil
}

// resolver settles one conflict per call according to the command flags.
type resolver struct {
	cmd    *cobra.Command
	cc     *CLIContext
	engine *sync.Engine
}

func (r *resolver) resolve(ctx context.Context, rec *state.Record) error {
	flags := r.cmd.Flags()

	if path, _ := flags.GetString("merge-file"); path != "" {
		return r.merge(ctx, rec, path)
	}

	choice, err := r.choice(ctx, rec)
	if err != nil {
		return err
	}

	switch choice {
	case choiceUseLocal:
		confirmed, err := r.confirmForce(rec)
		if err != nil {
			return err
		}

		if err := r.engine.UseLocal(ctx, rec.NodeID, confirmed); err != nil {
			return err
		}

		r.cc.Statusf("Resolved %s with the local content\n", rec.LocalPath)

	case choiceUseRemote:
		if err := r.engine.UseRemote(ctx, rec.NodeID); err != nil {
			return err
		}

		r.cc.Statusf("Resolved %s with the remote content\n", rec.LocalPath)

	case choiceShow:
		return r.show(ctx, rec)

	case choiceSkip:
		r.cc.Statusf("Skipped %s\n", rec.LocalPath)
	}

	return nil
}

// choice returns the strategy from the flags, or asks when none was given
// and the workspace is configured to prompt.
func (r *resolver) choice(ctx context.Context, rec *state.Record) (string, error) {
	flags := r.cmd.Flags()

	for _, name := range []string{choiceUseLocal, choiceUseRemote, choiceShow} {
		if on, _ := flags.GetBool(name); on {
			return name, nil
		}
	}

	if r.cc.Cfg.ConflictStrategy != config.ConflictPrompt || !isTerminal(os.Stdin) {
		return "", errors.New("specify a resolution strategy: --use-local, --use-remote, --merge-file, or --show")
	}

	c, err := r.engine.OpenConflict(ctx, rec.NodeID)
	if err != nil {
		return "", err
	}

	desc := fmt.Sprintf("%d conflicting regions", c.Diff.Conflicts)
	if c.Diff.Degraded {
		desc += " (no common ancestor, two-way diff)"
	}

	var choice string

	err = huh.NewSelect[string]().
		Title(fmt.Sprintf("Conflict in %s", rec.LocalPath)).
		Description(desc).
		Options(
			huh.NewOption("Keep my local edits (force-push)", choiceUseLocal),
			huh.NewOption("Take the remote version", choiceUseRemote),
			huh.NewOption("Show the merge draft", choiceShow),
			huh.NewOption("Skip for now", choiceSkip),
		).
		Value(&choice).
		Run()
	if err != nil {
		return "", promptErr(err)
	}

	return choice, nil
}

// confirmForce returns true when --yes was given or the user confirms. A
// forced push overwrites whatever the remote holds.
func (r *resolver) confirmForce(rec *state.Record) (bool, error) {
	if yes, _ := r.cmd.Flags().GetBool("yes"); yes {
		return true, nil
	}

	if !isTerminal(os.Stdin) {
		return false, fmt.Errorf("%w: pass --yes to force-push %s", sync.ErrNotConfirmed, rec.LocalPath)
	}

	var ok bool

	err := huh.NewConfirm().
		Title(fmt.Sprintf("Overwrite the remote copy of %s?", rec.Title)).
		Description("Remote edits since your last sync will be lost.").
		Affirmative("Overwrite").
		Negative("Cancel").
		Value(&ok).
		Run()
	if err != nil {
		return false, promptErr(err)
	}

	return ok, nil
}

func (r *resolver) merge(ctx context.Context, rec *state.Record, path string) error {
	merged, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading merge file: %w", err)
	}

	if hasConflictMarkers(string(merged)) {
		return fmt.Errorf("%s still contains conflict markers", path)
	}

	c, err := r.engine.OpenConflict(ctx, rec.NodeID)
	if err != nil {
		return err
	}

	res, err := r.engine.ManualMerge(ctx, c, string(merged))
	if err != nil {
		return err
	}

	switch res.Outcome {
	case sync.OutcomePushed:
		r.cc.Statusf("Merged %s and pushed\n", rec.LocalPath)
	case sync.OutcomeConflict:
		return fmt.Errorf("%w: the remote changed again while merging %s", errNeedsAttention, rec.LocalPath)
	default:
		r.cc.Statusf("Merged %s (%s)\n", rec.LocalPath, res.Outcome)
	}

	return nil
}

// show prints the merge draft. Clean merges print without markers.
func (r *resolver) show(ctx context.Context, rec *state.Record) error {
	c, err := r.engine.OpenConflict(ctx, rec.NodeID)
	if err != nil {
		return err
	}

	if r.cc.Flags.JSON {
		return printJSON(os.Stdout, c.Diff)
	}

	text, clean := c.Diff.Merged()
	fmt.Print(text)

	if c.RemoteDeleted {
		r.cc.Statusf("\n%s was deleted remotely. Run 'sailsync resolve %s --use-remote' to drop the local copy.\n",
			rec.NodeID, rec.NodeID)

		return nil
	}

	if !clean {
		r.cc.Statusf("\n%d conflicting regions. Edit the markers out and run 'sailsync resolve %s --merge-file <path>'.\n",
			c.Diff.Conflicts, rec.NodeID)
	}

	return nil
}

func hasConflictMarkers(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(line, "<<<<<<< ") || strings.HasPrefix(line, ">>>>>>> ") {
			return true
		}
	}

	return false
}

func promptErr(err error) error {
	if errors.Is(err, huh.ErrUserAborted) {
		return errors.New("aborted")
	}

	return err
}

// errAmbiguousPrefix wraps the ambiguous prefix value for diagnostics.
func errAmbiguousPrefix(prefix string) error {
	return fmt.Errorf("ambiguous node ID prefix %q: provide more characters", prefix)
}

// findConflict searches conflicted records by exact node ID, exact path, or
// node ID prefix. Returns an error if a prefix matches more than one record.
func findConflict(conflicts []*state.Record, idOrPath string) (*state.Record, error) {
	// Every ID starts with "".
	if idOrPath == "" {
		return nil, nil
	}

	for _, c := range conflicts {
		if c.NodeID == idOrPath || c.LocalPath == idOrPath {
			return c, nil
		}
	}

	var match *state.Record

	for _, c := range conflicts {
		if strings.HasPrefix(c.NodeID, idOrPath) {
			if match != nil {
				return nil, errAmbiguousPrefix(idOrPath)
			}

			match = c
		}
	}

	return match, nil
}
