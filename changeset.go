package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/sailsync/internal/changes"
	"github.com/tonimelisma/sailsync/internal/state"
)

func newChangeSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "changeset",
		Aliases: []string{"cs"},
		Short:   "Inspect, apply, and roll back change sets",
		Long: `Every change to authoritative data is recorded as a change set of
field-level items with old and new values. Applying checks each old value
against the authoritative store first; rolling back checks each new value.`,
	}

	cmd.AddCommand(newChangeSetListCmd())
	cmd.AddCommand(newChangeSetShowCmd())
	cmd.AddCommand(newChangeSetApplyCmd())
	cmd.AddCommand(newChangeSetRollbackCmd())

	return cmd
}

func newChangeSetListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List change sets, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			f := state.ChangeSetFilter{}
			f.EditionID, _ = cmd.Flags().GetString("edition")
			f.SessionID, _ = cmd.Flags().GetString("session")
			f.Limit, _ = cmd.Flags().GetInt("limit")

			status, _ := cmd.Flags().GetString("status")
			f.Status = state.ChangeStatus(status)

			sets, err := a.pipeline.List(ctx, f)
			if err != nil {
				return err
			}

			return output(cc, sets, func() {
				if len(sets) == 0 {
					fmt.Println("No change sets.")
					return
				}

				rows := make([][]string, len(sets))
				for i, cs := range sets {
					rows[i] = []string{cs.ID, string(cs.Source), changeStatus(cs.Status), cs.CreatedBy, formatTime(cs.CreatedAt), cs.Reason}
				}

				printTable(os.Stdout, []string{"CHANGE SET", "SOURCE", "STATUS", "BY", "CREATED", "REASON"}, rows)
			})
		},
	}

	cmd.Flags().String("edition", "", "only change sets of this edition")
	cmd.Flags().String("session", "", "only change sets committed by this session")
	cmd.Flags().String("status", "", "only change sets in this status (pending, applied, rolled_back, failed)")
	cmd.Flags().Int("limit", 100, "maximum number of change sets")

	return cmd
}

func newChangeSetShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <change-set-id>",
		Short: "Show a change set with its items and review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			d, err := a.pipeline.Get(ctx, args[0])
			if err != nil {
				return err
			}

			return output(cc, d, func() { printDetail(d) })
		},
	}
}

func printDetail(d *changes.Detail) {
	cs := d.Set

	fmt.Printf("%s %s (%s)\n", styleHeading.Render("Change set"), cs.ID, changeStatus(cs.Status))
	fmt.Printf("  source:  %s\n", cs.Source)
	fmt.Printf("  by:      %s at %s\n", cs.CreatedBy, formatTime(cs.CreatedAt))

	if cs.Reason != "" {
		fmt.Printf("  reason:  %s\n", cs.Reason)
	}

	if cs.SessionID != "" {
		fmt.Printf("  session: %s\n", cs.SessionID)
	}

	if cs.ErrorMessage != "" {
		fmt.Printf("  error:   %s\n", styleConflict.Render(cs.ErrorMessage))
	}

	if d.Review != nil {
		fmt.Printf("  review:  %s %s (%s)\n", d.Review.ID, d.Review.Status, d.Review.Reviewer)
	}

	fmt.Println()

	rows := make([][]string, len(d.Items))
	for i, it := range d.Items {
		rows[i] = []string{
			fmt.Sprint(it.Seq), string(it.Operation), it.TargetTable + "/" + it.TargetID + "." + it.Column,
			valueText(it.OldValue), valueText(it.NewValue),
		}
	}

	printTable(os.Stdout, []string{"#", "OP", "FIELD", "OLD", "NEW"}, rows)
}

func valueText(v []byte) string {
	if v == nil {
		return "-"
	}

	return string(v)
}

func changeStatus(s state.ChangeStatus) string {
	switch s {
	case state.ChangeApplied:
		return styleSynced.Render(string(s))
	case state.ChangeFailed:
		return styleConflict.Render(string(s))
	default:
		return stylePending.Render(string(s))
	}
}

func newChangeSetApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply <change-set-id>",
		Short: "Apply an approved change set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			cs, err := a.pipeline.Apply(ctx, args[0])
			if err != nil {
				return err
			}

			return output(cc, cs, func() { cc.Statusf("Applied %s\n", cs.ID) })
		},
	}
}

func newChangeSetRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <change-set-id>",
		Short: "Roll back an applied change set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			cs, err := a.pipeline.Rollback(ctx, args[0])
			if err != nil {
				return err
			}

			return output(cc, cs, func() { cc.Statusf("Rolled back %s\n", cs.ID) })
		},
	}
}

func newReviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Decide review tasks for pending change sets",
	}

	cmd.AddCommand(newReviewListCmd())
	cmd.AddCommand(newReviewDecideCmd("approve", "Approve a change set (applies it when auto_apply_on_approve is set)"))
	cmd.AddCommand(newReviewDecideCmd("reject", "Reject a change set"))
	cmd.AddCommand(newReviewDecideCmd("cancel", "Cancel a review without a decision"))

	return cmd
}

func newReviewListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List review tasks, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			f := state.ReviewFilter{}
			f.Reviewer, _ = cmd.Flags().GetString("reviewer")
			f.Limit, _ = cmd.Flags().GetInt("limit")

			status, _ := cmd.Flags().GetString("status")
			f.Status = state.ReviewStatus(status)

			reviews, err := a.pipeline.ListReviews(ctx, f)
			if err != nil {
				return err
			}

			return output(cc, reviews, func() {
				if len(reviews) == 0 {
					fmt.Println("No reviews.")
					return
				}

				rows := make([][]string, len(reviews))
				for i, r := range reviews {
					rows[i] = []string{r.ID, r.ChangeSetID, r.Reviewer, string(r.Status), formatTime(r.CreatedAt)}
				}

				printTable(os.Stdout, []string{"REVIEW", "CHANGE SET", "REVIEWER", "STATUS", "CREATED"}, rows)
			})
		},
	}

	cmd.Flags().String("reviewer", "", "only tasks assigned to this reviewer")
	cmd.Flags().String("status", string(state.ReviewPending), "only tasks in this status")
	cmd.Flags().Int("limit", 0, "maximum number of tasks")

	return cmd
}

func newReviewDecideCmd(verb, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   verb + " <review-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			comments, _ := cmd.Flags().GetString("comments")

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			var d *changes.Decided

			switch verb {
			case "approve":
				d, err = a.pipeline.Approve(ctx, args[0], comments)
			case "reject":
				d, err = a.pipeline.Reject(ctx, args[0], comments)
			default:
				d, err = a.pipeline.CancelReview(ctx, args[0], comments)
			}

			if err != nil {
				return err
			}

			if err := output(cc, d, func() {
				cc.Statusf("Review %s %s\n", d.Review.ID, d.Review.Status)

				if d.Set != nil {
					cc.Statusf("Change set %s is %s\n", d.Set.ID, d.Set.Status)
				}
			}); err != nil {
				return err
			}

			if d.ApplyErr != nil {
				return fmt.Errorf("approved, but applying failed: %w", d.ApplyErr)
			}

			return nil
		},
	}

	cmd.Flags().String("comments", "", "review comments")

	return cmd
}
