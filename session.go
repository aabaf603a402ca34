package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/sailsync/internal/api"
	"github.com/tonimelisma/sailsync/internal/collab"
	"github.com/tonimelisma/sailsync/internal/state"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Run collaboration sessions over nodes and records",
		Long: `A session locks one target (a node, entity, relation, or event) and
collects drafts from people and from the suggestion provider. Committing
turns the selected drafts into one pending change set for review.`,
	}

	cmd.AddCommand(newSessionOpenCmd())
	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionShowCmd())
	cmd.AddCommand(newSessionHeartbeatCmd())
	cmd.AddCommand(newSessionDraftCmd())
	cmd.AddCommand(newSessionSuggestCmd())
	cmd.AddCommand(newDraftStatusCmd("approve", state.DraftApproved))
	cmd.AddCommand(newDraftStatusCmd("reject", state.DraftRejected))
	cmd.AddCommand(newSessionCommitCmd())
	cmd.AddCommand(newSessionCancelCmd())

	return cmd
}

// currentUser names the actor recorded on sessions and change sets when
// --by is not given.
func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}

	return "sailsync"
}

// output prints v as JSON when --json is set, otherwise calls text.
func output(cc *CLIContext, v any, text func()) error {
	if cc.Flags.JSON {
		return printJSON(os.Stdout, api.Wire(v))
	}

	text()

	return nil
}

func newSessionOpenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open <target-type> <target-id>",
		Short: "Open a session and lock its target",
		Long: `Open a session on a node, entity, relation, or event. The target stays
locked until the session commits, is cancelled, or its lease expires.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			edition, _ := cmd.Flags().GetString("edition")
			scope, _ := cmd.Flags().GetString("scope")
			by, _ := cmd.Flags().GetString("by")

			sess, err := a.sessions.Open(ctx, collab.OpenRequest{
				EditionID:  edition,
				TargetType: state.TargetType(args[0]),
				TargetID:   args[1],
				LockScope:  scope,
				CreatedBy:  by,
			})
			if err != nil {
				return err
			}

			return output(cc, sess, func() {
				fmt.Println(sess.ID)
				cc.Statusf("Opened session on %s %s; renew it with 'sailsync session heartbeat %s'\n",
					sess.TargetType, sess.TargetID, sess.ID)
			})
		},
	}

	cmd.Flags().String("edition", "", "edition the target belongs to")
	cmd.Flags().String("scope", "", "lock scope label")
	cmd.Flags().String("by", currentUser(), "who opens the session")

	_ = cmd.MarkFlagRequired("edition")

	return cmd
}

func newSessionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Long:  `List sessions holding a lock, newest first. --all includes committed and closed sessions.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			f := state.SessionFilter{}
			f.EditionID, _ = cmd.Flags().GetString("edition")
			f.CreatedBy, _ = cmd.Flags().GetString("by")
			f.Limit, _ = cmd.Flags().GetInt("limit")

			if all, _ := cmd.Flags().GetBool("all"); all {
				f.States = []state.SessionState{
					state.SessionActive, state.SessionHasDraft, state.SessionNeedsMerge,
					state.SessionCommitted, state.SessionClosed,
				}
			}

			sessions, err := a.sessions.List(ctx, f)
			if err != nil {
				return err
			}

			return output(cc, sessions, func() {
				if len(sessions) == 0 {
					fmt.Println("No sessions.")
					return
				}

				rows := make([][]string, len(sessions))
				for i, s := range sessions {
					rows[i] = []string{
						s.ID, string(s.TargetType), s.TargetID, string(s.State), s.CreatedBy, formatTime(s.UpdatedAt),
					}
				}

				printTable(os.Stdout, []string{"SESSION", "TYPE", "TARGET", "STATE", "BY", "UPDATED"}, rows)
			})
		},
	}

	cmd.Flags().String("edition", "", "only sessions of this edition")
	cmd.Flags().String("by", "", "only sessions opened by this user")
	cmd.Flags().Int("limit", 0, "maximum number of sessions")
	cmd.Flags().Bool("all", false, "include committed and closed sessions")

	return cmd
}

func newSessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "show <session-id>",
		Aliases: []string{"diff"},
		Short:   "Show a session and its drafts",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			diff, err := a.sessions.GetDiff(ctx, args[0])
			if err != nil {
				return err
			}

			return output(cc, diff, func() { printDiff(diff) })
		},
	}
}

func printDiff(d *collab.Diff) {
	s := d.Session

	fmt.Printf("%s %s on %s %s\n", styleHeading.Render("Session"), s.ID, s.TargetType, s.TargetID)
	fmt.Printf("  state:   %s", s.State)

	if s.StateReason != "" {
		fmt.Printf(" (%s)", s.StateReason)
	}

	fmt.Println()
	fmt.Printf("  drafts:  %d pending, %d approved, %d rejected, %d committed\n",
		d.Pending, d.Approved, d.Rejected, d.Committed)

	if s.ChangeSetID != "" {
		fmt.Printf("  change set: %s\n", s.ChangeSetID)
	}

	if len(d.Drafts) == 0 {
		return
	}

	fmt.Println()

	rows := make([][]string, len(d.Drafts))
	for i, dr := range d.Drafts {
		conf := ""
		if dr.Confidence != nil {
			conf = strconv.FormatFloat(*dr.Confidence, 'f', 2, 64)
		}

		rows[i] = []string{
			dr.ID, string(dr.Source), string(dr.Status),
			dr.TargetTable + "/" + dr.TargetID + "." + dr.Column,
			string(dr.Operation), string(dr.NewValue), conf,
		}
	}

	printTable(os.Stdout, []string{"DRAFT", "SOURCE", "STATUS", "FIELD", "OP", "VALUE", "CONF"}, rows)
}

func newSessionHeartbeatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat <session-id>",
		Short: "Renew a session's lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			lease, err := a.sessions.Heartbeat(ctx, args[0])
			if err != nil {
				return err
			}

			return output(cc, lease, func() {
				cc.Statusf("Lease on %s %s held until %s\n", lease.TargetType, lease.TargetID, formatTime(lease.ExpiresAt))
			})
		},
	}
}

func newSessionDraftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft <session-id>",
		Short: "Add a draft edit to a session",
		Long: `Propose one field-level edit. --value takes a JSON value; anything that
is not valid JSON is stored as a JSON string.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			flags := cmd.Flags()
			in := collab.DraftInput{}
			in.Table, _ = flags.GetString("table")
			in.TargetID, _ = flags.GetString("target")
			in.Column, _ = flags.GetString("column")
			in.Notes, _ = flags.GetString("notes")

			op, _ := flags.GetString("op")
			in.Operation = state.Operation(op)

			if flags.Changed("value") {
				v, _ := flags.GetString("value")
				in.Value = draftValue(v)
			}

			if flags.Changed("confidence") {
				c, _ := flags.GetFloat64("confidence")
				in.Confidence = &c
			}

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			drafts, err := a.sessions.AddDrafts(ctx, args[0], []collab.DraftInput{in})
			if err != nil {
				return err
			}

			return output(cc, drafts, func() {
				for _, d := range drafts {
					fmt.Println(d.ID)
				}
			})
		},
	}

	cmd.Flags().String("table", "", "target table (nodes, entities, relations, events)")
	cmd.Flags().String("target", "", "target row ID")
	cmd.Flags().String("column", "", "target column")
	cmd.Flags().String("op", string(state.OpUpdate), "operation: insert, update, or delete")
	cmd.Flags().String("value", "", "new value as JSON")
	cmd.Flags().Float64("confidence", 0, "confidence between 0 and 1")
	cmd.Flags().String("notes", "", "free-text notes")

	_ = cmd.MarkFlagRequired("table")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

// draftValue keeps valid JSON as is and encodes anything else as a string.
func draftValue(v string) json.RawMessage {
	if json.Valid([]byte(v)) {
		return json.RawMessage(v)
	}

	return jsonText(v)
}

func newSessionSuggestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suggest <session-id>",
		Short: "Ask the suggestion provider for drafts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			drafts, err := a.sessions.RequestSuggestions(ctx, args[0])
			if err != nil {
				return err
			}

			return output(cc, drafts, func() {
				cc.Statusf("%d suggestions added\n", len(drafts))

				for _, d := range drafts {
					fmt.Printf("%s  %s/%s.%s = %s\n", d.ID, d.TargetTable, d.TargetID, d.Column, d.NewValue)
				}
			})
		},
	}
}

func newDraftStatusCmd(verb string, status state.DraftStatus) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <draft-id>...",
		Short: fmt.Sprintf("Mark drafts %s", status),
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			var (
				updated []*state.Draft
				errs    []error
			)

			for _, id := range args {
				d, err := a.sessions.SetDraftStatus(ctx, id, status)
				if err != nil {
					errs = append(errs, fmt.Errorf("draft %s: %w", id, err))
					continue
				}

				updated = append(updated, d)
			}

			if err := output(cc, updated, func() {
				cc.Statusf("%d drafts %s\n", len(updated), status)
			}); err != nil {
				return err
			}

			return errors.Join(errs...)
		},
	}
}

func newSessionCommitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commit <session-id>",
		Short: "Commit drafts into a pending change set",
		Long: `Commit the selected drafts as one pending change set and release the
session's lock. Without --draft or --batch, every approved draft is
committed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			flags := cmd.Flags()
			req := collab.CommitRequest{}
			req.DraftIDs, _ = flags.GetStringSlice("draft")
			req.BatchIDs, _ = flags.GetStringSlice("batch")
			req.Reason, _ = flags.GetString("reason")
			req.CreatedBy, _ = flags.GetString("by")
			req.Reviewer, _ = flags.GetString("reviewer")

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			created, err := a.sessions.Commit(ctx, args[0], req)
			if err != nil {
				return err
			}

			return output(cc, created, func() {
				fmt.Println(created.Set.ID)

				if created.Review != nil {
					cc.Statusf("Change set with %d items awaits review %s\n", len(created.Items), created.Review.ID)
				}
			})
		},
	}

	cmd.Flags().StringSlice("draft", nil, "draft IDs to commit")
	cmd.Flags().StringSlice("batch", nil, "batch IDs to commit")
	cmd.Flags().String("reason", "", "why the change is made")
	cmd.Flags().String("by", currentUser(), "who commits")
	cmd.Flags().String("reviewer", "", "reviewer for the change set (defaults to default_reviewer)")

	return cmd
}

func newSessionCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a session and release its lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			reason, _ := cmd.Flags().GetString("reason")

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.sessions.Cancel(ctx, args[0], reason)
			if err != nil {
				return err
			}

			return output(cc, sess, func() {
				cc.Statusf("Session %s closed\n", sess.ID)
			})
		},
	}

	cmd.Flags().String("reason", "", "why the session is cancelled")

	return cmd
}
