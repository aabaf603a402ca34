package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newManifestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect or rebuild edition manifests",
		Long: `Each edition directory carries a manifest indexing its node files. The
manifest is derived from the state database and can always be rebuilt.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <edition-id>",
		Short: "Print an edition manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.engine.ReadManifest(args[0])
			if err != nil {
				return err
			}

			if cc.Flags.JSON {
				return printJSON(os.Stdout, m)
			}

			rows := make([][]string, len(m.Nodes))
			for i, n := range m.Nodes {
				rows[i] = []string{shortID(n.ID), n.NodeType, n.FilePath, recordStatus(n.SyncStatus)}
			}

			fmt.Printf("%s %s, generated %s\n", styleHeading.Render("Edition"), m.EditionID, formatTime(m.GeneratedAt))
			printTable(os.Stdout, []string{"NODE", "TYPE", "FILE", "STATUS"}, rows)

			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Rewrite every edition manifest from the state database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cc := mustCLIContext(ctx)

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			editions, err := a.engine.RebuildManifests(ctx)
			if err != nil {
				return err
			}

			cc.Statusf("Rebuilt %d manifests\n", len(editions))

			return nil
		},
	})

	return cmd
}
