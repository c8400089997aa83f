package main

import (
	"encoding/json"
	"fmt"

	"github.com/4thel00z/gcdloop/internal"
	"github.com/spf13/cobra"
)

func NewMineCmd(run func() *internal.RunService) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mine <dataset.jsonl>",
		Short: "Run a single round and show the mined feedback",
		Long:  `Cluster, characterize and mine one round without touching the run store.`,
		Args:  cobra.ExactArgs(1),
		RunE:  makeMineRunner(run),
	}

	addLoopFlags(cmd)
	cmd.Flags().Bool("table", false, "Also print the neighbor table")
	return cmd
}

func makeMineRunner(run func() *internal.RunService) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		scopeHint, _ := cmd.Flags().GetString("scope")
		asJSON, _ := cmd.Flags().GetBool("json")
		noOracle, _ := cmd.Flags().GetBool("no-oracle")
		showTable, _ := cmd.Flags().GetBool("table")

		out, err := run().Mine(cmd.Context(), internal.RunInput{
			DataPath: args[0],
			Scope:    scopeHint,
			NoOracle: noOracle,
		})
		if err != nil {
			return fmt.Errorf("mine: %w", err)
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		w := cmd.OutOrStdout()
		for c, d := range out.Descriptors {
			fmt.Fprintf(w, "cluster %d: %s\n", c, d)
		}
		fmt.Fprintf(w, "%d queries\n", len(out.Queries))
		for _, i := range out.Queries {
			entry, ok := out.Feedback[i]
			if !ok {
				continue
			}
			line := fmt.Sprintf("  %d -> %d", i, entry.Neighbor)
			if entry.PositiveCluster != nil {
				line += fmt.Sprintf(" (cluster %d, not %v)", *entry.PositiveCluster, entry.NegativeClusters)
			}
			fmt.Fprintln(w, line)
		}
		if showTable {
			for i, row := range out.Table {
				fmt.Fprintf(w, "%d: %v\n", i, row)
			}
		}
		return nil
	}
}
