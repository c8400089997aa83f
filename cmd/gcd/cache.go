package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/4thel00z/gcdloop/internal"
	"github.com/spf13/cobra"
)

func NewCacheCmd(cache func() *internal.CacheService) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and move feedback snapshots",
		Long:  `Show, export and import the oracle feedback persisted at the end of each round.`,
	}

	cmd.AddCommand(
		newCacheStatsCmd(cache),
		newCacheExportCmd(cache),
		newCacheImportCmd(cache),
	)
	return cmd
}

func newCacheStatsCmd(cache func() *internal.CacheService) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the latest feedback snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			scopeHint, _ := cmd.Flags().GetString("scope")
			asJSON, _ := cmd.Flags().GetBool("json")
			ref, _ := cmd.Flags().GetString("ref")

			stats, err := cache().Stats(cmd.Context(), scopeHint, ref)
			if err != nil {
				return fmt.Errorf("cache stats: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"experiment":         stats.Experiment,
					"round":              stats.Round,
					"entries":            stats.Entries,
					"cluster_feedback":   stats.ClusterFeedback,
					"distinct_neighbors": stats.DistinctNeighbor,
				})
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Experiment:         %s\n", stats.Experiment)
			fmt.Fprintf(w, "Round:              %d\n", stats.Round)
			fmt.Fprintf(w, "Entries:            %d\n", stats.Entries)
			fmt.Fprintf(w, "Cluster feedback:   %d\n", stats.ClusterFeedback)
			fmt.Fprintf(w, "Distinct neighbors: %d\n", stats.DistinctNeighbor)
			return nil
		},
	}

	cmd.Flags().String("ref", "", "Read the snapshot at a git revision (git store only)")
	return cmd
}

func newCacheExportCmd(cache func() *internal.CacheService) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the latest feedback snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			scopeHint, _ := cmd.Flags().GetString("scope")
			ref, _ := cmd.Flags().GetString("ref")
			format, _ := cmd.Flags().GetString("format")
			output, _ := cmd.Flags().GetString("output")

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer f.Close()
				w = f
			}

			if err := cache().Export(cmd.Context(), scopeHint, ref, format, w); err != nil {
				return fmt.Errorf("cache export: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().String("ref", "", "Read the snapshot at a git revision (git store only)")
	cmd.Flags().StringP("format", "f", internal.FormatJSON, "Output format (json|msgpack)")
	cmd.Flags().StringP("output", "o", "", "Write to file instead of stdout")
	return cmd
}

func newCacheImportCmd(cache func() *internal.CacheService) *cobra.Command {
	return &cobra.Command{
		Use:   "import <snapshot.msgpack|->",
		Short: "Merge a msgpack snapshot into the workspace",
		Long:  `Merge exported feedback into the latest snapshot. Entries already present are kept.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeHint, _ := cmd.Flags().GetString("scope")

			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open snapshot: %w", err)
				}
				defer f.Close()
				r = f
			}

			added, err := cache().Import(cmd.Context(), scopeHint, r)
			if err != nil {
				return fmt.Errorf("cache import: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d feedback entries\n", added)
			return nil
		},
	}
}
