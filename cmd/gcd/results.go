package main

import (
	"encoding/json"
	"fmt"

	"github.com/4thel00z/gcdloop/internal"
	"github.com/spf13/cobra"
)

func NewResultsCmd(results func() *internal.ResultsService) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "List recorded result rows",
		Long:  `List the result rows recorded for an experiment, oldest first.`,
		RunE:  makeResultsRunner(results),
	}

	cmd.Flags().StringP("experiment", "e", "", "Experiment name (defaults to the configured one)")
	return cmd
}

func makeResultsRunner(results func() *internal.ResultsService) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		scopeHint, _ := cmd.Flags().GetString("scope")
		asJSON, _ := cmd.Flags().GetBool("json")
		experiment, _ := cmd.Flags().GetString("experiment")

		rows, err := results().List(cmd.Context(), scopeHint, experiment)
		if err != nil {
			return fmt.Errorf("list results: %w", err)
		}

		if asJSON {
			if rows == nil {
				rows = []internal.ResultRow{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		}

		if len(rows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No results recorded.")
			return nil
		}
		for _, r := range rows {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s/%s epoch %d: ACC %.4f ARI %.4f NMI %.4f (%d oracle calls, %d cached)\n",
				r.Timestamp, r.RunningMethod, r.Ablation, r.EvaluationEpoch, r.ACC, r.ARI, r.NMI, r.OracleCalls, r.NumCachedFeedback)
		}
		return nil
	}
}
