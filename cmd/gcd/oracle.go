package main

import (
	"encoding/json"
	"fmt"

	"github.com/4thel00z/gcdloop/internal"
	"github.com/spf13/cobra"
)

func NewOracleCmd(oracle func() *internal.OracleService) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "oracle",
		Short: "Ask the configured LLM a single question",
		Long:  `Send one neighbor choice or cluster characterization prompt to the active provider.`,
	}

	cmd.AddCommand(
		newOracleChooseCmd(oracle),
		newOracleCharacterizeCmd(oracle),
	)
	return cmd
}

func newOracleChooseCmd(oracle func() *internal.OracleService) *cobra.Command {
	return &cobra.Command{
		Use:   "choose <anchor> <candidate>...",
		Short: "Pick the candidate closest to the anchor",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeHint, _ := cmd.Flags().GetString("scope")
			asJSON, _ := cmd.Flags().GetBool("json")

			res, err := oracle().Choose(cmd.Context(), scopeHint, args[0], args[1:])
			if err != nil {
				return fmt.Errorf("choose: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"choice":    res.Index + 1,
					"candidate": args[1+res.Index],
					"outcome":   res.Outcome,
				})
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Choice %d: %s (%s)\n", res.Index+1, args[1+res.Index], res.Outcome)
			return nil
		},
	}
}

func newOracleCharacterizeCmd(oracle func() *internal.OracleService) *cobra.Command {
	return &cobra.Command{
		Use:   "characterize <text>...",
		Short: "Name and describe a group of texts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeHint, _ := cmd.Flags().GetString("scope")
			asJSON, _ := cmd.Flags().GetBool("json")

			res, err := oracle().Characterize(cmd.Context(), scopeHint, args)
			if err != nil {
				return fmt.Errorf("characterize: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"name":        res.Descriptor.Name,
					"description": res.Descriptor.Description,
					"outcome":     res.Outcome,
				})
			}

			fmt.Fprintln(cmd.OutOrStdout(), res.Descriptor.String())
			if res.Outcome != internal.OutcomeAnswered {
				fmt.Fprintf(cmd.ErrOrStderr(), "oracle %s, showing fallback\n", res.Outcome)
			}
			return nil
		},
	}
}
