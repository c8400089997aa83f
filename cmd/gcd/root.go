package main

import (
	"fmt"

	"github.com/4thel00z/gcdloop/internal"
	"github.com/spf13/cobra"
)

func NewRootCmd(version string, a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "gcd",
		Short:         "LLM-guided category discovery training loop",
		Long:          `Mine neighbors, query an LLM oracle for feedback and keep the answers across rounds.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	addPersistentFlags(rootCmd)
	setHelpWithExternals(rootCmd)

	if a != nil {
		addSubcommands(rootCmd, a)
	}

	return rootCmd
}

func addPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("scope", "", "Target scope (global|project)")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
}

func addSubcommands(root *cobra.Command, a *app) {
	run := func() *internal.RunService { return a.runSvc }
	cache := func() *internal.CacheService { return a.cacheSvc }
	oracle := func() *internal.OracleService { return a.oracleSvc }
	results := func() *internal.ResultsService { return a.resultsSvc }
	provider := func() *internal.ProviderService { return a.providerSvc }

	root.AddCommand(
		NewInitCmd(),
		NewRunCmd(run, a),
		NewMineCmd(run),
		NewCacheCmd(cache),
		NewOracleCmd(oracle),
		NewResultsCmd(results),
		NewLogCmd(results),
		NewProviderCmd(provider),
	)
}

func setHelpWithExternals(cmd *cobra.Command) {
	defaultHelp := cmd.HelpFunc()

	cmd.SetHelpFunc(func(c *cobra.Command, args []string) {
		defaultHelp(c, args)
		printExternalCommands(c)
	})
}

func printExternalCommands(cmd *cobra.Command) {
	externals := listExternalCommands()
	if len(externals) == 0 {
		return
	}

	fmt.Fprintln(cmd.OutOrStdout(), "\nExternal commands (gcd-*):")
	for _, name := range externals {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", name)
	}
}
