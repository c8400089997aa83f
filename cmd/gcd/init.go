package main

import (
	"fmt"
	"os"

	"github.com/4thel00z/gcdloop/internal"
	"github.com/spf13/cobra"
)

func NewInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a gcd workspace",
		Long:  `Initialize a .gcd directory with a default config and the selected run store.`,
		RunE:  runInit,
	}

	cmd.Flags().Bool("global", false, "Initialize global scope (~/.gcd)")
	cmd.Flags().String("store", internal.StoreGit, "Run store backend (git|bolt|none)")
	cmd.Flags().String("experiment", "", "Experiment name")
	return cmd
}

func runInit(cmd *cobra.Command, _ []string) error {
	isGlobal, _ := cmd.Flags().GetBool("global")
	backend, _ := cmd.Flags().GetString("store")
	experiment, _ := cmd.Flags().GetString("experiment")

	resolver := internal.NewScopeResolver()

	var scope internal.Scope
	if isGlobal {
		scope = resolver.Global()
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		scope = internal.ProjectScope(cwd)
	}

	if scope.Initialized() {
		return fmt.Errorf("already initialized at %s", scope.DataPath)
	}

	cfg := internal.DefaultConfig()
	cfg.Store.Backend = backend
	if experiment != "" {
		cfg.Experiment = experiment
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(scope.RunsPath(), 0755); err != nil {
		return fmt.Errorf("create runs directory: %w", err)
	}

	if backend == internal.StoreGit {
		if err := internal.InitRunRepository(scope); err != nil {
			return fmt.Errorf("init repository: %w", err)
		}
	}

	if err := internal.SaveConfig(scope, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Initialized gcd workspace at %s\n", scope.DataPath)
	return nil
}
