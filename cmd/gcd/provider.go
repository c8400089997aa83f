package main

import (
	"fmt"

	"github.com/4thel00z/gcdloop/internal"
	"github.com/spf13/cobra"
)

func NewProviderCmd(provider func() *internal.ProviderService) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Manage LLM providers",
		Long:  `List, add, remove, and test the LLM providers the oracle can use.`,
	}

	cmd.AddCommand(
		newProviderListCmd(provider),
		newProviderAddCmd(provider),
		newProviderRemoveCmd(provider),
		newProviderDefaultCmd(provider),
		newProviderTestCmd(provider),
	)

	return cmd
}

func newProviderListCmd(provider func() *internal.ProviderService) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured providers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			scopeHint, _ := cmd.Flags().GetString("scope")
			names, err := provider().List(scopeHint)
			if err != nil {
				return fmt.Errorf("list providers: %w", err)
			}

			if len(names) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No providers configured.")
				return nil
			}

			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newProviderAddCmd(provider func() *internal.ProviderService) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a provider (openai|anthropic|openrouter|bedrock|bedrock-claude|bedrock-llama)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			scopeHint, _ := cmd.Flags().GetString("scope")
			apiKey, _ := cmd.Flags().GetString("api-key")
			baseURL, _ := cmd.Flags().GetString("base-url")
			model, _ := cmd.Flags().GetString("model")
			region, _ := cmd.Flags().GetString("region")

			if err := provider().Add(name, internal.ProviderConfig{
				APIKey:  apiKey,
				BaseURL: baseURL,
				Model:   model,
				Region:  region,
			}, scopeHint); err != nil {
				return fmt.Errorf("add provider: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Added provider %s\n", name)
			return nil
		},
	}

	cmd.Flags().String("api-key", "", "API key")
	cmd.Flags().String("base-url", "", "Base URL")
	cmd.Flags().String("model", "", "Model name")
	cmd.Flags().String("region", "", "AWS region for bedrock")
	return cmd
}

func newProviderRemoveCmd(provider func() *internal.ProviderService) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeHint, _ := cmd.Flags().GetString("scope")
			if err := provider().Remove(args[0], scopeHint); err != nil {
				return fmt.Errorf("remove provider: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed provider %s\n", args[0])
			return nil
		},
	}
}

func newProviderDefaultCmd(provider func() *internal.ProviderService) *cobra.Command {
	return &cobra.Command{
		Use:   "default <name>",
		Short: "Set default provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeHint, _ := cmd.Flags().GetString("scope")
			if err := provider().SetDefault(args[0], scopeHint); err != nil {
				return fmt.Errorf("set default: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default provider set to %s\n", args[0])
			return nil
		},
	}
}

func newProviderTestCmd(provider func() *internal.ProviderService) *cobra.Command {
	return &cobra.Command{
		Use:   "test <name>",
		Short: "Test provider connectivity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeHint, _ := cmd.Flags().GetString("scope")
			if err := provider().Test(cmd.Context(), args[0], scopeHint); err != nil {
				return fmt.Errorf("test provider: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Provider %s is working\n", args[0])
			return nil
		},
	}
}
