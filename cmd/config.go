package cmd

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/user/secpipe/pkg/llm"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration (providers, models, keys)",
}

var setKeyCmd = &cobra.Command{
	Use:   "set-key",
	Short: "Store the API key for a provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, err := providerFlag(cmd)
		if err != nil {
			return err
		}
		key, _ := cmd.Flags().GetString("key")

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		cfg.SetAPIKey(provider, key)
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("error saving config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "API key saved for %s\n", provider)
		return nil
	},
}

var setModelCmd = &cobra.Command{
	Use:   "set-model",
	Short: "Select the provider and model used for triage",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}

		if cmd.Flags().Changed("provider") {
			provider, err := providerFlag(cmd)
			if err != nil {
				return err
			}
			cfg.SelectedProvider = provider
		}
		if model, _ := cmd.Flags().GetString("model"); model != "" {
			cfg.SelectedModel = model
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("error saving config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Triage model: %s/%s\n", cfg.SelectedProvider, cfg.SelectedModel)
		return nil
	},
}

var listModelsCmd = &cobra.Command{
	Use:   "list-models",
	Short: "List the models the selected provider offers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}

		provider := cfg.SelectedProvider
		if provider == "" {
			return errors.New("no provider selected, run 'secpipe config setup'")
		}
		apiKey := cfg.GetAPIKey(provider)
		if apiKey == "" {
			return fmt.Errorf("no API key found for %s", provider)
		}

		models, err := fetchModels(cmd.Context(), provider, apiKey)
		if err != nil {
			return fmt.Errorf("error fetching models: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Models available from %s (* selected):\n", provider)
		for _, m := range models {
			mark := " "
			if m == cfg.SelectedModel {
				mark = "*"
			}
			fmt.Fprintf(out, "%s %s\n", mark, m)
		}
		return nil
	},
}

// providerFlag returns the --provider value, lowercased and checked against
// the supported providers.
func providerFlag(cmd *cobra.Command) (string, error) {
	p, _ := cmd.Flags().GetString("provider")
	p = strings.ToLower(strings.TrimSpace(p))
	if !slices.Contains(llm.Providers, p) {
		return "", fmt.Errorf("unknown provider %q (want one of %s)", p, strings.Join(llm.Providers, ", "))
	}
	return p, nil
}

var showConfigCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with API keys masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}

		shown := *cfg
		shown.Providers = maps.Clone(cfg.Providers)
		for name, p := range shown.Providers {
			p.APIKey = maskKey(p.APIKey)
			shown.Providers[name] = p
		}

		out, err := yaml.Marshal(&shown)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func maskKey(k string) string {
	if len(k) <= 8 {
		return strings.Repeat("*", len(k))
	}
	return k[:4] + strings.Repeat("*", len(k)-8) + k[len(k)-4:]
}

func init() {
	providers := "Provider (" + strings.Join(llm.Providers, ", ") + ")"
	setKeyCmd.Flags().StringP("provider", "p", "", providers)
	setKeyCmd.Flags().StringP("key", "k", "", "API key")
	_ = setKeyCmd.MarkFlagRequired("provider")
	_ = setKeyCmd.MarkFlagRequired("key")

	setModelCmd.Flags().StringP("provider", "p", "", providers)
	setModelCmd.Flags().StringP("model", "m", "", "Model name")

	configCmd.AddCommand(setKeyCmd, setModelCmd, listModelsCmd, showConfigCmd)
	rootCmd.AddCommand(configCmd)
}
