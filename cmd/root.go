package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/secpipe/pkg/config"
	"github.com/user/secpipe/pkg/log"
)

var rootCmd = &cobra.Command{
	Use:   "secpipe",
	Short: "Security finding pipeline: scan, deduplicate, triage, report",
	Long: `secpipe runs static analysis and secret scanners against a codebase,
merges what they report into one deduplicated set of findings, scores and
classifies each finding, and exports the result as JSON, SARIF or Markdown.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(log.New(os.Stderr, DebugMode))
		return nil
	},
}

var (
	DebugMode  bool
	ConfigPath string
)

// Execute adds all child commands to the root command and sets flags appropriately.
// Interrupts cancel the running command's context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	cobra.CheckErr(err)
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&DebugMode, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&ConfigPath, "config", "", "Config file (default ~/.secpipe/config.yaml)")
}

// configPath resolves the --config flag to a file path.
func configPath() (string, error) {
	if ConfigPath != "" {
		return ConfigPath, nil
	}
	return config.GetConfigPath()
}

func loadConfig() (*config.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

func saveConfig(cfg *config.Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return cfg.Save(path)
}
