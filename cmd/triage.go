package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/secpipe/pkg/export"
)

var triageOpts struct {
	format string
	output string
	root   string
	useLLM bool
}

var triageCmd = &cobra.Command{
	Use:   "triage <report.json>",
	Short: "Triage the findings of a saved JSON report",
	Long: `Read a report written with 'secpipe scan --format json' ("-" reads stdin),
classify, score and explain its findings and write a new report. Source files
are read relative to --root.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := export.ParseFormat(triageOpts.format)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		if cmd.Flags().Changed("llm") {
			cfg.Triage.UseLLM = triageOpts.useLLM
		}

		var in io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		report, err := export.ReadJSON(in)
		if err != nil {
			return fmt.Errorf("failed to read report: %w", err)
		}

		report.Triage, err = runTriage(cmd.Context(), cfg, triageOpts.root, report.Findings)
		if err != nil {
			return err
		}
		return writeReport(cmd.OutOrStdout(), format, triageOpts.output, report)
	},
}

func init() {
	triageCmd.Flags().StringVarP(&triageOpts.format, "format", "f", "terminal", "Output format (terminal, json, sarif, markdown)")
	triageCmd.Flags().StringVarP(&triageOpts.output, "output", "o", "", "Write the report to a file")
	triageCmd.Flags().StringVar(&triageOpts.root, "root", ".", "Directory the finding paths are relative to")
	triageCmd.Flags().BoolVar(&triageOpts.useLLM, "llm", false, "Use the configured model")
	rootCmd.AddCommand(triageCmd)
}
