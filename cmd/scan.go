package cmd

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/secpipe/pkg/baseline"
	"github.com/user/secpipe/pkg/config"
	"github.com/user/secpipe/pkg/engine"
	"github.com/user/secpipe/pkg/export"
	"github.com/user/secpipe/pkg/orchestrator"
	"github.com/user/secpipe/pkg/wrappers"
)

type scanFlags struct {
	scanners     []string
	sequential   bool
	noDedup      bool
	timeout      time.Duration
	rules        []string
	exclude      []string
	format       string
	output       string
	triage       bool
	useLLM       bool
	failOn       string
	saveBaseline bool
}

var scanOpts scanFlags

var scanCmd = &cobra.Command{
	Use:   "scan [path]",
	Short: "Run the available scanners against a codebase",
	Long: `Run every available scanner (or those named with --scanners) against
path, deduplicate what they report and write a report. With --triage each
finding is also classified, risk scored and explained.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := "."
		if len(args) == 1 {
			target = args[0]
		}

		format, err := export.ParseFormat(scanOpts.format)
		if err != nil {
			return err
		}
		var threshold engine.Severity
		if scanOpts.failOn != "" {
			sev, ok := engine.ParseSeverity(scanOpts.failOn)
			if !ok {
				return fmt.Errorf("invalid --fail-on severity %q", scanOpts.failOn)
			}
			threshold = sev
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		if cmd.Flags().Changed("llm") {
			cfg.Triage.UseLLM = scanOpts.useLLM
		}

		res, err := runScan(cmd, cfg, target, &scanOpts)
		if err != nil {
			return err
		}

		report := export.Report{Findings: res.Findings}
		if scanOpts.triage {
			report.Triage, err = runTriage(cmd.Context(), cfg, wrappers.SourceRoot(target), res.Findings)
			if err != nil {
				return err
			}
		}

		if scanOpts.saveBaseline {
			if err := saveSnapshot(cfg, res); err != nil {
				return err
			}
		}

		if err := writeReport(cmd.OutOrStdout(), format, scanOpts.output, report); err != nil {
			return err
		}

		if threshold != "" {
			if n := policyViolations(report, threshold); n > 0 {
				return fmt.Errorf("%d finding(s) at or above %s severity", n, threshold)
			}
		}
		return nil
	},
}

// runScan applies the scan flags over the configured options and runs the
// orchestrator.
func runScan(cmd *cobra.Command, cfg *config.Config, target string, f *scanFlags) (*orchestrator.Result, error) {
	opts := cfg.ScanOptions()
	flags := cmd.Flags()
	if flags.Changed("scanners") {
		opts.Scanners = f.scanners
	}
	if flags.Changed("sequential") {
		opts.Sequential = f.sequential
	}
	if flags.Changed("no-dedup") {
		opts.NoDedup = f.noDedup
	}
	if flags.Changed("timeout") {
		opts.Timeout = f.timeout
	}
	if len(f.rules) > 0 {
		opts.Config.Rules = f.rules
	}
	if len(f.exclude) > 0 {
		opts.Config.Exclude = append(opts.Config.Exclude, f.exclude...)
	}

	o, err := newOrchestrator()
	if err != nil {
		return nil, err
	}
	res, err := o.Scan(cmd.Context(), target, opts)
	if err != nil {
		return nil, err
	}

	for _, a := range res.Failed() {
		slog.Warn("scanner did not complete",
			slog.String("scanner", a.Scanner),
			slog.String("status", string(a.Status)),
			slog.String("error", a.Error))
	}
	if res.Partial {
		slog.Warn("scan timed out, results are partial")
	}
	return res, nil
}

func baselinePath(cfg *config.Config) (string, error) {
	if cfg.Baseline.Path != "" {
		return cfg.Baseline.Path, nil
	}
	dir, err := config.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, baseline.DefaultFileName), nil
}

func openBaseline(cfg *config.Config) (*baseline.Store, error) {
	path, err := baselinePath(cfg)
	if err != nil {
		return nil, err
	}
	return baseline.Open(path)
}

func saveSnapshot(cfg *config.Config, res *orchestrator.Result) error {
	store, err := openBaseline(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := store.Save(res)
	if err != nil {
		return err
	}
	slog.Info("baseline saved",
		slog.String("id", snap.ID),
		slog.String("target", snap.Target),
		slog.Int("findings", len(snap.Findings)))
	return nil
}

func addScanFlags(cmd *cobra.Command, f *scanFlags) {
	cmd.Flags().StringSliceVarP(&f.scanners, "scanners", "s", nil, "Scanners to run (default: all available)")
	cmd.Flags().BoolVar(&f.sequential, "sequential", false, "Run scanners one after another")
	cmd.Flags().BoolVar(&f.noDedup, "no-dedup", false, "Keep duplicate findings from different scanners")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Overall scan timeout (0 = none)")
	cmd.Flags().StringSliceVar(&f.rules, "rules", nil, "Rule packs or query suites passed to the scanners")
	cmd.Flags().StringSliceVar(&f.exclude, "exclude", nil, "Glob patterns of paths to exclude")
}

func init() {
	addScanFlags(scanCmd, &scanOpts)
	scanCmd.Flags().StringVarP(&scanOpts.format, "format", "f", "terminal", "Output format (terminal, json, sarif, markdown)")
	scanCmd.Flags().StringVarP(&scanOpts.output, "output", "o", "", "Write the report to a file")
	scanCmd.Flags().BoolVar(&scanOpts.triage, "triage", false, "Classify, score and explain findings")
	scanCmd.Flags().BoolVar(&scanOpts.useLLM, "llm", false, "Use the configured model during triage")
	scanCmd.Flags().StringVar(&scanOpts.failOn, "fail-on", "", "Exit non-zero when findings at or above this severity remain")
	scanCmd.Flags().BoolVar(&scanOpts.saveBaseline, "save-baseline", false, "Store the findings as a baseline snapshot")
	rootCmd.AddCommand(scanCmd)
}
