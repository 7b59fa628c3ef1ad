package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/user/secpipe/pkg/baseline"
	"github.com/user/secpipe/pkg/engine"
)

var (
	baselineScanOpts scanFlags
	baselineDiffOpts struct {
		id        string
		json      bool
		failOnNew bool
	}
)

var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Save scan snapshots and compare new scans against them",
}

var baselineSaveCmd = &cobra.Command{
	Use:   "save [path]",
	Short: "Scan path and store the findings as a snapshot",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := targetArg(args)
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		res, err := runScan(cmd, cfg, target, &baselineScanOpts)
		if err != nil {
			return err
		}
		if err := saveSnapshot(cfg, res); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved baseline with %d finding(s) for %s\n", len(res.Findings), target)
		return nil
	},
}

var baselineDiffCmd = &cobra.Command{
	Use:   "diff [path]",
	Short: "Scan path and compare the findings with a snapshot",
	Long: `Scan path and compare the findings with the latest snapshot of the same
target, or the snapshot named by --id. Findings are matched by fingerprint, so
the same issue reported by a different scanner counts as unchanged.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := targetArg(args)
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}

		store, err := openBaseline(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		var snap *baseline.Snapshot
		if baselineDiffOpts.id != "" {
			snap, err = store.Get(baselineDiffOpts.id)
		} else {
			snap, err = store.Latest(target)
		}
		if errors.Is(err, baseline.ErrNotFound) {
			return fmt.Errorf("%w: run 'secpipe baseline save %s' first", err, target)
		}
		if err != nil {
			return err
		}

		res, err := runScan(cmd, cfg, target, &baselineScanOpts)
		if err != nil {
			return err
		}
		diff := baseline.Compare(snap, res.Findings)

		out := cmd.OutOrStdout()
		if baselineDiffOpts.json {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(diff); err != nil {
				return err
			}
		} else if err := printDiff(out, snap, diff); err != nil {
			return err
		}

		if baselineDiffOpts.failOnNew && len(diff.New) > 0 {
			return fmt.Errorf("%d new finding(s) since baseline %s", len(diff.New), snap.ID)
		}
		return nil
	},
}

var baselineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		store, err := openBaseline(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		infos, err := store.List()
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No baselines stored.")
			return nil
		}

		rows := make([][]string, 0, len(infos))
		for _, info := range infos {
			rows = append(rows, []string{
				info.ID,
				info.CreatedAt.Local().Format(time.DateTime),
				info.Target,
				strconv.Itoa(info.Findings),
			})
		}
		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.Header([]string{"ID", "Created", "Target", "Findings"})
		if err := table.Bulk(rows); err != nil {
			return err
		}
		return table.Render()
	},
}

func printDiff(w io.Writer, snap *baseline.Snapshot, diff baseline.Diff) error {
	fmt.Fprintf(w, "Compared with baseline %s (%s)\n\n", snap.ID, snap.CreatedAt.Local().Format(time.DateTime))

	table := tablewriter.NewWriter(w)
	table.Header([]string{"Status", "Findings"})
	if err := table.Bulk([][]string{
		{"New", strconv.Itoa(len(diff.New))},
		{"Fixed", strconv.Itoa(len(diff.Fixed))},
		{"Unchanged", strconv.Itoa(len(diff.Unchanged))},
	}); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}

	printFindings(w, color.New(color.FgRed, color.Bold).Sprint("+ new"), diff.New)
	printFindings(w, color.New(color.FgGreen).Sprint("- fixed"), diff.Fixed)
	return nil
}

func printFindings(w io.Writer, label string, findings []*engine.Finding) {
	if len(findings) == 0 {
		return
	}
	fmt.Fprintln(w)
	for _, f := range findings {
		fmt.Fprintf(w, "%s  [%s] %s  %s\n", label, f.Severity, f.Title, f.Location)
	}
}

func targetArg(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return "."
}

func init() {
	addScanFlags(baselineSaveCmd, &baselineScanOpts)
	addScanFlags(baselineDiffCmd, &baselineScanOpts)
	baselineDiffCmd.Flags().StringVar(&baselineDiffOpts.id, "id", "", "Compare with this snapshot instead of the latest")
	baselineDiffCmd.Flags().BoolVar(&baselineDiffOpts.json, "json", false, "Print the diff as JSON")
	baselineDiffCmd.Flags().BoolVar(&baselineDiffOpts.failOnNew, "fail-on-new", false, "Exit non-zero when there are new findings")

	baselineCmd.AddCommand(baselineSaveCmd)
	baselineCmd.AddCommand(baselineDiffCmd)
	baselineCmd.AddCommand(baselineListCmd)
	rootCmd.AddCommand(baselineCmd)
}
