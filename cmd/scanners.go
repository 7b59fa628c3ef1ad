package cmd

import (
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/user/secpipe/pkg/wrappers"
)

var scannersCmd = &cobra.Command{
	Use:   "scanners",
	Short: "List the built-in scanners and whether they are installed",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var rows [][]string
		for _, s := range wrappers.Default() {
			available := "no"
			version := "-"
			install := ""
			if s.IsAvailable() {
				available = "yes"
				if v, err := s.Version(ctx); err == nil && v != "" {
					version = v
				}
			} else {
				install = s.InstallInstructions()
			}
			rows = append(rows, []string{s.Name(), available, version, install})
		}

		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.Header([]string{"Scanner", "Available", "Version", "Install"})
		if err := table.Bulk(rows); err != nil {
			return err
		}
		return table.Render()
	},
}

func init() {
	rootCmd.AddCommand(scannersCmd)
}
