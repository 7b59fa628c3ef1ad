package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/user/secpipe/pkg/llm"
	"github.com/user/secpipe/pkg/server"
)

var serveOpts struct {
	addr  string
	roots []string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the scan and triage API over HTTP",
	Long: `Serve the scan and triage API. Clients may only scan directories under
the allowed roots (--allow-root or server.allowed_roots); the current
directory is used when none are configured.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		addr := cfg.Server.Addr
		if cmd.Flags().Changed("addr") {
			addr = serveOpts.addr
		}

		roots := cfg.Server.AllowedRoots
		if len(serveOpts.roots) > 0 {
			roots = serveOpts.roots
		}
		if len(roots) == 0 {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			roots = []string{wd}
		}
		for i, root := range roots {
			abs, err := filepath.Abs(root)
			if err != nil {
				return err
			}
			roots[i] = abs
		}

		o, err := newOrchestrator()
		if err != nil {
			return err
		}

		model, err := newModel(ctx, cfg)
		if err != nil {
			return err
		}
		var client llm.Client
		if model != nil {
			defer model.Close()
			client = model
		}
		// Finding paths are relative to each request's target, so every
		// request gets an engine reading source under that target.
		triagers := func(root string) (server.Triager, error) {
			t, err := newTriage(cfg, root, client)
			if err != nil {
				return nil, err
			}
			return t, nil
		}
		if _, err := triagers(roots[0]); err != nil {
			return err
		}

		slog.InfoContext(ctx, "starting api server", slog.Any("allowed_roots", roots))
		srv := server.New(o, triagers,
			server.WithAllowedRoots(roots...),
			server.WithScanDefaults(cfg.ScanOptions()))
		return srv.ListenAndServe(ctx, addr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveOpts.addr, "addr", "127.0.0.1:8088", "Listen address")
	serveCmd.Flags().StringSliceVar(&serveOpts.roots, "allow-root", nil, "Directory clients may scan (repeatable)")
	rootCmd.AddCommand(serveCmd)
}
