package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/user/secpipe/pkg/classify"
	"github.com/user/secpipe/pkg/config"
	"github.com/user/secpipe/pkg/engine"
	"github.com/user/secpipe/pkg/export"
	"github.com/user/secpipe/pkg/llm"
	"github.com/user/secpipe/pkg/orchestrator"
	"github.com/user/secpipe/pkg/risk"
	"github.com/user/secpipe/pkg/triage"
	"github.com/user/secpipe/pkg/wrappers"
)

// newOrchestrator registers every built-in adapter.
func newOrchestrator() (*orchestrator.Orchestrator, error) {
	o := orchestrator.New()
	for _, s := range wrappers.Default() {
		if err := o.Register(s); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// newModel returns the configured model backend, or nil when model-assisted
// triage is off or no API key is set. A missing key is not an error: triage
// runs on heuristics alone.
func newModel(ctx context.Context, cfg *config.Config) (llm.Provider, error) {
	if !cfg.Triage.UseLLM {
		return nil, nil
	}
	key := cfg.GetAPIKey(cfg.SelectedProvider)
	if key == "" {
		slog.WarnContext(ctx, "model triage requested but no API key is configured, using heuristics",
			slog.String("provider", cfg.SelectedProvider))
		return nil, nil
	}
	p, err := llm.NewProvider(ctx, cfg.SelectedProvider, key, cfg.SelectedModel)
	if err != nil {
		return nil, fmt.Errorf("error initializing provider: %w", err)
	}
	slog.DebugContext(ctx, "model triage enabled",
		slog.String("provider", cfg.SelectedProvider),
		slog.String("model", cfg.SelectedModel))
	return p, nil
}

// newTriage wires classifiers, the risk scorer and fix patterns into a triage
// engine reading source files under root. model may be nil.
func newTriage(cfg *config.Config, root string, model llm.Client) (*triage.Engine, error) {
	t := cfg.Triage
	code := classify.NewCodeReader(root)

	copts := []classify.Option{classify.WithCodeReader(code)}
	sopts := []risk.Option{risk.WithRoot(root)}
	topts := []triage.Option{triage.WithCodeReader(code)}

	if t.ContextLines > 0 {
		copts = append(copts, classify.WithContextLines(t.ContextLines))
	}
	if t.LLMTimeout > 0 {
		copts = append(copts, classify.WithTimeout(t.LLMTimeout))
		topts = append(topts, triage.WithLLMTimeout(t.LLMTimeout))
	}
	if t.BlameTimeout > 0 {
		sopts = append(sopts, risk.WithBlameTimeout(t.BlameTimeout))
	}
	if t.MinClusterSize > 0 {
		topts = append(topts, triage.WithMinClusterSize(t.MinClusterSize))
	}
	if t.MinFileClusterSize > 0 {
		topts = append(topts, triage.WithMinFileClusterSize(t.MinFileClusterSize))
	}
	if model != nil {
		timeout := t.LLMTimeout
		if timeout <= 0 {
			timeout = classify.DefaultTimeout
		}
		copts = append(copts, classify.WithLLM(model))
		sopts = append(sopts, risk.WithLLM(model, timeout))
		topts = append(topts, triage.WithLLM(model))
	}

	fixes, err := engine.NewFixRegistry()
	if err != nil {
		return nil, err
	}
	if t.FixesDir != "" {
		if err := fixes.LoadDir(t.FixesDir); err != nil {
			return nil, fmt.Errorf("failed to load fix patterns: %w", err)
		}
	}
	topts = append(topts, triage.WithFixes(fixes))

	return triage.New(classify.NewRegistry(copts...), risk.NewScorer(sopts...), topts...)
}

// runTriage triages findings with the configured engine, closing the model
// backend when done.
func runTriage(ctx context.Context, cfg *config.Config, root string, findings []*engine.Finding) ([]triage.Result, error) {
	model, err := newModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var client llm.Client
	if model != nil {
		defer model.Close()
		client = model
	}

	t, err := newTriage(cfg, root, client)
	if err != nil {
		return nil, err
	}
	return t.Triage(ctx, findings), nil
}

// writeReport renders r to output, or stdout when output is empty. Terminal
// output written to a file has colors disabled.
func writeReport(stdout io.Writer, format export.Format, output string, r export.Report) error {
	w := stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	if format == export.FormatTerminal {
		return export.NewTerminalWriter(w, output != "").Write(r)
	}
	if err := export.Write(w, format, r); err != nil {
		return err
	}
	if output != "" {
		slog.Info("report written", slog.String("path", output), slog.String("format", string(format)))
	}
	return nil
}

// policyViolations counts findings at or above threshold, ignoring those
// triage judged false positives.
func policyViolations(r export.Report, threshold engine.Severity) int {
	verdicts := r.Verdicts()
	n := 0
	for _, f := range r.Findings {
		if f.Severity.Rank() < threshold.Rank() {
			continue
		}
		if t, _, ok := verdicts.Lookup(f); ok && t.Classification == classify.FalsePositive {
			continue
		}
		n++
	}
	return n
}
