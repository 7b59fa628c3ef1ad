package wrappers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/user/secpipe/pkg/engine"
)

// Gitleaks scans a directory for hardcoded secrets. Every leak is CWE-798,
// critical severity and high confidence.
type Gitleaks struct {
	Binary string
}

func NewGitleaks() *Gitleaks {
	return &Gitleaks{Binary: "gitleaks"}
}

func (g *Gitleaks) Name() string { return "gitleaks" }

func (g *Gitleaks) InstallInstructions() string {
	return "brew install gitleaks (or download a release from https://github.com/gitleaks/gitleaks/releases)"
}

func (g *Gitleaks) IsAvailable() bool {
	_, ok := lookPath(g.Binary)
	return ok
}

func (g *Gitleaks) Version(ctx context.Context) (string, error) {
	bin, ok := lookPath(g.Binary)
	if !ok {
		return "", &UnavailableError{Scanner: g.Name(), Instructions: g.InstallInstructions()}
	}
	// gitleaks uses a "version" subcommand rather than a flag.
	out, err := runTool(ctx, bin, []string{"version"}, 0)
	if err != nil {
		return "", err
	}
	return firstLine(string(out)), nil
}

func (g *Gitleaks) Scan(ctx context.Context, target string, cfg Config) ([]*engine.Finding, error) {
	bin, ok := lookPath(g.Binary)
	if !ok {
		return nil, &UnavailableError{Scanner: g.Name(), Instructions: g.InstallInstructions()}
	}

	reportFile, err := os.CreateTemp("", "gitleaks-report-*.json")
	if err != nil {
		return nil, fmt.Errorf("create gitleaks report file: %w", err)
	}
	reportPath := reportFile.Name()
	reportFile.Close()
	defer os.Remove(reportPath)

	args := []string{
		"detect", "--no-git", "--no-banner",
		"--source", target,
		"--report-format", "json",
		"--report-path", reportPath,
		"--exit-code", "1",
	}
	if len(cfg.Rules) > 0 {
		// a custom gitleaks.toml
		args = append(args, "--config", cfg.Rules[0])
	}

	// Exit status 1 means leaks were found; the report is written either way.
	if _, err := runTool(ctx, bin, args, 0, 1); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(reportPath)
	if err != nil {
		return nil, fmt.Errorf("read gitleaks report: %w", err)
	}
	findings, err := ParseGitleaks(data, target)
	if err != nil {
		return nil, err
	}
	return filterExcluded(cfg, findings), nil
}

type gitleaksLeak struct {
	Description string   `json:"Description"`
	File        string   `json:"File"`
	StartLine   int      `json:"StartLine"`
	EndLine     int      `json:"EndLine"`
	StartColumn int      `json:"StartColumn"`
	EndColumn   int      `json:"EndColumn"`
	Secret      string   `json:"Secret"`
	Match       string   `json:"Match"`
	RuleID      string   `json:"RuleID"`
	Entropy     float64  `json:"Entropy"`
	Fingerprint string   `json:"Fingerprint"`
	Tags        []string `json:"Tags"`
}

// ParseGitleaks maps a gitleaks JSON report. An empty report means no leaks.
// The raw secret is not kept in RawData; the match line is kept as the snippet.
func ParseGitleaks(data []byte, target string) ([]*engine.Finding, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var leaks []gitleaksLeak
	if err := json.Unmarshal(data, &leaks); err != nil {
		return nil, fmt.Errorf("parse gitleaks report: %w", err)
	}

	findings := make([]*engine.Finding, 0, len(leaks))
	for i, l := range leaks {
		file := relPath(target, l.File)
		findings = append(findings, &engine.Finding{
			ID:          fmt.Sprintf("gitleaks-%d-%s", i, l.RuleID),
			Scanner:     "gitleaks",
			Severity:    engine.SeverityCritical,
			Title:       l.Description,
			Description: fmt.Sprintf("Secret matching rule %s found in %s", l.RuleID, file),
			Location: engine.Location{
				File:        file,
				LineStart:   l.StartLine,
				LineEnd:     l.EndLine,
				ColumnStart: l.StartColumn,
				ColumnEnd:   l.EndColumn,
				CodeSnippet: l.Match,
			},
			CWE:         "CWE-798",
			Confidence:  engine.ConfidenceHigh,
			Remediation: "Revoke the secret immediately and remove it from git history.",
			RawData: map[string]any{
				"rule_id":       l.RuleID,
				"fingerprint":   l.Fingerprint,
				"secret_length": len(l.Secret),
				"tags":          l.Tags,
			},
			Metadata: map[string]any{
				"rule_id": l.RuleID,
				"entropy": l.Entropy,
			},
		})
	}
	return findings, nil
}
