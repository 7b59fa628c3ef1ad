package wrappers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/user/secpipe/pkg/engine"
)

// Semgrep runs semgrep and maps its JSON output.
//
// Severity mapping: ERROR -> high, WARNING -> medium, INFO -> low. Rules that
// already use CRITICAL/HIGH/MEDIUM/LOW keep their level.
type Semgrep struct {
	Binary       string
	DefaultRules []string
}

func NewSemgrep() *Semgrep {
	return &Semgrep{Binary: "semgrep", DefaultRules: []string{"p/default"}}
}

func (s *Semgrep) Name() string { return "semgrep" }

func (s *Semgrep) InstallInstructions() string {
	return "pip install semgrep (or brew install semgrep); see https://semgrep.dev/docs/getting-started/"
}

func (s *Semgrep) IsAvailable() bool {
	_, ok := lookPath(s.Binary)
	return ok
}

func (s *Semgrep) Version(ctx context.Context) (string, error) {
	bin, ok := lookPath(s.Binary)
	return toolVersion(ctx, s.Name(), bin, ok, s.InstallInstructions())
}

func (s *Semgrep) Scan(ctx context.Context, target string, cfg Config) ([]*engine.Finding, error) {
	bin, ok := lookPath(s.Binary)
	if !ok {
		return nil, &UnavailableError{Scanner: s.Name(), Instructions: s.InstallInstructions()}
	}

	rules := cfg.Rules
	if len(rules) == 0 {
		rules = s.DefaultRules
	}
	args := []string{"scan", "--json", "--quiet", "--metrics=off"}
	for _, r := range rules {
		args = append(args, "--config", r)
	}
	for _, e := range cfg.Exclude {
		args = append(args, "--exclude", e)
	}
	if secs := int(cfg.EffectiveTimeout().Seconds()); secs > 0 {
		args = append(args, "--timeout", strconv.Itoa(secs))
	}
	args = append(args, target)

	// 0: clean, 1: findings present
	out, err := runTool(ctx, bin, args, 0, 1)
	if err != nil {
		return nil, err
	}
	findings, err := ParseSemgrep(out, target)
	if err != nil {
		return nil, err
	}
	return filterExcluded(cfg, findings), nil
}

type semgrepReport struct {
	Results []json.RawMessage `json:"results"`
}

type semgrepPosition struct {
	Line int `json:"line"`
	Col  int `json:"col"`
}

type semgrepResult struct {
	CheckID string          `json:"check_id"`
	Path    string          `json:"path"`
	Start   semgrepPosition `json:"start"`
	End     semgrepPosition `json:"end"`
	Extra   struct {
		Message  string         `json:"message"`
		Severity string         `json:"severity"`
		Lines    string         `json:"lines"`
		Fix      string         `json:"fix"`
		Metadata map[string]any `json:"metadata"`
	} `json:"extra"`
}

// ParseSemgrep maps a semgrep --json report onto findings. Paths are made
// relative to target.
func ParseSemgrep(data []byte, target string) ([]*engine.Finding, error) {
	var report semgrepReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("parse semgrep report: %w", err)
	}

	findings := make([]*engine.Finding, 0, len(report.Results))
	for i, raw := range report.Results {
		var r semgrepResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("parse semgrep result %d: %w", i, err)
		}
		meta := r.Extra.Metadata

		f := &engine.Finding{
			ID:          fmt.Sprintf("semgrep-%d-%s", i, r.CheckID),
			Scanner:     "semgrep",
			Severity:    semgrepSeverity(r.Extra.Severity),
			Title:       semgrepTitle(r.CheckID),
			Description: strings.TrimSpace(r.Extra.Message),
			Location: engine.Location{
				File:        relPath(target, r.Path),
				LineStart:   r.Start.Line,
				LineEnd:     r.End.Line,
				ColumnStart: r.Start.Col,
				ColumnEnd:   r.End.Col,
				CodeSnippet: semgrepSnippet(r.Extra.Lines),
			},
			CWE:         engine.NormalizeCWE(meta["cwe"]),
			Confidence:  engine.ParseConfidence(stringValue(meta["confidence"])),
			Remediation: r.Extra.Fix,
			References:  stringList(meta["references"]),
			RawData:     raw,
			Metadata:    map[string]any{"rule_id": r.CheckID},
		}
		if owasp := stringList(meta["owasp"]); len(owasp) > 0 {
			f.Metadata["owasp"] = owasp
		}
		if src := stringValue(meta["source"]); src != "" {
			f.References = append(f.References, src)
		}
		findings = append(findings, f)
	}
	return findings, nil
}

func semgrepSeverity(s string) engine.Severity {
	switch strings.ToUpper(s) {
	case "ERROR":
		return engine.SeverityHigh
	case "WARNING":
		return engine.SeverityMedium
	case "INFO", "INVENTORY", "EXPERIMENT":
		return engine.SeverityLow
	}
	if sev, ok := engine.ParseSeverity(s); ok {
		return sev
	}
	return engine.SeverityMedium
}

// semgrepTitle turns "python.lang.security.audit.formatted-sql-query" into
// "formatted-sql-query".
func semgrepTitle(checkID string) string {
	if i := strings.LastIndex(checkID, "."); i >= 0 && i < len(checkID)-1 {
		return checkID[i+1:]
	}
	return checkID
}

func semgrepSnippet(lines string) string {
	// semgrep replaces the source for some registry rules when not logged in.
	if strings.TrimSpace(lines) == "requires login" {
		return ""
	}
	return lines
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []any:
		if len(s) > 0 {
			return stringValue(s[0])
		}
	}
	return ""
}

func stringList(v any) []string {
	switch s := v.(type) {
	case string:
		if s == "" {
			return nil
		}
		return []string{s}
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, x := range s {
			if str, ok := x.(string); ok && str != "" {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
