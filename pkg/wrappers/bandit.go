package wrappers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/secpipe/pkg/engine"
)

// Bandit runs the Python AST scanner bandit.
//
// Severity mapping: HIGH/MEDIUM/LOW map directly, UNDEFINED -> info.
type Bandit struct {
	Binary string
}

func NewBandit() *Bandit {
	return &Bandit{Binary: "bandit"}
}

func (b *Bandit) Name() string { return "bandit" }

func (b *Bandit) InstallInstructions() string {
	return "pip install bandit; see https://bandit.readthedocs.io/"
}

func (b *Bandit) IsAvailable() bool {
	_, ok := lookPath(b.Binary)
	return ok
}

func (b *Bandit) Version(ctx context.Context) (string, error) {
	bin, ok := lookPath(b.Binary)
	return toolVersion(ctx, b.Name(), bin, ok, b.InstallInstructions())
}

func (b *Bandit) Scan(ctx context.Context, target string, cfg Config) ([]*engine.Finding, error) {
	bin, ok := lookPath(b.Binary)
	if !ok {
		return nil, &UnavailableError{Scanner: b.Name(), Instructions: b.InstallInstructions()}
	}

	args := []string{"-r", target, "-f", "json", "-q"}
	if len(cfg.Rules) > 0 {
		args = append(args, "-t", strings.Join(cfg.Rules, ","))
	}
	if len(cfg.Exclude) > 0 {
		args = append(args, "-x", strings.Join(cfg.Exclude, ","))
	}

	// 0: clean, 1: issues found
	out, err := runTool(ctx, bin, args, 0, 1)
	if err != nil {
		return nil, err
	}
	findings, err := ParseBandit(out, target)
	if err != nil {
		return nil, err
	}
	return filterExcluded(cfg, findings), nil
}

type banditResult struct {
	TestID          string `json:"test_id"`
	TestName        string `json:"test_name"`
	Filename        string `json:"filename"`
	LineNumber      int    `json:"line_number"`
	LineRange       []int  `json:"line_range"`
	ColOffset       int    `json:"col_offset"`
	EndColOffset    int    `json:"end_col_offset"`
	IssueText       string `json:"issue_text"`
	IssueSeverity   string `json:"issue_severity"`
	IssueConfidence string `json:"issue_confidence"`
	IssueCWE        struct {
		ID   int    `json:"id"`
		Link string `json:"link"`
	} `json:"issue_cwe"`
	MoreInfo string `json:"more_info"`
	Code     string `json:"code"`
}

// ParseBandit maps a bandit -f json report onto findings.
func ParseBandit(data []byte, target string) ([]*engine.Finding, error) {
	var report struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("parse bandit report: %w", err)
	}

	findings := make([]*engine.Finding, 0, len(report.Results))
	for i, raw := range report.Results {
		var r banditResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("parse bandit result %d: %w", i, err)
		}

		lineEnd := r.LineNumber
		if n := len(r.LineRange); n > 0 {
			lineEnd = r.LineRange[n-1]
		}

		f := &engine.Finding{
			ID:          fmt.Sprintf("bandit-%d-%s", i, r.TestID),
			Scanner:     "bandit",
			Severity:    banditSeverity(r.IssueSeverity),
			Title:       r.TestName,
			Description: r.IssueText,
			Location: engine.Location{
				File:        relPath(target, r.Filename),
				LineStart:   r.LineNumber,
				LineEnd:     lineEnd,
				ColumnStart: r.ColOffset + 1,
				CodeSnippet: banditSnippet(r.Code),
			},
			CWE:        engine.NormalizeCWE(r.IssueCWE.ID),
			Confidence: engine.ParseConfidence(r.IssueConfidence),
			RawData:    raw,
			Metadata:   map[string]any{"rule_id": r.TestID},
		}
		if r.EndColOffset > 0 {
			f.Location.ColumnEnd = r.EndColOffset + 1
		}
		for _, ref := range []string{r.MoreInfo, r.IssueCWE.Link} {
			if ref != "" {
				f.References = append(f.References, ref)
			}
		}
		findings = append(findings, f)
	}
	return findings, nil
}

func banditSeverity(s string) engine.Severity {
	switch strings.ToUpper(s) {
	case "HIGH":
		return engine.SeverityHigh
	case "MEDIUM":
		return engine.SeverityMedium
	case "LOW":
		return engine.SeverityLow
	}
	return engine.SeverityInfo
}

// banditSnippet strips the "12 " line-number prefixes bandit puts on code lines.
func banditSnippet(code string) string {
	lines := strings.Split(strings.TrimRight(code, "\n"), "\n")
	for i, l := range lines {
		if j := strings.IndexByte(l, ' '); j > 0 && isDigits(l[:j]) {
			lines[i] = l[j+1:]
		}
	}
	return strings.Join(lines, "\n")
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
