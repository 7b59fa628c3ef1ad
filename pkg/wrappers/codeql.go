package wrappers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/owenrumney/go-sarif/v2/sarif"

	"github.com/user/secpipe/pkg/engine"
)

// ErrLanguageRequired is returned when codeql is run without Extra["language"].
var ErrLanguageRequired = errors.New(`codeql requires config extra "language" (e.g. python, javascript, go)`)

// CodeQL builds a CodeQL database for the target and analyzes it to SARIF.
//
// Severity mapping uses the rule's security-severity score when present
// (>= 9 critical, >= 7 high, >= 4 medium, else low), otherwise the SARIF level:
// error -> high, warning -> medium, note -> low.
type CodeQL struct {
	Binary string
}

func NewCodeQL() *CodeQL {
	return &CodeQL{Binary: "codeql"}
}

func (c *CodeQL) Name() string { return "codeql" }

func (c *CodeQL) InstallInstructions() string {
	return "download the CodeQL CLI bundle from https://github.com/github/codeql-action/releases and put codeql on PATH"
}

func (c *CodeQL) IsAvailable() bool {
	_, ok := lookPath(c.Binary)
	return ok
}

func (c *CodeQL) Version(ctx context.Context) (string, error) {
	bin, ok := lookPath(c.Binary)
	return toolVersion(ctx, c.Name(), bin, ok, c.InstallInstructions())
}

func (c *CodeQL) Scan(ctx context.Context, target string, cfg Config) ([]*engine.Finding, error) {
	bin, ok := lookPath(c.Binary)
	if !ok {
		return nil, &UnavailableError{Scanner: c.Name(), Instructions: c.InstallInstructions()}
	}
	language := cfg.Extra["language"]
	if language == "" {
		return nil, ErrLanguageRequired
	}

	work, err := os.MkdirTemp("", "codeql-*")
	if err != nil {
		return nil, fmt.Errorf("create codeql work dir: %w", err)
	}
	defer os.RemoveAll(work)

	db := filepath.Join(work, "db")
	createArgs := []string{
		"database", "create", db,
		"--language=" + language,
		"--source-root=" + target,
		"--overwrite", "--quiet",
	}
	if _, err := runTool(ctx, bin, createArgs, 0); err != nil {
		return nil, fmt.Errorf("codeql database create: %w", err)
	}

	out := filepath.Join(work, "results.sarif")
	analyzeArgs := []string{
		"database", "analyze", db,
		"--format=sarif-latest",
		"--output=" + out,
		"--quiet",
	}
	analyzeArgs = append(analyzeArgs, cfg.Rules...)
	if _, err := runTool(ctx, bin, analyzeArgs, 0); err != nil {
		return nil, fmt.Errorf("codeql database analyze: %w", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read codeql results: %w", err)
	}
	findings, err := ParseSARIF(data, c.Name(), target)
	if err != nil {
		return nil, err
	}
	return filterExcluded(cfg, findings), nil
}

// ParseSARIF maps a SARIF 2.1.0 log onto findings attributed to scanner.
func ParseSARIF(data []byte, scanner, target string) ([]*engine.Finding, error) {
	report, err := sarif.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parse sarif: %w", err)
	}

	var findings []*engine.Finding
	for _, run := range report.Runs {
		rules := sarifRules(run)
		for i, res := range run.Results {
			ruleID := deref(res.RuleID)
			if ruleID == "" && res.RuleIndex != nil {
				if idx := int(*res.RuleIndex); run.Tool.Driver != nil && idx < len(run.Tool.Driver.Rules) {
					ruleID = run.Tool.Driver.Rules[idx].ID
				}
			}
			rule := rules[ruleID]
			findings = append(findings, sarifFinding(scanner, target, i, ruleID, rule, res))
		}
	}
	return findings, nil
}

func sarifRules(run *sarif.Run) map[string]*sarif.ReportingDescriptor {
	rules := make(map[string]*sarif.ReportingDescriptor)
	components := run.Tool.Extensions
	if run.Tool.Driver != nil {
		components = append([]*sarif.ToolComponent{run.Tool.Driver}, components...)
	}
	for _, comp := range components {
		if comp == nil {
			continue
		}
		for _, r := range comp.Rules {
			if r != nil {
				rules[r.ID] = r
			}
		}
	}
	return rules
}

func sarifFinding(scanner, target string, i int, ruleID string, rule *sarif.ReportingDescriptor, res *sarif.Result) *engine.Finding {
	f := &engine.Finding{
		ID:         fmt.Sprintf("%s-%d-%s", scanner, i, ruleID),
		Scanner:    scanner,
		Title:      ruleID,
		Confidence: engine.ConfidenceMedium,
		Metadata:   map[string]any{"rule_id": ruleID},
		RawData:    res,
	}
	if res.Message.Text != nil {
		f.Description = *res.Message.Text
	}

	var props map[string]any
	if rule != nil {
		props = rule.Properties
		if rule.ShortDescription != nil && deref(rule.ShortDescription.Text) != "" {
			f.Title = deref(rule.ShortDescription.Text)
		} else if name := deref(rule.Name); name != "" {
			f.Title = name
		}
		if rule.Help != nil {
			f.Remediation = deref(rule.Help.Text)
		}
		if uri := deref(rule.HelpURI); uri != "" {
			f.References = append(f.References, uri)
		}
	}

	for _, tag := range stringList(props["tags"]) {
		if strings.Contains(strings.ToLower(tag), "cwe") {
			if cwe := engine.NormalizeCWE(tag); cwe != "" {
				f.CWE = cwe
				break
			}
		}
	}
	if p := stringValue(props["precision"]); p != "" {
		f.Confidence = sarifConfidence(p)
	}

	level := deref(res.Level)
	if level == "" && rule != nil && rule.DefaultConfiguration != nil {
		level = rule.DefaultConfiguration.Level
	}
	f.Severity = sarifLevelSeverity(level)
	if score, ok := securitySeverity(props["security-severity"]); ok {
		f.CVSS = &score
		f.Severity = scoreSeverity(score)
	}

	if len(res.Locations) > 0 && res.Locations[0].PhysicalLocation != nil {
		pl := res.Locations[0].PhysicalLocation
		if pl.ArtifactLocation != nil {
			f.Location.File = relPath(target, strings.TrimPrefix(deref(pl.ArtifactLocation.URI), "file://"))
		}
		if r := pl.Region; r != nil {
			f.Location.LineStart = derefInt(r.StartLine)
			f.Location.LineEnd = derefInt(r.EndLine)
			f.Location.ColumnStart = derefInt(r.StartColumn)
			f.Location.ColumnEnd = derefInt(r.EndColumn)
			if r.Snippet != nil {
				f.Location.CodeSnippet = deref(r.Snippet.Text)
			}
		}
		if cr := pl.ContextRegion; cr != nil && cr.Snippet != nil {
			f.Location.ContextSnippet = deref(cr.Snippet.Text)
		}
	}
	return f
}

func sarifLevelSeverity(level string) engine.Severity {
	switch strings.ToLower(level) {
	case "error":
		return engine.SeverityHigh
	case "warning":
		return engine.SeverityMedium
	case "note":
		return engine.SeverityLow
	}
	return engine.SeverityInfo
}

func scoreSeverity(score float64) engine.Severity {
	switch {
	case score >= 9:
		return engine.SeverityCritical
	case score >= 7:
		return engine.SeverityHigh
	case score >= 4:
		return engine.SeverityMedium
	case score > 0:
		return engine.SeverityLow
	}
	return engine.SeverityInfo
}

func sarifConfidence(precision string) engine.Confidence {
	switch strings.ToLower(precision) {
	case "very-high", "high":
		return engine.ConfidenceHigh
	case "low":
		return engine.ConfidenceLow
	}
	return engine.ConfidenceMedium
}

// securitySeverity reads a rule's security-severity score. Values that are
// not finite numbers are ignored.
func securitySeverity(v any) (float64, bool) {
	var f float64
	switch s := v.(type) {
	case float64:
		f = s
	case string:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}
