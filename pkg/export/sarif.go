package export

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/owenrumney/go-sarif/v2/sarif"

	"github.com/user/secpipe/pkg/engine"
)

const projectURI = "https://github.com/user/secpipe"

var scannerURIs = map[string]string{
	"semgrep":  "https://semgrep.dev",
	"bandit":   "https://bandit.readthedocs.io",
	"gitleaks": "https://github.com/gitleaks/gitleaks",
	"codeql":   "https://codeql.github.com",
	"titus":    "https://github.com/praetorian-inc/titus",
}

var nonRuleChars = regexp.MustCompile(`[^a-z0-9]+`)

// ToSARIF converts r to a SARIF 2.1.0 log with one run per scanner.
func ToSARIF(r Report) (*sarif.Report, error) {
	report, err := sarif.New(sarif.Version210)
	if err != nil {
		return nil, fmt.Errorf("creating sarif report: %w", err)
	}

	verdicts := r.Verdicts()

	var order []string
	byScanner := make(map[string][]*engine.Finding)
	for _, f := range r.Findings {
		name := f.Scanner
		if name == "" {
			name = "unknown"
		}
		if _, ok := byScanner[name]; !ok {
			order = append(order, name)
		}
		byScanner[name] = append(byScanner[name], f)
	}

	for _, name := range order {
		uri, ok := scannerURIs[name]
		if !ok {
			uri = projectURI
		}
		run := sarif.NewRunWithInformationURI(name, uri)

		rules := make(map[string]bool)
		for _, f := range byScanner[name] {
			id := ruleID(f)
			if !rules[id] {
				addRule(run, id, f)
				rules[id] = true
			}

			result := sarif.NewRuleResult(id).
				WithLevel(sarifLevel(f.Severity)).
				WithMessage(sarif.NewTextMessage(message(f)))

			if f.Location.File != "" {
				result.WithLocations([]*sarif.Location{
					sarif.NewLocationWithPhysicalLocation(physicalLocation(f.Location)),
				})
			}

			props := map[string]interface{}{
				"scanner":     f.Scanner,
				"confidence":  string(f.Confidence),
				"fingerprint": f.Fingerprint(),
			}
			if f.CVSS != nil {
				props["cvss"] = *f.CVSS
			}
			if f.Remediation != "" {
				props["remediation"] = f.Remediation
			}
			if len(f.References) > 0 {
				props["references"] = f.References
			}
			if scanners := f.Scanners(); len(scanners) > 1 {
				props["scanners"] = scanners
			}
			if t, _, ok := verdicts.Lookup(f); ok {
				props["classification"] = string(t.Classification)
				props["classification_confidence"] = t.Confidence
				props["risk_score"] = t.RiskScore
				if t.ClusterID != "" {
					props["cluster_id"] = t.ClusterID
				}
			}
			result.Properties = props

			run.AddResult(result)
		}
		report.AddRun(run)
	}
	return report, nil
}

// WriteSARIF writes r as SARIF to w.
func WriteSARIF(w io.Writer, r Report) error {
	report, err := ToSARIF(r)
	if err != nil {
		return err
	}
	return report.PrettyWrite(w)
}

func addRule(run *sarif.Run, id string, f *engine.Finding) {
	name := f.Title
	short := f.Title
	if f.CWE != "" {
		short = f.CWE + ": " + f.Title
	}
	full := f.Description
	if full == "" {
		full = short
	}
	help := f.Remediation
	if help == "" {
		help = full
	}

	rule := run.AddRule(id).
		WithName(name).
		WithDescription(short).
		WithDefaultConfiguration(&sarif.ReportingConfiguration{
			Level: sarifLevel(f.Severity),
		})
	rule.FullDescription = &sarif.MultiformatMessageString{Text: &full}
	rule.WithHelp(&sarif.MultiformatMessageString{Text: &help})
	if n := engine.CWENumber(f.CWE); n > 0 {
		uri := fmt.Sprintf("https://cwe.mitre.org/data/definitions/%d.html", n)
		rule.HelpURI = &uri
	}
}

// ruleID is the CWE, or a slug of the title when no CWE is known.
func ruleID(f *engine.Finding) string {
	if cwe := engine.NormalizeCWE(f.CWE); cwe != "" {
		return cwe
	}
	slug := strings.Trim(nonRuleChars.ReplaceAllString(strings.ToLower(f.Title), "-"), "-")
	if slug == "" {
		return "finding"
	}
	return slug
}

func message(f *engine.Finding) string {
	if f.Description != "" {
		return f.Description
	}
	return f.Title
}

func physicalLocation(l engine.Location) *sarif.PhysicalLocation {
	loc := sarif.NewPhysicalLocation().
		WithArtifactLocation(sarif.NewSimpleArtifactLocation(engine.NormalizePath(l.File)))

	if l.LineStart > 0 {
		region := sarif.NewRegion().WithStartLine(l.LineStart)
		if l.LineEnd >= l.LineStart {
			region.WithEndLine(l.LineEnd)
		}
		if l.ColumnStart > 0 {
			region.WithStartColumn(l.ColumnStart)
		}
		if l.ColumnEnd > 0 {
			region.WithEndColumn(l.ColumnEnd)
		}
		if l.CodeSnippet != "" {
			region.WithSnippet(sarif.NewArtifactContent().WithText(l.CodeSnippet))
		}
		loc.WithRegion(region)
	}
	return loc
}

func sarifLevel(s engine.Severity) string {
	switch s {
	case engine.SeverityCritical, engine.SeverityHigh:
		return "error"
	case engine.SeverityMedium:
		return "warning"
	case engine.SeverityLow:
		return "note"
	default:
		return "none"
	}
}
