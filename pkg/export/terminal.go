package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/user/secpipe/pkg/classify"
	"github.com/user/secpipe/pkg/engine"
	"github.com/user/secpipe/pkg/triage"
)

// TerminalWriter prints findings to a terminal with colors.
type TerminalWriter struct {
	out io.Writer
}

// NewTerminalWriter creates a terminal writer. noColor disables colors
// process-wide.
func NewTerminalWriter(out io.Writer, noColor bool) *TerminalWriter {
	if noColor {
		color.NoColor = true
	}
	return &TerminalWriter{out: out}
}

func (w *TerminalWriter) Write(r Report) error {
	verdicts := r.Verdicts()
	findings := r.ordered()

	for _, f := range findings {
		t, _, ok := verdicts.Lookup(f)
		w.printFinding(f, t, ok)
	}
	w.printSummary(r, findings)
	return nil
}

func (w *TerminalWriter) printFinding(f *engine.Finding, t triage.Result, triaged bool) {
	sevColor := severityColor(f.Severity)
	sevColor.Fprintf(w.out, "  [%s] ", strings.ToUpper(string(f.Severity)))

	fmt.Fprintf(w.out, "%s", f.Title)
	if f.CWE != "" {
		fmt.Fprintf(w.out, " (%s)", f.CWE)
	}
	fmt.Fprintln(w.out)

	gray := color.New(color.FgHiBlack)
	gray.Fprintf(w.out, "         %s  via %s\n", f.Location, strings.Join(f.Scanners(), ", "))

	if f.Location.CodeSnippet != "" {
		snippet := strings.TrimSpace(firstLine(f.Location.CodeSnippet))
		if len(snippet) > 100 {
			snippet = snippet[:100] + "..."
		}
		gray.Fprintf(w.out, "         %s\n", snippet)
	}

	if triaged {
		classColor(t).Fprintf(w.out, "         %s", t.Classification)
		gray.Fprintf(w.out, "  risk %.2f", t.RiskScore)
		if t.ClusterID != "" {
			gray.Fprintf(w.out, "  cluster %s", t.ClusterID)
		}
		fmt.Fprintln(w.out)
	}
}

func (w *TerminalWriter) printSummary(r Report, findings []*engine.Finding) {
	fmt.Fprintln(w.out)
	bold := color.New(color.Bold)
	bold.Fprintln(w.out, "Summary")
	fmt.Fprintln(w.out, strings.Repeat("─", 40))

	counts := severityCounts(findings)
	for _, s := range engine.Severities {
		label := strings.ToUpper(string(s)[:1]) + string(s)[1:] + ":"
		severityColor(s).Fprintf(w.out, "    %-9s %d\n", label, counts[s])
	}

	if len(r.Triage) > 0 {
		sum := triage.Summarize(r.Triage)
		fmt.Fprintln(w.out)
		fmt.Fprintf(w.out, "    True positive:       %d\n", sum.ByClassification[classify.TruePositive])
		fmt.Fprintf(w.out, "    False positive:      %d\n", sum.ByClassification[classify.FalsePositive])
		fmt.Fprintf(w.out, "    Needs investigation: %d\n", sum.ByClassification[classify.NeedsInvestigation])
		fmt.Fprintf(w.out, "    Clusters:            %d\n", len(sum.Clusters))
	}

	fmt.Fprintln(w.out)
	if len(findings) == 0 {
		green := color.New(color.FgGreen, color.Bold)
		green.Fprintln(w.out, "  No security issues found!")
		return
	}
	bold.Fprintf(w.out, "  Total: %d finding(s)\n", len(findings))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func classColor(t triage.Result) *color.Color {
	switch t.Classification {
	case classify.TruePositive:
		return color.New(color.FgRed, color.Bold)
	case classify.FalsePositive:
		return color.New(color.FgGreen)
	default:
		return color.New(color.FgYellow)
	}
}

func severityColor(s engine.Severity) *color.Color {
	switch s {
	case engine.SeverityCritical:
		return color.New(color.FgRed, color.Bold)
	case engine.SeverityHigh:
		return color.New(color.FgRed)
	case engine.SeverityMedium:
		return color.New(color.FgYellow)
	case engine.SeverityLow:
		return color.New(color.FgCyan)
	case engine.SeverityInfo:
		return color.New(color.FgBlue)
	default:
		return color.New(color.FgWhite)
	}
}
