package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/user/secpipe/pkg/classify"
	"github.com/user/secpipe/pkg/engine"
	"github.com/user/secpipe/pkg/triage"
)

// WriteMarkdown writes a human-readable report: a severity summary followed by
// one section per finding.
func WriteMarkdown(w io.Writer, r Report) error {
	catalog, err := engine.NewCatalog()
	if err != nil {
		return err
	}
	verdicts := r.Verdicts()
	findings := r.ordered()

	var b strings.Builder
	b.WriteString("# Security Findings Report\n\n")

	counts := severityCounts(findings)
	b.WriteString("| Severity | Count |\n|---|---|\n")
	for _, s := range engine.Severities {
		fmt.Fprintf(&b, "| %s | %d |\n", strings.ToUpper(string(s)), counts[s])
	}
	fmt.Fprintf(&b, "| **Total** | **%d** |\n\n", len(findings))

	if len(r.Triage) > 0 {
		sum := triage.Summarize(r.Triage)
		fmt.Fprintf(&b, "Triage: %d true positive, %d false positive, %d need investigation. Highest risk score %.2f.\n\n",
			sum.ByClassification[classify.TruePositive],
			sum.ByClassification[classify.FalsePositive],
			sum.ByClassification[classify.NeedsInvestigation],
			sum.MaxRiskScore)
	}

	if len(findings) == 0 {
		b.WriteString("No findings.\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	b.WriteString("## Findings\n")
	for i, f := range findings {
		fmt.Fprintf(&b, "\n### %d. [%s] %s\n\n", i+1, strings.ToUpper(string(f.Severity)), f.Title)

		fmt.Fprintf(&b, "- **Location:** `%s`\n", f.Location)
		fmt.Fprintf(&b, "- **Scanner:** %s\n", strings.Join(f.Scanners(), ", "))
		if f.CWE != "" {
			line := f.CWE
			if weakness, ok := catalog.Lookup(f.CWE); ok {
				line += " " + weakness.Name
				if standards := weakness.Standards(); len(standards) > 0 {
					line += " (" + strings.Join(standards, "; ") + ")"
				}
			}
			fmt.Fprintf(&b, "- **CWE:** %s\n", line)
		}
		if f.CVSS != nil {
			fmt.Fprintf(&b, "- **CVSS:** %.1f\n", *f.CVSS)
		}
		fmt.Fprintf(&b, "- **Confidence:** %s\n", f.Confidence)

		t, _, triaged := verdicts.Lookup(f)
		if triaged {
			fmt.Fprintf(&b, "- **Classification:** %s (%.0f%%)\n", t.Classification, t.Confidence*100)
			fmt.Fprintf(&b, "- **Risk score:** %.2f\n", t.RiskScore)
			if t.ClusterID != "" {
				fmt.Fprintf(&b, "- **Cluster:** %s\n", t.ClusterID)
			}
		}

		if f.Description != "" {
			fmt.Fprintf(&b, "\n%s\n", f.Description)
		}
		if f.Location.CodeSnippet != "" {
			fmt.Fprintf(&b, "\n```\n%s\n```\n", strings.TrimRight(f.Location.CodeSnippet, "\n"))
		}

		if triaged {
			ex := t.Explanation
			if ex.WhyItMatters != "" {
				fmt.Fprintf(&b, "\n**Why it matters:** %s\n", ex.WhyItMatters)
			}
			if ex.HowToExploit != "" {
				fmt.Fprintf(&b, "\n**How it could be exploited:** %s\n", ex.HowToExploit)
			}
			if ex.HowToFix != "" {
				fmt.Fprintf(&b, "\n**How to fix:** %s\n", ex.HowToFix)
			}
			if t.Reasoning != "" {
				fmt.Fprintf(&b, "\n_Triage reasoning: %s_\n", t.Reasoning)
			}
		} else if f.Remediation != "" {
			fmt.Fprintf(&b, "\n**Remediation:** %s\n", f.Remediation)
		}

		if len(f.References) > 0 {
			b.WriteString("\n**References:**\n")
			for _, ref := range f.References {
				fmt.Fprintf(&b, "- %s\n", ref)
			}
		}
	}

	_, err = io.WriteString(w, b.String())
	return err
}
