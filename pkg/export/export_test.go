package export_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/user/secpipe/pkg/classify"
	"github.com/user/secpipe/pkg/engine"
	"github.com/user/secpipe/pkg/export"
	"github.com/user/secpipe/pkg/risk"
	"github.com/user/secpipe/pkg/triage"
)

func sampleReport() export.Report {
	cvss := 9.1
	sqli := &engine.Finding{
		ID:          "semgrep-1",
		Scanner:     "semgrep",
		Severity:    engine.SeverityCritical,
		Title:       "python.sqlalchemy.raw-query",
		Description: "User input flows into a raw SQL query.",
		Location: engine.Location{
			File: "app/db.py", LineStart: 12, LineEnd: 13, ColumnStart: 5, ColumnEnd: 40,
			CodeSnippet: `query = "SELECT * FROM users WHERE id = " + user_id`,
		},
		CWE:         "CWE-89",
		CVSS:        &cvss,
		Confidence:  engine.ConfidenceHigh,
		Remediation: "Use bound parameters.",
		References:  []string{"https://owasp.org/Top10/A03_2021-Injection/"},
	}
	md5 := &engine.Finding{
		ID:         "bandit-1",
		Scanner:    "bandit",
		Severity:   engine.SeverityMedium,
		Title:      "Use of insecure MD5 hash function.",
		Location:   engine.Location{File: "app/cache.py", LineStart: 3},
		CWE:        "CWE-327",
		Confidence: engine.ConfidenceMedium,
	}
	note := &engine.Finding{
		ID:         "semgrep-2",
		Scanner:    "semgrep",
		Severity:   engine.SeverityInfo,
		Title:      "Debug flag enabled",
		Location:   engine.Location{File: "app/settings.py", LineStart: 1},
		Confidence: engine.ConfidenceLow,
	}

	results := []triage.Result{{
		FindingID:      sqli.ID,
		Fingerprint:    sqli.Fingerprint(),
		Classification: classify.TruePositive,
		Confidence:     0.8,
		Reasoning:      "query is concatenated",
		RiskScore:      2.85,
		Explanation: triage.Explanation{
			What:         "SQL injection",
			WhyItMatters: "Attackers can read the users table.",
			HowToExploit: "' OR 1=1 --",
			HowToFix:     "Parameterize the query.",
		},
		ClusterID:   "cwe:CWE-89",
		ClusterType: triage.ClusterCWE,
		Metadata:    map[string]any{triage.MetaRisk: risk.Components{Impact: 9.5, Exploitability: 9, DetectionTime: 30}},
	}}

	return export.Report{Findings: []*engine.Finding{note, md5, sqli}, Triage: results}
}

type sarifLog struct {
	Version string `json:"version"`
	Runs    []struct {
		Tool struct {
			Driver struct {
				Name  string `json:"name"`
				Rules []struct {
					ID               string `json:"id"`
					ShortDescription struct {
						Text string `json:"text"`
					} `json:"shortDescription"`
					FullDescription struct {
						Text string `json:"text"`
					} `json:"fullDescription"`
					Help struct {
						Text string `json:"text"`
					} `json:"help"`
				} `json:"rules"`
			} `json:"driver"`
		} `json:"tool"`
		Results []struct {
			RuleID  string `json:"ruleId"`
			Level   string `json:"level"`
			Message struct {
				Text string `json:"text"`
			} `json:"message"`
			Locations []struct {
				PhysicalLocation struct {
					ArtifactLocation struct {
						URI string `json:"uri"`
					} `json:"artifactLocation"`
					Region struct {
						StartLine   int `json:"startLine"`
						EndLine     int `json:"endLine"`
						StartColumn int `json:"startColumn"`
						EndColumn   int `json:"endColumn"`
						Snippet     struct {
							Text string `json:"text"`
						} `json:"snippet"`
					} `json:"region"`
				} `json:"physicalLocation"`
			} `json:"locations"`
			Properties map[string]any `json:"properties"`
		} `json:"results"`
	} `json:"runs"`
}

func TestSARIF(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, export.WriteSARIF(&buf, sampleReport()))

	var log sarifLog
	require.NoError(t, json.Unmarshal(buf.Bytes(), &log))
	require.Equal(t, "2.1.0", log.Version)
	require.Len(t, log.Runs, 2)

	semgrep, bandit := log.Runs[0], log.Runs[1]
	require.Equal(t, "semgrep", semgrep.Tool.Driver.Name)
	require.Equal(t, "bandit", bandit.Tool.Driver.Name)

	require.Len(t, semgrep.Tool.Driver.Rules, 2)
	require.Equal(t, "debug-flag-enabled", semgrep.Tool.Driver.Rules[0].ID)
	sqliRule := semgrep.Tool.Driver.Rules[1]
	require.Equal(t, "CWE-89", sqliRule.ID)
	require.Equal(t, "CWE-89: python.sqlalchemy.raw-query", sqliRule.ShortDescription.Text)
	require.Equal(t, "User input flows into a raw SQL query.", sqliRule.FullDescription.Text)
	require.Equal(t, "Use bound parameters.", sqliRule.Help.Text)

	require.Len(t, semgrep.Results, 2)
	require.Equal(t, "none", semgrep.Results[0].Level)

	res := semgrep.Results[1]
	require.Equal(t, "CWE-89", res.RuleID)
	require.Equal(t, "error", res.Level)
	require.Equal(t, "User input flows into a raw SQL query.", res.Message.Text)
	require.Len(t, res.Locations, 1)
	loc := res.Locations[0].PhysicalLocation
	require.Equal(t, "app/db.py", loc.ArtifactLocation.URI)
	require.Equal(t, 12, loc.Region.StartLine)
	require.Equal(t, 13, loc.Region.EndLine)
	require.Equal(t, 5, loc.Region.StartColumn)
	require.Equal(t, 40, loc.Region.EndColumn)
	require.Contains(t, loc.Region.Snippet.Text, "SELECT * FROM users")

	require.Equal(t, "semgrep", res.Properties["scanner"])
	require.Equal(t, 9.1, res.Properties["cvss"])
	require.Equal(t, "high", res.Properties["confidence"])
	require.Equal(t, "Use bound parameters.", res.Properties["remediation"])
	require.Equal(t, []any{"https://owasp.org/Top10/A03_2021-Injection/"}, res.Properties["references"])
	require.Equal(t, "TRUE_POSITIVE", res.Properties["classification"])
	require.Equal(t, 2.85, res.Properties["risk_score"])

	require.Equal(t, "warning", bandit.Results[0].Level)
	require.Equal(t, "Use of insecure MD5 hash function.", bandit.Results[0].Message.Text)
}

func undeduplicatedReport() (export.Report, *engine.Finding, *engine.Finding) {
	loc := engine.Location{File: "app/db.py", LineStart: 12}
	semgrep := &engine.Finding{ID: "semgrep-0-sqli", Scanner: "semgrep", Severity: engine.SeverityHigh,
		Title: "sqli", CWE: "CWE-89", Location: loc}
	bandit := &engine.Finding{ID: "bandit-0-B608", Scanner: "bandit", Severity: engine.SeverityHigh,
		Title: "hardcoded sql expression", CWE: "CWE-89", Location: loc}
	results := []triage.Result{
		{FindingID: bandit.ID, Fingerprint: bandit.Fingerprint(), Classification: classify.FalsePositive, RiskScore: 3},
		{FindingID: semgrep.ID, Fingerprint: semgrep.Fingerprint(), Classification: classify.TruePositive, RiskScore: 1},
	}
	return export.Report{Findings: []*engine.Finding{semgrep, bandit}, Triage: results}, semgrep, bandit
}

func TestVerdictsSharedFingerprint(t *testing.T) {
	t.Parallel()

	r, semgrep, bandit := undeduplicatedReport()
	require.Equal(t, semgrep.Fingerprint(), bandit.Fingerprint())

	testCases := []struct {
		scenario string
		finding  *engine.Finding
		want     classify.Classification
		wantPos  int
	}{
		{scenario: "semgrep by id", finding: semgrep, want: classify.TruePositive, wantPos: 1},
		{scenario: "bandit by id", finding: bandit, want: classify.FalsePositive, wantPos: 0},
		{
			scenario: "unknown id falls back to fingerprint",
			finding:  &engine.Finding{ID: "codeql-0", CWE: "CWE-89", Location: semgrep.Location},
			want:     classify.FalsePositive,
			wantPos:  0,
		},
	}
	verdicts := r.Verdicts()
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			got, pos, ok := verdicts.Lookup(tc.finding)
			require.True(t, ok)
			require.Equal(t, tc.want, got.Classification)
			require.Equal(t, tc.wantPos, pos)
		})
	}

	_, _, ok := verdicts.Lookup(&engine.Finding{ID: "x", Location: engine.Location{File: "other.py", LineStart: 1}})
	require.False(t, ok)
}

func TestSARIFSharedFingerprint(t *testing.T) {
	t.Parallel()

	r, _, _ := undeduplicatedReport()
	var buf bytes.Buffer
	require.NoError(t, export.WriteSARIF(&buf, r))

	var log sarifLog
	require.NoError(t, json.Unmarshal(buf.Bytes(), &log))
	require.Len(t, log.Runs, 2)
	require.Equal(t, "semgrep", log.Runs[0].Tool.Driver.Name)
	require.Equal(t, "TRUE_POSITIVE", log.Runs[0].Results[0].Properties["classification"])
	require.Equal(t, "bandit", log.Runs[1].Tool.Driver.Name)
	require.Equal(t, "FALSE_POSITIVE", log.Runs[1].Results[0].Properties["classification"])
}

func TestSARIFLevels(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		severity engine.Severity
		want     string
	}{
		{engine.SeverityCritical, "error"},
		{engine.SeverityHigh, "error"},
		{engine.SeverityMedium, "warning"},
		{engine.SeverityLow, "note"},
		{engine.SeverityInfo, "none"},
	}

	for _, tc := range testCases {
		t.Run(string(tc.severity), func(t *testing.T) {
			t.Parallel()

			r := export.Report{Findings: []*engine.Finding{{Scanner: "x", Title: "t", Severity: tc.severity}}}
			var buf bytes.Buffer
			require.NoError(t, export.WriteSARIF(&buf, r))

			var log sarifLog
			require.NoError(t, json.Unmarshal(buf.Bytes(), &log))
			require.Equal(t, tc.want, log.Runs[0].Results[0].Level)
			require.Empty(t, log.Runs[0].Results[0].Locations)
		})
	}
}

func TestJSONRoundTrip(t *testing.T) {
	t.Parallel()

	in := sampleReport()
	var buf bytes.Buffer
	require.NoError(t, export.WriteJSON(&buf, in))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &raw))
	require.Contains(t, raw, "findings")
	require.Contains(t, raw, "triage")
	first := raw["findings"].([]any)[0].(map[string]any)
	require.Contains(t, first, "location")
	require.NotContains(t, first, "cwe_id")

	out, err := export.ReadJSON(&buf)
	require.NoError(t, err)
	require.Len(t, out.Findings, 3)
	require.Equal(t, in.Findings[2].Fingerprint(), out.Findings[2].Fingerprint())
	require.Equal(t, 9.1, *out.Findings[2].CVSS)

	c, ok := out.Triage[0].Risk()
	require.True(t, ok)
	require.Equal(t, 30, c.DetectionTime)
}

func TestJSONEmpty(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, export.WriteJSON(&buf, export.Report{}))
	require.JSONEq(t, `{"findings": []}`, buf.String())
}

func TestMarkdown(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, export.WriteMarkdown(&buf, sampleReport()))
	out := buf.String()

	require.Contains(t, out, "# Security Findings Report")
	require.Contains(t, out, "| CRITICAL | 1 |")
	require.Contains(t, out, "| **Total** | **3** |")
	require.Contains(t, out, "### 1. [CRITICAL] python.sqlalchemy.raw-query")
	require.Contains(t, out, "CWE-89 SQL Injection (OWASP A03:2021 Injection; CWE Top 25 #3)")
	require.Contains(t, out, "**Risk score:** 2.85")
	require.Contains(t, out, "**How to fix:** Parameterize the query.")
	require.Contains(t, out, "### 2. [MEDIUM] Use of insecure MD5 hash function.")
	require.Contains(t, out, "### 3. [INFO] Debug flag enabled")
}

func TestTerminal(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, export.NewTerminalWriter(&buf, true).Write(sampleReport()))
	out := buf.String()

	require.Less(t, strings.Index(out, "[CRITICAL]"), strings.Index(out, "[MEDIUM]"))
	require.Contains(t, out, "app/db.py:12  via semgrep")
	require.Contains(t, out, "TRUE_POSITIVE  risk 2.85  cluster cwe:CWE-89")
	require.Contains(t, out, "True positive:       1")
	require.Contains(t, out, "Total: 3 finding(s)")
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	f, err := export.ParseFormat("MD")
	require.NoError(t, err)
	require.Equal(t, export.FormatMarkdown, f)

	_, err = export.ParseFormat("xml")
	require.ErrorIs(t, err, export.ErrUnknownFormat)
}
