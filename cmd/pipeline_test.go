package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/user/secpipe/pkg/classify"
	"github.com/user/secpipe/pkg/config"
	"github.com/user/secpipe/pkg/engine"
	"github.com/user/secpipe/pkg/export"
	"github.com/user/secpipe/pkg/triage"
	"github.com/user/secpipe/pkg/wrappers"
)

func TestPolicyViolations(t *testing.T) {
	t.Parallel()

	high := &engine.Finding{Scanner: "semgrep", Severity: engine.SeverityHigh, Title: "sqli", CWE: "CWE-89",
		Location: engine.Location{File: "a.py", LineStart: 3}}
	critical := &engine.Finding{Scanner: "gitleaks", Severity: engine.SeverityCritical, Title: "key", CWE: "CWE-798",
		Location: engine.Location{File: "b.py", LineStart: 1}}
	low := &engine.Finding{Scanner: "bandit", Severity: engine.SeverityLow, Title: "assert",
		Location: engine.Location{File: "c.py", LineStart: 9}}
	findings := []*engine.Finding{high, critical, low}

	testCases := []struct {
		scenario  string
		threshold engine.Severity
		triage    []triage.Result
		want      int
	}{
		{scenario: "high threshold", threshold: engine.SeverityHigh, want: 2},
		{scenario: "critical threshold", threshold: engine.SeverityCritical, want: 1},
		{scenario: "info threshold", threshold: engine.SeverityInfo, want: 3},
		{
			scenario:  "false positives are ignored",
			threshold: engine.SeverityHigh,
			triage: []triage.Result{
				{Fingerprint: critical.Fingerprint(), Classification: classify.FalsePositive},
				{Fingerprint: high.Fingerprint(), Classification: classify.TruePositive},
			},
			want: 1,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			got := policyViolations(export.Report{Findings: findings, Triage: tc.triage}, tc.threshold)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestPolicyViolationsSharedFingerprint(t *testing.T) {
	t.Parallel()

	loc := engine.Location{File: "a.py", LineStart: 3}
	semgrep := &engine.Finding{ID: "semgrep-0-sqli", Scanner: "semgrep", Severity: engine.SeverityHigh,
		Title: "sqli", CWE: "CWE-89", Location: loc}
	bandit := &engine.Finding{ID: "bandit-0-B608", Scanner: "bandit", Severity: engine.SeverityHigh,
		Title: "sql expression", CWE: "CWE-89", Location: loc}
	require.Equal(t, semgrep.Fingerprint(), bandit.Fingerprint())

	r := export.Report{
		Findings: []*engine.Finding{semgrep, bandit},
		Triage: []triage.Result{
			{FindingID: bandit.ID, Fingerprint: bandit.Fingerprint(), Classification: classify.FalsePositive},
			{FindingID: semgrep.ID, Fingerprint: semgrep.Fingerprint(), Classification: classify.TruePositive},
		},
	}
	require.Equal(t, 1, policyViolations(r, engine.SeverityHigh))
}

func TestMaskKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", maskKey(""))
	require.Equal(t, "*****", maskKey("short"))
	require.Equal(t, "sk-a********wxyz", maskKey("sk-abcdefghiwxyz"))
}

func TestWriteReportToFile(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "report.json")
	f := &engine.Finding{ID: "1", Scanner: "semgrep", Severity: engine.SeverityMedium, Title: "xss",
		Location: engine.Location{File: "web/app.js", LineStart: 12}}

	var stdout bytes.Buffer
	require.NoError(t, writeReport(&stdout, export.FormatJSON, out, export.Report{Findings: []*engine.Finding{f}}))
	require.Empty(t, stdout.String())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	report, err := export.ReadJSON(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	require.Equal(t, f.Fingerprint(), report.Findings[0].Fingerprint())
}

func TestTriageFileTarget(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "src", "db.py")
	require.NoError(t, os.MkdirAll(filepath.Dir(file), 0o755))
	source := "def find(uid):\n    cursor.execute(\"SELECT * FROM users WHERE id = \" + uid)\n"
	require.NoError(t, os.WriteFile(file, []byte(source), 0o600))

	report := `{"results": [{"check_id": "python.sql.formatted-sql-query", "path": "` + filepath.ToSlash(file) + `",
		"start": {"line": 2, "col": 5}, "end": {"line": 2, "col": 60},
		"extra": {"message": "formatted SQL", "severity": "ERROR", "lines": "requires login",
			"metadata": {"cwe": "CWE-89"}}}]}`
	findings, err := wrappers.ParseSemgrep([]byte(report), file)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, "db.py", findings[0].Location.File)

	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	cfg.Triage.UseLLM = false

	results, err := runTriage(t.Context(), cfg, wrappers.SourceRoot(file), findings)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, classify.TruePositive, results[0].Classification)
	require.Equal(t, classify.MethodHeuristic, results[0].Method)
}
