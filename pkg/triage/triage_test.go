package triage_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/secpipe/pkg/classify"
	"github.com/user/secpipe/pkg/engine"
	"github.com/user/secpipe/pkg/llm"
	"github.com/user/secpipe/pkg/risk"
	"github.com/user/secpipe/pkg/triage"
)

type fixedScorer map[string]float64

func (s fixedScorer) Score(_ context.Context, f *engine.Finding) risk.Components {
	return risk.Components{Impact: s[f.ID], Exploitability: 1, DetectionTime: 1}
}

type staticClassifier struct{}

func (staticClassifier) Classify(_ context.Context, f *engine.Finding) classify.Result {
	return classify.Result{FindingID: f.ID, Classification: classify.NeedsInvestigation, Confidence: 0.5, Reasoning: "static"}
}

func newFinding(id, cwe, file string, line int) *engine.Finding {
	return &engine.Finding{
		ID:       id,
		Scanner:  "semgrep",
		Severity: engine.SeverityHigh,
		Title:    "rule " + id,
		CWE:      cwe,
		Location: engine.Location{File: file, LineStart: line},
	}
}

func newEngine(t *testing.T, s triage.Scorer, opts ...triage.Option) *triage.Engine {
	t.Helper()
	e, err := triage.New(staticClassifier{}, s, opts...)
	require.NoError(t, err)
	return e
}

func byID(results []triage.Result) map[string]triage.Result {
	out := make(map[string]triage.Result, len(results))
	for _, r := range results {
		out[r.FindingID] = r
	}
	return out
}

func TestCWEClusterThreshold(t *testing.T) {
	t.Parallel()

	findings := []*engine.Finding{
		newFinding("a", "CWE-89", "a.py", 1),
		newFinding("b", "CWE-89", "b.py", 1),
		newFinding("c", "CWE-89", "c.py", 1),
		newFinding("d", "CWE-22", "d.py", 1),
	}
	results := byID(newEngine(t, fixedScorer{}).Triage(t.Context(), findings))

	for _, id := range []string{"a", "b", "c"} {
		require.Equal(t, "cwe:CWE-89", results[id].ClusterID)
		require.Equal(t, triage.ClusterCWE, results[id].ClusterType)
	}
	require.Empty(t, results["d"].ClusterID)
	require.Equal(t, triage.ClusterNone, results["d"].ClusterType)
}

func TestFileClusterUsesLeftovers(t *testing.T) {
	t.Parallel()

	findings := []*engine.Finding{
		newFinding("a", "CWE-89", "app/db.py", 1),
		newFinding("b", "CWE-89", "app/db.py", 9),
		newFinding("c", "CWE-89", "c.py", 1),
		newFinding("d", "CWE-22", "./app/db.py", 20),
		newFinding("e", "CWE-79", "web.js", 3),
		newFinding("f", "", "web.js", 7),
		newFinding("g", "CWE-327", "crypto.py", 2),
	}
	results := byID(newEngine(t, fixedScorer{}).Triage(t.Context(), findings))

	require.Equal(t, "cwe:CWE-89", results["a"].ClusterID)
	require.Equal(t, "cwe:CWE-89", results["b"].ClusterID)
	// a and b are taken by the CWE cluster, leaving d alone in app/db.py
	require.Empty(t, results["d"].ClusterID)
	require.Equal(t, "file:web.js", results["e"].ClusterID)
	require.Equal(t, "file:web.js", results["f"].ClusterID)
	require.Equal(t, triage.ClusterFile, results["f"].ClusterType)
	require.Empty(t, results["g"].ClusterID)
}

func TestClusterSizesConfigurable(t *testing.T) {
	t.Parallel()

	findings := []*engine.Finding{
		newFinding("a", "CWE-89", "a.py", 1),
		newFinding("b", "CWE-89", "b.py", 1),
		newFinding("c", "CWE-22", "c.py", 1),
		newFinding("d", "CWE-79", "c.py", 5),
	}
	e := newEngine(t, fixedScorer{}, triage.WithMinClusterSize(2), triage.WithMinFileClusterSize(3))
	results := byID(e.Triage(t.Context(), findings))

	require.Equal(t, "cwe:CWE-89", results["a"].ClusterID)
	require.Empty(t, results["c"].ClusterID)
	require.Empty(t, results["d"].ClusterID)
}

func TestSortedByRiskStable(t *testing.T) {
	t.Parallel()

	findings := []*engine.Finding{
		newFinding("low", "", "a.py", 1),
		newFinding("tie1", "", "b.py", 1),
		newFinding("high", "", "c.py", 1),
		newFinding("tie2", "", "d.py", 1),
	}
	scores := fixedScorer{"low": 1, "tie1": 5, "high": 9, "tie2": 5}

	results := newEngine(t, scores, triage.WithConcurrency(3)).Triage(t.Context(), findings)

	var ids []string
	for _, r := range results {
		ids = append(ids, r.FindingID)
	}
	require.Equal(t, []string{"high", "tie1", "tie2", "low"}, ids)
	require.Equal(t, 9.0, results[0].RiskScore)

	c, ok := results[0].Risk()
	require.True(t, ok)
	require.Equal(t, 9.0, c.Impact)
}

func TestHeuristicExplanation(t *testing.T) {
	t.Parallel()

	f := newFinding("sqli", "CWE-89", "app/db.py", 42)
	results := newEngine(t, fixedScorer{}).Triage(t.Context(), []*engine.Finding{f})
	require.Len(t, results, 1)

	ex := results[0].Explanation
	require.Contains(t, ex.What, "SQL Injection (CWE-89)")
	require.Contains(t, ex.What, "app/db.py:42")
	require.Contains(t, ex.WhyItMatters, "OWASP A03:2021 Injection")
	require.Contains(t, ex.WhyItMatters, "verify manually")
	require.Contains(t, ex.HowToExploit, "OR 1=1")
	require.Contains(t, ex.HowToFix, "app/db.py (line 42)")
	require.Equal(t, f.Fingerprint(), results[0].Fingerprint)
}

func TestExplanationFallsBackToRemediation(t *testing.T) {
	t.Parallel()

	f := newFinding("x", "CWE-1333", "re.py", 3)
	f.Remediation = "Bound the regex input length."
	results := newEngine(t, fixedScorer{}).Triage(t.Context(), []*engine.Finding{f})

	ex := results[0].Explanation
	require.Equal(t, "Bound the regex input length.", ex.HowToFix)
	require.NotEmpty(t, ex.HowToExploit)
	require.True(t, strings.HasPrefix(ex.What, "rule x at re.py:3"))
}

func TestModelExplanation(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		scenario string
		reply    string
		err      error
		wantWhat string
	}{
		{
			scenario: "parsed",
			reply:    `{"what": "model what", "why_it_matters": "model why", "how_to_exploit": "model exploit", "how_to_fix": "model fix"}`,
			wantWhat: "model what",
		},
		{
			scenario: "partial answer filled in",
			reply:    `{"what": "model what", "how_to_fix": "model fix"}`,
			wantWhat: "model what",
		},
		{
			scenario: "malformed",
			reply:    "sorry, I cannot help",
			wantWhat: "SQL Injection (CWE-89)",
		},
		{
			scenario: "transport error",
			err:      errors.New("503"),
			wantWhat: "SQL Injection (CWE-89)",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32
			client := llm.ClientFunc(func(context.Context, string) (string, error) {
				calls.Add(1)
				return tc.reply, tc.err
			})
			e := newEngine(t, fixedScorer{}, triage.WithLLM(client), triage.WithLLMTimeout(time.Second))
			results := e.Triage(t.Context(), []*engine.Finding{newFinding("s", "CWE-89", "db.py", 1)})

			ex := results[0].Explanation
			require.Contains(t, ex.What, tc.wantWhat)
			require.NotEmpty(t, ex.WhyItMatters)
			require.NotEmpty(t, ex.HowToExploit)
			require.NotEmpty(t, ex.HowToFix)
			require.EqualValues(t, 1, calls.Load())
		})
	}
}

func TestEndToEndWithBuiltins(t *testing.T) {
	t.Parallel()

	scorer := risk.NewScorer(risk.WithRoot(t.TempDir()))
	e, err := triage.New(classify.NewRegistry(), scorer)
	require.NoError(t, err)

	sqli := newFinding("sqli", "CWE-89", "db.py", 3)
	sqli.Severity = engine.SeverityCritical
	sqli.Location.CodeSnippet = `query = "SELECT * FROM users WHERE id = " + user_id`

	secret := newFinding("key", "CWE-798", "settings.py", 1)
	secret.Severity = engine.SeverityLow
	secret.Location.CodeSnippet = `API_KEY = "your-api-key-here"`

	results := e.Triage(t.Context(), []*engine.Finding{secret, sqli})
	require.Len(t, results, 2)
	require.Equal(t, "sqli", results[0].FindingID)
	require.Equal(t, classify.TruePositive, results[0].Classification)
	require.Equal(t, classify.FalsePositive, results[1].Classification)
	require.Greater(t, results[0].RiskScore, results[1].RiskScore)

	c, ok := results[0].Risk()
	require.True(t, ok)
	require.Equal(t, risk.DefaultDetectionDays, c.DetectionTime)

	sum := triage.Summarize(results)
	require.Equal(t, 2, sum.Total)
	require.Equal(t, 1, sum.ByClassification[classify.TruePositive])
	require.Equal(t, 2, sum.Unclustered)
	require.Equal(t, results[0].RiskScore, sum.MaxRiskScore)
}

func TestEmptyInput(t *testing.T) {
	t.Parallel()

	require.Empty(t, newEngine(t, fixedScorer{}).Triage(t.Context(), nil))
}
