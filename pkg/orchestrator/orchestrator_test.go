package orchestrator_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/user/secpipe/pkg/engine"
	"github.com/user/secpipe/pkg/orchestrator"
	"github.com/user/secpipe/pkg/wrappers"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeScanner returns canned findings after an optional delay. It honours
// context cancellation.
type fakeScanner struct {
	name        string
	unavailable bool
	delay       time.Duration
	findings    func() []*engine.Finding
	err         error
	panics      bool
	calls       atomic.Int32
	gotCfg      atomic.Pointer[wrappers.Config]
}

func (f *fakeScanner) Name() string { return f.name }
func (f *fakeScanner) IsAvailable() bool { return !f.unavailable }
func (f *fakeScanner) InstallInstructions() string { return "install " + f.name }
func (f *fakeScanner) Version(context.Context) (string, error) { return "1.0", nil }

func (f *fakeScanner) Scan(ctx context.Context, _ string, cfg wrappers.Config) ([]*engine.Finding, error) {
	f.calls.Add(1)
	f.gotCfg.Store(&cfg)
	if f.panics {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.findings == nil {
		return nil, nil
	}
	return f.findings(), nil
}

func finding(scanner, file string, line int, cwe string, sev engine.Severity) *engine.Finding {
	return &engine.Finding{
		ID:         scanner + "-" + file,
		Scanner:    scanner,
		Severity:   sev,
		Title:      scanner + " finding",
		Location:   engine.Location{File: file, LineStart: line},
		CWE:        cwe,
		Confidence: engine.ConfidenceMedium,
	}
}

func newOrchestrator(t *testing.T, scanners ...wrappers.Scanner) *orchestrator.Orchestrator {
	t.Helper()
	o := orchestrator.New()
	for _, s := range scanners {
		require.NoError(t, o.Register(s))
	}
	return o
}

func TestRegisterDuplicate(t *testing.T) {
	t.Parallel()

	o := newOrchestrator(t, &fakeScanner{name: "semgrep"})
	err := o.Register(&fakeScanner{name: "semgrep"})
	require.ErrorIs(t, err, orchestrator.ErrDuplicateScanner)
	require.Len(t, o.Scanners(), 1)
}

func TestScanHardFailures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	testCases := []struct {
		scenario string
		scanners []wrappers.Scanner
		target   string
		opts     orchestrator.ScanOptions
		want     error
	}{
		{
			scenario: "missing target",
			scanners: []wrappers.Scanner{&fakeScanner{name: "a"}},
			target:   dir + "/nope",
			want:     orchestrator.ErrInvalidTarget,
		},
		{
			scenario: "nothing registered",
			target:   dir,
			want:     orchestrator.ErrNoScanners,
		},
		{
			scenario: "unknown name",
			scanners: []wrappers.Scanner{&fakeScanner{name: "a"}},
			target:   dir,
			opts:     orchestrator.ScanOptions{Scanners: []string{"b"}},
			want:     orchestrator.ErrUnknownScanner,
		},
		{
			scenario: "named scanner unavailable",
			scanners: []wrappers.Scanner{&fakeScanner{name: "a"}, &fakeScanner{name: "b", unavailable: true}},
			target:   dir,
			opts:     orchestrator.ScanOptions{Scanners: []string{"a", "b"}},
			want:     wrappers.ErrScannerUnavailable,
		},
		{
			scenario: "none available",
			scanners: []wrappers.Scanner{&fakeScanner{name: "a", unavailable: true}},
			target:   dir,
			want:     orchestrator.ErrNoAvailableScanners,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()

			o := newOrchestrator(t, tc.scanners...)
			res, err := o.Scan(t.Context(), tc.target, tc.opts)
			require.ErrorIs(t, err, tc.want)
			require.Nil(t, res)
		})
	}
}

func TestScanSkipsUnavailableWhenImplicit(t *testing.T) {
	t.Parallel()

	a := &fakeScanner{name: "a", findings: func() []*engine.Finding {
		return []*engine.Finding{finding("a", "x.py", 1, "CWE-89", engine.SeverityHigh)}
	}}
	b := &fakeScanner{name: "b", unavailable: true}

	o := newOrchestrator(t, a, b)
	res, err := o.Scan(t.Context(), t.TempDir(), orchestrator.ScanOptions{})
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	require.Zero(t, b.calls.Load())

	skipped, ok := res.Adapter("b")
	require.True(t, ok)
	require.Equal(t, orchestrator.StatusSkipped, skipped.Status)
	require.NotEmpty(t, res.RunID)
}

func TestScanGracefulDegradation(t *testing.T) {
	t.Parallel()

	for _, sequential := range []bool{false, true} {
		ok := &fakeScanner{name: "ok", findings: func() []*engine.Finding {
			return []*engine.Finding{finding("ok", "app.py", 3, "CWE-79", engine.SeverityMedium)}
		}}
		broken := &fakeScanner{name: "broken", err: errors.New("parse failure")}
		panicky := &fakeScanner{name: "panicky", panics: true}

		o := newOrchestrator(t, ok, broken, panicky)
		res, err := o.Scan(t.Context(), t.TempDir(), orchestrator.ScanOptions{Sequential: sequential})
		require.NoError(t, err)
		require.Len(t, res.Findings, 1)
		require.False(t, res.Partial)

		failed := res.Failed()
		require.Len(t, failed, 2)
		for _, f := range failed {
			require.Equal(t, orchestrator.StatusFailed, f.Status)
			require.Error(t, f.Err)
		}
		p, _ := res.Adapter("panicky")
		require.ErrorIs(t, p.Err, orchestrator.ErrAdapterPanic)
	}
}

func TestScanMergesAgreeingScanners(t *testing.T) {
	t.Parallel()

	semgrep := &fakeScanner{name: "semgrep", findings: func() []*engine.Finding {
		return []*engine.Finding{finding("semgrep", "app/db.py", 42, "CWE-89", engine.SeverityMedium)}
	}}
	codeql := &fakeScanner{name: "codeql", findings: func() []*engine.Finding {
		return []*engine.Finding{finding("codeql", "./app/db.py", 42, "89", engine.SeverityHigh)}
	}}

	o := newOrchestrator(t, semgrep, codeql)
	res, err := o.Scan(t.Context(), t.TempDir(), orchestrator.ScanOptions{})
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)

	f := res.Findings[0]
	require.Equal(t, engine.SeverityHigh, f.Severity)
	require.Equal(t, engine.ConfidenceHigh, f.Confidence)
	require.Equal(t, []string{"codeql", "semgrep"}, f.Scanners())

	raw, err := o.Scan(t.Context(), t.TempDir(), orchestrator.ScanOptions{NoDedup: true})
	require.NoError(t, err)
	require.Len(t, raw.Findings, 2)
}

func TestScanSequentialOrder(t *testing.T) {
	t.Parallel()

	mk := func(name string) *fakeScanner {
		return &fakeScanner{name: name, findings: func() []*engine.Finding {
			return []*engine.Finding{finding(name, name+".py", 1, "", engine.SeverityLow)}
		}}
	}
	o := newOrchestrator(t, mk("first"), mk("second"), mk("third"))

	res, err := o.Scan(t.Context(), t.TempDir(), orchestrator.ScanOptions{
		Sequential: true,
		Scanners:   []string{"third", "first"},
	})
	require.NoError(t, err)
	require.Len(t, res.Adapters, 2)
	require.Equal(t, "first", res.Adapters[0].Scanner)
	require.Equal(t, "third", res.Adapters[1].Scanner)
	require.Equal(t, "first", res.Findings[0].Scanner)
}

func TestScanPerAdapterTimeout(t *testing.T) {
	t.Parallel()

	slow := &fakeScanner{name: "slow", delay: 5 * time.Second}
	fast := &fakeScanner{name: "fast", findings: func() []*engine.Finding {
		return []*engine.Finding{finding("fast", "a.py", 1, "", engine.SeverityLow)}
	}}

	o := newOrchestrator(t, slow, fast)
	res, err := o.Scan(t.Context(), t.TempDir(), orchestrator.ScanOptions{
		ScannerConfig: map[string]wrappers.Config{"slow": {Timeout: 50 * time.Millisecond}},
	})
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	require.False(t, res.Partial)

	s, _ := res.Adapter("slow")
	require.Equal(t, orchestrator.StatusFailed, s.Status)
	require.ErrorIs(t, s.Err, context.DeadlineExceeded)
}

func TestScanOverallTimeoutReturnsPartial(t *testing.T) {
	t.Parallel()

	slow := &fakeScanner{name: "slow", delay: 5 * time.Second}
	fast := &fakeScanner{name: "fast", findings: func() []*engine.Finding {
		return []*engine.Finding{finding("fast", "a.py", 1, "", engine.SeverityLow)}
	}}

	o := newOrchestrator(t, fast, slow)
	start := time.Now()
	res, err := o.Scan(t.Context(), t.TempDir(), orchestrator.ScanOptions{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 3*time.Second)
	require.True(t, res.Partial)
	require.Len(t, res.Findings, 1)

	s, _ := res.Adapter("slow")
	require.Equal(t, orchestrator.StatusCancelled, s.Status)
}

func TestScanAppliesConfigAndExcludes(t *testing.T) {
	t.Parallel()

	a := &fakeScanner{name: "a", findings: func() []*engine.Finding {
		return []*engine.Finding{
			finding("a", "vendor/lib.py", 1, "", engine.SeverityLow),
			finding("a", "src/app.py", 2, "", engine.SeverityLow),
		}
	}}

	o := newOrchestrator(t, a)
	res, err := o.Scan(t.Context(), t.TempDir(), orchestrator.ScanOptions{
		Config:        wrappers.Config{Exclude: []string{"vendor/**"}},
		ScannerConfig: map[string]wrappers.Config{"a": {Rules: []string{"p/python"}}},
	})
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	require.Equal(t, "src/app.py", res.Findings[0].Location.File)

	got := a.gotCfg.Load()
	require.NotNil(t, got)
	require.Equal(t, []string{"p/python"}, got.Rules)
	require.Equal(t, []string{"vendor/**"}, got.Exclude)
}
