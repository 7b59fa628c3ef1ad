package wrappers_test

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/user/secpipe/pkg/wrappers"
)

// fakeTool writes an executable shell script that prints fixture and exits
// with code.
func fakeTool(t *testing.T, fixture string, code int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}

	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	if fixture != "" {
		require.NoError(t, os.WriteFile(out, readFixture(t, fixture), 0o600))
	} else {
		require.NoError(t, os.WriteFile(out, nil, 0o600))
	}

	script := "#!/bin/sh\nif [ \"$1\" = \"--version\" ]; then echo \"1.2.3\"; exit 0; fi\ncat '" + out + "'\nexit " + strconv.Itoa(code) + "\n"
	bin := filepath.Join(dir, "tool")
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o700))
	return bin
}

func TestSemgrepScanWithFakeBinary(t *testing.T) {
	t.Parallel()

	s := wrappers.NewSemgrep()
	s.Binary = fakeTool(t, "semgrep.json", 1)

	require.True(t, s.IsAvailable())
	v, err := s.Version(t.Context())
	require.NoError(t, err)
	require.Equal(t, "1.2.3", v)

	findings, err := s.Scan(t.Context(), "src", wrappers.Config{Exclude: []string{"web/**"}})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, "app/db.py", findings[0].Location.File)
}

func TestBanditScanFailsOnUnexpectedExit(t *testing.T) {
	t.Parallel()

	b := wrappers.NewBandit()
	b.Binary = fakeTool(t, "", 2)

	_, err := b.Scan(t.Context(), ".", wrappers.Config{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 2")
}

func TestUnavailableScanner(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "does-not-exist")
	testCases := []struct {
		scenario string
		scanner  wrappers.Scanner
	}{
		{scenario: "semgrep", scanner: &wrappers.Semgrep{Binary: missing}},
		{scenario: "bandit", scanner: &wrappers.Bandit{Binary: missing}},
		{scenario: "gitleaks", scanner: &wrappers.Gitleaks{Binary: missing}},
		{scenario: "codeql", scanner: &wrappers.CodeQL{Binary: missing}},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()

			require.False(t, tc.scanner.IsAvailable())
			require.NotEmpty(t, tc.scanner.InstallInstructions())

			_, err := tc.scanner.Version(t.Context())
			require.ErrorIs(t, err, wrappers.ErrScannerUnavailable)

			_, err = tc.scanner.Scan(t.Context(), ".", wrappers.Config{})
			var unavailable *wrappers.UnavailableError
			require.True(t, errors.As(err, &unavailable))
			require.Equal(t, tc.scenario, unavailable.Scanner)
		})
	}
}

func TestCodeQLRequiresLanguage(t *testing.T) {
	t.Parallel()

	c := wrappers.NewCodeQL()
	c.Binary = fakeTool(t, "", 0)

	_, err := c.Scan(t.Context(), ".", wrappers.Config{})
	require.ErrorIs(t, err, wrappers.ErrLanguageRequired)
}

func TestGitleaksScanWithFakeBinary(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}

	// The fake copies the fixture to the --report-path argument.
	dir := t.TempDir()
	fixture, err := filepath.Abs(filepath.Join("testdata", "gitleaks.json"))
	require.NoError(t, err)
	script := `#!/bin/sh
while [ $# -gt 0 ]; do
  if [ "$1" = "--report-path" ]; then cp '` + fixture + `' "$2"; fi
  shift
done
exit 1
`
	bin := filepath.Join(dir, "gitleaks")
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o700))

	g := wrappers.NewGitleaks()
	g.Binary = bin

	findings, err := g.Scan(t.Context(), ".", wrappers.Config{})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	require.Equal(t, "CWE-798", findings[0].CWE)
}

func TestTitusFindsToken(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clean.py"), []byte("print('hello')\n"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules"), 0o700))
	token := "ghp_" + "R7dKq2Lm9Xv4Tz8Bn1Wc5Hy3Jp6Fs0Ga2Ue4"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "node_modules", "dep.js"), []byte("const t = '"+token+"'\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deploy.py"), []byte("import os\nTOKEN = '"+token+"'\n"), 0o600))

	s := wrappers.NewTitus()
	require.True(t, s.IsAvailable())

	findings, err := s.Scan(t.Context(), dir, wrappers.Config{})
	require.NoError(t, err)
	require.NotEmpty(t, findings)
	for _, f := range findings {
		require.Equal(t, "deploy.py", f.Location.File)
		require.Equal(t, "CWE-798", f.CWE)
		require.Equal(t, 2, f.Location.LineStart)
		require.Contains(t, f.Location.CodeSnippet, "TOKEN")
	}
}
