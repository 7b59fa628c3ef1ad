package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/secpipe/pkg/config"
	"github.com/user/secpipe/pkg/wrappers"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, "gemini", cfg.SelectedProvider)
	require.Equal(t, 8, cfg.Triage.ContextLines)
	require.Equal(t, 3, cfg.Triage.MinClusterSize)
	require.Equal(t, 2, cfg.Triage.MinFileClusterSize)
	require.Equal(t, 30*time.Second, cfg.Triage.LLMTimeout)
	require.Equal(t, 5*time.Second, cfg.Triage.BlameTimeout)
	require.Equal(t, wrappers.DefaultTimeout, cfg.Scan.Defaults.Timeout)
	require.Zero(t, cfg.Scan.Timeout)
	require.NotNil(t, cfg.Providers)
}

func TestLoadYAMLFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
selected_provider: openai
selected_model: gpt-4o
providers:
  openai:
    api_key: sk-test
scan:
  scanners: [semgrep, bandit]
  timeout: 2m
  defaults:
    exclude: ["vendor/**"]
  adapters:
    codeql:
      timeout: 30m
      extra:
        language: go
triage:
  min_cluster_size: 5
server:
  allowed_roots: [/srv/repos]
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "openai", cfg.SelectedProvider)
	require.Equal(t, "gpt-4o", cfg.SelectedModel)
	require.Equal(t, "sk-test", cfg.GetAPIKey("openai"))
	require.Equal(t, 5, cfg.Triage.MinClusterSize)
	require.Equal(t, 2, cfg.Triage.MinFileClusterSize)
	require.Equal(t, []string{"/srv/repos"}, cfg.Server.AllowedRoots)

	opts := cfg.ScanOptions()
	require.Equal(t, []string{"semgrep", "bandit"}, opts.Scanners)
	require.Equal(t, 2*time.Minute, opts.Timeout)
	require.Equal(t, []string{"vendor/**"}, opts.Config.Exclude)
	require.Equal(t, wrappers.DefaultTimeout, opts.Config.Timeout)
	require.Equal(t, 30*time.Minute, opts.ScannerConfig["codeql"].Timeout)
	require.Equal(t, "go", opts.ScannerConfig["codeql"].Extra["language"])
}

func TestLoadJSONFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"selected_provider": "anthropic", "triage": {"use_llm": true}}`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "anthropic", cfg.SelectedProvider)
	require.True(t, cfg.Triage.UseLLM)
}

func TestLoadInvalidFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scan: [unterminated"), 0o600))

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SECPIPE_SELECTED_MODEL", "gemini-1.5-pro")
	t.Setenv("SECPIPE_SCAN__SCANNERS", "gitleaks, titus")
	t.Setenv("SECPIPE_SCAN__SEQUENTIAL", "true")
	t.Setenv("SECPIPE_TRIAGE__MIN_FILE_CLUSTER_SIZE", "4")
	t.Setenv("SECPIPE_TRIAGE__LLM_TIMEOUT", "1m")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("selected_model: from-file\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "gemini-1.5-pro", cfg.SelectedModel)
	require.Equal(t, []string{"gitleaks", "titus"}, cfg.Scan.Scanners)
	require.True(t, cfg.Scan.Sequential)
	require.Equal(t, 4, cfg.Triage.MinFileClusterSize)
	require.Equal(t, time.Minute, cfg.Triage.LLMTimeout)
}

func TestAPIKeyFallsBackToEnvironment(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "from-env")

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.GetAPIKey("anthropic"))

	cfg.SetAPIKey("anthropic", "stored")
	require.Equal(t, "stored", cfg.GetAPIKey("anthropic"))
}

func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg, err := config.Load(path)
	require.NoError(t, err)

	cfg.SelectedProvider = "openai"
	cfg.SetAPIKey("openai", "sk-saved")
	cfg.Scan.Timeout = 90 * time.Second
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "openai", loaded.SelectedProvider)
	require.Equal(t, "sk-saved", loaded.Providers["openai"].APIKey)
	require.Equal(t, 90*time.Second, loaded.Scan.Timeout)
	require.Equal(t, cfg.Triage, loaded.Triage)
}
