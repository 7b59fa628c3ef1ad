// Package config loads secpipe settings from built-in defaults, an optional
// YAML or JSON file and SECPIPE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/user/secpipe/pkg/llm"
	"github.com/user/secpipe/pkg/orchestrator"
	"github.com/user/secpipe/pkg/wrappers"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nested keys: SECPIPE_SCAN__TIMEOUT=5m sets scan.timeout.
const EnvPrefix = "SECPIPE_"

const (
	DirName  = ".secpipe"
	FileName = "config.yaml"
)

type ProviderConfig struct {
	APIKey string `yaml:"api_key,omitempty"`
}

type ScanConfig struct {
	// Scanners restricts scans to these adapters; empty means all available.
	Scanners   []string `yaml:"scanners,omitempty"`
	Sequential bool     `yaml:"sequential"`
	// Timeout bounds a whole scan; zero means no overall limit.
	Timeout time.Duration `yaml:"timeout"`
	// Defaults apply to every adapter. Adapters overlays them per scanner.
	Defaults wrappers.Config            `yaml:"defaults"`
	Adapters map[string]wrappers.Config `yaml:"adapters,omitempty"`
}

type TriageConfig struct {
	UseLLM             bool          `yaml:"use_llm"`
	ContextLines       int           `yaml:"context_lines"`
	MinClusterSize     int           `yaml:"min_cluster_size"`
	MinFileClusterSize int           `yaml:"min_file_cluster_size"`
	LLMTimeout         time.Duration `yaml:"llm_timeout"`
	BlameTimeout       time.Duration `yaml:"blame_timeout"`
	// FixesDir holds extra fix pattern files loaded over the built-in ones.
	FixesDir string `yaml:"fixes_dir,omitempty"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// AllowedRoots limits which directories API clients may scan.
	AllowedRoots []string `yaml:"allowed_roots,omitempty"`
}

type BaselineConfig struct {
	Path string `yaml:"path,omitempty"`
}

type Config struct {
	SelectedProvider string                    `yaml:"selected_provider"`
	SelectedModel    string                    `yaml:"selected_model"`
	Providers        map[string]ProviderConfig `yaml:"providers"`
	Scan             ScanConfig                `yaml:"scan"`
	Triage           TriageConfig              `yaml:"triage"`
	Server           ServerConfig              `yaml:"server"`
	Baseline         BaselineConfig            `yaml:"baseline"`
}

// list-valued keys accept comma separated environment values
var listKeys = map[string]bool{
	"scan.scanners":         true,
	"scan.defaults.rules":   true,
	"scan.defaults.exclude": true,
	"server.allowed_roots":  true,
}

func defaults() map[string]any {
	return map[string]any{
		"selected_provider":            "gemini",
		"selected_model":               "gemini-1.5-flash",
		"scan.sequential":              false,
		"scan.timeout":                 "0s",
		"scan.defaults.timeout":        wrappers.DefaultTimeout.String(),
		"triage.use_llm":               false,
		"triage.context_lines":         8,
		"triage.min_cluster_size":      3,
		"triage.min_file_cluster_size": 2,
		"triage.llm_timeout":           "30s",
		"triage.blame_timeout":         "5s",
		"server.addr":                  "127.0.0.1:8088",
	}
}

// Dir returns ~/.secpipe, creating it when missing.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, DirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// GetConfigPath returns the default config file location.
func GetConfigPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// LoadConfig loads the default config file.
func LoadConfig() (*Config, error) {
	path, err := GetConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Load layers defaults, the file at path (skipped when it does not exist) and
// the environment. Files ending in .json are parsed as JSON, anything else as YAML.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			var parser koanf.Parser = yaml.Parser()
			if strings.EqualFold(filepath.Ext(path), ".json") {
				parser = json.Parser()
			}
			if err := k.Load(file.Provider(path), parser); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envKey,
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	return &cfg, nil
}

func envKey(k, v string) (string, any) {
	key := strings.ToLower(strings.TrimPrefix(k, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")
	if listKeys[key] {
		var items []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return key, items
	}
	return key, v
}

// SaveConfig writes cfg to the default location.
func SaveConfig(cfg *Config) error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}
	return cfg.Save(path)
}

// Save writes c as YAML. The file holds API keys and is created 0600.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) SetAPIKey(provider, key string) {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	p := c.Providers[provider]
	p.APIKey = key
	c.Providers[provider] = p
}

// GetAPIKey returns the stored key for provider, falling back to the
// provider's conventional environment variable.
func (c *Config) GetAPIKey(provider string) string {
	if k := c.Providers[provider].APIKey; k != "" {
		return k
	}
	return llm.EnvAPIKey(provider)
}

// ScanOptions converts the scan section for the orchestrator.
func (c *Config) ScanOptions() orchestrator.ScanOptions {
	return orchestrator.ScanOptions{
		Scanners:      c.Scan.Scanners,
		Sequential:    c.Scan.Sequential,
		Timeout:       c.Scan.Timeout,
		Config:        c.Scan.Defaults,
		ScannerConfig: c.Scan.Adapters,
	}
}
