package engine

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed data/fixes.yaml
var builtinFixes []byte

// FixPattern describes how to remediate one class of weakness. Fix is a
// text/template rendered against the Finding being fixed.
type FixPattern struct {
	ID          string   `yaml:"id"`
	CWE         string   `yaml:"cwe"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Fix         string   `yaml:"fix"`
	References  []string `yaml:"references"`
}

// FixRegistry maps CWEs to fix patterns.
type FixRegistry struct {
	patterns map[string]FixPattern
}

// NewFixRegistry returns a registry preloaded with the built-in patterns.
func NewFixRegistry() (*FixRegistry, error) {
	r := &FixRegistry{patterns: make(map[string]FixPattern)}
	if err := r.load(builtinFixes, "builtin"); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadDir reads every *.yaml/*.yml file in dir. Patterns for a CWE already
// present replace the existing one.
func (r *FixRegistry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		if err := r.load(data, entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (r *FixRegistry) load(data []byte, source string) error {
	var patterns []FixPattern
	if err := yaml.Unmarshal(data, &patterns); err != nil {
		return fmt.Errorf("failed to parse %s: %w", source, err)
	}
	for _, p := range patterns {
		cwe := NormalizeCWE(p.CWE)
		if cwe == "" {
			return fmt.Errorf("%s: pattern %q has no valid cwe", source, p.ID)
		}
		if _, err := template.New(p.ID).Parse(p.Fix); err != nil {
			return fmt.Errorf("%s: pattern %q: %w", source, p.ID, err)
		}
		p.CWE = cwe
		r.patterns[cwe] = p
	}
	return nil
}

// Lookup returns the pattern registered for cwe.
func (r *FixRegistry) Lookup(cwe string) (FixPattern, bool) {
	p, ok := r.patterns[NormalizeCWE(cwe)]
	return p, ok
}

// Plan renders the fix guidance for f, or "" when no pattern covers its CWE.
func (r *FixRegistry) Plan(f *Finding) (string, error) {
	p, ok := r.Lookup(f.CWE)
	if !ok {
		return "", nil
	}

	t, err := template.New(p.ID).Parse(p.Fix)
	if err != nil {
		return "", fmt.Errorf("failed to parse fix template %s: %w", p.ID, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, f); err != nil {
		return "", fmt.Errorf("failed to execute fix template %s: %w", p.ID, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
