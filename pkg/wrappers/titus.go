package wrappers

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/praetorian-inc/titus"

	"github.com/user/secpipe/pkg/engine"
)

const titusModule = "github.com/praetorian-inc/titus"

// MaxTitusFileSize skips files larger than this.
const MaxTitusFileSize = 2 << 20

var titusSkipDirs = map[string]bool{
	"node_modules": true, "vendor": true, "dist": true, "build": true,
	"target": true, "__pycache__": true, "venv": true, ".venv": true,
}

var titusSkipExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true, ".svg": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
	".zip": true, ".tar": true, ".gz": true, ".bz2": true, ".7z": true,
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".bin": true,
	".pdf": true, ".db": true, ".sqlite": true, ".lock": true,
}

// Titus detects secrets in-process with the titus rule set, so it needs no
// external binary. Matches are CWE-798, high severity, or critical when live
// validation (Extra["validate"] = "true") confirms the secret.
type Titus struct{}

func NewTitus() *Titus { return &Titus{} }

func (t *Titus) Name() string { return "titus" }

func (t *Titus) InstallInstructions() string {
	return "built in; no installation required"
}

func (t *Titus) IsAvailable() bool { return true }

func (t *Titus) Version(context.Context) (string, error) {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range info.Deps {
			if dep.Path == titusModule {
				return dep.Version, nil
			}
		}
	}
	return "(devel)", nil
}

func (t *Titus) Scan(ctx context.Context, target string, cfg Config) ([]*engine.Finding, error) {
	var opts []titus.Option
	if cfg.Extra["validate"] == "true" {
		opts = append(opts, titus.WithValidation())
	}
	scanner, err := titus.NewScanner(opts...)
	if err != nil {
		return nil, fmt.Errorf("create titus scanner: %w", err)
	}
	defer scanner.Close()

	var findings []*engine.Finding
	err = filepath.WalkDir(target, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel := relPath(target, path)
		if d.IsDir() {
			base := d.Name()
			if path != target && (titusSkipDirs[base] || strings.HasPrefix(base, ".")) {
				return filepath.SkipDir
			}
			if path != target && cfg.Excluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || titusSkipExtensions[strings.ToLower(filepath.Ext(path))] || cfg.Excluded(rel) {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > MaxTitusFileSize {
			return nil
		}

		matches, err := scanner.ScanFile(path)
		if err != nil {
			return nil
		}
		for _, m := range matches {
			line := int(m.Location.Source.Start.Line)
			f := &engine.Finding{
				ID:          fmt.Sprintf("titus-%s-%s-%d", m.RuleID, rel, line),
				Scanner:     t.Name(),
				Severity:    engine.SeverityHigh,
				Title:       "Potential secret: " + m.RuleName,
				Description: fmt.Sprintf("Secret matching rule %s (%s) found in %s", m.RuleName, m.RuleID, rel),
				Location: engine.Location{
					File:        rel,
					LineStart:   line,
					LineEnd:     line,
					ColumnStart: int(m.Location.Source.Start.Column),
					CodeSnippet: readLine(path, line),
				},
				CWE:         "CWE-798",
				Confidence:  engine.ConfidenceMedium,
				Remediation: "Revoke the secret, rotate it and load it from a secret manager or the environment.",
				Metadata: map[string]any{
					"rule_id":   m.RuleID,
					"rule_name": m.RuleName,
				},
			}
			if m.ValidationResult != nil {
				f.Metadata["validation"] = string(m.ValidationResult.Status)
				if m.ValidationResult.Status == titus.StatusValid {
					f.Severity = engine.SeverityCritical
					f.Confidence = engine.ConfidenceHigh
				}
			}
			findings = append(findings, f)
		}
		return nil
	})
	if err != nil {
		return findings, err
	}
	return findings, nil
}

// readLine returns the 1-based line n of path, or "".
func readLine(path string, n int) string {
	if n <= 0 {
		return ""
	}
	fh, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer fh.Close()

	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for i := 1; sc.Scan(); i++ {
		if i == n {
			return sc.Text()
		}
	}
	return ""
}
