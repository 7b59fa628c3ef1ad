// Package wrappers adapts external security scanners to the unified finding
// model. Each adapter runs its tool, parses the native report and maps it onto
// engine.Finding.
package wrappers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/user/secpipe/pkg/engine"
)

// DefaultTimeout bounds a single adapter run when Config.Timeout is unset.
const DefaultTimeout = 10 * time.Minute

// ErrScannerUnavailable is matched by every *UnavailableError.
var ErrScannerUnavailable = errors.New("scanner unavailable")

// UnavailableError reports a scanner that is not installed or not runnable.
type UnavailableError struct {
	Scanner      string
	Instructions string
}

func (e *UnavailableError) Error() string {
	if e.Instructions == "" {
		return fmt.Sprintf("scanner %s is not available", e.Scanner)
	}
	return fmt.Sprintf("scanner %s is not available: %s", e.Scanner, e.Instructions)
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrScannerUnavailable
}

// Config carries per-run adapter settings.
type Config struct {
	// Rules selects rule packs or query suites; meaning is scanner specific.
	Rules []string `json:"rules,omitempty" yaml:"rules"`
	// Exclude holds doublestar globs matched against target-relative paths.
	Exclude []string `json:"exclude,omitempty" yaml:"exclude"`
	// Timeout bounds the run; zero means DefaultTimeout.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout"`
	// Extra holds scanner specific knobs such as codeql's "language".
	Extra map[string]string `json:"extra,omitempty" yaml:"extra"`
}

// Merge returns c overlaid with the non-zero fields of o.
func (c Config) Merge(o Config) Config {
	out := c
	if len(o.Rules) > 0 {
		out.Rules = o.Rules
	}
	if len(o.Exclude) > 0 {
		out.Exclude = append(append([]string{}, c.Exclude...), o.Exclude...)
	}
	if o.Timeout > 0 {
		out.Timeout = o.Timeout
	}
	if len(o.Extra) > 0 {
		out.Extra = make(map[string]string, len(c.Extra)+len(o.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
		for k, v := range o.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// EffectiveTimeout returns the configured timeout or DefaultTimeout.
func (c Config) EffectiveTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// Excluded reports whether a target-relative path matches an exclude glob.
func (c Config) Excluded(path string) bool {
	path = engine.NormalizePath(path)
	for _, pattern := range c.Exclude {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
		// "vendor/**" should also drop "vendor" itself and a bare "vendor" pattern
		// should drop everything below it.
		if ok, _ := doublestar.Match(pattern+"/**", path); ok {
			return true
		}
	}
	return false
}

// Scanner is implemented by every scanner adapter.
type Scanner interface {
	// Name is the stable identifier used for selection and provenance.
	Name() string
	// Version returns the tool version or an *UnavailableError.
	Version(ctx context.Context) (string, error)
	IsAvailable() bool
	// Scan runs the tool against target and returns normalized findings.
	// Locations are relative to target.
	Scan(ctx context.Context, target string, cfg Config) ([]*engine.Finding, error)
	// InstallInstructions is a human-readable hint for installing the tool.
	InstallInstructions() string
}

// Default returns every built-in adapter with default settings.
func Default() []Scanner {
	return []Scanner{
		NewSemgrep(),
		NewBandit(),
		NewGitleaks(),
		NewCodeQL(),
		NewTitus(),
	}
}

func filterExcluded(cfg Config, findings []*engine.Finding) []*engine.Finding {
	if len(cfg.Exclude) == 0 {
		return findings
	}
	out := findings[:0]
	for _, f := range findings {
		if !cfg.Excluded(f.Location.File) {
			out = append(out, f)
		}
	}
	return out
}
