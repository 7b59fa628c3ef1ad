package risk

import (
	"context"
	"log/slog"
	"math"
	"path/filepath"
	"time"

	"github.com/user/secpipe/pkg/engine"
	"github.com/user/secpipe/pkg/llm"
)

// Metadata keys a finding may carry to override computed components.
const (
	MetaImpact         = "impact"
	MetaExploitability = "exploitability"
	MetaDetectionTime  = "detection_time"
	MetaCVSS           = "cvss_score"
)

// DefaultBlameTimeout bounds a single blame lookup.
const DefaultBlameTimeout = 5 * time.Second

// Scorer computes risk components for findings.
type Scorer struct {
	root         string
	blamer       Blamer
	blameTimeout time.Duration
	defaultDays  int
	now          func() time.Time
	llm          llm.Client
	llmTimeout   time.Duration
}

type Option func(*Scorer)

// WithRoot sets the directory finding paths are relative to.
func WithRoot(dir string) Option { return func(s *Scorer) { s.root = dir } }

// WithBlamer replaces the go-git blamer.
func WithBlamer(b Blamer) Option { return func(s *Scorer) { s.blamer = b } }

func WithBlameTimeout(d time.Duration) Option { return func(s *Scorer) { s.blameTimeout = d } }

// WithDefaultDetectionDays sets the age used when blame is unavailable.
func WithDefaultDetectionDays(n int) Option { return func(s *Scorer) { s.defaultDays = n } }

func WithClock(now func() time.Time) Option { return func(s *Scorer) { s.now = now } }

// WithLLM lets the model estimate exploitability for CWEs missing from the table.
func WithLLM(c llm.Client, timeout time.Duration) Option {
	return func(s *Scorer) { s.llm, s.llmTimeout = c, timeout }
}

func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{
		root:         ".",
		blamer:       NewGitBlamer(),
		blameTimeout: DefaultBlameTimeout,
		defaultDays:  DefaultDetectionDays,
		now:          time.Now,
		llmTimeout:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score returns the risk components for f. It never fails; missing data falls
// back to severity tables and the default detection time.
func (s *Scorer) Score(ctx context.Context, f *engine.Finding) Components {
	var c Components
	c.Impact, c.ImpactSource = s.impact(f)
	c.Exploitability, c.ExploitabilitySource = s.exploitability(ctx, f)
	c.DetectionTime, c.DetectionSource = s.detectionTime(ctx, f)
	return c
}

func (s *Scorer) impact(f *engine.Finding) (float64, string) {
	if v, ok := metaFloat(f, MetaImpact); ok && finite(v) {
		return v, "metadata"
	}
	if f.CVSS != nil && finite(*f.CVSS) {
		return clamp10(*f.CVSS), "cvss"
	}
	if v, ok := metaFloat(f, MetaCVSS); ok && finite(v) {
		return clamp10(v), "cvss"
	}
	return SeverityImpact(f.Severity), "severity"
}

func (s *Scorer) exploitability(ctx context.Context, f *engine.Finding) (float64, string) {
	if v, ok := metaFloat(f, MetaExploitability); ok {
		return v, "metadata"
	}
	if v, ok := CWEExploitability(f.CWE); ok {
		return v, "cwe"
	}
	if s.llm != nil {
		if v, ok := s.modelExploitability(ctx, f); ok {
			return v, "llm"
		}
	}
	return SeverityExploitability(f.Severity), "severity"
}

func (s *Scorer) modelExploitability(ctx context.Context, f *engine.Finding) (float64, bool) {
	prompt, err := llm.RenderExploitability(llm.ExploitabilityPrompt{Finding: f})
	if err != nil {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(ctx, s.llmTimeout)
	defer cancel()

	resp, err := s.llm.Complete(ctx, prompt)
	if err != nil {
		slog.DebugContext(ctx, "model exploitability failed", slog.String("error", err.Error()))
		return 0, false
	}
	var out struct {
		Exploitability *float64 `json:"exploitability"`
	}
	if err := llm.DecodeJSON(resp, &out); err != nil || out.Exploitability == nil {
		return 0, false
	}
	if !finite(*out.Exploitability) {
		return 0, false
	}
	return clamp10(*out.Exploitability), true
}

func (s *Scorer) detectionTime(ctx context.Context, f *engine.Finding) (int, string) {
	if v, ok := metaFloat(f, MetaDetectionTime); ok {
		return max(int(v), 1), "metadata"
	}
	if f.Location.File == "" || f.Location.LineStart < 1 || s.blamer == nil {
		return s.defaultDays, "default"
	}

	path := f.Location.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, filepath.FromSlash(path))
	}

	ctx, cancel := context.WithTimeout(ctx, s.blameTimeout)
	defer cancel()

	date, err := s.blamer.LineDate(ctx, path, f.Location.LineStart)
	if err != nil {
		slog.DebugContext(ctx, "blame unavailable, using default detection time",
			slog.String("file", f.Location.File),
			slog.String("error", err.Error()))
		return s.defaultDays, "default"
	}
	days := int(s.now().Sub(date).Hours() / 24)
	return max(days, 1), "blame"
}

func metaFloat(f *engine.Finding, key string) (float64, bool) {
	v, ok := f.Meta(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp10(v float64) float64 {
	return math.Max(0, math.Min(10, v))
}
