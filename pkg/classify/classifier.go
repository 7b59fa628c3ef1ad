// Package classify decides whether a finding is a true positive, a false
// positive or needs a human. Each classifier covers a family of CWEs with
// pattern heuristics and can defer to a language model when one is configured.
package classify

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/user/secpipe/pkg/engine"
	"github.com/user/secpipe/pkg/llm"
)

// Classification is the verdict on a finding.
type Classification string

const (
	TruePositive       Classification = "TRUE_POSITIVE"
	FalsePositive      Classification = "FALSE_POSITIVE"
	NeedsInvestigation Classification = "NEEDS_INVESTIGATION"
)

// ParseClassification accepts the canonical names case-insensitively.
func ParseClassification(s string) (Classification, bool) {
	c := Classification(strings.ToUpper(strings.TrimSpace(s)))
	switch c {
	case TruePositive, FalsePositive, NeedsInvestigation:
		return c, true
	}
	return "", false
}

// Method records how a verdict was reached.
type Method string

const (
	MethodHeuristic   Method = "heuristic"
	MethodLLM         Method = "llm"
	MethodLLMFallback Method = "llm_fallback"
)

// Result is a classifier's verdict. Confidence is in [0, 1].
type Result struct {
	FindingID      string         `json:"finding_id"`
	Classification Classification `json:"classification"`
	Confidence     float64        `json:"confidence"`
	Reasoning      string         `json:"reasoning"`
	Method         Method         `json:"method"`
}

// Classifier judges findings for the CWEs it supports.
type Classifier interface {
	SupportedCWEs() []string
	Classify(ctx context.Context, f *engine.Finding) Result
}

// DefaultContextLines is the number of lines shown around a finding.
const DefaultContextLines = 8

// DefaultTimeout bounds one model call.
const DefaultTimeout = 30 * time.Second

// settings are shared by every built-in classifier.
type settings struct {
	llm          llm.Client
	code         *CodeReader
	contextLines int
	timeout      time.Duration
}

// Option configures built-in classifiers.
type Option func(*settings)

// WithLLM enables model-backed classification.
func WithLLM(c llm.Client) Option { return func(s *settings) { s.llm = c } }

// WithRoot sets the directory finding paths are relative to, used to read
// code when a finding carries no snippet.
func WithRoot(dir string) Option { return func(s *settings) { s.code = NewCodeReader(dir) } }

// WithCodeReader shares a CodeReader between classifiers.
func WithCodeReader(r *CodeReader) Option { return func(s *settings) { s.code = r } }

func WithContextLines(n int) Option { return func(s *settings) { s.contextLines = n } }

func WithTimeout(d time.Duration) Option { return func(s *settings) { s.timeout = d } }

func newSettings(opts []Option) settings {
	s := settings{
		contextLines: DefaultContextLines,
		timeout:      DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.code == nil {
		s.code = NewCodeReader(".")
	}
	return s
}

// snippet returns the flagged code: the finding's snippet, or the flagged
// lines read from disk.
func (s *settings) snippet(f *engine.Finding) string {
	if strings.TrimSpace(f.Location.CodeSnippet) != "" {
		return f.Location.CodeSnippet
	}
	return s.code.Lines(f.Location.File, f.Location.LineStart, max(f.Location.LineEnd, f.Location.LineStart))
}

// context returns the flagged code with surrounding lines for a prompt.
func (s *settings) context(f *engine.Finding) string {
	if f.Location.ContextSnippet != "" {
		return f.Location.ContextSnippet
	}
	end := max(f.Location.LineEnd, f.Location.LineStart)
	if text := s.code.Numbered(f.Location.File, f.Location.LineStart-s.contextLines, end+s.contextLines); text != "" {
		return text
	}
	return s.snippet(f)
}

type heuristicFunc func(f *engine.Finding) Result

// classifyWithLLM asks the model for a verdict. Transport errors and timeouts
// fall back to the heuristic; an unusable answer yields NEEDS_INVESTIGATION.
func (s *settings) classifyWithLLM(ctx context.Context, f *engine.Finding, category, guidance string, heuristic heuristicFunc) Result {
	prompt, err := llm.RenderClassify(llm.ClassifyPrompt{
		Category: category,
		Finding:  f,
		Guidance: guidance,
		Context:  s.context(f),
	})
	if err != nil {
		return fallback(heuristic(f), err)
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.llm.Complete(cctx, prompt)
	if err != nil {
		slog.WarnContext(ctx, "model classification failed, using heuristics",
			slog.String("finding", f.ID),
			slog.String("error", err.Error()))
		return fallback(heuristic(f), err)
	}

	var out struct {
		Classification string   `json:"classification"`
		Confidence     *float64 `json:"confidence"`
		Reasoning      string   `json:"reasoning"`
	}
	if err := llm.DecodeJSON(resp, &out); err != nil {
		return unparsed(f, "model response was not valid JSON")
	}
	verdict, ok := ParseClassification(out.Classification)
	if !ok || out.Confidence == nil {
		return unparsed(f, "model response was missing classification or confidence")
	}

	return Result{
		FindingID:      f.ID,
		Classification: verdict,
		Confidence:     clamp01(*out.Confidence),
		Reasoning:      strings.TrimSpace(out.Reasoning),
		Method:         MethodLLM,
	}
}

func fallback(r Result, err error) Result {
	r.Method = MethodLLMFallback
	r.Reasoning += " (model unavailable: " + err.Error() + ")"
	return r
}

func unparsed(f *engine.Finding, why string) Result {
	return Result{
		FindingID:      f.ID,
		Classification: NeedsInvestigation,
		Confidence:     0.3,
		Reasoning:      why + "; manual review required",
		Method:         MethodLLMFallback,
	}
}

func verdict(f *engine.Finding, c Classification, confidence float64, reasoning string) Result {
	return Result{
		FindingID:      f.ID,
		Classification: c,
		Confidence:     clamp01(confidence),
		Reasoning:      reasoning,
		Method:         MethodHeuristic,
	}
}

func clamp01(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
