// Package triage turns deduplicated findings into a prioritized worklist:
// each finding is classified, risk scored, explained and clustered, and the
// results are ordered by risk.
package triage

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/secpipe/pkg/classify"
	"github.com/user/secpipe/pkg/engine"
	"github.com/user/secpipe/pkg/llm"
	"github.com/user/secpipe/pkg/risk"
)

// MetaRisk is the Result.Metadata key holding the risk.Components.
const MetaRisk = "risk"

const (
	DefaultMinClusterSize     = 3
	DefaultMinFileClusterSize = 2
	DefaultConcurrency        = 4
)

// Classifier judges a single finding. *classify.Registry implements it.
type Classifier interface {
	Classify(ctx context.Context, f *engine.Finding) classify.Result
}

// Scorer computes risk components. *risk.Scorer implements it.
type Scorer interface {
	Score(ctx context.Context, f *engine.Finding) risk.Components
}

type ClusterType string

const (
	ClusterNone ClusterType = ""
	ClusterCWE  ClusterType = "CWE"
	ClusterFile ClusterType = "FILE"
)

// Explanation is developer-facing text about a finding.
type Explanation struct {
	What         string `json:"what"`
	WhyItMatters string `json:"why_it_matters"`
	HowToExploit string `json:"how_to_exploit"`
	HowToFix     string `json:"how_to_fix"`
}

// Result is the triage outcome for one finding.
type Result struct {
	FindingID      string                  `json:"finding_id"`
	Fingerprint    string                  `json:"fingerprint"`
	Classification classify.Classification `json:"classification"`
	Confidence     float64                 `json:"confidence"`
	Reasoning      string                  `json:"reasoning"`
	Method         classify.Method         `json:"method,omitempty"`
	RiskScore      float64                 `json:"risk_score"`
	Explanation    Explanation             `json:"explanation"`
	ClusterID      string                  `json:"cluster_id,omitempty"`
	ClusterType    ClusterType             `json:"cluster_type,omitempty"`
	Metadata       map[string]any          `json:"metadata,omitempty"`
}

// Risk returns the components the score was computed from. Results decoded
// from JSON carry them as a plain map.
func (r Result) Risk() (risk.Components, bool) {
	switch v := r.Metadata[MetaRisk].(type) {
	case risk.Components:
		return v, true
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return risk.Components{}, false
		}
		var c risk.Components
		if err := json.Unmarshal(data, &c); err != nil {
			return risk.Components{}, false
		}
		return c, true
	}
	return risk.Components{}, false
}

// Engine runs triage. Build one with New.
type Engine struct {
	classifier Classifier
	scorer     Scorer

	llm          llm.Client
	llmTimeout   time.Duration
	fixes        *engine.FixRegistry
	catalog      *engine.Catalog
	code         *classify.CodeReader
	minCluster   int
	minFile      int
	concurrency  int
	contextLines int
}

type Option func(*Engine)

// WithLLM makes explanations model-generated, falling back to built-in text.
func WithLLM(c llm.Client) Option { return func(e *Engine) { e.llm = c } }

func WithLLMTimeout(d time.Duration) Option { return func(e *Engine) { e.llmTimeout = d } }

// WithFixes supplies the fix patterns used for HowToFix.
func WithFixes(r *engine.FixRegistry) Option { return func(e *Engine) { e.fixes = r } }

func WithCatalog(c *engine.Catalog) Option { return func(e *Engine) { e.catalog = c } }

// WithCodeReader is used to show code to the model when a finding has no snippet.
func WithCodeReader(r *classify.CodeReader) Option { return func(e *Engine) { e.code = r } }

func WithMinClusterSize(n int) Option { return func(e *Engine) { e.minCluster = n } }

func WithMinFileClusterSize(n int) Option { return func(e *Engine) { e.minFile = n } }

// WithConcurrency bounds how many findings are processed at once.
func WithConcurrency(n int) Option { return func(e *Engine) { e.concurrency = n } }

// New returns an engine. The weakness catalog and built-in fix patterns are
// loaded unless supplied as options.
func New(c Classifier, s Scorer, opts ...Option) (*Engine, error) {
	e := &Engine{
		classifier:   c,
		scorer:       s,
		llmTimeout:   classify.DefaultTimeout,
		minCluster:   DefaultMinClusterSize,
		minFile:      DefaultMinFileClusterSize,
		concurrency:  DefaultConcurrency,
		contextLines: classify.DefaultContextLines,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.catalog == nil {
		catalog, err := engine.NewCatalog()
		if err != nil {
			return nil, err
		}
		e.catalog = catalog
	}
	if e.fixes == nil {
		fixes, err := engine.NewFixRegistry()
		if err != nil {
			return nil, err
		}
		e.fixes = fixes
	}
	if e.code == nil {
		e.code = classify.NewCodeReader(".")
	}
	return e, nil
}

// Triage classifies, scores, explains and clusters findings. Results are
// sorted by risk score, highest first; equal scores keep input order.
func (e *Engine) Triage(ctx context.Context, findings []*engine.Finding) []Result {
	results := make([]Result, len(findings))

	var g errgroup.Group
	g.SetLimit(max(e.concurrency, 1))
	for i, f := range findings {
		g.Go(func() error {
			results[i] = e.triageOne(ctx, f)
			return nil
		})
	}
	_ = g.Wait()

	e.cluster(findings, results)

	order := make([]int, len(results))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(results[b].RiskScore, results[a].RiskScore)
	})
	sorted := make([]Result, len(results))
	for i, idx := range order {
		sorted[i] = results[idx]
	}

	slog.DebugContext(ctx, "triage complete", slog.Int("findings", len(sorted)))
	return sorted
}

func (e *Engine) triageOne(ctx context.Context, f *engine.Finding) Result {
	verdict := e.classifier.Classify(ctx, f)
	components := e.scorer.Score(ctx, f)

	return Result{
		FindingID:      f.ID,
		Fingerprint:    f.Fingerprint(),
		Classification: verdict.Classification,
		Confidence:     verdict.Confidence,
		Reasoning:      verdict.Reasoning,
		Method:         verdict.Method,
		RiskScore:      components.RiskScore(),
		Explanation:    e.explain(ctx, f, verdict.Classification),
		Metadata:       map[string]any{MetaRisk: components},
	}
}
