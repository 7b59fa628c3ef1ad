package classify

import (
	"context"
	"fmt"

	"github.com/user/secpipe/pkg/engine"
)

// Default handles any CWE without a specialized classifier. Without a model it
// can only weigh the reported severity.
type Default struct {
	settings
}

func NewDefault(opts ...Option) *Default {
	return &Default{settings: newSettings(opts)}
}

// SupportedCWEs is empty: Default is the registry fallback.
func (c *Default) SupportedCWEs() []string { return nil }

func (c *Default) Classify(ctx context.Context, f *engine.Finding) Result {
	if c.llm != nil {
		return c.classifyWithLLM(ctx, f, "security", "", c.heuristic)
	}
	return c.heuristic(f)
}

func (c *Default) heuristic(f *engine.Finding) Result {
	confidence := 0.5
	switch f.Severity {
	case engine.SeverityCritical:
		confidence = 0.6
	case engine.SeverityHigh:
		confidence = 0.55
	case engine.SeverityLow:
		confidence = 0.45
	case engine.SeverityInfo:
		confidence = 0.4
	}
	return verdict(f, NeedsInvestigation, confidence,
		fmt.Sprintf("no specialized checks for %s; %s severity finding needs manual review", cweOrTitle(f), f.Severity))
}

func cweOrTitle(f *engine.Finding) string {
	if f.CWE != "" {
		return f.CWE
	}
	return fmt.Sprintf("%q", f.Title)
}
