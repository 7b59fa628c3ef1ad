package classify

import (
	"context"
	"regexp"

	"github.com/user/secpipe/pkg/engine"
)

var (
	xssSink = regexp.MustCompile(`(?i)(\.innerhtml\s*\+?=|\.outerhtml\s*\+?=|document\.write(ln)?\s*\(|insertadjacenthtml\s*\(|dangerouslysetinnerhtml|v-html\s*=|\|\s*safe\b|mark_safe\s*\(|\{\{\{|<%-|\bhtml\s*\(\s*[^)]|template\.html\s*\(|markup\s*\(|@html\.raw\s*\()`)
	xssSafe = regexp.MustCompile(`(?i)(\.textcontent\s*=|\.innertext\s*=|createtextnode\s*\(|\.text\s*\(|escape\w*\s*\(|html\.escape|escapehtml|dompurify\.sanitize|sanitize\w*\s*\(|bleach\.clean|htmlspecialchars|htmlentities|encodeuricomponent)`)
)

const xssGuidance = `Raw HTML sinks (innerHTML, document.write, dangerouslySetInnerHTML, |safe, v-html) with untrusted data are vulnerable.
Text-only sinks (textContent, createTextNode) and values passed through an escaper or sanitizer are safe.`

// XSS classifies cross-site scripting findings by the sink used.
type XSS struct {
	settings
}

func NewXSS(opts ...Option) *XSS {
	return &XSS{settings: newSettings(opts)}
}

func (c *XSS) SupportedCWEs() []string { return []string{"CWE-79", "CWE-80"} }

func (c *XSS) Classify(ctx context.Context, f *engine.Finding) Result {
	if c.llm != nil {
		return c.classifyWithLLM(ctx, f, "cross-site scripting", xssGuidance, c.heuristic)
	}
	return c.heuristic(f)
}

func (c *XSS) heuristic(f *engine.Finding) Result {
	code := c.snippet(f)
	if code == "" {
		return verdict(f, NeedsInvestigation, 0.4, "no code available to inspect the output sink")
	}

	sink := xssSink.MatchString(code)
	safe := xssSafe.MatchString(code)
	switch {
	case sink && safe:
		return verdict(f, NeedsInvestigation, 0.5, "raw HTML sink receives a value that appears to be escaped or sanitized")
	case sink:
		return verdict(f, TruePositive, 0.8, "value is written to a raw HTML sink without escaping")
	case safe:
		return verdict(f, FalsePositive, 0.75, "output goes through a text-only sink or an escaper")
	}
	return verdict(f, NeedsInvestigation, 0.5, "output sink could not be determined from the flagged code")
}
