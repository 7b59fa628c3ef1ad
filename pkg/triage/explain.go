package triage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/secpipe/pkg/classify"
	"github.com/user/secpipe/pkg/engine"
	"github.com/user/secpipe/pkg/llm"
)

func (e *Engine) explain(ctx context.Context, f *engine.Finding, c classify.Classification) Explanation {
	if e.llm != nil {
		if ex, ok := e.explainWithLLM(ctx, f, c); ok {
			return ex
		}
	}
	return e.explainHeuristic(f, c)
}

func (e *Engine) explainWithLLM(ctx context.Context, f *engine.Finding, c classify.Classification) (Explanation, bool) {
	prompt, err := llm.RenderExplain(llm.ExplainPrompt{
		Finding:        f,
		Classification: string(c),
		Context:        e.codeContext(f),
	})
	if err != nil {
		return Explanation{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, e.llmTimeout)
	defer cancel()

	resp, err := e.llm.Complete(ctx, prompt)
	if err != nil {
		slog.WarnContext(ctx, "model explanation failed, using built-in text",
			slog.String("finding", f.ID),
			slog.String("error", err.Error()))
		return Explanation{}, false
	}

	var ex Explanation
	if err := llm.DecodeJSON(resp, &ex); err != nil {
		slog.DebugContext(ctx, "model explanation unparseable", slog.String("finding", f.ID))
		return Explanation{}, false
	}
	if strings.TrimSpace(ex.What) == "" || strings.TrimSpace(ex.HowToFix) == "" {
		return Explanation{}, false
	}

	// fill any field the model skipped
	fallback := e.explainHeuristic(f, c)
	if strings.TrimSpace(ex.WhyItMatters) == "" {
		ex.WhyItMatters = fallback.WhyItMatters
	}
	if strings.TrimSpace(ex.HowToExploit) == "" {
		ex.HowToExploit = fallback.HowToExploit
	}
	return ex, true
}

func (e *Engine) codeContext(f *engine.Finding) string {
	if f.Location.ContextSnippet != "" {
		return f.Location.ContextSnippet
	}
	end := max(f.Location.LineEnd, f.Location.LineStart)
	if text := e.code.Numbered(f.Location.File, f.Location.LineStart-e.contextLines, end+e.contextLines); text != "" {
		return text
	}
	return f.Location.CodeSnippet
}

func (e *Engine) explainHeuristic(f *engine.Finding, c classify.Classification) Explanation {
	w, known := e.catalog.Lookup(f.CWE)

	var ex Explanation

	what := f.Title
	if known {
		what = fmt.Sprintf("%s (%s): %s", w.Name, w.CWE, f.Title)
	}
	ex.What = fmt.Sprintf("%s at %s.", strings.TrimSuffix(what, "."), f.Location)
	if f.Description != "" && f.Description != f.Title {
		ex.What += " " + f.Description
	}

	var why []string
	if known && w.Summary != "" {
		why = append(why, w.Summary)
	}
	why = append(why, fmt.Sprintf("Reported as %s severity by %s.", f.Severity, f.Scanner))
	if known {
		if standards := w.Standards(); len(standards) > 0 {
			why = append(why, "Maps to "+strings.Join(standards, ", ")+".")
		}
	}
	switch c {
	case classify.FalsePositive:
		why = append(why, "Automated review judged this likely to be a false positive.")
	case classify.NeedsInvestigation:
		why = append(why, "Automated review could not confirm it; verify manually.")
	}
	ex.WhyItMatters = strings.Join(why, " ")

	switch {
	case known && w.Exploit != "":
		ex.HowToExploit = w.Exploit
	default:
		ex.HowToExploit = "An attacker who can reach this code path with controlled input may be able to abuse the weakness."
	}

	ex.HowToFix = e.fixText(f)
	return ex
}

func (e *Engine) fixText(f *engine.Finding) string {
	if plan, err := e.fixes.Plan(f); err == nil && plan != "" {
		return plan
	}
	if f.Remediation != "" {
		return f.Remediation
	}
	if len(f.References) > 0 {
		return "Review the guidance at " + f.References[0] + "."
	}
	return "Review the flagged code and apply the secure pattern for this weakness."
}
