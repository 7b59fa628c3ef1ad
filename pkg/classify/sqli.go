package classify

import (
	"context"
	"regexp"

	"github.com/user/secpipe/pkg/engine"
)

var (
	// "..." + var, f"...{var}", "...".format(, "..." % var, `...${var}`, fmt.Sprintf
	sqlConcat = regexp.MustCompile(`(?i)(["'` + "`" + `]\s*\+\s*\w|\w\s*\+\s*["'` + "`" + `]|\bf["'][^"']*\{|\.format\s*\(|["']\s*%\s*[\w(]|\$\{|sprintf\s*\(|string\.format\s*\()`)
	sqlKeyword = regexp.MustCompile(`(?i)\b(select|insert|update|delete|where|from|into|values|order\s+by|union)\b`)
	sqlParam   = regexp.MustCompile(`(?i)(=\s*\?|\(\s*\?|,\s*\?|:\w+\b|\$\d+\b|@\w+\b|%s["']\s*,\s*[\(\[]|["']\s*,\s*[\(\[]\w*)`)
	sqlPrepare = regexp.MustCompile(`(?i)(\.prepare\s*\(|preparedstatement|\.setstring\s*\(|\.setint\s*\(|bindparam|bind_param|sqlalchemy\.text\s*\(|\.query\s*\(\s*["'][^"']*["']\s*,)`)
)

const sqliGuidance = `A query built by concatenation or string interpolation of untrusted input is vulnerable.
Placeholders (?, :name, $1, %s with a separate argument tuple) and prepared statements are safe.`

// SQLInjection classifies injection findings by how the query is built.
type SQLInjection struct {
	settings
}

func NewSQLInjection(opts ...Option) *SQLInjection {
	return &SQLInjection{settings: newSettings(opts)}
}

func (c *SQLInjection) SupportedCWEs() []string { return []string{"CWE-89", "CWE-564"} }

func (c *SQLInjection) Classify(ctx context.Context, f *engine.Finding) Result {
	if c.llm != nil {
		return c.classifyWithLLM(ctx, f, "SQL injection", sqliGuidance, c.heuristic)
	}
	return c.heuristic(f)
}

func (c *SQLInjection) heuristic(f *engine.Finding) Result {
	code := c.snippet(f)
	if code == "" {
		return verdict(f, NeedsInvestigation, 0.4, "no code available to inspect query construction")
	}

	concat := sqlConcat.MatchString(code)
	param := sqlParam.MatchString(code) || sqlPrepare.MatchString(code)

	switch {
	case concat && sqlKeyword.MatchString(code):
		return verdict(f, TruePositive, 0.8, "query is built by concatenating or interpolating values into SQL text")
	case param && !concat:
		return verdict(f, FalsePositive, 0.8, "query uses bound parameters or a prepared statement")
	case concat:
		return verdict(f, TruePositive, 0.6, "string building flows into a query call")
	}
	return verdict(f, NeedsInvestigation, 0.5, "query construction could not be determined from the flagged code")
}
