package classify

import (
	"context"
	"regexp"

	"github.com/user/secpipe/pkg/engine"
)

var (
	pathCanonical = regexp.MustCompile(`(?i)(realpath|abspath|filepath\.clean|filepath\.abs|path\.clean|\.resolve\s*\(|normpath|getcanonicalpath|\.normalize\s*\(|filepath\.evalsymlinks|secure_filename|basename\s*\()`)
	pathContained = regexp.MustCompile(`(?i)(startswith\s*\(|strings\.hasprefix|\.startswith\s*\(|is_relative_to|commonpath|filepath\.rel\s*\(|filepath\.islocal|os\.root|openinroot|\.\.\s*in\b|contains\s*\(\s*["']\.\.["'])`)
	pathOpen      = regexp.MustCompile(`(?i)(\bopen\s*\(|os\.open(file)?\s*\(|os\.readfile\s*\(|ioutil\.readfile\s*\(|fs\.readfile(sync)?\s*\(|fs\.createreadstream\s*\(|new\s+file(inputstream|reader)?\s*\(|send_file\s*\(|sendfile\s*\(|file_get_contents\s*\(|fopen\s*\(|include\s*\(|require\s*\()`)
	pathInput     = regexp.MustCompile(`(?i)(request\.|req\.(params|query|body)|\bparams\[|args\.get|form\.get|query\.get|getparameter\s*\(|\$_(get|post|request)|user_?input|filename|\bpath\b|\+\s*\w|os\.path\.join\s*\([^)]*\w\s*\)|filepath\.join\s*\()`)
)

const pathGuidance = `A path built from untrusted input and opened without canonicalization and a base-directory containment check is vulnerable.
Canonicalizing (realpath, filepath.Clean, resolve) and then verifying the result stays under the base directory is safe.`

// PathTraversal classifies traversal findings by how the path is checked.
type PathTraversal struct {
	settings
}

func NewPathTraversal(opts ...Option) *PathTraversal {
	return &PathTraversal{settings: newSettings(opts)}
}

func (c *PathTraversal) SupportedCWEs() []string {
	return []string{"CWE-22", "CWE-23", "CWE-36", "CWE-73"}
}

func (c *PathTraversal) Classify(ctx context.Context, f *engine.Finding) Result {
	if c.llm != nil {
		return c.classifyWithLLM(ctx, f, "path traversal", pathGuidance, c.heuristic)
	}
	return c.heuristic(f)
}

func (c *PathTraversal) heuristic(f *engine.Finding) Result {
	code := c.snippet(f)
	if code == "" {
		return verdict(f, NeedsInvestigation, 0.4, "no code available to inspect path handling")
	}

	// Look at the surrounding lines too: the check usually precedes the open.
	wide := code
	if ctxText := c.context(f); ctxText != "" {
		wide = ctxText
	}
	canonical := pathCanonical.MatchString(wide)
	contained := pathContained.MatchString(wide)

	switch {
	case canonical && contained:
		return verdict(f, FalsePositive, 0.75, "path is canonicalized and checked against a base directory before use")
	case canonical || contained:
		return verdict(f, NeedsInvestigation, 0.55, "path is only partially validated; canonicalization and containment are both needed")
	case pathOpen.MatchString(code) && pathInput.MatchString(code):
		return verdict(f, TruePositive, 0.75, "file is opened with a path derived from input without validation")
	}
	return verdict(f, NeedsInvestigation, 0.5, "path origin could not be determined from the flagged code")
}
