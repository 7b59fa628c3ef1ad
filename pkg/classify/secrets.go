package classify

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/user/secpipe/pkg/engine"
)

// EntropyThreshold separates likely random secrets from words and placeholders.
const EntropyThreshold = 3.5

var (
	secretAssign = regexp.MustCompile(`(?i)[\w.\-\[\]"']*(?:passw(?:or)?d|pwd|secret|token|api[_\-]?key|access[_\-]?key|private[_\-]?key|client[_\-]?secret|credential|auth)[\w.\-\]"']*\s*(?::=|==|=|:|=>)\s*[bru]?(["'` + "`" + `])([^"'` + "`" + `]*)["'` + "`" + `]`)
	quoted       = regexp.MustCompile(`["'` + "`" + `]([^"'` + "`" + `\s]{8,})["'` + "`" + `]`)
	envLookup    = regexp.MustCompile(`(?i)(os\.environ|os\.getenv|os\.Getenv|os\.LookupEnv|process\.env|System\.getenv|ENV\[|getenv\s*\(|environment\.get|config\.get|settings\.|secrets\.get|vault\.)`)
	placeholder  = regexp.MustCompile(`(?i)^(|x+|\*+|\.+|-+|0+|changeme|change_me|changeit|password|passwd|secret|token|none|null|nil|todo|fixme|redacted|replace_?me|default|admin|root|test\w*|dummy\w*|fake\w*|sample\w*|example\w*|placeholder\w*|mock\w*)$|your[\-_ ]|<[^>]*>|\$\{[^}]*\}|\{\{[^}]*\}\}|%\([^)]*\)s|^\$[A-Z_]+$|xxxx|\.\.\.|insert[\-_ ]|replace[\-_ ]|enter[\-_ ]`)
	testPath     = regexp.MustCompile(`(?i)(^|/)(tests?|testdata|test_data|fixtures?|examples?|samples?|mocks?|spec|__tests__|__mocks__|docs?)(/|$)|(_test|\.test|\.spec|_spec|test_[^/]*)\.\w+$|(^|/)test_[^/]*$|\.example$|\.sample$`)
)

const secretsGuidance = `A real credential literal committed to production code is vulnerable.
Placeholders, template variables, values read from the environment, low-entropy dummy strings and values under test/fixture/example paths are not.`

// HardcodedSecrets classifies secret findings by the literal's shape and location.
type HardcodedSecrets struct {
	settings
}

func NewHardcodedSecrets(opts ...Option) *HardcodedSecrets {
	return &HardcodedSecrets{settings: newSettings(opts)}
}

func (c *HardcodedSecrets) SupportedCWEs() []string {
	return []string{"CWE-798", "CWE-259", "CWE-321", "CWE-522"}
}

func (c *HardcodedSecrets) Classify(ctx context.Context, f *engine.Finding) Result {
	if c.llm != nil {
		return c.classifyWithLLM(ctx, f, "hardcoded secret", secretsGuidance, c.heuristic)
	}
	return c.heuristic(f)
}

func (c *HardcodedSecrets) heuristic(f *engine.Finding) Result {
	code := c.snippet(f)
	value, assigned := assignedSecret(code)
	if !assigned {
		if envLookup.MatchString(code) {
			return verdict(f, FalsePositive, 0.85, "value is read from the environment or configuration, not hardcoded")
		}
		value = longestQuoted(code)
		if value == "" {
			return verdict(f, NeedsInvestigation, 0.5, "no secret literal found in the flagged code")
		}
	}

	switch {
	case placeholder.MatchString(value):
		return verdict(f, FalsePositive, 0.9, "value is a placeholder or template variable")
	case testPath.MatchString(engine.NormalizePath(f.Location.File)):
		return verdict(f, FalsePositive, 0.75, "value lives in test, fixture or example code")
	}

	entropy := ShannonEntropy(value)
	if entropy < EntropyThreshold {
		return verdict(f, FalsePositive, 0.7,
			fmt.Sprintf("value has low entropy (%.2f bits/char) and looks like a dummy string", entropy))
	}
	confidence := 0.75
	if entropy >= 4.0 {
		confidence = 0.85
	}
	return verdict(f, TruePositive, confidence,
		fmt.Sprintf("high-entropy literal (%.2f bits/char) assigned to a secret in production code", entropy))
}

// assignedSecret returns the literal assigned to a secret-shaped name.
func assignedSecret(code string) (string, bool) {
	if m := secretAssign.FindStringSubmatch(code); m != nil {
		return strings.TrimSpace(m[2]), true
	}
	return "", false
}

func longestQuoted(code string) string {
	var best string
	for _, m := range quoted.FindAllStringSubmatch(code, -1) {
		if len(m[1]) > len(best) {
			best = m[1]
		}
	}
	return best
}
