package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	cweRefPattern   = regexp.MustCompile(`(?i)cwe[-_/: ]*0*(\d+)`)
	cweDigitPattern = regexp.MustCompile(`^\s*0*(\d+)\s*$`)
)

// NormalizeCWE converts the shapes scanners use for CWE identifiers (89, "89",
// "CWE-89", "cwe-089: SQL Injection", "external/cwe/cwe-089" or a list of any of
// these) into the canonical "CWE-89". It returns "" when nothing parses.
func NormalizeCWE(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case int:
		return formatCWE(c)
	case int64:
		return formatCWE(int(c))
	case float64:
		if c != float64(int(c)) {
			return ""
		}
		return formatCWE(int(c))
	case string:
		return parseCWEString(c)
	case []string:
		for _, s := range c {
			if n := parseCWEString(s); n != "" {
				return n
			}
		}
	case []any:
		for _, s := range c {
			if n := NormalizeCWE(s); n != "" {
				return n
			}
		}
	case map[string]any:
		// bandit style {"id": 89, "link": "..."}
		return NormalizeCWE(c["id"])
	}
	return ""
}

func parseCWEString(s string) string {
	if m := cweDigitPattern.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		return formatCWE(n)
	}
	if m := cweRefPattern.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		return formatCWE(n)
	}
	return ""
}

func formatCWE(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf("CWE-%d", n)
}

// CWENumber returns the numeric part of a canonical CWE id, or 0.
func CWENumber(cwe string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(NormalizeCWE(cwe), "CWE-"))
	if err != nil {
		return 0
	}
	return n
}
