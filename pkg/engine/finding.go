package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Severity is the normalized severity of a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Severities lists every severity from most to least severe.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}

// Rank orders severities; higher is more severe. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

func (s Severity) String() string { return string(s) }

// ParseSeverity maps a case-insensitive name to a Severity.
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev == "informational" {
		sev = SeverityInfo
	}
	return sev, sev.Rank() > 0
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Confidence is the scanner's own confidence in a finding.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

var confidenceLevels = []Confidence{ConfidenceLow, ConfidenceMedium, ConfidenceHigh}

// Rank orders confidences; higher is more confident. Unknown values rank 0.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	}
	return 0
}

// Boost raises c by the given number of levels, capped at high.
func (c Confidence) Boost(levels int) Confidence {
	r := c.Rank()
	if r == 0 {
		r = ConfidenceLow.Rank()
	}
	r += levels
	if r > len(confidenceLevels) {
		r = len(confidenceLevels)
	}
	if r < 1 {
		r = 1
	}
	return confidenceLevels[r-1]
}

// ParseConfidence maps a case-insensitive name to a Confidence, defaulting to medium.
func ParseConfidence(s string) Confidence {
	c := Confidence(strings.ToLower(strings.TrimSpace(s)))
	if c.Rank() == 0 {
		return ConfidenceMedium
	}
	return c
}

// Location points at the code a finding refers to. Lines and columns are 1-based.
type Location struct {
	File           string `json:"file"`
	LineStart      int    `json:"line_start"`
	LineEnd        int    `json:"line_end,omitempty"`
	ColumnStart    int    `json:"column_start,omitempty"`
	ColumnEnd      int    `json:"column_end,omitempty"`
	CodeSnippet    string `json:"code_snippet,omitempty"`
	ContextSnippet string `json:"context_snippet,omitempty"`
}

func (l Location) String() string {
	if l.LineStart > 0 {
		return fmt.Sprintf("%s:%d", l.File, l.LineStart)
	}
	return l.File
}

// Finding is a normalized security finding from any scanner.
// ID, Scanner and Location are fixed once an adapter has produced the finding.
type Finding struct {
	ID          string         `json:"id"`
	Scanner     string         `json:"scanner"`
	Severity    Severity       `json:"severity"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Location    Location       `json:"location"`
	CWE         string         `json:"cwe_id,omitempty"`
	CVSS        *float64       `json:"cvss_score,omitempty"`
	Confidence  Confidence     `json:"confidence"`
	Remediation string         `json:"remediation,omitempty"`
	References  []string       `json:"references,omitempty"`
	RawData     any            `json:"raw_data,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NormalizePath cleans a finding path so that equivalent spellings compare equal.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	return strings.TrimPrefix(p, "./")
}

// Fingerprint identifies "the same issue" across scanners: normalized file,
// starting line and the CWE, or the title when no CWE is known.
func (f *Finding) Fingerprint() string {
	key := "cwe:" + NormalizeCWE(f.CWE)
	if key == "cwe:" {
		key = "title:" + strings.ToLower(strings.Join(strings.Fields(f.Title), " "))
	}

	h := sha256.New()
	h.Write([]byte(NormalizePath(f.Location.File)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(f.Location.LineStart)))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Meta returns the metadata value for key, if any.
func (f *Finding) Meta(key string) (any, bool) {
	if f.Metadata == nil {
		return nil, false
	}
	v, ok := f.Metadata[key]
	return v, ok
}

func (f *Finding) setMeta(key string, v any) {
	if f.Metadata == nil {
		f.Metadata = make(map[string]any)
	}
	f.Metadata[key] = v
}
