// Package risk scores findings with the Raptor formula
//
//	risk = impact * exploitability / max(detection_time_days, 1)
//
// where impact and exploitability are on a 0-10 scale and detection time is
// the age in days of the offending line.
package risk

import (
	"math"

	"github.com/user/secpipe/pkg/engine"
)

// DefaultDetectionDays is used when the age of a line cannot be determined.
const DefaultDetectionDays = 30

// Components are the inputs of a risk score.
type Components struct {
	Impact         float64 `json:"impact"`
	Exploitability float64 `json:"exploitability"`
	DetectionTime  int     `json:"detection_time"`
	// Sources records where each component came from, e.g. "cvss", "cwe", "blame".
	ImpactSource         string `json:"impact_source,omitempty"`
	ExploitabilitySource string `json:"exploitability_source,omitempty"`
	DetectionSource      string `json:"detection_source,omitempty"`
}

// RiskScore applies CalculateRiskScore to c.
func (c Components) RiskScore() float64 {
	return CalculateRiskScore(c.Impact, c.Exploitability, c.DetectionTime)
}

// CalculateRiskScore returns impact*exploitability/max(detectionTime,1)
// rounded to two decimals.
func CalculateRiskScore(impact, exploitability float64, detectionTime int) float64 {
	days := max(detectionTime, 1)
	return math.Round(impact*exploitability/float64(days)*100) / 100
}

var severityImpact = map[engine.Severity]float64{
	engine.SeverityCritical: 9.5,
	engine.SeverityHigh:     7.5,
	engine.SeverityMedium:   5.0,
	engine.SeverityLow:      2.5,
	engine.SeverityInfo:     0.5,
}

var severityExploitability = map[engine.Severity]float64{
	engine.SeverityCritical: 8.0,
	engine.SeverityHigh:     6.5,
	engine.SeverityMedium:   4.5,
	engine.SeverityLow:      2.5,
	engine.SeverityInfo:     1.0,
}

// cweExploitability rates how directly a weakness class can be exploited.
var cweExploitability = map[string]float64{
	"CWE-78":  9.0,
	"CWE-77":  9.0,
	"CWE-798": 9.0,
	"CWE-259": 8.5,
	"CWE-89":  8.5,
	"CWE-94":  8.5,
	"CWE-79":  8.0,
	"CWE-502": 7.5,
	"CWE-434": 7.5,
	"CWE-22":  7.0,
	"CWE-611": 7.0,
	"CWE-321": 7.0,
	"CWE-918": 6.5,
	"CWE-352": 6.0,
	"CWE-522": 6.0,
	"CWE-601": 5.0,
	"CWE-327": 4.5,
	"CWE-328": 4.5,
}

// SeverityImpact returns the impact used when a finding has no CVSS score.
func SeverityImpact(s engine.Severity) float64 {
	if v, ok := severityImpact[s]; ok {
		return v
	}
	return severityImpact[engine.SeverityMedium]
}

// CWEExploitability returns the exploitability for a known CWE.
func CWEExploitability(cwe string) (float64, bool) {
	v, ok := cweExploitability[engine.NormalizeCWE(cwe)]
	return v, ok
}

// SeverityExploitability returns the fallback exploitability for a severity.
func SeverityExploitability(s engine.Severity) float64 {
	if v, ok := severityExploitability[s]; ok {
		return v
	}
	return severityExploitability[engine.SeverityMedium]
}
