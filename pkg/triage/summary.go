package triage

import "github.com/user/secpipe/pkg/classify"

// Summary aggregates a triage run.
type Summary struct {
	Total            int                             `json:"total"`
	ByClassification map[classify.Classification]int `json:"by_classification"`
	Clusters         map[string]int                  `json:"clusters"`
	Unclustered      int                             `json:"unclustered"`
	MaxRiskScore     float64                         `json:"max_risk_score"`
}

func Summarize(results []Result) Summary {
	s := Summary{
		Total:            len(results),
		ByClassification: make(map[classify.Classification]int),
		Clusters:         make(map[string]int),
	}
	for _, r := range results {
		s.ByClassification[r.Classification]++
		if r.ClusterID == "" {
			s.Unclustered++
		} else {
			s.Clusters[r.ClusterID]++
		}
		s.MaxRiskScore = max(s.MaxRiskScore, r.RiskScore)
	}
	return s
}
