package orchestrator

import (
	"time"

	"github.com/user/secpipe/pkg/engine"
)

// Status is the outcome of one adapter within a scan.
type Status string

const (
	StatusOK        Status = "ok"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// AdapterResult records how one adapter fared.
type AdapterResult struct {
	Scanner  string        `json:"scanner"`
	Status   Status        `json:"status"`
	Findings int           `json:"findings"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result is the outcome of a scan.
type Result struct {
	RunID    string            `json:"run_id"`
	Target   string            `json:"target"`
	Findings []*engine.Finding `json:"findings"`
	Adapters []AdapterResult   `json:"adapters"`
	// Partial is set when the scan deadline cut some adapters short.
	Partial  bool          `json:"partial"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// Failed returns the adapters that did not complete successfully.
func (r *Result) Failed() []AdapterResult {
	var out []AdapterResult
	for _, a := range r.Adapters {
		if a.Status == StatusFailed || a.Status == StatusCancelled {
			out = append(out, a)
		}
	}
	return out
}

// Adapter returns the result for the named scanner.
func (r *Result) Adapter(name string) (AdapterResult, bool) {
	for _, a := range r.Adapters {
		if a.Scanner == name {
			return a, true
		}
	}
	return AdapterResult{}, false
}
