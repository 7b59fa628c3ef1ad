package export

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/user/secpipe/pkg/engine"
)

// WriteJSON writes {"findings": [...], "triage": [...]} with two-space indent.
func WriteJSON(w io.Writer, r Report) error {
	if r.Findings == nil {
		r.Findings = []*engine.Finding{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// ReadJSON reads a report written by WriteJSON.
func ReadJSON(rd io.Reader) (Report, error) {
	var r Report
	if err := json.NewDecoder(rd).Decode(&r); err != nil {
		return Report{}, fmt.Errorf("failed to decode report: %w", err)
	}
	return r, nil
}
