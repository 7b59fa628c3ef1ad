// Package export renders findings, optionally with their triage results, as
// JSON, SARIF 2.1.0, Markdown or colored terminal output.
package export

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/user/secpipe/pkg/engine"
	"github.com/user/secpipe/pkg/triage"
)

var ErrUnknownFormat = errors.New("unknown export format")

type Format string

const (
	FormatJSON     Format = "json"
	FormatSARIF    Format = "sarif"
	FormatMarkdown Format = "markdown"
	FormatTerminal Format = "terminal"
)

// Formats lists the supported formats.
var Formats = []Format{FormatTerminal, FormatJSON, FormatSARIF, FormatMarkdown}

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatSARIF, FormatMarkdown, FormatTerminal:
		return f, nil
	case "md":
		return FormatMarkdown, nil
	case "text", "":
		return FormatTerminal, nil
	}
	return "", fmt.Errorf("%w: %q (want one of %v)", ErrUnknownFormat, s, Formats)
}

// Report is what every exporter renders. Triage is optional.
type Report struct {
	Findings []*engine.Finding `json:"findings"`
	Triage   []triage.Result   `json:"triage,omitempty"`
}

// Write renders r in the given format.
func Write(w io.Writer, format Format, r Report) error {
	switch format {
	case FormatJSON:
		return WriteJSON(w, r)
	case FormatSARIF:
		return WriteSARIF(w, r)
	case FormatMarkdown:
		return WriteMarkdown(w, r)
	case FormatTerminal:
		return NewTerminalWriter(w, false).Write(r)
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// Verdicts matches findings to their triage results. Results are matched by
// finding ID when the ID is unique among them, and by fingerprint otherwise;
// undeduplicated scans report several findings under one fingerprint.
type Verdicts struct {
	results []triage.Result
	byID    map[string]int
	byFP    map[string]int
}

// Verdicts indexes r.Triage.
func (r Report) Verdicts() Verdicts {
	v := Verdicts{
		results: r.Triage,
		byID:    make(map[string]int, len(r.Triage)),
		byFP:    make(map[string]int, len(r.Triage)),
	}
	dup := make(map[string]bool)
	for i, t := range r.Triage {
		if t.FindingID != "" {
			if _, seen := v.byID[t.FindingID]; seen {
				dup[t.FindingID] = true
			}
			v.byID[t.FindingID] = i
		}
		if _, seen := v.byFP[t.Fingerprint]; !seen {
			v.byFP[t.Fingerprint] = i
		}
	}
	for id := range dup {
		delete(v.byID, id)
	}
	return v
}

// Lookup returns the triage result for f and its position in the triage list.
func (v Verdicts) Lookup(f *engine.Finding) (triage.Result, int, bool) {
	i, ok := v.byID[f.ID]
	if !ok {
		if i, ok = v.byFP[f.Fingerprint()]; !ok {
			return triage.Result{}, -1, false
		}
	}
	return v.results[i], i, true
}

// ordered returns the findings in report order: by triage risk when triage is
// present, then by severity, file and line.
func (r Report) ordered() []*engine.Finding {
	verdicts := r.Verdicts()
	rank := make(map[*engine.Finding]int, len(r.Findings))
	for _, f := range r.Findings {
		if _, i, ok := verdicts.Lookup(f); ok {
			rank[f] = i
		}
	}

	out := slices.Clone(r.Findings)
	slices.SortStableFunc(out, func(a, b *engine.Finding) int {
		ra, aok := rank[a]
		rb, bok := rank[b]
		switch {
		case aok && bok:
			return cmp.Compare(ra, rb)
		case aok:
			return -1
		case bok:
			return 1
		}
		return cmp.Or(
			cmp.Compare(b.Severity.Rank(), a.Severity.Rank()),
			cmp.Compare(a.Location.File, b.Location.File),
			cmp.Compare(a.Location.LineStart, b.Location.LineStart),
		)
	})
	return out
}

// severityCounts counts findings per severity.
func severityCounts(findings []*engine.Finding) map[engine.Severity]int {
	counts := make(map[engine.Severity]int, len(engine.Severities))
	for _, f := range findings {
		counts[f.Severity]++
	}
	return counts
}
