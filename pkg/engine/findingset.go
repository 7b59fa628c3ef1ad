package engine

import (
	"sync"
)

// FindingSet accumulates findings and collapses duplicates by fingerprint.
// The first finding seen for a fingerprint is kept and later ones are merged
// into it.
type FindingSet struct {
	mu       sync.Mutex
	findings []*Finding
	index    map[string]*Finding
}

// NewFindingSet creates an empty set.
func NewFindingSet() *FindingSet {
	return &FindingSet{
		index: make(map[string]*Finding),
	}
}

// Add ingests findings. It reports how many were merged into existing entries.
func (s *FindingSet) Add(findings ...*Finding) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := 0
	for _, f := range findings {
		if f == nil {
			continue
		}
		fp := f.Fingerprint()
		if existing, ok := s.index[fp]; ok {
			existing.Merge(f)
			merged++
			continue
		}
		s.index[fp] = f
		s.findings = append(s.findings, f)
	}
	return merged
}

// Findings returns the representatives in first-seen order.
func (s *FindingSet) Findings() []*Finding {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Finding, len(s.findings))
	copy(out, s.findings)
	return out
}

// Len returns the number of distinct findings.
func (s *FindingSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.findings)
}

// Deduplicate collapses findings that share a fingerprint. Representatives are
// the first occurrence of each fingerprint and keep their input order. Applying
// it to its own output returns the same findings.
func Deduplicate(findings []*Finding) []*Finding {
	set := NewFindingSet()
	set.Add(findings...)
	return set.Findings()
}
