package engine

import (
	"slices"
)

// Metadata keys maintained by Merge.
const (
	MetaScanners       = "scanners"
	MetaBaseConfidence = "base_confidence"
	MetaMergedFrom     = "merged_from"
)

// Merge folds in, a finding with the same fingerprint, into f.
//
// Severity becomes the maximum of the two. Confidence is the highest confidence
// seen, raised one level for every additional scanner that reported the same CWE.
// References are unioned in order. The incoming finding's id, raw data and
// metadata are kept under Metadata["merged_from"][scanner]. Only severity,
// confidence, references and metadata change; the outcome depends on the set of
// merged findings, not on the order they are merged in.
func (f *Finding) Merge(in *Finding) {
	if in == nil || in == f {
		return
	}

	f.Severity = MaxSeverity(f.Severity, in.Severity)

	base := f.baseConfidence()
	if ib := in.baseConfidence(); ib.Rank() > base.Rank() {
		base = ib
	}

	scanners := f.scanners()
	for _, s := range in.scanners() {
		if !slices.Contains(scanners, s) {
			scanners = append(scanners, s)
		}
	}
	slices.Sort(scanners)

	cwe := NormalizeCWE(f.CWE)
	agree := cwe != "" && cwe == NormalizeCWE(in.CWE)
	if agree {
		f.Confidence = base.Boost(len(scanners) - 1)
	} else {
		f.Confidence = base
	}

	for _, ref := range in.References {
		if !slices.Contains(f.References, ref) {
			f.References = append(f.References, ref)
		}
	}

	merged := f.mergedFrom()
	if _, ok := merged[in.Scanner]; !ok {
		merged[in.Scanner] = provenance(in)
	}
	for scanner, p := range in.mergedFrom() {
		if _, ok := merged[scanner]; !ok {
			merged[scanner] = p
		}
	}

	f.setMeta(MetaBaseConfidence, string(base))
	f.setMeta(MetaScanners, scanners)
	f.setMeta(MetaMergedFrom, merged)
}

func provenance(f *Finding) map[string]any {
	p := map[string]any{"id": f.ID}
	if f.RawData != nil {
		p["raw_data"] = f.RawData
	}
	var meta map[string]any
	for k, v := range f.Metadata {
		switch k {
		case MetaScanners, MetaBaseConfidence, MetaMergedFrom:
			continue
		}
		if meta == nil {
			meta = make(map[string]any)
		}
		meta[k] = v
	}
	if meta != nil {
		p["metadata"] = meta
	}
	return p
}

func (f *Finding) baseConfidence() Confidence {
	if v, ok := f.Meta(MetaBaseConfidence); ok {
		if s, ok := v.(string); ok {
			return ParseConfidence(s)
		}
	}
	return ParseConfidence(string(f.Confidence))
}

// Scanners lists every scanner that contributed to f, sorted.
func (f *Finding) Scanners() []string {
	s := f.scanners()
	slices.Sort(s)
	return s
}

func (f *Finding) scanners() []string {
	if v, ok := f.Meta(MetaScanners); ok {
		switch s := v.(type) {
		case []string:
			return slices.Clone(s)
		case []any:
			out := make([]string, 0, len(s))
			for _, x := range s {
				if str, ok := x.(string); ok {
					out = append(out, str)
				}
			}
			return out
		}
	}
	return []string{f.Scanner}
}

func (f *Finding) mergedFrom() map[string]any {
	out := make(map[string]any)
	if v, ok := f.Meta(MetaMergedFrom); ok {
		if m, ok := v.(map[string]any); ok {
			for k, p := range m {
				out[k] = p
			}
		}
	}
	return out
}
