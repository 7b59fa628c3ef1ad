package triage

import "github.com/user/secpipe/pkg/engine"

// cluster assigns CWE clusters first. Findings left over are grouped by file.
// results[i] belongs to findings[i].
func (e *Engine) cluster(findings []*engine.Finding, results []Result) {
	byCWE := make(map[string][]int)
	for i, f := range findings {
		if cwe := engine.NormalizeCWE(f.CWE); cwe != "" {
			byCWE[cwe] = append(byCWE[cwe], i)
		}
	}

	clustered := make([]bool, len(findings))
	for cwe, members := range byCWE {
		if len(members) < e.minCluster {
			continue
		}
		for _, i := range members {
			results[i].ClusterID = "cwe:" + cwe
			results[i].ClusterType = ClusterCWE
			clustered[i] = true
		}
	}

	byFile := make(map[string][]int)
	for i, f := range findings {
		if clustered[i] {
			continue
		}
		if file := engine.NormalizePath(f.Location.File); file != "" {
			byFile[file] = append(byFile[file], i)
		}
	}
	for file, members := range byFile {
		if len(members) < e.minFile {
			continue
		}
		for _, i := range members {
			results[i].ClusterID = "file:" + file
			results[i].ClusterType = ClusterFile
		}
	}
}
