package engine

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed data/standards.yaml
var builtinStandards []byte

// Weakness describes a CWE and how industry standards classify it.
type Weakness struct {
	CWE       string `yaml:"cwe"`
	Name      string `yaml:"name"`
	Summary   string `yaml:"summary"`
	Exploit   string `yaml:"exploit"`
	OWASP     string `yaml:"owasp"`
	Top25Rank int    `yaml:"top25_rank"`
}

// Standards returns the standard references for the weakness, e.g.
// "OWASP A03:2021 Injection" and "CWE Top 25 #3".
func (w Weakness) Standards() []string {
	var out []string
	if w.OWASP != "" {
		out = append(out, "OWASP "+w.OWASP)
	}
	if w.Top25Rank > 0 {
		out = append(out, fmt.Sprintf("CWE Top 25 #%d", w.Top25Rank))
	}
	return out
}

// Catalog maps CWEs to weakness descriptions.
type Catalog struct {
	weaknesses map[string]Weakness
}

// NewCatalog loads the embedded weakness catalog.
func NewCatalog() (*Catalog, error) {
	var list []Weakness
	if err := yaml.Unmarshal(builtinStandards, &list); err != nil {
		return nil, fmt.Errorf("failed to parse weakness catalog: %w", err)
	}

	c := &Catalog{weaknesses: make(map[string]Weakness, len(list))}
	for _, w := range list {
		w.CWE = NormalizeCWE(w.CWE)
		c.weaknesses[w.CWE] = w
	}
	return c, nil
}

// Lookup returns the weakness for cwe.
func (c *Catalog) Lookup(cwe string) (Weakness, bool) {
	if c == nil {
		return Weakness{}, false
	}
	w, ok := c.weaknesses[NormalizeCWE(cwe)]
	return w, ok
}

// CWEs lists the catalogued CWEs in numeric order.
func (c *Catalog) CWEs() []string {
	out := make([]string, 0, len(c.weaknesses))
	for k := range c.weaknesses {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return CWENumber(out[i]) < CWENumber(out[j]) })
	return out
}
