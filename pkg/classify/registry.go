package classify

import (
	"context"
	"sync"

	"github.com/user/secpipe/pkg/engine"
)

// Registry routes findings to the classifier registered for their CWE.
// Findings without a matching classifier go to the default classifier.
type Registry struct {
	mu       sync.RWMutex
	byCWE    map[string]Classifier
	fallback Classifier
}

// NewRegistry returns a registry with every built-in classifier registered.
// The options are applied to each of them.
func NewRegistry(opts ...Option) *Registry {
	s := newSettings(opts)
	opts = append(opts[:len(opts):len(opts)], WithCodeReader(s.code))

	r := &Registry{
		byCWE:    make(map[string]Classifier),
		fallback: NewDefault(opts...),
	}
	for _, c := range []Classifier{
		NewSQLInjection(opts...),
		NewXSS(opts...),
		NewPathTraversal(opts...),
		NewHardcodedSecrets(opts...),
		NewWeakCrypto(opts...),
	} {
		r.Register(c)
	}
	return r
}

// Register maps every CWE c supports to c, replacing earlier registrations.
func (r *Registry) Register(c Classifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cwe := range c.SupportedCWEs() {
		if n := engine.NormalizeCWE(cwe); n != "" {
			r.byCWE[n] = c
		}
	}
}

// For returns the classifier for cwe, or the default classifier.
func (r *Registry) For(cwe string) Classifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.byCWE[engine.NormalizeCWE(cwe)]; ok {
		return c
	}
	return r.fallback
}

// Classify routes f by its CWE.
func (r *Registry) Classify(ctx context.Context, f *engine.Finding) Result {
	return r.For(f.CWE).Classify(ctx, f)
}
