// Package orchestrator runs registered scanner adapters against a target and
// collects their findings into one deduplicated set.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/user/secpipe/pkg/engine"
	"github.com/user/secpipe/pkg/log"
	"github.com/user/secpipe/pkg/wrappers"
)

var (
	ErrDuplicateScanner    = errors.New("scanner already registered")
	ErrInvalidTarget       = errors.New("invalid scan target")
	ErrNoScanners          = errors.New("no scanners registered")
	ErrUnknownScanner      = errors.New("unknown scanner")
	ErrNoAvailableScanners = errors.New("no registered scanner is available")
	ErrAdapterPanic        = errors.New("scanner panicked")
)

// ScanOptions controls a single scan. The zero value runs every available
// adapter in parallel and deduplicates the result.
type ScanOptions struct {
	// Scanners names the adapters to run. Empty means all available ones;
	// naming an unavailable adapter is an error.
	Scanners []string
	// Sequential runs adapters one after another in registration order.
	Sequential bool
	// NoDedup returns the raw findings of every adapter.
	NoDedup bool
	// Timeout bounds the whole scan. Adapters still running when it expires
	// are reported as cancelled and the findings gathered so far are returned.
	Timeout time.Duration
	// Config applies to every adapter; ScannerConfig overlays it per adapter.
	Config        wrappers.Config
	ScannerConfig map[string]wrappers.Config
}

// Orchestrator owns the adapter registry. It is safe for concurrent use.
type Orchestrator struct {
	mu       sync.RWMutex
	scanners map[string]wrappers.Scanner
	order    []string
}

// New returns an orchestrator with no adapters registered.
func New() *Orchestrator {
	return &Orchestrator{
		scanners: make(map[string]wrappers.Scanner),
	}
}

// Register adds an adapter. Names must be unique.
func (o *Orchestrator) Register(s wrappers.Scanner) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	name := s.Name()
	if _, ok := o.scanners[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateScanner, name)
	}
	o.scanners[name] = s
	o.order = append(o.order, name)
	return nil
}

// Scanners returns the registered adapters in registration order.
func (o *Orchestrator) Scanners() []wrappers.Scanner {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]wrappers.Scanner, 0, len(o.order))
	for _, name := range o.order {
		out = append(out, o.scanners[name])
	}
	return out
}

// Scanner looks up a registered adapter by name.
func (o *Orchestrator) Scanner(name string) (wrappers.Scanner, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.scanners[name]
	return s, ok
}

// Scan runs the selected adapters against target.
//
// It fails before running anything when the target does not exist, nothing is
// registered, a named adapter is unknown or unavailable, or no adapter is
// available at all. Once adapters run, individual failures are recorded in
// Result.Adapters and do not fail the scan.
func (o *Orchestrator) Scan(ctx context.Context, target string, opts ScanOptions) (*Result, error) {
	if target == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidTarget)
	}
	if _, err := os.Stat(target); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}

	active, skipped, err := o.selectScanners(opts.Scanners)
	if err != nil {
		return nil, err
	}

	res := &Result{
		RunID:   ulid.Make().String(),
		Target:  target,
		Started: time.Now(),
	}
	ctx = log.ContextAttrs(ctx, slog.String("run_id", res.RunID))

	for _, s := range skipped {
		slog.DebugContext(ctx, "skipping unavailable scanner",
			slog.String("scanner", s.Name()),
			slog.String("install", s.InstallInstructions()))
		res.Adapters = append(res.Adapters, AdapterResult{Scanner: s.Name(), Status: StatusSkipped})
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var outcomes []outcome
	if opts.Sequential {
		outcomes = o.runSequential(ctx, active, target, opts)
	} else {
		outcomes = o.runParallel(ctx, active, target, opts)
	}

	var findings []*engine.Finding
	for _, out := range outcomes {
		res.Adapters = append(res.Adapters, out.result)
		if out.result.Status == StatusCancelled {
			res.Partial = true
		}
		findings = append(findings, out.findings...)
	}

	if !opts.NoDedup {
		findings = o.Deduplicate(findings)
	}
	if findings == nil {
		findings = []*engine.Finding{}
	}
	res.Findings = findings
	res.Duration = time.Since(res.Started)

	slog.InfoContext(ctx, "scan complete",
		slog.String("target", target),
		slog.Int("findings", len(findings)),
		slog.Int("adapters", len(active)),
		slog.Bool("partial", res.Partial),
		slog.Duration("duration", res.Duration))
	return res, nil
}

// Deduplicate collapses findings that share a fingerprint, keeping the first
// occurrence of each as the representative.
func (o *Orchestrator) Deduplicate(findings []*engine.Finding) []*engine.Finding {
	return engine.Deduplicate(findings)
}

func (o *Orchestrator) selectScanners(names []string) (active, skipped []wrappers.Scanner, err error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if len(o.scanners) == 0 {
		return nil, nil, ErrNoScanners
	}

	if len(names) > 0 {
		seen := make(map[string]bool, len(names))
		for _, name := range names {
			if seen[name] {
				continue
			}
			seen[name] = true
			s, ok := o.scanners[name]
			if !ok {
				return nil, nil, fmt.Errorf("%w: %s (registered: %v)", ErrUnknownScanner, name, o.order)
			}
			if !s.IsAvailable() {
				return nil, nil, &wrappers.UnavailableError{Scanner: name, Instructions: s.InstallInstructions()}
			}
			active = append(active, s)
		}
		slices.SortStableFunc(active, func(a, b wrappers.Scanner) int {
			return slices.Index(o.order, a.Name()) - slices.Index(o.order, b.Name())
		})
		return active, nil, nil
	}

	for _, name := range o.order {
		s := o.scanners[name]
		if s.IsAvailable() {
			active = append(active, s)
		} else {
			skipped = append(skipped, s)
		}
	}
	if len(active) == 0 {
		return nil, nil, fmt.Errorf("%w: tried %v", ErrNoAvailableScanners, o.order)
	}
	return active, skipped, nil
}

type outcome struct {
	findings []*engine.Finding
	result   AdapterResult
}

// runParallel runs one task per adapter. Outcomes are returned in completion order.
func (o *Orchestrator) runParallel(ctx context.Context, scanners []wrappers.Scanner, target string, opts ScanOptions) []outcome {
	results := make(chan outcome, len(scanners))

	var g errgroup.Group
	g.SetLimit(len(scanners))
	for _, s := range scanners {
		g.Go(func() error {
			results <- runAdapter(ctx, s, target, adapterConfig(s.Name(), opts))
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	out := make([]outcome, 0, len(scanners))
	for r := range results {
		out = append(out, r)
	}
	return out
}

func (o *Orchestrator) runSequential(ctx context.Context, scanners []wrappers.Scanner, target string, opts ScanOptions) []outcome {
	out := make([]outcome, 0, len(scanners))
	for _, s := range scanners {
		if err := ctx.Err(); err != nil {
			out = append(out, outcome{result: AdapterResult{
				Scanner: s.Name(),
				Status:  StatusCancelled,
				Err:     err,
				Error:   err.Error(),
			}})
			continue
		}
		out = append(out, runAdapter(ctx, s, target, adapterConfig(s.Name(), opts)))
	}
	return out
}

func adapterConfig(name string, opts ScanOptions) wrappers.Config {
	cfg := opts.Config
	if override, ok := opts.ScannerConfig[name]; ok {
		cfg = cfg.Merge(override)
	}
	return cfg
}

type scanReturn struct {
	findings []*engine.Finding
	err      error
}

// runAdapter runs one adapter under its own timeout. Errors and panics become
// a failed AdapterResult; a cancelled parent context becomes StatusCancelled.
func runAdapter(ctx context.Context, s wrappers.Scanner, target string, cfg wrappers.Config) outcome {
	name := s.Name()
	ctx = log.ContextAttrs(ctx, slog.String("scanner", name))
	start := time.Now()

	actx, cancel := context.WithTimeout(ctx, cfg.EffectiveTimeout())
	defer cancel()

	done := make(chan scanReturn, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- scanReturn{err: fmt.Errorf("%w: %v", ErrAdapterPanic, r)}
			}
		}()
		findings, err := s.Scan(actx, target, cfg)
		done <- scanReturn{findings: findings, err: err}
	}()

	var ret scanReturn
	select {
	case ret = <-done:
	case <-actx.Done():
		ret.err = actx.Err()
	}

	res := AdapterResult{Scanner: name, Duration: time.Since(start)}
	switch {
	case ret.err != nil && ctx.Err() != nil:
		res.Status = StatusCancelled
		res.Err = ctx.Err()
	case ret.err != nil && errors.Is(ret.err, context.DeadlineExceeded):
		res.Status = StatusFailed
		res.Err = fmt.Errorf("%s timed out after %s: %w", name, cfg.EffectiveTimeout(), ret.err)
	case ret.err != nil:
		res.Status = StatusFailed
		res.Err = ret.err
	}
	if res.Err != nil {
		res.Error = res.Err.Error()
		slog.WarnContext(ctx, "scanner failed",
			slog.String("status", string(res.Status)),
			slog.String("error", res.Error),
			slog.String("install", s.InstallInstructions()))
		return outcome{result: res}
	}

	findings := slices.DeleteFunc(ret.findings, func(f *engine.Finding) bool {
		return f == nil || cfg.Excluded(f.Location.File)
	})
	for _, f := range findings {
		if f.Scanner == "" {
			f.Scanner = name
		}
	}
	res.Status = StatusOK
	res.Findings = len(findings)
	slog.DebugContext(ctx, "scanner finished",
		slog.Int("findings", res.Findings),
		slog.Duration("duration", res.Duration))
	return outcome{findings: findings, result: res}
}
