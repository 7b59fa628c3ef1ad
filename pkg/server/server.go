// Package server exposes scanning and triage over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/user/secpipe/pkg/engine"
	"github.com/user/secpipe/pkg/orchestrator"
	"github.com/user/secpipe/pkg/triage"
	"github.com/user/secpipe/pkg/wrappers"
)

// MaxScanTimeout caps the timeout a client may request.
const MaxScanTimeout = time.Hour

// Scanner runs scans. *orchestrator.Orchestrator implements it.
type Scanner interface {
	Scan(ctx context.Context, target string, opts orchestrator.ScanOptions) (*orchestrator.Result, error)
	Scanners() []wrappers.Scanner
}

// Triager triages findings. *triage.Engine implements it.
type Triager interface {
	Triage(ctx context.Context, findings []*engine.Finding) []triage.Result
}

// TriagerFunc builds a triager that reads source files and git history under
// root. It is called once per request with the directory finding paths are
// relative to.
type TriagerFunc func(root string) (Triager, error)

type Server struct {
	scanner  Scanner
	triagers TriagerFunc
	roots    []string
	defaults orchestrator.ScanOptions
}

type Option func(*Server)

// WithAllowedRoots sets the directories scan targets must live under.
func WithAllowedRoots(roots ...string) Option {
	return func(s *Server) { s.roots = append(s.roots, roots...) }
}

// WithScanDefaults sets the options requests are layered over.
func WithScanDefaults(opts orchestrator.ScanOptions) Option {
	return func(s *Server) { s.defaults = opts }
}

func New(scanner Scanner, triagers TriagerFunc, opts ...Option) *Server {
	s := &Server{scanner: scanner, triagers: triagers}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/scanners", s.listScanners)
		r.Post("/scans", s.runScan)
		r.Post("/triage", s.runTriage)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      MaxScanTimeout + time.Minute,
	}

	errc := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "api listening", slog.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.InfoContext(r.Context(), "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Duration("duration", time.Since(start)))
	})
}
