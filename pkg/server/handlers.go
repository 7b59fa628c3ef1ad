package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/render"

	"github.com/user/secpipe/pkg/engine"
	"github.com/user/secpipe/pkg/export"
	"github.com/user/secpipe/pkg/orchestrator"
	"github.com/user/secpipe/pkg/triage"
	"github.com/user/secpipe/pkg/wrappers"
)

var (
	errTargetNotAllowed = errors.New("target is outside the allowed roots")
	errInvalidTimeout   = errors.New("invalid timeout")
)

type scannerInfo struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Install   string `json:"install,omitempty"`
}

type scanRequest struct {
	Target         string   `json:"target"`
	Scanners       []string `json:"scanners,omitempty"`
	Sequential     bool     `json:"sequential,omitempty"`
	NoDedup        bool     `json:"no_dedup,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	Triage         bool     `json:"triage,omitempty"`
}

type scanResponse struct {
	*orchestrator.Result
	Triage  []triage.Result `json:"triage,omitempty"`
	Summary *triage.Summary `json:"summary,omitempty"`
}

type triageRequest struct {
	// Root is the directory finding paths are relative to. It defaults to
	// the first allowed root.
	Root     string            `json:"root,omitempty"`
	Findings []*engine.Finding `json:"findings"`
}

type triageResponse struct {
	Triage  []triage.Result `json:"triage"`
	Summary triage.Summary  `json:"summary"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (s *Server) listScanners(w http.ResponseWriter, r *http.Request) {
	out := []scannerInfo{}
	for _, sc := range s.scanner.Scanners() {
		info := scannerInfo{Name: sc.Name(), Available: sc.IsAvailable()}
		if !info.Available {
			info.Install = sc.InstallInstructions()
		}
		out = append(out, info)
	}
	render.JSON(w, r, out)
}

func (s *Server) runScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, errors.New("invalid json"))
		return
	}

	target, err := s.validateTarget(req.Target)
	if err != nil {
		fail(w, r, targetErrorStatus(err), err)
		return
	}
	if req.TimeoutSeconds < 0 || time.Duration(req.TimeoutSeconds)*time.Second > MaxScanTimeout {
		fail(w, r, http.StatusBadRequest, fmt.Errorf("%w: must be between 0 and %d seconds", errInvalidTimeout, int(MaxScanTimeout.Seconds())))
		return
	}

	opts := s.defaults
	if len(req.Scanners) > 0 {
		opts.Scanners = req.Scanners
	}
	opts.Sequential = opts.Sequential || req.Sequential
	opts.NoDedup = req.NoDedup
	if req.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	res, err := s.scanner.Scan(r.Context(), target, opts)
	if err != nil {
		fail(w, r, scanErrorStatus(err), err)
		return
	}

	resp := scanResponse{Result: res}
	if req.Triage {
		t, err := s.triagers(wrappers.SourceRoot(target))
		if err != nil {
			fail(w, r, http.StatusInternalServerError, err)
			return
		}
		resp.Triage = t.Triage(r.Context(), res.Findings)
		sum := triage.Summarize(resp.Triage)
		resp.Summary = &sum
	}

	if format := r.URL.Query().Get("format"); format != "" && format != string(export.FormatJSON) {
		s.writeExport(w, r, format, export.Report{Findings: res.Findings, Triage: resp.Triage})
		return
	}
	render.JSON(w, r, resp)
}

func (s *Server) runTriage(w http.ResponseWriter, r *http.Request) {
	var req triageRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, errors.New("invalid json"))
		return
	}
	for i, f := range req.Findings {
		if f == nil || f.Location.File == "" || f.Title == "" {
			fail(w, r, http.StatusBadRequest, fmt.Errorf("finding %d: title and location.file are required", i))
			return
		}
	}

	root := "."
	if len(s.roots) > 0 {
		root = s.roots[0]
	}
	if req.Root != "" {
		resolved, err := s.validateTarget(req.Root)
		if err != nil {
			fail(w, r, targetErrorStatus(err), err)
			return
		}
		root = wrappers.SourceRoot(resolved)
	}
	t, err := s.triagers(root)
	if err != nil {
		fail(w, r, http.StatusInternalServerError, err)
		return
	}

	results := t.Triage(r.Context(), req.Findings)
	if results == nil {
		results = []triage.Result{}
	}

	if format := r.URL.Query().Get("format"); format != "" && format != string(export.FormatJSON) {
		s.writeExport(w, r, format, export.Report{Findings: req.Findings, Triage: results})
		return
	}
	render.JSON(w, r, triageResponse{Triage: results, Summary: triage.Summarize(results)})
}

func (s *Server) writeExport(w http.ResponseWriter, r *http.Request, format string, rep export.Report) {
	f, err := export.ParseFormat(format)
	if err != nil || f == export.FormatTerminal {
		fail(w, r, http.StatusBadRequest, fmt.Errorf("unsupported format %q", format))
		return
	}

	switch f {
	case export.FormatSARIF:
		w.Header().Set("Content-Type", "application/sarif+json")
	case export.FormatMarkdown:
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	}
	if err := export.Write(w, f, rep); err != nil {
		fail(w, r, http.StatusInternalServerError, err)
	}
}

// validateTarget resolves target and checks it lies under an allowed root.
func (s *Server) validateTarget(target string) (string, error) {
	if strings.TrimSpace(target) == "" {
		return "", errors.New("empty target")
	}
	if !filepath.IsAbs(target) {
		return "", errors.New("target must be an absolute path")
	}
	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("target does not exist: %s", target)
		}
		return "", err
	}

	for _, root := range s.roots {
		base, err := filepath.EvalSymlinks(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(base, resolved)
		if err == nil && filepath.IsLocal(rel) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: %s", errTargetNotAllowed, target)
}

func targetErrorStatus(err error) int {
	if errors.Is(err, errTargetNotAllowed) {
		return http.StatusForbidden
	}
	return http.StatusBadRequest
}

func scanErrorStatus(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidTarget),
		errors.Is(err, orchestrator.ErrUnknownScanner),
		errors.Is(err, wrappers.ErrScannerUnavailable):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNoScanners),
		errors.Is(err, orchestrator.ErrNoAvailableScanners):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	render.Status(r, status)
	render.JSON(w, r, map[string]string{"error": err.Error()})
}
