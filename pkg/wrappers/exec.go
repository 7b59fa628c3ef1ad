package wrappers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/user/secpipe/pkg/engine"
)

// extraPaths are searched after $PATH; scanners installed with pipx, brew or
// go install often land there without being on a service's PATH.
var extraPaths = []string{
	"/usr/local/bin",
	"/opt/homebrew/bin",
	"$HOME/.local/bin",
	"$HOME/go/bin",
}

// lookPath resolves a tool binary from $PATH or the common install locations.
func lookPath(name string) (string, bool) {
	if p, err := exec.LookPath(name); err == nil {
		return p, true
	}
	for _, dir := range extraPaths {
		p := filepath.Join(os.ExpandEnv(dir), name)
		if st, err := os.Stat(p); err == nil && !st.IsDir() && st.Mode()&0o111 != 0 {
			return p, true
		}
	}
	return "", false
}

// toolError describes a tool that ran but exited with an unexpected status.
type toolError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *toolError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if len(msg) > 512 {
		msg = msg[:512] + "..."
	}
	if msg == "" {
		return fmt.Sprintf("%s exited with status %d", e.Tool, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Tool, e.ExitCode, msg)
}

// runTool executes bin with args and returns stdout. Exit codes listed in ok
// are success; scanners commonly use exit status 1 for "findings present".
func runTool(ctx context.Context, bin string, args []string, ok ...int) ([]byte, error) {
	slog.DebugContext(ctx, "running scanner", slog.String("bin", bin), slog.Any("args", args))

	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(bin), ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s: %w", filepath.Base(bin), err)
		}
		if !slices.Contains(ok, exitErr.ExitCode()) {
			return nil, &toolError{Tool: filepath.Base(bin), ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
		}
	}
	return stdout.Bytes(), nil
}

// toolVersion runs "<bin> --version" and returns the first non-empty line.
func toolVersion(ctx context.Context, name, bin string, found bool, install string) (string, error) {
	if !found {
		return "", &UnavailableError{Scanner: name, Instructions: install}
	}
	out, err := exec.CommandContext(ctx, bin, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", name, err)
	}
	if v := firstLine(string(out)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%s --version: empty output", name)
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// SourceRoot is the directory finding locations are relative to: target
// itself, or its parent directory when target is a regular file.
func SourceRoot(target string) string {
	if info, err := os.Stat(target); err == nil && info.Mode().IsRegular() {
		return filepath.Dir(target)
	}
	return target
}

// relPath expresses p relative to the source root of target so locations are
// comparable across scanners that report absolute or target-prefixed paths.
func relPath(target, p string) string {
	if p == "" {
		return ""
	}
	target = SourceRoot(target)
	if filepath.IsAbs(p) {
		if absTarget, err := filepath.Abs(target); err == nil {
			if rel, err := filepath.Rel(absTarget, p); err == nil && !strings.HasPrefix(rel, "..") {
				return engine.NormalizePath(rel)
			}
		}
		return engine.NormalizePath(p)
	}
	cleanTarget := engine.NormalizePath(target)
	cleanPath := engine.NormalizePath(p)
	if cleanTarget != "." && cleanTarget != "" && strings.HasPrefix(cleanPath, cleanTarget+"/") {
		return strings.TrimPrefix(cleanPath, cleanTarget+"/")
	}
	return cleanPath
}
