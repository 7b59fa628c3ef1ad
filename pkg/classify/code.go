package classify

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// CodeReader reads source lines relative to a root, caching whole files.
type CodeReader struct {
	root string

	mu    sync.Mutex
	files map[string][]string
}

func NewCodeReader(root string) *CodeReader {
	if root == "" {
		root = "."
	}
	return &CodeReader{root: root, files: make(map[string][]string)}
}

func (r *CodeReader) load(path string) []string {
	if path == "" {
		return nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.root, filepath.FromSlash(path))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if lines, ok := r.files[path]; ok {
		return lines
	}

	var lines []string
	if fh, err := os.Open(path); err == nil {
		sc := bufio.NewScanner(fh)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			lines = append(lines, sc.Text())
		}
		fh.Close()
	}
	r.files[path] = lines
	return lines
}

// Lines returns lines start..end inclusive, clamped to the file. It returns ""
// when the file cannot be read.
func (r *CodeReader) Lines(path string, start, end int) string {
	lines := r.load(path)
	lo, hi, ok := clampRange(len(lines), start, end)
	if !ok {
		return ""
	}
	return strings.Join(lines[lo-1:hi], "\n")
}

// Numbered is Lines with each line prefixed by its number.
func (r *CodeReader) Numbered(path string, start, end int) string {
	lines := r.load(path)
	lo, hi, ok := clampRange(len(lines), start, end)
	if !ok {
		return ""
	}
	var b strings.Builder
	for i := lo; i <= hi; i++ {
		fmt.Fprintf(&b, "%4d | %s\n", i, lines[i-1])
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func clampRange(n, start, end int) (int, int, bool) {
	if n == 0 {
		return 0, 0, false
	}
	start = max(start, 1)
	end = min(end, n)
	if start > end {
		return 0, 0, false
	}
	return start, end, true
}
