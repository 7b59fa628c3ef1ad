package risk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
)

var (
	ErrNoRepository = errors.New("not inside a git repository")
	ErrLineNotFound = errors.New("line not found in blame")
)

// Blamer reports when a line was last changed.
type Blamer interface {
	LineDate(ctx context.Context, path string, line int) (time.Time, error)
}

// GitBlamer blames files at HEAD of the repository that contains them.
// Results are cached per file.
type GitBlamer struct {
	// work serializes blame runs; go-git repositories are not safe for
	// concurrent use.
	work  sync.Mutex
	mu    sync.Mutex
	repos map[string]*git.Repository
	files map[string][]time.Time
}

func NewGitBlamer() *GitBlamer {
	return &GitBlamer{
		repos: make(map[string]*git.Repository),
		files: make(map[string][]time.Time),
	}
}

// LineDate returns the commit date of the 1-based line in path.
// go-git blame cannot be interrupted; on ctx expiry the call returns early and
// the blame finishes in the background, filling the cache.
func (b *GitBlamer) LineDate(ctx context.Context, path string, line int) (time.Time, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return time.Time{}, err
	}

	type result struct {
		dates []time.Time
		err   error
	}
	done := make(chan result, 1)
	go func() {
		dates, err := b.fileDates(abs)
		done <- result{dates, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
	if r.err != nil {
		return time.Time{}, r.err
	}
	if line < 1 || line > len(r.dates) {
		return time.Time{}, fmt.Errorf("%w: %s:%d", ErrLineNotFound, path, line)
	}
	return r.dates[line-1], nil
}

func (b *GitBlamer) fileDates(abs string) ([]time.Time, error) {
	b.mu.Lock()
	if dates, ok := b.files[abs]; ok {
		b.mu.Unlock()
		return dates, nil
	}
	b.mu.Unlock()

	b.work.Lock()
	defer b.work.Unlock()

	root, err := FindRepoRoot(filepath.Dir(abs))
	if err != nil {
		return nil, err
	}
	repo, err := b.repo(root)
	if err != nil {
		return nil, err
	}

	rel, err := filepath.Rel(root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("%w: %s", ErrNoRepository, abs)
	}

	ref, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load HEAD commit: %w", err)
	}
	blame, err := git.Blame(commit, filepath.ToSlash(rel))
	if err != nil {
		return nil, fmt.Errorf("blame %s: %w", rel, err)
	}

	dates := make([]time.Time, len(blame.Lines))
	for i, l := range blame.Lines {
		dates[i] = l.Date
	}

	b.mu.Lock()
	b.files[abs] = dates
	b.mu.Unlock()
	return dates, nil
}

func (b *GitBlamer) repo(root string) (*git.Repository, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r, ok := b.repos[root]; ok {
		return r, nil
	}
	r, err := git.PlainOpen(root)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", root, err)
	}
	b.repos[root] = r
	return r, nil
}

// FindRepoRoot walks up from dir to the first directory containing .git.
func FindRepoRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNoRepository
		}
		dir = parent
	}
}
