// Package sandbox enforces path containment for every file-accepting tool.
// It is the Go-hardened replacement for original_source/bbclaw/tools/filesystem.py's
// _safe_path, which used a naive strings.HasPrefix(target, base) check — a
// check that wrongly admits a sibling directory sharing the root as a string
// prefix (e.g. root "/workspace" against an escaping path resolving to
// "/workspace-evil"). spec.md §8's "Path containment" invariant calls out
// exactly this class of bug; this package closes it with filepath.Rel.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/loopworks/conductor/internal/errkind"
)

// Normalize collapses "", ".", "./", and ".\" to "." and trims surrounding
// whitespace; any other path is left untouched for Resolve to canonicalize.
// This is spec.md §8's "Path normalization round-trip" invariant.
func Normalize(p string) string {
	p = strings.TrimSpace(p)
	switch p {
	case "", ".", "./", `.\`:
		return "."
	default:
		return p
	}
}

// Sandbox owns a single mutable root path; its containment check is
// resolve(root/p) lexically within resolve(root). The root is process-wide
// mutable state (spec.md §9: "route all mutation through a single session
// owner") — callers (the orchestrator) swap it on project switch via SetRoot.
type Sandbox struct {
	mu   sync.RWMutex
	root string
}

// New returns a Sandbox rooted at root, creating the directory if absent.
func New(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root %s: %w", abs, err)
	}
	return &Sandbox{root: abs}, nil
}

// Root returns the current sandbox root.
func (s *Sandbox) Root() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

// SetRoot atomically swaps the sandbox root, creating it if needed. Used by
// the orchestrator on project switch.
func (s *Sandbox) SetRoot(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("create sandbox root %s: %w", abs, err)
	}
	s.mu.Lock()
	s.root = abs
	s.mu.Unlock()
	return nil
}

// Resolve normalizes p, joins it against the current root, and verifies the
// result is lexically contained within the root. Returns *errkind.Error with
// Kind PathEscape on any violation.
func (s *Sandbox) Resolve(p string) (string, error) {
	root := s.Root()
	return resolveWithin(root, p)
}

func resolveWithin(root, p string) (string, error) {
	p = Normalize(p)
	if filepath.IsAbs(p) {
		// An absolute path must itself already be the root or a descendant;
		// treat it as a candidate rather than joining (joining an absolute
		// path with root is a no-op in filepath.Join's semantics on most
		// platforms, which would silently defeat containment).
		return checkContainment(root, filepath.Clean(p))
	}
	joined := filepath.Join(root, p)
	return checkContainment(root, joined)
}

func checkContainment(root, candidate string) (string, error) {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return "", errkind.New(errkind.PathEscape, fmt.Sprintf("path %q escapes root %q", candidate, root))
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", errkind.New(errkind.PathEscape, fmt.Sprintf("path %q escapes root %q", candidate, root))
	}
	return candidate, nil
}

// ProjectAnchor resolves paths against a separate, fixed "project root"
// anchor used by the source-tool family (write_source/read_source/list_source/
// run_tests/git_commit), per spec.md §4.1. It never mutates; the anchor is
// discovered once at startup by searching upward for a marker file.
type ProjectAnchor struct {
	root string
}

// FindProjectAnchor searches upward from start for a directory containing
// marker (e.g. "go.mod" or ".git"), returning a ProjectAnchor rooted there.
// If no marker is found, start itself (absolute) is used as the anchor.
func FindProjectAnchor(start, marker string) (*ProjectAnchor, error) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return nil, fmt.Errorf("resolve project anchor start: %w", err)
	}
	dir := abs
	for {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return &ProjectAnchor{root: dir}, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return &ProjectAnchor{root: abs}, nil
		}
		dir = parent
	}
}

// Root returns the anchor's root path.
func (a *ProjectAnchor) Root() string { return a.root }

// Resolve applies the same containment rule as Sandbox.Resolve but against
// the project-root anchor instead of the workspace root.
func (a *ProjectAnchor) Resolve(p string) (string, error) {
	return resolveWithin(a.root, p)
}
