package correlator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNonProjectPath is returned for scratch and system directories that
// never hold a project.
var ErrNonProjectPath = errors.New("not a project path")

// SentinelDir is the per-project agent settings directory. A working
// directory inside it belongs to the enclosing project.
const SentinelDir = ".claude"

// DefaultMarkers identify a project root.
var DefaultMarkers = []string{".git", "go.mod", "package.json", "pyproject.toml", "Cargo.toml"}

// DefaultRejected lists path prefixes that are never project roots.
var DefaultRejected = []string{"/tmp", "/private/tmp", "/var/folders", "/dev", "/proc", "/sys"}

// RootResolver finds the project root for a working directory.
type RootResolver struct {
	Markers  []string
	Rejected []string
	// Home is never a project root itself, and the upward walk stops there.
	Home string
}

// NewRootResolver returns a resolver with the default markers and rejected
// paths, rooted at the current user's home directory.
func NewRootResolver() *RootResolver {
	home, _ := os.UserHomeDir()
	return &RootResolver{Markers: DefaultMarkers, Rejected: DefaultRejected, Home: home}
}

// Resolve returns the project root for dir. It climbs out of any sentinel
// directory, then walks upward to the nearest directory holding a marker.
// With no marker found the climbed-out directory is the root.
func (r *RootResolver) Resolve(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("empty working directory: %w", ErrNonProjectPath)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	abs = filepath.Clean(abs)
	if r.rejected(abs) {
		return "", fmt.Errorf("%s: %w", abs, ErrNonProjectPath)
	}

	start := outsideSentinel(abs)
	root := start
	for cur := start; ; {
		if r.hasMarker(cur) {
			root = cur
			break
		}
		parent := filepath.Dir(cur)
		if parent == cur || cur == r.home() || parent == r.home() {
			break
		}
		cur = parent
	}

	if r.rejected(root) {
		return "", fmt.Errorf("%s: %w", root, ErrNonProjectPath)
	}
	return root, nil
}

// outsideSentinel returns the parent of the outermost sentinel component of
// p, or p when it has none.
func outsideSentinel(p string) string {
	parts := strings.Split(p, string(filepath.Separator))
	for i, part := range parts {
		if part == SentinelDir && i > 0 {
			out := strings.Join(parts[:i], string(filepath.Separator))
			if out == "" {
				return string(filepath.Separator)
			}
			return out
		}
	}
	return p
}

func (r *RootResolver) hasMarker(dir string) bool {
	for _, m := range r.Markers {
		if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
			return true
		}
	}
	return false
}

func (r *RootResolver) home() string {
	if r.Home == "" {
		return ""
	}
	return filepath.Clean(r.Home)
}

func (r *RootResolver) rejected(p string) bool {
	if p == string(filepath.Separator) || (r.home() != "" && p == r.home()) {
		return true
	}
	for _, rej := range r.Rejected {
		rej = filepath.Clean(rej)
		if p == rej || strings.HasPrefix(p, rej+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
