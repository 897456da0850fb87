package security

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/sandterm/sandterm/internal/config"
	"github.com/sandterm/sandterm/internal/errors"
)

// builtinSensitiveDirs are rejected as resolution targets even when nominally
// reachable from the project root via unusual mounts or symlinks.
var builtinSensitiveDirs = []string{
	"/etc", "/sys", "/proc", "/dev", "/boot", "/root",
	"/usr", "/bin", "/sbin", "/lib", "/lib64", "/var/run",
}

// PathGuard resolves and confines all filesystem paths used by a session to a
// configured project root.
type PathGuard struct {
	root      string
	sensitive []string
}

// NewPathGuard creates a guard confined to root. The root itself is resolved
// once so that later prefix checks compare canonical paths. An empty root
// confines to the process working directory.
func NewPathGuard(cfg *config.SecurityConfig) (*PathGuard, error) {
	root := cfg.ProjectRoot
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, errors.InvalidPath("cannot determine default project root")
		}
		root = cwd
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.InvalidPath("project root is not a valid path")
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, errors.InvalidPath("project root does not exist")
	}

	// A sensitive directory that is an ancestor of the root would reject
	// every path, so those entries are dropped for this guard.
	sensitive := make([]string, 0, len(builtinSensitiveDirs)+len(cfg.SensitiveDirs))
	for _, dir := range append(append([]string{}, builtinSensitiveDirs...), cfg.SensitiveDirs...) {
		if !isDescendant(dir, resolved) {
			sensitive = append(sensitive, dir)
		}
	}

	return &PathGuard{
		root:      resolved,
		sensitive: sensitive,
	}, nil
}

// Root returns the resolved project root.
func (g *PathGuard) Root() string {
	return g.root
}

// Resolve canonicalizes candidate (symlinks and relative segments included)
// and verifies the result is still a descendant of the project root and not
// inside a sensitive system directory. Relative candidates are taken relative
// to the root.
func (g *PathGuard) Resolve(candidate string) (string, error) {
	if candidate == "" {
		return g.root, nil
	}
	if strings.ContainsRune(candidate, 0) {
		return "", errors.InvalidPath("path contains NUL byte")
	}

	path := candidate
	if !filepath.IsAbs(path) {
		path = filepath.Join(g.root, path)
	}

	resolved, err := resolveSymlinks(filepath.Clean(path))
	if err != nil {
		return "", errors.InvalidPath("path cannot be resolved")
	}

	if !isDescendant(g.root, resolved) {
		return "", errors.PathEscape()
	}

	for _, dir := range g.sensitive {
		if isDescendant(dir, resolved) {
			return "", errors.PathEscape()
		}
	}

	return resolved, nil
}

// resolveSymlinks resolves path even when its tail components do not exist
// yet, by resolving the deepest existing ancestor and re-joining the
// remainder.
func resolveSymlinks(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	dir, base := filepath.Split(path)
	dir = filepath.Clean(dir)
	if dir == path {
		// Reached the filesystem root without an existing ancestor.
		return "", err
	}

	resolvedDir, rerr := resolveSymlinks(dir)
	if rerr != nil {
		return "", rerr
	}
	return filepath.Join(resolvedDir, base), nil
}

// isDescendant reports whether path is root or lies beneath it.
func isDescendant(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
