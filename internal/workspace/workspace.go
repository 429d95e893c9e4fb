// Package workspace maps repository keys to working directories under a
// single root.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var segmentRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Manager hands out per-repository directories. Paths never leave the root
// and never pass through a symlink.
type Manager struct {
	root string
}

// New creates root if needed and resolves it to a real path.
func New(root string) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("workspace root is required")
	}
	abs, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root %s: %w", abs, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root symlinks %s: %w", abs, err)
	}
	return &Manager{root: real}, nil
}

func (m *Manager) Root() string { return m.root }

// Path returns the directory for repoKey without creating it.
func (m *Manager) Path(repoKey string) (string, error) {
	rel, err := keyPath(repoKey)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(m.root, rel)
	r, err := filepath.Rel(m.root, dir)
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("repo key %q resolves outside workspace root", repoKey)
	}
	return dir, nil
}

// Prepare returns the directory for repoKey, creating it on first use.
func (m *Manager) Prepare(repoKey string) (string, error) {
	dir, err := m.Path(repoKey)
	if err != nil {
		return "", err
	}
	if err := m.rejectSymlinks(dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return dir, nil
}

// rejectSymlinks walks from dir up to the root and fails on any existing
// symlink component.
func (m *Manager) rejectSymlinks(dir string) error {
	for cur := dir; cur != m.root; cur = filepath.Dir(cur) {
		info, err := os.Lstat(cur)
		switch {
		case err == nil:
			if info.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("workspace path contains symlink component: %s", cur)
			}
		case !os.IsNotExist(err):
			return err
		}
		if filepath.Dir(cur) == cur {
			break
		}
	}
	return nil
}

// keyPath turns "org/repo" into a relative path, rejecting traversal and
// unusual characters.
func keyPath(repoKey string) (string, error) {
	key := strings.Trim(strings.TrimSpace(repoKey), "/")
	if key == "" {
		return "", errors.New("repo key is required")
	}
	parts := strings.Split(key, "/")
	for _, p := range parts {
		if p == "." || p == ".." || !segmentRe.MatchString(p) {
			return "", fmt.Errorf("invalid repo key %q", repoKey)
		}
	}
	return filepath.Join(parts...), nil
}
