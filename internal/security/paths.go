// Package security guards the file paths the server writes to.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned for a path that resolves outside its directory.
var ErrPathEscape = errors.New("path escapes directory")

const maxFilenameLen = 128

// canonical resolves symlinks in the deepest existing ancestor of path and
// appends the rest unchanged.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	for dir := abs; ; {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rest, _ := filepath.Rel(dir, abs)
			return filepath.Join(resolved, rest), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		dir = parent
	}
}

// WithinDir returns nil when path, after resolving symlinks, lies inside
// dir. dir must exist.
func WithinDir(path, dir string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	root, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	target, err := canonical(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s is outside %s", ErrPathEscape, path, dir)
	}
	return nil
}

// JoinWithin sanitizes name, joins it to dir and checks the result stays
// inside dir.
func JoinWithin(dir, name string) (string, error) {
	path := filepath.Join(dir, SanitizeFilename(name))
	if err := WithinDir(path, dir); err != nil {
		return "", err
	}
	return path, nil
}

// SanitizeFilename keeps ASCII letters, digits, '.', '_' and '-', turns
// every other run of characters into one underscore, and trims leading and
// trailing dots and underscores. An empty result becomes "unknown".
func SanitizeFilename(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
			pending = false
		case !pending:
			b.WriteByte('_')
			pending = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
