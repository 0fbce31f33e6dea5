// Package fsadapter is the FilesystemAdapter collaborator: file
// access rooted at a base directory. Paths are resolved against the
// base and anything escaping it is refused, so node props can never
// reach outside the workspace.
package fsadapter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrOutsideBase is returned for paths escaping the base directory.
var ErrOutsideBase = errors.New("path escapes the base directory")

// Adapter roots all file operations at Base. Safe for concurrent use;
// it carries no state beyond the base path.
type Adapter struct {
	base string
}

// New returns an adapter rooted at base, creating it when absent.
func New(base string) (*Adapter, error) {
	if base == "" {
		base = "."
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	return &Adapter{base: abs}, nil
}

// Base returns the absolute base directory.
func (a *Adapter) Base() string { return a.base }

// Resolve maps a relative path into the base, refusing traversal.
// Absolute paths are accepted only when already inside the base.
func (a *Adapter) Resolve(rel string) (string, error) {
	var joined string
	if filepath.IsAbs(rel) {
		joined = filepath.Clean(rel)
	} else {
		joined = filepath.Join(a.base, rel)
	}
	if joined != a.base && !strings.HasPrefix(joined, a.base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideBase, rel)
	}
	return joined, nil
}

// Exists reports whether the path exists under the base.
func (a *Adapter) Exists(rel string) bool {
	p, err := a.Resolve(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Open opens a file for reading.
func (a *Adapter) Open(rel string) (*os.File, error) {
	p, err := a.Resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// Create opens a file for writing, creating parent directories.
func (a *Adapter) Create(rel string) (*os.File, error) {
	p, err := a.Resolve(rel)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("create parent dirs: %w", err)
	}
	return os.Create(p)
}

// MkdirAll creates a directory tree under the base.
func (a *Adapter) MkdirAll(rel string) error {
	p, err := a.Resolve(rel)
	if err != nil {
		return err
	}
	return os.MkdirAll(p, 0o755)
}

// ReadFile reads a whole file.
func (a *Adapter) ReadFile(rel string) ([]byte, error) {
	p, err := a.Resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// WriteFile writes data, creating parent directories.
func (a *Adapter) WriteFile(rel string, data []byte) error {
	p, err := a.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create parent dirs: %w", err)
	}
	return os.WriteFile(p, data, 0o644)
}

// Remove deletes a file or empty directory.
func (a *Adapter) Remove(rel string) error {
	p, err := a.Resolve(rel)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

// Glob matches a doublestar pattern (e.g. "src/**/*.ts") against the
// base, returning sorted base-relative paths.
func (a *Adapter) Glob(pattern string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(a.base), filepath.ToSlash(pattern))
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	sort.Strings(matches)
	return matches, nil
}
