// Package ircache is the IrCache collaborator: a file-backed JSON
// cache for built intermediate representations, keyed by the blake3
// hash of the source content. Corrupt or missing entries read as
// misses; writes are atomic via rename.
package ircache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/zeebo/blake3"
)

var keyPattern = regexp.MustCompile(`^[0-9a-f]{16,64}$`)

// Key derives the cache key for source content.
func Key(source []byte) string {
	sum := blake3.Sum256(source)
	return hex.EncodeToString(sum[:])
}

// Cache stores one JSON document per key under a directory.
type Cache struct {
	dir string
}

// New returns a cache rooted at dir, creating it when absent.
func New(dir string) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// Get returns the cached value for key. Any read or decode problem is
// a miss, never an error: the cache is an accelerator only.
func (c *Cache) Get(key string) (any, bool) {
	if !keyPattern.MatchString(key) {
		return nil, false
	}
	raw, err := os.ReadFile(c.path(key))
	if err != nil {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}

// Set stores value under key, replacing any previous entry.
func (c *Cache) Set(key string, value any) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid cache key %q", key)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	tmp, err := os.CreateTemp(c.dir, "entry-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp entry: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close cache entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path(key)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("commit cache entry: %w", err)
	}
	return nil
}

// Delete removes an entry; absent keys are fine.
func (c *Cache) Delete(key string) error {
	if !keyPattern.MatchString(key) {
		return nil
	}
	err := os.Remove(c.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Len counts stored entries.
func (c *Cache) Len() int {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			n++
		}
	}
	return n
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}
