package rules

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rezonia/saftao/internal/model"
)

// StatFunc reports file metadata; os.Stat by default
type StatFunc func(name string) (fs.FileInfo, error)

// Cache keeps the last loaded index keyed by path and modification time
type Cache struct {
	mu    sync.RWMutex
	entry *cacheEntry
	stat  StatFunc
	now   func() time.Time
	loads int
}

type cacheEntry struct {
	path     string
	modTime  time.Time
	index    *Index
	loadedAt time.Time
}

// CacheOption configures a Cache
type CacheOption func(*Cache)

// WithStat replaces the file stat used to detect changes
func WithStat(fn StatFunc) CacheOption {
	return func(c *Cache) {
		c.stat = fn
	}
}

// WithNow sets the clock used for load timestamps and rule applicability
func WithNow(fn func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = fn
	}
}

// NewCache creates an empty rule index cache
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		stat: os.Stat,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load returns the cached index when path and modification time are unchanged,
// reading the file otherwise
func (c *Cache) Load(path string) (*Index, error) {
	return c.load(path, false)
}

// Reload always re-reads the file
func (c *Cache) Reload(path string) (*Index, error) {
	return c.load(path, true)
}

func (c *Cache) load(path string, force bool) (*Index, error) {
	key := filepath.Clean(path)

	info, err := c.stat(key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, model.NewRuleIndexError(model.RuleIndexMissing, path, "not found", err)
		}
		return nil, model.NewRuleIndexError(model.RuleIndexMissing, path, "cannot be inspected", err)
	}
	modTime := info.ModTime()

	if !force {
		c.mu.RLock()
		entry := c.entry
		c.mu.RUnlock()
		if entry != nil && entry.path == key && entry.modTime.Equal(modTime) {
			return entry.index, nil
		}
	}

	ix, err := Load(key)
	if err != nil {
		return nil, err
	}
	ix.now = c.now

	c.mu.Lock()
	c.entry = &cacheEntry{
		path:     key,
		modTime:  modTime,
		index:    ix,
		loadedAt: c.now(),
	}
	c.loads++
	c.mu.Unlock()

	return ix, nil
}

// Invalidate drops the cached index
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entry = nil
	c.mu.Unlock()
}

// LoadedAt returns when the cached index was read, zero when empty
func (c *Cache) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entry == nil {
		return time.Time{}
	}
	return c.entry.loadedAt
}

// Loads returns how many times the cache has read an index from disk
func (c *Cache) Loads() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loads
}

// Open loads the index named by explicit, the environment or DefaultPath.
// A missing DefaultPath yields a nil index, which selects the built-in
// defaults; a configured path that does not exist is an error.
func (c *Cache) Open(explicit string) (*Index, string, error) {
	path := ResolvePath(explicit)
	ix, err := c.Load(path)
	if err != nil && model.IsRuleIndexMissing(err) && explicit == "" && os.Getenv(EnvPath) == "" {
		return nil, path, nil
	}
	return ix, path, err
}
