// Package cache provides the on-disk page cache used by the mount.
package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fruitsalade/rmsync/internal/metrics"
	"github.com/fruitsalade/rmsync/pkg/models"
)

// Cache manages locally cached pages, evicting the least recently used
// entry when maxSize would be exceeded.
type Cache struct {
	dir     string
	maxSize int64 // Maximum cache size in bytes

	mu      sync.RWMutex
	entries map[string]*models.CacheEntry
	size    int64
}

// New creates a new cache. Files left in dir by an earlier run are
// adopted as cache entries.
func New(dir string, maxSize int64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	c := &Cache{
		dir:     dir,
		maxSize: maxSize,
		entries: make(map[string]*models.CacheEntry),
	}
	if err := c.adopt(); err != nil {
		return nil, fmt.Errorf("scan cache dir: %w", err)
	}
	return c, nil
}

func (c *Cache) adopt() error {
	files, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) == ".tmp" {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		c.entries[f.Name()] = &models.CacheEntry{
			Key:        f.Name(),
			LocalPath:  filepath.Join(c.dir, f.Name()),
			Size:       info.Size(),
			LastAccess: info.ModTime(),
		}
		c.size += info.Size()
	}
	metrics.SetCacheBytes(c.size)
	return nil
}

// Get returns the local path if the key is cached.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	metrics.RecordCacheLookup(ok)
	if !ok {
		return "", false
	}

	entry.LastAccess = time.Now()
	return entry.LocalPath, true
}

// Put stores content in the cache.
// Content is written atomically (temp file then rename).
func (c *Cache) Put(key string, r io.Reader, size int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.size -= old.Size
		delete(c.entries, key)
	}

	// Evict if needed
	for c.size+size > c.maxSize {
		if !c.evictOldest() {
			break // Nothing to evict
		}
	}

	localPath := filepath.Join(c.dir, key)
	tempPath := localPath + ".tmp"

	f, err := os.Create(tempPath)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	written, err := io.Copy(f, r)
	f.Close()
	if err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("write content: %w", err)
	}

	if err := os.Rename(tempPath, localPath); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("rename temp file: %w", err)
	}

	c.entries[key] = &models.CacheEntry{
		Key:        key,
		LocalPath:  localPath,
		Size:       written,
		LastAccess: time.Now(),
	}
	c.size += written
	metrics.SetCacheBytes(c.size)

	return localPath, nil
}

// Size returns the size of a cached entry.
func (c *Cache) Size(key string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	return entry.Size, true
}

// Evict removes an entry from the cache.
func (c *Cache) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return
	}

	os.Remove(entry.LocalPath)
	c.size -= entry.Size
	delete(c.entries, key)
	metrics.SetCacheBytes(c.size)
}

// evictOldest removes the least recently used entry.
// Must be called with lock held.
func (c *Cache) evictOldest() bool {
	var oldest *models.CacheEntry
	for _, entry := range c.entries {
		if oldest == nil || entry.LastAccess.Before(oldest.LastAccess) {
			oldest = entry
		}
	}

	if oldest == nil {
		return false
	}

	os.Remove(oldest.LocalPath)
	c.size -= oldest.Size
	delete(c.entries, oldest.Key)
	return true
}

// Stats returns cache statistics.
func (c *Cache) Stats() (size, maxSize int64, count int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size, c.maxSize, len(c.entries)
}

// Clear removes every cached file.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := len(c.entries)
	for key, entry := range c.entries {
		os.Remove(entry.LocalPath)
		delete(c.entries, key)
	}
	c.size = 0
	metrics.SetCacheBytes(0)
	return count
}

// Dir returns the cache directory path.
func (c *Cache) Dir() string {
	return c.dir
}

// IsCached returns true if the key is cached.
func (c *Cache) IsCached(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[key]
	return ok
}
