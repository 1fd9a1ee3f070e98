package fileutil

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// entry holds cached data alongside file metadata for staleness detection.
type entry[T any] struct {
	data         T
	size         int64
	lastModified int64
}

// Cache is a generic file-backed cache over an expirable LRU. Entries carry
// the file's size and mtime so stale data is reloaded after the file changes
// on disk. Used by the engine poller to avoid re-parsing unchanged task files
// on every tick.
type Cache[T any] struct {
	lru *expirable.LRU[string, entry[T]]
}

// NewCache creates a cache with the given capacity and TTL.
func NewCache[T any](capacity int, ttl time.Duration) *Cache[T] {
	return &Cache[T]{lru: expirable.NewLRU[string, entry[T]](capacity, nil, ttl)}
}

// LoadLatest returns the cached value for filePath, invoking loader when the
// entry is missing or the file on disk has changed.
func (c *Cache[T]) LoadLatest(filePath string, loader func() (T, error)) (T, error) {
	stale, fi, err := c.isStale(filePath)
	if err != nil {
		var zero T
		return zero, err
	}
	if !stale {
		if e, ok := c.lru.Get(filePath); ok {
			return e.data, nil
		}
	}
	data, err := loader()
	if err != nil {
		var zero T
		return zero, err
	}
	c.lru.Add(filePath, entry[T]{
		data:         data,
		size:         fi.Size(),
		lastModified: fi.ModTime().Unix(),
	})
	return data, nil
}

// Invalidate drops the entry for filePath.
func (c *Cache[T]) Invalidate(filePath string) {
	c.lru.Remove(filePath)
}

func (c *Cache[T]) isStale(filePath string) (bool, os.FileInfo, error) {
	fi, err := os.Stat(filePath)
	if err != nil {
		return true, fi, fmt.Errorf("fileutil: failed to stat %s: %w", filePath, err)
	}
	e, ok := c.lru.Peek(filePath)
	if !ok {
		return true, fi, nil
	}
	return e.lastModified < fi.ModTime().Unix() || e.size != fi.Size(), fi, nil
}
