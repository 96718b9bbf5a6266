package upstream

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// listCacheTTL is the recommended minimum from spec §4.2 ("TTL >= 60s
	// recommended").
	listCacheTTL = 60 * time.Second
	// listCacheSize bounds how many distinct (per-cursor) list responses a
	// single connector holds onto at once.
	listCacheSize = 64
)

// listCache memoizes one list operation's responses keyed by the serialized
// request params (the cursor, or "" when absent), per spec §4.2 "Caching of
// list operations". Invalidated wholesale by Purge on the matching
// list_changed notification.
type listCache[T any] struct {
	lru *lru.LRU[string, T]
}

func newListCache[T any]() *listCache[T] {
	return &listCache[T]{lru: lru.NewLRU[string, T](listCacheSize, nil, listCacheTTL)}
}

func (c *listCache[T]) get(key string) (T, bool) {
	return c.lru.Get(key)
}

func (c *listCache[T]) set(key string, value T) {
	c.lru.Add(key, value)
}

func (c *listCache[T]) purge() {
	c.lru.Purge()
}
