package storage

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	kindFeed   = "feed"
	kindFilter = "filter"
	kindNews   = "news"
)

// identityMap keeps one canonical in-memory instance per id, bounded by
// least-recently-used eviction.
type identityMap[T any] struct {
	c *lru.Cache[uint32, T]
}

func newIdentityMap[T any](size int) (*identityMap[T], error) {
	c, err := lru.New[uint32, T](size)
	if err != nil {
		return nil, err
	}
	return &identityMap[T]{c: c}, nil
}

func (m *identityMap[T]) get(id uint32) (T, bool) {
	return m.c.Get(id)
}

// adopt returns the cached instance for id if another goroutine got there
// first, otherwise caches and returns fresh.
func (m *identityMap[T]) adopt(id uint32, fresh T) T {
	if prev, ok, _ := m.c.PeekOrAdd(id, fresh); ok {
		m.c.Get(id)
		return prev
	}
	return fresh
}

func (m *identityMap[T]) put(id uint32, v T) {
	m.c.Add(id, v)
}

func (m *identityMap[T]) remove(id uint32) {
	m.c.Remove(id)
}

func (m *identityMap[T]) len() int {
	return m.c.Len()
}
