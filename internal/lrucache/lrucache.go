// Package lrucache implements a small fixed-capacity cache in which
// the oldest written entry is evicted first.
package lrucache

type entry[K, V comparable] struct {
	k    K
	v    V
	used bool
}

// Cache maps keys to values with at most a fixed amount of entries.
// Lookups start at the most recently pushed entry.
type Cache[K, V comparable] struct {
	entries []entry[K, V]
	last    int // index of the most recently pushed entry.
}

func New[K, V comparable](maxSize int) Cache[K, V] {
	if maxSize <= 0 {
		panic("lrucache max size must be > 0")
	}
	return Cache[K, V]{
		entries: make([]entry[K, V], 0, maxSize),
	}
}

// Get returns the most recently pushed value for k.
func (c *Cache[K, V]) Get(k K) (v V, ok bool) {
	i := c.find(k)
	if i < 0 {
		return v, false
	}
	return c.entries[i].v, true
}

// Push stores k->v evicting the oldest entry if the cache is full.
func (c *Cache[K, V]) Push(k K, v V) {
	if len(c.entries) < cap(c.entries) {
		c.entries = append(c.entries, entry[K, V]{k: k, v: v, used: true})
		c.last = len(c.entries) - 1
		return
	}
	c.last++
	if c.last >= len(c.entries) {
		c.last = 0
	}
	c.entries[c.last] = entry[K, V]{k: k, v: v, used: true}
}

// Remove invalidates every entry holding key k.
func (c *Cache[K, V]) Remove(k K) {
	for i := range c.entries {
		if c.entries[i].used && c.entries[i].k == k {
			c.entries[i] = entry[K, V]{}
		}
	}
}

// RemoveValue invalidates every entry holding value v.
func (c *Cache[K, V]) RemoveValue(v V) {
	for i := range c.entries {
		if c.entries[i].used && c.entries[i].v == v {
			c.entries[i] = entry[K, V]{}
		}
	}
}

func (c *Cache[K, V]) find(k K) int {
	i := c.last
	for range len(c.entries) {
		e := &c.entries[i]
		if e.used && e.k == k {
			return i
		}
		if i == 0 {
			i = len(c.entries)
		}
		i--
	}
	return -1
}
