package lrucache

import (
	"testing"
)

type modelCache[K, V comparable] struct {
	s   []entry[K, V]
	max int
}

func (c *modelCache[K, V]) Get(k K) (v V, ok bool) {
	for i := len(c.s) - 1; i >= 0; i-- {
		if c.s[i].used && c.s[i].k == k {
			return c.s[i].v, true
		}
	}
	return v, false
}

func (c *modelCache[K, V]) Push(k K, v V) {
	c.s = append(c.s, entry[K, V]{k: k, v: v, used: true})
	for len(c.s) > c.max {
		c.s = c.s[1:]
	}
}

func (c *modelCache[K, V]) Remove(k K) {
	for i := range c.s {
		if c.s[i].k == k {
			c.s[i].used = false
		}
	}
}

func TestCacheRemove(t *testing.T) {
	c := New[int, string](2)
	c.Push(1, "a")
	c.Push(2, "b")
	c.Remove(1)
	if _, ok := c.Get(1); ok {
		t.Fatal("removed key still present")
	}
	c.RemoveValue("b")
	if _, ok := c.Get(2); ok {
		t.Fatal("removed value still present")
	}
	c.Push(3, "c")
	if v, ok := c.Get(3); !ok || v != "c" {
		t.Fatalf("got %q,%v", v, ok)
	}
}

func FuzzCache(f *testing.F) {
	const (
		opGet = iota
		opPush
		opRemove
	)
	for size := uint8(1); size <= 4; size++ {
		f.Add(size-1, []byte{0x41, 0x01, 0x01})
		f.Add(size-1, []byte{0x41, 0x01, 0x42, 0x03, 0x02, 0x81, 0x01})
	}
	f.Fuzz(func(t *testing.T, sizeM1 uint8, ops []byte) {
		size := int(sizeM1%8) + 1
		c := New[int8, uint8](size)
		m := modelCache[int8, uint8]{max: size}
		for len(ops) > 0 {
			op := ops[0] >> 6
			key := int8(ops[0] & 0x3f)
			ops = ops[1:]
			switch op {
			case opGet:
				va, oka := c.Get(key)
				ve, oke := m.Get(key)
				if va != ve || oka != oke {
					t.Fatalf("Get(%d): want %v,%v got %v,%v", key, ve, oke, va, oka)
				}
			case opPush:
				if len(ops) == 0 {
					return
				}
				c.Push(key, ops[0])
				m.Push(key, ops[0])
				ops = ops[1:]
			case opRemove:
				c.Remove(key)
				m.Remove(key)
			}
		}
	})
}
