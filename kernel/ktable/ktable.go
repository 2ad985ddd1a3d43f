// Package ktable provides a small bucket-chained hash table shared by
// kernel/sched (PID → process lookup) and kernel/drivers/intc (IRQ →
// handler registry). Grounded on biscuit/src/hashtable/hashtable.go's
// shape — fixed bucket array, each bucket a mutex-protected chain —
// generalized from its interface{} keys/values to a Go-generic
// comparable key / any value, since both call sites here have a
// single known key type (uint64) and this kernel has no use for
// hashtable.go's lock-free iteration or runtime resizing.
package ktable

import "sync"

type entry[K comparable, V any] struct {
	key  K
	val  V
	next *entry[K, V]
}

type bucket[K comparable, V any] struct {
	mu    sync.RWMutex
	first *entry[K, V]
}

// Table is a fixed-size hash table with per-bucket locking.
type Table[K comparable, V any] struct {
	buckets []*bucket[K, V]
	hash    func(K) uint64
}

// New constructs a table with the given bucket count and hash
// function. size should be sized for the expected key population
// (spec.md's resource limits, e.g. the maximum live-process count)
// to keep chains short.
func New[K comparable, V any](size int, hash func(K) uint64) *Table[K, V] {
	if size <= 0 {
		size = 1
	}
	t := &Table[K, V]{
		buckets: make([]*bucket[K, V], size),
		hash:    hash,
	}
	for i := range t.buckets {
		t.buckets[i] = &bucket[K, V]{}
	}
	return t
}

func (t *Table[K, V]) bucketFor(key K) *bucket[K, V] {
	idx := t.hash(key) % uint64(len(t.buckets))
	return t.buckets[idx]
}

// Get looks up key, reporting whether it was present.
func (t *Table[K, V]) Get(key K) (V, bool) {
	b := t.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			return e.val, true
		}
	}
	var zero V
	return zero, false
}

// Set inserts or overwrites key's value.
func (t *Table[K, V]) Set(key K, val V) {
	b := t.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			e.val = val
			return
		}
	}
	b.first = &entry[K, V]{key: key, val: val, next: b.first}
}

// Del removes key, a no-op if it was not present.
func (t *Table[K, V]) Del(key K) {
	b := t.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	var prev *entry[K, V]
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			if prev == nil {
				b.first = e.next
			} else {
				prev.next = e.next
			}
			return
		}
		prev = e
	}
}

// Each calls fn for every (key, value) pair. fn returning false stops
// iteration early. Each bucket is locked only while it is visited, so
// concurrent mutation of a not-yet-visited bucket is possible
// (acceptable here: every caller only reaches Each while holding the
// kernel, which this single-hart design never preempts, spec.md §5).
func (t *Table[K, V]) Each(fn func(K, V) bool) {
	for _, b := range t.buckets {
		b.mu.RLock()
		cont := true
		for e := b.first; e != nil && cont; e = e.next {
			cont = fn(e.key, e.val)
		}
		b.mu.RUnlock()
		if !cont {
			return
		}
	}
}

// Len reports the total number of entries across all buckets.
func (t *Table[K, V]) Len() int {
	n := 0
	t.Each(func(K, V) bool { n++; return true })
	return n
}

// HashUint64 is the identity-ish hash used for small dense integer
// keys like PIDs and IRQ numbers (Knuth's multiplicative hash).
func HashUint64(k uint64) uint64 {
	return k * 2654435761
}
