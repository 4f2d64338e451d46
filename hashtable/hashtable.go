// Package hashtable is a small fixed-bucket-count hash table keyed by a
// 32-bit integer, used for the scheduler's process table. (The ipc service
// table is a pair of plain Go maps, not this type.) It carries no
// allocation policy of its own beyond what map[int32]interface{} would, but
// keeping it as a named type documents the intent at each call site and
// keeps bucket locking explicit rather than relying on map internals.
package hashtable

import "sync"

type elem_t struct {
	key   int32
	value interface{}
	next  *elem_t
}

type bucket_t struct {
	sync.Mutex
	first *elem_t
}

// Hashtable_t maps int32 keys (pids, tids) to arbitrary values.
type Hashtable_t struct {
	table []*bucket_t
}

func Mk(size int) *Hashtable_t {
	if size < 1 {
		size = 1
	}
	ht := &Hashtable_t{table: make([]*bucket_t, size)}
	for i := range ht.table {
		ht.table[i] = &bucket_t{}
	}
	return ht
}

func (ht *Hashtable_t) bucket(key int32) *bucket_t {
	h := uint32(key) * 2654435761
	return ht.table[h%uint32(len(ht.table))]
}

func (ht *Hashtable_t) Get(key int32) (interface{}, bool) {
	b := ht.bucket(key)
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			return e.value, true
		}
	}
	return nil, false
}

func (ht *Hashtable_t) Set(key int32, value interface{}) {
	b := ht.bucket(key)
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			e.value = value
			return
		}
	}
	b.first = &elem_t{key: key, value: value, next: b.first}
}

func (ht *Hashtable_t) Del(key int32) {
	b := ht.bucket(key)
	b.Lock()
	defer b.Unlock()
	var last *elem_t
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			if last == nil {
				b.first = e.next
			} else {
				last.next = e.next
			}
			return
		}
		last = e
	}
}

// Iter calls f for every (key, value) pair. f may be called concurrently
// with other lookups, inserts, and deletes; it must not itself call back
// into the same Hashtable_t.
func (ht *Hashtable_t) Iter(f func(int32, interface{}) bool) {
	for _, b := range ht.table {
		b.Lock()
		for e := b.first; e != nil; e = e.next {
			if !f(e.key, e.value) {
				b.Unlock()
				return
			}
		}
		b.Unlock()
	}
}
