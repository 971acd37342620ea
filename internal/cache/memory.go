// Package cache fronts the retrieval engine with two tiers: a strict
// in-memory LRU and a sharded on-disk store indexed in the metadata db.
// Full-object misses populate both tiers in the background via a stream
// fork; byte-range requests are served by in-place slicing.
package cache

import (
	"container/list"
	"sync"

	"github.com/autonomys/auto-drive-sub003/internal/retriever"
	"github.com/autonomys/auto-drive-sub003/pkg/cid"
)

// MemoryCache is a strict LRU over whole objects, bounded by total byte
// size. Objects larger than the bound are never admitted.
type MemoryCache struct {
	mu       sync.Mutex
	maxBytes uint64
	size     uint64
	ll       *list.List
	items    map[cid.Cid]*list.Element
}

type memEntry struct {
	c    cid.Cid
	data []byte
}

func NewMemoryCache(maxBytes uint64) *MemoryCache {
	return &MemoryCache{
		maxBytes: maxBytes,
		ll:       list.New(),
		items:    map[cid.Cid]*list.Element{},
	}
}

// Get returns the object bytes (sliced to the range if one is given)
// and marks the entry most recently used.
func (m *MemoryCache) Get(c cid.Cid, br *retriever.ByteRange) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[c]
	if !ok {
		return nil, false
	}
	m.ll.MoveToFront(el)
	data := el.Value.(*memEntry).data

	if br == nil {
		return data, true
	}
	if br.Start >= uint64(len(data)) {
		// Out-of-range requests fall through; the engine raises the
		// canonical error.
		return nil, false
	}
	end := uint64(len(data)) - 1
	if br.End != nil && *br.End < end {
		end = *br.End
	}
	return data[br.Start : end+1], true
}

func (m *MemoryCache) Contains(c cid.Cid) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[c]
	return ok
}

// Put admits the object and evicts least-recently-used entries until
// the byte bound holds again.
func (m *MemoryCache) Put(c cid.Cid, data []byte) {
	if uint64(len(data)) > m.maxBytes {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[c]; ok {
		m.ll.MoveToFront(el)
		return
	}

	m.items[c] = m.ll.PushFront(&memEntry{c: c, data: data})
	m.size += uint64(len(data))

	for m.size > m.maxBytes {
		back := m.ll.Back()
		if back == nil {
			break
		}
		entry := back.Value.(*memEntry)
		m.ll.Remove(back)
		delete(m.items, entry.c)
		m.size -= uint64(len(entry.data))
	}
}

// Bytes reports the current total size, for tests and status endpoints.
func (m *MemoryCache) Bytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

func (m *MemoryCache) MaxBytes() uint64 { return m.maxBytes }
