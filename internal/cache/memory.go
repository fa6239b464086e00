package cache

import (
	"container/list"
	"sync"
	"time"
)

type memoryEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// Memory is a thread-safe in-memory LRU cache with TTL expiration.
type Memory[V any] struct {
	mu        sync.Mutex
	capacity  int
	ttl       time.Duration
	now       func() time.Time
	items     map[string]*list.Element
	evictList *list.List
}

// NewMemory creates an LRU cache holding at most capacity entries, each
// for ttl.
func NewMemory[V any](capacity int, ttl time.Duration) *Memory[V] {
	if capacity < 1 {
		capacity = 1
	}
	return &Memory[V]{
		capacity:  capacity,
		ttl:       ttl,
		now:       time.Now,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
	}
}

// Get returns the cached value for key, or false if missing or expired.
func (m *Memory[V]) Get(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero V
	elem, ok := m.items[key]
	if !ok {
		return zero, false
	}

	entry := elem.Value.(*memoryEntry[V])
	if m.now().After(entry.expiresAt) {
		m.removeElement(elem)
		return zero, false
	}

	m.evictList.MoveToFront(elem)
	return entry.value, true
}

// Set stores v with the configured TTL, evicting the least recently used
// entry when full.
func (m *Memory[V]) Set(key string, v V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		m.evictList.MoveToFront(elem)
		entry := elem.Value.(*memoryEntry[V])
		entry.value = v
		entry.expiresAt = m.now().Add(m.ttl)
		return
	}

	if m.evictList.Len() >= m.capacity {
		m.removeOldest()
	}

	elem := m.evictList.PushFront(&memoryEntry[V]{
		key:       key,
		value:     v,
		expiresAt: m.now().Add(m.ttl),
	})
	m.items[key] = elem
}

// Delete removes an entry from the cache.
func (m *Memory[V]) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		m.removeElement(elem)
	}
}

// Len returns the number of entries currently in the cache, expired ones
// included until they are touched.
func (m *Memory[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictList.Len()
}

// Clear removes all entries from the cache.
func (m *Memory[V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*list.Element)
	m.evictList.Init()
}

func (m *Memory[V]) removeOldest() {
	if elem := m.evictList.Back(); elem != nil {
		m.removeElement(elem)
	}
}

func (m *Memory[V]) removeElement(elem *list.Element) {
	m.evictList.Remove(elem)
	delete(m.items, elem.Value.(*memoryEntry[V]).key)
}
