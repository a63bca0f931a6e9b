package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process LRU store with per-entry TTL. It is the
// default backend when no Redis is configured.
type MemoryStore struct {
	mu         sync.Mutex
	maxEntries int
	items      map[string]*list.Element
	lruList    *list.List
	now        func() time.Time
}

// NewMemoryStore creates a memory store holding at most maxEntries
// values.
func NewMemoryStore(maxEntries int) *MemoryStore {
	return &MemoryStore{
		maxEntries: maxEntries,
		items:      make(map[string]*list.Element),
		lruList:    list.New(),
		now:        time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return nil, ErrMiss
	}

	ent := elem.Value.(*entry)
	if s.now().After(ent.expiresAt) {
		delete(s.items, key)
		s.lruList.Remove(elem)
		return nil, ErrMiss
	}

	s.lruList.MoveToFront(elem)
	return ent.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := s.now().Add(ttl)

	if elem, ok := s.items[key]; ok {
		ent := elem.Value.(*entry)
		ent.value = value
		ent.expiresAt = expiresAt
		s.lruList.MoveToFront(elem)
		return nil
	}

	if s.lruList.Len() >= s.maxEntries {
		oldest := s.lruList.Back()
		if oldest != nil {
			delete(s.items, oldest.Value.(*entry).key)
			s.lruList.Remove(oldest)
		}
	}

	ent := &entry{key: key, value: value, expiresAt: expiresAt}
	s.items[key] = s.lruList.PushFront(ent)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*list.Element)
	s.lruList = list.New()
	return nil
}
