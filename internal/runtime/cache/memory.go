package cache

import (
	"container/list"
	"context"
	"sort"
	"sync"
)

type memoryStorage struct {
	mu     sync.RWMutex
	stores map[string]*memoryStore
}

type memoryStore struct {
	name  string
	owner *memoryStorage

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type memoryEntry struct {
	key  string
	resp *Response
}

// NewMemory returns a process-local Storage. Entries do not survive a restart.
func NewMemory() Storage {
	return &memoryStorage{stores: make(map[string]*memoryStore)}
}

func (m *memoryStorage) Open(_ context.Context, name string) (Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stores[name]; ok {
		return s, nil
	}
	s := &memoryStore{
		name:    name,
		owner:   m,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
	m.stores[name] = s
	return s, nil
}

func (m *memoryStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[name]; !ok {
		return false, nil
	}
	delete(m.stores, name)
	return true, nil
}

func (m *memoryStorage) Names(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *memoryStorage) Close(context.Context) error {
	return nil
}

func (m *memoryStorage) live(s *memoryStore) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stores[s.name] == s
}

func (s *memoryStore) Name() string { return s.name }

func (s *memoryStore) Get(_ context.Context, key string) (*Response, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return el.Value.(*memoryEntry).resp.Clone(), true, nil
}

func (s *memoryStore) Put(_ context.Context, key string, resp *Response) error {
	if !s.owner.live(s) {
		return ErrStoreGone
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		s.order.Remove(el)
	}
	s.entries[key] = s.order.PushBack(&memoryEntry{key: key, resp: resp.Clone()})
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	s.order.Remove(el)
	delete(s.entries, key)
	return true, nil
}

func (s *memoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*memoryEntry).key)
	}
	return keys, nil
}
