package cachestore

import (
	"sort"
	"sync"
)

// MemoryStorage is a process-local Storage, used when no cache path is set.
type MemoryStorage struct {
	mu     sync.RWMutex
	stores map[string]*memoryCache
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{stores: make(map[string]*memoryCache)}
}

func (s *MemoryStorage) Open(name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.stores[name]
	if !ok {
		c = &memoryCache{name: name, entries: make(map[string]Entry)}
		s.stores[name] = c
	}
	return c, nil
}

func (s *MemoryStorage) Has(name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stores[name]
	return ok, nil
}

func (s *MemoryStorage) Names() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStorage) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.stores[name]
	delete(s.stores, name)
	return ok, nil
}

func (s *MemoryStorage) Match(method, url string) (*Entry, error) {
	names, _ := s.Names()
	for _, name := range names {
		s.mu.RLock()
		c := s.stores[name]
		s.mu.RUnlock()
		if c == nil {
			continue
		}
		if e, err := c.Match(method, url); err == nil {
			return e, nil
		}
	}
	return nil, ErrMiss
}

type memoryCache struct {
	name    string
	mu      sync.RWMutex
	entries map[string]Entry
}

func (c *memoryCache) Name() string {
	return c.name
}

func (c *memoryCache) Match(method, url string) (*Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[string(Key(method, url))]
	if !ok {
		return nil, ErrMiss
	}
	return copyEntry(e), nil
}

func (c *memoryCache) Put(e *Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[string(Key(e.Method, e.URL))] = *copyEntry(*e)
	return nil
}

func (c *memoryCache) Delete(method, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, string(Key(method, url)))
	return nil
}

func (c *memoryCache) Entries() ([]Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *copyEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func copyEntry(e Entry) *Entry {
	e.Header = e.Header.Clone()
	e.Body = append([]byte(nil), e.Body...)
	return &e
}
