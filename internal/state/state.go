package state

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Store abstracts the durable local key-value backend that session data is
// mirrored to. Values are opaque bytes; callers own the encoding.
type Store interface {
	Get(key string) (val []byte, ok bool, err error)
	Set(key string, val []byte) error
	Delete(key string) error
	// Range visits every key starting with prefix in ascending key order.
	Range(prefix string, fn func(key string, val []byte) error) error
	// LoadAll replaces every key under prefix with the provided entries
	// (used by restore). Keys in all are absolute.
	LoadAll(prefix string, all map[string][]byte) error
	Close() error
}

// InMemoryStore is a simple thread-safe map store.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string][]byte)}
}

func (s *InMemoryStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *InMemoryStore) Set(key string, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), val...)
	return nil
}

func (s *InMemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *InMemoryStore) Range(prefix string, fn func(key string, val []byte) error) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		vals[i] = append([]byte(nil), s.data[k]...)
	}
	s.mu.RUnlock()

	// Callbacks run without the lock so they may write back into the store.
	for i, k := range keys {
		if err := fn(k, vals[i]); err != nil {
			return fmt.Errorf("range callback failed: %w", err)
		}
	}
	return nil
}

func (s *InMemoryStore) LoadAll(prefix string, all map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
		}
	}
	for k, v := range all {
		s.data[k] = append([]byte(nil), v...)
	}
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

// Scoped returns a view of st whose keys are transparently prefixed. Closing
// the view does not close st.
func Scoped(st Store, prefix string) Store {
	return &scopedStore{st: st, prefix: prefix}
}

type scopedStore struct {
	st     Store
	prefix string
}

func (s *scopedStore) Get(key string) ([]byte, bool, error) { return s.st.Get(s.prefix + key) }
func (s *scopedStore) Set(key string, val []byte) error     { return s.st.Set(s.prefix+key, val) }
func (s *scopedStore) Delete(key string) error              { return s.st.Delete(s.prefix + key) }

func (s *scopedStore) Range(prefix string, fn func(key string, val []byte) error) error {
	return s.st.Range(s.prefix+prefix, func(key string, val []byte) error {
		return fn(strings.TrimPrefix(key, s.prefix), val)
	})
}

func (s *scopedStore) LoadAll(prefix string, all map[string][]byte) error {
	abs := make(map[string][]byte, len(all))
	for k, v := range all {
		abs[s.prefix+k] = v
	}
	return s.st.LoadAll(s.prefix+prefix, abs)
}

func (s *scopedStore) Close() error { return nil }

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil when no such bound exists.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
