package synapse

import (
	"errors"
	"fmt"
	"sync"
)

var ErrKVQuota = errors.New("kv namespace quota exceeded")

// MemKVStore is an in-memory domain.KVStore. Namespaces are the scopes of
// kv capabilities, so a tool only reaches the namespaces it was granted.
type MemKVStore struct {
	mu       sync.RWMutex
	data     map[string]map[string][]byte // namespace -> key -> value
	maxBytes int                          // per namespace, 0 = unlimited
	used     map[string]int
}

func NewMemKVStore(maxBytesPerNamespace int) *MemKVStore {
	return &MemKVStore{
		data:     make(map[string]map[string][]byte),
		maxBytes: maxBytesPerNamespace,
		used:     make(map[string]int),
	}
}

// Set stores a copy of value. A nil value deletes the key.
func (s *MemKVStore) Set(namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, exists := s.data[namespace]
	if !exists {
		ns = make(map[string][]byte)
		s.data[namespace] = ns
	}
	old, had := ns[key]
	delta := len(value) - len(old)
	if !had {
		delta += len(key)
	}
	if value == nil {
		if had {
			delete(ns, key)
			s.used[namespace] -= len(old) + len(key)
		}
		return nil
	}
	if s.maxBytes > 0 && s.used[namespace]+delta > s.maxBytes {
		return fmt.Errorf("%w: %s", ErrKVQuota, namespace)
	}

	cp := make([]byte, len(value))
	copy(cp, value)
	ns[key] = cp
	s.used[namespace] += delta
	return nil
}

// Get returns a copy of the stored value.
func (s *MemKVStore) Get(namespace, key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	val, exists := s.data[namespace][key]
	if !exists {
		return nil, false
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	return cp, true
}
