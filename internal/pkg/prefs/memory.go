package prefs

import "sync"

// MemoryStore keeps preferences in memory. It has the same atomic Apply
// semantics as BoltStore and is meant for tests and dry runs.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]value
	closed bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store that lives as long as the process.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]value)}
}

func (s *MemoryStore) String(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", false, ErrClosed
	}

	v, ok := s.values[key]
	if !ok {
		return "", false, nil
	}

	str, err := v.asString()
	if err != nil {
		return "", false, err
	}
	return str, true, nil
}

func (s *MemoryStore) Bool(key string, def bool) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return def, ErrClosed
	}

	v, ok := s.values[key]
	if !ok {
		return def, nil
	}
	return v.asBool()
}

func (s *MemoryStore) Edit() Editor {
	return newBatch(s.commit)
}

func (s *MemoryStore) commit(ops []op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	for _, o := range ops {
		switch o.kind {
		case opPut:
			s.values[o.key] = o.value
		case opRemove:
			delete(s.values, o.key)
		}
	}
	return nil
}

// Snapshot returns a copy of every stored value, keyed by name.
func (s *MemoryStore) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		switch v.Type {
		case typeString:
			out[k] = v.String
		case typeBool:
			out[k] = v.Bool
		}
	}
	return out
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
