package kv

// Store is the server's key-value map. It is not safe for concurrent use;
// Server guards it with its lock.
type Store struct {
	m map[string]string
}

// NewStore returns an empty store
func NewStore() *Store {
	return &Store{m: make(map[string]string)}
}

// Get returns the value stored under key
func (s *Store) Get(key string) (string, bool) {
	v, ok := s.m[key]
	return v, ok
}

// Set inserts or overwrites key
func (s *Store) Set(key, value string) {
	s.m[key] = value
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) {
	delete(s.m, key)
}

// Len returns the number of stored keys
func (s *Store) Len() int {
	return len(s.m)
}

// Apply executes op and returns the Get reply. Set and Delete reply with an
// empty string.
func (s *Store) Apply(op Op) string {
	switch op.Kind {
	case OpSet:
		s.Set(op.Key, op.Value)
	case OpDelete:
		s.Delete(op.Key)
	case OpGet:
		if v, ok := s.Get(op.Key); ok {
			return v
		}
		return NotFound
	}
	return ""
}
