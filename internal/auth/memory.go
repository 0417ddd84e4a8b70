package auth

import "sync"

// MemoryStore is an in-process Store. The backing medium is swappable so
// tests and ephemeral runs do not need the database.
type MemoryStore struct {
	mu    sync.Mutex
	cred  Credential
	held  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get() (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred, s.held, nil
}

func (s *MemoryStore) Set(c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred, s.held = c, true
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred, s.held = "", false
	return nil
}
