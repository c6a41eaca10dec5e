package storage

import (
	"sync"
)

// In memory implementation of Storage. Mostly useful for testing,
// and for running without a writable cache location.
type MemoryStorage struct {
	mu       sync.Mutex
	envelope *Envelope
	Writes   int
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) ReadEnvelope() (*Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyEnvelope(s.envelope), nil
}

func (s *MemoryStorage) WriteEnvelope(env *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelope = copyEnvelope(env)
	s.Writes++
	return nil
}

func (s *MemoryStorage) Close() error {
	return nil
}
