package contentstore

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	pinned map[string]int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs:  make(map[string][]byte),
		pinned: make(map[string]int),
	}
}

func (s *MemoryStore) Add(_ context.Context, data []byte) (string, error) {
	address := Address(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[address]; !ok {
		s.blobs[address] = bytes.Clone(data)
	}

	return address, nil
}

func (s *MemoryStore) Cat(_ context.Context, address string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.blobs[address]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
	}

	if err := Verify(address, data); err != nil {
		return nil, err
	}

	return bytes.Clone(data), nil
}

func (s *MemoryStore) Pin(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[address]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, address)
	}

	s.pinned[address]++

	return nil
}

func (s *MemoryStore) Unpin(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pinned[address] <= 1 {
		delete(s.pinned, address)
	} else {
		s.pinned[address]--
	}

	return nil
}

// Pinned reports whether address currently holds at least one pin.
func (s *MemoryStore) Pinned(address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.pinned[address] > 0
}

// Corrupt overwrites a stored blob in place. Only useful for integrity tests.
func (s *MemoryStore) Corrupt(address string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blobs[address] = bytes.Clone(data)
}
