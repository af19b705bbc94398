// Package store persists per-worker difficulty policy and the difficulty of
// record for each worker.
package store

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record is the stored state of one worker.
type Record struct {
	// VardiffEnabled is false for workers pinned to a fixed difficulty.
	VardiffEnabled bool `cbor:"1,keyasint"`
	// Difficulty is the last difficulty assigned to the worker.
	Difficulty float64 `cbor:"2,keyasint"`
	// UpdatedAt is the unix time of the last write.
	UpdatedAt int64 `cbor:"3,keyasint"`
}

// defaultRecord is returned for workers the store has never seen.
var defaultRecord = Record{VardiffEnabled: true}

// Store persists worker records.
type Store interface {
	// Worker returns the record for name and whether one was stored.
	Worker(name string) (Record, bool, error)
	// SetWorkerPolicy sets whether vardiff applies to name and its difficulty.
	SetWorkerPolicy(name string, vardiffEnabled bool, difficulty float64) error
	// UpdateWorkerDifficulty records difficulty for name, creating the worker
	// with vardiff enabled if needed.
	UpdateWorkerDifficulty(name string, difficulty float64) error
	// ClearAllWorkerDifficulties resets every stored difficulty to zero.
	ClearAllWorkerDifficulties() error
	// Count returns the number of stored workers.
	Count() int
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
)

// Open opens the store for backend at path.
func Open(backend, path string, logger *zap.Logger) (Store, error) {
	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendBolt, "":
		return NewBoltStore(path, logger)
	case BackendSQLite:
		return NewSQLiteStore(path, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu      sync.RWMutex
	workers map[string]Record
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workers: make(map[string]Record),
	}
}

func (s *MemoryStore) Worker(name string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.workers[name]
	if !ok {
		return defaultRecord, false, nil
	}
	return rec, true, nil
}

func (s *MemoryStore) SetWorkerPolicy(name string, vardiffEnabled bool, difficulty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[name] = Record{
		VardiffEnabled: vardiffEnabled,
		Difficulty:     difficulty,
		UpdatedAt:      time.Now().Unix(),
	}
	return nil
}

func (s *MemoryStore) UpdateWorkerDifficulty(name string, difficulty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.workers[name]
	if !ok {
		rec = defaultRecord
	}
	rec.Difficulty = difficulty
	rec.UpdatedAt = time.Now().Unix()
	s.workers[name] = rec
	return nil
}

func (s *MemoryStore) ClearAllWorkerDifficulties() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, rec := range s.workers {
		rec.Difficulty = 0
		s.workers[name] = rec
	}
	return nil
}

func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workers)
}

func (s *MemoryStore) Close() error { return nil }
