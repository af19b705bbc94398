package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var bucketWorkers = []byte("workers")

// BoltStore is a write-through persistent Store backed by bbolt.
// All reads come from memory; writes go to both memory and disk.
type BoltStore struct {
	mu      sync.RWMutex
	db      *bbolt.DB
	workers map[string]Record
	logger  *zap.Logger
}

// NewBoltStore opens (or creates) a bbolt database at path and loads all
// worker records into memory.
func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketWorkers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &BoltStore{
		db:      db,
		workers: make(map[string]Record),
		logger:  logger,
	}

	err = db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(k, v []byte) error {
			var rec Record
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode worker %q: %w", k, err)
			}
			s.workers[string(k)] = rec
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load workers: %w", err)
	}

	logger.Info("worker store loaded from disk",
		zap.String("path", path),
		zap.Int("workers_loaded", len(s.workers)),
	)

	return s, nil
}

func (s *BoltStore) Worker(name string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.workers[name]
	if !ok {
		return defaultRecord, false, nil
	}
	return rec, true, nil
}

func (s *BoltStore) SetWorkerPolicy(name string, vardiffEnabled bool, difficulty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(name, Record{
		VardiffEnabled: vardiffEnabled,
		Difficulty:     difficulty,
		UpdatedAt:      time.Now().Unix(),
	})
}

func (s *BoltStore) UpdateWorkerDifficulty(name string, difficulty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.workers[name]
	if !ok {
		rec = defaultRecord
	}
	rec.Difficulty = difficulty
	rec.UpdatedAt = time.Now().Unix()
	return s.putLocked(name, rec)
}

func (s *BoltStore) putLocked(name string, rec Record) error {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode worker: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkers).Put([]byte(name), data)
	})
	if err != nil {
		return fmt.Errorf("persist worker %q: %w", name, err)
	}
	s.workers[name] = rec
	return nil
}

// ClearAllWorkerDifficulties resets every difficulty in a single transaction.
func (s *BoltStore) ClearAllWorkerDifficulties() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := make(map[string]Record, len(s.workers))
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		for name, rec := range s.workers {
			rec.Difficulty = 0
			data, err := cbor.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(name), data); err != nil {
				return err
			}
			cleared[name] = rec
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear worker difficulties: %w", err)
	}
	s.workers = cleared
	s.logger.Info("cleared stored worker difficulties", zap.Int("workers", len(cleared)))
	return nil
}

func (s *BoltStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workers)
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
