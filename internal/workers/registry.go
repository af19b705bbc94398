// Package workers resolves worker difficulty policy and tracks the work
// identifiers handed out with difficulty changes.
package workers

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Karpatsky/TidePool/internal/store"
)

const (
	// DefaultMaxWork is the number of issued work identifiers remembered.
	DefaultMaxWork = 65536

	// WorkIDPrefix starts every issued work identifier. Broadcast job ids
	// must not use it.
	WorkIDPrefix = "vd"
)

// ErrUnknownWork is returned by Lookup for identifiers never issued or
// already forgotten.
var ErrUnknownWork = errors.New("unknown work id")

// PolicySource is the subset of store.Store the registry reads from.
type PolicySource interface {
	Worker(name string) (store.Record, bool, error)
}

// Work describes a job issued to a worker at a given difficulty.
type Work struct {
	Worker     string
	JobID      string
	Difficulty float64
	IssuedAt   time.Time
}

// Registry implements vardiff.WorkerRegistry.
type Registry struct {
	policies PolicySource
	maxWork  int

	mu     sync.Mutex
	nextID uint64
	work   map[string]Work
	order  []string // issue order, oldest first
}

// NewRegistry creates a registry remembering up to maxWork identifiers.
func NewRegistry(policies PolicySource, maxWork int) *Registry {
	if maxWork <= 0 {
		maxWork = DefaultMaxWork
	}
	return &Registry{
		policies: policies,
		maxWork:  maxWork,
		work:     make(map[string]Work),
	}
}

// DifficultyPolicy returns whether vardiff is enabled for the worker and its
// stored difficulty. Unknown workers have vardiff enabled and difficulty 0.
func (r *Registry) DifficultyPolicy(workerName string) (bool, float64, error) {
	rec, _, err := r.policies.Worker(workerName)
	if err != nil {
		return false, 0, fmt.Errorf("load policy for %q: %w", workerName, err)
	}
	return rec.VardiffEnabled, rec.Difficulty, nil
}

// RegisterWork issues a new work identifier for jobID at difficulty.
func (r *Registry) RegisterWork(workerName, jobID string, difficulty float64) (string, error) {
	if workerName == "" {
		return "", errors.New("register work: empty worker name")
	}
	if jobID == "" {
		return "", errors.New("register work: empty job id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := fmt.Sprintf("%s%08x", WorkIDPrefix, r.nextID)
	r.work[id] = Work{
		Worker:     workerName,
		JobID:      jobID,
		Difficulty: difficulty,
		IssuedAt:   time.Now(),
	}
	r.order = append(r.order, id)

	for len(r.order) > r.maxWork {
		delete(r.work, r.order[0])
		r.order = r.order[1:]
	}
	return id, nil
}

// IsWorkID reports whether id has the form of an issued work identifier.
func IsWorkID(id string) bool {
	return strings.HasPrefix(id, WorkIDPrefix)
}

// Lookup returns the work issued under id.
func (r *Registry) Lookup(id string) (Work, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.work[id]
	if !ok {
		return Work{}, fmt.Errorf("%w: %s", ErrUnknownWork, id)
	}
	return w, nil
}

// Len returns the number of remembered work identifiers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.work)
}
