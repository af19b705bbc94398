package vardiff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Karpatsky/TidePool/internal/work"

	"go.uber.org/zap"
)

var errFake = errors.New("fake failure")

type policy struct {
	enabled    bool
	difficulty float64
}

type fakeRegistry struct {
	mu          sync.Mutex
	policies    map[string]policy
	policyCalls int
	policyErr   error
	registerErr error
	registered  []string
	nextID      int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{policies: make(map[string]policy)}
}

func (r *fakeRegistry) DifficultyPolicy(name string) (bool, float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policyCalls++
	if r.policyErr != nil {
		return false, 0, r.policyErr
	}
	p, ok := r.policies[name]
	if !ok {
		return true, 0, nil
	}
	return p.enabled, p.difficulty, nil
}

func (r *fakeRegistry) RegisterWork(name, jobID string, difficulty float64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registerErr != nil {
		return "", r.registerErr
	}
	r.nextID++
	id := fmt.Sprintf("%08x", r.nextID)
	r.registered = append(r.registered, id)
	return id, nil
}

type fakeJobs struct {
	job *work.Job
	err error
}

func (j *fakeJobs) LastBroadcast() (*work.Job, error) {
	if j.err != nil {
		return nil, j.err
	}
	return j.job, nil
}

type fakeStore struct {
	mu        sync.Mutex
	diffs     map[string]float64
	cleared   bool
	updateErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{diffs: make(map[string]float64)}
}

func (s *fakeStore) ClearAllWorkerDifficulties() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = true
	s.diffs = make(map[string]float64)
	return nil
}

func (s *fakeStore) UpdateWorkerDifficulty(name string, diff float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	s.diffs[name] = diff
	return nil
}

func (s *fakeStore) get(name string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.diffs[name]
	return d, ok
}

type fakeDaemon struct {
	diff  float64
	err   error
	calls atomic.Int32
}

func (d *fakeDaemon) GetNetworkDifficulty(ctx context.Context) (float64, error) {
	d.calls.Add(1)
	if d.err != nil {
		return 0, d.err
	}
	return d.diff, nil
}

type sentJob struct {
	workID string
	jobID  string
	clean  bool
}

type fakeSession struct {
	difficulty     float64
	prevDifficulty float64
	prevJobID      string
	sentDiffs      []float64
	sentJobs       []sentJob
	sendErr        error

	// When set, SetDifficulty signals entered and waits for release.
	entered chan struct{}
	release chan struct{}
}

func newFakeSession(diff float64) *fakeSession {
	return &fakeSession{difficulty: diff}
}

func (s *fakeSession) Difficulty() float64 { return s.difficulty }

func (s *fakeSession) UpdateDifficulty(diff float64, prevJobID string) {
	s.prevDifficulty = s.difficulty
	s.prevJobID = prevJobID
	s.difficulty = diff
}

func (s *fakeSession) SetDifficulty(diff float64) error {
	if s.release != nil {
		s.entered <- struct{}{}
		<-s.release
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sentDiffs = append(s.sentDiffs, diff)
	return nil
}

func (s *fakeSession) NotifyNewJob(workID string, job *work.Job, clean bool) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sentJobs = append(s.sentJobs, sentJob{workID: workID, jobID: job.ID, clean: clean})
	return nil
}

type testEnv struct {
	ctrl     *Controller
	registry *fakeRegistry
	jobs     *fakeJobs
	store    *fakeStore
	daemon   *fakeDaemon
}

func testConfig() Config {
	return Config{
		TargetTime:      15 * time.Second,
		RetargetTime:    60 * time.Second,
		VariancePercent: 30,
		MinChange:       1,
		MinDifficulty:   16,
		MaxDifficulty:   1000000,
		DoubleStep:      true,
		NetworkRefresh:  time.Hour,
		StaleWindow:     10 * time.Minute,
	}
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	env := &testEnv{
		registry: newFakeRegistry(),
		jobs:     &fakeJobs{job: &work.Job{ID: "job1", PrevHash: "00", CleanJobs: true}},
		store:    newFakeStore(),
		daemon:   &fakeDaemon{diff: 1500},
	}
	ctrl, err := New(cfg, Deps{
		Workers: env.registry,
		Jobs:    env.jobs,
		Store:   env.store,
		Daemon:  env.daemon,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	env.ctrl = ctrl
	return env
}

// submitEvery submits count shares spaced gap apart starting at start and
// returns the time of the last submission.
func (e *testEnv) submitEvery(worker string, sess *fakeSession, start time.Time, gap time.Duration, count int) time.Time {
	ts := start
	for i := 0; i < count; i++ {
		ts = start.Add(time.Duration(i) * gap)
		e.ctrl.Submit(worker, "job1", sess.Difficulty(), ts, sess)
	}
	return ts
}
