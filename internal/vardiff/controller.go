// Package vardiff retargets each worker's share difficulty so that shares
// arrive at a configured cadence.
package vardiff

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Karpatsky/TidePool/internal/metrics"

	"github.com/hako/durafmt"
	"go.uber.org/zap"
)

// Deps are the collaborators the controller drives.
type Deps struct {
	Workers WorkerRegistry
	Jobs    JobTemplates
	Store   DifficultyStore
	// Daemon is required when Config.BoundByNetwork is set.
	Daemon MiningDaemon
}

// Controller owns the vardiff state of every worker.
//
// Submit is expected to be called from a single goroutine in submission
// order; the internal lock only makes snapshots and sweeps from other
// goroutines safe. Session I/O happens outside the lock.
type Controller struct {
	cfg    Config
	logger *zap.Logger

	workers WorkerRegistry
	jobs    JobTemplates
	store   DifficultyStore
	netDiff *NetworkDifficulty

	target     float64 // seconds
	variance   float64 // seconds
	tmin       float64
	tmax       float64
	bufferSize int

	mu     sync.Mutex
	states map[string]*WorkerState
}

// New creates a controller. Unless external difficulties are allowed, all
// stored worker difficulties are cleared first.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid vardiff config: %w", err)
	}
	if deps.Workers == nil || deps.Jobs == nil || deps.Store == nil {
		return nil, errors.New("vardiff: workers, jobs and store are required")
	}

	target := cfg.TargetTime.Seconds()
	variance := target * cfg.VariancePercent / 100
	c := &Controller{
		cfg:        cfg,
		logger:     logger,
		workers:    deps.Workers,
		jobs:       deps.Jobs,
		store:      deps.Store,
		target:     target,
		variance:   variance,
		tmin:       target - variance,
		tmax:       target + variance,
		bufferSize: int(math.Round(cfg.RetargetTime.Seconds()/target)) * 4,
		states:     make(map[string]*WorkerState),
	}

	if cfg.BoundByNetwork {
		if deps.Daemon == nil {
			return nil, errors.New("vardiff: daemon is required when bounding by network difficulty")
		}
		c.netDiff = NewNetworkDifficulty(deps.Daemon, cfg.NetworkRefresh, logger)
	}

	if !cfg.AllowExternalDifficulty {
		if err := c.store.ClearAllWorkerDifficulties(); err != nil {
			return nil, fmt.Errorf("clear worker difficulties: %w", err)
		}
	}

	logger.Info("vardiff configured",
		zap.Float64("target_secs", c.target),
		zap.Float64("tolerance_min", c.tmin),
		zap.Float64("tolerance_max", c.tmax),
		zap.Int("buffer_size", c.bufferSize),
		zap.String("retarget", durafmt.Parse(cfg.RetargetTime).String()),
		zap.Bool("double_step", cfg.DoubleStep),
		zap.Bool("bound_by_network", cfg.BoundByNetwork),
	)

	return c, nil
}

// Submit records an accepted share from workerName at timestamp and retargets
// the worker's difficulty through sess when its average share interval has
// left the tolerance band.
//
// The controller lock is not held while sess is notified.
func (c *Controller) Submit(workerName, jobID string, currentDifficulty float64, timestamp time.Time, sess Session) {
	change, ok := c.evaluate(workerName, jobID, currentDifficulty, timestamp)
	if !ok {
		return
	}
	if err := c.apply(sess, change.difficulty, workerName, change.forceNewJob); err != nil {
		c.logger.Error("retarget not applied",
			zap.String("worker", workerName),
			zap.Float64("difficulty", change.difficulty),
			zap.Error(err),
		)
		return
	}
	if change.direction != "" {
		metrics.Retargets.WithLabelValues(change.direction).Inc()
	}
}

// difficultyChange is a decision reached under the controller lock and
// carried out after releasing it.
type difficultyChange struct {
	difficulty  float64
	forceNewJob bool
	direction   string // "up" or "down"; empty for a pinned difficulty
}

func (c *Controller) evaluate(workerName, jobID string, currentDifficulty float64, timestamp time.Time) (difficultyChange, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[workerName]
	if !ok || st.staleAt(timestamp, c.cfg.StaleWindow) {
		return c.initWorker(workerName, currentDifficulty, timestamp)
	}

	st.record(timestamp)

	if !st.vardiffEnabled {
		return difficultyChange{}, false
	}

	if timestamp.Sub(st.lastRetargetCheck) < c.cfg.RetargetTime && st.buffer.Size() > 0 {
		return difficultyChange{}, false
	}

	st.markChecked(timestamp)
	metrics.RetargetChecks.Inc()

	avg, err := st.buffer.Average()
	if err != nil {
		c.logger.Error("skipping retarget", zap.String("worker", workerName), zap.Error(err))
		return difficultyChange{}, false
	}

	c.logger.Info("checking retarget",
		zap.String("worker", workerName),
		zap.String("job", jobID),
		zap.Float64("difficulty", currentDifficulty),
		zap.Float64("avg", avg),
		zap.Float64("target", c.target),
		zap.Float64("variance", c.variance),
	)

	if currentDifficulty <= 0 {
		c.logger.Warn("skipping retarget for non-positive difficulty",
			zap.String("worker", workerName),
			zap.Float64("difficulty", currentDifficulty),
		)
		return difficultyChange{}, false
	}

	if avg < 1 {
		c.logger.Debug("clamping average interval to 1s", zap.String("worker", workerName), zap.Float64("avg", avg))
		avg = 1
	}

	newDiff, retarget := c.nextDifficulty(currentDifficulty, avg, timestamp)
	if !retarget {
		return difficultyChange{}, false
	}

	direction := "down"
	if newDiff > currentDifficulty {
		direction = "up"
	}
	c.logger.Info("retargeting worker",
		zap.String("worker", workerName),
		zap.String("direction", direction),
		zap.Float64("old", currentDifficulty),
		zap.Float64("new", newDiff),
	)
	return difficultyChange{difficulty: newDiff, direction: direction}, true
}

// initWorker (re)creates the state for a worker. No retarget is evaluated on
// the submission that creates it. A worker pinned to a stored difficulty
// other than currentDifficulty is moved onto it.
func (c *Controller) initWorker(workerName string, currentDifficulty float64, now time.Time) (difficultyChange, bool) {
	enabled, dbDiff, err := c.workers.DifficultyPolicy(workerName)
	if err != nil {
		c.logger.Error("load worker difficulty policy",
			zap.String("worker", workerName),
			zap.Error(err),
		)
		return difficultyChange{}, false
	}

	c.logger.Info("initializing worker vardiff",
		zap.String("worker", workerName),
		zap.Float64("db_difficulty", dbDiff),
		zap.Float64("current_difficulty", currentDifficulty),
		zap.Bool("vardiff", enabled),
	)

	c.states[workerName] = newWorkerState(now, c.cfg.RetargetTime, c.bufferSize, enabled, dbDiff)
	metrics.TrackedWorkers.Set(float64(len(c.states)))

	if !enabled && dbDiff > 0 && dbDiff != currentDifficulty {
		c.logger.Info("applying pinned difficulty",
			zap.String("worker", workerName),
			zap.Float64("difficulty", dbDiff),
		)
		return difficultyChange{difficulty: dbDiff, forceNewJob: true}, true
	}

	if err := c.store.UpdateWorkerDifficulty(workerName, currentDifficulty); err != nil {
		metrics.ApplyFailures.WithLabelValues("persist").Inc()
		c.logger.Warn("persist worker difficulty", zap.String("worker", workerName), zap.Error(err))
	}
	return difficultyChange{}, false
}

// nextDifficulty returns the difficulty a worker at cur averaging avg seconds
// per share should move to. It returns false when avg is inside the tolerance
// band.
func (c *Controller) nextDifficulty(cur, avg float64, now time.Time) (float64, bool) {
	ddiff := cur*(c.target/avg) - cur
	if !c.cfg.FloatStep {
		ddiff = math.Trunc(ddiff)
	}

	switch {
	case avg > c.tmax:
		if c.cfg.DoubleStep {
			ddiff = 0.5
			if ddiff*cur < c.cfg.MinDifficulty {
				ddiff = c.cfg.MinDifficulty / cur
			}
			return cur * ddiff, true
		}
		if ddiff > -c.cfg.MinChange {
			ddiff = -c.cfg.MinChange
		}
		if ddiff+cur < c.cfg.MinDifficulty {
			ddiff = c.cfg.MinDifficulty - cur
		}
		return cur + ddiff, true

	case avg < c.tmin:
		ceiling := c.ceiling(now)
		if c.cfg.DoubleStep {
			ddiff = 2
			if ddiff*cur > ceiling {
				ddiff = ceiling / cur
			}
			return cur * ddiff, true
		}
		if ddiff < c.cfg.MinChange {
			ddiff = c.cfg.MinChange
		}
		if ddiff+cur > ceiling {
			ddiff = ceiling - cur
		}
		return cur + ddiff, true
	}

	return cur, false
}

// ceiling is the highest difficulty a retarget may assign.
func (c *Controller) ceiling(now time.Time) float64 {
	if c.netDiff == nil {
		return c.cfg.MaxDifficulty
	}
	c.netDiff.Refresh(now)
	if net, ok := c.netDiff.Value(); ok && net < c.cfg.MaxDifficulty {
		return net
	}
	return c.cfg.MaxDifficulty
}

// RefreshExternalDifficulty starts a background refresh of the network
// difficulty if the cached value is missing or stale. It is a no-op when
// retargets are not bounded by the network difficulty.
func (c *Controller) RefreshExternalDifficulty(now time.Time) {
	if c.netDiff != nil {
		c.netDiff.Refresh(now)
	}
}

// NetworkDifficulty returns the cached network difficulty, if any.
func (c *Controller) NetworkDifficulty() (float64, bool) {
	if c.netDiff == nil {
		return 0, false
	}
	return c.netDiff.Value()
}

// ApplyDifficulty assigns newDifficulty to the worker on sess: it sends
// mining.set_difficulty followed by a fresh job and persists the value.
//
// Failing to fetch the job or register work aborts before anything changes.
// Notification and persistence failures are logged and do not undo the change.
func (c *Controller) ApplyDifficulty(sess Session, newDifficulty float64, workerName string, forceNewJob bool) error {
	return c.apply(sess, newDifficulty, workerName, forceNewJob)
}

func (c *Controller) apply(sess Session, newDiff float64, workerName string, forceNewJob bool) error {
	job, err := c.jobs.LastBroadcast()
	if err != nil {
		metrics.ApplyFailures.WithLabelValues("template").Inc()
		return fmt.Errorf("last broadcast job: %w", err)
	}
	workID, err := c.workers.RegisterWork(workerName, job.ID, newDiff)
	if err != nil {
		metrics.ApplyFailures.WithLabelValues("register").Inc()
		return fmt.Errorf("register work: %w", err)
	}

	c.logger.Info("setting worker difficulty",
		zap.String("worker", workerName),
		zap.Float64("difficulty", newDiff),
		zap.String("work_id", workID),
	)

	c.mu.Lock()
	if st, ok := c.states[workerName]; ok {
		st.buffer.Clear()
	}
	c.mu.Unlock()

	sess.UpdateDifficulty(newDiff, job.ID)
	if err := sess.SetDifficulty(newDiff); err != nil {
		metrics.ApplyFailures.WithLabelValues("notify").Inc()
		c.logger.Warn("send difficulty", zap.String("worker", workerName), zap.Error(err))
	} else {
		c.logger.Debug("notified of new difficulty", zap.String("worker", workerName))
	}
	if err := sess.NotifyNewJob(workID, job, forceNewJob); err != nil {
		metrics.ApplyFailures.WithLabelValues("notify").Inc()
		c.logger.Warn("send new work", zap.String("worker", workerName), zap.Error(err))
	} else {
		c.logger.Debug("sent new work", zap.String("worker", workerName), zap.String("work_id", workID))
	}

	if err := c.store.UpdateWorkerDifficulty(workerName, newDiff); err != nil {
		metrics.ApplyFailures.WithLabelValues("persist").Inc()
		c.logger.Warn("persist worker difficulty",
			zap.String("worker", workerName),
			zap.Float64("difficulty", newDiff),
			zap.Error(err),
		)
	}
	return nil
}

// Clamp bounds diff to the configured difficulty range.
func (c *Controller) Clamp(diff float64) float64 {
	return math.Min(math.Max(diff, c.cfg.MinDifficulty), c.cfg.MaxDifficulty)
}

// Sweep drops the state of workers idle for longer than the stale window.
// Such a worker would be reinitialized on its next share regardless.
func (c *Controller) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for name, st := range c.states {
		if st.staleAt(now, c.cfg.StaleWindow) {
			delete(c.states, name)
			removed++
		}
	}
	metrics.TrackedWorkers.Set(float64(len(c.states)))

	if removed > 0 {
		c.logger.Info("evicted idle workers",
			zap.Int("count", removed),
			zap.Int("remaining", len(c.states)),
			zap.String("idle_for", durafmt.Parse(c.cfg.StaleWindow).LimitFirstN(2).String()),
		)
	}
	return removed
}

// Forget drops the state of workerName so its next share reloads the
// worker's difficulty policy. It reports whether the worker was tracked.
func (c *Controller) Forget(workerName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.states[workerName]
	delete(c.states, workerName)
	metrics.TrackedWorkers.Set(float64(len(c.states)))
	return ok
}

// Snapshot returns the state of every tracked worker ordered by name.
func (c *Controller) Snapshot() []WorkerSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]WorkerSnapshot, 0, len(c.states))
	for name, st := range c.states {
		out = append(out, st.snapshot(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// WorkerCount returns the number of tracked workers.
func (c *Controller) WorkerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.states)
}

// Close waits for any in-flight network difficulty refresh.
func (c *Controller) Close() {
	if c.netDiff != nil {
		c.netDiff.Wait()
	}
}
