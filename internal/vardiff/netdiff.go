package vardiff

import (
	"context"
	"sync"
	"time"

	"github.com/Karpatsky/TidePool/internal/metrics"

	"go.uber.org/zap"
)

// networkRefreshTimeout bounds a single getdifficulty call.
const networkRefreshTimeout = 30 * time.Second

// NetworkDifficulty caches the coin daemon's network difficulty. Readers never
// wait on the daemon: a stale cache starts a background refresh and the last
// known value keeps being served until it lands.
type NetworkDifficulty struct {
	daemon   MiningDaemon
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	fetchedAt time.Time
	value     float64
	valid     bool

	inflight sync.WaitGroup
}

// NewNetworkDifficulty creates a cache refreshed at most once per interval.
func NewNetworkDifficulty(daemon MiningDaemon, interval time.Duration, logger *zap.Logger) *NetworkDifficulty {
	return &NetworkDifficulty{
		daemon:   daemon,
		interval: interval,
		timeout:  networkRefreshTimeout,
		logger:   logger,
	}
}

// Refresh starts a background fetch if the cache is empty or older than the
// refresh interval at now. It reports whether a fetch was started.
//
// The refresh time is claimed before the fetch; after a failure the next
// attempt waits for the interval to elapse again.
func (n *NetworkDifficulty) Refresh(now time.Time) bool {
	n.mu.Lock()
	if !n.fetchedAt.IsZero() && !n.fetchedAt.Before(now.Add(-n.interval)) {
		n.mu.Unlock()
		return false
	}
	n.fetchedAt = now
	n.mu.Unlock()

	n.inflight.Add(1)
	go func() {
		defer n.inflight.Done()
		n.fetch()
	}()
	return true
}

func (n *NetworkDifficulty) fetch() {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	diff, err := n.daemon.GetNetworkDifficulty(ctx)
	if err == nil && diff <= 0 {
		err = errInvalidNetworkDifficulty
	}
	if err != nil {
		metrics.NetworkRefreshFailures.Inc()
		cached, ok := n.Value()
		n.logger.Warn("network difficulty refresh failed, keeping cached value",
			zap.Error(err),
			zap.Float64("cached", cached),
			zap.Bool("have_cached", ok),
		)
		return
	}

	n.mu.Lock()
	n.value = diff
	n.valid = true
	n.mu.Unlock()

	metrics.NetworkDifficulty.Set(diff)
	n.logger.Debug("updated network difficulty", zap.Float64("difficulty", diff))
}

// Value returns the last fetched difficulty and whether one is available.
func (n *NetworkDifficulty) Value() (float64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.value, n.valid
}

// Wait blocks until in-flight refreshes finish.
func (n *NetworkDifficulty) Wait() {
	n.inflight.Wait()
}
