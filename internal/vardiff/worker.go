package vardiff

import "time"

// WorkerState is the vardiff bookkeeping kept for one worker name.
type WorkerState struct {
	lastSubmit        time.Time
	lastRetargetCheck time.Time
	buffer            *RingBuffer

	// Loaded from the worker registry when the state is created.
	dbDifficulty   float64
	vardiffEnabled bool
}

func newWorkerState(now time.Time, retarget time.Duration, bufferSize int, enabled bool, dbDifficulty float64) *WorkerState {
	return &WorkerState{
		lastSubmit:        now,
		lastRetargetCheck: now.Add(-retarget / 2),
		buffer:            NewRingBuffer(bufferSize),
		dbDifficulty:      dbDifficulty,
		vardiffEnabled:    enabled,
	}
}

// record appends the interval since the previous submission. Timestamps that
// run backwards contribute a zero interval and leave lastSubmit unchanged.
func (w *WorkerState) record(now time.Time) {
	delta := now.Sub(w.lastSubmit)
	if delta < 0 {
		delta = 0
	}
	w.buffer.Append(delta.Seconds())
	if now.After(w.lastSubmit) {
		w.lastSubmit = now
	}
}

// markChecked sets the retarget check time without moving it backwards.
func (w *WorkerState) markChecked(now time.Time) {
	if now.After(w.lastRetargetCheck) {
		w.lastRetargetCheck = now
	}
}

// staleAt reports whether the last submission predates now by more than window.
func (w *WorkerState) staleAt(now time.Time, window time.Duration) bool {
	return w.lastSubmit.Before(now.Add(-window))
}

// WorkerSnapshot is a read-only view of a worker's vardiff state.
type WorkerSnapshot struct {
	Name              string    `json:"name"`
	LastSubmit        time.Time `json:"last_submit"`
	LastRetargetCheck time.Time `json:"last_retarget_check"`
	Samples           int       `json:"samples"`
	BufferFull        bool      `json:"buffer_full"`
	AverageInterval   float64   `json:"average_interval_secs"`
	VardiffEnabled    bool      `json:"vardiff_enabled"`
	DBDifficulty      float64   `json:"db_difficulty"`
}

func (w *WorkerState) snapshot(name string) WorkerSnapshot {
	avg, _ := w.buffer.Average()
	return WorkerSnapshot{
		Name:              name,
		LastSubmit:        w.lastSubmit,
		LastRetargetCheck: w.lastRetargetCheck,
		Samples:           w.buffer.Size(),
		BufferFull:        w.buffer.Full(),
		AverageInterval:   avg,
		VardiffEnabled:    w.vardiffEnabled,
		DBDifficulty:      w.dbDifficulty,
	}
}
