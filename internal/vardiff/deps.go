package vardiff

import (
	"context"

	"github.com/Karpatsky/TidePool/internal/work"
)

// WorkerRegistry resolves per-worker difficulty policy and issues work
// identifiers for new job notifications.
type WorkerRegistry interface {
	// DifficultyPolicy reports whether vardiff is enabled for the worker and
	// the difficulty stored for it.
	DifficultyPolicy(workerName string) (vardiffEnabled bool, difficulty float64, err error)
	// RegisterWork records a job issued to the worker at the given difficulty
	// and returns the identifier to send in mining.notify.
	RegisterWork(workerName, jobID string, difficulty float64) (string, error)
}

// JobTemplates supplies the most recently broadcast job.
type JobTemplates interface {
	LastBroadcast() (*work.Job, error)
}

// DifficultyStore durably records each worker's current difficulty.
type DifficultyStore interface {
	ClearAllWorkerDifficulties() error
	UpdateWorkerDifficulty(workerName string, difficulty float64) error
}

// MiningDaemon queries the coin daemon.
type MiningDaemon interface {
	GetNetworkDifficulty(ctx context.Context) (float64, error)
}

// Session is the miner connection a difficulty change is applied to.
// SetDifficulty and NotifyNewJob are notifications; no reply is expected.
type Session interface {
	Difficulty() float64
	// UpdateDifficulty makes diff the active difficulty, remembering the
	// previous difficulty and prevJobID as the last job sent at it.
	UpdateDifficulty(diff float64, prevJobID string)
	SetDifficulty(diff float64) error
	NotifyNewJob(workID string, job *work.Job, cleanJobs bool) error
}
