// Package pool wires the stratum server, worker registry, difficulty store
// and vardiff controller together and runs the event loop that feeds shares
// to vardiff.
package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Karpatsky/TidePool/internal/config"
	"github.com/Karpatsky/TidePool/internal/daemon"
	"github.com/Karpatsky/TidePool/internal/metrics"
	"github.com/Karpatsky/TidePool/internal/store"
	"github.com/Karpatsky/TidePool/internal/stratum"
	"github.com/Karpatsky/TidePool/internal/vardiff"
	"github.com/Karpatsky/TidePool/internal/web"
	"github.com/Karpatsky/TidePool/internal/work"
	"github.com/Karpatsky/TidePool/internal/workers"

	"github.com/hako/durafmt"
	"go.uber.org/zap"
)

// Pool is the top-level orchestrator.
type Pool struct {
	config *config.Config
	logger *zap.Logger

	store      store.Store
	registry   *workers.Registry
	daemon     *daemon.Client
	stratumSrv *stratum.Server
	vardiff    *vardiff.Controller

	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a pool from cfg. Nothing is started until Start.
func New(cfg *config.Config, logger *zap.Logger) *Pool {
	return &Pool{
		config: cfg,
		logger: logger,
	}
}

// Start opens storage, connects the daemon when needed, starts the stratum
// server and runs the event loop.
func (p *Pool) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	st, err := p.openStore()
	if err != nil {
		return err
	}
	p.store = st
	p.registry = workers.NewRegistry(st, p.config.MaxWork)

	p.stratumSrv = stratum.NewServer(stratum.Options{
		StartDifficulty: p.config.StartDifficulty,
		MinDifficulty:   p.config.Vardiff.MinDifficulty,
		MaxDifficulty:   p.config.Vardiff.MaxDifficulty,
		MaxSessions:     p.config.MaxSessions,
	}, p.logger)

	deps := vardiff.Deps{
		Workers: p.registry,
		Jobs:    p.stratumSrv,
		Store:   st,
	}
	if p.config.Vardiff.BoundByNetwork {
		p.daemon, err = daemon.NewClient(daemon.Config{
			URL:      p.config.BitcoinRPCURL(),
			User:     p.config.BitcoinRPCUser,
			Password: p.config.BitcoinRPCPassword,
		}, p.logger)
		if err != nil {
			return fmt.Errorf("mining daemon: %w", err)
		}
		deps.Daemon = p.daemon
	}

	p.vardiff, err = vardiff.New(p.config.Vardiff, deps, p.logger)
	if err != nil {
		return err
	}
	p.vardiff.RefreshExternalDifficulty(time.Now())

	p.startTime = time.Now()
	p.stratumSrv.SetHTTPHandler(web.NewHandler(web.Sources{
		Status:    p.statusData,
		Workers:   p.vardiff.Snapshot,
		SubmitJob: p.BroadcastJob,
		SetPolicy: p.SetPolicy,
	}))
	if err := p.stratumSrv.Start(p.config.StratumAddr()); err != nil {
		return fmt.Errorf("stratum server: %w", err)
	}

	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		p.eventLoop(ctx, p.stratumSrv.SubmitChannel(), p.stratumSrv.DifficultyChannel())
	}()

	p.logger.Info("tidepool started",
		zap.Int("stratum_port", p.config.StratumPort),
		zap.String("store", p.config.StoreBackend),
		zap.Bool("bound_by_network", p.config.Vardiff.BoundByNetwork),
	)
	return nil
}

func (p *Pool) openStore() (store.Store, error) {
	var path string
	switch p.config.StoreBackend {
	case store.BackendBolt:
		path = filepath.Join(p.config.DataDir, "workers.db")
	case store.BackendSQLite:
		path = filepath.Join(p.config.DataDir, "workers.sqlite")
	}
	if path != "" {
		if err := os.MkdirAll(p.config.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.Open(p.config.StoreBackend, path, p.logger)
	if err != nil {
		return nil, fmt.Errorf("open worker store: %w", err)
	}
	return st, nil
}

// Stop gracefully stops all subsystems.
func (p *Pool) Stop() {
	p.logger.Info("shutting down tidepool...")

	if p.cancel != nil {
		p.cancel()
	}
	if p.stratumSrv != nil {
		p.stratumSrv.Stop()
	}
	if p.done != nil {
		<-p.done
	}
	if p.vardiff != nil {
		p.vardiff.Close()
	}
	if p.daemon != nil {
		p.daemon.Close()
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			p.logger.Warn("close worker store", zap.Error(err))
		}
	}

	p.logger.Info("tidepool stopped")
}

// BroadcastJob sends job to every authorized miner and makes it the job
// attached to subsequent difficulty changes. Job ids in the work id
// namespace are rejected.
func (p *Pool) BroadcastJob(job *work.Job) error {
	if workers.IsWorkID(job.ID) {
		return fmt.Errorf("job id %q uses the reserved prefix %q", job.ID, workers.WorkIDPrefix)
	}
	p.stratumSrv.BroadcastJob(job)
	return nil
}

// SetPolicy stores a worker's difficulty policy and drops its vardiff state
// so the policy takes effect on the worker's next share.
func (p *Pool) SetPolicy(req web.PolicyRequest) error {
	enabled := req.VardiffEnabled()
	if err := p.store.SetWorkerPolicy(req.Worker, enabled, req.Difficulty); err != nil {
		return fmt.Errorf("set policy: %w", err)
	}
	tracked := p.vardiff.Forget(req.Worker)
	p.logger.Info("worker policy updated",
		zap.String("worker", req.Worker),
		zap.Bool("vardiff", enabled),
		zap.Float64("difficulty", req.Difficulty),
		zap.Bool("was_tracked", tracked),
	)
	return nil
}

// eventLoop is the single goroutine that feeds shares to vardiff, so each
// worker's samples are recorded in submission order.
func (p *Pool) eventLoop(ctx context.Context, submissions <-chan *stratum.ShareSubmission, diffReqs <-chan *stratum.DifficultyRequest) {
	sweepTicker := time.NewTicker(p.config.SweepInterval)
	defer sweepTicker.Stop()

	statusInterval := p.config.StatusInterval
	if statusInterval <= 0 {
		statusInterval = 5 * time.Minute
	}
	statusTicker := time.NewTicker(statusInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case sub := <-submissions:
			p.handleSubmission(sub)

		case req := <-diffReqs:
			p.handleDifficultyRequest(req)

		case now := <-sweepTicker.C:
			p.vardiff.Sweep(now)

		case <-statusTicker.C:
			p.logStatus()
		}
	}
}

func (p *Pool) handleSubmission(sub *stratum.ShareSubmission) {
	if sub.Session == nil {
		return
	}
	metrics.Submissions.Inc()

	// Shares sent after a retarget reference the work id issued with it.
	jobID := sub.JobID
	if workers.IsWorkID(sub.JobID) {
		w, err := p.registry.Lookup(sub.JobID)
		switch {
		case err == nil && w.Worker == sub.WorkerName:
			jobID = w.JobID
		case err == nil:
			p.logger.Debug("work id issued to another worker",
				zap.String("work_id", sub.JobID),
				zap.String("issued_to", w.Worker),
				zap.String("worker", sub.WorkerName),
			)
		case !errors.Is(err, workers.ErrUnknownWork):
			p.logger.Warn("lookup work", zap.String("work_id", sub.JobID), zap.Error(err))
		}
	}

	p.vardiff.Submit(sub.WorkerName, jobID, sub.Difficulty, sub.Timestamp, sub.Session)
}

func (p *Pool) handleDifficultyRequest(req *stratum.DifficultyRequest) {
	if req.Session == nil {
		return
	}
	if enabled, pinned, err := p.registry.DifficultyPolicy(req.WorkerName); err == nil && !enabled && pinned > 0 {
		p.logger.Info("ignoring suggested difficulty for pinned worker",
			zap.String("worker", req.WorkerName),
			zap.Float64("suggested", req.Difficulty),
			zap.Float64("pinned", pinned),
		)
		return
	}
	diff := p.vardiff.Clamp(req.Difficulty)
	p.logger.Info("applying suggested difficulty",
		zap.String("worker", req.WorkerName),
		zap.Float64("suggested", req.Difficulty),
		zap.Float64("effective", diff),
	)
	if err := p.vardiff.ApplyDifficulty(req.Session, diff, req.WorkerName, true); err != nil {
		p.logger.Warn("suggested difficulty not applied",
			zap.String("worker", req.WorkerName),
			zap.Error(err),
		)
	}
}

func (p *Pool) logStatus() {
	fields := []zap.Field{
		zap.Int("miners", p.stratumSrv.SessionCount()),
		zap.Int("tracked_workers", p.vardiff.WorkerCount()),
		zap.Int("issued_work", p.registry.Len()),
		zap.String("uptime", durafmt.Parse(time.Since(p.startTime)).LimitFirstN(2).String()),
	}
	if nd, ok := p.vardiff.NetworkDifficulty(); ok {
		fields = append(fields, zap.Float64("network_difficulty", nd))
	}
	p.logger.Info("status", fields...)
}

func (p *Pool) statusData() *web.StatusData {
	vc := p.config.Vardiff
	data := &web.StatusData{
		Sessions:       p.stratumSrv.SessionCount(),
		TrackedWorkers: p.vardiff.WorkerCount(),
		Uptime:         int64(time.Since(p.startTime).Seconds()),
		Vardiff: web.VardiffInfo{
			TargetTime:      vc.TargetTime.Seconds(),
			RetargetTime:    vc.RetargetTime.Seconds(),
			VariancePercent: vc.VariancePercent,
			MinDifficulty:   vc.MinDifficulty,
			MaxDifficulty:   vc.MaxDifficulty,
			DoubleStep:      vc.DoubleStep,
			BoundByNetwork:  vc.BoundByNetwork,
		},
	}
	if nd, ok := p.vardiff.NetworkDifficulty(); ok {
		data.NetworkDifficulty = nd
	}
	if job, err := p.stratumSrv.LastBroadcast(); err == nil {
		data.CurrentJob = job.ID
	}
	for _, m := range p.stratumSrv.MinerStats() {
		data.Miners = append(data.Miners, web.MinerInfo{
			SessionID:   m.SessionID,
			Worker:      m.WorkerName,
			Difficulty:  m.Difficulty,
			ConnectedAt: m.ConnectedAt.Unix(),
		})
	}
	return data
}
