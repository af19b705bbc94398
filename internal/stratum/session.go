package stratum

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Karpatsky/TidePool/internal/work"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SessionState represents the state of a miner session.
type SessionState int

const (
	StateConnected SessionState = iota
	StateSubscribed
	StateAuthorized
)

const (
	// VersionRollingMask defines which bits of the block version the miner
	// may modify (BIP 310).
	VersionRollingMask = "1fffe000"

	maxWorkerNameLen = 256
)

// Session represents a connected miner session. It is the connection
// vardiff applies difficulty changes to.
type Session struct {
	mu sync.Mutex

	ID          string
	Codec       *Codec
	State       SessionState
	Logger      *zap.Logger
	ConnectedAt time.Time

	// Miner info
	WorkerName      string
	Extranonce1     string // Hex-encoded unique per-session extranonce
	Extranonce2Size int

	// Version rolling (BIP 310)
	VersionRollingEnabled bool
	VersionRollingMask    string

	difficulty     float64
	prevDifficulty float64
	prevJobID      string
	currentJobID   string

	minDifficulty float64
	maxDifficulty float64

	submitCh chan<- *ShareSubmission
	diffCh   chan<- *DifficultyRequest

	submitLimiter *rate.Limiter
}

// ShareSubmission represents a share submitted by a miner.
type ShareSubmission struct {
	Session        *Session
	SessionID      string
	WorkerName     string
	JobID          string
	Extranonce1    string
	Extranonce2    string
	NTime          string
	Nonce          string
	VersionBits    string  // BIP 310 version rolling bits (hex), empty if not used
	Difficulty     float64 // Difficulty the session was at when the share arrived
	PrevDifficulty float64 // Difficulty before the most recent change, 0 if none
	PrevJobID      string
	Timestamp      time.Time
}

// DifficultyRequest is a mining.suggest_difficulty from an authorized miner.
type DifficultyRequest struct {
	Session    *Session
	WorkerName string
	Difficulty float64
}

// SessionOptions carries the server-wide settings a session needs.
type SessionOptions struct {
	Extranonce2Size int
	StartDifficulty float64
	MinDifficulty   float64
	MaxDifficulty   float64
	SubmitCh        chan<- *ShareSubmission
	DiffCh          chan<- *DifficultyRequest
}

// NewSession creates a new miner session.
func NewSession(id string, codec *Codec, extranonce1 string, opts SessionOptions, logger *zap.Logger) *Session {
	return &Session{
		ID:              id,
		Codec:           codec,
		State:           StateConnected,
		Logger:          logger.With(zap.String("session", id)),
		ConnectedAt:     time.Now(),
		Extranonce1:     extranonce1,
		Extranonce2Size: opts.Extranonce2Size,
		difficulty:      opts.StartDifficulty,
		minDifficulty:   opts.MinDifficulty,
		maxDifficulty:   opts.MaxDifficulty,
		submitCh:        opts.SubmitCh,
		diffCh:          opts.DiffCh,
		submitLimiter:   rate.NewLimiter(100, 20),
	}
}

// Difficulty returns the session's active difficulty.
func (s *Session) Difficulty() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.difficulty
}

// PrevDifficulty returns the difficulty before the most recent change.
func (s *Session) PrevDifficulty() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prevDifficulty
}

// UpdateDifficulty makes diff active and remembers the previous difficulty
// together with prevJobID.
func (s *Session) UpdateDifficulty(diff float64, prevJobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prevDifficulty = s.difficulty
	s.prevJobID = prevJobID
	s.difficulty = diff
}

// SetDifficulty sends mining.set_difficulty.
func (s *Session) SetDifficulty(diff float64) error {
	return s.sendDifficulty(diff)
}

// NotifyNewJob sends job to the miner under workID.
func (s *Session) NotifyNewJob(workID string, job *work.Job, cleanJobs bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify(workID, job, cleanJobs)
}

// NotifyJob sends a broadcast job under its own id.
func (s *Session) NotifyJob(job *work.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify(job.ID, job, job.CleanJobs)
}

func (s *Session) notify(jobID string, job *work.Job, clean bool) error {
	s.currentJobID = jobID
	return s.Codec.SendNotification(&Notification{
		ID:     nil,
		Method: "mining.notify",
		Params: []interface{}{
			jobID,
			job.PrevHash,
			job.Coinbase1,
			job.Coinbase2,
			job.MerkleBranches,
			job.Version,
			job.NBits,
			job.NTime,
			clean,
		},
	})
}

// Authorized reports whether the miner has authorized.
func (s *Session) Authorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State == StateAuthorized
}

// HandleRequest processes a single Stratum request.
func (s *Session) HandleRequest(req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Method {
	case "mining.configure":
		return s.handleConfigure(req)
	case "mining.subscribe":
		return s.handleSubscribe(req)
	case "mining.authorize":
		return s.handleAuthorize(req)
	case "mining.suggest_difficulty":
		return s.handleSuggestDifficulty(req)
	case "mining.submit":
		return s.handleSubmit(req)
	case "mining.extranonce.subscribe":
		return s.sendResult(req.ID, true)
	default:
		s.Logger.Debug("unknown method", zap.String("method", req.Method))
		return s.sendError(req.ID, 20, "Unknown method")
	}
}

// handleConfigure handles the mining.configure method (BIP 310 version rolling).
//
// Request params: [["version-rolling", ...], {"version-rolling.mask": "...", "version-rolling.min-bit-count": N}]
// Response result: {"version-rolling": true, "version-rolling.mask": "1fffe000"}
func (s *Session) handleConfigure(req *Request) error {
	var params []json.RawMessage
	if err := fastJSON.Unmarshal(req.Params, &params); err != nil || len(params) < 1 {
		return s.sendResult(req.ID, map[string]interface{}{})
	}

	var extensions []string
	if err := fastJSON.Unmarshal(params[0], &extensions); err != nil {
		return s.sendResult(req.ID, map[string]interface{}{})
	}

	result := make(map[string]interface{})
	for _, ext := range extensions {
		if ext != "version-rolling" {
			result[ext] = false
			continue
		}

		mask := VersionRollingMask
		if len(params) > 1 {
			var extParams map[string]json.RawMessage
			if err := fastJSON.Unmarshal(params[1], &extParams); err == nil {
				if raw, ok := extParams["version-rolling.mask"]; ok {
					var minerMask string
					if err := fastJSON.Unmarshal(raw, &minerMask); err == nil {
						mask = intersectMasks(minerMask, VersionRollingMask)
					}
				}
			}
		}

		s.VersionRollingEnabled = true
		s.VersionRollingMask = mask
		result["version-rolling"] = true
		result["version-rolling.mask"] = mask
		s.Logger.Debug("version rolling configured", zap.String("mask", mask))
	}

	return s.sendResult(req.ID, result)
}

// intersectMasks ANDs two hex mask strings. Falls back to the server mask on error.
func intersectMasks(minerMask, serverMask string) string {
	var miner, server uint64
	if _, err := fmt.Sscanf(minerMask, "%x", &miner); err != nil {
		return serverMask
	}
	if _, err := fmt.Sscanf(serverMask, "%x", &server); err != nil {
		return serverMask
	}
	return fmt.Sprintf("%08x", miner&server)
}

// handleSuggestDifficulty sets the starting difficulty before authorization.
// Once authorized, the suggestion is forwarded so it goes through vardiff
// like any other change.
func (s *Session) handleSuggestDifficulty(req *Request) error {
	var params []float64
	if err := fastJSON.Unmarshal(req.Params, &params); err != nil || len(params) < 1 {
		return s.sendError(req.ID, 20, "Invalid suggest_difficulty params")
	}
	suggested := params[0]
	if suggested <= 0 || math.IsNaN(suggested) || math.IsInf(suggested, 0) {
		return s.sendError(req.ID, 20, "Invalid suggest_difficulty params")
	}

	if s.State == StateAuthorized {
		select {
		case s.diffCh <- &DifficultyRequest{Session: s, WorkerName: s.WorkerName, Difficulty: suggested}:
		default:
			s.Logger.Warn("difficulty channel full, dropping suggestion")
		}
		return s.sendResult(req.ID, true)
	}

	s.difficulty = s.clamp(suggested)
	s.Logger.Info("miner suggested difficulty",
		zap.Float64("suggested", suggested),
		zap.Float64("effective", s.difficulty),
	)
	if s.State >= StateSubscribed {
		if err := s.sendDifficulty(s.difficulty); err != nil {
			return err
		}
	}
	return s.sendResult(req.ID, true)
}

func (s *Session) clamp(diff float64) float64 {
	if s.minDifficulty > 0 && diff < s.minDifficulty {
		diff = s.minDifficulty
	}
	if s.maxDifficulty > 0 && diff > s.maxDifficulty {
		diff = s.maxDifficulty
	}
	return diff
}

func (s *Session) handleSubscribe(req *Request) error {
	s.State = StateSubscribed
	s.Logger.Debug("miner subscribed", zap.String("extranonce1", s.Extranonce1))

	subscriptions := [][]string{
		{"mining.set_difficulty", s.ID},
		{"mining.notify", s.ID},
	}
	if s.VersionRollingEnabled {
		subscriptions = append(subscriptions, []string{"mining.set_version_mask", s.ID})
	}

	result := []interface{}{
		subscriptions,
		s.Extranonce1,
		s.Extranonce2Size,
	}
	if err := s.sendResult(req.ID, result); err != nil {
		return err
	}

	if err := s.sendDifficulty(s.difficulty); err != nil {
		return err
	}

	if s.VersionRollingEnabled {
		return s.sendVersionMask(s.VersionRollingMask)
	}
	return nil
}

func (s *Session) handleAuthorize(req *Request) error {
	var params []string
	if err := fastJSON.Unmarshal(req.Params, &params); err != nil || len(params) < 1 {
		return s.sendError(req.ID, 20, "Invalid authorize params")
	}

	name := params[0]
	if len(name) > maxWorkerNameLen {
		name = name[:maxWorkerNameLen]
	}
	if name == "" {
		return s.sendError(req.ID, 20, "Empty worker name")
	}
	s.WorkerName = name
	s.State = StateAuthorized
	s.Logger = s.Logger.With(zap.String("worker", name))
	s.Logger.Info("miner authorized")

	return s.sendResult(req.ID, true)
}

func (s *Session) handleSubmit(req *Request) error {
	if s.State != StateAuthorized {
		return s.sendError(req.ID, 24, "Not authorized")
	}

	if !s.submitLimiter.Allow() {
		s.Logger.Warn("rate limit exceeded")
		return s.sendError(req.ID, 25, "Rate limit exceeded")
	}

	var params []string
	if err := fastJSON.Unmarshal(req.Params, &params); err != nil || len(params) < 5 {
		return s.sendError(req.ID, 20, "Invalid submit params")
	}

	expectedEN2Len := s.Extranonce2Size * 2
	if len(params[2]) != expectedEN2Len {
		return s.sendError(req.ID, 20, fmt.Sprintf("Invalid extranonce2 length: got %d, want %d", len(params[2]), expectedEN2Len))
	}
	if !isHex(params[3], 8) {
		return s.sendError(req.ID, 20, "Invalid ntime format")
	}
	if !isHex(params[4], 8) {
		return s.sendError(req.ID, 20, "Invalid nonce format")
	}

	submission := &ShareSubmission{
		Session:        s,
		SessionID:      s.ID,
		WorkerName:     s.WorkerName,
		JobID:          params[1],
		Extranonce1:    s.Extranonce1,
		Extranonce2:    params[2],
		NTime:          params[3],
		Nonce:          params[4],
		Difficulty:     s.difficulty,
		PrevDifficulty: s.prevDifficulty,
		PrevJobID:      s.prevJobID,
		Timestamp:      time.Now(),
	}

	if s.VersionRollingEnabled && len(params) >= 6 {
		if !isHex(params[5], 8) {
			return s.sendError(req.ID, 20, "Invalid version bits format")
		}
		submission.VersionBits = params[5]
	}

	select {
	case s.submitCh <- submission:
	default:
		s.Logger.Warn("submit channel full, dropping share")
	}

	return s.sendResult(req.ID, true)
}

func (s *Session) sendDifficulty(diff float64) error {
	return s.Codec.SendNotification(&Notification{
		ID:     nil,
		Method: "mining.set_difficulty",
		Params: []interface{}{diff},
	})
}

func (s *Session) sendVersionMask(mask string) error {
	return s.Codec.SendNotification(&Notification{
		ID:     nil,
		Method: "mining.set_version_mask",
		Params: []interface{}{mask},
	})
}

func (s *Session) sendResult(id interface{}, result interface{}) error {
	return s.Codec.SendResponse(&Response{ID: id, Result: result})
}

func (s *Session) sendError(id interface{}, code int, msg string) error {
	return s.Codec.SendResponse(&Response{
		ID:    id,
		Error: []interface{}{code, msg, nil},
	})
}

// Close closes the session.
func (s *Session) Close() error {
	return s.Codec.Close()
}

// isHex returns true if s is a valid hex string of exactly length n.
func isHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
