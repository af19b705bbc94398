package web

import (
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/Karpatsky/TidePool/internal/metrics"
	"github.com/Karpatsky/TidePool/internal/vardiff"
	"github.com/Karpatsky/TidePool/internal/work"

	"github.com/bytedance/sonic"
)

var fastJSON = sonic.ConfigDefault

const maxBody = 64 * 1024

// StatusData holds the pool overview served at /api/status.
type StatusData struct {
	Sessions          int         `json:"sessions"`
	TrackedWorkers    int         `json:"tracked_workers"`
	NetworkDifficulty float64     `json:"network_difficulty,omitempty"`
	CurrentJob        string      `json:"current_job,omitempty"`
	Uptime            int64       `json:"uptime_secs"`
	Vardiff           VardiffInfo `json:"vardiff"`
	Miners            []MinerInfo `json:"miners"`
}

// VardiffInfo describes the retarget settings in effect.
type VardiffInfo struct {
	TargetTime      float64 `json:"target_time_secs"`
	RetargetTime    float64 `json:"retarget_time_secs"`
	VariancePercent float64 `json:"variance_percent"`
	MinDifficulty   float64 `json:"min_difficulty"`
	MaxDifficulty   float64 `json:"max_difficulty"`
	DoubleStep      bool    `json:"double_step"`
	BoundByNetwork  bool    `json:"bound_by_network"`
}

// MinerInfo describes a connected, authorized miner.
type MinerInfo struct {
	SessionID   string  `json:"session_id"`
	Worker      string  `json:"worker"`
	Difficulty  float64 `json:"difficulty"`
	ConnectedAt int64   `json:"connected_at"`
}

// Sources supplies the data the handler serves.
type Sources struct {
	Status  func() *StatusData
	Workers func() []vardiff.WorkerSnapshot
	// SubmitJob receives jobs posted by an external template service. Nil
	// disables the endpoint.
	SubmitJob func(*work.Job) error
	// SetPolicy changes a worker's difficulty policy on the running pool.
	// Nil disables the endpoint.
	SetPolicy func(PolicyRequest) error
}

// PolicyRequest is the body of POST /api/workers/policy.
type PolicyRequest struct {
	Worker string `json:"worker"`
	// Vardiff defaults to true when omitted.
	Vardiff    *bool   `json:"vardiff"`
	Difficulty float64 `json:"difficulty"`
}

// VardiffEnabled returns Vardiff, defaulting to true.
func (p PolicyRequest) VardiffEnabled() bool {
	return p.Vardiff == nil || *p.Vardiff
}

// jsonCache holds a marshalled response for cacheTTL.
type jsonCache struct {
	mu      sync.Mutex
	data    []byte
	expires time.Time
}

const cacheTTL = 2 * time.Second

func (c *jsonCache) get(produce func() interface{}) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Now().Before(c.expires) {
		return c.data
	}
	buf, err := fastJSON.Marshal(produce())
	if err != nil {
		buf = []byte(`{"error":"encode failed"}`)
	}
	c.data = buf
	c.expires = time.Now().Add(cacheTTL)
	return c.data
}

// NewHandler creates an HTTP handler serving the JSON API and metrics.
func NewHandler(src Sources) http.Handler {
	mux := http.NewServeMux()
	statusCache := &jsonCache{}
	workersCache := &jsonCache{}

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSONBytes(w, http.StatusOK, statusCache.get(func() interface{} { return src.Status() }))
	})

	mux.HandleFunc("/api/workers", func(w http.ResponseWriter, r *http.Request) {
		writeJSONBytes(w, http.StatusOK, workersCache.get(func() interface{} { return src.Workers() }))
	})

	if src.SubmitJob != nil {
		mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
			var job work.Job
			if !decodePost(w, r, &job) {
				return
			}
			if job.ID == "" || job.PrevHash == "" {
				writeError(w, http.StatusBadRequest, "job id and prevhash are required")
				return
			}
			if err := src.SubmitJob(&job); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			w.WriteHeader(http.StatusAccepted)
		})
	}

	if src.SetPolicy != nil {
		mux.HandleFunc("/api/workers/policy", func(w http.ResponseWriter, r *http.Request) {
			var req PolicyRequest
			if !decodePost(w, r, &req) {
				return
			}
			if req.Worker == "" {
				writeError(w, http.StatusBadRequest, "worker is required")
				return
			}
			if req.Difficulty < 0 || math.IsNaN(req.Difficulty) || math.IsInf(req.Difficulty, 0) {
				writeError(w, http.StatusBadRequest, "difficulty must be a non-negative number")
				return
			}
			if err := src.SetPolicy(req); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}

	mux.Handle("/metrics", metrics.Handler())

	return mux
}

// decodePost decodes a POST body into v, answering the request itself on
// failure.
func decodePost(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return false
	}
	if err := fastJSON.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return false
	}
	return true
}

func writeJSONBytes(w http.ResponseWriter, code int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	data, _ := fastJSON.Marshal(map[string]string{"error": msg})
	writeJSONBytes(w, code, data)
}
