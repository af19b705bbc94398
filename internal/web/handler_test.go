package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Karpatsky/TidePool/internal/vardiff"
	"github.com/Karpatsky/TidePool/internal/work"
)

func testSources(jobs *[]*work.Job) Sources {
	return testSourcesWithPolicies(jobs, nil)
}

func testSourcesWithPolicies(jobs *[]*work.Job, policies *[]PolicyRequest) Sources {
	return Sources{
		Status: func() *StatusData {
			return &StatusData{
				Sessions:       2,
				TrackedWorkers: 1,
				Vardiff:        VardiffInfo{TargetTime: 15, MinDifficulty: 16},
				Miners:         []MinerInfo{{SessionID: "00000001", Worker: "alice", Difficulty: 512}},
			}
		},
		Workers: func() []vardiff.WorkerSnapshot {
			return []vardiff.WorkerSnapshot{{Name: "alice", LastSubmit: time.Unix(1700000000, 0), Samples: 3, VardiffEnabled: true}}
		},
		SubmitJob: func(j *work.Job) error {
			if j.ID == "reserved" {
				return errors.New("reserved job id")
			}
			*jobs = append(*jobs, j)
			return nil
		},
		SetPolicy: func(p PolicyRequest) error {
			if policies == nil {
				return errors.New("no policy store")
			}
			*policies = append(*policies, p)
			return nil
		},
	}
}

func TestHandler_Status(t *testing.T) {
	var jobs []*work.Job
	h := NewHandler(testSources(&jobs))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var got StatusData
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Sessions != 2 || len(got.Miners) != 1 || got.Miners[0].Worker != "alice" {
		t.Errorf("status = %+v", got)
	}
}

func TestHandler_Workers(t *testing.T) {
	var jobs []*work.Job
	h := NewHandler(testSources(&jobs))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/workers", nil))
	var got []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0]["name"] != "alice" {
		t.Errorf("workers = %v", got)
	}
}

func TestHandler_SubmitJob(t *testing.T) {
	var jobs []*work.Job
	h := NewHandler(testSources(&jobs))

	body := `{"id":"abc","prevhash":"0000","nbits":"1d00ffff","clean_jobs":true}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status code = %d body=%s", rec.Code, rec.Body.String())
	}
	if len(jobs) != 1 || jobs[0].ID != "abc" || !jobs[0].CleanJobs {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestHandler_SubmitJobRejectsBadInput(t *testing.T) {
	var jobs []*work.Job
	h := NewHandler(testSources(&jobs))

	cases := []struct {
		method string
		body   string
		code   int
	}{
		{http.MethodGet, "", http.StatusMethodNotAllowed},
		{http.MethodPost, "not json", http.StatusBadRequest},
		{http.MethodPost, `{"id":""}`, http.StatusBadRequest},
		{http.MethodPost, `{"id":"reserved","prevhash":"00"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tc.method, "/api/jobs", strings.NewReader(tc.body)))
		if rec.Code != tc.code {
			t.Errorf("%s %q: code = %d, want %d", tc.method, tc.body, rec.Code, tc.code)
		}
	}
	if len(jobs) != 0 {
		t.Errorf("rejected jobs were submitted: %v", jobs)
	}
}

func TestHandler_SetPolicy(t *testing.T) {
	var jobs []*work.Job
	var policies []PolicyRequest
	h := NewHandler(testSourcesWithPolicies(&jobs, &policies))

	cases := []struct {
		method string
		body   string
		code   int
	}{
		{http.MethodGet, "", http.StatusMethodNotAllowed},
		{http.MethodPost, `{"difficulty":5000}`, http.StatusBadRequest},
		{http.MethodPost, `{"worker":"bob","difficulty":-1}`, http.StatusBadRequest},
		{http.MethodPost, `{"worker":"bob","vardiff":false,"difficulty":5000}`, http.StatusNoContent},
		{http.MethodPost, `{"worker":"carol"}`, http.StatusNoContent},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tc.method, "/api/workers/policy", strings.NewReader(tc.body)))
		if rec.Code != tc.code {
			t.Errorf("%s %q: code = %d, want %d", tc.method, tc.body, rec.Code, tc.code)
		}
	}

	if len(policies) != 2 {
		t.Fatalf("policies = %+v", policies)
	}
	if policies[0].Worker != "bob" || policies[0].VardiffEnabled() || policies[0].Difficulty != 5000 {
		t.Errorf("bob = %+v", policies[0])
	}
	if !policies[1].VardiffEnabled() {
		t.Error("omitted vardiff should default to enabled")
	}
}

func TestHandler_SetPolicyFailure(t *testing.T) {
	var jobs []*work.Job
	h := NewHandler(testSources(&jobs))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/workers/policy", strings.NewReader(`{"worker":"bob"}`)))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("code = %d, want 500", rec.Code)
	}
}

func TestHandler_Metrics(t *testing.T) {
	var jobs []*work.Job
	h := NewHandler(testSources(&jobs))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "tidepool_") {
		t.Errorf("metrics code = %d", rec.Code)
	}
}
