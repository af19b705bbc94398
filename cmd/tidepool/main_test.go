package main

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Karpatsky/TidePool/internal/config"
	"github.com/Karpatsky/TidePool/internal/store"
	"github.com/Karpatsky/TidePool/internal/vardiff"
	"github.com/Karpatsky/TidePool/internal/web"

	"go.uber.org/zap"
)

func TestConfigPathFromArgs(t *testing.T) {
	t.Setenv("TIDEPOOL_CONFIG", "")
	cases := []struct {
		args []string
		want string
	}{
		{[]string{"-config", "a.toml"}, "a.toml"},
		{[]string{"-log-level", "debug", "--config=b.toml"}, "b.toml"},
		{[]string{"-config=c.toml"}, "c.toml"},
		{[]string{"-config"}, ""},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := configPathFromArgs(tc.args); got != tc.want {
			t.Errorf("%v: got %q, want %q", tc.args, got, tc.want)
		}
	}

	t.Setenv("TIDEPOOL_CONFIG", "env.toml")
	if got := configPathFromArgs(nil); got != "env.toml" {
		t.Errorf("env fallback: got %q", got)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("BITCOIN_RPC_HOST", "node.internal")
	t.Setenv("TIDEPOOL_STORE", "sqlite")
	t.Setenv("TIDEPOOL_STRATUM_PORT", "4444")
	t.Setenv("LOG_LEVEL", "warn")

	cfg := config.DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.BitcoinRPCHost != "node.internal" || cfg.StoreBackend != "sqlite" || cfg.StratumPort != 4444 || cfg.LogLevel != "warn" {
		t.Errorf("cfg = %+v", cfg)
	}

	t.Setenv("TIDEPOOL_STRATUM_PORT", "not-a-port")
	if err := applyEnv(cfg); err == nil {
		t.Error("expected error for bad port")
	}
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		if _, err := newLogger(level); err != nil {
			t.Errorf("%s: %v", level, err)
		}
	}
}

func TestPostPolicy(t *testing.T) {
	var got []web.PolicyRequest
	srv := httptest.NewServer(web.NewHandler(web.Sources{
		Status:  func() *web.StatusData { return &web.StatusData{} },
		Workers: func() []vardiff.WorkerSnapshot { return nil },
		SetPolicy: func(req web.PolicyRequest) error {
			if req.Worker == "broken" {
				return errors.New("store unavailable")
			}
			got = append(got, req)
			return nil
		},
	}))
	defer srv.Close()

	off := false
	if err := postPolicy(context.Background(), srv.URL+"/", web.PolicyRequest{Worker: "bob", Vardiff: &off, Difficulty: 5000}); err != nil {
		t.Fatalf("post: %v", err)
	}
	if len(got) != 1 || got[0].Worker != "bob" || got[0].VardiffEnabled() || got[0].Difficulty != 5000 {
		t.Errorf("received = %+v", got)
	}

	err := postPolicy(context.Background(), srv.URL, web.PolicyRequest{Worker: "broken"})
	if err == nil || !strings.Contains(err.Error(), "store unavailable") {
		t.Errorf("expected server error, got %v", err)
	}
}

func TestStorePolicy(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.StoreBackend = store.BackendSQLite
	cfg.DataDir = t.TempDir()

	off := false
	if err := storePolicy(cfg, web.PolicyRequest{Worker: "bob", Vardiff: &off, Difficulty: 5000}, zap.NewNop()); err != nil {
		t.Fatalf("store policy: %v", err)
	}

	st, err := store.Open(store.BackendSQLite, filepath.Join(cfg.DataDir, "workers.sqlite"), zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	rec, ok, err := st.Worker("bob")
	if err != nil || !ok {
		t.Fatalf("worker: ok=%v err=%v", ok, err)
	}
	if rec.VardiffEnabled || rec.Difficulty != 5000 {
		t.Errorf("record = %+v", rec)
	}
}
