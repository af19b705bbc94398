package vardiff

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNetworkDifficulty_RefreshOncePerInterval(t *testing.T) {
	daemon := &fakeDaemon{diff: 1234}
	nd := NewNetworkDifficulty(daemon, time.Hour, zap.NewNop())

	if _, ok := nd.Value(); ok {
		t.Fatal("value available before any refresh")
	}
	if !nd.Refresh(t0) {
		t.Fatal("first refresh not started")
	}
	nd.Wait()

	if v, ok := nd.Value(); !ok || v != 1234 {
		t.Fatalf("value = %v (%v), want 1234", v, ok)
	}
	if nd.Refresh(t0.Add(30 * time.Minute)) {
		t.Error("refresh started while cache is fresh")
	}
	if nd.Refresh(t0.Add(time.Hour)) {
		t.Error("refresh started exactly at the interval boundary")
	}
	if !nd.Refresh(t0.Add(time.Hour + time.Second)) {
		t.Error("refresh not started once stale")
	}
	nd.Wait()

	if calls := daemon.calls.Load(); calls != 2 {
		t.Errorf("daemon called %d times, want 2", calls)
	}
}

func TestNetworkDifficulty_FailureKeepsCachedValue(t *testing.T) {
	daemon := &fakeDaemon{diff: 1000}
	nd := NewNetworkDifficulty(daemon, time.Minute, zap.NewNop())

	nd.Refresh(t0)
	nd.Wait()

	daemon.err = errFake
	nd.Refresh(t0.Add(2 * time.Minute))
	nd.Wait()

	if v, ok := nd.Value(); !ok || v != 1000 {
		t.Fatalf("value = %v (%v), want stale 1000", v, ok)
	}

	// The failed attempt still counts as a refresh.
	if nd.Refresh(t0.Add(2*time.Minute + 30*time.Second)) {
		t.Error("failed refresh retried before the interval elapsed")
	}
}

func TestNetworkDifficulty_RejectsNonPositive(t *testing.T) {
	daemon := &fakeDaemon{diff: 0}
	nd := NewNetworkDifficulty(daemon, time.Minute, zap.NewNop())

	nd.Refresh(t0)
	nd.Wait()

	if _, ok := nd.Value(); ok {
		t.Error("zero difficulty accepted")
	}
}
