package workers

import (
	"errors"
	"testing"

	"github.com/Karpatsky/TidePool/internal/store"
)

type failingSource struct{}

func (failingSource) Worker(string) (store.Record, bool, error) {
	return store.Record{}, false, errors.New("db down")
}

func TestRegistry_DifficultyPolicy(t *testing.T) {
	s := store.NewMemoryStore()
	s.SetWorkerPolicy("pinned", false, 65536)
	r := NewRegistry(s, 0)

	enabled, diff, err := r.DifficultyPolicy("pinned")
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if enabled || diff != 65536 {
		t.Errorf("pinned: enabled=%v diff=%v", enabled, diff)
	}

	enabled, diff, err = r.DifficultyPolicy("newcomer")
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if !enabled || diff != 0 {
		t.Errorf("newcomer: enabled=%v diff=%v", enabled, diff)
	}
}

func TestRegistry_PolicyError(t *testing.T) {
	r := NewRegistry(failingSource{}, 0)
	if _, _, err := r.DifficultyPolicy("x"); err == nil {
		t.Fatal("expected error from failing source")
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry(store.NewMemoryStore(), 0)

	id1, err := r.RegisterWork("alice", "job7", 512)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	id2, _ := r.RegisterWork("bob", "job7", 1024)
	if id1 == id2 {
		t.Fatalf("duplicate work id %s", id1)
	}
	if !IsWorkID(id1) || id1 != "vd00000001" {
		t.Errorf("work id = %q", id1)
	}

	w, err := r.Lookup(id1)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if w.Worker != "alice" || w.JobID != "job7" || w.Difficulty != 512 {
		t.Errorf("work = %+v", w)
	}

	if _, err := r.Lookup("ffffffff"); !errors.Is(err, ErrUnknownWork) {
		t.Errorf("expected ErrUnknownWork, got %v", err)
	}
}

func TestRegistry_RejectsEmptyFields(t *testing.T) {
	r := NewRegistry(store.NewMemoryStore(), 0)
	if _, err := r.RegisterWork("", "job", 1); err == nil {
		t.Error("expected error for empty worker")
	}
	if _, err := r.RegisterWork("alice", "", 1); err == nil {
		t.Error("expected error for empty job id")
	}
}

func TestRegistry_ForgetsOldestWork(t *testing.T) {
	r := NewRegistry(store.NewMemoryStore(), 3)

	var ids []string
	for i := 0; i < 5; i++ {
		id, _ := r.RegisterWork("alice", "job", float64(i))
		ids = append(ids, id)
	}

	if r.Len() != 3 {
		t.Fatalf("len = %d, want 3", r.Len())
	}
	for _, id := range ids[:2] {
		if _, err := r.Lookup(id); !errors.Is(err, ErrUnknownWork) {
			t.Errorf("work %s should have been forgotten", id)
		}
	}
	for _, id := range ids[2:] {
		if _, err := r.Lookup(id); err != nil {
			t.Errorf("work %s missing: %v", id, err)
		}
	}
}

func TestIsWorkID(t *testing.T) {
	cases := map[string]bool{
		"vd0000002a": true,
		"0000002a":   false,
		"job1":       false,
		"":           false,
	}
	for id, want := range cases {
		if got := IsWorkID(id); got != want {
			t.Errorf("IsWorkID(%q) = %v, want %v", id, got, want)
		}
	}
}
