package store

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

// openStores returns one instance of every backend, each on a fresh path.
func openStores(t *testing.T) map[string]Store {
	t.Helper()
	logger := zap.NewNop()
	dir := t.TempDir()

	bolt, err := NewBoltStore(filepath.Join(dir, "workers.bolt"), logger)
	if err != nil {
		t.Fatalf("open bolt store: %v", err)
	}
	sqlite, err := NewSQLiteStore(filepath.Join(dir, "state", "workers.db"), logger)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}

	stores := map[string]Store{
		BackendMemory: NewMemoryStore(),
		BackendBolt:   bolt,
		BackendSQLite: sqlite,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func TestStore_UnknownWorkerDefaults(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			rec, ok, err := s.Worker("nobody")
			if err != nil {
				t.Fatalf("worker: %v", err)
			}
			if ok || !rec.VardiffEnabled || rec.Difficulty != 0 {
				t.Errorf("got %+v ok=%v, want vardiff enabled default", rec, ok)
			}
		})
	}
}

func TestStore_UpdateKeepsPolicy(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.SetWorkerPolicy("pinned", false, 2048); err != nil {
				t.Fatalf("set policy: %v", err)
			}
			if err := s.UpdateWorkerDifficulty("pinned", 4096); err != nil {
				t.Fatalf("update: %v", err)
			}
			if err := s.UpdateWorkerDifficulty("fresh", 512); err != nil {
				t.Fatalf("update: %v", err)
			}

			rec, ok, err := s.Worker("pinned")
			if err != nil || !ok {
				t.Fatalf("worker: %v ok=%v", err, ok)
			}
			if rec.VardiffEnabled || rec.Difficulty != 4096 {
				t.Errorf("pinned = %+v", rec)
			}

			rec, ok, _ = s.Worker("fresh")
			if !ok || !rec.VardiffEnabled || rec.Difficulty != 512 {
				t.Errorf("fresh = %+v ok=%v", rec, ok)
			}
			if s.Count() != 2 {
				t.Errorf("count = %d, want 2", s.Count())
			}
		})
	}
}

func TestStore_ClearAllKeepsWorkers(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			s.SetWorkerPolicy("a", false, 100)
			s.UpdateWorkerDifficulty("b", 200)

			if err := s.ClearAllWorkerDifficulties(); err != nil {
				t.Fatalf("clear: %v", err)
			}

			a, _, _ := s.Worker("a")
			b, _, _ := s.Worker("b")
			if a.Difficulty != 0 || b.Difficulty != 0 {
				t.Errorf("difficulties not cleared: a=%v b=%v", a.Difficulty, b.Difficulty)
			}
			if a.VardiffEnabled {
				t.Error("clearing difficulties changed the vardiff policy")
			}
			if s.Count() != 2 {
				t.Errorf("count = %d, want 2", s.Count())
			}
		})
	}
}

func TestBoltStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workers.bolt")
	logger := zap.NewNop()

	s, err := NewBoltStore(path, logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.SetWorkerPolicy("rig1", false, 8192)
	s.UpdateWorkerDifficulty("rig2", 1024)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = NewBoltStore(path, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	if s.Count() != 2 {
		t.Fatalf("count = %d after reopen, want 2", s.Count())
	}
	rec, ok, _ := s.Worker("rig1")
	if !ok || rec.VardiffEnabled || rec.Difficulty != 8192 {
		t.Errorf("rig1 = %+v ok=%v", rec, ok)
	}
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workers.db")
	logger := zap.NewNop()

	s, err := NewSQLiteStore(path, logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.UpdateWorkerDifficulty("rig2", 1024)
	s.Close()

	s, err = NewSQLiteStore(path, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	rec, ok, _ := s.Worker("rig2")
	if !ok || rec.Difficulty != 1024 {
		t.Errorf("rig2 = %+v ok=%v", rec, ok)
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open("postgres", "", zap.NewNop()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
