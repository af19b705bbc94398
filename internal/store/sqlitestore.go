package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by a SQLite database. Operators can pin
// workers by editing the workers table directly.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS workers (
			name TEXT PRIMARY KEY,
			vardiff_enabled INTEGER NOT NULL DEFAULT 1,
			difficulty REAL NOT NULL DEFAULT 0,
			updated_at_unix INTEGER NOT NULL
		)
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create workers table: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	logger.Info("worker store opened", zap.String("path", path), zap.Int("workers", s.Count()))
	return s, nil
}

func (s *SQLiteStore) Worker(name string) (Record, bool, error) {
	var rec Record
	var enabled int
	err := s.db.QueryRow(
		`SELECT vardiff_enabled, difficulty, updated_at_unix FROM workers WHERE name = ?`, name,
	).Scan(&enabled, &rec.Difficulty, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return defaultRecord, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load worker %q: %w", name, err)
	}
	rec.VardiffEnabled = enabled != 0
	return rec, true, nil
}

func (s *SQLiteStore) SetWorkerPolicy(name string, vardiffEnabled bool, difficulty float64) error {
	enabled := 0
	if vardiffEnabled {
		enabled = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO workers (name, vardiff_enabled, difficulty, updated_at_unix)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			vardiff_enabled = excluded.vardiff_enabled,
			difficulty = excluded.difficulty,
			updated_at_unix = excluded.updated_at_unix
	`, name, enabled, difficulty, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set worker policy %q: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateWorkerDifficulty(name string, difficulty float64) error {
	_, err := s.db.Exec(`
		INSERT INTO workers (name, vardiff_enabled, difficulty, updated_at_unix)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			difficulty = excluded.difficulty,
			updated_at_unix = excluded.updated_at_unix
	`, name, difficulty, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("update worker difficulty %q: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) ClearAllWorkerDifficulties() error {
	res, err := s.db.Exec(`UPDATE workers SET difficulty = 0`)
	if err != nil {
		return fmt.Errorf("clear worker difficulties: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Info("cleared stored worker difficulties", zap.Int64("workers", n))
	return nil
}

func (s *SQLiteStore) Count() int {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM workers`).Scan(&n); err != nil {
		s.logger.Warn("count workers", zap.Error(err))
		return 0
	}
	return n
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
