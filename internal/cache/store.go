// Package cache is the experience cache: completed exploration and
// planning outcomes keyed by a fingerprint of the request and the
// involved file contents. A hit lets the pipeline skip straight to plan
// approval; apply and verify always run fresh.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"tinker/internal/logging"
)

// Entry is one cached exploration and planning outcome.
type Entry struct {
	Fingerprint string            `json:"fingerprint"`
	Request     string            `json:"request"`
	Intent      string            `json:"intent"`
	PlanJSON    string            `json:"plan_json"`
	FileHashes  map[string]string `json:"file_hashes"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Hits        int64             `json:"hits"`
}

// StillValid reports whether the entry's recorded file hashes match the
// current ones. Any drifted or missing file makes the entry stale.
func (e *Entry) StillValid(current map[string]string) bool {
	for path, hash := range e.FileHashes {
		if current[path] != hash {
			return false
		}
	}
	return true
}

// Store is the sqlite-backed experience cache.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	ttl time.Duration
	log *zap.Logger
}

// Open initializes the cache database at path. Entries default to the
// given TTL when stored without an explicit expiry.
func Open(path string, ttl time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.Named("cache").Debug("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	s := &Store{db: db, ttl: ttl, log: logging.Named("cache")}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS experience (
		fingerprint TEXT PRIMARY KEY,
		request TEXT NOT NULL,
		intent TEXT NOT NULL,
		plan_json TEXT NOT NULL,
		file_hashes TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		hits INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_experience_expires ON experience(expires_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create cache schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores or replaces an entry. Zero timestamps are stamped with now
// and the default TTL.
func (s *Store) Put(e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = e.CreatedAt.Add(s.ttl)
	}
	hashes, err := json.Marshal(e.FileHashes)
	if err != nil {
		return fmt.Errorf("encode file hashes: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO experience (fingerprint, request, intent, plan_json, file_hashes, created_at, expires_at, hits)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		 ON CONFLICT(fingerprint) DO UPDATE SET
		 request = excluded.request,
		 intent = excluded.intent,
		 plan_json = excluded.plan_json,
		 file_hashes = excluded.file_hashes,
		 created_at = excluded.created_at,
		 expires_at = excluded.expires_at`,
		e.Fingerprint, e.Request, e.Intent, e.PlanJSON, string(hashes),
		e.CreatedAt.Unix(), e.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store cache entry: %w", err)
	}
	s.log.Debug("cached experience",
		zap.String("fingerprint", short(e.Fingerprint)),
		zap.Time("expires", e.ExpiresAt))
	return nil
}

// Get returns the fresh entry for fingerprint, or nil on a miss. An
// expired entry is deleted on the way out and reported as a miss. Hits
// are counted.
func (s *Store) Get(fingerprint string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT request, intent, plan_json, file_hashes, created_at, expires_at, hits
		 FROM experience WHERE fingerprint = ?`, fingerprint)

	e := &Entry{Fingerprint: fingerprint}
	var hashes string
	var created, expires int64
	err := row.Scan(&e.Request, &e.Intent, &e.PlanJSON, &hashes, &created, &expires, &e.Hits)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache entry: %w", err)
	}
	e.CreatedAt = time.Unix(created, 0)
	e.ExpiresAt = time.Unix(expires, 0)
	if err := json.Unmarshal([]byte(hashes), &e.FileHashes); err != nil {
		return nil, fmt.Errorf("decode file hashes: %w", err)
	}

	if time.Now().After(e.ExpiresAt) {
		if _, err := s.db.Exec("DELETE FROM experience WHERE fingerprint = ?", fingerprint); err != nil {
			return nil, fmt.Errorf("evict expired entry: %w", err)
		}
		s.log.Debug("cache entry expired", zap.String("fingerprint", short(fingerprint)))
		return nil, nil
	}

	if _, err := s.db.Exec("UPDATE experience SET hits = hits + 1 WHERE fingerprint = ?", fingerprint); err != nil {
		return nil, fmt.Errorf("count cache hit: %w", err)
	}
	e.Hits++
	return e, nil
}

// Invalidate removes an entry, typically after its file hashes stopped
// matching the workspace.
func (s *Store) Invalidate(fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM experience WHERE fingerprint = ?", fingerprint)
	if err != nil {
		return fmt.Errorf("invalidate cache entry: %w", err)
	}
	return nil
}

// PurgeExpired removes all entries past their expiry and returns how
// many were dropped.
func (s *Store) PurgeExpired() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("DELETE FROM experience WHERE expires_at < ?", time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("purge cache: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info("purged expired cache entries", zap.Int64("count", n))
	}
	return n, nil
}

// Len returns the number of stored entries, expired or not.
func (s *Store) Len() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM experience").Scan(&n); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return n, nil
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
