package bench

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"tinker/internal/logging"
)

// History is the append-only benchmark result log. Results are never
// updated or deleted; the newest entry is the baseline the
// self-improvement loop measures against.
type History struct {
	db  *sql.DB
	mu  sync.Mutex
	log *zap.Logger
}

// OpenHistory initializes the history database at path.
func OpenHistory(path string) (*History, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.Named("bench.history").Debug("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	h := &History{db: db, log: logging.Named("bench.history")}
	if err := h.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *History) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS results (
		id TEXT PRIMARY KEY,
		run_at INTEGER NOT NULL,
		source_task TEXT NOT NULL DEFAULT '',
		aggregate REAL NOT NULL,
		categories TEXT NOT NULL,
		tasks TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_results_run_at ON results(run_at);
	`
	if _, err := h.db.Exec(schema); err != nil {
		return fmt.Errorf("create history schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (h *History) Close() error {
	return h.db.Close()
}

// Append records a result. A zero ID or timestamp is stamped here so
// callers can hand over results exactly as the runner produced them.
func (h *History) Append(r *Result) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.RunAt.IsZero() {
		r.RunAt = time.Now()
	}
	categories, err := json.Marshal(r.Categories)
	if err != nil {
		return fmt.Errorf("encode category scores: %w", err)
	}
	tasks, err := json.Marshal(r.Tasks)
	if err != nil {
		return fmt.Errorf("encode task scores: %w", err)
	}

	_, err = h.db.Exec(
		`INSERT INTO results (id, run_at, source_task, aggregate, categories, tasks)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.RunAt.UnixNano(), r.SourceTask, r.Aggregate, string(categories), string(tasks),
	)
	if err != nil {
		return fmt.Errorf("append result: %w", err)
	}
	h.log.Debug("result recorded",
		zap.String("id", r.ID[:8]),
		zap.Float64("aggregate", r.Aggregate))
	return nil
}

// Latest returns the most recent result, or nil when the log is empty.
func (h *History) Latest() (*Result, error) {
	results, err := h.Recent(1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// Recent returns up to n results, newest first.
func (h *History) Recent(n int) ([]*Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rows, err := h.db.Query(
		`SELECT id, run_at, source_task, aggregate, categories, tasks
		 FROM results ORDER BY run_at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	defer rows.Close()

	var results []*Result
	for rows.Next() {
		r := &Result{}
		var runAt int64
		var categories, tasks string
		if err := rows.Scan(&r.ID, &runAt, &r.SourceTask, &r.Aggregate, &categories, &tasks); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.RunAt = time.Unix(0, runAt)
		if err := json.Unmarshal([]byte(categories), &r.Categories); err != nil {
			return nil, fmt.Errorf("decode category scores: %w", err)
		}
		if err := json.Unmarshal([]byte(tasks), &r.Tasks); err != nil {
			return nil, fmt.Errorf("decode task scores: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Len returns the number of recorded results.
func (h *History) Len() (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var n int64
	if err := h.db.QueryRow("SELECT COUNT(*) FROM results").Scan(&n); err != nil {
		return 0, fmt.Errorf("count results: %w", err)
	}
	return n, nil
}
