// Package memstore implements the Memory Store (spec §4.C): an
// embedded key/value and counter store backing the Guardrail
// Detector's cross-restart learning, plus the two logical
// human_in_loop tables it reads and writes.
//
// Grounded on the teacher's internal/memory/db.go (embedded SQLite
// open/migrate/close lifecycle, WAL pragmas, schema-version gated
// migrations) with the driver swapped from the teacher's
// github.com/mattn/go-sqlite3 (cgo) to modernc.org/sqlite (pure Go),
// which is also a direct dependency of the teacher's own go.mod.
package memstore

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/taskforge/orchestrator/internal/config"
)

var logger = log.New(log.Writer(), "[MEMSTORE] ", log.LstdFlags)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS kv_store (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS counters (
	name TEXT PRIMARY KEY,
	value INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS human_in_loop_feedback (
	detection_id TEXT PRIMARY KEY,
	was_correct INTEGER NOT NULL,
	actual_need TEXT NOT NULL,
	comment TEXT,
	timestamp TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS human_in_loop_learning (
	pattern_name TEXT PRIMARY KEY,
	tp INTEGER NOT NULL DEFAULT 0,
	fp INTEGER NOT NULL DEFAULT 0,
	fn INTEGER NOT NULL DEFAULT 0,
	last_updated TIMESTAMP NOT NULL
);
`

// FeedbackRow mirrors one row of human_in_loop_feedback.
type FeedbackRow struct {
	DetectionID string
	WasCorrect  bool
	ActualNeed  string
	Comment     string
	Timestamp   time.Time
}

// LearningRow mirrors one row of human_in_loop_learning.
type LearningRow struct {
	PatternName string
	TP, FP, FN  int
	LastUpdated time.Time
}

// Store is the embedded Memory Store. A nil *sql.DB (backend
// unavailable) degrades every operation without raising, per spec
// §4.C: key/value and counter operations fall back to in-memory maps,
// while feedback and learning rows are not kept (RecordFeedback and
// UpsertLearning drop them, GetLearning reports not found).
type Store struct {
	mu         sync.RWMutex
	db         *sql.DB
	degraded   bool
	fallbackKV map[string]string
	fallbackCt map[string]int64
}

// Open creates or opens the SQLite-backed memory store at cfg.Path. If
// the backend cannot be opened, Open still returns a usable Store in
// degraded (in-memory-only) mode rather than an error, matching the
// spec's graceful-degradation contract; the degradation is logged.
func Open(cfg config.MemStoreConfig) *Store {
	s := &Store{fallbackKV: make(map[string]string), fallbackCt: make(map[string]int64)}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		logger.Printf("could not create memstore directory, degrading to in-memory: %v", err)
		s.degraded = true
		return s
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		logger.Printf("could not open memstore db, degrading to in-memory: %v", err)
		s.degraded = true
		return s
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer, WAL still permits concurrent readers

	if _, err := db.Exec(schemaSQL); err != nil {
		logger.Printf("could not migrate memstore schema, degrading to in-memory: %v", err)
		db.Close()
		s.degraded = true
		return s
	}

	s.db = db
	return s
}

// Close releases the underlying database handle, if any.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Degraded reports whether the store is running without a durable backend.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// Set upserts a key/value pair.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.degraded {
		s.fallbackKV[key] = value
		return nil
	}

	_, err := s.db.Exec(`
		INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now())
	if err != nil {
		logger.Printf("set failed, falling back to in-memory: %v", err)
		s.degraded = true
		s.fallbackKV[key] = value
		return nil
	}
	return nil
}

// Get retrieves a value; ok is false if the key is absent.
func (s *Store) Get(key string) (value string, ok bool) {
	s.mu.RLock()
	degraded := s.degraded
	s.mu.RUnlock()

	if degraded {
		s.mu.RLock()
		v, ok := s.fallbackKV[key]
		s.mu.RUnlock()
		return v, ok
	}

	var v string
	err := s.db.QueryRow(`SELECT value FROM kv_store WHERE key = ?`, key).Scan(&v)
	if err != nil {
		return "", false
	}
	return v, true
}

// IncrementCounter increments a named counter by delta and returns the
// new value.
func (s *Store) IncrementCounter(name string, delta int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.degraded {
		s.fallbackCt[name] += delta
		return s.fallbackCt[name]
	}

	_, err := s.db.Exec(`
		INSERT INTO counters (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = value + excluded.value
	`, name, delta)
	if err != nil {
		logger.Printf("increment failed, falling back to in-memory: %v", err)
		s.degraded = true
		s.fallbackCt[name] += delta
		return s.fallbackCt[name]
	}

	var v int64
	if err := s.db.QueryRow(`SELECT value FROM counters WHERE name = ?`, name).Scan(&v); err != nil {
		return 0
	}
	return v
}

// RecordFeedback upserts a human_in_loop_feedback row. Unknown
// detection ids are accepted as a stored hint per spec §4.E.
func (s *Store) RecordFeedback(row FeedbackRow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.degraded {
		return
	}

	wasCorrect := 0
	if row.WasCorrect {
		wasCorrect = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO human_in_loop_feedback (detection_id, was_correct, actual_need, comment, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(detection_id) DO UPDATE SET
			was_correct = excluded.was_correct, actual_need = excluded.actual_need,
			comment = excluded.comment, timestamp = excluded.timestamp
	`, row.DetectionID, wasCorrect, row.ActualNeed, row.Comment, row.Timestamp)
	if err != nil {
		logger.Printf("record feedback failed, degrading: %v", err)
		s.degraded = true
	}
}

// UpsertLearning adds deltas to a pattern's TP/FP/FN counters.
func (s *Store) UpsertLearning(patternName string, dtp, dfp, dfn int) LearningRow {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.degraded {
		return LearningRow{PatternName: patternName, LastUpdated: now}
	}

	_, err := s.db.Exec(`
		INSERT INTO human_in_loop_learning (pattern_name, tp, fp, fn, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(pattern_name) DO UPDATE SET
			tp = tp + excluded.tp, fp = fp + excluded.fp, fn = fn + excluded.fn,
			last_updated = excluded.last_updated
	`, patternName, dtp, dfp, dfn, now)
	if err != nil {
		logger.Printf("upsert learning failed, degrading: %v", err)
		s.degraded = true
		return LearningRow{PatternName: patternName, LastUpdated: now}
	}

	var row LearningRow
	row.PatternName = patternName
	if err := s.db.QueryRow(`SELECT tp, fp, fn, last_updated FROM human_in_loop_learning WHERE pattern_name = ?`, patternName).
		Scan(&row.TP, &row.FP, &row.FN, &row.LastUpdated); err != nil {
		logger.Printf("read-back learning row failed: %v", err)
	}
	return row
}

// GetLearning reads a pattern's accumulated TP/FP/FN counters.
func (s *Store) GetLearning(patternName string) (LearningRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.degraded {
		return LearningRow{}, false
	}

	var row LearningRow
	row.PatternName = patternName
	err := s.db.QueryRow(`SELECT tp, fp, fn, last_updated FROM human_in_loop_learning WHERE pattern_name = ?`, patternName).
		Scan(&row.TP, &row.FP, &row.FN, &row.LastUpdated)
	if err != nil {
		return LearningRow{}, false
	}
	return row, true
}

// GuardrailView adapts a Store to guardrail.MemoryStore's narrower,
// scalar-argument method set, so the Guardrail Detector can depend on
// an interface rather than this package's row types.
type GuardrailView struct {
	store *Store
}

// AsGuardrailStore wraps s for use as a guardrail.MemoryStore.
func (s *Store) AsGuardrailStore() GuardrailView {
	return GuardrailView{store: s}
}

func (v GuardrailView) RecordFeedback(detectionID string, wasCorrect bool, actualNeed, comment string) error {
	v.store.RecordFeedback(FeedbackRow{
		DetectionID: detectionID, WasCorrect: wasCorrect, ActualNeed: actualNeed,
		Comment: comment, Timestamp: time.Now(),
	})
	return nil
}

func (v GuardrailView) UpsertLearning(pattern string, dtp, dfp, dfn int) error {
	v.store.UpsertLearning(pattern, dtp, dfp, dfn)
	return nil
}

func (v GuardrailView) GetLearning(pattern string) (tp, fp, fn int, ok bool) {
	row, ok := v.store.GetLearning(pattern)
	if !ok {
		return 0, 0, 0, false
	}
	return row.TP, row.FP, row.FN, true
}
