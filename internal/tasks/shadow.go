package tasks

import (
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var shadowLogger = log.New(log.Writer(), "[TASKS:SHADOW] ", log.LstdFlags)

// ErrorOrigin identifies which backend produced an error.
type ErrorOrigin string

const (
	OriginSQLite ErrorOrigin = "sqlite"
	OriginJSON   ErrorOrigin = "json"
	OriginOther  ErrorOrigin = "other"
)

// Divergence records a content-hash mismatch between backends.
type Divergence struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Severity   string     `json:"severity"`
	JSONHash   string     `json:"jsonHash"`
	SQLiteHash string     `json:"sqliteHash"`
	Version    int        `json:"version"`
	Details    string     `json:"details"`
	Resolved   bool       `json:"resolved"`
	Resolution string     `json:"resolution,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// ShadowCounters track operation tallies for health scoring.
type ShadowCounters struct {
	Saves             int64
	Loads             int64
	Conflicts         int64
	Merges            int64
	LockAcquired      int64
	LockFailed        int64
	ValidationPassed  int64
	ValidationFailed  int64
	ErrorsByOrigin    map[ErrorOrigin]int64
}

// HealthStatus is a qualitative health band.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
)

// HealthReport summarizes shadow-mode health.
type HealthReport struct {
	Score              float64      `json:"score"`
	Status             HealthStatus `json:"status"`
	DivergenceCount    int          `json:"divergenceCount"`
	SaveCount          int64        `json:"saveCount"`
	ReadyForMigration  bool         `json:"readyForMigration"`
}

// ShadowStore is the secondary relational backend used for dual-backend
// consistency checking (spec §4.D Shadow mode). Grounded on the teacher's
// internal/tasks/store.go SQLite schema, re-purposed as a mirror of the
// JSON-authoritative store rather than the primary store.
type ShadowStore struct {
	mu sync.Mutex

	db      *sql.DB
	enabled bool

	latencyWindow  int
	saveLatencies  []time.Duration
	loadLatencies  []time.Duration

	maxDivergences int
	divergences    []Divergence

	counters ShadowCounters

	p99Ceiling time.Duration
	idSeq      int
}

// NewShadowStore opens (creating if necessary) the shadow SQLite
// database. enabled=false short-circuits every shadow operation to a
// no-op, so callers can always invoke shadow methods unconditionally.
func NewShadowStore(path string, enabled bool, latencyWindow, maxDivergences int, p99Ceiling time.Duration) (*ShadowStore, error) {
	s := &ShadowStore{
		enabled: enabled, latencyWindow: latencyWindow, maxDivergences: maxDivergences,
		p99Ceiling: p99Ceiling, counters: ShadowCounters{ErrorsByOrigin: make(map[ErrorOrigin]int64)},
	}
	if !enabled {
		return s, nil
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("shadow store: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS shadow_tasks (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			version INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS shadow_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("shadow store: migrate: %w", err)
	}

	s.db = db
	return s, nil
}

func (s *ShadowStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *ShadowStore) Enabled() bool {
	return s.enabled
}

// Mirror writes doc's tasks into the shadow backend and records a
// content hash for divergence comparison against the JSON hash.
func (s *ShadowStore) Mirror(doc *Document) (sqliteHash string, err error) {
	if !s.enabled {
		return "", nil
	}

	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		s.recordError(OriginSQLite)
		return "", fmt.Errorf("shadow mirror begin: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM shadow_tasks`); err != nil {
		tx.Rollback()
		s.recordError(OriginSQLite)
		return "", fmt.Errorf("shadow mirror clear: %w", err)
	}

	for id, t := range doc.Tasks {
		payload, err := json.Marshal(t)
		if err != nil {
			tx.Rollback()
			s.recordError(OriginOther)
			return "", fmt.Errorf("shadow mirror marshal %s: %w", id, err)
		}
		if _, err := tx.Exec(`INSERT INTO shadow_tasks (id, payload, version, updated_at) VALUES (?, ?, ?, ?)`,
			id, string(payload), doc.ConcurrencyHeader.Version, time.Now()); err != nil {
			tx.Rollback()
			s.recordError(OriginSQLite)
			return "", fmt.Errorf("shadow mirror insert %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.recordError(OriginSQLite)
		return "", fmt.Errorf("shadow mirror commit: %w", err)
	}

	s.counters.Saves++
	s.recordLatency(&s.saveLatencies, time.Since(start))

	hash, err := s.ReadBackHash()
	if err != nil {
		s.recordError(OriginSQLite)
		return "", fmt.Errorf("shadow mirror read-back: %w", err)
	}
	return hash, nil
}

// ReadBackHash selects every row currently in shadow_tasks and hashes
// the result, so callers can compare what SQLite actually persisted
// against the JSON-authoritative hash rather than re-hashing the
// in-memory document that was mirrored.
func (s *ShadowStore) ReadBackHash() (string, error) {
	rows, err := s.db.Query(`SELECT payload FROM shadow_tasks ORDER BY id`)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return "", err
		}
		var t Task
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return "", err
		}
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	return canonicalHashTasks(tasks), nil
}

func (s *ShadowStore) recordError(origin ErrorOrigin) {
	s.counters.ErrorsByOrigin[origin]++
}

func (s *ShadowStore) recordLatency(buf *[]time.Duration, d time.Duration) {
	*buf = append(*buf, d)
	if len(*buf) > s.latencyWindow {
		*buf = (*buf)[len(*buf)-s.latencyWindow:]
	}
}

// CheckDivergence compares the JSON-side hash against the shadow's own
// computation and records a Divergence on mismatch.
func (s *ShadowStore) CheckDivergence(jsonHash, sqliteHash string, version int) *Divergence {
	if !s.enabled || jsonHash == sqliteHash {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.idSeq++
	d := Divergence{
		ID: fmt.Sprintf("divergence-%d-%d", time.Now().UnixNano(), s.idSeq),
		Type: "content-hash-mismatch", Severity: "high",
		JSONHash: jsonHash, SQLiteHash: sqliteHash, Version: version,
		Details:   "authoritative JSON hash does not match shadow SQLite hash after save",
		CreatedAt: time.Now(),
	}

	s.divergences = append(s.divergences, d)
	if len(s.divergences) > s.maxDivergences {
		s.divergences = s.divergences[len(s.divergences)-s.maxDivergences:]
	}

	shadowLogger.Printf("divergence detected: version=%d json=%s sqlite=%s", version, jsonHash, sqliteHash)
	return &d
}

// RecordLoad increments the load counter; called by the JSON-authoritative
// store after each Load that reads an existing file. It is a no-op when
// shadow mode is disabled.
func (s *ShadowStore) RecordLoad() {
	if !s.enabled {
		return
	}
	s.mu.Lock()
	s.counters.Loads++
	s.mu.Unlock()
}

// RecordConflictMerge increments the conflict and merge counters when
// the JSON store resolves a three-way merge against a stale in-memory version.
func (s *ShadowStore) RecordConflictMerge() {
	if !s.enabled {
		return
	}
	s.mu.Lock()
	s.counters.Conflicts++
	s.counters.Merges++
	s.mu.Unlock()
}

// Divergences returns a copy of the retained divergence records.
func (s *ShadowStore) Divergences() []Divergence {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Divergence, len(s.divergences))
	copy(out, s.divergences)
	return out
}

// Counters returns a copy of the running operation counters.
func (s *ShadowStore) Counters() ShadowCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters
	errs := make(map[ErrorOrigin]int64, len(s.counters.ErrorsByOrigin))
	for k, v := range s.counters.ErrorsByOrigin {
		errs[k] = v
	}
	c.ErrorsByOrigin = errs
	return c
}

func (s *ShadowStore) p99(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Health computes the spec §4.D health score and status band.
func (s *ShadowStore) Health() HealthReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	score := 100.0
	divergenceCount := len(s.divergences)
	score -= minFloat(50, float64(divergenceCount)*5)

	var totalErrors int64
	for _, v := range s.counters.ErrorsByOrigin {
		totalErrors += v
	}
	score -= minFloat(30, float64(totalErrors)*3)

	if s.p99(s.saveLatencies) > s.p99Ceiling {
		score -= 20
	}

	var status HealthStatus
	switch {
	case score >= 90:
		status = HealthHealthy
	case score >= 70:
		status = HealthWarning
	case score >= 50:
		status = HealthDegraded
	default:
		status = HealthCritical
	}

	readyForMigration := s.counters.Saves >= 100 && divergenceCount == 0 && status == HealthHealthy

	return HealthReport{
		Score: score, Status: status, DivergenceCount: divergenceCount,
		SaveCount: s.counters.Saves, ReadyForMigration: readyForMigration,
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// canonicalHash computes a SHA-256 hash over a canonical (sorted-id)
// JSON rendering of a document's tasks, used to compare the
// JSON-authoritative and shadow backends.
func canonicalHash(doc *Document) string {
	ids := make([]string, 0, len(doc.Tasks))
	for id := range doc.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	ordered := make([]*Task, 0, len(ids))
	for _, id := range ids {
		ordered = append(ordered, doc.Tasks[id])
	}
	return canonicalHashTasks(ordered)
}

// canonicalHashTasks hashes an already-ordered task slice. Shared by
// canonicalHash (JSON side) and ShadowStore.ReadBackHash (SQLite side)
// so both backends are hashed with identical logic.
func canonicalHashTasks(tasks []*Task) string {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	data, _ := json.Marshal(tasks)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}
