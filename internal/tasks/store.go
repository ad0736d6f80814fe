package tasks

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/taskforge/orchestrator/internal/apperrors"
	"github.com/taskforge/orchestrator/internal/config"
	"github.com/taskforge/orchestrator/internal/events"
)

var logger = log.New(log.Writer(), "[TASKS] ", log.LstdFlags)

// SuccessRateSource supplies the Memory-Store-backed historical success
// rate used by scoring; the Guardrail Detector's memstore.Store
// satisfies a narrower view of this, but the Task Store only needs a
// plain lookup, so it depends on this interface rather than the
// concrete type.
type SuccessRateSource interface {
	Get(key string) (string, bool)
}

// Store is the JSON-authoritative Task Store, with an optional shadow
// SQLite mirror for dual-backend consistency checking.
type Store struct {
	mu sync.RWMutex

	path             string
	sessionID        string
	maxAncestryDepth int
	bus              *events.Bus
	shadow           *ShadowStore
	successRates     SuccessRateSource

	doc *Document
}

// New creates a Task Store bound to the configured JSON file and an
// optional shadow backend. Call Load before use.
func New(cfg config.TaskStoreConfig, sessionID string, bus *events.Bus, successRates SuccessRateSource) (*Store, error) {
	shadow, err := NewShadowStore(cfg.ShadowDBPath, cfg.ShadowMode, cfg.ShadowLatencyWindow, cfg.MaxDivergences, cfg.P99LatencyCeiling)
	if err != nil {
		return nil, err
	}

	maxDepth := cfg.MaxAncestryDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxAncestryDepth
	}

	s := &Store{
		path: cfg.Path, sessionID: sessionID, maxAncestryDepth: maxDepth,
		bus: bus, shadow: shadow, successRates: successRates, doc: newDocument(),
	}

	if shadow.Enabled() && bus != nil {
		bus.Publish(events.New(events.ShadowEnabled, "tasks", nil))
	}

	return s, nil
}

// Close releases the shadow backend's database handle.
func (s *Store) Close() error {
	return s.shadow.Close()
}

// Load reads the task document from disk. A missing file yields a
// fresh empty document (version 1). A legacy file lacking a
// concurrency header is upgraded to version 1 on read.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("tasks: ensure dir: %w", err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.doc = newDocument()
			return nil
		}
		return fmt.Errorf("tasks: read: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("tasks: parse: %w", err)
	}
	if doc.Tasks == nil {
		doc.Tasks = make(map[string]*Task)
	}
	if doc.ConcurrencyHeader.Version == 0 {
		doc.ConcurrencyHeader.Version = 1
	}

	s.doc = &doc
	s.shadow.RecordLoad()
	return nil
}

// Reload discards in-memory state and reloads from disk.
func (s *Store) Reload() error {
	return s.Load()
}

// GetTask returns a task by id, or nil if absent.
func (s *Store) GetTask(id string) *Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Tasks[id]
}

// CreateTask adds a new task to the "later" tier by default and
// reconciles dependency inverses.
func (s *Store) CreateTask(fields CreateFields) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.doc.Tasks[fields.ID]; exists {
		return nil, fmt.Errorf("tasks: id %q already exists", fields.ID)
	}

	now := time.Now()
	t := &Task{
		ID: fields.ID, Title: fields.Title, Description: fields.Description,
		Phase: fields.Phase, Priority: fields.Priority, Effort: fields.Effort,
		Status: StatusReady, Tags: fields.Tags, Created: now, Updated: now,
		Depends: fields.Depends, Acceptance: fields.Acceptance,
	}
	if len(t.Depends.Requires) > 0 {
		t.Status = StatusBlocked
	}

	s.doc.Tasks[t.ID] = t
	reconcileDependencies(s.doc)
	s.doc.Backlog.Later.Tasks = append(s.doc.Backlog.Later.Tasks, t.ID)
	s.recomputeBlockedStatus()

	if s.bus != nil {
		s.bus.Publish(events.New(events.TaskCreated, "tasks", map[string]interface{}{"id": t.ID}))
	}
	return t, nil
}

// UpdateTask applies a partial patch. Returns apperrors.ErrNotFound if
// the task does not exist.
func (s *Store) UpdateTask(id string, patch Patch) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.doc.Tasks[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}

	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Phase != nil {
		t.Phase = *patch.Phase
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.Effort != nil {
		t.Effort = *patch.Effort
	}
	if patch.Tags != nil {
		t.Tags = *patch.Tags
	}
	if patch.Depends != nil {
		t.Depends = *patch.Depends
	}
	if patch.Acceptance != nil {
		t.Acceptance = *patch.Acceptance
	}
	t.Updated = time.Now()

	reconcileDependencies(s.doc)
	s.recomputeBlockedStatus()

	if s.bus != nil {
		s.bus.Publish(events.New(events.TaskUpdated, "tasks", map[string]interface{}{"id": id}))
	}
	return t, nil
}

// UpdateStatus transitions a task's status. Transitioning to completed
// triggers auto-unblocking of dependents.
func (s *Store) UpdateStatus(id string, status Status, metadata map[string]interface{}) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.doc.Tasks[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}

	t.Status = status
	t.Updated = time.Now()

	if status == StatusCompleted {
		s.moveToCompletedTier(id)
		s.autoUnblock(id)
	}

	if s.bus != nil {
		payload := map[string]interface{}{"id": id, "status": string(status)}
		for k, v := range metadata {
			payload[k] = v
		}
		if status == StatusCompleted {
			s.bus.Publish(events.New(events.TaskCompleted, "tasks", payload))
		} else {
			s.bus.Publish(events.New(events.TaskUpdated, "tasks", payload))
		}
	}
	return t, nil
}

func (s *Store) moveToCompletedTier(id string) {
	for _, tier := range []*[]string{&s.doc.Backlog.Now.Tasks, &s.doc.Backlog.Next.Tasks, &s.doc.Backlog.Later.Tasks, &s.doc.Backlog.Someday.Tasks} {
		*tier = removeID(*tier, id)
	}
	if !containsID(s.doc.Backlog.Completed.Tasks, id) {
		s.doc.Backlog.Completed.Tasks = append(s.doc.Backlog.Completed.Tasks, id)
	}
}

// autoUnblock re-evaluates every task that requires id; a task becomes
// ready iff every entry of its requires is completed. Emits
// task:updated for each flip (spec §4.D).
func (s *Store) autoUnblock(completedID string) {
	for otherID, other := range s.doc.Tasks {
		if otherID == completedID || other.Status != StatusBlocked {
			continue
		}
		requiresThis := false
		for _, req := range other.Depends.Requires {
			if req == completedID {
				requiresThis = true
				break
			}
		}
		if !requiresThis {
			continue
		}
		if s.allRequirementsMet(other) {
			other.Status = StatusReady
			other.Updated = time.Now()
			if s.bus != nil {
				s.bus.Publish(events.New(events.TaskUpdated, "tasks", map[string]interface{}{
					"id": otherID, "status": string(StatusReady), "reason": "auto-unblocked",
				}))
			}
		}
	}
}

func (s *Store) allRequirementsMet(t *Task) bool {
	for _, req := range t.Depends.Requires {
		dep, ok := s.doc.Tasks[req]
		if !ok || dep.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// recomputeBlockedStatus enforces: blocked iff any requires entry
// exists and is not completed; otherwise ready, unless explicitly
// in_progress or completed.
func (s *Store) recomputeBlockedStatus() {
	for _, t := range s.doc.Tasks {
		if t.Status == StatusInProgress || t.Status == StatusCompleted {
			continue
		}
		if s.allRequirementsMet(t) {
			t.Status = StatusReady
		} else {
			t.Status = StatusBlocked
		}
	}
}

// DeleteTask removes a task from the document and every backlog tier.
func (s *Store) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Tasks[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(s.doc.Tasks, id)

	for _, tier := range []*[]string{&s.doc.Backlog.Now.Tasks, &s.doc.Backlog.Next.Tasks, &s.doc.Backlog.Later.Tasks, &s.doc.Backlog.Someday.Tasks, &s.doc.Backlog.Completed.Tasks} {
		*tier = removeID(*tier, id)
	}

	if s.bus != nil {
		s.bus.Publish(events.New(events.TaskDeleted, "tasks", map[string]interface{}{"id": id}))
	}
	return nil
}

// ReadyFilter narrows GetReadyTasks.
type ReadyFilter struct {
	Phase Phase
	Tier  string // "", "now", "next", "later", "someday"
}

// GetReadyTasks returns ready tasks, scored and sorted descending, optionally filtered.
func (s *Store) GetReadyTasks(filter ReadyFilter) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*Task
	for _, t := range s.doc.Tasks {
		if t.Status != StatusReady {
			continue
		}
		if filter.Phase != "" && t.Phase != filter.Phase {
			continue
		}
		if filter.Tier != "" && !s.tierContains(filter.Tier, t.ID) {
			continue
		}
		candidates = append(candidates, t)
	}

	s.sortByScore(candidates, filter.Phase)
	return candidates
}

func (s *Store) tierContains(tier, id string) bool {
	switch tier {
	case "now":
		return containsID(s.doc.Backlog.Now.Tasks, id)
	case "next":
		return containsID(s.doc.Backlog.Next.Tasks, id)
	case "later":
		return containsID(s.doc.Backlog.Later.Tasks, id)
	case "someday":
		return containsID(s.doc.Backlog.Someday.Tasks, id)
	}
	return false
}

func (s *Store) sortByScore(ts []*Task, requestedPhase Phase) {
	scored := make(map[string]float64, len(ts))
	for _, t := range ts {
		scored[t.ID] = score(t, scoreParams{
			requestedPhase:  requestedPhase,
			successRate:     s.successRate(t),
			unresolvedCount: unresolvedAncestorBlockers(s.doc, t.ID),
		})
	}
	sort.Slice(ts, func(i, j int) bool {
		si, sj := scored[ts[i].ID], scored[ts[j].ID]
		if si != sj {
			return si > sj
		}
		if !ts[i].Created.Equal(ts[j].Created) {
			return ts[i].Created.Before(ts[j].Created)
		}
		return ts[i].ID < ts[j].ID
	})
}

func (s *Store) successRate(t *Task) float64 {
	if s.successRates == nil {
		return -1
	}
	v, ok := s.successRates.Get(fmt.Sprintf("success_rate:%s", t.Phase))
	if !ok {
		return -1
	}
	var rate float64
	if _, err := fmt.Sscanf(v, "%f", &rate); err != nil {
		return -1
	}
	return rate
}

// GetNextTask implements spec §4.D's now→next promotion and
// phase-fallback logic.
func (s *Store) GetNextTask(phase Phase, opts GetNextOpts) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowReady := s.readyInTier(s.doc.Backlog.Now.Tasks)
	if len(nowReady) > 0 {
		matching := filterByPhase(nowReady, phase)
		if len(matching) > 0 {
			s.sortByScore(matching, phase)
			return matching[0], nil
		}

		s.sortByScore(nowReady, phase)
		if s.bus != nil {
			s.bus.Publish(events.New(events.TaskPhaseMismatch, "tasks", map[string]interface{}{
				"requestedPhase": string(phase), "returned": nowReady[0].ID,
			}))
		}
		return nowReady[0], nil
	}

	if !opts.FallbackToNext {
		return nil, nil
	}

	nextReady := s.readyInTier(s.doc.Backlog.Next.Tasks)
	if len(nextReady) == 0 {
		return nil, nil
	}
	s.sortByScore(nextReady, phase)
	best := nextReady[0]

	s.doc.Backlog.Next.Tasks = removeID(s.doc.Backlog.Next.Tasks, best.ID)
	s.doc.Backlog.Now.Tasks = append(s.doc.Backlog.Now.Tasks, best.ID)

	if s.bus != nil {
		s.bus.Publish(events.New(events.TaskPromoted, "tasks", map[string]interface{}{
			"task": best.ID, "from": "next", "to": "now",
		}))
	}
	return best, nil
}

func (s *Store) readyInTier(tierIDs []string) []*Task {
	var out []*Task
	for _, id := range tierIDs {
		if t, ok := s.doc.Tasks[id]; ok && t.Status == StatusReady {
			out = append(out, t)
		}
	}
	return out
}

func filterByPhase(ts []*Task, phase Phase) []*Task {
	var out []*Task
	for _, t := range ts {
		if t.Phase == phase {
			out = append(out, t)
		}
	}
	return out
}

// GetDependencyGraph returns the transitive-closure dependency view for id.
func (s *Store) GetDependencyGraph(id string) DependencyGraph {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.doc.Tasks[id]
	if !ok {
		return DependencyGraph{}
	}
	return DependencyGraph{
		Ancestors:   ancestors(s.doc, id, s.maxAncestryDepth),
		Descendants: descendants(s.doc, id, s.maxAncestryDepth),
		Blocking:    blockingOf(s.doc, id),
		BlockedBy:   blockedByOf(t),
	}
}

// GetBacklogSummary returns tier counts.
func (s *Store) GetBacklogSummary() BacklogSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return BacklogSummary{
		Now: len(s.doc.Backlog.Now.Tasks), Next: len(s.doc.Backlog.Next.Tasks),
		Later: len(s.doc.Backlog.Later.Tasks), Someday: len(s.doc.Backlog.Someday.Tasks),
		Completed: len(s.doc.Backlog.Completed.Tasks), Total: len(s.doc.Tasks),
	}
}

// Save persists the in-memory document, performing a three-way merge
// if the on-disk version has advanced since the last load (spec §4.D
// optimistic concurrency). Writes are atomic (tmp file + rename).
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	onDisk, err := s.readDiskDocument()
	if err != nil {
		return err
	}

	if onDisk != nil && onDisk.ConcurrencyHeader.Version > s.doc.ConcurrencyHeader.Version {
		logger.Printf("version conflict: disk=%d mem=%d, resolving via three-way merge",
			onDisk.ConcurrencyHeader.Version, s.doc.ConcurrencyHeader.Version)
		s.mergeFromDisk(onDisk)
		if s.bus != nil {
			s.bus.Publish(events.New(events.TasksVersionConflict, "tasks", map[string]interface{}{
				"diskVersion": onDisk.ConcurrencyHeader.Version, "memVersion": s.doc.ConcurrencyHeader.Version,
			}))
		}
		s.shadow.RecordConflictMerge()
	}

	s.doc.ConcurrencyHeader.Version++
	s.doc.ConcurrencyHeader.LastModifiedBy = s.sessionID
	s.doc.ConcurrencyHeader.LastModifiedAt = time.Now()

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("tasks: marshal: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("tasks: write temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("tasks: rename temp: %w", err)
	}

	if s.shadow.Enabled() {
		jsonHash := canonicalHash(s.doc)
		sqliteHash, err := s.shadow.Mirror(s.doc)
		if err != nil {
			shadowLogger.Printf("mirror failed: %v", err)
		} else if div := s.shadow.CheckDivergence(jsonHash, sqliteHash, s.doc.ConcurrencyHeader.Version); div != nil && s.bus != nil {
			s.bus.Publish(events.New(events.MetricDivergence, "tasks", map[string]interface{}{"divergence": div.ID}))
		}
		if s.bus != nil {
			s.bus.Publish(events.New(events.ShadowSynced, "tasks", map[string]interface{}{"version": s.doc.ConcurrencyHeader.Version}))
		}
	}

	return nil
}

func (s *Store) readDiskDocument() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("tasks: read for conflict check: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil // treat unparseable disk state as absent; authoritative memory wins
	}
	if doc.Tasks == nil {
		doc.Tasks = make(map[string]*Task)
	}
	return &doc, nil
}

// mergeFromDisk performs the spec §4.D three-way merge: disk-only
// tasks are added; shared tasks resolve field-by-field by latest
// Updated, depends is unioned, status prefers completed > in_progress
// > ready > blocked; backlog tiers are unioned with memory order
// preferred for shared ids.
func (s *Store) mergeFromDisk(disk *Document) {
	for id, diskTask := range disk.Tasks {
		memTask, exists := s.doc.Tasks[id]
		if !exists {
			s.doc.Tasks[id] = diskTask
			if s.bus != nil {
				s.bus.Publish(events.New(events.TaskCreated, "tasks", map[string]interface{}{"id": id, "source": "merge"}))
			}
			continue
		}
		s.doc.Tasks[id] = mergeTask(memTask, diskTask)
	}

	s.doc.Backlog.Now.Tasks = unionIDs(s.doc.Backlog.Now.Tasks, disk.Backlog.Now.Tasks)
	s.doc.Backlog.Next.Tasks = unionIDs(s.doc.Backlog.Next.Tasks, disk.Backlog.Next.Tasks)
	s.doc.Backlog.Later.Tasks = unionIDs(s.doc.Backlog.Later.Tasks, disk.Backlog.Later.Tasks)
	s.doc.Backlog.Someday.Tasks = unionIDs(s.doc.Backlog.Someday.Tasks, disk.Backlog.Someday.Tasks)
	s.doc.Backlog.Completed.Tasks = unionIDs(s.doc.Backlog.Completed.Tasks, disk.Backlog.Completed.Tasks)

	if disk.ConcurrencyHeader.Version > s.doc.ConcurrencyHeader.Version {
		s.doc.ConcurrencyHeader.Version = disk.ConcurrencyHeader.Version
	}

	reconcileDependencies(s.doc)
}

func mergeTask(mem, disk *Task) *Task {
	winner := mem
	if disk.Updated.After(mem.Updated) {
		winner = disk
	}
	merged := *winner

	merged.Depends.Blocks = unionIDs(mem.Depends.Blocks, disk.Depends.Blocks)
	merged.Depends.Requires = unionIDs(mem.Depends.Requires, disk.Depends.Requires)
	merged.Depends.Related = unionIDs(mem.Depends.Related, disk.Depends.Related)

	merged.Status = preferredStatus(mem.Status, disk.Status)

	return &merged
}

func preferredStatus(a, b Status) Status {
	if statusRank[a] >= statusRank[b] {
		return a
	}
	return b
}

func unionIDs(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, id := range a {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range b {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func removeID(ids []string, target string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func containsID(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

// ShadowHealth exposes the shadow backend's health report.
func (s *Store) ShadowHealth() HealthReport {
	return s.shadow.Health()
}

// ShadowDivergences exposes the retained divergence records.
func (s *Store) ShadowDivergences() []Divergence {
	return s.shadow.Divergences()
}

