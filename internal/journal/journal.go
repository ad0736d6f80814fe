// Package journal implements the State Journal (spec §4.B): a single
// JSON-file record of the project's phase, prompt history, and
// artifact lineage, with rolling backups and corruption recovery.
//
// Grounded on the teacher's internal/persistence/store.go (JSON-backed
// store with mutex-guarded state and scheduled save) and
// internal/bootstrap/state.go (versioned portable JSON state with
// validation-before-save), adapted from dashboard state to project
// journal state.
package journal

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taskforge/orchestrator/internal/apperrors"
	"github.com/taskforge/orchestrator/internal/config"
	"github.com/taskforge/orchestrator/internal/events"
)

var logger = log.New(log.Writer(), "[JOURNAL] ", log.LstdFlags)

var validPhases = map[string]bool{
	"research": true, "planning": true, "design": true,
	"implementation": true, "testing": true, "validation": true,
}

// PromptRecord is one recorded interaction (spec §3).
type PromptRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	Phase     string    `json:"phase"`
	Agent     string    `json:"agent"`
	Prompt    string    `json:"prompt"`
	Artifact  string    `json:"artifact,omitempty"`
	Created   []string  `json:"created,omitempty"`
	Modified  []string  `json:"modified,omitempty"`
	ChangeType string   `json:"changeType,omitempty"`
}

// ArtifactVersion is one entry in an artifact's lineage.
type ArtifactVersion struct {
	Version       int       `json:"version"`
	ChangeType    string    `json:"changeType"`
	ChangeSummary string    `json:"changeSummary"`
	PromptID      string    `json:"promptId"`
	Timestamp     time.Time `json:"timestamp"`
	Agent         string    `json:"agent"`
}

// ArtifactLineage tracks the version history of one artifact path.
type ArtifactLineage struct {
	ArtifactID         string            `json:"artifactId"`
	CurrentVersion     int               `json:"currentVersion"`
	Versions           []ArtifactVersion `json:"versions"`
	CreatedBy          string            `json:"createdBy"`
	RelatedPrompts     []string          `json:"relatedPrompts"`
	TotalModifications int               `json:"totalModifications"`
}

// PhaseTransition is one recorded move from one phase to another.
type PhaseTransition struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// ArtifactRecord is the lightweight artifact registry entry: just enough
// to know a path exists and who first touched it. Full version history
// lives in ArtifactLineage.
type ArtifactRecord struct {
	Path      string    `json:"path"`
	CreatedBy string    `json:"createdBy"`
	FirstSeen time.Time `json:"firstSeen"`
}

// Decision is a recorded project decision.
type Decision struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Phase     string    `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
}

// Blocker is a recorded obstruction, resolved in place when cleared.
type Blocker struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	Phase      string     `json:"phase"`
	CreatedAt  time.Time  `json:"createdAt"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	Resolution string     `json:"resolution,omitempty"`
}

// stateVersion is the "version" field's value for every state file this
// journal creates or upgrades (spec §6).
const stateVersion = "1.0"

// State is the journal's on-disk schema (spec §6): version, current
// phase plus its history, per-phase quality scores, a lightweight
// artifact registry plus full per-artifact version lineage, decisions,
// blockers, prompt history, and the last-write timestamp.
type State struct {
	Version         string                      `json:"version"`
	CurrentPhase    string                      `json:"current_phase"`
	PhaseHistory    []PhaseTransition           `json:"phase_history"`
	QualityScores   map[string]float64          `json:"quality_scores"`
	Artifacts       map[string]*ArtifactRecord  `json:"artifacts"`
	Decisions       []Decision                  `json:"decisions"`
	Blockers        []Blocker                   `json:"blockers"`
	PromptHistory   []PromptRecord              `json:"promptHistory"`
	ArtifactLineage map[string]*ArtifactLineage `json:"artifactLineage"`
	LastUpdated     time.Time                   `json:"last_updated"`
}

func newDefaultState(defaultPhase string) *State {
	if defaultPhase == "" || !validPhases[defaultPhase] {
		defaultPhase = "research"
	}
	return &State{
		Version:         stateVersion,
		CurrentPhase:    defaultPhase,
		PhaseHistory:    []PhaseTransition{},
		QualityScores:   make(map[string]float64),
		Artifacts:       make(map[string]*ArtifactRecord),
		Decisions:       []Decision{},
		Blockers:        []Blocker{},
		PromptHistory:   []PromptRecord{},
		ArtifactLineage: make(map[string]*ArtifactLineage),
	}
}

// RecordPromptOpts carries optional fields for RecordPrompt.
type RecordPromptOpts struct {
	Agent         string
	Artifact      string
	Created       []string
	Modified      []string
	ChangeType    string
	ChangeSummary string
}

// Journal is a mutex-guarded, file-backed State with rolling backups.
type Journal struct {
	mu         sync.RWMutex
	cfg        config.JournalConfig
	sessionID  string
	bus        *events.Bus
	state      *State
	idSeq      int
}

// New creates a Journal bound to the configured state file; call Load
// to populate it from disk (or defaults, if absent).
func New(cfg config.JournalConfig, sessionID string, bus *events.Bus) *Journal {
	return &Journal{cfg: cfg, sessionID: sessionID, bus: bus, state: newDefaultState(cfg.DefaultPhase)}
}

func (j *Journal) nextID(prefix string) string {
	j.idSeq++
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), j.idSeq)
}

// Load reads state from disk. A missing file yields default state. A
// corrupt or schema-invalid file falls back to the newest valid backup,
// then to default state if no backup is valid; the fallback is always
// logged, never silently masked.
func (j *Journal) Load() (*State, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.cfg.StatePath), 0755); err != nil {
		return nil, fmt.Errorf("journal: ensure state dir: %w", err)
	}

	data, err := os.ReadFile(j.cfg.StatePath)
	if err != nil {
		if os.IsNotExist(err) {
			j.state = newDefaultState(j.cfg.DefaultPhase)
			return j.state, nil
		}
		return nil, fmt.Errorf("journal: read state file: %w", err)
	}

	state, parseErr := parseState(data)
	if parseErr == nil {
		j.state = state
		return j.state, nil
	}

	logger.Printf("state file corrupt or invalid (%v); attempting backup recovery", parseErr)
	recovered, backupPath, recErr := j.recoverFromBackup()
	if recErr == nil {
		logger.Printf("recovered state from backup %s", backupPath)
		j.state = recovered
		if j.bus != nil {
			j.bus.Publish(events.New(events.TaskUpdated, "journal", map[string]interface{}{
				"recovered": true, "backup": backupPath,
			}))
		}
		return j.state, nil
	}

	logger.Printf("no valid backup found (%v); falling back to default state", recErr)
	j.state = newDefaultState(j.cfg.DefaultPhase)
	return j.state, nil
}

func parseState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.CurrentPhase != "" && !validPhases[s.CurrentPhase] {
		return nil, fmt.Errorf("invalid current_phase %q", s.CurrentPhase)
	}
	if s.Artifacts == nil {
		s.Artifacts = make(map[string]*ArtifactRecord)
	}
	if s.ArtifactLineage == nil {
		s.ArtifactLineage = make(map[string]*ArtifactLineage)
	}
	if s.QualityScores == nil {
		s.QualityScores = make(map[string]float64)
	}
	if s.Version == "" {
		s.Version = stateVersion
	}
	if s.CurrentPhase == "" {
		s.CurrentPhase = "research"
	}
	return &s, nil
}

func (j *Journal) recoverFromBackup() (*State, string, error) {
	backupDir := j.cfg.BackupDir
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return nil, "", fmt.Errorf("read backup dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "state-backup-") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		path := filepath.Join(backupDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if state, err := parseState(data); err == nil {
			return state, path, nil
		}
	}
	return nil, "", fmt.Errorf("no valid backup in %s", backupDir)
}

// Save validates and persists state, rotating a backup of the previous
// contents first. Returns false if current_phase is invalid.
func (j *Journal) Save(state *State) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !validPhases[state.CurrentPhase] {
		return false, nil
	}

	if err := j.backupExisting(); err != nil {
		logger.Printf("backup rotation failed: %v", err)
	}

	if state.Version == "" {
		state.Version = stateVersion
	}
	state.LastUpdated = time.Now()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return false, fmt.Errorf("journal: marshal state: %w", err)
	}

	tmpPath := j.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return false, fmt.Errorf("journal: write temp state: %w", err)
	}
	if err := os.Rename(tmpPath, j.cfg.StatePath); err != nil {
		return false, fmt.Errorf("journal: rename temp state: %w", err)
	}

	j.state = state
	j.pruneBackups()
	return true, nil
}

func (j *Journal) backupExisting() error {
	existing, err := os.ReadFile(j.cfg.StatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := os.MkdirAll(j.cfg.BackupDir, 0755); err != nil {
		return err
	}

	stamp := strings.ReplaceAll(time.Now().UTC().Format(time.RFC3339Nano), ":", "-")
	backupPath := filepath.Join(j.cfg.BackupDir, fmt.Sprintf("state-backup-%s", stamp))
	return os.WriteFile(backupPath, existing, 0644)
}

func (j *Journal) pruneBackups() {
	maxBackups := j.cfg.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 10
	}

	entries, err := os.ReadDir(j.cfg.BackupDir)
	if err != nil {
		return
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "state-backup-") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names[min(len(names), maxBackups):] {
		os.Remove(filepath.Join(j.cfg.BackupDir, name))
	}
}

// RecordPrompt appends a prompt record and updates artifact lineage for
// any created/modified paths. Creation bumps an artifact's
// currentVersion to 1; modification appends a version and increments
// totalModifications. createdBy is frozen at first creation.
func (j *Journal) RecordPrompt(text string, opts RecordPromptOpts) PromptRecord {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec := PromptRecord{
		ID:         j.nextID("prompt"),
		SessionID:  j.sessionID,
		Timestamp:  time.Now(),
		Phase:      j.state.CurrentPhase,
		Agent:      opts.Agent,
		Prompt:     text,
		Artifact:   opts.Artifact,
		Created:    opts.Created,
		Modified:   opts.Modified,
		ChangeType: opts.ChangeType,
	}
	j.state.PromptHistory = append(j.state.PromptHistory, rec)

	for _, path := range opts.Created {
		j.touchArtifact(path, "create", opts.ChangeSummary, rec.ID, opts.Agent, true)
	}
	for _, path := range opts.Modified {
		j.touchArtifact(path, "modify", opts.ChangeSummary, rec.ID, opts.Agent, false)
	}

	return rec
}

func (j *Journal) touchArtifact(path, changeType, summary, promptID, agent string, isCreate bool) {
	if _, ok := j.state.Artifacts[path]; !ok {
		j.state.Artifacts[path] = &ArtifactRecord{Path: path, CreatedBy: agent, FirstSeen: time.Now()}
	}

	lineage, ok := j.state.ArtifactLineage[path]
	if !ok {
		lineage = &ArtifactLineage{ArtifactID: path, CreatedBy: agent}
		j.state.ArtifactLineage[path] = lineage
	}

	if isCreate && lineage.CurrentVersion == 0 {
		lineage.CurrentVersion = 1
	} else {
		lineage.CurrentVersion++
		lineage.TotalModifications = lineage.CurrentVersion - 1
	}

	lineage.Versions = append(lineage.Versions, ArtifactVersion{
		Version: lineage.CurrentVersion, ChangeType: changeType, ChangeSummary: summary,
		PromptID: promptID, Timestamp: time.Now(), Agent: agent,
	})
	lineage.RelatedPrompts = append(lineage.RelatedPrompts, promptID)
}

// AddArtifact records an artifact path's first appearance in a phase
// without an accompanying prompt (e.g. a file discovered out-of-band).
func (j *Journal) AddArtifact(phase, path string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.touchArtifact(path, "create", "", "", "", true)
}

// TransitionPhase moves current_phase to the given phase and appends the
// move to phase_history. Returns apperrors.ErrValidationFailed if phase
// is not a recognized project phase.
func (j *Journal) TransitionPhase(phase string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !validPhases[phase] {
		return apperrors.ErrValidationFailed
	}
	if phase == j.state.CurrentPhase {
		return nil
	}
	j.state.PhaseHistory = append(j.state.PhaseHistory, PhaseTransition{
		From: j.state.CurrentPhase, To: phase, Timestamp: time.Now(),
	})
	j.state.CurrentPhase = phase
	return nil
}

// RecordQualityScore records the latest quality score observed for a
// phase, overwriting any prior score for that phase.
func (j *Journal) RecordQualityScore(phase string, score float64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state.QualityScores[phase] = score
}

// AddDecision records a project decision in the current phase.
func (j *Journal) AddDecision(text string) Decision {
	j.mu.Lock()
	defer j.mu.Unlock()
	d := Decision{ID: j.nextID("decision"), Text: text, Phase: j.state.CurrentPhase, Timestamp: time.Now()}
	j.state.Decisions = append(j.state.Decisions, d)
	return d
}

// AddBlocker records an obstruction in the current phase.
func (j *Journal) AddBlocker(text string) Blocker {
	j.mu.Lock()
	defer j.mu.Unlock()
	b := Blocker{ID: j.nextID("blocker"), Text: text, Phase: j.state.CurrentPhase, CreatedAt: time.Now()}
	j.state.Blockers = append(j.state.Blockers, b)
	return b
}

// ResolveBlocker marks a blocker resolved. Returns apperrors.ErrNotFound
// if the id does not exist.
func (j *Journal) ResolveBlocker(id, resolution string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for i := range j.state.Blockers {
		if j.state.Blockers[i].ID == id {
			now := time.Now()
			j.state.Blockers[i].Resolved = true
			j.state.Blockers[i].ResolvedAt = &now
			j.state.Blockers[i].Resolution = resolution
			return nil
		}
	}
	return apperrors.ErrNotFound
}

// GetPromptsByPhase returns prompts recorded during the given phase.
func (j *Journal) GetPromptsByPhase(phase string) []PromptRecord {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []PromptRecord
	for _, p := range j.state.PromptHistory {
		if p.Phase == phase {
			out = append(out, p)
		}
	}
	return out
}

// GetPromptsByAgent returns prompts recorded by the given agent.
func (j *Journal) GetPromptsByAgent(agent string) []PromptRecord {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []PromptRecord
	for _, p := range j.state.PromptHistory {
		if p.Agent == agent {
			out = append(out, p)
		}
	}
	return out
}

// GetSessionPrompts returns prompts recorded under this journal's
// session id.
func (j *Journal) GetSessionPrompts() []PromptRecord {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []PromptRecord
	for _, p := range j.state.PromptHistory {
		if p.SessionID == j.sessionID {
			out = append(out, p)
		}
	}
	return out
}

// SearchPrompts returns prompts whose text contains query, case-insensitive.
func (j *Journal) SearchPrompts(query string) []PromptRecord {
	j.mu.RLock()
	defer j.mu.RUnlock()
	lower := strings.ToLower(query)
	var out []PromptRecord
	for _, p := range j.state.PromptHistory {
		if strings.Contains(strings.ToLower(p.Prompt), lower) {
			out = append(out, p)
		}
	}
	return out
}

// GetArtifactHistory returns the lineage for path, or nil if unknown.
func (j *Journal) GetArtifactHistory(path string) *ArtifactLineage {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state.ArtifactLineage[path]
}

// PromptStatistics aggregates prompt counts.
type PromptStatistics struct {
	TotalPrompts   int            `json:"totalPrompts"`
	ByPhase        map[string]int `json:"byPhase"`
	ByAgent        map[string]int `json:"byAgent"`
	TotalArtifacts int            `json:"totalArtifacts"`
}

// GetPromptStatistics aggregates counts by phase, by agent, and total
// distinct artifacts with lineage.
func (j *Journal) GetPromptStatistics() PromptStatistics {
	j.mu.RLock()
	defer j.mu.RUnlock()

	stats := PromptStatistics{ByPhase: make(map[string]int), ByAgent: make(map[string]int)}
	for _, p := range j.state.PromptHistory {
		stats.TotalPrompts++
		stats.ByPhase[p.Phase]++
		if p.Agent != "" {
			stats.ByAgent[p.Agent]++
		}
	}
	stats.TotalArtifacts = len(j.state.ArtifactLineage)
	return stats
}

// CurrentState returns the journal's in-memory state snapshot.
func (j *Journal) CurrentState() *State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}
