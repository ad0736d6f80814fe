// Package tasks implements the Task Store (spec §4.D): a versioned
// backlog with a dependency graph, scoring, and an optional shadow-mode
// dual-backend consistency check.
//
// Grounded on the teacher's internal/tasks/store.go (CRUD shape,
// status/priority vocabulary, history recording) generalized from a
// SQLite-only store to the spec's JSON-authoritative model, and on
// pack repo dataparency-dev/AI-delegation's optimizer.go (weighted,
// normalized multi-factor scoring and descending rank) for `_score`.
package tasks

import "time"

// Phase is one of the six project phases (spec §3).
type Phase string

const (
	PhaseResearch       Phase = "research"
	PhasePlanning       Phase = "planning"
	PhaseDesign         Phase = "design"
	PhaseImplementation Phase = "implementation"
	PhaseTesting        Phase = "testing"
	PhaseValidation     Phase = "validation"
)

var validPhases = map[Phase]bool{
	PhaseResearch: true, PhasePlanning: true, PhaseDesign: true,
	PhaseImplementation: true, PhaseTesting: true, PhaseValidation: true,
}

// Priority is the task's priority tier.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

var priorityBase = map[Priority]float64{
	PriorityCritical: 100, PriorityHigh: 70, PriorityMedium: 40, PriorityLow: 10,
}

// Status is the task's lifecycle state.
type Status string

const (
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
)

// statusRank orders statuses for three-way merge resolution: higher wins.
var statusRank = map[Status]int{
	StatusCompleted:  4,
	StatusInProgress: 3,
	StatusReady:      2,
	StatusBlocked:    1,
}

// Depends groups a task's dependency edges (spec §3).
type Depends struct {
	Blocks   []string `json:"blocks"`
	Requires []string `json:"requires"`
	Related  []string `json:"related"`
}

// Task is a single backlog item.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Phase       Phase     `json:"phase"`
	Priority    Priority  `json:"priority"`
	Effort      string    `json:"effort"`
	Status      Status    `json:"status"`
	Tags        []string  `json:"tags"`
	Created     time.Time `json:"created"`
	Updated     time.Time `json:"updated"`
	Depends     Depends   `json:"depends"`
	Acceptance  []string  `json:"acceptance,omitempty"`
}

// ConcurrencyHeader is the store's optimistic-concurrency metadata (spec
// §3), serialized under the wire key "_concurrency" (spec §6).
type ConcurrencyHeader struct {
	Version        int       `json:"version"`
	LastModifiedBy string    `json:"lastModifiedBy"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
}

// Tier is one backlog promotion tier: an ordered list of task ids plus
// a human-readable description of the tier's intent (spec §6).
type Tier struct {
	Tasks       []string `json:"tasks"`
	Description string   `json:"description"`
}

// Backlog is the four ordered promotion tiers plus completed.
type Backlog struct {
	Now       Tier `json:"now"`
	Next      Tier `json:"next"`
	Later     Tier `json:"later"`
	Someday   Tier `json:"someday"`
	Completed Tier `json:"completed"`
}

// Project carries the backlog file's project identity (spec §6).
type Project struct {
	Name   string   `json:"name"`
	Phases []string `json:"phases"`
}

// Document is the full on-disk schema: version, project identity,
// backlog tiers, tasks keyed by id, and the concurrency header.
type Document struct {
	Version           string            `json:"version"`
	Project           Project           `json:"project"`
	Backlog           Backlog           `json:"backlog"`
	Tasks             map[string]*Task  `json:"tasks"`
	ConcurrencyHeader ConcurrencyHeader `json:"_concurrency"`
}

// documentVersion is the "version" field's value for every document
// this store creates or upgrades (spec §6: "1.x").
const documentVersion = "1.0"

func newDocument() *Document {
	return &Document{
		Version: documentVersion,
		Project: Project{Phases: []string{}},
		Backlog: Backlog{
			Now:       Tier{Tasks: []string{}, Description: "Actively being worked"},
			Next:      Tier{Tasks: []string{}, Description: "Up next once capacity frees"},
			Later:     Tier{Tasks: []string{}, Description: "Queued, not yet scheduled"},
			Someday:   Tier{Tasks: []string{}, Description: "Unscheduled, low priority"},
			Completed: Tier{Tasks: []string{}, Description: "Finished tasks"},
		},
		ConcurrencyHeader: ConcurrencyHeader{Version: 1},
		Tasks:             make(map[string]*Task),
	}
}

// DependencyGraph is the transitive-closure view returned by
// GetDependencyGraph.
type DependencyGraph struct {
	Ancestors   []string `json:"ancestors"`
	Descendants []string `json:"descendants"`
	Blocking    []string `json:"blocking"`
	BlockedBy   []string `json:"blockedBy"`
}

// BacklogSummary is a lightweight counts view of the backlog.
type BacklogSummary struct {
	Now       int `json:"now"`
	Next      int `json:"next"`
	Later     int `json:"later"`
	Someday   int `json:"someday"`
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Patch is a partial update applied by UpdateTask; nil fields are left
// unchanged.
type Patch struct {
	Title       *string
	Description *string
	Phase       *Phase
	Priority    *Priority
	Effort      *string
	Tags        *[]string
	Depends     *Depends
	Acceptance  *[]string
}

// CreateFields are the inputs accepted by CreateTask.
type CreateFields struct {
	ID          string
	Title       string
	Description string
	Phase       Phase
	Priority    Priority
	Effort      string
	Tags        []string
	Depends     Depends
	Acceptance  []string
}

// GetNextOpts configures GetNextTask.
type GetNextOpts struct {
	FallbackToNext bool
}
