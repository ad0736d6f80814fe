// Package orchestrator implements the Orchestrator Loop (spec §4.H):
// the ticker-driven cycle that picks the next ready task, validates and
// guardrail-checks it, delegates or executes it, and records the
// outcome into the task store and state journal.
//
// Grounded on internal/captain/captain.go's Run/runCycle: an initial
// cycle fires immediately, then a time.Ticker drives one runOnce per
// tick until the context is cancelled.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/taskforge/orchestrator/internal/config"
	"github.com/taskforge/orchestrator/internal/delegation"
	"github.com/taskforge/orchestrator/internal/events"
	"github.com/taskforge/orchestrator/internal/guardrail"
	"github.com/taskforge/orchestrator/internal/hierarchy"
	"github.com/taskforge/orchestrator/internal/journal"
	"github.com/taskforge/orchestrator/internal/tasks"
	"github.com/taskforge/orchestrator/internal/validator"
)

// ExitReason summarizes how one completed iteration left its task.
type ExitReason string

const (
	ExitComplete ExitReason = "complete"
	ExitPartial  ExitReason = "partial"
	ExitUnknown  ExitReason = "unknown"
)

// CycleResult reports what one runOnce call did, chiefly for tests and
// the status API; it is not persisted.
type CycleResult struct {
	Idle          bool
	TaskID        string
	Blocked       bool
	BlockedReason string
	Delegated     bool
	Pattern       delegation.Pattern
	SubtaskCount  int
	ExitReason    ExitReason
	Err           error
}

// Loop wires every earlier component into one supervisor cycle.
type Loop struct {
	cfg       config.OrchestratorConfig
	sessionID string
	logger    *log.Logger

	store      *tasks.Store
	validator  *validator.Validator
	guardrail  *guardrail.Detector
	delegation *delegation.Engine
	supervisor *hierarchy.Supervisor
	cache      *hierarchy.ContextCache
	journal    *journal.Journal
	bus        *events.Bus

	mu          sync.Mutex
	running     bool
	delegations map[string]bool
}

// New constructs an Orchestrator Loop. logger defaults to log.Default
// when nil, matching the teacher's component constructors.
func New(cfg config.OrchestratorConfig, sessionID string, store *tasks.Store, v *validator.Validator, g *guardrail.Detector, d *delegation.Engine, sup *hierarchy.Supervisor, cache *hierarchy.ContextCache, j *journal.Journal, bus *events.Bus, logger *log.Logger) *Loop {
	if logger == nil {
		logger = log.Default()
	}
	return &Loop{
		cfg: cfg, sessionID: sessionID, logger: logger,
		store: store, validator: v, guardrail: g, delegation: d, supervisor: sup, cache: cache, journal: j, bus: bus,
		delegations: make(map[string]bool),
	}
}

// contextCacheKey namespaces a task's cached context by id, so the
// shared context cache can hold entries for many tasks at once without
// collision.
func contextCacheKey(taskID string) string {
	return "task:" + taskID + ":context"
}

// RegisterDelegation implements delegation.Registrar, letting the
// Delegation Engine record a plan's id against this loop's session.
func (l *Loop) RegisterDelegation(delegationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delegations[delegationID] = true
	return true
}

// Run is the main loop: an initial cycle fires immediately, then one
// more per IdleInterval tick until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	l.mu.Lock()
	l.running = true
	l.mu.Unlock()

	interval := l.cfg.IdleInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.running = false
			l.mu.Unlock()
			return
		case <-ticker.C:
			l.runOnce(ctx)
		}
	}
}

// Running reports whether Run's loop is currently active.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// RunOnce executes a single cycle and returns its outcome, for the
// orchestrator binary's -once flag and for callers that want to drive
// the loop manually instead of via Run's ticker.
func (l *Loop) RunOnce(ctx context.Context) CycleResult {
	return l.runOnce(ctx)
}

// runOnce executes the six numbered steps of spec §4.H against the
// next ready task, or reports Idle if none is ready.
func (l *Loop) runOnce(ctx context.Context) CycleResult {
	phase := tasks.Phase(l.cfg.Phase)

	// 1. pick the next task; idle if none ready.
	t, err := l.store.GetNextTask(phase, tasks.GetNextOpts{FallbackToNext: true})
	if err != nil {
		l.logger.Printf("[ORCHESTRATOR] getNextTask failed: %v", err)
		return CycleResult{Err: err}
	}
	if t == nil {
		return CycleResult{Idle: true}
	}

	// 2. validate title, description, and id (enforce mode).
	if res := l.validator.Validate(t.Title, validator.KindDescription); !res.Valid {
		return l.block(t, "validation-failed: title rejected")
	}
	if res := l.validator.Validate(t.Description, validator.KindDescription); !res.Valid {
		return l.block(t, "validation-failed: description rejected")
	}
	if res := l.validator.Validate(t.ID, validator.KindTaskID); !res.Valid {
		return l.block(t, "validation-failed: id rejected")
	}

	// 3. guardrail check; require a human and bail unless overridden.
	detection := l.guardrail.Analyze(ctx, guardrail.AnalyzeContext{Task: t.Title + " " + t.Description, Phase: string(t.Phase)})
	if detection != nil && detection.RequiresHuman && !l.cfg.HumanOverride {
		return l.block(t, "human-review")
	}

	// 4. delegate, or fall back to direct execution.
	argString := strings.TrimSpace(t.Description)
	if argString == "" {
		argString = t.Title
	}

	// Seed this task's context into the shared cache so any delegated
	// subtasks spawned below can inherit it (spec §4.G parent→child
	// context inheritance).
	l.cache.Set(contextCacheKey(t.ID), argString, hierarchy.SetOptions{
		Shareable: true, OwnerAgent: l.sessionID, ContextType: string(t.Phase),
	})

	decision := l.delegation.ExecuteDelegation(argString, t, l)

	var allSucceeded bool
	var pattern delegation.Pattern
	var subtaskCount int

	if decision.Success {
		pattern = decision.ExecutionPattern
		subtaskCount = decision.SubtaskCount
		agg := l.runDelegatedPlan(ctx, t, decision)
		allSucceeded = agg.AllSucceeded
		l.bus.Publish(events.New(events.DelegationExecuted, "orchestrator", map[string]interface{}{
			"task": t.ID, "delegationId": decision.DelegationID, "pattern": string(pattern), "subtasks": subtaskCount,
		}))
	} else {
		result := l.supervisor.Spawn(ctx, l.directSpawnSpec(t))
		allSucceeded = result.Success
	}

	// 5. record into the journal and transition status.
	l.journal.RecordPrompt(argString, journal.RecordPromptOpts{Agent: "orchestrator"})
	l.journal.AddArtifact(string(t.Phase), t.ID)

	exitReason := ExitUnknown
	if allSucceeded {
		exitReason = ExitComplete
		l.journal.RecordQualityScore(string(t.Phase), 1.0)
		l.updateStatusWithRetry(t.ID, tasks.StatusCompleted, map[string]interface{}{
			"delegated": decision.Success, "delegationPattern": string(pattern),
			"delegationSubtasks": subtaskCount, "exitReason": string(exitReason),
		})
	} else {
		exitReason = ExitPartial
		l.journal.RecordQualityScore(string(t.Phase), 0.0)
		l.journal.AddBlocker(fmt.Sprintf("task %s: one or more subtasks/execution failed", t.ID))
		l.updateStatusWithRetry(t.ID, tasks.StatusBlocked, map[string]interface{}{
			"delegated": decision.Success, "delegationPattern": string(pattern),
			"delegationSubtasks": subtaskCount, "exitReason": string(exitReason),
		})
	}
	l.saveJournal()

	return CycleResult{
		TaskID: t.ID, Delegated: decision.Success, Pattern: pattern,
		SubtaskCount: subtaskCount, ExitReason: exitReason,
	}
}

// block marks a task in_progress with a blocker and leaves it for a
// later iteration or a human to resolve (spec §4.H step 3).
func (l *Loop) block(t *tasks.Task, reason string) CycleResult {
	l.journal.AddBlocker(fmt.Sprintf("task %s: %s", t.ID, reason))
	l.updateStatusWithRetry(t.ID, tasks.StatusInProgress, map[string]interface{}{"blocker": reason})
	l.saveJournal()
	return CycleResult{TaskID: t.ID, Blocked: true, BlockedReason: reason}
}

// saveJournal persists the journal's in-memory state, logging but not
// propagating a failure: per spec §7 the journal degrades to backup
// recovery rather than aborting the loop.
func (l *Loop) saveJournal() {
	if _, err := l.journal.Save(l.journal.CurrentState()); err != nil {
		l.logger.Printf("[ORCHESTRATOR] journal save failed: %v", err)
	}
}

// updateStatusWithRetry applies a status transition and persists it,
// retrying the save once after a reload-and-merge on I/O failure (spec
// §4.H step 6; Store.Save already resolves version conflicts, so a
// returned error here means a genuine write failure).
func (l *Loop) updateStatusWithRetry(id string, status tasks.Status, metadata map[string]interface{}) {
	if _, err := l.store.UpdateStatus(id, status, metadata); err != nil {
		l.logger.Printf("[ORCHESTRATOR] updateStatus(%s) failed: %v", id, err)
		return
	}
	if err := l.store.Save(); err != nil {
		l.logger.Printf("[ORCHESTRATOR] save failed, reloading and retrying once: %v", err)
		if rerr := l.store.Reload(); rerr != nil {
			l.logger.Printf("[ORCHESTRATOR] reload failed: %v", rerr)
			return
		}
		if err := l.store.Save(); err != nil {
			l.logger.Printf("[ORCHESTRATOR] retry save failed: %v", err)
		}
	}
}

// runDelegatedPlan executes a delegation's Task invocations through
// the Hierarchy Runtime, honoring the pattern's ordering guarantee
// (parallel: concurrent, everything else: declaration order).
func (l *Loop) runDelegatedPlan(ctx context.Context, t *tasks.Task, result delegation.ExecutionResult) hierarchy.AggregateResult {
	specs := make([]hierarchy.SpawnSpec, len(result.TaskInvocations))
	for i, inv := range result.TaskInvocations {
		specs[i] = l.invocationSpawnSpec(t, inv, i, len(result.TaskInvocations), result.Depth)
	}
	if result.ExecutionPattern == delegation.PatternParallel {
		return l.supervisor.RunParallel(ctx, specs)
	}
	return l.supervisor.RunSequential(ctx, specs)
}

func (l *Loop) invocationSpawnSpec(t *tasks.Task, inv delegation.TaskInvocation, index, total, depth int) hierarchy.SpawnSpec {
	parentContext, _ := l.cache.Get(contextCacheKey(t.ID))
	prompt := inv.Parameters.Prompt
	if inherited, ok := parentContext.(string); ok && inherited != "" {
		prompt = inherited + "\n\n" + prompt
	}
	return hierarchy.SpawnSpec{
		Command:         l.cfg.AgentCommand,
		Args:            substituteArgs(l.cfg.AgentArgs, t.ID, prompt),
		ParentSessionID: l.sessionID,
		ParentTaskID:    t.ID,
		SubtaskIndex:    index,
		SubtaskTotal:    total,
		Depth:           depth,
	}
}

// directSpawnSpec builds the single, non-delegated invocation used
// when the Delegation Engine does not recommend delegating a task.
func (l *Loop) directSpawnSpec(t *tasks.Task) hierarchy.SpawnSpec {
	return hierarchy.SpawnSpec{
		Command:         l.cfg.AgentCommand,
		Args:            substituteArgs(l.cfg.AgentArgs, t.ID, t.Description),
		ParentSessionID: l.sessionID,
		ParentTaskID:    t.ID,
		SubtaskIndex:    0,
		SubtaskTotal:    1,
		Depth:           0,
	}
}

func substituteArgs(template []string, taskID, prompt string) []string {
	out := make([]string, len(template))
	for i, a := range template {
		a = strings.ReplaceAll(a, "{{task_id}}", taskID)
		a = strings.ReplaceAll(a, "{{prompt}}", prompt)
		out[i] = a
	}
	return out
}
