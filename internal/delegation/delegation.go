// Package delegation implements the Delegation Engine (spec §4.F):
// argument parsing over a single command-like string, a complexity-floor
// oracle deciding whether a task is worth delegating, agent-type
// decomposition, and pattern-specific execution-plan generation.
//
// Grounded on the teacher's internal/supervisor/decision.go
// (DecisionEngine's analyze→plan→recommend shape, keyword-based agent
// classification) and pack repo dataparency-dev/AI-delegation's
// optimizer.go ShouldBypassDelegation complexity floor, adapted from
// that package's TaskSpec fields to this spec's tasks.Task.
package delegation

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/taskforge/orchestrator/internal/config"
	"github.com/taskforge/orchestrator/internal/tasks"
)

// Pattern is one of the four delegation execution strategies.
type Pattern string

const (
	PatternParallel   Pattern = "parallel"
	PatternSequential Pattern = "sequential"
	PatternDebate     Pattern = "debate"
	PatternReview     Pattern = "review"
)

// Options is the parsed argument surface (spec §4.F).
type Options struct {
	Pattern Pattern
	Depth   int
	Agents  int
	Budget  float64
	DryRun  bool
	Force   bool
}

// ParseResult is parseArguments' return value.
type ParseResult struct {
	Options         Options
	TaskDescription string
}

// ParseArguments tokenizes a single command-like string into Options
// and the remaining free-text task description. Recognized flags:
// --pattern=<name>, --depth=<n>, --agents=<n>, --budget=<n>,
// --dry-run, --force (also accepted as --pattern <name> etc., space
// separated).
func ParseArguments(argString string) ParseResult {
	opts := Options{Pattern: "", Depth: 1, Agents: 3}
	var words []string

	tokens := strings.Fields(argString)
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if !strings.HasPrefix(tok, "--") {
			words = append(words, tok)
			continue
		}

		name, value, hasValue := strings.Cut(strings.TrimPrefix(tok, "--"), "=")
		if !hasValue && i+1 < len(tokens) && isFlagValue(name, tokens[i+1]) {
			value = tokens[i+1]
			i++
			hasValue = true
		}

		switch name {
		case "pattern":
			opts.Pattern = Pattern(value)
		case "depth":
			if n, err := strconv.Atoi(value); err == nil {
				opts.Depth = n
			}
		case "agents":
			if n, err := strconv.Atoi(value); err == nil {
				opts.Agents = n
			}
		case "budget":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				opts.Budget = f
			}
		case "dry-run":
			opts.DryRun = true
		case "force":
			opts.Force = true
		}
	}

	return ParseResult{Options: opts, TaskDescription: strings.Join(words, " ")}
}

// isFlagValue reports whether a boolean flag's following token should
// be consumed as its value instead of treated as free text.
func isFlagValue(flagName, next string) bool {
	switch flagName {
	case "dry-run", "force":
		return false
	default:
		return !strings.HasPrefix(next, "--")
	}
}

// Decision is the oracle's recommendation, possibly overlaid by
// --force or --pattern.
type Decision struct {
	ShouldDelegate bool
	Confidence     float64
	Reasoning      string
	Pattern        Pattern
}

// Engine implements the Delegation Engine over a configured default
// pattern and agent ceiling.
type Engine struct {
	cfg config.DelegationConfig
}

// New constructs a Delegation Engine.
func New(cfg config.DelegationConfig) *Engine {
	return &Engine{cfg: cfg}
}

// agentKeywords classifies a subtask's title+description into one of
// the spec's agent types, checked in table order (spec §4.F, §9
// decision (c)).
var agentKeywords = []struct {
	agentType string
	keywords  []string
}{
	{"Explore", []string{"research", "investigate", "analyze", "explore"}},
	{"Backend Specialist", []string{"api", "endpoint", "server", "backend"}},
	{"Frontend Specialist", []string{"ui", "frontend", "form", "component"}},
	{"E2E Test Engineer", []string{"test", "validate", "verify"}},
	{"Plan", []string{"design", "plan", "architecture"}},
}

func classifyAgentType(text string) string {
	lower := strings.ToLower(text)
	for _, entry := range agentKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.agentType
			}
		}
	}
	return "general-purpose"
}

var uncertaintyKeywords = []string{"tbd", "unclear", "not sure", "maybe", "investigate further", "unknown"}

// complexityScore counts how many distinct agent-type categories a
// task's text touches, used as a lightweight stand-in for the
// optimizer.go TaskSpec.Complexity field.
func complexityScore(t *tasks.Task) int {
	lower := strings.ToLower(t.Title + " " + t.Description)
	count := 0
	for _, entry := range agentKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				count++
				break
			}
		}
	}
	return count
}

func uncertaintyScore(t *tasks.Task) float64 {
	lower := strings.ToLower(t.Title + " " + t.Description)
	hits := 0
	for _, kw := range uncertaintyKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	return math.Min(1, float64(hits)*0.25)
}

func estimatedDurationSeconds(t *tasks.Task) float64 {
	return parseEffortMinutes(t.Effort) * 60
}

var effortUnitSeconds = map[string]float64{"h": 3600, "m": 60}

func parseEffortMinutes(effort string) float64 {
	effort = strings.TrimSpace(effort)
	if effort == "" {
		return 0
	}
	unit := effort[len(effort)-1:]
	seconds, ok := effortUnitSeconds[strings.ToLower(unit)]
	if !ok {
		return 0
	}
	val, err := strconv.ParseFloat(strings.TrimSpace(effort[:len(effort)-1]), 64)
	if err != nil {
		return 0
	}
	return val * seconds / 60
}

// shouldBypassDelegation implements the ShouldBypassDelegation
// complexity floor from optimizer.go: tasks below every threshold are
// cheap enough that delegation overhead would exceed their value.
func shouldBypassDelegation(t *tasks.Task) bool {
	return t.Priority == tasks.PriorityLow &&
		complexityScore(t) <= 2 &&
		uncertaintyScore(t) < 0.2 &&
		estimatedDurationSeconds(t) < 60
}

func (e *Engine) defaultPattern() Pattern {
	if e.cfg.DefaultPattern != "" {
		return Pattern(e.cfg.DefaultPattern)
	}
	return PatternSequential
}

func inferPattern(t *tasks.Task, fallback Pattern) Pattern {
	lower := strings.ToLower(t.Title + " " + t.Description)
	switch {
	case strings.Contains(lower, "debate") || strings.Contains(lower, "pros and cons"):
		return PatternDebate
	case strings.Contains(lower, "review"):
		return PatternReview
	case strings.Contains(lower, "parallel") || strings.Contains(lower, "independently"):
		return PatternParallel
	default:
		return fallback
	}
}

// GetDelegationDecision consults the complexity-floor oracle and
// overlays --force / --pattern per spec §4.F.
func (e *Engine) GetDelegationDecision(t *tasks.Task, opts Options) Decision {
	bypass := shouldBypassDelegation(t)

	decision := Decision{
		ShouldDelegate: !bypass,
		Pattern:        inferPattern(t, e.defaultPattern()),
	}
	if bypass {
		decision.Confidence = 0.85
		decision.Reasoning = "task priority, keyword complexity, and effort estimate are all below the delegation floor"
	} else {
		decision.Confidence = math.Min(0.95, 0.60+0.05*float64(complexityScore(t)))
		decision.Reasoning = "task complexity or priority exceeds the delegation floor"
	}

	if opts.Force {
		decision.ShouldDelegate = true
		decision.Reasoning = "Forced: " + decision.Reasoning
	}
	if opts.Pattern != "" {
		decision.Pattern = opts.Pattern
	}

	return decision
}

// Subtask is one decomposed unit of work.
type Subtask struct {
	ID          string
	Title       string
	Description string
	AgentType   string
}

// Decompose splits a task into between 2 and min(agents, 8) subtasks
// along its pattern's fixed shape (debate=3, review=2) or an even
// split of the requested agent count otherwise.
func Decompose(t *tasks.Task, pattern Pattern, agents int) []Subtask {
	switch pattern {
	case PatternDebate:
		return []Subtask{
			subtask(t, "[PRO] "+t.Title, "Argue in favor of: "+t.Description),
			subtask(t, "[CON] "+t.Title, "Argue against: "+t.Description),
			subtask(t, "[SYNTH] "+t.Title, "Synthesize the strongest resolution for: "+t.Description),
		}
	case PatternReview:
		return []Subtask{
			subtask(t, "[IMPL] "+t.Title, t.Description),
			subtask(t, "[REVIEW] "+t.Title, "Review the implementation of: "+t.Description),
		}
	default:
		count := agents
		if count > 8 {
			count = 8
		}
		if count < 2 {
			count = 2
		}
		subtasks := make([]Subtask, count)
		for i := 0; i < count; i++ {
			subtasks[i] = subtask(t, fmt.Sprintf("%s (part %d/%d)", t.Title, i+1, count), t.Description)
		}
		return subtasks
	}
}

func subtask(t *tasks.Task, title, description string) Subtask {
	return Subtask{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		AgentType:   classifyAgentType(title + " " + description),
	}
}

// TaskInvocation is one {tool: "Task", parameters: {...}} entry of an
// execution plan.
type TaskInvocation struct {
	Tool       string
	Parameters InvocationParameters
}

// InvocationParameters are the parameters of a single Task tool call.
type InvocationParameters struct {
	Description      string
	Prompt           string
	SubagentType     string
	RunInBackground  bool
	WaitForPrevious  bool
}

// BuildPlan renders pattern-specific Task invocations for a set of
// subtasks (spec §4.F plan generators).
func BuildPlan(parentTitle string, pattern Pattern, subtasks []Subtask) []TaskInvocation {
	invocations := make([]TaskInvocation, len(subtasks))
	n := len(subtasks)

	for i, st := range subtasks {
		var prefix, note string
		runInBackground := false
		waitForPrevious := false

		switch pattern {
		case PatternParallel:
			prefix = fmt.Sprintf("[PARALLEL %d/%d] ", i+1, n)
			note = "Work independently with no shared state."
			runInBackground = true
		case PatternSequential:
			prefix = fmt.Sprintf("[SEQ %d/%d] ", i+1, n)
			note = "Assume previous steps may have produced artifacts."
			waitForPrevious = i > 0
		default:
			note = "Coordinate with the other subtasks toward the parent goal."
		}

		invocations[i] = TaskInvocation{
			Tool: "Task",
			Parameters: InvocationParameters{
				Description:     prefix + st.Title,
				Prompt:          buildPrompt(parentTitle, st, note),
				SubagentType:    st.AgentType,
				RunInBackground: runInBackground,
				WaitForPrevious: waitForPrevious,
			},
		}
	}

	return invocations
}

func buildPrompt(parentTitle string, st Subtask, note string) string {
	return fmt.Sprintf(
		"Parent task: %s\nSubtask: %s\n%s\n\n%s",
		parentTitle, st.Title, st.Description, note,
	)
}

// ExecutionResult is executeDelegation's return shape, covering every
// one of its four possible outcomes (spec §4.F).
type ExecutionResult struct {
	Success bool
	Error   string
	Warning string
	Hint    string

	DryRun          bool
	Task            *tasks.Task
	Decision        Decision
	Subtasks        []Subtask
	EstimatedAgents int

	ExecutionPattern Pattern
	SubtaskCount     int
	TaskInvocations  []TaskInvocation

	// Depth and Budget pass the parsed --depth/--budget options through
	// untouched. The orchestrator passes Depth to the Hierarchy Runtime
	// as SpawnSpec.Depth, which selects the timeout tier; Budget is not
	// read by any component.
	Depth  int
	Budget float64

	HierarchyRegistered bool
	DelegationID        string
}

// Registrar lets a Hierarchy Runtime record a delegation; nil is
// accepted and treated as "not registered".
type Registrar interface {
	RegisterDelegation(delegationID string) bool
}

// ExecuteDelegation runs the full decide→decompose→plan pipeline over
// a raw argument string.
func (e *Engine) ExecuteDelegation(argString string, t *tasks.Task, registrar Registrar) ExecutionResult {
	parsed := ParseArguments(argString)
	if t == nil {
		t = &tasks.Task{Title: parsed.TaskDescription, Description: parsed.TaskDescription}
	}
	if len(strings.TrimSpace(parsed.TaskDescription)) < 3 {
		return ExecutionResult{Success: false, Error: "No task description"}
	}

	decision := e.GetDelegationDecision(t, parsed.Options)
	if !decision.ShouldDelegate {
		return ExecutionResult{
			Success: false, Warning: "Delegation not recommended", Hint: "--force to override",
			Task: t, Decision: decision,
		}
	}

	agents := parsed.Options.Agents
	if agents <= 0 {
		agents = e.cfg.MaxAgents
	}
	if agents > e.cfg.MaxAgents && e.cfg.MaxAgents > 0 {
		agents = e.cfg.MaxAgents
	}
	subtasks := Decompose(t, decision.Pattern, agents)

	if parsed.Options.DryRun {
		return ExecutionResult{
			Success: true, DryRun: true, Task: t, Decision: decision,
			Subtasks: subtasks, EstimatedAgents: len(subtasks),
		}
	}

	invocations := BuildPlan(t.Title, decision.Pattern, subtasks)

	delegationID := uuid.New().String()
	registered := false
	if registrar != nil {
		registered = registrar.RegisterDelegation(delegationID)
	}

	return ExecutionResult{
		Success: true, Task: t, Decision: decision,
		ExecutionPattern: decision.Pattern, SubtaskCount: len(subtasks), TaskInvocations: invocations,
		Depth: parsed.Options.Depth, Budget: parsed.Options.Budget,
		HierarchyRegistered: registered, DelegationID: delegationID,
	}
}

// FormatExecutionPlan renders a human-readable summary of an
// ExecutionResult, one of {Error, Warning, Dry Run, Execution Plan}.
func FormatExecutionPlan(r ExecutionResult) string {
	var b strings.Builder

	switch {
	case r.Error != "":
		fmt.Fprintf(&b, "Error: %s\n", r.Error)
	case r.Warning != "":
		fmt.Fprintf(&b, "Warning: %s\n", r.Warning)
		if r.Hint != "" {
			fmt.Fprintf(&b, "Hint: %s\n", r.Hint)
		}
	case r.DryRun:
		fmt.Fprintf(&b, "Dry Run\n")
		fmt.Fprintf(&b, "  Pattern: %s (confidence %.2f)\n", r.Decision.Pattern, r.Decision.Confidence)
		fmt.Fprintf(&b, "  Reasoning: %s\n", r.Decision.Reasoning)
		fmt.Fprintf(&b, "  Estimated agents: %d\n", r.EstimatedAgents)
		for _, st := range r.Subtasks {
			fmt.Fprintf(&b, "  - [%s] %s\n", st.AgentType, st.Title)
		}
	default:
		fmt.Fprintf(&b, "Execution Plan\n")
		fmt.Fprintf(&b, "  Pattern: %s\n", r.ExecutionPattern)
		fmt.Fprintf(&b, "  Subtasks: %d\n", r.SubtaskCount)
		fmt.Fprintf(&b, "  Delegation id: %s (registered=%v)\n", r.DelegationID, r.HierarchyRegistered)
		for _, inv := range r.TaskInvocations {
			fmt.Fprintf(&b, "  - %s [%s] background=%v\n", inv.Parameters.Description, inv.Parameters.SubagentType, inv.Parameters.RunInBackground)
		}
	}

	return b.String()
}
