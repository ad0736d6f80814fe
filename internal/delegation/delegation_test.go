package delegation

import (
	"strings"
	"testing"

	"github.com/taskforge/orchestrator/internal/config"
	"github.com/taskforge/orchestrator/internal/tasks"
)

func TestParseArgumentsExtractsFlagsAndDescription(t *testing.T) {
	result := ParseArguments("--pattern=parallel --agents 4 --dry-run build the thing")
	if result.Options.Pattern != PatternParallel {
		t.Fatalf("expected parallel pattern, got %q", result.Options.Pattern)
	}
	if result.Options.Agents != 4 {
		t.Fatalf("expected agents=4, got %d", result.Options.Agents)
	}
	if !result.Options.DryRun {
		t.Fatal("expected dry-run to be set")
	}
	if result.TaskDescription != "build the thing" {
		t.Fatalf("expected task description %q, got %q", "build the thing", result.TaskDescription)
	}
}

func TestParseArgumentsForceFlag(t *testing.T) {
	result := ParseArguments("--force fix the bug")
	if !result.Options.Force {
		t.Fatal("expected force flag to be set")
	}
	if result.TaskDescription != "fix the bug" {
		t.Fatalf("unexpected task description: %q", result.TaskDescription)
	}
}

func bigTask() *tasks.Task {
	return &tasks.Task{
		Title: "Redesign the backend API architecture", Description: "Research, design, and implement the new endpoint schema",
		Priority: tasks.PriorityHigh, Effort: "6h",
	}
}

func tinyTask() *tasks.Task {
	return &tasks.Task{Title: "Fix typo", Description: "Fix a typo in the README", Priority: tasks.PriorityLow, Effort: "30m"}
}

func TestGetDelegationDecisionRecommendsDelegationForComplexTask(t *testing.T) {
	e := New(config.DefaultDelegationConfig())
	decision := e.GetDelegationDecision(bigTask(), Options{})
	if !decision.ShouldDelegate {
		t.Fatal("expected complex high-priority task to be recommended for delegation")
	}
}

func TestGetDelegationDecisionBypassesTrivialTask(t *testing.T) {
	e := New(config.DefaultDelegationConfig())
	tiny := tinyTaskWithEffort("0.2m")
	decision := e.GetDelegationDecision(tiny, Options{})
	if decision.ShouldDelegate {
		t.Fatalf("expected trivial low-priority task to bypass delegation, reasoning=%q", decision.Reasoning)
	}
}

func TestGetDelegationDecisionForceOverridesOracle(t *testing.T) {
	e := New(config.DefaultDelegationConfig())
	tiny := tinyTaskWithEffort("0.2m")
	decision := e.GetDelegationDecision(tiny, Options{Force: true})
	if !decision.ShouldDelegate {
		t.Fatal("expected --force to override a bypass recommendation")
	}
	if !strings.HasPrefix(decision.Reasoning, "Forced:") {
		t.Fatalf("expected reasoning to be prefixed with Forced:, got %q", decision.Reasoning)
	}
}

func TestGetDelegationDecisionExplicitPatternOverridesOracle(t *testing.T) {
	e := New(config.DefaultDelegationConfig())
	decision := e.GetDelegationDecision(bigTask(), Options{Pattern: PatternDebate})
	if decision.Pattern != PatternDebate {
		t.Fatalf("expected explicit pattern override to win, got %q", decision.Pattern)
	}
}

func TestDecomposeDebateProducesThreeFixedSubtasks(t *testing.T) {
	subtasks := Decompose(bigTask(), PatternDebate, 5)
	if len(subtasks) != 3 {
		t.Fatalf("expected exactly 3 debate subtasks, got %d", len(subtasks))
	}
	if !strings.HasPrefix(subtasks[0].Title, "[PRO]") || !strings.HasPrefix(subtasks[1].Title, "[CON]") || !strings.HasPrefix(subtasks[2].Title, "[SYNTH]") {
		t.Fatalf("unexpected debate subtask titles: %+v", subtasks)
	}
}

func TestDecomposeReviewProducesTwoFixedSubtasks(t *testing.T) {
	subtasks := Decompose(bigTask(), PatternReview, 5)
	if len(subtasks) != 2 {
		t.Fatalf("expected exactly 2 review subtasks, got %d", len(subtasks))
	}
	if !strings.HasPrefix(subtasks[0].Title, "[IMPL]") || !strings.HasPrefix(subtasks[1].Title, "[REVIEW]") {
		t.Fatalf("unexpected review subtask titles: %+v", subtasks)
	}
}

func TestDecomposeCapsAgentCountAtEight(t *testing.T) {
	subtasks := Decompose(bigTask(), PatternParallel, 20)
	if len(subtasks) != 8 {
		t.Fatalf("expected subtasks capped at 8, got %d", len(subtasks))
	}
}

func TestDecomposeFloorsAgentCountAtTwo(t *testing.T) {
	subtasks := Decompose(bigTask(), PatternParallel, 1)
	if len(subtasks) != 2 {
		t.Fatalf("expected subtasks floored at 2, got %d", len(subtasks))
	}
}

func TestClassifyAgentTypePrecedence(t *testing.T) {
	cases := map[string]string{
		"research the competitive landscape": "Explore",
		"build the backend API endpoint":      "Backend Specialist",
		"style the frontend form component":   "Frontend Specialist",
		"write an e2e test to verify behavior": "E2E Test Engineer",
		"design the system architecture":       "Plan",
		"something totally unrelated":          "general-purpose",
	}
	for text, want := range cases {
		if got := classifyAgentType(text); got != want {
			t.Errorf("classifyAgentType(%q) = %q, want %q", text, got, want)
		}
	}
}

func TestBuildPlanParallelMarksRunInBackground(t *testing.T) {
	subtasks := Decompose(bigTask(), PatternParallel, 3)
	invocations := BuildPlan("Parent", PatternParallel, subtasks)
	for i, inv := range invocations {
		if !inv.Parameters.RunInBackground {
			t.Fatalf("expected parallel invocation %d to run in background", i)
		}
		if !strings.Contains(inv.Parameters.Description, "[PARALLEL") {
			t.Fatalf("expected parallel prefix in description, got %q", inv.Parameters.Description)
		}
	}
}

func TestBuildPlanSequentialWaitsExceptFirst(t *testing.T) {
	subtasks := Decompose(bigTask(), PatternSequential, 3)
	invocations := BuildPlan("Parent", PatternSequential, subtasks)
	if invocations[0].Parameters.WaitForPrevious {
		t.Fatal("expected the first sequential step not to wait")
	}
	for i := 1; i < len(invocations); i++ {
		if !invocations[i].Parameters.WaitForPrevious {
			t.Fatalf("expected sequential step %d to wait for the previous one", i)
		}
	}
}

func TestExecuteDelegationRejectsShortDescription(t *testing.T) {
	e := New(config.DefaultDelegationConfig())
	result := e.ExecuteDelegation("hi", nil, nil)
	if result.Success || result.Error != "No task description" {
		t.Fatalf("expected short-description rejection, got %+v", result)
	}
}

func TestExecuteDelegationWarnsWithoutForceOnBypass(t *testing.T) {
	e := New(config.DefaultDelegationConfig())
	result := e.ExecuteDelegation("quick question about this", tinyTaskWithEffort("0.2m"), nil)
	if result.Success || result.Warning != "Delegation not recommended" {
		t.Fatalf("expected a not-recommended warning, got %+v", result)
	}
}

func tinyTaskWithEffort(effort string) *tasks.Task {
	ti := tinyTask()
	ti.Effort = effort
	return ti
}

func TestExecuteDelegationDryRun(t *testing.T) {
	e := New(config.DefaultDelegationConfig())
	result := e.ExecuteDelegation("--dry-run do something substantial with the architecture", bigTask(), nil)
	if !result.Success || !result.DryRun {
		t.Fatalf("expected a successful dry run, got %+v", result)
	}
	if len(result.Subtasks) < 2 {
		t.Fatalf("expected at least 2 subtasks in dry run, got %d", len(result.Subtasks))
	}
}

func TestExecuteDelegationFullRunRegistersWithHierarchy(t *testing.T) {
	e := New(config.DefaultDelegationConfig())
	reg := &stubRegistrar{}
	result := e.ExecuteDelegation("delegate this substantial piece of architecture work", bigTask(), reg)
	if !result.Success {
		t.Fatalf("expected successful execution, got %+v", result)
	}
	if !result.HierarchyRegistered {
		t.Fatal("expected hierarchy registration to succeed")
	}
	if len(result.TaskInvocations) != result.SubtaskCount {
		t.Fatalf("expected one invocation per subtask, got %d invocations for %d subtasks", len(result.TaskInvocations), result.SubtaskCount)
	}
}

type stubRegistrar struct{}

func (s *stubRegistrar) RegisterDelegation(id string) bool { return true }

func TestFormatExecutionPlanSections(t *testing.T) {
	errResult := ExecutionResult{Error: "No task description"}
	if !strings.Contains(FormatExecutionPlan(errResult), "Error:") {
		t.Fatal("expected Error section")
	}

	warnResult := ExecutionResult{Warning: "Delegation not recommended", Hint: "--force to override"}
	if !strings.Contains(FormatExecutionPlan(warnResult), "Warning:") {
		t.Fatal("expected Warning section")
	}

	dryResult := ExecutionResult{DryRun: true, Decision: Decision{Pattern: PatternSequential}}
	if !strings.Contains(FormatExecutionPlan(dryResult), "Dry Run") {
		t.Fatal("expected Dry Run section")
	}

	execResult := ExecutionResult{ExecutionPattern: PatternSequential, SubtaskCount: 2}
	if !strings.Contains(FormatExecutionPlan(execResult), "Execution Plan") {
		t.Fatal("expected Execution Plan section")
	}
}
