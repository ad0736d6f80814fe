package hierarchy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/taskforge/orchestrator/internal/events"
)

func newTestSupervisor() *Supervisor {
	return NewSupervisor(events.NewBus(), nil)
}

func shSpec(script string) SpawnSpec {
	return SpawnSpec{
		Command: "/bin/sh", Args: []string{"-c", script},
		ParentSessionID: "session-1", ParentTaskID: "task-1",
		Depth: 4, // tier ceiling 10s, plenty for these short scripts
	}
}

func TestSpawnCapturesStdoutLines(t *testing.T) {
	s := newTestSupervisor()
	result := s.Spawn(context.Background(), shSpec("echo one; echo two"))
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(result.Stdout) != 2 || result.Stdout[0] != "one" || result.Stdout[1] != "two" {
		t.Fatalf("unexpected stdout lines: %v", result.Stdout)
	}
}

func TestSpawnNonZeroExitIsFailureWithExitCode(t *testing.T) {
	s := newTestSupervisor()
	result := s.Spawn(context.Background(), shSpec("echo oops 1>&2; exit 3"))
	if result.Success {
		t.Fatal("expected non-zero exit to be a failure")
	}
	if result.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", result.ExitCode)
	}
	if !strings.Contains(result.StderrTail, "oops") {
		t.Fatalf("expected stderr tail to contain the error line, got %q", result.StderrTail)
	}
}

func TestSpawnEnvironmentInjection(t *testing.T) {
	s := newTestSupervisor()
	spec := shSpec(`echo "$PARENT_SESSION_ID,$ORCHESTRATOR_SESSION,$SUBTASK_INDEX,$SUBTASK_TOTAL,$PARENT_TASK_ID"`)
	spec.SubtaskIndex = 2
	spec.SubtaskTotal = 5
	result := s.Spawn(context.Background(), spec)
	if !result.Success || len(result.Stdout) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Stdout[0] != "session-1,true,2,5,task-1" {
		t.Fatalf("unexpected injected environment: %q", result.Stdout[0])
	}
}

func TestSpawnDeadlineForceKillsAfterGracePeriod(t *testing.T) {
	if testing.Short() {
		t.Skip("exercises the real minTimeout floor (~5s) plus a grace period; skipped in -short runs")
	}
	s := newTestSupervisor()
	// Even an aggressively small parent budget cannot push the inherited
	// deadline below minTimeout, so this still waits out that floor
	// before the deadline fires and the grace period expires.
	spec := SpawnSpec{
		Command: "/bin/sh", Args: []string{"-c", "trap '' TERM; sleep 30"},
		Depth: 4, HasParentRemainingTime: true, ParentRemainingTime: time.Millisecond,
	}
	start := time.Now()
	result := s.Spawn(context.Background(), spec)
	elapsed := time.Since(start)

	if !result.TimedOut {
		t.Fatal("expected TimedOut to be set")
	}
	if elapsed > minTimeout+gracePeriod(4)+2*time.Second {
		t.Fatalf("expected the process to be force-killed shortly after minTimeout+grace, took %v", elapsed)
	}
}

func TestRunParallelReportsAllSucceeded(t *testing.T) {
	s := newTestSupervisor()
	agg := s.RunParallel(context.Background(), []SpawnSpec{shSpec("exit 0"), shSpec("exit 0")})
	if !agg.AllSucceeded {
		t.Fatalf("expected all succeeded, got %+v", agg)
	}
}

func TestRunSequentialStopsAtFirstFailureAndSkipsRest(t *testing.T) {
	s := newTestSupervisor()
	agg := s.RunSequential(context.Background(), []SpawnSpec{shSpec("exit 0"), shSpec("exit 1"), shSpec("exit 0")})
	if agg.AllSucceeded {
		t.Fatal("expected AllSucceeded=false")
	}
	if agg.Results[2].Skipped != true {
		t.Fatalf("expected the third subtask to be skipped, got %+v", agg.Results[2])
	}
}
