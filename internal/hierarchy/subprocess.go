package hierarchy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/taskforge/orchestrator/internal/events"
)

const stderrTailLines = 20

// SpawnSpec describes one subtask's external agent invocation (spec
// §4.G subprocess supervision).
type SpawnSpec struct {
	Command string
	Args    []string
	Dir     string

	ParentSessionID string
	ParentTaskID    string
	SubtaskIndex    int
	SubtaskTotal    int

	Depth                  int
	ParentRemainingTime    time.Duration
	HasParentRemainingTime bool
}

// SpawnResult is one subprocess's outcome.
type SpawnResult struct {
	Success    bool
	ExitCode   int
	Signal     string
	StderrTail string
	Stdout     []string
	Stderr     []string
	TimedOut   bool
	Inherited  bool
}

// SubtaskResult pairs a SpawnSpec's position with its outcome; Skipped
// is set for entries never run because an earlier sequential step
// failed.
type SubtaskResult struct {
	Index   int
	Result  SpawnResult
	Skipped bool
}

// AggregateResult is the outcome of running a batch of subtasks under
// the parallel or sequential pattern.
type AggregateResult struct {
	AllSucceeded bool
	Results      []SubtaskResult
}

// Supervisor spawns and supervises the subprocesses backing delegated
// subtasks, applying the tiered timeout and grace-period rules.
type Supervisor struct {
	bus    *events.Bus
	logger *log.Logger
}

// NewSupervisor constructs a subprocess supervisor.
func NewSupervisor(bus *events.Bus, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{bus: bus, logger: logger}
}

// Spawn launches spec's external agent, captures its output line by
// line, and waits for it to exit or be killed at its deadline.
func (s *Supervisor) Spawn(ctx context.Context, spec SpawnSpec) SpawnResult {
	timeout := calculateTimeout(spec.Depth, TimeoutOptions{
		ParentRemainingTime: spec.ParentRemainingTime,
		HasParentRemaining:  spec.HasParentRemainingTime,
	})
	grace := gracePeriod(spec.Depth)

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	// Own process group, so a kill also reaches any children the agent forked.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(),
		"PARENT_SESSION_ID="+spec.ParentSessionID,
		"ORCHESTRATOR_SESSION=true",
		fmt.Sprintf("SUBTASK_INDEX=%d", spec.SubtaskIndex),
		fmt.Sprintf("SUBTASK_TOTAL=%d", spec.SubtaskTotal),
		"PARENT_TASK_ID="+spec.ParentTaskID,
	)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return SpawnResult{Success: false, StderrTail: err.Error()}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return SpawnResult{Success: false, StderrTail: err.Error()}
	}

	if err := cmd.Start(); err != nil {
		return SpawnResult{Success: false, StderrTail: err.Error()}
	}
	s.logger.Printf("[SUPERVISOR] spawned %s (pid %d, timeout %s, inherited=%v)", spec.Command, cmd.Process.Pid, timeout.Timeout, timeout.Inherited)
	s.bus.Publish(events.New(events.SubprocessSpawned, "hierarchy.supervisor", map[string]interface{}{
		"command": spec.Command, "pid": cmd.Process.Pid, "depth": spec.Depth,
	}))

	var mu sync.Mutex
	var stdout, stderr []string
	var wg sync.WaitGroup
	wg.Add(2)
	go collectLines(stdoutPipe, &mu, &stdout, &wg)
	go collectLines(stderrPipe, &mu, &stderr, &wg)

	waitDone := make(chan error, 1)
	go func() {
		wg.Wait()
		waitDone <- cmd.Wait()
	}()

	deadline := time.NewTimer(timeout.Timeout)
	defer deadline.Stop()

	var timedOut bool
	var killTimer *time.Timer

	select {
	case err = <-waitDone:
	case <-deadline.C:
		timedOut = true
		s.logger.Printf("[SUPERVISOR] deadline reached for pid %d, sending cooperative cancel", cmd.Process.Pid)
		cmd.Process.Signal(syscall.SIGTERM)
		killTimer = time.NewTimer(grace)
		select {
		case err = <-waitDone:
			killTimer.Stop()
		case <-killTimer.C:
			s.logger.Printf("[SUPERVISOR] grace period expired for pid %d, killing", cmd.Process.Pid)
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			err = <-waitDone
		}
	case <-ctx.Done():
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		err = <-waitDone
	}

	mu.Lock()
	tail := tailOf(stderr, stderrTailLines)
	result := SpawnResult{Stdout: stdout, Stderr: stderr, StderrTail: tail, TimedOut: timedOut, Inherited: timeout.Inherited}
	mu.Unlock()

	switch e := err.(type) {
	case nil:
		result.Success = true
	case *exec.ExitError:
		if status, ok := e.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			result.Signal = status.Signal().String()
		} else {
			result.ExitCode = e.ExitCode()
		}
	default:
		result.StderrTail = err.Error()
	}

	s.bus.Publish(events.New(events.SubprocessExited, "hierarchy.supervisor", map[string]interface{}{
		"command": spec.Command, "success": result.Success, "timed_out": timedOut,
	}))
	return result
}

func collectLines(r io.Reader, mu *sync.Mutex, dst *[]string, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		mu.Lock()
		*dst = append(*dst, line)
		mu.Unlock()
	}
}

func tailOf(lines []string, n int) string {
	if len(lines) == 0 {
		return ""
	}
	start := 0
	if len(lines) > n {
		start = len(lines) - n
	}
	tail := ""
	for i, l := range lines[start:] {
		if i > 0 {
			tail += "\n"
		}
		tail += l
	}
	return tail
}

// RunParallel spawns every spec concurrently and awaits all
// completions (Promise.all-style); ordering among results is not
// guaranteed across subtasks.
func (s *Supervisor) RunParallel(ctx context.Context, specs []SpawnSpec) AggregateResult {
	results := make([]SubtaskResult, len(specs))
	var wg sync.WaitGroup
	wg.Add(len(specs))
	for i, spec := range specs {
		go func(i int, spec SpawnSpec) {
			defer wg.Done()
			results[i] = SubtaskResult{Index: i, Result: s.Spawn(ctx, spec)}
		}(i, spec)
	}
	wg.Wait()
	return aggregate(results)
}

// RunSequential spawns each spec one at a time in declaration order,
// stopping at the first failure; every later entry is marked skipped.
func (s *Supervisor) RunSequential(ctx context.Context, specs []SpawnSpec) AggregateResult {
	results := make([]SubtaskResult, len(specs))
	failed := false
	for i, spec := range specs {
		if failed {
			results[i] = SubtaskResult{Index: i, Skipped: true}
			continue
		}
		res := s.Spawn(ctx, spec)
		results[i] = SubtaskResult{Index: i, Result: res}
		if !res.Success {
			failed = true
		}
	}
	return aggregate(results)
}

func aggregate(results []SubtaskResult) AggregateResult {
	allSucceeded := true
	for _, r := range results {
		if r.Skipped || !r.Result.Success {
			allSucceeded = false
			break
		}
	}
	return AggregateResult{AllSucceeded: allSucceeded, Results: results}
}
