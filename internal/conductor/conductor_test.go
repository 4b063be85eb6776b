package conductor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/llnl-tools/maestro-go/internal/expander"
	"github.com/llnl-tools/maestro-go/internal/paramtable"
	"github.com/llnl-tools/maestro-go/internal/scheduler"
	"github.com/llnl-tools/maestro-go/internal/study"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is a deterministic in-memory scheduler.Adapter: each
// submission to a named step resolves, on the next CheckJobs poll, to a
// state looked up by (step name, 1-based submission attempt). Unlisted
// attempts default to FINISHED.
type fakeAdapter struct {
	mu sync.Mutex

	perAttemptState map[string]map[int]scheduler.State
	forceSubmitErr  map[string]bool

	submitAttempts map[string]int
	jobStep        map[string]string
	jobAttempt     map[string]int
	cancelledJobs  []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		perAttemptState: map[string]map[int]scheduler.State{},
		forceSubmitErr:  map[string]bool{},
		submitAttempts:  map[string]int{},
		jobStep:         map[string]string{},
		jobAttempt:      map[string]int{},
	}
}

func (a *fakeAdapter) WriteScript(workspace string, step scheduler.Step) (scheduler.WriteScriptResult, error) {
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return scheduler.WriteScriptResult{}, err
	}
	result := scheduler.WriteScriptResult{
		Schedulable: true,
		ScriptPath:  filepath.Join(workspace, step.Name+".sh"),
	}
	if err := os.WriteFile(result.ScriptPath, []byte("#!/bin/bash\n"+step.Cmd+"\n"), 0o755); err != nil {
		return scheduler.WriteScriptResult{}, err
	}
	if step.Restart != "" {
		result.RestartScriptPath = filepath.Join(workspace, step.Name+".restart.sh")
		if err := os.WriteFile(result.RestartScriptPath, []byte("#!/bin/bash\n"+step.Restart+"\n"), 0o755); err != nil {
			return scheduler.WriteScriptResult{}, err
		}
	}
	return result, nil
}

func (a *fakeAdapter) Submit(ctx context.Context, step scheduler.Step, scriptPath, cwd string, env map[string]string) (scheduler.SubmissionRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.submitAttempts[step.Name]++
	attempt := a.submitAttempts[step.Name]

	if a.forceSubmitErr[step.Name] {
		return scheduler.SubmissionRecord{Status: scheduler.SubmissionError, ReturnCode: 1}, nil
	}

	jobID := step.Name + "#" + itoa(attempt)
	a.jobStep[jobID] = step.Name
	a.jobAttempt[jobID] = attempt
	return scheduler.SubmissionRecord{Status: scheduler.SubmissionOK, JobID: jobID}, nil
}

func (a *fakeAdapter) CheckJobs(ctx context.Context, jobIDs []string) (scheduler.JobStatusCode, map[string]scheduler.State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(jobIDs) == 0 {
		return scheduler.JobStatusNoJobs, nil, nil
	}
	out := make(map[string]scheduler.State, len(jobIDs))
	for _, id := range jobIDs {
		name := a.jobStep[id]
		attempt := a.jobAttempt[id]
		state := scheduler.StateFinished
		if byAttempt, ok := a.perAttemptState[name]; ok {
			if s, ok := byAttempt[attempt]; ok {
				state = s
			}
		}
		out[id] = state
	}
	return scheduler.JobStatusOK, out, nil
}

func (a *fakeAdapter) CancelJobs(ctx context.Context, jobIDs []string) (scheduler.CancellationRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelledJobs = append(a.cancelledJobs, jobIDs...)
	return scheduler.CancellationRecord{Status: scheduler.CancellationOK}, nil
}

func (a *fakeAdapter) GetParallelizeCommand(opts scheduler.ParallelizeOptions) string { return "" }
func (a *fakeAdapter) GetHeader(step scheduler.Step) string                          { return "" }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func step(name, cmd string, depends ...string) *study.Step {
	return &study.Step{Name: name, Run: study.Run{Cmd: cmd, Depends: depends}}
}

// slotLimitedAdapter wraps fakeAdapter with a fixed AvailableSlots, so
// gateBySlots has something to clamp against.
type slotLimitedAdapter struct {
	*fakeAdapter
	slots int
}

func (a *slotLimitedAdapter) AvailableSlots() int { return a.slots }

func TestGateBySlotsClampsToCapacity(t *testing.T) {
	dir := t.TempDir()
	steps := []*study.Step{step("a", "echo a"), step("b", "echo b"), step("c", "echo c")}
	for _, s := range steps {
		s.Run.Resources.Procs = 1
	}
	abstract, err := expander.BuildAbstractDAG(steps)
	require.NoError(t, err)
	eg, err := expander.Expand(abstract, expander.Config{OutputPath: dir}, "slots-study", "fake", nil)
	require.NoError(t, err)

	adapter := &slotLimitedAdapter{fakeAdapter: newFakeAdapter(), slots: 1}
	require.NoError(t, Stage(eg, adapter))

	c := New(eg, adapter)
	ordered := []string{"a", "b", "c"}
	admitted := c.gateBySlots(ordered)
	require.Equal(t, []string{"a"}, admitted)

	adapter.slots = 3
	admitted = c.gateBySlots(ordered)
	require.Equal(t, []string{"a", "b", "c"}, admitted)
}

func TestGateBySlotsNoOpWithoutSlotAwareAdapter(t *testing.T) {
	dir := t.TempDir()
	abstract, err := expander.BuildAbstractDAG([]*study.Step{step("a", "echo a")})
	require.NoError(t, err)
	eg, err := expander.Expand(abstract, expander.Config{OutputPath: dir}, "plain-study", "fake", nil)
	require.NoError(t, err)

	adapter := newFakeAdapter()
	require.NoError(t, Stage(eg, adapter))

	c := New(eg, adapter)
	ordered := []string{"a"}
	require.Equal(t, ordered, c.gateBySlots(ordered))
}

func TestRunLinearHelloWorld(t *testing.T) {
	dir := t.TempDir()
	abstract, err := expander.BuildAbstractDAG([]*study.Step{step("hello", "echo hi")})
	require.NoError(t, err)
	eg, err := expander.Expand(abstract, expander.Config{OutputPath: dir}, "hello-study", "fake", nil)
	require.NoError(t, err)

	adapter := newFakeAdapter()
	require.NoError(t, Stage(eg, adapter))

	c := New(eg, adapter)
	c.SleepTime = time.Millisecond

	outcome, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeFinished, outcome)
	require.True(t, eg.Completed["hello"])
}

func TestRunTwoStepParameterized(t *testing.T) {
	dir := t.TempDir()
	table := paramtable.NewTable("", "")
	require.NoError(t, table.AddParameter("NAME", []string{"Pam", "Jim"}, nil, ""))

	steps := []*study.Step{
		step("greet", "echo $(NAME) > g.txt"),
		step("bye", "cat $(greet.workspace)/g.txt", "greet"),
	}
	abstract, err := expander.BuildAbstractDAG(steps)
	require.NoError(t, err)
	eg, err := expander.Expand(abstract, expander.Config{OutputPath: dir, Params: table}, "greet-study", "fake", nil)
	require.NoError(t, err)

	adapter := newFakeAdapter()
	require.NoError(t, Stage(eg, adapter))

	c := New(eg, adapter)
	c.SleepTime = time.Millisecond

	outcome, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeFinished, outcome)
	for _, name := range eg.AllNonSourceNodes() {
		require.True(t, eg.Completed[name], "expected %s completed", name)
	}
}

func TestRunRestartOnTimeout(t *testing.T) {
	dir := t.TempDir()
	s := step("flaky", "echo try")
	s.Run.Restart = "echo retry"
	abstract, err := expander.BuildAbstractDAG([]*study.Step{s})
	require.NoError(t, err)
	eg, err := expander.Expand(abstract, expander.Config{OutputPath: dir, RestartLimit: 2}, "restart-study", "fake", nil)
	require.NoError(t, err)

	adapter := newFakeAdapter()
	adapter.perAttemptState["flaky"] = map[int]scheduler.State{
		1: scheduler.StateTimedOut,
		2: scheduler.StateTimedOut,
		3: scheduler.StateFinished,
	}
	require.NoError(t, Stage(eg, adapter))

	c := New(eg, adapter)
	c.SleepTime = time.Millisecond

	outcome, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeFinished, outcome)
	require.Equal(t, 3, adapter.submitAttempts["flaky"])
	require.Equal(t, 2, eg.Record("flaky").NumRestarts)
}

func TestRunCascadingFailure(t *testing.T) {
	dir := t.TempDir()
	steps := []*study.Step{
		step("a", "false"),
		step("b", "echo b", "a"),
		step("c", "echo c", "b"),
	}
	abstract, err := expander.BuildAbstractDAG(steps)
	require.NoError(t, err)
	eg, err := expander.Expand(abstract, expander.Config{OutputPath: dir}, "fail-study", "fake", nil)
	require.NoError(t, err)

	adapter := newFakeAdapter()
	adapter.perAttemptState["a"] = map[int]scheduler.State{1: scheduler.StateFailed}
	require.NoError(t, Stage(eg, adapter))

	c := New(eg, adapter)
	c.SleepTime = time.Millisecond

	outcome, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, outcome)
	require.True(t, eg.Failed["a"])
	require.True(t, eg.Failed["b"])
	require.True(t, eg.Failed["c"])
	require.Equal(t, 0, adapter.submitAttempts["b"])
	require.Equal(t, 0, adapter.submitAttempts["c"])
}

func TestRunCancellation(t *testing.T) {
	dir := t.TempDir()
	abstract, err := expander.BuildAbstractDAG([]*study.Step{step("long", "sleep 100")})
	require.NoError(t, err)
	eg, err := expander.Expand(abstract, expander.Config{OutputPath: dir}, "cancel-study", "fake", nil)
	require.NoError(t, err)

	adapter := newFakeAdapter()
	adapter.perAttemptState["long"] = map[int]scheduler.State{1: scheduler.StateRunning}
	require.NoError(t, Stage(eg, adapter))

	c := New(eg, adapter)
	c.SleepTime = time.Millisecond

	// First tick submits "long".
	_, terminated, err := c.Tick(context.Background())
	require.NoError(t, err)
	require.False(t, terminated)
	require.True(t, eg.InProgress["long"])

	require.NoError(t, RequestCancel(dir))

	outcome, terminated, err := c.Tick(context.Background())
	require.NoError(t, err)
	require.True(t, terminated)
	require.Equal(t, OutcomeCancelled, outcome)
	require.Equal(t, scheduler.StateCancelled, eg.Record("long").State)
	require.NotEmpty(t, adapter.cancelledJobs)

	_, statErr := os.Stat(filepath.Join(dir, CancelFileName))
	require.True(t, os.IsNotExist(statErr))
}

func TestRequestCancelIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, RequestCancel(dir))
	require.NoError(t, RequestCancel(dir))
	_, err := os.Stat(filepath.Join(dir, CancelFileName))
	require.NoError(t, err)
}

func TestStageRecordsScriptHash(t *testing.T) {
	dir := t.TempDir()
	abstract, err := expander.BuildAbstractDAG([]*study.Step{step("hello", "echo hi")})
	require.NoError(t, err)
	eg, err := expander.Expand(abstract, expander.Config{OutputPath: dir}, "hash-study", "fake", nil)
	require.NoError(t, err)

	adapter := newFakeAdapter()
	require.NoError(t, Stage(eg, adapter))
	require.NotEmpty(t, eg.Record("hello").ScriptHash)
}

func TestResumeRestagesDriftedScriptAndReportsStale(t *testing.T) {
	dir := t.TempDir()
	abstract, err := expander.BuildAbstractDAG([]*study.Step{step("hello", "echo hi")})
	require.NoError(t, err)
	eg, err := expander.Expand(abstract, expander.Config{OutputPath: dir}, "resume-study", "fake", nil)
	require.NoError(t, err)

	adapter := newFakeAdapter()
	require.NoError(t, Stage(eg, adapter))
	originalHash := eg.Record("hello").ScriptHash

	// Simulate drift: the on-disk script changed since it was last staged.
	require.NoError(t, os.WriteFile(eg.Record("hello").ScriptPath, []byte("#!/bin/bash\necho tampered\n"), 0o755))

	// A stray script left by a step no longer present in the graph.
	strayDir := filepath.Join(dir, "orphan")
	require.NoError(t, os.MkdirAll(strayDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(strayDir, "orphan.sh"), []byte("#!/bin/bash\n"), 0o755))

	stale, err := Resume(eg, adapter)
	require.NoError(t, err)
	require.Contains(t, stale, filepath.Join(strayDir, "orphan.sh"))
	// Re-staging regenerates the same deterministic content, so the
	// hash returns to what it was before the on-disk tampering.
	require.Equal(t, originalHash, eg.Record("hello").ScriptHash)
}
