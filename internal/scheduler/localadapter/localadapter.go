// Package localadapter implements the local pool scheduler adapter: a
// bounded worker pool that forks/execs each step's script directly,
// tracking state by OS process id and killing process groups on
// cancellation.
package localadapter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/llnl-tools/maestro-go/internal/procutil"
	"github.com/llnl-tools/maestro-go/internal/scheduler"
)

func init() {
	scheduler.Register("local", func(config map[string]any) (scheduler.Adapter, error) {
		maxWorkers := 1
		if v, ok := config["max_workers"]; ok {
			switch n := v.(type) {
			case int:
				maxWorkers = n
			case float64:
				maxWorkers = int(n)
			}
		}
		return New(maxWorkers), nil
	})
}

type procState struct {
	cmd      *exec.Cmd
	rc       int
	finished bool
	failed   bool
	cancelled bool
}

// Adapter is the local pool adapter. It reserves max(1, step.Procs)
// worker slots per running step. Submit rejects a step that does not fit
// in the free slots with SubmissionError; AvailableSlots reports the free
// capacity so the driver can gate admission before submitting.
type Adapter struct {
	maxWorkers int

	mu        sync.Mutex
	slotsUsed int
	procs     map[string]*procState // job id (pid string) -> state
}

// New returns a local pool adapter with the given worker-slot capacity.
func New(maxWorkers int) *Adapter {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Adapter{maxWorkers: maxWorkers, procs: make(map[string]*procState)}
}

// AvailableSlots reports how many worker slots are currently free.
func (a *Adapter) AvailableSlots() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxWorkers - a.slotsUsed
}

func (a *Adapter) WriteScript(workspace string, step scheduler.Step) (scheduler.WriteScriptResult, error) {
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return scheduler.WriteScriptResult{}, err
	}
	scriptPath := filepath.Join(workspace, step.Name+".sh")
	content := "#!/bin/bash\n" + step.Cmd + "\n"
	if err := os.WriteFile(scriptPath, []byte(content), 0o755); err != nil {
		return scheduler.WriteScriptResult{}, err
	}
	result := scheduler.WriteScriptResult{Schedulable: false, ScriptPath: scriptPath}
	if step.Restart != "" {
		restartPath := filepath.Join(workspace, step.Name+".restart.sh")
		restartContent := "#!/bin/bash\n" + step.Restart + "\n"
		if err := os.WriteFile(restartPath, []byte(restartContent), 0o755); err != nil {
			return scheduler.WriteScriptResult{}, err
		}
		result.RestartScriptPath = restartPath
	}
	return result, nil
}

func (a *Adapter) Submit(ctx context.Context, step scheduler.Step, scriptPath, cwd string, env map[string]string) (scheduler.SubmissionRecord, error) {
	slots := step.Procs
	if slots < 1 {
		slots = 1
	}

	a.mu.Lock()
	if a.slotsUsed+slots > a.maxWorkers {
		a.mu.Unlock()
		return scheduler.SubmissionRecord{Status: scheduler.SubmissionError, ReturnCode: -1}, nil
	}
	a.slotsUsed += slots
	a.mu.Unlock()

	cmd := exec.Command(scriptPath)
	cmd.Dir = cwd
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	outFile, err := os.Create(cwd + "/" + step.Name + ".out")
	if err == nil {
		cmd.Stdout = outFile
	}
	errFile, err2 := os.Create(cwd + "/" + step.Name + ".err")
	if err2 == nil {
		cmd.Stderr = errFile
	}

	if err := cmd.Start(); err != nil {
		a.releaseSlots(slots)
		return scheduler.SubmissionRecord{Status: scheduler.SubmissionError, ReturnCode: -1}, nil
	}

	pid := cmd.Process.Pid
	jobID := strconv.Itoa(pid)
	ps := &procState{cmd: cmd}
	a.mu.Lock()
	a.procs[jobID] = ps
	a.mu.Unlock()

	go func() {
		err := cmd.Wait()
		a.mu.Lock()
		ps.finished = true
		if err != nil {
			ps.failed = true
			if exitErr, ok := err.(*exec.ExitError); ok {
				ps.rc = exitErr.ExitCode()
			} else {
				ps.rc = -1
			}
		}
		a.mu.Unlock()
		a.releaseSlots(slots)
		if outFile != nil {
			outFile.Close()
		}
		if errFile != nil {
			errFile.Close()
		}
	}()

	return scheduler.SubmissionRecord{Status: scheduler.SubmissionOK, ReturnCode: 0, JobID: jobID}, nil
}

func (a *Adapter) releaseSlots(n int) {
	a.mu.Lock()
	a.slotsUsed -= n
	if a.slotsUsed < 0 {
		a.slotsUsed = 0
	}
	a.mu.Unlock()
}

func (a *Adapter) CheckJobs(ctx context.Context, jobIDs []string) (scheduler.JobStatusCode, map[string]scheduler.State, error) {
	if len(jobIDs) == 0 {
		return scheduler.JobStatusNoJobs, nil, nil
	}
	out := make(map[string]scheduler.State, len(jobIDs))
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range jobIDs {
		ps, ok := a.procs[id]
		if !ok {
			out[id] = scheduler.StateUnknown
			continue
		}
		switch {
		case ps.cancelled:
			out[id] = scheduler.StateCancelled
		case ps.finished && ps.failed:
			out[id] = scheduler.StateFailed
		case ps.finished:
			out[id] = scheduler.StateFinished
		default:
			out[id] = scheduler.StateRunning
		}
	}
	return scheduler.JobStatusOK, out, nil
}

func (a *Adapter) CancelJobs(ctx context.Context, jobIDs []string) (scheduler.CancellationRecord, error) {
	failed := false
	a.mu.Lock()
	for _, id := range jobIDs {
		ps, ok := a.procs[id]
		if !ok || ps.finished {
			continue
		}
		pid := ps.cmd.Process.Pid
		a.mu.Unlock()
		ok2 := procutil.KillProcessGroup(pid, 3*time.Second)
		a.mu.Lock()
		ps.cancelled = true
		if !ok2 {
			failed = true
		}
	}
	a.mu.Unlock()
	if failed {
		return scheduler.CancellationRecord{Status: scheduler.CancellationError, ReturnCode: 1}, nil
	}
	return scheduler.CancellationRecord{Status: scheduler.CancellationOK, ReturnCode: 0}, nil
}

func (a *Adapter) GetParallelizeCommand(opts scheduler.ParallelizeOptions) string {
	return ""
}

func (a *Adapter) GetHeader(step scheduler.Step) string {
	return ""
}
