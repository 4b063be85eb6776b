// Package conductor implements the execution graph driver: the central
// control loop that polls backend job status, advances node state,
// admits ready nodes in priority order, submits them, and persists a
// snapshot every tick, until the graph terminates.
package conductor

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/llnl-tools/maestro-go/internal/conductorlog"
	"github.com/llnl-tools/maestro-go/internal/execgraph"
	"github.com/llnl-tools/maestro-go/internal/priority"
	"github.com/llnl-tools/maestro-go/internal/scheduler"
	"github.com/llnl-tools/maestro-go/internal/statuscsv"
	"github.com/zeebo/blake3"
)

// CancelFileName is the sentinel whose presence at the top of a tick
// triggers cooperative cancellation.
const CancelFileName = ".cancel.lock"

// CancelLockTimeout bounds how long the driver waits to acquire the
// cancel sentinel's own lock before giving up on this tick's attempt.
const CancelLockTimeout = 10 * time.Second

// Outcome is the terminal result of Run, and doubles as the process exit
// code per the conductor's external contract (0/1/2/3).
type Outcome int

const (
	OutcomeFinished  Outcome = 0
	OutcomeFailed    Outcome = 1
	OutcomeCancelled Outcome = 2
	OutcomeRunning   Outcome = 3
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFinished:
		return "FINISHED"
	case OutcomeFailed:
		return "FAILED"
	case OutcomeCancelled:
		return "CANCELLED"
	case OutcomeRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// StatusError wraps a JobStatusCode.ERROR report from CheckJobs; the
// tick aborts without mutating graph state and the caller should retry
// after a short backoff.
type StatusError struct {
	Err error
}

func (e *StatusError) Error() string { return fmt.Sprintf("conductor: status check failed: %v", e.Err) }
func (e *StatusError) Unwrap() error { return e.Err }

// Conductor drives one execution graph against one scheduler adapter.
type Conductor struct {
	Graph   *execgraph.Graph
	Adapter scheduler.Adapter

	SleepTime           time.Duration
	SubmissionAttempts  int
	SubmissionThrottle  int // 0 = unlimited
	PolicyNames         []string
	Depth               map[string]int

	Log *conductorlog.Writer

	// GraphPath/StatusPath/CancelPath derive from Graph.OutputPath but
	// are exposed for testability.
	GraphPath  string
	StatusPath string
	CancelPath string
}

// New builds a Conductor with spec-default tick parameters
// (sleep_time=60s, submission_attempts=1, submission_throttle=0,
// policy breadth_first) ready for the caller to override.
func New(g *execgraph.Graph, adapter scheduler.Adapter) *Conductor {
	return &Conductor{
		Graph:              g,
		Adapter:            adapter,
		SleepTime:          60 * time.Second,
		SubmissionAttempts: 1,
		SubmissionThrottle: 0,
		PolicyNames:        []string{"breadth_first"},
		Depth:              computeDepths(g),
		GraphPath:          execgraph.DefaultGraphPath(g.OutputPath, g.StudyName),
		StatusPath:         filepath.Join(g.OutputPath, "status.csv"),
		CancelPath:         filepath.Join(g.OutputPath, CancelFileName),
	}
}

// computeDepths assigns BFS depth from _source's direct children (weight
// 1, each child weight parent+1), the weight priority policies sort on
// (§4.9).
func computeDepths(g *execgraph.Graph) map[string]int {
	roots := g.DAG.Children(execgraph.SourceNode)
	return priority.Depths(roots, g.DAG.Children)
}

func (c *Conductor) policies() []priority.Policy {
	out := make([]priority.Policy, 0, len(c.PolicyNames))
	for _, name := range c.PolicyNames {
		p, ok := priority.Lookup(name)
		if !ok {
			c.logEvent("policy_skipped", map[string]any{"name": name})
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		p, _ := priority.Lookup("")
		out = append(out, p)
	}
	return out
}

func (c *Conductor) logEvent(event string, fields map[string]any) {
	if c.Log == nil {
		return
	}
	merged := map[string]any{"event": event}
	for k, v := range fields {
		merged[k] = v
	}
	_ = c.Log.Append(merged)
}

// Run executes ticks until the graph terminates, is cancelled, or ctx is
// done, sleeping SleepTime between ticks.
func (c *Conductor) Run(ctx context.Context) (Outcome, error) {
	for {
		outcome, terminated, err := c.Tick(ctx)
		if err != nil {
			var statusErr *StatusError
			if errors.As(err, &statusErr) {
				c.logEvent("status_check_retry", map[string]any{"error": statusErr.Error()})
				select {
				case <-ctx.Done():
					return OutcomeRunning, ctx.Err()
				case <-time.After(c.SleepTime):
				}
				continue
			}
			return OutcomeRunning, err
		}
		if terminated {
			return outcome, nil
		}
		select {
		case <-ctx.Done():
			return OutcomeRunning, ctx.Err()
		case <-time.After(c.SleepTime):
		}
	}
}

// Tick runs exactly one iteration of the nine-step sequence (§4.8),
// omitting the sleep. terminated reports whether outcome is final
// (FINISHED/FAILED/CANCELLED); a false terminated with no error means
// keep looping.
func (c *Conductor) Tick(ctx context.Context) (outcome Outcome, terminated bool, err error) {
	// 1. Cancellation check.
	if cancelled, err := c.checkCancellation(ctx); err != nil {
		return OutcomeRunning, false, err
	} else if cancelled {
		return OutcomeCancelled, true, nil
	}

	// 2. Termination check.
	if c.Graph.IsTerminated() {
		if err := c.persist(); err != nil {
			return OutcomeRunning, false, err
		}
		if len(c.Graph.Failed) > 0 {
			return OutcomeFailed, true, nil
		}
		return OutcomeFinished, true, nil
	}

	// 3. Status poll.
	jobIDs, jobToName := c.collectInProgressJobIDs()
	statusCode, states, err := c.Adapter.CheckJobs(ctx, jobIDs)
	if err != nil {
		return OutcomeRunning, false, fmt.Errorf("conductor: check jobs: %w", err)
	}
	if statusCode == scheduler.JobStatusError {
		return OutcomeRunning, false, &StatusError{Err: fmt.Errorf("adapter reported job status error")}
	}

	// 4. State advance.
	hwFailureResubmits := c.advanceState(ctx, jobToName, states)

	// 5. Admission.
	ready := c.admissibleInitializedNodes()
	ready = append(ready, hwFailureResubmits...)
	ready = uniqueStrings(ready)

	// 6. Priority and throttle.
	ordered := priority.Order(ready, c.Depth, c.policies())
	admitted := c.throttle(ordered)
	admitted = c.gateBySlots(admitted)

	// 7. Submit.
	for _, name := range admitted {
		c.submit(ctx, name)
	}

	// 8. Persist & snapshot.
	if err := c.persist(); err != nil {
		return OutcomeRunning, false, err
	}

	return OutcomeRunning, false, nil
}

func (c *Conductor) checkCancellation(ctx context.Context) (bool, error) {
	if _, err := os.Stat(c.CancelPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("conductor: stat cancel sentinel: %w", err)
	}

	locked, unlock, err := acquireCancelLock(c.CancelPath, CancelLockTimeout)
	if err != nil {
		return false, fmt.Errorf("conductor: cancel lock: %w", err)
	}
	if !locked {
		// Another process holds it; treat as not-yet-cancelled this tick.
		return false, nil
	}
	defer unlock()

	var jobIDs []string
	for name := range c.Graph.InProgress {
		if r := c.Graph.Record(name); r != nil {
			if id := r.LastJobID(); id != "" {
				jobIDs = append(jobIDs, id)
			}
		}
	}
	if len(jobIDs) > 0 {
		if _, err := c.Adapter.CancelJobs(ctx, jobIDs); err != nil {
			c.logEvent("cancel_jobs_error", map[string]any{"error": err.Error()})
		}
	}
	c.Graph.MarkCancelled()
	c.logEvent("cancelled", nil)
	if err := c.persist(); err != nil {
		return false, err
	}
	_ = os.Remove(c.CancelPath)
	return true, nil
}

func (c *Conductor) collectInProgressJobIDs() (jobIDs []string, jobToName map[string]string) {
	jobToName = make(map[string]string, len(c.Graph.InProgress))
	for name := range c.Graph.InProgress {
		r := c.Graph.Record(name)
		if r == nil {
			continue
		}
		id := r.LastJobID()
		if id == "" {
			continue
		}
		jobIDs = append(jobIDs, id)
		jobToName[id] = name
	}
	return jobIDs, jobToName
}

// advanceState applies step 4 of the tick sequence and returns the
// subset of names to resubmit immediately due to HWFAILURE.
func (c *Conductor) advanceState(ctx context.Context, jobToName map[string]string, states map[string]scheduler.State) []string {
	var hwFailures []string
	for jobID, state := range states {
		name, ok := jobToName[jobID]
		if !ok {
			continue
		}
		r := c.Graph.Record(name)
		if r == nil {
			continue
		}
		switch state {
		case scheduler.StateFinished:
			if r.EndTime == "" {
				r.EndTime = nowISO()
			}
			c.Graph.MarkCompleted(name)
			c.logEvent("step_finished", map[string]any{"step": name})

		case scheduler.StateTimedOut:
			if r.NumRestarts < r.RestartLimit {
				c.resubmit(ctx, name, r, true)
				r.NumRestarts++
			} else {
				c.Graph.MarkFailed(name)
				c.logEvent("restart_limit_exceeded", map[string]any{"step": name, "num_restarts": r.NumRestarts})
			}

		case scheduler.StateHWFailure:
			hwFailures = append(hwFailures, name)
			c.Graph.MarkResubmittable(name)

		case scheduler.StateFailed:
			if r.EndTime == "" {
				r.EndTime = nowISO()
			}
			c.Graph.MarkFailed(name)
			c.logEvent("step_failed", map[string]any{"step": name})

		default:
			// RUNNING/PENDING/QUEUED/WAITING: no change, but keep the
			// record's state current for status.csv.
			r.State = state
			if r.StartTime == "" && state == scheduler.StateRunning {
				r.StartTime = nowISO()
			}
		}
	}
	return hwFailures
}

// admissibleInitializedNodes implements step 5: every INITIALIZED node
// whose parents are all completed.
func (c *Conductor) admissibleInitializedNodes() []string {
	var ready []string
	for _, name := range c.Graph.AllNonSourceNodes() {
		r := c.Graph.Record(name)
		if r == nil || r.State != scheduler.StateInitialized {
			continue
		}
		if c.Graph.IsAdmissible(name) {
			ready = append(ready, name)
		}
	}
	return ready
}

// throttle implements step 6's admission cutoff: admit in order until
// the throttle (combined with current in_progress size) would be
// exceeded.
func (c *Conductor) throttle(ordered []string) []string {
	if c.SubmissionThrottle <= 0 {
		return ordered
	}
	budget := c.SubmissionThrottle - len(c.Graph.InProgress)
	if budget <= 0 {
		return nil
	}
	if budget >= len(ordered) {
		return ordered
	}
	return ordered[:budget]
}

// slotAware is an optional capability an adapter implements to report
// free worker-slot capacity (the local pool adapter; batch schedulers
// have no such limit and don't implement it).
type slotAware interface {
	AvailableSlots() int
}

// gateBySlots keeps, in order, the entries that fit within the adapter's
// currently free slots (an entry too large for the remaining budget is
// skipped and later, smaller ones may still fit), so a step isn't admitted only to be
// bounced back by Submit with a permanent SubmissionError. Adapters
// that don't report capacity (batch schedulers) are unaffected.
func (c *Conductor) gateBySlots(ordered []string) []string {
	sa, ok := c.Adapter.(slotAware)
	if !ok {
		return ordered
	}
	budget := sa.AvailableSlots()
	var out []string
	for _, name := range ordered {
		slots := 1
		if r := c.Graph.Record(name); r != nil && r.Step.Run.Resources.Procs > 1 {
			slots = r.Step.Run.Resources.Procs
		}
		if slots > budget {
			continue
		}
		budget -= slots
		out = append(out, name)
	}
	return out
}

// submit implements step 7 for one node: retry submission up to
// SubmissionAttempts times, moving the node and its BFS subtree to
// failed on a final error.
func (c *Conductor) submit(ctx context.Context, name string) {
	r := c.Graph.Record(name)
	if r == nil {
		return
	}
	c.resubmit(ctx, name, r, false)
}

func (c *Conductor) resubmit(ctx context.Context, name string, r *execgraph.Record, restart bool) {
	attempts := c.SubmissionAttempts
	if attempts < 1 {
		attempts = 1
	}

	scriptPath := r.ScriptPath
	if restart && r.RestartScriptPath != "" {
		scriptPath = r.RestartScriptPath
	}

	stepSpec := toSchedulerStep(r)
	var rec scheduler.SubmissionRecord
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		rec, err = c.Adapter.Submit(ctx, stepSpec, scriptPath, r.Workspace, r.Params)
		if err == nil && rec.Status == scheduler.SubmissionOK {
			break
		}
	}

	if err != nil || rec.Status != scheduler.SubmissionOK {
		c.Graph.MarkFailed(name)
		c.logEvent("submit_failed", map[string]any{"step": name})
		return
	}

	r.JobIDs = append(r.JobIDs, rec.JobID)
	r.SubmitTime = nowISO()
	c.Graph.MarkInProgress(name, scheduler.StatePending)
	c.logEvent("step_submitted", map[string]any{"step": name, "job_id": rec.JobID, "restart": restart})
}

func toSchedulerStep(r *execgraph.Record) scheduler.Step {
	s := r.Step
	return scheduler.Step{
		Name:         r.Name,
		Description:  s.Description,
		Cmd:          s.Run.Cmd,
		Restart:      s.Run.Restart,
		Nodes:        s.Run.Resources.Nodes,
		Procs:        s.Run.Resources.Procs,
		CoresPerTask: s.Run.Resources.CoresPerTask,
		GPUs:         s.Run.Resources.GPUs,
		WalltimeSecs: s.Run.Resources.WalltimeSecs,
		Reservation:  s.Run.Resources.Reservation,
		Queue:        s.Run.Resources.Queue,
		Bank:         s.Run.Resources.Bank,
		Exclusive:    s.Run.Resources.Exclusive,
	}
}

// persist implements step 8: atomically serialize the graph and write
// the status.csv snapshot under its advisory lock.
func (c *Conductor) persist() error {
	if err := c.Graph.Save(c.GraphPath); err != nil {
		return fmt.Errorf("conductor: persist graph: %w", err)
	}
	rows := c.statusRows()
	if err := statuscsv.Write(c.StatusPath, rows); err != nil {
		return fmt.Errorf("conductor: write status: %w", err)
	}
	return nil
}

func (c *Conductor) statusRows() []statuscsv.Row {
	names := c.Graph.AllNonSourceNodes()
	rows := make([]statuscsv.Row, 0, len(names))
	for _, name := range names {
		r := c.Graph.Record(name)
		if r == nil {
			continue
		}
		rows = append(rows, statuscsv.Row{
			StepName:    name,
			Workspace:   r.Workspace,
			State:       r.State,
			JobID:       r.LastJobID(),
			SubmitTime:  parseISO(r.SubmitTime),
			StartTime:   parseISO(r.StartTime),
			EndTime:     parseISO(r.EndTime),
			NumRestarts: r.NumRestarts,
			Params:      r.Params,
		})
	}
	return rows
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func parseISO(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Stage writes the executable (and optional restart) script for every
// non-source record via adapter.WriteScript, filling in ScriptPath,
// RestartScriptPath, ScriptHash and ToBeScheduled before the first
// tick. Must be called once before Run.
func Stage(g *execgraph.Graph, adapter scheduler.Adapter) error {
	for _, name := range g.AllNonSourceNodes() {
		r := g.Record(name)
		if r == nil {
			continue
		}
		if err := stageRecord(adapter, r); err != nil {
			return fmt.Errorf("conductor: write script for %s: %w", name, err)
		}
	}
	return nil
}

func stageRecord(adapter scheduler.Adapter, r *execgraph.Record) error {
	result, err := adapter.WriteScript(r.Workspace, toSchedulerStep(r))
	if err != nil {
		return err
	}
	r.ToBeScheduled = result.Schedulable
	r.ScriptPath = result.ScriptPath
	r.RestartScriptPath = result.RestartScriptPath
	hash, err := hashFile(r.ScriptPath)
	if err != nil {
		return err
	}
	r.ScriptHash = hash
	return nil
}

func hashFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("conductor: hash %s: %w", path, err)
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("conductor: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Resume re-stages any non-terminal record whose on-disk script is
// missing or has drifted from its last-persisted ScriptHash (the
// cheap re-stage safety check a resumed run needs before it can trust
// the script a prior process already wrote), and returns the paths of
// any generated scripts under the graph's output root that belong to
// no record in the current graph — leftovers from a prior run of a
// differently-parameterized spec.
func Resume(g *execgraph.Graph, adapter scheduler.Adapter) ([]string, error) {
	known := map[string]bool{}
	for _, name := range g.AllNonSourceNodes() {
		r := g.Record(name)
		if r == nil {
			continue
		}
		known[r.ScriptPath] = true
		if r.RestartScriptPath != "" {
			known[r.RestartScriptPath] = true
		}

		if g.Completed[name] || g.Failed[name] {
			continue
		}
		hash, err := hashFile(r.ScriptPath)
		if err != nil || hash != r.ScriptHash {
			if err := stageRecord(adapter, r); err != nil {
				return nil, fmt.Errorf("conductor: re-stage %s: %w", name, err)
			}
			known[r.ScriptPath] = true
			if r.RestartScriptPath != "" {
				known[r.RestartScriptPath] = true
			}
		}
	}

	matches, err := doublestar.FilepathGlob(filepath.Join(g.OutputPath, "**", "*.sh"))
	if err != nil {
		return nil, fmt.Errorf("conductor: scan output path for stray scripts: %w", err)
	}
	var stale []string
	for _, m := range matches {
		if !known[m] {
			stale = append(stale, m)
		}
	}
	return stale, nil
}

// RequestCancel creates (or touches) the cancel sentinel in outputPath,
// the external cancellation protocol (§6): the driver observes it at
// the next tick boundary.
func RequestCancel(outputPath string) error {
	path := filepath.Join(outputPath, CancelFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("conductor: touch cancel sentinel: %w", err)
	}
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		f.Close()
		return fmt.Errorf("conductor: chtimes cancel sentinel: %w", err)
	}
	return f.Close()
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
