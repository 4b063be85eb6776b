// Package batchadapter implements the generic batch-scheduler adapter
// shape shared by Slurm, LSF, and Flux backends, with one concrete,
// Slurm-shaped realization built on top of it. A second backend is a
// small diff: header template map, command-flag map, submit/status/cancel
// command strings, and a native-state to uniform-State map.
package batchadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/llnl-tools/maestro-go/internal/scheduler"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

func init() {
	scheduler.Register("slurm", func(config map[string]any) (scheduler.Adapter, error) {
		if err := ValidateConfig(config); err != nil {
			return nil, err
		}
		return NewSlurm(config), nil
	})
}

// slurmConfigSchema constrains the otherwise-untyped batch block's
// Slurm-specific keys without requiring a typed Go struct for it (the
// block is shared, backend-shaped, and free-form by design).
var slurmConfigSchema = mustCompileSchema("slurm-batch.json", `{
	"type": "object",
	"properties": {
		"type": {"type": "string"},
		"bank": {"type": "string"},
		"queue": {"type": "string"},
		"reservation": {"type": "string"},
		"host": {"type": "string"}
	}
}`)

func mustCompileSchema(resource, schemaJSON string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resource, bytes.NewReader([]byte(schemaJSON))); err != nil {
		panic(err)
	}
	sch, err := c.Compile(resource)
	if err != nil {
		panic(err)
	}
	return sch
}

// ValidateConfig checks a decoded batch block against the Slurm schema
// before an Adapter is constructed from it. A nil config (no batch
// block declared) is valid; the adapter falls back to its defaults.
func ValidateConfig(config map[string]any) error {
	if config == nil {
		return nil
	}
	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("batchadapter: marshal batch config: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("batchadapter: unmarshal batch config: %w", err)
	}
	if err := slurmConfigSchema.Validate(v); err != nil {
		return fmt.Errorf("batchadapter: invalid batch config: %w", err)
	}
	return nil
}

// Spec is the per-backend customization point: everything that
// differs between Slurm/LSF/Flux-shaped adapters.
type Spec struct {
	Name           string
	Extension      string
	HeaderTemplate map[string]string // resource key -> directive template, e.g. "-N {nodes}"
	LaunchCommand  string            // e.g. "srun"
	SubmitCommand  string            // e.g. "sbatch"
	StatusCommand  []string          // argv prefix, e.g. []string{"squeue", "-h", "-o", "%i %T"}
	CancelCommand  string            // e.g. "scancel"
	JobIDPattern   *regexp.Regexp    // matches the submit command's stdout to extract a job id
	StateMap       map[string]scheduler.State
	// Runner executes argv and returns stdout, for testability.
	Runner func(dir string, argv ...string) (string, error)
}

// Adapter is the generic batch adapter driven by a Spec.
type Adapter struct {
	spec Spec
}

// NewSlurm returns the Slurm-shaped concrete batch adapter.
func NewSlurm(config map[string]any) *Adapter {
	spec := Spec{
		Name:      "slurm",
		Extension: "slurm.sh",
		HeaderTemplate: map[string]string{
			"nodes":       "#SBATCH -N {nodes}",
			"queue":       "#SBATCH -p {queue}",
			"bank":        "#SBATCH -A {bank}",
			"walltime":    "#SBATCH -t {walltime}",
			"job-name":    "#SBATCH -J {job-name}",
			"comment":     "#SBATCH --comment \"{comment}\"",
			"reservation": "#SBATCH --reservation {reservation}",
			"output":      "#SBATCH -o {output}",
			"error":       "#SBATCH -e {error}",
		},
		LaunchCommand: "srun",
		SubmitCommand: "sbatch",
		// -t all matches the original's "squeue -u $USER -t all": without
		// it, a job drops out of squeue's default (active-only) view the
		// instant it completes, and this query would never observe its
		// COMPLETED state to map to FINISHED.
		StatusCommand: []string{"squeue", "-h", "-t", "all", "-o", "%i %T"},
		CancelCommand: "scancel",
		JobIDPattern:  regexp.MustCompile(`(\d+)\s*$`),
		StateMap: map[string]scheduler.State{
			"PENDING":    scheduler.StatePending,
			"CONFIGURING": scheduler.StateWaiting,
			"RUNNING":    scheduler.StateRunning,
			"COMPLETING": scheduler.StateFinishing,
			"COMPLETED":  scheduler.StateFinished,
			"FAILED":     scheduler.StateFailed,
			"TIMEOUT":    scheduler.StateTimedOut,
			"NODE_FAIL":  scheduler.StateHWFailure,
			"CANCELLED":  scheduler.StateCancelled,
		},
		Runner: runCommand,
	}
	return &Adapter{spec: spec}
}

func runCommand(dir string, argv ...string) (string, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return stdout.String(), fmt.Errorf("batchadapter: %s: %w: %s", strings.Join(argv, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

// GetHeader emits one directive line per recognized, non-empty resource
// key. A reservation suppresses the bank directive, since a reservation
// already carries an allocation.
func (a *Adapter) GetHeader(step scheduler.Step) string {
	var lines []string
	lines = append(lines, "#!/bin/bash")

	values := map[string]string{}
	if step.Nodes > 0 {
		values["nodes"] = strconv.Itoa(step.Nodes)
	}
	if step.Queue != "" {
		values["queue"] = step.Queue
	}
	if step.Reservation != "" {
		values["reservation"] = step.Reservation
	} else if step.Bank != "" {
		values["bank"] = step.Bank
	}
	if step.WalltimeSecs > 0 {
		values["walltime"] = formatWalltime(step.WalltimeSecs)
	}
	values["job-name"] = step.Name
	if step.Description != "" {
		values["comment"] = step.Description
	}
	values["output"] = step.Name + ".%j.out"
	values["error"] = step.Name + ".%j.err"

	order := []string{"nodes", "queue", "bank", "reservation", "walltime", "job-name", "comment", "output", "error"}
	for _, key := range order {
		v, ok := values[key]
		if !ok || v == "" {
			continue
		}
		tmpl, ok := a.spec.HeaderTemplate[key]
		if !ok {
			continue
		}
		lines = append(lines, renderTemplate(tmpl, key, v))
	}
	return strings.Join(lines, "\n")
}

func renderTemplate(tmpl, key, value string) string {
	return strings.ReplaceAll(tmpl, "{"+key+"}", value)
}

func formatWalltime(secs int) string {
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

var launcherOverride = regexp.MustCompile(`\$\(LAUNCHER(\[[^\]]*\])?\)`)

// GetParallelizeCommand builds the backend parallel command from a
// uniform resource request.
func (a *Adapter) GetParallelizeCommand(opts scheduler.ParallelizeOptions) string {
	var b strings.Builder
	b.WriteString(a.spec.LaunchCommand)
	if opts.Nodes > 0 {
		fmt.Fprintf(&b, " -N %d", opts.Nodes)
	}
	if opts.Procs > 0 {
		fmt.Fprintf(&b, " -n %d", opts.Procs)
	}
	if opts.CoresPerTask > 0 {
		fmt.Fprintf(&b, " -c %d", opts.CoresPerTask)
	}
	if opts.Exclusive {
		b.WriteString(" --exclusive")
	}
	for _, e := range opts.Extra {
		b.WriteString(" ")
		b.WriteString(e)
	}
	return b.String()
}

// expandLauncher resolves $(LAUNCHER) and $(LAUNCHER[<N>n<M>t]) tokens in
// cmd using step's resources, combined with any inline override.
func (a *Adapter) expandLauncher(cmd string, step scheduler.Step) string {
	return launcherOverride.ReplaceAllStringFunc(cmd, func(match string) string {
		opts := scheduler.ParallelizeOptions{
			Procs: step.Procs, Nodes: step.Nodes,
			CoresPerTask: step.CoresPerTask, Exclusive: step.Exclusive,
		}
		sub := launcherOverride.FindStringSubmatch(match)
		if len(sub) == 2 && sub[1] != "" {
			applyInlineOverride(&opts, strings.Trim(sub[1], "[]"))
		}
		return a.GetParallelizeCommand(opts)
	})
}

var nodesToken = regexp.MustCompile(`(\d+)n`)
var tasksToken = regexp.MustCompile(`(\d+)t`)

func applyInlineOverride(opts *scheduler.ParallelizeOptions, spec string) {
	for _, tok := range strings.Fields(spec) {
		if m := nodesToken.FindStringSubmatch(tok); m != nil {
			opts.Nodes, _ = strconv.Atoi(m[1])
		}
		if m := tasksToken.FindStringSubmatch(tok); m != nil {
			opts.Procs, _ = strconv.Atoi(m[1])
		}
	}
}

func (a *Adapter) WriteScript(workspace string, step scheduler.Step) (scheduler.WriteScriptResult, error) {
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return scheduler.WriteScriptResult{}, err
	}
	header := a.GetHeader(step)
	cmd := a.expandLauncher(step.Cmd, step)

	scriptPath := filepath.Join(workspace, step.Name+"."+a.spec.Extension)
	content := header + "\n" + cmd + "\n"
	if err := os.WriteFile(scriptPath, []byte(content), 0o755); err != nil {
		return scheduler.WriteScriptResult{}, err
	}

	result := scheduler.WriteScriptResult{Schedulable: true, ScriptPath: scriptPath}
	if step.Restart != "" {
		restartCmd := a.expandLauncher(step.Restart, step)
		restartPath := filepath.Join(workspace, step.Name+".restart."+a.spec.Extension)
		restartContent := header + "\n" + restartCmd + "\n"
		if err := os.WriteFile(restartPath, []byte(restartContent), 0o755); err != nil {
			return scheduler.WriteScriptResult{}, err
		}
		result.RestartScriptPath = restartPath
	}
	return result, nil
}

func (a *Adapter) Submit(ctx context.Context, step scheduler.Step, scriptPath, cwd string, env map[string]string) (scheduler.SubmissionRecord, error) {
	out, err := a.spec.Runner(cwd, a.spec.SubmitCommand, scriptPath)
	if err != nil {
		return scheduler.SubmissionRecord{Status: scheduler.SubmissionError, ReturnCode: 1}, nil
	}
	m := a.spec.JobIDPattern.FindStringSubmatch(strings.TrimSpace(out))
	if m == nil {
		return scheduler.SubmissionRecord{Status: scheduler.SubmissionError, ReturnCode: 1}, nil
	}
	return scheduler.SubmissionRecord{Status: scheduler.SubmissionOK, ReturnCode: 0, JobID: m[1]}, nil
}

func (a *Adapter) CheckJobs(ctx context.Context, jobIDs []string) (scheduler.JobStatusCode, map[string]scheduler.State, error) {
	if len(jobIDs) == 0 {
		return scheduler.JobStatusNoJobs, nil, nil
	}
	out, err := a.spec.Runner("", a.spec.StatusCommand...)
	if err != nil {
		return scheduler.JobStatusError, nil, nil
	}
	native := parseStatusOutput(out)
	wanted := make(map[string]bool, len(jobIDs))
	for _, id := range jobIDs {
		wanted[id] = true
	}

	states := make(map[string]scheduler.State, len(jobIDs))
	for id, nativeState := range native {
		if !wanted[id] {
			continue
		}
		if mapped, ok := a.spec.StateMap[nativeState]; ok {
			states[id] = mapped
		} else {
			states[id] = scheduler.StateUnknown
		}
	}
	for _, id := range jobIDs {
		if _, ok := states[id]; !ok {
			// Missing from the bulk query: reported as the adapter's
			// not-found signal, not as an error.
			states[id] = scheduler.StateUnknown
		}
	}
	if len(states) == 0 {
		return scheduler.JobStatusNoJobs, states, nil
	}
	return scheduler.JobStatusOK, states, nil
}

func parseStatusOutput(out string) map[string]string {
	result := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		result[fields[0]] = fields[1]
	}
	return result
}

func (a *Adapter) CancelJobs(ctx context.Context, jobIDs []string) (scheduler.CancellationRecord, error) {
	if len(jobIDs) == 0 {
		return scheduler.CancellationRecord{Status: scheduler.CancellationOK}, nil
	}
	argv := append([]string{a.spec.CancelCommand}, jobIDs...)
	_, err := a.spec.Runner("", argv...)
	if err != nil {
		return scheduler.CancellationRecord{Status: scheduler.CancellationError, ReturnCode: 1}, nil
	}
	return scheduler.CancellationRecord{Status: scheduler.CancellationOK, ReturnCode: 0}, nil
}
