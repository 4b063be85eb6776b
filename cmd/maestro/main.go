// Command maestro expands and drives a parameterized study specification
// against a pluggable execution backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/llnl-tools/maestro-go/internal/conductor"
	"github.com/llnl-tools/maestro-go/internal/conductorlog"
	"github.com/llnl-tools/maestro-go/internal/environment"
	"github.com/llnl-tools/maestro-go/internal/execgraph"
	"github.com/llnl-tools/maestro-go/internal/expander"
	"github.com/llnl-tools/maestro-go/internal/scheduler"
	_ "github.com/llnl-tools/maestro-go/internal/scheduler/batchadapter"
	_ "github.com/llnl-tools/maestro-go/internal/scheduler/localadapter"
	"github.com/llnl-tools/maestro-go/internal/specfile"
	"github.com/llnl-tools/maestro-go/internal/statuscsv"
	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"
)

func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cancel(fmt.Errorf("stopped by signal %s", sig.String()))
			case <-stopCh:
				return
			}
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel(nil)
	}
	return ctx, cleanup
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCommand(os.Args[2:])
	case "resume":
		resumeCommand(os.Args[2:])
	case "status":
		statusCommand(os.Args[2:])
	case "cancel":
		cancelCommand(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  maestro run --spec <study.yaml> [--output <dir>] [--sleep-time <secs>] [--submission-attempts <n>] [--submission-throttle <n>] [--restart-limit <n>] [--policy <name>[,<name>...]]")
	fmt.Fprintln(os.Stderr, "  maestro resume --spec <study.yaml> --output <dir> [--sleep-time <secs>] [--submission-attempts <n>] [--submission-throttle <n>] [--policy <name>[,<name>...]]")
	fmt.Fprintln(os.Stderr, "    --policy overrides the spec's own execution block, if it declared one")
	fmt.Fprintln(os.Stderr, "  maestro status --output <dir> [--json]")
	fmt.Fprintln(os.Stderr, "  maestro cancel --output <dir>")
}

func requireFlagValue(args []string, i int, flag string) string {
	if i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
		os.Exit(1)
	}
	return args[i]
}

func runCommand(args []string) {
	var specPath, outputPath string
	sleepSeconds := 60
	submissionAttempts := 1
	submissionThrottle := 0
	restartLimit := 3
	var policyNames []string
	policySet := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--spec":
			i++
			specPath = requireFlagValue(args, i, "--spec")
		case "--output":
			i++
			outputPath = requireFlagValue(args, i, "--output")
		case "--sleep-time":
			i++
			v := requireFlagValue(args, i, "--sleep-time")
			sleepSeconds = mustAtoi(v, "--sleep-time")
		case "--submission-attempts":
			i++
			v := requireFlagValue(args, i, "--submission-attempts")
			submissionAttempts = mustAtoi(v, "--submission-attempts")
		case "--submission-throttle":
			i++
			v := requireFlagValue(args, i, "--submission-throttle")
			submissionThrottle = mustAtoi(v, "--submission-throttle")
		case "--restart-limit":
			i++
			v := requireFlagValue(args, i, "--restart-limit")
			restartLimit = mustAtoi(v, "--restart-limit")
		case "--policy":
			i++
			v := requireFlagValue(args, i, "--policy")
			policyNames = strings.Split(v, ",")
			policySet = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	if specPath == "" {
		usage()
		os.Exit(1)
	}

	spec, err := specfile.Load(specPath)
	fatalOn(err)

	// The CLI --policy flag overrides the spec's own execution block; absent
	// either, the conductor's breadth-first default applies.
	if !policySet {
		policyNames = spec.PolicyNames()
	}

	if outputPath == "" {
		outputPath = spec.Name()
	}
	absOutputPath, err := filepath.Abs(outputPath)
	fatalOn(err)
	fatalOn(os.MkdirAll(absOutputPath, 0o755))

	steps, err := spec.BuildSteps()
	fatalOn(err)

	table, err := spec.BuildParameterTable("$", "")
	fatalOn(err)

	env, err := spec.BuildEnvironment("$", nil, nil, nil)
	fatalOn(err)
	// OUTPUT_PATH is a runtime-bound pseudo-variable, not declared in the
	// env block itself.
	_ = env.AddVariable("OUTPUT_PATH", absOutputPath)
	fatalOn(env.AcquireAll())

	adapterName, adapterConf := resolveAdapter(spec.Batch)
	fatalOn(writeBatchInfo(absOutputPath, spec.Batch))

	abstract, err := expander.BuildAbstractDAG(steps)
	fatalOn(err)

	eg, err := expander.Expand(abstract, expander.Config{
		OutputPath:         absOutputPath,
		Params:             table,
		SubmissionAttempts: submissionAttempts,
		RestartLimit:       restartLimit,
	}, spec.Name(), adapterName, adapterConf)
	fatalOn(err)

	applyEnvironmentToRecords(eg, env)

	adapter, err := scheduler.New(adapterName, adapterConf)
	fatalOn(err)
	fatalOn(conductor.Stage(eg, adapter))

	progressLog, err := conductorlog.Open(absOutputPath)
	fatalOn(err)
	defer progressLog.Close()

	runID := ulid.Make().String()
	fatalOn(progressLog.Append(map[string]any{"event": "run_started", "run_id": runID, "study": spec.Name()}))

	c := conductor.New(eg, adapter)
	c.SleepTime = time.Duration(sleepSeconds) * time.Second
	c.SubmissionAttempts = submissionAttempts
	c.SubmissionThrottle = submissionThrottle
	c.PolicyNames = policyNames
	c.Log = progressLog

	ctx, cleanup := signalCancelContext()
	outcome, err := c.Run(ctx)
	interrupted := ctx.Err() != nil
	cleanup()
	// A signal-interrupted run leaves the study in progress: exit 3 (RUNNING).
	if !interrupted {
		fatalOn(err)
	}

	fmt.Printf("study=%s\n", spec.Name())
	fmt.Printf("output=%s\n", absOutputPath)
	fmt.Printf("outcome=%s\n", outcome)
	os.Exit(int(outcome))
}

func resumeCommand(args []string) {
	var specPath, outputPath string
	sleepSeconds := 60
	submissionAttempts := 1
	submissionThrottle := 0
	var policyNames []string
	policySet := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--spec":
			i++
			specPath = requireFlagValue(args, i, "--spec")
		case "--output":
			i++
			outputPath = requireFlagValue(args, i, "--output")
		case "--sleep-time":
			i++
			sleepSeconds = mustAtoi(requireFlagValue(args, i, "--sleep-time"), "--sleep-time")
		case "--submission-attempts":
			i++
			submissionAttempts = mustAtoi(requireFlagValue(args, i, "--submission-attempts"), "--submission-attempts")
		case "--submission-throttle":
			i++
			submissionThrottle = mustAtoi(requireFlagValue(args, i, "--submission-throttle"), "--submission-throttle")
		case "--policy":
			i++
			policyNames = strings.Split(requireFlagValue(args, i, "--policy"), ",")
			policySet = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if specPath == "" || outputPath == "" {
		usage()
		os.Exit(1)
	}

	spec, err := specfile.Load(specPath)
	fatalOn(err)

	if !policySet {
		policyNames = spec.PolicyNames()
	}

	absOutputPath, err := filepath.Abs(outputPath)
	fatalOn(err)

	eg, err := execgraph.Load(execgraph.DefaultGraphPath(absOutputPath, spec.Name()))
	fatalOn(err)

	adapterName, adapterConf := resolveAdapter(spec.Batch)
	adapter, err := scheduler.New(adapterName, adapterConf)
	fatalOn(err)

	stale, err := conductor.Resume(eg, adapter)
	fatalOn(err)
	for _, path := range stale {
		fmt.Printf("stale script, no longer referenced by the graph: %s\n", path)
	}

	progressLog, err := conductorlog.Open(absOutputPath)
	fatalOn(err)
	defer progressLog.Close()
	fatalOn(progressLog.Append(map[string]any{"event": "run_resumed", "study": spec.Name()}))

	c := conductor.New(eg, adapter)
	c.SleepTime = time.Duration(sleepSeconds) * time.Second
	c.SubmissionAttempts = submissionAttempts
	c.SubmissionThrottle = submissionThrottle
	c.PolicyNames = policyNames
	c.Log = progressLog

	ctx, cleanup := signalCancelContext()
	outcome, err := c.Run(ctx)
	interrupted := ctx.Err() != nil
	cleanup()
	// A signal-interrupted run leaves the study in progress: exit 3 (RUNNING).
	if !interrupted {
		fatalOn(err)
	}

	fmt.Printf("study=%s\n", spec.Name())
	fmt.Printf("output=%s\n", absOutputPath)
	fmt.Printf("outcome=%s\n", outcome)
	os.Exit(int(outcome))
}

// applyEnvironmentToRecords substitutes every declared environment
// variable, label, and dependency path into each record's command and
// restart command, after parameter and workspace-reference substitution.
func applyEnvironmentToRecords(eg *execgraph.Graph, env *environment.Environment) {
	for _, name := range eg.AllNonSourceNodes() {
		r := eg.Record(name)
		if r == nil {
			continue
		}
		r.Step.Run.Cmd = env.Apply(r.Step.Run.Cmd).(string)
		if r.Step.Run.Restart != "" {
			r.Step.Run.Restart = env.Apply(r.Step.Run.Restart).(string)
		}
	}
}

func resolveAdapter(batch map[string]any) (string, map[string]any) {
	if batch == nil {
		return "local", nil
	}
	name := "local"
	if v, ok := batch["type"]; ok {
		if s, ok := v.(string); ok && s != "" {
			name = s
		}
	}
	return name, batch
}

func writeBatchInfo(outputPath string, batch map[string]any) error {
	path := filepath.Join(outputPath, "batch.info")
	data, err := yaml.Marshal(batch)
	if err != nil {
		return fmt.Errorf("maestro: marshal batch.info: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func statusCommand(args []string) {
	var outputPath string
	jsonOut := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--output":
			i++
			outputPath = requireFlagValue(args, i, "--output")
		case "--json":
			jsonOut = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if outputPath == "" {
		usage()
		os.Exit(1)
	}

	rows, err := statuscsv.Read(filepath.Join(outputPath, "status.csv"))
	fatalOn(err)

	if jsonOut {
		printStatusJSON(rows)
		return
	}
	for _, name := range sortedStatusKeys(rows) {
		r := rows[name]
		fmt.Printf("%-24s %-12s job=%s\n", r.StepName, r.State, r.JobID)
	}
}

func printStatusJSON(rows map[string]statuscsv.Row) {
	fmt.Print("{")
	first := true
	for _, name := range sortedStatusKeys(rows) {
		if !first {
			fmt.Print(",")
		}
		first = false
		r := rows[name]
		fmt.Printf("%q:{\"state\":%q,\"job_id\":%q}", r.StepName, string(r.State), r.JobID)
	}
	fmt.Println("}")
}

func sortedStatusKeys(rows map[string]statuscsv.Row) []string {
	out := make([]string, 0, len(rows))
	for k := range rows {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func cancelCommand(args []string) {
	var outputPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--output":
			i++
			outputPath = requireFlagValue(args, i, "--output")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if outputPath == "" {
		usage()
		os.Exit(1)
	}
	fatalOn(conductor.RequestCancel(outputPath))
	fmt.Println("cancel requested")
}

func fatalOn(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func mustAtoi(s, flag string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: invalid integer %q\n", flag, s)
		os.Exit(1)
	}
	return n
}
