// Package expander implements the study expander (§4.4): it consumes an
// abstract DAG of StudySteps plus a parameter table and environment, and
// produces a concrete execution graph with per-step (or per-combination)
// workspaces and edges.
package expander

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/llnl-tools/maestro-go/internal/dag"
	"github.com/llnl-tools/maestro-go/internal/execgraph"
	"github.com/llnl-tools/maestro-go/internal/paramtable"
	"github.com/llnl-tools/maestro-go/internal/study"
)

// ValidationError marks a staging-time error: malformed resources,
// unresolvable workspace references, or other spec defects the expander
// refuses to paper over.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "expander: " + e.Msg }

var workspaceRefRegexp = regexp.MustCompile(`\$\(([A-Za-z0-9_]+)\.workspace\)`)

// BuildAbstractDAG builds the abstract step DAG from a step list, adding
// one edge per declared dependency (funnel marker stripped for edge
// purposes; a funnel dependency is still a real precedence edge).
func BuildAbstractDAG(steps []*study.Step) (*dag.Graph[*study.Step], error) {
	g := dag.New[*study.Step]()
	for _, s := range steps {
		g.AddNode(s.Name, s)
	}
	for _, s := range steps {
		for _, dep := range s.Run.Depends {
			base, _ := study.IsFunnelDependency(dep)
			if err := g.AddEdge(base, s.Name); err != nil {
				return nil, &ValidationError{Msg: err.Error()}
			}
		}
	}
	return g, nil
}

// Config carries the expander's study-level settings.
type Config struct {
	OutputPath         string
	Params             *paramtable.Table
	SubmissionAttempts int
	RestartLimit       int
}

// Expand transforms the abstract DAG into a concrete execution graph. If
// params is nil or has zero rows, the linear path is taken.
func Expand(abstract *dag.Graph[*study.Step], cfg Config, studyName, adapterName string, adapterConf map[string]any) (*execgraph.Graph, error) {
	if cfg.Params == nil || cfg.Params.Len() == 0 {
		return expandLinear(abstract, cfg, studyName, adapterName, adapterConf)
	}
	return expandParameterized(abstract, cfg, studyName, adapterName, adapterConf)
}

func expandLinear(abstract *dag.Graph[*study.Step], cfg Config, studyName, adapterName string, adapterConf map[string]any) (*execgraph.Graph, error) {
	eg := execgraph.New(studyName, cfg.OutputPath, adapterName, adapterConf)
	order := abstract.TopologicalSort()
	workspaces := map[string]string{}

	for _, name := range order {
		step, _ := abstract.Value(name)
		workspace := filepath.Join(cfg.OutputPath, paramtable.SanitizePathComponent(name))

		rewritten := step.Clone()
		var rewriteErr error
		rewrite := func(cmd string) string {
			return workspaceRefRegexp.ReplaceAllStringFunc(cmd, func(m string) string {
				refName := workspaceRefRegexp.FindStringSubmatch(m)[1]
				ws, ok := workspaces[refName]
				if !ok {
					rewriteErr = &ValidationError{Msg: fmt.Sprintf("step %q references $(%s.workspace) before %s was expanded", name, refName, refName)}
					return m
				}
				return ws
			})
		}
		rewritten.Run.Cmd = rewrite(step.Run.Cmd)
		if rewriteErr != nil {
			return nil, rewriteErr
		}
		if step.Run.Restart != "" {
			rewritten.Run.Restart = rewrite(step.Run.Restart)
			if rewriteErr != nil {
				return nil, rewriteErr
			}
		}

		restartLimit := 0
		if step.Run.Restart != "" {
			restartLimit = cfg.RestartLimit
		}
		eg.AddRecord(&execgraph.Record{
			Name: name, Workspace: workspace, Step: rewritten, RestartLimit: restartLimit,
		})
		workspaces[name] = workspace
	}
	for _, name := range order {
		parents := abstract.Parents(name)
		if len(parents) == 0 {
			if err := eg.AddEdge(execgraph.SourceNode, name); err != nil {
				return nil, err
			}
			continue
		}
		for _, p := range parents {
			if err := eg.AddEdge(p, name); err != nil {
				return nil, err
			}
		}
	}
	return eg, nil
}

type expansionState struct {
	workspaces map[string]string   // step name -> last-written workspace (unparameterized: its single/root workspace)
	hubDepends map[string][]string // step name -> funnel parent base names
	depends    map[string][]string // step name -> regular parent names
	usedParams map[string]map[string]bool
	stepCombos map[string][]string // step name -> ordered unique emitted record names
}

func expandParameterized(abstract *dag.Graph[*study.Step], cfg Config, studyName, adapterName string, adapterConf map[string]any) (*execgraph.Graph, error) {
	eg := execgraph.New(studyName, cfg.OutputPath, adapterName, adapterConf)
	st := &expansionState{
		workspaces: map[string]string{},
		hubDepends: map[string][]string{},
		depends:    map[string][]string{},
		usedParams: map[string]map[string]bool{},
		stepCombos: map[string][]string{},
	}

	order := abstract.TopologicalSort()
	for _, name := range order {
		step, _ := abstract.Value(name)
		if err := processStep(eg, abstract, st, cfg, step); err != nil {
			return nil, err
		}
	}
	return eg, nil
}

func processStep(eg *execgraph.Graph, abstract *dag.Graph[*study.Step], st *expansionState, cfg Config, step *study.Step) error {
	name := step.Name

	// 1. Direct usage.
	sParams := cfg.Params.FindUsedParameters(step.CommandFields()...)

	// 2. Dependencies.
	for _, dep := range step.Run.Depends {
		base, isFunnel := study.IsFunnelDependency(dep)
		if isFunnel {
			st.hubDepends[name] = append(st.hubDepends[name], base)
		} else {
			st.depends[name] = append(st.depends[name], base)
		}
	}
	funnelSet := toSet(st.hubDepends[name])

	// 3. Workspace references.
	refs := uniqueMatches(workspaceRefRegexp, step.Run.Cmd)
	workspaceParentParams := map[string]bool{}
	for _, refName := range refs {
		if _, ok := st.stepCombos[refName]; !ok {
			return &ValidationError{Msg: fmt.Sprintf("step %q references $(%s.workspace) before %s was expanded", name, refName, refName)}
		}
		if funnelSet[refName] {
			continue // funnel references do not propagate parameters
		}
		for k := range st.usedParams[refName] {
			workspaceParentParams[k] = true
		}
	}

	// 4. Parameter closure.
	used := map[string]bool{}
	for k := range sParams {
		used[k] = true
	}
	for _, p := range st.depends[name] {
		for k := range st.usedParams[p] {
			used[k] = true
		}
	}
	for k := range workspaceParentParams {
		used[k] = true
	}
	st.usedParams[name] = used

	// 5. Restart limit.
	restartLimit := 0
	if step.Run.Restart != "" {
		restartLimit = cfg.RestartLimit
	}

	// 6. Emission.
	if len(used) == 0 {
		return emitUnparameterized(eg, st, cfg, step, restartLimit, funnelSet)
	}
	return emitParameterized(eg, st, cfg, step, restartLimit, funnelSet, used)
}

func emitUnparameterized(eg *execgraph.Graph, st *expansionState, cfg Config, step *study.Step, restartLimit int, funnelSet map[string]bool) error {
	name := step.Name
	workspace := filepath.Join(cfg.OutputPath, paramtable.SanitizePathComponent(name))

	rewrite := func(cmd string) string {
		return workspaceRefRegexp.ReplaceAllStringFunc(cmd, func(m string) string {
			refName := workspaceRefRegexp.FindStringSubmatch(m)[1]
			if funnelSet[refName] {
				return filepath.Join(cfg.OutputPath, paramtable.SanitizePathComponent(refName))
			}
			return st.workspaces[refName]
		})
	}

	rewritten := step.Clone()
	rewritten.Run.Cmd = rewrite(step.Run.Cmd)
	if step.Run.Restart != "" {
		rewritten.Run.Restart = rewrite(step.Run.Restart)
	}

	eg.AddRecord(&execgraph.Record{Name: name, Workspace: workspace, Step: rewritten, RestartLimit: restartLimit})

	if err := connectParents(eg, st, name, name); err != nil {
		return err
	}
	st.stepCombos[name] = appendUnique(st.stepCombos[name], name)
	st.workspaces[name] = workspace
	return nil
}

func emitParameterized(eg *execgraph.Graph, st *expansionState, cfg Config, step *study.Step, restartLimit int, funnelSet map[string]bool, used map[string]bool) error {
	name := step.Name
	usedKeys := setKeys(used)

	seenCombo := map[string]bool{}
	for _, combo := range cfg.Params.Combinations() {
		comboStr := combo.ParamString(usedKeys)
		if seenCombo[comboStr] {
			continue
		}
		seenCombo[comboStr] = true

		recordName := fmt.Sprintf("%s_%s", name, comboStr)
		workspace := filepath.Join(cfg.OutputPath, paramtable.SanitizePathComponent(name), paramtable.SanitizePathComponent(comboStr))

		rewriteWorkspaces := func(cmd string) string {
			return workspaceRefRegexp.ReplaceAllStringFunc(cmd, func(m string) string {
				refName := workspaceRefRegexp.FindStringSubmatch(m)[1]
				switch {
				case funnelSet[refName]:
					return filepath.Join(cfg.OutputPath, paramtable.SanitizePathComponent(refName))
				case len(st.usedParams[refName]) == 0:
					return st.workspaces[refName]
				default:
					parentComboStr := combo.ParamString(setKeys(st.usedParams[refName]))
					return filepath.Join(cfg.OutputPath, paramtable.SanitizePathComponent(refName), paramtable.SanitizePathComponent(parentComboStr))
				}
			})
		}

		rewritten := step.Clone()
		rewritten.Run.Cmd = rewriteWorkspaces(combo.Apply(step.Run.Cmd))
		if step.Run.Restart != "" {
			rewritten.Run.Restart = rewriteWorkspaces(combo.Apply(step.Run.Restart))
		}

		params := map[string]string{}
		for _, k := range usedKeys {
			if v, ok := combo.Value(k); ok {
				params[k] = v
			}
		}

		eg.AddRecord(&execgraph.Record{
			Name: recordName, Workspace: workspace, Step: rewritten,
			RestartLimit: restartLimit, Params: params,
		})

		if err := connectParameterizedParents(eg, st, name, recordName, combo); err != nil {
			return err
		}
		st.stepCombos[name] = appendUnique(st.stepCombos[name], recordName)
		st.workspaces[name] = workspace
	}
	return nil
}

func connectParents(eg *execgraph.Graph, st *expansionState, stepName, recordName string) error {
	parents := st.depends[stepName]
	hubParents := st.hubDepends[stepName]
	if len(parents) == 0 && len(hubParents) == 0 {
		return eg.AddEdge(execgraph.SourceNode, recordName)
	}
	for _, p := range parents {
		if err := eg.AddEdge(p, recordName); err != nil {
			return err
		}
	}
	for _, p := range hubParents {
		for _, member := range st.stepCombos[p] {
			if err := eg.AddEdge(member, recordName); err != nil {
				return err
			}
		}
	}
	return nil
}

func connectParameterizedParents(eg *execgraph.Graph, st *expansionState, stepName, recordName string, combo *paramtable.Combination) error {
	parents := st.depends[stepName]
	hubParents := st.hubDepends[stepName]
	if len(parents) == 0 && len(hubParents) == 0 {
		return eg.AddEdge(execgraph.SourceNode, recordName)
	}
	for _, p := range parents {
		var parentName string
		if len(st.usedParams[p]) == 0 {
			parentName = p
		} else {
			parentName = fmt.Sprintf("%s_%s", p, combo.ParamString(setKeys(st.usedParams[p])))
		}
		if err := eg.AddEdge(parentName, recordName); err != nil {
			return err
		}
	}
	for _, p := range hubParents {
		for _, member := range st.stepCombos[p] {
			if err := eg.AddEdge(member, recordName); err != nil {
				return err
			}
		}
	}
	return nil
}

func toSet(ss []string) map[string]bool {
	out := make(map[string]bool, len(ss))
	for _, s := range ss {
		out[s] = true
	}
	return out
}

func setKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func appendUnique(ss []string, v string) []string {
	for _, s := range ss {
		if s == v {
			return ss
		}
	}
	return append(ss, v)
}

func uniqueMatches(re *regexp.Regexp, s string) []string {
	matches := re.FindAllStringSubmatch(s, -1)
	seen := map[string]bool{}
	var out []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}
