// Package specfile decodes a YAML study specification into the typed
// description, parameter table, and environment the expander consumes,
// and runs a light structural validation pass ahead of expansion.
package specfile

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/llnl-tools/maestro-go/internal/environment"
	"github.com/llnl-tools/maestro-go/internal/paramtable"
	"github.com/llnl-tools/maestro-go/internal/study"
	"gopkg.in/yaml.v3"
)

type descriptionYAML struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type resourcesYAML struct {
	Nodes        int    `yaml:"nodes,omitempty"`
	Procs        int    `yaml:"procs,omitempty"`
	CoresPerTask int    `yaml:"cores per task,omitempty"`
	GPUs         int    `yaml:"gpus,omitempty"`
	Walltime     string `yaml:"walltime,omitempty"`
	Reservation  string `yaml:"reservation,omitempty"`
	Priority     int    `yaml:"priority,omitempty"`
	Exclusive    bool   `yaml:"exclusive,omitempty"`
	Queue        string `yaml:"queue,omitempty"`
	Bank         string `yaml:"bank,omitempty"`
}

type runYAML struct {
	Cmd       string        `yaml:"cmd"`
	Restart   string        `yaml:"restart,omitempty"`
	Depends   []string      `yaml:"depends,omitempty"`
	Resources resourcesYAML `yaml:",inline"`
}

type stepYAML struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description,omitempty"`
	Run         runYAML `yaml:"run"`
}

type pathDepYAML struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

type gitDepYAML struct {
	Name   string `yaml:"name"`
	Path   string `yaml:"path"`
	URL    string `yaml:"url"`
	Branch string `yaml:"branch,omitempty"`
	Tag    string `yaml:"tag,omitempty"`
	Hash   string `yaml:"hash,omitempty"`
}

type dependenciesYAML struct {
	Path []pathDepYAML `yaml:"path,omitempty"`
	Git  []gitDepYAML  `yaml:"git,omitempty"`
}

type envYAML struct {
	Variables    map[string]string `yaml:"variables,omitempty"`
	Labels       map[string]string `yaml:"labels,omitempty"`
	Dependencies dependenciesYAML  `yaml:"dependencies,omitempty"`
}

// globalParamYAML decodes either a scalar label ("%%.label") or a
// per-row label list.
type globalParamYAML struct {
	Values []string `yaml:"values"`
	Label  yaml.Node `yaml:"label"`
	Name   string    `yaml:"name,omitempty"`
}

// Spec is the raw decoded study specification.
type Spec struct {
	Description      descriptionYAML            `yaml:"description"`
	Env              envYAML                    `yaml:"env,omitempty"`
	Batch            map[string]any             `yaml:"batch,omitempty"`
	Study            []stepYAML                 `yaml:"study"`
	GlobalParameters map[string]globalParamYAML `yaml:"global.parameters,omitempty"`
	Execution        []map[string]string        `yaml:"execution,omitempty"`

	path string
}

// Load reads path, strictly decodes it as YAML (unknown top-level and
// nested fields rejected, matching the teacher's RunConfigFile decoder),
// and validates the result.
func Load(path string) (*Spec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("specfile: read %s: %w", path, err)
	}
	spec, err := decode(b)
	if err != nil {
		return nil, fmt.Errorf("specfile: decode %s: %w", path, err)
	}
	spec.path = path
	if err := ValidateOrError(spec); err != nil {
		return nil, err
	}
	return spec, nil
}

func decode(b []byte) (*Spec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var spec Spec
	if err := dec.Decode(&spec); err != nil {
		return nil, err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return nil, err
	}
	return &spec, nil
}

// Name returns the study's name from its description block.
func (s *Spec) Name() string { return s.Description.Name }

// PolicyNames returns the execution block's priority policies in
// application order, the hyphenated spec values ("breadth-first")
// normalized to the registry's underscored names ("breadth_first"). Each
// execution-block entry is a single-key {policy_name: policy_value} map
// (matching the original's exec_list, e.g. {step_order: depth-first});
// only the value is a registered policy name, so the key is otherwise
// unused. Returns nil if the study declares no execution block, leaving
// the caller's own default (breadth-first) in effect.
func (s *Spec) PolicyNames() []string {
	var names []string
	for _, entry := range s.Execution {
		for _, v := range entry {
			names = append(names, strings.ReplaceAll(v, "-", "_"))
		}
	}
	return names
}

// BuildSteps converts the decoded study block into study.Step values, in
// declaration order.
func (s *Spec) BuildSteps() ([]*study.Step, error) {
	out := make([]*study.Step, 0, len(s.Study))
	for _, sy := range s.Study {
		walltime, err := study.ParseWalltime(sy.Run.Resources.Walltime)
		if err != nil {
			return nil, fmt.Errorf("specfile: step %q: %w", sy.Name, err)
		}
		out = append(out, &study.Step{
			Name:        sy.Name,
			Description: sy.Description,
			Run: study.Run{
				Cmd:     sy.Run.Cmd,
				Restart: sy.Run.Restart,
				Depends: append([]string(nil), sy.Run.Depends...),
				Resources: study.Resources{
					Nodes:        sy.Run.Resources.Nodes,
					Procs:        sy.Run.Resources.Procs,
					CoresPerTask: sy.Run.Resources.CoresPerTask,
					GPUs:         sy.Run.Resources.GPUs,
					WalltimeSecs: walltime,
					Reservation:  sy.Run.Resources.Reservation,
					Priority:     sy.Run.Resources.Priority,
					Exclusive:    sy.Run.Resources.Exclusive,
					Queue:        sy.Run.Resources.Queue,
					Bank:         sy.Run.Resources.Bank,
				},
			},
		})
	}
	return out, nil
}

// BuildParameterTable converts global.parameters into a paramtable.Table.
// Keys are inserted in Go map iteration order over the decoded map, which
// is neither the YAML declaration order nor stable between runs —
// callers that need deterministic insertion order should prefer a spec
// with a single parameter, or accept that Combinations() row order (not
// key order) is what is semantically load-bearing.
func (s *Spec) BuildParameterTable(token, labelToken string) (*paramtable.Table, error) {
	table := paramtable.NewTable(token, labelToken)
	for key, p := range s.GlobalParameters {
		var label any
		switch p.Label.Kind {
		case yaml.ScalarNode:
			label = p.Label.Value
		case yaml.SequenceNode:
			var ls []string
			if err := p.Label.Decode(&ls); err != nil {
				return nil, fmt.Errorf("specfile: global.parameters.%s.label: %w", key, err)
			}
			label = ls
		}
		if err := table.AddParameter(key, p.Values, label, p.Name); err != nil {
			return nil, fmt.Errorf("specfile: global.parameters.%s: %w", key, err)
		}
	}
	return table, nil
}

// BuildEnvironment converts the env block into an environment.Environment.
// cloneFn/checkoutFn/statFn are injected by the caller (real filesystem
// and git operations in production, fakes in tests).
func (s *Spec) BuildEnvironment(token string, statFn func(string) error, cloneFn func(url, dest string) error, checkoutFn func(dir, ref string) error) (*environment.Environment, error) {
	env := environment.New(token)
	for name, value := range s.Env.Variables {
		if err := env.AddVariable(name, value); err != nil {
			return nil, err
		}
	}
	for name, value := range s.Env.Labels {
		if err := env.AddLabel(name, value); err != nil {
			return nil, err
		}
	}
	for _, d := range s.Env.Dependencies.Path {
		if err := env.AddDependency(environment.NewPathDependency(d.Name, d.Path, statFn)); err != nil {
			return nil, err
		}
	}
	for _, d := range s.Env.Dependencies.Git {
		dep, err := environment.NewGitDependency(d.Name, d.URL, d.Path, d.Branch, d.Tag, d.Hash, cloneFn, checkoutFn)
		if err != nil {
			return nil, err
		}
		if err := env.AddDependency(dep); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// Severity classifies a Diagnostic.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// Diagnostic is one validation finding.
type Diagnostic struct {
	Rule     string
	Severity Severity
	Message  string
}

// Validate runs every structural lint against spec and returns the full
// diagnostic list (errors and warnings).
func Validate(spec *Spec) []Diagnostic {
	var diags []Diagnostic
	diags = append(diags, lintDescription(spec)...)
	diags = append(diags, lintStudyNonEmpty(spec)...)
	diags = append(diags, lintStepNames(spec)...)
	diags = append(diags, lintEnvNames(spec)...)
	diags = append(diags, lintGlobalParameters(spec)...)
	return diags
}

// ValidateOrError runs Validate and turns any ERROR-severity diagnostics
// into a single aggregate error.
func ValidateOrError(spec *Spec) error {
	diags := Validate(spec)
	var errs []string
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d.Rule+": "+d.Message)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("specfile: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func lintDescription(spec *Spec) []Diagnostic {
	var diags []Diagnostic
	if strings.TrimSpace(spec.Description.Name) == "" {
		diags = append(diags, Diagnostic{Rule: "description_name_required", Severity: SeverityError, Message: "description.name is required"})
	}
	if strings.TrimSpace(spec.Description.Description) == "" {
		diags = append(diags, Diagnostic{Rule: "description_text_required", Severity: SeverityError, Message: "description.description is required"})
	}
	return diags
}

func lintStudyNonEmpty(spec *Spec) []Diagnostic {
	if len(spec.Study) == 0 {
		return []Diagnostic{{Rule: "study_non_empty", Severity: SeverityError, Message: "a study specification must contain at least one step"}}
	}
	return nil
}

func lintStepNames(spec *Spec) []Diagnostic {
	var diags []Diagnostic
	seen := map[string]bool{}
	for _, s := range spec.Study {
		if strings.TrimSpace(s.Name) == "" {
			diags = append(diags, Diagnostic{Rule: "step_name_required", Severity: SeverityError, Message: "every study step requires a name"})
			continue
		}
		if seen[s.Name] {
			diags = append(diags, Diagnostic{Rule: "step_name_unique", Severity: SeverityError, Message: fmt.Sprintf("step name %q is not unique", s.Name)})
		}
		seen[s.Name] = true
		if strings.TrimSpace(s.Run.Cmd) == "" {
			diags = append(diags, Diagnostic{Rule: "step_cmd_required", Severity: SeverityError, Message: fmt.Sprintf("step %q requires run.cmd", s.Name)})
		}
	}
	return diags
}

func lintEnvNames(spec *Spec) []Diagnostic {
	var diags []Diagnostic
	seen := map[string]bool{}
	check := func(name string) {
		if name == "" {
			diags = append(diags, Diagnostic{Rule: "env_name_required", Severity: SeverityError, Message: "every variable, label, and dependency requires a non-empty name"})
			return
		}
		if seen[name] {
			diags = append(diags, Diagnostic{Rule: "env_name_unique", Severity: SeverityError, Message: fmt.Sprintf("environment name %q is already taken", name)})
		}
		seen[name] = true
	}
	for name, v := range spec.Env.Variables {
		check(name)
		if v == "" {
			diags = append(diags, Diagnostic{Rule: "env_variable_value_required", Severity: SeverityError, Message: fmt.Sprintf("variable %q requires a non-empty value", name)})
		}
	}
	for name := range spec.Env.Labels {
		check(name)
	}
	for _, d := range spec.Env.Dependencies.Path {
		check(d.Name)
	}
	for _, d := range spec.Env.Dependencies.Git {
		check(d.Name)
		refs := 0
		for _, r := range []string{d.Branch, d.Tag, d.Hash} {
			if r != "" {
				refs++
			}
		}
		if refs > 1 {
			diags = append(diags, Diagnostic{Rule: "git_dependency_ref_exclusive", Severity: SeverityError, Message: fmt.Sprintf("git dependency %q: branch, tag, and hash are mutually exclusive", d.Name)})
		}
	}
	return diags
}

func lintGlobalParameters(spec *Spec) []Diagnostic {
	var diags []Diagnostic
	rowCount := -1
	for name, p := range spec.GlobalParameters {
		if rowCount == -1 {
			rowCount = len(p.Values)
		} else if len(p.Values) != rowCount {
			diags = append(diags, Diagnostic{Rule: "global_parameter_length_mismatch", Severity: SeverityError, Message: fmt.Sprintf("global parameter %q has %d values, expected %d", name, len(p.Values), rowCount)})
		}
		if p.Label.Kind == yaml.SequenceNode {
			var labels []string
			if err := p.Label.Decode(&labels); err == nil {
				if len(labels) != len(p.Values) {
					diags = append(diags, Diagnostic{Rule: "global_parameter_label_length_mismatch", Severity: SeverityError, Message: fmt.Sprintf("global parameter %q label list length does not match values length", name)})
				}
				uniq := map[string]bool{}
				for _, l := range labels {
					if uniq[l] {
						diags = append(diags, Diagnostic{Rule: "global_parameter_label_unique", Severity: SeverityError, Message: fmt.Sprintf("global parameter %q has duplicate labels", name)})
						break
					}
					uniq[l] = true
				}
			}
		}
	}
	return diags
}
