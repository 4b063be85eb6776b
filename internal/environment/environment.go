// Package environment implements the study environment: named variables,
// labels, and dependencies, applied recursively over strings, lists, and
// maps via a single explicit walker (no reflection).
package environment

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Dependency is a named handle that can fetch itself into a local path and
// substitute its token for that path in strings.
type Dependency interface {
	Name() string
	Token() string
	Acquire() error
	Acquired() bool
	Path() string
}

// PathDependency verifies that a path exists on disk.
type PathDependency struct {
	name     string
	path     string
	acquired bool
	statFn   func(string) error
}

// NewPathDependency returns a path dependency that verifies path when
// Acquire is called. A plain path is checked with the caller-supplied
// statFn (kept injectable so tests don't require real filesystem state);
// when statFn is nil a plain path is accepted without any check.
func NewPathDependency(name, path string, statFn func(string) error) *PathDependency {
	return &PathDependency{name: name, path: path, statFn: statFn}
}

func (d *PathDependency) Name() string  { return d.name }
func (d *PathDependency) Token() string { return d.name }
func (d *PathDependency) Path() string  { return d.path }
func (d *PathDependency) Acquired() bool { return d.acquired }

func hasGlobMeta(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

// Acquire verifies the path dependency resolves. A path containing glob
// metacharacters is resolved against the filesystem via doublestar,
// requiring at least one match; a plain path is verified with statFn.
func (d *PathDependency) Acquire() error {
	if d.acquired {
		return nil
	}
	if hasGlobMeta(d.path) {
		matches, err := doublestar.FilepathGlob(d.path)
		if err != nil {
			return fmt.Errorf("environment: path dependency %q: glob %q: %w", d.name, d.path, err)
		}
		if len(matches) == 0 {
			return fmt.Errorf("environment: path dependency %q: no matches for pattern %q", d.name, d.path)
		}
	} else if d.statFn != nil {
		if err := d.statFn(d.path); err != nil {
			return fmt.Errorf("environment: path dependency %q: %w", d.name, err)
		}
	}
	d.acquired = true
	return nil
}

// GitDependency clones a repository to a local path, optionally checking
// out an exclusive branch, tag, or commit.
type GitDependency struct {
	name     string
	url      string
	dest     string
	branch   string
	tag      string
	commit   string
	acquired bool
	cloneFn  func(url, dest string) error
	checkout func(dir, ref string) error
}

// NewGitDependency returns a git dependency. Specifying more than one of
// branch/tag/commit is an error at construction time, since the contract
// requires an exclusive ref choice.
func NewGitDependency(name, url, dest, branch, tag, commit string, cloneFn func(url, dest string) error, checkoutFn func(dir, ref string) error) (*GitDependency, error) {
	count := 0
	for _, v := range []string{branch, tag, commit} {
		if v != "" {
			count++
		}
	}
	if count > 1 {
		return nil, fmt.Errorf("environment: git dependency %q: branch, tag, and commit are mutually exclusive", name)
	}
	return &GitDependency{
		name: name, url: url, dest: dest,
		branch: branch, tag: tag, commit: commit,
		cloneFn: cloneFn, checkout: checkoutOrDefault(checkoutFn),
	}, nil
}

func checkoutOrDefault(f func(dir, ref string) error) func(dir, ref string) error {
	if f != nil {
		return f
	}
	return func(string, string) error { return nil }
}

func (d *GitDependency) Name() string   { return d.name }
func (d *GitDependency) Token() string  { return d.name }
func (d *GitDependency) Path() string   { return d.dest }
func (d *GitDependency) Acquired() bool { return d.acquired }

func (d *GitDependency) Acquire() error {
	if d.acquired {
		return nil
	}
	if d.cloneFn != nil {
		if err := d.cloneFn(d.url, d.dest); err != nil {
			return fmt.Errorf("environment: git dependency %q: clone: %w", d.name, err)
		}
	}
	ref := d.branch
	if ref == "" {
		ref = d.tag
	}
	if ref == "" {
		ref = d.commit
	}
	if ref != "" {
		if err := d.checkout(d.dest, ref); err != nil {
			return fmt.Errorf("environment: git dependency %q: checkout %q: %w", d.name, ref, err)
		}
	}
	d.acquired = true
	return nil
}

// Environment holds variables, labels, and dependencies keyed by name.
// Labels are substituted after variables are resolved in them (a label's
// own value may reference a variable's token); dependencies are resolved
// by their acquired path.
type Environment struct {
	token        string
	variables    map[string]string
	variableKeys []string
	labels       map[string]string
	labelKeys    []string
	deps         map[string]Dependency
	depKeys      []string
}

// New returns an empty environment using the given substitution token
// (empty string selects "$").
func New(token string) *Environment {
	if token == "" {
		token = "$"
	}
	return &Environment{
		token:     token,
		variables: make(map[string]string),
		labels:    make(map[string]string),
		deps:      make(map[string]Dependency),
	}
}

// AddVariable binds name to value. Re-adding an existing name fails.
func (e *Environment) AddVariable(name, value string) error {
	if _, exists := e.variables[name]; exists {
		return fmt.Errorf("environment: duplicate variable name %q", name)
	}
	if _, exists := e.labels[name]; exists {
		return fmt.Errorf("environment: name %q already used by a label", name)
	}
	if _, exists := e.deps[name]; exists {
		return fmt.Errorf("environment: name %q already used by a dependency", name)
	}
	e.variables[name] = value
	e.variableKeys = append(e.variableKeys, name)
	return nil
}

// AddLabel binds name to a value that may itself contain variable tokens.
func (e *Environment) AddLabel(name, value string) error {
	if _, exists := e.labels[name]; exists {
		return fmt.Errorf("environment: duplicate label name %q", name)
	}
	if _, exists := e.variables[name]; exists {
		return fmt.Errorf("environment: name %q already used by a variable", name)
	}
	if _, exists := e.deps[name]; exists {
		return fmt.Errorf("environment: name %q already used by a dependency", name)
	}
	e.labels[name] = value
	e.labelKeys = append(e.labelKeys, name)
	return nil
}

// AddDependency registers a dependency handle.
func (e *Environment) AddDependency(dep Dependency) error {
	name := dep.Name()
	if _, exists := e.deps[name]; exists {
		return fmt.Errorf("environment: duplicate dependency name %q", name)
	}
	if _, exists := e.variables[name]; exists {
		return fmt.Errorf("environment: name %q already used by a variable", name)
	}
	if _, exists := e.labels[name]; exists {
		return fmt.Errorf("environment: name %q already used by a label", name)
	}
	e.deps[name] = dep
	e.depKeys = append(e.depKeys, name)
	return nil
}

// AcquireAll acquires every registered dependency, in registration order.
func (e *Environment) AcquireAll() error {
	for _, name := range e.depKeys {
		if err := e.deps[name].Acquire(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Environment) applyString(s string) string {
	for _, name := range e.labelKeys {
		resolved := e.applyVariablesOnly(e.labels[name])
		s = strings.ReplaceAll(s, fmt.Sprintf("%s(%s)", e.token, name), resolved)
	}
	for _, name := range e.depKeys {
		s = strings.ReplaceAll(s, fmt.Sprintf("%s(%s)", e.token, name), e.deps[name].Path())
	}
	for _, name := range e.variableKeys {
		s = strings.ReplaceAll(s, fmt.Sprintf("%s(%s)", e.token, name), e.variables[name])
	}
	return s
}

func (e *Environment) applyVariablesOnly(s string) string {
	for _, name := range e.variableKeys {
		s = strings.ReplaceAll(s, fmt.Sprintf("%s(%s)", e.token, name), e.variables[name])
	}
	return s
}

// Apply recursively traverses item (a string, []any, or map[string]any,
// possibly nested) applying labels, then dependencies, then variables to
// every string encountered, and returns a new instance of the same shape.
func (e *Environment) Apply(item any) any {
	switch v := item.(type) {
	case string:
		return e.applyString(v)
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = e.Apply(elem)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, elem := range v {
			out[i] = e.applyString(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[k] = e.Apply(elem)
		}
		return out
	default:
		return item
	}
}
