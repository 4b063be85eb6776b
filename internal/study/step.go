// Package study holds the data model shared across spec decoding,
// expansion, and execution: StudyStep, its resource request, and the
// funnel-dependency marker convention.
package study

import (
	"fmt"
	"strconv"
	"strings"
)

// FunnelSuffix marks a dependency name as a funnel dependency: "all
// parameter combinations of that step".
const FunnelSuffix = ".*"

// IsFunnelDependency reports whether dep carries the funnel marker, and
// returns the base step name with the marker stripped.
func IsFunnelDependency(dep string) (base string, isFunnel bool) {
	if strings.HasSuffix(dep, FunnelSuffix) {
		return strings.TrimSuffix(dep, FunnelSuffix), true
	}
	return dep, false
}

// Resources is a step's resource request.
type Resources struct {
	Nodes         int
	Procs         int
	CoresPerTask  int
	GPUs          int
	WalltimeSecs  int
	Reservation   string
	Priority      int
	Exclusive     bool
	Queue         string
	Bank          string
}

// Run is a step's executable configuration.
type Run struct {
	Cmd       string
	Restart   string
	Depends   []string
	Resources Resources
}

// Step is a named abstract step. Immutable once expansion begins.
type Step struct {
	Name        string
	Description string
	Run         Run
}

// ParseWalltime accepts seconds (a bare integer string) or "H:M:S" and
// normalizes to whole seconds. A bare integer is always read as seconds;
// there is no minutes-only form.
func ParseWalltime(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if !strings.Contains(s, ":") {
		secs, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("study: invalid walltime %q: %w", s, err)
		}
		return secs, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("study: invalid walltime %q: want H:M:S", s)
	}
	var h, m, sec int
	var err error
	if h, err = strconv.Atoi(parts[0]); err != nil {
		return 0, fmt.Errorf("study: invalid walltime hours %q: %w", s, err)
	}
	if m, err = strconv.Atoi(parts[1]); err != nil {
		return 0, fmt.Errorf("study: invalid walltime minutes %q: %w", s, err)
	}
	if sec, err = strconv.Atoi(parts[2]); err != nil {
		return 0, fmt.Errorf("study: invalid walltime seconds %q: %w", s, err)
	}
	return h*3600 + m*60 + sec, nil
}

// Clone returns a deep copy of the step, suitable for applying a
// Combination to during parameterized expansion without mutating the
// original.
func (s *Step) Clone() *Step {
	clone := *s
	clone.Run.Depends = append([]string(nil), s.Run.Depends...)
	return &clone
}

// CommandFields returns the command/restart/dependency fields scanned by
// FindUsedParameters, in the shape paramtable.Table.FindUsedParameters
// expects.
func (s *Step) CommandFields() []any {
	return []any{s.Run.Cmd, s.Run.Restart, s.Run.Depends}
}
