package environment

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDuplicateNameAcrossKindsFails(t *testing.T) {
	e := New("")
	require.NoError(t, e.AddVariable("HOME", "/home/x"))
	require.Error(t, e.AddVariable("HOME", "/home/y"))
	require.Error(t, e.AddLabel("HOME", "whatever"))
}

func TestApplyOrderLabelsDependenciesVariables(t *testing.T) {
	e := New("")
	require.NoError(t, e.AddVariable("USER", "alice"))
	require.NoError(t, e.AddLabel("GREETING", "hello $(USER)"))
	dep := NewPathDependency("DATA", "/data/alice", func(string) error { return nil })
	require.NoError(t, e.AddDependency(dep))
	require.NoError(t, e.AcquireAll())

	got := e.Apply("$(GREETING) from $(DATA) as $(USER)")
	require.Equal(t, "hello alice from /data/alice as alice", got)
}

func TestApplyRecursesThroughListsAndMaps(t *testing.T) {
	e := New("")
	require.NoError(t, e.AddVariable("X", "42"))

	in := map[string]any{
		"args": []any{"$(X)", map[string]any{"nested": "$(X)y"}},
	}
	out := e.Apply(in).(map[string]any)
	args := out["args"].([]any)
	require.Equal(t, "42", args[0])
	nested := args[1].(map[string]any)
	require.Equal(t, "42y", nested["nested"])
}

func TestPathDependencyAcquireFailurePropagates(t *testing.T) {
	wantErr := errors.New("no such path")
	dep := NewPathDependency("D", "/missing", func(string) error { return wantErr })
	err := dep.Acquire()
	require.Error(t, err)
	require.False(t, dep.Acquired())
}

func TestPathDependencyAcquireResolvesGlobPattern(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run-001.dat"), []byte("x"), 0o644))

	dep := NewPathDependency("INPUTS", filepath.Join(dir, "run-*.dat"), nil)
	require.NoError(t, dep.Acquire())
	require.True(t, dep.Acquired())
}

func TestPathDependencyAcquireGlobPatternWithNoMatchesFails(t *testing.T) {
	dir := t.TempDir()
	dep := NewPathDependency("INPUTS", filepath.Join(dir, "run-*.dat"), nil)
	err := dep.Acquire()
	require.Error(t, err)
	require.False(t, dep.Acquired())
}

func TestGitDependencyRejectsMultipleRefs(t *testing.T) {
	_, err := NewGitDependency("repo", "https://example.com/r.git", "/tmp/r", "main", "v1", "", nil, nil)
	require.Error(t, err)
}

func TestGitDependencyAcquireClonesAndChecksOut(t *testing.T) {
	var clonedURL, clonedDest, checkoutDir, checkoutRef string
	dep, err := NewGitDependency("repo", "https://example.com/r.git", "/tmp/r", "", "v1", "",
		func(url, dest string) error {
			clonedURL, clonedDest = url, dest
			return nil
		},
		func(dir, ref string) error {
			checkoutDir, checkoutRef = dir, ref
			return nil
		},
	)
	require.NoError(t, err)
	require.NoError(t, dep.Acquire())
	require.Equal(t, "https://example.com/r.git", clonedURL)
	require.Equal(t, "/tmp/r", clonedDest)
	require.Equal(t, "/tmp/r", checkoutDir)
	require.Equal(t, "v1", checkoutRef)
	require.True(t, dep.Acquired())

	// Idempotent: acquiring again must not re-clone.
	clonedURL = ""
	require.NoError(t, dep.Acquire())
	require.Equal(t, "", clonedURL)
}
