package priority

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupUnknownFallsBackToBreadthFirst(t *testing.T) {
	p, ok := Lookup("nonexistent")
	require.False(t, ok)
	require.Equal(t, 3, p("x", 3))
}

func TestLookupEmptyDefaultsToBreadthFirst(t *testing.T) {
	p, ok := Lookup("")
	require.True(t, ok)
	require.Equal(t, 2, p("x", 2))
}

func TestOrderBreadthFirstAscendingByDepth(t *testing.T) {
	depth := map[string]int{"c": 3, "a": 1, "b": 2}
	bf, _ := Lookup("breadth_first")
	got := Order([]string{"c", "a", "b"}, depth, []Policy{bf})
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestOrderDepthFirstDescendingByDepth(t *testing.T) {
	depth := map[string]int{"c": 3, "a": 1, "b": 2}
	df, _ := Lookup("depth_first")
	got := Order([]string{"c", "a", "b"}, depth, []Policy{df})
	require.Equal(t, []string{"c", "b", "a"}, got)
}

func TestOrderTiesByName(t *testing.T) {
	depth := map[string]int{"b": 1, "a": 1}
	bf, _ := Lookup("breadth_first")
	got := Order([]string{"b", "a"}, depth, []Policy{bf})
	require.Equal(t, []string{"a", "b"}, got)
}

func TestDepthsBFS(t *testing.T) {
	children := map[string][]string{
		"_source": {"a"},
		"a":       {"b", "c"},
		"b":       {"d"},
		"c":       {"d"},
	}
	d := Depths([]string{"_source"}, func(n string) []string { return children[n] })
	require.Equal(t, 1, d["_source"])
	require.Equal(t, 2, d["a"])
	require.Equal(t, 3, d["b"])
	require.Equal(t, 3, d["c"])
	require.Equal(t, 4, d["d"])
}
