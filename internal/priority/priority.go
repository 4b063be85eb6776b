// Package priority implements the pluggable priority policy used to order
// admitted steps within a tick: a policy maps a step to an orderable
// weight, combined with the step name to break ties.
package priority

import "sort"

// Policy computes an ordering weight for a step name given its BFS depth
// (computed by Depths over the expanded graph: root = 1, each child =
// parent.weight + 1).
type Policy func(name string, depth int) int

var registry = map[string]Policy{
	"breadth_first": func(name string, depth int) int { return depth },
	"depth_first":   func(name string, depth int) int { return -depth },
}

// Register adds a named policy to the factory.
func Register(name string, p Policy) {
	registry[name] = p
}

// Lookup returns the policy registered under name, or the default
// (breadth_first) if name is unregistered. The caller is expected to log
// a warning on the fallback path.
func Lookup(name string) (Policy, bool) {
	if name == "" {
		return registry["breadth_first"], true
	}
	p, ok := registry[name]
	if !ok {
		return registry["breadth_first"], false
	}
	return p, true
}

// Depths computes BFS depth per node from a set of root names (root = 1,
// each child = parent depth + 1), given a children-lookup function.
func Depths(roots []string, children func(string) []string) map[string]int {
	depth := map[string]int{}
	queue := append([]string(nil), roots...)
	for _, r := range roots {
		depth[r] = 1
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range children(cur) {
			if _, seen := depth[c]; seen {
				continue
			}
			depth[c] = depth[cur] + 1
			queue = append(queue, c)
		}
	}
	return depth
}

// Order sorts names by (policy weight, policy names...) ascending, then
// by name ascending to break ties, for each policy in policies applied in
// sequence (forming a lexicographic N-tuple).
func Order(names []string, depth map[string]int, policies []Policy) []string {
	out := append([]string(nil), names...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		for _, p := range policies {
			wa, wb := p(a, depth[a]), p(b, depth[b])
			if wa != wb {
				return wa < wb
			}
		}
		return a < b
	})
	return out
}
