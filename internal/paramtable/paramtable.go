// Package paramtable implements the rectangular parameter table and the
// per-row Combination substitution object used to expand parameterized
// study steps.
package paramtable

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const (
	defaultToken      = "$"
	defaultLabelToken = "%%"
)

// Combination is an ordered mapping from parameter key to (value, label,
// name), with substitution forms $(K), $(K.label), and $(K.name).
type Combination struct {
	token string
	keys  []string
	value map[string]string
	label map[string]string
	name  map[string]string
}

// NewCombination returns an empty Combination using the given substitution
// token (the empty string selects the default, "$").
func NewCombination(token string) *Combination {
	if token == "" {
		token = defaultToken
	}
	return &Combination{
		token: token,
		value: make(map[string]string),
		label: make(map[string]string),
		name:  make(map[string]string),
	}
}

// Add binds key to (value, label, name) in this combination.
func (c *Combination) Add(key, value, label, name string) {
	if _, exists := c.value[key]; !exists {
		c.keys = append(c.keys, key)
	}
	c.value[key] = value
	c.label[key] = label
	c.name[key] = name
}

// Keys returns the combination's parameter keys in insertion order.
func (c *Combination) Keys() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Value returns the bound value for key.
func (c *Combination) Value(key string) (string, bool) {
	v, ok := c.value[key]
	return v, ok
}

// Apply performs all three substitution passes over s: labels, then
// values, then names, in that order (labels may themselves reference the
// value token).
func (c *Combination) Apply(s string) string {
	for _, k := range c.keys {
		s = strings.ReplaceAll(s, fmt.Sprintf("%s(%s.label)", c.token, k), c.label[k])
	}
	for _, k := range c.keys {
		s = strings.ReplaceAll(s, fmt.Sprintf("%s(%s)", c.token, k), c.value[k])
	}
	for _, k := range c.keys {
		s = strings.ReplaceAll(s, fmt.Sprintf("%s(%s.name)", c.token, k), c.name[k])
	}
	return s
}

// ParamString sorts the provided keys lexicographically and joins their
// labels with ".". This is the canonical path-component suffix used for
// parameterized workspace directories.
func (c *Combination) ParamString(keys []string) string {
	sorted := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := c.value[k]; ok {
			sorted = append(sorted, k)
		}
	}
	sort.Strings(sorted)
	parts := make([]string, 0, len(sorted))
	for _, k := range sorted {
		parts = append(parts, c.label[k])
	}
	return strings.Join(parts, ".")
}

var safePathChars = regexp.MustCompile(`[^A-Za-z0-9\-_.() ]`)

// SanitizePathComponent retains only ASCII letters, digits, and
// "-_.() ", replacing spaces with underscores. Applied to every
// user-controlled path component (step names, param_string suffixes).
func SanitizePathComponent(s string) string {
	s = safePathChars.ReplaceAllString(s, "")
	return strings.ReplaceAll(s, " ", "_")
}

// Table is a rectangular parameter set: an ordered list of keys, and for
// each key parallel slices of values/labels/names sharing one row count N.
type Table struct {
	token      string
	labelToken string
	keys       []string
	values     map[string][]string
	labels     map[string][]string
	names      map[string]string
	n          int
}

// NewTable returns an empty parameter table using the given substitution
// token and label-inner-token (empty strings select the defaults).
func NewTable(token, labelToken string) *Table {
	if token == "" {
		token = defaultToken
	}
	if labelToken == "" {
		labelToken = defaultLabelToken
	}
	return &Table{
		token:      token,
		labelToken: labelToken,
		values:     make(map[string][]string),
		labels:     make(map[string][]string),
		names:      make(map[string]string),
		n:          -1,
	}
}

// AddParameter adds key with the given values. label is either a per-row
// slice of length len(values) or a single pattern string containing the
// label-inner-token, instantiated per row from the stringified value. name
// is the parameter's display name (defaults to key if empty). The first
// call establishes N; subsequent calls with a different len(values) fail.
func (t *Table) AddParameter(key string, values []string, label any, name string) error {
	if t.n == -1 {
		t.n = len(values)
	} else if len(values) != t.n {
		return fmt.Errorf("paramtable: parameter %q has %d values, table expects %d", key, len(values), t.n)
	}
	if name == "" {
		name = key
	}

	var rowLabels []string
	switch lv := label.(type) {
	case []string:
		if len(lv) != len(values) {
			return fmt.Errorf("paramtable: parameter %q label list has %d entries, want %d", key, len(lv), len(values))
		}
		rowLabels = append([]string(nil), lv...)
	case string:
		rowLabels = make([]string, len(values))
		for i, v := range values {
			if strings.Contains(lv, t.labelToken) {
				rowLabels[i] = strings.ReplaceAll(lv, t.labelToken, v)
			} else {
				rowLabels[i] = lv
			}
		}
	default:
		rowLabels = append([]string(nil), values...)
	}

	if _, exists := t.values[key]; !exists {
		t.keys = append(t.keys, key)
	}
	t.values[key] = values
	t.labels[key] = rowLabels
	t.names[key] = name
	return nil
}

// Keys returns the table's parameter keys in insertion order.
func (t *Table) Keys() []string {
	out := make([]string, len(t.keys))
	copy(out, t.keys)
	return out
}

// Len returns N, the shared row count (0 for an empty table).
func (t *Table) Len() int {
	if t.n < 0 {
		return 0
	}
	return t.n
}

// Combinations returns the N Combinations in row order.
func (t *Table) Combinations() []*Combination {
	out := make([]*Combination, 0, t.Len())
	for i := 0; i < t.Len(); i++ {
		c := NewCombination(t.token)
		for _, k := range t.keys {
			c.Add(k, t.values[k][i], t.labels[k][i], t.names[k])
		}
		out = append(out, c)
	}
	return out
}

// UsedParameterRegexp builds the regex that matches a reference to key
// under this table's substitution token: $(key) or $(key.word).
func (t *Table) UsedParameterRegexp(key string) *regexp.Regexp {
	escToken := regexp.QuoteMeta(t.token)
	escKey := regexp.QuoteMeta(key)
	return regexp.MustCompile(escToken + `\(` + escKey + `(\.\w+)?\)`)
}

// FindUsedParameters walks fields (each a string, []string, or
// map[string]string drawn from a step's command/restart/dependency
// fields) and returns the set of table keys actually referenced.
func (t *Table) FindUsedParameters(fields ...any) map[string]bool {
	used := make(map[string]bool)
	for _, key := range t.keys {
		re := t.UsedParameterRegexp(key)
		for _, f := range fields {
			if scanForMatch(f, re) {
				used[key] = true
				break
			}
		}
	}
	return used
}

func scanForMatch(v any, re *regexp.Regexp) bool {
	switch x := v.(type) {
	case string:
		return re.MatchString(x)
	case []string:
		for _, s := range x {
			if re.MatchString(s) {
				return true
			}
		}
	case map[string]string:
		for _, s := range x {
			if re.MatchString(s) {
				return true
			}
		}
	case nil:
		return false
	}
	return false
}
