// Package execgraph holds the expanded execution graph: one
// ExecutionStepRecord per concrete (possibly parameter-expanded) step,
// plus the completed/in_progress/failed bookkeeping the driver maintains.
// Serialized as a flat map-of-maps arena (no cyclic object graph), per
// the source's own cyclic-pickling-to-flat-store design note.
package execgraph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/llnl-tools/maestro-go/internal/dag"
	"github.com/llnl-tools/maestro-go/internal/scheduler"
	"github.com/llnl-tools/maestro-go/internal/study"
)

// SourceNode is the distinguished root every parentless step connects to.
const SourceNode = "_source"

// Record is the runtime state of one concrete expanded step.
type Record struct {
	Name             string            `json:"name"`
	Workspace        string            `json:"workspace"`
	State            scheduler.State   `json:"state"`
	JobIDs           []string          `json:"job_ids"`
	ScriptPath       string            `json:"script_path"`
	RestartScriptPath string           `json:"restart_script_path,omitempty"`
	ScriptHash       string            `json:"script_hash,omitempty"`
	ToBeScheduled    bool              `json:"to_be_scheduled"`
	Step             *study.Step       `json:"step"`
	RestartLimit     int               `json:"restart_limit"`
	NumRestarts      int               `json:"num_restarts"`
	Params           map[string]string `json:"params,omitempty"`
	Weight           int               `json:"weight"`

	SubmitTime string `json:"submit_time,omitempty"`
	StartTime  string `json:"start_time,omitempty"`
	EndTime    string `json:"end_time,omitempty"`
}

// LastJobID returns the most recent submission's job id, or "" if none.
func (r *Record) LastJobID() string {
	if len(r.JobIDs) == 0 {
		return ""
	}
	return r.JobIDs[len(r.JobIDs)-1]
}

// Graph is a DAG of Records, plus the three driver-maintained status
// sets. The underlying dag.Graph carries *Record as its node value so
// topological/BFS/DFS traversal is reused directly.
type Graph struct {
	DAG         *dag.Graph[*Record]
	Completed   map[string]bool
	InProgress  map[string]bool
	Failed      map[string]bool
	FunnelOf    map[string][]string // step base name -> its concrete combo names (step_combos)
	StudyName   string
	OutputPath  string
	AdapterName string
	AdapterConf map[string]any
}

// New returns an empty execution graph rooted at _source.
func New(studyName, outputPath, adapterName string, adapterConf map[string]any) *Graph {
	g := &Graph{
		DAG:         dag.New[*Record](),
		Completed:   map[string]bool{},
		InProgress:  map[string]bool{},
		Failed:      map[string]bool{},
		FunnelOf:    map[string][]string{},
		StudyName:   studyName,
		OutputPath:  outputPath,
		AdapterName: adapterName,
		AdapterConf: adapterConf,
	}
	g.DAG.AddNode(SourceNode, nil)
	return g
}

// AddRecord adds a new node for rec, keyed by rec.Name, in state
// INITIALIZED.
func (g *Graph) AddRecord(rec *Record) {
	rec.State = scheduler.StateInitialized
	g.DAG.AddNode(rec.Name, rec)
}

// AddEdge connects src -> dest.
func (g *Graph) AddEdge(src, dest string) error {
	return g.DAG.AddEdge(src, dest)
}

// Record returns the record named name (nil for _source).
func (g *Graph) Record(name string) *Record {
	v, _ := g.DAG.Value(name)
	return v
}

// Parents returns the direct parents of name.
func (g *Graph) Parents(name string) []string {
	return g.DAG.Parents(name)
}

// AllNonSourceNodes returns every node name except _source.
func (g *Graph) AllNonSourceNodes() []string {
	var out []string
	for _, n := range g.DAG.Nodes() {
		if n != SourceNode {
			out = append(out, n)
		}
	}
	return out
}

// IsAdmissible reports whether every parent of name is in Completed.
// _source counts as always completed.
func (g *Graph) IsAdmissible(name string) bool {
	for _, p := range g.Parents(name) {
		if p == SourceNode {
			continue
		}
		if !g.Completed[p] {
			return false
		}
	}
	return true
}

// MarkCompleted moves name into Completed, clearing it from InProgress
// and Failed, and sets the record's state to FINISHED.
func (g *Graph) MarkCompleted(name string) {
	delete(g.InProgress, name)
	delete(g.Failed, name)
	g.Completed[name] = true
	if r := g.Record(name); r != nil {
		r.State = scheduler.StateFinished
	}
}

// MarkInProgress moves name into InProgress with the given state.
func (g *Graph) MarkInProgress(name string, state scheduler.State) {
	delete(g.Completed, name)
	delete(g.Failed, name)
	g.InProgress[name] = true
	if r := g.Record(name); r != nil {
		r.State = state
	}
}

// MarkFailed moves name and its full BFS subtree into Failed, removing
// them from Completed/InProgress.
func (g *Graph) MarkFailed(name string) {
	path, _ := g.DAG.BFSSubtree(name)
	for _, n := range path {
		if n == SourceNode {
			continue
		}
		delete(g.Completed, n)
		delete(g.InProgress, n)
		g.Failed[n] = true
		if r := g.Record(n); r != nil {
			r.State = scheduler.StateFailed
		}
	}
}

// MarkResubmittable moves name out of InProgress and resets it to
// INITIALIZED, for a hardware-failure job the driver is about to
// resubmit from scratch.
func (g *Graph) MarkResubmittable(name string) {
	delete(g.InProgress, name)
	if r := g.Record(name); r != nil {
		r.State = scheduler.StateInitialized
	}
}

// MarkCancelled sets every non-terminal node to CANCELLED.
func (g *Graph) MarkCancelled() {
	for _, n := range g.AllNonSourceNodes() {
		if g.Completed[n] || g.Failed[n] {
			continue
		}
		delete(g.InProgress, n)
		if r := g.Record(n); r != nil {
			r.State = scheduler.StateCancelled
		}
	}
}

// IsTerminated reports whether Completed ∪ Failed covers all non-source
// nodes.
func (g *Graph) IsTerminated() bool {
	for _, n := range g.AllNonSourceNodes() {
		if !g.Completed[n] && !g.Failed[n] {
			return false
		}
	}
	return true
}

// persistedGraph is the flat, cycle-free serialization shape: a
// map-of-maps arena rather than an object graph, per the source's
// pickling design note.
type persistedGraph struct {
	StudyName   string             `json:"study_name"`
	OutputPath  string             `json:"output_path"`
	AdapterName string             `json:"adapter_name"`
	AdapterConf map[string]any     `json:"adapter_conf,omitempty"`
	Nodes       []string           `json:"nodes"`
	Edges       map[string][]string `json:"edges"`
	Records     map[string]*Record `json:"records"`
	Completed   []string           `json:"completed"`
	InProgress  []string           `json:"in_progress"`
	Failed      []string           `json:"failed"`
}

func setToSlice(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func sliceToSet(s []string) map[string]bool {
	out := make(map[string]bool, len(s))
	for _, k := range s {
		out[k] = true
	}
	return out
}

// Save atomically persists the graph to path (write-to-temp + rename).
func (g *Graph) Save(path string) error {
	nodes := g.DAG.Nodes()
	edges := make(map[string][]string, len(nodes))
	records := make(map[string]*Record, len(nodes))
	for _, n := range nodes {
		edges[n] = g.DAG.Children(n)
		if n != SourceNode {
			records[n] = g.Record(n)
		}
	}

	pg := persistedGraph{
		StudyName:   g.StudyName,
		OutputPath:  g.OutputPath,
		AdapterName: g.AdapterName,
		AdapterConf: g.AdapterConf,
		Nodes:       nodes,
		Edges:       edges,
		Records:     records,
		Completed:   setToSlice(g.Completed),
		InProgress:  setToSlice(g.InProgress),
		Failed:      setToSlice(g.Failed),
	}

	data, err := json.MarshalIndent(pg, "", "  ")
	if err != nil {
		return fmt.Errorf("execgraph: marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("execgraph: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("execgraph: rename: %w", err)
	}
	return nil
}

// Load reconstructs a Graph previously written by Save.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("execgraph: read: %w", err)
	}
	var pg persistedGraph
	if err := json.Unmarshal(data, &pg); err != nil {
		return nil, fmt.Errorf("execgraph: unmarshal: %w", err)
	}

	g := New(pg.StudyName, pg.OutputPath, pg.AdapterName, pg.AdapterConf)
	// New() already added _source; re-add every other node before edges.
	for _, n := range pg.Nodes {
		if n == SourceNode {
			continue
		}
		g.DAG.AddNode(n, pg.Records[n])
	}
	for src, dests := range pg.Edges {
		for _, dest := range dests {
			if err := g.DAG.AddEdge(src, dest); err != nil {
				return nil, fmt.Errorf("execgraph: restoring edge (%s,%s): %w", src, dest, err)
			}
		}
	}
	g.Completed = sliceToSet(pg.Completed)
	g.InProgress = sliceToSet(pg.InProgress)
	g.Failed = sliceToSet(pg.Failed)
	return g, nil
}

// DefaultGraphPath returns the path <outputPath>/<studyName>.json.
func DefaultGraphPath(outputPath, studyName string) string {
	return filepath.Join(outputPath, studyName+".json")
}
