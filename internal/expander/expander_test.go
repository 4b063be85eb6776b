package expander

import (
	"testing"

	"github.com/llnl-tools/maestro-go/internal/execgraph"
	"github.com/llnl-tools/maestro-go/internal/paramtable"
	"github.com/llnl-tools/maestro-go/internal/study"
	"github.com/stretchr/testify/require"
)

func step(name, cmd string, depends ...string) *study.Step {
	return &study.Step{Name: name, Run: study.Run{Cmd: cmd, Depends: depends}}
}

func TestExpandLinearHelloWorld(t *testing.T) {
	abstract, err := BuildAbstractDAG([]*study.Step{
		step("hello", "echo hello"),
	})
	require.NoError(t, err)

	eg, err := Expand(abstract, Config{OutputPath: "/out"}, "hello-study", "local", nil)
	require.NoError(t, err)

	require.Contains(t, eg.AllNonSourceNodes(), "hello")
	require.Equal(t, []string{execgraph.SourceNode}, eg.Parents("hello"))
	require.Equal(t, "/out/hello", eg.Record("hello").Workspace)
}

func TestExpandParameterizedTwoSteps(t *testing.T) {
	table := paramtable.NewTable("", "")
	require.NoError(t, table.AddParameter("GREETING", []string{"hi", "yo"}, nil, ""))

	steps := []*study.Step{
		step("greet", "echo $(GREETING)"),
		step("report", "cat $(greet.workspace)/out.txt", "greet"),
	}
	abstract, err := BuildAbstractDAG(steps)
	require.NoError(t, err)

	eg, err := Expand(abstract, Config{OutputPath: "/out", Params: table}, "greet-study", "local", nil)
	require.NoError(t, err)

	nodes := eg.AllNonSourceNodes()
	require.Len(t, nodes, 4)
	require.Contains(t, nodes, "greet_hi")
	require.Contains(t, nodes, "greet_yo")
	require.Contains(t, nodes, "report_hi")
	require.Contains(t, nodes, "report_yo")

	require.Equal(t, []string{"greet_hi"}, eg.Parents("report_hi"))
	require.Contains(t, eg.Record("greet_hi").Step.Run.Cmd, "hi")
	require.Contains(t, eg.Record("report_hi").Step.Run.Cmd, "/out/greet/hi")
}

func TestExpandFunnelDependency(t *testing.T) {
	table := paramtable.NewTable("", "")
	require.NoError(t, table.AddParameter("X", []string{"1", "2", "3"}, nil, ""))

	steps := []*study.Step{
		step("run", "echo $(X)"),
		step("collect", "echo collect", "run.*"),
	}
	abstract, err := BuildAbstractDAG(steps)
	require.NoError(t, err)

	eg, err := Expand(abstract, Config{OutputPath: "/out", Params: table}, "funnel-study", "local", nil)
	require.NoError(t, err)

	require.Len(t, eg.AllNonSourceNodes(), 4) // run_1,run_2,run_3,collect
	parents := eg.Parents("collect")
	require.ElementsMatch(t, []string{"run_1", "run_2", "run_3"}, parents)
}

func TestExpandRestartLimitPropagates(t *testing.T) {
	s := step("flaky", "echo try")
	s.Run.Restart = "echo retry"
	abstract, err := BuildAbstractDAG([]*study.Step{s})
	require.NoError(t, err)

	eg, err := Expand(abstract, Config{OutputPath: "/out", RestartLimit: 5}, "restart-study", "local", nil)
	require.NoError(t, err)
	require.Equal(t, 5, eg.Record("flaky").RestartLimit)
}

func TestExpandParameterizedRewritesRestartWorkspaceToken(t *testing.T) {
	table := paramtable.NewTable("", "")
	require.NoError(t, table.AddParameter("X", []string{"1", "2"}, nil, ""))

	steps := []*study.Step{
		step("produce", "echo $(X)"),
		step("consume", "cat $(produce.workspace)/out.txt", "produce"),
	}
	steps[1].Run.Restart = "cat $(produce.workspace)/retry.txt"
	abstract, err := BuildAbstractDAG(steps)
	require.NoError(t, err)

	eg, err := Expand(abstract, Config{OutputPath: "/out", Params: table}, "restart-ws-study", "local", nil)
	require.NoError(t, err)

	restart := eg.Record("consume_1").Step.Run.Restart
	require.NotContains(t, restart, "$(produce.workspace)")
	require.Contains(t, restart, "/out/produce/1")
}

func TestExpandUnparameterizedRewritesRestartWorkspaceToken(t *testing.T) {
	a := step("a", "echo hi")
	b := step("b", "cat $(a.workspace)/out.txt", "a")
	b.Run.Restart = "cat $(a.workspace)/retry.txt"
	abstract, err := BuildAbstractDAG([]*study.Step{a, b})
	require.NoError(t, err)

	eg, err := Expand(abstract, Config{OutputPath: "/out"}, "restart-linear-study", "local", nil)
	require.NoError(t, err)

	restart := eg.Record("b").Step.Run.Restart
	require.NotContains(t, restart, "$(a.workspace)")
	require.Contains(t, restart, "/out/a")
}

func TestExpandUnresolvedWorkspaceReferenceFails(t *testing.T) {
	// No edge links a and b, and TopologicalSort emits unrelated steps in
	// reverse declaration order, so b is expanded before a.
	steps := []*study.Step{
		step("a", "echo hi"),
		step("b", "cat $(a.workspace)/out.txt"),
	}
	abstract, err := BuildAbstractDAG(steps)
	require.NoError(t, err)

	_, err = Expand(abstract, Config{OutputPath: "/out"}, "bad-study", "local", nil)
	require.Error(t, err)
}
