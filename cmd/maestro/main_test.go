package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/llnl-tools/maestro-go/internal/statuscsv"
	"github.com/stretchr/testify/require"
)

func TestResolveAdapterDefaultsToLocal(t *testing.T) {
	name, conf := resolveAdapter(nil)
	require.Equal(t, "local", name)
	require.Nil(t, conf)
}

func TestResolveAdapterReadsBatchType(t *testing.T) {
	name, conf := resolveAdapter(map[string]any{"type": "slurm", "queue": "pbatch"})
	require.Equal(t, "slurm", name)
	require.Equal(t, "pbatch", conf["queue"])
}

func TestResolveAdapterIgnoresNonStringType(t *testing.T) {
	name, _ := resolveAdapter(map[string]any{"type": 7})
	require.Equal(t, "local", name)
}

func TestWriteBatchInfo(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeBatchInfo(dir, map[string]any{"type": "local"}))

	data, err := os.ReadFile(filepath.Join(dir, "batch.info"))
	require.NoError(t, err)
	require.Contains(t, string(data), "type: local")
}

func TestSortedStatusKeys(t *testing.T) {
	rows := map[string]statuscsv.Row{
		"zeta":  {StepName: "zeta"},
		"alpha": {StepName: "alpha"},
		"mid":   {StepName: "mid"},
	}
	require.Equal(t, []string{"alpha", "mid", "zeta"}, sortedStatusKeys(rows))
}
