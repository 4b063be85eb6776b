package statuscsv

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/llnl-tools/maestro-go/internal/scheduler"
	"github.com/stretchr/testify/require"
)

func TestFormatDurationRoundsHalfUp(t *testing.T) {
	require.Equal(t, "0d:00h:00m:01s", FormatDuration(500*time.Millisecond))
	require.Equal(t, "1d:01h:01m:01s", FormatDuration(25*time.Hour+61*time.Second))
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.csv")
	rows := []Row{
		{
			StepName: "hello", Workspace: "/out/hello", State: scheduler.StateFinished,
			JobID: "101", Params: map[string]string{"NAME": "Pam", "AGE": "1"},
		},
		{StepName: "bye", Workspace: "/out/bye", State: scheduler.StateFailed},
	}
	require.NoError(t, Write(path, rows))

	got, err := Read(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, scheduler.StateFinished, got["hello"].State)
	require.Equal(t, scheduler.StateFailed, got["bye"].State)
}

func TestParamsFieldSortedSemicolonJoined(t *testing.T) {
	got := paramsField(map[string]string{"B": "2", "A": "1"})
	require.Equal(t, "A:1;B:2", got)
}

func TestReadMissingFileReturnsEmpty(t *testing.T) {
	got, err := Read(filepath.Join(t.TempDir(), "missing.csv"))
	require.NoError(t, err)
	require.Empty(t, got)
}
