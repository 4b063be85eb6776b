package study

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsFunnelDependency(t *testing.T) {
	base, isFunnel := IsFunnelDependency("preprocess.*")
	require.True(t, isFunnel)
	require.Equal(t, "preprocess", base)

	base, isFunnel = IsFunnelDependency("preprocess")
	require.False(t, isFunnel)
	require.Equal(t, "preprocess", base)
}

func TestParseWalltimeBareSeconds(t *testing.T) {
	secs, err := ParseWalltime("90")
	require.NoError(t, err)
	require.Equal(t, 90, secs)
}

func TestParseWalltimeHMS(t *testing.T) {
	secs, err := ParseWalltime("01:02:03")
	require.NoError(t, err)
	require.Equal(t, 3723, secs)
}

func TestParseWalltimeEmptyIsZero(t *testing.T) {
	secs, err := ParseWalltime("")
	require.NoError(t, err)
	require.Equal(t, 0, secs)
}

func TestParseWalltimeRejectsGarbage(t *testing.T) {
	_, err := ParseWalltime("not-a-time")
	require.Error(t, err)

	_, err = ParseWalltime("1:2")
	require.Error(t, err)

	_, err = ParseWalltime("1:2:x")
	require.Error(t, err)
}

func TestCloneDeepCopiesDepends(t *testing.T) {
	s := &Step{
		Name: "run",
		Run: Run{
			Cmd:     "echo $(X)",
			Depends: []string{"prep"},
		},
	}
	clone := s.Clone()
	clone.Run.Depends[0] = "mutated"
	clone.Run.Cmd = "echo changed"

	require.Equal(t, "prep", s.Run.Depends[0])
	require.Equal(t, "echo $(X)", s.Run.Cmd)
}

func TestCommandFieldsShape(t *testing.T) {
	s := &Step{
		Run: Run{
			Cmd:     "echo $(X)",
			Restart: "echo restart $(X)",
			Depends: []string{"prep.*"},
		},
	}
	fields := s.CommandFields()
	require.Equal(t, []any{"echo $(X)", "echo restart $(X)", []string{"prep.*"}}, fields)
}
