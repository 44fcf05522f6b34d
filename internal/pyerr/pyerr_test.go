package pyerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{InvalidPythonProcess, 2},
		{EngineError, 1},
		{ProcessNotFound, 1},
		{NotEnoughInformation, 1},
		{MissingExecutableMaps, 1},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, c.kind.ExitCode(), "kind %s", c.kind)
	}
}

func TestIsAndUnwrap(t *testing.T) {
	cause := errors.New("short read")
	err := Wrap(MemoryReadError, cause, "reading frame pointer")
	require.True(t, Is(err, MemoryReadError))
	require.False(t, Is(err, EngineError))
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestWithHelpAttachesText(t *testing.T) {
	err := New(MissingExecutableMaps, "/usr/bin/python3").WithHelp(MissingExecutableMapsHelp)
	assert.Equal(t, MissingExecutableMapsHelp, err.Help)
	assert.Contains(t, err.Error(), "MissingExecutableMaps")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "InvalidPythonProcess", InvalidPythonProcess.String())
	assert.Equal(t, "Unknown", Kind(99).String())
}
