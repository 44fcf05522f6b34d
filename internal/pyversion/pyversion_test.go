package pyversion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloomberg/pystacktrace/internal/diag"
)

func TestScanBSSFindsVersionBanner(t *testing.T) {
	bss := []byte("garbage\x00\x003.10.4 (main, Mar 25 2022, 14:10:23) \x00[GCC 11.2.0]\x00more")
	v, ok := ScanBSS(bss)
	require.True(t, ok)
	assert.Equal(t, Version{3, 10}, v)
}

func TestScanBSSNoMatch(t *testing.T) {
	_, ok := ScanBSS([]byte("nothing interesting here"))
	assert.False(t, ok)
}

func TestDetectFallsBackToLibpythonPath(t *testing.T) {
	v, err := Detect(nil, "/usr/bin/python3", "/usr/lib/libpython3.11.so.1.0", false, diag.Discard())
	require.NoError(t, err)
	assert.Equal(t, Version{3, 11}, v)
}

func TestDetectFallsBackToMainBinaryPath(t *testing.T) {
	v, err := Detect(nil, "/usr/bin/python3.9", "", false, diag.Discard())
	require.NoError(t, err)
	assert.Equal(t, Version{3, 9}, v)
}

func TestDetectFailsWithoutSubprocessOrPath(t *testing.T) {
	_, err := Detect(nil, "/usr/bin/myapp", "", false, diag.Discard())
	require.Error(t, err)
}

func TestIsELF(t *testing.T) {
	assert.True(t, IsELF([]byte{0x7f, 'E', 'L', 'F'}))
	assert.False(t, IsELF([]byte("#!/bin")))
	assert.False(t, IsELF([]byte{0x7f}))
}
