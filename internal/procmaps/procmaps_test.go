package procmaps

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloomberg/pystacktrace/internal/memview"
)

const sampleMaps = `00400000-00401000 r-xp 00000000 08:01 123456                           /usr/bin/python3.10
00600000-00601000 rw-p 00000000 08:01 123456                           /usr/bin/python3.10
00700000-00900000 rw-p 00000000 00:00 0                                [heap]
7f0000000000-7f0000200000 r-xp 00000000 08:01 654321                   /usr/lib/x86_64-linux-gnu/libpython3.10.so.1.0
7fff00000000-7fff00021000 rw-p 00000000 00:00 0                        [stack]
`

func TestParseMapsReader(t *testing.T) {
	maps, err := parseMapsReader(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	require.Len(t, maps, 5)

	assert.Equal(t, memview.Addr(0x400000), maps[0].Low)
	assert.Equal(t, memview.Addr(0x401000), maps[0].High)
	assert.Equal(t, memview.Read|memview.Exec, maps[0].Perm)
	assert.Equal(t, "/usr/bin/python3.10", maps[0].Path)

	assert.Equal(t, "[heap]", maps[2].Path)
	assert.Equal(t, memview.Read|memview.Write, maps[2].Perm)
}

func TestIsLibpython(t *testing.T) {
	assert.True(t, isLibpython("/usr/lib/x86_64-linux-gnu/libpython3.10.so.1.0"))
	assert.False(t, isLibpython("/usr/bin/python3.10"))
}

func TestResolveBuildsMapInfoAndDetectsBss(t *testing.T) {
	maps, err := parseMapsReader(strings.NewReader(sampleMaps))
	require.NoError(t, err)

	elfBss := func(path string) (uint64, uint64, bool) {
		// Resolve prefers libpython's .bss over the main binary's when both
		// are mapped, so the stub must answer for the libpython path.
		if strings.Contains(path, "libpython") {
			return 0x600000, 0x100, true
		}
		return 0, 0, false
	}
	loadBias := func(path string) (uint64, bool) { return 0, true }

	info, err := Resolve(maps, "/usr/bin/python3.10", elfBss, loadBias)
	require.NoError(t, err)

	require.NotNil(t, info.MainBinary)
	assert.Equal(t, "/usr/bin/python3.10", info.MainBinary.Path)
	require.NotNil(t, info.Libpython)
	assert.Contains(t, info.Libpython.Path, "libpython3.10")
	require.NotNil(t, info.Heap)
	require.NotNil(t, info.Bss)
	assert.Equal(t, memview.Addr(0x600000), info.Bss.Low)
}

func TestResolveRejectsMultipleLibpython(t *testing.T) {
	multi := sampleMaps + "7f1000000000-7f1000200000 r-xp 00000000 08:01 999999                   /opt/libpython3.11.so.1.0\n"
	maps, err := parseMapsReader(strings.NewReader(multi))
	require.NoError(t, err)

	_, err = Resolve(maps, "/usr/bin/python3.10", func(string) (uint64, uint64, bool) { return 0, 0, false }, func(string) (uint64, bool) { return 0, true })
	require.Error(t, err)
}

func TestParseNTFileRoundTrips(t *testing.T) {
	// count=1, page_size=1, then (start,end,off), then NUL-terminated path.
	desc := append([]byte{}, leBytes(1)...)
	desc = append(desc, leBytes(1)...)
	desc = append(desc, leBytes(0x1000)...)
	desc = append(desc, leBytes(0x2000)...)
	desc = append(desc, leBytes(0)...)
	desc = append(desc, []byte("/usr/bin/python3.10\x00")...)

	entries, err := ParseNTFile(desc, 8)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, memview.Addr(0x1000), entries[0].Low)
	assert.Equal(t, memview.Addr(0x2000), entries[0].High)
	assert.Equal(t, "/usr/bin/python3.10", entries[0].Path)
}

func TestParseNTFileRejectsImpossibleCountWithoutAllocating(t *testing.T) {
	// count claims far more entries than could possibly fit in desc's
	// remaining bytes; ParseNTFile must reject this before sizing any
	// allocation off of it.
	desc := append([]byte{}, leBytes(1<<40)...)
	desc = append(desc, leBytes(1)...)

	_, err := ParseNTFile(desc, 8)
	require.Error(t, err)
}

func leBytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
