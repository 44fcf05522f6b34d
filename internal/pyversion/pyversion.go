// Package pyversion is the Version Detector: determines the target
// CPython major/minor version by scanning .bss for the version banner,
// then by filename heuristics, then by running the executable with
// --version. Grounded directly on bloomberg/pystack's src/pystack/process.py
// (the Go runtime the teacher targets has no analogue of this component —
// DWARF already carries the compiler version unambiguously), restated in
// the teacher's fallback-chaining idiom (internal/gocore's ordered init
// steps, internal/runtimeloc's Method chain).
package pyversion

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/bloomberg/pystacktrace/internal/diag"
	"github.com/bloomberg/pystacktrace/internal/memview"
	"github.com/bloomberg/pystacktrace/internal/procmaps"
	"github.com/bloomberg/pystacktrace/internal/pyerr"
)

// Version is a detected (major, minor) pair.
type Version struct {
	Major, Minor int
}

var (
	versionRE    = regexp.MustCompile(`(?i)Python (\d+)\.(\d+).*`)
	binaryRE     = regexp.MustCompile(`(?i)python(\d+)\.(\d+).*`)
	libpythonRE  = regexp.MustCompile(`(?i).*libpython(\d+)\.(\d+).*`)
	bssVersionRE = regexp.MustCompile(`((2|3)\.(\d+)\.(\d{1,2}))((a|b|c|rc)\d{1,2})?\+? \(.{1,64}\)`)
)

// subprocessTimeout is the default 5s bound on the --version fallback (§5).
const subprocessTimeout = 5 * time.Second

// ScanBSS implements the first strategy: search raw .bss bytes for the
// version banner CPython embeds at build time.
func ScanBSS(bss []byte) (Version, bool) {
	m := bssVersionRE.FindSubmatch(bss)
	if m == nil {
		return Version{}, false
	}
	major, _ := strconv.Atoi(string(m[2]))
	minor, _ := strconv.Atoi(string(m[3]))
	return Version{major, minor}, true
}

// Detect runs the full strategy chain (spec §4.5). bssBytes may be nil when
// no .bss region was resolved. mainPath is the engine's resolved main
// executable; libpythonPath is empty when statically linked.
func Detect(bssBytes []byte, mainPath, libpythonPath string, allowSubprocess bool, log diag.Logger) (Version, error) {
	if bssBytes != nil {
		if v, ok := ScanBSS(bssBytes); ok {
			log.Info("python version found by scanning bss", "version", v)
			return v, nil
		}
	}
	if libpythonPath != "" {
		if m := libpythonRE.FindStringSubmatch(filepath.Base(libpythonPath)); m != nil {
			return versionFromMatch(m), nil
		}
	} else if m := binaryRE.FindStringSubmatch(filepath.Base(mainPath)); m != nil {
		return versionFromMatch(m), nil
	}

	if !allowSubprocess {
		return Version{}, pyerr.Newf(pyerr.InvalidPythonProcess, "could not determine python version from %s", mainPath)
	}
	log.Info("could not find version from filename, running --version", "path", mainPath)
	ctx, cancel := context.WithTimeout(context.Background(), subprocessTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, mainPath, "--version").CombinedOutput()
	if err != nil {
		return Version{}, pyerr.Wrap(pyerr.InvalidPythonProcess, err,
			"could not determine python version: --version fallback failed")
	}
	m := versionRE.FindSubmatch(out)
	if m == nil {
		return Version{}, pyerr.Newf(pyerr.InvalidPythonProcess, "could not determine python version from %s", mainPath)
	}
	major, _ := strconv.Atoi(string(m[1]))
	minor, _ := strconv.Atoi(string(m[2]))
	return Version{major, minor}, nil
}

func versionFromMatch(m []string) Version {
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	return Version{major, minor}
}

// IsELF reports whether header begins with the ELF magic, pystack's
// is_elf pre-check (SPEC_FULL.md §12), used to fail fast with
// InvalidExecutable rather than a confusing DWARF-parse error.
func IsELF(header []byte) bool {
	return len(header) >= 4 && bytes.Equal(header[:4], []byte{0x7f, 'E', 'L', 'F'})
}

// ReadBSS reads the bytes of the resolved .bss region through the Memory
// Reader, for use as ScanBSS's input.
func ReadBSS(r memview.Reader, bss *procmaps.VirtualMap) ([]byte, error) {
	if bss == nil {
		return nil, nil
	}
	return memview.ReadBytes(r, bss.Low, int(bss.High-bss.Low))
}
