package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/bloomberg/pystacktrace/internal/pyerr"
)

// foregroundProcessGroup returns the pgid of the foreground process group
// of the terminal referenced by tty, implementing SPEC_FULL.md §12's --self
// mode (bloomberg/pystack's __main__.py uses os.tcgetpgrp against its own
// controlling terminal).
func foregroundProcessGroup(tty *os.File) (int, error) {
	pgid, err := unix.IoctlGetInt(int(tty.Fd()), unix.TIOCGPGRP)
	if err != nil {
		return 0, err
	}
	return pgid, nil
}

// processesInGroup lists every pid in process group pgrp by scanning
// /proc, the only portable way to enumerate a pgrp on Linux (there is no
// getpgrp-equivalent "list members" syscall).
func processesInGroup(pgrp int) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, pyerr.Wrap(pyerr.EngineError, err, "reading /proc")
	}
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		statPath := fmt.Sprintf("/proc/%d/stat", pid)
		data, err := os.ReadFile(statPath)
		if err != nil {
			continue
		}
		// Field 5 (1-indexed) is pgrp; the comm field (2) may itself contain
		// spaces/parens, so split after the last ')' rather than by field index.
		close := strings.LastIndexByte(string(data), ')')
		if close < 0 {
			continue
		}
		fields := strings.Fields(string(data[close+1:]))
		if len(fields) < 3 {
			continue
		}
		if pg, err := strconv.Atoi(fields[2]); err == nil && pg == pgrp {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}
