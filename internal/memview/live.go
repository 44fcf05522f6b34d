package memview

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/bloomberg/pystacktrace/internal/pyerr"
)

// LiveBackend implements Reader over a running process, grounded on
// golang.org/x/debug/program/server's ptrace.go: all ptrace calls for one
// tracee must issue from the same OS thread, so every ptrace operation is
// funneled through a dedicated goroutine with its OS thread locked, exactly
// as the teacher's ptraceRun does with its fc/ec channel pair.
type LiveBackend struct {
	pid  int
	mem  *os.File // /proc/<pid>/mem, opened once, positioned reads per call
	fc   chan func() error
	ec   chan error
	tids []int
}

// OpenLive opens /proc/<pid>/mem for reads without requiring attachment;
// non-blocking mode (§5) reads this way, racing the target.
func OpenLive(pid int) (*LiveBackend, error) {
	mem, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pyerr.Wrap(pyerr.ProcessNotFound, err, fmt.Sprintf("no such process %d", pid))
		}
		return nil, pyerr.Wrap(pyerr.EngineError, err, fmt.Sprintf("opening /proc/%d/mem", pid))
	}
	return &LiveBackend{pid: pid, mem: mem}, nil
}

func (lb *LiveBackend) ByteOrder() binary.ByteOrder { return binary.LittleEndian }
func (lb *LiveBackend) PtrSize() int                { return 8 }

// ReadAt reads via process_vm_readv first (one syscall, no attach required),
// falling back to a positioned pread on /proc/<pid>/mem, matching §4.1's
// backend contract.
func (lb *LiveBackend) ReadAt(buf []byte, addr Addr) (int, error) {
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
	n, err := unix.ProcessVMReadv(lb.pid, local, remote, 0)
	if err == nil && n == len(buf) {
		return n, nil
	}
	got, err2 := lb.mem.ReadAt(buf, int64(addr))
	if got == len(buf) {
		return got, nil
	}
	if got > 0 {
		return got, nil
	}
	return 0, &pyerr.Error{Kind: pyerr.MemoryReadError,
		Msg: fmt.Sprintf("reading pid %d at %s", lb.pid, addr), Cause: err2}
}

// Close releases the /proc/<pid>/mem descriptor and stops the ptrace
// goroutine if one was started, matching §5's "every attach is paired with
// a detach on all exit paths" discipline.
func (lb *LiveBackend) Close() error {
	if lb.fc != nil {
		close(lb.fc)
	}
	return lb.mem.Close()
}

// Attach stops every thread in the tracee's thread group via PTRACE_ATTACH,
// entering blocking mode (§5): a second concurrent attach on the same
// target must fail with EngineError("Operation not permitted"), which the
// kernel itself enforces (a thread already traced returns EPERM).
func (lb *LiveBackend) Attach() error {
	tids, err := listTasks(lb.pid)
	if err != nil {
		return pyerr.Wrap(pyerr.EngineError, err, "listing threads")
	}
	lb.fc = make(chan func() error)
	lb.ec = make(chan error)
	go lb.run()

	for _, tid := range tids {
		tid := tid
		if err := lb.call(func() error { return unix.PtraceAttach(tid) }); err != nil {
			lb.Detach()
			return pyerr.Wrap(pyerr.EngineError, err, fmt.Sprintf("attaching to thread %d", tid))
		}
		var ws unix.WaitStatus
		if err := lb.call(func() error {
			_, e := unix.Wait4(tid, &ws, 0, nil)
			return e
		}); err != nil {
			lb.Detach()
			return pyerr.Wrap(pyerr.EngineError, err, fmt.Sprintf("waiting for thread %d to stop", tid))
		}
		lb.tids = append(lb.tids, tid)
	}
	return nil
}

// Detach resumes every attached thread. Safe to call multiple times.
func (lb *LiveBackend) Detach() error {
	var firstErr error
	for _, tid := range lb.tids {
		tid := tid
		if err := lb.call(func() error { return unix.PtraceDetach(tid) }); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	lb.tids = nil
	return firstErr
}

// Tids returns the OS thread ids attached during Attach, in PTRACE_ATTACH order.
func (lb *LiveBackend) Tids() []int { return lb.tids }

// Regs reads the general-purpose register set of tid via PTRACE_GETREGSET,
// grounded on ptrace.go's ptraceGetRegs.
func (lb *LiveBackend) Regs(tid int) (unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	err := lb.call(func() error { return unix.PtraceGetRegs(tid, &regs) })
	return regs, err
}

func (lb *LiveBackend) call(fn func() error) error {
	lb.fc <- fn
	return <-lb.ec
}

func (lb *LiveBackend) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for fn := range lb.fc {
		lb.ec <- fn()
	}
}

func listTasks(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, err
	}
	var tids []int
	for _, e := range entries {
		var tid int
		if _, err := fmt.Sscanf(e.Name(), "%d", &tid); err == nil {
			tids = append(tids, tid)
		}
	}
	return tids, nil
}

// ThreadComm reads /proc/<pid>/task/<tid>/comm, the thread name the
// Structure Walker attaches to a PyThreadSnapshot (§4.7). Per pystack's
// process.py, a failure here is non-fatal: it degrades to an empty name
// (see SPEC_FULL.md §12).
func ThreadComm(pid, tid int) string {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/task/%d/comm", pid, tid))
	if err != nil {
		return ""
	}
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}
