// Package pyerr defines the error kinds (not types) produced by the
// introspection engine, mirroring the exception hierarchy of bloomberg/pystack's
// errors.py while following golang.org/x/debug's convention of a small
// struct implementing error rather than a family of named Go types.
package pyerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Callers compare with Is, not type assertion.
type Kind int

const (
	_ Kind = iota
	// ProcessNotFound means no such target pid exists.
	ProcessNotFound
	// EngineError covers ptrace/attach denial, corrupted cores, unreadable
	// segments — anything structural that isn't more specifically classified.
	EngineError
	// InvalidPythonProcess means an interpreter was located but could not be
	// read, or its version could not be determined.
	InvalidPythonProcess
	// NotEnoughInformation means a single Runtime Locator method failed to
	// find the runtime; recoverable by trying the next method.
	NotEnoughInformation
	// MissingExecutableMaps means no executable region matches the provided
	// binary path.
	MissingExecutableMaps
	// MultipleLibpython means more than one libpython is mapped.
	MultipleLibpython
	// InvalidExecutable means the supplied path is not a valid ELF image.
	InvalidExecutable
	// DetectedExecutableNotFound means the main binary path the engine
	// resolved from the target no longer exists on disk.
	DetectedExecutableNotFound
	// MemoryReadError is local to a single read of the target.
	MemoryReadError
)

func (k Kind) String() string {
	switch k {
	case ProcessNotFound:
		return "ProcessNotFound"
	case EngineError:
		return "EngineError"
	case InvalidPythonProcess:
		return "InvalidPythonProcess"
	case NotEnoughInformation:
		return "NotEnoughInformation"
	case MissingExecutableMaps:
		return "MissingExecutableMaps"
	case MultipleLibpython:
		return "MultipleLibpython"
	case InvalidExecutable:
		return "InvalidExecutable"
	case DetectedExecutableNotFound:
		return "DetectedExecutableNotFound"
	case MemoryReadError:
		return "MemoryReadError"
	default:
		return "Unknown"
	}
}

// ExitCode returns the process exit code associated with this error kind,
// per the CLI's §6.1 contract: 0 success, 1 generic engine error, 2 invalid
// Python process.
func (k Kind) ExitCode() int {
	if k == InvalidPythonProcess {
		return 2
	}
	return 1
}

// Error is the concrete error value carried through the engine. Help, when
// non-empty, is operator-facing guidance lifted in meaning from pystack's
// errors.py HELP_TEXT constants.
type Error struct {
	Kind  Kind
	Msg   string
	Help  string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err carries the given Kind, following errors.Is
// semantics without requiring callers to import this package's struct shape.
func Is(err error, kind Kind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe != nil && pe.Kind == kind
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// WithHelp attaches operator-facing guidance text, used for the
// configuration-mismatch kinds that spec.md §7 calls "fatal with a hint".
func (e *Error) WithHelp(help string) *Error {
	e.Help = help
	return e
}

// Help text constants carried in meaning from pystack's errors.py, used by
// the CLI collaborator when printing a fatal error to the operator.
const (
	DetectedExecutableNotFoundHelp = "pystacktrace detected that the process was running " +
		"the executable at the path below, but that file could not be found or is not " +
		"accessible. If the process is running inside a container or a chroot, you may need " +
		"to run pystacktrace from the same mount namespace."
	NotEnoughInformationHelp = "pystacktrace could not locate the Python interpreter state " +
		"using any of the available strategies. This can happen if the process is not " +
		"actually running CPython, if the binary is heavily stripped, or if the process " +
		"was captured mid-startup before the interpreter was initialized."
	InvalidExecutableHelp = "The file given as the executable does not look like a valid ELF " +
		"binary."
	MissingExecutableMapsHelp = "No memory mapping in the target corresponds to the given " +
		"executable path. Check that the path matches what the target process actually has " +
		"mapped (for example, resolve symlinks or bind mounts)."
)
