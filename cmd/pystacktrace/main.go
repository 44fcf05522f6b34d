// Command pystacktrace is the CLI collaborator (spec §6.1): command-line
// parsing, colored output, and process-attach are out of the engine's core
// scope, but a runnable tool needs all three, so they live here instead of
// in pkg/pystacktrace. Grounded on golang.org/x/debug/cmd/viewcore's
// command-dispatch shape, rebuilt on github.com/spf13/cobra for the
// remote/core subcommand split.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bloomberg/pystacktrace/internal/diag"
	"github.com/bloomberg/pystacktrace/internal/pyerr"
)

var (
	flagNoColor    bool
	flagVerbosity  int
	flagNoBlock    bool
	flagNative     string
	flagLocals     bool
	flagExhaustive bool
	flagSelf       bool
	flagLibSearchPath []string
	flagLibSearchRoot string
	flagNativeProfile string
)

func main() {
	root := &cobra.Command{
		Use:   "pystacktrace",
		Short: "Extract Python call stacks from a live process or core dump without executing code in the target",
	}
	root.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "disable colored output")
	root.PersistentFlags().CountVarP(&flagVerbosity, "verbose", "v", "increase log verbosity (-v, -vv)")

	root.AddCommand(remoteCmd(), coreCmd())

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	if pe, ok := err.(*pyerr.Error); ok {
		return pe.Kind.ExitCode()
	}
	return 1
}

func newLogger() diag.Logger {
	return diag.New(os.Stderr, flagVerbosity)
}

func reportFatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	if pe, ok := err.(*pyerr.Error); ok && pe.Help != "" {
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, pe.Help)
	}
	os.Exit(exitCodeFor(err))
}
