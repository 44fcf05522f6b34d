package main

import (
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bloomberg/pystacktrace/cmd/pystacktrace/internal/prettyprint"
	"github.com/bloomberg/pystacktrace/internal/pyerr"
	"github.com/bloomberg/pystacktrace/pkg/pystacktrace"
)

func remoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote <pid>",
		Short: "Attach to a live process and print its Python call stacks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := resolvePid(args)
			if err != nil {
				return err
			}
			opts := pystacktrace.Options{
				Native:     nativeModeFromFlag(flagNative),
				WithLocals: flagLocals,
				Blocking:   !flagNoBlock,
				Exhaustive: flagExhaustive,
				Logger:     newLogger(),
			}
			target, err := pystacktrace.OpenRemote(pid, opts)
			if err != nil {
				reportFatal(err)
			}
			defer target.Close()

			snapshots, err := target.Engine()
			if err != nil {
				reportFatal(err)
			}
			printer := prettyprint.New(os.Stdout, !flagNoColor)
			for _, s := range snapshots {
				printer.PrintThread(s, opts.Native)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&flagNoBlock, "no-block", false, "read without stopping the target (races with it)")
	cmd.Flags().StringVar(&flagNative, "native", "", "interleave native C frames: \"\", all, or last")
	cmd.Flags().BoolVar(&flagLocals, "locals", false, "render local variables and arguments")
	cmd.Flags().BoolVar(&flagExhaustive, "exhaustive", false, "run every runtime-locator strategy, not just the first that succeeds")
	cmd.Flags().BoolVar(&flagSelf, "self", false, "attach to the process owning this terminal's foreground process group")
	return cmd
}

func resolvePid(args []string) (int, error) {
	if flagSelf {
		return selfTargetPid()
	}
	if len(args) == 0 {
		return 0, pyerr.New(pyerr.EngineError, "pid argument required unless --self is given")
	}
	return strconv.Atoi(args[0])
}

// selfTargetPid implements SPEC_FULL.md §12's --self mode: resolve the pid
// of the process owning this invocation's controlling terminal, excluding
// pystacktrace's own pid.
func selfTargetPid() (int, error) {
	tty, err := os.Open("/dev/tty")
	if err != nil {
		return 0, pyerr.Wrap(pyerr.EngineError, err, "no controlling terminal for --self")
	}
	defer tty.Close()
	pgrp, err := foregroundProcessGroup(tty)
	if err != nil {
		return 0, pyerr.Wrap(pyerr.EngineError, err, "resolving foreground process group")
	}
	self := os.Getpid()
	candidates, err := processesInGroup(pgrp)
	if err != nil {
		return 0, err
	}
	for _, pid := range candidates {
		if pid != self {
			return pid, nil
		}
	}
	return 0, pyerr.New(pyerr.EngineError, "no process found for --self (only pystacktrace itself is in its foreground group)")
}

func nativeModeFromFlag(v string) pystacktrace.NativeMode {
	switch v {
	case "all":
		return pystacktrace.NativeAll
	case "last":
		return pystacktrace.NativeLast
	case "":
		return pystacktrace.NativeNone
	default:
		return pystacktrace.NativeAll
	}
}
