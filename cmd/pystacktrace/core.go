package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"

	"github.com/bloomberg/pystacktrace/cmd/pystacktrace/internal/prettyprint"
	"github.com/bloomberg/pystacktrace/cmd/pystacktrace/internal/profileexport"
	"github.com/bloomberg/pystacktrace/internal/pyerr"
	"github.com/bloomberg/pystacktrace/pkg/pystacktrace"
)

func coreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "core <corefile> [executable]",
		Short: "Print Python call stacks recovered from a core dump",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			corePath, err := decompressIfGzip(args[0])
			if err != nil {
				reportFatal(err)
			}
			execPath := ""
			if len(args) == 2 {
				execPath = args[1]
			}
			searchPath, err := expandLibSearch(flagLibSearchPath, flagLibSearchRoot)
			if err != nil {
				reportFatal(err)
			}
			opts := pystacktrace.Options{
				Native:        nativeModeFromFlag(flagNative),
				WithLocals:    flagLocals,
				Blocking:      true, // a core file is already a consistent snapshot
				Exhaustive:    flagExhaustive,
				LibSearchPath: searchPath,
				Logger:        newLogger(),
			}
			target, err := pystacktrace.OpenCore(corePath, execPath, opts)
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
			if flagNativeProfile != "" {
				if err := profileexport.Write(flagNativeProfile, snapshots); err != nil {
					reportFatal(err)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&flagNoBlock, "no-block", false, "unused for core files; accepted for flag-surface parity with remote")
	cmd.Flags().StringVar(&flagNative, "native", "", "interleave native C frames: \"\", all, or last")
	cmd.Flags().BoolVar(&flagLocals, "locals", false, "render local variables and arguments")
	cmd.Flags().BoolVar(&flagExhaustive, "exhaustive", false, "run every runtime-locator strategy, not just the first that succeeds")
	cmd.Flags().StringSliceVar(&flagLibSearchPath, "lib-search-path", nil, "colon-list of extra directories (supports glob patterns) to resolve mapped libraries from")
	cmd.Flags().StringVar(&flagLibSearchRoot, "lib-search-root", "", "directory tree to recursively search for mapped libraries missing on disk")
	cmd.Flags().StringVar(&flagNativeProfile, "native-profile", "", "also write the unwound native frames of every thread as a pprof profile to this path")
	return cmd
}

// decompressIfGzip implements §6.3's "gzip-wrapped cores are decompressed
// by the CLI collaborator before the engine sees them": sniff the magic
// bytes and, if gzip, inflate to a new file in the system temp directory
// that the engine opens instead of the original.
func decompressIfGzip(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", pyerr.Wrap(pyerr.EngineError, err, "opening core file")
	}
	defer f.Close()
	magic := make([]byte, 2)
	if _, err := io.ReadFull(f, magic); err != nil {
		return path, nil // too short to be gzip; let OpenCore report the real error
	}
	if magic[0] != 0x1f || magic[1] != 0x8b {
		return path, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", pyerr.Wrap(pyerr.EngineError, err, "rewinding core file")
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", pyerr.Wrap(pyerr.EngineError, err, "opening gzip core file")
	}
	defer gz.Close()

	out, err := os.CreateTemp("", "pystacktrace-core-*")
	if err != nil {
		return "", pyerr.Wrap(pyerr.EngineError, err, "creating decompression scratch file")
	}
	defer out.Close()
	if _, err := io.Copy(out, gz); err != nil {
		return "", pyerr.Wrap(pyerr.EngineError, err, "decompressing core file")
	}
	return out.Name(), nil
}

// expandLibSearch turns --lib-search-path's colon-list (each entry may be a
// glob, per §6.1) plus --lib-search-root's recursive tree into a flat list
// of candidate directories, using doublestar for ** glob semantics the
// stdlib filepath.Glob doesn't support.
func expandLibSearch(entries []string, root string) ([]string, error) {
	var dirs []string
	for _, e := range entries {
		for _, part := range strings.Split(e, ":") {
			if part == "" {
				continue
			}
			matches, err := doublestar.FilepathGlob(part)
			if err != nil {
				return nil, pyerr.Wrap(pyerr.EngineError, err, "invalid --lib-search-path glob: "+part)
			}
			if len(matches) == 0 {
				dirs = append(dirs, part) // literal directory, not a glob
				continue
			}
			dirs = append(dirs, matches...)
		}
	}
	if root != "" {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil // best-effort: skip unreadable subtrees
			}
			if d.IsDir() {
				dirs = append(dirs, path)
			}
			return nil
		})
		if err != nil {
			return nil, pyerr.Wrap(pyerr.EngineError, err, "walking --lib-search-root")
		}
	}
	return dirs, nil
}
