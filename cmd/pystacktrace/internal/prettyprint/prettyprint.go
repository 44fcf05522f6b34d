// Package prettyprint is the human-readable pretty printer and colored
// terminal output collaborator named as out-of-scope in spec.md §1/§6.5
// ("Pretty-printing is a collaborator"); a runnable CLI needs one, so it
// lives under cmd/, never imported by pkg/pystacktrace. Grounded on
// bloomberg/pystack's traceback_formatter.py (section layout, Arguments:/
// Locals: headers) and colors.py (status-token colorization), rebuilt on
// github.com/fatih/color the way dd-test-dryrun-datadog-agent uses it for
// terminal output.
package prettyprint

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/bloomberg/pystacktrace/internal/correlate"
	"github.com/bloomberg/pystacktrace/pkg/pystacktrace"
)

// Printer renders PyThreadSnapshots to w, honoring the --no-color contract.
type Printer struct {
	w        io.Writer
	colorize bool
}

func New(w io.Writer, colorize bool) *Printer {
	return &Printer{w: w, colorize: colorize}
}

func (p *Printer) c(attr color.Attribute) *color.Color {
	cc := color.New(attr)
	cc.EnableColor()
	if !p.colorize {
		cc.DisableColor()
	}
	return cc
}

// PrintThread renders one thread's header line and frame list, interleaving
// native frames via internal/correlate when mode != NativeNone. NativeLast
// defers every OTHER-classified native frame to the tail of the merged list.
func (p *Printer) PrintThread(s *pystacktrace.PyThreadSnapshot, mode pystacktrace.NativeMode) {
	header := p.c(color.FgCyan)
	name := s.Name
	if name == "" {
		name = "<unknown>"
	}
	tag := ""
	if s.IsMainInterp && s.InterpreterID == 0 {
		tag = " (main)"
	}
	header.Fprintf(p.w, "Thread %d [%s]%s", s.Tid, name, tag)
	fmt.Fprint(p.w, " ")
	p.printStatus(s)
	fmt.Fprintln(p.w)

	if mode != pystacktrace.NativeNone && len(s.NativeFrames) > 0 {
		p.printMerged(s, mode == pystacktrace.NativeLast)
		return
	}
	p.printPythonOnly(s)
}

// printStatus colorizes each status token the way colors.py assigns a
// distinct color per PyThread.status token (SUPPLEMENTED FEATURES §12).
func (p *Printer) printStatus(s *pystacktrace.PyThreadSnapshot) {
	if s.Tid == 0 {
		p.c(color.FgRed).Fprint(p.w, "[Thread terminated]")
		return
	}
	switch s.GilStatus() {
	case "Has the GIL":
		p.c(color.FgGreen).Fprint(p.w, "[Has the GIL]")
	case "Waiting for the GIL":
		p.c(color.FgYellow).Fprint(p.w, "[Waiting for the GIL]")
	case "Dropping the GIL":
		p.c(color.FgYellow).Fprint(p.w, "[Dropping the GIL]")
	}
	if gc := s.GCStatus(); gc != "" {
		fmt.Fprint(p.w, " ")
		p.c(color.FgMagenta).Fprint(p.w, "["+gc+"]")
	}
}

func (p *Printer) printPythonOnly(s *pystacktrace.PyThreadSnapshot) {
	for _, f := range s.Frames() {
		p.printPyFrame(f)
	}
}

func (p *Printer) printMerged(s *pystacktrace.PyThreadSnapshot, deferOther bool) {
	lines := correlate.Merge(s, deferOther)
	for _, ln := range lines {
		switch {
		case ln.Diagnostic != "":
			p.c(color.FgRed).Fprintf(p.w, "  <%s>\n", ln.Diagnostic)
		case ln.PyFrame != nil:
			p.printPyFrame(ln.PyFrame)
		case ln.NativeFrame != nil:
			nf := ln.NativeFrame
			p.c(color.FgWhite).Fprintf(p.w, "    %s (%s:%d) [%s]\n",
				nf.Symbol, nf.Path, nf.Line, nf.Library)
		}
	}
}

func (p *Printer) printPyFrame(f *pystacktrace.PyFrame) {
	loc := f.Code.Location
	posSuffix := ""
	if loc.StartLine != 0 {
		posSuffix = fmt.Sprintf(":%d", loc.StartLine)
		if loc.StartCol != 0 || loc.EndCol != 0 {
			posSuffix += fmt.Sprintf(":%d-%d", loc.StartCol, loc.EndCol)
		}
	}
	p.c(color.FgYellow).Fprintf(p.w, "  File \"%s\"%s, in %s\n", f.Code.Filename, posSuffix, f.Code.Qualname)

	// pystack's traceback_formatter.py skips the section header entirely
	// when empty, rather than printing "Arguments:" / "Locals:" with
	// nothing under it (SUPPLEMENTED FEATURES §12).
	if len(f.Arguments) > 0 {
		fmt.Fprintln(p.w, "    Arguments:")
		for _, a := range f.Arguments {
			fmt.Fprintf(p.w, "      %s: %s\n", a.Name, a.Value)
		}
	}
	if len(f.Locals) > 0 {
		fmt.Fprintln(p.w, "    Locals:")
		for _, l := range f.Locals {
			fmt.Fprintf(p.w, "      %s: %s\n", l.Name, l.Value)
		}
	}
}
