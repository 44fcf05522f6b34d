// Package profileexport serializes the Native Unwinder's per-thread output
// into a pprof profile.proto file, a genuine addition enabled by having
// github.com/google/pprof in the retrieval pack (SPEC_FULL.md §11/§12):
// the original bloomberg/pystack has no equivalent, but loading a
// multi-thread native snapshot into `go tool pprof` or a flamegraph viewer
// is a natural extra consumer of the frames the engine already produced
// for the text formatter. Grounded on dispatchrun-wzprof's use of
// google/pprof/profile to build a Profile from resolved (address, symbol,
// file, line) samples.
package profileexport

import (
	"os"

	"github.com/google/pprof/profile"

	"github.com/bloomberg/pystacktrace/internal/pyerr"
	"github.com/bloomberg/pystacktrace/pkg/pystacktrace"
)

// Write builds one pprof sample per thread, whose location stack is that
// thread's unwound native frames (innermost first, matching pprof's own
// leaf-first Sample.Location convention), and writes the gzip-compressed
// profile to path.
func Write(path string, snapshots []*pystacktrace.PyThreadSnapshot) error {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "thread", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "native_stack", Unit: "snapshot"},
		Period:     1,
	}

	funcs := map[string]*profile.Function{}
	mappings := map[string]*profile.Mapping{}
	var nextFuncID, nextLocID, nextMappingID uint64

	mappingFor := func(lib string) *profile.Mapping {
		if m, ok := mappings[lib]; ok {
			return m
		}
		nextMappingID++
		m := &profile.Mapping{ID: nextMappingID, File: lib}
		mappings[lib] = m
		prof.Mapping = append(prof.Mapping, m)
		return m
	}
	funcFor := func(symbol, file string) *profile.Function {
		key := symbol + "\x00" + file
		if f, ok := funcs[key]; ok {
			return f
		}
		nextFuncID++
		f := &profile.Function{ID: nextFuncID, Name: symbol, SystemName: symbol, Filename: file}
		funcs[key] = f
		prof.Function = append(prof.Function, f)
		return f
	}

	for _, snap := range snapshots {
		if len(snap.NativeFrames) == 0 {
			continue
		}
		var locs []*profile.Location
		for _, nf := range snap.NativeFrames {
			nextLocID++
			loc := &profile.Location{
				ID:      nextLocID,
				Address: uint64(nf.Address),
				Mapping: mappingFor(nf.Library),
				Line: []profile.Line{{
					Function: funcFor(nf.Symbol, nf.Path),
					Line:     int64(nf.Line),
				}},
			}
			prof.Location = append(prof.Location, loc)
			locs = append(locs, loc)
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: locs,
			Value:    []int64{1},
			Label:    map[string][]string{"thread": {snap.Name}},
			NumLabel: map[string][]int64{"tid": {int64(snap.Tid)}},
		})
	}

	f, err := os.Create(path)
	if err != nil {
		return pyerr.Wrap(pyerr.EngineError, err, "creating native profile output")
	}
	defer f.Close()
	if err := prof.Write(f); err != nil {
		return pyerr.Wrap(pyerr.EngineError, err, "writing native profile")
	}
	return nil
}
