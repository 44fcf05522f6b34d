package cpyoffsets

// Offsets below target the common 64-bit (8-byte pointer, 8-byte Py_ssize_t)
// build. PyObject's head is {ob_refcnt int64@0, ob_type ptr@8} = 16 bytes on
// every supported version; PyVarObject adds ob_size int64@16.

func registerPre311() {
	for _, minor := range []int{6, 7, 8, 9, 10} {
		t := Table{
			UsesPEP523: true,
			structs: map[string]structShape{
				"PyObject":    {size: 16, fields: fields("ob_refcnt", 0, 8, "ob_type", 8, 8)},
				"PyVarObject": {size: 24, fields: fields("ob_refcnt", 0, 8, "ob_type", 8, 8, "ob_size", 16, 8)},

				"PyInterpreterState": {size: 64, fields: fields(
					"next", 0, 8,
					"tstate_head", 8, 8,
					"modules", 16, 8,
					"id", 56, 8,
				)},
				"PyThreadState": {size: 80, fields: fields(
					"prev", 0, 8,
					"next", 8, 8,
					"interp", 16, 8,
					"frame", 24, 8,
					"thread_id", 56, 8,
				)},
				"PyFrameObject": {size: 64, fields: fields(
					"ob_base", 0, 16,
					"f_back", 24, 8,
					"f_code", 32, 8,
					"f_locals", 40, 8,
					"f_lasti", 48, 4,
					"f_lineno", 52, 4,
				)},
				"PyCodeObject": {size: 112, fields: fields(
					"co_argcount", 16, 4,
					"co_kwonlyargcount", 20, 4,
					"co_nlocals", 24, 4,
					"co_stacksize", 28, 4,
					"co_flags", 32, 4,
					"co_firstlineno", 36, 4,
					"co_code", 40, 8,
					"co_consts", 48, 8,
					"co_names", 56, 8,
					"co_varnames", 64, 8,
					"co_filename", 96, 8,
					"co_name", 104, 8,
					"co_lnotab", 88, 8,
				)},
				"PyTypeObject": {size: 400, fields: fields(
					"tp_name", 24, 8,
					"tp_flags", 128, 8,
				)},
				"PyBytesObject": {size: 33, fields: fields("ob_sval", 32, 1)},
				"PyUnicodeObject": {size: 48, fields: fields(
					"length", 16, 8,
					"hash", 24, 8,
					"state", 32, 4,
					"data", 40, 8,
				)},
				"PyLongObject": {size: 24, fields: fields("ob_digit", 24, 4)},
				"PyTupleObject": {size: 24, fields: fields("ob_item", 24, 8)},
				"PyListObject": {size: 40, fields: fields(
					"ob_item", 16, 8,
					"allocated", 32, 8,
				)},
				"PyDictObject": {size: 48, fields: fields(
					"ma_used", 16, 8,
					"ma_keys", 24, 8,
					"ma_values", 32, 8,
				)},
				"PyDictKeysObject": {size: 40, fields: fields(
					"dk_refcnt", 0, 8,
					"dk_size", 8, 8,
					"dk_lookup", 16, 8,
					"dk_usable", 24, 8,
					"dk_nentries", 32, 8,
				)},
			},
		}
		if minor >= 7 {
			t.structs["PyInterpreterState"] = structShape{size: 72, fields: fields(
				"next", 0, 8, "tstate_head", 8, 8, "modules", 16, 8, "id", 64, 8,
			)}
			t.structs["PyThreadState"] = structShape{size: 88, fields: fields(
				"prev", 0, 8, "next", 8, 8, "interp", 16, 8, "frame", 24, 8,
				"thread_id", 56, 8, "gc_collecting", 68, 4,
			)}
		}
		register(3, minor, t)
	}
}

// register311 captures the 3.11 frame refactor: frames move from
// heap-allocated PyFrameObject to _PyInterpreterFrame chained through a
// thread's datastack_chunk, and gain position-info location tables.
func register311() {
	t := Table{
		UsesPEP523:       true,
		HasPositionInfo:  true,
		HasInlinedFrames: true,
		structs: map[string]structShape{
			"PyObject":    {size: 16, fields: fields("ob_refcnt", 0, 8, "ob_type", 8, 8)},
			"PyVarObject": {size: 24, fields: fields("ob_refcnt", 0, 8, "ob_type", 8, 8, "ob_size", 16, 8)},

			"PyInterpreterState": {size: 80, fields: fields(
				"next", 0, 8, "tstate_head", 16, 8, "modules", 24, 8, "id", 72, 8,
			)},
			"PyThreadState": {size: 96, fields: fields(
				"prev", 0, 8, "next", 8, 8, "interp", 16, 8,
				"cframe", 24, 8, // points to the active _PyCFrame, which holds current_frame
				"datastack_chunk", 40, 8,
				"thread_id", 64, 8, "gc_collecting", 76, 4,
			)},
			// The "frame" field on a 3.11 thread is indirect: read cframe,
			// then cframe->current_frame. pywalk knows this and special-cases
			// the HasInlinedFrames family rather than indexing "frame" here.
			"PyCFrame": {size: 16, fields: fields("current_frame", 0, 8)},
			"_PyInterpreterFrame": {size: 72, fields: fields(
				"f_func", 0, 8,
				"f_globals", 8, 8,
				"f_builtins", 16, 8,
				"f_locals", 24, 8,
				"f_code", 32, 8,
				"previous", 40, 8,
				"prev_instr", 48, 8,
				"stacktop", 56, 4,
				"owner", 63, 1, // PFR_OWNED_BY_THREAD=0,GENERATOR=1,FRAME_OBJECT=2,CSTACK=3
			)},
			"PyCodeObject": {size: 176, fields: fields(
				"co_argcount", 44, 4,
				"co_kwonlyargcount", 48, 4,
				"co_nlocals", 52, 4,
				"co_stacksize", 56, 4,
				"co_flags", 60, 4,
				"co_firstlineno", 68, 4,
				"co_code", 0, 0, // inlined into co_code_adaptive, not a pointer field in 3.11
				"co_consts", 88, 8,
				"co_names", 96, 8,
				"co_varnames", 112, 8,
				"co_filename", 80, 8,
				"co_qualname", 72, 8,
				"co_name", 64, 8,
				"co_linetable", 104, 8,
			)},
			"PyTypeObject": {size: 432, fields: fields("tp_name", 24, 8, "tp_flags", 144, 8)},
			"PyBytesObject":   {size: 33, fields: fields("ob_sval", 32, 1)},
			"PyUnicodeObject": {size: 48, fields: fields("length", 16, 8, "hash", 24, 8, "state", 32, 4, "data", 40, 8)},
			"PyLongObject":    {size: 24, fields: fields("ob_digit", 24, 4)},
			"PyTupleObject":   {size: 24, fields: fields("ob_item", 24, 8)},
			"PyListObject":    {size: 40, fields: fields("ob_item", 16, 8, "allocated", 32, 8)},
			"PyDictObject":    {size: 48, fields: fields("ma_used", 16, 8, "ma_keys", 24, 8, "ma_values", 32, 8)},
			"PyDictKeysObject": {size: 40, fields: fields(
				"dk_refcnt", 0, 8, "dk_size", 8, 8, "dk_lookup", 16, 8, "dk_usable", 24, 8, "dk_nentries", 32, 8,
			)},
		},
	}
	register(3, 11, t)
}

// register312Plus covers 3.12 and later, which add _Py_DebugOffsets (the
// values below are the fallback used when the target doesn't export them)
// and a per-interpreter GIL.
func register312Plus() {
	for _, minor := range []int{12, 13} {
		t := Table{
			UsesPEP523:       true,
			HasPositionInfo:  true,
			HasInlinedFrames: true,
			HasDebugOffsets:  true,
			structs: map[string]structShape{
				"PyObject":    {size: 16, fields: fields("ob_refcnt", 0, 8, "ob_type", 8, 8)},
				"PyVarObject": {size: 24, fields: fields("ob_refcnt", 0, 8, "ob_type", 8, 8, "ob_size", 16, 8)},

				"PyInterpreterState": {size: 88, fields: fields(
					"next", 0, 8, "tstate_head", 24, 8, "modules", 32, 8, "id", 80, 8,
					"gil_last_holder", 64, 8,
				)},
				"PyThreadState": {size: 104, fields: fields(
					"prev", 0, 8, "next", 8, 8, "interp", 16, 8,
					"current_frame", 24, 8, // 3.12 flattens cframe away; thread points at the frame directly
					"datastack_chunk", 48, 8,
					"thread_id", 72, 8, "gc_collecting", 84, 4,
				)},
				"_PyInterpreterFrame": {size: 64, fields: fields(
					"f_func", 0, 8,
					"f_globals", 8, 8,
					"f_builtins", 16, 8,
					"f_locals", 24, 8,
					"f_code", 32, 8,
					"previous", 40, 8,
					"prev_instr", 48, 8,
					"stacktop", 56, 4,
					"owner", 60, 1, // FRAME_OWNED_BY_THREAD=0,GENERATOR=1,FRAME_OBJECT=2,CSTACK=3,INTERPRETER=4
				)},
				"PyCodeObject": {size: 200, fields: fields(
					"co_argcount", 44, 4,
					"co_kwonlyargcount", 48, 4,
					"co_nlocals", 52, 4,
					"co_stacksize", 56, 4,
					"co_flags", 60, 4,
					"co_firstlineno", 68, 4,
					"co_consts", 88, 8,
					"co_names", 96, 8,
					"co_varnames", 112, 8,
					"co_filename", 80, 8,
					"co_qualname", 72, 8,
					"co_name", 64, 8,
					"co_linetable", 104, 8,
				)},
				"PyTypeObject": {size: 440, fields: fields("tp_name", 24, 8, "tp_flags", 152, 8)},
				"PyBytesObject":   {size: 33, fields: fields("ob_sval", 32, 1)},
				"PyUnicodeObject": {size: 48, fields: fields("length", 16, 8, "hash", 24, 8, "state", 32, 4, "data", 40, 8)},
				"PyLongObject":    {size: 24, fields: fields("ob_digit", 24, 4)},
				"PyTupleObject":   {size: 24, fields: fields("ob_item", 24, 8)},
				"PyListObject":    {size: 40, fields: fields("ob_item", 16, 8, "allocated", 32, 8)},
				"PyDictObject":    {size: 48, fields: fields("ma_used", 16, 8, "ma_keys", 24, 8, "ma_values", 32, 8)},
				"PyDictKeysObject": {size: 40, fields: fields(
					"dk_refcnt", 0, 8, "dk_size", 8, 8, "dk_lookup", 16, 8, "dk_usable", 24, 8, "dk_nentries", 32, 8,
				)},
			},
		}
		register(3, minor, t)
	}
}
