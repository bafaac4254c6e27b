// Package meter rewrites a wasm module so that it counts the instructions it
// executes against a budget and flags failed memory growth.
//
// The instrumented module carries two extra exported globals: FuelExport, an
// i64 holding the remaining budget, and OOMExport, an i32 set to 1 right
// before the module traps on a failed memory.grow. A charge that drives the
// fuel below zero traps with unreachable.
//
// A start section is removed and its function exported as StartExport, so
// the host runs it after instantiation where the globals above are readable.
package meter

import (
	"bytes"
	"math"
)

const (
	FuelExport  = "__execbox_fuel"
	OOMExport   = "__execbox_oom"
	StartExport = "__execbox_start"
)

const (
	secCustom byte = 0
	secImport byte = 2
	secMemory byte = 5
	secGlobal byte = 6
	secExport byte = 7
	secStart  byte = 8
	secCode   byte = 10
	secTag    byte = 13
)

var magic = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// order is the position each known section must keep in a binary.
var order = map[byte]int{1: 1, 2: 2, 3: 3, 4: 4, 5: 5, 13: 6, 6: 7, 7: 8, 8: 9, 9: 10, 12: 11, 10: 12, 11: 13}

// Info describes the instrumented module.
type Info struct {
	// Budget is the initial fuel value written into the module.
	Budget int64
	// MinPages is the largest declared minimum over all memories.
	MinPages uint32
	// ImportsMemory is set when a memory comes from the host.
	ImportsMemory bool
	// HasStart is set when the start function was moved to StartExport.
	HasStart  bool
	Functions int
}

// Used converts a remaining fuel reading into the instructions consumed.
func (i Info) Used(remaining int64) uint64 {
	if remaining < 0 {
		remaining = 0
	}
	if remaining > i.Budget {
		return 0
	}
	return uint64(i.Budget - remaining)
}

type section struct {
	id      byte
	payload []byte
}

// Instrument returns a metered copy of module. A zero budget leaves
// the counter effectively unbounded.
func Instrument(module []byte, budget uint64) ([]byte, Info, error) {
	info := Info{Budget: math.MaxInt64}
	if budget > 0 && budget < math.MaxInt64 {
		info.Budget = int64(budget)
	}

	sections, err := splitSections(module)
	if err != nil {
		return nil, info, err
	}

	var importedGlobals, definedGlobals, startFunc uint32
	exportNames := map[string]bool{}
	for _, s := range sections {
		switch s.id {
		case secImport:
			g, err := scanImports(s.payload, &info)
			if err != nil {
				return nil, info, err
			}
			importedGlobals = g
		case secMemory:
			if err := scanMemories(s.payload, &info); err != nil {
				return nil, info, err
			}
		case secGlobal:
			r := &reader{buf: s.payload}
			if definedGlobals, err = r.readU32(); err != nil {
				return nil, info, err
			}
		case secExport:
			if err := scanExports(s.payload, exportNames); err != nil {
				return nil, info, err
			}
		case secStart:
			r := &reader{buf: s.payload}
			if startFunc, err = r.readU32(); err != nil {
				return nil, info, err
			}
			info.HasStart = true
		case secTag:
			return nil, info, unsupported("tag section")
		}
	}
	for _, name := range []string{FuelExport, OOMExport, StartExport} {
		if exportNames[name] {
			return nil, info, malformed("export %q already defined", name)
		}
	}

	base := importedGlobals + definedGlobals
	idx := indices{fuel: base, oom: base + 1, scratch: base + 2}

	globals := appendGlobal(nil, 0x7e, func(b []byte) []byte {
		b = append(b, 0x42)
		return appendSLEB(b, info.Budget)
	})
	globals = appendGlobal(globals, 0x7f, i32Zero)
	globals = appendGlobal(globals, 0x7f, i32Zero)

	exports := appendExport(nil, FuelExport, exportGlobal, idx.fuel)
	exports = appendExport(exports, OOMExport, exportGlobal, idx.oom)
	exportCount := uint32(2)
	if info.HasStart {
		exports = appendExport(exports, StartExport, exportFunc, startFunc)
		exportCount++
		sections = dropSection(sections, secStart)
	}

	sections, err = extendVec(sections, secGlobal, 3, globals)
	if err != nil {
		return nil, info, err
	}
	sections, err = extendVec(sections, secExport, exportCount, exports)
	if err != nil {
		return nil, info, err
	}

	for i, s := range sections {
		if s.id != secCode {
			continue
		}
		payload, n, err := rewriteCode(s.payload, idx)
		if err != nil {
			return nil, info, err
		}
		info.Functions = n
		sections[i].payload = payload
	}

	var out bytes.Buffer
	out.Grow(len(module) + len(module)/2)
	out.Write(magic)
	for _, s := range sections {
		out.WriteByte(s.id)
		out.Write(appendULEB(nil, uint64(len(s.payload))))
		out.Write(s.payload)
	}
	return out.Bytes(), info, nil
}

func splitSections(module []byte) ([]section, error) {
	if len(module) < len(magic) || !bytes.Equal(module[:len(magic)], magic) {
		return nil, malformed("bad magic or version")
	}
	r := &reader{buf: module, off: len(magic)}
	var sections []section
	last := 0
	for !r.eof() {
		id, err := r.readByte()
		if err != nil {
			return nil, err
		}
		size, err := r.readU32()
		if err != nil {
			return nil, err
		}
		payload, err := r.readBytes(int(size))
		if err != nil {
			return nil, err
		}
		if id != secCustom {
			rank, ok := order[id]
			if !ok {
				return nil, malformed("unknown section id %d", id)
			}
			if rank <= last {
				return nil, malformed("section %d out of order", id)
			}
			last = rank
		}
		sections = append(sections, section{id: id, payload: payload})
	}
	return sections, nil
}

func scanImports(payload []byte, info *Info) (uint32, error) {
	r := &reader{buf: payload}
	n, err := r.readU32()
	if err != nil {
		return 0, err
	}
	var globals uint32
	for i := uint32(0); i < n; i++ {
		if _, err := r.readName(); err != nil {
			return 0, err
		}
		if _, err := r.readName(); err != nil {
			return 0, err
		}
		kind, err := r.readByte()
		if err != nil {
			return 0, err
		}
		switch kind {
		case 0x00:
			_, err = r.readU32()
		case 0x01:
			if err = r.skipValType(); err == nil {
				_, err = r.readLimits()
			}
		case 0x02:
			var min uint32
			if min, err = r.readLimits(); err == nil {
				info.ImportsMemory = true
				info.MinPages = max(info.MinPages, min)
			}
		case 0x03:
			if err = r.skipValType(); err == nil {
				_, err = r.readByte()
			}
			globals++
		case 0x04:
			return 0, unsupported("tag import")
		default:
			return 0, malformed("import kind %d", kind)
		}
		if err != nil {
			return 0, err
		}
	}
	return globals, nil
}

func scanMemories(payload []byte, info *Info) error {
	r := &reader{buf: payload}
	n, err := r.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		min, err := r.readLimits()
		if err != nil {
			return err
		}
		info.MinPages = max(info.MinPages, min)
	}
	return nil
}

func scanExports(payload []byte, names map[string]bool) error {
	r := &reader{buf: payload}
	n, err := r.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		name, err := r.readName()
		if err != nil {
			return err
		}
		if _, err := r.readByte(); err != nil {
			return err
		}
		if _, err := r.readU32(); err != nil {
			return err
		}
		names[name] = true
	}
	return nil
}

func rewriteCode(payload []byte, idx indices) ([]byte, int, error) {
	r := &reader{buf: payload}
	n, err := r.readU32()
	if err != nil {
		return nil, 0, err
	}
	out := appendULEB(make([]byte, 0, len(payload)*3/2), uint64(n))
	for i := uint32(0); i < n; i++ {
		size, err := r.readU32()
		if err != nil {
			return nil, 0, err
		}
		body, err := r.readBytes(int(size))
		if err != nil {
			return nil, 0, err
		}
		rewritten, err := rewriteBody(body, idx)
		if err != nil {
			return nil, 0, err
		}
		out = appendULEB(out, uint64(len(rewritten)))
		out = append(out, rewritten...)
	}
	if !r.eof() {
		return nil, 0, malformed("trailing bytes in code section")
	}
	return out, int(n), nil
}

// extendVec appends count entries to the vector section id, creating the
// section at its ordered position when the module has none.
func extendVec(sections []section, id byte, count uint32, entries []byte) ([]section, error) {
	for i, s := range sections {
		if s.id != id {
			continue
		}
		r := &reader{buf: s.payload}
		n, err := r.readU32()
		if err != nil {
			return nil, err
		}
		payload := appendULEB(nil, uint64(n+count))
		payload = append(payload, s.payload[r.off:]...)
		sections[i].payload = append(payload, entries...)
		return sections, nil
	}

	payload := append(appendULEB(nil, uint64(count)), entries...)
	at := 0
	for i, s := range sections {
		if s.id != secCustom && order[s.id] < order[id] {
			at = i + 1
		}
	}
	sections = append(sections, section{})
	copy(sections[at+1:], sections[at:])
	sections[at] = section{id: id, payload: payload}
	return sections, nil
}

func appendGlobal(b []byte, valType byte, init func([]byte) []byte) []byte {
	b = append(b, valType, 0x01)
	b = init(b)
	return append(b, 0x0b)
}

func i32Zero(b []byte) []byte {
	return append(b, 0x41, 0x00)
}

const (
	exportFunc   byte = 0x00
	exportGlobal byte = 0x03
)

func appendExport(b []byte, name string, kind byte, index uint32) []byte {
	b = appendULEB(b, uint64(len(name)))
	b = append(b, name...)
	b = append(b, kind)
	return appendULEB(b, uint64(index))
}

func dropSection(sections []section, id byte) []section {
	out := sections[:0]
	for _, s := range sections {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
