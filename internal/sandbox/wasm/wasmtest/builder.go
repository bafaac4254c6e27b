// Package wasmtest assembles small WebAssembly binaries for tests.
package wasmtest

// Value types.
const (
	I32  byte = 0x7f
	I64  byte = 0x7e
	F32  byte = 0x7d
	F64  byte = 0x7c
	V128 byte = 0x7b
)

type FuncType struct {
	Params  []byte
	Results []byte
}

// Import is a function import.
type Import struct {
	Module string
	Name   string
	Type   uint32
}

// Func is a defined function. Body holds the instructions without the final end.
type Func struct {
	Type   uint32
	Locals []byte
	Body   []byte
	Export string
}

type Memory struct {
	Min    uint32
	Max    *uint32
	Export string
}

type Global struct {
	Type    byte
	Mutable bool
	// Init is the constant expression without the final end.
	Init   []byte
	Export string
}

type Data struct {
	Offset uint32
	Bytes  []byte
}

type Module struct {
	Types   []FuncType
	Imports []Import
	Funcs   []Func
	Memory  *Memory
	Globals []Global
	Data    []Data
	// StartFunc, when set, is encoded as the start section.
	StartFunc *uint32
	// Custom appends an unrelated custom section at the end.
	Custom string
}

// WASI type indexes registered by WASIModule.
const (
	TypeVoid    uint32 = 0 // () -> ()
	TypeExit    uint32 = 1 // (i32) -> ()
	TypeFdWrite uint32 = 2 // (i32 i32 i32 i32) -> i32
)

// WASIModule returns a module skeleton importing proc_exit (func 0), fd_write
// (func 1) and fd_read (func 2) with one exported memory page.
func WASIModule() Module {
	return Module{
		Types: []FuncType{
			{},
			{Params: []byte{I32}},
			{Params: []byte{I32, I32, I32, I32}, Results: []byte{I32}},
		},
		Imports: []Import{
			{Module: "wasi_snapshot_preview1", Name: "proc_exit", Type: TypeExit},
			{Module: "wasi_snapshot_preview1", Name: "fd_write", Type: TypeFdWrite},
			{Module: "wasi_snapshot_preview1", Name: "fd_read", Type: TypeFdWrite},
		},
		Memory: &Memory{Min: 1, Export: "memory"},
	}
}

// Start adds body as the exported _start function.
func (m Module) Start(body ...byte) Module {
	m.Funcs = append(m.Funcs, Func{Type: TypeVoid, Body: body, Export: "_start"})
	return m
}

func (m Module) Encode() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	section := func(id byte, payload []byte) {
		out = append(out, id)
		out = ULEB(out, uint64(len(payload)))
		out = append(out, payload...)
	}

	if len(m.Types) > 0 {
		p := ULEB(nil, uint64(len(m.Types)))
		for _, t := range m.Types {
			p = append(p, 0x60)
			p = ULEB(p, uint64(len(t.Params)))
			p = append(p, t.Params...)
			p = ULEB(p, uint64(len(t.Results)))
			p = append(p, t.Results...)
		}
		section(1, p)
	}

	if len(m.Imports) > 0 {
		p := ULEB(nil, uint64(len(m.Imports)))
		for _, imp := range m.Imports {
			p = Name(p, imp.Module)
			p = Name(p, imp.Name)
			p = append(p, 0x00)
			p = ULEB(p, uint64(imp.Type))
		}
		section(2, p)
	}

	if len(m.Funcs) > 0 {
		p := ULEB(nil, uint64(len(m.Funcs)))
		for _, f := range m.Funcs {
			p = ULEB(p, uint64(f.Type))
		}
		section(3, p)
	}

	if m.Memory != nil {
		p := []byte{0x01}
		if m.Memory.Max != nil {
			p = append(p, 0x01)
			p = ULEB(p, uint64(m.Memory.Min))
			p = ULEB(p, uint64(*m.Memory.Max))
		} else {
			p = append(p, 0x00)
			p = ULEB(p, uint64(m.Memory.Min))
		}
		section(5, p)
	}

	if len(m.Globals) > 0 {
		p := ULEB(nil, uint64(len(m.Globals)))
		for _, g := range m.Globals {
			p = append(p, g.Type)
			if g.Mutable {
				p = append(p, 0x01)
			} else {
				p = append(p, 0x00)
			}
			p = append(p, g.Init...)
			p = append(p, 0x0b)
		}
		section(6, p)
	}

	var exports [][]byte
	funcBase := uint64(len(m.Imports))
	for i, f := range m.Funcs {
		if f.Export != "" {
			e := Name(nil, f.Export)
			e = append(e, 0x00)
			exports = append(exports, ULEB(e, funcBase+uint64(i)))
		}
	}
	if m.Memory != nil && m.Memory.Export != "" {
		e := Name(nil, m.Memory.Export)
		exports = append(exports, append(e, 0x02, 0x00))
	}
	for i, g := range m.Globals {
		if g.Export != "" {
			e := Name(nil, g.Export)
			e = append(e, 0x03)
			exports = append(exports, ULEB(e, uint64(i)))
		}
	}
	if len(exports) > 0 {
		p := ULEB(nil, uint64(len(exports)))
		for _, e := range exports {
			p = append(p, e...)
		}
		section(7, p)
	}

	if m.StartFunc != nil {
		section(8, ULEB(nil, uint64(*m.StartFunc)))
	}

	if len(m.Funcs) > 0 {
		p := ULEB(nil, uint64(len(m.Funcs)))
		for _, f := range m.Funcs {
			body := ULEB(nil, uint64(len(f.Locals)))
			for _, l := range f.Locals {
				body = append(body, 0x01, l)
			}
			body = append(body, f.Body...)
			body = append(body, 0x0b)
			p = ULEB(p, uint64(len(body)))
			p = append(p, body...)
		}
		section(10, p)
	}

	if len(m.Data) > 0 {
		p := ULEB(nil, uint64(len(m.Data)))
		for _, d := range m.Data {
			p = append(p, 0x00, 0x41)
			p = SLEB(p, int64(d.Offset))
			p = append(p, 0x0b)
			p = ULEB(p, uint64(len(d.Bytes)))
			p = append(p, d.Bytes...)
		}
		section(11, p)
	}

	if m.Custom != "" {
		section(0, Name(nil, m.Custom))
	}
	return out
}

func ULEB(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
			continue
		}
		return append(b, c)
	}
}

func SLEB(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

func Name(b []byte, s string) []byte {
	b = ULEB(b, uint64(len(s)))
	return append(b, s...)
}

// I32Const encodes i32.const v.
func I32Const(v int32) []byte {
	return SLEB([]byte{0x41}, int64(v))
}

// Call encodes call idx.
func Call(idx uint32) []byte {
	return ULEB([]byte{0x10}, uint64(idx))
}

// Concat joins instruction fragments.
func Concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
