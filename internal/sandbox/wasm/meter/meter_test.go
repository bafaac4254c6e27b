package meter_test

import (
	"context"
	"errors"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"execbox/internal/sandbox/wasm/meter"
	"execbox/internal/sandbox/wasm/wasmtest"
)

func single(body []byte) wasmtest.Module {
	return wasmtest.Module{
		Types: []wasmtest.FuncType{{}},
		Funcs: []wasmtest.Func{{Type: 0, Body: body, Export: "run"}},
	}
}

func instantiate(t *testing.T, bin []byte) api.Module {
	t.Helper()
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	t.Cleanup(func() { _ = r.Close(ctx) })
	mod, err := r.InstantiateWithConfig(ctx, bin, wazero.NewModuleConfig().WithStartFunctions())
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	return mod
}

func fuel(t *testing.T, mod api.Module) int64 {
	t.Helper()
	g := mod.ExportedGlobal(meter.FuelExport)
	if g == nil {
		t.Fatalf("fuel global not exported")
	}
	return int64(g.Get())
}

func TestInstrumentChargesStraightLine(t *testing.T) {
	bin, info, err := meter.Instrument(single([]byte{0x41, 0x01, 0x1a}).Encode(), 100)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if info.Functions != 1 {
		t.Fatalf("expected 1 function, got %d", info.Functions)
	}
	mod := instantiate(t, bin)
	if _, err := mod.ExportedFunction("run").Call(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	remaining := fuel(t, mod)
	if remaining != 97 {
		t.Fatalf("expected 97 fuel left, got %d", remaining)
	}
	if used := info.Used(remaining); used != 3 {
		t.Fatalf("expected 3 instructions, got %d", used)
	}
}

func TestInstrumentCountsAcrossControlFlow(t *testing.T) {
	body := wasmtest.Concat(
		[]byte{0x02, 0x40, 0x02, 0x40, 0x41, 0x00, 0x0e, 0x01, 0x00, 0x01, 0x0b, 0x0b},
		[]byte{0x44, 0, 0, 0, 0, 0, 0, 0xf0, 0x3f, 0x1a},
		[]byte{0x43, 0, 0, 0x80, 0x3f, 0x1a},
		[]byte{0x42, 0x7b, 0x1a},
		[]byte{0xfd, 0x0c, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x1a},
		[]byte{0x41, 0x00, 0x04, 0x40, 0x01, 0x05, 0x01, 0x0b},
	)
	bin, info, err := meter.Instrument(single(body).Encode(), 1000)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	mod := instantiate(t, bin)
	if _, err := mod.ExportedFunction("run").Call(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if used := info.Used(fuel(t, mod)); used != 19 {
		t.Fatalf("expected 19 instructions, got %d", used)
	}
}

func TestInstrumentTrapsWhenBudgetRunsOut(t *testing.T) {
	bin, _, err := meter.Instrument(single([]byte{0x03, 0x40, 0x0c, 0x00, 0x0b}).Encode(), 1000)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	mod := instantiate(t, bin)
	if _, err := mod.ExportedFunction("run").Call(context.Background()); err == nil {
		t.Fatalf("expected trap")
	}
	if remaining := fuel(t, mod); remaining >= 0 {
		t.Fatalf("expected negative fuel, got %d", remaining)
	}
}

func TestInstrumentFlagsFailedGrow(t *testing.T) {
	two := uint32(2)
	m := single([]byte{0x03, 0x40, 0x41, 0x01, 0x40, 0x00, 0x1a, 0x0c, 0x00, 0x0b})
	m.Memory = &wasmtest.Memory{Min: 1, Max: &two}
	bin, info, err := meter.Instrument(m.Encode(), 0)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if info.MinPages != 1 || info.ImportsMemory {
		t.Fatalf("unexpected memory info: %+v", info)
	}
	mod := instantiate(t, bin)
	if _, err := mod.ExportedFunction("run").Call(context.Background()); err == nil {
		t.Fatalf("expected trap")
	}
	if flag := uint32(mod.ExportedGlobal(meter.OOMExport).Get()); flag != 1 {
		t.Fatalf("expected oom flag, got %d", flag)
	}
	if remaining := fuel(t, mod); remaining <= 0 {
		t.Fatalf("unlimited budget should not be exhausted, got %d", remaining)
	}
}

func TestInstrumentKeepsExistingGlobals(t *testing.T) {
	m := wasmtest.Module{
		Types: []wasmtest.FuncType{{Results: []byte{wasmtest.I32}}},
		Funcs: []wasmtest.Func{{Type: 0, Body: []byte{0x23, 0x00}, Export: "get"}},
		Globals: []wasmtest.Global{
			{Type: wasmtest.I32, Mutable: false, Init: wasmtest.I32Const(42), Export: "counter"},
		},
	}
	bin, _, err := meter.Instrument(m.Encode(), 50)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	mod := instantiate(t, bin)
	res, err := mod.ExportedFunction("get").Call(context.Background())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if uint32(res[0]) != 42 {
		t.Fatalf("expected 42, got %d", res[0])
	}
	if remaining := fuel(t, mod); remaining != 48 {
		t.Fatalf("expected 48 fuel left, got %d", remaining)
	}
}

func TestInstrumentInsertsMissingSections(t *testing.T) {
	m := wasmtest.Module{
		Types:  []wasmtest.FuncType{{}},
		Funcs:  []wasmtest.Func{{Type: 0, Body: []byte{0x01}}},
		Custom: "note",
	}
	bin, _, err := meter.Instrument(m.Encode(), 7)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	mod := instantiate(t, bin)
	if remaining := fuel(t, mod); remaining != 7 {
		t.Fatalf("expected initial budget, got %d", remaining)
	}
}

func TestInstrumentMovesStartSection(t *testing.T) {
	startFunc := uint32(1)
	m := wasmtest.Module{
		Types: []wasmtest.FuncType{{}},
		Funcs: []wasmtest.Func{
			{Type: 0, Body: []byte{0x01}, Export: "run"},
			{Type: 0, Body: []byte{0x03, 0x40, 0x0c, 0x00, 0x0b}},
		},
		StartFunc: &startFunc,
	}
	bin, info, err := meter.Instrument(m.Encode(), 100)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if !info.HasStart {
		t.Fatalf("expected start function to be reported")
	}
	// Instantiation would spin in the start function if it were still there.
	mod := instantiate(t, bin)
	start := mod.ExportedFunction(meter.StartExport)
	if start == nil {
		t.Fatalf("start function not exported")
	}
	if _, err := start.Call(context.Background()); err == nil {
		t.Fatalf("expected trap")
	}
	if remaining := fuel(t, mod); remaining >= 0 {
		t.Fatalf("expected negative fuel, got %d", remaining)
	}
}

func TestInstrumentWithoutStartSection(t *testing.T) {
	bin, info, err := meter.Instrument(single([]byte{0x01}).Encode(), 10)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if info.HasStart {
		t.Fatalf("unexpected start function")
	}
	if instantiate(t, bin).ExportedFunction(meter.StartExport) != nil {
		t.Fatalf("start export added without a start section")
	}
}

func TestInstrumentReportsMemoryMinimum(t *testing.T) {
	m := wasmtest.WASIModule().Start(0x01)
	m.Memory.Min = 3
	_, info, err := meter.Instrument(m.Encode(), 0)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if info.MinPages != 3 {
		t.Fatalf("expected 3 pages, got %d", info.MinPages)
	}
}

func TestInstrumentRejects(t *testing.T) {
	header := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	clash := single([]byte{0x01})
	clash.Funcs[0].Export = meter.FuelExport

	cases := []struct {
		name   string
		module []byte
		want   error
	}{
		{name: "not wasm", module: []byte("#!/bin/sh\n"), want: meter.ErrMalformed},
		{name: "truncated section", module: append(append([]byte{}, header...), 0x01, 0x05, 0x00), want: meter.ErrMalformed},
		{name: "memory64", module: append(append([]byte{}, header...), 0x05, 0x03, 0x01, 0x04, 0x01), want: meter.ErrUnsupported},
		{name: "exception handling", module: single([]byte{0x06, 0x40, 0x0b}).Encode(), want: meter.ErrUnsupported},
		{name: "export clash", module: clash.Encode(), want: meter.ErrMalformed},
		{name: "missing end", module: append(append([]byte{}, header...), 0x01, 0x04, 0x01, 0x60, 0x00, 0x00, 0x03, 0x02, 0x01, 0x00, 0x0a, 0x04, 0x01, 0x02, 0x00, 0x01), want: meter.ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := meter.Instrument(tc.module, 10)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestUsedClamps(t *testing.T) {
	info := meter.Info{Budget: 10}
	if got := info.Used(-4); got != 10 {
		t.Fatalf("expected 10, got %d", got)
	}
	if got := info.Used(20); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}
