package instrument

import (
	"bytes"
	stderrors "errors"
	"testing"

	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/wasm"
)

var (
	i32 = wasm.ValI32
	i64 = wasm.ValI64
)

func testConfig() Config {
	return Config{
		HostModule:     "host",
		MaxMemoryPages: 16,
		Imports: map[string]wasm.FuncType{
			"storage_get": {Params: []wasm.ValType{i32, i32, i32, i32}, Results: []wasm.ValType{i32}},
		},
	}
}

func ins(op byte, imm any) wasm.Instruction {
	return wasm.Instruction{Opcode: op, Imm: imm}
}

func op(code byte) wasm.Instruction {
	return wasm.Instruction{Opcode: code}
}

func body(instrs ...wasm.Instruction) wasm.FuncBody {
	return wasm.FuncBody{Code: wasm.EncodeInstructions(instrs)}
}

// base returns a module with one memory, one void function and the given body.
func base(b wasm.FuncBody) *wasm.Module {
	return &wasm.Module{
		Types:    []wasm.FuncType{{}},
		Funcs:    []uint32{0},
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		Exports: []wasm.Export{
			{Name: "memory", Kind: wasm.KindMemory},
			{Name: "run", Kind: wasm.KindFunc, Idx: 0},
		},
		Code: []wasm.FuncBody{b},
	}
}

func decodeBody(t *testing.T, bin []byte, fn int) []wasm.Instruction {
	t.Helper()
	m, err := wasm.ParseModule(bin)
	if err != nil {
		t.Fatalf("instrumented module does not parse: %v", err)
	}
	instrs, err := wasm.DecodeInstructions(m.Code[fn].Code)
	if err != nil {
		t.Fatal(err)
	}
	return instrs
}

func TestTransformChargesLoopIterations(t *testing.T) {
	m := base(body(
		ins(wasm.OpLoop, wasm.BlockImm{Type: wasm.BlockTypeEmpty}),
		ins(wasm.OpBr, wasm.BranchImm{LabelIdx: 0}),
		op(wasm.OpEnd),
		op(wasm.OpEnd),
	))
	res, err := Transform(m.Encode(), testConfig())
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if res.Segments != 2 {
		t.Errorf("Segments = %d, want 2", res.Segments)
	}

	got := decodeBody(t, res.Binary, 0)
	want := []byte{
		wasm.OpI64Const, wasm.OpCall, wasm.OpLoop,
		wasm.OpI64Const, wasm.OpCall, wasm.OpBr,
		wasm.OpEnd, wasm.OpEnd,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d instructions, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Opcode != want[i] {
			t.Errorf("instr %d = 0x%02x, want 0x%02x", i, got[i].Opcode, want[i])
		}
	}
	// the second charge sits inside the loop
	if got[4].Imm.(wasm.CallImm).FuncIdx != 0 {
		t.Errorf("gas call targets %d, want 0", got[4].Imm.(wasm.CallImm).FuncIdx)
	}
}

func TestTransformSegmentCost(t *testing.T) {
	m := base(body(
		ins(wasm.OpI32Const, wasm.I32Imm{Value: 1}),
		ins(wasm.OpI32Const, wasm.I32Imm{Value: 2}),
		op(wasm.OpI32Add),
		op(wasm.OpDrop),
		op(wasm.OpEnd),
	))
	res, err := Transform(m.Encode(), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	got := decodeBody(t, res.Binary, 0)
	if got[0].Opcode != wasm.OpI64Const || got[0].Imm.(wasm.I64Imm).Value != 4 {
		t.Errorf("first charge = %+v, want i64.const 4", got[0])
	}
	if res.Segments != 1 {
		t.Errorf("Segments = %d", res.Segments)
	}
}

func TestTransformShiftsFunctionIndices(t *testing.T) {
	cfg := testConfig()
	m := &wasm.Module{
		Types: []wasm.FuncType{
			cfg.Imports["storage_get"],
			{},
		},
		Imports: []wasm.Import{
			{Module: "host", Name: "storage_get", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}},
		},
		Funcs:    []uint32{1, 1},
		Tables:   []wasm.TableType{{ElemType: byte(wasm.ValFuncRef), Limits: wasm.Limits{Min: 2}}},
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		Exports: []wasm.Export{
			{Name: "memory", Kind: wasm.KindMemory},
			{Name: "run", Kind: wasm.KindFunc, Idx: 2},
		},
		Elements: []wasm.Element{{
			Offset:   wasm.EncodeInstructions([]wasm.Instruction{ins(wasm.OpI32Const, wasm.I32Imm{}), op(wasm.OpEnd)}),
			FuncIdxs: []uint32{1, 2},
		}},
		Code: []wasm.FuncBody{
			body(op(wasm.OpEnd)),
			body(
				ins(wasm.OpCall, wasm.CallImm{FuncIdx: 1}),
				ins(wasm.OpI32Const, wasm.I32Imm{}),
				ins(wasm.OpI32Const, wasm.I32Imm{}),
				ins(wasm.OpI32Const, wasm.I32Imm{}),
				ins(wasm.OpI32Const, wasm.I32Imm{}),
				ins(wasm.OpCall, wasm.CallImm{FuncIdx: 0}),
				op(wasm.OpDrop),
				op(wasm.OpEnd),
			),
		},
	}
	res, err := Transform(m.Encode(), cfg)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	out, err := wasm.ParseModule(res.Binary)
	if err != nil {
		t.Fatal(err)
	}
	if n := out.NumImportedFuncs(); n != 2 {
		t.Fatalf("imported funcs = %d, want 2", n)
	}
	gas := out.Imports[1]
	if gas.Name != GasImport || gas.Module != "host" {
		t.Errorf("gas import = %+v", gas)
	}
	if ft := out.Types[gas.Desc.TypeIdx]; len(ft.Params) != 1 || ft.Params[0] != i64 || len(ft.Results) != 0 {
		t.Errorf("gas type = %+v", ft)
	}
	if idx := out.Export("run").Idx; idx != 3 {
		t.Errorf("run export = %d, want 3", idx)
	}
	if got := out.Elements[0].FuncIdxs; got[0] != 2 || got[1] != 3 {
		t.Errorf("element funcs = %v, want [2 3]", got)
	}

	var calls []uint32
	instrs, _ := wasm.DecodeInstructions(out.Code[1].Code)
	for _, in := range instrs {
		if in.Opcode == wasm.OpCall {
			calls = append(calls, in.Imm.(wasm.CallImm).FuncIdx)
		}
	}
	// gas, call $f1 (now 2), gas, call storage_get (still 0), gas for the tail
	want := []uint32{1, 2, 1, 0, 1}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls = %v, want %v", calls, want)
			break
		}
	}
}

func TestTransformDeterministic(t *testing.T) {
	m := base(body(
		ins(wasm.OpBlock, wasm.BlockImm{Type: wasm.BlockTypeEmpty}),
		ins(wasm.OpI32Const, wasm.I32Imm{Value: 0}),
		ins(wasm.OpBrIf, wasm.BranchImm{}),
		op(wasm.OpEnd),
		op(wasm.OpEnd),
	))
	code := m.Encode()
	a, err := Transform(code, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	b, err := Transform(code, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Binary, b.Binary) {
		t.Error("instrumentation is not deterministic")
	}
	if a.Original.Export("run").Idx != 0 {
		t.Error("original module was modified")
	}
}

func TestTransformChargesBulkLength(t *testing.T) {
	m := base(body(
		ins(wasm.OpI32Const, wasm.I32Imm{Value: 0}),
		ins(wasm.OpI32Const, wasm.I32Imm{Value: 0}),
		ins(wasm.OpI32Const, wasm.I32Imm{Value: 8}),
		ins(wasm.OpPrefixMisc, wasm.MiscImm{SubOpcode: wasm.MiscMemoryFill, Operands: []uint32{0}}),
		op(wasm.OpEnd),
	))
	res, err := Transform(m.Encode(), testConfig())
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	got := decodeBody(t, res.Binary, 0)
	if v := got[0].Imm.(wasm.I64Imm).Value; v != 3+64 {
		t.Errorf("static charge = %d, want %d", v, 3+64)
	}

	// The length operand is copied to a fresh local and charged before the fill.
	want := []byte{
		wasm.OpI64Const, wasm.OpCall,
		wasm.OpI32Const, wasm.OpI32Const, wasm.OpI32Const,
		wasm.OpLocalTee, wasm.OpI64ExtendI32U, wasm.OpI64Const, wasm.OpI64Mul, wasm.OpCall, wasm.OpLocalGet,
		wasm.OpPrefixMisc, wasm.OpEnd,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d instructions, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Opcode != want[i] {
			t.Fatalf("instr %d = 0x%02x, want 0x%02x", i, got[i].Opcode, want[i])
		}
	}
	if idx := got[5].Imm.(wasm.LocalImm).LocalIdx; idx != 0 || got[10].Imm.(wasm.LocalImm).LocalIdx != 0 {
		t.Errorf("scratch local = %d, want 0", idx)
	}
	if v := got[7].Imm.(wasm.I64Imm).Value; v != int64(DefaultCosts().PerByte) {
		t.Errorf("per byte = %d", v)
	}
	if gas := got[9].Imm.(wasm.CallImm).FuncIdx; gas != 0 {
		t.Errorf("length charge calls %d, want the gas import", gas)
	}

	out, err := wasm.ParseModule(res.Binary)
	if err != nil {
		t.Fatal(err)
	}
	if l := out.Code[0].Locals; len(l) != 1 || l[0].Count != 1 || l[0].ValType != i32 {
		t.Errorf("locals = %+v, want one scratch i32", l)
	}
}

func TestTransformLimitsCallDepth(t *testing.T) {
	m := &wasm.Module{
		Types:    []wasm.FuncType{{}},
		Funcs:    []uint32{0},
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		Exports: []wasm.Export{
			{Name: "memory", Kind: wasm.KindMemory},
			{Name: "run", Kind: wasm.KindFunc, Idx: 0},
		},
		Code: []wasm.FuncBody{body(
			ins(wasm.OpCall, wasm.CallImm{FuncIdx: 0}),
			op(wasm.OpEnd),
		)},
	}
	cfg := testConfig()
	cfg.MaxCallDepth = 7
	res, err := Transform(m.Encode(), cfg)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	out, err := wasm.ParseModule(res.Binary)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Globals) != 1 || !out.Globals[0].Type.Mutable || out.Globals[0].Type.ValType != i32 {
		t.Fatalf("globals = %+v, want one mutable i32 counter", out.Globals)
	}
	for _, e := range out.Exports {
		if e.Kind == wasm.KindGlobal {
			t.Errorf("depth counter exported as %q", e.Name)
		}
	}

	got := decodeBody(t, res.Binary, 0)
	want := []byte{
		wasm.OpI64Const, wasm.OpCall,
		wasm.OpGlobalGet, wasm.OpI32Const, wasm.OpI32Add, wasm.OpGlobalSet,
		wasm.OpGlobalGet, wasm.OpI32Const, wasm.OpI32GtU,
		wasm.OpIf, wasm.OpUnreachable, wasm.OpEnd,
		wasm.OpCall,
		wasm.OpGlobalGet, wasm.OpI32Const, wasm.OpI32Sub, wasm.OpGlobalSet,
		wasm.OpEnd,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d instructions, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Opcode != want[i] {
			t.Fatalf("instr %d = 0x%02x, want 0x%02x", i, got[i].Opcode, want[i])
		}
	}
	if limit := got[7].Imm.(wasm.I32Imm).Value; limit != 7 {
		t.Errorf("depth limit = %d, want 7", limit)
	}
	if callee := got[12].Imm.(wasm.CallImm).FuncIdx; callee != 1 {
		t.Errorf("recursive call targets %d, want 1", callee)
	}
}

func TestValidateRejectsTooManyLocals(t *testing.T) {
	b := body(op(wasm.OpEnd))
	b.Locals = []wasm.LocalEntry{{Count: 5, ValType: i32}}
	cfg := testConfig()
	cfg.MaxLocals = 4
	_, err := Transform(base(b).Encode(), cfg)
	if !stderrors.Is(err, errors.ErrUnsupportedFeature) {
		t.Fatalf("err = %v, want unsupported feature", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cfg := testConfig()
	withBody := func(instrs ...wasm.Instruction) *wasm.Module {
		return base(body(append(instrs, op(wasm.OpEnd))...))
	}

	tests := []struct {
		name   string
		module func() *wasm.Module
		kind   errors.Kind
	}{
		{"float param", func() *wasm.Module {
			m := withBody()
			m.Types[0].Params = []wasm.ValType{wasm.ValF64}
			return m
		}, errors.KindUnsupportedFeature},
		{"float opcode", func() *wasm.Module {
			return withBody(ins(wasm.OpF32Const, wasm.RawImm{Bytes: []byte{0, 0, 0, 0}}), op(wasm.OpDrop))
		}, errors.KindUnsupportedFeature},
		{"float arithmetic", func() *wasm.Module {
			return withBody(op(0x92)) // f32.add
		}, errors.KindUnsupportedFeature},
		{"float local", func() *wasm.Module {
			m := withBody()
			m.Code[0].Locals = []wasm.LocalEntry{{Count: 1, ValType: wasm.ValF32}}
			return m
		}, errors.KindUnsupportedFeature},
		{"saturating truncation", func() *wasm.Module {
			return withBody(ins(wasm.OpPrefixMisc, wasm.MiscImm{SubOpcode: 1}))
		}, errors.KindUnsupportedFeature},
		{"memory.init", func() *wasm.Module {
			return withBody(ins(wasm.OpPrefixMisc, wasm.MiscImm{SubOpcode: wasm.MiscMemoryInit, Operands: []uint32{0, 0}}))
		}, errors.KindUnsupportedFeature},
		{"ref.func", func() *wasm.Module {
			return withBody(ins(wasm.OpRefFunc, wasm.RefFuncImm{}), op(wasm.OpDrop))
		}, errors.KindUnsupportedFeature},
		{"float block type", func() *wasm.Module {
			return withBody(ins(wasm.OpBlock, wasm.BlockImm{Type: -3}), op(wasm.OpEnd))
		}, errors.KindUnsupportedFeature},
		{"unknown import module", func() *wasm.Module {
			m := withBody()
			m.Types = append(m.Types, cfg.Imports["storage_get"])
			m.Imports = []wasm.Import{{Module: "env", Name: "storage_get", Desc: wasm.ImportDesc{TypeIdx: 1}}}
			return m
		}, errors.KindUnsupportedFeature},
		{"unknown host function", func() *wasm.Module {
			m := withBody()
			m.Imports = []wasm.Import{{Module: "host", Name: "clock_now", Desc: wasm.ImportDesc{TypeIdx: 0}}}
			return m
		}, errors.KindUnsupportedFeature},
		{"reserved gas import", func() *wasm.Module {
			m := withBody()
			m.Types = append(m.Types, wasm.FuncType{Params: []wasm.ValType{i64}})
			m.Imports = []wasm.Import{{Module: "host", Name: GasImport, Desc: wasm.ImportDesc{TypeIdx: 1}}}
			return m
		}, errors.KindUnsupportedFeature},
		{"signature mismatch", func() *wasm.Module {
			m := withBody()
			m.Imports = []wasm.Import{{Module: "host", Name: "storage_get", Desc: wasm.ImportDesc{TypeIdx: 0}}}
			return m
		}, errors.KindMalformedModule},
		{"memory import", func() *wasm.Module {
			m := withBody()
			m.Imports = []wasm.Import{{Module: "host", Name: "memory", Desc: wasm.ImportDesc{Kind: wasm.KindMemory, Memory: &wasm.MemoryType{}}}}
			return m
		}, errors.KindUnsupportedFeature},
		{"start function", func() *wasm.Module {
			m := withBody()
			zero := uint32(0)
			m.Start = &zero
			return m
		}, errors.KindUnsupportedFeature},
		{"shared memory", func() *wasm.Module {
			m := withBody()
			hi := uint32(2)
			m.Memories[0].Limits = wasm.Limits{Min: 1, Max: &hi, Shared: true}
			return m
		}, errors.KindUnsupportedFeature},
		{"memory over limit", func() *wasm.Module {
			m := withBody()
			m.Memories[0].Limits.Min = 17
			return m
		}, errors.KindUnsupportedFeature},
		{"externref table", func() *wasm.Module {
			m := withBody()
			m.Tables = []wasm.TableType{{ElemType: byte(wasm.ValExtern)}}
			return m
		}, errors.KindUnsupportedFeature},
		{"passive data", func() *wasm.Module {
			m := withBody()
			m.Data = []wasm.DataSegment{{Flags: 1, Init: []byte("x")}}
			return m
		}, errors.KindUnsupportedFeature},
		{"passive element", func() *wasm.Module {
			m := withBody()
			m.Tables = []wasm.TableType{{ElemType: byte(wasm.ValFuncRef), Limits: wasm.Limits{Min: 1}}}
			m.Elements = []wasm.Element{{Flags: 1, FuncIdxs: []uint32{0}}}
			return m
		}, errors.KindUnsupportedFeature},
		{"float global", func() *wasm.Module {
			m := withBody()
			m.Globals = []wasm.Global{{
				Type: wasm.GlobalType{ValType: wasm.ValF64},
				Init: []byte{wasm.OpF64Const, 0, 0, 0, 0, 0, 0, 0, 0, wasm.OpEnd},
			}}
			return m
		}, errors.KindUnsupportedFeature},
		{"call out of range", func() *wasm.Module {
			return withBody(ins(wasm.OpCall, wasm.CallImm{FuncIdx: 9}))
		}, errors.KindMalformedModule},
		{"simd prefix", func() *wasm.Module {
			m := withBody()
			m.Code[0].Code = []byte{wasm.OpPrefixSIMD, 0x0c, wasm.OpEnd}
			return m
		}, errors.KindUnsupportedFeature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Transform(tt.module().Encode(), cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.KindOf(err); got != tt.kind {
				t.Errorf("kind = %q, want %q (%v)", got, tt.kind, err)
			}
		})
	}
}

func TestTransformMalformedBytes(t *testing.T) {
	_, err := Transform([]byte("not wasm at all"), testConfig())
	if !stderrors.Is(err, errors.ErrMalformedModule) {
		t.Fatalf("got %v, want malformed module", err)
	}
}
