package devrt

import (
	"fmt"

	"github.com/wippyai/wasm-node/bytecode"
	"github.com/wippyai/wasm-node/hostapi"
	"github.com/wippyai/wasm-node/wasm"
)

// Instruction helpers. Each returns a single instruction so bodies read
// like the text format.

type ins = wasm.Instruction

func op(code byte) ins  { return ins{Opcode: code} }
func i32c(v int32) ins  { return ins{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: v}} }
func i64c(v int64) ins  { return ins{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: v}} }
func lget(i uint32) ins { return ins{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: i}} }
func lset(i uint32) ins { return ins{Opcode: wasm.OpLocalSet, Imm: wasm.LocalImm{LocalIdx: i}} }
func ltee(i uint32) ins { return ins{Opcode: wasm.OpLocalTee, Imm: wasm.LocalImm{LocalIdx: i}} }
func gget(i uint32) ins { return ins{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: i}} }
func gset(i uint32) ins { return ins{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: i}} }
func call(f uint32) ins { return ins{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: f}} }
func br(l uint32) ins   { return ins{Opcode: wasm.OpBr, Imm: wasm.BranchImm{LabelIdx: l}} }
func brIf(l uint32) ins { return ins{Opcode: wasm.OpBrIf, Imm: wasm.BranchImm{LabelIdx: l}} }
func block() ins        { return ins{Opcode: wasm.OpBlock, Imm: wasm.BlockImm{Type: wasm.BlockTypeEmpty}} }
func loop() ins         { return ins{Opcode: wasm.OpLoop, Imm: wasm.BlockImm{Type: wasm.BlockTypeEmpty}} }
func ifThen() ins       { return ins{Opcode: wasm.OpIf, Imm: wasm.BlockImm{Type: wasm.BlockTypeEmpty}} }
func end() ins          { return op(wasm.OpEnd) }
func memSize() ins      { return ins{Opcode: wasm.OpMemorySize, Imm: wasm.MemoryIdxImm{}} }
func memGrow() ins      { return ins{Opcode: wasm.OpMemoryGrow, Imm: wasm.MemoryIdxImm{}} }
func memCopy() ins {
	return ins{Opcode: wasm.OpPrefixMisc, Imm: wasm.MiscImm{SubOpcode: wasm.MiscMemoryCopy, Operands: []uint32{0, 0}}}
}
func memFill() ins {
	return ins{Opcode: wasm.OpPrefixMisc, Imm: wasm.MiscImm{SubOpcode: wasm.MiscMemoryFill, Operands: []uint32{0}}}
}
func load(code byte, off uint32) ins { return ins{Opcode: code, Imm: wasm.MemoryImm{Offset: off}} }

func i32load(off uint32) ins   { return load(wasm.OpI32Load, off) }
func i32load8u(off uint32) ins { return load(wasm.OpI32Load8U, off) }
func i64load(off uint32) ins   { return load(wasm.OpI64Load, off) }
func i32store(off uint32) ins  { return load(wasm.OpI32Store, off) }
func i32store8(off uint32) ins { return load(wasm.OpI32Store8, off) }
func i64store(off uint32) ins  { return load(wasm.OpI64Store, off) }

func seq(parts ...[]ins) []ins {
	var out []ins
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func constExpr(v int32) []byte {
	return wasm.EncodeInstructions([]ins{i32c(v), end()})
}

var (
	entrySig = wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32}, Results: []wasm.ValType{wasm.ValI64}}
	allocSig = wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}}
)

// builder assembles a runtime module. Host imports are declared up front
// so defined function indices are known before bodies are written.
type builder struct {
	mod     wasm.Module
	imports map[string]uint32
	funcs   map[string]uint32
	statics uint32
}

// Memory layout shared by every module built here.
const (
	scratchBase = 0    // key and value scratch space
	staticBase  = 1024 // data segments
	heapBase    = 8192 // first byte handed out by alloc
	memoryPages = 2
)

func newBuilder(hostImports ...string) *builder {
	b := &builder{
		imports: make(map[string]uint32),
		funcs:   make(map[string]uint32),
	}
	for _, name := range hostImports {
		f, ok := hostapi.Lookup(name)
		if !ok {
			panic(fmt.Sprintf("devrt: unknown host function %q", name))
		}
		b.imports[name] = uint32(len(b.mod.Imports))
		b.mod.Imports = append(b.mod.Imports, wasm.Import{
			Module: hostapi.Module,
			Name:   name,
			Desc:   wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: b.mod.AddType(f.Type())},
		})
	}
	b.mod.Memories = []wasm.MemoryType{{Limits: wasm.Limits{Min: memoryPages}}}
	b.mod.Exports = append(b.mod.Exports, wasm.Export{Name: bytecode.ExportMemory, Kind: wasm.KindMemory})
	// Global 0 is the bump allocator's next free address.
	b.mod.Globals = append(b.mod.Globals, wasm.Global{
		Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true},
		Init: constExpr(heapBase),
	})
	return b
}

func (b *builder) host(name string) uint32 {
	idx, ok := b.imports[name]
	if !ok {
		panic(fmt.Sprintf("devrt: host function %q not imported", name))
	}
	return idx
}

func (b *builder) fn(name string) uint32 {
	idx, ok := b.funcs[name]
	if !ok {
		panic(fmt.Sprintf("devrt: function %q not declared", name))
	}
	return idx
}

// declare reserves a function index for name.
func (b *builder) declare(name string, ft wasm.FuncType) uint32 {
	idx := uint32(len(b.mod.Imports) + len(b.mod.Funcs))
	b.funcs[name] = idx
	b.mod.Funcs = append(b.mod.Funcs, b.mod.AddType(ft))
	b.mod.Code = append(b.mod.Code, wasm.FuncBody{})
	return idx
}

// define sets the body of a declared function. body must not include the
// final end.
func (b *builder) define(name string, locals []wasm.LocalEntry, body []ins) {
	idx := b.fn(name) - uint32(len(b.mod.Imports))
	b.mod.Code[idx] = wasm.FuncBody{
		Locals: locals,
		Code:   wasm.EncodeInstructions(append(body, end())),
	}
}

func (b *builder) export(name string) {
	b.mod.Exports = append(b.mod.Exports, wasm.Export{Name: name, Idx: b.fn(name), Kind: wasm.KindFunc})
}

// static places data in the static area and returns its address.
func (b *builder) static(data []byte) uint32 {
	addr := staticBase + b.statics
	b.mod.Data = append(b.mod.Data, wasm.DataSegment{Offset: constExpr(int32(addr)), Init: data})
	b.statics += uint32(len(data)+7) &^ 7
	if staticBase+b.statics > heapBase {
		panic("devrt: static area overflow")
	}
	return addr
}

// defineAlloc adds the bump allocator, growing memory on demand.
func (b *builder) defineAlloc() {
	const n, p = 0, 1
	b.declare(bytecode.ExportAlloc, allocSig)
	b.define(bytecode.ExportAlloc, []wasm.LocalEntry{{Count: 1, ValType: wasm.ValI32}}, []ins{
		gget(0), lset(p),
		gget(0), lget(n), op(wasm.OpI32Add), i32c(7), op(wasm.OpI32Add), i32c(-8), op(wasm.OpI32And), gset(0),
		block(),
		gget(0), memSize(), i32c(16), op(wasm.OpI32Shl), op(wasm.OpI32LeU), brIf(0),
		gget(0), memSize(), i32c(16), op(wasm.OpI32Shl), op(wasm.OpI32Sub),
		i32c(16), op(wasm.OpI32ShrU), i32c(1), op(wasm.OpI32Add),
		memGrow(), i32c(-1), op(wasm.OpI32Ne), brIf(0),
		op(wasm.OpUnreachable),
		end(),
		lget(p),
	})
	b.export(bytecode.ExportAlloc)
}

// packed pushes ptr<<32 | len for a static output buffer.
func packed(ptr, length uint32) ins {
	return i64c(int64(uint64(ptr)<<32 | uint64(length)))
}

// build appends the version section and encodes the module.
func (b *builder) build(v bytecode.Version) []byte {
	meta, err := bytecode.EncodeVersion(v)
	if err != nil {
		panic(fmt.Sprintf("devrt: encode version: %v", err))
	}
	b.mod.CustomSections = append(b.mod.CustomSections, wasm.CustomSection{
		Name: bytecode.MetadataSection,
		Data: meta,
	})
	return b.mod.Encode()
}
