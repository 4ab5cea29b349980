package instrument

import (
	"fmt"

	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/wasm"
)

// CostTable assigns a weight to every instruction.
type CostTable struct {
	// Overrides by single-byte opcode.
	Opcodes map[byte]uint64

	// Default applies to everything not overridden.
	Default uint64

	// Bulk is the fixed weight of memory.copy and memory.fill.
	Bulk uint64

	// PerByte is charged at run time for every byte memory.copy and
	// memory.fill touch, on top of Bulk.
	PerByte uint64
}

// DefaultCosts returns the weight schedule used by the node.
func DefaultCosts() *CostTable {
	return &CostTable{
		Default: 1,
		Bulk:    64,
		PerByte: 1,
		Opcodes: map[byte]uint64{
			wasm.OpCall:         4,
			wasm.OpCallIndirect: 6,
			wasm.OpMemoryGrow:   1024,
			wasm.OpI32DivU:      3,
			wasm.OpI32RemU:      3,
			wasm.OpI64DivU:      3,
			wasm.OpI64RemU:      3,
			0x6D:                3, // i32.div_s
			0x6F:                3, // i32.rem_s
			0x7F:                3, // i64.div_s
			0x81:                3, // i64.rem_s
			wasm.OpNop:          0,
			wasm.OpEnd:          0,
			wasm.OpElse:         0,
		},
	}
}

// Cost returns the static weight of a single instruction.
func (c *CostTable) Cost(in wasm.Instruction) uint64 {
	if in.Opcode == wasm.OpPrefixMisc {
		return c.Bulk
	}
	if w, ok := c.Opcodes[in.Opcode]; ok {
		return w
	}
	return c.Default
}

// endsSegment reports whether control may leave or enter the code right
// after in.
func endsSegment(op byte) bool {
	switch op {
	case wasm.OpBlock, wasm.OpLoop, wasm.OpIf, wasm.OpElse, wasm.OpEnd,
		wasm.OpBr, wasm.OpBrIf, wasm.OpBrTable, wasm.OpReturn,
		wasm.OpCall, wasm.OpCallIndirect, wasm.OpUnreachable:
		return true
	}
	return false
}

// isBulk reports whether in is memory.copy or memory.fill. Both take the
// byte count as their last operand.
func isBulk(in wasm.Instruction) bool {
	if in.Opcode != wasm.OpPrefixMisc {
		return false
	}
	sub := in.Imm.(wasm.MiscImm).SubOpcode
	return sub == wasm.MiscMemoryCopy || sub == wasm.MiscMemoryFill
}

// InjectMetering adds the gas import to m and charges every segment of
// every function body. Calls between defined functions are wrapped in a
// depth counter that traps once more than maxDepth calls are nested, so
// every engine runs out of stack at the same point. It returns the number
// of static charges inserted.
func InjectMetering(m *wasm.Module, hostModule string, costs *CostTable, maxDepth uint32) (int, error) {
	if len(m.Funcs) != len(m.Code) {
		return 0, errors.MalformedModule(fmt.Sprintf("%d functions but %d bodies", len(m.Funcs), len(m.Code)), nil)
	}
	r := &rewriter{
		costs:    costs,
		imported: m.NumImportedFuncs(),
		maxDepth: maxDepth,
	}
	gasType := m.AddType(wasm.FuncType{Params: []wasm.ValType{wasm.ValI64}})
	r.gas = r.imported

	// Globals are never imported, so the counter's index is the count of
	// defined globals.
	r.depth = uint32(len(m.Globals))
	m.Globals = append(m.Globals, wasm.Global{
		Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true},
		Init: wasm.EncodeInstructions([]wasm.Instruction{
			{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{}},
			{Opcode: wasm.OpEnd},
		}),
	})

	total := 0
	for i := range m.Code {
		fb := &m.Code[i]
		instrs, err := wasm.DecodeInstructions(fb.Code)
		if err != nil {
			return 0, classify(err)
		}
		var scratch uint32
		if costs.PerByte > 0 && containsBulk(instrs) {
			if int(m.Funcs[i]) >= len(m.Types) {
				return 0, errors.MalformedModule(fmt.Sprintf("func[%d]: type index %d out of range", i, m.Funcs[i]), nil)
			}
			scratch = localCount(m.Types[m.Funcs[i]], fb.Locals)
			fb.Locals = append(fb.Locals, wasm.LocalEntry{Count: 1, ValType: wasm.ValI32})
		}
		out, n := r.body(instrs, scratch)
		fb.Code = wasm.EncodeInstructions(out)
		total += n
	}

	m.Imports = append(m.Imports, wasm.Import{
		Module: hostModule,
		Name:   GasImport,
		Desc:   wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: gasType},
	})

	for i := range m.Exports {
		if m.Exports[i].Kind == wasm.KindFunc {
			m.Exports[i].Idx = r.shift(m.Exports[i].Idx)
		}
	}
	if m.Start != nil {
		s := r.shift(*m.Start)
		m.Start = &s
	}
	for i := range m.Elements {
		el := &m.Elements[i]
		if len(el.Exprs) > 0 {
			return 0, errors.Unsupported([]string{fmt.Sprintf("elem[%d]", i)}, "expression element segment")
		}
		for j := range el.FuncIdxs {
			el.FuncIdxs[j] = r.shift(el.FuncIdxs[j])
		}
	}
	return total, nil
}

func containsBulk(instrs []wasm.Instruction) bool {
	for _, in := range instrs {
		if isBulk(in) {
			return true
		}
	}
	return false
}

// localCount is the index of the next local a body can declare.
func localCount(ft wasm.FuncType, locals []wasm.LocalEntry) uint32 {
	n := uint32(len(ft.Params))
	for _, l := range locals {
		n += l.Count
	}
	return n
}

type rewriter struct {
	costs    *CostTable
	imported uint32 // function imports of the original module
	gas      uint32
	depth    uint32 // global holding the current call depth
	maxDepth uint32
}

func (r *rewriter) shift(idx uint32) uint32 {
	if idx >= r.imported {
		return idx + 1
	}
	return idx
}

// body rewrites one function body. Each segment's charge is placed before
// its first instruction; the boundary instruction that closes a segment is
// charged in that segment. scratch is the i32 local reserved for bulk
// memory lengths.
func (r *rewriter) body(instrs []wasm.Instruction, scratch uint32) ([]wasm.Instruction, int) {
	out := make([]wasm.Instruction, 0, len(instrs)+len(instrs)/2)
	charges := 0
	start := 0

	flush := func(end int) {
		var cost uint64
		for _, in := range instrs[start:end] {
			cost += r.costs.Cost(in)
		}
		if cost > 0 {
			out = r.charge(out, int64(cost))
			charges++
		}
		for _, in := range instrs[start:end] {
			switch {
			case in.Opcode == wasm.OpCall:
				callee := in.Imm.(wasm.CallImm).FuncIdx
				in.Imm = wasm.CallImm{FuncIdx: r.shift(callee)}
				if callee >= r.imported {
					out = r.nested(out, in)
					continue
				}
			case in.Opcode == wasm.OpCallIndirect:
				out = r.nested(out, in)
				continue
			case isBulk(in) && r.costs.PerByte > 0:
				out = r.chargeLength(out, scratch)
			}
			out = append(out, in)
		}
		start = end
	}

	for i, in := range instrs {
		if endsSegment(in.Opcode) {
			flush(i + 1)
		}
	}
	if start < len(instrs) {
		flush(len(instrs))
	}
	return out, charges
}

func (r *rewriter) charge(out []wasm.Instruction, amount int64) []wasm.Instruction {
	return append(out,
		wasm.Instruction{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: amount}},
		wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: r.gas}},
	)
}

// chargeLength charges the byte count on top of the stack without
// consuming it.
func (r *rewriter) chargeLength(out []wasm.Instruction, scratch uint32) []wasm.Instruction {
	return append(out,
		wasm.Instruction{Opcode: wasm.OpLocalTee, Imm: wasm.LocalImm{LocalIdx: scratch}},
		wasm.Instruction{Opcode: wasm.OpI64ExtendI32U},
		wasm.Instruction{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: int64(r.costs.PerByte)}},
		wasm.Instruction{Opcode: wasm.OpI64Mul},
		wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: r.gas}},
		wasm.Instruction{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: scratch}},
	)
}

// nested surrounds call with the depth counter. The callee may return
// through any path; the counter is restored once control is back here.
func (r *rewriter) nested(out []wasm.Instruction, call wasm.Instruction) []wasm.Instruction {
	depth := wasm.GlobalImm{GlobalIdx: r.depth}
	return append(out,
		wasm.Instruction{Opcode: wasm.OpGlobalGet, Imm: depth},
		wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 1}},
		wasm.Instruction{Opcode: wasm.OpI32Add},
		wasm.Instruction{Opcode: wasm.OpGlobalSet, Imm: depth},
		wasm.Instruction{Opcode: wasm.OpGlobalGet, Imm: depth},
		wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: int32(r.maxDepth)}},
		wasm.Instruction{Opcode: wasm.OpI32GtU},
		wasm.Instruction{Opcode: wasm.OpIf, Imm: wasm.BlockImm{Type: wasm.BlockTypeEmpty}},
		wasm.Instruction{Opcode: wasm.OpUnreachable},
		wasm.Instruction{Opcode: wasm.OpEnd},
		call,
		wasm.Instruction{Opcode: wasm.OpGlobalGet, Imm: depth},
		wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 1}},
		wasm.Instruction{Opcode: wasm.OpI32Sub},
		wasm.Instruction{Opcode: wasm.OpGlobalSet, Imm: depth},
	)
}
