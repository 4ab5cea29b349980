package wasm

import (
	"fmt"

	"github.com/wippyai/wasm-node/wasm/internal/binary"
)

// Instruction represents a decoded WebAssembly instruction
type Instruction struct {
	Imm    interface{}
	Opcode byte
}

// BlockImm holds the block type for block, loop and if.
type BlockImm struct {
	Type int32 // -64=empty, -1=i32, -2=i64, -3=f32, -4=f64, >=0=type index
}

// BranchImm holds the label index for br and br_if.
type BranchImm struct {
	LabelIdx uint32
}

// BrTableImm holds the label table for br_table.
type BrTableImm struct {
	Labels  []uint32
	Default uint32
}

// CallImm holds the function index for call.
type CallImm struct {
	FuncIdx uint32
}

// CallIndirectImm holds type and table indices for call_indirect.
type CallIndirectImm struct {
	TypeIdx  uint32
	TableIdx uint32
}

// LocalImm holds the local index for local.get, local.set, local.tee.
type LocalImm struct {
	LocalIdx uint32
}

// GlobalImm holds the global index for global.get and global.set.
type GlobalImm struct {
	GlobalIdx uint32
}

// TableImm holds the table index for table.get and table.set.
type TableImm struct {
	TableIdx uint32
}

// MemoryImm holds memory access parameters for loads and stores.
type MemoryImm struct {
	Offset uint32
	Align  uint32
}

// MemoryIdxImm holds the memory index for memory.size and memory.grow.
type MemoryIdxImm struct {
	MemIdx uint32
}

// I32Imm holds the constant for i32.const.
type I32Imm struct {
	Value int32
}

// I64Imm holds the constant for i64.const.
type I64Imm struct {
	Value int64
}

// RawImm holds the raw bytes of an immediate the node never interprets
// (float constants).
type RawImm struct {
	Bytes []byte
}

// SelectTypeImm holds the value types of a typed select.
type SelectTypeImm struct {
	Types []ValType
}

// RefNullImm holds the reference type of ref.null.
type RefNullImm struct {
	RefType byte
}

// RefFuncImm holds the function index of ref.func.
type RefFuncImm struct {
	FuncIdx uint32
}

// MiscImm holds the sub-opcode and immediates of 0xFC prefixed instructions.
type MiscImm struct {
	Operands  []uint32
	SubOpcode uint32
}

// UnsupportedOpcodeError reports an opcode outside the decoded instruction set.
type UnsupportedOpcodeError struct {
	Opcode    byte
	SubOpcode uint32
	Prefixed  bool
}

func (e *UnsupportedOpcodeError) Error() string {
	if e.Prefixed {
		return fmt.Sprintf("unsupported opcode 0x%02x %d", e.Opcode, e.SubOpcode)
	}
	return fmt.Sprintf("unsupported opcode 0x%02x", e.Opcode)
}

// DecodeInstructions decodes an expression into instructions.
func DecodeInstructions(code []byte) ([]Instruction, error) {
	r := binary.NewReader(code)
	instrs := make([]Instruction, 0, len(code)/2)
	for r.Len() > 0 {
		instr, err := decodeInstruction(r)
		if err != nil {
			return nil, r.WrapError("instruction", err)
		}
		instrs = append(instrs, instr)
	}
	return instrs, nil
}

func decodeInstruction(r *binary.Reader) (Instruction, error) {
	op, err := r.ReadByte()
	if err != nil {
		return Instruction{}, err
	}
	instr := Instruction{Opcode: op}

	switch {
	case op == OpBlock || op == OpLoop || op == OpIf:
		bt, err := r.ReadS32()
		if err != nil {
			return instr, err
		}
		instr.Imm = BlockImm{Type: bt}

	case op == OpBr || op == OpBrIf:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = BranchImm{LabelIdx: idx}

	case op == OpBrTable:
		count, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		if int(count) > r.Len() {
			return instr, fmt.Errorf("br_table count %d exceeds input", count)
		}
		labels := make([]uint32, count)
		for i := range labels {
			if labels[i], err = r.ReadU32(); err != nil {
				return instr, err
			}
		}
		def, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = BrTableImm{Labels: labels, Default: def}

	case op == OpCall:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = CallImm{FuncIdx: idx}

	case op == OpCallIndirect:
		typeIdx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		tableIdx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = CallIndirectImm{TypeIdx: typeIdx, TableIdx: tableIdx}

	case op == OpSelectTyped:
		count, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		if int(count) > r.Len() {
			return instr, fmt.Errorf("select type count %d exceeds input", count)
		}
		types := make([]ValType, count)
		for i := range types {
			b, err := r.ReadByte()
			if err != nil {
				return instr, err
			}
			types[i] = ValType(b)
		}
		instr.Imm = SelectTypeImm{Types: types}

	case op >= OpLocalGet && op <= OpLocalTee:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = LocalImm{LocalIdx: idx}

	case op == OpGlobalGet || op == OpGlobalSet:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = GlobalImm{GlobalIdx: idx}

	case op == OpTableGet || op == OpTableSet:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = TableImm{TableIdx: idx}

	case op >= OpI32Load && op <= OpI64Store32:
		align, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		if align&0x40 != 0 {
			return instr, &UnsupportedOpcodeError{Opcode: op}
		}
		offset, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = MemoryImm{Align: align, Offset: offset}

	case op == OpMemorySize || op == OpMemoryGrow:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = MemoryIdxImm{MemIdx: idx}

	case op == OpI32Const:
		v, err := r.ReadS32()
		if err != nil {
			return instr, err
		}
		instr.Imm = I32Imm{Value: v}

	case op == OpI64Const:
		v, err := r.ReadS64()
		if err != nil {
			return instr, err
		}
		instr.Imm = I64Imm{Value: v}

	case op == OpF32Const:
		b, err := r.ReadBytes(4)
		if err != nil {
			return instr, err
		}
		instr.Imm = RawImm{Bytes: b}

	case op == OpF64Const:
		b, err := r.ReadBytes(8)
		if err != nil {
			return instr, err
		}
		instr.Imm = RawImm{Bytes: b}

	case op == OpRefNull:
		t, err := r.ReadByte()
		if err != nil {
			return instr, err
		}
		instr.Imm = RefNullImm{RefType: t}

	case op == OpRefFunc:
		idx, err := r.ReadU32()
		if err != nil {
			return instr, err
		}
		instr.Imm = RefFuncImm{FuncIdx: idx}

	case op == OpPrefixMisc:
		imm, err := decodeMisc(r)
		if err != nil {
			return instr, err
		}
		instr.Imm = imm

	case isPlainOpcode(op):
		// no immediate

	default:
		return instr, &UnsupportedOpcodeError{Opcode: op}
	}
	return instr, nil
}

// isPlainOpcode reports whether op is an MVP, sign-extension or reference
// instruction without immediates.
func isPlainOpcode(op byte) bool {
	switch {
	case op == OpUnreachable, op == OpNop, op == OpElse, op == OpEnd, op == OpReturn:
		return true
	case op == OpDrop, op == OpSelect, op == OpRefIsNull:
		return true
	case op >= OpI32Eqz && op <= OpI64Extend32S:
		return true
	}
	return false
}

func decodeMisc(r *binary.Reader) (MiscImm, error) {
	sub, err := r.ReadU32()
	if err != nil {
		return MiscImm{}, err
	}
	var n int
	switch {
	case sub <= MiscI64TruncSatF64U:
		n = 0
	case sub == MiscMemoryInit, sub == MiscMemoryCopy, sub == MiscTableInit, sub == MiscTableCopy:
		n = 2
	case sub == MiscDataDrop, sub == MiscMemoryFill, sub == MiscElemDrop,
		sub == MiscTableGrow, sub == MiscTableSize, sub == MiscTableFill:
		n = 1
	default:
		return MiscImm{}, &UnsupportedOpcodeError{Opcode: OpPrefixMisc, SubOpcode: sub, Prefixed: true}
	}
	imm := MiscImm{SubOpcode: sub}
	for i := 0; i < n; i++ {
		v, err := r.ReadU32()
		if err != nil {
			return imm, err
		}
		imm.Operands = append(imm.Operands, v)
	}
	return imm, nil
}

// EncodeInstructions encodes instructions back to binary form.
func EncodeInstructions(instrs []Instruction) []byte {
	w := binary.NewWriter()
	for i := range instrs {
		encodeInstruction(w, &instrs[i])
	}
	return w.Bytes()
}

func encodeInstruction(w *binary.Writer, instr *Instruction) {
	w.Byte(instr.Opcode)
	switch imm := instr.Imm.(type) {
	case nil:
	case BlockImm:
		w.WriteS32(imm.Type)
	case BranchImm:
		w.WriteU32(imm.LabelIdx)
	case BrTableImm:
		w.WriteU32(uint32(len(imm.Labels)))
		for _, l := range imm.Labels {
			w.WriteU32(l)
		}
		w.WriteU32(imm.Default)
	case CallImm:
		w.WriteU32(imm.FuncIdx)
	case CallIndirectImm:
		w.WriteU32(imm.TypeIdx)
		w.WriteU32(imm.TableIdx)
	case SelectTypeImm:
		w.WriteU32(uint32(len(imm.Types)))
		for _, t := range imm.Types {
			w.Byte(byte(t))
		}
	case LocalImm:
		w.WriteU32(imm.LocalIdx)
	case GlobalImm:
		w.WriteU32(imm.GlobalIdx)
	case TableImm:
		w.WriteU32(imm.TableIdx)
	case MemoryImm:
		w.WriteU32(imm.Align)
		w.WriteU32(imm.Offset)
	case MemoryIdxImm:
		w.WriteU32(imm.MemIdx)
	case I32Imm:
		w.WriteS32(imm.Value)
	case I64Imm:
		w.WriteS64(imm.Value)
	case RawImm:
		w.WriteBytes(imm.Bytes)
	case RefNullImm:
		w.Byte(imm.RefType)
	case RefFuncImm:
		w.WriteU32(imm.FuncIdx)
	case MiscImm:
		w.WriteU32(imm.SubOpcode)
		for _, o := range imm.Operands {
			w.WriteU32(o)
		}
	default:
		panic(fmt.Sprintf("wasm: unknown immediate %T", imm))
	}
}

// readConstExpr reads a constant expression up to and including its end.
func readConstExpr(r *binary.Reader) ([]byte, error) {
	start := r.Position()
	for {
		instr, err := decodeInstruction(r)
		if err != nil {
			return nil, err
		}
		if instr.Opcode == OpEnd {
			return r.Slice(start, r.Position()), nil
		}
	}
}
