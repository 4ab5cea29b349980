package wasm

// WebAssembly binary format magic number and version.
const (
	// Magic is the WebAssembly binary magic number ("\0asm" in little-endian).
	Magic uint32 = 0x6D736100

	// Version is the supported WebAssembly binary format version.
	Version uint32 = 0x01
)

// Section IDs define the binary identifiers for each module section.
const (
	SectionCustom    byte = 0
	SectionType      byte = 1
	SectionImport    byte = 2
	SectionFunction  byte = 3
	SectionTable     byte = 4
	SectionMemory    byte = 5
	SectionGlobal    byte = 6
	SectionExport    byte = 7
	SectionStart     byte = 8
	SectionElement   byte = 9
	SectionCode      byte = 10
	SectionData      byte = 11
	SectionDataCount byte = 12
)

// Import/Export descriptor kinds.
const (
	KindFunc   byte = 0
	KindTable  byte = 1
	KindMemory byte = 2
	KindGlobal byte = 3
)

// Value type encodings.
const (
	ValI32     ValType = 0x7F
	ValI64     ValType = 0x7E
	ValF32     ValType = 0x7D
	ValF64     ValType = 0x7C
	ValV128    ValType = 0x7B
	ValFuncRef ValType = 0x70
	ValExtern  ValType = 0x6F
)

// Type constructors and markers.
const (
	FuncTypeByte byte = 0x60

	// BlockTypeEmpty is the block type of a block with no results, as
	// decoded from its signed LEB128 encoding (0x40).
	BlockTypeEmpty int32 = -64
)

// Control instructions
const (
	OpUnreachable  byte = 0x00
	OpNop          byte = 0x01
	OpBlock        byte = 0x02
	OpLoop         byte = 0x03
	OpIf           byte = 0x04
	OpElse         byte = 0x05
	OpEnd          byte = 0x0B
	OpBr           byte = 0x0C
	OpBrIf         byte = 0x0D
	OpBrTable      byte = 0x0E
	OpReturn       byte = 0x0F
	OpCall         byte = 0x10
	OpCallIndirect byte = 0x11
)

// Parametric and variable instructions
const (
	OpDrop        byte = 0x1A
	OpSelect      byte = 0x1B
	OpSelectTyped byte = 0x1C
	OpLocalGet    byte = 0x20
	OpLocalSet    byte = 0x21
	OpLocalTee    byte = 0x22
	OpGlobalGet   byte = 0x23
	OpGlobalSet   byte = 0x24
	OpTableGet    byte = 0x25
	OpTableSet    byte = 0x26
)

// Memory instructions
const (
	OpI32Load    byte = 0x28
	OpI64Load    byte = 0x29
	OpF32Load    byte = 0x2A
	OpF64Load    byte = 0x2B
	OpI32Load8S  byte = 0x2C
	OpI32Load8U  byte = 0x2D
	OpI32Load16S byte = 0x2E
	OpI32Load16U byte = 0x2F
	OpI64Load8S  byte = 0x30
	OpI64Load8U  byte = 0x31
	OpI64Load16S byte = 0x32
	OpI64Load16U byte = 0x33
	OpI64Load32S byte = 0x34
	OpI64Load32U byte = 0x35
	OpI32Store   byte = 0x36
	OpI64Store   byte = 0x37
	OpF32Store   byte = 0x38
	OpF64Store   byte = 0x39
	OpI32Store8  byte = 0x3A
	OpI32Store16 byte = 0x3B
	OpI64Store8  byte = 0x3C
	OpI64Store16 byte = 0x3D
	OpI64Store32 byte = 0x3E
	OpMemorySize byte = 0x3F
	OpMemoryGrow byte = 0x40
)

// Constants
const (
	OpI32Const byte = 0x41
	OpI64Const byte = 0x42
	OpF32Const byte = 0x43
	OpF64Const byte = 0x44
)

// Integer comparison and arithmetic. Float opcodes are only named where
// the decoder needs them; the full float range is classified by IsFloatOpcode.
const (
	OpI32Eqz  byte = 0x45
	OpI32Eq   byte = 0x46
	OpI32Ne   byte = 0x47
	OpI32LtS  byte = 0x48
	OpI32LtU  byte = 0x49
	OpI32GtS  byte = 0x4A
	OpI32GtU  byte = 0x4B
	OpI32LeS  byte = 0x4C
	OpI32LeU  byte = 0x4D
	OpI32GeS  byte = 0x4E
	OpI32GeU  byte = 0x4F
	OpI64Eqz  byte = 0x50
	OpI64Eq   byte = 0x51
	OpI64Ne   byte = 0x52
	OpI64LtS  byte = 0x53
	OpI64LtU  byte = 0x54
	OpI64GtS  byte = 0x55
	OpI64GtU  byte = 0x56
	OpI64LeS  byte = 0x57
	OpI64LeU  byte = 0x58
	OpI64GeS  byte = 0x59
	OpI64GeU  byte = 0x5A
	OpI32Clz  byte = 0x67
	OpI32Ctz  byte = 0x68
	OpI32Add  byte = 0x6A
	OpI32Sub  byte = 0x6B
	OpI32Mul  byte = 0x6C
	OpI32DivU byte = 0x6E
	OpI32RemU byte = 0x70
	OpI32And  byte = 0x71
	OpI32Or   byte = 0x72
	OpI32Xor  byte = 0x73
	OpI32Shl  byte = 0x74
	OpI32ShrS byte = 0x75
	OpI32ShrU byte = 0x76
	OpI64Add  byte = 0x7C
	OpI64Sub  byte = 0x7D
	OpI64Mul  byte = 0x7E
	OpI64DivU byte = 0x80
	OpI64RemU byte = 0x82
	OpI64And  byte = 0x83
	OpI64Or   byte = 0x84
	OpI64Xor  byte = 0x85
	OpI64Shl  byte = 0x86
	OpI64ShrS byte = 0x87
	OpI64ShrU byte = 0x88

	OpI32WrapI64    byte = 0xA7
	OpI64ExtendI32S byte = 0xAC
	OpI64ExtendI32U byte = 0xAD
	OpI32Extend8S   byte = 0xC0
	OpI64Extend32S  byte = 0xC4
)

// Reference instructions
const (
	OpRefNull   byte = 0xD0
	OpRefIsNull byte = 0xD1
	OpRefFunc   byte = 0xD2
)

// Prefixes. Only the misc prefix is decoded; the others belong to
// proposals the node never executes.
const (
	OpPrefixGC     byte = 0xFB
	OpPrefixMisc   byte = 0xFC
	OpPrefixSIMD   byte = 0xFD
	OpPrefixAtomic byte = 0xFE
)

// Misc (0xFC) sub-opcodes
const (
	MiscI32TruncSatF32S uint32 = 0
	MiscI64TruncSatF64U uint32 = 7
	MiscMemoryInit      uint32 = 8
	MiscDataDrop        uint32 = 9
	MiscMemoryCopy      uint32 = 10
	MiscMemoryFill      uint32 = 11
	MiscTableInit       uint32 = 12
	MiscElemDrop        uint32 = 13
	MiscTableCopy       uint32 = 14
	MiscTableGrow       uint32 = 15
	MiscTableSize       uint32 = 16
	MiscTableFill       uint32 = 17
)

// IsFloatOpcode reports whether a single-byte opcode reads, writes or
// produces a floating point value.
func IsFloatOpcode(op byte) bool {
	switch {
	case op == OpF32Load, op == OpF64Load, op == OpF32Store, op == OpF64Store:
		return true
	case op == OpF32Const, op == OpF64Const:
		return true
	case op >= 0x5B && op <= 0x66: // f32/f64 comparisons
		return true
	case op >= 0x8B && op <= 0xA6: // f32/f64 arithmetic
		return true
	case op >= 0xA8 && op <= 0xAB: // i32.trunc_f*
		return true
	case op >= 0xAE && op <= 0xBF: // i64.trunc_f*, converts, demote/promote, reinterpret
		return true
	}
	return false
}

// IsFloatType reports whether t is a floating point value type.
func IsFloatType(t ValType) bool {
	return t == ValF32 || t == ValF64
}
