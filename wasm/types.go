package wasm

// Module represents a parsed WebAssembly module
type Module struct {
	Types    []FuncType
	Imports  []Import
	Funcs    []uint32 // Type indices for declared functions
	Tables   []TableType
	Memories []MemoryType
	Globals  []Global
	Exports  []Export
	Start    *uint32
	Elements []Element
	Code     []FuncBody
	Data     []DataSegment

	// DataCount holds the count from the DataCount section, if present.
	DataCount *uint32

	CustomSections []CustomSection
}

// ValType is a WebAssembly value type
type ValType byte

// String returns the text format name of the type
func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValV128:
		return "v128"
	case ValFuncRef:
		return "funcref"
	case ValExtern:
		return "externref"
	}
	return "unknown"
}

// FuncType represents a function signature
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether two signatures are identical
func (f FuncType) Equal(o FuncType) bool {
	if len(f.Params) != len(o.Params) || len(f.Results) != len(o.Results) {
		return false
	}
	for i := range f.Params {
		if f.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range f.Results {
		if f.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

// Limits bounds a table or memory
type Limits struct {
	Max    *uint32
	Min    uint32
	Shared bool
}

// TableType describes a table
type TableType struct {
	Limits   Limits
	ElemType byte
}

// MemoryType describes a linear memory
type MemoryType struct {
	Limits Limits
}

// GlobalType describes a global
type GlobalType struct {
	ValType ValType
	Mutable bool
}

// Global is a module-defined global with its constant initializer
type Global struct {
	Init []byte // constant expression including the trailing end
	Type GlobalType
}

// Import is a single import entry
type Import struct {
	Module string
	Name   string
	Desc   ImportDesc
}

// ImportDesc describes what an import provides
type ImportDesc struct {
	Table   *TableType
	Memory  *MemoryType
	Global  *GlobalType
	TypeIdx uint32
	Kind    byte
}

// Export is a single export entry
type Export struct {
	Name string
	Idx  uint32
	Kind byte
}

// Element is an element segment. Flags follow the binary encoding (0-7).
type Element struct {
	Offset   []byte   // active segments only
	FuncIdxs []uint32 // flags 0-3
	Exprs    [][]byte // flags 4-7
	TableIdx uint32
	Flags    uint32
	ElemKind byte // elemkind (flags 1-3) or reftype (flags 5-7)
}

// Active reports whether the segment is applied at instantiation
func (e Element) Active() bool {
	return e.Flags&1 == 0
}

// DataSegment is a data segment. Flags follow the binary encoding (0-2).
type DataSegment struct {
	Offset []byte
	Init   []byte
	MemIdx uint32
	Flags  uint32
}

// LocalEntry declares Count locals of one type
type LocalEntry struct {
	Count   uint32
	ValType ValType
}

// FuncBody is a function body; Code holds the expression including its final end
type FuncBody struct {
	Locals []LocalEntry
	Code   []byte
}

// CustomSection is a named custom section
type CustomSection struct {
	Name string
	Data []byte
}

// NumImportedFuncs returns the number of imported functions
func (m *Module) NumImportedFuncs() uint32 {
	var n uint32
	for _, imp := range m.Imports {
		if imp.Desc.Kind == KindFunc {
			n++
		}
	}
	return n
}

// NumFuncs returns the size of the function index space
func (m *Module) NumFuncs() uint32 {
	return m.NumImportedFuncs() + uint32(len(m.Funcs))
}

// FuncTypeOf returns the signature of a function by index in the function index space
func (m *Module) FuncTypeOf(idx uint32) (*FuncType, bool) {
	var typeIdx uint32
	imported := m.NumImportedFuncs()
	if idx < imported {
		var n uint32
		for _, imp := range m.Imports {
			if imp.Desc.Kind != KindFunc {
				continue
			}
			if n == idx {
				typeIdx = imp.Desc.TypeIdx
				break
			}
			n++
		}
	} else {
		local := idx - imported
		if local >= uint32(len(m.Funcs)) {
			return nil, false
		}
		typeIdx = m.Funcs[local]
	}
	if typeIdx >= uint32(len(m.Types)) {
		return nil, false
	}
	return &m.Types[typeIdx], true
}

// Export returns the export with the given name, or nil
func (m *Module) Export(name string) *Export {
	for i := range m.Exports {
		if m.Exports[i].Name == name {
			return &m.Exports[i]
		}
	}
	return nil
}

// CustomSection returns the payload of the first custom section with the given name
func (m *Module) CustomSection(name string) ([]byte, bool) {
	for _, cs := range m.CustomSections {
		if cs.Name == name {
			return cs.Data, true
		}
	}
	return nil, false
}

// AddType returns the index of ft, appending it when not already present
func (m *Module) AddType(ft FuncType) uint32 {
	for i, existing := range m.Types {
		if existing.Equal(ft) {
			return uint32(i)
		}
	}
	m.Types = append(m.Types, ft)
	return uint32(len(m.Types) - 1)
}
