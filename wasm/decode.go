package wasm

import (
	"errors"
	"fmt"

	"github.com/wippyai/wasm-node/wasm/internal/binary"
)

// Parsing errors returned by ParseModule.
var (
	ErrInvalidMagic   = errors.New("invalid wasm magic number")
	ErrInvalidVersion = errors.New("invalid wasm version")
)

// UnsupportedError reports a structurally valid construct that belongs to
// a proposal this package does not decode.
type UnsupportedError struct {
	What string
}

func (e *UnsupportedError) Error() string {
	return "unsupported: " + e.What
}

// ParseModule parses a WebAssembly binary module.
//
// Function bodies are kept as raw expressions; use DecodeInstructions to
// inspect them.
func ParseModule(data []byte) (*Module, error) {
	r := binary.NewReader(data)

	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if magic != Magic {
		return nil, ErrInvalidMagic
	}
	version, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if version != Version {
		return nil, ErrInvalidVersion
	}

	m := &Module{}
	var lastSectionOrder int

	for r.Len() > 0 {
		sectionID, err := r.ReadByte()
		if err != nil {
			return nil, r.WrapError("section header", err)
		}

		if sectionID != SectionCustom {
			order := sectionOrder(sectionID)
			if order == 0 {
				return nil, &UnsupportedError{What: fmt.Sprintf("section id 0x%02x", sectionID)}
			}
			if order <= lastSectionOrder {
				return nil, fmt.Errorf("section %d appears out of order", sectionID)
			}
			lastSectionOrder = order
		}

		sectionSize, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("section size", err)
		}
		sectionData, err := r.ReadBytes(int(sectionSize))
		if err != nil {
			return nil, r.WrapError("section data", err)
		}

		sr := binary.NewReader(sectionData)
		name, parse := sectionParser(sectionID)
		if err := parse(sr, m); err != nil {
			return nil, fmt.Errorf("%s section: %w", name, err)
		}
		if sr.Len() != 0 {
			return nil, fmt.Errorf("%s section: %d trailing bytes", name, sr.Len())
		}
	}

	if len(m.Funcs) != len(m.Code) {
		return nil, fmt.Errorf("function and code section length mismatch: %d != %d", len(m.Funcs), len(m.Code))
	}
	return m, nil
}

func sectionParser(id byte) (string, func(*binary.Reader, *Module) error) {
	switch id {
	case SectionType:
		return "type", parseTypeSection
	case SectionImport:
		return "import", parseImportSection
	case SectionFunction:
		return "function", parseFunctionSection
	case SectionTable:
		return "table", parseTableSection
	case SectionMemory:
		return "memory", parseMemorySection
	case SectionGlobal:
		return "global", parseGlobalSection
	case SectionExport:
		return "export", parseExportSection
	case SectionStart:
		return "start", parseStartSection
	case SectionElement:
		return "element", parseElementSection
	case SectionDataCount:
		return "data count", parseDataCountSection
	case SectionCode:
		return "code", parseCodeSection
	case SectionData:
		return "data", parseDataSection
	}
	return "custom", parseCustomSection
}

// sectionOrder maps a section id to its canonical position; DataCount
// sits between Element and Code.
func sectionOrder(id byte) int {
	switch id {
	case SectionType:
		return 1
	case SectionImport:
		return 2
	case SectionFunction:
		return 3
	case SectionTable:
		return 4
	case SectionMemory:
		return 5
	case SectionGlobal:
		return 6
	case SectionExport:
		return 7
	case SectionStart:
		return 8
	case SectionElement:
		return 9
	case SectionDataCount:
		return 10
	case SectionCode:
		return 11
	case SectionData:
		return 12
	}
	return 0
}

// count reads a vector length and rejects lengths that cannot fit in the
// remaining input, so a hostile header cannot force a huge allocation.
func count(r *binary.Reader) (uint32, error) {
	n, err := r.ReadU32()
	if err != nil {
		return 0, err
	}
	if int(n) > r.Len() {
		return 0, fmt.Errorf("vector length %d exceeds remaining %d bytes", n, r.Len())
	}
	return n, nil
}

func parseCustomSection(r *binary.Reader, m *Module) error {
	name, err := r.ReadName()
	if err != nil {
		return err
	}
	data, err := r.ReadBytes(r.Len())
	if err != nil {
		return err
	}
	m.CustomSections = append(m.CustomSections, CustomSection{Name: name, Data: data})
	return nil
}

func parseTypeSection(r *binary.Reader, m *Module) error {
	n, err := count(r)
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, 0, n)
	for i := uint32(0); i < n; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		if form != FuncTypeByte {
			return &UnsupportedError{What: fmt.Sprintf("type form 0x%02x", form)}
		}
		params, err := readValTypes(r)
		if err != nil {
			return err
		}
		results, err := readValTypes(r)
		if err != nil {
			return err
		}
		m.Types = append(m.Types, FuncType{Params: params, Results: results})
	}
	return nil
}

func readValTypes(r *binary.Reader) ([]ValType, error) {
	n, err := count(r)
	if err != nil {
		return nil, err
	}
	types := make([]ValType, n)
	for i := range types {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if !knownValType(ValType(b)) {
			return nil, &UnsupportedError{What: fmt.Sprintf("value type 0x%02x", b)}
		}
		types[i] = ValType(b)
	}
	return types, nil
}

func knownValType(t ValType) bool {
	switch t {
	case ValI32, ValI64, ValF32, ValF64, ValV128, ValFuncRef, ValExtern:
		return true
	}
	return false
}

func parseImportSection(r *binary.Reader, m *Module) error {
	n, err := count(r)
	if err != nil {
		return err
	}
	m.Imports = make([]Import, 0, n)
	for i := uint32(0); i < n; i++ {
		mod, err := r.ReadName()
		if err != nil {
			return err
		}
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		imp := Import{Module: mod, Name: name, Desc: ImportDesc{Kind: kind}}
		switch kind {
		case KindFunc:
			if imp.Desc.TypeIdx, err = r.ReadU32(); err != nil {
				return err
			}
		case KindTable:
			tt, err := readTableType(r)
			if err != nil {
				return err
			}
			imp.Desc.Table = &tt
		case KindMemory:
			lim, err := readLimits(r)
			if err != nil {
				return err
			}
			imp.Desc.Memory = &MemoryType{Limits: lim}
		case KindGlobal:
			gt, err := readGlobalType(r)
			if err != nil {
				return err
			}
			imp.Desc.Global = &gt
		default:
			return &UnsupportedError{What: fmt.Sprintf("import kind 0x%02x", kind)}
		}
		m.Imports = append(m.Imports, imp)
	}
	return nil
}

func parseFunctionSection(r *binary.Reader, m *Module) error {
	n, err := count(r)
	if err != nil {
		return err
	}
	m.Funcs = make([]uint32, n)
	for i := range m.Funcs {
		if m.Funcs[i], err = r.ReadU32(); err != nil {
			return err
		}
	}
	return nil
}

func parseTableSection(r *binary.Reader, m *Module) error {
	n, err := count(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		tt, err := readTableType(r)
		if err != nil {
			return err
		}
		m.Tables = append(m.Tables, tt)
	}
	return nil
}

func parseMemorySection(r *binary.Reader, m *Module) error {
	n, err := count(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		lim, err := readLimits(r)
		if err != nil {
			return err
		}
		m.Memories = append(m.Memories, MemoryType{Limits: lim})
	}
	return nil
}

func parseGlobalSection(r *binary.Reader, m *Module) error {
	n, err := count(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		gt, err := readGlobalType(r)
		if err != nil {
			return err
		}
		init, err := readConstExpr(r)
		if err != nil {
			return err
		}
		m.Globals = append(m.Globals, Global{Type: gt, Init: init})
	}
	return nil
}

func parseExportSection(r *binary.Reader, m *Module) error {
	n, err := count(r)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, n)
	for i := uint32(0); i < n; i++ {
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		if seen[name] {
			return fmt.Errorf("duplicate export %q", name)
		}
		seen[name] = true
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		if kind > KindGlobal {
			return &UnsupportedError{What: fmt.Sprintf("export kind 0x%02x", kind)}
		}
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		m.Exports = append(m.Exports, Export{Name: name, Kind: kind, Idx: idx})
	}
	return nil
}

func parseStartSection(r *binary.Reader, m *Module) error {
	idx, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Start = &idx
	return nil
}

func parseElementSection(r *binary.Reader, m *Module) error {
	n, err := count(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		flags, err := r.ReadU32()
		if err != nil {
			return err
		}
		if flags > 7 {
			return fmt.Errorf("invalid element segment flags %d", flags)
		}
		el := Element{Flags: flags}

		if flags&2 != 0 && flags&1 == 0 {
			if el.TableIdx, err = r.ReadU32(); err != nil {
				return err
			}
		}
		if flags&1 == 0 {
			if el.Offset, err = readConstExpr(r); err != nil {
				return err
			}
		}
		if flags&3 != 0 {
			if el.ElemKind, err = r.ReadByte(); err != nil {
				return err
			}
		}

		cnt, err := count(r)
		if err != nil {
			return err
		}
		if flags&4 == 0 {
			el.FuncIdxs = make([]uint32, cnt)
			for j := range el.FuncIdxs {
				if el.FuncIdxs[j], err = r.ReadU32(); err != nil {
					return err
				}
			}
		} else {
			el.Exprs = make([][]byte, cnt)
			for j := range el.Exprs {
				if el.Exprs[j], err = readConstExpr(r); err != nil {
					return err
				}
			}
		}
		m.Elements = append(m.Elements, el)
	}
	return nil
}

func parseDataCountSection(r *binary.Reader, m *Module) error {
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.DataCount = &n
	return nil
}

func parseCodeSection(r *binary.Reader, m *Module) error {
	n, err := count(r)
	if err != nil {
		return err
	}
	m.Code = make([]FuncBody, 0, n)
	for i := uint32(0); i < n; i++ {
		size, err := r.ReadU32()
		if err != nil {
			return err
		}
		raw, err := r.ReadBytes(int(size))
		if err != nil {
			return err
		}
		body, err := parseFuncBody(raw)
		if err != nil {
			return fmt.Errorf("func %d: %w", i, err)
		}
		m.Code = append(m.Code, body)
	}
	return nil
}

func parseFuncBody(raw []byte) (FuncBody, error) {
	br := binary.NewReader(raw)
	groups, err := count(br)
	if err != nil {
		return FuncBody{}, err
	}
	var body FuncBody
	var total uint64
	for j := uint32(0); j < groups; j++ {
		c, err := br.ReadU32()
		if err != nil {
			return body, err
		}
		t, err := br.ReadByte()
		if err != nil {
			return body, err
		}
		if !knownValType(ValType(t)) {
			return body, &UnsupportedError{What: fmt.Sprintf("local type 0x%02x", t)}
		}
		total += uint64(c)
		if total > 50000 {
			return body, fmt.Errorf("too many locals: %d", total)
		}
		body.Locals = append(body.Locals, LocalEntry{Count: c, ValType: ValType(t)})
	}
	body.Code, err = br.ReadBytes(br.Len())
	if err != nil {
		return body, err
	}
	if len(body.Code) == 0 || body.Code[len(body.Code)-1] != OpEnd {
		return body, errors.New("function body does not end with end")
	}
	return body, nil
}

func parseDataSection(r *binary.Reader, m *Module) error {
	n, err := count(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		flags, err := r.ReadU32()
		if err != nil {
			return err
		}
		seg := DataSegment{Flags: flags}
		switch flags {
		case 0:
		case 1:
		case 2:
			if seg.MemIdx, err = r.ReadU32(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("invalid data segment flags %d", flags)
		}
		if flags != 1 {
			if seg.Offset, err = readConstExpr(r); err != nil {
				return err
			}
		}
		size, err := r.ReadU32()
		if err != nil {
			return err
		}
		if seg.Init, err = r.ReadBytes(int(size)); err != nil {
			return err
		}
		m.Data = append(m.Data, seg)
	}
	return nil
}

func readLimits(r *binary.Reader) (Limits, error) {
	flag, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	if flag > 0x03 {
		return Limits{}, &UnsupportedError{What: fmt.Sprintf("limits flag 0x%02x", flag)}
	}
	var lim Limits
	if lim.Min, err = r.ReadU32(); err != nil {
		return lim, err
	}
	if flag&0x01 != 0 {
		hi, err := r.ReadU32()
		if err != nil {
			return lim, err
		}
		if hi < lim.Min {
			return lim, fmt.Errorf("limits max %d below min %d", hi, lim.Min)
		}
		lim.Max = &hi
	}
	lim.Shared = flag&0x02 != 0
	return lim, nil
}

func readTableType(r *binary.Reader) (TableType, error) {
	et, err := r.ReadByte()
	if err != nil {
		return TableType{}, err
	}
	if ValType(et) != ValFuncRef && ValType(et) != ValExtern {
		return TableType{}, &UnsupportedError{What: fmt.Sprintf("table element type 0x%02x", et)}
	}
	lim, err := readLimits(r)
	if err != nil {
		return TableType{}, err
	}
	return TableType{ElemType: et, Limits: lim}, nil
}

func readGlobalType(r *binary.Reader) (GlobalType, error) {
	vt, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	if !knownValType(ValType(vt)) {
		return GlobalType{}, &UnsupportedError{What: fmt.Sprintf("global type 0x%02x", vt)}
	}
	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	if mut > 1 {
		return GlobalType{}, fmt.Errorf("invalid global mutability %d", mut)
	}
	return GlobalType{ValType: ValType(vt), Mutable: mut == 1}, nil
}
