package wasm

import "github.com/wippyai/wasm-node/wasm/internal/binary"

// Encode serializes the module to binary format. Custom sections are
// written after all known sections.
func (m *Module) Encode() []byte {
	w := binary.NewWriter()
	w.WriteU32LE(Magic)
	w.WriteU32LE(Version)

	if len(m.Types) > 0 {
		s := binary.NewWriter()
		s.WriteU32(uint32(len(m.Types)))
		for _, ft := range m.Types {
			s.Byte(FuncTypeByte)
			writeValTypes(s, ft.Params)
			writeValTypes(s, ft.Results)
		}
		writeSection(w, SectionType, s.Bytes())
	}

	if len(m.Imports) > 0 {
		s := binary.NewWriter()
		s.WriteU32(uint32(len(m.Imports)))
		for _, imp := range m.Imports {
			s.WriteName(imp.Module)
			s.WriteName(imp.Name)
			s.Byte(imp.Desc.Kind)
			switch imp.Desc.Kind {
			case KindFunc:
				s.WriteU32(imp.Desc.TypeIdx)
			case KindTable:
				writeTableType(s, *imp.Desc.Table)
			case KindMemory:
				writeLimits(s, imp.Desc.Memory.Limits)
			case KindGlobal:
				writeGlobalType(s, *imp.Desc.Global)
			}
		}
		writeSection(w, SectionImport, s.Bytes())
	}

	if len(m.Funcs) > 0 {
		s := binary.NewWriter()
		s.WriteU32(uint32(len(m.Funcs)))
		for _, idx := range m.Funcs {
			s.WriteU32(idx)
		}
		writeSection(w, SectionFunction, s.Bytes())
	}

	if len(m.Tables) > 0 {
		s := binary.NewWriter()
		s.WriteU32(uint32(len(m.Tables)))
		for _, t := range m.Tables {
			writeTableType(s, t)
		}
		writeSection(w, SectionTable, s.Bytes())
	}

	if len(m.Memories) > 0 {
		s := binary.NewWriter()
		s.WriteU32(uint32(len(m.Memories)))
		for _, mem := range m.Memories {
			writeLimits(s, mem.Limits)
		}
		writeSection(w, SectionMemory, s.Bytes())
	}

	if len(m.Globals) > 0 {
		s := binary.NewWriter()
		s.WriteU32(uint32(len(m.Globals)))
		for _, g := range m.Globals {
			writeGlobalType(s, g.Type)
			s.WriteBytes(g.Init)
		}
		writeSection(w, SectionGlobal, s.Bytes())
	}

	if len(m.Exports) > 0 {
		s := binary.NewWriter()
		s.WriteU32(uint32(len(m.Exports)))
		for _, e := range m.Exports {
			s.WriteName(e.Name)
			s.Byte(e.Kind)
			s.WriteU32(e.Idx)
		}
		writeSection(w, SectionExport, s.Bytes())
	}

	if m.Start != nil {
		s := binary.NewWriter()
		s.WriteU32(*m.Start)
		writeSection(w, SectionStart, s.Bytes())
	}

	if len(m.Elements) > 0 {
		s := binary.NewWriter()
		s.WriteU32(uint32(len(m.Elements)))
		for _, el := range m.Elements {
			writeElement(s, el)
		}
		writeSection(w, SectionElement, s.Bytes())
	}

	if m.DataCount != nil {
		s := binary.NewWriter()
		s.WriteU32(*m.DataCount)
		writeSection(w, SectionDataCount, s.Bytes())
	}

	if len(m.Code) > 0 {
		s := binary.NewWriter()
		s.WriteU32(uint32(len(m.Code)))
		for _, body := range m.Code {
			b := binary.NewWriter()
			b.WriteU32(uint32(len(body.Locals)))
			for _, l := range body.Locals {
				b.WriteU32(l.Count)
				b.Byte(byte(l.ValType))
			}
			b.WriteBytes(body.Code)
			s.WriteVec(b.Bytes())
		}
		writeSection(w, SectionCode, s.Bytes())
	}

	if len(m.Data) > 0 {
		s := binary.NewWriter()
		s.WriteU32(uint32(len(m.Data)))
		for _, d := range m.Data {
			s.WriteU32(d.Flags)
			if d.Flags == 2 {
				s.WriteU32(d.MemIdx)
			}
			if d.Flags != 1 {
				s.WriteBytes(d.Offset)
			}
			s.WriteVec(d.Init)
		}
		writeSection(w, SectionData, s.Bytes())
	}

	for _, cs := range m.CustomSections {
		s := binary.NewWriter()
		s.WriteName(cs.Name)
		s.WriteBytes(cs.Data)
		writeSection(w, SectionCustom, s.Bytes())
	}

	return w.Bytes()
}

func writeSection(w *binary.Writer, id byte, data []byte) {
	w.Byte(id)
	w.WriteVec(data)
}

func writeValTypes(w *binary.Writer, types []ValType) {
	w.WriteU32(uint32(len(types)))
	for _, t := range types {
		w.Byte(byte(t))
	}
}

func writeLimits(w *binary.Writer, l Limits) {
	var flag byte
	if l.Max != nil {
		flag |= 0x01
	}
	if l.Shared {
		flag |= 0x02
	}
	w.Byte(flag)
	w.WriteU32(l.Min)
	if l.Max != nil {
		w.WriteU32(*l.Max)
	}
}

func writeTableType(w *binary.Writer, t TableType) {
	w.Byte(t.ElemType)
	writeLimits(w, t.Limits)
}

func writeGlobalType(w *binary.Writer, g GlobalType) {
	w.Byte(byte(g.ValType))
	if g.Mutable {
		w.Byte(1)
	} else {
		w.Byte(0)
	}
}

func writeElement(w *binary.Writer, el Element) {
	w.WriteU32(el.Flags)
	if el.Flags&2 != 0 && el.Flags&1 == 0 {
		w.WriteU32(el.TableIdx)
	}
	if el.Flags&1 == 0 {
		w.WriteBytes(el.Offset)
	}
	if el.Flags&3 != 0 {
		w.Byte(el.ElemKind)
	}
	if el.Flags&4 == 0 {
		w.WriteU32(uint32(len(el.FuncIdxs)))
		for _, idx := range el.FuncIdxs {
			w.WriteU32(idx)
		}
		return
	}
	w.WriteU32(uint32(len(el.Exprs)))
	for _, e := range el.Exprs {
		w.WriteBytes(e)
	}
}
