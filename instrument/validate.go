package instrument

import (
	"fmt"

	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/wasm"
)

// Validate checks that m only uses the deterministic subset of WebAssembly
// and imports nothing but known host functions.
func Validate(m *wasm.Module, cfg Config) error {
	cfg = cfg.withDefaults()
	v := validator{m: m, cfg: cfg, numTypes: uint32(len(m.Types))}
	checks := []func() error{
		v.types,
		v.imports,
		v.memories,
		v.tables,
		v.globals,
		v.start,
		v.elements,
		v.data,
		v.functions,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

type validator struct {
	m        *wasm.Module
	cfg      Config
	numTypes uint32
}

func unsupported(path string, format string, args ...any) error {
	return errors.Unsupported([]string{path}, fmt.Sprintf(format, args...))
}

func malformed(format string, args ...any) error {
	return errors.MalformedModule(fmt.Sprintf(format, args...), nil)
}

// deterministicType reports whether values of t may appear anywhere in a
// runtime. Only integers qualify.
func deterministicType(t wasm.ValType) bool {
	return t == wasm.ValI32 || t == wasm.ValI64
}

func (v *validator) types() error {
	for i, ft := range v.m.Types {
		for _, t := range append(append([]wasm.ValType{}, ft.Params...), ft.Results...) {
			if !deterministicType(t) {
				return unsupported(fmt.Sprintf("type[%d]", i), "value type %s", t)
			}
		}
	}
	return nil
}

func (v *validator) imports() error {
	for _, imp := range v.m.Imports {
		path := imp.Module + "." + imp.Name
		if imp.Desc.Kind != wasm.KindFunc {
			return unsupported(path, "only function imports are allowed")
		}
		if imp.Module != v.cfg.HostModule {
			return unsupported(path, "unknown import module %q", imp.Module)
		}
		if imp.Name == GasImport {
			return unsupported(path, "import name %q is reserved", GasImport)
		}
		want, ok := v.cfg.Imports[imp.Name]
		if !ok {
			return unsupported(path, "unknown host function")
		}
		if imp.Desc.TypeIdx >= v.numTypes {
			return malformed("import %s: type index %d out of range", path, imp.Desc.TypeIdx)
		}
		if !v.m.Types[imp.Desc.TypeIdx].Equal(want) {
			return malformed("import %s: signature mismatch", path)
		}
	}
	return nil
}

func (v *validator) memories() error {
	if len(v.m.Memories) > 1 {
		return unsupported("memory", "multiple memories")
	}
	for _, mem := range v.m.Memories {
		if mem.Limits.Shared {
			return unsupported("memory", "shared memory")
		}
		if v.cfg.MaxMemoryPages > 0 && mem.Limits.Min > v.cfg.MaxMemoryPages {
			return unsupported("memory", "minimum %d pages exceeds limit %d", mem.Limits.Min, v.cfg.MaxMemoryPages)
		}
	}
	return nil
}

func (v *validator) tables() error {
	if len(v.m.Tables) > 1 {
		return unsupported("table", "multiple tables")
	}
	for _, t := range v.m.Tables {
		if wasm.ValType(t.ElemType) != wasm.ValFuncRef {
			return unsupported("table", "element type %s", wasm.ValType(t.ElemType))
		}
	}
	return nil
}

func (v *validator) globals() error {
	for i, g := range v.m.Globals {
		path := fmt.Sprintf("global[%d]", i)
		if !deterministicType(g.Type.ValType) {
			return unsupported(path, "value type %s", g.Type.ValType)
		}
		if err := v.constExpr(path, g.Init); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) start() error {
	if v.m.Start != nil {
		return unsupported("start", "start function")
	}
	return nil
}

func (v *validator) elements() error {
	for i, el := range v.m.Elements {
		path := fmt.Sprintf("elem[%d]", i)
		if el.Flags != 0 && el.Flags != 2 {
			return unsupported(path, "element segment flags %d", el.Flags)
		}
		if el.ElemKind != 0 {
			return unsupported(path, "element kind %d", el.ElemKind)
		}
		if err := v.constExpr(path, el.Offset); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) data() error {
	for i, d := range v.m.Data {
		path := fmt.Sprintf("data[%d]", i)
		if d.Flags == 1 {
			return unsupported(path, "passive data segment")
		}
		if err := v.constExpr(path, d.Offset); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) constExpr(path string, expr []byte) error {
	instrs, err := wasm.DecodeInstructions(expr)
	if err != nil {
		return classify(err)
	}
	for _, in := range instrs {
		switch in.Opcode {
		case wasm.OpI32Const, wasm.OpI64Const, wasm.OpGlobalGet, wasm.OpEnd:
		default:
			return unsupported(path, "constant expression opcode 0x%02x", in.Opcode)
		}
	}
	return nil
}

func (v *validator) functions() error {
	for i, typeIdx := range v.m.Funcs {
		if typeIdx >= v.numTypes {
			return malformed("func[%d]: type index %d out of range", i, typeIdx)
		}
	}
	if len(v.m.Funcs) != len(v.m.Code) {
		return malformed("%d functions but %d bodies", len(v.m.Funcs), len(v.m.Code))
	}
	for i, body := range v.m.Code {
		path := fmt.Sprintf("func[%d]", i)
		locals := uint64(len(v.m.Types[v.m.Funcs[i]].Params))
		for _, l := range body.Locals {
			if !deterministicType(l.ValType) {
				return unsupported(path, "local type %s", l.ValType)
			}
			locals += uint64(l.Count)
		}
		if locals > uint64(v.cfg.MaxLocals) {
			return unsupported(path, "%d locals exceed limit %d", locals, v.cfg.MaxLocals)
		}
		instrs, err := wasm.DecodeInstructions(body.Code)
		if err != nil {
			return classify(err)
		}
		for _, in := range instrs {
			if err := v.instruction(path, in); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *validator) instruction(path string, in wasm.Instruction) error {
	if wasm.IsFloatOpcode(in.Opcode) {
		return unsupported(path, "floating point opcode 0x%02x", in.Opcode)
	}
	switch in.Opcode {
	case wasm.OpBlock, wasm.OpLoop, wasm.OpIf:
		bt := in.Imm.(wasm.BlockImm).Type
		switch {
		case bt == wasm.BlockTypeEmpty, bt == -1, bt == -2:
		case bt >= 0:
			if uint32(bt) >= v.numTypes {
				return malformed("%s: block type index %d out of range", path, bt)
			}
		default:
			return unsupported(path, "block type %d", bt)
		}
	case wasm.OpCall:
		if idx := in.Imm.(wasm.CallImm).FuncIdx; idx >= v.m.NumFuncs() {
			return malformed("%s: call to function %d out of range", path, idx)
		}
	case wasm.OpCallIndirect:
		if idx := in.Imm.(wasm.CallIndirectImm).TypeIdx; idx >= v.numTypes {
			return malformed("%s: call_indirect type %d out of range", path, idx)
		}
	case wasm.OpSelectTyped:
		for _, t := range in.Imm.(wasm.SelectTypeImm).Types {
			if !deterministicType(t) {
				return unsupported(path, "select type %s", t)
			}
		}
	case wasm.OpTableGet, wasm.OpTableSet, wasm.OpRefNull, wasm.OpRefIsNull, wasm.OpRefFunc:
		return unsupported(path, "reference type opcode 0x%02x", in.Opcode)
	case wasm.OpPrefixMisc:
		sub := in.Imm.(wasm.MiscImm).SubOpcode
		switch {
		case sub <= wasm.MiscI64TruncSatF64U:
			return unsupported(path, "floating point opcode 0xfc %d", sub)
		case sub == wasm.MiscMemoryCopy, sub == wasm.MiscMemoryFill:
		default:
			return unsupported(path, "bulk opcode 0xfc %d", sub)
		}
	}
	return nil
}
