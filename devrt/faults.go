package devrt

import (
	"fmt"

	"github.com/wippyai/wasm-node/bytecode"
	"github.com/wippyai/wasm-node/wasm"
)

// Fault selects a misbehaving runtime.
type Fault int

const (
	// FaultLoop spins forever in apply_extrinsic.
	FaultLoop Fault = iota
	// FaultOutOfBounds loads from beyond linear memory.
	FaultOutOfBounds
	// FaultAbort calls the abort host function with code 7.
	FaultAbort
	// FaultDivideByZero divides by zero.
	FaultDivideByZero
	// FaultBadStatus returns an output with an undefined status byte.
	FaultBadStatus
	// FaultBadOutput returns an output pointer outside memory.
	FaultBadOutput
	// FaultFillLoop fills the whole linear memory forever.
	FaultFillLoop
)

func (f Fault) String() string {
	switch f {
	case FaultLoop:
		return "loop"
	case FaultOutOfBounds:
		return "out_of_bounds"
	case FaultAbort:
		return "abort"
	case FaultDivideByZero:
		return "divide_by_zero"
	case FaultBadStatus:
		return "bad_status"
	case FaultBadOutput:
		return "bad_output"
	case FaultFillLoop:
		return "fill_loop"
	}
	return fmt.Sprintf("fault(%d)", int(f))
}

// Faulty assembles a runtime whose apply_extrinsic misbehaves as selected.
// initialize and finalize succeed so the fault surfaces mid-block.
func Faulty(f Fault, opts Options) []byte {
	if opts.SpecName == "" {
		opts.SpecName = "faulty"
	}
	b := newBuilder("abort")
	bad := b.static([]byte{0x07, 'x'})

	b.defineAlloc()
	b.declare(bytecode.EntryApplyExtrinsic, entrySig)
	b.declare(bytecode.EntryInitialize, entrySig)
	b.declare(bytecode.EntryFinalize, entrySig)

	var body []ins
	switch f {
	case FaultLoop:
		body = []ins{loop(), br(0), end(), i64c(0)}
	case FaultOutOfBounds:
		body = []ins{i32c(-16), i64load(0), op(wasm.OpDrop), i64c(0)}
	case FaultAbort:
		body = []ins{i32c(7), call(b.host("abort")), i64c(0)}
	case FaultDivideByZero:
		body = []ins{lget(1), i32c(0), op(wasm.OpI32DivU), op(wasm.OpDrop), i64c(0)}
	case FaultBadStatus:
		body = []ins{packed(bad, 2)}
	case FaultBadOutput:
		body = []ins{packed(0xFFFFFF00, 64)}
	case FaultFillLoop:
		body = []ins{
			loop(),
			i32c(0), i32c(7), memSize(), i32c(16), op(wasm.OpI32Shl), memFill(),
			br(0),
			end(),
			i64c(0),
		}
	default:
		panic(fmt.Sprintf("devrt: unknown fault %d", f))
	}
	b.define(bytecode.EntryApplyExtrinsic, nil, body)
	b.define(bytecode.EntryInitialize, nil, []ins{i64c(0)})
	b.define(bytecode.EntryFinalize, nil, []ins{i64c(0)})

	b.export(bytecode.EntryApplyExtrinsic)
	b.export(bytecode.EntryInitialize)
	b.export(bytecode.EntryFinalize)

	return b.build(bytecode.Version{
		SpecName:    opts.SpecName,
		SpecVersion: opts.SpecVersion,
		HostAPI:     1,
		Dispatch:    opts.Dispatch,
	})
}

// Filler assembles a runtime whose apply_extrinsic reads a little endian
// byte count n from its input, grows memory to hold n bytes and fills
// [0, n) with 7.
func Filler(opts Options) []byte {
	if opts.SpecName == "" {
		opts.SpecName = "filler"
	}
	const ptr, n = 0, 2
	pages := []ins{lget(n), i32c(0xFFFF), op(wasm.OpI32Add), i32c(16), op(wasm.OpI32ShrU)}

	b := newBuilder()
	b.defineAlloc()
	b.declare(bytecode.EntryApplyExtrinsic, entrySig)
	b.define(bytecode.EntryApplyExtrinsic, []wasm.LocalEntry{{Count: 1, ValType: wasm.ValI32}}, seq(
		[]ins{lget(ptr), i32load(0), lset(n)},
		[]ins{block()},
		pages, []ins{memSize(), op(wasm.OpI32LeU), brIf(0)},
		pages, []ins{memSize(), op(wasm.OpI32Sub), memGrow(), op(wasm.OpDrop)},
		[]ins{end()},
		[]ins{i32c(0), i32c(7), lget(n), memFill(), i64c(0)},
	))
	b.export(bytecode.EntryApplyExtrinsic)
	return b.build(bytecode.Version{
		SpecName:    opts.SpecName,
		SpecVersion: opts.SpecVersion,
		HostAPI:     1,
		Dispatch:    opts.Dispatch,
	})
}

// Recursive assembles a runtime whose apply_extrinsic reads a little
// endian depth n from its input and recurses n times before returning.
func Recursive(opts Options) []byte {
	if opts.SpecName == "" {
		opts.SpecName = "recursive"
	}
	recSig := wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}}

	b := newBuilder()
	b.defineAlloc()
	b.declare(bytecode.EntryApplyExtrinsic, entrySig)
	rec := b.declare("rec", recSig)
	b.define("rec", nil, []ins{
		lget(0), op(wasm.OpI32Eqz), ifThen(), i32c(0), op(wasm.OpReturn), end(),
		lget(0), i32c(1), op(wasm.OpI32Sub), call(rec), i32c(1), op(wasm.OpI32Add),
	})
	b.define(bytecode.EntryApplyExtrinsic, nil, []ins{
		lget(0), i32load(0), call(rec), op(wasm.OpDrop), i64c(0),
	})
	b.export(bytecode.EntryApplyExtrinsic)
	return b.build(bytecode.Version{
		SpecName:    opts.SpecName,
		SpecVersion: opts.SpecVersion,
		HostAPI:     1,
		Dispatch:    opts.Dispatch,
	})
}

// WithFloat assembles an otherwise valid runtime whose apply_extrinsic
// uses an f32 local. Loading it must fail.
func WithFloat(opts Options) []byte {
	b := newBuilder()
	b.defineAlloc()
	b.declare(bytecode.EntryApplyExtrinsic, entrySig)
	b.define(bytecode.EntryApplyExtrinsic, []wasm.LocalEntry{{Count: 1, ValType: wasm.ValF32}}, []ins{i64c(0)})
	b.export(bytecode.EntryApplyExtrinsic)
	return b.build(bytecode.Version{
		SpecName:    opts.SpecName,
		SpecVersion: opts.SpecVersion,
		HostAPI:     1,
		Dispatch:    opts.Dispatch,
	})
}

// WithoutVersion assembles a minimal runtime lacking the version section.
func WithoutVersion() []byte {
	b := newBuilder()
	b.defineAlloc()
	b.declare(bytecode.EntryApplyExtrinsic, entrySig)
	b.define(bytecode.EntryApplyExtrinsic, nil, []ins{i64c(0)})
	b.export(bytecode.EntryApplyExtrinsic)
	return b.mod.Encode()
}

// QueryOnly assembles a runtime exporting offchain_query but no block
// entry point. Loading it must fail.
func QueryOnly(opts Options) []byte {
	b := newBuilder()
	b.defineAlloc()
	b.declare(bytecode.EntryOffchainQuery, entrySig)
	b.define(bytecode.EntryOffchainQuery, nil, []ins{i64c(0)})
	b.export(bytecode.EntryOffchainQuery)
	return b.build(bytecode.Version{
		SpecName:    opts.SpecName,
		SpecVersion: opts.SpecVersion,
		HostAPI:     1,
		Dispatch:    opts.Dispatch,
	})
}
