// Package wasm decodes and encodes WebAssembly binary modules.
//
// The package covers the instruction set the node is willing to execute
// plus enough of the surrounding proposals to reject them precisely:
// WebAssembly 1.0, sign extension, saturating truncation, bulk memory and
// reference types. SIMD, atomics, GC, exceptions and memory64 are
// reported as UnsupportedOpcodeError or UnsupportedError rather than
// decoded.
//
// # Parsing
//
//	module, err := wasm.ParseModule(data)
//
// Function bodies stay as raw expressions in Module.Code. Decode one to
// inspect or rewrite it:
//
//	instrs, err := wasm.DecodeInstructions(module.Code[0].Code)
//	module.Code[0].Code = wasm.EncodeInstructions(instrs)
//
// # Encoding
//
//	data := module.Encode()
//
// Encoding writes sections in canonical order; custom sections go last.
package wasm
