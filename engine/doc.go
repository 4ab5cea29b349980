// Package engine runs runtime modules inside a wazero sandbox.
//
// # Architecture
//
// The package provides two main types:
//
//	Engine  - one wazero runtime plus the compiled, metered module
//	Session - a fresh module instance bound to one block's state
//
// An Engine is bound to exactly one bytecode.Module for its lifetime and is
// safe for concurrent use: every Session instantiates its own copy of the
// module, so linear memory never carries over between blocks or queries.
// A Session is used by a single goroutine.
//
// # Calling Convention
//
// Entry points take a (ptr, len) input buffer allocated through the guest's
// exported alloc and return ptr<<32 | len of an output buffer:
//
//	status byte   meaning
//	──────────────────────────────
//	(empty)       ok
//	0x00          ok, payload follows
//	0x01          dispatch failure, message follows
//	other         trap
//
// # Failures
//
// Wasm traps, host function panics and explicit aborts become Trap errors.
// Weight exhaustion becomes OutOfWeight. Storage failures raised by host
// calls are passed through unchanged so the caller can stop the node. No
// fault raised inside the sandbox escapes as a panic.
//
// # Engine Kinds
//
// KindCompiler uses wazero's optimizing compiler where the platform
// supports it; KindInterpreter always interprets. Metering is injected into
// the bytecode before compilation, so both kinds consume identical weight
// and produce identical results for the same inputs.
package engine
