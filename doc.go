// Package wasmnode is a ledger node whose state transition function is a
// WebAssembly module stored in chain state under ":code".
//
// Blocks are executed by the module that is active at their parent state.
// A block that writes new code switches the runtime for its successors,
// never for itself.
//
// # Architecture Overview
//
//	wasmnode/
//	├── wasm/        Core WASM binary decoding and encoding
//	├── instrument/  Weight metering and validation of guest code
//	├── bytecode/    Runtime modules: version metadata and entry points
//	├── hostapi/     Host functions available to runtimes
//	├── engine/      wazero sandbox, one instance per session
//	├── state/       LevelDB state store, overlays and deltas
//	├── chain/       Blocks, receipts, genesis and the block store
//	├── extrinsic/   Transaction envelope
//	├── executive/   Block execution and dispatch failure policies
//	├── registry/    Runtime versions by state root
//	├── scheduler/   Single writer import queue
//	├── txpool/      Pending extrinsics
//	├── authoring/   Development block author
//	├── rpc/         JSON-RPC, block stream and metrics over HTTP
//	├── node/        Component wiring and lifecycle
//	└── cmd/         wasmnode and rtinspect binaries
//
// # Execution
//
// The scheduler takes blocks one at a time. For each block it resolves the
// runtime active at the parent state root, opens a session over a state
// overlay and calls the runtime's entry points:
//
//	initialize(header)
//	apply_extrinsic(xt)   once per extrinsic, each in its own transaction
//	finalize()
//
// Every call is bounded by weight. Guest code is instrumented at load time
// so that loops and host calls charge the meter; exhausting it ends the
// call with OutOfWeight. Traps and weight exhaustion reject the block, and
// a dispatch failure inside apply_extrinsic is handled by the policy the
// runtime declares in its metadata.
//
// # Runtime Upgrades
//
// When a committed block changes ":code", the new module is loaded and
// validated before the block's writes are persisted. A module that fails
// to load, declares a different spec name or does not increase the spec
// version rejects the block and the previous runtime stays active.
package wasmnode
