// Package instrument prepares runtime bytecode for deterministic execution.
//
// Transform runs two passes over a parsed module:
//
//  1. Validation rejects everything that could make two honest nodes
//     disagree: floating point, SIMD, threads, reference types, start
//     functions, passive segments, and imports outside the host surface.
//  2. Metering splits every function body into straight-line segments and
//     prepends each with a call to an injected gas import carrying the
//     segment's static cost. Control only enters a segment at its first
//     instruction, so the host observes the exact number of weight units
//     executed, independent of the engine that runs the code. Bulk memory
//     operations are additionally charged per byte at run time, and calls
//     between defined functions pass through a depth counter that traps
//     past a fixed nesting limit, before any engine's own stack runs out.
//
// The gas import is appended after the existing function imports, shifting
// every defined function index by one; calls, exports and element segments
// are rewritten accordingly.
package instrument

import (
	stderrors "errors"

	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/wasm"
)

// GasImport is the reserved name of the injected metering import.
const GasImport = "gas"

const (
	// DefaultMaxCallDepth bounds nested calls between defined functions.
	DefaultMaxCallDepth = 1024

	// DefaultMaxLocals bounds the params and locals of a single function.
	DefaultMaxLocals = 1024
)

// Config configures the transformation.
type Config struct {
	// Imports lists the host functions a module may import, by name.
	Imports map[string]wasm.FuncType

	// Costs overrides per-instruction weights; nil uses DefaultCosts.
	Costs *CostTable

	// HostModule is the only import namespace a module may use.
	HostModule string

	// MaxMemoryPages bounds the declared minimum of the module memory.
	MaxMemoryPages uint32

	// MaxCallDepth defaults to DefaultMaxCallDepth.
	MaxCallDepth uint32

	// MaxLocals defaults to DefaultMaxLocals.
	MaxLocals uint32
}

func (c Config) withDefaults() Config {
	if c.Costs == nil {
		c.Costs = DefaultCosts()
	}
	if c.MaxCallDepth == 0 {
		c.MaxCallDepth = DefaultMaxCallDepth
	}
	if c.MaxLocals == 0 {
		c.MaxLocals = DefaultMaxLocals
	}
	return c
}

// Result is an instrumented module.
type Result struct {
	// Original is the module as published, before instrumentation.
	Original *wasm.Module

	// Binary is the instrumented module, ready to compile.
	Binary []byte

	// Segments is the number of gas charges injected across all bodies.
	Segments int
}

// Transform validates code and injects metering.
func Transform(code []byte, cfg Config) (*Result, error) {
	cfg = cfg.withDefaults()
	orig, err := wasm.ParseModule(code)
	if err != nil {
		return nil, classify(err)
	}
	if err := Validate(orig, cfg); err != nil {
		return nil, err
	}

	// Metering mutates the module, so work on a second parse.
	m, err := wasm.ParseModule(code)
	if err != nil {
		return nil, classify(err)
	}
	segments, err := InjectMetering(m, cfg.HostModule, cfg.Costs, cfg.MaxCallDepth)
	if err != nil {
		return nil, err
	}
	return &Result{Original: orig, Binary: m.Encode(), Segments: segments}, nil
}

// classify maps decoder errors onto the node taxonomy.
func classify(err error) error {
	var op *wasm.UnsupportedOpcodeError
	if stderrors.As(err, &op) {
		return errors.New(errors.PhaseLoad, errors.KindUnsupportedFeature).
			Detail("%s", op.Error()).Cause(err).Build()
	}
	var un *wasm.UnsupportedError
	if stderrors.As(err, &un) {
		return errors.New(errors.PhaseLoad, errors.KindUnsupportedFeature).
			Detail("%s", un.What).Cause(err).Build()
	}
	return errors.MalformedModule("decode module", err)
}
