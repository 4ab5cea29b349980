package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-node/bytecode"
	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/hashing"
	"github.com/wippyai/wasm-node/hostapi"
	"github.com/wippyai/wasm-node/instrument"
	"github.com/wippyai/wasm-node/wasm"
)

// Kind selects the wazero execution strategy.
type Kind string

const (
	KindCompiler    Kind = "compiler"
	KindInterpreter Kind = "interpreter"
)

// DefaultMemoryLimitPages bounds guest memory at 64MB.
const DefaultMemoryLimitPages = 1024

// Config holds configuration for engine creation
type Config struct {
	// Kind defaults to KindCompiler.
	Kind Kind

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means DefaultMemoryLimitPages.
	MemoryLimitPages uint32

	// CallWeightLimit bounds the weight of a single entry point call.
	// 0 means unbounded; nodes always set it.
	CallWeightLimit uint64

	// Schedule prices host calls; nil uses hostapi.DefaultSchedule.
	Schedule *hostapi.Schedule

	// OnHostCall observes host calls of every session.
	OnHostCall func(hostapi.CallRecord)

	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Kind == "" {
		c.Kind = KindCompiler
	}
	if c.MemoryLimitPages == 0 {
		c.MemoryLimitPages = DefaultMemoryLimitPages
	}
	if c.Schedule == nil {
		c.Schedule = hostapi.DefaultSchedule()
	}
	if c.Logger == nil {
		c.Logger = Logger()
	}
	return c
}

// LoadOptions returns the bytecode options matching this engine
// configuration and the host surface it provides.
func (c Config) LoadOptions() bytecode.Options {
	c = c.withDefaults()
	return bytecode.Options{
		Instrument: instrument.Config{
			Imports:        hostapi.Signatures(),
			HostModule:     hostapi.Module,
			MaxMemoryPages: c.MemoryLimitPages,
		},
		HostAPI: hostapi.Version,
	}
}

// Engine is a compiled runtime ready to create sessions.
type Engine struct {
	module   *bytecode.Module
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	cfg      Config
	logger   *zap.Logger

	sessions atomic.Int64
	closed   atomic.Bool
}

// Load compiles mod inside a dedicated wazero runtime.
func Load(ctx context.Context, mod *bytecode.Module, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()

	var runtimeCfg wazero.RuntimeConfig
	switch cfg.Kind {
	case KindCompiler:
		runtimeCfg = wazero.NewRuntimeConfig()
	case KindInterpreter:
		runtimeCfg = wazero.NewRuntimeConfigInterpreter()
	default:
		return nil, errors.InvalidInput(errors.PhaseLoad, fmt.Sprintf("unknown engine kind %q", cfg.Kind))
	}
	runtimeCfg = runtimeCfg.
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCoreFeatures(api.CoreFeaturesV2)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	e := &Engine{
		module:  mod,
		runtime: runtime,
		cfg:     cfg,
		logger:  cfg.Logger.With(zap.Stringer("runtime", mod.Version), zap.String("code", mod.Hash.Short())),
	}

	if err := e.instantiateHost(ctx); err != nil {
		runtime.Close(ctx)
		return nil, err
	}

	compiled, err := runtime.CompileModule(ctx, mod.Instrumented)
	if err != nil {
		runtime.Close(ctx)
		return nil, errors.MalformedModule("compile", err)
	}
	e.compiled = compiled

	e.logger.Debug("engine loaded",
		zap.String("kind", string(cfg.Kind)),
		zap.Uint32("memory_pages", cfg.MemoryLimitPages),
		zap.Strings("entry_points", mod.EntryPoints))
	return e, nil
}

// instantiateHost registers the host surface and the metering import.
func (e *Engine) instantiateHost(ctx context.Context) error {
	builder := e.runtime.NewHostModuleBuilder(hostapi.Module)
	for _, f := range hostapi.Functions() {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(hostFunc(f), valueTypes(f.Params), valueTypes(f.Results)).
			WithName(f.Name).
			Export(f.Name)
	}
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(gas), []api.ValueType{api.ValueTypeI64}, nil).
		WithName(instrument.GasImport).
		Export(instrument.GasImport)

	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("instantiate host module: %w", err)
	}
	return nil
}

func valueTypes(types []wasm.ValType) []api.ValueType {
	out := make([]api.ValueType, len(types))
	for i, t := range types {
		switch t {
		case wasm.ValI32:
			out[i] = api.ValueTypeI32
		case wasm.ValI64:
			out[i] = api.ValueTypeI64
		default:
			panic(fmt.Sprintf("engine: host signature uses %s", t))
		}
	}
	return out
}

// hostFunc adapts a host function to wazero's stack calling convention.
// Errors are raised as panics; wazero recovers them and returns them,
// wrapped, from the guest call.
func hostFunc(f *hostapi.Func) api.GoModuleFunc {
	nparams := len(f.Params)
	hasResult := len(f.Results) > 0
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		s := sessionFrom(ctx)
		res, err := f.Call(s.host, s.mem, stack[:nparams])
		if err != nil {
			panic(err)
		}
		if hasResult {
			stack[0] = res
		}
	}
}

func gas(ctx context.Context, _ api.Module, stack []uint64) {
	if err := sessionFrom(ctx).host.Gas(stack[0]); err != nil {
		panic(err)
	}
}

// Module returns the runtime this engine is bound to.
func (e *Engine) Module() *bytecode.Module { return e.module }

// Version returns the bound runtime version.
func (e *Engine) Version() bytecode.Version { return e.module.Version }

// Hash returns the content hash of the bound runtime.
func (e *Engine) Hash() hashing.Hash { return e.module.Hash }

// Kind returns the execution strategy.
func (e *Engine) Kind() Kind { return e.cfg.Kind }

// Sessions returns the number of open sessions.
func (e *Engine) Sessions() int64 { return e.sessions.Load() }

// Close releases the runtime and every module instantiated in it.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.logger.Debug("engine closed")
	return e.runtime.Close(ctx)
}

// WazeroMemory wraps wazero memory to implement hostapi.Memory
type WazeroMemory struct {
	mem api.Memory
}

func (m *WazeroMemory) Read(offset uint32, length uint32) ([]byte, error) {
	data, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, fmt.Errorf("read out of bounds: offset=%d, length=%d", offset, length)
	}
	return data, nil
}

func (m *WazeroMemory) Write(offset uint32, data []byte) error {
	if !m.mem.Write(offset, data) {
		return fmt.Errorf("write out of bounds: offset=%d, length=%d", offset, len(data))
	}
	return nil
}

func (m *WazeroMemory) ReadU32(offset uint32) (uint32, error) {
	val, ok := m.mem.ReadUint32Le(offset)
	if !ok {
		return 0, fmt.Errorf("read out of bounds: offset=%d, length=4", offset)
	}
	return val, nil
}

func (m *WazeroMemory) ReadU64(offset uint32) (uint64, error) {
	val, ok := m.mem.ReadUint64Le(offset)
	if !ok {
		return 0, fmt.Errorf("read out of bounds: offset=%d, length=8", offset)
	}
	return val, nil
}

func (m *WazeroMemory) WriteU32(offset uint32, value uint32) error {
	if !m.mem.WriteUint32Le(offset, value) {
		return fmt.Errorf("write out of bounds: offset=%d, length=4", offset)
	}
	return nil
}

func (m *WazeroMemory) WriteU64(offset uint32, value uint64) error {
	if !m.mem.WriteUint64Le(offset, value) {
		return fmt.Errorf("write out of bounds: offset=%d, length=8", offset)
	}
	return nil
}

func (m *WazeroMemory) Size() uint32 {
	if m.mem == nil {
		return 0
	}
	return m.mem.Size()
}
