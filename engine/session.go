package engine

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-node/bytecode"
	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/hostapi"
)

// Env is the block context handed to a session.
type Env = hostapi.Env

// Status is the leading byte of an entry point output.
type Status byte

const (
	StatusOK             Status = 0
	StatusDispatchFailed Status = 1
)

// Output is the decoded result of one entry point call.
type Output struct {
	Status Status
	Data   []byte
	Weight uint64
	Events [][]byte
}

// OK reports whether the call succeeded.
func (o *Output) OK() bool { return o.Status == StatusOK }

type sessionKey struct{}

func sessionFrom(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	if s == nil {
		panic(errors.New(errors.PhaseHost, errors.KindTrap).Detail("host call outside a session").Build())
	}
	return s
}

// Session is one instantiation of the engine's module against a storage
// view. Sessions are not safe for concurrent use.
type Session struct {
	engine *Engine
	host   *hostapi.Host
	inst   api.Module
	mem    *WazeroMemory
	alloc  api.Function
	broken error
	closed bool
}

// NewSession instantiates a fresh module bound to storage and env.
func (e *Engine) NewSession(ctx context.Context, storage hostapi.Storage, env Env) (*Session, error) {
	if e.closed.Load() {
		return nil, errors.Closed("engine")
	}
	s := &Session{
		engine: e,
		host:   hostapi.New(storage, env, e.cfg.Schedule, e.logger),
	}
	s.host.Observe = e.cfg.OnHostCall

	// Instantiation runs no guest code, but a context carrying the session
	// keeps any unexpected host call well defined.
	inst, err := e.runtime.InstantiateModule(context.WithValue(ctx, sessionKey{}, s), e.compiled,
		wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, errors.Trap("instantiate", err)
	}
	s.inst = inst

	mem := inst.ExportedMemory(bytecode.ExportMemory)
	if mem == nil {
		inst.Close(ctx)
		return nil, errors.MalformedModule("module does not export its memory", nil)
	}
	s.mem = &WazeroMemory{mem: mem}

	s.alloc = inst.ExportedFunction(bytecode.ExportAlloc)
	if s.alloc == nil {
		inst.Close(ctx)
		return nil, errors.MalformedModule("module does not export alloc", nil)
	}

	e.sessions.Add(1)
	return s, nil
}

// Host returns the host state, including the call log.
func (s *Session) Host() *hostapi.Host { return s.host }

// Has reports whether the loaded module exports entry.
func (s *Session) Has(entry string) bool { return s.engine.module.Has(entry) }

// Memory returns the guest memory.
func (s *Session) Memory() hostapi.Memory { return s.mem }

// Call invokes entry with input. Dispatch failures are reported through
// Output.Status; every other failure is an error. After a Trap or
// OutOfWeight the session refuses further calls.
func (s *Session) Call(ctx context.Context, entry string, input []byte) (*Output, error) {
	if s.closed {
		return nil, errors.Closed("session")
	}
	if s.broken != nil {
		return nil, errors.Trap(entry, fmt.Errorf("session unusable after earlier failure: %w", s.broken))
	}
	if !s.engine.module.Has(entry) {
		return nil, errors.NotFound(errors.PhaseExecute, "entry point", entry)
	}
	fn := s.inst.ExportedFunction(entry)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseExecute, "entry point", entry)
	}

	meter := hostapi.NewMeter(entry, s.engine.cfg.CallWeightLimit)
	s.host.SetMeter(meter)
	s.host.DrainEvents()
	ctx = context.WithValue(ctx, sessionKey{}, s)

	ptr, err := s.writeInput(ctx, entry, input)
	if err != nil {
		return nil, s.fail(err)
	}

	res, err := fn.Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return nil, s.fail(classify(entry, err))
	}

	packed := res[0]
	outPtr, outLen := uint32(packed>>32), uint32(packed)
	raw, err := s.mem.Read(outPtr, outLen)
	if err != nil {
		return nil, s.fail(errors.Trap(entry, fmt.Errorf("output buffer: %w", err)))
	}

	out := &Output{Weight: meter.Used(), Events: s.host.DrainEvents()}
	if len(raw) > 0 {
		switch Status(raw[0]) {
		case StatusOK, StatusDispatchFailed:
			out.Status = Status(raw[0])
		default:
			return nil, s.fail(errors.Trap(entry, fmt.Errorf("invalid status byte 0x%02x", raw[0])))
		}
		out.Data = make([]byte, len(raw)-1)
		copy(out.Data, raw[1:])
	}
	return out, nil
}

func (s *Session) writeInput(ctx context.Context, entry string, input []byte) (uint32, error) {
	if uint64(len(input)) > uint64(s.engine.cfg.MemoryLimitPages)*65536 {
		return 0, errors.Trap(entry, fmt.Errorf("input of %d bytes exceeds memory limit", len(input)))
	}
	res, err := s.alloc.Call(ctx, uint64(len(input)))
	if err != nil {
		return 0, classify(bytecode.ExportAlloc, err)
	}
	ptr := uint32(res[0])
	if len(input) > 0 {
		if err := s.mem.Write(ptr, input); err != nil {
			return 0, errors.Trap(bytecode.ExportAlloc, fmt.Errorf("input buffer: %w", err))
		}
	}
	return ptr, nil
}

func (s *Session) fail(err error) error {
	s.broken = err
	s.engine.logger.Debug("session call failed", zap.Error(err))
	return err
}

// classify maps an error returned by wazero to the node taxonomy. Weight
// exhaustion and storage failures raised by host calls keep their kind;
// everything else is a trap.
func classify(entry string, err error) error {
	var e *errors.Error
	if stderrors.As(err, &e) {
		switch e.Kind {
		case errors.KindOutOfWeight, errors.KindStorageFailure:
			return e
		}
	}
	return errors.Trap(entry, err)
}

// Close releases the module instance.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.engine.sessions.Add(-1)
	return s.inst.Close(ctx)
}

// Call runs a single entry point in a throwaway session.
func (e *Engine) Call(ctx context.Context, storage hostapi.Storage, env Env, entry string, input []byte) (*Output, error) {
	s, err := e.NewSession(ctx, storage, env)
	if err != nil {
		return nil, err
	}
	defer s.Close(ctx)
	return s.Call(ctx, entry, input)
}
