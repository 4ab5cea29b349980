// Package executive applies a block to state through a runtime session.
//
// A runtime exporting execute_block receives the whole block in a single
// call (see BlockInput) and its status decides the block: any dispatch
// failure rejects it.
//
// Otherwise block execution is composed on the host side: initialize with
// the header, apply_extrinsic once per extrinsic in order, then finalize.
// Each extrinsic runs inside its own overlay transaction so a dispatch
// failure leaves no writes behind; the runtime's declared dispatch policy
// then decides whether the failure rejects the block or is recorded and
// skipped.
//
// Traps, weight exhaustion and storage failures always abort the whole
// block.
package executive

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-node/bytecode"
	"github.com/wippyai/wasm-node/chain"
	"github.com/wippyai/wasm-node/engine"
	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/hashing"
	"github.com/wippyai/wasm-node/state"
)

// EventExtrinsicFailed is the system event recorded for a skipped
// extrinsic.
const EventExtrinsicFailed = "ExtrinsicFailed"

// Result is the outcome of a successfully executed block.
type Result struct {
	Delta      state.Delta     `json:"delta"`
	Events     []chain.Event   `json:"events"`
	Extrinsics []chain.Outcome `json:"extrinsics"`
	Weight     uint64          `json:"weight"`
}

// Caller runs entry points; *engine.Session implements it.
type Caller interface {
	Has(entry string) bool
	Call(ctx context.Context, entry string, input []byte) (*engine.Output, error)
}

// Config bounds block execution.
type Config struct {
	// BlockWeightLimit caps the summed weight of every call in a block.
	// 0 means unbounded.
	BlockWeightLimit uint64

	Logger *zap.Logger
}

// Executive applies blocks.
type Executive struct {
	cfg    Config
	logger *zap.Logger
}

// New returns an Executive.
func New(cfg Config) *Executive {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executive{cfg: cfg, logger: logger}
}

// block tracks a single execution.
type block struct {
	ctx     context.Context
	caller  Caller
	overlay *state.Overlay
	limit   uint64
	result  Result
}

// BlockInput encodes the argument of execute_block: the header as handed
// to initialize, a u32 extrinsic count, then each extrinsic prefixed by its
// u32 length. Integers are little endian.
func BlockInput(env engine.Env, extrinsics [][]byte) []byte {
	size := len(env.Bytes()) + 4
	for _, ext := range extrinsics {
		size += 4 + len(ext)
	}
	out := make([]byte, 0, size)
	out = append(out, env.Bytes()...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(extrinsics)))
	for _, ext := range extrinsics {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(ext)))
		out = append(out, ext...)
	}
	return out
}

// Execute applies extrinsics on top of overlay. On error the overlay may
// hold partial writes and must be discarded.
func (x *Executive) Execute(ctx context.Context, caller Caller, overlay *state.Overlay, policy Policy, env engine.Env, extrinsics [][]byte) (*Result, error) {
	b := &block{
		ctx:     ctx,
		caller:  caller,
		overlay: overlay,
		limit:   x.cfg.BlockWeightLimit,
		result:  Result{Extrinsics: make([]chain.Outcome, 0, len(extrinsics))},
	}
	if caller.Has(bytecode.EntryExecuteBlock) {
		if err := b.whole(env, extrinsics); err != nil {
			return nil, err
		}
		b.result.Delta = overlay.Delta()
		return &b.result, nil
	}

	header := env.Bytes()
	if err := b.hook(bytecode.EntryInitialize, chain.StageInitialize, header); err != nil {
		return nil, err
	}

	for i, ext := range extrinsics {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		applied, err := b.apply(i, ext)
		if err != nil {
			return nil, err
		}
		if !applied.OK {
			if err := policy.OnDispatchFailure(i, applied.Diagnostic); err != nil {
				return nil, err
			}
			b.result.Events = append(b.result.Events, chain.Event{
				Stage:  chain.StageApply,
				Index:  i,
				System: EventExtrinsicFailed,
				Data:   []byte(applied.Diagnostic),
			})
			x.logger.Debug("extrinsic failed",
				zap.Uint64("block", env.Number),
				zap.Int("index", i),
				zap.String("diagnostic", applied.Diagnostic))
		}
		b.result.Extrinsics = append(b.result.Extrinsics, applied)
	}

	if err := b.hook(bytecode.EntryFinalize, chain.StageFinalize, header); err != nil {
		return nil, err
	}

	b.result.Delta = overlay.Delta()
	return &b.result, nil
}

// hook runs an optional lifecycle entry point. Any failure there rejects
// the block, whatever the dispatch policy.
func (b *block) hook(entry string, stage chain.Stage, header []byte) error {
	if !b.caller.Has(entry) {
		return nil
	}
	out, err := b.caller.Call(b.ctx, entry, header)
	if err != nil {
		return err
	}
	if err := b.charge(out.Weight); err != nil {
		return err
	}
	if !out.OK() {
		return errors.InvalidBlock(fmt.Sprintf("%s failed: %s", entry, out.Data), nil)
	}
	b.events(stage, 0, out.Events)
	return nil
}

// whole hands the block to execute_block. The runtime reports no
// per-extrinsic weight, so outcomes carry only hashes.
func (b *block) whole(env engine.Env, extrinsics [][]byte) error {
	out, err := b.caller.Call(b.ctx, bytecode.EntryExecuteBlock, BlockInput(env, extrinsics))
	if err != nil {
		return err
	}
	if err := b.charge(out.Weight); err != nil {
		return err
	}
	if !out.OK() {
		return errors.InvalidBlock(fmt.Sprintf("%s failed: %s", bytecode.EntryExecuteBlock, out.Data), nil)
	}
	for _, ext := range extrinsics {
		b.result.Extrinsics = append(b.result.Extrinsics, chain.Outcome{Hash: hashing.Sum(ext), OK: true})
	}
	b.events(chain.StageExecute, 0, out.Events)
	return nil
}

func (b *block) apply(i int, ext []byte) (chain.Outcome, error) {
	applied := chain.Outcome{Hash: hashing.Sum(ext)}

	b.overlay.Begin()
	out, err := b.caller.Call(b.ctx, bytecode.EntryApplyExtrinsic, ext)
	if err != nil {
		b.overlay.Rollback()
		return applied, err
	}
	applied.Weight = out.Weight
	if err := b.charge(out.Weight); err != nil {
		b.overlay.Rollback()
		return applied, err
	}
	if !out.OK() {
		applied.Diagnostic = string(out.Data)
		return applied, b.overlay.Rollback()
	}
	if err := b.overlay.Commit(); err != nil {
		return applied, err
	}
	applied.OK = true
	b.events(chain.StageApply, i, out.Events)
	return applied, nil
}

func (b *block) charge(weight uint64) error {
	b.result.Weight += weight
	if b.limit > 0 && b.result.Weight > b.limit {
		return errors.New(errors.PhaseExecute, errors.KindOutOfWeight).
			Path("block").
			Detail("block weight %d exceeds limit %d", b.result.Weight, b.limit).
			Build()
	}
	return nil
}

func (b *block) events(stage chain.Stage, index int, data [][]byte) {
	for _, d := range data {
		b.result.Events = append(b.result.Events, chain.Event{Stage: stage, Index: index, Data: d})
	}
}
