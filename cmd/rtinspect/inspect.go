package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/wippyai/wasm-node/bytecode"
	"github.com/wippyai/wasm-node/chain"
	"github.com/wippyai/wasm-node/engine"
	"github.com/wippyai/wasm-node/hostapi"
	"github.com/wippyai/wasm-node/state"
)

// inspector holds a loaded runtime and the state its calls read.
type inspector struct {
	path   string
	module *bytecode.Module
	engine *engine.Engine
	base   *state.Overlay
	env    engine.Env
}

type callResult struct {
	out    *engine.Output
	calls  []hostapi.CallRecord
	writes state.Delta
}

// openInspector loads a runtime from a .wasm file, or the runtime and
// initial storage from a genesis file.
func openInspector(ctx context.Context, path string, cfg engine.Config) (*inspector, error) {
	base := state.NewOverlay(nil)
	var code []byte
	if strings.EqualFold(filepath.Ext(path), ".wasm") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
		code = data
	} else {
		g, err := chain.LoadGenesis(path)
		if err != nil {
			return nil, err
		}
		for _, e := range g.Storage {
			base.Put(e.Key, e.Value)
		}
		code = g.Code
		base.Put([]byte(bytecode.CodeKey), code)
	}

	mod, err := bytecode.Load(code, cfg.LoadOptions())
	if err != nil {
		return nil, err
	}
	eng, err := engine.Load(ctx, mod, cfg)
	if err != nil {
		return nil, err
	}
	return &inspector{path: path, module: mod, engine: eng, base: base, env: engine.Env{Number: 1}}, nil
}

// call runs entry in a fresh session; writes are reported, not kept.
func (in *inspector) call(ctx context.Context, entry string, input []byte) (*callResult, error) {
	overlay := state.NewOverlay(in.base)
	s, err := in.engine.NewSession(ctx, overlay, in.env)
	if err != nil {
		return nil, err
	}
	defer s.Close(ctx)
	out, err := s.Call(ctx, entry, input)
	res := &callResult{out: out, calls: s.Host().Calls(), writes: overlay.Delta()}
	return res, err
}

func (in *inspector) Close(ctx context.Context) error { return in.engine.Close(ctx) }

// metadata renders the module description as lines.
func (in *inspector) metadata() []string {
	m := in.module
	return []string{
		fmt.Sprintf("Runtime:      %s", m.Version.SpecName),
		fmt.Sprintf("Spec version: %d", m.Version.SpecVersion),
		fmt.Sprintf("Host API:     %d", m.Version.HostAPI),
		fmt.Sprintf("Dispatch:     %s", m.Version.Dispatch),
		fmt.Sprintf("Code hash:    %s", m.Hash),
		fmt.Sprintf("Size:         %d bytes (%d instrumented)", len(m.Code), len(m.Instrumented)),
		fmt.Sprintf("Entry points: %s", strings.Join(m.EntryPoints, ", ")),
	}
}

// parseInput accepts 0x-prefixed hex, a decimal u64 (encoded little
// endian) or raw text.
func parseInput(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return nil, nil
	case strings.HasPrefix(s, "0x"):
		return hex.DecodeString(s[2:])
	}
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		out := make([]byte, 8)
		for i := range out {
			out[i] = byte(v >> (8 * i))
		}
		return out, nil
	}
	return []byte(s), nil
}

func formatResult(r *callResult) string {
	var b strings.Builder
	status := "ok"
	if !r.out.OK() {
		status = "dispatch failed"
	}
	fmt.Fprintf(&b, "Status: %s\n", status)
	fmt.Fprintf(&b, "Weight: %d\n", r.out.Weight)
	fmt.Fprintf(&b, "Output: 0x%s", hex.EncodeToString(r.out.Data))
	if len(r.out.Data) == 8 {
		var v uint64
		for i := 7; i >= 0; i-- {
			v = v<<8 | uint64(r.out.Data[i])
		}
		fmt.Fprintf(&b, " (u64 %d)", v)
	} else if !r.out.OK() {
		fmt.Fprintf(&b, " (%q)", r.out.Data)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Events: %d\n", len(r.out.Events))
	fmt.Fprintf(&b, "Writes: %d\n", len(r.writes))
	fmt.Fprintf(&b, "Host calls: %d\n", len(r.calls))
	for _, c := range r.calls {
		fmt.Fprintf(&b, "  %-18s weight %-6d -> %d\n", c.Name, c.Weight, c.Result)
	}
	return b.String()
}
