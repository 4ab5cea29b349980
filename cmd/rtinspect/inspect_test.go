package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/wippyai/wasm-node/bytecode"
	"github.com/wippyai/wasm-node/chain"
	"github.com/wippyai/wasm-node/devrt"
	"github.com/wippyai/wasm-node/engine"
)

var alice = devrt.Account("alice")

func genesisFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "genesis.json")
	code := devrt.Balances(devrt.Options{SpecVersion: 3, Dispatch: "block-fatal", Unsigned: true})
	if err := chain.NewGenesis(0, code, devrt.Endow(map[uint64]uint64{alice: 77})).Save(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig() engine.Config {
	return engine.Config{Kind: engine.KindInterpreter, CallWeightLimit: 2_000_000}
}

func TestParseInput(t *testing.T) {
	tests := []struct {
		in   string
		want []byte
	}{
		{"", nil},
		{"0x0102", []byte{1, 2}},
		{"258", []byte{2, 1, 0, 0, 0, 0, 0, 0}},
		{"hello", []byte("hello")},
	}
	for _, tt := range tests {
		got, err := parseInput(tt.in)
		if err != nil || !bytes.Equal(got, tt.want) {
			t.Errorf("parseInput(%q) = %x, %v", tt.in, got, err)
		}
	}
	if _, err := parseInput("0xzz"); err == nil {
		t.Error("bad hex accepted")
	}
}

func TestInspectGenesis(t *testing.T) {
	ctx := context.Background()
	in, err := openInspector(ctx, genesisFile(t), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close(ctx)

	meta := strings.Join(in.metadata(), "\n")
	if !strings.Contains(meta, "Spec version: 3") || !strings.Contains(meta, bytecode.EntryOffchainQuery) {
		t.Errorf("metadata:\n%s", meta)
	}

	res, err := in.call(ctx, bytecode.EntryOffchainQuery, devrt.EncodeU64(alice))
	if err != nil {
		t.Fatal(err)
	}
	if devrt.DecodeU64(res.out.Data) != 77 || len(res.calls) == 0 {
		t.Errorf("query = %x, %d host calls", res.out.Data, len(res.calls))
	}
	if out := formatResult(res); !strings.Contains(out, "(u64 77)") || !strings.Contains(out, "storage_get") {
		t.Errorf("formatted:\n%s", out)
	}

	// Writes are reported but never reach the base state.
	res, err = in.call(ctx, bytecode.EntryApplyExtrinsic, devrt.Transfer(alice, devrt.Account("bob"), 7))
	if err != nil {
		t.Fatal(err)
	}
	if !res.out.OK() || len(res.writes) == 0 {
		t.Fatalf("transfer = %+v, %d writes", res.out, len(res.writes))
	}
	res, _ = in.call(ctx, bytecode.EntryOffchainQuery, devrt.EncodeU64(alice))
	if devrt.DecodeU64(res.out.Data) != 77 {
		t.Error("call leaked writes into the base state")
	}
}

func TestInspectWasm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.wasm")
	if err := os.WriteFile(path, devrt.Balances(devrt.Options{SpecVersion: 1, Dispatch: "block-fatal"}), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	in, err := openInspector(ctx, path, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close(ctx)
	res, err := in.call(ctx, bytecode.EntryOffchainQuery, devrt.EncodeU64(alice))
	if err != nil || devrt.DecodeU64(res.out.Data) != 0 {
		t.Errorf("empty state query = %v, %v", res, err)
	}
}

func TestInteractiveModel(t *testing.T) {
	m := newInteractiveModel(genesisFile(t), testConfig())
	if got := m.View(); got != "Loading runtime..." {
		t.Fatalf("initial view %q", got)
	}
	m.Update(m.load())
	if len(m.entries) == 0 || m.in == nil {
		t.Fatalf("entries = %v, err = %v", m.entries, m.err)
	}
	defer m.in.Close(context.Background())
	for i, e := range m.entries {
		if e == bytecode.EntryOffchainQuery {
			m.selected = i
		}
	}

	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if m.state != stateInput {
		t.Fatalf("state = %v", m.state)
	}
	m.input.SetValue(strconv.FormatUint(alice, 10))
	m.Update(m.call())
	if m.state != stateShowResult || m.err != nil || !strings.Contains(m.result, "(u64 77)") {
		t.Errorf("result %q err %v", m.result, m.err)
	}
	if !strings.Contains(m.View(), "Result of offchain_query") {
		t.Error("result view missing")
	}
}
