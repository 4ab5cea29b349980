package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wippyai/wasm-node/chain"
	"github.com/wippyai/wasm-node/devrt"
	"github.com/wippyai/wasm-node/executive"
	"github.com/wippyai/wasm-node/extrinsic"
	"github.com/wippyai/wasm-node/hashing"
	"github.com/wippyai/wasm-node/state"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInitWritesGenesisAndKey(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "init", "--data-dir", dir, "--endow", "alice=10", "--spec-version", "4")
	if err != nil {
		t.Fatalf("init: %v\n%s", err, out)
	}
	g, err := chain.LoadGenesis(filepath.Join(dir, "genesis.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Storage) != 1 || len(g.Code) == 0 {
		t.Errorf("genesis = %d entries, %d code bytes", len(g.Storage), len(g.Code))
	}
	if !strings.Contains(out, "spec version 4") || !strings.Contains(out, "(new,") {
		t.Errorf("output:\n%s", out)
	}

	if _, err := execute(t, "init", "--data-dir", dir); err == nil {
		t.Error("existing genesis overwritten without --force")
	}
	if out, err := execute(t, "init", "--data-dir", dir, "--force"); err != nil || !strings.Contains(out, "(existing,") {
		t.Errorf("forced init = %v\n%s", err, out)
	}
}

func TestInitRejectsBadEndowment(t *testing.T) {
	if _, err := execute(t, "init", "--data-dir", t.TempDir(), "--endow", "alice"); err == nil {
		t.Error("endowment without amount accepted")
	}
}

func TestTransferPrintsEnvelope(t *testing.T) {
	dir := t.TempDir()
	if _, err := execute(t, "init", "--data-dir", dir); err != nil {
		t.Fatal(err)
	}
	key := filepath.Join(dir, "node.key")

	tests := []struct {
		name   string
		args   []string
		signed bool
	}{
		{"development key", nil, true},
		{"unsigned", []string{"--unsigned"}, false},
		{"key file", []string{"--key", key, "--nonce", "2"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"tx", "transfer", "--from", "alice", "--to", "bob", "--amount", "5"}, tt.args...)
			out, err := execute(t, args...)
			if err != nil {
				t.Fatal(err)
			}
			raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(out), "0x"))
			if err != nil {
				t.Fatal(err)
			}
			x, err := extrinsic.Decode(raw)
			if err != nil {
				t.Fatal(err)
			}
			if x.Signed != tt.signed || x.Verify() != nil {
				t.Errorf("extrinsic signed=%v verify=%v", x.Signed, x.Verify())
			}
			if tt.args == nil && !bytes.Equal(x.Signer[:], devrt.Key("alice").Public().(ed25519.PublicKey)) {
				t.Errorf("signer = %x, want alice's development key", x.Signer)
			}
			if tt.args != nil && tt.signed && x.Nonce != 2 {
				t.Errorf("nonce = %d", x.Nonce)
			}
		})
	}
}

func TestInspectEmptyDataDir(t *testing.T) {
	if _, err := execute(t, "inspect", "--data-dir", t.TempDir()); err == nil {
		t.Error("inspect of an empty store succeeded")
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"wasmnode dev", "host api:", executive.PolicyBlockFatal} {
		if !strings.Contains(out, want) {
			t.Errorf("version output lacks %q:\n%s", want, out)
		}
	}
}

func TestInspectCommittedChain(t *testing.T) {
	dir := t.TempDir()
	if _, err := execute(t, "init", "--data-dir", dir, "--spec-version", "2"); err != nil {
		t.Fatal(err)
	}
	g, err := chain.LoadGenesis(filepath.Join(dir, "genesis.json"))
	if err != nil {
		t.Fatal(err)
	}
	db, err := state.Open(state.Options{Path: filepath.Join(dir, "db")})
	if err != nil {
		t.Fatal(err)
	}
	blocks, err := chain.NewBlockStore(db, 0)
	if err != nil {
		t.Fatal(err)
	}
	genesis, err := g.Commit(db, blocks)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "inspect", "--data-dir", dir)
	if err != nil {
		t.Fatal(err)
	}
	var s chainSummary
	if err := json.Unmarshal([]byte(out), &s); err != nil {
		t.Fatalf("%v\n%s", err, out)
	}
	if s.Head.Hash != genesis.Hash() || s.Runtime.SpecVersion != 2 || s.CodeHash != hashing.Sum(g.Code) {
		t.Errorf("summary = %+v", s)
	}

	out, err = execute(t, "inspect", "--data-dir", dir, "--block", "0")
	if err != nil {
		t.Fatal(err)
	}
	var d blockDetail
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		t.Fatal(err)
	}
	if d.Hash != genesis.Hash() || d.Receipt == nil || d.Receipt.SpecVersion != 2 {
		t.Errorf("detail = %+v", d)
	}
}
