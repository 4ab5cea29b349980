// Package bytecode defines the runtime module artifact: an immutable
// WebAssembly blob identified by its content hash, carrying a
// self-declared version and a fixed set of entry points.
package bytecode

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/hashing"
	"github.com/wippyai/wasm-node/instrument"
	"github.com/wippyai/wasm-node/wasm"
)

// CodeKey is the state key under which the active runtime is stored.
const CodeKey = ":code"

// MetadataSection is the custom section holding the encoded Version.
const MetadataSection = "runtime_version"

// Entry point and ABI export names.
const (
	EntryInitialize     = "initialize"
	EntryExecuteBlock   = "execute_block"
	EntryApplyExtrinsic = "apply_extrinsic"
	EntryFinalize       = "finalize"
	EntryOffchainQuery  = "offchain_query"

	ExportMemory = "memory"
	ExportAlloc  = "alloc"
)

// entryPoints lists every recognised entry point in calling order.
var entryPoints = []string{
	EntryInitialize,
	EntryExecuteBlock,
	EntryApplyExtrinsic,
	EntryFinalize,
	EntryOffchainQuery,
}

var (
	entrySig = wasm.FuncType{
		Params:  []wasm.ValType{wasm.ValI32, wasm.ValI32},
		Results: []wasm.ValType{wasm.ValI64},
	}
	allocSig = wasm.FuncType{
		Params:  []wasm.ValType{wasm.ValI32},
		Results: []wasm.ValType{wasm.ValI32},
	}
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Version is the self-declared identity of a runtime.
type Version struct {
	SpecName    string `cbor:"1,keyasint" json:"specName"`
	SpecVersion uint32 `cbor:"2,keyasint" json:"specVersion"`
	HostAPI     uint32 `cbor:"3,keyasint" json:"hostApi"`
	Dispatch    string `cbor:"4,keyasint" json:"dispatch"`
}

func (v Version) String() string {
	return fmt.Sprintf("%s/%d", v.SpecName, v.SpecVersion)
}

// EncodeVersion serializes v for the metadata section.
func EncodeVersion(v Version) ([]byte, error) {
	return encMode.Marshal(v)
}

// DecodeVersion parses a metadata section payload.
func DecodeVersion(data []byte) (Version, error) {
	var v Version
	if err := cbor.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("bytecode: unmarshal version: %w", err)
	}
	return v, nil
}

// Module is a loaded runtime. All fields are immutable after Load.
type Module struct {
	// Code is the blob as published on chain.
	Code []byte

	// Instrumented is the metered form handed to the engine.
	Instrumented []byte

	// EntryPoints lists the exported entry points in calling order.
	EntryPoints []string

	Version Version
	Hash    hashing.Hash
}

// Has reports whether the module exports the named entry point.
func (m *Module) Has(entry string) bool {
	for _, e := range m.EntryPoints {
		if e == entry {
			return true
		}
	}
	return false
}

// Options configures Load.
type Options struct {
	Instrument instrument.Config

	// HostAPI is the host surface version the node provides.
	HostAPI uint32
}

// Load validates code and prepares it for execution.
func Load(code []byte, opts Options) (*Module, error) {
	res, err := instrument.Transform(code, opts.Instrument)
	if err != nil {
		return nil, err
	}

	version, err := readVersion(res.Original)
	if err != nil {
		return nil, err
	}
	if version.HostAPI != opts.HostAPI {
		return nil, errors.Unsupported([]string{MetadataSection},
			fmt.Sprintf("host api version %d, node provides %d", version.HostAPI, opts.HostAPI))
	}

	entries, err := checkExports(res.Original)
	if err != nil {
		return nil, err
	}

	blob := make([]byte, len(code))
	copy(blob, code)
	return &Module{
		Code:         blob,
		Instrumented: res.Binary,
		EntryPoints:  entries,
		Version:      version,
		Hash:         hashing.Sum(blob),
	}, nil
}

// ReadVersion extracts the declared version without validating the module.
func ReadVersion(code []byte) (Version, error) {
	m, err := wasm.ParseModule(code)
	if err != nil {
		return Version{}, errors.MalformedModule("decode module", err)
	}
	return readVersion(m)
}

func readVersion(m *wasm.Module) (Version, error) {
	data, ok := m.CustomSection(MetadataSection)
	if !ok {
		return Version{}, errors.MalformedModule("missing "+MetadataSection+" section", nil)
	}
	v, err := DecodeVersion(data)
	if err != nil {
		return v, errors.MalformedModule("decode "+MetadataSection, err)
	}
	if v.SpecName == "" {
		return v, errors.MalformedModule("runtime version has no spec name", nil)
	}
	if v.Dispatch == "" {
		return v, errors.MalformedModule("runtime version declares no dispatch policy", nil)
	}
	return v, nil
}

func checkExports(m *wasm.Module) ([]string, error) {
	mem := m.Export(ExportMemory)
	if mem == nil || mem.Kind != wasm.KindMemory {
		return nil, errors.MalformedModule("module does not export its memory", nil)
	}
	if err := checkFunc(m, ExportAlloc, allocSig, true); err != nil {
		return nil, err
	}
	if m.Export(EntryApplyExtrinsic) == nil && m.Export(EntryExecuteBlock) == nil {
		return nil, errors.MalformedModule(
			fmt.Sprintf("module exports neither %q nor %q", EntryApplyExtrinsic, EntryExecuteBlock), nil)
	}

	var entries []string
	for _, name := range entryPoints {
		if m.Export(name) == nil {
			continue
		}
		if err := checkFunc(m, name, entrySig, false); err != nil {
			return nil, err
		}
		entries = append(entries, name)
	}
	return entries, nil
}

func checkFunc(m *wasm.Module, name string, sig wasm.FuncType, required bool) error {
	exp := m.Export(name)
	if exp == nil {
		if required {
			return errors.MalformedModule(fmt.Sprintf("missing export %q", name), nil)
		}
		return nil
	}
	if exp.Kind != wasm.KindFunc {
		return errors.MalformedModule(fmt.Sprintf("export %q is not a function", name), nil)
	}
	ft, ok := m.FuncTypeOf(exp.Idx)
	if !ok || !ft.Equal(sig) {
		return errors.MalformedModule(fmt.Sprintf("export %q has the wrong signature", name), nil)
	}
	return nil
}
