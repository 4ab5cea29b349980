package devrt

import (
	"crypto/ed25519"

	"github.com/wippyai/wasm-node/bytecode"
	"github.com/wippyai/wasm-node/hostapi"
	"github.com/wippyai/wasm-node/wasm"
)

// SpecName is the spec name of the balances runtime.
const SpecName = "balances"

// Well-known keys written by the balances runtime.
const (
	LastVersionKey = ":last_runtime_version"
	BlockKey       = "sys:block"
)

// Call tags.
const (
	CallTransfer byte = 0x01
	CallSetCode  byte = 0x02
)

// Failure messages returned with a dispatch failure status.
const (
	ErrBadEnvelope  = "bad envelope"
	ErrBadSignature = "bad signature"
	ErrBadNonce     = "bad nonce"
	ErrUnknownCall  = "unknown call"
	ErrBadLength    = "bad call length"
	ErrFunds        = "insufficient balance"
	ErrOverflow     = "balance overflow"
	ErrBadHeader    = "bad header"
	ErrBadOrigin    = "bad origin"
)

// Options selects the identity and the origin rules of a built runtime.
type Options struct {
	SpecName    string
	SpecVersion uint32
	Dispatch    string

	// Sudo is the only key allowed to call set_code. When nil, set_code is
	// refused unless Unsigned is set.
	Sudo ed25519.PublicKey

	// Unsigned lets unsigned envelopes move funds and replace the code.
	// Test chains only.
	Unsigned bool

	// ExecuteBlock exports execute_block instead of the initialize,
	// apply_extrinsic and finalize trio.
	ExecuteBlock bool
}

// Scratch addresses used by the balances runtime.
const (
	keyA      = scratchBase + 0 // "bal:" + id
	keyB      = scratchBase + 16
	valA      = scratchBase + 32
	valB      = scratchBase + 40
	queryOut  = scratchBase + 48 // status + u64
	nonceKey  = scratchBase + 64 // "non:" + signer
	nonceVal  = scratchBase + 104
	digest    = scratchBase + 128
	versionAt = scratchBase + 160

	balancePrefix = 0x3a6c6162 // "bal:" little endian
	noncePrefix   = 0x3a6e6f6e // "non:" little endian

	transferLen = 1 + 8 + 8 + 8
	signedLen   = 1 + 32 + 64 + 8
)

var (
	typeMakeKey = wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValI64}}
	typeBalance = wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32}, Results: []wasm.ValType{wasm.ValI64}}
	typeSetBal  = wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32, wasm.ValI64}}
	// (call, len, signer) -> packed; signer is 0 for unsigned envelopes.
	typeDispatch = wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32, wasm.ValI32}, Results: []wasm.ValType{wasm.ValI64}}
)

func locals(types ...wasm.ValType) []wasm.LocalEntry {
	out := make([]wasm.LocalEntry, len(types))
	for i, t := range types {
		out[i] = wasm.LocalEntry{Count: 1, ValType: t}
	}
	return out
}

// Balances assembles the balances runtime.
//
// Calls:
//
//	0x01 transfer  from[8] to[8] amount[8]
//	0x02 set_code  code...
//
// Balances are u64 little endian under "bal:" + account id. Signed
// envelopes are verified with ed25519_verify and must carry the signer's
// next nonce. A transfer moves funds out of the signer's own account (see
// AccountOf) and set_code needs the Sudo key; unsigned envelopes do
// neither unless Unsigned is set. initialize records the spec version
// under LastVersionKey and finalize records the block number under
// BlockKey. offchain_query takes an 8-byte account id and returns its
// balance.
//
// With ExecuteBlock the runtime takes whole blocks: execute_block decodes
// the header and extrinsic list, runs initialize, every extrinsic and
// finalize, and returns the first dispatch failure unchanged.
func Balances(opts Options) []byte {
	if opts.SpecName == "" {
		opts.SpecName = SpecName
	}
	b := newBuilder("storage_get", "storage_set", "hash_blake2b_256", "ed25519_verify", "block_number", "event_emit")

	fail := func(msg string) func() []ins {
		addr := b.static(append([]byte{1}, msg...))
		n := uint32(len(msg) + 1)
		return func() []ins { return []ins{packed(addr, n), op(wasm.OpReturn)} }
	}
	errEnvelope := fail(ErrBadEnvelope)
	errSignature := fail(ErrBadSignature)
	errNonce := fail(ErrBadNonce)
	errCall := fail(ErrUnknownCall)
	errLength := fail(ErrBadLength)
	errFunds := fail(ErrFunds)
	errOverflow := fail(ErrOverflow)
	errHeader := fail(ErrBadHeader)
	errOrigin := fail(ErrBadOrigin)

	codeKey := b.static([]byte(bytecode.CodeKey))
	lastVersion := b.static([]byte(LastVersionKey))
	blockKey := b.static([]byte(BlockKey))
	var sudo uint32
	if len(opts.Sudo) == ed25519.PublicKeySize {
		sudo = b.static(opts.Sudo)
	}

	b.defineAlloc()
	b.declare("make_key", typeMakeKey)
	b.declare("balance", typeBalance)
	b.declare("set_balance", typeSetBal)
	b.declare("transfer", typeDispatch)
	b.declare("dispatch", typeDispatch)
	b.declare(bytecode.EntryApplyExtrinsic, entrySig)
	b.declare(bytecode.EntryInitialize, entrySig)
	b.declare(bytecode.EntryFinalize, entrySig)
	b.declare(bytecode.EntryOffchainQuery, entrySig)
	if opts.ExecuteBlock {
		b.declare(bytecode.EntryExecuteBlock, entrySig)
	}

	storageGet := call(b.host("storage_get"))
	storageSet := call(b.host("storage_set"))

	// make_key(dst, id)
	b.define("make_key", nil, []ins{
		lget(0), i32c(balancePrefix), i32store(0),
		lget(0), lget(1), i64store(4),
	})

	// balance(key, val) -> i64; missing accounts hold zero.
	b.define("balance", nil, []ins{
		lget(0), i32c(12), lget(1), i32c(8), storageGet,
		i32c(8), op(wasm.OpI32Ne),
		ifThen(), i64c(0), op(wasm.OpReturn), end(),
		lget(1), i64load(0),
	})

	// set_balance(key, val, amount)
	b.define("set_balance", nil, []ins{
		lget(1), lget(2), i64store(0),
		lget(0), i32c(12), lget(1), i32c(8), storageSet, op(wasm.OpDrop),
	})

	// transfer(call, len, signer): call points at the tag byte.
	{
		const callPtr, callLen, signer, amount, fromBal, toBal = 0, 1, 2, 3, 4, 5
		// Signed transfers spend from the signer's account only.
		origin := seq(
			[]ins{
				lget(signer), ifThen(),
				lget(signer), i32c(32), i32c(digest), call(b.host("hash_blake2b_256")), op(wasm.OpDrop),
				i32c(digest), i64load(0), lget(callPtr), i64load(1), op(wasm.OpI64Ne), ifThen(),
			}, errOrigin(), []ins{end()},
		)
		if opts.Unsigned {
			origin = append(origin, end())
		} else {
			origin = seq(origin, []ins{op(wasm.OpElse)}, errOrigin(), []ins{end()})
		}
		b.define("transfer", locals(wasm.ValI64, wasm.ValI64, wasm.ValI64), seq(
			[]ins{lget(callLen), i32c(transferLen), op(wasm.OpI32Ne), ifThen()}, errLength(), []ins{end()},
			origin,
			[]ins{
				i32c(keyA), lget(callPtr), i64load(1), call(b.fn("make_key")),
				i32c(keyB), lget(callPtr), i64load(9), call(b.fn("make_key")),
				lget(callPtr), i64load(17), lset(amount),
				i32c(keyA), i32c(valA), call(b.fn("balance")), lset(fromBal),
				lget(fromBal), lget(amount), op(wasm.OpI64LtU), ifThen(),
			}, errFunds(), []ins{end()},
			[]ins{
				i32c(keyA), i32c(valA), lget(fromBal), lget(amount), op(wasm.OpI64Sub), call(b.fn("set_balance")),
				// Read the recipient after the debit so a self transfer nets to zero.
				i32c(keyB), i32c(valB), call(b.fn("balance")), lset(toBal),
				lget(toBal), lget(amount), op(wasm.OpI64Add), lget(toBal), op(wasm.OpI64LtU), ifThen(),
			}, errOverflow(), []ins{end()},
			[]ins{
				i32c(keyB), i32c(valB), lget(toBal), lget(amount), op(wasm.OpI64Add), call(b.fn("set_balance")),
				lget(callPtr), i32c(transferLen), call(b.host("event_emit")), op(wasm.OpDrop),
				i64c(0),
			},
		))
	}

	// dispatch(call, len, signer)
	{
		const callPtr, callLen, signer, tag = 0, 1, 2, 3
		// set_code origin: the Sudo key, anyone on unsigned test chains,
		// nobody otherwise.
		var sudoOnly []ins
		switch {
		case sudo != 0:
			sudoOnly = seq([]ins{lget(signer), op(wasm.OpI32Eqz), ifThen()}, errOrigin(), []ins{end()})
			for off := uint32(0); off < 32; off += 8 {
				sudoOnly = append(sudoOnly, lget(signer), i64load(off), i32c(int32(sudo)), i64load(off), op(wasm.OpI64Xor))
				if off > 0 {
					sudoOnly = append(sudoOnly, op(wasm.OpI64Or))
				}
			}
			sudoOnly = seq(sudoOnly, []ins{i64c(0), op(wasm.OpI64Ne), ifThen()}, errOrigin(), []ins{end()})
		case !opts.Unsigned:
			sudoOnly = errOrigin()
		}
		b.define("dispatch", locals(wasm.ValI32), seq(
			[]ins{lget(callLen), op(wasm.OpI32Eqz), ifThen()}, errCall(), []ins{end()},
			[]ins{
				lget(callPtr), i32load8u(0), lset(tag),
				lget(tag), i32c(int32(CallTransfer)), op(wasm.OpI32Eq), ifThen(),
				lget(callPtr), lget(callLen), lget(signer), call(b.fn("transfer")), op(wasm.OpReturn),
				end(),
				lget(tag), i32c(int32(CallSetCode)), op(wasm.OpI32Eq), ifThen(),
			},
			sudoOnly,
			[]ins{
				i32c(int32(codeKey)), i32c(int32(len(bytecode.CodeKey))),
				lget(callPtr), i32c(1), op(wasm.OpI32Add),
				lget(callLen), i32c(1), op(wasm.OpI32Sub),
				storageSet, i32c(0), op(wasm.OpI32Ne), ifThen(),
			}, errLength(), []ins{end(), i64c(0), op(wasm.OpReturn), end()},
			errCall(),
		))
	}

	// apply_extrinsic(ptr, len)
	{
		const ptr, length, ver, plen, rc, stored = 0, 1, 2, 3, 4, 5
		b.define(bytecode.EntryApplyExtrinsic, locals(wasm.ValI32, wasm.ValI32, wasm.ValI32, wasm.ValI64), seq(
			[]ins{lget(length), op(wasm.OpI32Eqz), ifThen()}, errEnvelope(), []ins{end()},
			[]ins{
				lget(ptr), i32load8u(0), lset(ver),
				lget(ver), i32c(1), op(wasm.OpI32Eq), ifThen(),
				lget(ptr), i32c(1), op(wasm.OpI32Add), lget(length), i32c(1), op(wasm.OpI32Sub), i32c(0),
				call(b.fn("dispatch")), op(wasm.OpReturn),
				end(),
				lget(ver), i32c(0x81), op(wasm.OpI32Ne), ifThen(),
			}, errEnvelope(), []ins{end()},
			[]ins{lget(length), i32c(signedLen), op(wasm.OpI32LtU), ifThen()}, errEnvelope(), []ins{end()},
			// Signing payload is nonce || call, contiguous at ptr+97.
			[]ins{
				lget(length), i32c(97), op(wasm.OpI32Sub), lset(plen),
				lget(plen), i32c(256), op(wasm.OpI32GtU), ifThen(),
				lget(ptr), i32c(97), op(wasm.OpI32Add), lget(plen), i32c(digest), call(b.host("hash_blake2b_256")), op(wasm.OpDrop),
				i32c(digest), i32c(32),
				lget(ptr), i32c(33), op(wasm.OpI32Add), lget(ptr), i32c(1), op(wasm.OpI32Add),
				call(b.host("ed25519_verify")), lset(rc),
				op(wasm.OpElse),
				lget(ptr), i32c(97), op(wasm.OpI32Add), lget(plen),
				lget(ptr), i32c(33), op(wasm.OpI32Add), lget(ptr), i32c(1), op(wasm.OpI32Add),
				call(b.host("ed25519_verify")), lset(rc),
				end(),
				lget(rc), ifThen(),
			}, errSignature(), []ins{end()},
			[]ins{
				i32c(nonceKey), i32c(noncePrefix), i32store(0),
				i32c(nonceKey + 4), lget(ptr), i32c(1), op(wasm.OpI32Add), i32c(32), memCopy(),
				i32c(nonceKey), i32c(36), i32c(nonceVal), i32c(8), storageGet,
				i32c(8), op(wasm.OpI32Eq), ifThen(),
				i32c(nonceVal), i64load(0), lset(stored),
				end(),
				lget(ptr), i64load(97), lget(stored), op(wasm.OpI64Ne), ifThen(),
			}, errNonce(), []ins{end()},
			[]ins{
				i32c(nonceVal), lget(stored), i64c(1), op(wasm.OpI64Add), i64store(0),
				i32c(nonceKey), i32c(36), i32c(nonceVal), i32c(8), storageSet, op(wasm.OpDrop),
				lget(ptr), i32c(signedLen), op(wasm.OpI32Add), lget(length), i32c(signedLen), op(wasm.OpI32Sub),
				lget(ptr), i32c(1), op(wasm.OpI32Add),
				call(b.fn("dispatch")),
			},
		))
	}

	// initialize(header, len)
	b.define(bytecode.EntryInitialize, nil, seq(
		[]ins{lget(1), i32c(hostapi.HeaderSize), op(wasm.OpI32Ne), ifThen()}, errHeader(), []ins{end()},
		[]ins{
			i32c(versionAt), i32c(int32(opts.SpecVersion)), i32store(0),
			i32c(int32(lastVersion)), i32c(int32(len(LastVersionKey))), i32c(versionAt), i32c(4), storageSet, op(wasm.OpDrop),
			i64c(0),
		},
	))

	// finalize(header, len)
	b.define(bytecode.EntryFinalize, nil, []ins{
		i32c(valA), call(b.host("block_number")), i64store(0),
		i32c(int32(blockKey)), i32c(int32(len(BlockKey))), i32c(valA), i32c(8), storageSet, op(wasm.OpDrop),
		i64c(0),
	})

	// offchain_query(id[8], 8) -> [0x00][balance u64]
	b.define(bytecode.EntryOffchainQuery, nil, seq(
		[]ins{lget(1), i32c(8), op(wasm.OpI32Ne), ifThen()}, errLength(), []ins{end()},
		[]ins{
			i32c(keyA), lget(0), i64load(0), call(b.fn("make_key")),
			i32c(queryOut), i32c(0), i32store8(0),
			i32c(queryOut), i32c(keyA), i32c(valA), call(b.fn("balance")), i64store(1),
			packed(queryOut, 9),
		},
	))

	// execute_block(header[80] count[4] (len[4] ext)*, len)
	if opts.ExecuteBlock {
		const ptr, length, cur, last, n, xlen, res = 0, 1, 2, 3, 4, 5, 6
		stop := func() []ins {
			return []ins{lget(res), i64c(0), op(wasm.OpI64Ne), ifThen(), lget(res), op(wasm.OpReturn), end()}
		}
		b.define(bytecode.EntryExecuteBlock, locals(wasm.ValI32, wasm.ValI32, wasm.ValI32, wasm.ValI32, wasm.ValI64), seq(
			[]ins{lget(length), i32c(hostapi.HeaderSize + 4), op(wasm.OpI32LtU), ifThen()}, errHeader(), []ins{end()},
			[]ins{lget(ptr), i32c(hostapi.HeaderSize), call(b.fn(bytecode.EntryInitialize)), lset(res)},
			stop(),
			[]ins{
				lget(ptr), i32load(hostapi.HeaderSize), lset(n),
				lget(ptr), i32c(hostapi.HeaderSize + 4), op(wasm.OpI32Add), lset(cur),
				lget(ptr), lget(length), op(wasm.OpI32Add), lset(last),
				block(), loop(),
				lget(n), op(wasm.OpI32Eqz), brIf(1),
				lget(last), lget(cur), op(wasm.OpI32Sub), i32c(4), op(wasm.OpI32LtU), ifThen(),
			}, errEnvelope(), []ins{end()},
			[]ins{
				lget(cur), i32load(0), lset(xlen),
				lget(cur), i32c(4), op(wasm.OpI32Add), lset(cur),
				lget(xlen), lget(last), lget(cur), op(wasm.OpI32Sub), op(wasm.OpI32GtU), ifThen(),
			}, errEnvelope(), []ins{end()},
			[]ins{lget(cur), lget(xlen), call(b.fn(bytecode.EntryApplyExtrinsic)), lset(res)},
			stop(),
			[]ins{
				lget(cur), lget(xlen), op(wasm.OpI32Add), lset(cur),
				lget(n), i32c(1), op(wasm.OpI32Sub), lset(n),
				br(0),
				end(), end(),
				lget(cur), lget(last), op(wasm.OpI32Ne), ifThen(),
			}, errEnvelope(), []ins{end()},
			[]ins{lget(ptr), i32c(hostapi.HeaderSize), call(b.fn(bytecode.EntryFinalize))},
		))
		b.export(bytecode.EntryExecuteBlock)
	} else {
		b.export(bytecode.EntryApplyExtrinsic)
		b.export(bytecode.EntryInitialize)
		b.export(bytecode.EntryFinalize)
	}
	b.export(bytecode.EntryOffchainQuery)

	return b.build(bytecode.Version{
		SpecName:    opts.SpecName,
		SpecVersion: opts.SpecVersion,
		HostAPI:     1,
		Dispatch:    opts.Dispatch,
	})
}
