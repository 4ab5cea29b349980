package hostapi

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/wasm"
)

// Code is a result code returned to the guest. Non-negative values are
// function specific; negative values are errors.
type Code int32

const (
	CodeOK                 Code = 0
	CodeNotFound           Code = -1
	CodeInvalidKey         Code = -2
	CodeBufferTooLarge     Code = -3
	CodeOutOfBounds        Code = -4
	CodeVerificationFailed Code = -5
	CodeInvalidArgument    Code = -6
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeNotFound:
		return "not_found"
	case CodeInvalidKey:
		return string(errors.HostInvalidKey)
	case CodeBufferTooLarge:
		return string(errors.HostBufferTooLarge)
	case CodeOutOfBounds:
		return string(errors.HostOutOfBounds)
	case CodeVerificationFailed:
		return string(errors.HostVerificationFailed)
	case CodeInvalidArgument:
		return string(errors.HostInvalidArgument)
	}
	return fmt.Sprintf("code(%d)", int32(c))
}

// AbortError is returned when the guest calls abort.
type AbortError struct {
	Code int32
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("runtime aborted with code %d", e.Code)
}

// Func is one host function. Call receives the raw wasm arguments and
// returns the raw result; a non-nil error ends the guest call.
type Func struct {
	Name    string
	Params  []wasm.ValType
	Results []wasm.ValType
	Call    func(h *Host, mem Memory, args []uint64) (uint64, error)
}

// Type returns the wasm signature of f.
func (f *Func) Type() wasm.FuncType {
	return wasm.FuncType{Params: f.Params, Results: f.Results}
}

var (
	i32 = wasm.ValI32
	i64 = wasm.ValI64
)

func sig(params ...wasm.ValType) []wasm.ValType { return params }

var functions = []*Func{
	{Name: "storage_get", Params: sig(i32, i32, i32, i32), Results: sig(i32), Call: storageGet},
	{Name: "storage_set", Params: sig(i32, i32, i32, i32), Results: sig(i32), Call: storageSet},
	{Name: "storage_clear", Params: sig(i32, i32), Results: sig(i32), Call: storageClear},
	{Name: "storage_exists", Params: sig(i32, i32), Results: sig(i32), Call: storageExists},
	{Name: "hash_blake2b_256", Params: sig(i32, i32, i32), Results: sig(i32), Call: hashBlake2b},
	{Name: "hash_sha256", Params: sig(i32, i32, i32), Results: sig(i32), Call: hashSHA256},
	{Name: "ed25519_verify", Params: sig(i32, i32, i32, i32), Results: sig(i32), Call: ed25519Verify},
	{Name: "random_seed", Params: sig(i32, i32, i32), Results: sig(i32), Call: randomSeed},
	{Name: "block_number", Results: sig(i64), Call: blockNumber},
	{Name: "block_timestamp", Results: sig(i64), Call: blockTimestamp},
	{Name: "event_emit", Params: sig(i32, i32), Results: sig(i32), Call: eventEmit},
	{Name: "log", Params: sig(i32, i32, i32), Call: logMessage},
	{Name: "abort", Params: sig(i32), Call: abort},
}

var byName = func() map[string]*Func {
	m := make(map[string]*Func, len(functions))
	for _, f := range functions {
		m[f.Name] = f
	}
	return m
}()

// Functions returns the host functions sorted by name.
func Functions() []*Func {
	out := make([]*Func, len(functions))
	copy(out, functions)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the named host function.
func Lookup(name string) (*Func, bool) {
	f, ok := byName[name]
	return f, ok
}

// Signatures returns the import signatures a runtime may declare.
func Signatures() map[string]wasm.FuncType {
	out := make(map[string]wasm.FuncType, len(functions))
	for _, f := range functions {
		out[f.Name] = f.Type()
	}
	return out
}

func code(c Code) uint64 { return uint64(uint32(int32(c))) }

func u32(v uint64) uint32 { return uint32(v) }

// charge bills a host call and appends it to the call log.
func (h *Host) charge(name string, weight uint64) error {
	h.record(name, weight, 0)
	return h.meter.Charge(weight)
}

// finish records the result of the last charged call.
func (h *Host) finish(c Code) uint64 {
	if n := len(h.calls); n > 0 {
		h.calls[n-1].Result = int64(c)
	}
	return code(c)
}

func (h *Host) bytes(n uint32) uint64 { return uint64(n) * h.Schedule.PerByte }

func readKey(mem Memory, ptr, length uint32) ([]byte, Code) {
	if length == 0 || length > MaxKeyLen {
		return nil, CodeInvalidKey
	}
	key, err := readCopy(mem, ptr, length)
	if err != nil {
		return nil, CodeOutOfBounds
	}
	return key, CodeOK
}

func storageGet(h *Host, mem Memory, args []uint64) (uint64, error) {
	kp, kl, op, oc := u32(args[0]), u32(args[1]), u32(args[2]), u32(args[3])
	if err := h.charge("storage_get", h.Schedule.Base+h.Schedule.StorageRead+h.bytes(kl)); err != nil {
		return 0, err
	}
	key, c := readKey(mem, kp, kl)
	if c != CodeOK {
		return h.finish(c), nil
	}
	value, ok, err := h.Storage.Get(key)
	if err != nil {
		return 0, errors.Storage("get", err)
	}
	if !ok {
		return h.finish(CodeNotFound), nil
	}
	n := uint32(len(value))
	if oc < n {
		n = oc
	}
	if err := h.meter.Charge(h.bytes(n)); err != nil {
		return 0, err
	}
	if n > 0 {
		if err := mem.Write(op, value[:n]); err != nil {
			return h.finish(CodeOutOfBounds), nil
		}
	}
	return h.finish(Code(len(value))), nil
}

func storageSet(h *Host, mem Memory, args []uint64) (uint64, error) {
	kp, kl, vp, vl := u32(args[0]), u32(args[1]), u32(args[2]), u32(args[3])
	if err := h.charge("storage_set", h.Schedule.Base+h.Schedule.StorageWrite+h.bytes(kl)+h.bytes(vl)); err != nil {
		return 0, err
	}
	key, c := readKey(mem, kp, kl)
	if c != CodeOK {
		return h.finish(c), nil
	}
	if vl > MaxValueLen {
		return h.finish(CodeBufferTooLarge), nil
	}
	value, err := readCopy(mem, vp, vl)
	if err != nil {
		return h.finish(CodeOutOfBounds), nil
	}
	if err := h.Storage.Put(key, value); err != nil {
		return 0, errors.Storage("put", err)
	}
	return h.finish(CodeOK), nil
}

func storageClear(h *Host, mem Memory, args []uint64) (uint64, error) {
	kp, kl := u32(args[0]), u32(args[1])
	if err := h.charge("storage_clear", h.Schedule.Base+h.Schedule.StorageClear+h.bytes(kl)); err != nil {
		return 0, err
	}
	key, c := readKey(mem, kp, kl)
	if c != CodeOK {
		return h.finish(c), nil
	}
	if err := h.Storage.Delete(key); err != nil {
		return 0, errors.Storage("delete", err)
	}
	return h.finish(CodeOK), nil
}

func storageExists(h *Host, mem Memory, args []uint64) (uint64, error) {
	kp, kl := u32(args[0]), u32(args[1])
	if err := h.charge("storage_exists", h.Schedule.Base+h.Schedule.StorageRead+h.bytes(kl)); err != nil {
		return 0, err
	}
	key, c := readKey(mem, kp, kl)
	if c != CodeOK {
		return h.finish(c), nil
	}
	_, ok, err := h.Storage.Get(key)
	if err != nil {
		return 0, errors.Storage("get", err)
	}
	if ok {
		return h.finish(1), nil
	}
	return h.finish(CodeOK), nil
}

func hashInto(h *Host, mem Memory, name string, args []uint64, sum func([]byte) [32]byte) (uint64, error) {
	dp, dl, op := u32(args[0]), u32(args[1]), u32(args[2])
	if err := h.charge(name, h.Schedule.Base+h.Schedule.Hash+h.bytes(dl)); err != nil {
		return 0, err
	}
	if dl > MaxMessageLen {
		return h.finish(CodeBufferTooLarge), nil
	}
	data, err := mem.Read(dp, dl)
	if err != nil {
		return h.finish(CodeOutOfBounds), nil
	}
	digest := sum(data)
	if err := mem.Write(op, digest[:]); err != nil {
		return h.finish(CodeOutOfBounds), nil
	}
	return h.finish(CodeOK), nil
}

func hashBlake2b(h *Host, mem Memory, args []uint64) (uint64, error) {
	return hashInto(h, mem, "hash_blake2b_256", args, blake2b.Sum256)
}

func hashSHA256(h *Host, mem Memory, args []uint64) (uint64, error) {
	return hashInto(h, mem, "hash_sha256", args, sha256.Sum256)
}

func ed25519Verify(h *Host, mem Memory, args []uint64) (uint64, error) {
	mp, ml, sp, pp := u32(args[0]), u32(args[1]), u32(args[2]), u32(args[3])
	if err := h.charge("ed25519_verify", h.Schedule.Base+h.Schedule.Verify+h.bytes(ml)); err != nil {
		return 0, err
	}
	if ml > MaxMessageLen {
		return h.finish(CodeBufferTooLarge), nil
	}
	msg, err := mem.Read(mp, ml)
	if err != nil {
		return h.finish(CodeOutOfBounds), nil
	}
	sigBytes, err := mem.Read(sp, ed25519.SignatureSize)
	if err != nil {
		return h.finish(CodeOutOfBounds), nil
	}
	pub, err := mem.Read(pp, ed25519.PublicKeySize)
	if err != nil {
		return h.finish(CodeOutOfBounds), nil
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sigBytes) {
		return h.finish(CodeVerificationFailed), nil
	}
	return h.finish(CodeOK), nil
}

// Seed derives the n-th random seed for subject within the block.
func Seed(env Env, subject []byte, n uint64) [32]byte {
	var num, ctr [8]byte
	binary.LittleEndian.PutUint64(num[:], env.Number)
	binary.LittleEndian.PutUint64(ctr[:], n)
	d, _ := blake2b.New256(nil)
	d.Write(env.ParentHash[:])
	d.Write(num[:])
	d.Write(subject)
	d.Write(ctr[:])
	var out [32]byte
	d.Sum(out[:0])
	return out
}

func randomSeed(h *Host, mem Memory, args []uint64) (uint64, error) {
	sp, sl, op := u32(args[0]), u32(args[1]), u32(args[2])
	if err := h.charge("random_seed", h.Schedule.Base+h.Schedule.Random+h.bytes(sl)); err != nil {
		return 0, err
	}
	if sl > MaxSubjectLen {
		return h.finish(CodeBufferTooLarge), nil
	}
	subject, err := mem.Read(sp, sl)
	if err != nil {
		return h.finish(CodeOutOfBounds), nil
	}
	seed := Seed(h.Env, subject, h.seeds)
	if err := mem.Write(op, seed[:]); err != nil {
		return h.finish(CodeOutOfBounds), nil
	}
	h.seeds++
	return h.finish(CodeOK), nil
}

func blockNumber(h *Host, _ Memory, _ []uint64) (uint64, error) {
	if err := h.charge("block_number", h.Schedule.Base); err != nil {
		return 0, err
	}
	return h.Env.Number, nil
}

func blockTimestamp(h *Host, _ Memory, _ []uint64) (uint64, error) {
	if err := h.charge("block_timestamp", h.Schedule.Base); err != nil {
		return 0, err
	}
	return h.Env.Timestamp, nil
}

func eventEmit(h *Host, mem Memory, args []uint64) (uint64, error) {
	dp, dl := u32(args[0]), u32(args[1])
	if err := h.charge("event_emit", h.Schedule.Base+h.Schedule.Event+h.bytes(dl)); err != nil {
		return 0, err
	}
	if dl > MaxEventLen {
		return h.finish(CodeBufferTooLarge), nil
	}
	data, err := readCopy(mem, dp, dl)
	if err != nil {
		return h.finish(CodeOutOfBounds), nil
	}
	h.events = append(h.events, data)
	return h.finish(CodeOK), nil
}

var logLevels = []string{"error", "warn", "info", "debug", "trace"}

func logMessage(h *Host, mem Memory, args []uint64) (uint64, error) {
	level, mp, ml := u32(args[0]), u32(args[1]), u32(args[2])
	if ml > MaxLogLen {
		ml = MaxLogLen
	}
	if err := h.charge("log", h.Schedule.Base+h.bytes(ml)); err != nil {
		return 0, err
	}
	msg, err := mem.Read(mp, ml)
	if err != nil {
		h.finish(CodeOutOfBounds)
		return 0, nil
	}
	name := "unknown"
	if int(level) < len(logLevels) {
		name = logLevels[level]
	}
	h.Logger.Debug("runtime log",
		zap.String("level", name),
		zap.Uint64("block", h.Env.Number),
		zap.ByteString("message", msg))
	return 0, nil
}

func abort(h *Host, _ Memory, args []uint64) (uint64, error) {
	c := int32(u32(args[0]))
	h.record("abort", 0, int64(c))
	return 0, &AbortError{Code: c}
}
