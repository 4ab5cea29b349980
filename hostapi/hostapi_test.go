package hostapi

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"testing"

	"golang.org/x/crypto/blake2b"

	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/hashing"
)

type sliceMemory []byte

func (m sliceMemory) Read(offset, length uint32) ([]byte, error) {
	end := uint64(offset) + uint64(length)
	if end > uint64(len(m)) {
		return nil, fmt.Errorf("read out of bounds: offset=%d, length=%d", offset, length)
	}
	return m[offset:end], nil
}

func (m sliceMemory) Write(offset uint32, data []byte) error {
	end := uint64(offset) + uint64(len(data))
	if end > uint64(len(m)) {
		return fmt.Errorf("write out of bounds: offset=%d, length=%d", offset, len(data))
	}
	copy(m[offset:], data)
	return nil
}

func (m sliceMemory) ReadU32(offset uint32) (uint32, error) {
	b, err := m.Read(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (m sliceMemory) ReadU64(offset uint32) (uint64, error) {
	b, err := m.Read(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (m sliceMemory) WriteU32(offset uint32, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.Write(offset, b[:])
}

func (m sliceMemory) WriteU64(offset uint32, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return m.Write(offset, b[:])
}

func (m sliceMemory) Size() uint32 { return uint32(len(m)) }

type mapStorage struct {
	data map[string][]byte
	fail error
}

func newMapStorage() *mapStorage { return &mapStorage{data: map[string][]byte{}} }

func (s *mapStorage) Get(key []byte) ([]byte, bool, error) {
	if s.fail != nil {
		return nil, false, s.fail
	}
	v, ok := s.data[string(key)]
	return v, ok, nil
}

func (s *mapStorage) Put(key, value []byte) error {
	if s.fail != nil {
		return s.fail
	}
	s.data[string(key)] = value
	return nil
}

func (s *mapStorage) Delete(key []byte) error {
	if s.fail != nil {
		return s.fail
	}
	delete(s.data, string(key))
	return nil
}

func call(t *testing.T, h *Host, mem Memory, name string, args ...uint64) (int32, error) {
	t.Helper()
	f, ok := Lookup(name)
	if !ok {
		t.Fatalf("no host function %q", name)
	}
	if len(args) != len(f.Params) {
		t.Fatalf("%s takes %d args, got %d", name, len(f.Params), len(args))
	}
	res, err := f.Call(h, mem, args)
	return int32(uint32(res)), err
}

func newHost() (*Host, *mapStorage, sliceMemory) {
	st := newMapStorage()
	env := Env{Number: 7, Timestamp: 1700, ParentHash: hashing.Sum([]byte("parent"))}
	return New(st, env, nil, nil), st, make(sliceMemory, 1024)
}

func TestSignatures(t *testing.T) {
	sigs := Signatures()
	if len(sigs) != 13 {
		t.Fatalf("got %d host functions, want 13", len(sigs))
	}
	if _, ok := sigs["gas"]; ok {
		t.Error("gas must not be importable")
	}
	get := sigs["storage_get"]
	if len(get.Params) != 4 || len(get.Results) != 1 {
		t.Errorf("storage_get signature = %v", get)
	}
	fns := Functions()
	for i := 1; i < len(fns); i++ {
		if fns[i-1].Name >= fns[i].Name {
			t.Fatalf("Functions not sorted at %d: %s >= %s", i, fns[i-1].Name, fns[i].Name)
		}
	}
}

func TestStorageRoundTrip(t *testing.T) {
	h, st, mem := newHost()
	copy(mem[0:], "key")
	copy(mem[16:], "hello world")

	if rc, err := call(t, h, mem, "storage_set", 0, 3, 16, 11); err != nil || rc != 0 {
		t.Fatalf("storage_set = %d, %v", rc, err)
	}
	if string(st.data["key"]) != "hello world" {
		t.Fatalf("stored %q", st.data["key"])
	}

	rc, err := call(t, h, mem, "storage_get", 0, 3, 100, 64)
	if err != nil || rc != 11 {
		t.Fatalf("storage_get = %d, %v", rc, err)
	}
	if string(mem[100:111]) != "hello world" {
		t.Errorf("read back %q", mem[100:111])
	}

	// Short buffer: partial copy, full length returned.
	rc, _ = call(t, h, mem, "storage_get", 0, 3, 200, 5)
	if rc != 11 || string(mem[200:205]) != "hello" || mem[205] != 0 {
		t.Errorf("short get = %d, %q", rc, mem[200:206])
	}

	if rc, _ := call(t, h, mem, "storage_exists", 0, 3); rc != 1 {
		t.Errorf("exists = %d", rc)
	}
	if rc, _ := call(t, h, mem, "storage_clear", 0, 3); rc != 0 {
		t.Errorf("clear = %d", rc)
	}
	if rc, _ := call(t, h, mem, "storage_exists", 0, 3); rc != 0 {
		t.Errorf("exists after clear = %d", rc)
	}
	if rc, _ := call(t, h, mem, "storage_get", 0, 3, 100, 64); rc != int32(CodeNotFound) {
		t.Errorf("get after clear = %d", rc)
	}
}

func TestArgumentValidation(t *testing.T) {
	tests := []struct {
		name string
		fn   string
		args []uint64
		want Code
	}{
		{"empty key", "storage_get", []uint64{0, 0, 0, 0}, CodeInvalidKey},
		{"long key", "storage_set", []uint64{0, MaxKeyLen + 1, 0, 0}, CodeInvalidKey},
		{"key out of bounds", "storage_get", []uint64{1020, 10, 0, 0}, CodeOutOfBounds},
		{"value too large", "storage_set", []uint64{0, 1, 0, MaxValueLen + 1}, CodeBufferTooLarge},
		{"value out of bounds", "storage_set", []uint64{0, 1, 1000, 100}, CodeOutOfBounds},
		{"hash input out of bounds", "hash_sha256", []uint64{0, 2000, 0}, CodeOutOfBounds},
		{"hash output out of bounds", "hash_blake2b_256", []uint64{0, 4, 1000}, CodeOutOfBounds},
		{"hash input too large", "hash_sha256", []uint64{0, MaxMessageLen + 1, 0}, CodeBufferTooLarge},
		{"event too large", "event_emit", []uint64{0, MaxEventLen + 1}, CodeBufferTooLarge},
		{"event out of bounds", "event_emit", []uint64{1000, 100}, CodeOutOfBounds},
		{"subject too large", "random_seed", []uint64{0, MaxSubjectLen + 1, 0}, CodeBufferTooLarge},
		{"signature out of bounds", "ed25519_verify", []uint64{0, 4, 1000, 0}, CodeOutOfBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, mem := newHost()
			rc, err := call(t, h, mem, tt.fn, tt.args...)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if Code(rc) != tt.want {
				t.Errorf("got %s, want %s", Code(rc), tt.want)
			}
			calls := h.Calls()
			if len(calls) != 1 || calls[0].Result != int64(tt.want) {
				t.Errorf("call log = %+v", calls)
			}
		})
	}
}

func TestHashes(t *testing.T) {
	h, _, mem := newHost()
	copy(mem, "abc")
	if rc, _ := call(t, h, mem, "hash_blake2b_256", 0, 3, 64); rc != 0 {
		t.Fatalf("blake2b rc = %d", rc)
	}
	want := blake2b.Sum256([]byte("abc"))
	if !bytes.Equal(mem[64:96], want[:]) {
		t.Errorf("blake2b digest mismatch")
	}
	if rc, _ := call(t, h, mem, "hash_sha256", 0, 3, 128); rc != 0 {
		t.Fatalf("sha256 rc = %d", rc)
	}
	want = sha256.Sum256([]byte("abc"))
	if !bytes.Equal(mem[128:160], want[:]) {
		t.Errorf("sha256 digest mismatch")
	}
}

func TestEd25519Verify(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	priv := ed25519.NewKeyFromSeed(seed)
	msg := []byte("transfer")
	signature := ed25519.Sign(priv, msg)

	h, _, mem := newHost()
	copy(mem[0:], msg)
	copy(mem[64:], signature)
	copy(mem[128:], priv.Public().(ed25519.PublicKey))

	if rc, _ := call(t, h, mem, "ed25519_verify", 0, uint64(len(msg)), 64, 128); rc != 0 {
		t.Errorf("valid signature rc = %d", rc)
	}
	mem[0] ^= 1
	if rc, _ := call(t, h, mem, "ed25519_verify", 0, uint64(len(msg)), 64, 128); rc != int32(CodeVerificationFailed) {
		t.Errorf("tampered message rc = %d", rc)
	}
}

func TestRandomSeedIsBlockDerived(t *testing.T) {
	h, _, mem := newHost()
	copy(mem, "lottery")
	call(t, h, mem, "random_seed", 0, 7, 100)
	call(t, h, mem, "random_seed", 0, 7, 200)
	first, second := append([]byte(nil), mem[100:132]...), append([]byte(nil), mem[200:232]...)
	if bytes.Equal(first, second) {
		t.Error("successive seeds are equal")
	}
	want := Seed(h.Env, []byte("lottery"), 0)
	if !bytes.Equal(first, want[:]) {
		t.Error("first seed does not match Seed(env, subject, 0)")
	}

	// Same block, fresh host: same sequence.
	h2, _, mem2 := newHost()
	copy(mem2, "lottery")
	call(t, h2, mem2, "random_seed", 0, 7, 100)
	if !bytes.Equal(mem2[100:132], first) {
		t.Error("seed differs across hosts for the same block")
	}
}

func TestBlockAccessorsAndEvents(t *testing.T) {
	h, _, mem := newHost()
	if n, _ := blockNumber(h, mem, nil); n != 7 {
		t.Errorf("block_number = %d", n)
	}
	if ts, _ := blockTimestamp(h, mem, nil); ts != 1700 {
		t.Errorf("block_timestamp = %d", ts)
	}
	copy(mem, "ev1ev2")
	call(t, h, mem, "event_emit", 0, 3)
	call(t, h, mem, "event_emit", 3, 3)
	mem[0] = 'X'
	events := h.DrainEvents()
	if len(events) != 2 || string(events[0]) != "ev1" || string(events[1]) != "ev2" {
		t.Errorf("events = %q", events)
	}
	if len(h.DrainEvents()) != 0 {
		t.Error("drain did not reset events")
	}
}

func TestAbortAndLog(t *testing.T) {
	h, _, mem := newHost()
	copy(mem, "hi")
	if _, err := call(t, h, mem, "log", 2, 0, 2); err != nil {
		t.Fatalf("log: %v", err)
	}
	if _, err := call(t, h, mem, "log", 9, 5000, 2); err != nil {
		t.Fatalf("log out of bounds must be ignored: %v", err)
	}
	_, err := call(t, h, mem, "abort", uint64(uint32(42)))
	var ab *AbortError
	if !stderrors.As(err, &ab) || ab.Code != 42 {
		t.Fatalf("abort err = %v", err)
	}
}

func TestWeightExhaustion(t *testing.T) {
	h, _, mem := newHost()
	h.SetMeter(NewMeter("apply_extrinsic", 100))
	copy(mem, "k")
	_, err := call(t, h, mem, "storage_set", 0, 1, 0, 1)
	if !stderrors.Is(err, errors.ErrOutOfWeight) {
		t.Fatalf("err = %v, want out of weight", err)
	}
	if h.Meter().Remaining() != 0 {
		t.Errorf("remaining = %d", h.Meter().Remaining())
	}
}

func TestStorageFailureIsFatal(t *testing.T) {
	h, st, mem := newHost()
	st.fail = stderrors.New("disk gone")
	copy(mem, "k")
	_, err := call(t, h, mem, "storage_get", 0, 1, 0, 0)
	if !errors.IsFatal(err) {
		t.Fatalf("err = %v, want storage failure", err)
	}
}

func TestMeter(t *testing.T) {
	m := NewMeter("finalize", 10)
	if err := m.Charge(10); err != nil {
		t.Fatalf("charge at limit: %v", err)
	}
	if err := m.Charge(1); !stderrors.Is(err, errors.ErrOutOfWeight) {
		t.Fatalf("charge past limit: %v", err)
	}
	if m.Used() != 11 {
		t.Errorf("used = %d", m.Used())
	}

	unbounded := NewMeter("x", 0)
	if err := unbounded.Charge(^uint64(0)); err != nil {
		t.Fatal(err)
	}
	if err := unbounded.Charge(5); err != nil {
		t.Fatal(err)
	}
	if unbounded.Used() != ^uint64(0) {
		t.Errorf("overflow not saturated: %d", unbounded.Used())
	}
}

func TestEnvBytes(t *testing.T) {
	env := Env{Number: 1, Timestamp: 2, ParentHash: hashing.Sum([]byte("p")), ParentStateRoot: hashing.Sum([]byte("r"))}
	b := env.Bytes()
	if len(b) != HeaderSize || HeaderSize != 80 {
		t.Fatalf("len = %d", len(b))
	}
	if binary.LittleEndian.Uint64(b) != 1 || binary.LittleEndian.Uint64(b[8:]) != 2 {
		t.Error("integers not little endian at the head")
	}
	if !bytes.Equal(b[48:], env.ParentStateRoot[:]) {
		t.Error("state root not at the tail")
	}
}
