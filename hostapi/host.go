// Package hostapi implements the host call surface exposed to runtimes.
//
// Every function validates the pointers and lengths it receives from the
// guest before touching state. Expected failures are returned to the guest
// as negative error codes; only storage failures, weight exhaustion and
// explicit aborts leave the guest, as Go errors the engine turns into
// structured results.
package hostapi

import (
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-node/hashing"
)

// Module is the import namespace of the host surface.
const Module = "host"

// Version is the host API version this package implements.
const Version uint32 = 1

// Limits on guest-supplied buffers.
const (
	MaxKeyLen     = 256
	MaxValueLen   = 4 << 20
	MaxEventLen   = 64 << 10
	MaxLogLen     = 4 << 10
	MaxSubjectLen = 256
	MaxMessageLen = 1 << 20
)

// HeaderSize is the length of the encoded Env handed to entry points.
const HeaderSize = 8 + 8 + hashing.Size + hashing.Size

// Storage is the mutable key-value view a session executes against.
type Storage interface {
	Get(key []byte) ([]byte, bool, error)
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Env carries the block-derived inputs available to the guest.
type Env struct {
	Number          uint64
	Timestamp       uint64
	ParentHash      hashing.Hash
	ParentStateRoot hashing.Hash
}

// Bytes encodes e as number | timestamp | parent hash | parent state root,
// integers little endian.
func (e Env) Bytes() []byte {
	out := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(out[0:], e.Number)
	binary.LittleEndian.PutUint64(out[8:], e.Timestamp)
	copy(out[16:], e.ParentHash[:])
	copy(out[16+hashing.Size:], e.ParentStateRoot[:])
	return out
}

// CallRecord is one entry of the host call log.
type CallRecord struct {
	Name   string `json:"name"`
	Weight uint64 `json:"weight"`
	Result int64  `json:"result"`
}

// Host is the per-session state host functions operate on.
// A Host is owned by a single session and is not safe for concurrent use.
type Host struct {
	Storage  Storage
	Env      Env
	Schedule *Schedule
	Logger   *zap.Logger

	// Observe, when set, sees every host call as it is recorded.
	Observe func(CallRecord)

	meter  *Meter
	events [][]byte
	calls  []CallRecord
	seeds  uint64
}

// New returns a Host over storage for the block described by env.
func New(storage Storage, env Env, schedule *Schedule, logger *zap.Logger) *Host {
	if schedule == nil {
		schedule = DefaultSchedule()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{
		Storage:  storage,
		Env:      env,
		Schedule: schedule,
		Logger:   logger,
		meter:    NewMeter("", 0),
	}
}

// SetMeter installs the meter for the next entry point call.
func (h *Host) SetMeter(m *Meter) { h.meter = m }

// Meter returns the active meter.
func (h *Host) Meter() *Meter { return h.meter }

// Gas charges weight reported by the injected metering import.
func (h *Host) Gas(amount uint64) error {
	return h.meter.Charge(amount)
}

// DrainEvents returns the events emitted since the last drain.
func (h *Host) DrainEvents() [][]byte {
	ev := h.events
	h.events = nil
	return ev
}

// Calls returns the host call log.
func (h *Host) Calls() []CallRecord { return h.calls }

func (h *Host) record(name string, weight uint64, result int64) {
	rec := CallRecord{Name: name, Weight: weight, Result: result}
	h.calls = append(h.calls, rec)
	if h.Observe != nil {
		h.Observe(rec)
	}
}
