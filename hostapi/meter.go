package hostapi

import (
	"github.com/wippyai/wasm-node/errors"
)

// Meter tracks weight consumed by one entry point call.
type Meter struct {
	entry string
	used  uint64
	limit uint64
}

// NewMeter returns a meter allowing limit units. A zero limit is unbounded.
func NewMeter(entry string, limit uint64) *Meter {
	return &Meter{entry: entry, limit: limit}
}

// Charge consumes n units, failing once the limit would be exceeded.
// A failed charge still counts toward Used so the diagnostic reports the
// attempted total.
func (m *Meter) Charge(n uint64) error {
	next := m.used + n
	if next < m.used {
		next = ^uint64(0)
	}
	m.used = next
	if m.limit > 0 && m.used > m.limit {
		return errors.OutOfWeight(m.entry, m.used, m.limit)
	}
	return nil
}

// Used returns the consumed weight.
func (m *Meter) Used() uint64 { return m.used }

// Limit returns the configured limit.
func (m *Meter) Limit() uint64 { return m.limit }

// Remaining returns the units left, or the max uint64 when unbounded.
func (m *Meter) Remaining() uint64 {
	if m.limit == 0 {
		return ^uint64(0)
	}
	if m.used >= m.limit {
		return 0
	}
	return m.limit - m.used
}
