// Package txpool holds extrinsics waiting to be included in a block.
//
// The pool is a bounded FIFO. Admission decodes the envelope and checks
// signatures; whether a signer may make a call is up to the runtime, so
// blocks built from the pool only fail there, for reasons the node cannot
// see (origins, balances, nonces).
package txpool

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/extrinsic"
	"github.com/wippyai/wasm-node/hashing"
)

// DefaultCapacity is used when Config.Capacity is 0.
const DefaultCapacity = 4096

// Config configures a Pool.
type Config struct {
	Capacity int

	// MaxSize bounds a single encoded extrinsic. 0 means no limit.
	MaxSize int

	Logger *zap.Logger
}

type item struct {
	hash hashing.Hash
	raw  []byte
}

// Pool is safe for concurrent use.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	items []item
	known map[hashing.Hash]struct{}
}

// New creates an empty pool.
func New(cfg Config) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:    cfg,
		logger: logger.Named("txpool"),
		known:  make(map[hashing.Hash]struct{}),
	}
}

// Add validates raw and appends it to the queue.
func (p *Pool) Add(raw []byte) (hashing.Hash, error) {
	if p.cfg.MaxSize > 0 && len(raw) > p.cfg.MaxSize {
		return hashing.Hash{}, errors.New(errors.PhasePool, errors.KindInvalidInput).
			Detail("extrinsic of %d bytes exceeds %d", len(raw), p.cfg.MaxSize).Build()
	}
	x, err := extrinsic.Decode(raw)
	if err != nil {
		return hashing.Hash{}, err
	}
	if err := x.Verify(); err != nil {
		return hashing.Hash{}, err
	}
	hash := hashing.Sum(raw)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.known[hash]; ok {
		return hash, errors.New(errors.PhasePool, errors.KindInvalidInput).
			Detail("extrinsic %s already pooled", hash.Short()).Build()
	}
	if len(p.items) >= p.cfg.Capacity {
		return hash, errors.New(errors.PhasePool, errors.KindQueueFull).
			Detail("pool holds %d extrinsics", len(p.items)).Build()
	}
	p.items = append(p.items, item{hash: hash, raw: append([]byte(nil), raw...)})
	p.known[hash] = struct{}{}
	p.logger.Debug("extrinsic pooled", zap.String("hash", hash.Short()), zap.Bool("signed", x.Signed))
	return hash, nil
}

// Take removes and returns up to max extrinsics, oldest first, whose
// combined size stays within maxBytes. Zero limits are ignored.
func (p *Pool) Take(max, maxBytes int) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		out  [][]byte
		size int
	)
	n := 0
	for _, it := range p.items {
		if max > 0 && len(out) == max {
			break
		}
		if maxBytes > 0 && size+len(it.raw) > maxBytes {
			break
		}
		out = append(out, it.raw)
		size += len(it.raw)
		delete(p.known, it.hash)
		n++
	}
	p.items = append(p.items[:0], p.items[n:]...)
	return out
}

// Requeue puts extrinsics taken for a block that was not committed back
// at the head of the queue, in their original order. Extrinsics pooled
// again meanwhile are skipped, and the rest is cut to the free capacity.
// It returns how many were requeued.
func (p *Pool) Requeue(raws [][]byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	back := make([]item, 0, len(raws))
	for _, raw := range raws {
		if len(p.items)+len(back) >= p.cfg.Capacity {
			break
		}
		hash := hashing.Sum(raw)
		if _, ok := p.known[hash]; ok {
			continue
		}
		back = append(back, item{hash: hash, raw: raw})
		p.known[hash] = struct{}{}
	}
	if dropped := len(raws) - len(back); dropped > 0 {
		p.logger.Debug("requeue skipped extrinsics", zap.Int("dropped", dropped))
	}
	p.items = append(back, p.items...)
	return len(back)
}

// Has reports whether hash is pooled.
func (p *Pool) Has(hash hashing.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.known[hash]
	return ok
}

// Pending returns the hashes of pooled extrinsics in queue order.
func (p *Pool) Pending() []hashing.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]hashing.Hash, len(p.items))
	for i, it := range p.items {
		out[i] = it.hash
	}
	return out
}

// Len returns the number of pooled extrinsics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}
