package scheduler

import (
	"context"
	"sync/atomic"

	"github.com/wippyai/wasm-node/chain"
	"github.com/wippyai/wasm-node/hashing"
)

// Ticket tracks a submitted block.
type Ticket struct {
	block     *chain.Block
	hash      hashing.Hash
	cancelled atomic.Bool
	done      chan struct{}

	res *Result
	err error
}

func newTicket(b *chain.Block) *Ticket {
	return &Ticket{block: b, hash: b.Hash(), done: make(chan struct{})}
}

// Block returns the hash of the submitted block.
func (t *Ticket) Block() hashing.Hash { return t.hash }

// Cancel asks the scheduler not to commit the block. An execution already
// running completes but its result is discarded.
func (t *Ticket) Cancel() { t.cancelled.Store(true) }

// Cancelled reports whether Cancel was called.
func (t *Ticket) Cancelled() bool { return t.cancelled.Load() }

// Done is closed once the block has been committed or rejected.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the block is processed or ctx ends. The error is nil
// only if the block was committed.
func (t *Ticket) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-t.done:
		return t.res, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Ticket) finish(res *Result, err error) {
	t.res, t.err = res, err
	close(t.done)
}
