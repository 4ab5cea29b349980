// Package authoring produces blocks for a development chain.
//
// The author seals whatever the transaction pool holds on a fixed
// interval and hands the block to the scheduler. It stands in for a
// consensus engine: there is a single author and every block it builds
// extends the current head.
package authoring

import (
	"context"
	stderrors "errors"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-node/chain"
	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/scheduler"
	"github.com/wippyai/wasm-node/txpool"
)

// Executor commits blocks. *scheduler.Scheduler implements it.
type Executor interface {
	Execute(ctx context.Context, b *chain.Block) (*scheduler.Result, error)
}

// Config configures an Author.
type Config struct {
	// Interval between seal attempts. Defaults to one second.
	Interval time.Duration

	// MaxExtrinsics and MaxBytes bound a block; 0 means unbounded.
	MaxExtrinsics int
	MaxBytes      int

	// SkipEmpty suppresses blocks without extrinsics.
	SkipEmpty bool

	// Key is recorded as the block author.
	Key []byte

	// Now defaults to time.Now.
	Now func() time.Time

	Logger *zap.Logger
}

// Author seals blocks from a pool.
type Author struct {
	pool   *txpool.Pool
	blocks *chain.BlockStore
	exec   Executor
	cfg    Config
	logger *zap.Logger
}

// New creates an Author.
func New(pool *txpool.Pool, blocks *chain.BlockStore, exec Executor, cfg Config) *Author {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Author{pool: pool, blocks: blocks, exec: exec, cfg: cfg, logger: logger.Named("author")}
}

// Seal builds one block on the current head and executes it. It returns
// nil, nil when SkipEmpty is set and the pool is empty.
func (a *Author) Seal(ctx context.Context) (*scheduler.Result, error) {
	head, ok := a.blocks.Head()
	if !ok {
		return nil, errors.NotCanonical("no genesis")
	}
	parent, err := a.blocks.Get(head.Hash)
	if err != nil {
		return nil, err
	}

	exts := a.pool.Take(a.cfg.MaxExtrinsics, a.cfg.MaxBytes)
	if len(exts) == 0 && a.cfg.SkipEmpty {
		return nil, nil
	}

	// Timestamps are milliseconds and strictly increase.
	ts := uint64(a.cfg.Now().UnixMilli())
	if ts <= parent.Header.Timestamp {
		ts = parent.Header.Timestamp + 1
	}
	b := chain.NewBlock(head.Hash, head.Number+1, ts, head.StateRoot, exts)
	b.Header.Author = a.cfg.Key
	res, err := a.exec.Execute(ctx, b)
	if err != nil {
		a.requeue(exts, err)
	}
	return res, err
}

// requeue returns the extrinsics of a rejected block to the pool. A
// dispatch failure names its culprit, which is dropped; a block that lost
// the race for the head or was cancelled keeps all of them. Any other
// failure cannot be pinned on one extrinsic, so the block is dropped whole
// rather than retried forever.
func (a *Author) requeue(exts [][]byte, err error) {
	keep := exts
	switch {
	case errors.KindOf(err) == errors.KindDispatchFailed:
		i, ok := errors.ExtrinsicIndex(err)
		if !ok || i >= len(exts) {
			return
		}
		keep = make([][]byte, 0, len(exts)-1)
		keep = append(keep, exts[:i]...)
		keep = append(keep, exts[i+1:]...)
	case stderrors.Is(err, errors.ErrNotCanonical), stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
	default:
		return
	}
	if n := a.pool.Requeue(keep); n > 0 {
		a.logger.Debug("requeued extrinsics of rejected block", zap.Int("count", n), zap.Int("taken", len(exts)))
	}
}

// Run seals on every tick until ctx is done or a fatal error occurs.
// Rejected blocks are logged; see requeue for what happens to their
// extrinsics.
func (a *Author) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	a.logger.Info("instant seal started", zap.Duration("interval", a.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := a.Seal(ctx)
			switch {
			case err == nil:
				if res != nil {
					a.logger.Debug("sealed", zap.Uint64("number", res.Number), zap.Int("extrinsics", len(res.Extrinsics)))
				}
			case errors.IsFatal(err):
				return err
			case ctx.Err() != nil:
				return nil
			default:
				a.logger.Warn("sealed block rejected", zap.Error(err))
			}
		}
	}
}
