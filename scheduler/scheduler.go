// Package scheduler is the single writer of canonical state.
//
// Blocks are queued and executed one at a time by a worker goroutine.
// For each block the worker resolves the runtime active at the parent
// state root, runs the block over an overlay of a state snapshot, and on
// success commits the delta, the block, its receipt and any runtime
// upgrade in one synced batch. A block that publishes new runtime code has
// that code loaded and verified before the batch is written; the new
// engine becomes active only after the write succeeded, so the next block
// runs under it.
//
// Read-only queries bypass the queue and run on throwaway instances over
// their own snapshot.
package scheduler

import (
	"context"
	stderrors "errors"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-node/bytecode"
	"github.com/wippyai/wasm-node/chain"
	"github.com/wippyai/wasm-node/engine"
	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/executive"
	"github.com/wippyai/wasm-node/hashing"
	"github.com/wippyai/wasm-node/registry"
	"github.com/wippyai/wasm-node/state"
)

// DefaultQueueSize bounds pending blocks when Config.QueueSize is 0.
const DefaultQueueSize = 64

// Failure describes why a block was rejected.
type Failure struct {
	Kind       errors.Kind `json:"kind"`
	Diagnostic string      `json:"diagnostic"`
}

// Result is the outcome of a processed block.
type Result struct {
	Block     hashing.Hash `json:"block"`
	Number    uint64       `json:"number"`
	Committed bool         `json:"committed"`
	StateRoot hashing.Hash `json:"stateRoot,omitempty"`

	Delta      state.Delta     `json:"delta,omitempty"`
	Events     []chain.Event   `json:"events,omitempty"`
	Extrinsics []chain.Outcome `json:"extrinsics,omitempty"`
	Weight     uint64          `json:"weight"`

	// Runtime is the version that executed the block; Upgrade is set when
	// the block published a new one.
	Runtime bytecode.Version  `json:"runtime"`
	Upgrade *bytecode.Version `json:"upgrade,omitempty"`

	Failure *Failure `json:"failure,omitempty"`
}

// Observer receives scheduler activity. The metrics package implements it.
type Observer interface {
	BlockProcessed(res *Result, elapsed time.Duration)
	QueueDepth(n int)
}

type nopObserver struct{}

func (nopObserver) BlockProcessed(*Result, time.Duration) {}
func (nopObserver) QueueDepth(int)                        {}

// Config configures a Scheduler.
type Config struct {
	QueueSize int
	Executive executive.Config
	Logger    *zap.Logger
	Observer  Observer

	// OnFatal is called once with the first storage failure. The
	// scheduler stops accepting blocks afterwards.
	OnFatal func(error)
}

// Scheduler serialises block execution against canonical state.
type Scheduler struct {
	store    *state.Store
	blocks   *chain.BlockStore
	registry *registry.Registry
	exec     *executive.Executive
	cfg      Config
	logger   *zap.Logger
	observer Observer

	queue  chan *Ticket
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	fatal  error

	subMu sync.Mutex
	subs  map[chan *Result]struct{}
}

// New starts a scheduler over store. The registry must be bootstrapped.
func New(store *state.Store, blocks *chain.BlockStore, reg *registry.Registry, cfg Config) *Scheduler {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Executive.Logger == nil {
		cfg.Executive.Logger = logger
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:    store,
		blocks:   blocks,
		registry: reg,
		exec:     executive.New(cfg.Executive),
		cfg:      cfg,
		logger:   logger.Named("scheduler"),
		observer: observer,
		queue:    make(chan *Ticket, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[chan *Result]struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Submit queues b for execution without waiting.
func (s *Scheduler) Submit(ctx context.Context, b *chain.Block) (*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.Closed("scheduler")
	}
	if s.fatal != nil {
		return nil, s.fatal
	}

	t := newTicket(b)
	select {
	case s.queue <- t:
		s.observer.QueueDepth(len(s.queue))
		return t, nil
	default:
		return nil, errors.New(errors.PhaseSchedule, errors.KindQueueFull).
			Detail("%d blocks pending", cap(s.queue)).Build()
	}
}

// Execute submits b and waits for it to be committed or rejected.
func (s *Scheduler) Execute(ctx context.Context, b *chain.Block) (*Result, error) {
	t, err := s.Submit(ctx, b)
	if err != nil {
		return nil, err
	}
	return t.Wait(ctx)
}

// Query runs a read-only entry point against the state at root, which
// must be the current canonical state. Writes made by the call are
// discarded.
func (s *Scheduler) Query(ctx context.Context, root hashing.Hash, entry string, input []byte) (*engine.Output, error) {
	snap, err := s.store.Snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()
	if snap.Root() != root {
		return nil, errors.NotCanonical("state %s is not the canonical head %s", root.Short(), snap.Root().Short())
	}

	h, err := s.registry.Resolve(ctx, root)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	env := engine.Env{ParentStateRoot: root}
	if head, ok := s.blocks.Head(); ok {
		env.Number = head.Number
		env.ParentHash = head.Hash
		if b, err := s.blocks.Get(head.Hash); err == nil {
			env.Timestamp = b.Header.Timestamp
		}
	}
	return h.Engine().Call(ctx, state.NewOverlay(snap), env, entry, input)
}

// Subscribe returns a channel receiving every processed block. Results
// are dropped for subscribers that fall behind. Call the returned func to
// unsubscribe.
func (s *Scheduler) Subscribe(buffer int) (<-chan *Result, func()) {
	ch := make(chan *Result, buffer)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, ch)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Scheduler) publish(res *Result) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- res:
		default:
		}
	}
}

// Close stops the worker after the block in flight. Queued blocks are
// rejected.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		select {
		case t := <-s.queue:
			s.observer.QueueDepth(len(s.queue))
			s.handle(t)
		case <-s.ctx.Done():
			s.drain()
			return
		}
	}
}

func (s *Scheduler) drain() {
	for {
		select {
		case t := <-s.queue:
			t.finish(nil, errors.Closed("scheduler"))
		default:
			return
		}
	}
}

func (s *Scheduler) handle(t *Ticket) {
	start := time.Now()
	res, err := s.process(t)
	if res == nil {
		res = &Result{Block: t.hash, Number: t.block.Header.Number}
	}
	if err != nil {
		res.Committed = false
		res.Failure = &Failure{Kind: errors.KindOf(err), Diagnostic: err.Error()}
		s.logger.Info("block rejected",
			zap.Uint64("number", res.Number),
			zap.String("block", res.Block.Short()),
			zap.Error(err))
		if errors.IsFatal(err) {
			s.halt(err)
		}
	} else {
		s.logger.Info("block committed",
			zap.Uint64("number", res.Number),
			zap.String("block", res.Block.Short()),
			zap.String("state", res.StateRoot.Short()),
			zap.Int("extrinsics", len(res.Extrinsics)),
			zap.Uint64("weight", res.Weight))
	}
	s.observer.BlockProcessed(res, time.Since(start))
	s.publish(res)
	t.finish(res, err)
}

func (s *Scheduler) halt(err error) {
	s.mu.Lock()
	first := s.fatal == nil
	if first {
		s.fatal = err
	}
	s.mu.Unlock()
	if first {
		s.logger.Error("storage failure, scheduler halted", zap.Error(err))
		if s.cfg.OnFatal != nil {
			s.cfg.OnFatal(err)
		}
	}
}

// process executes and commits a single block. Panics anywhere in the
// pipeline reject the block instead of taking the node down.
func (s *Scheduler) process(t *Ticket) (res *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("panic while processing block", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			err = errors.New(errors.PhaseSchedule, errors.KindTrap).
				Detail("panic: %v", p).Build()
		}
	}()

	if s.fatalErr() != nil {
		return nil, s.fatalErr()
	}
	if t.Cancelled() {
		return nil, errors.NotCanonical("block %s cancelled before execution", t.hash.Short())
	}

	b := t.block
	if err := b.Verify(); err != nil {
		return nil, err
	}
	if err := s.checkParent(b); err != nil {
		return nil, err
	}

	parentRoot := b.Header.ParentStateRoot
	h, err := s.registry.Resolve(s.ctx, parentRoot)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	res = &Result{Block: t.hash, Number: b.Header.Number, Runtime: h.Version()}

	snap, err := s.store.Snapshot()
	if err != nil {
		return res, err
	}
	defer snap.Release()
	if snap.Root() != parentRoot {
		return res, errors.NotCanonical("state moved to %s during admission", snap.Root().Short())
	}

	overlay := state.NewOverlay(snap)
	env := b.Header.Env()
	session, err := h.Engine().NewSession(s.ctx, overlay, env)
	if err != nil {
		return res, err
	}
	defer session.Close(s.ctx)

	out, err := s.exec.Execute(s.ctx, session, overlay, h.Policy(), env, b.Extrinsics)
	if err != nil {
		if stderrors.Is(err, errors.ErrTrap) {
			s.registry.Invalidate(h.Hash())
		}
		return res, err
	}
	res.Delta, res.Events, res.Extrinsics, res.Weight = out.Delta, out.Events, out.Extrinsics, out.Weight

	if t.Cancelled() {
		return res, errors.NotCanonical("block %s cancelled during execution", t.hash.Short())
	}
	return res, s.commit(b, h, res)
}

func (s *Scheduler) fatalErr() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fatal
}

func (s *Scheduler) checkParent(b *chain.Block) error {
	head, ok := s.blocks.Head()
	if !ok {
		return errors.NotCanonical("no genesis")
	}
	switch {
	case b.Header.ParentHash != head.Hash:
		return errors.NotCanonical("parent %s is not the head %s", b.Header.ParentHash.Short(), head.Hash.Short())
	case b.Header.Number != head.Number+1:
		return errors.NotCanonical("number %d does not follow head %d", b.Header.Number, head.Number)
	case b.Header.ParentStateRoot != head.StateRoot:
		return errors.NotCanonical("parent state %s is not the head state %s", b.Header.ParentStateRoot.Short(), head.StateRoot.Short())
	}
	return nil
}

// commit writes the block atomically and rotates the runtime if the block
// published new code.
func (s *Scheduler) commit(b *chain.Block, h *registry.Handle, res *Result) error {
	root, err := state.NextRoot(b.Header.ParentStateRoot, res.Delta)
	if err != nil {
		return err
	}

	codeHash := h.Hash()
	var upgrade *registry.Handle
	if c, ok := res.Delta.Lookup([]byte(bytecode.CodeKey)); ok {
		if c.Deleted {
			return errors.InvalidUpgrade("runtime code cleared", nil)
		}
		upgrade, err = s.registry.OnVersionChange(s.ctx, c.Value)
		if err != nil {
			return err
		}
		defer upgrade.Release()
		codeHash = upgrade.Hash()
	}

	batch := s.store.NewBatch()
	batch.ApplyDelta(res.Delta, root)
	if upgrade != nil {
		batch.PutCode(codeHash, upgrade.Engine().Module().Code)
	}
	batch.IndexCode(root, codeHash)
	head, err := s.blocks.Stage(batch, b, &chain.Receipt{
		StateRoot:   root,
		CodeHash:    h.Hash(),
		SpecVersion: h.Version().SpecVersion,
		Weight:      res.Weight,
		Extrinsics:  res.Extrinsics,
		Events:      res.Events,
	})
	if err != nil {
		if upgrade != nil {
			s.registry.Abort()
		}
		return err
	}
	if err := s.store.Write(batch); err != nil {
		if upgrade != nil {
			s.registry.Abort()
		}
		return err
	}
	s.blocks.Accepted(b, head)

	if upgrade != nil {
		// The block is on disk; a failed rotation only costs a reload on
		// the next Resolve.
		if err := s.registry.Activate(codeHash); err != nil {
			s.logger.Error("activate committed runtime", zap.String("code", codeHash.Short()), zap.Error(err))
		}
		v := upgrade.Version()
		res.Upgrade = &v
	}
	res.Committed = true
	res.StateRoot = root
	return nil
}
