// Package node assembles a full node from its parts and runs it.
package node

import (
	"context"
	"crypto/ed25519"
	stderrors "errors"
	"fmt"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-node/authoring"
	"github.com/wippyai/wasm-node/chain"
	"github.com/wippyai/wasm-node/config"
	"github.com/wippyai/wasm-node/executive"
	"github.com/wippyai/wasm-node/metrics"
	"github.com/wippyai/wasm-node/registry"
	"github.com/wippyai/wasm-node/rpc"
	"github.com/wippyai/wasm-node/scheduler"
	"github.com/wippyai/wasm-node/state"
	"github.com/wippyai/wasm-node/txpool"
)

// Node owns every long-lived component.
type Node struct {
	cfg    *config.Config
	logger *zap.Logger
	key    ed25519.PrivateKey

	store     *state.Store
	blocks    *chain.BlockStore
	metrics   *metrics.Metrics
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	pool      *txpool.Pool
	author    *authoring.Author
	rpc       *rpc.Server

	fatal chan error
}

// New opens the database, commits genesis on first start and builds the
// components. It does not start any goroutine besides the scheduler
// worker.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Node, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Node{cfg: cfg, logger: logger, fatal: make(chan error, 1)}
	defer func() {
		if err != nil {
			err = multierr.Append(err, n.Close())
		}
	}()

	key, created, err := config.LoadOrCreateKey(cfg.KeyPath())
	if err != nil {
		return nil, fmt.Errorf("node key: %w", err)
	}
	if created {
		logger.Info("generated node key", zap.String("path", cfg.KeyPath()))
	}
	n.key = key

	n.store, err = state.Open(state.Options{
		Path:    cfg.DBPath(),
		CacheMB: cfg.Store.CacheMB,
		NoSync:  cfg.Store.NoSync,
		Logger:  logger.Named("state"),
	})
	if err != nil {
		return nil, err
	}
	n.blocks, err = chain.NewBlockStore(n.store, cfg.Store.BlockCache)
	if err != nil {
		return nil, err
	}
	if err := n.initGenesis(); err != nil {
		return nil, err
	}
	head, _ := n.blocks.Head()

	n.metrics = metrics.New()
	engineCfg := cfg.EngineConfig()
	engineCfg.OnHostCall = n.metrics.HostCall
	engineCfg.Logger = logger.Named("engine")
	n.registry = registry.New(n.store, registry.Config{
		Engine:     engineCfg,
		Logger:     logger,
		OnActivate: n.metrics.RuntimeActivated,
	})
	if err := n.registry.Bootstrap(ctx, head.StateRoot); err != nil {
		return nil, err
	}

	n.scheduler = scheduler.New(n.store, n.blocks, n.registry, scheduler.Config{
		QueueSize: cfg.Scheduler.QueueSize,
		Executive: executive.Config{BlockWeightLimit: cfg.Engine.BlockWeightLimit, Logger: logger},
		Logger:    logger,
		Observer:  n.metrics,
		OnFatal:   n.onFatal,
	})
	n.pool = txpool.New(txpool.Config{Capacity: cfg.Pool.Capacity, MaxSize: cfg.Pool.MaxSize, Logger: logger})
	n.metrics.PoolSize(n.pool.Len)

	if cfg.Author.Enabled {
		n.author = authoring.New(n.pool, n.blocks, n.scheduler, authoring.Config{
			Interval:      cfg.Author.Interval,
			MaxExtrinsics: cfg.Author.MaxExtrinsics,
			MaxBytes:      cfg.Author.MaxBytes,
			SkipEmpty:     cfg.Author.SkipEmpty,
			Key:           key.Public().(ed25519.PublicKey),
			Logger:        logger,
		})
	}

	rpcCfg := rpc.Config{Addr: cfg.RPC.Addr, Logger: logger}
	if cfg.RPC.Metrics {
		rpcCfg.Metrics = n.metrics
	}
	n.rpc, err = rpc.New(rpc.Backend{
		Store:     n.store,
		Blocks:    n.blocks,
		Scheduler: n.scheduler,
		Registry:  n.registry,
		Pool:      n.pool,
	}, rpcCfg)
	if err != nil {
		return nil, err
	}

	v, h, _ := n.registry.Active()
	logger.Info("node ready",
		zap.Uint64("head", head.Number),
		zap.Stringer("state_root", head.StateRoot),
		zap.String("runtime", v.String()),
		zap.String("code", h.Short()),
		zap.String("engine", string(engineCfg.Kind)))
	return n, nil
}

// initGenesis commits the genesis file into an empty store, or checks it
// against the stored chain when both exist.
func (n *Node) initGenesis() error {
	path := n.cfg.GenesisPath()
	g, err := chain.LoadGenesis(path)
	_, hasHead := n.blocks.Head()
	switch {
	case err == nil:
	case hasHead && stderrors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
	b, err := g.Commit(n.store, n.blocks)
	if err != nil {
		return err
	}
	if !hasHead {
		n.logger.Info("genesis committed", zap.Stringer("hash", b.Hash()), zap.String("file", path))
	}
	return nil
}

func (n *Node) onFatal(err error) {
	select {
	case n.fatal <- err:
	default:
	}
}

// Run serves RPC and, when enabled, authors blocks until ctx is done or a
// component fails. A storage failure in the scheduler ends Run with that
// error.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.rpc.ListenAndServe(gctx) })
	if n.author != nil {
		g.Go(func() error { return n.author.Run(gctx) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-n.fatal:
			n.logger.Error("node halted", zap.Error(err))
			return err
		}
	})
	return g.Wait()
}

// Close stops the scheduler and releases every resource.
func (n *Node) Close() error {
	var err error
	if n.scheduler != nil {
		err = multierr.Append(err, n.scheduler.Close())
	}
	if n.registry != nil {
		err = multierr.Append(err, n.registry.Close())
	}
	if n.store != nil {
		err = multierr.Append(err, n.store.Close())
		n.store = nil
	}
	return err
}

// Key returns the node key.
func (n *Node) Key() ed25519.PrivateKey { return n.key }

// Blocks returns the block store.
func (n *Node) Blocks() *chain.BlockStore { return n.blocks }

// Pool returns the transaction pool.
func (n *Node) Pool() *txpool.Pool { return n.pool }

// Scheduler returns the execution scheduler.
func (n *Node) Scheduler() *scheduler.Scheduler { return n.scheduler }

// Registry returns the runtime registry.
func (n *Node) Registry() *registry.Registry { return n.registry }

// RPC returns the RPC server.
func (n *Node) RPC() *rpc.Server { return n.rpc }
