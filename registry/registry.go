// Package registry owns the node's runtime engines.
//
// At most two engines are cached: the active one, bound to the runtime
// stored at the canonical head, and a pending one prepared while the block
// that publishes a new runtime is being committed. Resolving a state root
// whose runtime is neither gets a disposable engine that is closed as soon
// as its last handle is released.
//
// Engines are reference counted. Rotating the active engine never closes
// an engine that a reader still holds; it is closed when the last handle
// is released.
package registry

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-node/bytecode"
	"github.com/wippyai/wasm-node/engine"
	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/executive"
	"github.com/wippyai/wasm-node/hashing"
)

// CodeSource resolves state roots to runtime code. *state.Store
// implements it.
type CodeSource interface {
	CodeHashAt(root hashing.Hash) (hashing.Hash, bool, error)
	Code(hash hashing.Hash) ([]byte, bool, error)
}

// Config configures a Registry.
type Config struct {
	Engine engine.Config
	Logger *zap.Logger

	// OnActivate is called with the new runtime after every rotation.
	OnActivate func(bytecode.Version, hashing.Hash)
}

type entry struct {
	engine *engine.Engine
	policy executive.Policy

	// Guarded by Registry.mu.
	refs     int
	retired  bool
	released bool
}

func (e *entry) hash() hashing.Hash { return e.engine.Hash() }

// Handle is a reference to an engine. It must be released exactly once.
type Handle struct {
	r    *Registry
	e    *entry
	once sync.Once
}

// Engine returns the referenced engine.
func (h *Handle) Engine() *engine.Engine { return h.e.engine }

// Policy returns the dispatch policy declared by the runtime.
func (h *Handle) Policy() executive.Policy { return h.e.policy }

// Version returns the runtime version.
func (h *Handle) Version() bytecode.Version { return h.e.engine.Version() }

// Hash returns the runtime content hash.
func (h *Handle) Hash() hashing.Hash { return h.e.hash() }

// Release drops the reference. Further calls are no-ops.
func (h *Handle) Release() {
	h.once.Do(func() { h.r.release(h.e) })
}

// Registry maps state roots to engines.
type Registry struct {
	src    CodeSource
	cfg    Config
	logger *zap.Logger

	mu      sync.RWMutex
	active  *entry
	pending *entry
	closed  bool

	// Identity of the active runtime. It outlives an invalidated engine
	// until the next one is loaded.
	activeHash    hashing.Hash
	activeVersion bytecode.Version
}

// New creates a registry. Call Bootstrap before resolving.
func New(src CodeSource, cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Engine.Logger == nil {
		cfg.Engine.Logger = logger
	}
	return &Registry{src: src, cfg: cfg, logger: logger.Named("registry")}
}

// Bootstrap loads the runtime active at root, normally the canonical head.
func (r *Registry) Bootstrap(ctx context.Context, root hashing.Hash) error {
	codeHash, err := r.codeHashAt(root)
	if err != nil {
		return err
	}
	e, err := r.loadStored(ctx, codeHash)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.closeEntry(e)
		return errors.Closed("registry")
	}
	r.retire(r.active)
	r.active = e
	r.activeHash = codeHash
	r.activeVersion = e.engine.Version()
	r.logger.Info("runtime active", zap.Stringer("version", e.engine.Version()), zap.String("code", codeHash.Short()))
	r.notify(e)
	return nil
}

// Resolve returns the engine bound to the runtime active at root.
func (r *Registry) Resolve(ctx context.Context, root hashing.Hash) (*Handle, error) {
	codeHash, err := r.codeHashAt(root)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.Closed("registry")
	}
	for _, e := range []*entry{r.active, r.pending} {
		if e != nil && e.hash() == codeHash {
			e.refs++
			r.mu.Unlock()
			return &Handle{r: r, e: e}, nil
		}
	}
	reinstall := r.active == nil && codeHash == r.activeHash
	r.mu.Unlock()

	e, err := r.loadStored(ctx, codeHash)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.closeEntry(e)
		return nil, errors.Closed("registry")
	}
	if reinstall && r.active == nil {
		r.active = e
		r.logger.Info("runtime reloaded", zap.String("code", codeHash.Short()))
	} else {
		e.retired = true
		r.logger.Debug("disposable engine", zap.String("code", codeHash.Short()), zap.Stringer("root", root))
	}
	e.refs++
	return &Handle{r: r, e: e}, nil
}

// OnVersionChange loads and verifies a runtime published by the block
// being committed and keeps it as pending. The upgrade must keep the spec
// name and strictly increase the spec version. The returned handle keeps
// the pending engine alive until released.
func (r *Registry) OnVersionChange(ctx context.Context, code []byte) (*Handle, error) {
	e, err := r.load(ctx, code)
	if err != nil {
		return nil, errors.InvalidUpgrade("load runtime", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.closeEntry(e)
		return nil, errors.Closed("registry")
	}
	if r.active != nil {
		cur, next := r.active.engine.Version(), e.engine.Version()
		if next.SpecName != cur.SpecName {
			r.closeEntry(e)
			return nil, errors.InvalidUpgrade(fmt.Sprintf("spec name %q does not match %q", next.SpecName, cur.SpecName), nil)
		}
		if next.SpecVersion <= cur.SpecVersion {
			r.closeEntry(e)
			return nil, errors.InvalidUpgrade(fmt.Sprintf("spec version %d does not increase %d", next.SpecVersion, cur.SpecVersion), nil)
		}
	}
	r.retire(r.pending)
	r.pending = e
	e.refs++
	r.logger.Info("runtime upgrade prepared", zap.Stringer("version", e.engine.Version()), zap.String("code", e.hash().Short()))
	return &Handle{r: r, e: e}, nil
}

// Activate promotes the pending runtime once the block publishing it has
// been committed.
func (r *Registry) Activate(hash hashing.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil || r.pending.hash() != hash {
		return errors.NotFound(errors.PhaseRegistry, "pending runtime", hash.String())
	}
	r.retire(r.active)
	r.active = r.pending
	r.activeHash = hash
	r.activeVersion = r.active.engine.Version()
	r.pending = nil
	r.logger.Info("runtime activated", zap.Stringer("version", r.active.engine.Version()), zap.String("code", hash.Short()))
	r.notify(r.active)
	return nil
}

// Abort discards the pending runtime.
func (r *Registry) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		r.logger.Info("runtime upgrade aborted", zap.String("code", r.pending.hash().Short()))
	}
	r.retire(r.pending)
	r.pending = nil
}

// Invalidate evicts the cached engine for hash, typically after it
// trapped. The next Resolve loads a fresh one.
func (r *Registry) Invalidate(hash hashing.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil && r.active.hash() == hash {
		r.retire(r.active)
		r.active = nil
	}
	if r.pending != nil && r.pending.hash() == hash {
		r.retire(r.pending)
		r.pending = nil
	}
}

// Active returns the active runtime version and hash. An invalidated
// runtime is still reported; its engine is reloaded on the next Resolve.
// ok is false before Bootstrap.
func (r *Registry) Active() (bytecode.Version, hashing.Hash, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeVersion, r.activeHash, !r.activeHash.IsZero()
}

// Pending returns the hash of the prepared runtime, if any.
func (r *Registry) Pending() (hashing.Hash, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.pending == nil {
		return hashing.Hash{}, false
	}
	return r.pending.hash(), true
}

// Close retires every cached engine. Engines still referenced are closed
// on their last release.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.retire(r.active)
	r.retire(r.pending)
	r.active, r.pending = nil, nil
	return nil
}

func (r *Registry) codeHashAt(root hashing.Hash) (hashing.Hash, error) {
	codeHash, ok, err := r.src.CodeHashAt(root)
	if err != nil {
		return hashing.Hash{}, err
	}
	if !ok {
		return hashing.Hash{}, errors.NotFound(errors.PhaseRegistry, "state root", root.String())
	}
	return codeHash, nil
}

func (r *Registry) loadStored(ctx context.Context, codeHash hashing.Hash) (*entry, error) {
	code, ok, err := r.src.Code(codeHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NotFound(errors.PhaseRegistry, "runtime code", codeHash.String())
	}
	return r.load(ctx, code)
}

func (r *Registry) load(ctx context.Context, code []byte) (*entry, error) {
	mod, err := bytecode.Load(code, r.cfg.Engine.LoadOptions())
	if err != nil {
		return nil, err
	}
	policy, err := executive.Lookup(mod.Version.Dispatch)
	if err != nil {
		return nil, err
	}
	e, err := engine.Load(ctx, mod, r.cfg.Engine)
	if err != nil {
		return nil, err
	}
	return &entry{engine: e, policy: policy}, nil
}

// retire marks e for closing; it closes now if unreferenced. Callers hold
// r.mu.
func (r *Registry) retire(e *entry) {
	if e == nil {
		return
	}
	e.retired = true
	if e.refs == 0 {
		r.closeEntry(e)
	}
}

func (r *Registry) release(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs == 0 && e.retired {
		r.closeEntry(e)
	}
}

func (r *Registry) closeEntry(e *entry) {
	if e.released {
		return
	}
	e.released = true
	if err := e.engine.Close(context.Background()); err != nil {
		r.logger.Warn("close engine", zap.String("code", e.hash().Short()), zap.Error(err))
	}
}

func (r *Registry) notify(e *entry) {
	if r.cfg.OnActivate != nil {
		r.cfg.OnActivate(e.engine.Version(), e.hash())
	}
}
