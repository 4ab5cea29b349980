// Package state is the node's persistent key-value store.
//
// A single LevelDB instance holds four keyspaces: runtime state, node
// metadata, encoded blocks and content-addressed runtime code. Block
// execution reads from a Snapshot through an Overlay and the resulting
// Delta is committed together with its block in one synced Batch, so a
// crash leaves either the whole block or none of it on disk.
package state

import (
	stderrors "errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/hashing"
)

// Prefix selects a keyspace.
type Prefix string

const (
	PrefixState Prefix = "s/"
	PrefixMeta  Prefix = "m/"
	PrefixBlock Prefix = "b/"
	PrefixCode  Prefix = "c/"
)

func (p Prefix) key(k []byte) []byte {
	out := make([]byte, 0, len(p)+len(k))
	out = append(out, p...)
	return append(out, k...)
}

var (
	metaRoot      = []byte("root")
	metaCodeIndex = []byte("code/")
)

// Options configures Open.
type Options struct {
	// Path is the database directory. Empty opens an in-memory store.
	Path string

	// CacheMB is the LevelDB block cache size.
	CacheMB int

	// NoSync disables fsync on commit. Tests only.
	NoSync bool

	Logger *zap.Logger
}

// Store is the node database.
type Store struct {
	db     *leveldb.DB
	sync   bool
	logger *zap.Logger

	mu   sync.RWMutex
	root hashing.Hash
}

// Open opens or creates the store.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &opt.Options{}
	if opts.CacheMB > 0 {
		o.BlockCacheCapacity = opts.CacheMB * opt.MiB
	}

	var (
		db  *leveldb.DB
		err error
	)
	if opts.Path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), o)
	} else {
		db, err = leveldb.OpenFile(opts.Path, o)
	}
	if err != nil {
		return nil, errors.Storage("open", err)
	}

	s := &Store{db: db, sync: !opts.NoSync, logger: logger}
	raw, ok, err := s.Read(PrefixMeta, metaRoot)
	if err != nil {
		db.Close()
		return nil, err
	}
	if ok {
		root, err := hashing.FromBytes(raw)
		if err != nil {
			db.Close()
			return nil, errors.Storage("load root", err)
		}
		s.root = root
	}
	logger.Debug("state store opened", zap.String("path", opts.Path), zap.Stringer("root", s.root))
	return s, nil
}

// OpenMemory opens an in-memory store.
func OpenMemory() (*Store, error) {
	return Open(Options{NoSync: true})
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Storage("close", err)
	}
	return nil
}

// Root returns the state root of the last committed block.
func (s *Store) Root() hashing.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

// Read returns a raw value from a keyspace.
func (s *Store) Read(p Prefix, key []byte) ([]byte, bool, error) {
	v, err := s.db.Get(p.key(key), nil)
	if stderrors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Storage("read", err)
	}
	return v, true, nil
}

// Get reads a state key at the latest root.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	return s.Read(PrefixState, key)
}

// Code returns the runtime blob with the given content hash.
func (s *Store) Code(hash hashing.Hash) ([]byte, bool, error) {
	return s.Read(PrefixCode, hash[:])
}

// CodeHashAt returns the hash of the runtime active at root.
func (s *Store) CodeHashAt(root hashing.Hash) (hashing.Hash, bool, error) {
	raw, ok, err := s.Read(PrefixMeta, codeIndexKey(root))
	if err != nil || !ok {
		return hashing.Hash{}, ok, err
	}
	h, err := hashing.FromBytes(raw)
	if err != nil {
		return h, false, errors.Storage("code index", err)
	}
	return h, true, nil
}

func codeIndexKey(root hashing.Hash) []byte {
	return append(append([]byte{}, metaCodeIndex...), root[:]...)
}

// Snapshot returns a consistent read view of the latest committed state.
// The caller must Release it.
func (s *Store) Snapshot() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, errors.Storage("snapshot", err)
	}
	return &Snapshot{snap: snap, root: s.root}, nil
}

// NewBatch starts an atomic write.
func (s *Store) NewBatch() *Batch {
	return &Batch{b: new(leveldb.Batch)}
}

// Write applies b atomically. The in-memory root moves only after the
// write succeeded.
func (s *Store) Write(b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Write(b.b, &opt.WriteOptions{Sync: s.sync}); err != nil {
		return errors.Storage("commit", err)
	}
	if b.hasRoot {
		s.root = b.root
	}
	return nil
}

// Batch collects writes for Store.Write.
type Batch struct {
	b       *leveldb.Batch
	root    hashing.Hash
	hasRoot bool
}

// Put writes a raw value.
func (b *Batch) Put(p Prefix, key, value []byte) {
	b.b.Put(p.key(key), value)
}

// Delete removes a raw value.
func (b *Batch) Delete(p Prefix, key []byte) {
	b.b.Delete(p.key(key))
}

// ApplyDelta writes d to the state keyspace and moves the root.
func (b *Batch) ApplyDelta(d Delta, root hashing.Hash) {
	for _, c := range d {
		if c.Deleted {
			b.Delete(PrefixState, c.Key)
		} else {
			b.Put(PrefixState, c.Key, c.Value)
		}
	}
	b.Put(PrefixMeta, metaRoot, root[:])
	b.root = root
	b.hasRoot = true
}

// PutCode stores a runtime blob under its content hash.
func (b *Batch) PutCode(hash hashing.Hash, code []byte) {
	b.Put(PrefixCode, hash[:], code)
}

// IndexCode records that root runs the runtime with codeHash.
func (b *Batch) IndexCode(root, codeHash hashing.Hash) {
	b.Put(PrefixMeta, codeIndexKey(root), codeHash[:])
}

// Len returns the number of queued records.
func (b *Batch) Len() int { return b.b.Len() }

// Snapshot is an immutable view of committed state.
type Snapshot struct {
	snap *leveldb.Snapshot
	root hashing.Hash
}

// Root returns the state root the snapshot was taken at.
func (s *Snapshot) Root() hashing.Hash { return s.root }

// Get reads a state key.
func (s *Snapshot) Get(key []byte) ([]byte, bool, error) {
	v, err := s.snap.Get(PrefixState.key(key), nil)
	if stderrors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Storage("snapshot read", err)
	}
	return v, true, nil
}

// Range calls fn for every state key starting with prefix, in key order.
// Iteration stops early when fn returns false. key and value are only
// valid for the duration of the call.
func (s *Snapshot) Range(prefix []byte, fn func(key, value []byte) bool) error {
	it := s.snap.NewIterator(util.BytesPrefix(PrefixState.key(prefix)), nil)
	defer it.Release()
	for it.Next() {
		if !fn(it.Key()[len(PrefixState):], it.Value()) {
			break
		}
	}
	if err := it.Error(); err != nil {
		return errors.Storage("iterate", err)
	}
	return nil
}

// Release frees the snapshot.
func (s *Snapshot) Release() { s.snap.Release() }
