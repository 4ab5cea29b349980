package chain

import (
	"encoding/binary"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/hashing"
	"github.com/wippyai/wasm-node/state"
)

// DefaultCacheSize is the number of decoded blocks kept in memory.
const DefaultCacheSize = 1024

// Keys inside the block keyspace.
var (
	keyBlock   = []byte("h/") // hash -> encoded block
	keyReceipt = []byte("r/") // hash -> encoded receipt
	keyNumber  = []byte("n/") // number (big endian) -> hash
	keyHead    = []byte("head")
)

func prefixed(prefix []byte, rest []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(rest))
	out = append(out, prefix...)
	return append(out, rest...)
}

func numberKey(n uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return prefixed(keyNumber, buf[:])
}

// Head is the latest committed block.
type Head struct {
	Hash      hashing.Hash `cbor:"1,keyasint" json:"hash"`
	Number    uint64       `cbor:"2,keyasint" json:"number"`
	StateRoot hashing.Hash `cbor:"3,keyasint" json:"stateRoot"`
}

// BlockStore persists blocks and receipts in the state store's block
// keyspace, with an LRU of decoded blocks in front.
type BlockStore struct {
	db    *state.Store
	cache *lru.Cache[hashing.Hash, *Block]

	mu   sync.RWMutex
	head Head
	ok   bool
}

// NewBlockStore opens the block keyspace of db and loads the head.
func NewBlockStore(db *state.Store, cacheSize int) (*BlockStore, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[hashing.Hash, *Block](cacheSize)
	if err != nil {
		return nil, err
	}
	s := &BlockStore{db: db, cache: cache}

	raw, ok, err := db.Read(state.PrefixBlock, keyHead)
	if err != nil {
		return nil, err
	}
	if ok {
		if err := decMode.Unmarshal(raw, &s.head); err != nil {
			return nil, errors.Decode("head", err)
		}
		s.ok = true
	}
	return s, nil
}

// Head returns the latest committed block, or false before genesis.
func (s *BlockStore) Head() (Head, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head, s.ok
}

// Get returns the block with the given hash.
func (s *BlockStore) Get(hash hashing.Hash) (*Block, error) {
	if b, ok := s.cache.Get(hash); ok {
		return b, nil
	}
	raw, ok, err := s.db.Read(state.PrefixBlock, prefixed(keyBlock, hash[:]))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NotFound(errors.PhaseStorage, "block", hash.String())
	}
	b, err := DecodeBlock(raw)
	if err != nil {
		return nil, err
	}
	s.cache.Add(hash, b)
	return b, nil
}

// HashAt returns the hash of the committed block at number.
func (s *BlockStore) HashAt(number uint64) (hashing.Hash, error) {
	raw, ok, err := s.db.Read(state.PrefixBlock, numberKey(number))
	if err != nil {
		return hashing.Hash{}, err
	}
	if !ok {
		return hashing.Hash{}, errors.New(errors.PhaseStorage, errors.KindNotFound).
			Detail("no block at height %d", number).Build()
	}
	return hashing.FromBytes(raw)
}

// ByNumber returns the committed block at number.
func (s *BlockStore) ByNumber(number uint64) (*Block, error) {
	h, err := s.HashAt(number)
	if err != nil {
		return nil, err
	}
	return s.Get(h)
}

// Receipt returns the execution receipt of a committed block.
func (s *BlockStore) Receipt(hash hashing.Hash) (*Receipt, error) {
	raw, ok, err := s.db.Read(state.PrefixBlock, prefixed(keyReceipt, hash[:]))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NotFound(errors.PhaseStorage, "receipt", hash.String())
	}
	return DecodeReceipt(raw)
}

// Stage queues b, its receipt and the new head into batch. The store
// itself is unchanged until Accepted is called after the batch is written.
func (s *BlockStore) Stage(batch *state.Batch, b *Block, r *Receipt) (Head, error) {
	hash := b.Hash()
	enc, err := b.Encode()
	if err != nil {
		return Head{}, errors.Decode("block", err)
	}
	rec, err := r.Encode()
	if err != nil {
		return Head{}, errors.Decode("receipt", err)
	}
	head := Head{Hash: hash, Number: b.Header.Number, StateRoot: r.StateRoot}
	rawHead, err := encMode.Marshal(head)
	if err != nil {
		return Head{}, errors.Decode("head", err)
	}

	batch.Put(state.PrefixBlock, prefixed(keyBlock, hash[:]), enc)
	batch.Put(state.PrefixBlock, prefixed(keyReceipt, hash[:]), rec)
	batch.Put(state.PrefixBlock, numberKey(b.Header.Number), hash[:])
	batch.Put(state.PrefixBlock, keyHead, rawHead)
	return head, nil
}

// Accepted moves the head after a staged batch has been written.
func (s *BlockStore) Accepted(b *Block, head Head) {
	s.cache.Add(head.Hash, b)
	s.mu.Lock()
	s.head = head
	s.ok = true
	s.mu.Unlock()
}

// Purge drops every cached block.
func (s *BlockStore) Purge() {
	s.cache.Purge()
}
