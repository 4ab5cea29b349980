package rpc

import (
	stderrors "errors"
	"net/http"

	"github.com/gorilla/rpc/v2/json2"

	"github.com/wippyai/wasm-node/bytecode"
	"github.com/wippyai/wasm-node/chain"
	"github.com/wippyai/wasm-node/engine"
	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/hashing"
)

// ServiceName prefixes every JSON-RPC method, e.g. "node.Head".
const ServiceName = "node"

// Application error codes, below the JSON-RPC reserved range.
const (
	CodeNotFound     json2.ErrorCode = -32001
	CodeRejected     json2.ErrorCode = -32002
	CodeBusy         json2.ErrorCode = -32003
	CodeNotCanonical json2.ErrorCode = -32004
)

// ErrorData is attached to every application error.
type ErrorData struct {
	Phase errors.Phase `json:"phase,omitempty"`
	Kind  errors.Kind  `json:"kind,omitempty"`
}

func rpcError(err error) error {
	var e *errors.Error
	if !stderrors.As(err, &e) {
		return &json2.Error{Code: json2.E_SERVER, Message: err.Error()}
	}
	code := json2.E_SERVER
	switch e.Kind {
	case errors.KindNotFound:
		code = CodeNotFound
	case errors.KindInvalidInput:
		code = json2.E_BAD_PARAMS
	case errors.KindQueueFull:
		code = CodeBusy
	case errors.KindNotCanonical:
		code = CodeNotCanonical
	case errors.KindMalformedModule, errors.KindInvalidBlock, errors.KindDispatchFailed,
		errors.KindTrap, errors.KindOutOfWeight, errors.KindInvalidUpgrade:
		code = CodeRejected
	}
	return &json2.Error{Code: code, Message: e.Error(), Data: ErrorData{Phase: e.Phase, Kind: e.Kind}}
}

func badParams(msg string) error {
	return &json2.Error{Code: json2.E_BAD_PARAMS, Message: msg}
}

// Service implements the node JSON-RPC methods.
type Service struct {
	backend Backend
	observe func(method string)
}

// EmptyArgs is accepted by methods without parameters.
type EmptyArgs struct{}

// SubmitArgs carries an encoded extrinsic.
type SubmitArgs struct {
	Extrinsic chain.Bytes `json:"extrinsic"`
}

// SubmitReply returns the pool hash of the extrinsic.
type SubmitReply struct {
	Hash hashing.Hash `json:"hash"`
}

// SubmitExtrinsic validates an extrinsic and adds it to the pool.
func (s *Service) SubmitExtrinsic(_ *http.Request, args *SubmitArgs, reply *SubmitReply) error {
	s.observe("SubmitExtrinsic")
	if len(args.Extrinsic) == 0 {
		return badParams("extrinsic is required")
	}
	h, err := s.backend.Pool.Add(args.Extrinsic)
	if err != nil {
		return rpcError(err)
	}
	reply.Hash = h
	return nil
}

// PendingReply lists pooled extrinsics.
type PendingReply struct {
	Hashes []hashing.Hash `json:"hashes"`
}

// PendingExtrinsics returns pooled extrinsic hashes in queue order.
func (s *Service) PendingExtrinsics(_ *http.Request, _ *EmptyArgs, reply *PendingReply) error {
	s.observe("PendingExtrinsics")
	reply.Hashes = s.backend.Pool.Pending()
	return nil
}

// Head returns the canonical head.
func (s *Service) Head(_ *http.Request, _ *EmptyArgs, reply *chain.Head) error {
	s.observe("Head")
	head, ok := s.backend.Blocks.Head()
	if !ok {
		return rpcError(errors.NotFound(errors.PhaseStorage, "head", "canonical"))
	}
	*reply = head
	return nil
}

// BlockArgs selects a block by hash or, when Hash is empty, by number.
type BlockArgs struct {
	Hash   string `json:"hash,omitempty"`
	Number uint64 `json:"number"`
}

// BlockReply is a block with its hash and hex extrinsics.
type BlockReply struct {
	Hash       hashing.Hash  `json:"hash"`
	Header     chain.Header  `json:"header"`
	Extrinsics []chain.Bytes `json:"extrinsics"`
}

// Block returns a canonical block.
func (s *Service) Block(_ *http.Request, args *BlockArgs, reply *BlockReply) error {
	s.observe("Block")
	var (
		b   *chain.Block
		err error
	)
	if args.Hash != "" {
		h, perr := hashing.Parse(args.Hash)
		if perr != nil {
			return badParams(perr.Error())
		}
		b, err = s.backend.Blocks.Get(h)
	} else {
		b, err = s.backend.Blocks.ByNumber(args.Number)
	}
	if err != nil {
		return rpcError(err)
	}
	reply.Hash = b.Hash()
	reply.Header = b.Header
	reply.Extrinsics = make([]chain.Bytes, len(b.Extrinsics))
	for i, x := range b.Extrinsics {
		reply.Extrinsics[i] = x
	}
	return nil
}

// HashArgs names a block by hash.
type HashArgs struct {
	Hash hashing.Hash `json:"hash"`
}

// Receipt returns the execution receipt of a committed block.
func (s *Service) Receipt(_ *http.Request, args *HashArgs, reply *chain.Receipt) error {
	s.observe("Receipt")
	r, err := s.backend.Blocks.Receipt(args.Hash)
	if err != nil {
		return rpcError(err)
	}
	*reply = *r
	return nil
}

// StorageArgs names a state key.
type StorageArgs struct {
	Key chain.Bytes `json:"key"`
}

// StorageReply holds a state value.
type StorageReply struct {
	Found bool        `json:"found"`
	Value chain.Bytes `json:"value,omitempty"`
}

// Storage reads a key from the canonical state.
func (s *Service) Storage(_ *http.Request, args *StorageArgs, reply *StorageReply) error {
	s.observe("Storage")
	v, ok, err := s.backend.Store.Get(args.Key)
	if err != nil {
		return rpcError(err)
	}
	reply.Found = ok
	reply.Value = v
	return nil
}

// QueryArgs invokes a read-only entry point. Root defaults to the
// canonical state root; Entry defaults to offchain_query.
type QueryArgs struct {
	Root  *hashing.Hash `json:"root,omitempty"`
	Entry string        `json:"entry,omitempty"`
	Input chain.Bytes   `json:"input"`
}

// QueryReply is the runtime output.
type QueryReply struct {
	OK     bool        `json:"ok"`
	Data   chain.Bytes `json:"data"`
	Weight uint64      `json:"weight"`
}

// Query runs a read-only runtime call.
func (s *Service) Query(r *http.Request, args *QueryArgs, reply *QueryReply) error {
	s.observe("Query")
	entry := args.Entry
	if entry == "" {
		entry = bytecode.EntryOffchainQuery
	}
	if entry != bytecode.EntryOffchainQuery {
		return badParams("only " + bytecode.EntryOffchainQuery + " may be queried")
	}
	root := s.backend.Store.Root()
	if args.Root != nil {
		root = *args.Root
	}
	out, err := s.backend.Scheduler.Query(r.Context(), root, entry, args.Input)
	if err != nil {
		return rpcError(err)
	}
	reply.OK = out.Status == engine.StatusOK
	reply.Data = out.Data
	reply.Weight = out.Weight
	return nil
}

// RuntimeReply describes the active and pending runtimes.
type RuntimeReply struct {
	Version bytecode.Version `json:"version"`
	Hash    hashing.Hash     `json:"hash"`
	Pending *hashing.Hash    `json:"pending,omitempty"`
}

// RuntimeVersion returns the runtime that executes the next block.
func (s *Service) RuntimeVersion(_ *http.Request, _ *EmptyArgs, reply *RuntimeReply) error {
	s.observe("RuntimeVersion")
	v, h, ok := s.backend.Registry.Active()
	if !ok {
		return rpcError(errors.NotFound(errors.PhaseRegistry, "runtime", "active"))
	}
	reply.Version = v
	reply.Hash = h
	if p, ok := s.backend.Registry.Pending(); ok {
		reply.Pending = &p
	}
	return nil
}
