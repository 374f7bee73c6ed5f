// Package rpc provides the chain client: a bounded-concurrency, contract
// over a Substrate node's RPC surface (resolve block hash, fetch block,
// fetch events), backed by github.com/centrifuge/go-substrate-rpc-client.
package rpc

import (
	"context"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
)

// RawExtrinsic is one extrinsic from a fetched block, resolved only as far
// as the transport layer can go cheaply: the signer is read straight off the
// extrinsic envelope, and Success is always set true here (the classifier
// derives success from the block's System.ExtrinsicFailed events). The call
// module/function and its argument tree are left to the decoder/classifier,
// which has the metadata needed to interpret CallIndex and ArgsRaw.
type RawExtrinsic struct {
	Index     uint32
	Signer    *[32]byte // nil for inherents/unsigned extrinsics
	CallIndex [2]byte   // [pallet index, call index]
	ArgsRaw   []byte    // SCALE-encoded call arguments, after CallIndex
	Success   bool
	Tip       string // decimal string, planck units; "0" for unsigned extrinsics
}

// RawEvent is one event emitted during a block, already associated with the
// extrinsic index it belongs to (or block-level if ExtrinsicIndex is nil).
type RawEvent struct {
	ExtrinsicIndex *uint32
	EventIndex     uint32
	Module         string
	EventID        string
	Fields         map[string]interface{}
}

// RawBlock is a fetched block with its extrinsics, resolved and ordered.
type RawBlock struct {
	Height     uint64
	Hash       string
	ParentHash string
	Extrinsics []RawExtrinsic
}

// Client is the abstracted contract §4.1 specifies. Each method is
// independently retryable; Transient/Protocol/NotFound classification of
// returned errors is the caller's (indexer worker's) responsibility via
// internal/chainerr.Classify.
type Client interface {
	// HeadHeight returns the current best block height.
	HeadHeight(ctx context.Context) (uint64, error)

	// FinalizedHeight returns the most recent finalized block height.
	FinalizedHeight(ctx context.Context) (uint64, error)

	// HashAt resolves the block hash at a height, cached.
	HashAt(ctx context.Context, height uint64) (string, error)

	// Block fetches header and ordered extrinsics for a block hash.
	Block(ctx context.Context, hash string) (*RawBlock, error)

	// Events fetches events for a block hash as one flat slice, each event
	// tagged with its ExtrinsicIndex.
	Events(ctx context.Context, hash string) ([]RawEvent, error)

	// Metadata returns the chain's current runtime metadata, which the
	// decoder/classifier needs to resolve CallIndex to a module/function
	// name and to interpret each call's argument layout.
	Metadata(ctx context.Context) (*types.Metadata, error)

	// AccountCreationHeight makes a best-effort attempt to find the height
	// at which an account was first seen on chain. Returns (0, false, nil)
	// if the search could not bound a first-seen height.
	AccountCreationHeight(ctx context.Context, pubkey [32]byte) (uint64, bool, error)

	// Close releases the underlying connection.
	Close() error
}

// Registry holds one Client per configured chain, mirroring the teacher's
// backend.Registry keyed-by-symbol shape.
type Registry struct {
	clients map[string]Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds a client for a chain ID.
func (r *Registry) Register(chainID string, c Client) {
	r.clients[chainID] = c
}

// Get returns the client for a chain ID.
func (r *Registry) Get(chainID string) (Client, bool) {
	c, ok := r.clients[chainID]
	return c, ok
}

// CloseAll closes every registered client.
func (r *Registry) CloseAll() {
	for _, c := range r.clients {
		c.Close()
	}
}
