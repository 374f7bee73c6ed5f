// Package model holds the indexer's chain-agnostic data types: the
// per-chain parameters, watched accounts, decoded blocks and extrinsics,
// staking events and checkpoints that flow between the chain client,
// decoder, filter, indexer worker and storage layer.
package model

import "encoding/json"

// Chain identifies a configured Substrate network.
type Chain struct {
	ID             string // "kusama", "polkadot", ...
	GenesisHash    string
	Decimals       uint8
	SS58Prefix     uint16
	FinalityDepth  uint64
	RPCEndpoint    string
}

// WatchedAccount is one address tracked within a chain.
type WatchedAccount struct {
	Chain      string
	PubKey     [32]byte
	Label      string
	StartBlock *uint64 // nil: resolve via account creation height, else genesis
}

// Stream names a checkpoint/record lane. Extrinsic planning is per-account;
// staking planning, when filtering by event participants, runs whole-chain.
type Stream string

const (
	StreamExtrinsics Stream = "extrinsics"
	StreamStaking    Stream = "staking"
)

// Block is header-level data extracted from a fetched block. Timestamp is
// nil when the block carries no index-0 Timestamp.set inherent.
type Block struct {
	Chain      string
	Height     uint64
	Hash       string
	ParentHash string
	Timestamp  *int64 // unix seconds, nil if absent
}

// Category is the classifier's output tag for one extrinsic.
type Category string

const (
	CategoryInherent        Category = "inherent"
	CategoryBalanceTransfer Category = "balance_transfer"
	CategoryStakingCall     Category = "staking_call"
	CategoryBatch           Category = "batch"
	CategoryOther           Category = "other"
)

// ExtrinsicRecord is one row of substrate_extrinsics. Unique key is
// (Chain, Height, Index).
type ExtrinsicRecord struct {
	Chain            string
	Height           uint64
	Index            uint32
	BlockHash        string
	BlockTimestamp   *int64
	SignerPubKey     *[32]byte // nil for inherents/unsigned
	CallModule       string
	CallFunction     string
	Success          bool
	Tip              string // decimal string, planck units
	Fee              *string // nil means unknown, per §4.2
	Category         Category
	ParamsPayload    json.RawMessage // lossless decoded argument tree
	MatchedAddresses [][32]byte      // subset of currently-watched pubkeys
}

// StakingEventRecord is one row of substrate_staking_events. Unique key is
// (Chain, Height, Index, EventIndex).
type StakingEventRecord struct {
	Chain            string
	Height           uint64
	Index            uint32
	EventIndex       uint32
	Module           string
	EventID          string // "Reward", "Bonded", "Unbonded", "Nominated", "Slashed", ...
	BeneficiaryPubKey [32]byte
	Amount           string // decimal string, planck units
	Era              *uint32
	ValidatorStash   *[32]byte
}

// Checkpoint records the highest contiguous height fully persisted for one
// (chain, pubkey, stream) lane.
type Checkpoint struct {
	Chain             string
	PubKey            [32]byte
	Stream            Stream
	LastScannedHeight uint64
}

// WorkerState is the Indexer Worker's lifecycle state (§4.4).
type WorkerState string

const (
	WorkerIdle     WorkerState = "idle"
	WorkerPlanning WorkerState = "planning"
	WorkerRunning  WorkerState = "running"
	WorkerPaused   WorkerState = "paused"
	WorkerStopping WorkerState = "stopping"
	WorkerStopped  WorkerState = "stopped"
)

// Progress is the status snapshot returned by status(session) and carried
// in progress envelopes.
type Progress struct {
	Account           string
	Stream            Stream
	State             WorkerState
	LastCheckpoint    uint64
	TargetHeight      uint64
	RateBlocksPerSec  float64
	FetchInFlight     int
	WriterQueueDepth  int
	ErrorsLast5m      int
}
