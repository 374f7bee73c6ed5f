package rpc

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"golang.org/x/time/rate"

	"github.com/chainwatch-project/chainwatch/internal/chainerr"
	"github.com/chainwatch-project/chainwatch/pkg/logging"
)

// Config configures a chain Client's connection pool and rate limiting,
// per §4.1 and §5's "bounded-concurrency connection pool ... token-bucket
// limiter; bursts beyond the limit are queued, not rejected".
type Config struct {
	URL            string
	PoolSize       int
	RateLimitRPS   float64
	RateBurst      int
	RequestTimeout time.Duration
	CacheSize      int
}

// DefaultConfig returns the §4.1 defaults (pool size 16).
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		PoolSize:       16,
		RateLimitRPS:   32,
		RateBurst:      64,
		RequestTimeout: 15 * time.Second,
		CacheSize:      4096,
	}
}

// client is the production Client backed by gsrpc. A semaphore channel caps
// concurrent in-flight requests at PoolSize; a token-bucket limiter queues
// bursts instead of rejecting them.
type client struct {
	cfg     Config
	api     *gsrpc.SubstrateAPI
	limiter *rate.Limiter
	sem     chan struct{}
	cache   *hashCache
	log     *logging.Logger

	metaMu   sync.RWMutex
	meta     *types.Metadata
	metaAt   time.Time
}

// Dial connects to a Substrate node and returns a production Client.
func Dial(ctx context.Context, cfg Config) (Client, error) {
	api, err := gsrpc.NewSubstrateAPI(cfg.URL)
	if err != nil {
		return nil, chainerr.Wrap(chainerr.Transient, fmt.Sprintf("dial %s", cfg.URL), err)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 16
	}

	c := &client{
		cfg:     cfg,
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateBurst),
		sem:     make(chan struct{}, poolSize),
		cache:   newHashCache(cfg.CacheSize),
		log:     logging.GetDefault().Component("substrate-rpc"),
	}

	meta, err := api.RPC.State.GetMetadataLatest()
	if err != nil {
		return nil, chainerr.Wrap(chainerr.Protocol, "fetch initial metadata", err)
	}
	c.metaMu.Lock()
	c.meta = meta
	c.metaAt = time.Now()
	c.metaMu.Unlock()

	return c, nil
}

// acquire blocks for a pool slot and a rate-limiter token, honoring ctx
// cancellation on both.
func (c *client) acquire(ctx context.Context) (func(), error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, chainerr.Wrap(chainerr.Cancelled, "rate limiter wait", err)
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, chainerr.Wrap(chainerr.Cancelled, "connection pool wait", ctx.Err())
	}

	return func() { <-c.sem }, nil
}

func (c *client) HeadHeight(ctx context.Context) (uint64, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	header, err := c.api.RPC.Chain.GetHeaderLatest()
	if err != nil {
		return 0, chainerr.Wrap(chainerr.Transient, "get head header", err)
	}
	return uint64(header.Number), nil
}

func (c *client) FinalizedHeight(ctx context.Context) (uint64, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	hash, err := c.api.RPC.Chain.GetFinalizedHead()
	if err != nil {
		return 0, chainerr.Wrap(chainerr.Transient, "get finalized head", err)
	}
	header, err := c.api.RPC.Chain.GetHeader(hash)
	if err != nil {
		return 0, chainerr.Wrap(chainerr.Transient, "get finalized header", err)
	}
	return uint64(header.Number), nil
}

func (c *client) HashAt(ctx context.Context, height uint64) (string, error) {
	if hash, ok := c.cache.get(height); ok {
		return hash, nil
	}

	release, err := c.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	hash, err := c.api.RPC.Chain.GetBlockHash(height)
	if err != nil {
		if isNotFoundErr(err) {
			return "", chainerr.Wrap(chainerr.NotFound, fmt.Sprintf("block at height %d", height), err)
		}
		return "", chainerr.Wrap(chainerr.Transient, fmt.Sprintf("get block hash %d", height), err)
	}

	encoded := hash.Hex()
	c.cache.put(height, encoded)
	return encoded, nil
}

func (c *client) Block(ctx context.Context, hash string) (*RawBlock, error) {
	blockHash, err := types.NewHashFromHexString(hash)
	if err != nil {
		return nil, chainerr.Wrap(chainerr.BadRequest, "parse block hash", err)
	}

	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}

	signedBlock, err := c.api.RPC.Chain.GetBlock(blockHash)
	release()
	if err != nil {
		if isNotFoundErr(err) {
			return nil, chainerr.Wrap(chainerr.NotFound, "block "+hash, err)
		}
		return nil, chainerr.Wrap(chainerr.Transient, "get block "+hash, err)
	}

	out := &RawBlock{
		Height:     uint64(signedBlock.Block.Header.Number),
		Hash:       hash,
		ParentHash: signedBlock.Block.Header.ParentHash.Hex(),
	}

	for i, ext := range signedBlock.Block.Extrinsics {
		re := RawExtrinsic{
			Index:     uint32(i),
			CallIndex: [2]byte{ext.Method.CallIndex.SectionIndex, ext.Method.CallIndex.MethodIndex},
			ArgsRaw:   append([]byte{}, ext.Method.Args...),
			Success:   true, // corrected from System.ExtrinsicFailed events by the decoder
			Tip:       "0",
		}
		if ext.Signature.Signer.IsAccountID {
			accountID := ext.Signature.Signer.AsAccountID
			var pk [32]byte
			copy(pk[:], accountID[:])
			re.Signer = &pk
			tip := big.Int(ext.Signature.Tip)
			re.Tip = tip.String()
		}
		out.Extrinsics = append(out.Extrinsics, re)
	}

	return out, nil
}

func (c *client) Events(ctx context.Context, hash string) ([]RawEvent, error) {
	blockHash, err := types.NewHashFromHexString(hash)
	if err != nil {
		return nil, chainerr.Wrap(chainerr.BadRequest, "parse block hash", err)
	}

	meta, err := c.Metadata(ctx)
	if err != nil {
		return nil, err
	}

	key, err := types.CreateStorageKey(meta, "System", "Events", nil)
	if err != nil {
		return nil, chainerr.Wrap(chainerr.Protocol, "create events storage key", err)
	}

	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := c.api.RPC.State.GetStorageRaw(key, blockHash)
	release()
	if err != nil {
		return nil, chainerr.Wrap(chainerr.Transient, "fetch events storage", err)
	}
	if raw == nil {
		return nil, nil
	}

	var records types.EventRecords
	if err := types.EventRecordsRaw(*raw).DecodeEventRecords(meta, &records); err != nil {
		return nil, chainerr.Wrap(chainerr.Protocol, "decode event records", err)
	}

	return eventsFromRecords(&records), nil
}

func (c *client) Metadata(ctx context.Context) (*types.Metadata, error) {
	c.metaMu.RLock()
	meta := c.meta
	fresh := time.Since(c.metaAt) < 10*time.Minute
	c.metaMu.RUnlock()
	if fresh && meta != nil {
		return meta, nil
	}

	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	meta, err = c.api.RPC.State.GetMetadataLatest()
	if err != nil {
		return nil, chainerr.Wrap(chainerr.Transient, "fetch metadata", err)
	}

	c.metaMu.Lock()
	c.meta = meta
	c.metaAt = time.Now()
	c.metaMu.Unlock()

	return meta, nil
}

// AccountCreationHeight does a best-effort binary search over account nonce
// at candidate heights, per the supplemented behavior: the first height
// where the account's nonce (or existence) transitions from absent to
// present bounds the creation height. It gives up rather than block
// planning if the chain doesn't expose a cheaper index (§ supplemented
// features).
func (c *client) AccountCreationHeight(ctx context.Context, pubkey [32]byte) (uint64, bool, error) {
	head, err := c.HeadHeight(ctx)
	if err != nil {
		return 0, false, err
	}

	lo, hi := uint64(0), head
	found := false
	var foundHeight uint64

	for lo < hi {
		mid := lo + (hi-lo)/2

		hash, err := c.HashAt(ctx, mid)
		if err != nil {
			return 0, false, nil // best effort: don't block planning on this
		}

		exists, err := c.accountExistsAt(ctx, pubkey, hash)
		if err != nil {
			return 0, false, nil
		}

		if exists {
			found = true
			foundHeight = mid
			hi = mid
		} else {
			lo = mid + 1
		}
	}

	if !found {
		return 0, false, nil
	}
	return foundHeight, true, nil
}

func (c *client) accountExistsAt(ctx context.Context, pubkey [32]byte, hash string) (bool, error) {
	blockHash, err := types.NewHashFromHexString(hash)
	if err != nil {
		return false, err
	}

	meta, err := c.Metadata(ctx)
	if err != nil {
		return false, err
	}

	key, err := types.CreateStorageKey(meta, "System", "Account", pubkey[:])
	if err != nil {
		return false, chainerr.Wrap(chainerr.Protocol, "create account storage key", err)
	}

	release, err := c.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	var info types.AccountInfo
	ok, err := c.api.RPC.State.GetStorage(key, &info, blockHash)
	if err != nil {
		return false, chainerr.Wrap(chainerr.Transient, "get account storage", err)
	}
	return ok && info.Nonce > 0, nil
}

func (c *client) Close() error {
	if c.api != nil && c.api.Client != nil {
		c.api.Client.Close()
	}
	return nil
}

func isNotFoundErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "unknown block")
}

var _ Client = (*client)(nil)
