package indexer

import (
	"context"
	"time"

	"github.com/chainwatch-project/chainwatch/internal/chainerr"
	"github.com/chainwatch-project/chainwatch/internal/config"
	"github.com/chainwatch-project/chainwatch/internal/substrate/rpc"
)

// fetchedBlock is one height's raw block and events, or the error that
// made it unfetchable after retries were exhausted.
type fetchedBlock struct {
	Height uint64
	Block  *rpc.RawBlock
	Events []rpc.RawEvent
	Err    error
}

// fetchWithRetry fetches one block and its events, retrying on Transient
// classification per §4.4: up to cfg.MaxRetries retries with full-jitter
// exponential backoff. A Protocol error is retried once; beyond that, or a
// NotFound below the finalized height, is returned as-is so the caller can
// decide whether it's fatal to the worker.
func fetchWithRetry(ctx context.Context, client rpc.Client, cfg config.RetryConfig, height uint64) fetchedBlock {
	var lastErr error
	protocolRetried := false

	for attempt := 1; attempt <= cfg.MaxRetries+1; attempt++ {
		hash, err := client.HashAt(ctx, height)
		if err == nil {
			var block *rpc.RawBlock
			block, err = client.Block(ctx, hash)
			if err == nil {
				var events []rpc.RawEvent
				events, err = client.Events(ctx, hash)
				if err == nil {
					return fetchedBlock{Height: height, Block: block, Events: events}
				}
			}
		}

		lastErr = err
		code := chainerr.Classify(err)

		switch code {
		case chainerr.Transient:
			if attempt > cfg.MaxRetries {
				return fetchedBlock{Height: height, Err: lastErr}
			}
			if !sleepBackoff(ctx, cfg, attempt) {
				return fetchedBlock{Height: height, Err: ctx.Err()}
			}
		case chainerr.Protocol:
			if protocolRetried {
				return fetchedBlock{Height: height, Err: lastErr}
			}
			protocolRetried = true
			if !sleepBackoff(ctx, cfg, 1) {
				return fetchedBlock{Height: height, Err: ctx.Err()}
			}
		default:
			return fetchedBlock{Height: height, Err: lastErr}
		}
	}

	return fetchedBlock{Height: height, Err: lastErr}
}

func sleepBackoff(ctx context.Context, cfg config.RetryConfig, attempt int) bool {
	d := nextBackoff(cfg, attempt)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
