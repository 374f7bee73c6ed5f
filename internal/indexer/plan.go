package indexer

import (
	"context"

	"github.com/chainwatch-project/chainwatch/internal/chainerr"
	"github.com/chainwatch-project/chainwatch/internal/model"
	"github.com/chainwatch-project/chainwatch/internal/substrate/rpc"
)

// Plan is the result of the worker's Planning state (§4.4): the height
// range [StartHeight, TargetHeight] it will index before re-planning.
type Plan struct {
	StartHeight  uint64
	TargetHeight uint64
}

// planRange computes a Plan for one (chain,pubkey,stream) worker: start is
// max(checkpoint+1, account start block), falling back to the account's
// creation height (or genesis) when it has neither, and target is head
// minus the chain's finality depth. Both streams plan from the single
// account passed in.
func planRange(ctx context.Context, client rpc.Client, account model.WatchedAccount, checkpoint uint64, hasCheckpoint bool, finalityDepth uint64) (Plan, error) {
	start := uint64(0)
	if account.StartBlock != nil {
		start = *account.StartBlock
	} else if !hasCheckpoint {
		height, ok, err := client.AccountCreationHeight(ctx, account.PubKey)
		if err != nil {
			return Plan{}, err
		}
		if ok {
			start = height
		}
	}
	if hasCheckpoint && checkpoint+1 > start {
		start = checkpoint + 1
	}

	head, err := client.HeadHeight(ctx)
	if err != nil {
		return Plan{}, chainerr.Wrap(chainerr.Transient, "plan: head height", err)
	}

	target := uint64(0)
	if head > finalityDepth {
		target = head - finalityDepth
	}

	if start > target {
		// Nothing new to index this planning cycle; the caller's range
		// slicer will simply produce no windows.
		return Plan{StartHeight: start, TargetHeight: start - 1}, nil
	}

	return Plan{StartHeight: start, TargetHeight: target}, nil
}
