package indexer

import (
	"math/rand"
	"time"

	"github.com/chainwatch-project/chainwatch/internal/config"
)

// nextBackoff computes the delay before retry attempt n (1-based) using
// full jitter: a random delay uniformly drawn from [0, min(cap, base*2^(n-1))].
// This generalizes the node package's calculateNextRetry (fixed
// multiplier, no jitter) per §4.4's "exponential backoff (base 500ms, cap
// 30s, full jitter)".
func nextBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= cfg.MaxDelay {
			backoff = cfg.MaxDelay
			break
		}
	}
	if backoff > cfg.MaxDelay {
		backoff = cfg.MaxDelay
	}

	if backoff <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(backoff) + 1))
}
