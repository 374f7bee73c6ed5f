package indexer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chainwatch-project/chainwatch/internal/config"
)

func TestNextBackoffWithinBounds(t *testing.T) {
	cfg := config.DefaultRetryConfig()
	for attempt := 1; attempt <= 10; attempt++ {
		d := nextBackoff(cfg, attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, cfg.MaxDelay)
	}
}

func TestNextBackoffCapsAtMaxDelay(t *testing.T) {
	cfg := config.RetryConfig{BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
	d := nextBackoff(cfg, 20)
	assert.LessOrEqual(t, d, cfg.MaxDelay)
}

func TestNextBackoffAttemptBelowOneTreatedAsOne(t *testing.T) {
	cfg := config.DefaultRetryConfig()
	d0 := nextBackoff(cfg, 0)
	assert.LessOrEqual(t, d0, cfg.BaseDelay)
}
