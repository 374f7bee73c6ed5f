package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
	assert.Contains(t, cfg.Chains, "kusama")
	assert.Contains(t, cfg.Chains, "polkadot")
	assert.Equal(t, 256, cfg.Indexer.WindowSize)

	_, statErr := os.Stat(filepath.Join(dir, ConfigFileName))
	assert.NoError(t, statErr)
}

func TestLoadReadsExistingOverrides(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Listen = "0.0.0.0:9000"
	cfg.LogLevel = "debug"
	require.NoError(t, cfg.Save(filepath.Join(dir, ConfigFileName)))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", loaded.Listen)
	assert.Equal(t, "debug", loaded.LogLevel)
}

func TestChainParamsLookup(t *testing.T) {
	cfg := DefaultConfig()
	p, ok := cfg.ChainParams("kusama")
	require.True(t, ok)
	assert.Equal(t, uint16(2), p.SS58Prefix)

	_, ok = cfg.ChainParams("unknown-chain")
	assert.False(t, ok)
}
