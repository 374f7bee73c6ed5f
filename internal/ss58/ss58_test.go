package ss58

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripOneBytePrefix(t *testing.T) {
	var pubkey [32]byte
	for i := range pubkey {
		pubkey[i] = byte(i)
	}

	addr := Encode(pubkey, 2) // Kusama prefix
	got, prefix, err := Decode(addr)
	require.NoError(t, err)
	assert.Equal(t, pubkey, got)
	assert.Equal(t, uint16(2), prefix)
}

func TestRoundTripTwoBytePrefix(t *testing.T) {
	var pubkey [32]byte
	for i := range pubkey {
		pubkey[i] = byte(255 - i)
	}

	addr := Encode(pubkey, 8000)
	got, prefix, err := Decode(addr)
	require.NoError(t, err)
	assert.Equal(t, pubkey, got)
	assert.Equal(t, uint16(8000), prefix)
}

func TestDecodeRejectsBadChecksum(t *testing.T) {
	var pubkey [32]byte
	addr := Encode(pubkey, 0)
	// Flip the last character, which lands in the checksum bytes.
	mutated := []byte(addr)
	if mutated[len(mutated)-1] == 'a' {
		mutated[len(mutated)-1] = 'b'
	} else {
		mutated[len(mutated)-1] = 'a'
	}

	_, _, err := Decode(string(mutated))
	assert.Error(t, err)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, _, err := Decode("not-a-valid-ss58-address-!!!")
	assert.Error(t, err)
}

func TestPolkadotPrefixDiffersFromKusama(t *testing.T) {
	var pubkey [32]byte
	pubkey[0] = 1

	kusama := Encode(pubkey, 2)
	polkadot := Encode(pubkey, 0)
	assert.NotEqual(t, kusama, polkadot)
}
