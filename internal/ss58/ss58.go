// Package ss58 converts between Substrate's SS58 address format and the
// raw 32-byte public keys the rest of chainwatch stores and compares
// addresses by. Session ingress in internal/transport accepts a pubkey as
// hex or as an SS58 address, decoding the latter through Decode before it
// reaches a worker or the storage layer (§9).
package ss58

import (
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"

	"github.com/chainwatch-project/chainwatch/pkg/helpers"
)

// checksumPrefix is prepended to the address body before hashing, per the
// SS58 specification, to domain-separate the checksum from other blake2b
// uses of the same key material.
var checksumPrefix = []byte("SS58PRE")

// Decode parses an SS58-encoded address and returns its 32-byte public key
// and the network prefix it was encoded with. It rejects addresses whose
// checksum does not match, so a transcription error cannot silently
// normalize to the wrong account.
func Decode(address string) (pubkey [32]byte, prefix uint16, err error) {
	raw, err := base58.Decode(address)
	if err != nil {
		return pubkey, 0, fmt.Errorf("ss58: invalid base58: %w", err)
	}

	prefixLen, prefixVal, err := decodePrefix(raw)
	if err != nil {
		return pubkey, 0, err
	}

	body := raw[prefixLen:]
	if len(body) != 32+2 {
		return pubkey, 0, fmt.Errorf("ss58: unexpected payload length %d", len(body))
	}

	payload, checksum := body[:32], body[32:]
	want := checksumOf(raw[:prefixLen], payload)
	if !helpers.BytesEqual(want[:2], checksum) {
		return pubkey, 0, fmt.Errorf("ss58: checksum mismatch")
	}

	copy(pubkey[:], payload)
	return pubkey, prefixVal, nil
}

// Encode renders a 32-byte public key as an SS58 address under the given
// network prefix.
func Encode(pubkey [32]byte, prefix uint16) string {
	var prefixBytes []byte
	if prefix < 64 {
		prefixBytes = []byte{byte(prefix)}
	} else {
		// Full (two-byte) SS58 prefix form.
		first := byte(0b0100_0000 | (prefix>>2)&0b0011_1111)
		second := byte((prefix&0b11)<<6) | byte(prefix>>8)
		prefixBytes = []byte{first, second}
	}

	body := append(append([]byte{}, prefixBytes...), pubkey[:]...)
	checksum := checksumOf(prefixBytes, pubkey[:])
	full := append(body, checksum[0], checksum[1])

	return base58.Encode(full)
}

// decodePrefix returns how many leading bytes of raw form the SS58 network
// prefix and the decoded prefix value, handling both the one-byte
// (prefix<64) and two-byte (prefix>=64) encodings.
func decodePrefix(raw []byte) (length int, prefix uint16, err error) {
	if len(raw) == 0 {
		return 0, 0, fmt.Errorf("ss58: empty address")
	}
	if raw[0] < 64 {
		return 1, uint16(raw[0]), nil
	}
	if len(raw) < 2 {
		return 0, 0, fmt.Errorf("ss58: truncated two-byte prefix")
	}
	low6 := uint16(raw[0]&0b0011_1111) << 2
	ident := low6 | uint16(raw[1]>>6) | uint16(raw[1]&0b0011_1111)<<8
	return 2, ident, nil
}

// checksumOf returns the blake2b-512 checksum bytes used for validation,
// computed over the SS58 prefix concatenated with the payload.
func checksumOf(prefix, payload []byte) []byte {
	h, err := blake2b.New512(nil)
	if err != nil {
		panic(err) // blake2b.New512 only fails for an unsupported key size
	}
	h.Write(checksumPrefix)
	h.Write(prefix)
	h.Write(payload)
	return h.Sum(nil)
}
