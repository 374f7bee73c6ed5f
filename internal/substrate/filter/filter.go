// Package filter implements the address filter (§4.3): it decides which
// classified extrinsics and staking events are worth persisting for a set
// of watched accounts, and which watched addresses each matched record
// should be attributed to.
package filter

import "github.com/chainwatch-project/chainwatch/internal/model"

// Set is the account watch-list for one (chain, stream) the filter matches
// against. Lookups are by raw public key.
type Set struct {
	accounts map[[32]byte]struct{}
}

// NewSet builds a Set from a slice of watched public keys.
func NewSet(pubkeys [][32]byte) *Set {
	s := &Set{accounts: make(map[[32]byte]struct{}, len(pubkeys))}
	for _, pk := range pubkeys {
		s.accounts[pk] = struct{}{}
	}
	return s
}

// Contains reports whether pk is in the watch-list.
func (s *Set) Contains(pk [32]byte) bool {
	_, ok := s.accounts[pk]
	return ok
}

// Len reports the number of watched accounts.
func (s *Set) Len() int { return len(s.accounts) }

// MatchExtrinsic decides whether rec is worth keeping for this watch-list
// and, if so, narrows its MatchedAddresses down to only the watched
// accounts it actually touched (signer, any destination/target/controller/
// payee the decoder recorded, or any account referenced by its events).
// rec.MatchedAddresses is assumed to already hold the full candidate set
// the decoder/classifier found; MatchExtrinsic is a pure filter over it.
func (s *Set) MatchExtrinsic(rec model.ExtrinsicRecord) (model.ExtrinsicRecord, bool) {
	var kept [][32]byte
	for _, candidate := range rec.MatchedAddresses {
		if s.Contains(candidate) {
			kept = append(kept, candidate)
		}
	}
	if len(kept) == 0 {
		return model.ExtrinsicRecord{}, false
	}
	rec.MatchedAddresses = kept
	return rec, true
}

// MatchStakingEvent decides whether a staking event's beneficiary is
// watched. Staking events are emitted per (event,beneficiary) pair
// regardless of how many accounts the enclosing extrinsic itself matched
// (§4.3), so this is a single membership test rather than a set
// intersection.
func (s *Set) MatchStakingEvent(rec model.StakingEventRecord) bool {
	return s.Contains(rec.BeneficiaryPubKey)
}

// FilterExtrinsics applies MatchExtrinsic to a batch, preserving order.
func (s *Set) FilterExtrinsics(recs []model.ExtrinsicRecord) []model.ExtrinsicRecord {
	out := make([]model.ExtrinsicRecord, 0, len(recs))
	for _, rec := range recs {
		if matched, ok := s.MatchExtrinsic(rec); ok {
			out = append(out, matched)
		}
	}
	return out
}

// FilterStakingEvents applies MatchStakingEvent to a batch, preserving
// order.
func (s *Set) FilterStakingEvents(recs []model.StakingEventRecord) []model.StakingEventRecord {
	out := make([]model.StakingEventRecord, 0, len(recs))
	for _, rec := range recs {
		if s.MatchStakingEvent(rec) {
			out = append(out, rec)
		}
	}
	return out
}
