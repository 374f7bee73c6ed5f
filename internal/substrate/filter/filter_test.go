package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chainwatch-project/chainwatch/internal/model"
)

func TestMatchExtrinsicNarrowsToWatchedAccounts(t *testing.T) {
	watched := [32]byte{1}
	unwatched := [32]byte{2}
	s := NewSet([][32]byte{watched})

	rec := model.ExtrinsicRecord{MatchedAddresses: [][32]byte{watched, unwatched}}
	got, ok := s.MatchExtrinsic(rec)
	assert.True(t, ok)
	assert.Equal(t, [][32]byte{watched}, got.MatchedAddresses)
}

func TestMatchExtrinsicDropsWhenNoneWatched(t *testing.T) {
	s := NewSet([][32]byte{{1}})
	rec := model.ExtrinsicRecord{MatchedAddresses: [][32]byte{{2}, {3}}}

	_, ok := s.MatchExtrinsic(rec)
	assert.False(t, ok)
}

func TestMatchStakingEventMembership(t *testing.T) {
	beneficiary := [32]byte{5}
	s := NewSet([][32]byte{beneficiary})

	assert.True(t, s.MatchStakingEvent(model.StakingEventRecord{BeneficiaryPubKey: beneficiary}))
	assert.False(t, s.MatchStakingEvent(model.StakingEventRecord{BeneficiaryPubKey: [32]byte{9}}))
}

func TestFilterExtrinsicsPreservesOrder(t *testing.T) {
	a := [32]byte{1}
	b := [32]byte{2}
	s := NewSet([][32]byte{a, b})

	recs := []model.ExtrinsicRecord{
		{Height: 1, MatchedAddresses: [][32]byte{a}},
		{Height: 2, MatchedAddresses: [][32]byte{{99}}}, // unmatched, dropped
		{Height: 3, MatchedAddresses: [][32]byte{b}},
	}

	got := s.FilterExtrinsics(recs)
	if assert.Len(t, got, 2) {
		assert.Equal(t, uint64(1), got[0].Height)
		assert.Equal(t, uint64(3), got[1].Height)
	}
}

func TestSetLen(t *testing.T) {
	s := NewSet([][32]byte{{1}, {2}, {3}})
	assert.Equal(t, 3, s.Len())
}
