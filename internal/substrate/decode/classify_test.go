package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chainwatch-project/chainwatch/internal/model"
	"github.com/chainwatch-project/chainwatch/internal/substrate/rpc"
)

func TestTimestampFromArgsConvertsMillisToSeconds(t *testing.T) {
	got := timestampFromArgs(map[string]interface{}{"now": int64(1_700_000_000_000)})
	assert.NotNil(t, got)
	assert.Equal(t, int64(1_700_000_000), *got)
}

func TestTimestampFromArgsMissingField(t *testing.T) {
	got := timestampFromArgs(map[string]interface{}{})
	assert.Nil(t, got)
}

func TestExtrinsicSucceededDefaultsTrue(t *testing.T) {
	assert.True(t, extrinsicSucceeded(nil))
}

func TestExtrinsicSucceededFalseOnFailedEvent(t *testing.T) {
	events := []rpc.RawEvent{{Module: "System", EventID: "ExtrinsicFailed"}}
	assert.False(t, extrinsicSucceeded(events))
}

func TestComputeFeeSumsAuthorAndTreasuryDeposits(t *testing.T) {
	author := [32]byte{1}
	other := [32]byte{3}
	treasury := [32]byte{2}

	events := []rpc.RawEvent{
		{Module: "Balances", EventID: "Deposit", Fields: map[string]interface{}{"who": author, "value": "1000"}},
		{Module: "Balances", EventID: "Deposit", Fields: map[string]interface{}{"who": other, "value": "999"}},
		{Module: "Treasury", EventID: "Deposit", Fields: map[string]interface{}{"who": treasury, "value": "2500"}},
	}

	fee := computeFee(events, &author)
	if assert.NotNil(t, fee) {
		assert.Equal(t, "3500", *fee)
	}
}

func TestComputeFeeUnknownWithoutDepositEvents(t *testing.T) {
	fee := computeFee(nil, nil)
	assert.Nil(t, fee)
}

func TestEnclosingEraFindsNestedPayoutStakers(t *testing.T) {
	era := uint32(4099)
	batch := Call{
		Category: model.CategoryBatch,
		Inner: []Call{
			{Category: model.CategoryStakingCall, Function: "payout_stakers", Args: map[string]interface{}{"era": era}},
		},
	}
	got := enclosingEra(batch)
	if assert.NotNil(t, got) {
		assert.Equal(t, era, *got)
	}
}

func TestEnclosingEraNilWhenAbsent(t *testing.T) {
	call := Call{Category: model.CategoryBalanceTransfer}
	assert.Nil(t, enclosingEra(call))
}

func TestStakingEventsFromEventsTagsEraAndBeneficiary(t *testing.T) {
	era := uint32(10)
	stash := [32]byte{9}
	events := []rpc.RawEvent{
		{Module: "Staking", EventID: "Rewarded", EventIndex: 3, Fields: map[string]interface{}{"stash": stash, "amount": "56754728805"}},
	}

	ctx := BlockContext{Chain: "kusama", Height: 1000}
	records := stakingEventsFromEvents(ctx, 5, events, &era)

	if assert.Len(t, records, 1) {
		rec := records[0]
		assert.Equal(t, uint32(5), rec.Index)
		assert.Equal(t, uint32(3), rec.EventIndex)
		assert.Equal(t, stash, rec.BeneficiaryPubKey)
		assert.Equal(t, "56754728805", rec.Amount)
		assert.Equal(t, &era, rec.Era)
	}
}

func TestCollectParticipantsRecursesIntoBatch(t *testing.T) {
	pk := [32]byte{7}
	call := Call{
		Category: model.CategoryBatch,
		Inner: []Call{
			{Participants: []AccountRef{{PubKey: pk, Role: "to"}}},
		},
	}
	matched := map[[32]byte]struct{}{}
	collectParticipants(call, matched)
	assert.Contains(t, matched, pk)
}
