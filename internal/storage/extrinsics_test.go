package storage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chainwatch-project/chainwatch/internal/model"
)

func TestUpsertExtrinsicThenGet(t *testing.T) {
	s := newTestStorage(t)

	alice := [32]byte{1}
	ts := int64(1_700_000_000)

	rec := model.ExtrinsicRecord{
		Chain:            "kusama",
		Height:           1000,
		Index:            3,
		BlockHash:        "0xabc",
		BlockTimestamp:   &ts,
		SignerPubKey:     &alice,
		CallModule:       "Balances",
		CallFunction:     "transfer_keep_alive",
		Success:          true,
		Tip:              "0",
		Category:         model.CategoryBalanceTransfer,
		ParamsPayload:    json.RawMessage(`{"module":"Balances"}`),
		MatchedAddresses: [][32]byte{alice},
	}

	tx, err := s.DB().Begin()
	require.NoError(t, err)
	require.NoError(t, UpsertExtrinsic(tx, rec))
	require.NoError(t, tx.Commit())

	got, err := GetExtrinsics(s.DB(), "kusama", alice, ts-10, ts+10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "Balances", got[0].CallModule)
	require.Equal(t, alice, *got[0].SignerPubKey)
}

func TestUpsertExtrinsicUnionsMatchedAddresses(t *testing.T) {
	s := newTestStorage(t)

	alice := [32]byte{1}
	bob := [32]byte{2}
	ts := int64(1_700_000_000)

	base := model.ExtrinsicRecord{
		Chain: "kusama", Height: 10, Index: 0, BlockHash: "0xabc", BlockTimestamp: &ts,
		CallModule: "Balances", CallFunction: "transfer", Tip: "0",
		ParamsPayload:    json.RawMessage(`{}`),
		MatchedAddresses: [][32]byte{alice},
	}

	tx, err := s.DB().Begin()
	require.NoError(t, err)
	require.NoError(t, UpsertExtrinsic(tx, base))
	require.NoError(t, tx.Commit())

	again := base
	again.MatchedAddresses = [][32]byte{bob}

	tx, err = s.DB().Begin()
	require.NoError(t, err)
	require.NoError(t, UpsertExtrinsic(tx, again))
	require.NoError(t, tx.Commit())

	gotAlice, err := GetExtrinsics(s.DB(), "kusama", alice, ts-10, ts+10)
	require.NoError(t, err)
	require.Len(t, gotAlice, 1)

	gotBob, err := GetExtrinsics(s.DB(), "kusama", bob, ts-10, ts+10)
	require.NoError(t, err)
	require.Len(t, gotBob, 1)
}

func TestGetExtrinsicsExcludesNullTimestamp(t *testing.T) {
	s := newTestStorage(t)
	alice := [32]byte{1}

	rec := model.ExtrinsicRecord{
		Chain: "kusama", Height: 5, Index: 0, BlockHash: "0xabc",
		CallModule: "Balances", CallFunction: "transfer", Tip: "0",
		ParamsPayload:    json.RawMessage(`{}`),
		MatchedAddresses: [][32]byte{alice},
	}

	tx, err := s.DB().Begin()
	require.NoError(t, err)
	require.NoError(t, UpsertExtrinsic(tx, rec))
	require.NoError(t, tx.Commit())

	got, err := GetExtrinsics(s.DB(), "kusama", alice, 0, 9_999_999_999)
	require.NoError(t, err)
	require.Empty(t, got, "null-timestamp rows must be excluded from time-range queries")
}
