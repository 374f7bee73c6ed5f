package indexer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/chainwatch-project/chainwatch/internal/model"
	"github.com/chainwatch-project/chainwatch/internal/substrate/rpc"
)

type fakeClient struct {
	head           uint64
	creationHeight uint64
	creationFound  bool
}

func (f *fakeClient) HeadHeight(ctx context.Context) (uint64, error)      { return f.head, nil }
func (f *fakeClient) FinalizedHeight(ctx context.Context) (uint64, error) { return f.head, nil }
func (f *fakeClient) HashAt(ctx context.Context, height uint64) (string, error) {
	return "0xabc", nil
}
func (f *fakeClient) Block(ctx context.Context, hash string) (*rpc.RawBlock, error) { return nil, nil }
func (f *fakeClient) Events(ctx context.Context, hash string) ([]rpc.RawEvent, error) {
	return nil, nil
}
func (f *fakeClient) Metadata(ctx context.Context) (*types.Metadata, error) { return nil, nil }
func (f *fakeClient) AccountCreationHeight(ctx context.Context, pubkey [32]byte) (uint64, bool, error) {
	return f.creationHeight, f.creationFound, nil
}
func (f *fakeClient) Close() error { return nil }

var _ rpc.Client = (*fakeClient)(nil)

func TestPlanRangeUsesCheckpointWhenPresent(t *testing.T) {
	client := &fakeClient{head: 1100}
	account := model.WatchedAccount{Chain: "kusama", PubKey: [32]byte{1}}

	plan, err := planRange(context.Background(), client, account, 900, true, 16)
	require.NoError(t, err)
	assert.Equal(t, uint64(901), plan.StartHeight)
	assert.Equal(t, uint64(1084), plan.TargetHeight)
}

func TestPlanRangeUsesAccountStartBlockWhenNoCheckpoint(t *testing.T) {
	client := &fakeClient{head: 1100}
	start := uint64(500)
	account := model.WatchedAccount{Chain: "kusama", PubKey: [32]byte{1}, StartBlock: &start}

	plan, err := planRange(context.Background(), client, account, 0, false, 16)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), plan.StartHeight)
}

func TestPlanRangeFallsBackToAccountCreationHeight(t *testing.T) {
	client := &fakeClient{head: 1100, creationHeight: 42, creationFound: true}
	account := model.WatchedAccount{Chain: "kusama", PubKey: [32]byte{1}}

	plan, err := planRange(context.Background(), client, account, 0, false, 16)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), plan.StartHeight)
}

func TestPlanRangeDefaultsToGenesisWhenCreationUnknown(t *testing.T) {
	client := &fakeClient{head: 1100, creationFound: false}
	account := model.WatchedAccount{Chain: "kusama", PubKey: [32]byte{1}}

	plan, err := planRange(context.Background(), client, account, 0, false, 16)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), plan.StartHeight)
}

func TestPlanRangeEmptyWhenCaughtUp(t *testing.T) {
	client := &fakeClient{head: 100}
	account := model.WatchedAccount{Chain: "kusama", PubKey: [32]byte{1}}

	plan, err := planRange(context.Background(), client, account, 90, true, 16)
	require.NoError(t, err)
	assert.Greater(t, plan.StartHeight, plan.TargetHeight, "expected empty range when caught up to finality target")
}
