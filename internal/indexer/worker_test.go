package indexer

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/stretchr/testify/require"

	"github.com/chainwatch-project/chainwatch/internal/config"
	"github.com/chainwatch-project/chainwatch/internal/model"
	"github.com/chainwatch-project/chainwatch/internal/storage"
	"github.com/chainwatch-project/chainwatch/internal/substrate/decode"
	"github.com/chainwatch-project/chainwatch/internal/substrate/filter"
	"github.com/chainwatch-project/chainwatch/internal/substrate/rpc"
	"github.com/chainwatch-project/chainwatch/internal/writer"
)

// fakeChainClient serves a fixed, empty-extrinsic chain of the given
// height, so classifyBlock never needs a real call resolver.
type fakeChainClient struct {
	head uint64
}

func (f *fakeChainClient) HeadHeight(ctx context.Context) (uint64, error)      { return f.head, nil }
func (f *fakeChainClient) FinalizedHeight(ctx context.Context) (uint64, error) { return f.head, nil }
func (f *fakeChainClient) HashAt(ctx context.Context, height uint64) (string, error) {
	return hexHeight(height), nil
}
func (f *fakeChainClient) Block(ctx context.Context, hash string) (*rpc.RawBlock, error) {
	return &rpc.RawBlock{Height: heightFromHex(hash), Hash: hash, ParentHash: "0x0"}, nil
}
func (f *fakeChainClient) Events(ctx context.Context, hash string) ([]rpc.RawEvent, error) {
	return nil, nil
}
func (f *fakeChainClient) Metadata(ctx context.Context) (*types.Metadata, error) { return nil, nil }
func (f *fakeChainClient) AccountCreationHeight(ctx context.Context, pubkey [32]byte) (uint64, bool, error) {
	return 0, false, nil
}
func (f *fakeChainClient) Close() error { return nil }

var _ rpc.Client = (*fakeChainClient)(nil)

func hexHeight(h uint64) string { return fmt.Sprintf("0x%d", h) }
func heightFromHex(hash string) uint64 {
	n, err := strconv.ParseUint(hash[2:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

type stubCheckpointer struct {
	db *storage.Storage
}

func (s *stubCheckpointer) GetCheckpoint(chain string, pubkey [32]byte, stream model.Stream) (uint64, bool, error) {
	return storage.GetCheckpoint(s.db.DB(), chain, pubkey, stream)
}

func newTestWorker(t *testing.T, head uint64, target time.Duration) (*Worker, *storage.Storage, *writer.Writer) {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.New(&storage.Config{DBPath: filepath.Join(dir, "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	w := writer.New(st.DB(), 16, map[string]uint8{"kusama": 12})

	account := model.WatchedAccount{Chain: "kusama", PubKey: [32]byte{9}}
	resolver := &decode.Resolver{}
	accounts := filter.NewSet([][32]byte{account.PubKey})
	cfg := config.DefaultIndexerConfig()
	cfg.FetchParallelism = 2
	cfg.HeartbeatBlocks = 2
	cfg.HeartbeatInterval = target

	wk := New("kusama", account, model.StreamExtrinsics, 0, &fakeChainClient{head: head}, resolver, accounts, w, &stubCheckpointer{db: st}, cfg)
	return wk, st, w
}

func TestWorkerRunIndexesToFinalizedHeadAndCheckpoints(t *testing.T) {
	wk, st, w := newTestWorker(t, 5, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		_ = w.Run(ctx)
	}()

	go wk.Run(ctx)

	deadline := time.After(1500 * time.Millisecond)
	for {
		height, ok, err := storage.GetCheckpoint(st.DB(), "kusama", [32]byte{9}, model.StreamExtrinsics)
		require.NoError(t, err)
		if ok && height == 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for checkpoint to reach head, last seen ok=%v height=%d", ok, height)
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	<-writerDone
}

func TestWorkerPauseThenResumeContinuesProgress(t *testing.T) {
	wk, _, w := newTestWorker(t, 3, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() { _ = w.Run(ctx) }()
	go wk.Run(ctx)

	wk.Send(CommandPause)
	time.Sleep(50 * time.Millisecond)
	wk.Send(CommandResume)

	deadline := time.After(1500 * time.Millisecond)
	for {
		p := wk.Progress()
		if p.LastCheckpoint >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("worker never caught up after resume, last progress: %+v", p)
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
}

func TestWorkerStopEndsRunLoopPromptly(t *testing.T) {
	wk, _, w := newTestWorker(t, 1000, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() { _ = w.Run(ctx) }()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		wk.Run(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	wk.Send(CommandStop)

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop after CommandStop")
	}
	cancel()
}

func TestGroupEventsByExtrinsicOrdersByEventIndex(t *testing.T) {
	idx0 := uint32(0)
	events := []rpc.RawEvent{
		{ExtrinsicIndex: &idx0, EventIndex: 2, Module: "Balances", EventID: "Deposit"},
		{ExtrinsicIndex: &idx0, EventIndex: 1, Module: "System", EventID: "ExtrinsicSuccess"},
		{ExtrinsicIndex: nil, EventIndex: 0, Module: "System", EventID: "NewAccount"},
	}

	grouped := groupEventsByExtrinsic(events)
	require.Len(t, grouped, 1)
	require.Len(t, grouped[0], 2)
	require.Equal(t, uint32(1), grouped[0][0].EventIndex)
	require.Equal(t, uint32(2), grouped[0][1].EventIndex)
}

func TestHexPubkeyFormatsAsLowercaseHex(t *testing.T) {
	pk := [32]byte{0xde, 0xad}
	require.Equal(t, "0xdead000000000000000000000000000000000000000000000000000000000000", hexPubkey(pk))
}
