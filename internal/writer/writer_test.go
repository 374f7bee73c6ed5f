package writer

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chainwatch-project/chainwatch/internal/model"
	"github.com/chainwatch-project/chainwatch/internal/storage"
)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.New(&storage.Config{DBPath: filepath.Join(dir, "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s.DB(), 16, map[string]uint8{"kusama": 12, "polkadot": 10})
}

func TestWriterCommitsBatchAndAdvancesCheckpoint(t *testing.T) {
	w := newTestWriter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	pk := [32]byte{1}
	ts := int64(1000)
	submitDone := make(chan error, 1)

	err := w.Submit(context.Background(), Batch{
		Chain:  "kusama",
		PubKey: pk,
		Stream: model.StreamExtrinsics,
		Extrinsics: []model.ExtrinsicRecord{{
			Chain: "kusama", Height: 100, Index: 0, BlockHash: "0xabc", BlockTimestamp: &ts,
			CallModule: "Balances", CallFunction: "transfer", Tip: "0",
			ParamsPayload: json.RawMessage(`{}`), MatchedAddresses: [][32]byte{pk},
		}},
		Height: 100,
		Done:   submitDone,
	})
	require.NoError(t, err)

	select {
	case err := <-submitDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch commit")
	}

	cancel()
	<-done

	recs, err := w.GetExtrinsics("kusama", pk, ts-10, ts+10)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	height, ok, err := storage.GetCheckpoint(w.db, "kusama", pk, model.StreamExtrinsics)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(100), height)
}

func TestWriterDeleteHistory(t *testing.T) {
	w := newTestWriter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	pk := [32]byte{2}
	ts := int64(500)
	submitDone := make(chan error, 1)

	require.NoError(t, w.Submit(context.Background(), Batch{
		Chain: "polkadot", PubKey: pk, Stream: model.StreamExtrinsics,
		Extrinsics: []model.ExtrinsicRecord{{
			Chain: "polkadot", Height: 1, Index: 0, BlockHash: "0x1", BlockTimestamp: &ts,
			CallModule: "Balances", CallFunction: "transfer", Tip: "0",
			ParamsPayload: json.RawMessage(`{}`), MatchedAddresses: [][32]byte{pk},
		}},
		Height: 1,
		Done:   submitDone,
	}))
	require.NoError(t, <-submitDone)

	cancel()
	<-done

	require.NoError(t, w.DeleteHistory("polkadot", nil))

	recs, err := w.GetExtrinsics("polkadot", pk, ts-10, ts+10)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestWriterQueueDepthReflectsPending(t *testing.T) {
	w := newTestWriter(t)
	require.Equal(t, 0, w.QueueDepth())

	require.NoError(t, w.Submit(context.Background(), Batch{
		Chain: "kusama", PubKey: [32]byte{3}, Stream: model.StreamStaking, Height: 1,
	}))
	require.Equal(t, 1, w.QueueDepth())
}
