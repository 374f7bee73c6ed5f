// Package writer implements the DB writer (§4.5): a single-consumer
// serialiser per session that turns batches of classified records plus a
// checkpoint marker into one atomic transaction, so a checkpoint advance
// is never committed without the records it covers (§3's P3, §4.5's
// "every checkpoint advance performed in the same transaction").
package writer

import (
	"context"
	"database/sql"
	"math/big"

	"github.com/chainwatch-project/chainwatch/internal/chainerr"
	"github.com/chainwatch-project/chainwatch/internal/model"
	"github.com/chainwatch-project/chainwatch/internal/storage"
	"github.com/chainwatch-project/chainwatch/pkg/helpers"
	"github.com/chainwatch-project/chainwatch/pkg/logging"
)

// Batch is one unit of work the writer commits atomically: zero or more
// classified records for a (chain,pubkey,stream), followed by a
// checkpoint advance to height. Heights covered by Extrinsics/Staking must
// all be <= Height (§4.4's heartbeat ordering guarantee).
type Batch struct {
	Chain      string
	PubKey     [32]byte
	Stream     model.Stream
	Extrinsics []model.ExtrinsicRecord
	Staking    []model.StakingEventRecord
	Height     uint64

	// Done, if non-nil, is closed after the batch commits (or fails) so a
	// worker can block on backpressure without polling.
	Done chan error
}

// tipTotal sums the batch's extrinsic tips in planck units, for the commit
// log's human-readable total. Malformed tip strings are skipped rather than
// failing the commit.
func (b Batch) tipTotal() *big.Int {
	total := new(big.Int)
	for _, rec := range b.Extrinsics {
		if rec.Tip == "" {
			continue
		}
		if v, ok := new(big.Int).SetString(rec.Tip, 10); ok {
			total.Add(total, v)
		}
	}
	return total
}

// Writer serialises every write for one session's database connection.
// Workers of the same session send Batches on In; Writer processes them
// strictly one at a time, matching §5's "writer strictly single-consumer
// per session".
type Writer struct {
	db       *sql.DB
	in       chan Batch
	log      *logging.Logger
	decimals map[string]uint8 // chain -> native-token decimal places, for log formatting only
}

// New creates a Writer bound to a storage handle, with a channel buffered
// to depth (the §4.4 default writer_queue_depth is 1024; the caller passes
// the configured value). decimals maps chain id to native-token decimal
// places, used only to render human-readable tip totals in commit logs.
func New(db *sql.DB, depth int, decimals map[string]uint8) *Writer {
	if depth <= 0 {
		depth = 1024
	}
	return &Writer{
		db:       db,
		in:       make(chan Batch, depth),
		log:      logging.GetDefault().Component("writer"),
		decimals: decimals,
	}
}

// Submit enqueues a batch, blocking if the queue is full (the backpressure
// §4.4 specifies: "fetcher pool blocks when full").
func (w *Writer) Submit(ctx context.Context, b Batch) error {
	select {
	case w.in <- b:
		return nil
	case <-ctx.Done():
		return chainerr.Wrap(chainerr.Cancelled, "writer submit", ctx.Err())
	}
}

// QueueDepth reports how many batches are currently queued, for the
// session controller's status() fetch_in_flight/writer_queue_depth gauges.
func (w *Writer) QueueDepth() int { return len(w.in) }

// Run drains batches until ctx is cancelled or In is closed, committing
// each as a single transaction. It returns after the last queued batch is
// processed following cancellation, so a graceful stop never drops
// already-submitted work (§4.4's "cancellation ... drains in-flight").
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case b, ok := <-w.in:
			if !ok {
				return nil
			}
			err := w.commit(b)
			if b.Done != nil {
				b.Done <- err
				close(b.Done)
			}
			if err != nil && chainerr.IsFatal(err) {
				return err
			}
		case <-ctx.Done():
			w.drainRemaining()
			return nil
		}
	}
}

// drainRemaining commits whatever is already queued before Run returns,
// since those batches were already accepted from a worker and must not be
// silently lost on shutdown.
func (w *Writer) drainRemaining() {
	for {
		select {
		case b, ok := <-w.in:
			if !ok {
				return
			}
			err := w.commit(b)
			if b.Done != nil {
				b.Done <- err
				close(b.Done)
			}
		default:
			return
		}
	}
}

func (w *Writer) commit(b Batch) error {
	tx, err := w.db.Begin()
	if err != nil {
		return chainerr.Wrap(chainerr.Storage, "begin transaction", err)
	}
	defer tx.Rollback()

	for _, rec := range b.Extrinsics {
		if err := storage.UpsertExtrinsic(tx, rec); err != nil {
			return chainerr.Wrap(chainerr.Storage, "upsert extrinsic", err)
		}
	}
	for _, rec := range b.Staking {
		if err := storage.UpsertStakingEvent(tx, rec); err != nil {
			return chainerr.Wrap(chainerr.Storage, "upsert staking event", err)
		}
	}

	if err := storage.AdvanceCheckpoint(tx, b.Chain, b.PubKey, b.Stream, b.Height); err != nil {
		return chainerr.Wrap(chainerr.Storage, "advance checkpoint", err)
	}

	if err := tx.Commit(); err != nil {
		return chainerr.Wrap(chainerr.Storage, "commit batch", err)
	}

	w.log.Debug("committed batch", "chain", b.Chain, "stream", b.Stream, "height", b.Height,
		"extrinsics", len(b.Extrinsics), "staking_events", len(b.Staking),
		"tip_total", helpers.FormatAmount(b.tipTotal(), w.decimals[b.Chain]))
	return nil
}

// DeleteHistory implements §4.5's delete_history as a standalone
// transaction outside the normal batch pipeline, since it's an
// operator-triggered reset rather than indexing output.
func (w *Writer) DeleteHistory(chain string, pubkey *[32]byte) error {
	tx, err := w.db.Begin()
	if err != nil {
		return chainerr.Wrap(chainerr.Storage, "begin delete_history", err)
	}
	defer tx.Rollback()

	if err := storage.DeleteHistory(tx, chain, pubkey); err != nil {
		return chainerr.Wrap(chainerr.Storage, "delete_history", err)
	}
	if err := tx.Commit(); err != nil {
		return chainerr.Wrap(chainerr.Storage, "commit delete_history", err)
	}
	return nil
}

// GetExtrinsics and GetStakingEvents expose §4.5's read operations directly
// against the database, bypassing the write queue since reads don't need
// serialisation against it.
func (w *Writer) GetExtrinsics(chain string, pubkey [32]byte, fromTS, toTS int64) ([]model.ExtrinsicRecord, error) {
	recs, err := storage.GetExtrinsics(w.db, chain, pubkey, fromTS, toTS)
	if err != nil {
		return nil, chainerr.Wrap(chainerr.Storage, "get_extrinsics", err)
	}
	return recs, nil
}

func (w *Writer) GetStakingEvents(chain string, pubkey [32]byte, fromHeight, toHeight uint64) ([]model.StakingEventRecord, error) {
	recs, err := storage.GetStakingEvents(w.db, chain, pubkey, fromHeight, toHeight)
	if err != nil {
		return nil, chainerr.Wrap(chainerr.Storage, "get_staking_events", err)
	}
	return recs, nil
}
