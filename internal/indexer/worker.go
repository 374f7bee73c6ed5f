// Package indexer implements the indexer worker (§4.4): one worker per
// (session, chain, stream), running a bounded-concurrency fetch pipeline
// that resolves, decodes, classifies, and filters blocks in strict
// ascending height order before handing matched records to the writer.
package indexer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chainwatch-project/chainwatch/internal/chainerr"
	"github.com/chainwatch-project/chainwatch/internal/config"
	"github.com/chainwatch-project/chainwatch/internal/model"
	"github.com/chainwatch-project/chainwatch/internal/substrate/decode"
	"github.com/chainwatch-project/chainwatch/internal/substrate/filter"
	"github.com/chainwatch-project/chainwatch/internal/substrate/rpc"
	"github.com/chainwatch-project/chainwatch/internal/writer"
	"github.com/chainwatch-project/chainwatch/pkg/logging"
)

// Command is a control-plane instruction sent to a running Worker.
type Command int

const (
	CommandPause Command = iota
	CommandResume
	CommandStop
)

// Checkpointer is the subset of storage the worker needs to resume and
// advance (chain,pubkey,stream) progress; implemented over *storage.Storage
// by the storageCheckpointer adapter in cmd/chainwatchd.
type Checkpointer interface {
	GetCheckpoint(chain string, pubkey [32]byte, stream model.Stream) (uint64, bool, error)
}

// Worker drives one (session, chain, stream) indexing pipeline end to end.
type Worker struct {
	chain      string
	account    model.WatchedAccount
	stream     model.Stream
	finality   uint64
	client     rpc.Client
	resolver   *decode.Resolver
	classifier *decode.Classifier
	accounts   *filter.Set
	writer     *writer.Writer
	checkpoints Checkpointer
	cfg        config.IndexerConfig

	mu       sync.RWMutex
	state    model.WorkerState
	progress model.Progress

	cmd    chan Command
	errors chan error
	log    *logging.Logger
}

// New builds a Worker. accounts is the watch-list the address filter
// compares matched candidates against; the session controller passes every
// account watched in the session, for both streams.
func New(chain string, account model.WatchedAccount, stream model.Stream, finality uint64, client rpc.Client, resolver *decode.Resolver, accounts *filter.Set, w *writer.Writer, checkpoints Checkpointer, cfg config.IndexerConfig) *Worker {
	return &Worker{
		chain:       chain,
		account:     account,
		stream:      stream,
		finality:    finality,
		client:      client,
		resolver:    resolver,
		classifier:  decode.NewClassifier(resolver),
		accounts:    accounts,
		writer:      w,
		checkpoints: checkpoints,
		cfg:         cfg,
		state:       model.WorkerIdle,
		cmd:         make(chan Command, 4),
		errors:      make(chan error, 1),
		log:         logging.GetDefault().Component("indexer"),
	}
}

// Progress returns a snapshot of the worker's current status, for the
// session controller's status() operation.
func (w *Worker) Progress() model.Progress {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.progress
}

func (w *Worker) setState(s model.WorkerState) {
	w.mu.Lock()
	w.state = s
	w.progress.State = s
	w.mu.Unlock()
}

// Send delivers a control command to the worker's run loop.
func (w *Worker) Send(c Command) {
	select {
	case w.cmd <- c:
	default:
	}
}

// Errors returns a channel the session controller can watch for a fatal
// error that escaped the worker's own retry handling.
func (w *Worker) Errors() <-chan error { return w.errors }

// Run executes the full Idle->Planning->Running->{Paused,Stopping}->Stopped
// lifecycle until ctx is cancelled or a Stop command is received.
func (w *Worker) Run(ctx context.Context) {
	defer w.setState(model.WorkerStopped)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.setState(model.WorkerPlanning)
		checkpoint, hasCheckpoint, err := w.checkpoints.GetCheckpoint(w.chain, w.account.PubKey, w.stream)
		if err != nil {
			w.surfaceFatal(chainerr.Wrap(chainerr.Storage, "get checkpoint", err))
			return
		}

		plan, err := planRange(ctx, w.client, w.account, checkpoint, hasCheckpoint, w.finality)
		if err != nil {
			code := chainerr.Classify(err)
			if code == chainerr.Transient {
				if !sleepBackoff(ctx, w.cfg.Retry, 1) {
					return
				}
				continue
			}
			w.surfaceFatal(err)
			return
		}

		w.mu.Lock()
		w.progress.Account = hexPubkey(w.account.PubKey)
		w.progress.Stream = w.stream
		w.progress.LastCheckpoint = checkpoint
		w.progress.TargetHeight = plan.TargetHeight
		w.mu.Unlock()

		if plan.StartHeight > plan.TargetHeight {
			// Caught up; idle until the next planning cycle picks up new
			// finalized heights.
			if !w.waitIdle(ctx) {
				return
			}
			continue
		}

		w.setState(model.WorkerRunning)
		stopped, fatal := w.runRange(ctx, plan.StartHeight, plan.TargetHeight)
		if fatal != nil {
			w.surfaceFatal(fatal)
			return
		}
		if stopped {
			return
		}
	}
}

func (w *Worker) waitIdle(ctx context.Context) bool {
	w.setState(model.WorkerIdle)
	timer := time.NewTimer(w.cfg.HeartbeatInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case cmd := <-w.cmd:
			if cmd == CommandStop {
				return false
			}
		}
	}
}

// runRange executes the fetch/reorder/classify/filter/heartbeat pipeline
// over [start, target]. Returns stopped=true if a Stop command or context
// cancellation ended the range early (in which case a final checkpoint for
// the last fully-processed height has already been emitted).
func (w *Worker) runRange(ctx context.Context, start, target uint64) (stopped bool, fatal error) {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	heights := make(chan uint64)
	go func() {
		defer close(heights)
		for h := start; h <= target; h++ {
			select {
			case heights <- h:
			case <-runCtx.Done():
				return
			}
		}
	}()

	results := make(chan fetchedBlock, w.cfg.FetchParallelism)
	var wg sync.WaitGroup
	parallelism := w.cfg.FetchParallelism
	if parallelism <= 0 {
		parallelism = 8
	}
	for i := 0; i < parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for h := range heights {
				results <- fetchWithRetry(runCtx, w.client, w.cfg.Retry, h)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	nextHeight := start
	pending := make(map[uint64]fetchedBlock)
	lastCommitted := start - 1
	heightsSinceHeartbeat := uint64(0)
	lastHeartbeat := time.Now()

	var batchExtrinsics []model.ExtrinsicRecord
	var batchStaking []model.StakingEventRecord

	flush := func(upTo uint64) error {
		if len(batchExtrinsics) == 0 && len(batchStaking) == 0 && upTo == lastCommitted {
			return nil
		}
		done := make(chan error, 1)
		err := w.writer.Submit(ctx, writerBatch(w.chain, w.account.PubKey, w.stream, batchExtrinsics, batchStaking, upTo, done))
		if err != nil {
			return err
		}
		if err := <-done; err != nil {
			return err
		}
		batchExtrinsics = nil
		batchStaking = nil
		lastCommitted = upTo
		w.mu.Lock()
		w.progress.LastCheckpoint = upTo
		w.progress.WriterQueueDepth = w.writer.QueueDepth()
		w.mu.Unlock()
		return nil
	}

	for nextHeight <= target {
		select {
		case cmd := <-w.cmd:
			switch cmd {
			case CommandStop:
				cancelRun()
				if err := flush(nextHeight - 1); err != nil {
					return false, err
				}
				return true, nil
			case CommandPause:
				w.setState(model.WorkerPaused)
				if err := flush(nextHeight - 1); err != nil {
					return false, err
				}
				if !w.waitForResume() {
					cancelRun()
					return true, nil
				}
				w.setState(model.WorkerRunning)
			}
			continue
		case <-ctx.Done():
			cancelRun()
			_ = flush(nextHeight - 1)
			return true, nil
		case res, ok := <-results:
			if !ok {
				continue
			}
			if res.Err != nil {
				code := chainerr.Classify(res.Err)
				if code == chainerr.NotFound {
					return false, fmt.Errorf("height %d not found below finality target: %w", res.Height, res.Err)
				}
				return false, fmt.Errorf("height %d: %w", res.Height, res.Err)
			}
			pending[res.Height] = res

			for {
				next, ok := pending[nextHeight]
				if !ok {
					break
				}
				delete(pending, nextHeight)

				ctxBlock := blockContext(w.chain, next)
				exts, staking, blockErrs := w.classifyBlock(ctxBlock, next)
				for _, e := range blockErrs {
					w.log.Warn("decode error", "height", next.Height, "err", e)
				}
				batchExtrinsics = append(batchExtrinsics, exts...)
				batchStaking = append(batchStaking, staking...)

				nextHeight++
				heightsSinceHeartbeat++

				heartbeatDue := heightsSinceHeartbeat >= w.cfg.HeartbeatBlocks || time.Since(lastHeartbeat) >= w.cfg.HeartbeatInterval
				if heartbeatDue {
					if err := flush(nextHeight - 1); err != nil {
						return false, err
					}
					heightsSinceHeartbeat = 0
					lastHeartbeat = time.Now()
				}
			}
		}
	}

	if err := flush(target); err != nil {
		return false, err
	}
	return false, nil
}

func (w *Worker) waitForResume() bool {
	for cmd := range w.cmd {
		switch cmd {
		case CommandResume:
			return true
		case CommandStop:
			return false
		}
	}
	return false
}

func (w *Worker) classifyBlock(ctx decode.BlockContext, fb fetchedBlock) ([]model.ExtrinsicRecord, []model.StakingEventRecord, []error) {
	eventsByExtrinsic := groupEventsByExtrinsic(fb.Events)

	var timestamp *int64
	var extrinsics []model.ExtrinsicRecord
	var staking []model.StakingEventRecord
	var errs []error

	for _, ext := range fb.Block.Extrinsics {
		result := w.classifier.ClassifyExtrinsic(ctx, ext, eventsByExtrinsic[ext.Index])
		errs = append(errs, result.DecodeErrors...)
		if result.Timestamp != nil {
			timestamp = result.Timestamp
		}
		if result.Extrinsic != nil {
			extrinsics = append(extrinsics, *result.Extrinsic)
		}
		staking = append(staking, result.StakingEvents...)
	}

	if timestamp != nil {
		for i := range extrinsics {
			extrinsics[i].BlockTimestamp = timestamp
		}
	}

	return w.accounts.FilterExtrinsics(extrinsics), w.accounts.FilterStakingEvents(staking), errs
}

func (w *Worker) surfaceFatal(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

func groupEventsByExtrinsic(events []rpc.RawEvent) map[uint32][]rpc.RawEvent {
	out := make(map[uint32][]rpc.RawEvent)
	for _, ev := range events {
		if ev.ExtrinsicIndex == nil {
			continue
		}
		out[*ev.ExtrinsicIndex] = append(out[*ev.ExtrinsicIndex], ev)
	}
	for k := range out {
		sort.Slice(out[k], func(i, j int) bool { return out[k][i].EventIndex < out[k][j].EventIndex })
	}
	return out
}

func blockContext(chain string, fb fetchedBlock) decode.BlockContext {
	return decode.BlockContext{
		Chain:  chain,
		Height: fb.Block.Height,
		Hash:   fb.Block.Hash,
	}
}

func writerBatch(chain string, pubkey [32]byte, stream model.Stream, exts []model.ExtrinsicRecord, staking []model.StakingEventRecord, height uint64, done chan error) writer.Batch {
	return writer.Batch{
		Chain:      chain,
		PubKey:     pubkey,
		Stream:     stream,
		Extrinsics: exts,
		Staking:    staking,
		Height:     height,
		Done:       done,
	}
}

func hexPubkey(pk [32]byte) string {
	return fmt.Sprintf("0x%x", pk[:])
}
