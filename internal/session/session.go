// Package session implements the session controller (§4.6): per-client
// session state, worker lifecycle management, and the command surface a
// connected client drives (attach, pause, resume, stop, add_account,
// remove_account, status).
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chainwatch-project/chainwatch/internal/chainerr"
	"github.com/chainwatch-project/chainwatch/internal/config"
	"github.com/chainwatch-project/chainwatch/internal/model"
	"github.com/chainwatch-project/chainwatch/internal/substrate/decode"
	"github.com/chainwatch-project/chainwatch/internal/substrate/filter"
	"github.com/chainwatch-project/chainwatch/internal/substrate/rpc"
	"github.com/chainwatch-project/chainwatch/internal/writer"
	"github.com/chainwatch-project/chainwatch/pkg/logging"

	"github.com/chainwatch-project/chainwatch/internal/indexer"
)

// workerKey identifies one running indexer worker within a session.
type workerKey struct {
	chain  string
	pubkey [32]byte
	stream model.Stream
}

// Session tracks one connected client's watched accounts and the workers
// running on their behalf.
type Session struct {
	ID       string
	accounts map[[32]byte]model.WatchedAccount
	workers  map[workerKey]*runningWorker
	writer   *writer.Writer
	mu       sync.RWMutex

	createdAt  time.Time
	lastActive time.Time
}

// SessionID returns the session's identifier, satisfying transport's
// SessionHandle interface without that package importing this one.
func (s *Session) SessionID() string { return s.ID }

type runningWorker struct {
	worker *indexer.Worker
	cancel context.CancelFunc
	done   chan struct{}
}

// Checkpointer adapts a storage handle for the indexer's resume lookups.
type Checkpointer interface {
	GetCheckpoint(chain string, pubkey [32]byte, stream model.Stream) (uint64, bool, error)
}

// Controller owns every active Session, keyed by session ID, and the
// shared chain client registry/resolver sessions draw on.
type Controller struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	clients      *rpc.Registry
	resolvers    map[string]*decode.Resolver
	checkpoints  Checkpointer
	writerByDB   *writer.Writer
	indexerCfg   config.IndexerConfig
	finality     map[string]uint64
	shutdownWait time.Duration
	log          *logging.Logger
}

// NewController builds a Controller. w is the single writer all sessions'
// workers submit batches to (§4.5's writer is per-session in principle,
// but a single process-wide SQLite file makes one shared writer the
// simplest implementation): every session's workers use it at the same
// time, and their batches are serialised through its one queue.
func NewController(clients *rpc.Registry, resolvers map[string]*decode.Resolver, checkpoints Checkpointer, w *writer.Writer, indexerCfg config.IndexerConfig, finality map[string]uint64, shutdownWait time.Duration) *Controller {
	return &Controller{
		sessions:     make(map[string]*Session),
		clients:      clients,
		resolvers:    resolvers,
		checkpoints:  checkpoints,
		writerByDB:   w,
		indexerCfg:   indexerCfg,
		finality:     finality,
		shutdownWait: shutdownWait,
		log:          logging.GetDefault().Component("session"),
	}
}

// Attach creates a new session watching the given accounts, per §4.6's
// attach(chain,accounts[]).
func (c *Controller) Attach(chain string, accounts []model.WatchedAccount) (*Session, error) {
	if _, ok := c.clients.Get(chain); !ok {
		return nil, chainerr.Wrap(chainerr.BadRequest, fmt.Sprintf("unknown chain %q", chain), chainerr.ErrBadRequest)
	}

	s := &Session{
		ID:         uuid.NewString(),
		accounts:   make(map[[32]byte]model.WatchedAccount, len(accounts)),
		workers:    make(map[workerKey]*runningWorker),
		writer:     c.writerByDB,
		createdAt:  time.Now(),
		lastActive: time.Now(),
	}

	c.mu.Lock()
	c.sessions[s.ID] = s
	c.mu.Unlock()

	for _, a := range accounts {
		if err := c.AddAccount(s.ID, chain, a); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// AddAccount starts (or extends) indexing for one account without
// restarting in-flight work for any other account in the session (§4.6).
func (c *Controller) AddAccount(sessionID, chain string, account model.WatchedAccount) error {
	s, err := c.session(sessionID)
	if err != nil {
		return err
	}

	client, ok := c.clients.Get(chain)
	if !ok {
		return chainerr.Wrap(chainerr.BadRequest, fmt.Sprintf("unknown chain %q", chain), chainerr.ErrBadRequest)
	}
	resolver, ok := c.resolvers[chain]
	if !ok {
		return chainerr.Wrap(chainerr.Fatal, fmt.Sprintf("no call resolver for chain %q", chain), chainerr.ErrFatal)
	}
	finality := c.finality[chain]

	s.mu.Lock()
	s.accounts[account.PubKey] = account
	s.lastActive = time.Now()
	s.mu.Unlock()

	for _, stream := range []model.Stream{model.StreamExtrinsics, model.StreamStaking} {
		key := workerKey{chain: chain, pubkey: account.PubKey, stream: stream}

		s.mu.RLock()
		_, exists := s.workers[key]
		s.mu.RUnlock()
		if exists {
			continue
		}

		watchSet := filter.NewSet(s.watchedPubkeys())
		w := indexer.New(chain, account, stream, finality, client, resolver, watchSet, c.writerByDB, c.checkpoints, c.indexerCfg)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			w.Run(ctx)
		}()

		s.mu.Lock()
		s.workers[key] = &runningWorker{worker: w, cancel: cancel, done: done}
		s.mu.Unlock()
	}

	return nil
}

// RemoveAccount stops emission for an account's workers; history already
// written stays queryable (§4.6).
func (c *Controller) RemoveAccount(sessionID, chain string, pubkey [32]byte) error {
	s, err := c.session(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, pubkey)

	for _, stream := range []model.Stream{model.StreamExtrinsics, model.StreamStaking} {
		key := workerKey{chain: chain, pubkey: pubkey, stream: stream}
		if rw, ok := s.workers[key]; ok {
			rw.cancel()
			delete(s.workers, key)
		}
	}
	return nil
}

// Pause yields no new fetch windows for every worker in the session;
// in-flight work completes and checkpoints (§4.6/§4.4).
func (c *Controller) Pause(sessionID string) error {
	return c.forEachWorker(sessionID, func(rw *runningWorker) { rw.worker.Send(indexer.CommandPause) })
}

// Resume resumes every paused worker in the session.
func (c *Controller) Resume(sessionID string) error {
	return c.forEachWorker(sessionID, func(rw *runningWorker) { rw.worker.Send(indexer.CommandResume) })
}

// Stop cancels every worker in the session and waits up to the configured
// shutdown deadline for them to reach Stopped. A worker still running at
// the deadline is logged and left to exit on its own; the session is
// removed from the controller either way, so the reaper never sees it again.
func (c *Controller) Stop(sessionID string) error {
	s, err := c.session(sessionID)
	if err != nil {
		return err
	}

	s.mu.RLock()
	workers := make([]*runningWorker, 0, len(s.workers))
	for _, rw := range s.workers {
		workers = append(workers, rw)
	}
	s.mu.RUnlock()

	for _, rw := range workers {
		rw.worker.Send(indexer.CommandStop)
		rw.cancel()
	}

	deadline := time.After(c.shutdownWait)
	for _, rw := range workers {
		select {
		case <-rw.done:
		case <-deadline:
			c.log.Warn("session stop: worker did not stop before deadline", "session", sessionID)
		}
	}

	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	return nil
}

// Status returns per-(account,stream) progress for a session (§4.6).
func (c *Controller) Status(sessionID string) ([]model.Progress, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Progress, 0, len(s.workers))
	for _, rw := range s.workers {
		out = append(out, rw.worker.Progress())
	}
	return out, nil
}

// QueryExtrinsics implements §6's query_extrinsics read against the shared
// writer, scoped to a session only to validate the caller has attached.
func (c *Controller) QueryExtrinsics(sessionID, chain string, pubkey [32]byte, fromTS, toTS int64) ([]model.ExtrinsicRecord, error) {
	if _, err := c.session(sessionID); err != nil {
		return nil, err
	}
	return c.writerByDB.GetExtrinsics(chain, pubkey, fromTS, toTS)
}

// QueryStaking implements §6's query_staking.
func (c *Controller) QueryStaking(sessionID, chain string, pubkey [32]byte, fromHeight, toHeight uint64) ([]model.StakingEventRecord, error) {
	if _, err := c.session(sessionID); err != nil {
		return nil, err
	}
	return c.writerByDB.GetStakingEvents(chain, pubkey, fromHeight, toHeight)
}

// ResetHistory implements §4.5's delete_history, exposed through §6's
// reset_history c2s event. pubkey nil resets every account on chain.
func (c *Controller) ResetHistory(sessionID, chain string, pubkey *[32]byte) error {
	if _, err := c.session(sessionID); err != nil {
		return err
	}
	return c.writerByDB.DeleteHistory(chain, pubkey)
}

// DrainErrors collects any fatal errors the session's workers have
// surfaced since the last call, without blocking, for the transport layer
// to forward as §6 `error` events.
func (c *Controller) DrainErrors(sessionID string) ([]error, error) {
	s, err := c.session(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []error
	for _, rw := range s.workers {
		select {
		case e := <-rw.worker.Errors():
			out = append(out, e)
		default:
		}
	}
	return out, nil
}

func (c *Controller) forEachWorker(sessionID string, fn func(*runningWorker)) error {
	s, err := c.session(sessionID)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rw := range s.workers {
		fn(rw)
	}
	return nil
}

func (c *Controller) session(sessionID string) (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, chainerr.Wrap(chainerr.BadRequest, fmt.Sprintf("unknown session %q", sessionID), chainerr.ErrBadRequest)
	}
	return s, nil
}

func (s *Session) watchedPubkeys() [][32]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][32]byte, 0, len(s.accounts))
	for pk := range s.accounts {
		out = append(out, pk)
	}
	return out
}

// touch records client activity, resetting the reaper's idle clock.
func (c *Controller) touch(sessionID string) {
	c.mu.RLock()
	s, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if ok {
		s.mu.Lock()
		s.lastActive = time.Now()
		s.mu.Unlock()
	}
}
