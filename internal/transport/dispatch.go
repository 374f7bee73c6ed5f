package transport

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/chainwatch-project/chainwatch/internal/chainerr"
	"github.com/chainwatch-project/chainwatch/internal/model"
	"github.com/chainwatch-project/chainwatch/internal/ss58"
	"github.com/chainwatch-project/chainwatch/pkg/helpers"
)

// Dispatcher is the subset of the session controller the transport layer
// drives; implemented by ControllerAdapter over *session.Controller.
type Dispatcher interface {
	Attach(chain string, accounts []model.WatchedAccount) (SessionHandle, error)
	AddAccount(sessionID, chain string, account model.WatchedAccount) error
	RemoveAccount(sessionID, chain string, pubkey [32]byte) error
	Pause(sessionID string) error
	Resume(sessionID string) error
	Stop(sessionID string) error
	Status(sessionID string) ([]model.Progress, error)
	DrainErrors(sessionID string) ([]error, error)
	QueryExtrinsics(sessionID, chain string, pubkey [32]byte, fromTS, toTS int64) ([]model.ExtrinsicRecord, error)
	QueryStaking(sessionID, chain string, pubkey [32]byte, fromHeight, toHeight uint64) ([]model.StakingEventRecord, error)
	ResetHistory(sessionID, chain string, pubkey *[32]byte) error
}

// SessionHandle is the minimal session identity the transport needs back
// from Attach.
type SessionHandle interface {
	SessionID() string
}

type accountSpec struct {
	Pubkey     string  `json:"pubkey"`
	Label      string  `json:"label,omitempty"`
	StartBlock *uint64 `json:"start_block,omitempty"`
}

type attachPayload struct {
	Chain    string        `json:"chain"`
	Accounts []accountSpec `json:"accounts"`
}

type addAccountPayload struct {
	Chain      string  `json:"chain"`
	Pubkey     string  `json:"pubkey"`
	StartBlock *uint64 `json:"start_block,omitempty"`
	Label      string  `json:"label,omitempty"`
}

type removeAccountPayload struct {
	Chain  string `json:"chain"`
	Pubkey string `json:"pubkey"`
}

type queryExtrinsicsPayload struct {
	Chain  string `json:"chain"`
	Pubkey string `json:"pubkey"`
	FromTS int64  `json:"from_ts"`
	ToTS   int64  `json:"to_ts"`
}

type queryStakingPayload struct {
	Chain      string `json:"chain"`
	Pubkey     string `json:"pubkey"`
	FromHeight uint64 `json:"from_height"`
	ToHeight   uint64 `json:"to_height"`
}

type resetHistoryPayload struct {
	Chain  string  `json:"chain"`
	Pubkey *string `json:"pubkey,omitempty"`
}

// handle routes one inbound envelope to the dispatcher and writes back an
// ack (and, for attach, binds the connection to the new session).
func (h *Hub) handle(c *Client, env Envelope) {
	switch env.Type {
	case EventAttach:
		h.handleAttach(c, env)
	case EventDetach, EventStatus, EventPause, EventResume, EventAddAccount,
		EventRemoveAccount, EventQueryExtrinsic, EventQueryStaking, EventResetHistory:
		h.handleSessionCommand(c, env)
	default:
		h.sendError(c, env.SessionID, ErrorPayload{Code: chainerr.BadRequest.EventCode(), Message: "unknown event type"})
	}
}

func (h *Hub) handleAttach(c *Client, env Envelope) {
	var p attachPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		h.sendAck(c, "", env.RequestID, AckPayload{RequestID: env.RequestID, OK: false, Err: "malformed attach payload"})
		return
	}

	accounts := make([]model.WatchedAccount, 0, len(p.Accounts))
	for _, a := range p.Accounts {
		pk, err := decodePubkey(a.Pubkey)
		if err != nil {
			h.sendAck(c, "", env.RequestID, AckPayload{RequestID: env.RequestID, OK: false, Err: err.Error()})
			return
		}
		accounts = append(accounts, model.WatchedAccount{Chain: p.Chain, PubKey: pk, Label: a.Label, StartBlock: a.StartBlock})
	}

	session, err := h.dispatcher.Attach(p.Chain, accounts)
	if err != nil {
		h.sendAck(c, "", env.RequestID, AckPayload{RequestID: env.RequestID, OK: false, Err: err.Error()})
		return
	}

	sessionID := session.SessionID()
	c.setSessionID(sessionID)
	h.mu.Lock()
	h.bySess[sessionID] = c
	h.mu.Unlock()

	h.sendAck(c, sessionID, env.RequestID, AckPayload{RequestID: env.RequestID, OK: true})
	h.startPolling(c, sessionID)
}

func (h *Hub) handleSessionCommand(c *Client, env Envelope) {
	sessionID := env.SessionID
	if sessionID == "" {
		sessionID = c.getSessionID()
	}
	if sessionID == "" {
		h.sendAck(c, "", env.RequestID, AckPayload{RequestID: env.RequestID, OK: false, Err: "no active session"})
		return
	}

	var err error
	switch env.Type {
	case EventDetach:
		h.stopPolling(sessionID)
		err = h.dispatcher.Stop(sessionID)
	case EventPause:
		err = h.dispatcher.Pause(sessionID)
	case EventResume:
		err = h.dispatcher.Resume(sessionID)
	case EventAddAccount:
		err = h.handleAddAccount(sessionID, env.Payload)
	case EventRemoveAccount:
		err = h.handleRemoveAccount(sessionID, env.Payload)
	case EventQueryExtrinsic:
		h.handleQueryExtrinsics(c, sessionID, env)
		return
	case EventQueryStaking:
		h.handleQueryStaking(c, sessionID, env)
		return
	case EventStatus:
		h.handleStatus(c, sessionID, env)
		return
	case EventResetHistory:
		err = h.handleResetHistory(sessionID, env.Payload)
	}

	if err != nil {
		h.sendAck(c, sessionID, env.RequestID, AckPayload{RequestID: env.RequestID, OK: false, Err: err.Error()})
		return
	}
	h.sendAck(c, sessionID, env.RequestID, AckPayload{RequestID: env.RequestID, OK: true})
}

func (h *Hub) handleAddAccount(sessionID string, raw json.RawMessage) error {
	var p addAccountPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	pk, err := decodePubkey(p.Pubkey)
	if err != nil {
		return err
	}
	return h.dispatcher.AddAccount(sessionID, p.Chain, model.WatchedAccount{Chain: p.Chain, PubKey: pk, Label: p.Label, StartBlock: p.StartBlock})
}

func (h *Hub) handleRemoveAccount(sessionID string, raw json.RawMessage) error {
	var p removeAccountPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	pk, err := decodePubkey(p.Pubkey)
	if err != nil {
		return err
	}
	return h.dispatcher.RemoveAccount(sessionID, p.Chain, pk)
}

func (h *Hub) handleResetHistory(sessionID string, raw json.RawMessage) error {
	var p resetHistoryPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	var pk *[32]byte
	if p.Pubkey != nil {
		decoded, err := decodePubkey(*p.Pubkey)
		if err != nil {
			return err
		}
		pk = &decoded
	}
	return h.dispatcher.ResetHistory(sessionID, p.Chain, pk)
}

func (h *Hub) handleQueryExtrinsics(c *Client, sessionID string, env Envelope) {
	var p queryExtrinsicsPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		h.sendAck(c, sessionID, env.RequestID, AckPayload{RequestID: env.RequestID, OK: false, Err: err.Error()})
		return
	}
	pk, err := decodePubkey(p.Pubkey)
	if err != nil {
		h.sendAck(c, sessionID, env.RequestID, AckPayload{RequestID: env.RequestID, OK: false, Err: err.Error()})
		return
	}
	recs, err := h.dispatcher.QueryExtrinsics(sessionID, p.Chain, pk, p.FromTS, p.ToTS)
	if err != nil {
		h.sendAck(c, sessionID, env.RequestID, AckPayload{RequestID: env.RequestID, OK: false, Err: err.Error()})
		return
	}
	body, _ := json.Marshal(RecordsPayload{Stream: string(model.StreamExtrinsics), Batch: recs})
	h.send(c, Envelope{Type: EventRecords, SessionID: sessionID, RequestID: env.RequestID, Payload: body})
}

func (h *Hub) handleQueryStaking(c *Client, sessionID string, env Envelope) {
	var p queryStakingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		h.sendAck(c, sessionID, env.RequestID, AckPayload{RequestID: env.RequestID, OK: false, Err: err.Error()})
		return
	}
	pk, err := decodePubkey(p.Pubkey)
	if err != nil {
		h.sendAck(c, sessionID, env.RequestID, AckPayload{RequestID: env.RequestID, OK: false, Err: err.Error()})
		return
	}
	recs, err := h.dispatcher.QueryStaking(sessionID, p.Chain, pk, p.FromHeight, p.ToHeight)
	if err != nil {
		h.sendAck(c, sessionID, env.RequestID, AckPayload{RequestID: env.RequestID, OK: false, Err: err.Error()})
		return
	}
	body, _ := json.Marshal(RecordsPayload{Stream: string(model.StreamStaking), Batch: recs})
	h.send(c, Envelope{Type: EventRecords, SessionID: sessionID, RequestID: env.RequestID, Payload: body})
}

func (h *Hub) handleStatus(c *Client, sessionID string, env Envelope) {
	progress, err := h.dispatcher.Status(sessionID)
	if err != nil {
		h.sendAck(c, sessionID, env.RequestID, AckPayload{RequestID: env.RequestID, OK: false, Err: err.Error()})
		return
	}
	for _, p := range progress {
		h.sendProgress(c, sessionID, p)
	}
	h.sendAck(c, sessionID, env.RequestID, AckPayload{RequestID: env.RequestID, OK: true})
}

func (h *Hub) sendProgress(c *Client, sessionID string, p model.Progress) {
	body, _ := json.Marshal(ProgressPayload{
		Account: p.Account,
		Stream:  string(p.Stream),
		Height:  p.LastCheckpoint,
		Target:  p.TargetHeight,
		Rate:    p.RateBlocksPerSec,
	})
	h.send(c, Envelope{Type: EventProgress, SessionID: sessionID, Payload: body})
}

// startPolling launches a background loop pushing progress snapshots and
// any surfaced worker errors for sessionID until stopPolling is called or
// the connection's client disconnects. The worker/writer pipeline has no
// native push channel for progress, so polling the controller's status()
// on a fixed interval is this transport's way of driving the s2c
// `progress`/`checkpoint`/`error` events §6 describes.
func (h *Hub) startPolling(c *Client, sessionID string) {
	stop := make(chan struct{})
	h.mu.Lock()
	h.pollStop[sessionID] = stop
	h.mu.Unlock()

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.pollOnce(c, sessionID)
			}
		}
	}()
}

func (h *Hub) pollOnce(c *Client, sessionID string) {
	progress, err := h.dispatcher.Status(sessionID)
	if err != nil {
		return
	}
	for _, p := range progress {
		h.sendProgress(c, sessionID, p)
		if p.LastCheckpoint > 0 {
			body, _ := json.Marshal(CheckpointPayload{Account: p.Account, Stream: string(p.Stream), Height: p.LastCheckpoint})
			h.send(c, Envelope{Type: EventCheckpoint, SessionID: sessionID, Payload: body})
		}
	}

	errs, err := h.dispatcher.DrainErrors(sessionID)
	if err != nil {
		return
	}
	for _, e := range errs {
		if chainerr.Classify(e) == chainerr.Cancelled {
			continue
		}
		h.sendError(c, sessionID, ErrorPayload{
			Code:    chainerr.Classify(e).EventCode(),
			Message: e.Error(),
			Fatal:   chainerr.IsFatal(e),
		})
	}
}

func (h *Hub) stopPolling(sessionID string) {
	h.mu.Lock()
	stop, ok := h.pollStop[sessionID]
	if ok {
		delete(h.pollStop, sessionID)
	}
	h.mu.Unlock()
	if ok {
		close(stop)
	}
}

func decodePubkey(s string) (pk [32]byte, err error) {
	b, err := helpers.HexToBytes(s)
	if err != nil {
		decoded, _, ssErr := ss58.Decode(s)
		if ssErr != nil {
			return pk, chainerr.Wrap(chainerr.BadRequest, "invalid pubkey: neither hex nor ss58", err)
		}
		b = decoded[:]
	}
	if len(b) != 32 {
		return pk, chainerr.Wrap(chainerr.BadRequest, "pubkey must be 32 bytes", errors.New("wrong length"))
	}
	copy(pk[:], b)
	if helpers.IsZeroBytes(b) {
		return pk, chainerr.Wrap(chainerr.BadRequest, "pubkey must not be the zero key", errors.New("zero pubkey"))
	}
	return pk, nil
}
