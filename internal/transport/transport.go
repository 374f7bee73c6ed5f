// Package transport implements §6's client/controller event protocol over
// WebSocket: a bidirectional envelope {type, session_id, payload,
// request_id?} per connection, replacing the teacher's single broadcast
// hub with per-session command routing and progress/error forwarding.
package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chainwatch-project/chainwatch/internal/chainerr"
	"github.com/chainwatch-project/chainwatch/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventType names one of §6's c2s or s2c event types.
type EventType string

const (
	// c2s
	EventAttach         EventType = "attach"
	EventDetach         EventType = "detach"
	EventPause          EventType = "pause"
	EventResume         EventType = "resume"
	EventAddAccount     EventType = "add_account"
	EventRemoveAccount  EventType = "remove_account"
	EventQueryExtrinsic EventType = "query_extrinsics"
	EventQueryStaking   EventType = "query_staking"
	EventStatus         EventType = "status"
	EventResetHistory   EventType = "reset_history"

	// s2c
	EventProgress   EventType = "progress"
	EventCheckpoint EventType = "checkpoint"
	EventError      EventType = "error"
	EventRecords    EventType = "records"
	EventAck        EventType = "ack"
)

// Envelope is the wire message both directions share.
type Envelope struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// ProgressPayload is the s2c `progress` event body.
type ProgressPayload struct {
	Account string  `json:"account"`
	Stream  string  `json:"stream"`
	Height  uint64  `json:"height"`
	Target  uint64  `json:"target"`
	Rate    float64 `json:"rate"`
}

// CheckpointPayload is the s2c `checkpoint` event body.
type CheckpointPayload struct {
	Account string `json:"account"`
	Stream  string `json:"stream"`
	Height  uint64 `json:"height"`
}

// ErrorPayload is the s2c `error` event body.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
	Context string `json:"context,omitempty"`
}

// RecordsPayload is the s2c `records` event body.
type RecordsPayload struct {
	Stream string      `json:"stream"`
	Batch  interface{} `json:"batch"`
}

// AckPayload is the s2c `ack` event body.
type AckPayload struct {
	RequestID string `json:"request_id"`
	OK        bool   `json:"ok"`
	Err       string `json:"err,omitempty"`
}

// Client is one connected WebSocket, bound to at most one session once it
// attaches.
type Client struct {
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	mu        sync.RWMutex
	hub       *Hub
}

func (c *Client) setSessionID(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *Client) getSessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Hub tracks connected clients and their session bindings, and pumps
// progress/error polling for every attached session.
type Hub struct {
	dispatcher Dispatcher

	mu       sync.RWMutex
	clients  map[*Client]bool
	bySess   map[string]*Client
	pollStop map[string]chan struct{}

	log *logging.Logger
}

// NewHub builds a Hub that routes c2s commands through dispatcher.
func NewHub(dispatcher Dispatcher) *Hub {
	return &Hub{
		dispatcher: dispatcher,
		clients:    make(map[*Client]bool),
		bySess:     make(map[string]*Client),
		pollStop:   make(map[string]chan struct{}),
		log:        logging.GetDefault().Component("transport"),
	}
}

// ServeWS upgrades an HTTP connection and starts its read/write pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "err", err)
		return
	}

	client := &Client{conn: conn, send: make(chan []byte, 256), hub: h}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	go client.writePump()
	go h.readPump(client)
}

func (h *Hub) readPump(c *Client) {
	defer h.disconnect(c)

	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket read error", "err", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			h.sendError(c, "", ErrorPayload{Code: chainerr.BadRequest.EventCode(), Message: "malformed envelope"})
			continue
		}
		h.handle(c, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) disconnect(c *Client) {
	sessionID := c.getSessionID()
	if sessionID != "" {
		h.stopPolling(sessionID)
		if err := h.dispatcher.Stop(sessionID); err != nil {
			h.log.Warn("stop on disconnect failed", "session", sessionID, "err", err)
		}
		h.mu.Lock()
		delete(h.bySess, sessionID)
		h.mu.Unlock()
	}

	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) send(c *Client, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Error("marshal envelope", "err", err)
		return
	}
	select {
	case c.send <- data:
	default:
		h.log.Warn("client send buffer full, dropping event", "type", env.Type)
	}
}

func (h *Hub) sendError(c *Client, sessionID string, payload ErrorPayload) {
	body, _ := json.Marshal(payload)
	h.send(c, Envelope{Type: EventError, SessionID: sessionID, Payload: body})
}

func (h *Hub) sendAck(c *Client, sessionID, requestID string, ack AckPayload) {
	body, _ := json.Marshal(ack)
	h.send(c, Envelope{Type: EventAck, SessionID: sessionID, RequestID: requestID, Payload: body})
}
