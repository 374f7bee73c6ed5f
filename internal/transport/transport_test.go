package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/chainwatch-project/chainwatch/internal/model"
)

type fakeDispatcher struct {
	attached  []model.WatchedAccount
	sessionID string
}

func (f *fakeDispatcher) Attach(chain string, accounts []model.WatchedAccount) (SessionHandle, error) {
	f.attached = accounts
	f.sessionID = "sess-1"
	return fakeSession{id: f.sessionID}, nil
}
func (f *fakeDispatcher) AddAccount(sessionID, chain string, account model.WatchedAccount) error {
	return nil
}
func (f *fakeDispatcher) RemoveAccount(sessionID, chain string, pubkey [32]byte) error { return nil }
func (f *fakeDispatcher) Pause(sessionID string) error                                { return nil }
func (f *fakeDispatcher) Resume(sessionID string) error                               { return nil }
func (f *fakeDispatcher) Stop(sessionID string) error                                 { return nil }
func (f *fakeDispatcher) Status(sessionID string) ([]model.Progress, error) {
	return []model.Progress{{Account: "0xabc", Stream: model.StreamExtrinsics, LastCheckpoint: 10, TargetHeight: 20}}, nil
}
func (f *fakeDispatcher) DrainErrors(sessionID string) ([]error, error) { return nil, nil }
func (f *fakeDispatcher) QueryExtrinsics(sessionID, chain string, pubkey [32]byte, fromTS, toTS int64) ([]model.ExtrinsicRecord, error) {
	return nil, nil
}
func (f *fakeDispatcher) QueryStaking(sessionID, chain string, pubkey [32]byte, fromHeight, toHeight uint64) ([]model.StakingEventRecord, error) {
	return nil, nil
}
func (f *fakeDispatcher) ResetHistory(sessionID, chain string, pubkey *[32]byte) error { return nil }

type fakeSession struct{ id string }

func (s fakeSession) SessionID() string { return s.id }

var _ Dispatcher = (*fakeDispatcher)(nil)

func dialTestHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestAttachBindsSessionAndAcks(t *testing.T) {
	disp := &fakeDispatcher{}
	hub := NewHub(disp)
	conn := dialTestHub(t, hub)

	payload, _ := json.Marshal(attachPayload{
		Chain:    "kusama",
		Accounts: []accountSpec{{Pubkey: "0x" + strings.Repeat("ab", 32)}},
	})
	env := Envelope{Type: EventAttach, RequestID: "req-1", Payload: payload}
	body, _ := json.Marshal(env)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, body))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ack Envelope
	require.NoError(t, json.Unmarshal(msg, &ack))
	require.Equal(t, EventAck, ack.Type)
	require.Equal(t, "sess-1", ack.SessionID)

	var ackBody AckPayload
	require.NoError(t, json.Unmarshal(ack.Payload, &ackBody))
	require.True(t, ackBody.OK)
	require.Equal(t, "req-1", ackBody.RequestID)
	require.Len(t, disp.attached, 1)
}

func TestAttachRejectsMalformedPubkey(t *testing.T) {
	disp := &fakeDispatcher{}
	hub := NewHub(disp)
	conn := dialTestHub(t, hub)

	payload, _ := json.Marshal(attachPayload{
		Chain:    "kusama",
		Accounts: []accountSpec{{Pubkey: "not-hex"}},
	})
	env := Envelope{Type: EventAttach, RequestID: "req-2", Payload: payload}
	body, _ := json.Marshal(env)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, body))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ack Envelope
	require.NoError(t, json.Unmarshal(msg, &ack))
	var ackBody AckPayload
	require.NoError(t, json.Unmarshal(ack.Payload, &ackBody))
	require.False(t, ackBody.OK)
}

func TestStatusCommandReturnsProgressAndAck(t *testing.T) {
	disp := &fakeDispatcher{sessionID: "sess-1"}
	hub := NewHub(disp)
	conn := dialTestHub(t, hub)

	env := Envelope{Type: EventStatus, SessionID: "sess-1", RequestID: "req-3"}
	body, _ := json.Marshal(env)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, body))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	sawProgress, sawAck := false, false
	for i := 0; i < 2; i++ {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var e Envelope
		require.NoError(t, json.Unmarshal(msg, &e))
		switch e.Type {
		case EventProgress:
			sawProgress = true
		case EventAck:
			sawAck = true
		}
	}
	require.True(t, sawProgress)
	require.True(t, sawAck)
}

func TestDecodePubkeyRoundTrip(t *testing.T) {
	var want [32]byte
	for i := range want {
		want[i] = byte(i)
	}
	got, err := decodePubkey("0x" + hexString(want[:]))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func hexString(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0xf]
	}
	return string(out)
}
