package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user_id=" + userID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHub_DeliversToEveryConnectionOfUser(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	defer hub.Close()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	first := dialHub(t, srv, "alice")
	second := dialHub(t, srv, "alice")
	other := dialHub(t, srv, "bob")

	require.Eventually(t, func() bool {
		return hub.Connections("alice") == 2 && hub.Connections("bob") == 1
	}, 2*time.Second, 5*time.Millisecond)

	at := time.UnixMilli(1767600000000)
	env := NewEnvelope(EnvelopeUpdate, "alice", map[string]any{"status": "approved", "workflowId": "wf-1"}, at)
	require.NoError(t, hub.SendToUser(context.Background(), "alice", env))

	for _, conn := range []*websocket.Conn{first, second} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)

		var got Envelope
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Equal(t, EnvelopeUpdate, got.Type)
		assert.Equal(t, "alice", got.UserID)
		assert.Equal(t, int64(1767600000000), got.Timestamp)
		assert.Equal(t, "approved", got.Data["status"])
	}

	require.NoError(t, other.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "bob receives nothing")
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	defer hub.Close()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dialHub(t, srv, "carol")
	require.Eventually(t, func() bool { return hub.Connections("carol") == 1 }, 2*time.Second, 5*time.Millisecond)

	hub.Broadcast(context.Background(), map[string]any{"event": "maintenance"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var got Envelope
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, EnvelopeBroadcast, got.Type)
	assert.Equal(t, "carol", got.UserID)
}

func TestHub_UnregistersOnDisconnect(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	defer hub.Close()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dialHub(t, srv, "dave")
	require.Eventually(t, func() bool { return hub.Connections("dave") == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Connections("dave") == 0 }, 2*time.Second, 5*time.Millisecond)

	assert.NoError(t, hub.SendToUser(context.Background(), "dave", NewEnvelope(EnvelopeAlert, "dave", nil, time.Now())))
}

func TestHub_RequiresUserID(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	rec := httptest.NewRecorder()
	hub.ServeWS(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
