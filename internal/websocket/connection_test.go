package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabroom/pkg/interfaces"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newConnectionPair returns a server-side Connection and the client socket talking to it.
func newConnectionPair(t *testing.T, opts Options) (*Connection, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *Connection, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		connCh <- NewConnection(ws, opts, nil)
	}))
	t.Cleanup(server.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case conn := <-connCh:
		t.Cleanup(func() { _ = conn.Close() })
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("server never produced a connection")
		return nil, nil
	}
}

func TestConnection_InterfaceCompliance(t *testing.T) {
	var _ interfaces.Connection = &Connection{}
}

func TestConnection_StartsPending(t *testing.T) {
	conn, _ := newConnectionPair(t, DefaultOptions())

	assert.NotEmpty(t, conn.ID())
	assert.False(t, conn.IsAuthenticated())
	assert.Empty(t, conn.RoomID())
	assert.Equal(t, 100, cap(conn.sendCh))
	assert.WithinDuration(t, time.Now(), conn.ConnectedAt(), time.Minute)
}

func TestConnection_Authenticate(t *testing.T) {
	conn, _ := newConnectionPair(t, DefaultOptions())

	assert.ErrorIs(t, conn.Authenticate("bad room", "alice"), ErrInvalidIdentity)
	assert.ErrorIs(t, conn.Authenticate("r1", ""), ErrInvalidIdentity)
	assert.False(t, conn.IsAuthenticated())

	require.NoError(t, conn.Authenticate("r1", "alice"))
	assert.True(t, conn.IsAuthenticated())
	assert.Equal(t, "r1", conn.RoomID())
	assert.Equal(t, "alice", conn.UserID())
}

func TestConnection_SendReachesPeer(t *testing.T) {
	conn, client := newConnectionPair(t, DefaultOptions())

	require.NoError(t, conn.Send([]byte(`{"type":"user_left"}`)))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.JSONEq(t, `{"type":"user_left"}`, string(data))
}

func TestConnection_SendNeverBlocks(t *testing.T) {
	// No write loop: the queue is never drained.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := &Connection{sendCh: make(chan []byte, 2), ctx: ctx, cancel: cancel}

	require.NoError(t, conn.Send([]byte("1")))
	require.NoError(t, conn.Send([]byte("2")))

	done := make(chan error, 1)
	go func() { done <- conn.Send([]byte("3")) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSendQueueFull)
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a full queue")
	}
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	conn, client := newConnectionPair(t, DefaultOptions())

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Send([]byte("late")), ErrConnectionClosed)

	select {
	case <-conn.Context().Done():
	default:
		t.Fatal("context not cancelled by Close")
	}

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	assert.Error(t, err, "peer should observe the closed socket")
}

func TestConnection_SendsPings(t *testing.T) {
	opts := DefaultOptions()
	opts.PingInterval = 20 * time.Millisecond
	_, client := newConnectionPair(t, opts)

	var pings atomic.Int32
	client.SetPingHandler(func(string) error {
		pings.Add(1)
		return nil
	})
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	assert.Eventually(t, func() bool { return pings.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestConnection_OptionDefaults(t *testing.T) {
	conn, _ := newConnectionPair(t, Options{})
	assert.Equal(t, DefaultOptions().BufferSize, cap(conn.sendCh))
	assert.Equal(t, DefaultOptions().WriteTimeout, conn.opts.WriteTimeout)
}
