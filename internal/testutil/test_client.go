package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabroom/pkg/types"
)

// TestClient is a real WebSocket client for end-to-end tests.
type TestClient struct {
	RoomID    string
	UserID    string
	ServerURL string

	conn   *websocket.Conn
	events chan types.Event
	errors chan error
	done   chan struct{}

	mu        sync.RWMutex
	closed    bool
	connected bool
}

// NewTestClient creates a new WebSocket test client
func NewTestClient(roomID, userID, serverURL string) *TestClient {
	return &TestClient{
		RoomID:    roomID,
		UserID:    userID,
		ServerURL: serverURL,
		events:    make(chan types.Event, 100),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}
}

// Connect dials /ws on the server with the client's room and user.
func (tc *TestClient) Connect(ctx context.Context) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.connected {
		return fmt.Errorf("client already connected")
	}

	u, err := url.Parse(tc.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	query := u.Query()
	query.Set("room_id", tc.RoomID)
	query.Set("user_id", tc.UserID)
	u.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	tc.conn = conn
	tc.connected = true
	go tc.readLoop()

	return nil
}

func (tc *TestClient) readLoop() {
	defer func() {
		tc.mu.Lock()
		tc.connected = false
		tc.mu.Unlock()
		tc.signalDone()
	}()

	for {
		_, data, err := tc.conn.ReadMessage()
		if err != nil {
			tc.mu.RLock()
			closed := tc.closed
			tc.mu.RUnlock()
			if !closed {
				select {
				case tc.errors <- fmt.Errorf("read error: %w", err):
				default:
				}
			}
			return
		}

		ev, err := types.DecodeEvent(data)
		if err != nil {
			select {
			case tc.errors <- err:
			default:
			}
			continue
		}

		select {
		case tc.events <- ev:
		default:
			select {
			case tc.errors <- fmt.Errorf("event channel full, dropping %s", ev.Type()):
			default:
			}
		}
	}
}

// Send writes a raw client frame built from v.
func (tc *TestClient) Send(v any) error {
	tc.mu.RLock()
	conn := tc.conn
	connected := tc.connected
	tc.mu.RUnlock()

	if !connected || conn == nil {
		return fmt.Errorf("client not connected")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Receive waits for the next event.
func (tc *TestClient) Receive(timeout time.Duration) (types.Event, error) {
	select {
	case ev := <-tc.events:
		return ev, nil
	case err := <-tc.errors:
		return nil, err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout waiting for event")
	case <-tc.done:
		return nil, fmt.Errorf("client disconnected")
	}
}

// WaitFor discards events until one of type et arrives.
func (tc *TestClient) WaitFor(et types.EventType, timeout time.Duration) (types.Event, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("timeout waiting for event type %s", et)
		}
		ev, err := tc.Receive(remaining)
		if err != nil {
			return nil, err
		}
		if ev.Type() == et {
			return ev, nil
		}
	}
}

// ExpectSilence fails if an event of type et arrives within d.
func (tc *TestClient) ExpectSilence(et types.EventType, d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		select {
		case ev := <-tc.events:
			if ev.Type() == et {
				return fmt.Errorf("unexpected %s event", et)
			}
		case <-time.After(remaining):
			return nil
		case <-tc.done:
			return nil
		}
	}
}

// Done is closed once the server side hangs up or Close is called.
func (tc *TestClient) Done() <-chan struct{} { return tc.done }

// Close closes the WebSocket connection and cleans up resources
func (tc *TestClient) Close() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.closed {
		return nil
	}
	tc.closed = true

	if tc.conn != nil {
		_ = tc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = tc.conn.Close()
	}
	return nil
}

func (tc *TestClient) signalDone() {
	select {
	case <-tc.done:
	default:
		close(tc.done)
	}
}
