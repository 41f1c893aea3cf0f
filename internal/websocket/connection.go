package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabroom/pkg/types"
)

// Options tunes the per-connection write side.
type Options struct {
	BufferSize   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// DefaultOptions mirrors the defaults in internal/config.
func DefaultOptions() Options {
	return Options{
		BufferSize:   100,
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions,
// so every frame (including pings) leaves through writeLoop.
type Connection struct {
	conn        *websocket.Conn
	id          string
	connectedAt time.Time
	sendCh      chan []byte // never closed; the write loop exits on ctx instead
	opts        Options

	mu            sync.RWMutex // protects identity fields and logger
	logger        *slog.Logger
	roomID        string
	userID        string
	authenticated bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection wraps an upgraded socket and starts its writer goroutine.
// The connection stays Pending until Authenticate binds a room and user.
func NewConnection(conn *websocket.Conn, opts Options, logger *slog.Logger) *Connection {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultOptions().WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:        conn,
		id:          uuid.NewString(),
		connectedAt: time.Now().UTC(),
		sendCh:      make(chan []byte, opts.BufferSize),
		opts:        opts,
		ctx:         ctx,
		cancel:      cancel,
	}
	c.logger = logger.With("conn_id", c.id)

	go c.writeLoop()

	return c
}

// Authenticate binds the identity established by the upstream handshake.
func (c *Connection) Authenticate(roomID, userID string) error {
	if !types.IsValidID(roomID) || !types.IsValidID(userID) {
		return ErrInvalidIdentity
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = roomID
	c.userID = userID
	c.authenticated = true
	c.logger = c.logger.With("room_id", roomID, "user_id", userID)
	return nil
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

func (c *Connection) RoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context { return c.ctx }

// Send enqueues a frame without blocking. A full queue means the peer is not
// keeping up and the caller should drop it.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.sendCh <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close cancels the write loop and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// ARCHITECTURAL DISCOVERY: Single writer goroutine pattern eliminates races
func (c *Connection) writeLoop() {
	var pings <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case data := <-c.sendCh:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.log().Debug("write failed, closing connection", "error", err)
				_ = c.Close()
				return
			}
		case <-pings:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.log().Debug("ping failed, closing connection", "error", err)
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) log() *slog.Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

func (c *Connection) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}
