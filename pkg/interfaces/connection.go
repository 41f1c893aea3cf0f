package interfaces

// Connection is one physical client socket as seen by the registry.
// RoomID and UserID are fixed by the transport after authentication.
type Connection interface {
	// ID is unique per physical connection, not per user.
	ID() string

	RoomID() string
	UserID() string

	// IsAuthenticated reports whether the transport bound a room and user to the connection.
	IsAuthenticated() bool

	// Send enqueues an encoded frame without blocking. An error means the
	// frame was not accepted and the connection should be treated as dead.
	Send(data []byte) error

	// Close is idempotent and safe to call from any goroutine.
	Close() error
}
