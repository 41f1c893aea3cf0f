package websocket

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"collabroom/internal/metrics"
	"collabroom/pkg/interfaces"
	"collabroom/pkg/types"
)

// LeaveResult describes what a Leave did to the room.
type LeaveResult struct {
	// UserGone is true when the connection was the user's last one in the room.
	UserGone      bool
	RoomUserCount int
	RoomClosed    bool
}

// Registry fans messages out to rooms of live connections.
// ARCHITECTURAL DISCOVERY: every room is an actor goroutine, so operations on one
// room are serialized while different rooms proceed in parallel. mu only guards
// the routing table and is never held while a room does work.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*room
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rooms:   make(map[string]*room),
		logger:  logger.With("component", "registry"),
		metrics: m,
	}
}

// Join registers an authenticated connection with its room, creating the room
// on first use, and announces the user to everyone else in it.
func (r *Registry) Join(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}

	// A room found in the table may retire before it accepts our op; retry
	// against a fresh actor in that case.
	for {
		rm := r.getOrCreate(conn.RoomID())
		var err error
		if derr := rm.do(func() { err = rm.join(conn) }); errors.Is(derr, errRoomRetired) {
			continue
		}
		return err
	}
}

// Leave removes the connection from its room. The room is dropped once its
// last connection leaves.
func (r *Registry) Leave(conn interfaces.Connection) (LeaveResult, error) {
	if conn == nil {
		return LeaveResult{}, ErrNilConnection
	}

	rm := r.lookup(conn.RoomID())
	if rm == nil {
		return LeaveResult{}, ErrConnectionNotFound
	}

	var (
		res LeaveResult
		err error
	)
	if derr := rm.do(func() { res, err = rm.leave(conn) }); derr != nil {
		return LeaveResult{}, ErrConnectionNotFound
	}
	return res, err
}

// Broadcast sends ev to every active connection in roomID except those owned
// by excludeUser ("" excludes nobody) and returns how many frames were queued.
// Send failures never surface here; the failing connections are pruned.
func (r *Registry) Broadcast(roomID string, ev types.Event, excludeUser string) (int, error) {
	data, err := types.EncodeEvent(ev)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s: %w", eventName(ev), err)
	}

	rm := r.lookup(roomID)
	if rm == nil {
		return 0, ErrRoomNotFound
	}

	var delivered int
	if derr := rm.do(func() { delivered = rm.broadcast(data, excludeUser) }); derr != nil {
		return 0, ErrRoomNotFound
	}
	return delivered, nil
}

// SendPersonal delivers ev to a single joined connection.
func (r *Registry) SendPersonal(conn interfaces.Connection, ev types.Event) error {
	if conn == nil {
		return ErrNilConnection
	}
	data, err := types.EncodeEvent(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", eventName(ev), err)
	}

	rm := r.lookup(conn.RoomID())
	if rm == nil {
		return ErrConnectionNotFound
	}

	var sendErr error
	if derr := rm.do(func() { sendErr = rm.sendPersonal(conn, data) }); derr != nil {
		return ErrConnectionNotFound
	}
	if sendErr != nil && !errors.Is(sendErr, ErrConnectionNotFound) {
		return fmt.Errorf("failed to send to connection %s: %w", conn.ID(), sendErr)
	}
	return sendErr
}

// Stats returns a snapshot across all rooms. Rooms are sampled one at a time,
// so the totals are computed from the sampled rooms rather than tracked separately.
func (r *Registry) Stats() types.RegistryStats {
	stats := types.RegistryStats{Rooms: make(map[string]types.RoomStats)}
	users := make(map[string]struct{})

	for _, rm := range r.snapshotRooms() {
		var (
			rs  types.RoomStats
			ids []string
		)
		if err := rm.do(func() { rs, ids = rm.stats(), rm.userIDs() }); err != nil || rs.Connections == 0 {
			continue
		}

		stats.Rooms[rm.id] = rs
		stats.TotalConnections += rs.Connections
		for _, id := range ids {
			users[id] = struct{}{}
		}
	}

	stats.ActiveRooms = len(stats.Rooms)
	stats.TotalUsers = len(users)
	return stats
}

// ActiveRooms returns the IDs of rooms with at least one connection, sorted.
func (r *Registry) ActiveRooms() []string {
	var ids []string
	for _, rm := range r.snapshotRooms() {
		var n int
		if err := rm.do(func() { n = len(rm.members) }); err != nil || n == 0 {
			continue
		}
		ids = append(ids, rm.id)
	}
	sort.Strings(ids)
	return ids
}

// RoomUsers returns the distinct users connected to roomID, sorted.
func (r *Registry) RoomUsers(roomID string) []string {
	rm := r.lookup(roomID)
	if rm == nil {
		return nil
	}
	var ids []string
	if err := rm.do(func() { ids = rm.userIDs() }); err != nil {
		return nil
	}
	sort.Strings(ids)
	return ids
}

// RoomClients returns the registry records for roomID ordered by connect time.
func (r *Registry) RoomClients(roomID string) []types.Client {
	rm := r.lookup(roomID)
	if rm == nil {
		return nil
	}
	var clients []types.Client
	if err := rm.do(func() { clients = rm.clients() }); err != nil {
		return nil
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].ConnectedAt.Before(clients[j].ConnectedAt)
	})
	return clients
}

// HasUser reports whether userID still has a connection in roomID.
func (r *Registry) HasUser(roomID, userID string) bool {
	rm := r.lookup(roomID)
	if rm == nil {
		return false
	}
	var present bool
	if err := rm.do(func() { present = rm.users[userID] > 0 }); err != nil {
		return false
	}
	return present
}

// CloseAll closes every joined connection. Their read loops then leave the
// rooms through the normal path.
func (r *Registry) CloseAll() {
	for _, rm := range r.snapshotRooms() {
		_ = rm.do(func() {
			for _, m := range rm.members {
				_ = m.conn.Close()
			}
		})
	}
}

func (r *Registry) lookup(roomID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[roomID]
}

func (r *Registry) getOrCreate(roomID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, exists := r.rooms[roomID]; exists {
		return rm
	}
	rm := newRoom(roomID, r)
	r.rooms[roomID] = rm
	go rm.run()

	r.metrics.RoomOpened()
	r.logger.Debug("room opened", "room_id", roomID)
	return rm
}

func (r *Registry) snapshotRooms() []*room {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	return rooms
}

func eventName(ev types.Event) string {
	if ev == nil {
		return "event"
	}
	return string(ev.Type())
}
