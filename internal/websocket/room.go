package websocket

import (
	"log/slog"
	"time"

	"collabroom/pkg/interfaces"
	"collabroom/pkg/types"
)

type member struct {
	conn   interfaces.Connection
	client types.Client
}

// room is the actor owning one room's membership. All state below is touched
// only from run, so no locks are needed.
type room struct {
	id       string
	registry *Registry
	logger   *slog.Logger

	ops  chan func()
	done chan struct{}

	members map[string]*member // conn ID -> member
	users   map[string]int     // user ID -> live connection count
}

func newRoom(id string, registry *Registry) *room {
	return &room{
		id:       id,
		registry: registry,
		logger:   registry.logger.With("room_id", id),
		ops:      make(chan func()),
		done:     make(chan struct{}),
		members:  make(map[string]*member),
		users:    make(map[string]int),
	}
}

// run executes ops until the room is empty after one of them, then retires.
func (r *room) run() {
	for op := range r.ops {
		op()
		if len(r.members) == 0 {
			r.retire()
			return
		}
	}
}

// retire unpublishes the room before closing done so that new callers create
// a fresh actor instead of queueing on this one.
func (r *room) retire() {
	r.registry.mu.Lock()
	if r.registry.rooms[r.id] == r {
		delete(r.registry.rooms, r.id)
	}
	r.registry.mu.Unlock()
	close(r.done)

	r.registry.metrics.RoomClosed()
	r.logger.Debug("room closed")
}

// do runs fn on the actor and waits for it to finish.
func (r *room) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case r.ops <- func() { fn(); close(finished) }:
	case <-r.done:
		return errRoomRetired
	}
	<-finished
	return nil
}

func (r *room) join(conn interfaces.Connection) error {
	if _, exists := r.members[conn.ID()]; exists {
		return ErrAlreadyJoined
	}

	userID := conn.UserID()
	r.members[conn.ID()] = &member{
		conn: conn,
		client: types.Client{
			ConnID:      conn.ID(),
			RoomID:      r.id,
			UserID:      userID,
			ConnectedAt: time.Now().UTC(),
			State:       types.ConnStateActive,
		},
	}
	r.users[userID]++
	r.registry.metrics.ConnectionJoined()
	firstTab := r.users[userID] == 1
	r.logger.Debug("connection joined", "user_id", userID, "conn_id", conn.ID(), "first_tab", firstTab)

	// Presence is per user, mirroring leave: extra tabs are silent.
	if firstTab {
		r.broadcastEvent(types.UserJoined{
			UserID:        userID,
			RoomUserCount: len(r.users),
			Timestamp:     time.Now().UTC(),
		}, userID)
	}
	return nil
}

func (r *room) leave(conn interfaces.Connection) (LeaveResult, error) {
	m, exists := r.members[conn.ID()]
	if !exists {
		return LeaveResult{}, ErrConnectionNotFound
	}
	m.client.State = types.ConnStateClosed

	userGone := r.removeMember(conn.ID())
	r.registry.metrics.ConnectionLeft()
	r.logger.Debug("connection left", "user_id", m.client.UserID, "conn_id", conn.ID(), "user_gone", userGone)

	if userGone {
		r.broadcastEvent(types.UserLeft{
			UserID:        m.client.UserID,
			RoomUserCount: len(r.users),
			Timestamp:     time.Now().UTC(),
		}, "")
	}

	return LeaveResult{
		UserGone:      userGone,
		RoomUserCount: len(r.users),
		RoomClosed:    len(r.members) == 0,
	}, nil
}

// broadcast delivers data to every active member except excludeUser's
// connections. Members whose send fails are closed and pruned afterwards.
func (r *room) broadcast(data []byte, excludeUser string) int {
	var failed []string
	delivered := 0

	for connID, m := range r.members {
		if m.client.State != types.ConnStateActive {
			continue
		}
		if excludeUser != "" && m.client.UserID == excludeUser {
			continue
		}
		if err := m.conn.Send(data); err != nil {
			r.logger.Debug("send failed, pruning connection", "conn_id", connID, "user_id", m.client.UserID, "error", err)
			m.client.State = types.ConnStateClosed
			_ = m.conn.Close()
			failed = append(failed, connID)
			continue
		}
		m.client.MessageCount++
		delivered++
	}

	r.registry.metrics.Delivered(delivered)
	r.prune(failed)
	return delivered
}

func (r *room) broadcastEvent(ev types.Event, excludeUser string) int {
	data, err := types.EncodeEvent(ev)
	if err != nil {
		r.logger.Error("failed to encode event", "type", ev.Type(), "error", err)
		return 0
	}
	return r.broadcast(data, excludeUser)
}

func (r *room) sendPersonal(conn interfaces.Connection, data []byte) error {
	m, exists := r.members[conn.ID()]
	if !exists || m.client.State != types.ConnStateActive {
		return ErrConnectionNotFound
	}
	if err := m.conn.Send(data); err != nil {
		m.client.State = types.ConnStateClosed
		_ = m.conn.Close()
		r.prune([]string{conn.ID()})
		return err
	}
	m.client.MessageCount++
	r.registry.metrics.Delivered(1)
	return nil
}

// prune drops closed members and announces users that lost their last connection.
func (r *room) prune(connIDs []string) {
	if len(connIDs) == 0 {
		return
	}

	var gone []string
	for _, connID := range connIDs {
		userID := r.members[connID].client.UserID
		if r.removeMember(connID) {
			gone = append(gone, userID)
		}
	}
	r.registry.metrics.Pruned(len(connIDs))

	for _, userID := range gone {
		r.broadcastEvent(types.UserLeft{
			UserID:        userID,
			RoomUserCount: len(r.users),
			Timestamp:     time.Now().UTC(),
		}, "")
	}
}

// removeMember reports whether the member's user has no connections left.
func (r *room) removeMember(connID string) bool {
	m := r.members[connID]
	delete(r.members, connID)

	r.users[m.client.UserID]--
	if r.users[m.client.UserID] <= 0 {
		delete(r.users, m.client.UserID)
		return true
	}
	return false
}

func (r *room) stats() types.RoomStats {
	return types.RoomStats{
		Connections: len(r.members),
		Users:       len(r.users),
	}
}

func (r *room) userIDs() []string {
	ids := make([]string, 0, len(r.users))
	for userID := range r.users {
		ids = append(ids, userID)
	}
	return ids
}

func (r *room) clients() []types.Client {
	out := make([]types.Client, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.client)
	}
	return out
}
