package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabroom/internal/metrics"
	"collabroom/internal/websocket"
	"collabroom/pkg/interfaces"
	"collabroom/pkg/types"
)

// Rooms is the slice of the connection registry the coordinator needs.
// Implementations must never call back into the coordinator.
type Rooms interface {
	Broadcast(roomID string, ev types.Event, excludeUser string) (int, error)
	Join(conn interfaces.Connection) error
	SendPersonal(conn interfaces.Connection, ev types.Event) error
	RoomUsers(roomID string) []string
	HasUser(roomID, userID string) bool
}

// Manager implements interfaces.SessionCoordinator.
// ARCHITECTURAL DISCOVERY: each session has its own mutex, and every room
// operation touching that session (broadcast, join, snapshot) runs while
// holding it, so whiteboard versions reach every connection in order and the
// roster never disagrees with room membership. Lock order is session -> room
// actor. CreateSession alone takes the manager lock while holding a session
// lock, and only for a session nobody else can see yet.
type Manager struct {
	rooms    Rooms
	recorder interfaces.SessionRecorder // nil disables recording
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*collabSession // roomID -> session
}

type collabSession struct {
	mu         sync.Mutex
	info       types.SessionInfo
	ended      bool
	roster     map[string]struct{}
	objects    map[string]types.LastInteraction
	poses      map[string]types.SpatialPose
	whiteboard types.Whiteboard
}

// NewManager creates a coordinator. recorder, logger and m may be nil.
func NewManager(rooms Rooms, recorder interfaces.SessionRecorder, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		rooms:    rooms,
		recorder: recorder,
		logger:   logger.With("component", "session"),
		metrics:  m,
		sessions: make(map[string]*collabSession),
	}
}

// CreateSession opens a session for spec.RoomID. A room holds at most one live
// session; a second call fails with ErrSessionExists and leaves the first untouched.
// Users already connected to the room become the initial roster, and a room
// that already holds more users than spec.MaxParticipants is refused with
// ErrSessionFull. The session accepts no other call until it has been recorded.
func (m *Manager) CreateSession(ctx context.Context, spec types.SessionSpec) (*types.SessionInfo, error) {
	if err := types.ValidateStruct(spec); err != nil {
		return nil, err
	}

	s := &collabSession{
		info: types.SessionInfo{
			SessionID:        uuid.NewString(),
			RoomID:           spec.RoomID,
			OwnerID:          spec.OwnerID,
			MaxParticipants:  spec.MaxParticipants,
			CreatedAt:        time.Now().UTC(),
			RecordingEnabled: spec.RecordingEnabled,
		},
		roster:  make(map[string]struct{}),
		objects: make(map[string]types.LastInteraction),
		poses:   make(map[string]types.SpatialPose),
	}

	s.mu.Lock()
	for {
		m.mu.Lock()
		existing, exists := m.sessions[spec.RoomID]
		if !exists {
			break
		}
		m.mu.Unlock()

		// Wait for a pending create to settle; a failed one leaves it ended.
		existing.mu.Lock()
		ended := existing.ended
		existing.mu.Unlock()
		if !ended {
			s.mu.Unlock()
			return nil, interfaces.ErrSessionExists
		}
		m.removeIfCurrent(spec.RoomID, existing)
	}

	// Holding the manager lock keeps Admit from joining anyone to a
	// session-less room while the roster is seeded.
	users := m.rooms.RoomUsers(spec.RoomID)
	if spec.MaxParticipants > 0 && len(users) > spec.MaxParticipants {
		m.mu.Unlock()
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d users already connected, limit %d",
			interfaces.ErrSessionFull, len(users), spec.MaxParticipants)
	}
	for _, userID := range users {
		s.roster[userID] = struct{}{}
	}
	m.sessions[spec.RoomID] = s
	m.mu.Unlock()

	if s.info.RecordingEnabled && m.recorder != nil {
		if err := m.recorder.RecordSession(ctx, &s.info); err != nil {
			s.ended = true
			s.mu.Unlock()
			m.removeIfCurrent(spec.RoomID, s)
			return nil, fmt.Errorf("failed to record session: %w", err)
		}
	}
	info := s.info
	participants := len(s.roster)
	s.mu.Unlock()

	m.metrics.SessionOpened()
	m.logger.Info("session created",
		"room_id", info.RoomID,
		"session_id", info.SessionID,
		"owner_id", info.OwnerID,
		"max_participants", info.MaxParticipants,
		"recording", info.RecordingEnabled,
		"participants", participants)

	return &info, nil
}

func (m *Manager) removeIfCurrent(roomID string, s *collabSession) {
	m.mu.Lock()
	if m.sessions[roomID] == s {
		delete(m.sessions, roomID)
	}
	m.mu.Unlock()
}

// EndSession discards the room's collaborative state. Connections stay in the room.
func (m *Manager) EndSession(ctx context.Context, roomID string) error {
	m.mu.Lock()
	s, exists := m.sessions[roomID]
	if exists {
		delete(m.sessions, roomID)
	}
	m.mu.Unlock()

	if !exists {
		return interfaces.ErrSessionNotFound
	}

	s.mu.Lock()
	if s.ended {
		// Its create failed to record and never completed.
		s.mu.Unlock()
		return interfaces.ErrSessionNotFound
	}
	s.ended = true
	info := s.info
	version := s.whiteboard.Version
	s.mu.Unlock()

	if info.RecordingEnabled && m.recorder != nil {
		if err := m.recorder.EndSession(ctx, info.SessionID, time.Now().UTC()); err != nil {
			m.logger.Warn("failed to record session end", "session_id", info.SessionID, "error", err)
		}
	}

	m.metrics.SessionClosed()
	m.logger.Info("session ended", "room_id", roomID, "session_id", info.SessionID, "whiteboard_version", version)
	return nil
}

// GetSession returns a copy of the session's current state.
func (m *Manager) GetSession(roomID string) (*types.SessionSnapshot, error) {
	var snap *types.SessionSnapshot
	err := m.withSession(roomID, func(s *collabSession) error {
		participants := make([]string, 0, len(s.roster))
		for userID := range s.roster {
			participants = append(participants, userID)
		}
		sort.Strings(participants)

		objects := make(map[string]types.LastInteraction, len(s.objects))
		for id, li := range s.objects {
			objects[id] = li
		}
		poses := make(map[string]types.SpatialPose, len(s.poses))
		for id, p := range s.poses {
			poses[id] = p
		}

		snap = &types.SessionSnapshot{
			SessionInfo:  s.info,
			Participants: participants,
			Whiteboard: types.Whiteboard{
				Entries: slices.Clone(s.whiteboard.Entries),
				Version: s.whiteboard.Version,
			},
			Objects: objects,
			Poses:   poses,
		}
		return nil
	})
	return snap, err
}

// ListSessions returns live sessions ordered by creation time.
func (m *Manager) ListSessions() []*types.SessionInfo {
	m.mu.RLock()
	sessions := make([]*collabSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]*types.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		info, ended := s.info, s.ended
		s.mu.Unlock()
		if !ended {
			infos = append(infos, &info)
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].RoomID < infos[j].RoomID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// AddParticipant puts userID on the roster. A user already on it does not
// take another slot; a full session returns ErrSessionFull. Zero means unlimited.
func (m *Manager) AddParticipant(roomID, userID string) error {
	if !types.IsValidID(userID) {
		return ErrInvalidUserID
	}
	return m.withSession(roomID, func(s *collabSession) error {
		if _, present := s.roster[userID]; present {
			return nil
		}
		if s.info.MaxParticipants > 0 && len(s.roster) >= s.info.MaxParticipants {
			return interfaces.ErrSessionFull
		}
		s.roster[userID] = struct{}{}
		m.logger.Debug("participant added", "room_id", roomID, "user_id", userID, "participants", len(s.roster))
		return nil
	})
}

// RemoveParticipant drops userID and its pose. Removing an absent user is a no-op.
func (m *Manager) RemoveParticipant(roomID, userID string) error {
	return m.withSession(roomID, func(s *collabSession) error {
		delete(s.roster, userID)
		delete(s.poses, userID)
		return nil
	})
}

// Admit joins conn to its room. When the room has a session the roster slot
// is checked and taken, and the whiteboard snapshot is queued to conn, all
// under the session lock, so no broadcast can slip between join and snapshot.
// It reports whether the room has a session.
func (m *Manager) Admit(conn interfaces.Connection) (bool, error) {
	if conn == nil {
		return false, websocket.ErrNilConnection
	}
	roomID := conn.RoomID()

	for {
		m.mu.RLock()
		s, exists := m.sessions[roomID]
		if !exists {
			// CreateSession seeds its roster under the write lock, so this
			// join is either seen by it or happens after the session exists.
			err := m.rooms.Join(conn)
			m.mu.RUnlock()
			return false, err
		}
		m.mu.RUnlock()

		s.mu.Lock()
		if s.ended {
			s.mu.Unlock()
			m.removeIfCurrent(roomID, s)
			continue
		}
		err := m.admitLocked(s, conn)
		s.mu.Unlock()
		return true, err
	}
}

func (m *Manager) admitLocked(s *collabSession, conn interfaces.Connection) error {
	roomID, userID := conn.RoomID(), conn.UserID()

	_, present := s.roster[userID]
	if !present && s.info.MaxParticipants > 0 && len(s.roster) >= s.info.MaxParticipants {
		return interfaces.ErrSessionFull
	}
	if err := m.rooms.Join(conn); err != nil {
		return err
	}
	if !present {
		s.roster[userID] = struct{}{}
		m.logger.Debug("participant added", "room_id", roomID, "user_id", userID, "participants", len(s.roster))
	}

	if err := m.rooms.SendPersonal(conn, s.snapshot()); err != nil {
		m.logger.Debug("failed to send whiteboard snapshot", "room_id", roomID, "conn_id", conn.ID(), "error", err)
	}
	return nil
}

// Release drops userID from the roster unless the user still has a
// connection in the room. The check and the removal share the session lock
// with Admit, so a tab opening concurrently keeps its roster slot.
func (m *Manager) Release(roomID, userID string) error {
	return m.withSession(roomID, func(s *collabSession) error {
		if m.rooms.HasUser(roomID, userID) {
			return nil
		}
		if _, present := s.roster[userID]; present {
			delete(s.roster, userID)
			m.logger.Debug("participant released", "room_id", roomID, "user_id", userID, "participants", len(s.roster))
		}
		delete(s.poses, userID)
		return nil
	})
}

// UpdateSpatialState overwrites the user's pose and relays it to everyone else.
func (m *Manager) UpdateSpatialState(ctx context.Context, roomID, userID string, pose types.SpatialPose) error {
	if !types.IsValidID(userID) {
		return ErrInvalidUserID
	}
	return m.withSession(roomID, func(s *collabSession) error {
		pose.Timestamp = time.Now().UTC()
		s.poses[userID] = pose

		return m.broadcast(roomID, types.SpatialUpdate{
			UserID:        userID,
			Position:      pose.Position,
			Rotation:      pose.Rotation,
			HeadPosition:  pose.HeadPosition,
			HandPositions: pose.HandPositions,
			Timestamp:     pose.Timestamp,
		}, userID)
	})
}

// HandleObjectInteraction records the latest interaction with objectID and
// relays it to the whole room, author included.
func (m *Manager) HandleObjectInteraction(ctx context.Context, roomID, userID, objectID, action string, payload json.RawMessage) error {
	if !types.IsValidID(userID) {
		return ErrInvalidUserID
	}
	if !types.IsValidID(objectID) {
		return ErrInvalidObjectID
	}
	if action == "" {
		return ErrEmptyAction
	}
	return m.withSession(roomID, func(s *collabSession) error {
		now := time.Now().UTC()
		s.objects[objectID] = types.LastInteraction{
			UserID:    userID,
			Action:    action,
			Payload:   payload,
			Timestamp: now,
		}

		return m.broadcast(roomID, types.ObjectInteraction{
			ObjectID:        objectID,
			UserID:          userID,
			Action:          action,
			InteractionData: payload,
			Timestamp:       now,
		}, "")
	})
}

// UpdateWhiteboard appends one entry, bumps the version by exactly one and
// sends the full whiteboard to the whole room. It returns the new version.
func (m *Manager) UpdateWhiteboard(ctx context.Context, roomID, userID string, strokes []json.RawMessage) (int, error) {
	if !types.IsValidID(userID) {
		return 0, ErrInvalidUserID
	}
	if len(strokes) == 0 {
		return 0, ErrEmptyStrokes
	}

	var (
		version   int
		entry     types.WhiteboardEntry
		sessionID string
		record    bool
	)
	err := m.withSession(roomID, func(s *collabSession) error {
		entry = types.WhiteboardEntry{
			UserID:    userID,
			Strokes:   slices.Clone(strokes),
			Timestamp: time.Now().UTC(),
		}
		s.whiteboard.Entries = append(s.whiteboard.Entries, entry)
		s.whiteboard.Version++
		version = s.whiteboard.Version
		sessionID = s.info.SessionID
		record = s.info.RecordingEnabled

		return m.broadcast(roomID, types.WhiteboardUpdate{
			Content:   slices.Clone(s.whiteboard.Entries),
			Version:   version,
			UpdatedBy: userID,
			Timestamp: entry.Timestamp,
		}, "")
	})
	if err != nil {
		return 0, err
	}

	m.metrics.WhiteboardUpdated()
	if record && m.recorder != nil {
		// An accepted edit is archived even if its author disconnects meanwhile.
		if err := m.recorder.RecordWhiteboardEntry(context.WithoutCancel(ctx), sessionID, version, entry); err != nil {
			m.logger.Warn("failed to record whiteboard entry", "session_id", sessionID, "version", version, "error", err)
		}
	}
	return version, nil
}

// WhiteboardSnapshot returns the full whiteboard as a whiteboard_update.
func (m *Manager) WhiteboardSnapshot(roomID string) (types.WhiteboardUpdate, error) {
	var update types.WhiteboardUpdate
	err := m.withSession(roomID, func(s *collabSession) error {
		update = s.snapshot()
		return nil
	})
	return update, err
}

// snapshot must be called with s.mu held.
func (s *collabSession) snapshot() types.WhiteboardUpdate {
	update := types.WhiteboardUpdate{
		Content:   slices.Clone(s.whiteboard.Entries),
		Version:   s.whiteboard.Version,
		Timestamp: time.Now().UTC(),
	}
	if n := len(s.whiteboard.Entries); n > 0 {
		update.UpdatedBy = s.whiteboard.Entries[n-1].UserID
	}
	return update
}

// withSession runs fn under the session's lock.
func (m *Manager) withSession(roomID string, fn func(s *collabSession) error) error {
	m.mu.RLock()
	s, exists := m.sessions[roomID]
	m.mu.RUnlock()
	if !exists {
		return interfaces.ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return interfaces.ErrSessionNotFound
	}
	return fn(s)
}

// broadcast treats a room without live connections as an empty audience.
func (m *Manager) broadcast(roomID string, ev types.Event, excludeUser string) error {
	delivered, err := m.rooms.Broadcast(roomID, ev, excludeUser)
	switch {
	case errors.Is(err, websocket.ErrRoomNotFound):
		m.logger.Debug("no live connections for broadcast", "room_id", roomID, "type", ev.Type())
		return nil
	case err != nil:
		return fmt.Errorf("failed to broadcast %s: %w", ev.Type(), err)
	}
	m.logger.Debug("broadcast", "room_id", roomID, "type", ev.Type(), "delivered", delivered)
	return nil
}
