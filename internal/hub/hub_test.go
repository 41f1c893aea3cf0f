package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabroom/internal/router"
	"collabroom/internal/session"
	"collabroom/internal/testutil"
	"collabroom/internal/websocket"
	"collabroom/pkg/interfaces"
	"collabroom/pkg/types"
)

type hubFixture struct {
	hub      *Hub
	registry *websocket.Registry
	sessions *session.Manager
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	registry := websocket.NewRegistry(nil, nil)
	sessions := session.NewManager(registry, nil, nil, nil)
	h := NewHub(registry, sessions, router.NewRouter(sessions, nil, nil, nil), nil)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })
	return &hubFixture{hub: h, registry: registry, sessions: sessions}
}

func (f *hubFixture) createSession(t *testing.T, roomID string, maxParticipants int) {
	t.Helper()
	_, err := f.sessions.CreateSession(context.Background(), types.SessionSpec{
		RoomID:          roomID,
		OwnerID:         "owner",
		MaxParticipants: maxParticipants,
	})
	require.NoError(t, err)
}

func TestHub_StartStop(t *testing.T) {
	registry := websocket.NewRegistry(nil, nil)
	sessions := session.NewManager(registry, nil, nil, nil)
	h := NewHub(registry, sessions, router.NewRouter(sessions, nil, nil, nil), nil)

	assert.ErrorIs(t, h.Attach(testutil.NewFakeConn("r1", "alice")), ErrHubNotRunning)

	ctx := context.Background()
	require.NoError(t, h.Start(ctx))
	assert.ErrorIs(t, h.Start(ctx), ErrHubAlreadyRunning)
	assert.True(t, h.IsRunning())

	require.NoError(t, h.Stop())
	assert.ErrorIs(t, h.Stop(), ErrHubNotRunning)

	// Restartable.
	require.NoError(t, h.Start(ctx))
	require.NoError(t, h.Stop())
}

func TestHub_CleanupLoopRuns(t *testing.T) {
	registry := websocket.NewRegistry(nil, nil)
	sessions := session.NewManager(registry, nil, nil, nil)
	limiter := router.NewRateLimiter(10, time.Millisecond)
	h := NewHub(registry, sessions, router.NewRouter(sessions, limiter, nil, nil), nil)
	h.cleanupInterval = 5 * time.Millisecond

	limiter.Allow("alice")
	require.Equal(t, 1, limiter.Tracked())

	require.NoError(t, h.Start(context.Background()))
	defer func() { _ = h.Stop() }()

	assert.Eventually(t, func() bool { return limiter.Tracked() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_AttachWithoutSession(t *testing.T) {
	f := newHubFixture(t)
	conn := testutil.NewFakeConn("lobby", "alice")

	require.NoError(t, f.hub.Attach(conn))
	assert.True(t, f.registry.HasUser("lobby", "alice"))
	assert.Empty(t, conn.Frames(), "no session means no snapshot")
}

func TestHub_AttachPushesWhiteboardSnapshot(t *testing.T) {
	f := newHubFixture(t)
	f.createSession(t, "r1", 0)
	_, err := f.sessions.UpdateWhiteboard(context.Background(), "r1", "owner", []json.RawMessage{json.RawMessage(`"s1"`)})
	require.NoError(t, err)

	conn := testutil.NewFakeConn("r1", "alice")
	require.NoError(t, f.hub.Attach(conn))

	updates := conn.EventsOfType(t, types.EventWhiteboardUpdate)
	require.Len(t, updates, 1)
	wu := updates[0].(types.WhiteboardUpdate)
	assert.Equal(t, 1, wu.Version)
	assert.Equal(t, "owner", wu.UpdatedBy)
	require.Len(t, wu.Content, 1)

	snap, err := f.sessions.GetSession("r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, snap.Participants)
}

func TestHub_AttachEnforcesCapacity(t *testing.T) {
	f := newHubFixture(t)
	f.createSession(t, "r1", 1)

	require.NoError(t, f.hub.Attach(testutil.NewFakeConn("r1", "alice")))
	require.NoError(t, f.hub.Attach(testutil.NewFakeConn("r1", "alice")), "a second tab is not a new participant")

	bob := testutil.NewFakeConn("r1", "bob")
	assert.ErrorIs(t, f.hub.Attach(bob), interfaces.ErrSessionFull)
	assert.False(t, f.registry.HasUser("r1", "bob"))
	assert.Equal(t, []string{"alice"}, f.registry.RoomUsers("r1"))
}

func TestHub_DetachRemovesParticipantOnLastConnection(t *testing.T) {
	f := newHubFixture(t)
	f.createSession(t, "r1", 0)
	ctx := context.Background()

	tab1 := testutil.NewFakeConn("r1", "alice")
	tab2 := testutil.NewFakeConn("r1", "alice")
	require.NoError(t, f.hub.Attach(tab1))
	require.NoError(t, f.hub.Attach(tab2))
	require.NoError(t, f.sessions.UpdateSpatialState(ctx, "r1", "alice", types.SpatialPose{}))

	f.hub.Detach(tab1)
	snap, err := f.sessions.GetSession("r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, snap.Participants)

	f.hub.Detach(tab2)
	snap, err = f.sessions.GetSession("r1")
	require.NoError(t, err)
	assert.Empty(t, snap.Participants)
	assert.Empty(t, snap.Poses)
	assert.Empty(t, f.registry.ActiveRooms())
}

func TestHub_DetachAfterPrune(t *testing.T) {
	f := newHubFixture(t)
	f.createSession(t, "r1", 0)

	alice := testutil.NewFakeConn("r1", "alice")
	bob := testutil.NewFakeConn("r1", "bob")
	require.NoError(t, f.hub.Attach(alice))
	require.NoError(t, f.hub.Attach(bob))

	bob.FailSends()
	_, err := f.sessions.UpdateWhiteboard(context.Background(), "r1", "alice", []json.RawMessage{json.RawMessage(`"x"`)})
	require.NoError(t, err)
	require.True(t, bob.Closed())

	// The read loop notices the closed socket and detaches.
	f.hub.Detach(bob)

	snap, err := f.sessions.GetSession("r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, snap.Participants)
}

func TestHub_DetachUnknownIsHarmless(t *testing.T) {
	f := newHubFixture(t)
	assert.NotPanics(t, func() {
		f.hub.Detach(testutil.NewFakeConn("r1", "ghost"))
		f.hub.Detach(nil)
	})
}

func TestHub_ReceiveRoutesToRoom(t *testing.T) {
	f := newHubFixture(t)
	f.createSession(t, "r1", 0)

	alice := testutil.NewFakeConn("r1", "alice")
	bob := testutil.NewFakeConn("r1", "bob")
	require.NoError(t, f.hub.Attach(alice))
	require.NoError(t, f.hub.Attach(bob))
	alice.Reset()
	bob.Reset()

	f.hub.Receive(context.Background(), alice, []byte(`{"type":"spatial_update","position":{"x":1,"y":1,"z":1}}`))
	f.hub.Receive(context.Background(), alice, []byte(`{"type":"user_joined","user_id":"spoof"}`))

	assert.Empty(t, alice.Frames())
	updates := bob.EventsOfType(t, types.EventSpatialUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, "alice", updates[0].(types.SpatialUpdate).UserID)
	assert.Empty(t, bob.EventsOfType(t, types.EventUserJoined), "clients cannot emit presence events")
}

func TestHub_AttachDuringWhiteboardEditsNeverSeesOlderVersion(t *testing.T) {
	f := newHubFixture(t)
	f.createSession(t, "r1", 0)
	ctx := context.Background()

	const edits = 200
	const joiners = 40

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < edits; i++ {
			if _, err := f.sessions.UpdateWhiteboard(ctx, "r1", "writer", []json.RawMessage{json.RawMessage(`"s"`)}); err != nil {
				t.Errorf("update: %v", err)
				return
			}
		}
	}()

	conns := make([]*testutil.FakeConn, joiners)
	for i := range conns {
		conns[i] = testutil.NewFakeConn("r1", fmt.Sprintf("u%d", i))
		wg.Add(1)
		go func(c *testutil.FakeConn) {
			defer wg.Done()
			if err := f.hub.Attach(c); err != nil {
				t.Errorf("attach: %v", err)
			}
		}(conns[i])
	}
	wg.Wait()

	for _, c := range conns {
		updates := c.EventsOfType(t, types.EventWhiteboardUpdate)
		require.NotEmpty(t, updates, "every connection gets a snapshot")
		prev := -1
		for _, ev := range updates {
			wu := ev.(types.WhiteboardUpdate)
			assert.Greater(t, wu.Version, prev, "%s saw version %d after %d", c.UserID(), wu.Version, prev)
			assert.Len(t, wu.Content, wu.Version)
			prev = wu.Version
		}
		assert.Equal(t, edits, prev, "%s ends on the latest version", c.UserID())
	}
}

func TestHub_TabSwitchKeepsRosterInSyncWithRoom(t *testing.T) {
	f := newHubFixture(t)
	f.createSession(t, "r1", 0)

	current := testutil.NewFakeConn("r1", "alice")
	require.NoError(t, f.hub.Attach(current))

	for i := 0; i < 100; i++ {
		next := testutil.NewFakeConn("r1", "alice")
		var wg sync.WaitGroup
		wg.Add(2)
		go func(c *testutil.FakeConn) {
			defer wg.Done()
			f.hub.Detach(c)
		}(current)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.hub.Attach(next))
		}()
		wg.Wait()
		current = next

		require.True(t, f.registry.HasUser("r1", "alice"))
		snap, err := f.sessions.GetSession("r1")
		require.NoError(t, err)
		require.Equal(t, []string{"alice"}, snap.Participants, "iteration %d: a connected user must stay on the roster", i)
	}

	f.hub.Detach(current)
	snap, err := f.sessions.GetSession("r1")
	require.NoError(t, err)
	assert.Empty(t, snap.Participants)
}
