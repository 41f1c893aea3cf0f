package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabroom/internal/metrics"
	fixtures "collabroom/internal/testutil"
	"collabroom/pkg/interfaces"
	"collabroom/pkg/types"
)

type dispatch struct {
	method  string
	roomID  string
	userID  string
	object  string
	action  string
	strokes int
	pose    types.SpatialPose
}

// fakeCoordinator records calls instead of holding state.
type fakeCoordinator struct {
	mu    sync.Mutex
	calls []dispatch
	err   error
}

func (f *fakeCoordinator) record(d dispatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, d)
	return nil
}

func (f *fakeCoordinator) CreateSession(context.Context, types.SessionSpec) (*types.SessionInfo, error) {
	return nil, nil
}
func (f *fakeCoordinator) EndSession(context.Context, string) error { return nil }
func (f *fakeCoordinator) GetSession(string) (*types.SessionSnapshot, error) {
	return nil, interfaces.ErrSessionNotFound
}
func (f *fakeCoordinator) ListSessions() []*types.SessionInfo        { return nil }
func (f *fakeCoordinator) AddParticipant(string, string) error       { return nil }
func (f *fakeCoordinator) RemoveParticipant(string, string) error    { return nil }
func (f *fakeCoordinator) Admit(interfaces.Connection) (bool, error) { return false, nil }
func (f *fakeCoordinator) Release(string, string) error              { return nil }
func (f *fakeCoordinator) WhiteboardSnapshot(string) (types.WhiteboardUpdate, error) {
	return types.WhiteboardUpdate{}, nil
}

func (f *fakeCoordinator) UpdateSpatialState(_ context.Context, roomID, userID string, pose types.SpatialPose) error {
	return f.record(dispatch{method: "spatial", roomID: roomID, userID: userID, pose: pose})
}

func (f *fakeCoordinator) HandleObjectInteraction(_ context.Context, roomID, userID, objectID, action string, _ json.RawMessage) error {
	return f.record(dispatch{method: "object", roomID: roomID, userID: userID, object: objectID, action: action})
}

func (f *fakeCoordinator) UpdateWhiteboard(_ context.Context, roomID, userID string, strokes []json.RawMessage) (int, error) {
	return 1, f.record(dispatch{method: "whiteboard", roomID: roomID, userID: userID, strokes: len(strokes)})
}

func TestRouter_DispatchesByType(t *testing.T) {
	coord := &fakeCoordinator{}
	r := NewRouter(coord, nil, nil, nil)
	conn := fixtures.NewFakeConn("r1", "alice")
	ctx := context.Background()

	require.NoError(t, r.RouteMessage(ctx, conn, []byte(`{"type":"spatial_update","position":{"x":1,"y":2,"z":3}}`)))
	require.NoError(t, r.RouteMessage(ctx, conn, []byte(`{"type":"object_interaction","object_id":"cube","action":"grab"}`)))
	require.NoError(t, r.RouteMessage(ctx, conn, []byte(`{"type":"whiteboard_update","strokes":["a","b"]}`)))

	require.Len(t, coord.calls, 3)
	assert.Equal(t, "spatial", coord.calls[0].method)
	assert.Equal(t, 3.0, coord.calls[0].pose.Position.Z)
	assert.Equal(t, "object", coord.calls[1].method)
	assert.Equal(t, "cube", coord.calls[1].object)
	assert.Equal(t, "grab", coord.calls[1].action)
	assert.Equal(t, "whiteboard", coord.calls[2].method)
	assert.Equal(t, 2, coord.calls[2].strokes)

	for _, c := range coord.calls {
		assert.Equal(t, "r1", c.roomID)
		assert.Equal(t, "alice", c.userID)
	}
}

func TestRouter_StampsSenderFromConnection(t *testing.T) {
	coord := &fakeCoordinator{}
	r := NewRouter(coord, nil, nil, nil)

	frame := `{"type":"object_interaction","object_id":"cube","action":"grab","user_id":"mallory"}`
	require.NoError(t, r.RouteMessage(context.Background(), fixtures.NewFakeConn("r1", "alice"), []byte(frame)))

	require.Len(t, coord.calls, 1)
	assert.Equal(t, "alice", coord.calls[0].userID)
}

func TestRouter_Rejects(t *testing.T) {
	coord := &fakeCoordinator{}
	m := metrics.New()
	r := NewRouter(coord, nil, nil, m)
	conn := fixtures.NewFakeConn("r1", "alice")

	tests := []struct {
		name    string
		frame   string
		wantErr error
	}{
		{"not json", `{{`, types.ErrMalformedEnvelope},
		{"presence spoof", `{"type":"user_left","user_id":"bob"}`, types.ErrInvalidEventType},
		{"unknown type", `{"type":"chat"}`, types.ErrInvalidEventType},
		{"empty strokes", `{"type":"whiteboard_update","strokes":[]}`, types.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.RouteMessage(context.Background(), conn, []byte(tt.frame))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Empty(t, coord.calls)
	assert.ErrorIs(t, r.RouteMessage(context.Background(), nil, []byte(`{}`)), ErrSenderNotConnected)
	assert.ErrorIs(t, r.RouteMessage(context.Background(), fixtures.NewAnonymousConn(), []byte(`{}`)), ErrSenderNotConnected)

	series, err := testutil.GatherAndCount(m.Registry(), "collabroom_rejected_events_total")
	require.NoError(t, err)
	assert.Equal(t, 3, series, "malformed, invalid_type and validation")
}

func TestRouter_CoordinatorErrorsPropagate(t *testing.T) {
	coord := &fakeCoordinator{err: interfaces.ErrSessionNotFound}
	r := NewRouter(coord, nil, nil, nil)

	err := r.RouteMessage(context.Background(), fixtures.NewFakeConn("r1", "alice"), []byte(`{"type":"whiteboard_update","strokes":["a"]}`))
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)
	assert.Equal(t, "no_session", rejectReason(err))
}

func TestRouter_RateLimitPerUser(t *testing.T) {
	coord := &fakeCoordinator{}
	r := NewRouter(coord, NewRateLimiter(3, time.Minute), nil, nil)
	alice := fixtures.NewFakeConn("r1", "alice")
	bob := fixtures.NewFakeConn("r1", "bob")
	frame := []byte(`{"type":"object_interaction","object_id":"cube","action":"poke"}`)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.RouteMessage(context.Background(), alice, frame))
	}
	assert.ErrorIs(t, r.RouteMessage(context.Background(), alice, frame), ErrRateLimitExceeded)
	assert.NoError(t, r.RouteMessage(context.Background(), bob, frame), "limits are per user")
	assert.Len(t, coord.calls, 4)

	// Invalid frames do not consume quota.
	assert.Error(t, r.RouteMessage(context.Background(), bob, []byte(`{"type":"nope"}`)))
	assert.NoError(t, r.RouteMessage(context.Background(), bob, frame))
}

func TestRateLimiter_Window(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("u"))
	assert.True(t, rl.Allow("u"))
	assert.False(t, rl.Allow("u"))

	now = now.Add(time.Minute)
	assert.True(t, rl.Allow("u"), "a new window resets the count")
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	assert.Equal(t, DefaultLimitPerMinute, rl.limit)
	assert.Equal(t, time.Minute, rl.window)

	for i := 0; i < DefaultLimitPerMinute; i++ {
		require.True(t, rl.Allow("u"))
	}
	assert.False(t, rl.Allow("u"))
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(10, time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("idle")
	now = now.Add(4 * time.Minute)
	rl.Allow("active")
	assert.Equal(t, 2, rl.Tracked())

	now = now.Add(2 * time.Minute)
	rl.Cleanup()
	assert.Equal(t, 1, rl.Tracked(), "only users idle for more than five windows are dropped")
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := NewRateLimiter(50, time.Minute)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if rl.Allow("shared") {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}
