// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"collabroom/pkg/types"
)

// ErrFakeSend is what a FakeConn returns once FailSends is set.
var ErrFakeSend = errors.New("fake send failure")

// FakeConn is an in-memory interfaces.Connection that records frames.
type FakeConn struct {
	id     string
	roomID string
	userID string

	mu        sync.Mutex
	frames    [][]byte
	failSends bool
	closed    bool
	anonymous bool
}

// NewFakeConn returns an authenticated fake connection with a fresh ID.
func NewFakeConn(roomID, userID string) *FakeConn {
	return &FakeConn{id: uuid.NewString(), roomID: roomID, userID: userID}
}

// NewAnonymousConn returns a fake connection that never authenticated.
func NewAnonymousConn() *FakeConn {
	return &FakeConn{id: uuid.NewString(), anonymous: true}
}

func (c *FakeConn) ID() string     { return c.id }
func (c *FakeConn) RoomID() string { return c.roomID }
func (c *FakeConn) UserID() string { return c.userID }

func (c *FakeConn) IsAuthenticated() bool { return !c.anonymous }

func (c *FakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSends || c.closed {
		return ErrFakeSend
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// FailSends makes every later Send fail.
func (c *FakeConn) FailSends() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSends = true
}

func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Frames returns a copy of the raw frames received so far.
func (c *FakeConn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

// Events decodes every received frame.
func (c *FakeConn) Events(t testing.TB) []types.Event {
	t.Helper()
	frames := c.Frames()
	events := make([]types.Event, 0, len(frames))
	for _, f := range frames {
		ev, err := types.DecodeEvent(f)
		if err != nil {
			t.Fatalf("fake conn %s received undecodable frame %s: %v", c.id, f, err)
		}
		events = append(events, ev)
	}
	return events
}

// EventsOfType decodes received frames and keeps those of type et.
func (c *FakeConn) EventsOfType(t testing.TB, et types.EventType) []types.Event {
	t.Helper()
	var out []types.Event
	for _, ev := range c.Events(t) {
		if ev.Type() == et {
			out = append(out, ev)
		}
	}
	return out
}

// Reset forgets received frames.
func (c *FakeConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}
