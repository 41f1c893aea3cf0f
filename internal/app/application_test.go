package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabroom/internal/config"
	"collabroom/internal/testutil"
	"collabroom/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Database.Path = filepath.Join(t.TempDir(), "app.db")
	cfg.Log.Level = "error"
	return cfg
}

func TestApplication_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Port = -1

	application, err := NewApplication(cfg, io.Discard)
	assert.Error(t, err)
	assert.Nil(t, application)
}

func TestApplication_StartServeStop(t *testing.T) {
	application, err := NewApplication(testConfig(t), io.Discard)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, application.Start(ctx))
	base := "http://" + application.Addr()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	body, _ := json.Marshal(types.SessionSpec{RoomID: "r1", OwnerID: "prof"})
	resp, err = http.Post(base+"/api/sessions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	client := testutil.NewTestClient("r1", "alice", base)
	require.NoError(t, client.Connect(ctx))
	_, err = client.WaitFor(types.EventWhiteboardUpdate, 2*time.Second)
	require.NoError(t, err, "attach pushes the whiteboard snapshot")

	require.Eventually(t, func() bool {
		return application.Registry().HasUser("r1", "alice")
	}, time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, application.Stop(stopCtx))

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client was not disconnected on shutdown")
	}
	require.Eventually(t, func() bool {
		return len(application.Registry().ActiveRooms()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestApplication_WithoutRecorder(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Enabled = false

	application, err := NewApplication(cfg, io.Discard)
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() { _ = application.Stop(context.Background()) })

	resp, err := http.Get("http://" + application.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "disabled", health["recorder"])

	_, err = application.Sessions().CreateSession(context.Background(), types.SessionSpec{
		RoomID: "r1", OwnerID: "prof", RecordingEnabled: true,
	})
	assert.NoError(t, err, "recording requests run unrecorded when the recorder is off")
}

func TestApplication_StartTwiceFails(t *testing.T) {
	application, err := NewApplication(testConfig(t), io.Discard)
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() { _ = application.Stop(context.Background()) })

	assert.Error(t, application.Start(context.Background()))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&config.LogConfig{Env: "prod", Level: "info"}, &buf)
	logger.Debug("hidden")
	logger.Info("shown", "room_id", "r1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "r1", line["room_id"])
	assert.Equal(t, "collabroom", line["service"])

	buf.Reset()
	logger = NewLogger(&config.LogConfig{Env: "dev", Level: "debug"}, &buf)
	logger.Debug("visible")
	assert.Contains(t, buf.String(), "msg=visible")
}
