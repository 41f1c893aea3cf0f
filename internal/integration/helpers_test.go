package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collabroom/internal/app"
	"collabroom/internal/config"
	"collabroom/internal/testutil"
	"collabroom/pkg/types"
)

const eventTimeout = 2 * time.Second

// startServer runs the full application on an ephemeral port with a throwaway database.
func startServer(t *testing.T) (*app.Application, string) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Database.Path = filepath.Join(t.TempDir(), "integration.db")
	cfg.Log.Level = "error"

	application, err := app.NewApplication(cfg, io.Discard)
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return application, "http://" + application.Addr()
}

func createSession(t *testing.T, baseURL string, spec types.SessionSpec) types.SessionInfo {
	t.Helper()
	body, err := json.Marshal(spec)
	require.NoError(t, err)
	resp, err := http.Post(baseURL+"/api/sessions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var info types.SessionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	return info
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

// connect dials a client and waits until the registry lists its user.
func connect(t *testing.T, application *app.Application, baseURL, roomID, userID string) *testutil.TestClient {
	t.Helper()
	client := testutil.NewTestClient(roomID, userID, baseURL)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })

	require.Eventually(t, func() bool {
		return application.Registry().HasUser(roomID, userID)
	}, eventTimeout, 10*time.Millisecond)
	return client
}

func waitWhiteboard(t *testing.T, client *testutil.TestClient, version int) types.WhiteboardUpdate {
	t.Helper()
	deadline := time.Now().Add(eventTimeout)
	for time.Now().Before(deadline) {
		ev, err := client.WaitFor(types.EventWhiteboardUpdate, time.Until(deadline))
		require.NoError(t, err, "%s waiting for whiteboard v%d", client.UserID, version)
		update := ev.(types.WhiteboardUpdate)
		if update.Version == version {
			return update
		}
	}
	t.Fatalf("%s never saw whiteboard v%d", client.UserID, version)
	return types.WhiteboardUpdate{}
}

func waitUserLeft(t *testing.T, client *testutil.TestClient, userID string) types.UserLeft {
	t.Helper()
	deadline := time.Now().Add(eventTimeout)
	for time.Now().Before(deadline) {
		ev, err := client.WaitFor(types.EventUserLeft, time.Until(deadline))
		require.NoError(t, err, "%s waiting for user_left of %s", client.UserID, userID)
		left := ev.(types.UserLeft)
		if left.UserID == userID {
			return left
		}
	}
	t.Fatalf("%s never saw %s leave", client.UserID, userID)
	return types.UserLeft{}
}
