package interfaces

import (
	"context"
	"time"

	"collabroom/pkg/types"
)

// SessionRecorder archives sessions that were opened with recording enabled.
// Recorded data is never replayed to clients.
type SessionRecorder interface {
	RecordSession(ctx context.Context, info *types.SessionInfo) error

	// RecordWhiteboardEntry stores one accepted edit under the version it produced.
	RecordWhiteboardEntry(ctx context.Context, sessionID string, version int, entry types.WhiteboardEntry) error

	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error

	// WhiteboardHistory returns recorded entries ordered by version.
	WhiteboardHistory(ctx context.Context, sessionID string) ([]types.WhiteboardEntry, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
