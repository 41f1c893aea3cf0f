package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	dbconfig "collabroom/pkg/database"
	"collabroom/pkg/interfaces"
	"collabroom/pkg/types"
)

// retryDelay is how long a write waits before its single retry on a busy database.
var retryDelay = 250 * time.Millisecond

// Manager is the SQLite session recorder. It implements interfaces.SessionRecorder.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *slog.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
}

var _ interfaces.SessionRecorder = (*Manager)(nil)

// writeOperation represents a database write operation
type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sql.DB) error
	result    chan error
}

// NewManager opens the database, applies the embedded migrations and starts the writer.
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(config.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// ARCHITECTURAL DISCOVERY: SQLite connection string carries busy timeout, WAL and FK enforcement
	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	migrations := dbconfig.NewMigrationManager(db, dbconfig.Migrations())
	if err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With("component", "recorder"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(op.ctx, m.db)
			if isBusy(err) {
				// FUNCTIONAL DISCOVERY: one retry covers checkpoint stalls; anything else is final
				m.logger.Warn("database busy, retrying write", "error", err)
				select {
				case <-time.After(retryDelay):
					err = op.operation(op.ctx, m.db)
				case <-op.ctx.Done():
					err = op.ctx.Err()
				}
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(context.Context, *sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("database manager is closed")
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.config.WriteTimeout)
	defer cancel()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-ctx.Done():
		return fmt.Errorf("write operation not queued: %w", ctx.Err())
	case <-m.shutdown:
		return fmt.Errorf("database manager is shutting down")
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return fmt.Errorf("database manager is shutting down")
	}
}

// RecordSession stores the metadata of a session opened with recording enabled.
func (m *Manager) RecordSession(ctx context.Context, info *types.SessionInfo) error {
	if info == nil {
		return errors.New("session info cannot be nil")
	}
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO collab_sessions (session_id, room_id, owner_id, max_participants, recording_enabled, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			info.SessionID,
			info.RoomID,
			info.OwnerID,
			info.MaxParticipants,
			info.RecordingEnabled,
			info.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

// RecordWhiteboardEntry stores one accepted whiteboard edit under its version.
func (m *Manager) RecordWhiteboardEntry(ctx context.Context, sessionID string, version int, entry types.WhiteboardEntry) error {
	// TECHNICAL DISCOVERY: JSON serialization keeps strokes opaque to the schema
	strokesJSON, err := json.Marshal(entry.Strokes)
	if err != nil {
		return fmt.Errorf("failed to marshal strokes: %w", err)
	}

	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO whiteboard_entries (session_id, version, user_id, strokes, created_at)
			VALUES (?, ?, ?, ?, ?)
		`,
			sessionID,
			version,
			entry.UserID,
			string(strokesJSON),
			entry.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to insert whiteboard entry: %w", err)
		}
		return nil
	})
}

// EndSession stamps the session's end time.
func (m *Manager) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE collab_sessions SET ended_at = ? WHERE session_id = ? AND ended_at IS NULL`,
			endedAt, sessionID)
		if err != nil {
			return fmt.Errorf("failed to end session: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return interfaces.ErrRecordingNotFound
		}
		return nil
	})
}

// RecordedSession returns the stored metadata and end time of a recording.
func (m *Manager) RecordedSession(ctx context.Context, sessionID string) (*types.SessionInfo, *time.Time, error) {
	var (
		info    types.SessionInfo
		endedAt sql.NullTime
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT session_id, room_id, owner_id, max_participants, recording_enabled, created_at, ended_at
		FROM collab_sessions
		WHERE session_id = ?
	`, sessionID).Scan(
		&info.SessionID,
		&info.RoomID,
		&info.OwnerID,
		&info.MaxParticipants,
		&info.RecordingEnabled,
		&info.CreatedAt,
		&endedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, interfaces.ErrRecordingNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query session: %w", err)
	}
	if endedAt.Valid {
		return &info, &endedAt.Time, nil
	}
	return &info, nil, nil
}

// WhiteboardHistory returns the recorded entries of a session ordered by version.
func (m *Manager) WhiteboardHistory(ctx context.Context, sessionID string) ([]types.WhiteboardEntry, error) {
	// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
	if _, _, err := m.RecordedSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT user_id, strokes, created_at
		FROM whiteboard_entries
		WHERE session_id = ?
		ORDER BY version ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query whiteboard history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []types.WhiteboardEntry{}
	for rows.Next() {
		var (
			entry       types.WhiteboardEntry
			strokesJSON string
		)
		if err := rows.Scan(&entry.UserID, &strokesJSON, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan whiteboard entry: %w", err)
		}
		if err := json.Unmarshal([]byte(strokesJSON), &entry.Strokes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal strokes: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating whiteboard rows: %w", err)
	}
	return entries, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM collab_sessions").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// applySQLiteOptimizations applies performance optimizations
func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
