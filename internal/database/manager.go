// Package database implements the message and membership stores on SQLite.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"groupchat/internal/logging"
	dbconfig "groupchat/pkg/database"
	"groupchat/pkg/interfaces"
	"groupchat/pkg/types"
)

// busyRetryDelay is how long the writer waits before retrying a write that
// hit SQLITE_BUSY or SQLITE_LOCKED.
const busyRetryDelay = 100 * time.Millisecond

// Manager implements interfaces.DatabaseManager. Reads go straight to the
// connection pool; writes are serialized through a single writer goroutine.
type Manager struct {
	db       *sql.DB
	config   *dbconfig.Config
	logger   *zap.Logger
	writes   chan writeOperation
	shutdown chan struct{}
	stopped  chan struct{}
	wg       sync.WaitGroup
	closed   bool
	mu       sync.RWMutex
}

type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sql.DB) error
	result    chan error
}

var _ interfaces.DatabaseManager = (*Manager)(nil)

// NewManager opens the database, applies the embedded migrations and
// starts the writer.
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	logger = logging.OrNop(logger).Named("database")

	db, err := sql.Open("sqlite3", config.DSN())
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

	if err := dbconfig.NewMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	m := &Manager{
		db:       db,
		config:   config,
		logger:   logger,
		writes:   make(chan writeOperation, config.WriteQueueSize),
		shutdown: make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	m.wg.Add(1)
	go m.writeLoop()

	logger.Info("database ready", zap.String("path", config.DatabasePath))
	return m, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()
	defer close(m.stopped)

	for {
		select {
		case op := <-m.writes:
			op.result <- m.runWrite(op)
		case <-m.shutdown:
			// drain what was queued before Close so no caller is left waiting
			for {
				select {
				case op := <-m.writes:
					op.result <- m.runWrite(op)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) runWrite(op writeOperation) error {
	if err := op.ctx.Err(); err != nil {
		return err
	}
	err := op.operation(op.ctx, m.db)
	if err != nil && isBusy(err) {
		m.logger.Warn("database busy, retrying write", zap.Error(err))
		select {
		case <-time.After(busyRetryDelay):
		case <-op.ctx.Done():
			return op.ctx.Err()
		}
		err = op.operation(op.ctx, m.db)
	}
	if err != nil {
		m.logger.Error("database write failed", zap.Error(err))
	}
	return err
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func isConstraint(err error, ext sqlite3.ErrNoExtended) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == ext
}

// executeWrite queues a write and waits for the writer's result.
func (m *Manager) executeWrite(ctx context.Context, operation func(context.Context, *sql.DB) error) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return interfaces.ErrStoreClosed
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.WriteTimeout)
	defer cancel()

	op := writeOperation{ctx: ctx, operation: operation, result: make(chan error, 1)}
	select {
	case m.writes <- op:
	case <-ctx.Done():
		return fmt.Errorf("write not queued: %w", ctx.Err())
	case <-m.shutdown:
		return interfaces.ErrStoreClosed
	}

	select {
	case err := <-op.result:
		return err
	case <-m.stopped:
		select {
		case err := <-op.result:
			return err
		default:
			return interfaces.ErrStoreClosed
		}
	}
}

// StoreMessage persists a normal, system or alert message. Typing messages
// are rejected by the schema as well as here.
func (m *Manager) StoreMessage(ctx context.Context, message *types.ChatMessage) error {
	if !message.Persistent() {
		return fmt.Errorf("%w: %s messages are not stored", types.ErrInvalidKind, message.Kind)
	}

	var lat, lon sql.NullFloat64
	if message.Location != nil {
		lat = sql.NullFloat64{Float64: message.Location.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: message.Location.Longitude, Valid: true}
	}
	alertID := sql.NullString{String: message.AlertID, Valid: message.AlertID != ""}

	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO messages (id, group_id, sender_id, body, kind, alert_id, latitude, longitude, sent_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			message.ID,
			message.GroupID,
			message.SenderID,
			message.Body,
			message.Kind,
			alertID,
			lat,
			lon,
			message.SentAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
}

// GroupHistory returns up to limit messages sent before the given time,
// oldest first. A zero before means "now".
func (m *Manager) GroupHistory(ctx context.Context, groupID string, before time.Time, limit int) ([]*types.ChatMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	if before.IsZero() {
		before = time.Now().Add(time.Second)
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, group_id, sender_id, body, kind, alert_id, latitude, longitude, sent_at
		FROM messages
		WHERE group_id = ? AND sent_at < ?
		ORDER BY sent_at DESC, rowid DESC
		LIMIT ?`,
		groupID, before.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query group history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.ChatMessage
	for rows.Next() {
		var (
			msg      types.ChatMessage
			alertID  sql.NullString
			lat, lon sql.NullFloat64
		)
		if err := rows.Scan(
			&msg.ID,
			&msg.GroupID,
			&msg.SenderID,
			&msg.Body,
			&msg.Kind,
			&alertID,
			&lat,
			&lon,
			&msg.SentAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.AlertID = alertID.String
		if lat.Valid && lon.Valid {
			msg.Location = &types.Location{Latitude: lat.Float64, Longitude: lon.Float64}
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}

	return lo.Reverse(messages), nil
}

// CreateGroup registers a group. Returns interfaces.ErrGroupExists when the
// id is taken.
func (m *Manager) CreateGroup(ctx context.Context, group *types.Group) error {
	if !types.IsValidID(group.ID) || !types.IsValidID(group.EventID) {
		return types.ErrInvalidID
	}
	if group.CreatedAt.IsZero() {
		group.CreatedAt = time.Now().UTC()
	}

	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO groups (id, event_id, name, created_at) VALUES (?, ?, ?, ?)`,
			group.ID, group.EventID, group.Name, group.CreatedAt.UTC(),
		)
		if isConstraint(err, sqlite3.ErrConstraintPrimaryKey) {
			return interfaces.ErrGroupExists
		}
		if err != nil {
			return fmt.Errorf("failed to insert group: %w", err)
		}
		return nil
	})
}

// GetGroup returns interfaces.ErrGroupNotFound for unknown ids.
func (m *Manager) GetGroup(ctx context.Context, groupID string) (*types.Group, error) {
	var g types.Group
	err := m.db.QueryRowContext(ctx,
		`SELECT id, event_id, name, created_at FROM groups WHERE id = ?`, groupID,
	).Scan(&g.ID, &g.EventID, &g.Name, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query group: %w", err)
	}
	return &g, nil
}

// AddMember adds userID to the group. Adding an existing member is a
// no-op; adding beyond maxGroupSize returns interfaces.ErrGroupFull.
func (m *Manager) AddMember(ctx context.Context, groupID, userID string, maxGroupSize int) error {
	if !types.IsValidID(userID) {
		return types.ErrInvalidID
	}

	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var exists, already, count int
		err = tx.QueryRowContext(ctx, `
			SELECT
				(SELECT COUNT(*) FROM groups WHERE id = ?),
				(SELECT COUNT(*) FROM group_members WHERE group_id = ? AND user_id = ?),
				(SELECT COUNT(*) FROM group_members WHERE group_id = ?)`,
			groupID, groupID, userID, groupID,
		).Scan(&exists, &already, &count)
		if err != nil {
			return fmt.Errorf("failed to check group: %w", err)
		}
		switch {
		case exists == 0:
			return interfaces.ErrGroupNotFound
		case already > 0:
			return nil
		case maxGroupSize > 0 && count >= maxGroupSize:
			return interfaces.ErrGroupFull
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO group_members (group_id, user_id, joined_at) VALUES (?, ?, ?)`,
			groupID, userID, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("failed to insert member: %w", err)
		}
		return tx.Commit()
	})
}

// RemoveMember is a no-op when the user is not a member.
func (m *Manager) RemoveMember(ctx context.Context, groupID, userID string) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		if _, err := db.ExecContext(ctx,
			`DELETE FROM group_members WHERE group_id = ? AND user_id = ?`, groupID, userID,
		); err != nil {
			return fmt.Errorf("failed to delete member: %w", err)
		}
		return nil
	})
}

// IsMember reports false, without error, for unknown groups.
func (m *Manager) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM group_members WHERE group_id = ? AND user_id = ?`, groupID, userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query membership: %w", err)
	}
	return n > 0, nil
}

// ListMembers returns member ids in join order.
func (m *Manager) ListMembers(ctx context.Context, groupID string) ([]string, error) {
	return m.queryStrings(ctx,
		`SELECT user_id FROM group_members WHERE group_id = ? ORDER BY joined_at, user_id`, groupID)
}

// GroupsForEvent returns the ids of every group attached to eventID.
func (m *Manager) GroupsForEvent(ctx context.Context, eventID string) ([]string, error) {
	return m.queryStrings(ctx,
		`SELECT id FROM groups WHERE event_id = ? ORDER BY id`, eventID)
}

func (m *Manager) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// HealthCheck validates connectivity and that the schema is readable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return interfaces.ErrStoreClosed
	}

	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM groups").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close finishes queued writes and closes the database. Safe to call twice.
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
	m.logger.Info("database closed")
	return nil
}

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
