package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/scenerun/scenerun/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteSink mirrors audit events into an insert-only SQLite table for
// offline replay. Triggers reject updates and deletes.
type SQLiteSink struct {
	db   *sql.DB
	path string
}

// SQLiteConfig holds SQLite mirror configuration.
type SQLiteConfig struct {
	Path         string
	MaxOpenConns int
}

// NewSQLiteSink creates an unopened mirror.
func NewSQLiteSink(cfg SQLiteConfig) (*SQLiteSink, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteSink{path: cfg.Path}, nil
}

// OpenSQLiteSink creates, opens and migrates a mirror.
func OpenSQLiteSink(ctx context.Context, path string) (*SQLiteSink, error) {
	s, err := NewSQLiteSink(SQLiteConfig{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database in WAL mode.
func (s *SQLiteSink) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// One writer keeps inserts ordered and lets ":memory:" work.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteSink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded migrations.
func (s *SQLiteSink) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Insert implements Mirror.
func (s *SQLiteSink) Insert(ctx context.Context, e Event) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO audit_events (event_id, event_type, timestamp, trace_id, scene_ref, scene_version, run_mode, actor, payload, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var sceneRef sql.NullString
	if e.SceneRef != nil {
		sceneRef = sql.NullString{String: *e.SceneRef, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, query,
		e.EventID,
		string(e.EventType),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.TraceID,
		sceneRef,
		e.SceneVersion,
		e.RunMode,
		e.Actor,
		string(payload),
		e.Checksum,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// EventsByTrace returns the events of one run in insertion order.
func (s *SQLiteSink) EventsByTrace(ctx context.Context, traceID string) ([]Event, error) {
	query := `
		SELECT event_id, event_type, timestamp, trace_id, scene_ref, scene_version, run_mode, actor, payload, checksum
		FROM audit_events
		WHERE trace_id = ?
		ORDER BY seq
	`
	rows, err := s.db.QueryContext(ctx, query, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit events: %w", err)
	}
	return events, nil
}

// Count returns the number of mirrored events.
func (s *SQLiteSink) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return n, nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var (
		ev        Event
		eventType string
		ts        string
		sceneRef  sql.NullString
		payload   string
	)
	if err := rows.Scan(&ev.EventID, &eventType, &ts, &ev.TraceID, &sceneRef,
		&ev.SceneVersion, &ev.RunMode, &ev.Actor, &payload, &ev.Checksum); err != nil {
		return ev, fmt.Errorf("failed to scan audit event: %w", err)
	}
	ev.EventType = engine.AuditEventType(eventType)

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ev, fmt.Errorf("invalid timestamp for %s: %w", ev.EventID, err)
	}
	ev.Timestamp = parsed
	if sceneRef.Valid {
		ref := sceneRef.String
		ev.SceneRef = &ref
	}
	if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
		return ev, fmt.Errorf("invalid payload for %s: %w", ev.EventID, err)
	}
	return ev, nil
}
