package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
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

// UpsertDevice inserts or replaces a device record by id.
func (s *SQLiteStore) UpsertDevice(ctx context.Context, rec *DeviceRecord) error {
	query := `
		INSERT INTO devices (id, name, address, capabilities, resources, health, consecutive_failures, last_seen, registered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			capabilities = excluded.capabilities,
			resources = excluded.resources,
			health = excluded.health,
			consecutive_failures = excluded.consecutive_failures,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Name,
		rec.Address,
		rec.Capabilities,
		rec.Resources,
		rec.Health,
		rec.ConsecutiveFailures,
		rec.LastSeen,
		rec.RegisteredAt,
		rec.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}

	return nil
}

// GetDevice retrieves a device by ID
func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*DeviceRecord, error) {
	query := `
		SELECT id, name, address, capabilities, resources, health, consecutive_failures, last_seen, registered_at, updated_at
		FROM devices
		WHERE id = ?
	`

	rec := &DeviceRecord{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID,
		&rec.Name,
		&rec.Address,
		&rec.Capabilities,
		&rec.Resources,
		&rec.Health,
		&rec.ConsecutiveFailures,
		&rec.LastSeen,
		&rec.RegisteredAt,
		&rec.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	return rec, nil
}

// ListDevices lists devices with pagination
func (s *SQLiteStore) ListDevices(ctx context.Context, limit, offset int) ([]*DeviceRecord, error) {
	query := `
		SELECT id, name, address, capabilities, resources, health, consecutive_failures, last_seen, registered_at, updated_at
		FROM devices
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	devices := []*DeviceRecord{}
	for rows.Next() {
		rec := &DeviceRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.Name,
			&rec.Address,
			&rec.Capabilities,
			&rec.Resources,
			&rec.Health,
			&rec.ConsecutiveFailures,
			&rec.LastSeen,
			&rec.RegisteredAt,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}

	return devices, nil
}

// DeleteDevice deletes a device by ID; absent ids are a no-op.
func (s *SQLiteStore) DeleteDevice(ctx context.Context, id string) error {
	query := `DELETE FROM devices WHERE id = ?`

	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	return nil
}

// UpsertModule inserts or replaces a module record by id.
func (s *SQLiteStore) UpsertModule(ctx context.Context, rec *ModuleRecord) error {
	query := `
		INSERT INTO modules (id, name, required_capabilities, resource_thresholds, artifact_uri, artifact_sha256, artifact_size_bytes, exports, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			required_capabilities = excluded.required_capabilities,
			resource_thresholds = excluded.resource_thresholds,
			artifact_uri = excluded.artifact_uri,
			artifact_sha256 = excluded.artifact_sha256,
			artifact_size_bytes = excluded.artifact_size_bytes,
			exports = excluded.exports,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Name,
		rec.RequiredCapabilities,
		rec.ResourceThresholds,
		rec.ArtifactURI,
		rec.ArtifactSHA256,
		rec.ArtifactSizeBytes,
		rec.Exports,
		rec.CreatedAt,
		rec.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert module: %w", err)
	}

	return nil
}

// GetModule retrieves a module by ID
func (s *SQLiteStore) GetModule(ctx context.Context, id string) (*ModuleRecord, error) {
	query := `
		SELECT id, name, required_capabilities, resource_thresholds, artifact_uri, artifact_sha256, artifact_size_bytes, exports, created_at, updated_at
		FROM modules
		WHERE id = ?
	`

	rec := &ModuleRecord{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID,
		&rec.Name,
		&rec.RequiredCapabilities,
		&rec.ResourceThresholds,
		&rec.ArtifactURI,
		&rec.ArtifactSHA256,
		&rec.ArtifactSizeBytes,
		&rec.Exports,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("module %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get module: %w", err)
	}

	return rec, nil
}

// ListModules lists modules with pagination
func (s *SQLiteStore) ListModules(ctx context.Context, limit, offset int) ([]*ModuleRecord, error) {
	query := `
		SELECT id, name, required_capabilities, resource_thresholds, artifact_uri, artifact_sha256, artifact_size_bytes, exports, created_at, updated_at
		FROM modules
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	defer rows.Close()

	modules := []*ModuleRecord{}
	for rows.Next() {
		rec := &ModuleRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.Name,
			&rec.RequiredCapabilities,
			&rec.ResourceThresholds,
			&rec.ArtifactURI,
			&rec.ArtifactSHA256,
			&rec.ArtifactSizeBytes,
			&rec.Exports,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan module: %w", err)
		}
		modules = append(modules, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating modules: %w", err)
	}

	return modules, nil
}

// DeleteModule deletes a module by ID
func (s *SQLiteStore) DeleteModule(ctx context.Context, id string) error {
	query := `DELETE FROM modules WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete module: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("module %s: %w", id, ErrNotFound)
	}

	return nil
}

// UpsertDeployment inserts or replaces a deployment record by id.
func (s *SQLiteStore) UpsertDeployment(ctx context.Context, rec *DeploymentRecord) error {
	query := `
		INSERT INTO deployments (id, state, reason, request, placements, excluded, attempts, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			placements = excluded.placements,
			excluded = excluded.excluded,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.State,
		rec.Reason,
		rec.Request,
		rec.Placements,
		rec.Excluded,
		rec.Attempts,
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert deployment: %w", err)
	}

	return nil
}

// GetDeployment retrieves a deployment by ID
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*DeploymentRecord, error) {
	query := `
		SELECT id, state, reason, request, placements, excluded, attempts, created_at, updated_at, completed_at
		FROM deployments
		WHERE id = ?
	`

	rec := &DeploymentRecord{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID,
		&rec.State,
		&rec.Reason,
		&rec.Request,
		&rec.Placements,
		&rec.Excluded,
		&rec.Attempts,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.CompletedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}

	return rec, nil
}

// ListDeployments lists deployments with pagination
func (s *SQLiteStore) ListDeployments(ctx context.Context, limit, offset int) ([]*DeploymentRecord, error) {
	query := `
		SELECT id, state, reason, request, placements, excluded, attempts, created_at, updated_at, completed_at
		FROM deployments
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	deployments := []*DeploymentRecord{}
	for rows.Next() {
		rec := &DeploymentRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.State,
			&rec.Reason,
			&rec.Request,
			&rec.Placements,
			&rec.Excluded,
			&rec.Attempts,
			&rec.CreatedAt,
			&rec.UpdatedAt,
			&rec.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		deployments = append(deployments, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}

	return deployments, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (deployment_id, device_id, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.DeploymentID,
		event.DeviceID,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event id: %w", err)
	}
	event.ID = id

	return nil
}

// GetEvents retrieves events with optional filters
func (s *SQLiteStore) GetEvents(ctx context.Context, deploymentID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, deployment_id, device_id, level, message, details, timestamp
		FROM events
		WHERE 1=1
	`
	args := []interface{}{}

	if deploymentID != nil {
		query += " AND deployment_id = ?"
		args = append(args, *deploymentID)
	}
	if level != nil {
		query += " AND level = ?"
		args = append(args, *level)
	}

	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.DeploymentID,
			&event.DeviceID,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database is reachable
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
