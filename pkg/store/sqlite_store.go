package store

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

// ErrNotFound is returned when a registry row does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore is the plugin registry and event journal, backed by SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Open opens the registry database at path, enables WAL mode, and runs
// pending migrations.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time keeps SQLite happy; the daemon is the only
	// process touching the file.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// migrate runs database migrations from the embedded filesystem.
func (s *SQLiteStore) migrate() error {
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

// UpsertPlugin inserts or updates a plugin registry row.
func (s *SQLiteStore) UpsertPlugin(ctx context.Context, rec *PluginRecord) error {
	query := `
		INSERT INTO plugins (
			id, name, version, author, description, directory, shim_name,
			runtime, enabled, protected, settings, last_error, last_loaded_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			author = excluded.author,
			description = excluded.description,
			directory = excluded.directory,
			shim_name = excluded.shim_name,
			runtime = excluded.runtime,
			enabled = excluded.enabled,
			protected = excluded.protected,
			settings = excluded.settings,
			last_error = excluded.last_error,
			last_loaded_at = excluded.last_loaded_at,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Name,
		rec.Version,
		rec.Author,
		rec.Description,
		rec.Directory,
		rec.ShimName,
		rec.Runtime,
		rec.Enabled,
		rec.Protected,
		rec.Settings,
		rec.LastError,
		rec.LastLoadedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert plugin: %w", err)
	}

	return nil
}

// GetPlugin retrieves a plugin registry row by ID.
func (s *SQLiteStore) GetPlugin(ctx context.Context, id string) (*PluginRecord, error) {
	query := `
		SELECT id, name, version, author, description, directory, shim_name,
		       runtime, enabled, protected, settings, last_error, last_loaded_at,
		       created_at, updated_at
		FROM plugins
		WHERE id = ?
	`

	rec := &PluginRecord{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID,
		&rec.Name,
		&rec.Version,
		&rec.Author,
		&rec.Description,
		&rec.Directory,
		&rec.ShimName,
		&rec.Runtime,
		&rec.Enabled,
		&rec.Protected,
		&rec.Settings,
		&rec.LastError,
		&rec.LastLoadedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("plugin %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plugin: %w", err)
	}

	return rec, nil
}

// GetPluginByDirectory retrieves a plugin registry row by its bundle
// directory. Onboarding uses this to skip bundles that are already
// tracked.
func (s *SQLiteStore) GetPluginByDirectory(ctx context.Context, directory string) (*PluginRecord, error) {
	query := `
		SELECT id, name, version, author, description, directory, shim_name,
		       runtime, enabled, protected, settings, last_error, last_loaded_at,
		       created_at, updated_at
		FROM plugins
		WHERE directory = ?
	`

	rec := &PluginRecord{}
	err := s.db.QueryRowContext(ctx, query, directory).Scan(
		&rec.ID,
		&rec.Name,
		&rec.Version,
		&rec.Author,
		&rec.Description,
		&rec.Directory,
		&rec.ShimName,
		&rec.Runtime,
		&rec.Enabled,
		&rec.Protected,
		&rec.Settings,
		&rec.LastError,
		&rec.LastLoadedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("plugin in %s: %w", directory, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plugin by directory: %w", err)
	}

	return rec, nil
}

// ListPlugins lists all plugin registry rows ordered by name.
func (s *SQLiteStore) ListPlugins(ctx context.Context) ([]*PluginRecord, error) {
	query := `
		SELECT id, name, version, author, description, directory, shim_name,
		       runtime, enabled, protected, settings, last_error, last_loaded_at,
		       created_at, updated_at
		FROM plugins
		ORDER BY name ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plugins: %w", err)
	}
	defer rows.Close()

	records := []*PluginRecord{}
	for rows.Next() {
		rec := &PluginRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.Name,
			&rec.Version,
			&rec.Author,
			&rec.Description,
			&rec.Directory,
			&rec.ShimName,
			&rec.Runtime,
			&rec.Enabled,
			&rec.Protected,
			&rec.Settings,
			&rec.LastError,
			&rec.LastLoadedAt,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plugins: %w", err)
	}

	return records, nil
}

// SetPluginEnabled updates the enabled flag for a plugin.
func (s *SQLiteStore) SetPluginEnabled(ctx context.Context, id string, enabled bool) error {
	query := `UPDATE plugins SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, enabled, id)
	if err != nil {
		return fmt.Errorf("failed to update plugin state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("plugin %s: %w", id, ErrNotFound)
	}

	return nil
}

// SetPluginSettings replaces the stored settings document for a plugin.
func (s *SQLiteStore) SetPluginSettings(ctx context.Context, id, settings string) error {
	query := `UPDATE plugins SET settings = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, settings, id)
	if err != nil {
		return fmt.Errorf("failed to update plugin settings: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("plugin %s: %w", id, ErrNotFound)
	}

	return nil
}

// SetPluginError records a load or hook error against a plugin.
func (s *SQLiteStore) SetPluginError(ctx context.Context, id string, errMsg *string) error {
	query := `UPDATE plugins SET last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to update plugin error: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("plugin %s: %w", id, ErrNotFound)
	}

	return nil
}

// DeletePlugin removes a plugin registry row.
func (s *SQLiteStore) DeletePlugin(ctx context.Context, id string) error {
	query := `DELETE FROM plugins WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete plugin: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("plugin %s: %w", id, ErrNotFound)
	}

	return nil
}

// AppendEvent appends an event to the journal and fills in its ID.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO events (plugin_id, level, source, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.PluginID,
		event.Level,
		event.Source,
		event.Message,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// ListEvents retrieves journal events with optional filters, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, pluginID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, plugin_id, level, source, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR plugin_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, pluginID, pluginID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.PluginID,
			&event.Level,
			&event.Source,
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

// PruneEvents deletes journal events older than the cutoff and reports
// how many were removed.
func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM events WHERE timestamp < ?`

	result, err := s.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
