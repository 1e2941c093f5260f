// ABOUTME: SQLite implementation of the session Persistence contract using modernc.org/sqlite
// ABOUTME: Provides durable session bindings with automatic schema creation

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"database/sql"

	"github.com/2389/mux-gateway/internal/authbind"
)

// SQLiteStore implements the Persistence interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite persistence at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id               TEXT PRIMARY KEY,
			state            TEXT NOT NULL,
			servers_json     TEXT NOT NULL,
			credentials_json TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// SaveSession durably stores a session binding. The caller must not make the
// session visible until this returns nil.
func (s *SQLiteStore) SaveSession(ctx context.Context, b *Binding) error {
	serversJSON, err := json.Marshal(b.Providers)
	if err != nil {
		return fmt.Errorf("marshaling providers: %w", err)
	}
	credentialsJSON, err := json.Marshal(b.Credentials)
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}

	query := `
		INSERT INTO sessions (id, state, servers_json, credentials_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		b.ID,
		b.State,
		string(serversJSON),
		string(credentialsJSON),
		b.CreatedAt.UTC().Format(time.RFC3339),
		b.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("saved session", "id", b.ID)
	return nil
}

// LoadSessions returns all persisted ready sessions. A corrupt row is logged
// and skipped, never fatal.
func (s *SQLiteStore) LoadSessions(ctx context.Context) ([]*Binding, error) {
	query := `
		SELECT id, state, servers_json, credentials_json, created_at, updated_at
		FROM sessions
		WHERE state = ?
		ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query, StateReady)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var bindings []*Binding
	for rows.Next() {
		var (
			b                            Binding
			serversJSON, credentialsJSON string
			createdAtStr, updatedAtStr   string
		)
		if err := rows.Scan(&b.ID, &b.State, &serversJSON, &credentialsJSON, &createdAtStr, &updatedAtStr); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}

		if err := json.Unmarshal([]byte(serversJSON), &b.Providers); err != nil {
			s.logger.Warn("skipping corrupt session record", "id", b.ID, "error", err)
			continue
		}
		if err := json.Unmarshal([]byte(credentialsJSON), &b.Credentials); err != nil {
			s.logger.Warn("skipping corrupt session record", "id", b.ID, "error", err)
			continue
		}
		if b.Credentials == nil {
			b.Credentials = make(map[string]authbind.Credential)
		}

		b.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			s.logger.Warn("skipping session with bad created_at", "id", b.ID, "error", err)
			continue
		}
		b.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
		if err != nil {
			s.logger.Warn("skipping session with bad updated_at", "id", b.ID, "error", err)
			continue
		}

		bindings = append(bindings, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}

	return bindings, nil
}

// DeleteSession removes a persisted session. Deleting an absent row succeeds.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
