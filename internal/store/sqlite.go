// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides profile/pointer/transcript persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// currentAgentKey is the settings row holding the current-agent pointer.
const currentAgentKey = "current_agent_id"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
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

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
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
		CREATE TABLE IF NOT EXISTS profiles (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			capabilities TEXT NOT NULL,
			behavior     TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS transcript_messages (
			id           TEXT PRIMARY KEY,
			agent_id     TEXT NOT NULL,
			role         TEXT NOT NULL,
			text         TEXT NOT NULL,
			attachments  TEXT,
			capabilities TEXT,
			behavior     TEXT,
			created_at   TEXT NOT NULL,

			CHECK (role IN ('user', 'agent'))
		);

		CREATE INDEX IF NOT EXISTS idx_transcript_agent
			ON transcript_messages(agent_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveProfile inserts or replaces a profile record
func (s *SQLiteStore) SaveProfile(ctx context.Context, profile *Profile) error {
	caps, err := json.Marshal(profile.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}

	query := `
		INSERT INTO profiles (id, name, capabilities, behavior, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			capabilities = excluded.capabilities,
			behavior = excluded.behavior,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		profile.ID,
		profile.Name,
		string(caps),
		profile.Behavior,
		profile.CreatedAt.Format(time.RFC3339),
		profile.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving profile: %w", err)
	}

	s.logger.Debug("profile saved", "profile_id", profile.ID, "name", profile.Name)
	return nil
}

// GetProfile retrieves a single profile by ID
func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	query := `
		SELECT id, name, capabilities, behavior, created_at, updated_at
		FROM profiles
		WHERE id = ?
	`
	row := s.db.QueryRowContext(ctx, query, id)
	profile, err := s.scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting profile: %w", err)
	}
	return profile, nil
}

// ListProfiles returns all profiles ordered by creation time
func (s *SQLiteStore) ListProfiles(ctx context.Context) ([]*Profile, error) {
	query := `
		SELECT id, name, capabilities, behavior, created_at, updated_at
		FROM profiles
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*Profile
	for rows.Next() {
		profile, err := s.scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	return profiles, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for scanProfile
type scanner interface {
	Scan(dest ...any) error
}

// scanProfile reads one profile row. Malformed capability or timestamp
// columns degrade to defaults rather than failing the load.
func (s *SQLiteStore) scanProfile(row scanner) (*Profile, error) {
	var p Profile
	var caps, createdAt, updatedAt string

	if err := row.Scan(&p.ID, &p.Name, &caps, &p.Behavior, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(caps), &p.Capabilities); err != nil {
		s.logger.Warn("malformed capability record, using defaults",
			"profile_id", p.ID, "error", err)
		p.Capabilities = DefaultCapabilities()
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

// DeleteProfile removes a profile and retargets the current pointer in one
// transaction, so a reload never observes a pointer to a missing profile.
func (s *SQLiteStore) DeleteProfile(ctx context.Context, id, nextCurrentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting profile: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}

	if nextCurrentID == "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, currentAgentKey); err != nil {
			return fmt.Errorf("clearing current pointer: %w", err)
		}
	} else {
		if err := setSetting(ctx, tx, currentAgentKey, nextCurrentID); err != nil {
			return fmt.Errorf("retargeting current pointer: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	s.logger.Debug("profile deleted", "profile_id", id, "next_current", nextCurrentID)
	return nil
}

// SetCurrentAgent persists the current-agent pointer
func (s *SQLiteStore) SetCurrentAgent(ctx context.Context, id string) error {
	if err := setSetting(ctx, s.db, currentAgentKey, id); err != nil {
		return fmt.Errorf("setting current agent: %w", err)
	}
	return nil
}

// GetCurrentAgent returns the persisted current-agent pointer.
// Returns ErrNoCurrentAgent if the pointer is unset.
func (s *SQLiteStore) GetCurrentAgent(ctx context.Context) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, currentAgentKey).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNoCurrentAgent
	}
	if err != nil {
		return "", fmt.Errorf("getting current agent: %w", err)
	}
	if value == "" {
		return "", ErrNoCurrentAgent
	}
	return value, nil
}

// execer abstracts *sql.DB and *sql.Tx for setSetting
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setSetting(ctx context.Context, db execer, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// AppendMessage persists a transcript message for its agent id
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("encoding attachments: %w", err)
	}
	caps, err := json.Marshal(msg.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capability snapshot: %w", err)
	}

	query := `
		INSERT INTO transcript_messages
			(id, agent_id, role, text, attachments, capabilities, behavior, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		msg.ID,
		msg.AgentID,
		string(msg.Role),
		msg.Text,
		string(attachments),
		string(caps),
		msg.Behavior,
		msg.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}

	s.logger.Debug("message appended",
		"message_id", msg.ID,
		"agent_id", msg.AgentID,
		"role", msg.Role,
	)
	return nil
}

// UpdateMessageText replaces the text of an existing message in place.
// Used only for the streaming-delta merge on the transcript tail.
func (s *SQLiteStore) UpdateMessageText(ctx context.Context, id, text string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transcript_messages SET text = ? WHERE id = ?`, text, id)
	if err != nil {
		return fmt.Errorf("updating message text: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTranscript returns all messages for an agent in insert order
func (s *SQLiteStore) GetTranscript(ctx context.Context, agentID string) ([]*Message, error) {
	query := `
		SELECT id, role, text, attachments, capabilities, behavior, created_at
		FROM transcript_messages
		WHERE agent_id = ?
		ORDER BY rowid
	`
	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("getting transcript: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{AgentID: agentID}
		var attachments, caps, behavior sql.NullString
		var role, createdAt string

		if err := rows.Scan(&msg.ID, &role, &msg.Text, &attachments, &caps, &behavior, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Role = Role(role)
		msg.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if behavior.Valid {
			msg.Behavior = behavior.String
		}
		if attachments.Valid && attachments.String != "" {
			if err := json.Unmarshal([]byte(attachments.String), &msg.Attachments); err != nil {
				s.logger.Warn("malformed attachment record, dropping attachments",
					"message_id", msg.ID, "error", err)
				msg.Attachments = nil
			}
		}
		if caps.Valid && caps.String != "" {
			if err := json.Unmarshal([]byte(caps.String), &msg.Capabilities); err != nil {
				s.logger.Warn("malformed capability snapshot, dropping snapshot",
					"message_id", msg.ID, "error", err)
				msg.Capabilities = nil
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ClearTranscript removes all messages for an agent id
func (s *SQLiteStore) ClearTranscript(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM transcript_messages WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("clearing transcript: %w", err)
	}
	s.logger.Debug("transcript cleared", "agent_id", agentID)
	return nil
}

// Wipe removes all durable state. Used by the reset route before re-bootstrap.
func (s *SQLiteStore) Wipe(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"transcript_messages", "profiles", "settings"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("wiping %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing wipe: %w", err)
	}

	s.logger.Info("durable state wiped")
	return nil
}
