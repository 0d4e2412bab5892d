// ABOUTME: SQLite snapshot backend for contact mappings using modernc.org/sqlite
// ABOUTME: Each save replaces the table contents inside one transaction

package mapping

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSnapshot stores mappings in a contact_mappings table.
type SQLiteSnapshot struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteSnapshot opens (or creates) the database at path. ":memory:" is
// accepted for tests.
func NewSQLiteSnapshot(path string) (*SQLiteSnapshot, error) {
	logger := slog.Default().With("component", "mapping.sqlite")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	s := &SQLiteSnapshot{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite mapping snapshot initialized", "path", path)
	return s, nil
}

func (s *SQLiteSnapshot) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS contact_mappings (
			contact_id      TEXT PRIMARY KEY,
			contact_kind    TEXT NOT NULL DEFAULT '',
			user_id         TEXT NOT NULL UNIQUE,
			agent_id        TEXT NOT NULL,
			encrypted_token TEXT NOT NULL,
			paired_at       TEXT NOT NULL,
			last_active_at  TEXT NOT NULL
		);
	`)
	return err
}

// Load returns every stored mapping.
func (s *SQLiteSnapshot) Load(ctx context.Context) ([]Mapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT contact_id, contact_kind, user_id, agent_id, encrypted_token, paired_at, last_active_at
		FROM contact_mappings
		ORDER BY paired_at
	`)
	if err != nil {
		return nil, fmt.Errorf("querying mappings: %w", err)
	}
	defer rows.Close()

	var mappings []Mapping
	for rows.Next() {
		var m Mapping
		var pairedAt, lastActiveAt string
		if err := rows.Scan(&m.ContactID, &m.ContactKind, &m.UserID, &m.AgentID, &m.EncryptedToken, &pairedAt, &lastActiveAt); err != nil {
			return nil, fmt.Errorf("scanning mapping: %w", err)
		}
		m.PairedAt = s.parseTime(m.ContactID, "paired_at", pairedAt)
		m.LastActiveAt = s.parseTime(m.ContactID, "last_active_at", lastActiveAt)
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating mappings: %w", err)
	}
	return mappings, nil
}

// Save replaces the table contents with mappings.
func (s *SQLiteSnapshot) Save(ctx context.Context, mappings []Mapping) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM contact_mappings`); err != nil {
		return fmt.Errorf("clearing mappings: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO contact_mappings (contact_id, contact_kind, user_id, agent_id, encrypted_token, paired_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range mappings {
		if _, err := stmt.ExecContext(ctx,
			m.ContactID,
			m.ContactKind,
			m.UserID,
			m.AgentID,
			m.EncryptedToken,
			m.PairedAt.UTC().Format(time.RFC3339Nano),
			m.LastActiveAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("inserting mapping %s: %w", m.ContactID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing mappings: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteSnapshot) Close() error {
	return s.db.Close()
}

func (s *SQLiteSnapshot) parseTime(contactID, column, value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		s.logger.Warn("failed to parse mapping timestamp", "contact", contactID, "column", column, "error", err)
		return time.Time{}
	}
	return parsed
}
