// ABOUTME: SQLite persistence for registered agent cards using modernc.org/sqlite
// ABOUTME: Lets the agent registry survive restarts; conversations stay in memory

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

	"github.com/2389/conclave/internal/a2a"
)

// StoredCard is a persisted registration.
type StoredCard struct {
	URL  string
	Card a2a.AgentCard
}

// SQLiteCardStore persists agent registrations.
type SQLiteCardStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteCardStore opens (or creates) the card database at path.
// Parent directories are created if needed.
func NewSQLiteCardStore(path string) (*SQLiteCardStore, error) {
	logger := slog.Default().With("component", "card_store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteCardStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("card store initialized", "path", path)
	return s, nil
}

func (s *SQLiteCardStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agent_cards (
			url TEXT PRIMARY KEY,
			card TEXT NOT NULL,
			registered_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveCard inserts or replaces the card registered under url.
func (s *SQLiteCardStore) SaveCard(ctx context.Context, url string, card a2a.AgentCard) error {
	data, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("encoding card: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_cards (url, card, registered_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET card = excluded.card, updated_at = excluded.updated_at
	`, url, string(data), now, now)
	if err != nil {
		return fmt.Errorf("saving card %s: %w", url, err)
	}
	return nil
}

// DeleteCard removes a registration. Deleting an unknown url is not an error.
func (s *SQLiteCardStore) DeleteCard(ctx context.Context, url string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_cards WHERE url = ?`, url); err != nil {
		return fmt.Errorf("deleting card %s: %w", url, err)
	}
	return nil
}

// ListCards returns all stored registrations, oldest first.
func (s *SQLiteCardStore) ListCards(ctx context.Context) ([]StoredCard, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url, card FROM agent_cards ORDER BY registered_at, url`)
	if err != nil {
		return nil, fmt.Errorf("querying cards: %w", err)
	}
	defer rows.Close()

	var out []StoredCard
	for rows.Next() {
		var url, data string
		if err := rows.Scan(&url, &data); err != nil {
			return nil, fmt.Errorf("scanning card: %w", err)
		}
		var card a2a.AgentCard
		if err := json.Unmarshal([]byte(data), &card); err != nil {
			s.logger.Warn("skipping undecodable card", "url", url, "error", err)
			continue
		}
		out = append(out, StoredCard{URL: url, Card: card})
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteCardStore) Close() error {
	return s.db.Close()
}
