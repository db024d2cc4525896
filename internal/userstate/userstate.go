// Package userstate tracks whether end users are reachable over the
// messaging transport. A user who has blocked the bot is marked unreachable
// so the rest of the system can stop trying; any later successful delivery
// clears the flag.
package userstate

import (
	"context"
	"database/sql"
	"fmt"
)

// Store is the user-state collaborator consumed by the reply orchestrator.
type Store interface {
	MarkUnreachable(ctx context.Context, userID int64) error
	ClearUnreachable(ctx context.Context, userID int64) error
	IsUnreachable(ctx context.Context, userID int64) (bool, error)
}

// SQLiteStore implements Store on a SQLite database, typically the same one
// backing the ticket store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore runs migrations on the given database and returns the store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS user_state (
			user_id     INTEGER PRIMARY KEY,
			unreachable INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("userstate: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) MarkUnreachable(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_state (user_id, unreachable) VALUES (?, 1)
		ON CONFLICT(user_id) DO UPDATE SET unreachable = 1
	`, userID)
	if err != nil {
		return fmt.Errorf("userstate: mark unreachable %d: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) ClearUnreachable(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_state (user_id, unreachable) VALUES (?, 0)
		ON CONFLICT(user_id) DO UPDATE SET unreachable = 0
	`, userID)
	if err != nil {
		return fmt.Errorf("userstate: clear unreachable %d: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) IsUnreachable(ctx context.Context, userID int64) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT unreachable FROM user_state WHERE user_id = ?`, userID).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("userstate: is unreachable %d: %w", userID, err)
	}
	return flag != 0, nil
}
