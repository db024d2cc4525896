package ticket

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is RFC 3339 with fixed-width nanoseconds. Timestamps are
// stored in UTC with this layout so the lexicographic comparisons SQLite
// does on the TEXT column match chronological order exactly.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ticket store: open: %w", err)
	}

	// Enable WAL mode for better concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("ticket store: wal: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tickets (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			number             TEXT NOT NULL UNIQUE,
			user_id            INTEGER NOT NULL,
			text               TEXT NOT NULL,
			photo_ref          TEXT NOT NULL DEFAULT '',
			status             TEXT NOT NULL DEFAULT 'open',
			channel_message_id INTEGER NOT NULL DEFAULT 0,
			replied_by         INTEGER NOT NULL DEFAULT 0,
			replied_at         TEXT,
			reply_text         TEXT NOT NULL DEFAULT '',
			created_at         TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
		CREATE INDEX IF NOT EXISTS idx_tickets_user ON tickets(user_id);
	`)
	if err != nil {
		return fmt.Errorf("ticket store: migrate: %w", err)
	}
	return nil
}

// Create inserts a new open ticket, generating a unique human-facing number.
// Collisions on the random number are retried a few times before giving up.
func (s *SQLiteStore) Create(ctx context.Context, t *Ticket) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.Status = StatusOpen

	for attempt := 0; attempt < 5; attempt++ {
		number, err := generateNumber()
		if err != nil {
			return fmt.Errorf("ticket store: create: %w", err)
		}

		res, err := s.db.ExecContext(ctx, `
			INSERT INTO tickets (number, user_id, text, photo_ref, status, created_at)
			VALUES (?, ?, ?, ?, 'open', ?)
			ON CONFLICT(number) DO NOTHING
		`, number, t.UserID, t.Text, t.PhotoRef, t.CreatedAt.UTC().Format(timeLayout))
		if err != nil {
			return fmt.Errorf("ticket store: create: %w", err)
		}

		n, _ := res.RowsAffected()
		if n == 0 {
			continue // number collision, try another
		}

		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("ticket store: create: %w", err)
		}
		t.ID = id
		t.Number = number
		return nil
	}
	return fmt.Errorf("ticket store: create: could not generate a unique ticket number")
}

const selectColumns = `id, number, user_id, text, photo_ref, status, channel_message_id, replied_by, replied_at, reply_text, created_at`

func (s *SQLiteStore) FindByCode(ctx context.Context, number string) (*Ticket, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM tickets WHERE number = ?`, number)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ticket store: find by code: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) FindByID(ctx context.Context, id int64) (*Ticket, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ticket store: find by id: %w", err)
	}
	return t, nil
}

// MarkReplied is a conditional update: it only fires while the ticket is
// still open, which keeps the open → replied transition safe under
// concurrent callers without a separate read.
func (s *SQLiteStore) MarkReplied(ctx context.Context, id, operatorID int64, text string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets
		SET status = 'replied', replied_by = ?, replied_at = ?, reply_text = ?
		WHERE id = ? AND status = 'open'
	`, operatorID, time.Now().UTC().Format(timeLayout), text, id)
	if err != nil {
		return false, fmt.Errorf("ticket store: mark replied: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) Close(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tickets SET status = 'closed' WHERE id = ? AND status = 'open'
	`, id)
	if err != nil {
		return false, fmt.Errorf("ticket store: close: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) SetChannelMessage(ctx context.Context, id, messageID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tickets SET channel_message_id = ? WHERE id = ?`, messageID, id)
	if err != nil {
		return fmt.Errorf("ticket store: set channel message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListOpen(ctx context.Context) ([]*Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM tickets
		WHERE status = 'open'
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("ticket store: list open: %w", err)
	}
	return collectTickets(rows)
}

func (s *SQLiteStore) ListOpenBefore(ctx context.Context, cutoff time.Time) ([]*Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM tickets
		WHERE status = 'open' AND created_at < ?
		ORDER BY created_at ASC
	`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("ticket store: list open before: %w", err)
	}
	return collectTickets(rows)
}

func collectTickets(rows *sql.Rows) ([]*Ticket, error) {
	defer rows.Close()

	var tickets []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket store: scan: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *SQLiteStore) CountOpen(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tickets WHERE status = 'open'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ticket store: count open: %w", err)
	}
	return count, nil
}

// DB returns the underlying database connection. The user-state store shares
// it, and tests reach it for cleanup.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// --- helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanTicket(row scanner) (*Ticket, error) {
	var t Ticket
	var status, createdAt string
	var repliedAt sql.NullString

	err := row.Scan(&t.ID, &t.Number, &t.UserID, &t.Text, &t.PhotoRef, &status,
		&t.ChannelMessageID, &t.RepliedBy, &repliedAt, &t.ReplyText, &createdAt)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		t.CreatedAt = ts
	}
	if repliedAt.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, repliedAt.String); err == nil {
			t.RepliedAt = &ts
		}
	}
	return &t, nil
}

const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// generateNumber produces a human-facing ticket code: three letters followed
// by three digits, e.g. "KQZ482".
func generateNumber() (string, error) {
	buf := make([]byte, 6)
	for i := 0; i < 3; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		if err != nil {
			return "", fmt.Errorf("generate number: %w", err)
		}
		buf[i] = letters[n.Int64()]
	}
	for i := 3; i < 6; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("generate number: %w", err)
		}
		buf[i] = byte('0' + n.Int64())
	}
	return string(buf), nil
}
