// Package store provides the persistence layer: suppression membership,
// mirror conversation refs, and the order log. SQLite is the default
// backend; Redis is available for multi-process deployments.
package store

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

// OrderRecord is one logged order with its payment link.
type OrderRecord struct {
	ID         string
	UserID     string
	Facility   string
	Recipient  string
	Total      int64
	PaymentURL string
	CreatedAt  time.Time
}

// SQLiteStore persists relay state in a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS suppressed_users (
		user_id     TEXT PRIMARY KEY,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS mirror_refs (
		user_id           TEXT PRIMARY KEY,
		conversation_ref  TEXT NOT NULL,
		created_at        DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS orders (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		facility     TEXT,
		recipient    TEXT,
		total        INTEGER NOT NULL DEFAULT 0,
		payment_url  TEXT,
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// --- suppress.Store ---

func (s *SQLiteStore) LoadSuppressed(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM suppressed_users`)
	if err != nil {
		return nil, fmt.Errorf("query suppressed: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) AddSuppressed(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO suppressed_users (user_id) VALUES (?)`, userID)
	return err
}

func (s *SQLiteStore) RemoveSuppressed(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM suppressed_users WHERE user_id = ?`, userID)
	return err
}

// --- mirror conversation refs ---

// MirrorRef returns the cached mirror conversation ref for a user, or ""
// when none exists.
func (s *SQLiteStore) MirrorRef(ctx context.Context, userID string) (string, error) {
	var ref string
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_ref FROM mirror_refs WHERE user_id = ?`, userID).Scan(&ref)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query mirror ref: %w", err)
	}
	return ref, nil
}

func (s *SQLiteStore) SaveMirrorRef(ctx context.Context, userID, ref string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mirror_refs (user_id, conversation_ref) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET conversation_ref = excluded.conversation_ref`,
		userID, ref)
	return err
}

// --- order log ---

func (s *SQLiteStore) SaveOrder(ctx context.Context, rec OrderRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, user_id, facility, recipient, total, payment_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Facility, rec.Recipient, rec.Total, rec.PaymentURL, rec.CreatedAt)
	return err
}

func (s *SQLiteStore) RecentOrders(ctx context.Context, limit int) ([]OrderRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, facility, recipient, total, payment_url, created_at
		 FROM orders ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var rec OrderRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Facility, &rec.Recipient,
			&rec.Total, &rec.PaymentURL, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
