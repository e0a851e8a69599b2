// Package sqlite stores users, conversation turns and reminder state in a
// local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/stellarlinkco/milabot/internal/profile"
	"github.com/stellarlinkco/milabot/internal/reminder"

	_ "modernc.org/sqlite"
)

// Store implements reminder.Store plus the user and history operations the
// gateway needs. Timestamps are stored as unix milliseconds.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: writers serialize anyway and :memory: stays shared.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			first_name TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			last_active_at INTEGER NOT NULL,
			unreachable_reason TEXT NOT NULL DEFAULT '',
			unreachable_at INTEGER,
			nickname TEXT NOT NULL DEFAULT '',
			traits TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_activity ON users(last_active_at, unreachable_reason)`,
		`CREATE TABLE IF NOT EXISTS reminders (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			message_id INTEGER NOT NULL,
			template TEXT NOT NULL DEFAULT '',
			sent_at INTEGER NOT NULL,
			responded INTEGER NOT NULL DEFAULT 0,
			responded_at INTEGER,
			deleted INTEGER NOT NULL DEFAULT 0,
			deleted_at INTEGER,
			UNIQUE(user_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_user ON reminders(user_id, sent_at)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_pending ON reminders(deleted, sent_at)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, id)`,
		`CREATE TABLE IF NOT EXISTS turn_counts (
			hour INTEGER PRIMARY KEY,
			turns INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	// Columns added after the first release.
	for _, col := range []struct{ table, name, decl string }{
		{"users", "nickname", "TEXT NOT NULL DEFAULT ''"},
		{"users", "traits", "TEXT NOT NULL DEFAULT ''"},
	} {
		if err := s.ensureColumn(col.table, col.name, col.decl); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) ensureColumn(table, name, decl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	found := false
	for rows.Next() {
		var (
			cid        int
			col, typ   string
			notNull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &col, &typ, &notNull, &dflt, &primaryKey); err != nil {
			_ = rows.Close()
			return err
		}
		if col == name {
			found = true
		}
	}
	// The single connection must be released before the ALTER.
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil || found {
		return err
	}
	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, name, decl))
	return err
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Name() string { return "sqlite" }

// UpsertUser registers u or refreshes its names. A new user counts as active
// at the given time.
func (s *Store) UpsertUser(ctx context.Context, u reminder.User, at time.Time) error {
	ms := at.UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, first_name, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name`,
		u.ID, u.Username, u.FirstName, ms, ms)
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", u.ID, err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*reminder.User, error) {
	var (
		u    reminder.User
		last int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, first_name, last_active_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &u.FirstName, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reminder.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	u.LastActiveAt = time.UnixMilli(last)
	return &u, nil
}

// Recipients lists every user not marked unreachable, by id.
func (s *Store) Recipients(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM users WHERE unreachable_reason = '' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetPreferences returns the user's /profile settings.
func (s *Store) GetPreferences(ctx context.Context, userID int64) (profile.Preferences, error) {
	var p profile.Preferences
	err := s.db.QueryRowContext(ctx,
		`SELECT nickname, traits FROM users WHERE id = ?`, userID,
	).Scan(&p.Nickname, &p.Traits)
	if errors.Is(err, sql.ErrNoRows) {
		return p, reminder.ErrNotFound
	}
	if err != nil {
		return p, fmt.Errorf("get preferences for user %d: %w", userID, err)
	}
	return p, nil
}

func (s *Store) SetPreferences(ctx context.Context, userID int64, p profile.Preferences) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET nickname = ?, traits = ? WHERE id = ?`, p.Nickname, p.Traits, userID)
	if err != nil {
		return fmt.Errorf("set preferences for user %d: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return reminder.ErrNotFound
	}
	return nil
}

func (s *Store) Stats(ctx context.Context, now time.Time) (reminder.Stats, error) {
	var st reminder.Stats
	since := func(d time.Duration) int64 { return now.Add(-d).UnixMilli() }
	hourSince := func(d time.Duration) int64 { return turnHour(now.Add(-d)) }
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM users WHERE unreachable_reason != ''),
			(SELECT COUNT(*) FROM reminders WHERE deleted = 0),
			(SELECT COUNT(*) FROM reminders WHERE responded = 1),
			(SELECT COUNT(*) FROM users WHERE last_active_at >= ?),
			(SELECT COUNT(*) FROM users WHERE created_at >= ?),
			(SELECT COALESCE(SUM(turns), 0) FROM turn_counts),
			(SELECT COALESCE(SUM(turns), 0) FROM turn_counts WHERE hour >= ?),
			(SELECT COALESCE(SUM(turns), 0) FROM turn_counts WHERE hour >= ?),
			(SELECT COALESCE(SUM(turns), 0) FROM turn_counts WHERE hour >= ?)`,
		since(reminder.WindowWeek),
		since(reminder.WindowDay),
		hourSince(reminder.WindowDay),
		hourSince(reminder.WindowWeek),
		hourSince(reminder.WindowMonth),
	).Scan(&st.Users, &st.Unreachable, &st.Outstanding, &st.Responded,
		&st.ActiveWeek, &st.NewDay,
		&st.Turns.Total, &st.Turns.Day, &st.Turns.Week, &st.Turns.Month)
	if err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}
