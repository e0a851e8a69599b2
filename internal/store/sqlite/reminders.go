package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stellarlinkco/milabot/internal/reminder"
)

var _ reminder.Store = (*Store)(nil)

func (s *Store) FindEligible(ctx context.Context, now time.Time, inactivity, cooldown time.Duration) ([]reminder.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.first_name, u.last_active_at
		FROM users u
		WHERE u.last_active_at <= ?
			AND u.unreachable_reason = ''
			AND NOT EXISTS (
				SELECT 1 FROM reminders r
				WHERE r.user_id = u.id AND (r.sent_at > ? OR r.deleted = 0)
			)
		ORDER BY u.last_active_at, u.id`,
		now.Add(-inactivity).UnixMilli(), now.Add(-cooldown).UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("find eligible: %w", err)
	}
	defer rows.Close()

	var users []reminder.User
	for rows.Next() {
		var (
			u    reminder.User
			last int64
		)
		if err := rows.Scan(&u.ID, &u.Username, &u.FirstName, &last); err != nil {
			return nil, fmt.Errorf("scan eligible user: %w", err)
		}
		u.LastActiveAt = time.UnixMilli(last)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) RecordSent(ctx context.Context, rec reminder.Record) error {
	if rec.ID == "" {
		return errors.New("record sent: empty id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reminders (id, user_id, message_id, template, sent_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.MessageID, rec.Template, rec.SentAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record sent for user %d: %w", rec.UserID, err)
	}
	return nil
}

func (s *Store) FindExpired(ctx context.Context, now time.Time, deleteAfter time.Duration) ([]reminder.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM reminders
		WHERE deleted = 0 AND sent_at <= ?
		ORDER BY sent_at, id`,
		now.Add(-deleteAfter).UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("find expired: %w", err)
	}
	defer rows.Close()

	var out []reminder.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) MarkDeleted(ctx context.Context, userID int64, messageID int, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET deleted = 1, deleted_at = COALESCE(deleted_at, ?)
		WHERE user_id = ? AND message_id = ?`,
		at.UnixMilli(), userID, messageID)
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) MarkResponded(ctx context.Context, userID int64, messageID int, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET responded = 1, responded_at = COALESCE(responded_at, ?)
		WHERE user_id = ? AND message_id = ?`,
		at.UnixMilli(), userID, messageID)
	if err != nil {
		return fmt.Errorf("mark responded: %w", err)
	}
	return requireAffected(res)
}

// RecordActivity bumps last_active_at and clears any unreachable mark. An
// unknown user is created.
func (s *Store) RecordActivity(ctx context.Context, userID int64, at time.Time) error {
	ms := at.UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, created_at, last_active_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_active_at = MAX(last_active_at, excluded.last_active_at),
			unreachable_reason = '',
			unreachable_at = NULL`,
		userID, ms, ms)
	if err != nil {
		return fmt.Errorf("record activity for user %d: %w", userID, err)
	}
	return nil
}

func (s *Store) LatestReminder(ctx context.Context, userID int64) (*reminder.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM reminders
		WHERE user_id = ?
		ORDER BY sent_at DESC, id DESC
		LIMIT 1`, userID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) MarkUnreachable(ctx context.Context, userID int64, reason string, at time.Time) error {
	if reason == "" {
		reason = "unknown"
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET unreachable_reason = ?, unreachable_at = ? WHERE id = ?`,
		reason, at.UnixMilli(), userID)
	if err != nil {
		return fmt.Errorf("mark unreachable: %w", err)
	}
	return requireAffected(res)
}

const recordColumns = `id, user_id, message_id, template, sent_at, responded, responded_at, deleted, deleted_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (reminder.Record, error) {
	var (
		rec         reminder.Record
		sentAt      int64
		respondedAt sql.NullInt64
		deletedAt   sql.NullInt64
	)
	err := sc.Scan(&rec.ID, &rec.UserID, &rec.MessageID, &rec.Template, &sentAt,
		&rec.Responded, &respondedAt, &rec.Deleted, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, err
	}
	if err != nil {
		return rec, fmt.Errorf("scan reminder: %w", err)
	}
	rec.SentAt = time.UnixMilli(sentAt)
	if respondedAt.Valid {
		rec.RespondedAt = time.UnixMilli(respondedAt.Int64)
	}
	if deletedAt.Valid {
		rec.DeletedAt = time.UnixMilli(deletedAt.Int64)
	}
	return rec, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return reminder.ErrNotFound
	}
	return nil
}
