package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/stellarlinkco/milabot/internal/llm"
)

// AddTurn appends a turn and counts it in its hour bucket. The count
// survives ClearHistory.
func (s *Store) AddTurn(ctx context.Context, userID int64, msg llm.Message, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add turn for user %d: %w", userID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (user_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		userID, msg.Role, msg.Content, at.UnixMilli()); err != nil {
		return fmt.Errorf("add turn for user %d: %w", userID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO turn_counts (hour, turns) VALUES (?, 1)
		ON CONFLICT(hour) DO UPDATE SET turns = turns + 1`, turnHour(at)); err != nil {
		return fmt.Errorf("count turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("add turn for user %d: %w", userID, err)
	}
	return nil
}

// turnHour is the turn_counts bucket holding t.
func turnHour(t time.Time) int64 {
	return t.Unix() / 3600
}

// History returns the last limit turns for userID, oldest first.
func (s *Store) History(ctx context.Context, userID int64, limit int) ([]llm.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content FROM (
			SELECT id, role, content FROM conversations
			WHERE user_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("history for user %d: %w", userID, err)
	}
	defer rows.Close()

	var out []llm.Message
	for rows.Next() {
		var m llm.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ClearHistory(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear history for user %d: %w", userID, err)
	}
	return nil
}
