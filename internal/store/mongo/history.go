package mongo

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/stellarlinkco/milabot/internal/llm"
)

// AddTurn appends a turn and counts it in its hour bucket. The count
// survives ClearHistory.
func (s *Store) AddTurn(ctx context.Context, userID int64, msg llm.Message, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc := turnDocument{UserID: userID, Message: msg, CreatedAt: at.UTC()}
	if _, err := s.conversations.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("add turn for user %d: %w", userID, err)
	}
	_, err := s.turnCounts.UpdateOne(ctx,
		bson.M{"_id": turnHour(at)},
		bson.M{"$inc": bson.M{"turns": 1}},
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("count turn: %w", err)
	}
	return nil
}

func turnHour(t time.Time) int64 {
	return t.Unix() / 3600
}

// History returns the last limit turns for userID, oldest first.
func (s *Store) History(ctx context.Context, userID int64, limit int) ([]llm.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.conversations.Find(ctx, bson.M{"user_id": userID},
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
			SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("history for user %d: %w", userID, err)
	}
	defer cur.Close(ctx)

	var out []llm.Message
	for cur.Next(ctx) {
		var doc turnDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		out = append(out, doc.Message)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func (s *Store) ClearHistory(ctx context.Context, userID int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.conversations.DeleteMany(ctx, bson.M{"user_id": userID}); err != nil {
		return fmt.Errorf("clear history for user %d: %w", userID, err)
	}
	return nil
}
