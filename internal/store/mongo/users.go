package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/stellarlinkco/milabot/internal/profile"
	"github.com/stellarlinkco/milabot/internal/reminder"
)

// UpsertUser registers u or refreshes its names. A new user counts as active
// at the given time.
func (s *Store) UpsertUser(ctx context.Context, u reminder.User, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	at = at.UTC()
	update := bson.M{
		"$set": bson.M{
			"username":   u.Username,
			"first_name": u.FirstName,
		},
		"$setOnInsert": bson.M{
			"created_at":         at,
			"last_active_at":     at,
			"unreachable_reason": "",
		},
	}
	_, err := s.users.UpdateOne(ctx, bson.M{"_id": u.ID}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", u.ID, err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*reminder.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc userDocument
	if err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, reminder.ErrNotFound
		}
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	u := doc.toUser()
	return &u, nil
}

// Recipients lists every user not marked unreachable, by id.
func (s *Store) Recipients(ctx context.Context) ([]int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.users.Find(ctx,
		bson.M{"unreachable_reason": ""},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer cur.Close(ctx)

	var ids []int64
	for cur.Next(ctx) {
		var doc struct {
			ID int64 `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode recipient: %w", err)
		}
		ids = append(ids, doc.ID)
	}
	return ids, cur.Err()
}

// GetPreferences returns the user's /profile settings.
func (s *Store) GetPreferences(ctx context.Context, userID int64) (profile.Preferences, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc userDocument
	err := s.users.FindOne(ctx, bson.M{"_id": userID},
		options.FindOne().SetProjection(bson.M{"nickname": 1, "traits": 1})).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return profile.Preferences{}, reminder.ErrNotFound
	}
	if err != nil {
		return profile.Preferences{}, fmt.Errorf("get preferences for user %d: %w", userID, err)
	}
	return profile.Preferences{Nickname: doc.Nickname, Traits: doc.Traits}, nil
}

func (s *Store) SetPreferences(ctx context.Context, userID int64, p profile.Preferences) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.users.UpdateOne(ctx, bson.M{"_id": userID},
		bson.M{"$set": bson.M{"nickname": p.Nickname, "traits": p.Traits}})
	if err != nil {
		return fmt.Errorf("set preferences for user %d: %w", userID, err)
	}
	if res.MatchedCount == 0 {
		return reminder.ErrNotFound
	}
	return nil
}

func (s *Store) Stats(ctx context.Context, now time.Time) (reminder.Stats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now = now.UTC()
	var st reminder.Stats
	counts := []struct {
		coll   *mongodriver.Collection
		filter bson.M
		dst    *int
	}{
		{s.users, bson.M{}, &st.Users},
		{s.users, bson.M{"unreachable_reason": bson.M{"$ne": ""}}, &st.Unreachable},
		{s.reminders, bson.M{"deleted": false}, &st.Outstanding},
		{s.reminders, bson.M{"responded": true}, &st.Responded},
		{s.users, bson.M{"last_active_at": bson.M{"$gte": now.Add(-reminder.WindowWeek)}}, &st.ActiveWeek},
		{s.users, bson.M{"created_at": bson.M{"$gte": now.Add(-reminder.WindowDay)}}, &st.NewDay},
	}
	for _, c := range counts {
		n, err := c.coll.CountDocuments(ctx, c.filter)
		if err != nil {
			return st, fmt.Errorf("stats: %w", err)
		}
		*c.dst = int(n)
	}

	turns, err := s.turnStats(ctx, now)
	if err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	st.Turns = turns
	return st, nil
}

// turnStats sums the hour buckets in one pass.
func (s *Store) turnStats(ctx context.Context, now time.Time) (reminder.TurnCounts, error) {
	sumSince := func(d time.Duration) bson.D {
		return bson.D{{Key: "$sum", Value: bson.D{{Key: "$cond", Value: bson.A{
			bson.D{{Key: "$gte", Value: bson.A{"$_id", turnHour(now.Add(-d))}}},
			"$turns",
			0,
		}}}}}
	}
	pipeline := mongodriver.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: "$turns"}}},
			{Key: "day", Value: sumSince(reminder.WindowDay)},
			{Key: "week", Value: sumSince(reminder.WindowWeek)},
			{Key: "month", Value: sumSince(reminder.WindowMonth)},
		}}},
	}
	cur, err := s.turnCounts.Aggregate(ctx, pipeline)
	if err != nil {
		return reminder.TurnCounts{}, err
	}
	defer cur.Close(ctx)

	var row struct {
		Total int64 `bson:"total"`
		Day   int64 `bson:"day"`
		Week  int64 `bson:"week"`
		Month int64 `bson:"month"`
	}
	if cur.Next(ctx) {
		if err := cur.Decode(&row); err != nil {
			return reminder.TurnCounts{}, err
		}
	}
	if err := cur.Err(); err != nil {
		return reminder.TurnCounts{}, err
	}
	return reminder.TurnCounts{
		Total: int(row.Total),
		Day:   int(row.Day),
		Week:  int(row.Week),
		Month: int(row.Month),
	}, nil
}
