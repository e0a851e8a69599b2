package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/stellarlinkco/milabot/internal/reminder"
)

var _ reminder.Store = (*Store)(nil)

func (s *Store) FindEligible(ctx context.Context, now time.Time, inactivity, cooldown time.Duration) ([]reminder.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	blocked, err := s.blockedUsers(ctx, now.Add(-cooldown).UTC())
	if err != nil {
		return nil, err
	}

	filter := bson.M{
		"last_active_at":     bson.M{"$lte": now.Add(-inactivity).UTC()},
		"unreachable_reason": "",
	}
	if len(blocked) > 0 {
		filter["_id"] = bson.M{"$nin": blocked}
	}
	cur, err := s.users.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "last_active_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find eligible: %w", err)
	}
	defer cur.Close(ctx)

	var users []reminder.User
	for cur.Next(ctx) {
		var doc userDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode eligible user: %w", err)
		}
		users = append(users, doc.toUser())
	}
	return users, cur.Err()
}

// blockedUsers returns users with a reminder sent after cooldownStart or a
// reminder that is still outstanding.
func (s *Store) blockedUsers(ctx context.Context, cooldownStart time.Time) ([]int64, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"sent_at": bson.M{"$gt": cooldownStart}},
		bson.M{"deleted": false},
	}}
	cur, err := s.reminders.Find(ctx, filter, options.Find().SetProjection(bson.M{"user_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("find recent reminders: %w", err)
	}
	defer cur.Close(ctx)

	seen := make(map[int64]struct{})
	var ids []int64
	for cur.Next(ctx) {
		var doc struct {
			UserID int64 `bson:"user_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode reminder: %w", err)
		}
		if _, ok := seen[doc.UserID]; ok {
			continue
		}
		seen[doc.UserID] = struct{}{}
		ids = append(ids, doc.UserID)
	}
	return ids, cur.Err()
}

func (s *Store) RecordSent(ctx context.Context, rec reminder.Record) error {
	if rec.ID == "" {
		return errors.New("record sent: empty id")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.reminders.InsertOne(ctx, fromRecord(rec)); err != nil {
		return fmt.Errorf("record sent for user %d: %w", rec.UserID, err)
	}
	return nil
}

func (s *Store) FindExpired(ctx context.Context, now time.Time, deleteAfter time.Duration) ([]reminder.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"deleted": false,
		"sent_at": bson.M{"$lte": now.Add(-deleteAfter).UTC()},
	}
	cur, err := s.reminders.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "sent_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find expired: %w", err)
	}
	defer cur.Close(ctx)

	var out []reminder.Record
	for cur.Next(ctx) {
		var doc reminderDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode reminder: %w", err)
		}
		out = append(out, doc.toRecord())
	}
	return out, cur.Err()
}

func (s *Store) MarkDeleted(ctx context.Context, userID int64, messageID int, at time.Time) error {
	return s.setFlag(ctx, userID, messageID, "deleted", "deleted_at", at)
}

func (s *Store) MarkResponded(ctx context.Context, userID int64, messageID int, at time.Time) error {
	return s.setFlag(ctx, userID, messageID, "responded", "responded_at", at)
}

// setFlag sets a boolean and its timestamp once. Repeated calls keep the
// first timestamp.
func (s *Store) setFlag(ctx context.Context, userID int64, messageID int, flag, stamp string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	key := bson.M{"user_id": userID, "message_id": messageID}
	filter := bson.M{"user_id": userID, "message_id": messageID, flag: false}
	update := bson.M{"$set": bson.M{flag: true, stamp: at.UTC()}}
	res, err := s.reminders.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("mark %s: %w", flag, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := s.reminders.CountDocuments(ctx, key)
	if err != nil {
		return fmt.Errorf("mark %s: %w", flag, err)
	}
	if n == 0 {
		return reminder.ErrNotFound
	}
	return nil
}

// RecordActivity bumps last_active_at and clears any unreachable mark. An
// unknown user is created.
func (s *Store) RecordActivity(ctx context.Context, userID int64, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	at = at.UTC()
	update := bson.M{
		"$max":         bson.M{"last_active_at": at},
		"$set":         bson.M{"unreachable_reason": ""},
		"$unset":       bson.M{"unreachable_at": ""},
		"$setOnInsert": bson.M{"created_at": at, "username": "", "first_name": ""},
	}
	_, err := s.users.UpdateOne(ctx, bson.M{"_id": userID}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("record activity for user %d: %w", userID, err)
	}
	return nil
}

func (s *Store) LatestReminder(ctx context.Context, userID int64) (*reminder.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc reminderDocument
	err := s.reminders.FindOne(ctx, bson.M{"user_id": userID},
		options.FindOne().SetSort(bson.D{{Key: "sent_at", Value: -1}, {Key: "_id", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest reminder for user %d: %w", userID, err)
	}
	rec := doc.toRecord()
	return &rec, nil
}

func (s *Store) MarkUnreachable(ctx context.Context, userID int64, reason string, at time.Time) error {
	if reason == "" {
		reason = "unknown"
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.users.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{"$set": bson.M{
		"unreachable_reason": reason,
		"unreachable_at":     at.UTC(),
	}})
	if err != nil {
		return fmt.Errorf("mark unreachable: %w", err)
	}
	if res.MatchedCount == 0 {
		return reminder.ErrNotFound
	}
	return nil
}
