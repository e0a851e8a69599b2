// Package mongo stores users, conversation turns and reminder state in
// MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const (
	defaultDatabase  = "mila"
	defaultOpTimeout = 10 * time.Second

	usersCollection         = "users"
	remindersCollection     = "reminders"
	conversationsCollection = "conversations"
	turnCountsCollection    = "turn_counts"
)

// Options configures Open.
type Options struct {
	URI      string
	Database string
	// Timeout bounds each store operation. Zero means defaultOpTimeout.
	Timeout time.Duration
}

// Store is the MongoDB-backed store.
type Store struct {
	client        *mongodriver.Client
	users         *mongodriver.Collection
	reminders     *mongodriver.Collection
	conversations *mongodriver.Collection
	turnCounts    *mongodriver.Collection
	timeout       time.Duration
}

// Open connects, pings the primary and ensures indexes.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	dbName := opts.Database
	if dbName == "" {
		dbName = defaultDatabase
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	client, err := mongodriver.Connect(options.Client().ApplyURI(opts.URI).SetAppName("milabot"))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	db := client.Database(dbName)
	s := &Store{
		client:        client,
		users:         db.Collection(usersCollection),
		reminders:     db.Collection(remindersCollection),
		conversations: db.Collection(conversationsCollection),
		turnCounts:    db.Collection(turnCountsCollection),
		timeout:       timeout,
	}

	initCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := client.Ping(initCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	if err := s.ensureIndexes(initCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.users.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "last_active_at", Value: 1}, {Key: "unreachable_reason", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
	}); err != nil {
		return err
	}
	if _, err := s.reminders.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "message_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "sent_at", Value: -1}}},
		{Keys: bson.D{{Key: "deleted", Value: 1}, {Key: "sent_at", Value: 1}}},
	}); err != nil {
		return err
	}
	_, err := s.conversations.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	return err
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) Name() string { return "mongo" }

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}
