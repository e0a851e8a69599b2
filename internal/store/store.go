// Package store selects and opens the persistence backend.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stellarlinkco/milabot/internal/config"
	"github.com/stellarlinkco/milabot/internal/llm"
	"github.com/stellarlinkco/milabot/internal/profile"
	"github.com/stellarlinkco/milabot/internal/reminder"
	"github.com/stellarlinkco/milabot/internal/store/mongo"
	"github.com/stellarlinkco/milabot/internal/store/sqlite"
)

// Store is everything the bot persists: reminder state, the user registry
// and conversation history.
type Store interface {
	reminder.Store

	UpsertUser(ctx context.Context, u reminder.User, at time.Time) error
	GetUser(ctx context.Context, id int64) (*reminder.User, error)
	Recipients(ctx context.Context) ([]int64, error)
	Stats(ctx context.Context, now time.Time) (reminder.Stats, error)

	GetPreferences(ctx context.Context, userID int64) (profile.Preferences, error)
	SetPreferences(ctx context.Context, userID int64, p profile.Preferences) error

	AddTurn(ctx context.Context, userID int64, msg llm.Message, at time.Time) error
	History(ctx context.Context, userID int64, limit int) ([]llm.Message, error)
	ClearHistory(ctx context.Context, userID int64) error

	Ping(ctx context.Context) error
	Close() error
	Name() string
}

var (
	_ Store = (*sqlite.Store)(nil)
	_ Store = (*mongo.Store)(nil)
)

// Open opens the backend named by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite":
		s, err := sqlite.Open(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		logger.Info("store opened", "driver", "sqlite", "path", cfg.DBPath)
		return s, nil
	case "mongo", "mongodb":
		s, err := mongo.Open(ctx, mongo.Options{URI: cfg.MongoURI, Database: cfg.MongoDB})
		if err != nil {
			return nil, err
		}
		logger.Info("store opened", "driver", "mongo", "database", cfg.MongoDB)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q (valid: sqlite, mongo)", cfg.Driver)
	}
}
