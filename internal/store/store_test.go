package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/milabot/internal/config"
)

func TestOpen_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mila.db")
	s, err := Open(context.Background(), config.StorageConfig{Driver: "sqlite", DBPath: path}, nil)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "sqlite", s.Name())
	assert.NoError(t, s.Ping(context.Background()))
}

func TestOpen_DefaultDriver(t *testing.T) {
	s, err := Open(context.Background(), config.StorageConfig{DBPath: ":memory:"}, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "sqlite", s.Name())
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{Driver: "redis"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestOpen_MongoRequiresURI(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{Driver: "mongo"}, nil)
	require.Error(t, err)
}
