package core_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semretrieve/semretrieve-go/pkg/core"
)

func TestConfigValidate(t *testing.T) {
	t.Run("valid sqlite without embedder", func(t *testing.T) {
		cfg := &core.Config{
			Store: core.StoreConfig{Provider: "sqlite", DBPath: "./x.db"},
		}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("unknown store provider", func(t *testing.T) {
		cfg := &core.Config{
			Store: core.StoreConfig{Provider: "mongodb"},
		}
		err := cfg.Validate()
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrInvalidConfig))
	})

	t.Run("unknown embedder provider", func(t *testing.T) {
		cfg := &core.Config{
			Store:    core.StoreConfig{Provider: "sqlite"},
			Embedder: core.EmbedderConfig{Provider: "cohere"},
		}
		err := cfg.Validate()
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrInvalidConfig))
	})
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Run("sqlite defaults", func(t *testing.T) {
		t.Setenv("DATABASE_PROVIDER", "sqlite")
		t.Setenv("SQLITE_PATH", "/tmp/test.db")

		cfg, err := core.LoadConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, "sqlite", cfg.Store.Provider)
		assert.Equal(t, "/tmp/test.db", cfg.Store.DBPath)
	})

	t.Run("postgres settings", func(t *testing.T) {
		t.Setenv("DATABASE_PROVIDER", "postgres")
		t.Setenv("POSTGRES_HOST", "db.internal")
		t.Setenv("POSTGRES_PORT", "5433")
		t.Setenv("POSTGRES_USER", "retrieval")
		t.Setenv("POSTGRES_DATABASE", "retrieval_db")

		cfg, err := core.LoadConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, "postgres", cfg.Store.Provider)
		assert.Equal(t, "db.internal", cfg.Store.Host)
		assert.Equal(t, 5433, cfg.Store.Port)
		assert.Equal(t, "retrieval", cfg.Store.User)
		assert.Equal(t, "retrieval_db", cfg.Store.DBName)
		assert.Equal(t, "disable", cfg.Store.SSLMode)
	})

	t.Run("embedder settings", func(t *testing.T) {
		t.Setenv("DATABASE_PROVIDER", "sqlite")
		t.Setenv("EMBEDDING_PROVIDER", "openai")
		t.Setenv("EMBEDDING_API_KEY", "sk-test")
		t.Setenv("EMBEDDING_DIMENSIONS", "3072")

		cfg, err := core.LoadConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, "openai", cfg.Embedder.Provider)
		assert.Equal(t, "sk-test", cfg.Embedder.APIKey)
		assert.Equal(t, 3072, cfg.Embedder.Dimensions)
		assert.NoError(t, cfg.Validate())
	})
}

func TestRetrievalConfigDefaults(t *testing.T) {
	var cfg core.RetrievalConfig
	assert.Equal(t, 0.98, cfg.DecayFactorOrDefault())

	cfg.DecayFactor = 0.9
	assert.Equal(t, 0.9, cfg.DecayFactorOrDefault())
}
