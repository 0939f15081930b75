package core

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config contains the complete configuration for a retrieval Client.
//
// It includes settings for:
//   - Embedding provider (for vector generation)
//   - Row store (for message/memory/knowledge persistence)
//   - Retrieval policy (thresholds, caps, decay)
//
// Example:
//
//	config := &core.Config{
//	    Embedder: core.EmbedderConfig{
//	        Provider: "openai",
//	        APIKey:   "sk-...",
//	    },
//	    Store: core.StoreConfig{
//	        Provider: "sqlite",
//	        DBPath:   "./retrieval.db",
//	    },
//	}
type Config struct {
	// Embedder contains embedding provider configuration. An empty
	// provider disables embeddings; stores then run in degraded
	// (text/recency) mode.
	Embedder EmbedderConfig `json:"embedder"`

	// Store contains row store configuration.
	Store StoreConfig `json:"store"`

	// Retrieval contains retrieval policy configuration (optional).
	Retrieval RetrievalConfig `json:"retrieval,omitempty"`
}

// EmbedderConfig contains configuration for the embedding provider.
//
// Supported providers: openai, qwen. Leave Provider empty to run
// without embeddings.
type EmbedderConfig struct {
	// Provider is the embedding provider name (openai, qwen; empty = disabled).
	Provider string `json:"provider"`

	// APIKey is the API key for the embedding provider.
	APIKey string `json:"api_key"`

	// Model is the embedding model name (provider default if empty).
	Model string `json:"model,omitempty"`

	// BaseURL is the base URL for the API (provider default if empty).
	BaseURL string `json:"base_url,omitempty"`

	// Dimensions is the dimension of the embedding vectors (provider
	// default if 0).
	Dimensions int `json:"dimensions,omitempty"`
}

// StoreConfig contains configuration for the row store.
//
// Supported providers: sqlite, postgres, mysql.
type StoreConfig struct {
	// Provider is the row store provider name (sqlite, postgres, mysql).
	Provider string `json:"provider"`

	// DBPath is the database file path (sqlite only).
	DBPath string `json:"db_path,omitempty"`

	// Host is the database host (postgres, mysql).
	Host string `json:"host,omitempty"`

	// Port is the database port (postgres, mysql).
	Port int `json:"port,omitempty"`

	// User is the database user (postgres, mysql).
	User string `json:"user,omitempty"`

	// Password is the database password (postgres, mysql).
	Password string `json:"password,omitempty"`

	// DBName is the database name (postgres, mysql).
	DBName string `json:"db_name,omitempty"`

	// SSLMode is the sslmode connection parameter (postgres only).
	SSLMode string `json:"ssl_mode,omitempty"`
}

// RetrievalConfig contains retrieval policy configuration.
//
// Zero fields use the built-in defaults, which match the policy
// constants of the underlying stores.
type RetrievalConfig struct {
	// DedupThreshold is the similarity above which two memories are
	// merged (default: 0.85).
	DedupThreshold float64 `json:"dedup_threshold,omitempty"`

	// InferredCap bounds inferred memories per partition (default: 10).
	InferredCap int `json:"inferred_cap,omitempty"`

	// PromptThreshold is the similarity cutoff for prompt memory
	// retrieval (default: 0.3).
	PromptThreshold float64 `json:"prompt_threshold,omitempty"`

	// DecayFactor is the per-day decay base for message ranking
	// (default: 0.98).
	DecayFactor float64 `json:"decay_factor,omitempty"`
}

// Validate validates the configuration.
//
// The store provider is required; the embedder provider is optional
// (empty = degraded mode) but must be a known name when set.
//
// Returns an error if validation fails, nil otherwise.
func (c *Config) Validate() error {
	switch c.Store.Provider {
	case "sqlite", "postgres", "mysql":
	default:
		return NewRetrievalError("Validate", ErrInvalidConfig)
	}
	switch c.Embedder.Provider {
	case "", "openai", "qwen":
	default:
		return NewRetrievalError("Validate", ErrInvalidConfig)
	}
	return nil
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for .env or .env.example files (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Parses environment variables into a Config struct
//
// Supported environment variables:
//   - DATABASE_PROVIDER (sqlite, postgres, mysql)
//   - SQLITE_PATH
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD,
//     POSTGRES_DATABASE, POSTGRES_SSLMODE
//   - MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASSWORD, MYSQL_DATABASE
//   - EMBEDDING_PROVIDER, EMBEDDING_API_KEY, EMBEDDING_MODEL,
//     EMBEDDING_BASE_URL, EMBEDDING_DIMENSIONS
//
// Returns a Config instance, or an error if loading fails.
//
// Example:
//
//	config, err := core.LoadConfigFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
func LoadConfigFromEnv() (*Config, error) {
	envPath, found := FindEnvFile()
	if found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	config := &Config{
		Store: StoreConfig{
			Provider: getEnvOrDefault("DATABASE_PROVIDER", "sqlite"),
		},
		Embedder: EmbedderConfig{
			Provider: os.Getenv("EMBEDDING_PROVIDER"),
			APIKey:   os.Getenv("EMBEDDING_API_KEY"),
			Model:    os.Getenv("EMBEDDING_MODEL"),
			BaseURL:  os.Getenv("EMBEDDING_BASE_URL"),
		},
	}
	if dims, err := strconv.Atoi(os.Getenv("EMBEDDING_DIMENSIONS")); err == nil {
		config.Embedder.Dimensions = dims
	}

	switch config.Store.Provider {
	case "sqlite":
		config.Store.DBPath = getEnvOrDefault("SQLITE_PATH", "./semretrieve.db")
	case "postgres":
		port, _ := strconv.Atoi(getEnvOrDefault("POSTGRES_PORT", "5432"))
		config.Store.Host = getEnvOrDefault("POSTGRES_HOST", "localhost")
		config.Store.Port = port
		config.Store.User = getEnvOrDefault("POSTGRES_USER", "postgres")
		config.Store.Password = os.Getenv("POSTGRES_PASSWORD")
		config.Store.DBName = getEnvOrDefault("POSTGRES_DATABASE", "semretrieve")
		config.Store.SSLMode = getEnvOrDefault("POSTGRES_SSLMODE", "disable")
	case "mysql":
		port, _ := strconv.Atoi(getEnvOrDefault("MYSQL_PORT", "3306"))
		config.Store.Host = getEnvOrDefault("MYSQL_HOST", "127.0.0.1")
		config.Store.Port = port
		config.Store.User = getEnvOrDefault("MYSQL_USER", "root")
		config.Store.Password = os.Getenv("MYSQL_PASSWORD")
		config.Store.DBName = getEnvOrDefault("MYSQL_DATABASE", "semretrieve")
	}

	return config, nil
}

// defaultDecayFactor is the per-day decay applied to message search when
// the config does not override it.
const defaultDecayFactor = 0.98

// DecayFactorOrDefault returns the configured decay factor or the default.
func (c *RetrievalConfig) DecayFactorOrDefault() float64 {
	if c.DecayFactor > 0 {
		return c.DecayFactor
	}
	return defaultDecayFactor
}

// getEnvOrDefault gets an environment variable or returns the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// FindEnvFile searches for .env or .env.example files.
//
// The search:
//  1. Checks the current directory
//  2. Searches up to 5 directory levels up
//  3. Returns the first .env or .env.example file found
//
// Returns:
//   - path: Path to the found file (empty if not found)
//   - found: True if a file was found, false otherwise
func FindEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}
	if _, err := os.Stat(".env.example"); err == nil {
		return ".env.example", true
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		envExamplePath := filepath.Join(dir, ".env.example")

		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		if _, err := os.Stat(envExamplePath); err == nil {
			return envExamplePath, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", false
}
