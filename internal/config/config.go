// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// BrokerConfig holds credentials and endpoint for one broker, loaded from
// BROKER_<ID>_KEY / BROKER_<ID>_SECRET / BROKER_<ID>_ENDPOINT.
type BrokerConfig struct {
	ID       string
	Key      string
	Secret   string
	Endpoint string
}

// Config holds application configuration
type Config struct {
	DataDir      string // Base directory for all databases (DATA_STORE_PATH, always absolute)
	ModelBlobDir string // Content-addressed model blob store (MODEL_BLOB_PATH)
	RegistryPath string // Predictor registry manifest (registry.json)
	LogLevel     string
	Port         int
	DevMode      bool
	JWTSecret    string

	// Brokers and providers are discovered from the environment by ID.
	Brokers      map[string]BrokerConfig
	ProviderKeys map[string]string // provider id -> API key
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATA_STORE_PATH", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	blobDir := getEnv("MODEL_BLOB_PATH", filepath.Join(absDataDir, "blobs"))
	absBlobDir, err := filepath.Abs(blobDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve model blob path: %w", err)
	}

	cfg := &Config{
		DataDir:      absDataDir,
		ModelBlobDir: absBlobDir,
		RegistryPath: getEnv("REGISTRY_PATH", filepath.Join(absDataDir, "registry.json")),
		Port:         getEnvAsInt("PORT", 8001),
		DevMode:      getEnvAsBool("DEV_MODE", false),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		JWTSecret:    getEnv("JWT_SECRET", ""),
		Brokers:      loadBrokers(os.Environ()),
		ProviderKeys: loadProviderKeys(os.Environ()),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	// Broker and provider credentials are optional: the paper broker and cached
	// market data keep the system functional without them.
	return nil
}

// loadBrokers discovers broker configurations from BROKER_<ID>_* variables.
// The ID is lowercased for lookup; an entry exists if any of the three
// variables is present.
func loadBrokers(environ []string) map[string]BrokerConfig {
	brokers := make(map[string]BrokerConfig)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, "BROKER_") {
			continue
		}
		rest := strings.TrimPrefix(name, "BROKER_")
		var field string
		var id string
		switch {
		case strings.HasSuffix(rest, "_KEY"):
			id, field = strings.TrimSuffix(rest, "_KEY"), "key"
		case strings.HasSuffix(rest, "_SECRET"):
			id, field = strings.TrimSuffix(rest, "_SECRET"), "secret"
		case strings.HasSuffix(rest, "_ENDPOINT"):
			id, field = strings.TrimSuffix(rest, "_ENDPOINT"), "endpoint"
		default:
			continue
		}
		if id == "" {
			continue
		}
		lower := strings.ToLower(id)
		b := brokers[lower]
		b.ID = lower
		switch field {
		case "key":
			b.Key = value
		case "secret":
			b.Secret = value
		case "endpoint":
			b.Endpoint = value
		}
		brokers[lower] = b
	}
	return brokers
}

// loadProviderKeys discovers market-data provider API keys from
// PROVIDER_<ID>_KEY variables.
func loadProviderKeys(environ []string) map[string]string {
	keys := make(map[string]string)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, "PROVIDER_") || !strings.HasSuffix(name, "_KEY") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, "PROVIDER_"), "_KEY")
		if id == "" {
			continue
		}
		keys[strings.ToLower(id)] = value
	}
	return keys
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
