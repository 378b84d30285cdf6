package main

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Configuration, read once at startup. Deliberations snapshot what they
// need at start and never re-read these mid-run.
var (
	// OpenRouterAPIKey is the API key for OpenRouter
	OpenRouterAPIKey string

	// OpenRouterAPIURL is the endpoint for the chat-completions API
	OpenRouterAPIURL = "https://openrouter.ai/api/v1/chat/completions"

	// ChairmanModel synthesizes the final answer in Stage 3
	ChairmanModel = "google/gemini-3-pro-preview"

	// TitleModel generates conversation titles (fast, cheap)
	TitleModel = "google/gemini-2.5-flash"

	// ConsensusStrategy selects the chairman prompt template
	ConsensusStrategy = "default"

	// GatewayConcurrency bounds in-flight upstream requests across all
	// deliberations and all stages
	GatewayConcurrency int64 = 4

	// Retry policy for transient gateway failures
	RetryAttempts  = 3
	RetryBaseDelay = 500 * time.Millisecond

	// Timeout constants
	ModelQueryTimeout = 120 * time.Second
	TitleGenTimeout   = 30 * time.Second

	// EventQueueSize bounds each deliberation's event buffer
	EventQueueSize = 64

	// PersonalitiesFile is the optional YAML roster override
	PersonalitiesFile = "personalities.yaml"

	// DataDir is the directory for conversation storage
	DataDir = "data/conversations"

	// ServerPort is the listen port for the HTTP API
	ServerPort = "8001"

	// CORS allowed origins (configurable via environment)
	// In development (empty/default), allows any localhost port
	CORSAllowedOrigins = []string{}

	// MaxRequestBodySize is the maximum allowed request body size (1MB)
	MaxRequestBodySize int64 = 1 << 20

	// FetchCacheTTL is the time-to-live for fetched URL content
	FetchCacheTTL = 5 * time.Minute
)

// LoadConfig loads configuration from environment variables
func LoadConfig() {
	// Load .env file - try current then parent directory
	envLocations := []string{".env", "../.env"}

	envLoaded := false
	for _, envPath := range envLocations {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}
		if _, err := os.Stat(absPath); err == nil {
			if err := godotenv.Load(absPath); err == nil {
				logrus.WithField("path", absPath).Info("Loaded .env")
				envLoaded = true
				break
			}
		}
	}
	if !envLoaded {
		logrus.Warn(".env file not found in any expected location")
	}

	if level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logrus.SetLevel(level)
	}

	OpenRouterAPIKey = os.Getenv("OPENROUTER_API_KEY")
	if OpenRouterAPIKey == "" {
		logrus.Fatal("OPENROUTER_API_KEY environment variable is required")
	}

	if v := os.Getenv("OPENROUTER_API_URL"); v != "" {
		OpenRouterAPIURL = v
	}
	if v := os.Getenv("CHAIRMAN_MODEL"); v != "" {
		ChairmanModel = v
	}
	if v := os.Getenv("TITLE_MODEL"); v != "" {
		TitleModel = v
	}
	if v := os.Getenv("CONSENSUS_STRATEGY"); v != "" {
		ConsensusStrategy = v
	}
	if v := os.Getenv("PERSONALITIES_FILE"); v != "" {
		PersonalitiesFile = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		DataDir = v
	}
	if v := os.Getenv("PORT"); v != "" {
		ServerPort = v
	}

	if n, ok := envInt("COUNCIL_CONCURRENCY"); ok && n > 0 {
		GatewayConcurrency = int64(n)
	}
	if n, ok := envInt("COUNCIL_RETRY_ATTEMPTS"); ok && n >= 0 {
		RetryAttempts = n
	}
	if n, ok := envInt("COUNCIL_RETRY_BASE_MS"); ok && n > 0 {
		RetryBaseDelay = time.Duration(n) * time.Millisecond
	}
	if n, ok := envInt("MODEL_TIMEOUT_SECONDS"); ok && n > 0 {
		ModelQueryTimeout = time.Duration(n) * time.Second
	}
	if n, ok := envInt("EVENT_QUEUE_SIZE"); ok && n > 0 {
		EventQueueSize = n
	}

	// Load CORS origins from environment if provided
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		CORSAllowedOrigins = []string{}
		for _, origin := range filepath.SplitList(corsOrigins) {
			if origin != "" {
				CORSAllowedOrigins = append(CORSAllowedOrigins, origin)
			}
		}
	}

	logrus.Info("Configuration loaded successfully")
}

// envInt reads an integer environment variable
func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logrus.WithFields(logrus.Fields{"var": key, "value": v}).Warn("Ignoring non-integer environment value")
		return 0, false
	}
	return n, true
}
