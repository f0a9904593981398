// Package config loads webweaver's runtime Settings from the
// environment, mirroring the original Python implementation's
// pydantic-settings prefix convention.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "WEBWEAVER_"

// Settings holds every tunable named in the configuration surface, plus
// the ambient fields (environment, logging, OTel, run ledger, event
// mirror) every component needs.
type Settings struct {
	// Ambient
	Env       string // development | staging | production
	LogLevel  string
	OTelOn    bool
	OTelOTLP  string
	RunLedger string // Postgres DSN; empty disables the ledger
	RedisURL  string // empty disables the event mirror

	// LLM
	LLMAPIKey     string
	LLMBaseURL    string
	LLMModel      string
	LLMTimeout    time.Duration
	ArtifactsRoot string

	// Search
	SearchAPIKey    string
	SearchBaseURL   string
	SearchMaxResults int
	SearchMaxRetries int
	SearchRetryBase  time.Duration
	SearchRetryCap   time.Duration

	// HTTP page fetch
	HTTPTimeout time.Duration
	HTTPUA      string

	// Planner
	PlannerMaxSteps          int
	PlannerMaxQueriesPerStep int
	PlannerMaxURLsPerQuery   int

	// Writer
	WriterMaxStepsPerSection      int
	WriterSectionMaxChars         int
	WriterSectionMaxEvidences     int
	WriterRetrieveTopK            int
	WriterToolResponseMaxChars    int
	WriterEvidenceItemsPerEvidence int
	WriterDoomLoopThreshold       int

	// Rate limiting (supplemented feature, §12.4)
	LLMRateLimitRPS int
}

// Load loads Settings from the environment, optionally reading a .env
// file first when WEBWEAVER_ENV_FILE is set (or a local .env exists).
func Load() Settings {
	if path := os.Getenv(envPrefix + "ENV_FILE"); path != "" {
		_ = godotenv.Load(path)
	} else {
		_ = godotenv.Load()
	}

	return Settings{
		Env:       getEnv("ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		OTelOn:    getEnvBool("OTEL_ENABLED", false),
		OTelOTLP:  getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		RunLedger: getEnv("RUN_LEDGER_DSN", ""),
		RedisURL:  getEnv("REDIS_URL", ""),

		LLMAPIKey:     getEnv("LLM_API_KEY", ""),
		LLMBaseURL:    getEnv("LLM_BASE_URL", ""),
		LLMModel:      getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout:    getEnvDuration("LLM_TIMEOUT", 60*time.Second),
		ArtifactsRoot: getEnv("ARTIFACTS_DIR", "artifacts"),

		SearchAPIKey:     getEnv("SEARCH_API_KEY", ""),
		SearchBaseURL:    getEnv("SEARCH_BASE_URL", ""),
		SearchMaxResults: getEnvInt("SEARCH_MAX_RESULTS", 10),
		SearchMaxRetries: getEnvInt("SEARCH_MAX_RETRIES", 3),
		SearchRetryBase:  getEnvDuration("SEARCH_RETRY_BASE", 750*time.Millisecond),
		SearchRetryCap:   getEnvDuration("SEARCH_RETRY_CAP", 8*time.Second),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 30*time.Second),
		HTTPUA:      getEnv("HTTP_USER_AGENT", "Mozilla/5.0 (compatible; webweaver/1.0; +research-bot)"),

		PlannerMaxSteps:          getEnvInt("PLANNER_MAX_STEPS", 12),
		PlannerMaxQueriesPerStep: getEnvInt("PLANNER_MAX_QUERIES_PER_STEP", 4),
		PlannerMaxURLsPerQuery:   getEnvInt("PLANNER_MAX_URLS_PER_QUERY", 4),

		WriterMaxStepsPerSection:       getEnvInt("WRITER_MAX_STEPS_PER_SECTION", 18),
		WriterSectionMaxChars:          getEnvInt("WRITER_SECTION_MAX_CHARS", 20000),
		WriterSectionMaxEvidences:      getEnvInt("WRITER_SECTION_MAX_EVIDENCES", 12),
		WriterRetrieveTopK:             getEnvInt("WRITER_RETRIEVE_TOP_K", 12),
		WriterToolResponseMaxChars:     getEnvInt("WRITER_TOOL_RESPONSE_MAX_CHARS", 25000),
		WriterEvidenceItemsPerEvidence: getEnvInt("WRITER_EVIDENCE_ITEMS_PER_EVIDENCE", 8),
		WriterDoomLoopThreshold:        getEnvInt("WRITER_DOOM_LOOP_THRESHOLD", 3),

		LLMRateLimitRPS: getEnvInt("LLM_RATE_LIMIT_RPS", 5),
	}
}

// IsProduction returns true if running in production environment.
func (s Settings) IsProduction() bool { return s.Env == "production" }

// IsDevelopment returns true if running in development environment.
func (s Settings) IsDevelopment() bool { return s.Env == "development" }

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

// Validate returns an error describing the first missing required
// field, e.g. an LLM API key. Called from cmd/webweaver before a run
// starts.
func (s Settings) Validate() error {
	if s.LLMAPIKey == "" {
		return fmt.Errorf("config: %sLLM_API_KEY is required", envPrefix)
	}
	return nil
}
