package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Store         StoreConfig
	Database      DatabaseConfig
	AuditDatabase *DatabaseConfig // Optional: separate DB for query logs. When nil, audit uses main DB.
	Auth          AuthConfig
	Providers     ProvidersConfig
	VectorIndex   VectorIndexConfig
	Chunking      ChunkingConfig
	Ingestion     IngestionConfig
	Retrieval     RetrievalConfig
	Generation    GenerationConfig
	Audit         AuditConfig
	Rules         Rules
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	AllowedOrigins  []string
}

// StoreConfig selects the Policy Store and Audit Store backend ("postgres" or "memory")
type StoreConfig struct {
	Backend string
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// AuthConfig holds requester identification settings
type AuthConfig struct {
	JWTSecret           string
	JWTIssuer           string
	AllowHeaderIdentity bool // X-Requester-ID fallback, development only
	QueryRatePerMinute  int
	QueryBurst          int
	AdminRoles          []string // may manage documents and read audit logs
}

// ProvidersConfig holds embedding and generation provider configuration
type ProvidersConfig struct {
	Embedding         string // openai, ollama or fake
	Generation        string // openai, ollama or fake
	OpenAI            OpenAIConfig
	Ollama            OllamaConfig
	Timeout           time.Duration
	MaxRetries        int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	RequestsPerSecond float64
	Burst             int
}

// OpenAIConfig holds OpenAI-compatible provider configuration
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	EmbeddingModel string
	ChatModel      string
}

// OllamaConfig holds Ollama provider configuration
type OllamaConfig struct {
	BaseURL        string
	EmbeddingModel string
	ChatModel      string
}

// VectorIndexConfig selects and configures the vector index ("memory", "pgvector" or "qdrant")
type VectorIndexConfig struct {
	Kind         string
	PgvectorURL  string
	QdrantURL    string
	QdrantAPIKey string
	Collection   string
	Dimension    int
	Timeout      time.Duration
}

// ChunkingConfig configures document chunking
type ChunkingConfig struct {
	ChunkSize       int
	OverlapFraction float64
	MinTailChars    int
	TokenEncoding   string // tiktoken encoding; empty uses the chars/4 estimate
}

// IngestionConfig configures the ingestion pipeline
type IngestionConfig struct {
	EmbedBatchSize   int
	EmbedConcurrency int
	MaxUploadBytes   int64
}

// RetrievalConfig configures retrieval and confidence thresholds
type RetrievalConfig struct {
	TopK             int
	MaxTopK          int
	ScoreThreshold   float64
	HighScore        float64
	LowMargin        float64
	MinCorroborating int
	CacheSize        int
	CacheTTL         time.Duration
}

// GenerationConfig configures answer generation
type GenerationConfig struct {
	Temperature float64
	MaxTokens   int
}

// AuditConfig configures the audit logger and its retry outbox
type AuditConfig struct {
	WriteTimeout    time.Duration
	OutboxPath      string
	Workers         int
	MaxAttempts     int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	PollInterval    time.Duration
	AlertWebhookURL string
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json or console
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	rules, err := LoadRules(getEnv("RULES_FILE", ""))
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 90*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			RequestTimeout:  getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 60*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		},
		Store: StoreConfig{
			Backend: getEnv("STORE_BACKEND", "postgres"),
		},
		Database:      loadDatabaseConfig(),
		AuditDatabase: loadAuditDatabaseConfig(),
		Auth: AuthConfig{
			JWTSecret:           getEnv("AUTH_JWT_SECRET", ""),
			JWTIssuer:           getEnv("AUTH_JWT_ISSUER", ""),
			AllowHeaderIdentity: getEnvAsBool("AUTH_ALLOW_HEADER_IDENTITY", false),
			QueryRatePerMinute:  getEnvAsInt("QUERY_RATE_PER_MINUTE", 30),
			QueryBurst:          getEnvAsInt("QUERY_BURST", 5),
			AdminRoles:          getEnvAsList("AUTH_ADMIN_ROLES", []string{"admin", "manager"}),
		},
		Providers: ProvidersConfig{
			Embedding:  getEnv("EMBEDDING_PROVIDER", "openai"),
			Generation: getEnv("GENERATION_PROVIDER", "openai"),
			OpenAI: OpenAIConfig{
				APIKey:         getEnv("OPENAI_API_KEY", ""),
				BaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				EmbeddingModel: getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
				ChatModel:      getEnv("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
			},
			Ollama: OllamaConfig{
				BaseURL:        getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
				EmbeddingModel: getEnv("OLLAMA_EMBEDDING_MODEL", "nomic-embed-text"),
				ChatModel:      getEnv("OLLAMA_CHAT_MODEL", "llama3.1"),
			},
			Timeout:           getEnvAsDuration("PROVIDER_TIMEOUT", 30*time.Second),
			MaxRetries:        getEnvAsInt("PROVIDER_MAX_RETRIES", 3),
			RetryBaseDelay:    getEnvAsDuration("PROVIDER_RETRY_BASE_DELAY", 500*time.Millisecond),
			RetryMaxDelay:     getEnvAsDuration("PROVIDER_RETRY_MAX_DELAY", 8*time.Second),
			RequestsPerSecond: getEnvAsFloat("PROVIDER_REQUESTS_PER_SECOND", 10),
			Burst:             getEnvAsInt("PROVIDER_BURST", 5),
		},
		VectorIndex: VectorIndexConfig{
			Kind:         getEnv("VECTOR_INDEX", "pgvector"),
			PgvectorURL:  getEnv("PGVECTOR_URL", getEnv("DATABASE_URL", "")),
			QdrantURL:    getEnv("QDRANT_URL", "http://localhost:6333"),
			QdrantAPIKey: getEnv("QDRANT_API_KEY", ""),
			Collection:   getEnv("VECTOR_COLLECTION", "policy_chunks"),
			Dimension:    getEnvAsInt("EMBEDDING_DIMENSION", 1536),
			Timeout:      getEnvAsDuration("VECTOR_INDEX_TIMEOUT", 15*time.Second),
		},
		Chunking: ChunkingConfig{
			ChunkSize:       getEnvAsInt("CHUNK_SIZE", 800),
			OverlapFraction: getEnvAsFloat("CHUNK_OVERLAP_FRACTION", 0.15),
			MinTailChars:    getEnvAsInt("CHUNK_MIN_TAIL", 100),
			TokenEncoding:   getEnv("TOKEN_ENCODING", "cl100k_base"),
		},
		Ingestion: IngestionConfig{
			EmbedBatchSize:   getEnvAsInt("EMBED_BATCH_SIZE", 100),
			EmbedConcurrency: getEnvAsInt("EMBED_CONCURRENCY", 4),
			MaxUploadBytes:   int64(getEnvAsInt("MAX_UPLOAD_BYTES", 20<<20)),
		},
		Retrieval: RetrievalConfig{
			TopK:             getEnvAsInt("RETRIEVAL_TOP_K", 5),
			MaxTopK:          getEnvAsInt("RETRIEVAL_MAX_TOP_K", 10),
			ScoreThreshold:   getEnvAsFloat("RETRIEVAL_SCORE_THRESHOLD", 0.7),
			HighScore:        getEnvAsFloat("CONFIDENCE_HIGH_SCORE", 0.85),
			LowMargin:        getEnvAsFloat("CONFIDENCE_LOW_MARGIN", 0.05),
			MinCorroborating: getEnvAsInt("CONFIDENCE_MIN_CORROBORATING", 2),
			CacheSize:        getEnvAsInt("EMBEDDING_CACHE_SIZE", 1000),
			CacheTTL:         getEnvAsDuration("EMBEDDING_CACHE_TTL", 10*time.Minute),
		},
		Generation: GenerationConfig{
			Temperature: getEnvAsFloat("GENERATION_TEMPERATURE", 0.1),
			MaxTokens:   getEnvAsInt("GENERATION_MAX_TOKENS", 2048),
		},
		Audit: AuditConfig{
			WriteTimeout:    getEnvAsDuration("AUDIT_WRITE_TIMEOUT", 2*time.Second),
			OutboxPath:      getEnv("AUDIT_OUTBOX_PATH", "data/audit_outbox.db"),
			Workers:         getEnvAsInt("AUDIT_WORKERS", 2),
			MaxAttempts:     getEnvAsInt("AUDIT_MAX_ATTEMPTS", 10),
			RetryBaseDelay:  getEnvAsDuration("AUDIT_RETRY_BASE_DELAY", time.Second),
			RetryMaxDelay:   getEnvAsDuration("AUDIT_RETRY_MAX_DELAY", 5*time.Minute),
			PollInterval:    getEnvAsDuration("AUDIT_POLL_INTERVAL", 2*time.Second),
			AlertWebhookURL: getEnv("AUDIT_ALERT_WEBHOOK_URL", ""),
		},
		Rules: rules,
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "postgres":
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("memory store backend is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.VectorIndex.Kind {
	case "memory":
	case "pgvector":
		if c.VectorIndex.PgvectorURL == "" && c.Store.Backend == "postgres" {
			c.VectorIndex.PgvectorURL = c.Database.DSN()
		}
		if c.VectorIndex.PgvectorURL == "" {
			return fmt.Errorf("pgvector index requires PGVECTOR_URL or DATABASE_URL")
		}
	case "qdrant":
		if c.VectorIndex.QdrantURL == "" {
			return fmt.Errorf("qdrant index requires QDRANT_URL")
		}
	default:
		return fmt.Errorf("unknown vector index %q", c.VectorIndex.Kind)
	}
	if c.VectorIndex.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}

	for _, kind := range []string{c.Providers.Embedding, c.Providers.Generation} {
		switch kind {
		case "openai":
			if c.IsProduction() && c.Providers.OpenAI.APIKey == "" {
				return fmt.Errorf("OPENAI_API_KEY is required in production")
			}
		case "ollama", "fake":
		default:
			return fmt.Errorf("unknown provider %q", kind)
		}
	}

	if c.Chunking.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	if c.Chunking.OverlapFraction < 0.1 || c.Chunking.OverlapFraction > 0.3 {
		return fmt.Errorf("chunk overlap fraction must be between 0.1 and 0.3")
	}
	if c.Ingestion.EmbedBatchSize <= 0 || c.Ingestion.EmbedBatchSize > 100 {
		return fmt.Errorf("embed batch size must be between 1 and 100")
	}
	if c.Retrieval.ScoreThreshold < 0 || c.Retrieval.ScoreThreshold > 1 {
		return fmt.Errorf("retrieval score threshold must be between 0 and 1")
	}
	if c.Retrieval.MaxTopK <= 0 || c.Retrieval.TopK <= 0 || c.Retrieval.TopK > c.Retrieval.MaxTopK {
		return fmt.Errorf("retrieval top_k must be between 1 and %d", c.Retrieval.MaxTopK)
	}

	// Requester identity (JWT required in production)
	if c.IsProduction() {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("AUTH_JWT_SECRET is required in production")
		}
		if c.Auth.AllowHeaderIdentity {
			return fmt.Errorf("header identity is not allowed in production")
		}
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "policyrag"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "policyrag"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// loadAuditDatabaseConfig loads audit DB config from DATABASE_URL_AUDIT.
// Returns nil when not set (audit uses main DB).
func loadAuditDatabaseConfig() *DatabaseConfig {
	dbURL := getEnv("DATABASE_URL_AUDIT", "")
	if dbURL == "" {
		return nil
	}
	return &DatabaseConfig{
		ConnectionString: dbURL,
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
