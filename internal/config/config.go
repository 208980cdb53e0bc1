package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ServiceName string   `yaml:"service_name"`
	Environment string   `yaml:"environment"`
	Port        string   `yaml:"port"`
	GinMode     string   `yaml:"gin_mode"`
	CORSOrigins []string `yaml:"cors_origins"`

	MongoURI string `yaml:"mongo_uri"`
	DBName   string `yaml:"db_name"`

	// Redis Configuration
	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Auth boundary; tokens are issued elsewhere
	AccessSecret    string `yaml:"access_secret"`
	RateLimitReqs   int    `yaml:"rate_limit_requests"`
	RateLimitWindow int    `yaml:"rate_limit_window"`

	// Handler deadlines
	UploadTimeout     time.Duration `yaml:"upload_timeout"`
	AdminQueryTimeout time.Duration `yaml:"admin_query_timeout"`
	HealthTimeout     time.Duration `yaml:"health_timeout"`

	// Ingestion
	MaxFileSize       int64    `yaml:"max_file_size"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	ChunkSize         int      `yaml:"chunk_size"`
	ChunkOverlap      int      `yaml:"chunk_overlap"`
	EmbedBatchSize    int      `yaml:"embed_batch_size"`

	// Search
	SearchTopK        int           `yaml:"search_top_k"`
	ScoreThreshold    float64       `yaml:"score_threshold"`
	VectorTimeout     time.Duration `yaml:"vector_timeout"`
	KeywordTimeout    time.Duration `yaml:"keyword_timeout"`
	LiteratureEnabled bool          `yaml:"literature_enabled"`
	LiteratureURL     string        `yaml:"literature_url"`
	LiteratureAPIKey  string        `yaml:"literature_api_key"`
	LiteratureTimeout time.Duration `yaml:"literature_timeout"`

	// Vector index
	VectorBackend    string `yaml:"vector_backend"` // memory | mongo | qdrant
	QdrantURL        string `yaml:"qdrant_url"`
	QdrantAPIKey     string `yaml:"qdrant_api_key"`
	QdrantCollection string `yaml:"qdrant_collection"`
	VectorIndexName  string `yaml:"vector_index_name"`
	VectorDimensions int    `yaml:"vector_dimensions"`

	// Embeddings configuration
	EmbeddingsProvider    string `yaml:"embeddings_provider"` // "google" (default), "local"
	GoogleEmbeddingsModel string `yaml:"google_embeddings_model"`
	LocalEmbeddingsModel  string `yaml:"local_embeddings_model"`

	// Remote model
	RemoteEnabled bool   `yaml:"remote_enabled"`
	GeminiAPIKey  string `yaml:"gemini_api_key"`
	GeminiModel   string `yaml:"gemini_model"`
	GeminiTier    string `yaml:"gemini_tier"`
	// RemoteDailyTokens caps remote model usage per owner; 0 disables the cap.
	RemoteDailyTokens int `yaml:"remote_daily_tokens"`

	// Local model (OpenAI-compatible server inside the trust boundary)
	LocalModelURL     string        `yaml:"local_model_url"`
	LocalModelName    string        `yaml:"local_model_name"`
	LocalModelTimeout time.Duration `yaml:"local_model_timeout"`

	// Cache tiers
	CacheL1TTL  time.Duration `yaml:"cache_l1_ttl"`
	CacheL1Size int           `yaml:"cache_l1_size"`
	CacheL2TTL  time.Duration `yaml:"cache_l2_ttl"`
	CacheL3TTL  time.Duration `yaml:"cache_l3_ttl"`

	// Per-request budget
	RequestBudget   time.Duration `yaml:"request_budget"`
	RetrievalShare  float64       `yaml:"retrieval_share"`
	DefaultStrategy string        `yaml:"default_strategy"`

	// Indexing
	IndexingMaxRetries  int           `yaml:"indexing_max_retries"`
	IndexingTaskTimeout time.Duration `yaml:"indexing_task_timeout"`
	WorkerConcurrency   int           `yaml:"worker_concurrency"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`

	// Tracing
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

func defaults() *Config {
	return &Config{
		ServiceName: "clinical-kb-platform",
		Environment: "development",
		Port:        "8080",
		GinMode:     "debug",
		CORSOrigins: []string{"http://localhost:3000", "http://localhost:8080"},

		MongoURI: "mongodb://localhost:27017/clinical_kb",
		DBName:   "clinical_kb",

		RedisURL: "localhost:6379",

		RateLimitReqs:   100,
		RateLimitWindow: 60,

		UploadTimeout:     30 * time.Second,
		AdminQueryTimeout: 10 * time.Second,
		HealthTimeout:     2 * time.Second,

		MaxFileSize:       10 * 1024 * 1024,
		AllowedExtensions: []string{".pdf", ".txt", ".md", ".csv", ".html", ".htm", ".xlsx", ".json"},
		ChunkSize:         500,
		ChunkOverlap:      50,
		EmbedBatchSize:    16,

		SearchTopK:        5,
		ScoreThreshold:    0.5,
		VectorTimeout:     3 * time.Second,
		KeywordTimeout:    2 * time.Second,
		LiteratureEnabled: false,
		LiteratureURL:     "https://eutils.ncbi.nlm.nih.gov/entrez/eutils",
		LiteratureTimeout: 4 * time.Second,

		VectorBackend:    "mongo",
		QdrantURL:        "http://localhost:6333",
		QdrantCollection: "clinical_chunks",
		VectorIndexName:  "chunk_vectors_index",
		VectorDimensions: 768,

		EmbeddingsProvider:    "google",
		GoogleEmbeddingsModel: "text-embedding-004",
		LocalEmbeddingsModel:  "nomic-embed-text",

		RemoteEnabled: true,
		GeminiModel:   "gemini-2.0-flash",
		GeminiTier:    "free",

		RemoteDailyTokens: 200000,

		LocalModelURL:     "http://localhost:11434",
		LocalModelName:    "llama3.1:8b",
		LocalModelTimeout: 45 * time.Second,

		CacheL1TTL:  60 * time.Second,
		CacheL1Size: 4096,
		CacheL2TTL:  5 * time.Minute,
		CacheL3TTL:  24 * time.Hour,

		RequestBudget:   60 * time.Second,
		RetrievalShare:  0.4,
		DefaultStrategy: "simple",

		IndexingMaxRetries:  3,
		IndexingTaskTimeout: 10 * time.Minute,
		WorkerConcurrency:   4,
		SweepInterval:       5 * time.Minute,

		OTLPEndpoint:     "localhost:4317",
		TraceSampleRatio: 0.1,
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML file
// named by CONFIG_FILE, and environment variables, in that order.
func LoadConfig() (*Config, error) {
	// Load .env file if exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %v", err)
		}
	}

	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ServiceName = getEnv("SERVICE_NAME", cfg.ServiceName)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.GinMode = getEnv("GIN_MODE", cfg.GinMode)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", cfg.CORSOrigins)

	cfg.MongoURI = getEnv("MONGO_URI", cfg.MongoURI)
	cfg.DBName = getEnv("DB_NAME", cfg.DBName)

	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)

	cfg.AccessSecret = getEnv("ACCESS_SECRET", cfg.AccessSecret)
	cfg.RateLimitReqs = getEnvInt("RATE_LIMIT_REQUESTS", cfg.RateLimitReqs)
	cfg.RateLimitWindow = getEnvInt("RATE_LIMIT_WINDOW", cfg.RateLimitWindow)

	cfg.UploadTimeout = getEnvDuration("UPLOAD_TIMEOUT", cfg.UploadTimeout)
	cfg.AdminQueryTimeout = getEnvDuration("ADMIN_QUERY_TIMEOUT", cfg.AdminQueryTimeout)
	cfg.HealthTimeout = getEnvDuration("HEALTH_TIMEOUT", cfg.HealthTimeout)

	cfg.MaxFileSize = getEnvInt64("MAX_FILE_SIZE", cfg.MaxFileSize)
	cfg.AllowedExtensions = getEnvList("ALLOWED_EXTENSIONS", cfg.AllowedExtensions)
	cfg.ChunkSize = getEnvInt("CHUNK_SIZE", cfg.ChunkSize)
	cfg.ChunkOverlap = getEnvInt("CHUNK_OVERLAP", cfg.ChunkOverlap)
	cfg.EmbedBatchSize = getEnvInt("EMBED_BATCH_SIZE", cfg.EmbedBatchSize)

	cfg.SearchTopK = getEnvInt("SEARCH_TOP_K", cfg.SearchTopK)
	cfg.ScoreThreshold = getEnvFloat64("SCORE_THRESHOLD", cfg.ScoreThreshold)
	cfg.VectorTimeout = getEnvDuration("VECTOR_TIMEOUT", cfg.VectorTimeout)
	cfg.KeywordTimeout = getEnvDuration("KEYWORD_TIMEOUT", cfg.KeywordTimeout)
	cfg.LiteratureEnabled = getEnvBool("LITERATURE_ENABLED", cfg.LiteratureEnabled)
	cfg.LiteratureURL = getEnv("LITERATURE_URL", cfg.LiteratureURL)
	cfg.LiteratureAPIKey = getEnv("LITERATURE_API_KEY", cfg.LiteratureAPIKey)
	cfg.LiteratureTimeout = getEnvDuration("LITERATURE_TIMEOUT", cfg.LiteratureTimeout)

	cfg.VectorBackend = strings.ToLower(getEnv("VECTOR_BACKEND", cfg.VectorBackend))
	cfg.QdrantURL = getEnv("QDRANT_URL", cfg.QdrantURL)
	cfg.QdrantAPIKey = getEnv("QDRANT_API_KEY", cfg.QdrantAPIKey)
	cfg.QdrantCollection = getEnv("QDRANT_COLLECTION", cfg.QdrantCollection)
	cfg.VectorIndexName = getEnv("MONGODB_VECTOR_INDEX", cfg.VectorIndexName)
	cfg.VectorDimensions = getEnvInt("VECTOR_DIM", cfg.VectorDimensions)

	cfg.EmbeddingsProvider = strings.ToLower(getEnv("EMBEDDINGS_PROVIDER", cfg.EmbeddingsProvider))
	cfg.GoogleEmbeddingsModel = getEnv("GOOGLE_EMBEDDINGS_MODEL", cfg.GoogleEmbeddingsModel)
	cfg.LocalEmbeddingsModel = getEnv("LOCAL_EMBEDDINGS_MODEL", cfg.LocalEmbeddingsModel)

	cfg.RemoteEnabled = getEnvBool("REMOTE_MODEL_ENABLED", cfg.RemoteEnabled)
	cfg.GeminiAPIKey = getEnv("GEMINI_API_KEY", cfg.GeminiAPIKey)
	cfg.GeminiModel = getEnv("GEMINI_MODEL", cfg.GeminiModel)
	cfg.GeminiTier = getEnv("GEMINI_TIER", cfg.GeminiTier)
	cfg.RemoteDailyTokens = getEnvInt("REMOTE_DAILY_TOKENS", cfg.RemoteDailyTokens)

	cfg.LocalModelURL = getEnv("LOCAL_MODEL_URL", cfg.LocalModelURL)
	cfg.LocalModelName = getEnv("LOCAL_MODEL_NAME", cfg.LocalModelName)
	cfg.LocalModelTimeout = getEnvDuration("LOCAL_MODEL_TIMEOUT", cfg.LocalModelTimeout)

	cfg.CacheL1TTL = getEnvDuration("CACHE_L1_TTL", cfg.CacheL1TTL)
	cfg.CacheL1Size = getEnvInt("CACHE_L1_SIZE", cfg.CacheL1Size)
	cfg.CacheL2TTL = getEnvDuration("CACHE_L2_TTL", cfg.CacheL2TTL)
	cfg.CacheL3TTL = getEnvDuration("CACHE_L3_TTL", cfg.CacheL3TTL)

	cfg.RequestBudget = getEnvDuration("REQUEST_BUDGET", cfg.RequestBudget)
	cfg.RetrievalShare = getEnvFloat64("RETRIEVAL_SHARE", cfg.RetrievalShare)
	cfg.DefaultStrategy = getEnv("RAG_STRATEGY", cfg.DefaultStrategy)

	cfg.IndexingMaxRetries = getEnvInt("INDEXING_MAX_RETRIES", cfg.IndexingMaxRetries)
	cfg.IndexingTaskTimeout = getEnvDuration("INDEXING_TASK_TIMEOUT", cfg.IndexingTaskTimeout)
	cfg.WorkerConcurrency = getEnvInt("WORKER_CONCURRENCY", cfg.WorkerConcurrency)
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", cfg.SweepInterval)

	cfg.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	cfg.TraceSampleRatio = getEnvFloat64("OTEL_SAMPLE_RATIO", cfg.TraceSampleRatio)
}

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	if c.AccessSecret == "" {
		return fmt.Errorf("ACCESS_SECRET is required - set it in .env file")
	}
	if c.GeminiAPIKey == "" && (c.RemoteEnabled || c.EmbeddingsProvider == "google") {
		return fmt.Errorf("GEMINI_API_KEY is required when the remote model or google embeddings are enabled")
	}
	switch c.VectorBackend {
	case "memory", "mongo", "qdrant":
	default:
		return fmt.Errorf("VECTOR_BACKEND must be one of memory, mongo, qdrant (got %q)", c.VectorBackend)
	}
	switch c.EmbeddingsProvider {
	case "google", "local":
	default:
		return fmt.Errorf("EMBEDDINGS_PROVIDER must be google or local (got %q)", c.EmbeddingsProvider)
	}
	if c.ChunkSize <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", c.ChunkOverlap, c.ChunkSize)
	}
	if c.RetrievalShare <= 0 || c.RetrievalShare >= 1 {
		return fmt.Errorf("RETRIEVAL_SHARE must be between 0 and 1 (got %v)", c.RetrievalShare)
	}
	if c.IndexingMaxRetries < 0 {
		return fmt.Errorf("INDEXING_MAX_RETRIES must not be negative")
	}
	return nil
}

// RetrievalBudget is the share of the request budget granted to retrieval.
func (c *Config) RetrievalBudget() time.Duration {
	return time.Duration(float64(c.RequestBudget) * c.RetrievalShare)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
