package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort    int    `env:"SERVER_PORT" envDefault:"3002"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"ENVIRONMENT" envDefault:"local"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// APIKey is the static bearer key required on the ingestion API.
	// Empty disables authentication (local development only).
	APIKey string `env:"API_KEY" envDefault:""`

	// Database settings
	Database DatabaseConfig

	// Storage (S3/MinIO) settings
	Storage StorageConfig

	// Parser service settings
	Parser ParserConfig

	// Embedding provider settings
	Embeddings EmbeddingsConfig

	// Pipeline worker and queue settings
	Pipeline PipelineConfig

	// Intake validation and rate-limit settings
	Intake IntakeConfig

	// OpenTelemetry settings
	Otel OtelConfig

	// Server timeouts
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"docmill"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"docmill"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// StorageConfig holds blob storage (S3/MinIO) configuration
type StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL
	Endpoint string `env:"STORAGE_ENDPOINT" envDefault:"localhost:9000"`
	// AccessKeyID is the access key ID
	AccessKeyID string `env:"STORAGE_ACCESS_KEY" envDefault:""`
	// SecretAccessKey is the secret access key
	SecretAccessKey string `env:"STORAGE_SECRET_KEY" envDefault:""`
	// Bucket is the bucket name
	Bucket string `env:"STORAGE_BUCKET" envDefault:"docmill"`
	// UseSSL determines if SSL should be used
	UseSSL bool `env:"STORAGE_USE_SSL" envDefault:"false"`
	// Region is the bucket region (for S3 compatibility)
	Region string `env:"STORAGE_REGION" envDefault:"us-east-1"`
	// PresignTTL is how long presigned upload URLs stay valid
	PresignTTL time.Duration `env:"STORAGE_PRESIGN_TTL" envDefault:"15m"`
}

// IsConfigured returns true if storage is configured
func (s *StorageConfig) IsConfigured() bool {
	return s.Endpoint != "" && s.AccessKeyID != "" && s.SecretAccessKey != ""
}

// ParserConfig holds parser service configuration
type ParserConfig struct {
	// Mode selects the converter: "http" for the remote service,
	// anything else runs the simulated converter.
	Mode string `env:"PARSER_MODE" envDefault:"simulated"`
	// ServiceURL is the parser service base URL
	ServiceURL string `env:"PARSER_SERVICE_URL" envDefault:"http://localhost:8600"`
	// APIKey is the bearer token sent on parser requests
	APIKey string `env:"PARSER_API_KEY" envDefault:""`
	// WebhookSecret signs/verifies parser webhook callbacks; empty disables verification
	WebhookSecret string `env:"PARSER_WEBHOOK_SECRET" envDefault:""`
	// Timeout is the per-request timeout
	Timeout time.Duration `env:"PARSER_TIMEOUT" envDefault:"120s"`
	// PollInterval is the delay between status polls while a parse runs
	PollInterval time.Duration `env:"PARSER_POLL_INTERVAL" envDefault:"2s"`
}

// UseHTTP returns true when the remote parser service should be called
func (p *ParserConfig) UseHTTP() bool {
	return p.Mode == "http"
}

// EmbeddingsConfig holds embedding provider configuration
type EmbeddingsConfig struct {
	// Provider: "openai", "gemini", or empty for the no-op provider
	Provider string `env:"EMBEDDINGS_PROVIDER" envDefault:""`

	// OpenAI-compatible API settings
	OpenAIBaseURL string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	OpenAIAPIKey  string `env:"OPENAI_API_KEY" envDefault:""`

	// Google API key for the gemini provider
	GoogleAPIKey string `env:"GOOGLE_API_KEY" envDefault:""`

	// Model identity recorded on every chunk vector
	Model   string `env:"EMBED_MODEL" envDefault:"text-embedding-3-small"`
	Version string `env:"EMBED_VERSION" envDefault:"1"`

	// Dimension every returned vector must have
	Dimension int `env:"EMBED_DIMENSION" envDefault:"1536"`

	// MaxBatchSize caps how many texts go into one request
	MaxBatchSize int `env:"EMBED_MAX_BATCH_SIZE" envDefault:"64"`
	// RequestsPerMinute and TokensPerMinute bound the provider call rate
	RequestsPerMinute int `env:"EMBED_REQUESTS_PER_MINUTE" envDefault:"3000"`
	TokensPerMinute   int `env:"EMBED_TOKENS_PER_MINUTE" envDefault:"1000000"`

	// Timeout is the per-request timeout
	Timeout time.Duration `env:"EMBED_TIMEOUT" envDefault:"60s"`
}

// IsEnabled returns true if a real embedding provider is configured
func (e *EmbeddingsConfig) IsEnabled() bool {
	return e.Provider != ""
}

// PipelineConfig holds stage-worker and job-queue settings
type PipelineConfig struct {
	// WorkerCount is how many worker loops this process runs
	WorkerCount int `env:"PIPELINE_WORKER_COUNT" envDefault:"2"`
	// TerminalStage is the stage at which jobs transition to done
	TerminalStage string `env:"PIPELINE_TERMINAL_STAGE" envDefault:"embedded"`
	// PollInterval is the sleep between empty leases
	PollInterval time.Duration `env:"PIPELINE_POLL_INTERVAL" envDefault:"2s"`
	// MaxRetries caps per-job retry count
	MaxRetries int `env:"PIPELINE_MAX_RETRIES" envDefault:"3"`
	// RetryBaseDelay is the base of the exponential backoff
	RetryBaseDelay time.Duration `env:"PIPELINE_RETRY_BASE_DELAY" envDefault:"3s"`

	// CircuitFailureThreshold is the consecutive-failure count that opens a breaker
	CircuitFailureThreshold uint32 `env:"CIRCUIT_FAILURE_THRESHOLD" envDefault:"5"`
	// CircuitRecoveryTimeout is how long a breaker stays open before half-open
	CircuitRecoveryTimeout time.Duration `env:"CIRCUIT_RECOVERY_TIMEOUT" envDefault:"60s"`

	// IDNamespace is the UUIDv5 namespace for document and chunk ids.
	// Changing it partitions the id space; set once per deployment.
	IDNamespace string `env:"PIPELINE_ID_NAMESPACE" envDefault:"0f2a4c1e-8f5d-4a3b-9c6e-d71b20c45a9f"`

	// ChunkerName and ChunkerVersion select the chunking strategy
	ChunkerName    string `env:"CHUNKER_NAME" envDefault:"markdown-simple"`
	ChunkerVersion int    `env:"CHUNKER_VERSION" envDefault:"1"`
}

// defaultIDNamespace backs Namespace when the env value fails to parse.
var defaultIDNamespace = uuid.MustParse("0f2a4c1e-8f5d-4a3b-9c6e-d71b20c45a9f")

// Namespace returns the parsed UUIDv5 namespace. A malformed value falls
// back to the built-in default rather than failing startup.
func (p *PipelineConfig) Namespace() uuid.UUID {
	ns, err := uuid.Parse(p.IDNamespace)
	if err != nil {
		return defaultIDNamespace
	}
	return ns
}

// IntakeConfig holds upload validation and rate-limit settings
type IntakeConfig struct {
	// MaxFileSizeBytes is the intake size cap (default 25 MiB, clamped to 50 MiB)
	MaxFileSizeBytes int64 `env:"INTAKE_MAX_FILE_SIZE_BYTES" envDefault:"26214400"`
	// RequestsPerMinute is the per-user upload rate limit; 0 disables limiting
	RequestsPerMinute int `env:"INTAKE_REQUESTS_PER_MINUTE" envDefault:"60"`
}

// hardMaxFileSize is the absolute intake ceiling (50 MiB).
const hardMaxFileSize = int64(50) << 20

// EffectiveMaxFileSize returns the configured cap clamped to the hard ceiling.
func (i *IntakeConfig) EffectiveMaxFileSize() int64 {
	if i.MaxFileSizeBytes <= 0 || i.MaxFileSizeBytes > hardMaxFileSize {
		return hardMaxFileSize
	}
	return i.MaxFileSizeBytes
}

// NewConfig loads configuration from environment variables
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.ServerPort),
		slog.String("db_host", cfg.Database.Host),
		slog.String("parser_mode", cfg.Parser.Mode),
		slog.String("embeddings_provider", cfg.Embeddings.Provider),
		slog.Int("worker_count", cfg.Pipeline.WorkerCount),
	)

	return cfg, nil
}
