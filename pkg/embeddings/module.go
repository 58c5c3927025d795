package embeddings

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/pkg/embeddings/genai"
	"github.com/docmill/docmill/pkg/embeddings/openai"
)

// Module provides the embeddings fx.Module
var Module = fx.Module("embeddings",
	fx.Provide(NewService),
)

// NewNoopService creates a service with a noop client (for testing)
func NewNoopService(log *slog.Logger) *Service {
	return &Service{
		client:  NewNoopClient(openai.DefaultModel, "1", openai.DefaultDimension),
		log:     log,
		enabled: false,
	}
}

// Service provides embedding generation with automatic provider selection
type Service struct {
	client  Client
	log     *slog.Logger
	enabled bool
}

// NewService creates a new embeddings service
func NewService(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger) *Service {
	embCfg := cfg.Embeddings
	noop := NewNoopClient(embCfg.Model, embCfg.Version, embCfg.Dimension)

	if !embCfg.IsEnabled() {
		log.Info("embeddings service disabled - no provider configured")
		return &Service{
			client:  noop,
			log:     log,
			enabled: false,
		}
	}

	svc := &Service{
		client:  noop, // Will be replaced on start
		log:     log,
		enabled: false,
	}

	// Initialize client on startup
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			switch embCfg.Provider {
			case "openai":
				log.Info("initializing OpenAI-compatible embeddings client",
					slog.String("base_url", embCfg.OpenAIBaseURL),
					slog.String("model", embCfg.Model),
					slog.Int("dimension", embCfg.Dimension),
				)

				client, err := openai.NewClient(openai.Config{
					BaseURL:                 embCfg.OpenAIBaseURL,
					APIKey:                  embCfg.OpenAIAPIKey,
					Model:                   embCfg.Model,
					Version:                 embCfg.Version,
					Dimension:               embCfg.Dimension,
					MaxBatchSize:            embCfg.MaxBatchSize,
					RequestsPerMinute:       embCfg.RequestsPerMinute,
					TokensPerMinute:         embCfg.TokensPerMinute,
					Timeout:                 embCfg.Timeout,
					CircuitFailureThreshold: cfg.Pipeline.CircuitFailureThreshold,
					CircuitRecoveryTimeout:  cfg.Pipeline.CircuitRecoveryTimeout,
				}, openai.WithLogger(log))
				if err != nil {
					log.Error("failed to initialize OpenAI-compatible client", slog.String("error", err.Error()))
					// Keep noop client
					return nil // Don't fail startup
				}
				svc.client = client
				svc.enabled = true
				log.Info("OpenAI-compatible embeddings client initialized")

			case "gemini":
				log.Info("initializing Google Generative AI embeddings client",
					slog.String("model", embCfg.Model),
				)

				client, err := genai.NewClient(ctx, genai.Config{
					APIKey:                  embCfg.GoogleAPIKey,
					Model:                   embCfg.Model,
					Version:                 embCfg.Version,
					Dimension:               embCfg.Dimension,
					CircuitFailureThreshold: cfg.Pipeline.CircuitFailureThreshold,
					CircuitRecoveryTimeout:  cfg.Pipeline.CircuitRecoveryTimeout,
				}, genai.WithLogger(log))
				if err != nil {
					log.Error("failed to initialize Generative AI client", slog.String("error", err.Error()))
					return nil
				}
				svc.client = client
				svc.enabled = true
				log.Info("Google Generative AI embeddings client initialized")

			default:
				log.Warn("unknown embeddings provider, embeddings stay disabled",
					slog.String("provider", embCfg.Provider),
				)
			}
			return nil
		},
	})

	return svc
}

// IsEnabled returns true if a real embedding provider is active
func (s *Service) IsEnabled() bool {
	return s.enabled
}

// Embed generates one vector per input text, in input order
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return s.client.Embed(ctx, texts)
}

// Dimension is the vector width every embedding must have
func (s *Service) Dimension() int {
	return s.client.Dimension()
}

// ModelIdentity reports the model name and version recorded on vectors
func (s *Service) ModelIdentity() (string, string) {
	return s.client.ModelIdentity()
}

// CircuitState exposes the provider breaker state for health reporting
func (s *Service) CircuitState() string {
	return s.client.CircuitState()
}
