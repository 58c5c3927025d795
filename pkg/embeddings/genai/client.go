// Package genai provides a Google Generative AI embeddings client.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/docmill/docmill/pkg/circuit"
)

const (
	// DefaultModel is the default embedding model
	DefaultModel = "text-embedding-004"

	// DefaultDimension is the embedding dimension for text-embedding-004
	DefaultDimension = 768

	// DefaultMaxRetries is the default number of retries
	DefaultMaxRetries = 3

	// DefaultBaseDelay is the base delay for exponential backoff
	DefaultBaseDelay = 100 * time.Millisecond

	// DefaultMaxDelay is the maximum delay for exponential backoff
	DefaultMaxDelay = 10 * time.Second

	// DefaultBatchSize is the maximum batch size per request
	// Google Generative AI supports up to 100 texts per request
	DefaultBatchSize = 100
)

// Config holds the configuration for the Generative AI client
type Config struct {
	APIKey  string
	Model   string
	Version string

	// Dimension every returned vector must have
	Dimension int

	// CircuitFailureThreshold and CircuitRecoveryTimeout configure the
	// provider breaker; zero values use the circuit package defaults
	CircuitFailureThreshold uint32
	CircuitRecoveryTimeout  time.Duration
}

// Error represents an embedding provider error. The Generative AI SDK does
// not expose response classes, so exhausted calls surface as retryable.
type Error struct {
	Message    string
	Detail     string
	StatusCode int
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

// Retryable reports whether the error is a transient remote failure.
func (e *Error) Retryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Client is a Google Generative AI embeddings client
type Client struct {
	client    *genai.Client
	model     string
	version   string
	dimension int
	breaker   *circuit.Breaker
	log       *slog.Logger

	// Retry configuration
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// ClientOption configures the Client
type ClientOption func(*Client)

// WithMaxRetries sets the maximum number of retries
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithBaseDelay sets the base delay for exponential backoff
func WithBaseDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.baseDelay = d
	}
}

// WithMaxDelay sets the maximum delay for exponential backoff
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.maxDelay = d
	}
}

// WithLogger sets the logger
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// NewClient creates a new Google Generative AI embeddings client
func NewClient(ctx context.Context, cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}

	// Create genai client with API key
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	c := &Client{
		client:     client,
		model:      cfg.Model,
		version:    cfg.Version,
		dimension:  cfg.Dimension,
		log:        slog.Default(),
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		maxDelay:   DefaultMaxDelay,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.breaker = circuit.New("embeddings", circuit.Config{
		FailureThreshold: cfg.CircuitFailureThreshold,
		RecoveryTimeout:  cfg.CircuitRecoveryTimeout,
	}, c.log)

	return c, nil
}

// Embed generates embeddings for the given texts, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	// Process in batches
	var allEmbeddings [][]float32

	for i := 0; i < len(texts); i += DefaultBatchSize {
		end := i + DefaultBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]

		embeddings, err := c.embedWithRetry(ctx, batch, "RETRIEVAL_DOCUMENT")
		if err != nil {
			return nil, fmt.Errorf("failed to embed batch %d-%d: %w", i, end, err)
		}

		allEmbeddings = append(allEmbeddings, embeddings...)
	}

	return allEmbeddings, nil
}

// Dimension returns the vector width the client validates against.
func (c *Client) Dimension() int {
	return c.dimension
}

// ModelIdentity returns the model name and version.
func (c *Client) ModelIdentity() (string, string) {
	return c.model, c.version
}

// CircuitState returns the provider breaker state.
func (c *Client) CircuitState() string {
	return c.breaker.State()
}

// embedWithRetry embeds a batch of texts with retry logic
func (c *Client) embedWithRetry(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.calculateBackoff(attempt)
			c.log.Debug("retrying embedding request",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		embeddings, err := c.embedBatch(ctx, texts, taskType)
		if err == nil {
			return embeddings, nil
		}

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Malformed responses and an open breaker are not worth burning
		// local attempts on; surface them for classification.
		var embErr *Error
		if errors.As(err, &embErr) && !embErr.Retryable() {
			return nil, err
		}
		if circuit.IsOpen(err) {
			return nil, err
		}

		lastErr = err
		c.log.Warn("embedding request failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	return nil, &Error{
		Message:    "all retries exhausted",
		Detail:     lastErr.Error(),
		StatusCode: http.StatusBadGateway,
	}
}

func (c *Client) embedBatch(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	embeddings := make([][]float32, 0, len(texts))

	err := c.breaker.Execute(func() error {
		for _, text := range texts {
			result, err := c.client.Models.EmbedContent(
				ctx,
				c.model,
				genai.Text(text),
				&genai.EmbedContentConfig{
					TaskType: taskType,
				},
			)
			if err != nil {
				return fmt.Errorf("failed to embed text: %w", err)
			}

			if len(result.Embeddings) == 0 {
				return &Error{
					Message:    "no embeddings returned for text",
					StatusCode: http.StatusUnprocessableEntity,
				}
			}

			values := result.Embeddings[0].Values
			if len(values) != c.dimension {
				return &Error{
					Message:    fmt.Sprintf("vector has dimension %d, want %d", len(values), c.dimension),
					StatusCode: http.StatusUnprocessableEntity,
				}
			}

			embeddings = append(embeddings, values)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return embeddings, nil
}

// calculateBackoff calculates the backoff delay for a given attempt
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}
	return time.Duration(delay)
}
