// Package openai provides an OpenAI-compatible embeddings client. Batches
// are split into micro-batches bounded by a count cap and a token ceiling,
// each micro-batch is retried independently, and a sliding-minute window
// throttles request and token throughput before every provider call.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/docmill/docmill/pkg/circuit"
)

const (
	// DefaultModel is the default embedding model
	DefaultModel = "text-embedding-3-small"

	// DefaultDimension is the embedding dimension for text-embedding-3-small
	DefaultDimension = 1536

	// DefaultMaxBatchSize is the maximum number of texts per request
	DefaultMaxBatchSize = 64

	// DefaultMaxRetries is the default number of retries per micro-batch
	DefaultMaxRetries = 3

	// DefaultBaseDelay is the base delay for exponential backoff
	DefaultBaseDelay = 100 * time.Millisecond

	// DefaultMaxDelay is the maximum delay for exponential backoff
	DefaultMaxDelay = 10 * time.Second

	// batchTokenCeiling caps the approximate token count of one micro-batch
	batchTokenCeiling = 8000
)

// Error represents an embedding provider error
type Error struct {
	// Message is the human-friendly error message
	Message string
	// Detail is the technical error detail
	Detail string
	// StatusCode is the HTTP status code; 0 for pre-flight failures
	StatusCode int
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

// retryableStatuses are the HTTP classes worth retrying.
var retryableStatuses = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Retryable reports whether the error is a transient remote failure.
func (e *Error) Retryable() bool {
	return retryableStatuses[e.StatusCode]
}

// Config holds the configuration for the OpenAI-compatible client
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Version string

	// Dimension every returned vector must have
	Dimension int

	// MaxBatchSize caps how many texts go into one micro-batch
	MaxBatchSize int

	// RequestsPerMinute and TokensPerMinute bound the call rate; zero
	// disables the corresponding bound
	RequestsPerMinute int
	TokensPerMinute   int

	// Timeout is the per-request timeout
	Timeout time.Duration

	// CircuitFailureThreshold and CircuitRecoveryTimeout configure the
	// provider breaker; zero values use the circuit package defaults
	CircuitFailureThreshold uint32
	CircuitRecoveryTimeout  time.Duration
}

// Client is an OpenAI-compatible embeddings client
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	version    string
	dimension  int

	maxBatchSize int
	window       *rateWindow
	breaker      *circuit.Breaker
	log          *slog.Logger

	// Retry configuration
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// ClientOption configures the Client
type ClientOption func(*Client)

// WithMaxRetries sets the maximum number of retries per micro-batch
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

// NewClient creates a new OpenAI-compatible embeddings client
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	c := &Client{
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		version:      cfg.Version,
		dimension:    cfg.Dimension,
		maxBatchSize: cfg.MaxBatchSize,
		window:       newRateWindow(cfg.RequestsPerMinute, cfg.TokensPerMinute),
		log:          slog.Default(),
		maxRetries:   DefaultMaxRetries,
		baseDelay:    DefaultBaseDelay,
		maxDelay:     DefaultMaxDelay,
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

	batches := microBatches(texts, c.maxBatchSize)

	vectors := make([][]float32, 0, len(texts))
	for i, batch := range batches {
		batchVectors, err := c.embedWithRetry(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("failed to embed batch %d of %d: %w", i+1, len(batches), err)
		}
		vectors = append(vectors, batchVectors...)
	}

	return vectors, nil
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

// estimateTokens approximates the token count of a text as len/4.
func estimateTokens(text string) int {
	return len(text) / 4
}

// microBatches splits texts into batches bounded by both the count cap and
// the token ceiling. A single oversized text still forms its own batch.
func microBatches(texts []string, maxBatchSize int) [][]string {
	var batches [][]string
	var current []string
	tokens := 0

	for _, text := range texts {
		t := estimateTokens(text)
		if len(current) > 0 && (len(current) >= maxBatchSize || tokens+t > batchTokenCeiling) {
			batches = append(batches, current)
			current = nil
			tokens = 0
		}
		current = append(current, text)
		tokens += t
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}

	return batches
}

// batchTokens sums the token estimates of a batch.
func batchTokens(texts []string) int {
	total := 0
	for _, text := range texts {
		total += estimateTokens(text)
	}
	return total
}

// embedWithRetry embeds one micro-batch with retry on transient failures.
func (c *Client) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
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

		vectors, err := c.embedBatch(ctx, texts)
		if err == nil {
			return vectors, nil
		}

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Fatal provider responses and an open breaker are not worth
		// burning local attempts on; surface them for classification.
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

	return nil, fmt.Errorf("all retries exhausted: %w", lastErr)
}

// embedBatch makes a single provider call for one micro-batch: it waits for
// rate-window admission, then runs the request under the circuit breaker.
func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := c.window.wait(ctx, batchTokens(texts)); err != nil {
		return nil, err
	}

	var vectors [][]float32
	err := c.breaker.Execute(func() error {
		out, err := c.post(ctx, texts)
		if err != nil {
			return err
		}
		vectors = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embedResponse struct {
	Data  []embedData `json:"data"`
	Model string      `json:"model"`
}

// post performs one embeddings request and validates the response shape.
func (c *Client) post(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() == context.DeadlineExceeded {
			return nil, &Error{
				Message:    "embedding request timed out",
				Detail:     err.Error(),
				StatusCode: http.StatusRequestTimeout,
			}
		}
		return nil, &Error{
			Message:    fmt.Sprintf("embedding provider unavailable at %s", c.baseURL),
			Detail:     err.Error(),
			StatusCode: http.StatusServiceUnavailable,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, c.handleErrorResponse(resp.StatusCode, respBody)
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(parsed.Data) != len(texts) {
		return nil, &Error{
			Message:    fmt.Sprintf("provider returned %d embeddings for %d inputs", len(parsed.Data), len(texts)),
			StatusCode: http.StatusUnprocessableEntity,
		}
	}

	// The provider may return data out of order; place by index.
	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, &Error{
				Message:    fmt.Sprintf("provider returned out-of-range index %d", d.Index),
				StatusCode: http.StatusUnprocessableEntity,
			}
		}
		vectors[d.Index] = d.Embedding
	}

	for i, v := range vectors {
		if v == nil {
			return nil, &Error{
				Message:    fmt.Sprintf("provider returned no embedding for input %d", i),
				StatusCode: http.StatusUnprocessableEntity,
			}
		}
		if len(v) != c.dimension {
			return nil, &Error{
				Message:    fmt.Sprintf("vector %d has dimension %d, want %d", i, len(v), c.dimension),
				StatusCode: http.StatusUnprocessableEntity,
			}
		}
	}

	return vectors, nil
}

// handleErrorResponse converts HTTP error responses to Error
func (c *Client) handleErrorResponse(statusCode int, body []byte) *Error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}

	var message, detail string
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		detail = errResp.Error.Type
	} else {
		message = strings.TrimSpace(string(body))
	}
	if message == "" {
		message = fmt.Sprintf("embedding provider returned status %d", statusCode)
	}

	c.log.Warn("embedding provider error",
		slog.Int("status_code", statusCode),
		slog.String("message", message),
	)

	return &Error{
		Message:    message,
		Detail:     detail,
		StatusCode: statusCode,
	}
}

// calculateBackoff calculates the backoff delay for a given attempt
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}
	return time.Duration(delay)
}
