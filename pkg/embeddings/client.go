// Package embeddings turns chunk text into fixed-dimension vectors. A
// provider is selected from configuration (OpenAI-compatible HTTP, Google
// Generative AI, or a refusing no-op); every provider classifies failures
// into retryable and fatal and guards the upstream with a circuit breaker.
package embeddings

import (
	"context"
	"fmt"
	"net/http"
)

// Client generates embedding vectors for batches of text.
type Client interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension is the vector width every returned embedding has.
	Dimension() int

	// ModelIdentity reports the model name and version recorded alongside
	// every stored vector.
	ModelIdentity() (model, version string)

	// CircuitState exposes the provider breaker state for health reporting.
	CircuitState() string
}

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

// NoopClient refuses every embedding request. It stands in when no provider
// is configured so embedding work fails fast as a fatal error instead of
// retrying against nothing.
type NoopClient struct {
	dimension int
	model     string
	version   string
}

// NewNoopClient creates a NoopClient that reports the configured model
// identity and dimension.
func NewNoopClient(model, version string, dimension int) *NoopClient {
	return &NoopClient{dimension: dimension, model: model, version: version}
}

// Embed always fails with a non-retryable error.
func (c *NoopClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, &Error{
		Message:    "no embedding provider configured",
		StatusCode: http.StatusNotImplemented,
	}
}

// Dimension returns the configured vector width.
func (c *NoopClient) Dimension() int {
	return c.dimension
}

// ModelIdentity returns the configured model identity.
func (c *NoopClient) ModelIdentity() (string, string) {
	return c.model, c.version
}

// CircuitState always reports closed.
func (c *NoopClient) CircuitState() string {
	return "closed"
}
