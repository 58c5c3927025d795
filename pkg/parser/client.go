// Package parser provides the client for the document parsing service,
// which converts raw PDF artifacts into normalized markdown. The HTTP
// client wraps every call in a circuit breaker and classifies failures
// into retryable and fatal; a simulated converter stands in when no
// service is configured.
package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.uber.org/fx"

	"github.com/docmill/docmill/internal/config"
	"github.com/docmill/docmill/pkg/circuit"
	"github.com/docmill/docmill/pkg/logger"
)

// Module provides the parser client and the converter selection as an fx module
var Module = fx.Module("parser",
	fx.Provide(NewClient),
	fx.Provide(NewConverter),
)

// Parse job statuses reported by the service.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Converter produces markdown from a raw document artifact. jobID is the
// pipeline job id used for correlation, sourceURI the raw artifact path.
type Converter interface {
	Convert(ctx context.Context, jobID, sourceURI string) ([]byte, error)
}

// Client is an HTTP client for the parsing service
type Client struct {
	httpClient    *http.Client
	baseURL       string
	apiKey        string
	webhookSecret string
	timeout       time.Duration
	pollInterval  time.Duration
	enabled       bool
	breaker       *circuit.Breaker
	log           *slog.Logger
}

// NewClient creates a new parser client
func NewClient(cfg *config.Config, log *slog.Logger) *Client {
	scoped := log.With(logger.Scope("parser"))
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Parser.Timeout,
		},
		baseURL:       strings.TrimRight(cfg.Parser.ServiceURL, "/"),
		apiKey:        cfg.Parser.APIKey,
		webhookSecret: cfg.Parser.WebhookSecret,
		timeout:       cfg.Parser.Timeout,
		pollInterval:  cfg.Parser.PollInterval,
		enabled:       cfg.Parser.UseHTTP(),
		breaker: circuit.New("parser", circuit.Config{
			FailureThreshold: cfg.Pipeline.CircuitFailureThreshold,
			RecoveryTimeout:  cfg.Pipeline.CircuitRecoveryTimeout,
		}, scoped),
		log: scoped,
	}
}

// NewConverter selects the converter implementation from configuration.
func NewConverter(cfg *config.Config, client *Client, log *slog.Logger) Converter {
	if cfg.Parser.UseHTTP() {
		return client
	}
	return NewSimulated(log)
}

// IsEnabled returns true if the remote parsing service is enabled
func (c *Client) IsEnabled() bool {
	return c.enabled
}

// SubmitResult is the response to a parse submission
type SubmitResult struct {
	ParserJobID string `json:"parser_job_id"`
	Status      string `json:"status"`
}

// StatusResult is the response to a parse status poll
type StatusResult struct {
	Status    string `json:"status"`
	ResultURI string `json:"result_uri,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Health describes the parser client's view of the service
type Health struct {
	Healthy      bool   `json:"healthy"`
	CircuitState string `json:"circuit_state"`
}

// Error represents a parsing service error
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

// Submit sends a document for parsing. webhookURI, when non-empty, is
// where the service posts a signed completion callback.
func (c *Client) Submit(ctx context.Context, jobID, sourceURI, webhookURI string) (*SubmitResult, error) {
	if !c.enabled {
		return nil, &Error{
			Message:    "parsing service is not enabled",
			StatusCode: http.StatusServiceUnavailable,
		}
	}

	payload := map[string]string{
		"job_id":     jobID,
		"source_uri": sourceURI,
	}
	if webhookURI != "" {
		payload["webhook_uri"] = webhookURI
	}

	var result SubmitResult
	err := c.breaker.Execute(func() error {
		return c.postJSON(ctx, "/v1/jobs", payload, &result)
	})
	if err != nil {
		return nil, err
	}

	c.log.Debug("parse submitted",
		slog.String("job_id", jobID),
		slog.String("parser_job_id", result.ParserJobID),
		slog.String("status", result.Status),
	)
	return &result, nil
}

// Status polls the state of a previously submitted parse.
func (c *Client) Status(ctx context.Context, parserJobID string) (*StatusResult, error) {
	if !c.enabled {
		return nil, &Error{
			Message:    "parsing service is not enabled",
			StatusCode: http.StatusServiceUnavailable,
		}
	}

	var result StatusResult
	err := c.breaker.Execute(func() error {
		return c.getJSON(ctx, "/v1/jobs/"+parserJobID, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Convert submits the artifact and polls until the parse completes, then
// downloads the markdown result.
func (c *Client) Convert(ctx context.Context, jobID, sourceURI string) ([]byte, error) {
	sub, err := c.Submit(ctx, jobID, sourceURI, "")
	if err != nil {
		return nil, err
	}

	for {
		st, err := c.Status(ctx, sub.ParserJobID)
		if err != nil {
			return nil, err
		}

		switch st.Status {
		case StatusCompleted:
			return c.fetchResult(ctx, st.ResultURI)
		case StatusFailed:
			return nil, &Error{
				Message:    fmt.Sprintf("parse failed for job %s", jobID),
				Detail:     st.Error,
				StatusCode: http.StatusUnprocessableEntity,
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// Health checks the parsing service and reports the local breaker state.
// Never returns an error: failures are folded into the Healthy flag.
func (c *Client) Health(ctx context.Context) *Health {
	h := &Health{CircuitState: c.breaker.State()}
	if !c.enabled {
		return h
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return h
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("parser health check failed", logger.Error(err))
		return h
	}
	defer resp.Body.Close()

	h.Healthy = resp.StatusCode == http.StatusOK
	return h
}

// CircuitState exposes the breaker state for worker health reporting.
func (c *Client) CircuitState() string {
	return c.breaker.State()
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() == context.DeadlineExceeded {
			return &Error{
				Message:    "parser request timed out",
				Detail:     err.Error(),
				StatusCode: http.StatusRequestTimeout,
			}
		}
		return &Error{
			Message:    fmt.Sprintf("parser service unavailable at %s", c.baseURL),
			Detail:     err.Error(),
			StatusCode: http.StatusServiceUnavailable,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return c.handleErrorResponse(resp.StatusCode, body)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) fetchResult(ctx context.Context, resultURI string) ([]byte, error) {
	if resultURI == "" {
		return nil, &Error{
			Message:    "parse completed without a result location",
			StatusCode: http.StatusUnprocessableEntity,
		}
	}

	url := resultURI
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = c.baseURL + "/" + strings.TrimLeft(resultURI, "/")
	}

	var markdown []byte
	err := c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		c.authorize(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &Error{
				Message:    "parse result download failed",
				Detail:     err.Error(),
				StatusCode: http.StatusServiceUnavailable,
			}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read result body: %w", err)
		}
		if resp.StatusCode >= 400 {
			return c.handleErrorResponse(resp.StatusCode, body)
		}

		markdown = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return markdown, nil
}

// handleErrorResponse converts HTTP error responses to Error
func (c *Client) handleErrorResponse(statusCode int, body []byte) *Error {
	var errResp struct {
		Error   string `json:"error"`
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}

	var message, detail string
	if err := json.Unmarshal(body, &errResp); err == nil {
		message = errResp.Error
		if message == "" {
			message = errResp.Message
		}
		detail = errResp.Detail
	} else {
		message = strings.TrimSpace(string(body))
	}
	if message == "" {
		message = fmt.Sprintf("parser returned status %d", statusCode)
	}

	c.log.Warn("parser error",
		slog.Int("status_code", statusCode),
		slog.String("message", message),
		slog.String("detail", detail),
	)

	return &Error{
		Message:    message,
		Detail:     detail,
		StatusCode: statusCode,
	}
}
