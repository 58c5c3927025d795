package embeddings

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"testing"
)

func TestNoopClient_Embed(t *testing.T) {
	client := NewNoopClient("text-embedding-3-small", "1", 1536)
	result, err := client.Embed(context.Background(), []string{"doc1", "doc2"})

	if result != nil {
		t.Errorf("Embed() = %v, want nil", result)
	}
	if err == nil {
		t.Fatal("Embed() error = nil, want typed error")
	}

	var embErr *Error
	if !errors.As(err, &embErr) {
		t.Fatalf("Embed() error type = %T, want *Error", err)
	}
	if embErr.Retryable() {
		t.Error("Embed() error is retryable, want fatal")
	}
}

func TestNoopClient_Identity(t *testing.T) {
	client := NewNoopClient("text-embedding-3-small", "2", 1536)

	if client.Dimension() != 1536 {
		t.Errorf("Dimension() = %d, want 1536", client.Dimension())
	}
	model, version := client.ModelIdentity()
	if model != "text-embedding-3-small" || version != "2" {
		t.Errorf("ModelIdentity() = (%q, %q), want (text-embedding-3-small, 2)", model, version)
	}
	if client.CircuitState() != "closed" {
		t.Errorf("CircuitState() = %q, want closed", client.CircuitState())
	}
}

func TestNewNoopService(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := NewNoopService(logger)

	if svc == nil {
		t.Fatal("NewNoopService() returned nil")
	}

	// Should not be enabled
	if svc.IsEnabled() {
		t.Error("NewNoopService().IsEnabled() = true, want false")
	}
}

func TestService_IsEnabled(t *testing.T) {
	tests := []struct {
		name     string
		enabled  bool
		expected bool
	}{
		{
			name:     "enabled service",
			enabled:  true,
			expected: true,
		},
		{
			name:     "disabled service",
			enabled:  false,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &Service{
				enabled: tt.enabled,
			}
			if svc.IsEnabled() != tt.expected {
				t.Errorf("IsEnabled() = %v, want %v", svc.IsEnabled(), tt.expected)
			}
		})
	}
}

func TestService_Embed_WithNoopClient(t *testing.T) {
	svc := &Service{
		client: NewNoopClient("m", "1", 8),
	}

	result, err := svc.Embed(context.Background(), []string{"doc1"})
	if err == nil {
		t.Error("Embed() error = nil, want error from noop client")
	}
	if result != nil {
		t.Errorf("Embed() = %v, want nil", result)
	}
}

func TestError_Retryable(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
		{"service unavailable", http.StatusServiceUnavailable, true},
		{"gateway timeout", http.StatusGatewayTimeout, true},
		{"request timeout", http.StatusRequestTimeout, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
		{"unprocessable", http.StatusUnprocessableEntity, false},
		{"not implemented", http.StatusNotImplemented, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Error{Message: "test", StatusCode: tt.status}
			if e.Retryable() != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", e.Retryable(), tt.retryable)
			}
		})
	}
}
