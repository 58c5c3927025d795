package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docmill/docmill/pkg/circuit"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected int
	}{
		{"empty", "", 0},
		{"short", "abc", 0},
		{"exact", "abcd", 1},
		{"longer", strings.Repeat("a", 400), 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := estimateTokens(tt.text); got != tt.expected {
				t.Errorf("estimateTokens(%q) = %d, want %d", tt.text, got, tt.expected)
			}
		})
	}
}

func TestMicroBatches(t *testing.T) {
	small := strings.Repeat("a", 40)     // 10 tokens
	large := strings.Repeat("b", 20000)  // 5000 tokens
	huge := strings.Repeat("c", 40000)   // 10000 tokens, above the ceiling

	tests := []struct {
		name         string
		texts        []string
		maxBatchSize int
		expected     [][]string
	}{
		{
			name:         "single batch under both bounds",
			texts:        []string{small, small, small},
			maxBatchSize: 10,
			expected:     [][]string{{small, small, small}},
		},
		{
			name:         "count cap splits",
			texts:        []string{small, small, small},
			maxBatchSize: 2,
			expected:     [][]string{{small, small}, {small}},
		},
		{
			name:         "token ceiling splits",
			texts:        []string{large, large},
			maxBatchSize: 10,
			expected:     [][]string{{large}, {large}},
		},
		{
			name:         "oversized text forms its own batch",
			texts:        []string{small, huge, small},
			maxBatchSize: 10,
			expected:     [][]string{{small}, {huge}, {small}},
		},
		{
			name:         "empty input",
			texts:        nil,
			maxBatchSize: 10,
			expected:     nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := microBatches(tt.texts, tt.maxBatchSize)
			if len(got) != len(tt.expected) {
				t.Fatalf("got %d batches, want %d", len(got), len(tt.expected))
			}
			for i := range got {
				if len(got[i]) != len(tt.expected[i]) {
					t.Errorf("batch %d has %d texts, want %d", i, len(got[i]), len(tt.expected[i]))
				}
			}
		})
	}
}

// newTestClient points a client with fast retries at a test server.
func newTestClient(t *testing.T, url string, dimension int) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:   url,
		APIKey:    "test-key",
		Model:     "text-embedding-3-small",
		Version:   "1",
		Dimension: dimension,
	}, WithBaseDelay(time.Millisecond), WithMaxDelay(5*time.Millisecond))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

// embedHandler returns vectors of the given dimension, echoing input count.
// Data is returned in reverse index order to exercise reordering.
func embedHandler(t *testing.T, dimension int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t.Helper()
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer auth, got %q", r.Header.Get("Authorization"))
		}

		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		resp := embedResponse{Model: req.Model}
		for i := len(req.Input) - 1; i >= 0; i-- {
			vec := make([]float32, dimension)
			vec[0] = float32(i)
			resp.Data = append(resp.Data, embedData{Index: i, Embedding: vec})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func TestClient_Embed(t *testing.T) {
	srv := httptest.NewServer(embedHandler(t, 3))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 3)

	vectors, err := client.Embed(context.Background(), []string{"one", "two", "three"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}

	if len(vectors) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vectors))
	}
	// Order must follow input order despite the reversed response.
	for i, v := range vectors {
		if len(v) != 3 {
			t.Errorf("vector %d has dimension %d, want 3", i, len(v))
		}
		if v[0] != float32(i) {
			t.Errorf("vector %d out of order: marker = %v, want %v", i, v[0], float32(i))
		}
	}
}

func TestClient_Embed_Empty(t *testing.T) {
	client := newTestClient(t, "http://localhost:0", 3)

	vectors, err := client.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vectors) != 0 {
		t.Errorf("got %d vectors, want 0", len(vectors))
	}
}

func TestClient_Embed_SplitsBatches(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		embedHandler(t, 3)(w, r)
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		BaseURL:      srv.URL,
		APIKey:       "test-key",
		Dimension:    3,
		MaxBatchSize: 2,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	vectors, err := client.Embed(context.Background(), []string{"a", "b", "c", "d", "e"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}

	if len(vectors) != 5 {
		t.Errorf("got %d vectors, want 5", len(vectors))
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("made %d requests, want 3", got)
	}
}

func TestClient_Embed_RetriesTransient(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		embedHandler(t, 3)(w, r)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 3)

	vectors, err := client.Embed(context.Background(), []string{"text"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vectors) != 1 {
		t.Errorf("got %d vectors, want 1", len(vectors))
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("made %d requests, want 3", got)
	}
}

func TestClient_Embed_FatalNotRetried(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"model not found","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 3)

	_, err := client.Embed(context.Background(), []string{"text"})
	if err == nil {
		t.Fatal("Embed() error = nil, want fatal error")
	}

	var embErr *Error
	if !errors.As(err, &embErr) {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if embErr.Retryable() {
		t.Error("400 response classified retryable, want fatal")
	}
	if embErr.Message != "model not found" {
		t.Errorf("Message = %q, want provider message", embErr.Message)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("made %d requests, want 1 (no retry on fatal)", got)
	}
}

func TestClient_Embed_RetriesExhausted(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		BaseURL:   srv.URL,
		APIKey:    "test-key",
		Dimension: 3,
		// Threshold above the attempt count so the breaker stays closed.
		CircuitFailureThreshold: 10,
	}, WithMaxRetries(2), WithBaseDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	_, err = client.Embed(context.Background(), []string{"text"})
	if err == nil {
		t.Fatal("Embed() error = nil, want exhaustion error")
	}

	var embErr *Error
	if !errors.As(err, &embErr) {
		t.Fatalf("error chain lost the typed error: %v", err)
	}
	if !embErr.Retryable() {
		t.Error("503 should stay classified retryable through exhaustion")
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("made %d requests, want 3 (initial + 2 retries)", got)
	}
}

func TestClient_Embed_DimensionMismatch(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		embedHandler(t, 5)(w, r) // wrong width
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, 3)

	_, err := client.Embed(context.Background(), []string{"text"})
	if err == nil {
		t.Fatal("Embed() error = nil, want dimension error")
	}

	var embErr *Error
	if !errors.As(err, &embErr) {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if embErr.Retryable() {
		t.Error("dimension mismatch classified retryable, want fatal")
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("made %d requests, want 1 (no retry on mismatch)", got)
	}
}

func TestClient_Embed_CircuitOpens(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		BaseURL:                 srv.URL,
		APIKey:                  "test-key",
		Dimension:               3,
		CircuitFailureThreshold: 1,
		CircuitRecoveryTimeout:  time.Minute,
	}, WithMaxRetries(3), WithBaseDelay(time.Millisecond))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	_, err = client.Embed(context.Background(), []string{"text"})
	if err == nil {
		t.Fatal("Embed() error = nil, want breaker error")
	}
	if !circuit.IsOpen(errors.Unwrap(err)) && !circuit.IsOpen(err) {
		t.Errorf("expected an open-circuit error, got %v", err)
	}
	if client.CircuitState() != "open" {
		t.Errorf("CircuitState() = %q, want open", client.CircuitState())
	}
	// One real request opens the breaker; the retry is refused locally.
	if got := requests.Load(); got != 1 {
		t.Errorf("made %d requests, want 1", got)
	}
}

func TestClient_ModelIdentity(t *testing.T) {
	client := newTestClient(t, "http://localhost:0", 3)

	model, version := client.ModelIdentity()
	if model != "text-embedding-3-small" || version != "1" {
		t.Errorf("ModelIdentity() = (%q, %q), want (text-embedding-3-small, 1)", model, version)
	}
	if client.Dimension() != 3 {
		t.Errorf("Dimension() = %d, want 3", client.Dimension())
	}
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(Config{BaseURL: "http://x"}); err == nil {
		t.Error("NewClient() without API key should fail")
	}
	if _, err := NewClient(Config{APIKey: "k"}); err == nil {
		t.Error("NewClient() without base URL should fail")
	}
}

func TestRateWindow_AdmitsWithinBounds(t *testing.T) {
	w := newRateWindow(2, 100)

	ctx := context.Background()
	if err := w.wait(ctx, 40); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	if err := w.wait(ctx, 40); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if len(w.entries) != 2 || w.tokens != 80 {
		t.Errorf("window state = %d entries / %d tokens, want 2 / 80", len(w.entries), w.tokens)
	}
}

func TestRateWindow_BlocksUntilCancel(t *testing.T) {
	w := newRateWindow(1, 0)

	if err := w.wait(context.Background(), 1); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	// The request bound is used up; a second wait must block until the
	// context is cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := w.wait(ctx, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("wait() error = %v, want deadline exceeded", err)
	}
}

func TestRateWindow_EvictsAgedEntries(t *testing.T) {
	w := newRateWindow(1, 100)
	w.entries = []windowEntry{{at: time.Now().Add(-2 * time.Minute), tokens: 60}}
	w.tokens = 60

	if err := w.wait(context.Background(), 50); err != nil {
		t.Fatalf("wait() error = %v, want admission after eviction", err)
	}
	if len(w.entries) != 1 || w.tokens != 50 {
		t.Errorf("window state = %d entries / %d tokens, want 1 / 50", len(w.entries), w.tokens)
	}
}

func TestRateWindow_OversizedBatchAdmittedWhenEmpty(t *testing.T) {
	w := newRateWindow(10, 100)

	// 500 tokens exceeds the per-minute bound but the window is empty;
	// blocking forever would be worse than a single oversized call.
	if err := w.wait(context.Background(), 500); err != nil {
		t.Fatalf("wait() error = %v, want admission into empty window", err)
	}
}

func TestRateWindow_Unbounded(t *testing.T) {
	w := newRateWindow(0, 0)

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		if err := w.wait(ctx, 1000); err != nil {
			t.Fatalf("wait() %d error = %v", i, err)
		}
	}
}
