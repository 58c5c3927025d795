// Package circuit wraps sony/gobreaker with the consecutive-failure
// policy shared by the external-service clients and the stage workers.
package circuit

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
)

// Config controls when a breaker opens and how long it stays open.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker. Zero means DefaultFailureThreshold.
	FailureThreshold uint32
	// RecoveryTimeout is how long the breaker stays open before allowing
	// a single half-open probe. Zero means DefaultRecoveryTimeout.
	RecoveryTimeout time.Duration
	// Interval, when non-zero, periodically clears the failure count
	// while the breaker is closed.
	Interval time.Duration
}

// Breaker counts consecutive failures and refuses calls while open.
// After RecoveryTimeout a single probe is let through; a success closes
// the circuit, a failure reopens it.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New builds a breaker named for logging and health reporting. A nil
// logger disables state-change logging.
func New(name string, cfg Config, log *slog.Logger) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = DefaultFailureThreshold
	}
	timeout := cfg.RecoveryTimeout
	if timeout == 0 {
		timeout = DefaultRecoveryTimeout
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	if log != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			log.Warn("circuit state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		}
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn under the breaker. When the breaker is open the call is
// refused without invoking fn and the returned error satisfies IsOpen.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// State returns "closed", "half-open" or "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Open reports whether the breaker currently refuses calls.
func (b *Breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// IsOpen reports whether err came from the breaker refusing a call rather
// than from the wrapped call itself.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
