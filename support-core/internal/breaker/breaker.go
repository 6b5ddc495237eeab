package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/supportops/support-core/internal/logging"
	"github.com/ILLUVRSE/supportops/support-core/internal/metrics"
)

// ErrOpen is returned when a call is refused because the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

// CircuitBreaker guards calls to a named downstream service.
type CircuitBreaker interface {
	IsOpen(service string) bool
	Execute(service string, fn func() (interface{}, error)) (interface{}, error)
}

type Settings struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before admitting a trial call.
	OpenTimeout time.Duration
	// HalfOpenMaxRequests bounds concurrent trial calls while half-open.
	HalfOpenMaxRequests uint32
	// Interval clears closed-state counts periodically. Zero keeps them until a state change.
	Interval time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:    5,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// Registry keeps one gobreaker instance per service name.
type Registry struct {
	mu       sync.Mutex
	settings Settings
	breakers map[string]*gobreaker.CircuitBreaker[interface{}]
	logger   *zap.Logger
}

func NewRegistry(settings Settings, logger *zap.Logger) *Registry {
	def := DefaultSettings()
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = def.FailureThreshold
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = def.OpenTimeout
	}
	if settings.HalfOpenMaxRequests == 0 {
		settings.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}
	return &Registry{
		settings: settings,
		breakers: map[string]*gobreaker.CircuitBreaker[interface{}]{},
		logger:   logging.OrNop(logger),
	}
}

func (r *Registry) get(service string) *gobreaker.CircuitBreaker[interface{}] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[service]; ok {
		return cb
	}
	threshold := r.settings.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        service,
		MaxRequests: r.settings.HalfOpenMaxRequests,
		Interval:    r.settings.Interval,
		Timeout:     r.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Caller cancellations count as neither success nor failure, and an
		// excluded half-open call frees its slot.
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				zap.String("service", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.SetBreakerState(name, stateValue(to))
		},
	})
	r.breakers[service] = cb
	metrics.SetBreakerState(service, stateValue(gobreaker.StateClosed))
	return cb
}

func (r *Registry) IsOpen(service string) bool {
	return r.get(service).State() == gobreaker.StateOpen
}

// Execute runs fn through the service breaker. Refusals wrap ErrOpen.
func (r *Registry) Execute(service string, fn func() (interface{}, error)) (interface{}, error) {
	out, err := r.get(service).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpen, service, err)
	}
	return out, err
}

// State reports closed, half-open or open.
func (r *Registry) State(service string) string {
	return r.get(service).State().String()
}

func stateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

var _ CircuitBreaker = (*Registry)(nil)
