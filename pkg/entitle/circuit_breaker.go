package entitle

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// CircuitBreaker defines the interface for a circuit breaker.
type CircuitBreaker interface {
	// Execute executes the given function within the circuit breaker.
	Execute(ctx context.Context, fn func() error) error
	// State returns the current state of the circuit breaker.
	State() CircuitBreakerState
}

// DefaultCircuitBreaker is a consecutive-failure circuit breaker.
type DefaultCircuitBreaker struct {
	mu sync.Mutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	openedAt            time.Time

	onStateChange func(state CircuitBreakerState)
}

// NewDefaultCircuitBreaker creates a new default circuit breaker.
func NewDefaultCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &DefaultCircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		onStateChange:    onStateChange,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// currentState promotes Open to Half-Open once the reset timeout has elapsed.
// Callers must hold mu.
func (cb *DefaultCircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.resetTimeout {
		cb.changeState(StateHalfOpen)
	}
	return cb.state
}

func (cb *DefaultCircuitBreaker) Execute(_ context.Context, fn func() error) error {
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}

	if err := fn(); err != nil {
		cb.failure()
		return err
	}

	cb.success()
	return nil
}

func (cb *DefaultCircuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state != StateClosed {
		cb.changeState(StateClosed)
	}
}

func (cb *DefaultCircuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	switch cb.currentState() {
	case StateHalfOpen:
		cb.open()
	case StateClosed:
		if cb.consecutiveFailures >= cb.failureThreshold {
			cb.open()
		}
	}
}

func (cb *DefaultCircuitBreaker) open() {
	cb.openedAt = time.Now()
	cb.changeState(StateOpen)
}

func (cb *DefaultCircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection.
// ErrProjectNotFound is a normal answer and does not count as a failure.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker) *CircuitBreakerStorage {
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
	}
}

func (s *CircuitBreakerStorage) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var project *Project
	var notFound error
	err := s.cb.Execute(ctx, func() error {
		var e error
		project, e = s.storage.GetProject(ctx, projectID)
		if errors.Is(e, ErrProjectNotFound) {
			notFound = e
			return nil
		}
		return e
	})
	if err != nil {
		return nil, err
	}
	return project, notFound
}

func (s *CircuitBreakerStorage) SaveProject(ctx context.Context, project *Project) error {
	return s.cb.Execute(ctx, func() error {
		return s.storage.SaveProject(ctx, project)
	})
}

func (s *CircuitBreakerStorage) GetUsage(ctx context.Context, projectID string) (*UsageStats, error) {
	var usage *UsageStats
	err := s.cb.Execute(ctx, func() error {
		var e error
		usage, e = s.storage.GetUsage(ctx, projectID)
		return e
	})
	return usage, err
}

func (s *CircuitBreakerStorage) IncrementUsage(
	ctx context.Context, projectID string, kind ResourceKind, amount int,
) (*UsageStats, error) {
	var usage *UsageStats
	err := s.cb.Execute(ctx, func() error {
		var e error
		usage, e = s.storage.IncrementUsage(ctx, projectID, kind, amount)
		return e
	})
	return usage, err
}

func (s *CircuitBreakerStorage) ResetUsage(
	ctx context.Context, projectID string, cycleStart time.Time,
) (*UsageStats, bool, error) {
	var usage *UsageStats
	var reset bool
	err := s.cb.Execute(ctx, func() error {
		var e error
		usage, reset, e = s.storage.ResetUsage(ctx, projectID, cycleStart)
		return e
	})
	return usage, reset, err
}
