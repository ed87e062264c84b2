package entitle

import "time"

// Metrics defines the interface for tracking entitlement decisions and ledger activity.
type Metrics interface {
	// RecordDecision records the outcome of an entitlement check.
	RecordDecision(kind ResourceKind, tier Tier, allowed bool)

	// RecordCheckDuration records how long a check took, ledger read included.
	RecordCheckDuration(kind ResourceKind, duration time.Duration)

	// RecordCommit records a committed consumption.
	RecordCommit(kind ResourceKind, tier Tier, amount int)

	// RecordRollover records a ledger reset at a billing cycle boundary.
	RecordRollover(tier Tier)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordDecision(_ ResourceKind, _ Tier, _ bool)             {}
func (n *NoopMetrics) RecordCheckDuration(_ ResourceKind, _ time.Duration)       {}
func (n *NoopMetrics) RecordCommit(_ ResourceKind, _ Tier, _ int)                {}
func (n *NoopMetrics) RecordRollover(_ Tier)                                     {}
func (n *NoopMetrics) RecordStorageOperation(_ string, _ time.Duration, _ error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)                  {}
