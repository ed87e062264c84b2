package entitle

import (
	"context"
	"time"
)

// Storage defines the interface for project and usage persistence.
// All methods use concrete types from this package to avoid import cycles.
type Storage interface {
	// GetProject retrieves a project record
	// Returns ErrProjectNotFound if the project does not exist
	GetProject(ctx context.Context, projectID string) (*Project, error)

	// SaveProject creates or replaces a project record
	SaveProject(ctx context.Context, project *Project) error

	// GetUsage retrieves the usage record of a project
	// Returns nil, nil if the project has no usage yet
	GetUsage(ctx context.Context, projectID string) (*UsageStats, error)

	// IncrementUsage atomically adds amount to the counter backing kind
	// and returns the updated record
	IncrementUsage(ctx context.Context, projectID string, kind ResourceKind, amount int) (*UsageStats, error)

	// ResetUsage atomically zeroes every counter when the stored cycle start is
	// before cycleStart, and records cycleStart. Returns the record and whether it was reset.
	ResetUsage(ctx context.Context, projectID string, cycleStart time.Time) (*UsageStats, bool, error)
}

// Locker serializes check-then-act-then-commit sequences per key.
type Locker interface {
	// Lock blocks until key is held or ctx is done, and returns the release function.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
