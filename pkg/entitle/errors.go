package entitle

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTier is returned when a project references a tier the catalog does not define
	ErrInvalidTier = errors.New("invalid tier")

	// ErrInvalidAmount is returned for costs and increments outside 1..MaxCost
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrUnknownResource is returned for resource kinds outside the closed set
	ErrUnknownResource = errors.New("unknown resource kind")

	// ErrProjectNotFound is returned when no project record exists for an ID
	ErrProjectNotFound = errors.New("project not found")

	// ErrStorageUnavailable is returned when storage is missing or unreachable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrProjectExists is returned when creating a project whose ID is taken
	ErrProjectExists = errors.New("project already exists")

	// ErrInvalidProject is returned for project records without an ID
	ErrInvalidProject = errors.New("invalid project")
)

// DeniedError carries a denial out of call paths that can only return an error,
// such as GuardedGenerator.Generate. Check itself never returns it.
type DeniedError struct {
	Kind     ResourceKind
	Decision Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s denied: %s", e.Kind, e.Decision.Reason)
}

// IsDenied reports whether err carries an entitlement denial
func IsDenied(err error) bool {
	var denied *DeniedError
	return errors.As(err, &denied)
}
