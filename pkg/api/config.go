package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// Config holds configuration for the Usage API handler
type Config struct {
	// Manager is the entitlement manager instance (required)
	Manager *entitle.Manager

	// GetProjectID extracts the project ID from the HTTP request (required)
	// Similar to middleware/http pattern
	GetProjectID func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used for internal errors (default: NoopLogger)
	Logger entitle.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.GetProjectID == nil {
		return fmt.Errorf("getProjectID is required")
	}
	return nil
}

// NewHandler creates a new Usage API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &entitle.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common ProjectID extraction patterns

// FromHeader returns a GetProjectID function that extracts the project ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetProjectID function that extracts the project ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if projectID, ok := r.Context().Value(key).(string); ok {
			return projectID
		}
		return ""
	}
}

// FromPathValue returns a GetProjectID function that reads a named wildcard
// set by the router (http.ServeMux patterns, chi)
func FromPathValue(name string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}
