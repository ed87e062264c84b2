// Package http provides net/http middleware for entitlement enforcement
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// ProjectIDExtractor extracts the project ID from an HTTP request
// Return empty string if the request is not bound to a project
type ProjectIDExtractor func(r *http.Request) string

// ResourceExtractor selects the resource kind the request spends
type ResourceExtractor func(r *http.Request) entitle.ResourceKind

// CostExtractor calculates how many units the request spends
type CostExtractor func(r *http.Request) (int, error)

// Config holds middleware configuration
type Config struct {
	// Manager is the entitlement manager instance
	Manager *entitle.Manager

	// GetProjectID extracts the project ID from request (required)
	GetProjectID ProjectIDExtractor

	// GetResource selects the resource kind (required)
	GetResource ResourceExtractor

	// GetCost calculates the spend (default: FixedCost(1))
	GetCost CostExtractor

	// OnDenied is called when the entitlement check denies the request
	// If nil, returns 402 Payment Required with the reason
	OnDenied func(w http.ResponseWriter, r *http.Request, decision entitle.Decision)

	// OnUnauthorized is called when no project ID is present
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, maps the error to a status code
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// errHandlerFailed marks a downstream response that must not be charged
var errHandlerFailed = errors.New("handler responded with an error status")

// Middleware creates an HTTP middleware that runs the handler between an
// entitlement check and a usage commit. Responses with status >= 400 are not charged.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Manager == nil {
		panic("goentitle/http: Config.Manager is required")
	}
	if config.GetProjectID == nil {
		panic("goentitle/http: Config.GetProjectID is required")
	}
	if config.GetResource == nil {
		panic("goentitle/http: Config.GetResource is required")
	}
	if config.GetCost == nil {
		config.GetCost = FixedCost(1)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			projectID := config.GetProjectID(r)
			if projectID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				}
				return
			}

			kind := config.GetResource(r)
			cost, err := config.GetCost(r)
			if err != nil {
				handleError(config, w, r, errors.Join(entitle.ErrInvalidAmount, err))
				return
			}

			sw := &statusWriter{ResponseWriter: w}
			decision, err := config.Manager.Do(r.Context(), projectID, kind, cost, func(ctx context.Context) error {
				next.ServeHTTP(sw, r.WithContext(ctx))
				if sw.status() >= http.StatusBadRequest {
					return errHandlerFailed
				}
				return nil
			})
			if errors.Is(err, errHandlerFailed) {
				return
			}
			if err != nil {
				if sw.wrote {
					return
				}
				handleError(config, w, r, err)
				return
			}

			if !decision.Allowed {
				if config.OnDenied != nil {
					config.OnDenied(w, r, decision)
				} else {
					writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
						"error":    decision.Reason,
						"resource": kind,
					})
				}
			}
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces entitlements (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func handleError(config Config, w http.ResponseWriter, r *http.Request, err error) {
	if config.OnError != nil {
		config.OnError(w, r, err)
		return
	}
	status := StatusCode(err)
	msg := http.StatusText(status)
	if status < http.StatusInternalServerError {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

// StatusCode maps entitlement errors to HTTP status codes
func StatusCode(err error) int {
	switch {
	case errors.Is(err, entitle.ErrProjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, entitle.ErrUnknownResource), errors.Is(err, entitle.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, entitle.ErrCircuitOpen), errors.Is(err, entitle.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusWriter records the status code written by the wrapped handler
type statusWriter struct {
	http.ResponseWriter
	code  int
	wrote bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.code = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) status() int {
	if !w.wrote {
		return http.StatusOK
	}
	return w.code
}

// Unwrap lets http.ResponseController reach the underlying writer
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Common extractors for convenience

// FixedCost returns a CostExtractor that always returns a fixed cost
func FixedCost(cost int) CostExtractor {
	return func(*http.Request) (int, error) {
		return cost, nil
	}
}

// FixedResource returns a ResourceExtractor that always returns kind
func FixedResource(kind entitle.ResourceKind) ResourceExtractor {
	return func(*http.Request) entitle.ResourceKind {
		return kind
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// ProjectIDKey is the context key for project ID
	ProjectIDKey ContextKey = "entitle:projectID"
)

// FromContext returns a ProjectIDExtractor that gets the project ID from request context
func FromContext(key ContextKey) ProjectIDExtractor {
	return func(r *http.Request) string {
		if projectID, ok := r.Context().Value(key).(string); ok {
			return projectID
		}
		return ""
	}
}

// FromHeader returns a ProjectIDExtractor that gets the project ID from a header
func FromHeader(headerName string) ProjectIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithProjectID adds project ID to request context
func WithProjectID(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, ProjectIDKey, projectID)
}
