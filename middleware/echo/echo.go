// Package echo provides Echo middleware for entitlement enforcement
package echo

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// ProjectIDExtractor extracts the project ID from an Echo context
// Return empty string if the request is not bound to a project
type ProjectIDExtractor func(c echo.Context) string

// ResourceExtractor selects the resource kind the request spends
type ResourceExtractor func(c echo.Context) entitle.ResourceKind

// CostExtractor calculates how many units the request spends
type CostExtractor func(c echo.Context) (int, error)

// Config holds middleware configuration
type Config struct {
	// Manager is the entitlement manager instance
	Manager *entitle.Manager

	// GetProjectID extracts the project ID from context (required)
	GetProjectID ProjectIDExtractor

	// GetResource selects the resource kind (required)
	GetResource ResourceExtractor

	// GetCost calculates the spend (default: FixedCost(1))
	GetCost CostExtractor

	// DeniedStatusCode is the HTTP status code returned on denial
	// Default: 402 (Payment Required)
	DeniedStatusCode int

	// OnDenied is called when the entitlement check denies the request
	OnDenied func(c echo.Context, decision entitle.Decision) error

	// OnUnauthorized is called when no project ID is present
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	OnError func(c echo.Context, err error) error
}

var errHandlerFailed = errors.New("handler responded with an error status")

// Middleware creates an Echo middleware that runs the handler between an
// entitlement check and a usage commit. Handler errors and responses with
// status >= 400 are not charged.
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Manager == nil {
		panic("goentitle/echo: Config.Manager is required")
	}
	if cfg.GetProjectID == nil {
		panic("goentitle/echo: Config.GetProjectID is required")
	}
	if cfg.GetResource == nil {
		panic("goentitle/echo: Config.GetResource is required")
	}
	if cfg.GetCost == nil {
		cfg.GetCost = FixedCost(1)
	}
	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = http.StatusPaymentRequired
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			projectID := cfg.GetProjectID(c)
			if projectID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			kind := cfg.GetResource(c)
			cost, err := cfg.GetCost(c)
			if err != nil {
				return handleError(cfg, c, errors.Join(entitle.ErrInvalidAmount, err))
			}

			var handlerErr error
			decision, err := cfg.Manager.Do(c.Request().Context(), projectID, kind, cost, func(context.Context) error {
				if handlerErr = next(c); handlerErr != nil {
					return handlerErr
				}
				if c.Response().Status >= http.StatusBadRequest {
					return errHandlerFailed
				}
				return nil
			})
			switch {
			case errors.Is(err, errHandlerFailed):
				return nil
			case handlerErr != nil:
				return handlerErr
			case err != nil:
				if c.Response().Committed {
					return nil
				}
				return handleError(cfg, c, err)
			}

			if !decision.Allowed {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, decision)
				}
				return c.JSON(cfg.DeniedStatusCode, map[string]interface{}{
					"error":    decision.Reason,
					"resource": kind,
				})
			}
			return nil
		}
	}
}

func handleError(cfg Config, c echo.Context, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	status := statusCode(err)
	msg := http.StatusText(status)
	if status < http.StatusInternalServerError {
		msg = err.Error()
	}
	return c.JSON(status, map[string]string{"error": msg})
}

func statusCode(err error) int {
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

// FixedCost returns a CostExtractor that always returns a fixed cost
func FixedCost(cost int) CostExtractor {
	return func(echo.Context) (int, error) {
		return cost, nil
	}
}

// FixedResource returns a ResourceExtractor that always returns kind
func FixedResource(kind entitle.ResourceKind) ResourceExtractor {
	return func(echo.Context) entitle.ResourceKind {
		return kind
	}
}

// FromHeader returns a ProjectIDExtractor that reads a request header
func FromHeader(headerName string) ProjectIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a ProjectIDExtractor that reads a path parameter
func FromParam(name string) ProjectIDExtractor {
	return func(c echo.Context) string {
		return c.Param(name)
	}
}

// FromContext returns a ProjectIDExtractor that reads a value set with c.Set
func FromContext(key string) ProjectIDExtractor {
	return func(c echo.Context) string {
		if projectID, ok := c.Get(key).(string); ok {
			return projectID
		}
		return ""
	}
}
