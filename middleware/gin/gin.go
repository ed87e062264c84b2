// Package gin provides Gin middleware for entitlement enforcement
package gin

import (
	"context"
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// ProjectIDExtractor extracts the project ID from a Gin context
// Return empty string if the request is not bound to a project
type ProjectIDExtractor func(c *gongin.Context) string

// ResourceExtractor selects the resource kind the request spends
type ResourceExtractor func(c *gongin.Context) entitle.ResourceKind

// CostExtractor calculates how many units the request spends
type CostExtractor func(c *gongin.Context) (int, error)

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
	// If nil, uses default response: DeniedStatusCode JSON with the reason
	OnDenied func(c *gongin.Context, decision entitle.Decision)

	// OnUnauthorized is called when no project ID is present
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, maps the error to a status code
	OnError func(c *gongin.Context, err error)
}

var errHandlerFailed = errors.New("handler responded with an error status")

// Middleware creates a Gin middleware that runs the rest of the chain between an
// entitlement check and a usage commit. Responses with status >= 400 are not charged.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("goentitle/gin: Config.Manager is required")
	}
	if cfg.GetProjectID == nil {
		panic("goentitle/gin: Config.GetProjectID is required")
	}
	if cfg.GetResource == nil {
		panic("goentitle/gin: Config.GetResource is required")
	}
	if cfg.GetCost == nil {
		cfg.GetCost = FixedCost(1)
	}
	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = http.StatusPaymentRequired
	}

	return func(c *gongin.Context) {
		projectID := cfg.GetProjectID(c)
		if projectID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		kind := cfg.GetResource(c)
		cost, err := cfg.GetCost(c)
		if err != nil {
			handleError(cfg, c, errors.Join(entitle.ErrInvalidAmount, err))
			return
		}

		decision, err := cfg.Manager.Do(c.Request.Context(), projectID, kind, cost, func(context.Context) error {
			c.Next()
			if c.Writer.Status() >= http.StatusBadRequest {
				return errHandlerFailed
			}
			return nil
		})
		if errors.Is(err, errHandlerFailed) {
			return
		}
		if err != nil {
			if c.Writer.Written() {
				return
			}
			handleError(cfg, c, err)
			return
		}

		if !decision.Allowed {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, decision)
			} else {
				c.JSON(cfg.DeniedStatusCode, gongin.H{
					"error":    decision.Reason,
					"resource": kind,
				})
			}
			c.Abort()
		}
	}
}

func handleError(cfg Config, c *gongin.Context, err error) {
	if cfg.OnError != nil {
		cfg.OnError(c, err)
	} else {
		status := statusCode(err)
		msg := http.StatusText(status)
		if status < http.StatusInternalServerError {
			msg = err.Error()
		}
		c.JSON(status, gongin.H{"error": msg})
	}
	c.Abort()
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
	return func(*gongin.Context) (int, error) {
		return cost, nil
	}
}

// FixedResource returns a ResourceExtractor that always returns kind
func FixedResource(kind entitle.ResourceKind) ResourceExtractor {
	return func(*gongin.Context) entitle.ResourceKind {
		return kind
	}
}

// FromHeader returns a ProjectIDExtractor that reads a request header
func FromHeader(headerName string) ProjectIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a ProjectIDExtractor that reads a path parameter
func FromParam(name string) ProjectIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(name)
	}
}

// FromContext returns a ProjectIDExtractor that reads a value set with c.Set
func FromContext(key string) ProjectIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}
