// Package fiber provides Fiber middleware for entitlement enforcement
package fiber

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// ProjectIDExtractor extracts the project ID from a Fiber context
// Return empty string if the request is not bound to a project
type ProjectIDExtractor func(c *fiber.Ctx) string

// ResourceExtractor selects the resource kind the request spends
type ResourceExtractor func(c *fiber.Ctx) entitle.ResourceKind

// CostExtractor calculates how many units the request spends
type CostExtractor func(c *fiber.Ctx) (int, error)

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
	OnDenied func(c *fiber.Ctx, decision entitle.Decision) error

	// OnUnauthorized is called when no project ID is present
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	OnError func(c *fiber.Ctx, err error) error
}

var errHandlerFailed = errors.New("handler responded with an error status")

// Middleware creates a Fiber middleware that runs the rest of the chain between an
// entitlement check and a usage commit. Handler errors and responses with
// status >= 400 are not charged.
func Middleware(cfg Config) fiber.Handler {
	if cfg.Manager == nil {
		panic("goentitle/fiber: Config.Manager is required")
	}
	if cfg.GetProjectID == nil {
		panic("goentitle/fiber: Config.GetProjectID is required")
	}
	if cfg.GetResource == nil {
		panic("goentitle/fiber: Config.GetResource is required")
	}
	if cfg.GetCost == nil {
		cfg.GetCost = FixedCost(1)
	}
	if cfg.DeniedStatusCode == 0 {
		cfg.DeniedStatusCode = fiber.StatusPaymentRequired
	}

	return func(c *fiber.Ctx) error {
		projectID := cfg.GetProjectID(c)
		if projectID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		kind := cfg.GetResource(c)
		cost, err := cfg.GetCost(c)
		if err != nil {
			return handleError(cfg, c, errors.Join(entitle.ErrInvalidAmount, err))
		}

		var handlerErr error
		decision, err := cfg.Manager.Do(c.UserContext(), projectID, kind, cost, func(context.Context) error {
			if handlerErr = c.Next(); handlerErr != nil {
				return handlerErr
			}
			if c.Response().StatusCode() >= fiber.StatusBadRequest {
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
			return handleError(cfg, c, err)
		}

		if !decision.Allowed {
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, decision)
			}
			return c.Status(cfg.DeniedStatusCode).JSON(fiber.Map{
				"error":    decision.Reason,
				"resource": kind,
			})
		}
		return nil
	}
}

func handleError(cfg Config, c *fiber.Ctx, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	status := statusCode(err)
	msg := "Internal Server Error"
	if status < fiber.StatusInternalServerError {
		msg = err.Error()
	} else if status == fiber.StatusServiceUnavailable {
		msg = "Service Unavailable"
	}
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, entitle.ErrProjectNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, entitle.ErrUnknownResource), errors.Is(err, entitle.ErrInvalidAmount):
		return fiber.StatusBadRequest
	case errors.Is(err, entitle.ErrCircuitOpen), errors.Is(err, entitle.ErrStorageUnavailable):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// FixedCost returns a CostExtractor that always returns a fixed cost
func FixedCost(cost int) CostExtractor {
	return func(*fiber.Ctx) (int, error) {
		return cost, nil
	}
}

// FixedResource returns a ResourceExtractor that always returns kind
func FixedResource(kind entitle.ResourceKind) ResourceExtractor {
	return func(*fiber.Ctx) entitle.ResourceKind {
		return kind
	}
}

// FromHeader returns a ProjectIDExtractor that reads a request header
func FromHeader(headerName string) ProjectIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a ProjectIDExtractor that reads a path parameter
func FromParam(name string) ProjectIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(name)
	}
}

// FromLocals returns a ProjectIDExtractor that reads a value set with c.Locals
func FromLocals(key string) ProjectIDExtractor {
	return func(c *fiber.Ctx) string {
		if projectID, ok := c.Locals(key).(string); ok {
			return projectID
		}
		return ""
	}
}
