package entitle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Generator is the generative content provider contract: it turns a natural
// language request plus an output schema into structured JSON. Implementations
// live outside this module (hosted language model clients).
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// GeneratorFunc adapts a function to the Generator interface
type GeneratorFunc func(ctx context.Context, req GenerateRequest) (*GenerateResult, error)

// Generate implements Generator
func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	return f(ctx, req)
}

// GenerateRequest describes one provider call
type GenerateRequest struct {
	Feature string          // e.g. "strategy_brief", "persona", "media_asset"
	Prompt  string          // natural language request
	Schema  json.RawMessage // JSON schema the result must satisfy
	UsePro  bool            // route to the pro model
}

// GenerateResult is the typed JSON returned by the provider
type GenerateResult struct {
	Data     json.RawMessage
	Model    string
	Duration time.Duration
}

// Provider errors
var (
	// ErrProviderUnavailable indicates the provider is temporarily unavailable
	ErrProviderUnavailable = errors.New("generative provider temporarily unavailable")

	// ErrProviderRateLimited indicates the provider's rate limit has been exceeded
	ErrProviderRateLimited = errors.New("generative provider rate limit exceeded")

	// ErrProviderTimeout indicates the provider call timed out
	ErrProviderTimeout = errors.New("generative provider request timed out")

	// ErrInvalidOutput indicates the provider returned JSON that does not match the schema
	ErrInvalidOutput = errors.New("generative provider returned invalid output")
)

// IsRetryable returns true if the provider error is transient
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrProviderRateLimited) ||
		errors.Is(err, ErrProviderTimeout)
}

// GuardedGenerator calls a Generator only when the project is entitled to it,
// and commits the spend only when the call succeeds.
type GuardedGenerator struct {
	manager   *Manager
	generator Generator
}

// NewGuardedGenerator wraps generator with manager's entitlement checks
func NewGuardedGenerator(manager *Manager, generator Generator) *GuardedGenerator {
	return &GuardedGenerator{manager: manager, generator: generator}
}

// Generate spends cost units of kind for projectID around one provider call.
// A denial returns a *DeniedError and the provider is not called.
func (g *GuardedGenerator) Generate(
	ctx context.Context, projectID string, kind ResourceKind, cost int, req GenerateRequest,
) (*GenerateResult, error) {
	var result *GenerateResult
	decision, err := g.manager.Do(ctx, projectID, kind, cost, func(ctx context.Context) error {
		start := time.Now()
		res, err := g.generator.Generate(ctx, req)
		if err != nil {
			return fmt.Errorf("generate %s: %w", req.Feature, err)
		}
		if res == nil || !json.Valid(res.Data) {
			return fmt.Errorf("generate %s: %w", req.Feature, ErrInvalidOutput)
		}
		if res.Duration == 0 {
			res.Duration = time.Since(start)
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, &DeniedError{Kind: kind, Decision: decision}
	}
	return result, nil
}
