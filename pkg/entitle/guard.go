package entitle

import (
	"context"
	"fmt"
	"time"
)

// GuardConfig holds Guard dependencies and switches
type GuardConfig struct {
	// Catalog is the tier table (default: DefaultCatalog)
	Catalog *Catalog

	// EnforceSearchQueries turns on the search_query ceiling and counter.
	// Off by default: search queries are always allowed and never counted.
	EnforceSearchQueries bool

	// Locker serializes Do per project (default: in-process KeyedMutex)
	Locker Locker

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking decisions (default: NoopMetrics)
	Metrics Metrics
}

// Guard decides whether a project may spend a resource and, once the caller's
// action has succeeded, commits the spend to the ledger.
type Guard struct {
	catalog       *Catalog
	ledger        *Ledger
	locker        Locker
	logger        Logger
	metrics       Metrics
	enforceSearch bool
}

// NewGuard creates a guard reading and committing through ledger
func NewGuard(ledger *Ledger, config GuardConfig) *Guard {
	if config.Catalog == nil {
		config.Catalog = DefaultCatalog()
	}
	if config.Locker == nil {
		config.Locker = NewKeyedMutex()
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	return &Guard{
		catalog:       config.Catalog,
		ledger:        ledger,
		locker:        config.Locker,
		logger:        config.Logger,
		metrics:       config.Metrics,
		enforceSearch: config.EnforceSearchQueries,
	}
}

// Check decides whether project may spend cost units of kind.
// A denial is returned as a Decision, never as an error; errors are reserved for
// invalid input, unknown tiers and storage failures. Check never writes to the ledger.
func (g *Guard) Check(ctx context.Context, project Project, kind ResourceKind, cost int) (Decision, error) {
	start := time.Now()
	defer func() { g.metrics.RecordCheckDuration(kind, time.Since(start)) }()

	if !kind.Valid() {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownResource, kind)
	}
	if cost <= 0 || cost > MaxCost {
		return Decision{}, fmt.Errorf("%w: %d", ErrInvalidAmount, cost)
	}

	tier, limits, err := g.resolve(project)
	if err != nil {
		return Decision{}, err
	}

	if kind == ResourceSearchQuery && !g.enforceSearch {
		g.metrics.RecordDecision(kind, tier, true)
		return Allow, nil
	}

	usage, err := g.ledger.Get(ctx, project.ID)
	if err != nil {
		return Decision{}, err
	}

	used := usage.Count(kind)
	limit := limits.LimitFor(kind)
	if limit.Allows(used, cost) {
		g.metrics.RecordDecision(kind, tier, true)
		return Allow, nil
	}

	decision := Deny(denialReason(g.catalog, tier, kind, used, limit))
	g.metrics.RecordDecision(kind, tier, false)
	g.logger.Info("entitlement denied",
		Field{"project_id", project.ID},
		Field{"tier", tier},
		Field{"resource", kind},
		Field{"used", used},
		Field{"cost", cost},
		Field{"limit", limit.String()},
	)
	return decision, nil
}

// Commit records that an authorized action of cost units of kind succeeded.
// Call it exactly once per successful action, after Check allowed it.
func (g *Guard) Commit(ctx context.Context, project Project, kind ResourceKind, cost int) (UsageStats, error) {
	tier, _, err := g.resolve(project)
	if err != nil {
		return UsageStats{}, err
	}

	usage, err := g.ledger.Increment(ctx, project.ID, kind, cost)
	if err != nil {
		g.logger.Error("failed to commit usage",
			Field{"project_id", project.ID},
			Field{"resource", kind},
			Field{"amount", cost},
			Field{"error", err.Error()},
		)
		return UsageStats{}, err
	}

	g.metrics.RecordCommit(kind, tier, cost)
	return usage, nil
}

// Do runs check-then-act-then-commit under the project's lock.
// fn runs only when the check allows the spend, and the spend is committed only
// when fn returns nil. Concurrent Do calls for one project cannot overshoot a ceiling.
func (g *Guard) Do(
	ctx context.Context, project Project, kind ResourceKind, cost int, fn func(context.Context) error,
) (Decision, error) {
	unlock, err := g.locker.Lock(ctx, lockKey(project.ID))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to lock project %s: %w", project.ID, err)
	}
	defer unlock()

	decision, err := g.Check(ctx, project, kind, cost)
	if err != nil || !decision.Allowed {
		return decision, err
	}

	if err := fn(ctx); err != nil {
		g.logger.Debug("guarded action failed, usage not committed",
			Field{"project_id", project.ID},
			Field{"resource", kind},
			Field{"error", err.Error()},
		)
		return decision, err
	}

	if _, err := g.Commit(ctx, project, kind, cost); err != nil {
		return decision, err
	}
	return decision, nil
}

// Catalog returns the tier table the guard enforces
func (g *Guard) Catalog() *Catalog {
	return g.catalog
}

// resolve applies the unset-tier default and looks the tier up
func (g *Guard) resolve(project Project) (Tier, TierLimits, error) {
	tier := g.catalog.Resolve(project.SubscriptionTier)
	limits, ok := g.catalog.Lookup(tier)
	if !ok {
		g.logger.Error("project references unknown tier",
			Field{"project_id", project.ID},
			Field{"tier", tier},
		)
		return "", TierLimits{}, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	return tier, limits, nil
}

func lockKey(projectID string) string {
	return "project:" + projectID
}
