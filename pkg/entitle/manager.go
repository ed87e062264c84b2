package entitle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config holds entitlement manager configuration
type Config struct {
	// Catalog is the tier table (default: DefaultCatalog)
	Catalog *Catalog

	// EnforceSearchQueries enables the search_query ceiling and counter
	EnforceSearchQueries bool

	// AutoRollover rolls a project's ledger into the current billing cycle whenever
	// Check, Commit, Do or Snapshot reads it. Projects without a paid subscription
	// get no billing events, so this is how their counters reset.
	AutoRollover bool

	// Locker serializes Do per project (default: in-process KeyedMutex)
	Locker Locker

	// Metrics is used for tracking entitlement operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// CircuitBreakerConfig configures the circuit breaker around storage
	CircuitBreakerConfig *CircuitBreakerConfig

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// Manager ties project records, the usage ledger, the guard and the reporter together
type Manager struct {
	storage  Storage
	config   Config
	ledger   *Ledger
	guard    *Guard
	reporter *Reporter
}

// NewManager creates a new entitlement manager with the given storage and configuration
func NewManager(storage Storage, config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	if config.Catalog == nil {
		config.Catalog = DefaultCatalog()
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	if cbc := config.CircuitBreakerConfig; cbc != nil && cbc.Enabled {
		metrics := config.Metrics
		cb := NewDefaultCircuitBreaker(cbc.FailureThreshold, cbc.ResetTimeout, func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
		})
		storage = NewCircuitBreakerStorage(storage, cb)
	}

	ledger := NewLedger(storage, config.EnforceSearchQueries, config.Metrics)
	guard := NewGuard(ledger, GuardConfig{
		Catalog:              config.Catalog,
		EnforceSearchQueries: config.EnforceSearchQueries,
		Locker:               config.Locker,
		Logger:               config.Logger,
		Metrics:              config.Metrics,
	})

	return &Manager{
		storage:  storage,
		config:   config,
		ledger:   ledger,
		guard:    guard,
		reporter: NewReporter(config.Catalog, ledger),
	}, nil
}

// CreateProject stores a new project on tier (empty means the lowest tier) with an all-zero ledger
func (m *Manager) CreateProject(ctx context.Context, projectID string, tier Tier) (*Project, error) {
	if projectID == "" {
		return nil, ErrInvalidProject
	}
	if tier != "" && !m.config.Catalog.Has(tier) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}

	_, err := m.storage.GetProject(ctx, projectID)
	if err == nil {
		return nil, fmt.Errorf("%w: %s", ErrProjectExists, projectID)
	}
	if !errors.Is(err, ErrProjectNotFound) {
		return nil, err
	}

	now := m.now()
	project := &Project{
		ID:                projectID,
		SubscriptionTier:  tier,
		SubscriptionStart: startOfDayUTC(now),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := m.storage.SaveProject(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to save project: %w", err)
	}

	m.config.Logger.Info("project created",
		Field{"project_id", projectID},
		Field{"tier", m.config.Catalog.Resolve(tier)},
	)
	return project, nil
}

// GetProject retrieves a project record
func (m *Manager) GetProject(ctx context.Context, projectID string) (*Project, error) {
	return m.storage.GetProject(ctx, projectID)
}

// ChangeTier moves a project to tier. It is the only way a project's tier changes.
// Usage counters are kept: the new limits apply to what was already spent this cycle.
func (m *Manager) ChangeTier(ctx context.Context, projectID string, tier Tier) (*Project, error) {
	return m.ChangeTierAt(ctx, projectID, tier, m.now())
}

// ChangeTierAt is ChangeTier with the change stamped at "at" instead of the current
// time. Billing webhooks stamp the event time so out-of-order deliveries can be detected.
func (m *Manager) ChangeTierAt(ctx context.Context, projectID string, tier Tier, at time.Time) (*Project, error) {
	if !m.config.Catalog.Has(tier) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}

	project, err := m.storage.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	previous := m.config.Catalog.Resolve(project.SubscriptionTier)
	if project.SubscriptionTier == tier {
		return project, nil
	}

	project.SubscriptionTier = tier
	project.UpdatedAt = at.UTC()
	if err := m.storage.SaveProject(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to save project: %w", err)
	}

	m.config.Logger.Info("project tier changed",
		Field{"project_id", projectID},
		Field{"from", previous},
		Field{"to", tier},
	)
	return project, nil
}

// Check decides whether projectID may spend cost units of kind
func (m *Manager) Check(ctx context.Context, projectID string, kind ResourceKind, cost int) (Decision, error) {
	project, err := m.activeProject(ctx, projectID)
	if err != nil {
		return Decision{}, err
	}
	return m.guard.Check(ctx, *project, kind, cost)
}

// Commit records a successful, previously allowed spend
func (m *Manager) Commit(ctx context.Context, projectID string, kind ResourceKind, cost int) (UsageStats, error) {
	project, err := m.activeProject(ctx, projectID)
	if err != nil {
		return UsageStats{}, err
	}
	return m.guard.Commit(ctx, *project, kind, cost)
}

// Do runs fn between a check and a commit under the project's lock
func (m *Manager) Do(
	ctx context.Context, projectID string, kind ResourceKind, cost int, fn func(context.Context) error,
) (Decision, error) {
	project, err := m.activeProject(ctx, projectID)
	if err != nil {
		return Decision{}, err
	}
	return m.guard.Do(ctx, *project, kind, cost, fn)
}

// Snapshot returns the display projection of a project's usage
func (m *Manager) Snapshot(ctx context.Context, projectID string) (Snapshot, error) {
	project, err := m.activeProject(ctx, projectID)
	if err != nil {
		return Snapshot{}, err
	}
	return m.reporter.Snapshot(ctx, *project)
}

// CurrentCycle returns the billing cycle of a project containing now
func (m *Manager) CurrentCycle(ctx context.Context, projectID string, now time.Time) (Period, error) {
	project, err := m.storage.GetProject(ctx, projectID)
	if err != nil {
		return Period{}, err
	}
	return CurrentCycle(project.SubscriptionStart, now), nil
}

// Rollover starts a fresh ledger when now lies in a newer billing cycle than the
// one the counters belong to. Repeated calls within a cycle are no-ops.
func (m *Manager) Rollover(ctx context.Context, projectID string, now time.Time) (UsageStats, bool, error) {
	project, err := m.storage.GetProject(ctx, projectID)
	if err != nil {
		return UsageStats{}, false, err
	}
	return m.rollover(ctx, project, now)
}

func (m *Manager) rollover(ctx context.Context, project *Project, now time.Time) (UsageStats, bool, error) {
	cycle := CurrentCycle(project.SubscriptionStart, now)

	current, err := m.ledger.Get(ctx, project.ID)
	if err != nil {
		return UsageStats{}, false, err
	}
	if !current.CycleStart.IsZero() && !cycle.Start.After(current.CycleStart) {
		return current, false, nil
	}
	if current.CycleStart.IsZero() {
		// Counters that were never rolled over belong to the cycle the project was created in.
		first := CurrentCycle(project.SubscriptionStart, project.CreatedAt)
		if !cycle.Start.After(first.Start) {
			return current, false, nil
		}
	}

	usage, reset, err := m.ledger.Rollover(ctx, project.ID, cycle.Start)
	if err != nil {
		return UsageStats{}, false, err
	}
	if reset {
		tier := m.config.Catalog.Resolve(project.SubscriptionTier)
		m.config.Metrics.RecordRollover(tier)
		m.config.Logger.Info("usage rolled over",
			Field{"project_id", project.ID},
			Field{"cycle_start", cycle.Start},
			Field{"cycle_end", cycle.End},
		)
	}
	return usage, reset, nil
}

// activeProject loads a project and, with AutoRollover, moves its ledger into the current cycle
func (m *Manager) activeProject(ctx context.Context, projectID string) (*Project, error) {
	project, err := m.storage.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if m.config.AutoRollover {
		if _, _, err := m.rollover(ctx, project, m.now()); err != nil {
			return nil, err
		}
	}
	return project, nil
}

// Ledger returns the usage ledger
func (m *Manager) Ledger() *Ledger {
	return m.ledger
}

// Guard returns the entitlement guard
func (m *Manager) Guard() *Guard {
	return m.guard
}

// Reporter returns the usage reporter
func (m *Manager) Reporter() *Reporter {
	return m.reporter
}

// Catalog returns the tier table
func (m *Manager) Catalog() *Catalog {
	return m.config.Catalog
}

func (m *Manager) now() time.Time {
	return m.config.Now().UTC()
}
