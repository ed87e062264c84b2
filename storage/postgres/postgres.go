// Package postgres provides a PostgreSQL implementation of the entitle.Storage interface.
// Counter updates are single UPSERT statements; rollovers use SELECT FOR UPDATE.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

const usageColumns = `projects_created, pro_calls_used, media_credits_used,
	total_strategy_briefs, search_queries_used, cycle_start`

// Storage implements entitle.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded migrations on New
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetProject implements entitle.Storage
func (s *Storage) GetProject(ctx context.Context, projectID string) (*entitle.Project, error) {
	var project entitle.Project
	var tier string

	err := s.pool.QueryRow(ctx,
		`SELECT id, subscription_tier, subscription_start, created_at, updated_at
			FROM projects WHERE id = $1`,
		projectID).Scan(
		&project.ID,
		&tier,
		&project.SubscriptionStart,
		&project.CreatedAt,
		&project.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitle.ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	project.SubscriptionTier = entitle.Tier(tier)
	project.SubscriptionStart = project.SubscriptionStart.UTC()
	project.CreatedAt = project.CreatedAt.UTC()
	project.UpdatedAt = project.UpdatedAt.UTC()
	return &project, nil
}

// SaveProject implements entitle.Storage
func (s *Storage) SaveProject(ctx context.Context, project *entitle.Project) error {
	if project == nil || project.ID == "" {
		return entitle.ErrInvalidProject
	}

	createdAt := project.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, subscription_tier, subscription_start, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				subscription_tier = EXCLUDED.subscription_tier,
				subscription_start = EXCLUDED.subscription_start,
				updated_at = EXCLUDED.updated_at`,
		project.ID, string(project.SubscriptionTier), project.SubscriptionStart, createdAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}
	return nil
}

// GetUsage implements entitle.Storage
func (s *Storage) GetUsage(ctx context.Context, projectID string) (*entitle.UsageStats, error) {
	usage, err := scanUsage(s.pool.QueryRow(ctx,
		`SELECT `+usageColumns+` FROM project_usage WHERE project_id = $1`, projectID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // No usage yet is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return usage, nil
}

// IncrementUsage implements entitle.Storage
func (s *Storage) IncrementUsage(
	ctx context.Context, projectID string, kind entitle.ResourceKind, amount int,
) (*entitle.UsageStats, error) {
	if !kind.Valid() {
		return nil, entitle.ErrUnknownResource
	}
	if amount <= 0 {
		return nil, entitle.ErrInvalidAmount
	}

	column := pgx.Identifier{entitle.CounterField(kind)}.Sanitize()
	query := fmt.Sprintf(
		`INSERT INTO project_usage (project_id, %[1]s, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (project_id) DO UPDATE SET
				%[1]s = project_usage.%[1]s + EXCLUDED.%[1]s,
				updated_at = NOW()
			RETURNING `+usageColumns,
		column)

	usage, err := scanUsage(s.pool.QueryRow(ctx, query, projectID, amount))
	if err != nil {
		return nil, fmt.Errorf("failed to increment usage: %w", err)
	}
	return usage, nil
}

// ResetUsage implements entitle.Storage
func (s *Storage) ResetUsage(
	ctx context.Context, projectID string, cycleStart time.Time,
) (*entitle.UsageStats, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := scanUsage(tx.QueryRow(ctx,
		`SELECT `+usageColumns+` FROM project_usage WHERE project_id = $1 FOR UPDATE`, projectID))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to lock usage: %w", err)
	}
	if err == nil && !current.CycleStart.Before(cycleStart) {
		return current, false, nil
	}

	usage, err := scanUsage(tx.QueryRow(ctx,
		`INSERT INTO project_usage (project_id, cycle_start, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (project_id) DO UPDATE SET
				projects_created = 0,
				pro_calls_used = 0,
				media_credits_used = 0,
				total_strategy_briefs = 0,
				search_queries_used = 0,
				cycle_start = EXCLUDED.cycle_start,
				updated_at = NOW()
			RETURNING `+usageColumns,
		projectID, cycleStart.UTC()))
	if err != nil {
		return nil, false, fmt.Errorf("failed to reset usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return usage, true, nil
}

func scanUsage(row pgx.Row) (*entitle.UsageStats, error) {
	var usage entitle.UsageStats
	var cycleStart *time.Time

	if err := row.Scan(
		&usage.ProjectsCreated,
		&usage.ProCallsUsed,
		&usage.MediaCreditsUsed,
		&usage.TotalStrategyBriefs,
		&usage.SearchQueriesUsed,
		&cycleStart,
	); err != nil {
		return nil, err
	}
	if cycleStart != nil {
		usage.CycleStart = cycleStart.UTC()
	}
	return &usage, nil
}
