// Package config loads the entitled server configuration from entitle.yml and
// ENTITLE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// Storage backends
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
)

// Config is the complete server configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Entitlements EntitlementsConfig `mapstructure:"entitlements"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Stripe       StripeConfig       `mapstructure:"stripe"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`

	// Tiers overrides the built-in tier table when non-empty. Lowest tier first.
	Tiers []TierConfig `mapstructure:"tiers"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig configures zerolog
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// StorageConfig selects and configures the storage backend
type StorageConfig struct {
	Backend   string          `mapstructure:"backend"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Firestore FirestoreConfig `mapstructure:"firestore"`
}

// RedisConfig configures the Redis backend and the distributed project lock
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"`
}

// PostgresConfig configures the PostgreSQL backend
type PostgresConfig struct {
	DSN         string `mapstructure:"dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// FirestoreConfig configures the Firestore backend
type FirestoreConfig struct {
	ProjectID          string `mapstructure:"project_id"`
	ProjectsCollection string `mapstructure:"projects_collection"`
	UsageCollection    string `mapstructure:"usage_collection"`
	LocksCollection    string `mapstructure:"locks_collection"`
}

// EntitlementsConfig holds the entitlement manager switches
type EntitlementsConfig struct {
	EnforceSearchQueries bool                 `mapstructure:"enforce_search_queries"`
	AutoRollover         bool                 `mapstructure:"auto_rollover"`
	CircuitBreaker       CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// CircuitBreakerConfig mirrors entitle.CircuitBreakerConfig
type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Path      string `mapstructure:"path"`
}

// StripeConfig configures the Stripe webhook. The webhook is mounted only when
// WebhookSecret is set.
type StripeConfig struct {
	APIKey        string         `mapstructure:"api_key"`
	WebhookSecret string         `mapstructure:"webhook_secret"`
	Prices        []PriceMapping `mapstructure:"prices"`
}

// PriceMapping links a Stripe price or product ID to a tier.
// Kept as a list because viper lowercases map keys and price IDs are case-sensitive.
type PriceMapping struct {
	Price string `mapstructure:"price"`
	Tier  string `mapstructure:"tier"`
}

// GatewayConfig configures the guarded reverse proxy in front of the content service.
// Disabled when Upstream is empty.
type GatewayConfig struct {
	Upstream   string `mapstructure:"upstream"`
	CostHeader string `mapstructure:"cost_header"`
}

// TierConfig is one row of an externalised tier table. Pro calls and strategy
// briefs accept a number or "unlimited".
type TierConfig struct {
	ID                string `mapstructure:"id"`
	Name              string `mapstructure:"name"`
	Projects          int    `mapstructure:"projects"`
	ProCalls          string `mapstructure:"pro_calls"`
	MediaCredits      int    `mapstructure:"media_credits"`
	StrategyBriefs    string `mapstructure:"strategy_briefs"`
	SearchQueries     int    `mapstructure:"search_queries"`
	ProModel          bool   `mapstructure:"pro_model"`
	EnterprisePrivacy bool   `mapstructure:"enterprise_privacy"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", "goentitle:")
	v.SetDefault("storage.redis.lock_ttl", 30*time.Second)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.auto_migrate", true)
	v.SetDefault("storage.firestore.project_id", "")
	v.SetDefault("storage.firestore.projects_collection", "entitle_projects")
	v.SetDefault("storage.firestore.usage_collection", "entitle_usage")
	v.SetDefault("storage.firestore.locks_collection", "entitle_locks")

	v.SetDefault("entitlements.enforce_search_queries", false)
	v.SetDefault("entitlements.auto_rollover", true)
	v.SetDefault("entitlements.circuit_breaker.enabled", false)
	v.SetDefault("entitlements.circuit_breaker.failure_threshold", 5)
	v.SetDefault("entitlements.circuit_breaker.reset_timeout", 30*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "goentitle")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("stripe.api_key", "")
	v.SetDefault("stripe.webhook_secret", "")

	v.SetDefault("gateway.upstream", "")
	v.SetDefault("gateway.cost_header", "X-Entitle-Cost")
}

// Load reads configuration. With an empty path it looks for entitle.yml in
// /etc/entitle and the working directory and carries on with defaults when none
// exists; an explicit path must exist. ENTITLE_* variables override file values,
// e.g. ENTITLE_STORAGE_BACKEND=redis.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("entitle")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/entitle")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ENTITLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return errors.New("storage.postgres.dsn is required for the postgres backend")
		}
	case BackendFirestore:
		if c.Storage.Firestore.ProjectID == "" {
			return errors.New("storage.firestore.project_id is required for the firestore backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	catalog, err := c.Catalog()
	if err != nil {
		return err
	}
	if c.Stripe.WebhookSecret != "" && c.Stripe.APIKey == "" {
		return errors.New("stripe.api_key is required when stripe.webhook_secret is set")
	}
	for _, p := range c.Stripe.Prices {
		if p.Price == "" {
			return errors.New("stripe.prices: empty price id")
		}
		if !catalog.Has(entitle.Tier(p.Tier)) {
			return fmt.Errorf("stripe.prices: %s maps to unknown tier %q", p.Price, p.Tier)
		}
	}
	return nil
}

// Catalog builds the tier table: the configured tiers, or the built-in table
func (c *Config) Catalog() (*entitle.Catalog, error) {
	if len(c.Tiers) == 0 {
		return entitle.DefaultCatalog(), nil
	}

	defs := make([]entitle.TierDefinition, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		proCalls, err := parseLimit(t.ProCalls)
		if err != nil {
			return nil, fmt.Errorf("tier %q pro_calls: %w", t.ID, err)
		}
		briefs, err := parseLimit(t.StrategyBriefs)
		if err != nil {
			return nil, fmt.Errorf("tier %q strategy_briefs: %w", t.ID, err)
		}
		defs = append(defs, entitle.TierDefinition{
			ID:          entitle.Tier(t.ID),
			DisplayName: t.Name,
			Limits: entitle.TierLimits{
				MaxProjects:          t.Projects,
				MaxProCalls:          proCalls,
				MaxMediaCredits:      t.MediaCredits,
				MaxStrategyBriefs:    briefs,
				MaxSearchQueries:     t.SearchQueries,
				CanUseProModel:       t.ProModel,
				HasEnterprisePrivacy: t.EnterprisePrivacy,
			},
		})
	}
	return entitle.NewCatalog(defs...)
}

// TierMapping returns the Stripe price mapping keyed by price ID
func (c *Config) TierMapping() map[string]entitle.Tier {
	mapping := make(map[string]entitle.Tier, len(c.Stripe.Prices))
	for _, p := range c.Stripe.Prices {
		mapping[p.Price] = entitle.Tier(p.Tier)
	}
	return mapping
}

// parseLimit reads "unlimited" or a non-negative number; empty means 0
func parseLimit(s string) (entitle.Limit, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return entitle.Finite(0), nil
	case strings.EqualFold(s, "unlimited"):
		return entitle.Unlimited, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return entitle.Limit{}, fmt.Errorf("invalid limit %q", s)
	}
	return entitle.Finite(n), nil
}
