// Package redis provides a Redis implementation of the entitle.Storage interface.
// Counters live in one hash per project so increments stay atomic (HINCRBY) and
// rollovers run as a single Lua script.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

const cycleStartField = "cycle_start"

// Storage implements entitle.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "goentitle:")
	KeyPrefix string

	// ProjectTTL is the TTL for project keys (0 = no expiration)
	ProjectTTL time.Duration

	// UsageTTL is the TTL for usage keys, refreshed on every write (0 = no expiration)
	UsageTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "goentitle:",
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "goentitle:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Increment one counter and return the whole record
	s.scripts["increment"] = redis.NewScript(`
		local usageKey = KEYS[1]
		local field = ARGV[1]
		local amount = tonumber(ARGV[2])
		local ttl = tonumber(ARGV[3])

		redis.call('HINCRBY', usageKey, field, amount)
		if ttl > 0 then
			redis.call('EXPIRE', usageKey, ttl)
		end
		return redis.call('HGETALL', usageKey)
	`)

	// Zero the record when the stored cycle is older than the requested one
	s.scripts["reset"] = redis.NewScript(`
		local usageKey = KEYS[1]
		local cycleStart = tonumber(ARGV[1])
		local ttl = tonumber(ARGV[2])

		local stored = tonumber(redis.call('HGET', usageKey, 'cycle_start') or '0')
		if redis.call('EXISTS', usageKey) == 1 and stored >= cycleStart then
			return {0, redis.call('HGETALL', usageKey)}
		end

		redis.call('DEL', usageKey)
		redis.call('HSET', usageKey, 'cycle_start', cycleStart)
		if ttl > 0 then
			redis.call('EXPIRE', usageKey, ttl)
		end
		return {1, redis.call('HGETALL', usageKey)}
	`)
}

// GetProject implements entitle.Storage
func (s *Storage) GetProject(ctx context.Context, projectID string) (*entitle.Project, error) {
	data, err := s.client.Get(ctx, s.projectKey(projectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entitle.ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	var project entitle.Project
	if err := json.Unmarshal(data, &project); err != nil {
		return nil, fmt.Errorf("failed to unmarshal project: %w", err)
	}
	return &project, nil
}

// SaveProject implements entitle.Storage
func (s *Storage) SaveProject(ctx context.Context, project *entitle.Project) error {
	if project == nil || project.ID == "" {
		return entitle.ErrInvalidProject
	}

	data, err := json.Marshal(project)
	if err != nil {
		return fmt.Errorf("failed to marshal project: %w", err)
	}

	if err := s.client.Set(ctx, s.projectKey(project.ID), data, s.config.ProjectTTL).Err(); err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}
	return nil
}

// GetUsage implements entitle.Storage
func (s *Storage) GetUsage(ctx context.Context, projectID string) (*entitle.UsageStats, error) {
	fields, err := s.client.HGetAll(ctx, s.usageKey(projectID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil // No usage yet
	}
	return parseUsage(fields)
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

	result, err := s.scripts["increment"].Run(ctx, s.client,
		[]string{s.usageKey(projectID)},
		entitle.CounterField(kind), amount, ttlSeconds(s.config.UsageTTL),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to increment usage: %w", err)
	}
	return parseUsage(pairsToMap(result))
}

// ResetUsage implements entitle.Storage
func (s *Storage) ResetUsage(
	ctx context.Context, projectID string, cycleStart time.Time,
) (*entitle.UsageStats, bool, error) {
	result, err := s.scripts["reset"].Run(ctx, s.client,
		[]string{s.usageKey(projectID)},
		cycleStart.UTC().Unix(), ttlSeconds(s.config.UsageTTL),
	).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("failed to reset usage: %w", err)
	}
	if len(result) != 2 {
		return nil, false, fmt.Errorf("unexpected reset result: %v", result)
	}

	reset, _ := result[0].(int64)
	pairs, _ := result[1].([]interface{})
	usage, err := parseUsage(pairsToMap(pairs))
	if err != nil {
		return nil, false, err
	}
	return usage, reset == 1, nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) projectKey(projectID string) string {
	return fmt.Sprintf("%sproject:%s", s.config.KeyPrefix, projectID)
}

func (s *Storage) usageKey(projectID string) string {
	return fmt.Sprintf("%susage:%s", s.config.KeyPrefix, projectID)
}

// parseUsage maps hash fields back onto UsageStats
func parseUsage(fields map[string]string) (*entitle.UsageStats, error) {
	usage := &entitle.UsageStats{}
	for _, kind := range entitle.ResourceKinds {
		raw, ok := fields[entitle.CounterField(kind)]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", kind, err)
		}
		*usage = usage.Add(kind, n)
	}

	if raw, ok := fields[cycleStartField]; ok {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse cycle start: %w", err)
		}
		if secs > 0 {
			usage.CycleStart = time.Unix(secs, 0).UTC()
		}
	}
	return usage, nil
}

// pairsToMap converts a flat HGETALL reply from a script into a map
func pairsToMap(pairs []interface{}) map[string]string {
	fields := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		key, _ := pairs[i].(string)
		switch v := pairs[i+1].(type) {
		case string:
			fields[key] = v
		case int64:
			fields[key] = strconv.FormatInt(v, 10)
		}
	}
	return fields
}

func ttlSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}
