package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const minLockTTL = 30 * time.Millisecond

const lockExtendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// Locker implements entitle.Locker across processes with SET NX and a
// token-checked release. While a lock is held a watchdog extends it every TTL/3,
// so the TTL only bounds how long a crashed holder blocks others.
type Locker struct {
	client       redis.UniversalClient
	release      *redis.Script
	extend       *redis.Script
	prefix       string
	ttl          time.Duration
	retryBackoff time.Duration
	logger       entitle.Logger
}

// LockerConfig holds distributed lock settings
type LockerConfig struct {
	// KeyPrefix is prepended to lock keys (default: "goentitle:lock:")
	KeyPrefix string

	// TTL is the lock expiry (default: 30s)
	TTL time.Duration

	// RetryBackoff is the wait between acquisition attempts (default: 25ms)
	RetryBackoff time.Duration

	// Logger reports lost locks and failed releases (default: NoopLogger)
	Logger entitle.Logger
}

// NewLocker creates a Redis-backed locker
func NewLocker(client redis.UniversalClient, config LockerConfig) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "goentitle:lock:"
	}
	if config.TTL <= 0 {
		config.TTL = 30 * time.Second
	}
	if config.TTL < minLockTTL {
		return nil, fmt.Errorf("lock TTL must be at least %s", minLockTTL)
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 25 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = &entitle.NoopLogger{}
	}
	return &Locker{
		client:       client,
		release:      redis.NewScript(lockReleaseScript),
		extend:       redis.NewScript(lockExtendScript),
		prefix:       config.KeyPrefix,
		ttl:          config.TTL,
		retryBackoff: config.RetryBackoff,
		logger:       config.Logger,
	}, nil
}

// Lock implements entitle.Locker
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	token, err := l.acquire(ctx, key)
	if err != nil {
		return nil, err
	}

	lockKey := l.prefix + key
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(lockKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done

			// Release on a fresh context so a cancelled request still frees the lock.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			released, err := l.release.Run(releaseCtx, l.client, []string{lockKey}, token).Int()
			switch {
			case err != nil:
				l.logger.Error("failed to release project lock",
					entitle.Field{Key: "key", Value: lockKey},
					entitle.Field{Key: "error", Value: err.Error()},
				)
			case released == 0:
				l.logger.Warn("project lock expired before release", entitle.Field{Key: "key", Value: lockKey})
			}
		})
	}, nil
}

// keepAlive extends the lock every ttl/3 until stop is closed. It gives up when the
// key no longer holds token, since another holder may own it by then.
func (l *Locker) keepAlive(lockKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
		extended, err := l.extend.Run(ctx, l.client, []string{lockKey}, token, l.ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			l.logger.Warn("failed to extend project lock",
				entitle.Field{Key: "key", Value: lockKey},
				entitle.Field{Key: "error", Value: err.Error()},
			)
			continue
		}
		if extended == 0 {
			l.logger.Error("project lock lost while held", entitle.Field{Key: "key", Value: lockKey})
			return
		}
	}
}

// TryLock makes one acquisition attempt and reports whether it succeeded
func (l *Locker) TryLock(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return token, ok, nil
}

func (l *Locker) acquire(ctx context.Context, key string) (string, error) {
	ticker := time.NewTicker(l.retryBackoff)
	defer ticker.Stop()

	for {
		token, ok, err := l.TryLock(ctx, key)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}
