package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// Locker implements entitle.Locker with session-level advisory locks, so every
// replica sharing the database serializes Do for a project. A held lock pins one
// pooled connection until it is released; waiters hold none between attempts.
type Locker struct {
	pool         *pgxpool.Pool
	retryBackoff time.Duration
	logger       entitle.Logger
}

// LockerConfig holds advisory lock settings
type LockerConfig struct {
	// RetryBackoff is the wait between acquisition attempts (default: 25ms)
	RetryBackoff time.Duration

	// Logger reports failed releases (default: NoopLogger)
	Logger entitle.Logger
}

// NewLocker creates an advisory locker on the storage's pool
func NewLocker(storage *Storage, config LockerConfig) (*Locker, error) {
	if storage == nil || storage.pool == nil {
		return nil, errors.New("postgres storage is required")
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 25 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = &entitle.NoopLogger{}
	}
	return &Locker{pool: storage.pool, retryBackoff: config.RetryBackoff, logger: config.Logger}, nil
}

// Lock implements entitle.Locker. It retries until the lock is granted or ctx ends.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, errors.New("lock key is empty")
	}

	ticker := time.NewTicker(l.retryBackoff)
	defer ticker.Stop()

	for {
		conn, ok, err := l.tryLock(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return l.unlockFunc(conn, key), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// tryLock makes one attempt and keeps the connection only when the lock was granted
func (l *Locker) tryLock(ctx context.Context, key string) (*pgxpool.Conn, bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection for lock: %w", err)
	}

	var locked bool
	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, key).Scan(&locked)
	if err != nil {
		// The outcome is unknown; closing the session drops a lock it may have taken.
		_ = conn.Conn().Close(context.Background())
		conn.Release()
		return nil, false, fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}
	return conn, true, nil
}

func (l *Locker) unlockFunc(conn *pgxpool.Conn, key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			defer conn.Release()

			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			var unlocked bool
			err := conn.QueryRow(releaseCtx,
				`SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key).Scan(&unlocked)
			if err == nil && unlocked {
				return
			}

			msg := "advisory lock was not held at release"
			if err != nil {
				msg = err.Error()
			}
			l.logger.Error("failed to release project lock",
				entitle.Field{Key: "key", Value: key},
				entitle.Field{Key: "error", Value: msg},
			)
			// Closing the session drops any advisory lock it still holds.
			_ = conn.Conn().Close(context.Background())
		})
	}
}
