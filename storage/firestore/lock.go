package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// Locker implements entitle.Locker with lease documents written in transactions.
// A lease names its holder's token and an expiry; the holder renews it every TTL/3
// and deletes it on unlock. An expired lease may be taken over.
type Locker struct {
	client       *firestore.Client
	collection   string
	ttl          time.Duration
	retryBackoff time.Duration
	logger       entitle.Logger
}

// LockerConfig holds lease lock settings
type LockerConfig struct {
	// Collection holds the lease documents (default: "entitle_locks")
	Collection string

	// TTL is the lease length (default: 30s)
	TTL time.Duration

	// RetryBackoff is the wait between acquisition attempts (default: 50ms)
	RetryBackoff time.Duration

	// Logger reports lost leases and failed releases (default: NoopLogger)
	Logger entitle.Logger
}

// NewLocker creates a Firestore lease locker
func NewLocker(client *firestore.Client, config LockerConfig) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.Collection == "" {
		config.Collection = "entitle_locks"
	}
	if config.TTL <= 0 {
		config.TTL = 30 * time.Second
	}
	if config.TTL < time.Second {
		return nil, fmt.Errorf("lease TTL must be at least 1s")
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 50 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = &entitle.NoopLogger{}
	}
	return &Locker{
		client:       client,
		collection:   config.Collection,
		ttl:          config.TTL,
		retryBackoff: config.RetryBackoff,
		logger:       config.Logger,
	}, nil
}

// Lock implements entitle.Locker. It retries until the lease is granted or ctx ends.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, errors.New("lock key is empty")
	}
	doc := l.leaseDoc(key)
	token := uuid.NewString()

	ticker := time.NewTicker(l.retryBackoff)
	defer ticker.Stop()

	for {
		ok, err := l.tryAcquire(ctx, doc, key, token)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(doc, key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done

			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			held, err := l.ifHeld(releaseCtx, doc, token, func(tx *firestore.Transaction) error {
				return tx.Delete(doc)
			})
			switch {
			case err != nil:
				l.logger.Error("failed to release project lock",
					entitle.Field{Key: "key", Value: key},
					entitle.Field{Key: "error", Value: err.Error()},
				)
			case !held:
				l.logger.Warn("project lock expired before release", entitle.Field{Key: "key", Value: key})
			}
		})
	}, nil
}

func (l *Locker) tryAcquire(ctx context.Context, doc *firestore.DocumentRef, key, token string) (bool, error) {
	var acquired bool
	err := l.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		acquired = false
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		now := time.Now()
		if err == nil && snap.Exists() {
			if expires, ok := snap.Data()["expiresAt"].(time.Time); ok && expires.After(now) {
				return nil
			}
		}
		acquired = true
		return tx.Set(doc, map[string]interface{}{
			"key":       key,
			"token":     token,
			"expiresAt": now.Add(l.ttl),
		})
	})
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return acquired, nil
}

// keepAlive renews the lease every ttl/3 until stop is closed or the lease is lost
func (l *Locker) keepAlive(doc *firestore.DocumentRef, key, token string, stop <-chan struct{}, done chan<- struct{}) {
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
		held, err := l.ifHeld(ctx, doc, token, func(tx *firestore.Transaction) error {
			return tx.Update(doc, []firestore.Update{{Path: "expiresAt", Value: time.Now().Add(l.ttl)}})
		})
		cancel()
		if err != nil {
			l.logger.Warn("failed to extend project lock",
				entitle.Field{Key: "key", Value: key},
				entitle.Field{Key: "error", Value: err.Error()},
			)
			continue
		}
		if !held {
			l.logger.Error("project lock lost while held", entitle.Field{Key: "key", Value: key})
			return
		}
	}
}

// ifHeld runs write in a transaction when the lease still carries token
func (l *Locker) ifHeld(
	ctx context.Context, doc *firestore.DocumentRef, token string, write func(*firestore.Transaction) error,
) (bool, error) {
	var held bool
	err := l.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		held = false
		snap, err := tx.Get(doc)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if owner, _ := snap.Data()["token"].(string); owner != token {
			return nil
		}
		held = true
		return write(tx)
	})
	return held, err
}

// leaseDoc hashes key into a document ID; keys may contain '/'
func (l *Locker) leaseDoc(key string) *firestore.DocumentRef {
	sum := sha256.Sum256([]byte(key))
	return l.client.Collection(l.collection).Doc(hex.EncodeToString(sum[:]))
}
