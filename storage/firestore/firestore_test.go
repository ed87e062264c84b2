package firestore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

const testProjectID = "test-project"

// setupStorage connects to the emulator named by FIRESTORE_EMULATOR_HOST
// and returns storage over collections unique to the test
func setupStorage(t *testing.T) *Storage {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	suffix := time.Now().UnixNano()
	storage, err := New(client, Config{
		ProjectsCollection: fmt.Sprintf("test_projects_%d", suffix),
		UsageCollection:    fmt.Sprintf("test_usage_%d", suffix),
	})
	require.NoError(t, err)
	return storage
}

func TestNew_NilClient(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestUsageFromData(t *testing.T) {
	start := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	usage := usageFromData(map[string]interface{}{
		"projectsCreated":     int64(1),
		"proCallsUsed":        int64(4),
		"mediaCreditsUsed":    float64(12),
		"totalStrategyBriefs": 2,
		"cycleStart":          start,
	})

	assert.Equal(t, entitle.UsageStats{
		ProjectsCreated:     1,
		ProCallsUsed:        4,
		MediaCreditsUsed:    12,
		TotalStrategyBriefs: 2,
		CycleStart:          start,
	}, usage)
}

func TestStorage_Projects(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()

	_, err := storage.GetProject(ctx, "p1")
	assert.ErrorIs(t, err, entitle.ErrProjectNotFound)

	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, storage.SaveProject(ctx, &entitle.Project{
		ID:                "p1",
		SubscriptionTier:  entitle.TierAgency,
		SubscriptionStart: now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}))

	project, err := storage.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, entitle.TierAgency, project.SubscriptionTier)
	assert.True(t, project.SubscriptionStart.Equal(now))
}

func TestStorage_Usage(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()

	usage, err := storage.GetUsage(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, usage)

	usage, err = storage.IncrementUsage(ctx, "p1", entitle.ResourceMediaCredit, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, usage.MediaCreditsUsed)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = storage.IncrementUsage(ctx, "p1", entitle.ResourceMediaCredit, 1)
		}()
	}
	wg.Wait()

	usage, err = storage.GetUsage(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 13, usage.MediaCreditsUsed)
}

func TestStorage_ResetUsage(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()
	feb := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)

	_, err := storage.IncrementUsage(ctx, "p1", entitle.ResourceStrategyBrief, 4)
	require.NoError(t, err)

	usage, reset, err := storage.ResetUsage(ctx, "p1", feb)
	require.NoError(t, err)
	assert.True(t, reset)
	assert.Equal(t, 0, usage.TotalStrategyBriefs)

	_, reset, err = storage.ResetUsage(ctx, "p1", feb)
	require.NoError(t, err)
	assert.False(t, reset)
}

var _ entitle.Storage = (*Storage)(nil)

func TestLocker_Exclusive(t *testing.T) {
	storage := setupStorage(t)
	collection := fmt.Sprintf("test_locks_%d", time.Now().UnixNano())
	ctx := context.Background()

	first, err := NewLocker(storage.client, LockerConfig{Collection: collection, TTL: 3 * time.Second})
	require.NoError(t, err)
	second, err := NewLocker(storage.client, LockerConfig{Collection: collection, TTL: 3 * time.Second})
	require.NoError(t, err)

	unlock, err := first.Lock(ctx, "project:a/b")
	require.NoError(t, err)

	// Held past its TTL: the lease is renewed, so the second replica keeps waiting
	waitCtx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()
	_, err = second.Lock(waitCtx, "project:a/b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()

	unlock, err = second.Lock(ctx, "project:a/b")
	require.NoError(t, err)
	unlock()
}

func TestLocker_GuardsReplicas(t *testing.T) {
	storage := setupStorage(t)
	collection := fmt.Sprintf("test_locks_%d", time.Now().UnixNano())
	ctx := context.Background()

	var managers []*entitle.Manager
	for i := 0; i < 2; i++ {
		locker, err := NewLocker(storage.client, LockerConfig{Collection: collection, RetryBackoff: 10 * time.Millisecond})
		require.NoError(t, err)
		manager, err := entitle.NewManager(storage, entitle.Config{Locker: locker})
		require.NoError(t, err)
		managers = append(managers, manager)
	}
	_, err := managers[0].CreateProject(ctx, "p1", entitle.TierStarter)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(manager *entitle.Manager) {
			defer wg.Done()
			_, _ = manager.Do(ctx, "p1", entitle.ResourceStrategyBrief, 1, func(context.Context) error { return nil })
		}(managers[i%2])
	}
	wg.Wait()

	usage, err := storage.GetUsage(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 5, usage.TotalStrategyBriefs)
}

func TestNewLocker_Validation(t *testing.T) {
	_, err := NewLocker(nil, LockerConfig{})
	assert.Error(t, err)
}
