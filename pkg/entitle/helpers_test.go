package entitle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitle"
	"github.com/mihaimyh/goentitle/storage/memory"
)

func newTestGuard(enforceSearch bool) (*entitle.Guard, *memory.Storage) {
	store := memory.New()
	ledger := entitle.NewLedger(store, enforceSearch, nil)
	return entitle.NewGuard(ledger, entitle.GuardConfig{EnforceSearchQueries: enforceSearch}), store
}

func seedUsage(t *testing.T, store entitle.Storage, projectID string, kind entitle.ResourceKind, n int) {
	t.Helper()
	if n == 0 {
		return
	}
	_, err := store.IncrementUsage(context.Background(), projectID, kind, n)
	require.NoError(t, err)
}

// recordingMetrics counts decisions and commits
type recordingMetrics struct {
	entitle.NoopMetrics

	mu        sync.Mutex
	allowed   int
	denied    int
	committed map[entitle.ResourceKind]int
	rollovers int
}

func (m *recordingMetrics) RecordDecision(_ entitle.ResourceKind, _ entitle.Tier, allowed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if allowed {
		m.allowed++
	} else {
		m.denied++
	}
}

func (m *recordingMetrics) RecordCommit(kind entitle.ResourceKind, _ entitle.Tier, amount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.committed == nil {
		m.committed = make(map[entitle.ResourceKind]int)
	}
	m.committed[kind] += amount
}

func (m *recordingMetrics) RecordRollover(_ entitle.Tier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollovers++
}

// recordingLogger keeps the messages it was given per level
type recordingLogger struct {
	mu     sync.Mutex
	infos  []string
	errors []string
}

func (l *recordingLogger) Debug(string, ...entitle.Field) {}
func (l *recordingLogger) Warn(string, ...entitle.Field)  {}

func (l *recordingLogger) Info(msg string, _ ...entitle.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *recordingLogger) Error(msg string, _ ...entitle.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

// fixedClock is a settable time source
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
