package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// fakeStripe serves the subset of the Stripe API SyncProject uses
type fakeStripe struct {
	customers     []map[string]interface{}
	subscriptions []map[string]interface{}
	searches      atomic.Int32
}

func (f *fakeStripe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/v1/customers/search":
		f.searches.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"object":    "search_result",
			"url":       "/v1/customers/search",
			"has_more":  false,
			"next_page": nil,
			"data":      f.customers,
		})
	case "/v1/subscriptions":
		if r.URL.Query().Get("customer") != testCustomerID {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"object": "list", "url": "/v1/subscriptions", "data": []interface{}{}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"object":   "list",
			"url":      "/v1/subscriptions",
			"has_more": false,
			"data":     f.subscriptions,
		})
	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"type": "invalid_request_error", "message": "unknown path " + r.URL.Path},
		})
	}
}

func newSyncProvider(t *testing.T, manager *entitle.Manager, fake *fakeStripe, mutate ...func(*Config)) *Provider {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return newTestProvider(t, manager, append([]func(*Config){func(c *Config) {
		c.APIBaseURL = srv.URL
		c.HTTPClient = srv.Client()
	}}, mutate...)...)
}

func TestSyncProject_HighestLiveSubscriptionWins(t *testing.T) {
	manager := newTestManager(t)
	fake := &fakeStripe{
		customers: []map[string]interface{}{
			{"id": "cus_other", "object": "customer", "metadata": map[string]string{projectIDKey: "proj-1234"}},
			{"id": testCustomerID, "object": "customer", "metadata": map[string]string{projectIDKey: testProjectID}},
		},
		subscriptions: []map[string]interface{}{
			subscriptionObject("active", testProjectID, testPriceGrowth),
			subscriptionObject("past_due", testProjectID, testPriceAgency),
		},
	}
	provider := newSyncProvider(t, manager, fake)

	tier, err := provider.SyncProject(context.Background(), testProjectID)
	require.NoError(t, err)
	assert.Equal(t, entitle.TierGrowth, tier)
	assert.Equal(t, entitle.TierGrowth, tierOf(t, manager))
	assert.Equal(t, int32(1), fake.searches.Load())
}

func TestSyncProject_ResolverSkipsSearch(t *testing.T) {
	manager := newTestManager(t)
	fake := &fakeStripe{
		subscriptions: []map[string]interface{}{
			subscriptionObject("active", testProjectID, testPriceAgency),
		},
	}
	provider := newSyncProvider(t, manager, fake, func(c *Config) {
		c.CustomerIDResolver = func(_ context.Context, projectID string) (string, error) {
			if projectID == testProjectID {
				return testCustomerID, nil
			}
			return "", errors.New("unknown")
		}
	})

	tier, err := provider.SyncProject(context.Background(), testProjectID)
	require.NoError(t, err)
	assert.Equal(t, entitle.TierAgency, tier)
	assert.Zero(t, fake.searches.Load())
}

func TestSyncProject_NoCustomerDropsToLowestTier(t *testing.T) {
	manager := newTestManager(t)
	_, err := manager.ChangeTier(context.Background(), testProjectID, entitle.TierAgency)
	require.NoError(t, err)

	provider := newSyncProvider(t, manager, &fakeStripe{})

	tier, err := provider.SyncProject(context.Background(), testProjectID)
	require.NoError(t, err)
	assert.Equal(t, entitle.TierStarter, tier)
	assert.Equal(t, entitle.TierStarter, tierOf(t, manager))
}

func TestSyncProject_UnknownProject(t *testing.T) {
	provider := newSyncProvider(t, newTestManager(t), &fakeStripe{})

	_, err := provider.SyncProject(context.Background(), "ghost")
	assert.ErrorIs(t, err, entitle.ErrProjectNotFound)
}
