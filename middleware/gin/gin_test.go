package gin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	gongin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitle"
	"github.com/mihaimyh/goentitle/storage/memory"
)

func init() {
	gongin.SetMode(gongin.TestMode)
}

func setupRouter(t *testing.T, kind entitle.ResourceKind, status int) (*gongin.Engine, *entitle.Manager) {
	t.Helper()

	manager, err := entitle.NewManager(memory.New(), entitle.Config{})
	require.NoError(t, err)
	_, err = manager.CreateProject(context.Background(), "p1", entitle.TierStarter)
	require.NoError(t, err)

	r := gongin.New()
	r.POST("/projects/:project/run", Middleware(Config{
		Manager:      manager,
		GetProjectID: FromParam("project"),
		GetResource:  FixedResource(kind),
	}), func(c *gongin.Context) {
		c.String(status, "done")
	})
	return r, manager
}

func serve(r http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
	return rec
}

func TestMiddleware_ChargesUntilCeiling(t *testing.T) {
	r, manager := setupRouter(t, entitle.ResourceStrategyBrief, http.StatusOK)

	for i := 0; i < 5; i++ {
		rec := serve(r, "/projects/p1/run")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := serve(r, "/projects/p1/run")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), "Strategy brief limit reached (5/5).")

	snap, err := manager.Snapshot(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Usage.TotalStrategyBriefs)
}

func TestMiddleware_FailedHandlerIsNotCharged(t *testing.T) {
	r, manager := setupRouter(t, entitle.ResourceProCall, http.StatusInternalServerError)

	rec := serve(r, "/projects/p1/run")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "done", rec.Body.String())

	snap, err := manager.Snapshot(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Usage.ProCallsUsed)
}

func TestMiddleware_UnknownProject(t *testing.T) {
	r, _ := setupRouter(t, entitle.ResourceProCall, http.StatusOK)

	rec := serve(r, "/projects/ghost/run")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMiddleware_PanicsWithoutManager(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{}) })
}
