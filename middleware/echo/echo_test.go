package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/entitle"
	"github.com/mihaimyh/goentitle/storage/memory"
)

// Test helper to create a manager with one starter project
func setupTestManager(t *testing.T) *entitle.Manager {
	t.Helper()

	manager, err := entitle.NewManager(memory.New(), entitle.Config{})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	if _, err := manager.CreateProject(context.Background(), "p1", entitle.TierStarter); err != nil {
		t.Fatalf("Failed to create project: %v", err)
	}
	return manager
}

func newServer(manager *entitle.Manager, kind entitle.ResourceKind, handler echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.POST("/run", handler, Middleware(Config{
		Manager:      manager,
		GetProjectID: FromHeader("X-Project-ID"),
		GetResource:  FixedResource(kind),
	}))
	return e
}

func do(e *echo.Echo, projectID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/run", nil)
	if projectID != "" {
		req.Header.Set("X-Project-ID", projectID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func proCalls(t *testing.T, manager *entitle.Manager) int {
	t.Helper()
	snap, err := manager.Snapshot(context.Background(), "p1")
	require.NoError(t, err)
	return snap.Usage.ProCallsUsed
}

func TestMiddleware_AllowsUntilCeiling(t *testing.T) {
	manager := setupTestManager(t)
	e := newServer(manager, entitle.ResourceProCall, func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusOK, do(e, "p1").Code)
	}

	rec := do(e, "p1")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), "Upgrade to Growth for unlimited access.")
	assert.Equal(t, 10, proCalls(t, manager))
}

func TestMiddleware_HandlerErrorIsNotCharged(t *testing.T) {
	manager := setupTestManager(t)
	e := newServer(manager, entitle.ResourceProCall, func(echo.Context) error {
		return echo.NewHTTPError(http.StatusBadGateway, "provider unavailable")
	})

	rec := do(e, "p1")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, 0, proCalls(t, manager))
}

func TestMiddleware_ErrorStatusIsNotCharged(t *testing.T) {
	manager := setupTestManager(t)
	e := newServer(manager, entitle.ResourceProCall, func(c echo.Context) error {
		return c.String(http.StatusUnprocessableEntity, "bad prompt")
	})

	rec := do(e, "p1")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, 0, proCalls(t, manager))
}

func TestMiddleware_Unauthorized(t *testing.T) {
	manager := setupTestManager(t)
	e := newServer(manager, entitle.ResourceProCall, func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	assert.Equal(t, http.StatusUnauthorized, do(e, "").Code)
	assert.Equal(t, http.StatusNotFound, do(e, "ghost").Code)
}

func TestMiddleware_OnError(t *testing.T) {
	manager := setupTestManager(t)

	var gotErr error
	e := echo.New()
	e.POST("/run", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, Middleware(Config{
		Manager:      manager,
		GetProjectID: FromHeader("X-Project-ID"),
		GetResource:  FixedResource(entitle.ResourceProCall),
		GetCost: func(echo.Context) (int, error) {
			return 0, errors.New("unreadable body")
		},
		OnError: func(c echo.Context, err error) error {
			gotErr = err
			return c.NoContent(http.StatusTeapot)
		},
	}))

	rec := do(e, "p1")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.ErrorIs(t, gotErr, entitle.ErrInvalidAmount)
}
