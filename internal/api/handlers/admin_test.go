package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capmedia/testplatform/internal/dispatch"
	"github.com/capmedia/testplatform/internal/models"
	"github.com/capmedia/testplatform/internal/progress"
	"github.com/capmedia/testplatform/internal/store/storetest"
)

func newAdminFixture(t *testing.T) (chi.Router, *storetest.Fake) {
	t.Helper()
	fake := storetest.New()
	rep := progress.NewHandler(fake, nil, discardLogger())
	coordinator := dispatch.NewCoordinator(fake, noopProvisioner{}, rep, nil, dispatch.Config{
		SigningKey: "sk",
		BaseURL:    "https://ci.example.com",
	}, discardLogger())
	h := NewAdminHandler(fake, coordinator, discardLogger())

	r := chi.NewRouter()
	r.Post("/admin/tests/{testID}/cancel", h.CancelTest)
	r.Get("/admin/maintenance", h.GetMaintenance)
	r.Put("/admin/maintenance/{platform}", h.SetMaintenance)
	r.Get("/admin/blocked-users", h.ListBlockedUsers)
	r.Post("/admin/blocked-users", h.BlockUser)
	r.Delete("/admin/blocked-users/{userID}", h.UnblockUser)
	return r, fake
}

func TestCancelTestEndpoint(t *testing.T) {
	r, fake := newAdminFixture(t)
	ctx := context.Background()

	test := &models.Test{Platform: models.PlatformLinux, TestType: models.TestTypeCommit, Commit: "abc", Branch: "master", Token: "tok"}
	require.NoError(t, fake.Tests().Create(ctx, test))

	req := httptest.NewRequest(http.MethodPost, "/admin/tests/1/cancel",
		strings.NewReader(`{"reason": "stuck"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	cur, err := fake.Progress().Current(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, cur.Status)
	assert.Equal(t, "stuck", cur.Message)
}

func TestCancelUnknownTest(t *testing.T) {
	r, _ := newAdminFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/tests/99/cancel", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMaintenanceRoundTrip(t *testing.T) {
	r, _ := newAdminFixture(t)

	req := httptest.NewRequest(http.MethodPut, "/admin/maintenance/windows",
		strings.NewReader(`{"disabled": true}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/maintenance", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"windows"`)
	assert.Contains(t, rec.Body.String(), `true`)
}

func TestMaintenanceUnknownPlatform(t *testing.T) {
	r, _ := newAdminFixture(t)

	req := httptest.NewRequest(http.MethodPut, "/admin/maintenance/solaris",
		strings.NewReader(`{"disabled": true}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBlockedUserLifecycle(t *testing.T) {
	r, fake := newAdminFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/blocked-users",
		strings.NewReader(`{"user_id": 7, "comment": "spam"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	blocked, err := fake.BlockedUsers().IsBlocked(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, blocked)

	req = httptest.NewRequest(http.MethodDelete, "/admin/blocked-users/7", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/admin/blocked-users/7", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
