package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capmedia/testplatform/internal/models"
	"github.com/capmedia/testplatform/internal/progress"
	"github.com/capmedia/testplatform/internal/store/storetest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type progressFixture struct {
	fake    *storetest.Fake
	handler *ProgressHandler
	router  chi.Router
	test    *models.Test
}

func newProgressFixture(t *testing.T) *progressFixture {
	t.Helper()

	fake := storetest.New()
	test := &models.Test{
		Platform: models.PlatformLinux,
		TestType: models.TestTypeCommit,
		Commit:   "abc123",
		Branch:   "master",
		Token:    "secret-token",
	}
	require.NoError(t, fake.Tests().Create(context.Background(), test))

	ph := progress.NewHandler(fake, nil, discardLogger())
	handler := NewProgressHandler(fake, ph, nil, t.TempDir(), discardLogger())

	r := chi.NewRouter()
	r.Post("/progress-reporter/{testID}/{token}", handler.Report)
	r.Get("/api/tests/{testID}/progress", handler.Get)

	return &progressFixture{fake: fake, handler: handler, router: r, test: test}
}

func (f *progressFixture) postForm(t *testing.T, token string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost,
		"/progress-reporter/1/"+token, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestReportProgressTransition(t *testing.T) {
	f := newProgressFixture(t)

	rec := f.postForm(t, "secret-token", url.Values{
		"type":    {"progress"},
		"status":  {"preparation"},
		"message": {"booting"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	cur, err := f.fake.Progress().Current(context.Background(), f.test.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPreparation, cur.Status)
	assert.Equal(t, "booting", cur.Message)
}

func TestReportRejectsBadToken(t *testing.T) {
	f := newProgressFixture(t)

	rec := f.postForm(t, "wrong-token", url.Values{
		"type":   {"progress"},
		"status": {"preparation"},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReportRejectsUnknownStatus(t *testing.T) {
	f := newProgressFixture(t)

	rec := f.postForm(t, "secret-token", url.Values{
		"type":   {"progress"},
		"status": {"launching"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReportMalformedCountersAreDropped(t *testing.T) {
	f := newProgressFixture(t)

	rec := f.postForm(t, "secret-token", url.Values{
		"type":         {"progress"},
		"status":       {"testing"},
		"current_test": {"not-a-number"},
		"total_tests":  {"120"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	cur, err := f.fake.Progress().Current(context.Background(), f.test.ID)
	require.NoError(t, err)
	assert.Nil(t, cur.CurrentStep)
	require.NotNil(t, cur.TotalSteps)
	assert.Equal(t, 120, *cur.TotalSteps)
}

func TestReportUnknownTypeRejected(t *testing.T) {
	f := newProgressFixture(t)

	rec := f.postForm(t, "secret-token", url.Values{"type": {"telemetry"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReportResponsesCarrySuccessOrFail(t *testing.T) {
	f := newProgressFixture(t)

	rec := f.postForm(t, "secret-token", url.Values{
		"type":   {"progress"},
		"status": {"preparation"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"success"`)

	rec = f.postForm(t, "wrong-token", url.Values{
		"type":   {"progress"},
		"status": {"preparation"},
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"fail"`)

	rec = f.postForm(t, "secret-token", url.Values{"type": {"telemetry"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"fail"`)
}

func TestReportStoresResultAndFile(t *testing.T) {
	f := newProgressFixture(t)

	rec := f.postForm(t, "secret-token", url.Values{
		"type":               {"result"},
		"regression_test_id": {"10"},
		"exit_code":          {"0"},
		"expected_rc":        {"0"},
		"runtime_ms":         {"412"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.postForm(t, "secret-token", url.Values{
		"type":               {"resultfile"},
		"regression_test_id": {"10"},
		"output_id":          {"100"},
		"got":                {"fp-a"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	results, err := f.fake.Results().ListResults(context.Background(), f.test.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 412, results[0].RuntimeMS)

	files, err := f.fake.Results().ListResultFiles(context.Background(), f.test.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "fp-a", files[0].Got)
}

func TestReportResultRequiresValidToken(t *testing.T) {
	f := newProgressFixture(t)

	rec := f.postForm(t, "wrong-token", url.Values{
		"type":               {"result"},
		"regression_test_id": {"10"},
		"exit_code":          {"0"},
		"expected_rc":        {"0"},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetProgressSnapshot(t *testing.T) {
	f := newProgressFixture(t)

	for _, status := range []string{"preparation", "building"} {
		rec := f.postForm(t, "secret-token", url.Values{
			"type":   {"progress"},
			"status": {status},
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tests/1/progress", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"ok"`)
	assert.Contains(t, rec.Body.String(), `"building"`)
}

func TestGetProgressUnknownTest(t *testing.T) {
	f := newProgressFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/tests/99/progress", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
