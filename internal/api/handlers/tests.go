package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/capmedia/testplatform/internal/models"
	"github.com/capmedia/testplatform/internal/reconcile"
	"github.com/capmedia/testplatform/internal/store"
)

// TestsHandler serves test metadata and reconciled reports.
type TestsHandler struct {
	store      store.Store
	reconciler *reconcile.Reconciler
	logger     *slog.Logger
}

// NewTestsHandler creates a TestsHandler.
func NewTestsHandler(st store.Store, reconciler *reconcile.Reconciler, logger *slog.Logger) *TestsHandler {
	return &TestsHandler{store: st, reconciler: reconciler, logger: logger}
}

// Get handles GET /api/tests/{testID}.
func (h *TestsHandler) Get(w http.ResponseWriter, r *http.Request) {
	test, ok := h.loadTest(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, test)
}

// Report handles GET /api/tests/{testID}/report. The report is derived
// on demand: only a completed test has one.
func (h *TestsHandler) Report(w http.ResponseWriter, r *http.Request) {
	test, ok := h.loadTest(w, r)
	if !ok {
		return
	}

	current, err := h.store.Progress().Current(r.Context(), test.ID)
	if err != nil || current.Status != models.StatusCompleted {
		WriteError(w, http.StatusConflict, ErrCodeInvalidRequest, "test has not completed")
		return
	}

	report, err := h.reconciler.Reconcile(r.Context(), test)
	if err != nil {
		h.logger.Error("reconciling report", "test_id", test.ID, "error", err.Error())
		WriteInternalError(w, "failed to build report")
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

func (h *TestsHandler) loadTest(w http.ResponseWriter, r *http.Request) (*models.Test, bool) {
	testID, err := strconv.ParseInt(chi.URLParam(r, "testID"), 10, 64)
	if err != nil {
		WriteBadRequest(w, "invalid test id")
		return nil, false
	}

	test, err := h.store.Tests().Get(r.Context(), testID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "test not found")
			return nil, false
		}
		WriteInternalError(w, "failed to load test")
		return nil, false
	}
	return test, true
}
