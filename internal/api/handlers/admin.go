package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/capmedia/testplatform/internal/dispatch"
	"github.com/capmedia/testplatform/internal/models"
	"github.com/capmedia/testplatform/internal/store"
)

// AdminHandler serves the operator endpoints: test cancellation,
// maintenance mode, and the PR blocklist.
type AdminHandler struct {
	store       store.Store
	coordinator *dispatch.Coordinator
	logger      *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(st store.Store, coordinator *dispatch.Coordinator, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{store: st, coordinator: coordinator, logger: logger}
}

// CancelTest handles POST /admin/tests/{testID}/cancel.
func (h *AdminHandler) CancelTest(w http.ResponseWriter, r *http.Request) {
	testID, err := strconv.ParseInt(chi.URLParam(r, "testID"), 10, 64)
	if err != nil {
		WriteBadRequest(w, "invalid test id")
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		// An empty body is fine; the reason defaults server-side.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	out, err := h.coordinator.Cancel(r.Context(), testID, body.Reason)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "test not found")
			return
		}
		h.logger.Error("canceling test", "test_id", testID, "error", err.Error())
		WriteInternalError(w, "failed to cancel test")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"canceled": out.Applied,
		"status":   out.Status,
	})
}

// GetMaintenance handles GET /admin/maintenance.
func (h *AdminHandler) GetMaintenance(w http.ResponseWriter, r *http.Request) {
	var modes []models.MaintenanceMode
	for _, platform := range models.ValidPlatforms() {
		mode, err := h.store.Maintenance().Get(r.Context(), platform)
		if err != nil {
			WriteInternalError(w, "failed to load maintenance mode")
			return
		}
		modes = append(modes, *mode)
	}
	WriteJSON(w, http.StatusOK, modes)
}

// SetMaintenance handles PUT /admin/maintenance/{platform}.
func (h *AdminHandler) SetMaintenance(w http.ResponseWriter, r *http.Request) {
	platform := models.TestPlatform(chi.URLParam(r, "platform"))
	if !platform.IsValid() {
		WriteBadRequest(w, "unknown platform")
		return
	}

	var body struct {
		Disabled bool `json:"disabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "malformed body")
		return
	}

	if err := h.store.Maintenance().Set(r.Context(), platform, body.Disabled); err != nil {
		WriteInternalError(w, "failed to set maintenance mode")
		return
	}

	h.logger.Info("maintenance mode changed",
		slog.String("platform", string(platform)),
		slog.Bool("disabled", body.Disabled),
	)
	WriteJSON(w, http.StatusOK, models.MaintenanceMode{Platform: platform, Disabled: body.Disabled})
}

// ListBlockedUsers handles GET /admin/blocked-users.
func (h *AdminHandler) ListBlockedUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.BlockedUsers().List(r.Context())
	if err != nil {
		WriteInternalError(w, "failed to list blocked users")
		return
	}
	if users == nil {
		users = []models.BlockedUser{}
	}
	WriteJSON(w, http.StatusOK, users)
}

// BlockUser handles POST /admin/blocked-users.
func (h *AdminHandler) BlockUser(w http.ResponseWriter, r *http.Request) {
	var user models.BlockedUser
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil || user.UserID == 0 {
		WriteBadRequest(w, "user_id is required")
		return
	}

	if err := h.store.BlockedUsers().Add(r.Context(), &user); err != nil {
		WriteInternalError(w, "failed to block user")
		return
	}

	h.logger.Info("user blocked", slog.Int64("user_id", user.UserID))
	WriteJSON(w, http.StatusCreated, user)
}

// UnblockUser handles DELETE /admin/blocked-users/{userID}.
func (h *AdminHandler) UnblockUser(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		WriteBadRequest(w, "invalid user id")
		return
	}

	if err := h.store.BlockedUsers().Remove(r.Context(), userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "user is not blocked")
			return
		}
		WriteInternalError(w, "failed to unblock user")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
