// Package handlers implements the HTTP handlers of the API server.
package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/capmedia/testplatform/internal/metrics"
	"github.com/capmedia/testplatform/internal/models"
	"github.com/capmedia/testplatform/internal/progress"
	"github.com/capmedia/testplatform/internal/store"
)

// maxLogUploadBytes bounds a single worker log upload.
const maxLogUploadBytes = 32 << 20

// ProgressHandler serves the worker callback endpoint and the progress
// read API.
type ProgressHandler struct {
	store    store.Store
	progress *progress.Handler
	stage    func(r *http.Request, test *models.Test, status models.TestStatus)
	logDir   string
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewProgressHandler creates a ProgressHandler. stage may be nil; logDir
// empty disables log uploads.
func NewProgressHandler(st store.Store, ph *progress.Handler, stage func(r *http.Request, test *models.Test, status models.TestStatus), logDir string, logger *slog.Logger) *ProgressHandler {
	return &ProgressHandler{
		store:    st,
		progress: ph,
		stage:    stage,
		logDir:   logDir,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Report handles POST /progress-reporter/{testID}/{token}. The worker
// posts url-encoded forms; the "type" field selects the action. All
// responses carry a "status" field of "success" or "fail", which is the
// only thing the worker inspects.
func (h *ProgressHandler) Report(w http.ResponseWriter, r *http.Request) {
	testID, err := strconv.ParseInt(chi.URLParam(r, "testID"), 10, 64)
	if err != nil {
		writeWorkerFail(w, http.StatusBadRequest, "invalid test id")
		return
	}
	token := chi.URLParam(r, "token")

	// Log uploads are multipart; everything else is a url-encoded form.
	if err := r.ParseMultipartForm(maxLogUploadBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeWorkerFail(w, http.StatusBadRequest, "malformed form")
		return
	}

	switch r.FormValue("type") {
	case "progress":
		h.reportProgress(w, r, testID, token)
	case "result":
		h.reportResult(w, r, testID, token)
	case "resultfile":
		h.reportResultFile(w, r, testID, token)
	case "logupload":
		h.uploadLog(w, r, testID, token)
	default:
		writeWorkerFail(w, http.StatusBadRequest, "unknown report type")
	}
}

func (h *ProgressHandler) reportProgress(w http.ResponseWriter, r *http.Request, testID int64, token string) {
	report := progress.Report{
		Status:  models.TestStatus(r.FormValue("status")),
		Message: r.FormValue("message"),
	}
	// Malformed counters are treated as absent, not as errors: losing a
	// counter update is cheaper than losing the status transition.
	report.CurrentStep = formInt(r, "current_test")
	report.TotalSteps = formInt(r, "total_tests")

	out, err := h.progress.HandleReport(r.Context(), testID, token, report)
	if err != nil {
		h.writeReportError(w, err)
		return
	}

	metrics.ProgressReports.WithLabelValues(outcomeLabel(out)).Inc()

	if out.Applied && out.Transitioned && !out.Terminal && h.stage != nil {
		if test, err := h.store.Tests().Get(r.Context(), testID); err == nil {
			h.stage(r, test, out.Status)
		}
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"applied": out.Applied,
		"current": out.Status,
	})
}

func (h *ProgressHandler) reportResult(w http.ResponseWriter, r *http.Request, testID int64, token string) {
	if !h.authorize(w, r, testID, token) {
		return
	}

	regressionTestID, err := strconv.ParseInt(r.FormValue("regression_test_id"), 10, 64)
	if err != nil {
		writeWorkerFail(w, http.StatusBadRequest, "invalid regression_test_id")
		return
	}
	exitCode, err := strconv.Atoi(r.FormValue("exit_code"))
	if err != nil {
		writeWorkerFail(w, http.StatusBadRequest, "invalid exit_code")
		return
	}
	expectedRC, err := strconv.Atoi(r.FormValue("expected_rc"))
	if err != nil {
		writeWorkerFail(w, http.StatusBadRequest, "invalid expected_rc")
		return
	}
	runtimeMS, _ := strconv.Atoi(r.FormValue("runtime_ms"))

	err = h.store.Results().CreateResult(r.Context(), &models.TestResult{
		TestID:           testID,
		RegressionTestID: regressionTestID,
		ExitCode:         exitCode,
		ExpectedRC:       expectedRC,
		RuntimeMS:        runtimeMS,
	})
	if err != nil {
		h.logger.Error("storing result", "test_id", testID, "error", err.Error())
		writeWorkerFail(w, http.StatusInternalServerError, "failed to store result")
		return
	}
	writeWorkerSuccess(w)
}

func (h *ProgressHandler) reportResultFile(w http.ResponseWriter, r *http.Request, testID int64, token string) {
	if !h.authorize(w, r, testID, token) {
		return
	}

	regressionTestID, err := strconv.ParseInt(r.FormValue("regression_test_id"), 10, 64)
	if err != nil {
		writeWorkerFail(w, http.StatusBadRequest, "invalid regression_test_id")
		return
	}
	outputID, err := strconv.ParseInt(r.FormValue("output_id"), 10, 64)
	if err != nil {
		writeWorkerFail(w, http.StatusBadRequest, "invalid output_id")
		return
	}

	err = h.store.Results().CreateResultFile(r.Context(), &models.TestResultFile{
		TestID:           testID,
		RegressionTestID: regressionTestID,
		OutputID:         outputID,
		// Empty means the worker never produced the file.
		Got: r.FormValue("got"),
	})
	if err != nil {
		h.logger.Error("storing result file", "test_id", testID, "error", err.Error())
		writeWorkerFail(w, http.StatusInternalServerError, "failed to store result file")
		return
	}
	writeWorkerSuccess(w)
}

func (h *ProgressHandler) uploadLog(w http.ResponseWriter, r *http.Request, testID int64, token string) {
	if !h.authorize(w, r, testID, token) {
		return
	}
	if h.logDir == "" {
		writeWorkerFail(w, http.StatusBadRequest, "log uploads are disabled")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeWorkerFail(w, http.StatusBadRequest, "missing log file")
		return
	}
	defer file.Close()

	path := filepath.Join(h.logDir, strconv.FormatInt(testID, 10)+".txt")
	dst, err := os.Create(path)
	if err != nil {
		h.logger.Error("creating log file", "path", path, "error", err.Error())
		writeWorkerFail(w, http.StatusInternalServerError, "failed to store log")
		return
	}
	defer dst.Close()

	if _, err := io.Copy(dst, io.LimitReader(file, maxLogUploadBytes)); err != nil {
		h.logger.Error("writing log file", "path", path, "error", err.Error())
		writeWorkerFail(w, http.StatusInternalServerError, "failed to store log")
		return
	}

	writeWorkerSuccess(w)
}

// Get handles GET /api/tests/{testID}/progress.
func (h *ProgressHandler) Get(w http.ResponseWriter, r *http.Request) {
	testID, err := strconv.ParseInt(chi.URLParam(r, "testID"), 10, 64)
	if err != nil {
		WriteBadRequest(w, "invalid test id")
		return
	}
	if _, err := h.store.Tests().Get(r.Context(), testID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "test not found")
			return
		}
		WriteInternalError(w, "failed to load test")
		return
	}

	data, err := h.progress.Snapshot(r.Context(), testID)
	if err != nil {
		h.logger.Error("building progress snapshot", "test_id", testID, "error", err.Error())
		WriteInternalError(w, "failed to load progress")
		return
	}
	WriteJSON(w, http.StatusOK, data)
}

// Stream handles GET /api/tests/{testID}/progress/stream: a websocket
// that pushes a fresh snapshot every few seconds until the test reaches
// a terminal state or the client goes away.
func (h *ProgressHandler) Stream(w http.ResponseWriter, r *http.Request) {
	testID, err := strconv.ParseInt(chi.URLParam(r, "testID"), 10, 64)
	if err != nil {
		WriteBadRequest(w, "invalid test id")
		return
	}
	if _, err := h.store.Tests().Get(r.Context(), testID); err != nil {
		WriteNotFound(w, "test not found")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		data, err := h.progress.Snapshot(r.Context(), testID)
		if err != nil {
			return
		}
		if err := conn.WriteJSON(data); err != nil {
			return
		}
		if data.End != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "test finished"))
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *ProgressHandler) authorize(w http.ResponseWriter, r *http.Request, testID int64, token string) bool {
	if err := h.progress.Authorize(r.Context(), testID, token); err != nil {
		h.writeReportError(w, err)
		return false
	}
	return true
}

func (h *ProgressHandler) writeReportError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, progress.ErrUnauthorized):
		writeWorkerFail(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, progress.ErrUnknownStatus):
		writeWorkerFail(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("handling progress report", "error", err.Error())
		writeWorkerFail(w, http.StatusInternalServerError, "failed to process report")
	}
}

func writeWorkerSuccess(w http.ResponseWriter) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func writeWorkerFail(w http.ResponseWriter, code int, message string) {
	WriteJSON(w, code, map[string]string{"status": "fail", "message": message})
}

// formInt parses an optional positive form integer, returning nil when
// the field is absent or malformed.
func formInt(r *http.Request, key string) *int {
	raw := r.FormValue(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return nil
	}
	return &v
}

func outcomeLabel(out progress.Outcome) string {
	switch {
	case !out.Applied:
		return "ignored"
	case out.Transitioned:
		return "transitioned"
	default:
		return "updated"
	}
}
