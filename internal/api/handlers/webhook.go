package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/capmedia/testplatform/internal/dispatch"
)

// maxWebhookBytes bounds a webhook delivery body.
const maxWebhookBytes = 1 << 20

// WebhookHandler receives GitHub webhook deliveries.
type WebhookHandler struct {
	coordinator   *dispatch.Coordinator
	secret        []byte
	branchTracked func(string) bool
	logger        *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(coordinator *dispatch.Coordinator, secret string, branchTracked func(string) bool, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		coordinator:   coordinator,
		secret:        []byte(secret),
		branchTracked: branchTracked,
		logger:        logger,
	}
}

type pushPayload struct {
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Deleted bool   `json:"deleted"`
	Repo    struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

type pullRequestPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Head struct {
			SHA  string `json:"sha"`
			Ref  string `json:"ref"`
			Repo struct {
				FullName string `json:"full_name"`
			} `json:"repo"`
		} `json:"head"`
	} `json:"pull_request"`
	Sender struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
	} `json:"sender"`
}

// Handle handles POST /webhook/github.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		WriteBadRequest(w, "unreadable body")
		return
	}

	if !h.verifySignature(r.Header.Get("X-Hub-Signature-256"), body) {
		h.logger.Warn("webhook with bad signature",
			slog.String("delivery", r.Header.Get("X-GitHub-Delivery")),
		)
		WriteUnauthorized(w, "invalid signature")
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	switch event {
	case "push":
		h.handlePush(w, r, body)
	case "pull_request":
		h.handlePullRequest(w, r, body)
	case "ping":
		WriteJSON(w, http.StatusOK, map[string]string{"status": "pong"})
	default:
		// Acknowledge so GitHub does not retry events we do not track.
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

func (h *WebhookHandler) handlePush(w http.ResponseWriter, r *http.Request, body []byte) {
	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		WriteBadRequest(w, "malformed push payload")
		return
	}

	branch, ok := strings.CutPrefix(payload.Ref, "refs/heads/")
	if !ok || payload.Deleted || !h.branchTracked(branch) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	tests, err := h.coordinator.HandlePush(r.Context(), dispatch.PushEvent{
		Commit: payload.After,
		Branch: branch,
		Fork:   payload.Repo.FullName,
	})
	if err != nil {
		h.logger.Error("dispatching push", slog.String("error", err.Error()))
		WriteInternalError(w, "dispatch failed")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"status":     "dispatched",
		"dispatched": len(tests),
	})
}

func (h *WebhookHandler) handlePullRequest(w http.ResponseWriter, r *http.Request, body []byte) {
	var payload pullRequestPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		WriteBadRequest(w, "malformed pull_request payload")
		return
	}

	tests, err := h.coordinator.HandlePullRequest(r.Context(), dispatch.PullRequestEvent{
		Action:      payload.Action,
		Number:      payload.Number,
		Commit:      payload.PullRequest.Head.SHA,
		Branch:      payload.PullRequest.Head.Ref,
		Fork:        payload.PullRequest.Head.Repo.FullName,
		SenderID:    payload.Sender.ID,
		SenderLogin: payload.Sender.Login,
	})
	if err != nil {
		h.logger.Error("dispatching pull request", slog.String("error", err.Error()))
		WriteInternalError(w, "dispatch failed")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"status":     "dispatched",
		"dispatched": len(tests),
	})
}

// verifySignature checks the HMAC-SHA256 delivery signature.
func (h *WebhookHandler) verifySignature(header string, body []byte) bool {
	presented, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(presented), []byte(expected))
}
