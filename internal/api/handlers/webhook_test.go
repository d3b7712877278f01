package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capmedia/testplatform/internal/dispatch"
	"github.com/capmedia/testplatform/internal/models"
	"github.com/capmedia/testplatform/internal/progress"
	"github.com/capmedia/testplatform/internal/store/storetest"
)

type noopProvisioner struct{}

func (noopProvisioner) Provision(ctx context.Context, test *models.Test) error { return nil }

func newWebhookFixture(t *testing.T) (*WebhookHandler, *storetest.Fake) {
	t.Helper()
	fake := storetest.New()
	rep := progress.NewHandler(fake, nil, discardLogger())
	coordinator := dispatch.NewCoordinator(fake, noopProvisioner{}, rep, nil, dispatch.Config{
		SigningKey: "sk",
		BaseURL:    "https://ci.example.com",
	}, discardLogger())

	tracked := func(branch string) bool { return branch == "master" }
	return NewWebhookHandler(coordinator, "hook-secret", tracked, discardLogger()), fake
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func deliver(h *WebhookHandler, event, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", signature)
	rec := httptest.NewRecorder()
	h.Handle(rec, req)
	return rec
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h, _ := newWebhookFixture(t)

	body := `{"ref": "refs/heads/master", "after": "abc123"}`
	rec := deliver(h, "push", body, "sha256=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookPushDispatches(t *testing.T) {
	h, fake := newWebhookFixture(t)

	body := `{"ref": "refs/heads/master", "after": "abc123", "repository": {"full_name": "capmedia/mediatool"}}`
	rec := deliver(h, "push", body, sign("hook-secret", body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"dispatched":2`)
	assert.Len(t, fake.TestRows, 2)
}

func TestWebhookPushUntrackedBranchIgnored(t *testing.T) {
	h, fake := newWebhookFixture(t)

	body := `{"ref": "refs/heads/feature", "after": "abc123"}`
	rec := deliver(h, "push", body, sign("hook-secret", body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ignored")
	assert.Empty(t, fake.TestRows)
}

func TestWebhookBranchDeletionIgnored(t *testing.T) {
	h, fake := newWebhookFixture(t)

	body := `{"ref": "refs/heads/master", "after": "0000000", "deleted": true}`
	rec := deliver(h, "push", body, sign("hook-secret", body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, fake.TestRows)
}

func TestWebhookPullRequestDispatches(t *testing.T) {
	h, fake := newWebhookFixture(t)

	body := `{
		"action": "opened",
		"number": 42,
		"pull_request": {"head": {"sha": "def456", "ref": "feature", "repo": {"full_name": "fork/mediatool"}}},
		"sender": {"id": 7, "login": "contributor"}
	}`
	rec := deliver(h, "pull_request", body, sign("hook-secret", body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, fake.TestRows, 2)
	for _, test := range fake.TestRows {
		assert.Equal(t, 42, test.PRNumber)
	}
}

func TestWebhookPingAndUnknownEventsAcknowledged(t *testing.T) {
	h, _ := newWebhookFixture(t)

	rec := deliver(h, "ping", `{}`, sign("hook-secret", `{}`))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = deliver(h, "watch", `{}`, sign("hook-secret", `{}`))
	assert.Equal(t, http.StatusOK, rec.Code)
}
