// Package notify pushes test outcomes back to GitHub: commit statuses
// per pipeline stage and an updatable summary comment on pull requests.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/capmedia/testplatform/internal/models"
)

// CommitState is a GitHub commit status state.
type CommitState string

const (
	StatePending CommitState = "pending"
	StateSuccess CommitState = "success"
	StateFailure CommitState = "failure"
	StateError   CommitState = "error"
)

// Notifier is the outbound surface the coordinator depends on.
type Notifier interface {
	SetCommitStatus(ctx context.Context, commit string, platform models.TestPlatform, state CommitState, description, targetURL string) error
	UpsertPRComment(ctx context.Context, prNumber int, platform models.TestPlatform, body string) error
}

// GitHubConfig holds the repository coordinates and credentials.
type GitHubConfig struct {
	// APIBase defaults to the public API. Override for tests or GHES.
	APIBase string `yaml:"api_base"`
	// Repo is the "owner/name" slug of the repository under test.
	Repo string `yaml:"repo"`
	// Token is a bot account or installation token.
	Token string `yaml:"token"`
	// BotLogin is the login the token belongs to, used to find our own
	// comment when updating it.
	BotLogin string `yaml:"bot_login"`
}

// GitHub implements Notifier against the GitHub REST API. Transient
// failures are retried with backoff; the API rate-limits and flakes
// often enough that plain http.Client loses statuses.
type GitHub struct {
	cfg    GitHubConfig
	client *retryablehttp.Client
	logger *slog.Logger
}

var _ Notifier = (*GitHub)(nil)

// NewGitHub creates a GitHub notifier.
func NewGitHub(cfg GitHubConfig, logger *slog.Logger) *GitHub {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.github.com"
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 30 * time.Second
	client.HTTPClient.Timeout = 30 * time.Second
	client.Logger = nil

	return &GitHub{cfg: cfg, client: client, logger: logger}
}

// statusContext is the per-platform status name shown on the commit.
func statusContext(platform models.TestPlatform) string {
	return fmt.Sprintf("CI - %s", platform)
}

// SetCommitStatus creates or replaces the per-platform status on a
// commit. GitHub keys statuses on (sha, context), so re-posting the
// same context is the update path.
func (g *GitHub) SetCommitStatus(ctx context.Context, commit string, platform models.TestPlatform, state CommitState, description, targetURL string) error {
	payload := map[string]string{
		"state":       string(state),
		"description": description,
		"context":     statusContext(platform),
	}
	if targetURL != "" {
		payload["target_url"] = targetURL
	}

	url := fmt.Sprintf("%s/repos/%s/statuses/%s", g.cfg.APIBase, g.cfg.Repo, commit)
	if err := g.do(ctx, http.MethodPost, url, payload, nil); err != nil {
		return fmt.Errorf("setting commit status on %s: %w", commit, err)
	}

	g.logger.Debug("commit status set",
		slog.String("commit", commit),
		slog.String("platform", string(platform)),
		slog.String("state", string(state)),
	)
	return nil
}

type issueComment struct {
	ID   int64 `json:"id"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	Body string `json:"body"`
}

// UpsertPRComment posts the summary comment on a pull request, editing
// the bot's previous comment for the same platform when one exists so a
// busy PR accumulates one comment per platform, not one per push.
func (g *GitHub) UpsertPRComment(ctx context.Context, prNumber int, platform models.TestPlatform, body string) error {
	marker := commentMarker(platform)
	body = marker + "\n" + body

	listURL := fmt.Sprintf("%s/repos/%s/issues/%d/comments", g.cfg.APIBase, g.cfg.Repo, prNumber)
	var comments []issueComment
	if err := g.do(ctx, http.MethodGet, listURL, nil, &comments); err != nil {
		return fmt.Errorf("listing comments on PR %d: %w", prNumber, err)
	}

	payload := map[string]string{"body": body}
	for _, c := range comments {
		if c.User.Login == g.cfg.BotLogin && bytes.Contains([]byte(c.Body), []byte(marker)) {
			editURL := fmt.Sprintf("%s/repos/%s/issues/comments/%d", g.cfg.APIBase, g.cfg.Repo, c.ID)
			if err := g.do(ctx, http.MethodPatch, editURL, payload, nil); err != nil {
				return fmt.Errorf("updating comment %d on PR %d: %w", c.ID, prNumber, err)
			}
			return nil
		}
	}

	if err := g.do(ctx, http.MethodPost, listURL, payload, nil); err != nil {
		return fmt.Errorf("commenting on PR %d: %w", prNumber, err)
	}
	return nil
}

// commentMarker is an invisible HTML comment identifying the platform a
// summary comment belongs to.
func commentMarker(platform models.TestPlatform) string {
	return fmt.Sprintf("<!-- testplatform:%s -->", platform)
}

func (g *GitHub) do(ctx context.Context, method, url string, payload any, out any) error {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding payload: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("github responded %d: %s", resp.StatusCode, data)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
