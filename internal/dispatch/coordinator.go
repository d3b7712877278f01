// Package dispatch turns repository events into test runs and reacts
// to their terminal transitions.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/capmedia/testplatform/internal/metrics"
	"github.com/capmedia/testplatform/internal/models"
	"github.com/capmedia/testplatform/internal/notify"
	"github.com/capmedia/testplatform/internal/progress"
	"github.com/capmedia/testplatform/internal/store"
)

// Provisioner is the slice of the VM manager the coordinator needs.
type Provisioner interface {
	Provision(ctx context.Context, test *models.Test) error
}

// ProgressReporter cancels tests through the normal protocol path.
type ProgressReporter interface {
	HandleReport(ctx context.Context, testID int64, token string, report progress.Report) (progress.Outcome, error)
}

// PushEvent is a branch push to the repository under test.
type PushEvent struct {
	Commit string
	Branch string
	Fork   string
}

// PullRequestEvent is a pull-request action on the repository.
type PullRequestEvent struct {
	Action      string
	Number      int
	Commit      string
	Branch      string
	Fork        string
	SenderID    int64
	SenderLogin string
}

// Config holds dispatch settings.
type Config struct {
	// SigningKey signs the per-test callback tokens.
	SigningKey string `yaml:"signing_key"`
	// BaseURL is the externally reachable base URL of this service.
	BaseURL string `yaml:"base_url"`
}

// Coordinator creates tests for incoming events, one per platform, and
// suppresses duplicates for commits that already have an active run.
type Coordinator struct {
	store       store.Store
	provisioner Provisioner
	reporter    ProgressReporter
	notifier    notify.Notifier
	logger      *slog.Logger
	cfg         Config
}

// NewCoordinator creates a Coordinator. notifier may be nil when the
// service runs without GitHub credentials.
func NewCoordinator(st store.Store, prov Provisioner, rep ProgressReporter, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:       st,
		provisioner: prov,
		reporter:    rep,
		notifier:    notifier,
		logger:      logger,
		cfg:         cfg,
	}
}

// HandlePush dispatches commit tests for a push to a tracked branch.
func (c *Coordinator) HandlePush(ctx context.Context, ev PushEvent) ([]*models.Test, error) {
	return c.dispatch(ctx, dispatchRequest{
		testType: models.TestTypeCommit,
		commit:   ev.Commit,
		branch:   ev.Branch,
		fork:     ev.Fork,
	})
}

// HandlePullRequest dispatches or cancels tests for a pull-request
// action. Opened, reopened, and synchronize dispatch; closed cancels
// every active test of the PR. Other actions are ignored.
func (c *Coordinator) HandlePullRequest(ctx context.Context, ev PullRequestEvent) ([]*models.Test, error) {
	switch ev.Action {
	case "opened", "reopened", "synchronize":
		blocked, err := c.store.BlockedUsers().IsBlocked(ctx, ev.SenderID)
		if err != nil {
			return nil, fmt.Errorf("checking blocklist: %w", err)
		}
		if blocked {
			c.logger.Warn("ignoring pull request from blocked user",
				slog.String("login", ev.SenderLogin),
				slog.Int64("user_id", ev.SenderID),
				slog.Int("pr", ev.Number),
			)
			return nil, nil
		}
		return c.dispatch(ctx, dispatchRequest{
			testType: models.TestTypePullRequest,
			commit:   ev.Commit,
			branch:   ev.Branch,
			fork:     ev.Fork,
			prNumber: ev.Number,
		})

	case "closed":
		return nil, c.cancelPR(ctx, ev.Number)

	default:
		return nil, nil
	}
}

type dispatchRequest struct {
	testType models.TestType
	commit   string
	branch   string
	fork     string
	prNumber int
}

func (c *Coordinator) dispatch(ctx context.Context, req dispatchRequest) ([]*models.Test, error) {
	var dispatched []*models.Test

	for _, platform := range models.ValidPlatforms() {
		mode, err := c.store.Maintenance().Get(ctx, platform)
		if err != nil {
			return dispatched, fmt.Errorf("checking maintenance mode: %w", err)
		}
		if mode.Disabled {
			c.logger.Info("platform in maintenance, skipping dispatch",
				slog.String("platform", string(platform)),
				slog.String("commit", req.commit),
			)
			continue
		}

		token, err := c.newToken(req.commit, platform)
		if err != nil {
			return dispatched, fmt.Errorf("minting callback token: %w", err)
		}

		test := &models.Test{
			Platform: platform,
			TestType: req.testType,
			Commit:   req.commit,
			Branch:   req.branch,
			PRNumber: req.prNumber,
			Fork:     req.fork,
			Token:    token,
		}

		// One active run per commit/platform pair. Retried webhook
		// deliveries and force-push replays hit this path; checking and
		// creating in one transaction keeps concurrent deliveries from
		// both passing the check.
		var duplicate *models.Test
		err = c.store.WithTx(ctx, func(tx store.Store) error {
			existing, err := tx.Tests().GetActive(ctx, req.commit, platform)
			if err == nil {
				duplicate = existing
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("checking for active test: %w", err)
			}
			if err := tx.Tests().Create(ctx, test); err != nil {
				return fmt.Errorf("creating test: %w", err)
			}
			return nil
		})
		if err != nil {
			return dispatched, err
		}
		if duplicate != nil {
			c.logger.Info("commit already has an active test",
				slog.String("commit", req.commit),
				slog.String("platform", string(platform)),
				slog.Int64("test_id", duplicate.ID),
			)
			continue
		}
		metrics.TestsDispatched.WithLabelValues(string(platform), string(req.testType)).Inc()

		c.logger.Info("test dispatched",
			slog.Int64("test_id", test.ID),
			slog.String("platform", string(platform)),
			slog.String("commit", req.commit),
			slog.String("type", string(req.testType)),
		)

		if c.notifier != nil {
			if err := c.notifier.SetCommitStatus(ctx, test.Commit, platform,
				notify.StatePending, "Queued", c.progressURL(test.ID)); err != nil {
				c.logger.Error("setting queued status", slog.String("error", err.Error()))
			}
		}

		if err := c.provisioner.Provision(ctx, test); err != nil {
			// Provision already moved the test to errored; keep going so
			// one platform's quota problem does not block the other.
			c.logger.Error("provisioning dispatched test",
				slog.Int64("test_id", test.ID),
				slog.String("error", err.Error()),
			)
		}

		dispatched = append(dispatched, test)
	}

	return dispatched, nil
}

// cancelPR cancels every active test belonging to a closed PR.
func (c *Coordinator) cancelPR(ctx context.Context, prNumber int) error {
	tests, err := c.store.Tests().ListByPR(ctx, prNumber)
	if err != nil {
		return fmt.Errorf("listing tests of PR %d: %w", prNumber, err)
	}

	for _, test := range tests {
		out, err := c.reporter.HandleReport(ctx, test.ID, test.Token, progress.Report{
			Status:  models.StatusCanceled,
			Message: "Pull request closed",
		})
		if err != nil {
			c.logger.Error("canceling test of closed PR",
				slog.Int64("test_id", test.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if out.Applied {
			c.logger.Info("canceled test of closed PR",
				slog.Int64("test_id", test.ID),
				slog.Int("pr", prNumber),
			)
		}
	}
	return nil
}

// Cancel aborts one test on operator request.
func (c *Coordinator) Cancel(ctx context.Context, testID int64, reason string) (progress.Outcome, error) {
	test, err := c.store.Tests().Get(ctx, testID)
	if err != nil {
		return progress.Outcome{}, err
	}
	if reason == "" {
		reason = "Canceled by operator"
	}
	return c.reporter.HandleReport(ctx, test.ID, test.Token, progress.Report{
		Status:  models.StatusCanceled,
		Message: reason,
	})
}

// newToken mints the per-test callback credential. The token is opaque
// to the worker; it only has to echo it back. Signing it keeps tokens
// unforgeable even if the database leaks read-only.
func (c *Coordinator) newToken(commit string, platform models.TestPlatform) (string, error) {
	claims := jwt.RegisteredClaims{
		ID:       uuid.NewString(),
		Subject:  fmt.Sprintf("%s/%s", commit, platform),
		IssuedAt: jwt.NewNumericDate(time.Now().UTC()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.cfg.SigningKey))
}

func (c *Coordinator) progressURL(testID int64) string {
	return fmt.Sprintf("%s/test/%d", c.cfg.BaseURL, testID)
}
