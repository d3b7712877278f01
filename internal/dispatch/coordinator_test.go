package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capmedia/testplatform/internal/models"
	"github.com/capmedia/testplatform/internal/notify"
	"github.com/capmedia/testplatform/internal/progress"
	"github.com/capmedia/testplatform/internal/store/storetest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProvisioner struct {
	mu          sync.Mutex
	provisioned []int64
	err         error
}

func (p *fakeProvisioner) Provision(ctx context.Context, test *models.Test) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.provisioned = append(p.provisioned, test.ID)
	return nil
}

type statusCall struct {
	Commit   string
	Platform models.TestPlatform
	State    notify.CommitState
}

type fakeNotifier struct {
	mu       sync.Mutex
	statuses []statusCall
	comments []string
}

func (n *fakeNotifier) SetCommitStatus(ctx context.Context, commit string, platform models.TestPlatform, state notify.CommitState, description, targetURL string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, statusCall{Commit: commit, Platform: platform, State: state})
	return nil
}

func (n *fakeNotifier) UpsertPRComment(ctx context.Context, prNumber int, platform models.TestPlatform, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.comments = append(n.comments, body)
	return nil
}

func newCoordinator(fake *storetest.Fake) (*Coordinator, *fakeProvisioner, *fakeNotifier) {
	prov := &fakeProvisioner{}
	notif := &fakeNotifier{}
	rep := progress.NewHandler(fake, nil, discardLogger())
	c := NewCoordinator(fake, prov, rep, notif, Config{
		SigningKey: "test-signing-key",
		BaseURL:    "https://ci.example.com",
	}, discardLogger())
	return c, prov, notif
}

func TestHandlePushDispatchesBothPlatforms(t *testing.T) {
	fake := storetest.New()
	c, prov, notif := newCoordinator(fake)

	tests, err := c.HandlePush(context.Background(), PushEvent{
		Commit: "abc123", Branch: "master", Fork: "capmedia/mediatool",
	})
	require.NoError(t, err)
	require.Len(t, tests, 2)

	platforms := []models.TestPlatform{tests[0].Platform, tests[1].Platform}
	assert.ElementsMatch(t, models.ValidPlatforms(), platforms)
	for _, test := range tests {
		assert.Equal(t, models.TestTypeCommit, test.TestType)
		assert.NotEmpty(t, test.Token)
	}
	assert.Len(t, prov.provisioned, 2)
	assert.Len(t, notif.statuses, 2)
	assert.Equal(t, notify.StatePending, notif.statuses[0].State)
}

func TestHandlePushTokensAreSignedAndUnique(t *testing.T) {
	fake := storetest.New()
	c, _, _ := newCoordinator(fake)

	tests, err := c.HandlePush(context.Background(), PushEvent{Commit: "abc123", Branch: "master"})
	require.NoError(t, err)
	require.Len(t, tests, 2)
	assert.NotEqual(t, tests[0].Token, tests[1].Token)

	for _, test := range tests {
		parsed, err := jwt.ParseWithClaims(test.Token, &jwt.RegisteredClaims{}, func(tok *jwt.Token) (any, error) {
			return []byte("test-signing-key"), nil
		})
		require.NoError(t, err)
		assert.True(t, parsed.Valid)
	}
}

func TestHandlePushSuppressesDuplicates(t *testing.T) {
	fake := storetest.New()
	c, prov, _ := newCoordinator(fake)
	ctx := context.Background()

	first, err := c.HandlePush(ctx, PushEvent{Commit: "abc123", Branch: "master"})
	require.NoError(t, err)
	require.Len(t, first, 2)

	// Redelivered webhook for the same commit: nothing new.
	second, err := c.HandlePush(ctx, PushEvent{Commit: "abc123", Branch: "master"})
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Len(t, prov.provisioned, 2)
}

func TestHandlePushConcurrentDeliveriesCreateOneTestPerPlatform(t *testing.T) {
	fake := storetest.New()
	c, _, _ := newCoordinator(fake)
	ctx := context.Background()

	// Two deliveries of the same webhook racing each other.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.HandlePush(ctx, PushEvent{Commit: "abc123", Branch: "master"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	perPlatform := make(map[models.TestPlatform]int)
	for _, test := range fake.TestRows {
		perPlatform[test.Platform]++
	}
	assert.Equal(t, 1, perPlatform[models.PlatformLinux])
	assert.Equal(t, 1, perPlatform[models.PlatformWindows])
}

func TestHandlePushRedispatchesAfterTerminal(t *testing.T) {
	fake := storetest.New()
	c, _, _ := newCoordinator(fake)
	ctx := context.Background()

	first, err := c.HandlePush(ctx, PushEvent{Commit: "abc123", Branch: "master"})
	require.NoError(t, err)

	// Both first-round tests terminate.
	for _, test := range first {
		require.NoError(t, fake.Progress().Append(ctx, &models.TestProgress{
			TestID: test.ID, Status: models.StatusCompleted, Timestamp: time.Now(),
		}))
	}

	second, err := c.HandlePush(ctx, PushEvent{Commit: "abc123", Branch: "master"})
	require.NoError(t, err)
	assert.Len(t, second, 2)
}

func TestHandlePushSkipsPlatformInMaintenance(t *testing.T) {
	fake := storetest.New()
	c, _, _ := newCoordinator(fake)
	ctx := context.Background()

	require.NoError(t, fake.Maintenance().Set(ctx, models.PlatformWindows, true))

	tests, err := c.HandlePush(ctx, PushEvent{Commit: "abc123", Branch: "master"})
	require.NoError(t, err)
	require.Len(t, tests, 1)
	assert.Equal(t, models.PlatformLinux, tests[0].Platform)
}

func TestHandlePushContinuesWhenProvisionFails(t *testing.T) {
	fake := storetest.New()
	c, prov, _ := newCoordinator(fake)
	prov.err = errors.New("quota exceeded")

	tests, err := c.HandlePush(context.Background(), PushEvent{Commit: "abc123", Branch: "master"})
	require.NoError(t, err)
	// Tests are still created; provisioning failures surface on their
	// own timelines.
	assert.Len(t, tests, 2)
}

func TestHandlePullRequestDispatches(t *testing.T) {
	fake := storetest.New()
	c, _, _ := newCoordinator(fake)

	tests, err := c.HandlePullRequest(context.Background(), PullRequestEvent{
		Action: "opened", Number: 42, Commit: "def456", Branch: "feature",
		Fork: "contributor/mediatool", SenderID: 99, SenderLogin: "contributor",
	})
	require.NoError(t, err)
	require.Len(t, tests, 2)
	for _, test := range tests {
		assert.Equal(t, models.TestTypePullRequest, test.TestType)
		assert.Equal(t, 42, test.PRNumber)
	}
}

func TestHandlePullRequestBlockedUser(t *testing.T) {
	fake := storetest.New()
	c, _, _ := newCoordinator(fake)
	ctx := context.Background()

	require.NoError(t, fake.BlockedUsers().Add(ctx, &models.BlockedUser{UserID: 99, Comment: "spam"}))

	tests, err := c.HandlePullRequest(ctx, PullRequestEvent{
		Action: "opened", Number: 42, Commit: "def456", SenderID: 99,
	})
	require.NoError(t, err)
	assert.Empty(t, tests)
}

func TestHandlePullRequestIgnoresUnknownActions(t *testing.T) {
	fake := storetest.New()
	c, _, _ := newCoordinator(fake)

	tests, err := c.HandlePullRequest(context.Background(), PullRequestEvent{
		Action: "labeled", Number: 42, Commit: "def456",
	})
	require.NoError(t, err)
	assert.Empty(t, tests)
}

func TestHandlePullRequestClosedCancelsActiveTests(t *testing.T) {
	fake := storetest.New()
	c, _, _ := newCoordinator(fake)
	ctx := context.Background()

	tests, err := c.HandlePullRequest(ctx, PullRequestEvent{
		Action: "opened", Number: 42, Commit: "def456", Branch: "feature",
	})
	require.NoError(t, err)
	require.Len(t, tests, 2)

	// One test already completed; closing the PR must not disturb it.
	require.NoError(t, fake.Progress().Append(ctx, &models.TestProgress{
		TestID: tests[0].ID, Status: models.StatusCompleted, Timestamp: time.Now(),
	}))

	_, err = c.HandlePullRequest(ctx, PullRequestEvent{Action: "closed", Number: 42})
	require.NoError(t, err)

	cur, err := fake.Progress().Current(ctx, tests[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, cur.Status)

	cur, err = fake.Progress().Current(ctx, tests[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, cur.Status)
	assert.Equal(t, "Pull request closed", cur.Message)
}

func TestCancelByOperator(t *testing.T) {
	fake := storetest.New()
	c, _, _ := newCoordinator(fake)
	ctx := context.Background()

	tests, err := c.HandlePush(ctx, PushEvent{Commit: "abc123", Branch: "master"})
	require.NoError(t, err)

	out, err := c.Cancel(ctx, tests[0].ID, "")
	require.NoError(t, err)
	assert.True(t, out.Applied)

	cur, err := fake.Progress().Current(ctx, tests[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, cur.Status)
	assert.Equal(t, "Canceled by operator", cur.Message)
}
