package vm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capmedia/testplatform/internal/models"
	"github.com/capmedia/testplatform/internal/progress"
	"github.com/capmedia/testplatform/internal/store"
	"github.com/capmedia/testplatform/internal/store/storetest"
)

type fakeCloud struct {
	mu        sync.Mutex
	created   []CreateSpec
	deleted   []string
	createErr error
	deleteErr error
	// deleteFailures makes the first n deletes fail, then succeed.
	deleteFailures int
}

func (c *fakeCloud) CreateInstance(ctx context.Context, spec CreateSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return c.createErr
	}
	c.created = append(c.created, spec)
	return nil
}

func (c *fakeCloud) DeleteInstance(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleteFailures > 0 {
		c.deleteFailures--
		return errors.New("transient delete failure")
	}
	if c.deleteErr != nil {
		return c.deleteErr
	}
	c.deleted = append(c.deleted, name)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTest(t *testing.T, fake *storetest.Fake) *models.Test {
	t.Helper()
	test := &models.Test{
		Platform: models.PlatformLinux,
		TestType: models.TestTypeCommit,
		Commit:   "abc123",
		Branch:   "master",
		Token:    "tok",
	}
	require.NoError(t, fake.Tests().Create(context.Background(), test))
	return test
}

func newManager(fake *storetest.Fake, cloud Cloud, cfg ManagerConfig) *Manager {
	m := NewManager(fake, cloud, cfg, discardLogger())
	m.SetReporter(progress.NewHandler(fake, nil, discardLogger()))
	return m
}

func TestProvisionRecordsInstanceWithDeadline(t *testing.T) {
	fake := storetest.New()
	cloud := &fakeCloud{}
	m := newManager(fake, cloud, ManagerConfig{
		MaxRuntime:   90 * time.Minute,
		CallbackBase: "https://ci.example.com",
		ArtifactURL:  "https://artifacts.example.com/build.tar.gz",
	})
	test := newTest(t, fake)

	require.NoError(t, m.Provision(context.Background(), test))

	require.Len(t, cloud.created, 1)
	spec := cloud.created[0]
	assert.Equal(t, "ci-linux-1", spec.Name)
	assert.Equal(t, "tok", spec.Token)
	assert.Equal(t, "https://ci.example.com/progress-reporter/1/tok", spec.CallbackURL)

	inst, err := fake.Instances().GetByTest(context.Background(), test.ID)
	require.NoError(t, err)
	assert.Equal(t, "ci-linux-1", inst.Name)
	assert.Equal(t, inst.CreatedAt.Add(90*time.Minute), inst.Deadline)
}

func TestProvisionFailureMarksTestErrored(t *testing.T) {
	fake := storetest.New()
	cloud := &fakeCloud{createErr: errors.New("quota exceeded")}
	m := newManager(fake, cloud, ManagerConfig{CallbackBase: "https://ci.example.com"})
	test := newTest(t, fake)

	err := m.Provision(context.Background(), test)
	require.Error(t, err)

	cur, err := fake.Progress().Current(context.Background(), test.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusErrored, cur.Status)

	_, err = fake.Instances().GetByTest(context.Background(), test.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// instanceCreateFailStore delegates to the fake but refuses to record
// instances, simulating a database failure after the VM exists.
type instanceCreateFailStore struct {
	store.Store
}

func (s instanceCreateFailStore) Instances() store.InstanceStore {
	return failingInstances{s.Store.Instances()}
}

type failingInstances struct{ store.InstanceStore }

func (failingInstances) Create(ctx context.Context, inst *models.Instance) error {
	return errors.New("record write failed")
}

func TestProvisionRecordFailureErrorsTestAndCleansUp(t *testing.T) {
	fake := storetest.New()
	cloud := &fakeCloud{}
	m := NewManager(instanceCreateFailStore{fake}, cloud, ManagerConfig{
		CallbackBase: "https://ci.example.com",
	}, discardLogger())
	m.SetReporter(progress.NewHandler(fake, nil, discardLogger()))
	test := newTest(t, fake)

	err := m.Provision(context.Background(), test)
	require.Error(t, err)

	// The orphan VM is deleted and the test goes terminal, so neither
	// the watchdog nor duplicate suppression can wedge on it.
	assert.Equal(t, []string{"ci-linux-1"}, cloud.deleted)
	cur, err := fake.Progress().Current(context.Background(), test.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusErrored, cur.Status)
}

func TestTeardownRetriesThenSucceeds(t *testing.T) {
	fake := storetest.New()
	cloud := &fakeCloud{deleteFailures: 2}
	m := newManager(fake, cloud, ManagerConfig{
		TeardownRetries: 3,
		TeardownBackoff: time.Millisecond,
	})
	test := newTest(t, fake)

	require.NoError(t, fake.Instances().Create(context.Background(), &models.Instance{
		Name:     "ci-linux-1",
		TestID:   test.ID,
		Platform: test.Platform,
		Deadline: time.Now().Add(time.Hour),
	}))

	require.NoError(t, m.Teardown(context.Background(), test.ID))
	assert.Equal(t, []string{"ci-linux-1"}, cloud.deleted)

	_, err := fake.Instances().GetByTest(context.Background(), test.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTeardownWithoutInstanceIsNoOp(t *testing.T) {
	fake := storetest.New()
	cloud := &fakeCloud{}
	m := newManager(fake, cloud, ManagerConfig{})

	require.NoError(t, m.Teardown(context.Background(), 42))
	assert.Empty(t, cloud.deleted)
}

func TestSweepExpiredCancelsAndTearsDown(t *testing.T) {
	fake := storetest.New()
	cloud := &fakeCloud{}
	m := newManager(fake, cloud, ManagerConfig{
		TeardownRetries: 1,
		TeardownBackoff: time.Millisecond,
	})
	test := newTest(t, fake)

	require.NoError(t, fake.Instances().Create(context.Background(), &models.Instance{
		Name:     "ci-linux-1",
		TestID:   test.ID,
		Platform: test.Platform,
		Deadline: time.Now().Add(-time.Minute),
	}))
	_, err := fake.Progress().Current(context.Background(), test.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	m.SweepExpired(context.Background())

	cur, err := fake.Progress().Current(context.Background(), test.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, cur.Status)
	assert.Equal(t, "Runtime exceeded", cur.Message)
	assert.Equal(t, []string{"ci-linux-1"}, cloud.deleted)
}

func TestSweepExpiredSkipsLiveInstances(t *testing.T) {
	fake := storetest.New()
	cloud := &fakeCloud{}
	m := newManager(fake, cloud, ManagerConfig{})
	test := newTest(t, fake)

	require.NoError(t, fake.Instances().Create(context.Background(), &models.Instance{
		Name:     "ci-linux-1",
		TestID:   test.ID,
		Platform: test.Platform,
		Deadline: time.Now().Add(time.Hour),
	}))

	m.SweepExpired(context.Background())

	assert.Empty(t, cloud.deleted)
	_, err := fake.Progress().Current(context.Background(), test.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepExpiredOnTerminalTestStillTearsDown(t *testing.T) {
	fake := storetest.New()
	cloud := &fakeCloud{}
	m := newManager(fake, cloud, ManagerConfig{
		TeardownRetries: 1,
		TeardownBackoff: time.Millisecond,
	})
	test := newTest(t, fake)

	// The test already completed but the instance record lingered.
	require.NoError(t, fake.Progress().Append(context.Background(), &models.TestProgress{
		TestID: test.ID, Status: models.StatusCompleted, Timestamp: time.Now(),
	}))
	require.NoError(t, fake.Instances().Create(context.Background(), &models.Instance{
		Name:     "ci-linux-1",
		TestID:   test.ID,
		Platform: test.Platform,
		Deadline: time.Now().Add(-time.Minute),
	}))

	m.SweepExpired(context.Background())

	// Status stays completed, instance is still cleaned up.
	cur, err := fake.Progress().Current(context.Background(), test.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, cur.Status)
	assert.Equal(t, []string{"ci-linux-1"}, cloud.deleted)
}
