package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/googleapis/gax-go/v2"

	"github.com/capmedia/testplatform/internal/metrics"
	"github.com/capmedia/testplatform/internal/models"
	"github.com/capmedia/testplatform/internal/progress"
	"github.com/capmedia/testplatform/internal/store"
)

// ProgressReporter is the slice of the progress handler the manager
// needs to cancel overrunning tests through the normal protocol path.
type ProgressReporter interface {
	HandleReport(ctx context.Context, testID int64, token string, report progress.Report) (progress.Outcome, error)
}

// ManagerConfig tunes provisioning and the watchdog.
type ManagerConfig struct {
	// MaxRuntime is how long a test may run before the watchdog cancels
	// it. Default: 2h.
	MaxRuntime time.Duration
	// CallbackBase is the externally reachable base URL of this service,
	// without a trailing slash.
	CallbackBase string
	// ArtifactURL points the worker at the build under test.
	ArtifactURL string
	// TeardownRetries bounds delete attempts per instance. Default: 3.
	TeardownRetries int
	// TeardownBackoff is the delay between delete attempts. Default: 10s.
	TeardownBackoff time.Duration
}

func (c *ManagerConfig) applyDefaults() {
	if c.MaxRuntime == 0 {
		c.MaxRuntime = 2 * time.Hour
	}
	if c.TeardownRetries == 0 {
		c.TeardownRetries = 3
	}
	if c.TeardownBackoff == 0 {
		c.TeardownBackoff = 10 * time.Second
	}
}

// Manager owns VM records: it provisions an instance per dispatched
// test, tears instances down on terminal transitions, and cancels tests
// whose instance outlived the maximum runtime.
type Manager struct {
	store    store.Store
	cloud    Cloud
	reporter ProgressReporter
	logger   *slog.Logger
	cfg      ManagerConfig
	now      func() time.Time
}

// NewManager creates a Manager. reporter may be set later via
// SetReporter because the progress hook and the manager reference each
// other at wiring time.
func NewManager(st store.Store, cloud Cloud, cfg ManagerConfig, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		store:  st,
		cloud:  cloud,
		logger: logger,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetReporter wires the progress handler in after construction.
func (m *Manager) SetReporter(r ProgressReporter) { m.reporter = r }

// InstanceName returns the deterministic VM name for a test. Keeping it
// derivable means a crashed provision can be cleaned up by name alone.
func InstanceName(test *models.Test) string {
	return fmt.Sprintf("ci-%s-%d", test.Platform, test.ID)
}

// Provision creates the VM for a test and records it with a watchdog
// deadline. The cloud call happens outside any transaction; on failure
// the test is moved to errored through the progress protocol so the
// failure is visible on the test's timeline.
func (m *Manager) Provision(ctx context.Context, test *models.Test) error {
	name := InstanceName(test)
	spec := CreateSpec{
		Name:        name,
		Platform:    test.Platform,
		TestID:      test.ID,
		CallbackURL: fmt.Sprintf("%s/progress-reporter/%d/%s", m.cfg.CallbackBase, test.ID, test.Token),
		Token:       test.Token,
		ArtifactURL: m.cfg.ArtifactURL,
	}

	if err := m.cloud.CreateInstance(ctx, spec); err != nil {
		metrics.ProvisionFailures.Inc()
		m.logger.Error("provisioning failed",
			slog.Int64("test_id", test.ID),
			slog.String("error", err.Error()),
		)
		m.reportStatus(ctx, test, models.StatusErrored, "Failed to provision test environment")
		return fmt.Errorf("provisioning instance for test %d: %w", test.ID, err)
	}

	inst := &models.Instance{
		Name:      name,
		TestID:    test.ID,
		Platform:  test.Platform,
		Zone:      "",
		CreatedAt: m.now(),
		Deadline:  m.now().Add(m.cfg.MaxRuntime),
	}
	if err := m.store.Instances().Create(ctx, inst); err != nil {
		// The VM exists but we lost the record; delete it rather than
		// leak a billable instance.
		if derr := m.cloud.DeleteInstance(ctx, name); derr != nil {
			m.logger.Error("orphan cleanup failed",
				slog.String("name", name),
				slog.String("error", derr.Error()),
			)
		}
		// Without an instance record the watchdog never sees this test;
		// move it to errored so it cannot stay active forever.
		m.reportStatus(ctx, test, models.StatusErrored, "Failed to provision test environment")
		return fmt.Errorf("recording instance for test %d: %w", test.ID, err)
	}
	metrics.InstancesRunning.Inc()

	m.logger.Info("instance provisioned",
		slog.Int64("test_id", test.ID),
		slog.String("name", name),
		slog.Time("deadline", inst.Deadline),
	)
	return nil
}

// Teardown deletes the VM bound to a test and drops its record. A test
// without an instance record is already torn down.
func (m *Manager) Teardown(ctx context.Context, testID int64) error {
	inst, err := m.store.Instances().GetByTest(ctx, testID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("looking up instance for test %d: %w", testID, err)
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.TeardownRetries; attempt++ {
		lastErr = m.cloud.DeleteInstance(ctx, inst.Name)
		if lastErr == nil {
			break
		}
		m.logger.Warn("teardown attempt failed",
			slog.String("name", inst.Name),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()),
		)
		if attempt < m.cfg.TeardownRetries {
			if err := gax.Sleep(ctx, m.cfg.TeardownBackoff); err != nil {
				return err
			}
		}
	}
	if lastErr != nil {
		return fmt.Errorf("deleting instance %s: %w", inst.Name, lastErr)
	}

	if err := m.store.Instances().Delete(ctx, inst.Name); err != nil {
		return fmt.Errorf("dropping instance record %s: %w", inst.Name, err)
	}
	metrics.InstancesRunning.Dec()

	m.logger.Info("instance torn down",
		slog.Int64("test_id", testID),
		slog.String("name", inst.Name),
	)
	return nil
}

// SweepExpired cancels every test whose instance passed its deadline.
// Cancellation goes through the progress protocol so the timeline shows
// the timeout, then the instance is torn down directly in case the test
// was already terminal and the hook does not fire.
func (m *Manager) SweepExpired(ctx context.Context) {
	expired, err := m.store.Instances().ListExpired(ctx, m.now())
	if err != nil {
		m.logger.Error("listing expired instances", slog.String("error", err.Error()))
		return
	}

	for _, inst := range expired {
		m.logger.Warn("instance exceeded max runtime",
			slog.Int64("test_id", inst.TestID),
			slog.String("name", inst.Name),
			slog.Time("deadline", inst.Deadline),
		)

		test, err := m.store.Tests().Get(ctx, inst.TestID)
		if err != nil {
			m.logger.Error("loading test for expired instance",
				slog.Int64("test_id", inst.TestID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if m.reporter != nil {
			out, err := m.reporter.HandleReport(ctx, test.ID, test.Token, progress.Report{
				Status:  models.StatusCanceled,
				Message: "Runtime exceeded",
			})
			if err != nil {
				m.logger.Error("canceling expired test",
					slog.Int64("test_id", test.ID),
					slog.String("error", err.Error()),
				)
			} else if out.Applied {
				metrics.WatchdogCancellations.Inc()
			}
		}

		if err := m.Teardown(ctx, inst.TestID); err != nil {
			m.logger.Error("tearing down expired instance",
				slog.Int64("test_id", inst.TestID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// RunWatchdog sweeps on the given interval until ctx is canceled.
func (m *Manager) RunWatchdog(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("watchdog started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("watchdog stopped")
			return
		case <-ticker.C:
			m.SweepExpired(ctx)
		}
	}
}

// reportStatus pushes a server-originated status through the protocol
// path using the test's own token.
func (m *Manager) reportStatus(ctx context.Context, test *models.Test, status models.TestStatus, message string) {
	if m.reporter == nil {
		return
	}
	if _, err := m.reporter.HandleReport(ctx, test.ID, test.Token, progress.Report{
		Status:  status,
		Message: message,
	}); err != nil {
		m.logger.Error("recording server-side status",
			slog.Int64("test_id", test.ID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}
