package progress

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capmedia/testplatform/internal/models"
	"github.com/capmedia/testplatform/internal/store/storetest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingHook struct {
	mu    sync.Mutex
	calls []models.TestStatus
}

func (h *recordingHook) OnTerminal(ctx context.Context, test *models.Test, status models.TestStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, status)
}

func newTestHandler(t *testing.T) (*Handler, *storetest.Fake, *recordingHook, int64) {
	t.Helper()

	fake := storetest.New()
	test := &models.Test{
		Platform: models.PlatformLinux,
		TestType: models.TestTypeCommit,
		Commit:   "abc123",
		Branch:   "master",
		Token:    "secret-token",
	}
	require.NoError(t, fake.Tests().Create(context.Background(), test))

	hook := &recordingHook{}
	h := NewHandler(fake, hook, discardLogger())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	h.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return h, fake, hook, test.ID
}

func TestHandleReportRejectsBadToken(t *testing.T) {
	h, _, _, id := newTestHandler(t)

	_, err := h.HandleReport(context.Background(), id, "wrong", Report{Status: models.StatusPreparation})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.HandleReport(context.Background(), id+999, "secret-token", Report{Status: models.StatusPreparation})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestHandleReportRejectsUnknownStatus(t *testing.T) {
	h, _, _, id := newTestHandler(t)

	_, err := h.HandleReport(context.Background(), id, "secret-token", Report{Status: "launching"})
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestHandleReportForwardTransitions(t *testing.T) {
	h, fake, _, id := newTestHandler(t)
	ctx := context.Background()

	for _, status := range models.Stages() {
		out, err := h.HandleReport(ctx, id, "secret-token", Report{Status: status})
		require.NoError(t, err)
		assert.True(t, out.Applied)
		assert.True(t, out.Transitioned)
		assert.Equal(t, status, out.Status)
	}

	rows, err := fake.Progress().ListByTest(ctx, id)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, models.StatusCompleted, rows[3].Status)
}

func TestHandleReportDuplicateUpdatesInPlace(t *testing.T) {
	h, fake, _, id := newTestHandler(t)
	ctx := context.Background()

	five, ten := 5, 10
	_, err := h.HandleReport(ctx, id, "secret-token", Report{Status: models.StatusTesting, Message: "running", CurrentStep: &five, TotalSteps: &ten})
	require.NoError(t, err)

	seven := 7
	out, err := h.HandleReport(ctx, id, "secret-token", Report{Status: models.StatusTesting, Message: "still running", CurrentStep: &seven})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.False(t, out.Transitioned)

	rows, err := fake.Progress().ListByTest(ctx, id)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "still running", rows[0].Message)
	require.NotNil(t, rows[0].CurrentStep)
	assert.Equal(t, 7, *rows[0].CurrentStep)
	// TotalSteps was absent in the second report and keeps its value.
	require.NotNil(t, rows[0].TotalSteps)
	assert.Equal(t, 10, *rows[0].TotalSteps)
}

func TestHandleReportCounterNeverRegresses(t *testing.T) {
	h, fake, _, id := newTestHandler(t)
	ctx := context.Background()

	nine := 9
	_, err := h.HandleReport(ctx, id, "secret-token", Report{Status: models.StatusTesting, CurrentStep: &nine})
	require.NoError(t, err)

	three := 3
	_, err = h.HandleReport(ctx, id, "secret-token", Report{Status: models.StatusTesting, CurrentStep: &three})
	require.NoError(t, err)

	rows, err := fake.Progress().ListByTest(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rows[0].CurrentStep)
	assert.Equal(t, 9, *rows[0].CurrentStep)
}

func TestHandleReportStaleIsAcknowledgedNoOp(t *testing.T) {
	h, fake, _, id := newTestHandler(t)
	ctx := context.Background()

	_, err := h.HandleReport(ctx, id, "secret-token", Report{Status: models.StatusTesting})
	require.NoError(t, err)

	out, err := h.HandleReport(ctx, id, "secret-token", Report{Status: models.StatusBuilding})
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, models.StatusTesting, out.Status)

	rows, err := fake.Progress().ListByTest(ctx, id)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestHandleReportTerminalIsImmutable(t *testing.T) {
	h, fake, hook, id := newTestHandler(t)
	ctx := context.Background()

	out, err := h.HandleReport(ctx, id, "secret-token", Report{Status: models.StatusCanceled, Message: "timeout"})
	require.NoError(t, err)
	assert.True(t, out.Terminal)

	for _, status := range []models.TestStatus{
		models.StatusPreparation, models.StatusTesting, models.StatusCompleted, models.StatusErrored,
	} {
		out, err := h.HandleReport(ctx, id, "secret-token", Report{Status: status})
		require.NoError(t, err)
		assert.False(t, out.Applied, "status %s must not be applied after terminal", status)
		assert.Equal(t, models.StatusCanceled, out.Status)
	}

	rows, err := fake.Progress().ListByTest(ctx, id)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	// The hook fires once, on the first terminal transition only.
	assert.Equal(t, []models.TestStatus{models.StatusCanceled}, hook.calls)
}

func TestHandleReportCancelOverridesAnyStage(t *testing.T) {
	for _, from := range []models.TestStatus{models.StatusPreparation, models.StatusBuilding, models.StatusTesting} {
		t.Run(string(from), func(t *testing.T) {
			h, _, hook, id := newTestHandler(t)
			ctx := context.Background()

			_, err := h.HandleReport(ctx, id, "secret-token", Report{Status: from})
			require.NoError(t, err)

			out, err := h.HandleReport(ctx, id, "secret-token", Report{Status: models.StatusErrored, Message: "build broke"})
			require.NoError(t, err)
			assert.True(t, out.Applied)
			assert.True(t, out.Terminal)
			assert.Equal(t, []models.TestStatus{models.StatusErrored}, hook.calls)
		})
	}
}

func TestSnapshotDerivesStepAndState(t *testing.T) {
	h, _, _, id := newTestHandler(t)
	ctx := context.Background()

	for _, status := range []models.TestStatus{models.StatusPreparation, models.StatusBuilding} {
		_, err := h.HandleReport(ctx, id, "secret-token", Report{Status: status})
		require.NoError(t, err)
	}
	_, err := h.HandleReport(ctx, id, "secret-token", Report{Status: models.StatusErrored})
	require.NoError(t, err)

	data, err := h.Snapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "error", data.State)
	// The abort happened during building; the page highlights that stage.
	assert.Equal(t, models.StatusBuilding.StageOrdinal(), data.Step)
	require.NotNil(t, data.End)
}

func genStatus() gopter.Gen {
	return gen.OneConstOf(
		models.StatusPreparation,
		models.StatusBuilding,
		models.StatusTesting,
		models.StatusCompleted,
		models.StatusCanceled,
		models.StatusErrored,
	)
}

// Whatever sequence of reports arrives, the recorded status ordinal
// never decreases and at most one terminal row exists.
func TestReportSequenceProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("ordinal is monotonic and terminal is absorbing", prop.ForAll(
		func(statuses []models.TestStatus) bool {
			h, fake, _, id := newTestHandler(t)
			ctx := context.Background()

			prev := -1
			for _, status := range statuses {
				out, err := h.HandleReport(ctx, id, "secret-token", Report{Status: status})
				if err != nil {
					return false
				}
				if out.Status.StageOrdinal() < prev {
					return false
				}
				prev = out.Status.StageOrdinal()
			}

			rows, err := fake.Progress().ListByTest(ctx, id)
			if err != nil {
				return false
			}
			terminals := 0
			for i, row := range rows {
				if row.Status.IsTerminal() {
					terminals++
				}
				if i > 0 && row.Status.StageOrdinal() < rows[i-1].Status.StageOrdinal() {
					return false
				}
			}
			return terminals <= 1
		},
		gen.SliceOf(genStatus()),
	))

	properties.Property("replaying a sequence leaves the log unchanged", prop.ForAll(
		func(statuses []models.TestStatus) bool {
			h, fake, _, id := newTestHandler(t)
			ctx := context.Background()

			replay := func() []models.TestProgress {
				for _, status := range statuses {
					if _, err := h.HandleReport(ctx, id, "secret-token", Report{Status: status}); err != nil {
						t.Fatalf("report: %v", err)
					}
				}
				rows, err := fake.Progress().ListByTest(ctx, id)
				if err != nil {
					t.Fatalf("list: %v", err)
				}
				return rows
			}

			first := replay()
			second := replay()

			if len(first) != len(second) {
				return false
			}
			for i := range first {
				if first[i].Status != second[i].Status {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genStatus()),
	))

	properties.TestingRun(t)
}
