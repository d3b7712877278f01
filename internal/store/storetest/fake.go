// Package storetest provides an in-memory store.Store for unit tests.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/capmedia/testplatform/internal/models"
	"github.com/capmedia/testplatform/internal/store"
)

// Fake is an in-memory implementation of store.Store. It is safe for
// concurrent use; WithTx serializes callers under one mutex, which is a
// stricter guarantee than row locking but sound for tests.
type Fake struct {
	mu sync.Mutex

	nextTestID     int64
	nextProgressID int64

	TestRows       map[int64]*models.Test
	ProgressRows   map[int64][]models.TestProgress
	ResultRows     map[int64][]models.TestResult
	ResultFiles    map[int64][]models.TestResultFile
	RegressionRows []models.RegressionTest
	Categories     []models.Category
	Outputs        map[int64][]models.RegressionTestOutput
	Variants       map[int64][]models.OutputVariant
	InstanceRows   map[string]models.Instance
	MaintenanceMap map[models.TestPlatform]bool
	Blocked        map[int64]models.BlockedUser
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		nextTestID:     1,
		nextProgressID: 1,
		TestRows:       make(map[int64]*models.Test),
		ProgressRows:   make(map[int64][]models.TestProgress),
		ResultRows:     make(map[int64][]models.TestResult),
		ResultFiles:    make(map[int64][]models.TestResultFile),
		Outputs:        make(map[int64][]models.RegressionTestOutput),
		Variants:       make(map[int64][]models.OutputVariant),
		InstanceRows:   make(map[string]models.Instance),
		MaintenanceMap: make(map[models.TestPlatform]bool),
		Blocked:        make(map[int64]models.BlockedUser),
	}
}

func (f *Fake) Tests() store.TestStore               { return (*fakeTests)(f) }
func (f *Fake) Progress() store.ProgressStore        { return (*fakeProgress)(f) }
func (f *Fake) Results() store.ResultStore           { return (*fakeResults)(f) }
func (f *Fake) Regressions() store.RegressionStore   { return (*fakeRegressions)(f) }
func (f *Fake) Instances() store.InstanceStore       { return (*fakeInstances)(f) }
func (f *Fake) Maintenance() store.MaintenanceStore  { return (*fakeMaintenance)(f) }
func (f *Fake) BlockedUsers() store.BlockedUserStore { return (*fakeBlocked)(f) }

// WithTx runs fn under the store mutex. The fake has no rollback; tests
// that exercise rollback semantics belong against a real database.
func (f *Fake) WithTx(ctx context.Context, fn func(store.Store) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(noLock{f})
}

// Close is a no-op.
func (f *Fake) Close() error { return nil }

// noLock is the view handed to WithTx callbacks: same data, but the
// mutex is already held so the sub-stores must not re-acquire it.
type noLock struct{ f *Fake }

func (n noLock) Tests() store.TestStore               { return (*txTests)(n.f) }
func (n noLock) Progress() store.ProgressStore        { return (*txProgress)(n.f) }
func (n noLock) Results() store.ResultStore           { return (*txResults)(n.f) }
func (n noLock) Regressions() store.RegressionStore   { return (*txRegressions)(n.f) }
func (n noLock) Instances() store.InstanceStore       { return (*txInstances)(n.f) }
func (n noLock) Maintenance() store.MaintenanceStore  { return (*txMaintenance)(n.f) }
func (n noLock) BlockedUsers() store.BlockedUserStore { return (*txBlocked)(n.f) }
func (n noLock) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(n)
}
func (n noLock) Close() error { return nil }

// --- tests ---

type fakeTests Fake

func (s *fakeTests) Create(ctx context.Context, t *models.Test) error {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txTests)(s).Create(ctx, t)
}

func (s *fakeTests) Get(ctx context.Context, id int64) (*models.Test, error) {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txTests)(s).Get(ctx, id)
}

func (s *fakeTests) GetForUpdate(ctx context.Context, id int64) (*models.Test, error) {
	return s.Get(ctx, id)
}

func (s *fakeTests) GetActive(ctx context.Context, commit string, platform models.TestPlatform) (*models.Test, error) {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txTests)(s).GetActive(ctx, commit, platform)
}

func (s *fakeTests) GetBaseline(ctx context.Context, platform models.TestPlatform, branch string, before int64) (*models.Test, error) {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txTests)(s).GetBaseline(ctx, platform, branch, before)
}

func (s *fakeTests) ListByPR(ctx context.Context, prNumber int) ([]*models.Test, error) {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txTests)(s).ListByPR(ctx, prNumber)
}

type txTests Fake

func (s *txTests) Create(ctx context.Context, t *models.Test) error {
	f := (*Fake)(s)
	t.ID = f.nextTestID
	f.nextTestID++
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	cp := *t
	f.TestRows[t.ID] = &cp
	return nil
}

func (s *txTests) Get(ctx context.Context, id int64) (*models.Test, error) {
	f := (*Fake)(s)
	t, ok := f.TestRows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *txTests) GetForUpdate(ctx context.Context, id int64) (*models.Test, error) {
	return s.Get(ctx, id)
}

func (s *txTests) GetActive(ctx context.Context, commit string, platform models.TestPlatform) (*models.Test, error) {
	f := (*Fake)(s)
	for id, t := range f.TestRows {
		if t.Commit != commit || t.Platform != platform {
			continue
		}
		if cur := currentStatus(f, id); cur == "" || !cur.IsTerminal() {
			cp := *t
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *txTests) GetBaseline(ctx context.Context, platform models.TestPlatform, branch string, before int64) (*models.Test, error) {
	f := (*Fake)(s)
	var best *models.Test
	for id, t := range f.TestRows {
		if t.Platform != platform || t.Branch != branch || t.TestType != models.TestTypeCommit || t.ID >= before {
			continue
		}
		if currentStatus(f, id) != models.StatusCompleted {
			continue
		}
		if best == nil || t.ID > best.ID {
			best = t
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *txTests) ListByPR(ctx context.Context, prNumber int) ([]*models.Test, error) {
	f := (*Fake)(s)
	var list []*models.Test
	for _, t := range f.TestRows {
		if t.TestType == models.TestTypePullRequest && t.PRNumber == prNumber {
			cp := *t
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func currentStatus(f *Fake, testID int64) models.TestStatus {
	rows := f.ProgressRows[testID]
	if len(rows) == 0 {
		return ""
	}
	cur := rows[0]
	for _, row := range rows[1:] {
		if row.Status.StageOrdinal() >= cur.Status.StageOrdinal() {
			cur = row
		}
	}
	return cur.Status
}

// --- progress ---

type fakeProgress Fake

func (s *fakeProgress) ListByTest(ctx context.Context, testID int64) ([]models.TestProgress, error) {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txProgress)(s).ListByTest(ctx, testID)
}

func (s *fakeProgress) Current(ctx context.Context, testID int64) (*models.TestProgress, error) {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txProgress)(s).Current(ctx, testID)
}

func (s *fakeProgress) Append(ctx context.Context, p *models.TestProgress) error {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txProgress)(s).Append(ctx, p)
}

func (s *fakeProgress) Update(ctx context.Context, p *models.TestProgress) error {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txProgress)(s).Update(ctx, p)
}

type txProgress Fake

func (s *txProgress) ListByTest(ctx context.Context, testID int64) ([]models.TestProgress, error) {
	f := (*Fake)(s)
	rows := append([]models.TestProgress(nil), f.ProgressRows[testID]...)
	sort.SliceStable(rows, func(i, j int) bool {
		oi, oj := rows[i].Status.StageOrdinal(), rows[j].Status.StageOrdinal()
		if oi != oj {
			return oi < oj
		}
		if !rows[i].Timestamp.Equal(rows[j].Timestamp) {
			return rows[i].Timestamp.Before(rows[j].Timestamp)
		}
		return rows[i].ID < rows[j].ID
	})
	return rows, nil
}

func (s *txProgress) Current(ctx context.Context, testID int64) (*models.TestProgress, error) {
	f := (*Fake)(s)
	rows := f.ProgressRows[testID]
	if len(rows) == 0 {
		return nil, store.ErrNotFound
	}
	cur := rows[0]
	for _, row := range rows[1:] {
		if row.Status.StageOrdinal() >= cur.Status.StageOrdinal() {
			cur = row
		}
	}
	cp := cur
	return &cp, nil
}

func (s *txProgress) Append(ctx context.Context, p *models.TestProgress) error {
	f := (*Fake)(s)
	p.ID = f.nextProgressID
	f.nextProgressID++
	f.ProgressRows[p.TestID] = append(f.ProgressRows[p.TestID], *p)
	return nil
}

func (s *txProgress) Update(ctx context.Context, p *models.TestProgress) error {
	f := (*Fake)(s)
	rows := f.ProgressRows[p.TestID]
	for i := range rows {
		if rows[i].ID == p.ID {
			rows[i] = *p
			return nil
		}
	}
	return store.ErrNotFound
}

// --- results ---

type fakeResults Fake

func (s *fakeResults) CreateResult(ctx context.Context, r *models.TestResult) error {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txResults)(s).CreateResult(ctx, r)
}

func (s *fakeResults) CreateResultFile(ctx context.Context, fl *models.TestResultFile) error {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txResults)(s).CreateResultFile(ctx, fl)
}

func (s *fakeResults) ListResults(ctx context.Context, testID int64) ([]models.TestResult, error) {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txResults)(s).ListResults(ctx, testID)
}

func (s *fakeResults) ListResultFiles(ctx context.Context, testID int64) ([]models.TestResultFile, error) {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txResults)(s).ListResultFiles(ctx, testID)
}

func (s *fakeResults) LastPassing(ctx context.Context, regressionTestID int64, platform models.TestPlatform, before int64) (int64, error) {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txResults)(s).LastPassing(ctx, regressionTestID, platform, before)
}

type txResults Fake

func (s *txResults) CreateResult(ctx context.Context, r *models.TestResult) error {
	f := (*Fake)(s)
	f.ResultRows[r.TestID] = append(f.ResultRows[r.TestID], *r)
	return nil
}

func (s *txResults) CreateResultFile(ctx context.Context, fl *models.TestResultFile) error {
	f := (*Fake)(s)
	f.ResultFiles[fl.TestID] = append(f.ResultFiles[fl.TestID], *fl)
	return nil
}

func (s *txResults) ListResults(ctx context.Context, testID int64) ([]models.TestResult, error) {
	f := (*Fake)(s)
	return append([]models.TestResult(nil), f.ResultRows[testID]...), nil
}

func (s *txResults) ListResultFiles(ctx context.Context, testID int64) ([]models.TestResultFile, error) {
	f := (*Fake)(s)
	return append([]models.TestResultFile(nil), f.ResultFiles[testID]...), nil
}

func (s *txResults) LastPassing(ctx context.Context, regressionTestID int64, platform models.TestPlatform, before int64) (int64, error) {
	f := (*Fake)(s)
	var ids []int64
	for id := range f.ResultRows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	for _, id := range ids {
		if id >= before {
			continue
		}
		t, ok := f.TestRows[id]
		if !ok || t.Platform != platform {
			continue
		}
		if passedIn(f, id, regressionTestID) {
			return id, nil
		}
	}
	return 0, store.ErrNotFound
}

func passedIn(f *Fake, testID, regressionTestID int64) bool {
	found := false
	for _, r := range f.ResultRows[testID] {
		if r.RegressionTestID != regressionTestID {
			continue
		}
		found = true
		if r.ExitCode != r.ExpectedRC {
			return false
		}
	}
	if !found {
		return false
	}
	for _, fl := range f.ResultFiles[testID] {
		if fl.RegressionTestID != regressionTestID {
			continue
		}
		out, ok := outputByID(f, fl.OutputID)
		if !ok || out.Ignore {
			continue
		}
		if fl.Got == "" || fl.Got != out.Correct {
			return false
		}
	}
	return true
}

func outputByID(f *Fake, outputID int64) (models.RegressionTestOutput, bool) {
	for _, outs := range f.Outputs {
		for _, o := range outs {
			if o.ID == outputID {
				return o, true
			}
		}
	}
	return models.RegressionTestOutput{}, false
}

// --- regressions ---

type fakeRegressions Fake

func (s *fakeRegressions) ListActive(ctx context.Context) ([]models.RegressionTest, error) {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txRegressions)(s).ListActive(ctx)
}

func (s *fakeRegressions) Get(ctx context.Context, id int64) (*models.RegressionTest, error) {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txRegressions)(s).Get(ctx, id)
}

func (s *fakeRegressions) ListCategories(ctx context.Context) ([]models.Category, error) {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txRegressions)(s).ListCategories(ctx)
}

func (s *fakeRegressions) ListOutputs(ctx context.Context, regressionTestID int64) ([]models.RegressionTestOutput, error) {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txRegressions)(s).ListOutputs(ctx, regressionTestID)
}

func (s *fakeRegressions) ListVariants(ctx context.Context, outputID int64) ([]models.OutputVariant, error) {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txRegressions)(s).ListVariants(ctx, outputID)
}

type txRegressions Fake

func (s *txRegressions) ListActive(ctx context.Context) ([]models.RegressionTest, error) {
	f := (*Fake)(s)
	var list []models.RegressionTest
	for _, r := range f.RegressionRows {
		if r.Active {
			list = append(list, r)
		}
	}
	return list, nil
}

func (s *txRegressions) Get(ctx context.Context, id int64) (*models.RegressionTest, error) {
	f := (*Fake)(s)
	for _, r := range f.RegressionRows {
		if r.ID == id {
			cp := r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *txRegressions) ListCategories(ctx context.Context) ([]models.Category, error) {
	f := (*Fake)(s)
	return append([]models.Category(nil), f.Categories...), nil
}

func (s *txRegressions) ListOutputs(ctx context.Context, regressionTestID int64) ([]models.RegressionTestOutput, error) {
	f := (*Fake)(s)
	return append([]models.RegressionTestOutput(nil), f.Outputs[regressionTestID]...), nil
}

func (s *txRegressions) ListVariants(ctx context.Context, outputID int64) ([]models.OutputVariant, error) {
	f := (*Fake)(s)
	return append([]models.OutputVariant(nil), f.Variants[outputID]...), nil
}

// --- instances ---

type fakeInstances Fake

func (s *fakeInstances) Create(ctx context.Context, inst *models.Instance) error {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txInstances)(s).Create(ctx, inst)
}

func (s *fakeInstances) GetByTest(ctx context.Context, testID int64) (*models.Instance, error) {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txInstances)(s).GetByTest(ctx, testID)
}

func (s *fakeInstances) Delete(ctx context.Context, name string) error {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txInstances)(s).Delete(ctx, name)
}

func (s *fakeInstances) ListExpired(ctx context.Context, now time.Time) ([]models.Instance, error) {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txInstances)(s).ListExpired(ctx, now)
}

type txInstances Fake

func (s *txInstances) Create(ctx context.Context, inst *models.Instance) error {
	f := (*Fake)(s)
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	f.InstanceRows[inst.Name] = *inst
	return nil
}

func (s *txInstances) GetByTest(ctx context.Context, testID int64) (*models.Instance, error) {
	f := (*Fake)(s)
	for _, inst := range f.InstanceRows {
		if inst.TestID == testID {
			cp := inst
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *txInstances) Delete(ctx context.Context, name string) error {
	f := (*Fake)(s)
	delete(f.InstanceRows, name)
	return nil
}

func (s *txInstances) ListExpired(ctx context.Context, now time.Time) ([]models.Instance, error) {
	f := (*Fake)(s)
	var list []models.Instance
	for _, inst := range f.InstanceRows {
		if inst.Deadline.Before(now) {
			list = append(list, inst)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Deadline.Before(list[j].Deadline) })
	return list, nil
}

// --- maintenance ---

type fakeMaintenance Fake

func (s *fakeMaintenance) Get(ctx context.Context, platform models.TestPlatform) (*models.MaintenanceMode, error) {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txMaintenance)(s).Get(ctx, platform)
}

func (s *fakeMaintenance) Set(ctx context.Context, platform models.TestPlatform, disabled bool) error {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txMaintenance)(s).Set(ctx, platform, disabled)
}

type txMaintenance Fake

func (s *txMaintenance) Get(ctx context.Context, platform models.TestPlatform) (*models.MaintenanceMode, error) {
	f := (*Fake)(s)
	return &models.MaintenanceMode{Platform: platform, Disabled: f.MaintenanceMap[platform]}, nil
}

func (s *txMaintenance) Set(ctx context.Context, platform models.TestPlatform, disabled bool) error {
	f := (*Fake)(s)
	f.MaintenanceMap[platform] = disabled
	return nil
}

// --- blocked users ---

type fakeBlocked Fake

func (s *fakeBlocked) IsBlocked(ctx context.Context, userID int64) (bool, error) {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txBlocked)(s).IsBlocked(ctx, userID)
}

func (s *fakeBlocked) Add(ctx context.Context, user *models.BlockedUser) error {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txBlocked)(s).Add(ctx, user)
}

func (s *fakeBlocked) Remove(ctx context.Context, userID int64) error {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txBlocked)(s).Remove(ctx, userID)
}

func (s *fakeBlocked) List(ctx context.Context) ([]models.BlockedUser, error) {
	(*Fake)(s).mu.Lock()
	defer (*Fake)(s).mu.Unlock()
	return (*txBlocked)(s).List(ctx)
}

type txBlocked Fake

func (s *txBlocked) IsBlocked(ctx context.Context, userID int64) (bool, error) {
	f := (*Fake)(s)
	_, ok := f.Blocked[userID]
	return ok, nil
}

func (s *txBlocked) Add(ctx context.Context, user *models.BlockedUser) error {
	f := (*Fake)(s)
	f.Blocked[user.UserID] = *user
	return nil
}

func (s *txBlocked) Remove(ctx context.Context, userID int64) error {
	f := (*Fake)(s)
	if _, ok := f.Blocked[userID]; !ok {
		return store.ErrNotFound
	}
	delete(f.Blocked, userID)
	return nil
}

func (s *txBlocked) List(ctx context.Context) ([]models.BlockedUser, error) {
	f := (*Fake)(s)
	var list []models.BlockedUser
	for _, u := range f.Blocked {
		list = append(list, u)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UserID < list[j].UserID })
	return list, nil
}
