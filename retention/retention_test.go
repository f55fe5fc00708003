package retention

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparesparrow/lifecycle/errors"
	"github.com/sparesparrow/lifecycle/metrics"
	"github.com/sparesparrow/lifecycle/registry"
)

var now = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

type fakeStorage struct {
	mu      sync.Mutex
	deleted []string
	fail    map[string]error
}

func (f *fakeStorage) Delete(_ context.Context, location string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[location]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, location)
	return nil
}

func (f *fakeStorage) Exists(context.Context, string) (bool, error) { return false, nil }

func track(t *testing.T, reg *registry.Registry, id string, stage registry.Stage, age time.Duration) {
	t.Helper()
	_, err := reg.Track(context.Background(), registry.Artifact{
		ID:        id,
		Family:    "openssl",
		Stage:     stage,
		CreatedAt: now.Add(-age),
		Location:  "file://artifacts/" + id,
	})
	require.NoError(t, err)
}

func newEnforcer(t *testing.T, reg *registry.Registry, store *fakeStorage, policies Policies, opts ...Option) *Enforcer {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	e, err := New(reg, store, policies, opts...)
	require.NoError(t, err)
	return e
}

func TestSweep_MaxVersionsEvictsOldest(t *testing.T) {
	reg := registry.New(memfs.New())
	// Tracked out of creation order.
	track(t, reg, "a3", registry.StageDevelopment, 3*time.Hour)
	track(t, reg, "a1", registry.StageDevelopment, 5*time.Hour)
	track(t, reg, "a5", registry.StageDevelopment, 1*time.Hour)
	track(t, reg, "a2", registry.StageDevelopment, 4*time.Hour)
	track(t, reg, "a4", registry.StageDevelopment, 2*time.Hour)

	store := &fakeStorage{}
	rec := metrics.NewRecorder()
	e := newEnforcer(t, reg, store, Policies{
		registry.StageDevelopment: {MaxAgeDays: 7, MaxVersions: 3},
	}, WithMetrics(rec))

	report, err := e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, report.Evicted)
	assert.Empty(t, report.Failed)
	assert.Equal(t, []string{"file://artifacts/a1", "file://artifacts/a2"}, store.deleted)
	assert.Equal(t, 3, reg.Len())

	snap := rec.GetSnapshot()
	assert.Equal(t, int64(2), snap.Evictions[ReasonMaxVersions])
}

func TestSweep_AgeBeforeCount(t *testing.T) {
	reg := registry.New(memfs.New())
	track(t, reg, "old", registry.StageTesting, 20*24*time.Hour)
	track(t, reg, "b", registry.StageTesting, 3*time.Hour)
	track(t, reg, "c", registry.StageTesting, 2*time.Hour)
	track(t, reg, "d", registry.StageTesting, 1*time.Hour)

	e := newEnforcer(t, reg, &fakeStorage{}, Policies{
		registry.StageTesting: {MaxAgeDays: 14, MaxVersions: 2},
	})

	plan := e.Plan()
	require.Len(t, plan, 2)
	assert.Equal(t, Candidate{ID: "old", Stage: registry.StageTesting, Reason: ReasonAge, Location: "file://artifacts/old"}, plan[0])
	assert.Equal(t, "b", plan[1].ID)
	assert.Equal(t, ReasonMaxVersions, plan[1].Reason)

	// Plan is read-only.
	assert.Equal(t, 4, reg.Len())
}

func TestSweep_StagesAreIndependent(t *testing.T) {
	reg := registry.New(memfs.New())
	track(t, reg, "dev-1", registry.StageDevelopment, time.Hour)
	track(t, reg, "dev-2", registry.StageDevelopment, 2*time.Hour)
	track(t, reg, "prod-1", registry.StageProduction, 3*time.Hour)

	e := newEnforcer(t, reg, &fakeStorage{}, Policies{
		registry.StageDevelopment: {MaxAgeDays: 7, MaxVersions: 1},
		registry.StageProduction:  {MaxAgeDays: 365, MaxVersions: 1},
	})

	report, err := e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-2"}, report.Evicted)
}

func TestSweep_SkipsInactive(t *testing.T) {
	reg := registry.New(memfs.New())
	track(t, reg, "a", registry.StageDevelopment, 30*24*time.Hour)
	require.NoError(t, reg.MarkStatus(context.Background(), "a", registry.StatusInvalidated))

	e := newEnforcer(t, reg, &fakeStorage{}, DefaultPolicies())
	report, err := e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Evicted)
	assert.Equal(t, 1, reg.Len())
}

func TestSweep_StorageFailureKeepsRecord(t *testing.T) {
	reg := registry.New(memfs.New())
	track(t, reg, "a", registry.StageDevelopment, 10*24*time.Hour)
	track(t, reg, "b", registry.StageDevelopment, 9*24*time.Hour)

	store := &fakeStorage{fail: map[string]error{
		"file://artifacts/a": stderrors.New("disk on fire"),
	}}
	rec := metrics.NewRecorder()
	e := newEnforcer(t, reg, store, DefaultPolicies(), WithMetrics(rec))

	report, err := e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, report.Evicted)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "a", report.Failed[0].ID)
	assert.Contains(t, report.Failed[0].Reason, "disk on fire")

	_, err = reg.Get("a")
	assert.NoError(t, err)
	_, err = reg.Get("b")
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))

	assert.Equal(t, int64(1), rec.GetSnapshot().EvictionFailures)
}

func TestSweep_RetriesPendingCleanup(t *testing.T) {
	reg := registry.New(memfs.New())
	track(t, reg, "a", registry.StageProduction, time.Hour)
	_, err := reg.Update(context.Background(), "a", func(a *registry.Artifact) (bool, error) {
		a.Status = registry.StatusInvalidated
		a.CleanupPending = true
		return true, nil
	})
	require.NoError(t, err)

	store := &fakeStorage{}
	e := newEnforcer(t, reg, store, DefaultPolicies())

	report, err := e.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, report.CleanupRetried)
	assert.Equal(t, []string{"file://artifacts/a"}, store.deleted)

	a, err := reg.Get("a")
	require.NoError(t, err)
	assert.False(t, a.CleanupPending)
	assert.Equal(t, registry.StatusInvalidated, a.Status)
}

func TestSweep_Canceled(t *testing.T) {
	reg := registry.New(memfs.New())
	track(t, reg, "a", registry.StageDevelopment, 10*24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := newEnforcer(t, reg, &fakeStorage{}, DefaultPolicies())
	report, err := e.Sweep(ctx)
	require.Error(t, err)
	assert.Equal(t, errors.CodeCanceled, errors.GetCode(err))
	assert.Empty(t, report.Evicted)
	assert.Equal(t, 1, reg.Len())
}

func TestSweep_SeesRecordsFromAnotherHandle(t *testing.T) {
	fs := memfs.New()
	ctx := context.Background()
	reg, err := registry.Open(ctx, fs)
	require.NoError(t, err)
	other, err := registry.Open(ctx, fs)
	require.NoError(t, err)
	track(t, other, "stale", registry.StageDevelopment, 10*24*time.Hour)

	store := &fakeStorage{}
	report, err := newEnforcer(t, reg, store, DefaultPolicies()).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, report.Evicted)
	assert.Equal(t, []string{"file://artifacts/stale"}, store.deleted)

	require.NoError(t, other.Refresh(ctx))
	assert.Zero(t, other.Len())
}

func TestStatus(t *testing.T) {
	reg := registry.New(memfs.New())
	track(t, reg, "a", registry.StageDevelopment, 8*24*time.Hour)
	track(t, reg, "b", registry.StageDevelopment, time.Hour)
	track(t, reg, "c", registry.StageProduction, time.Hour)

	e := newEnforcer(t, reg, &fakeStorage{}, DefaultPolicies())
	statuses := e.Status()
	require.Len(t, statuses, 4)

	byStage := map[registry.Stage]StageStatus{}
	for _, s := range statuses {
		byStage[s.Stage] = s
	}
	assert.Equal(t, StageStatus{
		Stage: registry.StageDevelopment, Total: 2, Old: 1,
		MaxAgeDays: 7, MaxVersions: 3, NeedsCleanup: true,
	}, byStage[registry.StageDevelopment])
	assert.False(t, byStage[registry.StageProduction].NeedsCleanup)
	assert.Equal(t, 0, byStage[registry.StageTesting].Total)
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicies().Validate())

	err := Policy{MaxAgeDays: -1, MaxVersions: 0}.Validate()
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
	assert.Contains(t, err.Error(), "max_versions")

	_, err = New(registry.New(memfs.New()), nil, Policies{"qa": {MaxAgeDays: 1, MaxVersions: 1}})
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
}
