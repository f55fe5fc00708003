package versioning

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparesparrow/lifecycle/errors"
	"github.com/sparesparrow/lifecycle/metrics"
	"github.com/sparesparrow/lifecycle/registry"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeQuery struct {
	mu        sync.Mutex
	latest    map[string]string
	exists    map[string]bool
	deps      map[string][]Dependency
	depsErr   error
	block     bool
	existsSeq []bool
	calls     int
	onExists  func(call int)
}

func (f *fakeQuery) LatestVersion(ctx context.Context, family string) (string, bool, error) {
	if f.block {
		<-ctx.Done()
		return "", false, ctx.Err()
	}
	v, ok := f.latest[family]
	return v, ok, nil
}

func (f *fakeQuery) VersionExists(ctx context.Context, family, version string) (bool, error) {
	if f.block {
		<-ctx.Done()
		return false, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.onExists != nil {
		f.onExists(f.calls)
	}
	if len(f.existsSeq) > 0 {
		v := f.existsSeq[0]
		f.existsSeq = f.existsSeq[1:]
		return v, nil
	}
	return f.exists[family+"/"+version], nil
}

func (f *fakeQuery) DependenciesOf(ctx context.Context, family, version string) ([]Dependency, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.depsErr != nil {
		return nil, f.depsErr
	}
	return f.deps[family+"/"+version], nil
}

type fakeCommits string

func (c fakeCommits) ShortCommit(context.Context) (string, error) { return string(c), nil }

type fakeBackuper struct {
	backedUp []string
	err      error
}

func (b *fakeBackuper) Backup(_ context.Context, family, version string) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	b.backedUp = append(b.backedUp, family+"/"+version)
	return "backups/" + family + "/" + version + ".tgz", nil
}

func productionConfig() Config {
	cfg := DefaultConfig()
	cfg.Stage = registry.StageProduction
	cfg.BuildMetadata = false
	return cfg
}

func newManager(t *testing.T, fs billy.Filesystem, q PackageQuery, cfg Config, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return epoch })}, opts...)
	m, err := NewManager(fs, q, cfg, opts...)
	require.NoError(t, err)
	return m
}

func TestBump(t *testing.T) {
	tests := []struct {
		current string
		kind    ChangeKind
		want    string
	}{
		{"1.4.2", ChangeFeature, "1.5.0"},
		{"1.4.2", ChangeBreaking, "2.0.0"},
		{"1.4.2", ChangeBugfix, "1.4.3"},
		{"1.4.2-dev+20250101.abc", ChangeBugfix, "1.4.3"},
		{"v3.0.1", ChangeFeature, "3.1.0"},
	}
	for _, tt := range tests {
		t.Run(tt.current+"/"+string(tt.kind), func(t *testing.T) {
			got, err := Bump(tt.current, tt.kind)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Bump("not-a-version", ChangeFeature)
	assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
	_, err = Bump("1.0.0", ChangeKind("refactor"))
	assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
}

func TestNextVersion_FeatureResetsPatch(t *testing.T) {
	q := &fakeQuery{latest: map[string]string{"openssl": "1.4.2"}}
	m := newManager(t, memfs.New(), q, productionConfig())

	v, err := m.NextVersion(context.Background(), "openssl", ChangeFeature)
	require.NoError(t, err)
	assert.Equal(t, "1.5.0", v)
}

func TestNextVersion_FirstVersion(t *testing.T) {
	m := newManager(t, memfs.New(), &fakeQuery{}, productionConfig())
	v, err := m.NextVersion(context.Background(), "zlib", ChangeBreaking)
	require.NoError(t, err)
	assert.Equal(t, InitialVersion, v)
}

func TestNextVersion_DevelopmentSuffixAndMetadata(t *testing.T) {
	cfg := DefaultConfig()
	m := newManager(t, memfs.New(), &fakeQuery{}, cfg, WithCommitSource(fakeCommits("abcdef1234567")))

	v, err := m.NextVersion(context.Background(), "zlib", ChangeFeature)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0-dev+20250301120000.abcdef12", v)
}

func TestNextVersion_UnknownCommit(t *testing.T) {
	cfg := productionConfig()
	cfg.BuildMetadata = true
	m := newManager(t, memfs.New(), &fakeQuery{}, cfg)

	v, err := m.NextVersion(context.Background(), "zlib", ChangeFeature)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0+20250301120000.unknown", v)
}

func TestNextVersion_HistoryAheadOfQuery(t *testing.T) {
	q := &fakeQuery{latest: map[string]string{"openssl": "1.4.2"}}
	m := newManager(t, memfs.New(), q, productionConfig())
	_, err := m.RecordRelease(context.Background(), "openssl", "2.0.0", "")
	require.NoError(t, err)

	v, err := m.NextVersion(context.Background(), "openssl", ChangeBugfix)
	require.NoError(t, err)
	assert.Equal(t, "2.0.1", v)
}

func TestNextVersion_QueryTimeout(t *testing.T) {
	cfg := productionConfig()
	cfg.CallTimeout = 10 * time.Millisecond
	m := newManager(t, memfs.New(), &fakeQuery{block: true}, cfg)

	_, err := m.NextVersion(context.Background(), "openssl", ChangeFeature)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeTimeout))
}

func TestRecordRelease(t *testing.T) {
	fs := memfs.New()
	m := newManager(t, fs, &fakeQuery{}, productionConfig())
	ctx := context.Background()

	rec, err := m.RecordRelease(ctx, "openssl", "3.0.0", registry.StageStaging)
	require.NoError(t, err)
	assert.Equal(t, ActionRelease, rec.Action)
	assert.Empty(t, rec.Supersedes)

	rec, err = m.RecordRelease(ctx, "openssl", "3.0.1", "")
	require.NoError(t, err)
	assert.Equal(t, "3.0.0", rec.Supersedes)
	assert.Equal(t, registry.StageProduction, rec.Stage)

	_, err = m.RecordRelease(ctx, "openssl", "3.0.0", "")
	assert.Equal(t, errors.CodeDuplicateID, errors.GetCode(err))

	_, err = m.RecordRelease(ctx, "../etc", "1.0.0", "")
	assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))

	data, err := util.ReadFile(fs, "history/openssl.jsonl")
	require.NoError(t, err)
	assert.Equal(t, 2, countLines(data))

	versions, err := m.History().Versions("openssl")
	require.NoError(t, err)
	assert.Equal(t, []string{"3.0.1", "3.0.0"}, versions)
}

func TestHistory_Corrupt(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "history/openssl.jsonl", []byte("{\"family\":\"openssl\"}\nnot json\n"), 0o644))

	_, err := NewHistory(fs, "history").Records("openssl")
	require.Error(t, err)
	assert.Equal(t, errors.CodeIOFailure, errors.GetCode(err))
}

func countLines(data []byte) int {
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}

func TestValidateRollback_MajorMismatch(t *testing.T) {
	q := &fakeQuery{
		latest: map[string]string{"openssl": "2.5.0"},
		exists: map[string]bool{"openssl/1.9.0": true},
	}
	m := newManager(t, memfs.New(), q, productionConfig())

	ok, reasons := m.ValidateRollback(context.Background(), "openssl", "1.9.0")
	assert.False(t, ok)
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "major version difference")
}

func TestValidateRollback_WithinTolerance(t *testing.T) {
	q := &fakeQuery{
		latest: map[string]string{"openssl": "2.5.3"},
		exists: map[string]bool{"openssl/2.5.0": true},
	}
	m := newManager(t, memfs.New(), q, productionConfig())

	ok, reasons := m.ValidateRollback(context.Background(), "openssl", "2.5.0")
	assert.True(t, ok)
	assert.Empty(t, reasons)
}

func TestValidateRollback_DistanceExceedsTolerance(t *testing.T) {
	q := &fakeQuery{
		latest: map[string]string{"openssl": "2.5.15"},
		exists: map[string]bool{"openssl/2.5.2": true},
	}
	m := newManager(t, memfs.New(), q, productionConfig())

	ok, reasons := m.ValidateRollback(context.Background(), "openssl", "2.5.2")
	assert.False(t, ok)
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "distance 13 exceeds tolerance 10")
}

func TestValidateRollback_ReportsEveryReason(t *testing.T) {
	q := &fakeQuery{
		latest: map[string]string{"openssl": "3.1.0"},
		deps: map[string][]Dependency{
			"openssl/2.0.0": {{Name: "zlib", Version: "1.2.11", Conflict: "requires zlib/1.3"}},
		},
	}
	cfg := productionConfig()
	cfg.Rollback.Enabled = false
	m := newManager(t, memfs.New(), q, cfg)

	ok, reasons := m.ValidateRollback(context.Background(), "openssl", "2.0.0")
	assert.False(t, ok)
	require.Len(t, reasons, 4)
	assert.Equal(t, "rollback is disabled", reasons[0])
	assert.Contains(t, reasons[1], "does not exist")
	assert.Contains(t, reasons[2], "major version difference")
	assert.Contains(t, reasons[3], "zlib/1.2.11")
}

func TestValidateRollback_CollaboratorTimeoutIsReason(t *testing.T) {
	cfg := productionConfig()
	cfg.CallTimeout = 10 * time.Millisecond
	m := newManager(t, memfs.New(), &fakeQuery{block: true}, cfg)

	ok, reasons := m.ValidateRollback(context.Background(), "openssl", "1.0.0")
	assert.False(t, ok)
	require.NotEmpty(t, reasons)
	assert.Contains(t, reasons[0], "TIMEOUT")
}

func TestCreateRollbackPlan(t *testing.T) {
	fs := memfs.New()
	q := &fakeQuery{
		latest:  map[string]string{"openssl": "2.5.0"},
		exists:  map[string]bool{"openssl/1.9.0": true},
		depsErr: stderrors.New("graph failed"),
	}
	m := newManager(t, fs, q, productionConfig())

	plan, err := m.CreateRollbackPlan(context.Background(), "openssl", "1.9.0")
	require.NoError(t, err)
	assert.False(t, plan.Safe)
	assert.Equal(t, "2.5.0", plan.CurrentVersion)
	assert.Equal(t, []string{
		"Compatibility risk: Major version difference",
		"Dependency risk: Potential dependency conflicts",
	}, plan.Risks)
	assert.Len(t, plan.Steps, 6)
	assert.Contains(t, plan.Steps[1], "2.5.0")
	assert.NotEmpty(t, plan.ID)

	data, err := util.ReadFile(fs, plan.Path)
	require.NoError(t, err)
	var saved RollbackPlan
	require.NoError(t, json.Unmarshal(data, &saved))
	assert.Equal(t, plan.ID, saved.ID)
	assert.Equal(t, plan.Risks, saved.Risks)
}

func TestCreateRollbackPlan_Safe(t *testing.T) {
	q := &fakeQuery{exists: map[string]bool{"zlib/1.3.0": true}}
	m := newManager(t, memfs.New(), q, productionConfig())

	plan, err := m.CreateRollbackPlan(context.Background(), "zlib", "1.3.0")
	require.NoError(t, err)
	assert.True(t, plan.Safe)
	assert.Empty(t, plan.Risks)
	assert.Empty(t, plan.CurrentVersion)
	assert.Contains(t, plan.Steps[1], "none")
}

// rollbackFixture has openssl released at 2.5.0 then 2.5.3, with one
// artifact per version.
func rollbackFixture(t *testing.T, q *fakeQuery, opts ...Option) (*Manager, *registry.Registry) {
	t.Helper()
	ctx := context.Background()
	fs := memfs.New()

	reg := registry.New(fs, registry.WithPath("registry.json"))
	for _, a := range []registry.Artifact{
		{ID: "openssl-2.5.0", Family: "openssl", Version: "2.5.0", Stage: registry.StageProduction, Status: registry.StatusRotated},
		{ID: "openssl-2.5.3", Family: "openssl", Version: "2.5.3", Stage: registry.StageProduction},
		{ID: "zlib-1.3.0", Family: "zlib", Version: "1.3.0", Stage: registry.StageProduction},
	} {
		_, err := reg.Track(ctx, a)
		require.NoError(t, err)
	}

	opts = append([]Option{WithRegistry(reg)}, opts...)
	m := newManager(t, fs, q, productionConfig(), opts...)
	_, err := m.RecordRelease(ctx, "openssl", "2.5.0", "")
	require.NoError(t, err)
	_, err = m.RecordRelease(ctx, "openssl", "2.5.3", "")
	require.NoError(t, err)
	return m, reg
}

func status(t *testing.T, reg *registry.Registry, id string) registry.Status {
	t.Helper()
	a, err := reg.Get(id)
	require.NoError(t, err)
	return a.Status
}

func TestExecuteRollback(t *testing.T) {
	q := &fakeQuery{exists: map[string]bool{"openssl/2.5.0": true}}
	backups := &fakeBackuper{}
	rec := metrics.NewRecorder()
	m, reg := rollbackFixture(t, q, WithBackuper(backups), WithMetrics(rec))

	result, err := m.ExecuteRollback(context.Background(), "openssl", "2.5.0")
	require.NoError(t, err)
	assert.Equal(t, "2.5.3", result.From)
	assert.Equal(t, "2.5.0", result.To)
	assert.Equal(t, "backups/openssl/2.5.3.tgz", result.BackupRef)
	assert.Equal(t, []string{"openssl-2.5.0", "openssl-2.5.3"}, result.Rotated)
	assert.Equal(t, []string{"openssl/2.5.3"}, backups.backedUp)

	assert.Equal(t, registry.StatusActive, status(t, reg, "openssl-2.5.0"))
	assert.Equal(t, registry.StatusRotated, status(t, reg, "openssl-2.5.3"))
	assert.Equal(t, registry.StatusActive, status(t, reg, "zlib-1.3.0"))

	cur, _, err := m.History().Current("openssl")
	require.NoError(t, err)
	assert.Equal(t, "2.5.0", cur)

	records, err := m.History().Records("openssl")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, ActionRollback, records[2].Action)
	assert.Equal(t, "2.5.3", records[2].Supersedes)

	assert.Equal(t, int64(1), rec.GetSnapshot().Rollbacks[OutcomeSucceeded])
}

func TestExecuteRollback_Rejected(t *testing.T) {
	m, reg := rollbackFixture(t, &fakeQuery{})

	_, err := m.ExecuteRollback(context.Background(), "openssl", "2.5.0")
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidationFailed, errors.GetCode(err))
	assert.Contains(t, errors.Reasons(err)[0], "does not exist")
	assert.Equal(t, registry.StatusActive, status(t, reg, "openssl-2.5.3"))
}

func TestExecuteRollback_BackupFailure(t *testing.T) {
	q := &fakeQuery{exists: map[string]bool{"openssl/2.5.0": true}}
	m, reg := rollbackFixture(t, q, WithBackuper(&fakeBackuper{err: stderrors.New("cache save failed")}))

	_, err := m.ExecuteRollback(context.Background(), "openssl", "2.5.0")
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageBackup, stageErr.Stage)

	assert.Equal(t, registry.StatusActive, status(t, reg, "openssl-2.5.3"))
	cur, _, err := m.History().Current("openssl")
	require.NoError(t, err)
	assert.Equal(t, "2.5.3", cur)
}

func TestExecuteRollback_VerificationFailureRestores(t *testing.T) {
	// Available during validation, gone by verification.
	q := &fakeQuery{existsSeq: []bool{true, false}}
	m, reg := rollbackFixture(t, q)

	_, err := m.ExecuteRollback(context.Background(), "openssl", "2.5.0")
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageVerification, stageErr.Stage)

	assert.Equal(t, registry.StatusRotated, status(t, reg, "openssl-2.5.0"))
	assert.Equal(t, registry.StatusActive, status(t, reg, "openssl-2.5.3"))

	records, err := m.History().Records("openssl")
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, ActionRollback, records[2].Action)
	assert.Equal(t, Record{
		Family:     "openssl",
		Version:    "2.5.3",
		Supersedes: "2.5.0",
		Action:     ActionRevert,
		Stage:      registry.StageProduction,
		Timestamp:  epoch,
	}, records[3])

	cur, _, err := m.History().Current("openssl")
	require.NoError(t, err)
	assert.Equal(t, "2.5.3", cur)
}

func TestExecuteRollback_FailureKeepsArtifactsTrackedMeanwhile(t *testing.T) {
	q := &fakeQuery{existsSeq: []bool{true, false}}
	m, reg := rollbackFixture(t, q)
	q.onExists = func(call int) {
		if call != 2 {
			return
		}
		// A build lands while the rollback is being verified.
		_, err := reg.Track(context.Background(), registry.Artifact{
			ID:      "pkg-new-build",
			Family:  "openssl",
			Version: "2.5.4",
			Stage:   registry.StageProduction,
		})
		assert.NoError(t, err)
	}

	_, err := m.ExecuteRollback(context.Background(), "openssl", "2.5.0")
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageVerification, stageErr.Stage)

	assert.Equal(t, registry.StatusActive, status(t, reg, "pkg-new-build"))
	assert.Equal(t, registry.StatusRotated, status(t, reg, "openssl-2.5.0"))
	assert.Equal(t, registry.StatusActive, status(t, reg, "openssl-2.5.3"))
	assert.Equal(t, registry.StatusActive, status(t, reg, "zlib-1.3.0"))
}

func TestExecuteRollback_FailureLeavesLaterStatusChanges(t *testing.T) {
	q := &fakeQuery{existsSeq: []bool{true, false}}
	m, reg := rollbackFixture(t, q)
	q.onExists = func(call int) {
		if call == 2 {
			assert.NoError(t, reg.MarkStatus(context.Background(), "openssl-2.5.0", registry.StatusInvalidated))
		}
	}

	_, err := m.ExecuteRollback(context.Background(), "openssl", "2.5.0")
	require.Error(t, err)

	assert.Equal(t, registry.StatusInvalidated, status(t, reg, "openssl-2.5.0"))
	assert.Equal(t, registry.StatusActive, status(t, reg, "openssl-2.5.3"))
}

func TestHistory_TwoHandlesAppend(t *testing.T) {
	fs := memfs.New()
	ctx := context.Background()
	a, b := NewHistory(fs, "history"), NewHistory(fs, "history")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := a
			if i%2 == 1 {
				h = b
			}
			assert.NoError(t, h.Append(ctx, Record{Family: "zlib", Version: fmt.Sprintf("1.%d.0", i), Action: ActionRelease, Timestamp: epoch}))
		}()
	}
	wg.Wait()

	records, err := a.Records("zlib")
	require.NoError(t, err)
	assert.Len(t, records, 10)

	families, err := b.Families()
	require.NoError(t, err)
	assert.Equal(t, []string{"zlib"}, families)
}

func TestHistory_RevertToNoVersion(t *testing.T) {
	h := NewHistory(memfs.New(), "history")
	ctx := context.Background()

	require.NoError(t, h.Append(ctx, Record{Family: "zlib", Version: "1.3.0", Action: ActionRollback, Timestamp: epoch}))
	require.NoError(t, h.Append(ctx, Record{Family: "zlib", Supersedes: "1.3.0", Action: ActionRevert, Timestamp: epoch}))

	_, ok, err := h.Current("zlib")
	require.NoError(t, err)
	assert.False(t, ok)

	err = h.Append(ctx, Record{Family: "zlib", Action: ActionRelease, Timestamp: epoch})
	assert.Error(t, err)

	versions, err := h.Versions("zlib")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.3.0"}, versions)
}

func TestReport(t *testing.T) {
	q := &fakeQuery{exists: map[string]bool{"openssl/2.5.0": true}}
	m, _ := rollbackFixture(t, q)

	report, err := m.Report(context.Background(), nil)
	require.NoError(t, err)
	require.Contains(t, report.Families, "openssl")
	info := report.Families["openssl"]
	assert.Equal(t, "2.5.3", info.Current)
	assert.Equal(t, "2.5.3", info.Latest)
	assert.Equal(t, 2, info.TotalVersions)

	status := report.RollbackStatus["openssl"]
	assert.Equal(t, "2.5.0", status.Target)
	assert.True(t, status.Safe)
}
