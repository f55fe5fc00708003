package invalidation

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparesparrow/lifecycle/cachekey"
	"github.com/sparesparrow/lifecycle/errors"
	"github.com/sparesparrow/lifecycle/metrics"
	"github.com/sparesparrow/lifecycle/registry"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeStorage struct {
	mu      sync.Mutex
	deleted []string
	fail    map[string]error
	block   bool
}

func (f *fakeStorage) Delete(ctx context.Context, location string) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[location]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, location)
	return nil
}

func (f *fakeStorage) Exists(context.Context, string) (bool, error) { return false, nil }

func newRegistry(t *testing.T, artifacts ...registry.Artifact) *registry.Registry {
	t.Helper()
	reg := registry.New(memfs.New(), registry.WithClock(func() time.Time { return epoch }))
	for _, a := range artifacts {
		_, err := reg.Track(context.Background(), a)
		require.NoError(t, err)
	}
	return reg
}

func status(t *testing.T, reg *registry.Registry, id string) registry.Status {
	t.Helper()
	a, err := reg.Get(id)
	require.NoError(t, err)
	return a.Status
}

func TestInvalidate_DependencyScenario(t *testing.T) {
	reg := newRegistry(t, registry.Artifact{
		ID:           "pkg-a",
		Stage:        registry.StageDevelopment,
		Dependencies: []string{"zlib"},
	})
	e := New(reg, nil, WithClock(func() time.Time { return epoch }))

	ids, err := e.Invalidate(context.Background(), NewChangeSet(ChangeDependency, "zlib-manifest"))
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg-a"}, ids)

	a, err := reg.Get("pkg-a")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusInvalidated, a.Status)
	require.NotNil(t, a.InvalidatedAt)
	assert.Equal(t, epoch, *a.InvalidatedAt)
}

func TestInvalidate_Idempotent(t *testing.T) {
	reg := newRegistry(t, registry.Artifact{ID: "pkg-a", Stage: registry.StageTesting, Dependencies: []string{"zlib"}})
	e := New(reg, nil)
	cs := NewChangeSet(ChangeDependency, "zlib")

	first, err := e.Invalidate(context.Background(), cs)
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := e.Invalidate(context.Background(), cs)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestMatches(t *testing.T) {
	a := registry.Artifact{
		ID:           "openssl-linux",
		Dependencies: []string{"zlib", "brotli"},
		Provenance: cachekey.Provenance{
			SourcePatterns: []string{"conanfile.py", "src/*.c"},
			SourceFiles:    []string{"src/ssl.c"},
			BinarySettings: []string{"settings.os", "options.fips"},
		},
	}

	tests := []struct {
		name string
		cs   ChangeSet
		want bool
	}{
		{"source pattern substring", NewChangeSet(ChangeSource, "recipes/openssl/conanfile.py"), true},
		{"recorded source file", NewChangeSet(ChangeSource, "src/ssl.c"), true},
		{"unrelated source", NewChangeSet(ChangeSource, "docs/index.md"), false},
		{"binary exact", NewChangeSet(ChangeBinary, "options.fips"), true},
		{"binary setting with shared prefix", NewChangeSet(ChangeBinary, "settings.os_build"), false},
		{"binary qualified name", NewChangeSet(ChangeBinary, "profile:settings.os"), false},
		{"binary unrelated", NewChangeSet(ChangeBinary, "settings.arch"), false},
		{"dependency substring", NewChangeSet(ChangeDependency, "brotli/1.1.0"), true},
		{"dependency unrelated", NewChangeSet(ChangeDependency, "libpng"), false},
		{"full", NewChangeSet(ChangeFull), true},
		{"empty source set", NewChangeSet(ChangeSource), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.cs, a))
		})
	}
}

func TestInvalidate_Full(t *testing.T) {
	reg := newRegistry(t,
		registry.Artifact{ID: "a", Stage: registry.StageTesting},
		registry.Artifact{ID: "b", Stage: registry.StageProduction},
		registry.Artifact{ID: "c", Stage: registry.StageStaging, Status: registry.StatusRotated},
	)
	rec := metrics.NewRecorder()
	e := New(reg, nil, WithMetrics(rec))

	ids, err := e.Invalidate(context.Background(), NewChangeSet(ChangeFull))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Equal(t, registry.StatusRotated, status(t, reg, "c"))
	assert.Equal(t, int64(2), rec.GetSnapshot().Invalidations["full"])
}

func TestInvalidate_StorageFailureDoesNotBlock(t *testing.T) {
	reg := newRegistry(t,
		registry.Artifact{ID: "a", Stage: registry.StageTesting, Location: "s3://bucket/a"},
		registry.Artifact{ID: "b", Stage: registry.StageTesting, Location: "s3://bucket/b"},
	)
	store := &fakeStorage{fail: map[string]error{"s3://bucket/a": stderrors.New("connection refused")}}
	rec := metrics.NewRecorder()
	e := New(reg, store, WithMetrics(rec))

	ids, err := e.Invalidate(context.Background(), NewChangeSet(ChangeFull))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	a, err := reg.Get("a")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusInvalidated, a.Status)
	assert.True(t, a.CleanupPending)

	b, err := reg.Get("b")
	require.NoError(t, err)
	assert.False(t, b.CleanupPending)
	assert.Equal(t, []string{"s3://bucket/b"}, store.deleted)
	assert.Equal(t, int64(1), rec.GetSnapshot().StorageDeleteFailures)
}

type renameFailingFS struct {
	billy.Filesystem
	fail bool
}

func (f *renameFailingFS) Rename(from, to string) error {
	if f.fail {
		return stderrors.New("rename refused")
	}
	return f.Filesystem.Rename(from, to)
}

func TestInvalidate_PersistFailureKeepsStoredObject(t *testing.T) {
	fs := &renameFailingFS{Filesystem: memfs.New()}
	reg := registry.New(fs, registry.WithClock(func() time.Time { return epoch }))
	_, err := reg.Track(context.Background(), registry.Artifact{ID: "a", Stage: registry.StageTesting, Location: "s3://bucket/a"})
	require.NoError(t, err)

	fs.fail = true
	store := &fakeStorage{}
	ids, err := New(reg, store).Invalidate(context.Background(), NewChangeSet(ChangeFull))
	require.Error(t, err)
	assert.Equal(t, errors.CodeIOFailure, errors.GetCode(err))
	assert.Empty(t, ids)

	assert.Empty(t, store.deleted)
	assert.Equal(t, registry.StatusActive, status(t, reg, "a"))
}

func TestInvalidate_StorageTimeoutDoesNotBlock(t *testing.T) {
	reg := newRegistry(t, registry.Artifact{ID: "a", Stage: registry.StageTesting, Location: "s3://bucket/a"})
	e := New(reg, &fakeStorage{block: true}, WithDeleteTimeout(20*time.Millisecond))

	ids, err := e.Invalidate(context.Background(), NewChangeSet(ChangeFull))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	a, err := reg.Get("a")
	require.NoError(t, err)
	assert.True(t, a.CleanupPending)
}

func TestInvalidate_Canceled(t *testing.T) {
	reg := newRegistry(t,
		registry.Artifact{ID: "a", Stage: registry.StageTesting},
		registry.Artifact{ID: "b", Stage: registry.StageTesting},
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ids, err := New(reg, nil).Invalidate(ctx, NewChangeSet(ChangeFull))
	require.Error(t, err)
	assert.Equal(t, errors.CodeCanceled, errors.GetCode(err))
	assert.Empty(t, ids)
	assert.Equal(t, registry.StatusActive, status(t, reg, "a"))
}

func TestInvalidate_UnknownChangeType(t *testing.T) {
	_, err := New(newRegistry(t), nil).Invalidate(context.Background(), ChangeSet{Type: "everything"})
	assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
}

func TestNewChangeSet(t *testing.T) {
	cs := NewChangeSet(ChangeSource, "b.c", "a.c", "", "b.c")
	assert.Equal(t, []string{"a.c", "b.c"}, cs.ChangedPaths)
}
