package atomicfile

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite(t *testing.T) {
	fs := memfs.New()

	require.NoError(t, Write(context.Background(), fs, "state/registry.json", []byte(`{"a":1}`)))
	data, err := util.ReadFile(fs, "state/registry.json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	require.NoError(t, Write(context.Background(), fs, "state/registry.json", []byte(`{"b":2}`)))
	data, err = util.ReadFile(fs, "state/registry.json")
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(data))

	entries, err := fs.ReadDir("state")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteFunc_FailureKeepsPrevious(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, Write(context.Background(), fs, "state/registry.json", []byte("old")))

	err := WriteFunc(context.Background(), fs, "state/registry.json", func(w io.Writer) error {
		_, _ = w.Write([]byte("partial"))
		return stderrors.New("encoder failed")
	})
	require.Error(t, err)

	data, err := util.ReadFile(fs, "state/registry.json")
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))

	entries, err := fs.ReadDir("state")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWrite_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fs := memfs.New()
	require.Error(t, Write(ctx, fs, "registry.json", []byte("x")))

	_, err := fs.Stat("registry.json")
	assert.True(t, isNotExist(err))
}

func TestWrite_OSFilesystem(t *testing.T) {
	fs := osfs.New(t.TempDir())

	require.NoError(t, Write(context.Background(), fs, "nested/dir/file.json", []byte("content")))
	data, err := util.ReadFile(fs, "nested/dir/file.json")
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

func TestCleanup(t *testing.T) {
	fs := memfs.New()
	require.NoError(t, util.WriteFile(fs, "state/registry.json", []byte("ok"), 0o644))
	require.NoError(t, util.WriteFile(fs, "state/"+TempPrefix+"registry.json-123", []byte("torn"), 0o644))
	require.NoError(t, util.WriteFile(fs, "state/"+TempPrefix+"registry.json-456", []byte("torn"), 0o644))

	removed, err := Cleanup(fs, "state")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, err := fs.ReadDir("state")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "registry.json", entries[0].Name())
}

func TestCleanup_MissingDir(t *testing.T) {
	removed, err := Cleanup(memfs.New(), "missing")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestAcquire_SerializesReadModifyWrite(t *testing.T) {
	fs := memfs.New()
	ctx := context.Background()
	require.NoError(t, Write(ctx, fs, "state/counter", []byte{0}))

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := Acquire(fs, "state/counter")
			if !assert.NoError(t, err) {
				return
			}
			defer func() { assert.NoError(t, lock.Release()) }()

			data, err := util.ReadFile(fs, "state/counter")
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, Write(ctx, fs, "state/counter", []byte{data[0] + 1}))
		}()
	}
	wg.Wait()

	data, err := util.ReadFile(fs, "state/counter")
	require.NoError(t, err)
	assert.Equal(t, byte(workers), data[0])

	_, err = fs.Stat("state/counter" + LockSuffix)
	assert.NoError(t, err)
}

func TestAcquire_OSFilesystem(t *testing.T) {
	fs := osfs.New(t.TempDir(), osfs.WithBoundOS())

	lock, err := Acquire(fs, "registry.json")
	require.NoError(t, err)
	require.NoError(t, lock.Release())

	lock, err = Acquire(fs, "registry.json")
	require.NoError(t, err)
	require.NoError(t, lock.Release())

	removed, err := Cleanup(fs, ".")
	require.NoError(t, err)
	assert.Zero(t, removed)
}
