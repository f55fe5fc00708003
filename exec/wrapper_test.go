package exec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExecutor struct {
	args    []string
	dir     string
	timeout time.Duration
}

func (r *recordingExecutor) WithEnv(map[string]string) Executor { return r }

func (r *recordingExecutor) WithDir(dir string) Executor {
	r.dir = dir
	return r
}

func (r *recordingExecutor) WithTimeout(timeout time.Duration) Executor {
	r.timeout = timeout
	return r
}

func (r *recordingExecutor) Run(_ context.Context, args ...string) (*Result, error) {
	r.args = args
	return &Result{Stdout: "ok"}, nil
}

func (r *recordingExecutor) Clone() Executor {
	return &recordingExecutor{}
}

func TestWrapperPrependsCommand(t *testing.T) {
	rec := &recordingExecutor{}
	conan := NewWrapper(rec, "conan")

	result, err := conan.WithDir("/work").WithTimeout(time.Second).Run(context.Background(), "list", "zlib/*")
	require.NoError(t, err)

	assert.Equal(t, "ok", result.Stdout)
	assert.Equal(t, []string{"conan", "list", "zlib/*"}, rec.args)
	assert.Equal(t, "/work", rec.dir)
	assert.Equal(t, time.Second, rec.timeout)
}

func TestWrapperBasicExecution(t *testing.T) {
	echo := NewWrapper(New(), "echo")

	result, err := echo.Run(context.Background(), "hello", "world")
	require.NoError(t, err)
	assert.Contains(t, result.Stdout, "hello world")
}

func TestWrapperClone(t *testing.T) {
	wrapper := NewWrapper(&recordingExecutor{}, "conan")
	clone := wrapper.Clone().(*CommandWrapper)

	assert.Equal(t, "conan", clone.cmd)
	assert.NotSame(t, wrapper.executor, clone.executor)
}
