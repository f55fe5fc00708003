package exec

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparesparrow/lifecycle/errors"
)

func TestBasicExecution(t *testing.T) {
	result, err := New().Run(context.Background(), "echo", "hello world")
	require.NoError(t, err)

	assert.Contains(t, result.Stdout, "hello world")
	assert.Contains(t, result.Combined, "hello world")
	assert.Equal(t, 0, result.ExitCode)
}

func TestRun_NoArgs(t *testing.T) {
	_, err := New().Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
}

func TestCommandFailure(t *testing.T) {
	result, err := New().Run(context.Background(), "sh", "-c", "echo oops >&2; exit 3")
	require.Error(t, err)

	assert.Equal(t, errors.CodeExecutionFailed, errors.GetCode(err))
	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, result.Stderr, "oops")

	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 3, execErr.ExitCode)
	assert.Contains(t, execErr.Stderr, "oops")
}

func TestCommandNotFound(t *testing.T) {
	result, err := New().Run(context.Background(), "nonexistent-command-12345")
	require.Error(t, err)
	assert.Equal(t, -1, result.ExitCode)
	assert.Equal(t, errors.CodeExecutionFailed, errors.GetCode(err))
}

func TestRun_Timeout(t *testing.T) {
	start := time.Now()
	_, err := New(WithTimeout(100*time.Millisecond)).Run(context.Background(), "sleep", "5")
	require.Error(t, err)

	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, errors.CodeTimeout, errors.GetCode(err))
	assert.True(t, errors.IsRetryable(err))
}

func TestRun_LocalTimeoutOverridesDefault(t *testing.T) {
	cmd := New(WithTimeout(time.Minute))

	_, err := cmd.WithTimeout(100*time.Millisecond).Run(context.Background(), "sleep", "5")
	require.Error(t, err)
	assert.Equal(t, errors.CodeTimeout, errors.GetCode(err))

	// The override applies to one run only.
	assert.Equal(t, time.Minute, cmd.config.effectiveTimeout())
}

func TestRun_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := New().Run(ctx, "sleep", "5")
	require.Error(t, err)
	assert.Equal(t, errors.CodeCanceled, errors.GetCode(err))
}

func TestEnvironment(t *testing.T) {
	cmd := New(WithEnv(map[string]string{"GLOBAL_VAR": "global", "SHARED": "global"}))

	result, err := cmd.
		WithEnv(map[string]string{"SHARED": "local"}).
		Run(context.Background(), "sh", "-c", "echo $GLOBAL_VAR $SHARED")
	require.NoError(t, err)
	assert.Equal(t, "global local", strings.TrimSpace(result.Stdout))

	result, err = cmd.Run(context.Background(), "sh", "-c", "echo $SHARED")
	require.NoError(t, err)
	assert.Equal(t, "global", strings.TrimSpace(result.Stdout))
}

func TestDisableColors(t *testing.T) {
	result, err := New(WithDisableColors()).Run(context.Background(), "sh", "-c", "echo $NO_COLOR $TERM")
	require.NoError(t, err)
	assert.Equal(t, "1 dumb", strings.TrimSpace(result.Stdout))
}

func TestWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	cmd := New()

	result, err := cmd.WithDir(dir).Run(context.Background(), "pwd")
	require.NoError(t, err)
	assert.Contains(t, result.Stdout, dir)

	assert.Empty(t, cmd.config.effectiveDir())
}

func TestClone(t *testing.T) {
	original := New(WithEnv(map[string]string{"A": "1"}), WithTimeout(time.Second))
	clone := original.Clone().(*Command)

	clone.config.globalEnv["A"] = "2"
	assert.Equal(t, "1", original.config.globalEnv["A"])
	assert.Equal(t, time.Second, clone.config.effectiveTimeout())
}

func TestDefaultTimeout(t *testing.T) {
	assert.Equal(t, DefaultTimeout, New().config.effectiveTimeout())
}
