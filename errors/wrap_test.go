package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(cause, CodeIOFailure, "failed to persist registry")

	require.Equal(t, CodeIOFailure, err.Code())
	require.Equal(t, ClassificationRetryable, err.Classification())
	require.Equal(t, cause, err.Unwrap())
	require.True(t, stderrors.Is(err, cause))
	require.Equal(t, "[IO_FAILURE] failed to persist registry: disk full", err.Error())
}

func TestWrap_Nil(t *testing.T) {
	require.Nil(t, Wrap(nil, CodeIOFailure, "nothing"))
	require.Nil(t, Wrapf(nil, CodeIOFailure, "nothing %d", 1))
	require.Nil(t, WrapWithContext(nil, CodeIOFailure, "nothing", nil))
}

func TestWrap_PreservesClassification(t *testing.T) {
	inner := New(CodeTimeout, "storage delete timed out")
	outer := Wrap(inner, CodeInternal, "cleanup failed")

	require.Equal(t, CodeInternal, outer.Code())
	require.True(t, outer.Classification().IsRetryable())
}

func TestWrapf(t *testing.T) {
	err := Wrapf(stderrors.New("boom"), CodeExecutionFailed, "conan exited with %d", 2)
	require.Equal(t, "conan exited with 2", err.Message())
}

func TestWrapWithContext(t *testing.T) {
	ctx := map[string]interface{}{"path": "registry.json"}
	err := WrapWithContext(stderrors.New("boom"), CodeIOFailure, "write failed", ctx)

	ctx["path"] = "mutated"
	require.Equal(t, "registry.json", err.Context()["path"])
}

func TestWithContext(t *testing.T) {
	err := New(CodeNotFound, "artifact not found")
	err = WithContext(err, "artifact_id", "pkg-a")
	err = WithContext(err, "family", "openssl")

	require.Equal(t, CodeNotFound, err.Code())
	require.Equal(t, "pkg-a", err.Context()["artifact_id"])
	require.Equal(t, "openssl", err.Context()["family"])
}

func TestWithContext_StandardError(t *testing.T) {
	err := WithContext(stderrors.New("plain"), "k", "v")

	require.Equal(t, CodeUnknown, err.Code())
	require.Equal(t, "v", err.Context()["k"])
	require.Nil(t, WithContext(nil, "k", "v"))
}

func TestWithClassification(t *testing.T) {
	err := WithClassification(New(CodeIOFailure, "corrupt registry"), ClassificationPermanent)

	require.Equal(t, CodeIOFailure, err.Code())
	require.False(t, err.Classification().IsRetryable())
}
