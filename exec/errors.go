package exec

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/sparesparrow/lifecycle/errors"
)

// ExecError describes a failed command with its captured output.
type ExecError struct {
	Command  []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("command %v failed with exit code %d: %v", e.Command, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("command %v failed with exit code %d", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *ExecError) Unwrap() error {
	return e.Err
}

// classify wraps an ExecError with the platform code matching its cause.
func classify(runCtx context.Context, execErr *ExecError) error {
	name := strings.Join(execErr.Command, " ")

	if ctxErr := runCtx.Err(); ctxErr != nil {
		if stderrors.Is(ctxErr, context.DeadlineExceeded) {
			return errors.WithContext(
				errors.Wrapf(execErr, errors.CodeTimeout, "command %q exceeded its deadline", name),
				"command", name,
			)
		}
		return errors.Wrapf(execErr, errors.CodeCanceled, "command %q canceled", name)
	}

	return errors.WithContext(
		errors.Wrapf(execErr, errors.CodeExecutionFailed, "command %q failed", name),
		"exit_code", execErr.ExitCode,
	)
}
