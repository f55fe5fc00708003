package exec

import (
	"context"
	"time"
)

// CommandWrapper prepends a fixed tool name to every Run.
type CommandWrapper struct {
	executor Executor
	cmd      string
}

// NewWrapper wraps executor so that Run(ctx, a, b) executes "cmd a b".
func NewWrapper(executor Executor, cmd string) *CommandWrapper {
	return &CommandWrapper{
		executor: executor,
		cmd:      cmd,
	}
}

// WithEnv sets environment variables for the next Run.
func (w *CommandWrapper) WithEnv(env map[string]string) Executor {
	w.executor = w.executor.WithEnv(env)
	return w
}

// WithDir sets the working directory for the next Run.
func (w *CommandWrapper) WithDir(dir string) Executor {
	w.executor = w.executor.WithDir(dir)
	return w
}

// WithTimeout overrides the deadline for the next Run.
func (w *CommandWrapper) WithTimeout(timeout time.Duration) Executor {
	w.executor = w.executor.WithTimeout(timeout)
	return w
}

// Run executes the wrapped tool with args.
func (w *CommandWrapper) Run(ctx context.Context, args ...string) (*Result, error) {
	fullArgs := append([]string{w.cmd}, args...)
	return w.executor.Run(ctx, fullArgs...)
}

// Clone returns an independent copy of the wrapper.
func (w *CommandWrapper) Clone() Executor {
	return &CommandWrapper{
		executor: w.executor.Clone(),
		cmd:      w.cmd,
	}
}
