package exec

import (
	"context"
	"time"
)

// Executor runs commands. Implementations must be safe to Clone so that
// concurrent callers never share per-call settings.
type Executor interface {
	// WithEnv sets environment variables for the next Run.
	WithEnv(env map[string]string) Executor

	// WithDir sets the working directory for the next Run.
	WithDir(dir string) Executor

	// WithTimeout overrides the deadline for the next Run.
	WithTimeout(timeout time.Duration) Executor

	// Run executes args[0] with the remaining arguments and captures output.
	Run(ctx context.Context, args ...string) (*Result, error)

	// Clone returns an independent copy with the same defaults.
	Clone() Executor
}

// Result is the captured outcome of a command.
type Result struct {
	Stdout   string
	Stderr   string
	Combined string
	ExitCode int
	Duration time.Duration
}

// Option configures defaults on a Command.
type Option func(*Command)

// WithEnv sets default environment variables.
func WithEnv(env map[string]string) Option {
	return func(c *Command) {
		for k, v := range env {
			c.config.globalEnv[k] = v
		}
	}
}

// WithDir sets the default working directory.
func WithDir(dir string) Option {
	return func(c *Command) {
		c.config.globalDir = dir
	}
}

// WithTimeout sets the default deadline applied to every Run.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Command) {
		c.config.globalTimeout = timeout
	}
}

// WithDisableColors sets the common color-disabling variables on every Run.
func WithDisableColors() Option {
	return func(c *Command) {
		c.config.disableColors = true
	}
}

// WithInheritEnv passes the parent process environment through.
func WithInheritEnv() Option {
	return func(c *Command) {
		c.config.inheritEnv = true
	}
}
