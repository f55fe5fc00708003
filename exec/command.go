package exec

import (
	"bytes"
	"context"
	"io"
	"os"
	osexec "os/exec"
	"sync"
	"time"

	"github.com/sparesparrow/lifecycle/errors"
)

// Command is the os/exec backed Executor.
type Command struct {
	config *config
}

// New creates a Command with the given defaults.
func New(opts ...Option) *Command {
	cmd := &Command{config: newConfig()}
	for _, opt := range opts {
		opt(cmd)
	}
	return cmd
}

// WithEnv sets environment variables for the next Run.
func (c *Command) WithEnv(env map[string]string) Executor {
	for k, v := range env {
		c.config.localEnv[k] = v
	}
	return c
}

// WithDir sets the working directory for the next Run.
func (c *Command) WithDir(dir string) Executor {
	c.config.localDir = dir
	return c
}

// WithTimeout overrides the deadline for the next Run.
func (c *Command) WithTimeout(timeout time.Duration) Executor {
	c.config.localTimeout = timeout
	return c
}

// Run executes the command. The run is killed once ctx is done or the
// effective timeout elapses, whichever comes first.
func (c *Command) Run(ctx context.Context, args ...string) (*Result, error) {
	defer c.config.resetLocal()

	if len(args) == 0 {
		return nil, errors.New(errors.CodeInvalidInput, "no command given")
	}

	runCtx, cancel := context.WithTimeout(ctx, c.config.effectiveTimeout())
	defer cancel()

	cmd := osexec.CommandContext(runCtx, args[0], args[1:]...)
	if dir := c.config.effectiveDir(); dir != "" {
		cmd.Dir = dir
	}
	if c.config.inheritEnv {
		cmd.Env = os.Environ()
	}
	for k, v := range c.config.effectiveEnv() {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	combined := &lockedBuffer{}
	cmd.Stdout = io.MultiWriter(&stdout, combined)
	cmd.Stderr = io.MultiWriter(&stderr, combined)

	start := time.Now()
	err := cmd.Run()

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Combined: combined.String(),
		ExitCode: -1,
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		return result, classify(runCtx, &ExecError{
			Command:  args,
			ExitCode: result.ExitCode,
			Stdout:   result.Stdout,
			Stderr:   result.Stderr,
			Err:      err,
		})
	}

	return result, nil
}

// Clone returns a Command with the same defaults and no pending overrides.
func (c *Command) Clone() Executor {
	return &Command{config: c.config.clone()}
}

// lockedBuffer serializes writes from the stdout and stderr copiers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
