package exec

import "time"

// DefaultTimeout bounds a Run when no timeout has been configured.
const DefaultTimeout = 2 * time.Minute

// config separates defaults (global*) from single-run overrides (local*).
type config struct {
	globalEnv     map[string]string
	globalDir     string
	globalTimeout time.Duration
	inheritEnv    bool
	disableColors bool

	localEnv     map[string]string
	localDir     string
	localTimeout time.Duration
}

func newConfig() *config {
	return &config{
		globalEnv: make(map[string]string),
		localEnv:  make(map[string]string),
	}
}

func (c *config) clone() *config {
	clone := &config{
		globalEnv:     make(map[string]string, len(c.globalEnv)),
		globalDir:     c.globalDir,
		globalTimeout: c.globalTimeout,
		inheritEnv:    c.inheritEnv,
		disableColors: c.disableColors,
		localEnv:      make(map[string]string),
	}
	for k, v := range c.globalEnv {
		clone.globalEnv[k] = v
	}
	return clone
}

func (c *config) effectiveEnv() map[string]string {
	env := make(map[string]string, len(c.globalEnv)+len(c.localEnv))
	for k, v := range c.globalEnv {
		env[k] = v
	}
	for k, v := range c.localEnv {
		env[k] = v
	}

	if c.disableColors {
		env["NO_COLOR"] = "1"
		env["TERM"] = "dumb"
		env["CLICOLOR"] = "0"
		env["CLICOLOR_FORCE"] = "0"
	}

	return env
}

func (c *config) effectiveDir() string {
	if c.localDir != "" {
		return c.localDir
	}
	return c.globalDir
}

func (c *config) effectiveTimeout() time.Duration {
	switch {
	case c.localTimeout > 0:
		return c.localTimeout
	case c.globalTimeout > 0:
		return c.globalTimeout
	default:
		return DefaultTimeout
	}
}

// resetLocal is called after every Run so overrides never leak.
func (c *config) resetLocal() {
	c.localEnv = make(map[string]string)
	c.localDir = ""
	c.localTimeout = 0
}
