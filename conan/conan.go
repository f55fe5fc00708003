// Package conan queries a Conan 2 package cache through the conan CLI.
//
// Client implements versioning.PackageQuery and versioning.Backuper. Every
// invocation runs with a deadline; a command that exceeds it fails with
// CodeTimeout.
package conan

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/sparesparrow/lifecycle/cachekey"
	"github.com/sparesparrow/lifecycle/errors"
	"github.com/sparesparrow/lifecycle/exec"
	"github.com/sparesparrow/lifecycle/logging"
	"github.com/sparesparrow/lifecycle/versioning"
)

// DefaultTimeout bounds each conan invocation.
const DefaultTimeout = 60 * time.Second

// Client runs conan commands.
type Client struct {
	exec      exec.Executor
	remote    string
	timeout   time.Duration
	backupDir string
	logger    *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithExecutor replaces the executor used to run conan.
func WithExecutor(e exec.Executor) Option {
	return func(c *Client) { c.exec = e }
}

// WithRemote queries the named remote instead of the local cache.
func WithRemote(remote string) Option {
	return func(c *Client) { c.remote = remote }
}

// WithTimeout bounds each invocation.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithBackupDir sets where Backup writes archives.
func WithBackupDir(dir string) Option {
	return func(c *Client) { c.backupDir = dir }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(l) }
}

// New creates a Client for the conan binary on PATH.
func New(opts ...Option) *Client {
	c := &Client{
		exec:      exec.NewWrapper(exec.New(exec.WithInheritEnv(), exec.WithDisableColors()), "conan"),
		timeout:   DefaultTimeout,
		backupDir: "backups",
		logger:    logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var (
	_ versioning.PackageQuery = (*Client)(nil)
	_ versioning.Backuper     = (*Client)(nil)
)

func (c *Client) run(ctx context.Context, args ...string) (*exec.Result, error) {
	c.logger.Debug(ctx, "running conan", "args", args)
	return c.exec.Clone().WithTimeout(c.timeout).Run(ctx, args...)
}

// list returns the references matching pattern, e.g. "zlib/*".
func (c *Client) list(ctx context.Context, pattern string) ([]string, error) {
	args := []string{"list", pattern, "--format=json"}
	if c.remote != "" {
		args = append(args, "--remote", c.remote)
	}
	res, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var out map[string]json.RawMessage
	if err := json.Unmarshal([]byte(res.Stdout), &out); err != nil {
		return nil, errors.WithContext(errors.Wrap(err, errors.CodeExecutionFailed, "unexpected conan list output"), "pattern", pattern)
	}

	var refs []string
	for origin, raw := range out {
		var entries map[string]json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			continue
		}
		if msg, ok := entries["error"]; ok {
			var text string
			_ = json.Unmarshal(msg, &text)
			if strings.Contains(strings.ToLower(text), "not found") {
				continue
			}
			return nil, errors.WithContextMap(
				errors.Newf(errors.CodeExecutionFailed, "conan list failed: %s", text),
				map[string]interface{}{"pattern": pattern, "origin": origin},
			)
		}
		for ref := range entries {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	return refs, nil
}

// splitRef splits "name/version@user/channel#rev" into name and version.
func splitRef(ref string) (string, string) {
	ref, _, _ = strings.Cut(ref, "#")
	ref, _, _ = strings.Cut(ref, "@")
	name, version, _ := strings.Cut(ref, "/")
	return name, version
}

// Versions returns the versions of family, highest first. Versions that are
// not semantic versions are skipped.
func (c *Client) Versions(ctx context.Context, family string) ([]string, error) {
	refs, err := c.list(ctx, family+"/*")
	if err != nil {
		return nil, err
	}

	parsed := make(map[string]*semver.Version)
	for _, ref := range refs {
		name, version := splitRef(ref)
		if name != family {
			continue
		}
		if v, err := semver.NewVersion(version); err == nil {
			parsed[version] = v
		}
	}
	versions := make([]string, 0, len(parsed))
	for v := range parsed {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool {
		return parsed[versions[i]].GreaterThan(parsed[versions[j]])
	})
	return versions, nil
}

// LatestVersion returns the highest version of family.
func (c *Client) LatestVersion(ctx context.Context, family string) (string, bool, error) {
	versions, err := c.Versions(ctx, family)
	if err != nil || len(versions) == 0 {
		return "", false, err
	}
	return versions[0], true, nil
}

// VersionExists reports whether family/version is available.
func (c *Client) VersionExists(ctx context.Context, family, version string) (bool, error) {
	refs, err := c.list(ctx, family+"/"+version)
	if err != nil {
		return false, err
	}
	for _, ref := range refs {
		if name, v := splitRef(ref); name == family && v == version {
			return true, nil
		}
	}
	return false, nil
}

type graphInfo struct {
	Graph struct {
		Nodes map[string]struct {
			Ref     string `json:"ref"`
			Context string `json:"context"`
		} `json:"nodes"`
	} `json:"graph"`
}

// DependenciesOf resolves the dependency graph of family/version. A
// resolution conflict is returned as a Dependency with Conflict set rather
// than as an error.
func (c *Client) DependenciesOf(ctx context.Context, family, version string) ([]versioning.Dependency, error) {
	ref := family + "/" + version
	args := []string{"graph", "info", "--requires=" + ref, "--format=json"}
	if c.remote != "" {
		args = append(args, "--remote", c.remote)
	}
	res, err := c.run(ctx, args...)
	if err != nil {
		if errors.GetCode(err) == errors.CodeExecutionFailed && res != nil && isConflict(res.Stderr) {
			return []versioning.Dependency{{Name: family, Version: version, Conflict: firstLine(res.Stderr)}}, nil
		}
		return nil, err
	}

	var info graphInfo
	if err := json.Unmarshal([]byte(res.Stdout), &info); err != nil {
		return nil, errors.WithContext(errors.Wrap(err, errors.CodeExecutionFailed, "unexpected conan graph output"), "ref", ref)
	}

	var deps []versioning.Dependency
	for _, node := range info.Graph.Nodes {
		name, v := splitRef(node.Ref)
		if name == "" || v == "" || name == family && v == version {
			continue
		}
		deps = append(deps, versioning.Dependency{Name: name, Version: v})
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].String() < deps[j].String() })
	return deps, nil
}

func isConflict(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "conflict")
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// Backup saves family/version and its binaries from the cache into an
// archive under the backup directory and returns the archive path.
func (c *Client) Backup(ctx context.Context, family, version string) (string, error) {
	file := path.Join(c.backupDir, family, fmt.Sprintf("%s-%s.tgz", family, version))
	_, err := c.run(ctx, "cache", "save", family+"/"+version+":*", "--file", file)
	if err != nil {
		return "", errors.WithContext(errors.Wrapf(err, errors.GetCode(err), "failed to back up %s/%s", family, version), "file", file)
	}
	c.logger.Info(ctx, "created backup", "family", family, "version", version, "file", file)
	return file, nil
}

type profileShow struct {
	Host struct {
		Settings map[string]string `json:"settings"`
		Options  map[string]any    `json:"options"`
	} `json:"host"`
}

// ProfileSettings returns the host settings and options of profile as
// "settings.<name>" and "options.<name>" pairs, sorted by name.
func (c *Client) ProfileSettings(ctx context.Context, profile string) ([]cachekey.Setting, error) {
	args := []string{"profile", "show", "--format=json"}
	if profile != "" {
		args = append(args, "--profile:host", profile)
	}
	res, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var show profileShow
	if err := json.Unmarshal([]byte(res.Stdout), &show); err != nil {
		return nil, errors.WithContext(errors.Wrap(err, errors.CodeExecutionFailed, "unexpected conan profile output"), "profile", profile)
	}

	settings := make([]cachekey.Setting, 0, len(show.Host.Settings)+len(show.Host.Options))
	for k, v := range show.Host.Settings {
		settings = append(settings, cachekey.Setting{Name: "settings." + k, Value: v})
	}
	for k, v := range show.Host.Options {
		settings = append(settings, cachekey.Setting{Name: "options." + k, Value: fmt.Sprint(v)})
	}
	sort.Slice(settings, func(i, j int) bool { return settings[i].Name < settings[j].Name })
	return settings, nil
}
