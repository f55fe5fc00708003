// Package versioning generates semantic versions for artifact families and
// validates, plans and executes rollbacks.
//
// Every family has an append-only history of releases and rollbacks. The
// newest record names the version the family currently points at.
package versioning

import (
	"context"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"

	"github.com/sparesparrow/lifecycle/errors"
	"github.com/sparesparrow/lifecycle/logging"
	"github.com/sparesparrow/lifecycle/metrics"
	"github.com/sparesparrow/lifecycle/registry"
)

// Rollback outcomes recorded in metrics.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

const (
	historyDir = "history"
	plansDir   = "plans"
)

// Manager generates versions and performs rollbacks.
type Manager struct {
	cfg      Config
	fs       billy.Filesystem
	history  *History
	query    PackageQuery
	commits  CommitSource
	backuper Backuper
	registry *registry.Registry
	logger   *logging.Logger
	metrics  *metrics.Recorder
	now      func() time.Time

	locks sync.Map
}

// Option configures a Manager.
type Option func(*Manager)

// WithRegistry lets rollbacks rotate the family's artifacts.
func WithRegistry(r *registry.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithCommitSource supplies the commit used in build metadata.
func WithCommitSource(c CommitSource) Option {
	return func(m *Manager) { m.commits = c }
}

// WithBackuper enables the backup stage of rollbacks.
func WithBackuper(b Backuper) Option {
	return func(m *Manager) { m.backuper = b }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(l) }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager keeping its history and rollback plans on
// fs.
func NewManager(fs billy.Filesystem, query PackageQuery, cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if query == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "package query is required")
	}

	m := &Manager{
		cfg:     cfg,
		fs:      fs,
		history: NewHistory(fs, historyDir),
		query:   query,
		logger:  logging.NewNopLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// History returns the version history store.
func (m *Manager) History() *History {
	return m.history
}

func (m *Manager) lock(family string) func() {
	l, _ := m.locks.LoadOrStore(family, &sync.Mutex{})
	mu := l.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// call runs fn with the configured deadline. Deadline expiry is reported
// as CodeTimeout.
func (m *Manager) call(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	if errors.HasCode(err, errors.CodeTimeout) || errors.HasCode(err, errors.CodeCanceled) {
		return err
	}
	if cerr := errors.FromContext(callCtx.Err(), what+" interrupted"); cerr != nil {
		return cerr
	}
	return err
}

// NextVersion computes the next version of family for a change of kind.
// The base is the highest version known to the history or the package
// query; a family with neither starts at InitialVersion.
func (m *Manager) NextVersion(ctx context.Context, family string, kind ChangeKind) (string, error) {
	log := m.logger.WithOperation(logging.OpNextVer).WithFamily(family)
	if err := validateFamily(family); err != nil {
		return "", err
	}
	if _, err := ParseChangeKind(string(kind)); err != nil {
		return "", err
	}

	known, err := m.history.Versions(family)
	if err != nil {
		return "", err
	}

	var latest string
	var found bool
	err = m.call(ctx, "package query", func(ctx context.Context) error {
		var err error
		latest, found, err = m.query.LatestVersion(ctx, family)
		return err
	})
	if err != nil {
		return "", errors.WithContext(errors.Wrap(err, errors.GetCode(err), "failed to query latest version"), "family", family)
	}
	if found {
		known = append(known, latest)
	}

	next := InitialVersion
	if base, ok := highest(known...); ok {
		next, err = Bump(base.String(), kind)
		if err != nil {
			return "", err
		}
	}

	v, err := ParseVersion(next)
	if err != nil {
		return "", err
	}
	if m.cfg.Stage == registry.StageDevelopment && m.cfg.PreReleaseSuffix != "" {
		withPre, err := v.SetPrerelease(m.cfg.PreReleaseSuffix)
		if err != nil {
			return "", errors.Wrap(err, errors.CodeInvalidConfig, "invalid pre-release suffix")
		}
		v = &withPre
	}
	if m.cfg.BuildMetadata {
		withMeta, err := v.SetMetadata(m.buildMetadata(ctx, log))
		if err != nil {
			return "", errors.Wrap(err, errors.CodeInternal, "invalid build metadata")
		}
		v = &withMeta
	}

	log.Debug(ctx, "generated version", "kind", string(kind), "version", v.String())
	return v.String(), nil
}

// buildMetadata returns "<UTC timestamp>.<short commit>".
func (m *Manager) buildMetadata(ctx context.Context, log *logging.Logger) string {
	commit := "unknown"
	if m.commits != nil {
		var c string
		err := m.call(ctx, "commit lookup", func(ctx context.Context) error {
			var err error
			c, err = m.commits.ShortCommit(ctx)
			return err
		})
		switch {
		case err != nil:
			log.Warn(ctx, "could not determine commit for build metadata", "error", err.Error())
		case c != "":
			if len(c) > 8 {
				c = c[:8]
			}
			commit = c
		}
	}
	return m.now().UTC().Format("20060102150405") + "." + commit
}

// RecordRelease appends a release of version to the family's history.
// Releasing a version twice is rejected.
func (m *Manager) RecordRelease(ctx context.Context, family, version string, stage registry.Stage) (Record, error) {
	if err := validateFamily(family); err != nil {
		return Record{}, err
	}
	if _, err := ParseVersion(version); err != nil {
		return Record{}, err
	}
	if stage == "" {
		stage = m.cfg.Stage
	}
	if _, err := registry.ParseStage(string(stage)); err != nil {
		return Record{}, err
	}

	unlock := m.lock(family)
	defer unlock()

	records, err := m.history.Records(family)
	if err != nil {
		return Record{}, err
	}
	var previous string
	for _, rec := range records {
		if rec.Action == ActionRelease && rec.Version == version {
			return Record{}, errors.WithContextMap(
				errors.Newf(errors.CodeDuplicateID, "version %s of %s already released", version, family),
				map[string]interface{}{"family": family, "version": version},
			)
		}
		previous = rec.Version
	}

	rec := Record{
		Family:     family,
		Version:    version,
		Supersedes: previous,
		Action:     ActionRelease,
		Stage:      stage,
		Timestamp:  m.now().UTC(),
	}
	if err := m.history.Append(ctx, rec); err != nil {
		return Record{}, err
	}
	m.logger.WithFamily(family).Info(ctx, "release recorded", "version", version, "stage", string(stage))
	return rec, nil
}

// current returns the version family points at: the newest history record,
// or the package query's latest when there is no history.
func (m *Manager) current(ctx context.Context, family string) (string, error) {
	v, ok, err := m.history.Current(family)
	if err != nil || ok {
		return v, err
	}

	var found bool
	err = m.call(ctx, "package query", func(ctx context.Context) error {
		var err error
		v, found, err = m.query.LatestVersion(ctx, family)
		return err
	})
	if err != nil || !found {
		return "", err
	}
	return v, nil
}
