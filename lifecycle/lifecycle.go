// Package lifecycle wires the artifact lifecycle components from a single
// configuration.
//
// A System owns one registry, one version manager and the engines that
// operate on them. Collaborators (storage, package query, commit source)
// default to the real implementations and can be replaced through Options.
package lifecycle

import (
	"context"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/sparesparrow/lifecycle/cachekey"
	"github.com/sparesparrow/lifecycle/conan"
	"github.com/sparesparrow/lifecycle/config"
	"github.com/sparesparrow/lifecycle/errors"
	"github.com/sparesparrow/lifecycle/git"
	"github.com/sparesparrow/lifecycle/hashing"
	"github.com/sparesparrow/lifecycle/invalidation"
	"github.com/sparesparrow/lifecycle/logging"
	"github.com/sparesparrow/lifecycle/metrics"
	"github.com/sparesparrow/lifecycle/registry"
	"github.com/sparesparrow/lifecycle/retention"
	"github.com/sparesparrow/lifecycle/storage"
	"github.com/sparesparrow/lifecycle/versioning"
)

// ProfileSource resolves the settings of a build profile.
type ProfileSource interface {
	ProfileSettings(ctx context.Context, profile string) ([]cachekey.Setting, error)
}

// Options configure New. Zero fields take defaults derived from Config.
type Options struct {
	Config config.Config

	// StateFS holds the registry, histories and plans.
	StateFS billy.Filesystem
	// SourceFS is the source tree cache keys are derived from.
	SourceFS billy.Filesystem
	// ArtifactFS resolves artifact files for checksums.
	ArtifactFS billy.Filesystem

	Storage  storage.Storage
	Query    versioning.PackageQuery
	Backuper versioning.Backuper
	Profiles ProfileSource
	// Repository supplies build commits and source change sets. When nil,
	// the repository containing the source root is used if there is one.
	Repository *git.Repository

	Logger  *logging.Logger
	Metrics *metrics.Recorder
	Clock   func() time.Time
}

// System is a fully wired lifecycle subsystem.
type System struct {
	cfg        config.Config
	logger     *logging.Logger
	metrics    *metrics.Recorder
	now        func() time.Time
	repo       *git.Repository
	profiles   ProfileSource
	sourceFS   billy.Filesystem
	store      storage.Storage
	registry   *registry.Registry
	artifacts  *hashing.Engine
	deriver    *cachekey.Deriver
	invalidate *invalidation.Engine
	retention  *retention.Enforcer
	versions   *versioning.Manager
}

// New validates the configuration, opens the registry and builds every
// component.
func New(ctx context.Context, opts Options) (*System, error) {
	cfg := opts.Config
	if err := cfg.Validate(ctx); err != nil {
		return nil, err
	}

	s := &System{
		cfg:     cfg,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Clock,
		repo:    opts.Repository,
	}
	if s.logger == nil {
		s.logger = logging.NewLogger(cfg.LogConfig())
	}
	if s.metrics == nil {
		s.metrics = metrics.NewRecorder()
	}
	if s.now == nil {
		s.now = time.Now
	}

	stateFS := opts.StateFS
	if stateFS == nil {
		stateFS = osfs.New(cfg.StatePath, osfs.WithBoundOS())
	}
	sourceFS := opts.SourceFS
	if sourceFS == nil {
		sourceFS = osfs.New(cfg.CacheKey.SourceRoot, osfs.WithBoundOS())
	}
	s.sourceFS = sourceFS
	artifactFS := opts.ArtifactFS
	if artifactFS == nil {
		artifactFS = osfs.New("/")
	}

	var conanClient *conan.Client
	if opts.Query == nil || opts.Backuper == nil || opts.Profiles == nil {
		conanClient = conan.New(
			conan.WithRemote(cfg.Conan.Remote),
			conan.WithTimeout(cfg.Conan.Timeout),
			conan.WithBackupDir(cfg.Conan.BackupDir),
			conan.WithLogger(s.logger.With("component", "conan")),
		)
	}
	query := opts.Query
	if query == nil {
		query = conanClient
	}
	backuper := opts.Backuper
	if backuper == nil {
		backuper = conanClient
	}
	s.profiles = opts.Profiles
	if s.profiles == nil {
		s.profiles = conanClient
	}

	if s.repo == nil {
		if repo, err := git.Discover(cfg.CacheKey.SourceRoot); err == nil {
			s.repo = repo
		} else {
			s.logger.Debug(ctx, "no git repository at source root", "path", cfg.CacheKey.SourceRoot)
		}
	}

	var err error
	if s.store = opts.Storage; s.store == nil {
		if s.store, err = buildStorage(cfg); err != nil {
			return nil, err
		}
	}

	s.registry, err = registry.Open(ctx, stateFS,
		registry.WithPath(cfg.RegistryFile),
		registry.WithKeyAlgorithm(cfg.CacheKey.Algorithm),
		registry.WithLogger(s.logger),
		registry.WithMetrics(s.metrics),
		registry.WithClock(s.now),
	)
	if err != nil {
		return nil, err
	}

	sourceEngine, err := hashing.NewEngine(sourceFS, cfg.Hashing.Algorithms,
		hashing.WithConcurrency(cfg.Hashing.Concurrency),
		hashing.WithMetrics(s.metrics),
	)
	if err != nil {
		return nil, err
	}
	s.artifacts, err = hashing.NewEngine(artifactFS, cfg.Hashing.Algorithms, hashing.WithMetrics(s.metrics))
	if err != nil {
		return nil, err
	}
	if s.deriver, err = cachekey.NewDeriver(sourceEngine, cfg.CacheKeyConfig()); err != nil {
		return nil, err
	}

	s.invalidate = invalidation.New(s.registry, s.store,
		invalidation.WithDeleteTimeout(cfg.Storage.DeleteTimeout),
		invalidation.WithLogger(s.logger),
		invalidation.WithMetrics(s.metrics),
		invalidation.WithClock(s.now),
	)

	s.retention, err = retention.New(s.registry, s.store, cfg.Policies(),
		retention.WithDeleteTimeout(cfg.Storage.DeleteTimeout),
		retention.WithLogger(s.logger),
		retention.WithMetrics(s.metrics),
		retention.WithClock(s.now),
	)
	if err != nil {
		return nil, err
	}

	versionOpts := []versioning.Option{
		versioning.WithRegistry(s.registry),
		versioning.WithBackuper(backuper),
		versioning.WithLogger(s.logger),
		versioning.WithMetrics(s.metrics),
		versioning.WithClock(s.now),
	}
	if s.repo != nil {
		versionOpts = append(versionOpts, versioning.WithCommitSource(s.repo))
	}
	s.versions, err = versioning.NewManager(stateFS, query, cfg.VersioningConfig(), versionOpts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// buildStorage routes file:// and bare locations to the local root and
// s3:// locations to MinIO when configured.
func buildStorage(cfg config.Config) (storage.Storage, error) {
	local := storage.NewLocal(osfs.New(cfg.Storage.LocalRoot, osfs.WithBoundOS()))
	mux := storage.NewMux(local).Handle("file", local)

	if mcfg, ok := cfg.MinIOConfig(); ok {
		remote, err := storage.NewMinIO(mcfg)
		if err != nil {
			return nil, err
		}
		mux.Handle("s3", remote)
	}
	return mux, nil
}

// Config returns the configuration the system was built from.
func (s *System) Config() config.Config { return s.cfg }

// Logger returns the system logger.
func (s *System) Logger() *logging.Logger { return s.logger }

// Metrics returns the shared metrics recorder.
func (s *System) Metrics() *metrics.Recorder { return s.metrics }

// Registry returns the artifact registry.
func (s *System) Registry() *registry.Registry { return s.registry }

// Versions returns the version manager.
func (s *System) Versions() *versioning.Manager { return s.versions }

// Retention returns the retention enforcer.
func (s *System) Retention() *retention.Enforcer { return s.retention }

// TrackRequest describes an artifact to track.
type TrackRequest struct {
	ID           string
	Family       string
	Version      string
	Kind         registry.Kind
	Stage        registry.Stage
	Location     string
	Dependencies []string
	// File is hashed with every configured algorithm. A missing file
	// leaves the checksums empty.
	File string
	// DeriveKeys computes cache keys from the source tree and Settings.
	DeriveKeys bool
	Profile    string
	Settings   map[string]string
}

// Track records a new artifact, computing its checksums and, when asked,
// its cache keys.
func (s *System) Track(ctx context.Context, req TrackRequest) (registry.Artifact, error) {
	log := s.logger.WithOperation(logging.OpTrack).WithArtifact(req.ID)

	a := registry.Artifact{
		ID:           req.ID,
		Family:       req.Family,
		Version:      req.Version,
		Kind:         req.Kind,
		Stage:        req.Stage,
		Location:     req.Location,
		Dependencies: req.Dependencies,
	}

	if req.File != "" {
		sums, err := s.artifacts.Checksums(ctx, req.File)
		switch {
		case errors.GetCode(err) == errors.CodeNotFound:
			log.Warn(ctx, "artifact file not found, tracking without checksums", "file", req.File)
		case err != nil:
			return registry.Artifact{}, err
		default:
			a.Checksums = sums
		}
	}

	if req.DeriveKeys {
		res, err := s.DeriveKeys(ctx, req.Profile, req.Settings)
		if err != nil {
			return registry.Artifact{}, err
		}
		a.CacheKeys = res.Keys
		a.Provenance = res.Provenance
	}

	tracked, err := s.registry.Track(ctx, a)
	if err != nil {
		return registry.Artifact{}, err
	}
	log.Info(ctx, "artifact tracked", "stage", string(tracked.Stage), "family", tracked.Family)
	return tracked, nil
}

// DeriveKeys computes cache keys for the source tree and the binary
// settings of profile merged with extra. An empty profile uses the
// configured one; when neither is set only extra is used. A profile is
// either a file in the source tree or a name the profile source resolves.
func (s *System) DeriveKeys(ctx context.Context, profile string, extra map[string]string) (cachekey.Result, error) {
	if profile == "" {
		profile = s.cfg.CacheKey.Profile
	}

	values := make(map[string]string)
	if profile != "" {
		settings, err := s.profileSettings(ctx, profile)
		if err != nil {
			return cachekey.Result{}, errors.WithContext(err, "profile", profile)
		}
		values = cachekey.SettingsMap(settings)
	}
	for k, v := range extra {
		values[k] = v
	}

	log := s.logger.WithOperation(logging.OpDerive)
	res, err := s.deriver.Derive(ctx, s.deriver.FilterSettings(values))
	if err != nil {
		return cachekey.Result{}, err
	}
	log.Debug(ctx, "derived cache keys", "combined", res.Keys.Combined, "files", len(res.Provenance.SourceFiles))
	return res, nil
}

// profileSettings reads profile from the source tree when a file with that
// name exists there, and asks the profile source otherwise.
func (s *System) profileSettings(ctx context.Context, profile string) ([]cachekey.Setting, error) {
	if data, err := util.ReadFile(s.sourceFS, profile); err == nil {
		return cachekey.ParseProfile(string(data)), nil
	}
	if s.profiles == nil {
		return nil, errors.Newf(errors.CodeNotFound, "profile %s not found", profile)
	}
	return s.profiles.ProfileSettings(ctx, profile)
}

// Invalidate marks every active artifact affected by cs as invalidated.
func (s *System) Invalidate(ctx context.Context, cs invalidation.ChangeSet) ([]string, error) {
	return s.invalidate.Invalidate(ctx, cs)
}

// InvalidateSince invalidates artifacts affected by the source changes
// between rev and HEAD.
func (s *System) InvalidateSince(ctx context.Context, rev string) ([]string, error) {
	if s.repo == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "source root is not a git repository")
	}
	paths, err := s.repo.ChangedPaths(ctx, rev, "")
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}
	return s.invalidate.Invalidate(ctx, invalidation.NewChangeSet(invalidation.ChangeSource, paths...))
}

// Sweep applies the retention policies.
func (s *System) Sweep(ctx context.Context) (*retention.Report, error) {
	return s.retention.Sweep(ctx)
}
