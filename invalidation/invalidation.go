// Package invalidation marks registry entries invalid when their inputs
// change.
//
// A ChangeSet names what changed and how it is classified. Each affected
// active artifact has its bytes deleted from storage (best effort) and is
// transitioned to invalidated. Storage failures never block the registry
// transition; they leave CleanupPending set for the retention sweep.
package invalidation

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/sparesparrow/lifecycle/errors"
	"github.com/sparesparrow/lifecycle/logging"
	"github.com/sparesparrow/lifecycle/metrics"
	"github.com/sparesparrow/lifecycle/registry"
	"github.com/sparesparrow/lifecycle/storage"
)

// ChangeType classifies a ChangeSet.
type ChangeType string

const (
	ChangeSource     ChangeType = "source"
	ChangeBinary     ChangeType = "binary"
	ChangeDependency ChangeType = "dependency"
	ChangeFull       ChangeType = "full"
)

// ParseChangeType validates s as a ChangeType.
func ParseChangeType(s string) (ChangeType, error) {
	switch ct := ChangeType(s); ct {
	case ChangeSource, ChangeBinary, ChangeDependency, ChangeFull:
		return ct, nil
	}
	return "", errors.Newf(errors.CodeInvalidInput, "unknown change type %q", s)
}

// ChangeSet describes an observed change. For binary changes the paths are
// setting names.
type ChangeSet struct {
	Type         ChangeType
	ChangedPaths []string
}

// NewChangeSet builds a ChangeSet with duplicate and empty paths removed.
func NewChangeSet(t ChangeType, paths ...string) ChangeSet {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return ChangeSet{Type: t, ChangedPaths: out}
}

// DefaultDeleteTimeout bounds each storage delete.
const DefaultDeleteTimeout = 30 * time.Second

// Engine applies change sets to a registry.
type Engine struct {
	registry      *registry.Registry
	storage       storage.Storage
	deleteTimeout time.Duration
	logger        *logging.Logger
	metrics       *metrics.Recorder
	now           func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithDeleteTimeout bounds each storage delete.
func WithDeleteTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.deleteTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(l) }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source for InvalidatedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine. A nil store means no bytes are owned.
func New(reg *registry.Registry, store storage.Storage, opts ...Option) *Engine {
	if store == nil {
		store = storage.Nop{}
	}
	e := &Engine{
		registry:      reg,
		deleteTimeout: DefaultDeleteTimeout,
		logger:        logging.NewNopLogger(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.storage = storage.WithTimeout(store, e.deleteTimeout)
	return e
}

// Matches reports whether cs affects a.
func Matches(cs ChangeSet, a registry.Artifact) bool {
	switch cs.Type {
	case ChangeFull:
		return true
	case ChangeSource:
		sources := append(append([]string(nil), a.Provenance.SourcePatterns...), a.Provenance.SourceFiles...)
		return anyPair(cs.ChangedPaths, sources, func(changed, source string) bool {
			return source != "" && strings.Contains(changed, source)
		})
	case ChangeBinary:
		return anyPair(cs.ChangedPaths, a.Provenance.BinarySettings, func(changed, setting string) bool {
			return setting != "" && changed == setting
		})
	case ChangeDependency:
		return anyPair(cs.ChangedPaths, a.Dependencies, func(changed, dep string) bool {
			return dep != "" && strings.Contains(changed, dep)
		})
	}
	return false
}

func anyPair(changed, recorded []string, match func(changed, recorded string) bool) bool {
	for _, c := range changed {
		for _, r := range recorded {
			if match(c, r) {
				return true
			}
		}
	}
	return false
}

// Invalidate transitions every active artifact affected by cs and returns
// their ids in order. Artifacts that are already invalidated are skipped.
// When ctx is canceled no new artifact is started; the ids processed so
// far are returned with the cancellation error.
func (e *Engine) Invalidate(ctx context.Context, cs ChangeSet) ([]string, error) {
	if _, err := ParseChangeType(string(cs.Type)); err != nil {
		return nil, err
	}

	if err := e.registry.Refresh(ctx); err != nil {
		return nil, err
	}

	log := e.logger.WithOperation(logging.OpInvalidate)
	candidates := e.registry.Find(func(a registry.Artifact) bool {
		return a.Status == registry.StatusActive && Matches(cs, a)
	})

	invalidated := make([]string, 0, len(candidates))
	for _, a := range candidates {
		if err := ctx.Err(); err != nil {
			return invalidated, errors.FromContext(err, "invalidation interrupted")
		}

		ok, err := e.invalidateOne(ctx, log, cs, a)
		if err != nil {
			return invalidated, err
		}
		if ok {
			invalidated = append(invalidated, a.ID)
		}
	}

	log.Info(ctx, "invalidation complete",
		"change_type", string(cs.Type),
		"candidates", len(candidates),
		"invalidated", len(invalidated))
	return invalidated, nil
}

// invalidateOne persists the transition before touching storage, so a
// failed registry write never leaves an active record without its object.
func (e *Engine) invalidateOne(ctx context.Context, log *logging.Logger, cs ChangeSet, a registry.Artifact) (bool, error) {
	var location string
	changed, err := e.registry.Update(ctx, a.ID, func(cur *registry.Artifact) (bool, error) {
		if cur.Status != registry.StatusActive {
			return false, nil
		}
		now := e.now().UTC()
		cur.Status = registry.StatusInvalidated
		cur.InvalidatedAt = &now
		cur.CleanupPending = cur.Location != ""
		location = cur.Location
		return true, nil
	})
	if err != nil {
		if errors.GetCode(err) == errors.CodeNotFound {
			return false, nil
		}
		return false, err
	}
	if !changed {
		return false, nil
	}
	e.metrics.RecordInvalidation(string(cs.Type))

	cleanupPending := location != "" && !e.cleanup(ctx, log, a.ID, location)
	logging.LogInvalidation(ctx, log, a.ID, string(cs.Type), cleanupPending)
	return true, nil
}

// cleanup deletes the stored object of an invalidated artifact and clears
// its pending flag. A false return leaves the flag set for the next sweep.
func (e *Engine) cleanup(ctx context.Context, log *logging.Logger, id, location string) bool {
	if err := e.storage.Delete(ctx, location); err != nil {
		e.metrics.RecordStorageDeleteFailure()
		logging.LogStorageFailure(ctx, log, id, location, err)
		return false
	}
	_, err := e.registry.Update(ctx, id, func(cur *registry.Artifact) (bool, error) {
		if !cur.CleanupPending {
			return false, nil
		}
		cur.CleanupPending = false
		return true, nil
	})
	if err != nil {
		log.Warn(ctx, "failed to clear cleanup flag", "artifact_id", id, "error", err.Error())
		return false
	}
	return true
}
