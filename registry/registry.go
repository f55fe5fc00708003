package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"

	"github.com/sparesparrow/lifecycle/cachekey"
	"github.com/sparesparrow/lifecycle/errors"
	"github.com/sparesparrow/lifecycle/hashing"
	"github.com/sparesparrow/lifecycle/logging"
	"github.com/sparesparrow/lifecycle/metrics"
)

// DefaultPath is the registry document name within the state filesystem.
const DefaultPath = "registry.json"

// Registry tracks artifacts and persists them atomically.
type Registry struct {
	fs        billy.Filesystem
	path      string
	algorithm string
	logger    *logging.Logger
	metrics   *metrics.Recorder
	now       func() time.Time

	mu        sync.RWMutex
	artifacts map[string]Artifact

	writeMu     sync.Mutex
	familyLocks sync.Map
}

// Option configures a Registry.
type Option func(*Registry)

// WithPath sets the document path within the filesystem.
func WithPath(path string) Option {
	return func(r *Registry) { r.path = path }
}

// WithKeyAlgorithm sets the algorithm used to verify combined keys.
func WithKeyAlgorithm(algorithm string) Option {
	return func(r *Registry) { r.algorithm = algorithm }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Registry) { r.logger = logging.OrNop(logger) }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty Registry backed by fs. Call Load to read existing
// state.
func New(fs billy.Filesystem, opts ...Option) *Registry {
	r := &Registry{
		fs:        fs,
		path:      DefaultPath,
		algorithm: hashing.SHA256,
		logger:    logging.NewNopLogger(),
		now:       time.Now,
		artifacts: make(map[string]Artifact),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open creates a Registry and loads its persisted state.
func Open(ctx context.Context, fs billy.Filesystem, opts ...Option) (*Registry, error) {
	r := New(fs, opts...)
	if err := r.Load(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// LockFamily acquires the mutation lock of family and returns its release.
func (r *Registry) LockFamily(family string) func() {
	lock, _ := r.familyLocks.LoadOrStore(family, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Track adds a new artifact. Missing defaults are filled in: family from
// the id, kind binary, status active, creation time now.
func (r *Registry) Track(ctx context.Context, a Artifact) (Artifact, error) {
	a = a.Clone()
	if a.ID == "" {
		return Artifact{}, errors.New(errors.CodeInvalidInput, "artifact id is required")
	}
	if a.Family == "" {
		a.Family = a.ID
	}
	if a.Kind == "" {
		a.Kind = KindBinary
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.now().UTC()
	}
	if err := a.validate(); err != nil {
		return Artifact{}, errors.Wrap(err, errors.CodeInvalidInput, "invalid artifact")
	}
	if !a.CacheKeys.IsZero() {
		if err := cachekey.Verify(r.algorithm, a.CacheKeys); err != nil {
			return Artifact{}, errors.WithContext(err, "artifact_id", a.ID)
		}
	}

	unlock := r.LockFamily(a.Family)
	defer unlock()

	err := r.commit(ctx, func(next map[string]Artifact) error {
		if _, exists := next[a.ID]; exists {
			return errors.WithContext(
				errors.Newf(errors.CodeDuplicateID, "artifact %q already tracked", a.ID),
				"artifact_id", a.ID,
			)
		}
		next[a.ID] = a
		return nil
	})
	if err != nil {
		return Artifact{}, err
	}

	r.metrics.RecordTrack()
	r.logger.WithOperation(logging.OpTrack).WithArtifact(a.ID).
		Info(ctx, "artifact tracked", "family", a.Family, "stage", string(a.Stage))
	return a.Clone(), nil
}

// Get returns the artifact with id.
func (r *Registry) Get(id string) (Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.artifacts[id]
	if !ok {
		return Artifact{}, notFound(id)
	}
	return a.Clone(), nil
}

// Find returns every artifact matching pred, sorted by id.
func (r *Registry) Find(pred Predicate) []Artifact {
	if pred == nil {
		pred = All()
	}

	r.mu.RLock()
	out := make([]Artifact, 0, len(r.artifacts))
	for _, a := range r.artifacts {
		if pred(a) {
			out = append(out, a.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tracked artifacts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.artifacts)
}

// MarkStatus sets the status of id. Moving to invalidated stamps
// InvalidatedAt.
func (r *Registry) MarkStatus(ctx context.Context, id string, status Status) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}
	_, err := r.Update(ctx, id, func(a *Artifact) (bool, error) {
		if a.Status == status {
			return false, nil
		}
		a.Status = status
		if status == StatusInvalidated && a.InvalidatedAt == nil {
			t := r.now().UTC()
			a.InvalidatedAt = &t
		}
		return true, nil
	})
	return err
}

// Rekey installs a new cache key tuple on id. The previous tuple is kept
// in SupersededKeys; the combined key is never overwritten in place.
func (r *Registry) Rekey(ctx context.Context, id string, keys cachekey.Keys) error {
	if err := cachekey.Verify(r.algorithm, keys); err != nil {
		return errors.WithContext(err, "artifact_id", id)
	}
	_, err := r.Update(ctx, id, func(a *Artifact) (bool, error) {
		if a.CacheKeys == keys {
			return false, nil
		}
		if !a.CacheKeys.IsZero() {
			a.SupersededKeys = append(a.SupersededKeys, a.CacheKeys)
		}
		a.CacheKeys = keys
		return true, nil
	})
	return err
}

// Update applies fn to a copy of id and commits it when fn reports a
// change. fn must not change the id, family or combined key.
func (r *Registry) Update(ctx context.Context, id string, fn func(a *Artifact) (bool, error)) (bool, error) {
	current, err := r.lookup(ctx, id)
	if err != nil {
		return false, err
	}

	unlock := r.LockFamily(current.Family)
	defer unlock()

	changed := false
	err = r.commit(ctx, func(next map[string]Artifact) error {
		a, ok := next[id]
		if !ok {
			return notFound(id)
		}
		updated := a.Clone()
		c, err := fn(&updated)
		if err != nil {
			return err
		}
		if !c {
			return errUnchanged
		}
		if updated.ID != a.ID || updated.Family != a.Family || updated.CacheKeys.Combined != a.CacheKeys.Combined && !rekeyed(a, updated) {
			return errors.WithContext(
				errors.New(errors.CodeInvalidInput, "update may not change identity or combined key"),
				"artifact_id", id,
			)
		}
		if err := updated.validate(); err != nil {
			return errors.Wrap(err, errors.CodeInvalidInput, "invalid update")
		}
		next[id] = updated
		changed = true
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	return changed, err
}

// UpdateWhere applies fn to every artifact of family matching pred in one
// commit and returns the ids that changed.
func (r *Registry) UpdateWhere(ctx context.Context, family string, pred Predicate, fn func(a *Artifact)) ([]string, error) {
	unlock := r.LockFamily(family)
	defer unlock()

	var ids []string
	err := r.commit(ctx, func(next map[string]Artifact) error {
		for id, a := range next {
			if a.Family != family || !pred(a) {
				continue
			}
			updated := a.Clone()
			fn(&updated)
			updated.ID, updated.Family, updated.CacheKeys = a.ID, a.Family, a.CacheKeys
			next[id] = updated
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			return errUnchanged
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Remove deletes the record of id entirely.
func (r *Registry) Remove(ctx context.Context, id string) error {
	current, err := r.lookup(ctx, id)
	if err != nil {
		return err
	}

	unlock := r.LockFamily(current.Family)
	defer unlock()

	return r.commit(ctx, func(next map[string]Artifact) error {
		if _, ok := next[id]; !ok {
			return notFound(id)
		}
		delete(next, id)
		return nil
	})
}

// commit applies mutate to the durable document and publishes the result.
// The document lock is held across read, mutate and write, so changes made
// by other handles or processes are never overwritten. ctx is checked
// before any work starts; an in-flight write is never interrupted.
func (r *Registry) commit(ctx context.Context, mutate func(next map[string]Artifact) error) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(err, "registry mutation canceled")
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	lock, err := r.lockDocument()
	if err != nil {
		return err
	}
	defer r.unlockDocument(ctx, lock)

	durable, err := r.readDocument()
	if err != nil {
		return err
	}
	r.publish(durable)

	next := make(map[string]Artifact, len(durable)+1)
	for id, a := range durable {
		next[id] = a
	}
	if err := mutate(next); err != nil {
		return err
	}
	if err := r.write(context.WithoutCancel(ctx), next); err != nil {
		return err
	}
	r.publish(next)
	return nil
}

func (r *Registry) publish(artifacts map[string]Artifact) {
	r.mu.Lock()
	r.artifacts = artifacts
	r.mu.Unlock()
}

// lookup returns id, refreshing from the document once when it is not
// known locally.
func (r *Registry) lookup(ctx context.Context, id string) (Artifact, error) {
	a, err := r.Get(id)
	if errors.GetCode(err) != errors.CodeNotFound {
		return a, err
	}
	if err := r.Refresh(ctx); err != nil {
		return Artifact{}, err
	}
	return r.Get(id)
}

func rekeyed(before, after Artifact) bool {
	n := len(after.SupersededKeys)
	return n > len(before.SupersededKeys) && after.SupersededKeys[n-1] == before.CacheKeys
}

var errUnchanged = errors.New(errors.CodeInternal, "unchanged")

func notFound(id string) error {
	return errors.WithContext(
		errors.Newf(errors.CodeNotFound, "artifact %q not found", id),
		"artifact_id", id,
	)
}
