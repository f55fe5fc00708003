// Package retention enforces per-stage age and count limits on the
// registry.
//
// Eviction is destructive: the artifact's bytes are deleted through the
// storage collaborator and its record is removed. If storage cannot delete
// the bytes the record is kept and the failure is reported, so nothing is
// orphaned. A sweep also retries storage cleanup left pending by
// invalidation.
package retention

import (
	"context"
	"sort"
	"time"

	"github.com/sparesparrow/lifecycle/errors"
	"github.com/sparesparrow/lifecycle/logging"
	"github.com/sparesparrow/lifecycle/metrics"
	"github.com/sparesparrow/lifecycle/registry"
	"github.com/sparesparrow/lifecycle/storage"
)

// Eviction reasons.
const (
	ReasonAge         = "age"
	ReasonMaxVersions = "max_versions"
)

// DefaultDeleteTimeout bounds each storage delete.
const DefaultDeleteTimeout = 30 * time.Second

// Candidate is an artifact selected for eviction.
type Candidate struct {
	ID       string         `json:"id"`
	Stage    registry.Stage `json:"stage"`
	Reason   string         `json:"reason"`
	Location string         `json:"location,omitempty"`
}

// Failure is a candidate that could not be processed.
type Failure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Report is the outcome of a sweep.
type Report struct {
	Evicted        []string  `json:"evicted"`
	Failed         []Failure `json:"failed,omitempty"`
	CleanupRetried []string  `json:"cleanup_retried,omitempty"`
	CleanupFailed  []Failure `json:"cleanup_failed,omitempty"`
}

// Candidates returns the number of eviction candidates considered.
func (r *Report) Candidates() int {
	return len(r.Evicted) + len(r.Failed)
}

// Enforcer applies retention policies.
type Enforcer struct {
	registry      *registry.Registry
	storage       storage.Storage
	policies      Policies
	deleteTimeout time.Duration
	now           func() time.Time
	logger        *logging.Logger
	metrics       *metrics.Recorder
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

// WithDeleteTimeout bounds each storage delete.
func WithDeleteTimeout(d time.Duration) Option {
	return func(e *Enforcer) {
		if d > 0 {
			e.deleteTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Enforcer) { e.logger = logging.OrNop(l) }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Enforcer) { e.metrics = m }
}

// New creates an Enforcer. Stages missing from policies are never swept.
func New(reg *registry.Registry, store storage.Storage, policies Policies, opts ...Option) (*Enforcer, error) {
	if err := policies.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		store = storage.Nop{}
	}

	e := &Enforcer{
		registry:      reg,
		policies:      policies,
		deleteTimeout: DefaultDeleteTimeout,
		now:           time.Now,
		logger:        logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.storage = storage.WithTimeout(store, e.deleteTimeout)
	return e, nil
}

// Plan returns the artifacts a sweep at the current time would evict,
// without changing anything.
func (e *Enforcer) Plan() []Candidate {
	now := e.now()
	var out []Candidate
	for _, stage := range registry.Stages() {
		policy, ok := e.policies[stage]
		if !ok {
			continue
		}
		active := e.registry.Find(registry.And(
			registry.ByStage(stage),
			registry.ByStatus(registry.StatusActive),
		))
		out = append(out, selectCandidates(active, policy, now)...)
	}
	return out
}

// selectCandidates applies policy to the active artifacts of one stage.
// Age eviction runs first; the survivors beyond MaxVersions are evicted
// oldest first, ties broken by id.
func selectCandidates(active []registry.Artifact, policy Policy, now time.Time) []Candidate {
	sort.Slice(active, func(i, j int) bool {
		if !active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].CreatedAt.Before(active[j].CreatedAt)
		}
		return active[i].ID < active[j].ID
	})

	var (
		out       []Candidate
		survivors []registry.Artifact
	)
	for _, a := range active {
		if now.Sub(a.CreatedAt) > policy.MaxAge() {
			out = append(out, Candidate{ID: a.ID, Stage: a.Stage, Reason: ReasonAge, Location: a.Location})
			continue
		}
		survivors = append(survivors, a)
	}

	if excess := len(survivors) - policy.MaxVersions; excess > 0 {
		for _, a := range survivors[:excess] {
			out = append(out, Candidate{ID: a.ID, Stage: a.Stage, Reason: ReasonMaxVersions, Location: a.Location})
		}
	}
	return out
}

// Sweep re-reads the registry, evicts every candidate from Plan and retries
// pending storage cleanups. On cancellation the partial report is returned with the error.
func (e *Enforcer) Sweep(ctx context.Context) (*Report, error) {
	log := e.logger.WithOperation(logging.OpSweep)
	report := &Report{Evicted: []string{}}

	if err := e.registry.Refresh(ctx); err != nil {
		return report, err
	}

	for _, c := range e.Plan() {
		if err := ctx.Err(); err != nil {
			return report, errors.FromContext(err, "sweep interrupted")
		}
		if err := e.evict(ctx, log, c); err != nil {
			report.Failed = append(report.Failed, Failure{ID: c.ID, Reason: err.Error()})
			e.metrics.RecordEvictionFailure()
			continue
		}
		report.Evicted = append(report.Evicted, c.ID)
	}

	pending := e.registry.Find(func(a registry.Artifact) bool {
		return a.Status == registry.StatusInvalidated && a.CleanupPending
	})
	for _, a := range pending {
		if err := ctx.Err(); err != nil {
			return report, errors.FromContext(err, "sweep interrupted")
		}
		if err := e.retryCleanup(ctx, a); err != nil {
			logging.LogStorageFailure(ctx, log, a.ID, a.Location, err)
			report.CleanupFailed = append(report.CleanupFailed, Failure{ID: a.ID, Reason: err.Error()})
			continue
		}
		e.metrics.RecordCleanupRetry()
		report.CleanupRetried = append(report.CleanupRetried, a.ID)
	}

	e.metrics.RecordSweep()
	log.Info(ctx, "retention sweep complete",
		"candidates", report.Candidates(),
		"evicted", len(report.Evicted),
		"failed", len(report.Failed),
		"cleanup_retried", len(report.CleanupRetried))
	return report, nil
}

func (e *Enforcer) evict(ctx context.Context, log *logging.Logger, c Candidate) error {
	if c.Location != "" {
		if err := e.storage.Delete(ctx, c.Location); err != nil {
			logging.LogStorageFailure(ctx, log, c.ID, c.Location, err)
			return err
		}
	}

	if err := e.registry.Remove(ctx, c.ID); err != nil {
		if errors.GetCode(err) == errors.CodeNotFound {
			return nil
		}
		return err
	}

	e.metrics.RecordEviction(c.Reason)
	logging.LogEviction(ctx, log, c.ID, string(c.Stage), c.Reason)
	return nil
}

func (e *Enforcer) retryCleanup(ctx context.Context, a registry.Artifact) error {
	if a.Location != "" {
		if err := e.storage.Delete(ctx, a.Location); err != nil {
			return err
		}
	}
	_, err := e.registry.Update(ctx, a.ID, func(cur *registry.Artifact) (bool, error) {
		if !cur.CleanupPending {
			return false, nil
		}
		cur.CleanupPending = false
		return true, nil
	})
	return err
}

// StageStatus summarizes retention pressure in one stage.
type StageStatus struct {
	Stage        registry.Stage `json:"stage"`
	Total        int            `json:"total"`
	Old          int            `json:"old"`
	MaxAgeDays   int            `json:"max_age_days"`
	MaxVersions  int            `json:"max_versions"`
	NeedsCleanup bool           `json:"needs_cleanup"`
}

// Status reports, per configured stage, how many active artifacts exist,
// how many exceed the age limit and whether a sweep would evict anything.
func (e *Enforcer) Status() []StageStatus {
	now := e.now()
	var out []StageStatus
	for _, stage := range registry.Stages() {
		policy, ok := e.policies[stage]
		if !ok {
			continue
		}
		active := e.registry.Find(registry.And(
			registry.ByStage(stage),
			registry.ByStatus(registry.StatusActive),
		))
		old := 0
		for _, a := range active {
			if now.Sub(a.CreatedAt) > policy.MaxAge() {
				old++
			}
		}
		out = append(out, StageStatus{
			Stage:        stage,
			Total:        len(active),
			Old:          old,
			MaxAgeDays:   policy.MaxAgeDays,
			MaxVersions:  policy.MaxVersions,
			NeedsCleanup: len(active) > policy.MaxVersions || old > 0,
		})
	}
	return out
}
