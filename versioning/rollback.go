package versioning

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/sparesparrow/lifecycle/errors"
	"github.com/sparesparrow/lifecycle/internal/atomicfile"
	"github.com/sparesparrow/lifecycle/logging"
	"github.com/sparesparrow/lifecycle/registry"
)

// checks holds the outcome of each rollback check separately so plans can
// turn them into risks.
type checks struct {
	current       string
	disabled      []string
	existence     []string
	compatibility []string
	majorMismatch bool
	dependencies  []string
}

func (c checks) reasons() []string {
	var out []string
	out = append(out, c.disabled...)
	out = append(out, c.existence...)
	out = append(out, c.compatibility...)
	out = append(out, c.dependencies...)
	return out
}

// ValidateRollback reports whether rolling family back to target is safe.
// Every check runs; the reasons list every failure, not only the first.
func (m *Manager) ValidateRollback(ctx context.Context, family, target string) (bool, []string) {
	c := m.check(ctx, family, target)
	reasons := c.reasons()
	return len(reasons) == 0, reasons
}

func (m *Manager) check(ctx context.Context, family, target string) checks {
	var c checks
	if err := validateFamily(family); err != nil {
		c.disabled = append(c.disabled, err.Error())
		return c
	}
	if !m.cfg.Rollback.Enabled {
		c.disabled = append(c.disabled, "rollback is disabled")
	}

	targetVersion, err := ParseVersion(target)
	if err != nil {
		c.existence = append(c.existence, fmt.Sprintf("target version %q is not a valid semantic version", target))
	}

	var exists bool
	err = m.call(ctx, "version lookup", func(ctx context.Context) error {
		var err error
		exists, err = m.query.VersionExists(ctx, family, target)
		return err
	})
	switch {
	case err != nil:
		c.existence = append(c.existence, fmt.Sprintf("could not verify that %s/%s exists: %v", family, target, err))
	case !exists:
		c.existence = append(c.existence, fmt.Sprintf("target version %s does not exist", target))
	}

	current, err := m.current(ctx, family)
	c.current = current
	if m.cfg.Rollback.CompatibilityChecks && targetVersion != nil {
		switch {
		case err != nil:
			c.compatibility = append(c.compatibility, fmt.Sprintf("could not determine current version: %v", err))
		case current != "":
			m.checkCompatibility(&c, current, targetVersion.String())
		}
	}

	if m.cfg.Rollback.DependencyValidation {
		var deps []Dependency
		err := m.call(ctx, "dependency query", func(ctx context.Context) error {
			var err error
			deps, err = m.query.DependenciesOf(ctx, family, target)
			return err
		})
		if err != nil {
			c.dependencies = append(c.dependencies, fmt.Sprintf("dependency validation failed: %v", err))
		}
		for _, d := range deps {
			if d.Conflict != "" {
				c.dependencies = append(c.dependencies, fmt.Sprintf("dependency conflict on %s: %s", d, d.Conflict))
			}
		}
	}
	return c
}

// checkCompatibility requires the same major version and, for a rollback
// to an older version, a patch distance within MaxPatchDistance.
func (m *Manager) checkCompatibility(c *checks, current, target string) {
	cur, err := ParseVersion(current)
	if err != nil {
		c.compatibility = append(c.compatibility, fmt.Sprintf("current version %q is not a valid semantic version", current))
		return
	}
	tgt, _ := ParseVersion(target)

	if cur.Major() != tgt.Major() {
		c.majorMismatch = true
		c.compatibility = append(c.compatibility,
			fmt.Sprintf("major version difference: current %s, target %s", current, target))
		return
	}
	if core(tgt).LessThan(core(cur)) {
		distance := int64(cur.Patch()) - int64(tgt.Patch())
		if distance > int64(m.cfg.Rollback.MaxPatchDistance) {
			c.compatibility = append(c.compatibility,
				fmt.Sprintf("version distance %d exceeds tolerance %d", distance, m.cfg.Rollback.MaxPatchDistance))
		}
	}
}

// RollbackPlan describes a proposed rollback and its risks.
type RollbackPlan struct {
	ID              string    `json:"id"`
	Family          string    `json:"family"`
	TargetVersion   string    `json:"target_version"`
	CurrentVersion  string    `json:"current_version,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	Safe            bool      `json:"safe"`
	Reasons         []string  `json:"reasons,omitempty"`
	Steps           []string  `json:"steps"`
	Risks           []string  `json:"risks"`
	Recommendations []string  `json:"recommendations"`
	// Path is where the plan was saved.
	Path string `json:"-"`
}

// CreateRollbackPlan builds and saves a plan for rolling family back to
// target. A plan is produced even when validation fails; the failures
// become risks. Only saving the plan can fail.
func (m *Manager) CreateRollbackPlan(ctx context.Context, family, target string) (RollbackPlan, error) {
	c := m.check(ctx, family, target)
	reasons := c.reasons()

	current := c.current
	if current == "" {
		current = "none"
	}
	plan := RollbackPlan{
		ID:             uuid.NewString(),
		Family:         family,
		TargetVersion:  target,
		CurrentVersion: c.current,
		CreatedAt:      m.now().UTC(),
		Safe:           len(reasons) == 0,
		Reasons:        reasons,
		Steps: []string{
			fmt.Sprintf("Validate rollback safety for %s/%s", family, target),
			fmt.Sprintf("Create backup of current version %s", current),
			fmt.Sprintf("Update registry to point to %s", target),
			"Verify package availability",
			"Update dependent packages if needed",
			"Monitor system stability",
		},
		Risks: []string{},
		Recommendations: []string{
			"Test rollback in staging environment first",
			"Have rollback plan ready in case of issues",
			"Monitor system metrics after rollback",
			"Update documentation with new version",
		},
	}

	if len(c.disabled) > 0 {
		plan.Risks = append(plan.Risks, "Policy risk: Rollback is disabled")
	}
	if len(c.existence) > 0 {
		plan.Risks = append(plan.Risks, "Availability risk: Target version not found")
	}
	if c.majorMismatch {
		plan.Risks = append(plan.Risks, "Compatibility risk: Major version difference")
	} else if len(c.compatibility) > 0 {
		plan.Risks = append(plan.Risks, "Compatibility risk: Version distance exceeds tolerance")
	}
	if len(c.dependencies) > 0 {
		plan.Risks = append(plan.Risks, "Dependency risk: Potential dependency conflicts")
	}

	if err := validateFamily(family); err != nil {
		return plan, err
	}
	plan.Path = path.Join(plansDir, fmt.Sprintf("rollback-plan-%s-%s-%s.json", family, target, plan.ID))
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return plan, errors.Wrap(err, errors.CodeInternal, "failed to encode rollback plan")
	}
	if err := atomicfile.Write(ctx, m.fs, plan.Path, append(data, '\n')); err != nil {
		return plan, errors.WithContext(errors.Wrap(err, errors.CodeIOFailure, "failed to save rollback plan"), "path", plan.Path)
	}

	m.logger.WithOperation(logging.OpRollback).WithFamily(family).Info(ctx, "rollback plan saved",
		"target", target, "safe", plan.Safe, "path", plan.Path)
	return plan, nil
}

// RollbackResult describes a completed rollback.
type RollbackResult struct {
	Family    string   `json:"family"`
	From      string   `json:"from,omitempty"`
	To        string   `json:"to"`
	BackupRef string   `json:"backup_ref,omitempty"`
	Rotated   []string `json:"rotated,omitempty"`
}

// ExecuteRollback validates and then performs a rollback of family to
// target in three stages: backup of the current version, registry update,
// and verification. An unsafe rollback is refused with CodeValidationFailed
// carrying every reason. A failing stage is reported as *StageError; the
// artifacts this rollback rotated are flipped back and, once the rollback
// record was written, a revert record is appended after it.
func (m *Manager) ExecuteRollback(ctx context.Context, family, target string) (RollbackResult, error) {
	log := m.logger.WithOperation(logging.OpRollback).WithFamily(family)

	if err := validateFamily(family); err != nil {
		return RollbackResult{}, err
	}

	unlock := m.lock(family)
	defer unlock()

	if ok, reasons := m.ValidateRollback(ctx, family, target); !ok {
		m.metrics.RecordRollback(OutcomeRejected)
		log.Warn(ctx, "rollback rejected", "target", target, "reasons", reasons)
		return RollbackResult{}, errors.WithContextMap(
			errors.Validation("rollback rejected", reasons),
			map[string]interface{}{"family": family, "target": target},
		)
	}

	result, err := m.execute(ctx, log, family, target)
	if err != nil {
		m.metrics.RecordRollback(OutcomeFailed)
		return RollbackResult{}, err
	}
	m.metrics.RecordRollback(OutcomeSucceeded)
	log.Info(ctx, "rollback completed", "from", result.From, "to", result.To, "rotated", len(result.Rotated))
	return result, nil
}

func (m *Manager) execute(ctx context.Context, log *logging.Logger, family, target string) (RollbackResult, error) {
	result := RollbackResult{Family: family, To: target}

	current, err := m.current(ctx, family)
	if err != nil {
		return result, &StageError{Stage: StageBackup, Err: err}
	}
	result.From = current

	// Backup.
	start := m.now()
	if current != "" && m.backuper != nil {
		err := m.call(ctx, "backup", func(ctx context.Context) error {
			var err error
			result.BackupRef, err = m.backuper.Backup(ctx, family, current)
			return err
		})
		logging.LogRollbackStage(ctx, log, family, string(StageBackup), m.now().Sub(start), err)
		if err != nil {
			return result, &StageError{Stage: StageBackup, Err: err}
		}
	}

	// Registry update.
	start = m.now()
	var (
		applied  map[string]registry.Status
		appended bool
	)
	// compensate undoes only what this rollback changed; the history
	// gains a revert record.
	compensate := func(reason error) error {
		bg := context.WithoutCancel(ctx)
		var errs []error
		if err := m.unrotate(bg, family, applied); err != nil {
			errs = append(errs, err)
		}
		if appended {
			err := m.history.Append(bg, Record{
				Family:     family,
				Version:    current,
				Supersedes: target,
				Action:     ActionRevert,
				Stage:      m.cfg.Stage,
				Timestamp:  m.now().UTC(),
			})
			if err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) == 0 {
			return reason
		}
		log.Error(ctx, "rollback compensation failed", "errors", fmt.Sprint(errs))
		return errors.WithContext(reason, "compensation_error", fmt.Sprint(errs))
	}

	rotated, applied, err := m.rotate(ctx, family, current, target)
	if err == nil {
		result.Rotated = rotated
		err = m.history.Append(ctx, Record{
			Family:     family,
			Version:    target,
			Supersedes: current,
			Action:     ActionRollback,
			Stage:      m.cfg.Stage,
			Timestamp:  m.now().UTC(),
		})
		if err != nil {
			err = compensate(err)
		} else {
			appended = true
		}
	}
	logging.LogRollbackStage(ctx, log, family, string(StageRegistryUpdate), m.now().Sub(start), err)
	if err != nil {
		return result, &StageError{Stage: StageRegistryUpdate, Err: err}
	}

	// Verification.
	start = m.now()
	err = m.verify(ctx, family, target)
	if err != nil {
		err = compensate(err)
	}
	logging.LogRollbackStage(ctx, log, family, string(StageVerification), m.now().Sub(start), err)
	if err != nil {
		return result, &StageError{Stage: StageVerification, Err: err}
	}
	return result, nil
}

// rotate retires the active artifacts of the current version and
// reactivates rotated artifacts of the target version. It returns the
// changed ids and the status each was moved to.
func (m *Manager) rotate(ctx context.Context, family, current, target string) ([]string, map[string]registry.Status, error) {
	if m.registry == nil {
		return nil, nil, nil
	}
	applied := make(map[string]registry.Status)
	ids, err := m.registry.UpdateWhere(ctx, family,
		func(a registry.Artifact) bool {
			return current != "" && a.Version == current && a.Status == registry.StatusActive ||
				a.Version == target && a.Status == registry.StatusRotated
		},
		func(a *registry.Artifact) {
			a.Status = flipped(a.Status)
			applied[a.ID] = a.Status
		},
	)
	if err != nil {
		return nil, nil, err
	}
	return ids, applied, nil
}

// unrotate reverts the artifacts rotate changed, skipping any whose status
// has since moved on.
func (m *Manager) unrotate(ctx context.Context, family string, applied map[string]registry.Status) error {
	if m.registry == nil || len(applied) == 0 {
		return nil
	}
	_, err := m.registry.UpdateWhere(ctx, family,
		func(a registry.Artifact) bool {
			s, ok := applied[a.ID]
			return ok && a.Status == s
		},
		func(a *registry.Artifact) {
			a.Status = flipped(a.Status)
		},
	)
	return err
}

func flipped(s registry.Status) registry.Status {
	if s == registry.StatusActive {
		return registry.StatusRotated
	}
	return registry.StatusActive
}

// verify confirms the target is still available and the history points at
// it.
func (m *Manager) verify(ctx context.Context, family, target string) error {
	var exists bool
	err := m.call(ctx, "verification", func(ctx context.Context) error {
		var err error
		exists, err = m.query.VersionExists(ctx, family, target)
		return err
	})
	if err != nil {
		return err
	}
	if !exists {
		return errors.Newf(errors.CodeNotFound, "%s/%s is not available after rollback", family, target)
	}
	cur, _, err := m.history.Current(family)
	if err != nil {
		return err
	}
	if cur != target {
		return errors.Newf(errors.CodeInternal, "history points at %s, want %s", cur, target)
	}
	return nil
}

// FamilyVersions summarizes the known versions of one family.
type FamilyVersions struct {
	Current       string   `json:"current,omitempty"`
	Latest        string   `json:"latest,omitempty"`
	TotalVersions int      `json:"total_versions"`
	Versions      []string `json:"versions"`
}

// RollbackStatus tells whether the family could roll back to its previous
// version.
type RollbackStatus struct {
	Target  string   `json:"target"`
	Safe    bool     `json:"safe"`
	Reasons []string `json:"reasons,omitempty"`
}

// VersionReport summarizes version state across families.
type VersionReport struct {
	Timestamp      time.Time                 `json:"timestamp"`
	Families       map[string]FamilyVersions `json:"families"`
	RollbackStatus map[string]RollbackStatus `json:"rollback_status"`
}

// Report summarizes families. With no families given, every family with a
// history is included.
func (m *Manager) Report(ctx context.Context, families []string) (VersionReport, error) {
	if len(families) == 0 {
		var err error
		if families, err = m.history.Families(); err != nil {
			return VersionReport{}, err
		}
	}

	report := VersionReport{
		Timestamp:      m.now().UTC(),
		Families:       make(map[string]FamilyVersions, len(families)),
		RollbackStatus: make(map[string]RollbackStatus),
	}
	for _, family := range families {
		if err := ctx.Err(); err != nil {
			return report, errors.FromContext(err, "version report interrupted")
		}
		versions, err := m.history.Versions(family)
		if err != nil {
			return report, err
		}
		current, err := m.current(ctx, family)
		if err != nil {
			m.logger.WithFamily(family).Warn(ctx, "could not determine current version", "error", err.Error())
		}
		info := FamilyVersions{
			Current:       current,
			TotalVersions: len(versions),
			Versions:      versions,
		}
		if len(versions) > 0 {
			info.Latest = versions[0]
		} else if current != "" {
			info.Latest = current
		}
		report.Families[family] = info

		if target := previousVersion(versions, current); target != "" {
			safe, reasons := m.ValidateRollback(ctx, family, target)
			report.RollbackStatus[family] = RollbackStatus{Target: target, Safe: safe, Reasons: reasons}
		}
	}
	return report, nil
}

// previousVersion returns the highest of versions, sorted highest first,
// that is below current.
func previousVersion(versions []string, current string) string {
	cur, err := ParseVersion(current)
	if err != nil {
		return ""
	}
	for _, s := range versions {
		if v, err := ParseVersion(s); err == nil && v.LessThan(cur) {
			return s
		}
	}
	return ""
}
