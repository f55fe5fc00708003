package versioning

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/sparesparrow/lifecycle/errors"
	"github.com/sparesparrow/lifecycle/registry"
)

// ChangeKind selects which semantic version component a release bumps.
type ChangeKind string

const (
	ChangeBreaking ChangeKind = "breaking"
	ChangeFeature  ChangeKind = "feature"
	ChangeBugfix   ChangeKind = "bugfix"
)

// ParseChangeKind validates s as a ChangeKind.
func ParseChangeKind(s string) (ChangeKind, error) {
	switch k := ChangeKind(s); k {
	case ChangeBreaking, ChangeFeature, ChangeBugfix:
		return k, nil
	}
	return "", errors.Newf(errors.CodeInvalidInput, "unknown change kind %q (want breaking, feature or bugfix)", s)
}

// Dependency is one resolved dependency of a package version. A non-empty
// Conflict describes why it cannot be satisfied.
type Dependency struct {
	Name     string `json:"name"`
	Version  string `json:"version,omitempty"`
	Conflict string `json:"conflict,omitempty"`
}

func (d Dependency) String() string {
	if d.Version == "" {
		return d.Name
	}
	return d.Name + "/" + d.Version
}

// PackageQuery answers questions about the external package registry.
type PackageQuery interface {
	LatestVersion(ctx context.Context, family string) (string, bool, error)
	VersionExists(ctx context.Context, family, version string) (bool, error)
	DependenciesOf(ctx context.Context, family, version string) ([]Dependency, error)
}

// CommitSource provides the commit a build was made from.
type CommitSource interface {
	ShortCommit(ctx context.Context) (string, error)
}

// Backuper saves a copy of a package version and returns a reference to
// the copy.
type Backuper interface {
	Backup(ctx context.Context, family, version string) (string, error)
}

// RollbackConfig controls rollback validation.
type RollbackConfig struct {
	Enabled              bool `json:"enabled" yaml:"enabled"`
	CompatibilityChecks  bool `json:"compatibilityChecks" yaml:"compatibilityChecks"`
	DependencyValidation bool `json:"dependencyValidation" yaml:"dependencyValidation"`
	MaxPatchDistance     int  `json:"maxPatchDistance" yaml:"maxPatchDistance"`
}

// Config controls version generation and rollback.
type Config struct {
	// Stage is the current deployment stage. Development releases carry
	// PreReleaseSuffix.
	Stage            registry.Stage `json:"stage" yaml:"stage"`
	PreReleaseSuffix string         `json:"preReleaseSuffix" yaml:"preReleaseSuffix"`
	BuildMetadata    bool           `json:"buildMetadata" yaml:"buildMetadata"`
	// CallTimeout bounds every collaborator call.
	CallTimeout time.Duration  `json:"callTimeout" yaml:"callTimeout"`
	Rollback    RollbackConfig `json:"rollback" yaml:"rollback"`
}

// DefaultConfig returns the stock versioning configuration.
func DefaultConfig() Config {
	return Config{
		Stage:            registry.StageDevelopment,
		PreReleaseSuffix: "dev",
		BuildMetadata:    true,
		CallTimeout:      30 * time.Second,
		Rollback: RollbackConfig{
			Enabled:              true,
			CompatibilityChecks:  true,
			DependencyValidation: true,
			MaxPatchDistance:     10,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, err := registry.ParseStage(string(c.Stage)); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "invalid versioning stage")
	}
	if c.CallTimeout <= 0 {
		return errors.Newf(errors.CodeInvalidConfig, "call timeout must be positive, got %s", c.CallTimeout)
	}
	if c.Rollback.MaxPatchDistance < 0 {
		return errors.Newf(errors.CodeInvalidConfig, "max patch distance must be >= 0, got %d", c.Rollback.MaxPatchDistance)
	}
	return nil
}

var familyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]*$`)

func validateFamily(family string) error {
	if !familyPattern.MatchString(family) {
		return errors.Newf(errors.CodeInvalidInput, "invalid family name %q", family)
	}
	return nil
}

// RollbackStage names a step of ExecuteRollback.
type RollbackStage string

const (
	StageBackup         RollbackStage = "backup"
	StageRegistryUpdate RollbackStage = "registry_update"
	StageVerification   RollbackStage = "verification"
)

// StageError reports which rollback stage failed. The registry is left as
// it was before the rollback started.
type StageError struct {
	Stage RollbackStage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("rollback %s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
