package retention

import (
	"fmt"
	"strings"
	"time"

	"github.com/sparesparrow/lifecycle/errors"
	"github.com/sparesparrow/lifecycle/registry"
)

// Policy limits the age and count of active artifacts in one stage.
type Policy struct {
	MaxAgeDays  int `json:"max_age_days" yaml:"max_age_days"`
	MaxVersions int `json:"max_versions" yaml:"max_versions"`
}

// MaxAge returns the age limit as a duration.
func (p Policy) MaxAge() time.Duration {
	return time.Duration(p.MaxAgeDays) * 24 * time.Hour
}

// Validate checks MaxAgeDays >= 0 and MaxVersions >= 1.
func (p Policy) Validate() error {
	var reasons []string
	if p.MaxAgeDays < 0 {
		reasons = append(reasons, fmt.Sprintf("max_age_days must be >= 0, got %d", p.MaxAgeDays))
	}
	if p.MaxVersions < 1 {
		reasons = append(reasons, fmt.Sprintf("max_versions must be >= 1, got %d", p.MaxVersions))
	}
	if len(reasons) > 0 {
		return errors.Newf(errors.CodeInvalidConfig, "invalid retention policy: %s", strings.Join(reasons, "; "))
	}
	return nil
}

// Policies maps each stage to its policy.
type Policies map[registry.Stage]Policy

// DefaultPolicies returns the stock per-stage limits.
func DefaultPolicies() Policies {
	return Policies{
		registry.StageDevelopment: {MaxAgeDays: 7, MaxVersions: 3},
		registry.StageTesting:     {MaxAgeDays: 14, MaxVersions: 5},
		registry.StageStaging:     {MaxAgeDays: 30, MaxVersions: 10},
		registry.StageProduction:  {MaxAgeDays: 365, MaxVersions: 20},
	}
}

// Validate checks every policy and that stage names are known.
func (ps Policies) Validate() error {
	for stage, p := range ps {
		if _, err := registry.ParseStage(string(stage)); err != nil {
			return errors.Wrap(err, errors.CodeInvalidConfig, "invalid retention policy stage")
		}
		if err := p.Validate(); err != nil {
			return errors.WithContext(err, "stage", string(stage))
		}
	}
	return nil
}
