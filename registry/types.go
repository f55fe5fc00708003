package registry

import (
	"time"

	"github.com/sparesparrow/lifecycle/cachekey"
	"github.com/sparesparrow/lifecycle/errors"
)

// Kind classifies what an artifact contains.
type Kind string

const (
	KindSource        Kind = "source"
	KindBinary        Kind = "binary"
	KindTest          Kind = "test"
	KindDocumentation Kind = "documentation"
)

// ParseKind validates s as a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindSource, KindBinary, KindTest, KindDocumentation:
		return k, nil
	}
	return "", errors.Newf(errors.CodeInvalidInput, "unknown artifact kind %q", s)
}

// Stage is a deployment phase.
type Stage string

const (
	StageDevelopment Stage = "development"
	StageTesting     Stage = "testing"
	StageStaging     Stage = "staging"
	StageProduction  Stage = "production"
)

// Stages returns every stage in promotion order.
func Stages() []Stage {
	return []Stage{StageDevelopment, StageTesting, StageStaging, StageProduction}
}

// ParseStage validates s as a Stage.
func ParseStage(s string) (Stage, error) {
	switch st := Stage(s); st {
	case StageDevelopment, StageTesting, StageStaging, StageProduction:
		return st, nil
	}
	return "", errors.Newf(errors.CodeInvalidInput, "unknown stage %q", s)
}

// Status is the lifecycle state of an artifact.
type Status string

const (
	StatusActive      Status = "active"
	StatusInvalidated Status = "invalidated"
	StatusEvicted     Status = "evicted"
	StatusRotated     Status = "rotated"
)

// ParseStatus validates s as a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusActive, StatusInvalidated, StatusEvicted, StatusRotated:
		return st, nil
	}
	return "", errors.Newf(errors.CodeInvalidInput, "unknown artifact status %q", s)
}

// Artifact is a tracked build output.
type Artifact struct {
	ID             string              `json:"id"`
	Family         string              `json:"family"`
	Version        string              `json:"version,omitempty"`
	Kind           Kind                `json:"kind"`
	Stage          Stage               `json:"stage"`
	Status         Status              `json:"status"`
	CreatedAt      time.Time           `json:"created_at"`
	InvalidatedAt  *time.Time          `json:"invalidated_at,omitempty"`
	Checksums      map[string]string   `json:"checksums,omitempty"`
	Dependencies   []string            `json:"dependencies,omitempty"`
	CacheKeys      cachekey.Keys       `json:"cache_keys"`
	SupersededKeys []cachekey.Keys     `json:"superseded_keys,omitempty"`
	Provenance     cachekey.Provenance `json:"provenance"`
	Location       string              `json:"location,omitempty"`
	CleanupPending bool                `json:"cleanup_pending,omitempty"`
}

// Clone returns a deep copy of a.
func (a Artifact) Clone() Artifact {
	c := a
	if a.InvalidatedAt != nil {
		t := *a.InvalidatedAt
		c.InvalidatedAt = &t
	}
	if a.Checksums != nil {
		c.Checksums = make(map[string]string, len(a.Checksums))
		for k, v := range a.Checksums {
			c.Checksums[k] = v
		}
	}
	c.Dependencies = cloneStrings(a.Dependencies)
	c.SupersededKeys = append([]cachekey.Keys(nil), a.SupersededKeys...)
	c.Provenance = cachekey.Provenance{
		SourcePatterns: cloneStrings(a.Provenance.SourcePatterns),
		SourceFiles:    cloneStrings(a.Provenance.SourceFiles),
		BinarySettings: cloneStrings(a.Provenance.BinarySettings),
	}
	return c
}

// validate checks the closed enums of a loaded record.
func (a Artifact) validate() error {
	if a.ID == "" {
		return errors.New(errors.CodeSchemaFailed, "artifact without id")
	}
	if _, err := ParseKind(string(a.Kind)); err != nil {
		return errors.Wrapf(err, errors.CodeSchemaFailed, "artifact %q", a.ID)
	}
	if _, err := ParseStage(string(a.Stage)); err != nil {
		return errors.Wrapf(err, errors.CodeSchemaFailed, "artifact %q", a.ID)
	}
	if _, err := ParseStatus(string(a.Status)); err != nil {
		return errors.Wrapf(err, errors.CodeSchemaFailed, "artifact %q", a.ID)
	}
	return nil
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

// Predicate selects artifacts in Find.
type Predicate func(Artifact) bool

// All matches every artifact.
func All() Predicate {
	return func(Artifact) bool { return true }
}

// ByStatus matches artifacts in the given status.
func ByStatus(status Status) Predicate {
	return func(a Artifact) bool { return a.Status == status }
}

// ByStage matches artifacts in the given stage.
func ByStage(stage Stage) Predicate {
	return func(a Artifact) bool { return a.Stage == stage }
}

// ByFamily matches artifacts of the given family.
func ByFamily(family string) Predicate {
	return func(a Artifact) bool { return a.Family == family }
}

// ByVersion matches artifacts built for the given family version.
func ByVersion(version string) Predicate {
	return func(a Artifact) bool { return a.Version == version }
}

// And matches when every predicate matches.
func And(preds ...Predicate) Predicate {
	return func(a Artifact) bool {
		for _, p := range preds {
			if !p(a) {
				return false
			}
		}
		return true
	}
}
