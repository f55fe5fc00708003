package versioning

import (
	"github.com/Masterminds/semver/v3"

	"github.com/sparesparrow/lifecycle/errors"
)

// InitialVersion is the first version of a family without history.
const InitialVersion = "1.0.0"

// ParseVersion parses s as a semantic version.
func ParseVersion(s string) (*semver.Version, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, errors.WithContext(
			errors.Wrapf(err, errors.CodeInvalidInput, "invalid version %q", s),
			"version", s,
		)
	}
	return v, nil
}

// core strips pre-release and build metadata.
func core(v *semver.Version) *semver.Version {
	return semver.New(v.Major(), v.Minor(), v.Patch(), "", "")
}

// Bump applies kind to the core of current: breaking resets minor and
// patch, feature resets patch.
func Bump(current string, kind ChangeKind) (string, error) {
	v, err := ParseVersion(current)
	if err != nil {
		return "", err
	}
	if _, err := ParseChangeKind(string(kind)); err != nil {
		return "", err
	}

	c := core(v)
	var next semver.Version
	switch kind {
	case ChangeBreaking:
		next = c.IncMajor()
	case ChangeFeature:
		next = c.IncMinor()
	default:
		next = c.IncPatch()
	}
	return next.String(), nil
}

// highest returns the greatest of the parseable versions, ignoring the
// rest.
func highest(versions ...string) (*semver.Version, bool) {
	var best *semver.Version
	for _, s := range versions {
		if s == "" {
			continue
		}
		v, err := semver.NewVersion(s)
		if err != nil {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
		}
	}
	return best, best != nil
}
