package storage

import (
	"context"
	"os"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/sparesparrow/lifecycle/errors"
)

// Local stores artifacts on a go-billy filesystem. Locations are paths
// relative to the filesystem root, optionally prefixed with file://.
type Local struct {
	fs billy.Filesystem
}

// NewLocal creates a Local backend rooted at fs.
func NewLocal(fs billy.Filesystem) *Local {
	return &Local{fs: fs}
}

func (l *Local) path(location string) string {
	return strings.TrimPrefix(location, "file://")
}

// Delete removes the file or directory tree at location.
func (l *Local) Delete(ctx context.Context, location string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := l.path(location)
	if p == "" {
		return errors.New(errors.CodeInvalidInput, "empty storage location")
	}

	if err := util.RemoveAll(l.fs, p); err != nil && !os.IsNotExist(err) {
		return errors.WithContext(errors.Wrap(err, errors.CodeIOFailure, "failed to remove artifact"), "location", location)
	}
	return nil
}

// Exists reports whether location is present.
func (l *Local) Exists(ctx context.Context, location string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, err := l.fs.Stat(l.path(location)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.WithContext(errors.Wrap(err, errors.CodeIOFailure, "failed to stat artifact"), "location", location)
	}
	return true, nil
}
