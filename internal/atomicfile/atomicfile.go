// Package atomicfile replaces files on a go-billy filesystem so that readers
// observe either the previous content or the new content, never a prefix.
//
// Data is written to a temporary sibling, synced when the backing file
// supports it, then renamed over the target. A crash leaves at most a stray
// temporary file, which Cleanup removes.
package atomicfile

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// TempPrefix marks temporary files created by Write.
const TempPrefix = ".tmp-"

type syncer interface {
	Sync() error
}

// Write atomically replaces name with data.
func Write(ctx context.Context, fs billy.Filesystem, name string, data []byte) error {
	return WriteFunc(ctx, fs, name, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// WriteFunc atomically replaces name with whatever fn writes. If fn fails
// the target is left untouched.
func WriteFunc(ctx context.Context, fs billy.Filesystem, name string, fn func(w io.Writer) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	dir := path.Dir(name)
	if dir != "." && dir != "/" {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %q: %w", dir, err)
		}
	}

	tmp, err := util.TempFile(fs, dir, TempPrefix+path.Base(name)+"-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := fn(tmp); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if s, ok := tmp.(syncer); ok {
		if err := s.Sync(); err != nil {
			_ = tmp.Close()
			_ = fs.Remove(tmpName)
			return fmt.Errorf("failed to sync temp file: %w", err)
		}
	}

	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := fs.Rename(tmpName, name); err != nil {
		_ = fs.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file to %q: %w", name, err)
	}

	return nil
}

// Cleanup removes temporary files left in dir by interrupted writes and
// returns how many were removed.
func Cleanup(fs billy.Filesystem, dir string) (int, error) {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		if isNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read directory %q: %w", dir, err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), TempPrefix) {
			continue
		}
		if err := fs.Remove(path.Join(dir, entry.Name())); err != nil && !isNotExist(err) {
			return removed, fmt.Errorf("failed to remove temp file %q: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}
