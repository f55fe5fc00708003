package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path"
	"time"

	"github.com/go-git/go-billy/v5/util"

	"github.com/sparesparrow/lifecycle/errors"
	"github.com/sparesparrow/lifecycle/internal/atomicfile"
	"github.com/sparesparrow/lifecycle/logging"
)

// documentVersion is the schema version written to the registry document.
const documentVersion = 1

type document struct {
	Version   int                 `json:"version"`
	UpdatedAt time.Time           `json:"updated_at"`
	Artifacts map[string]Artifact `json:"artifacts"`
}

// Persist rewrites the durable document in the current format and
// publishes its content. Mutations persist themselves; Persist is for
// upgrading or normalizing a document written by an older version.
func (r *Registry) Persist(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(err, "persist canceled")
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
	if err := r.write(context.WithoutCancel(ctx), durable); err != nil {
		return err
	}
	r.publish(durable)
	return nil
}

func (r *Registry) lockDocument() (*atomicfile.Lock, error) {
	lock, err := atomicfile.Acquire(r.fs, r.path)
	if err != nil {
		return nil, errors.WithContext(errors.Wrap(err, errors.CodeIOFailure, "failed to lock registry"), "path", r.path)
	}
	return lock, nil
}

func (r *Registry) unlockDocument(ctx context.Context, lock *atomicfile.Lock) {
	if err := lock.Release(); err != nil {
		r.logger.Warn(ctx, "failed to release registry lock", "path", r.path, "error", err.Error())
	}
}

// write must be called with writeMu and the document lock held.
func (r *Registry) write(ctx context.Context, artifacts map[string]Artifact) error {
	doc := document{
		Version:   documentVersion,
		UpdatedAt: r.now().UTC(),
		Artifacts: artifacts,
	}

	err := atomicfile.WriteFunc(ctx, r.fs, r.path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	})
	r.metrics.RecordPersist(err)
	if err != nil {
		r.logger.WithOperation(logging.OpPersist).Error(ctx, "registry persist failed", "path", r.path, "error", err.Error())
		return errors.WithContext(errors.Wrap(err, errors.CodeIOFailure, "failed to persist registry"), "path", r.path)
	}
	return nil
}

// Load replaces the in-memory state with the persisted document. A missing
// document yields an empty registry; a corrupt one is an error and leaves
// the current state untouched. Temporary files from interrupted writes are
// removed while the document lock is held, so a write in progress in
// another process is never disturbed.
func (r *Registry) Load(ctx context.Context) error {
	return r.load(ctx, true)
}

// Refresh re-reads the document to pick up changes made by other handles
// or processes.
func (r *Registry) Refresh(ctx context.Context) error {
	return r.load(ctx, false)
}

func (r *Registry) load(ctx context.Context, cleanup bool) error {
	if err := ctx.Err(); err != nil {
		return errors.FromContext(err, "load canceled")
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	lock, err := r.lockDocument()
	if err != nil {
		return err
	}
	defer r.unlockDocument(ctx, lock)

	if cleanup {
		if removed, err := atomicfile.Cleanup(r.fs, path.Dir(r.path)); err != nil {
			r.logger.Warn(ctx, "failed to remove stale temp files", "error", err.Error())
		} else if removed > 0 {
			r.logger.Info(ctx, "removed stale temp files", "count", removed)
		}
	}

	artifacts, err := r.readDocument()
	if err != nil {
		return err
	}
	r.publish(artifacts)
	return nil
}

// readDocument reads the durable state. A missing document is empty.
func (r *Registry) readDocument() (map[string]Artifact, error) {
	data, err := util.ReadFile(r.fs, r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]Artifact), nil
		}
		return nil, errors.WithContext(errors.Wrap(err, errors.CodeIOFailure, "failed to read registry"), "path", r.path)
	}
	artifacts, err := decode(data)
	if err != nil {
		return nil, errors.WithContext(err, "path", r.path)
	}
	return artifacts, nil
}

func decode(data []byte) (map[string]Artifact, error) {
	var doc document
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, errors.CodeIOFailure, "registry document is corrupt")
	}
	if doc.Version != documentVersion {
		return nil, errors.Newf(errors.CodeSchemaFailed, "unsupported registry document version %d", doc.Version)
	}

	artifacts := make(map[string]Artifact, len(doc.Artifacts))
	for id, a := range doc.Artifacts {
		if a.ID != id {
			return nil, errors.Newf(errors.CodeSchemaFailed, "artifact key %q does not match id %q", id, a.ID)
		}
		if err := a.validate(); err != nil {
			return nil, err
		}
		artifacts[id] = a
	}
	return artifacts, nil
}
