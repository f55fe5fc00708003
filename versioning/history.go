package versioning

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-git/go-billy/v5"

	"github.com/sparesparrow/lifecycle/errors"
	"github.com/sparesparrow/lifecycle/internal/atomicfile"
	"github.com/sparesparrow/lifecycle/registry"
)

const historyExt = ".jsonl"

// Action is the kind of event a history record describes.
type Action string

const (
	ActionRelease  Action = "release"
	ActionRollback Action = "rollback"
	// ActionRevert undoes a rollback whose verification failed. Its
	// version is the one in effect before the rollback and may be empty
	// when the family had none.
	ActionRevert Action = "revert"
)

// Record is one line of a family's version history. Supersedes names the
// version the family pointed at before this record.
type Record struct {
	Family     string         `json:"family"`
	Version    string         `json:"version"`
	Supersedes string         `json:"supersedes,omitempty"`
	Action     Action         `json:"action"`
	Stage      registry.Stage `json:"stage,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// History is an append-only, per-family log of releases, rollbacks and
// reverts, stored as one JSON object per line. Appends hold a lock file
// beside the log, so processes sharing the directory never drop lines.
type History struct {
	fs    billy.Filesystem
	dir   string
	locks sync.Map
}

// NewHistory stores history files under dir on fs.
func NewHistory(fs billy.Filesystem, dir string) *History {
	return &History{fs: fs, dir: dir}
}

func (h *History) file(family string) string {
	return path.Join(h.dir, family+historyExt)
}

func (h *History) lock(family string) func() {
	l, _ := h.locks.LoadOrStore(family, &sync.Mutex{})
	mu := l.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Records returns every record of family in append order. A family with
// no history yields an empty slice.
func (h *History) Records(family string) ([]Record, error) {
	if err := validateFamily(family); err != nil {
		return nil, err
	}
	return h.read(family)
}

func (h *History) read(family string) ([]Record, error) {
	name := h.file(family)
	f, err := h.fs.Open(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithContext(errors.Wrap(err, errors.CodeIOFailure, "failed to open version history"), "path", name)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, errors.WithContextMap(
				errors.Wrap(err, errors.CodeIOFailure, "corrupt version history"),
				map[string]interface{}{"path": name, "line": line},
			)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WithContext(errors.Wrap(err, errors.CodeIOFailure, "failed to read version history"), "path", name)
	}
	return records, nil
}

// Append adds rec to the end of its family's history.
func (h *History) Append(ctx context.Context, rec Record) error {
	if err := validateFamily(rec.Family); err != nil {
		return err
	}
	if rec.Action != ActionRevert || rec.Version != "" {
		if _, err := ParseVersion(rec.Version); err != nil {
			return err
		}
	}

	unlock := h.lock(rec.Family)
	defer unlock()

	name := h.file(rec.Family)
	lock, err := atomicfile.Acquire(h.fs, name)
	if err != nil {
		return errors.WithContext(errors.Wrap(err, errors.CodeIOFailure, "failed to lock version history"), "path", name)
	}
	defer lock.Release()

	records, err := h.read(rec.Family)
	if err != nil {
		return err
	}
	return h.write(ctx, rec.Family, append(records, rec))
}

func (h *History) write(ctx context.Context, family string, records []Record) error {
	name := h.file(family)
	err := atomicfile.WriteFunc(ctx, h.fs, name, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if cerr := errors.FromContext(err, "version history write canceled"); cerr != nil {
			return cerr
		}
		return errors.WithContext(errors.Wrap(err, errors.CodeIOFailure, "failed to write version history"), "path", name)
	}
	return nil
}

// Current returns the version the family currently points at: the version
// of the most recent record. A revert to no version reports none.
func (h *History) Current(family string) (string, bool, error) {
	records, err := h.Records(family)
	if err != nil || len(records) == 0 {
		return "", false, err
	}
	v := records[len(records)-1].Version
	return v, v != "", nil
}

// Versions returns the distinct versions ever recorded for family,
// highest first.
func (h *History) Versions(family string) ([]string, error) {
	records, err := h.Records(family)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]*semver.Version)
	for _, rec := range records {
		v, err := ParseVersion(rec.Version)
		if err != nil {
			continue
		}
		seen[rec.Version] = v
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return seen[out[i]].GreaterThan(seen[out[j]])
	})
	return out, nil
}

// Families lists every family with a history file.
func (h *History) Families() ([]string, error) {
	entries, err := h.fs.ReadDir(h.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.CodeIOFailure, "failed to list version histories")
	}
	var families []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, atomicfile.TempPrefix) || !strings.HasSuffix(name, historyExt) {
			continue
		}
		families = append(families, strings.TrimSuffix(name, historyExt))
	}
	sort.Strings(families)
	return families, nil
}
