// Package cachekey derives source, binary and combined cache keys for build
// artifacts and records which inputs produced them.
//
// The source key covers the content of matched source files, the binary key
// covers build settings, and the combined key binds the two:
//
//	combined = hash("source:" + source + "|binary:" + binary)
//
// Every key is independent of traversal order and of which optional files
// happen to be absent.
package cachekey

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5/util"

	"github.com/sparesparrow/lifecycle/errors"
	"github.com/sparesparrow/lifecycle/hashing"
)

// Keys is the cache key tuple stored with an artifact.
type Keys struct {
	Source   string `json:"source" yaml:"source"`
	Binary   string `json:"binary" yaml:"binary"`
	Combined string `json:"combined" yaml:"combined"`
}

// IsZero reports whether no key is set.
func (k Keys) IsZero() bool {
	return k == Keys{}
}

// Provenance records the inputs a key tuple was derived from.
type Provenance struct {
	SourcePatterns []string `json:"source_patterns,omitempty" yaml:"source_patterns,omitempty"`
	SourceFiles    []string `json:"source_files,omitempty" yaml:"source_files,omitempty"`
	BinarySettings []string `json:"binary_settings,omitempty" yaml:"binary_settings,omitempty"`
}

// Setting is one binary-relevant build setting, such as settings.os=Linux.
type Setting struct {
	Name  string
	Value string
}

func (s Setting) String() string {
	return s.Name + "=" + s.Value
}

// Result is the output of Derive.
type Result struct {
	Keys       Keys
	Provenance Provenance
}

// Config selects the inputs of each key.
type Config struct {
	// Algorithm hashes file content and key material.
	Algorithm string
	// SourceInclude lists glob patterns of source-relevant files.
	SourceInclude []string
	// SourceExclude removes matches. "dir/**" excludes everything under dir.
	SourceExclude []string
	// BinaryInclude lists setting names FilterSettings keeps. Empty keeps all.
	BinaryInclude []string
	// BinaryExclude lists setting names FilterSettings always drops.
	BinaryExclude []string
}

// Deriver computes cache keys from files read through a hashing Engine.
type Deriver struct {
	engine *hashing.Engine
	cfg    Config
}

// NewDeriver creates a Deriver. The key algorithm must be supported by the
// hashing package.
func NewDeriver(engine *hashing.Engine, cfg Config) (*Deriver, error) {
	if cfg.Algorithm == "" {
		cfg.Algorithm = hashing.SHA256
	}
	if !hashing.IsSupported(cfg.Algorithm) {
		return nil, errors.Newf(errors.CodeInvalidConfig, "unsupported key algorithm %q", cfg.Algorithm)
	}
	return &Deriver{engine: engine, cfg: cfg}, nil
}

// Algorithm returns the key algorithm.
func (d *Deriver) Algorithm() string {
	return d.cfg.Algorithm
}

// Derive computes the full key tuple for the current source tree and the
// given settings. Hashing failures are returned; missing optional files are
// not.
func (d *Deriver) Derive(ctx context.Context, settings []Setting) (Result, error) {
	source, files, err := d.SourceKey(ctx)
	if err != nil {
		return Result{}, err
	}

	binary, err := BinaryKey(d.cfg.Algorithm, settings)
	if err != nil {
		return Result{}, err
	}

	combined, err := Combine(d.cfg.Algorithm, source, binary)
	if err != nil {
		return Result{}, err
	}

	names := make([]string, 0, len(settings))
	for _, s := range settings {
		names = append(names, s.Name)
	}
	sort.Strings(names)

	return Result{
		Keys: Keys{Source: source, Binary: binary, Combined: combined},
		Provenance: Provenance{
			SourcePatterns: append([]string(nil), d.cfg.SourceInclude...),
			SourceFiles:    files,
			BinarySettings: names,
		},
	}, nil
}

// SourceKey hashes every included, non-excluded regular file and returns the
// key with the sorted list of files that contributed.
func (d *Deriver) SourceKey(ctx context.Context) (string, []string, error) {
	files, err := d.matchSources()
	if err != nil {
		return "", nil, err
	}

	digests, err := d.engine.HashFiles(ctx, files, d.cfg.Algorithm)
	if err != nil {
		return "", nil, errors.Wrap(err, errors.CodeIOFailure, "failed to hash source files")
	}

	parts := make([]string, 0, len(files))
	for _, f := range files {
		parts = append(parts, fmt.Sprintf("%s:%s", f, digests[f][:8]))
	}
	sort.Strings(parts)

	key, err := hashing.HashString(d.cfg.Algorithm, strings.Join(parts, "|"))
	if err != nil {
		return "", nil, err
	}
	return key, files, nil
}

func (d *Deriver) matchSources() ([]string, error) {
	fs := d.engine.Filesystem()
	seen := make(map[string]struct{})
	var files []string

	for _, pattern := range d.cfg.SourceInclude {
		matches, err := util.Glob(fs, pattern)
		if err != nil {
			return nil, errors.WithContext(
				errors.Wrap(err, errors.CodeInvalidConfig, "invalid source include pattern"),
				"pattern", pattern,
			)
		}

		for _, m := range matches {
			m = filepath.ToSlash(m)
			if _, dup := seen[m]; dup || d.excluded(m) {
				continue
			}

			info, err := fs.Stat(m)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, errors.WithContext(errors.Wrap(err, errors.CodeIOFailure, "failed to stat source file"), "path", m)
			}
			if !info.Mode().IsRegular() {
				continue
			}

			seen[m] = struct{}{}
			files = append(files, m)
		}
	}

	sort.Strings(files)
	return files, nil
}

func (d *Deriver) excluded(name string) bool {
	for _, pattern := range d.cfg.SourceExclude {
		if MatchExclude(pattern, name) {
			return true
		}
	}
	return false
}

// MatchExclude reports whether name is excluded by pattern. A pattern ending
// in "/**" matches the directory and everything beneath it; other patterns
// use path.Match.
func MatchExclude(pattern, name string) bool {
	if dir, ok := strings.CutSuffix(pattern, "/**"); ok {
		return name == dir || strings.HasPrefix(name, dir+"/")
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// BinaryKey hashes the sorted name=value form of settings.
func BinaryKey(algorithm string, settings []Setting) (string, error) {
	parts := make([]string, 0, len(settings))
	for _, s := range settings {
		parts = append(parts, s.String())
	}
	sort.Strings(parts)
	return hashing.HashString(algorithm, strings.Join(parts, "|"))
}

// Combine derives the combined key from a source and binary key.
func Combine(algorithm, source, binary string) (string, error) {
	return hashing.HashString(algorithm, "source:"+source+"|binary:"+binary)
}

// Verify checks that keys.Combined was derived from keys.Source and
// keys.Binary.
func Verify(algorithm string, keys Keys) error {
	want, err := Combine(algorithm, keys.Source, keys.Binary)
	if err != nil {
		return err
	}
	if want != keys.Combined {
		return errors.New(errors.CodeInvalidInput, "combined cache key does not match source and binary keys")
	}
	return nil
}

// FilterSettings turns a settings map into the binary-relevant Setting list,
// honoring the configured include and exclude lists.
func (d *Deriver) FilterSettings(values map[string]string) []Setting {
	include := toSet(d.cfg.BinaryInclude)
	exclude := toSet(d.cfg.BinaryExclude)

	out := make([]Setting, 0, len(values))
	for name, value := range values {
		if _, skip := exclude[name]; skip {
			continue
		}
		if len(include) > 0 {
			if _, ok := include[name]; !ok {
				continue
			}
		}
		out = append(out, Setting{Name: name, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
