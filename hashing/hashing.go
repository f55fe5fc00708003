// Package hashing computes streaming content digests of artifact files.
//
// Files are read in fixed-size chunks, so memory use is independent of file
// size. Digests are lowercase hex and depend only on file content.
package hashing

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"sort"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/sparesparrow/lifecycle/errors"
	"github.com/sparesparrow/lifecycle/metrics"
)

// ChunkSize is the read size used when streaming files.
const ChunkSize = 32 * 1024

// Algorithm names.
const (
	SHA256 = "sha256"
	SHA512 = "sha512"
	BLAKE3 = "blake3"
)

var constructors = map[string]func() hash.Hash{
	SHA256: sha256.New,
	SHA512: sha512.New,
	BLAKE3: func() hash.Hash { return blake3.New() },
}

// Supported returns the names of all available algorithms, sorted.
func Supported() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsSupported reports whether name is a known algorithm.
func IsSupported(name string) bool {
	_, ok := constructors[name]
	return ok
}

// Engine hashes files on a filesystem with a configured algorithm set.
type Engine struct {
	fs          billy.Filesystem
	algorithms  []string
	concurrency int
	metrics     *metrics.Recorder
}

// Option configures an Engine.
type Option func(*Engine)

// WithConcurrency bounds the number of files HashFiles reads at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithMetrics records hashed bytes and latency.
func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates an Engine over fs. algorithms is the set Checksums
// computes; an unknown name is rejected.
func NewEngine(fs billy.Filesystem, algorithms []string, opts ...Option) (*Engine, error) {
	if len(algorithms) == 0 {
		return nil, errors.New(errors.CodeInvalidConfig, "at least one checksum algorithm is required")
	}
	for _, alg := range algorithms {
		if !IsSupported(alg) {
			return nil, errors.WithContext(
				errors.Newf(errors.CodeInvalidConfig, "unsupported hash algorithm %q", alg),
				"supported", Supported(),
			)
		}
	}

	e := &Engine{
		fs:          fs,
		algorithms:  append([]string(nil), algorithms...),
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Algorithms returns the configured algorithm set.
func (e *Engine) Algorithms() []string {
	return append([]string(nil), e.algorithms...)
}

// Filesystem returns the filesystem the engine reads from.
func (e *Engine) Filesystem() billy.Filesystem {
	return e.fs
}

// HashFile returns the hex digest of the file at path.
func (e *Engine) HashFile(ctx context.Context, path, algorithm string) (string, error) {
	sums, err := e.hashWith(ctx, path, []string{algorithm})
	if err != nil {
		return "", err
	}
	return sums[algorithm], nil
}

// Checksums returns digests for every configured algorithm, computed in a
// single pass over the file.
func (e *Engine) Checksums(ctx context.Context, path string) (map[string]string, error) {
	return e.hashWith(ctx, path, e.algorithms)
}

// HashFiles hashes paths concurrently. Each file is read by exactly one
// goroutine. The first failure cancels the remaining work.
func (e *Engine) HashFiles(ctx context.Context, paths []string, algorithm string) (map[string]string, error) {
	if !IsSupported(algorithm) {
		return nil, errors.Newf(errors.CodeInvalidInput, "unsupported hash algorithm %q", algorithm)
	}

	unique := make(map[string]struct{}, len(paths))
	digests := make([]string, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for i, p := range paths {
		if _, seen := unique[p]; seen {
			continue
		}
		unique[p] = struct{}{}

		g.Go(func() error {
			d, err := e.HashFile(gctx, p, algorithm)
			if err != nil {
				return err
			}
			digests[i] = d
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(unique))
	for i, p := range paths {
		if digests[i] != "" {
			out[p] = digests[i]
		}
	}
	return out, nil
}

// HashString returns the hex digest of s.
func HashString(algorithm, s string) (string, error) {
	ctor, ok := constructors[algorithm]
	if !ok {
		return "", errors.Newf(errors.CodeInvalidInput, "unsupported hash algorithm %q", algorithm)
	}
	h := ctor()
	_, _ = io.WriteString(h, s)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (e *Engine) hashWith(ctx context.Context, path string, algorithms []string) (map[string]string, error) {
	hashers := make(map[string]hash.Hash, len(algorithms))
	writers := make([]io.Writer, 0, len(algorithms))
	for _, alg := range algorithms {
		ctor, ok := constructors[alg]
		if !ok {
			return nil, errors.Newf(errors.CodeInvalidInput, "unsupported hash algorithm %q", alg)
		}
		h := ctor()
		hashers[alg] = h
		writers = append(writers, h)
	}

	f, err := e.fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WithContext(errors.Wrap(err, errors.CodeNotFound, "file not found"), "path", path)
		}
		return nil, errors.WithContext(errors.Wrap(err, errors.CodeIOFailure, "failed to open file"), "path", path)
	}
	defer f.Close()

	start := time.Now()
	n, err := copyChunks(ctx, io.MultiWriter(writers...), f)
	if err != nil {
		if ctxErr := errors.FromContext(err, "hashing interrupted"); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.WithContext(errors.Wrap(err, errors.CodeIOFailure, "failed to read file"), "path", path)
	}
	e.metrics.RecordHash(n, time.Since(start))

	sums := make(map[string]string, len(hashers))
	for alg, h := range hashers {
		sums[alg] = hex.EncodeToString(h.Sum(nil))
	}
	return sums, nil
}

// copyChunks copies src to dst in ChunkSize reads, checking ctx between
// chunks.
func copyChunks(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, ChunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
