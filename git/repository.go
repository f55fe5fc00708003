package git

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"

	"github.com/sparesparrow/lifecycle/errors"
)

// ShortLength is the number of hex digits in a short commit hash.
const ShortLength = 8

// Repository wraps a go-git repository.
type Repository struct {
	path string
	repo *gogit.Repository
	fs   billy.Filesystem
}

// Commit is a summary of one commit.
type Commit struct {
	Hash      string
	Author    string
	Email     string
	Message   string
	Timestamp time.Time
}

// Short returns the abbreviated hash.
func (c Commit) Short() string {
	if len(c.Hash) > ShortLength {
		return c.Hash[:ShortLength]
	}
	return c.Hash
}

type repositoryOptions struct {
	fs billy.Filesystem
}

// RepositoryOption configures Init and Open.
type RepositoryOption func(*repositoryOptions)

// WithFilesystem opens the repository on fs instead of the local disk.
func WithFilesystem(fs billy.Filesystem) RepositoryOption {
	return func(o *repositoryOptions) { o.fs = fs }
}

func applyOptions(opts []RepositoryOption) *repositoryOptions {
	options := &repositoryOptions{fs: osfs.New("/", osfs.WithBoundOS())}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// Init creates a repository with a worktree at path.
func Init(path string, opts ...RepositoryOption) (*Repository, error) {
	options := applyOptions(opts)

	if err := options.fs.MkdirAll(path, 0o755); err != nil {
		return nil, wrapError(err, "failed to create repository directory")
	}
	scoped, err := options.fs.Chroot(path)
	if err != nil {
		return nil, wrapError(err, "failed to scope filesystem to path")
	}
	dotGit, err := scoped.Chroot(gogit.GitDirName)
	if err != nil {
		return nil, wrapError(err, "failed to create .git filesystem")
	}

	repo, err := gogit.Init(filesystem.NewStorage(dotGit, cache.NewObjectLRUDefault()), scoped)
	if err != nil {
		return nil, wrapError(err, "failed to initialize repository")
	}
	return &Repository{path: path, repo: repo, fs: scoped}, nil
}

// Open opens the repository whose worktree root is path.
func Open(path string, opts ...RepositoryOption) (*Repository, error) {
	options := applyOptions(opts)

	scoped, err := options.fs.Chroot(path)
	if err != nil {
		return nil, wrapError(err, "failed to scope filesystem to path")
	}
	if _, err := scoped.Stat(gogit.GitDirName); err != nil {
		return nil, errors.WithContext(
			errors.Newf(errors.CodeNotFound, "no git repository at %s", path),
			"path", path,
		)
	}
	dotGit, err := scoped.Chroot(gogit.GitDirName)
	if err != nil {
		return nil, wrapError(err, "failed to scope filesystem to .git")
	}

	repo, err := gogit.Open(filesystem.NewStorage(dotGit, cache.NewObjectLRUDefault()), scoped)
	if err != nil {
		return nil, wrapError(err, "failed to open repository")
	}
	return &Repository{path: path, repo: repo, fs: scoped}, nil
}

// Discover opens the repository containing dir, searching parent
// directories on the local disk.
func Discover(dir string) (*Repository, error) {
	repo, err := gogit.PlainOpenWithOptions(dir, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, errors.WithContext(wrapError(err, "failed to open repository"), "path", dir)
	}
	var fs billy.Filesystem
	if wt, err := repo.Worktree(); err == nil {
		fs = wt.Filesystem
	}
	return &Repository{path: dir, repo: repo, fs: fs}, nil
}

// Underlying returns the go-git repository.
func (r *Repository) Underlying() *gogit.Repository {
	return r.repo
}

// Filesystem returns the worktree filesystem.
func (r *Repository) Filesystem() billy.Filesystem {
	return r.fs
}

func (r *Repository) resolve(rev string) (*object.Commit, error) {
	hash, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, errors.WithContext(wrapError(err, "failed to resolve revision"), "revision", rev)
	}
	c, err := r.repo.CommitObject(*hash)
	if err != nil {
		return nil, errors.WithContext(wrapError(err, "failed to read commit"), "revision", rev)
	}
	return c, nil
}

// Head returns the commit HEAD points at.
func (r *Repository) Head(ctx context.Context) (Commit, error) {
	if err := ctx.Err(); err != nil {
		return Commit{}, errors.FromContext(err, "head lookup canceled")
	}
	c, err := r.resolve(string(plumbing.HEAD))
	if err != nil {
		return Commit{}, err
	}
	return Commit{
		Hash:      c.Hash.String(),
		Author:    c.Author.Name,
		Email:     c.Author.Email,
		Message:   strings.TrimSpace(c.Message),
		Timestamp: c.Author.When,
	}, nil
}

// ShortCommit returns the abbreviated HEAD hash.
func (r *Repository) ShortCommit(ctx context.Context) (string, error) {
	c, err := r.Head(ctx)
	if err != nil {
		return "", err
	}
	return c.Short(), nil
}

// ChangedPaths lists the paths added, modified or deleted between the
// revisions from and to, sorted.
func (r *Repository) ChangedPaths(ctx context.Context, from, to string) ([]string, error) {
	if to == "" {
		to = string(plumbing.HEAD)
	}
	fromCommit, err := r.resolve(from)
	if err != nil {
		return nil, err
	}
	toCommit, err := r.resolve(to)
	if err != nil {
		return nil, err
	}

	fromTree, err := fromCommit.Tree()
	if err != nil {
		return nil, wrapError(err, "failed to read tree")
	}
	toTree, err := toCommit.Tree()
	if err != nil {
		return nil, wrapError(err, "failed to read tree")
	}

	changes, err := object.DiffTreeWithOptions(ctx, fromTree, toTree, object.DefaultDiffTreeOptions)
	if err != nil {
		if cerr := errors.FromContext(ctx.Err(), "diff canceled"); cerr != nil {
			return nil, cerr
		}
		return nil, wrapError(err, "failed to diff trees")
	}

	seen := make(map[string]struct{})
	for _, ch := range changes {
		for _, name := range []string{ch.From.Name, ch.To.Name} {
			if name != "" {
				seen[name] = struct{}{}
			}
		}
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}
