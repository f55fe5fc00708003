// Package git reads build provenance from a Git repository.
//
// It wraps go-git to answer the two questions the lifecycle tooling asks of
// a checkout: which commit is HEAD (used as version build metadata) and
// which paths changed between two revisions (used to build source change
// sets for invalidation).
//
//	repo, err := git.Open(".")
//	if err != nil {
//	    return err
//	}
//	commit, err := repo.ShortCommit(ctx)
//
// Repositories can be opened on any billy.Filesystem, so tests run against
// memfs without touching disk.
package git
