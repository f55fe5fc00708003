package git

import (
	stderrors "errors"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/sparesparrow/lifecycle/errors"
)

// wrapError classifies a go-git error and wraps it with message.
func wrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, classifyError(err), message)
}

// classifyError maps go-git errors to platform error codes.
func classifyError(err error) errors.ErrorCode {
	switch {
	case stderrors.Is(err, gogit.ErrRepositoryNotExists),
		stderrors.Is(err, plumbing.ErrReferenceNotFound),
		stderrors.Is(err, plumbing.ErrObjectNotFound):
		return errors.CodeNotFound
	case stderrors.Is(err, gogit.ErrRepositoryAlreadyExists):
		return errors.CodeDuplicateID
	case stderrors.Is(err, gogit.ErrMissingAuthor),
		stderrors.Is(err, gogit.ErrMissingName):
		return errors.CodeInvalidInput
	}
	if code := errors.GetCode(err); code != errors.CodeUnknown {
		return code
	}
	return errors.CodeIOFailure
}
