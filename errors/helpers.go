package errors

import (
	"context"
	stderrors "errors"
)

// Is reports whether any error in err's chain matches target.
// This is a convenience wrapper around the standard library errors.Is.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience wrapper around the standard library errors.As.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// GetCode extracts the ErrorCode from the outermost PlatformError in err's chain.
// Returns CodeUnknown if the error is nil or not a PlatformError.
//
// Example:
//
//	if errors.GetCode(err) == errors.CodeNotFound {
//	    // Handle not found
//	}
func GetCode(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	var platformErr PlatformError
	if stderrors.As(err, &platformErr) {
		return platformErr.Code()
	}

	return CodeUnknown
}

// HasCode reports whether any PlatformError in err's chain carries code.
// Unlike GetCode it looks past outer wrappers, so a timeout wrapped as an
// I/O failure still reports CodeTimeout.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if pe, ok := err.(PlatformError); ok && pe.Code() == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// GetClassification extracts the ErrorClassification from an error.
// Returns ClassificationPermanent if the error is nil or not a PlatformError.
func GetClassification(err error) ErrorClassification {
	if err == nil {
		return ClassificationPermanent
	}

	var platformErr PlatformError
	if stderrors.As(err, &platformErr) {
		return platformErr.Classification()
	}

	return ClassificationPermanent
}

// IsRetryable returns true if the error is classified as retryable.
// Returns false if the error is nil or not a PlatformError.
func IsRetryable(err error) bool {
	return GetClassification(err).IsRetryable()
}

// Reasons returns the validation reasons attached to the first
// CodeValidationFailed error in err's chain.
func Reasons(err error) []string {
	for err != nil {
		if pe, ok := err.(PlatformError); ok && pe.Code() == CodeValidationFailed {
			return pe.Reasons()
		}
		err = stderrors.Unwrap(err)
	}
	return nil
}

// FromContext classifies a context error. Deadline expiry becomes CodeTimeout
// and cancellation becomes CodeCanceled. Any other error, including nil,
// returns nil so callers can fall through to their own classification.
//
// Example:
//
//	if cerr := errors.FromContext(err, "storage delete timed out"); cerr != nil {
//	    return cerr
//	}
func FromContext(err error, message string) PlatformError {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, context.DeadlineExceeded):
		return Wrap(err, CodeTimeout, message)
	case stderrors.Is(err, context.Canceled):
		return Wrap(err, CodeCanceled, message)
	default:
		return nil
	}
}
