package errors

import "fmt"

// New creates a new PlatformError with the given code and message.
// The error classification is determined by the error code using default mappings.
//
// Example:
//
//	err := errors.New(errors.CodeNotFound, "artifact not found")
func New(code ErrorCode, message string) PlatformError {
	return &platformError{
		code:           code,
		classification: getDefaultClassification(code),
		message:        message,
	}
}

// Newf creates a new PlatformError with a formatted message.
//
// Example:
//
//	err := errors.Newf(errors.CodeDuplicateID, "artifact %q already tracked", id)
func Newf(code ErrorCode, format string, args ...interface{}) PlatformError {
	return New(code, fmt.Sprintf(format, args...))
}

// Validation creates a CodeValidationFailed error carrying every reason.
// The reasons slice is copied.
//
// Example:
//
//	if !ok {
//	    return errors.Validation("rollback rejected", reasons)
//	}
func Validation(message string, reasons []string) PlatformError {
	return &platformError{
		code:           CodeValidationFailed,
		classification: getDefaultClassification(CodeValidationFailed),
		message:        message,
		reasons:        append([]string(nil), reasons...),
	}
}
