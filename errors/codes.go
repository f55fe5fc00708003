package errors

// ErrorCode represents a specific error condition.
// Error codes are string-based for debuggability and natural JSON serialization.
type ErrorCode string

const (
	// CodeNotFound indicates a requested artifact, version or file does not exist.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeDuplicateID indicates an artifact with the same id is already tracked.
	CodeDuplicateID ErrorCode = "DUPLICATE_ID"

	// CodeIOFailure indicates a filesystem or persistence operation failed.
	CodeIOFailure ErrorCode = "IO_FAILURE"

	// CodeValidationFailed indicates preconditions for an operation are unmet.
	// Errors with this code carry the complete list of reasons.
	CodeValidationFailed ErrorCode = "VALIDATION_FAILED"

	// CodeTimeout indicates an external collaborator exceeded its deadline.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeCanceled indicates the caller canceled the operation.
	CodeCanceled ErrorCode = "CANCELED"

	// CodeInvalidInput indicates the provided input is invalid or malformed.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeInvalidConfig indicates a configuration error prevents the operation.
	CodeInvalidConfig ErrorCode = "INVALID_CONFIGURATION"

	// CodeSchemaFailed indicates persisted or configured data failed schema validation.
	CodeSchemaFailed ErrorCode = "SCHEMA_VALIDATION_FAILED"

	// CodeExecutionFailed indicates an external command failed.
	CodeExecutionFailed ErrorCode = "EXECUTION_FAILED"

	// CodeInternal indicates an internal invariant was violated.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeUnknown indicates an unknown or unclassified error occurred.
	CodeUnknown ErrorCode = "UNKNOWN"
)
