package errors

// ErrorClassification indicates whether an error should trigger a retry.
type ErrorClassification string

const (
	// ClassificationRetryable indicates temporary failures that may succeed on retry.
	// Examples: collaborator timeouts, transient I/O failures.
	ClassificationRetryable ErrorClassification = "RETRYABLE"

	// ClassificationPermanent indicates failures that will not succeed on retry.
	// Examples: unknown artifact, duplicate id, failed rollback validation.
	ClassificationPermanent ErrorClassification = "PERMANENT"
)

// IsRetryable returns true if the classification indicates retry should be attempted.
func (c ErrorClassification) IsRetryable() bool {
	return c == ClassificationRetryable
}

// defaultClassifications maps error codes to their default classification.
var defaultClassifications = map[ErrorCode]ErrorClassification{
	CodeTimeout:   ClassificationRetryable,
	CodeIOFailure: ClassificationRetryable,

	CodeNotFound:         ClassificationPermanent,
	CodeDuplicateID:      ClassificationPermanent,
	CodeValidationFailed: ClassificationPermanent,
	CodeCanceled:         ClassificationPermanent,
	CodeInvalidInput:     ClassificationPermanent,
	CodeInvalidConfig:    ClassificationPermanent,
	CodeSchemaFailed:     ClassificationPermanent,
	CodeExecutionFailed:  ClassificationPermanent,
	CodeInternal:         ClassificationPermanent,
	CodeUnknown:          ClassificationPermanent,
}

// getDefaultClassification returns the default classification for an error code.
// Returns ClassificationPermanent if the code is not in the map.
func getDefaultClassification(code ErrorCode) ErrorClassification {
	if class, ok := defaultClassifications[code]; ok {
		return class
	}
	return ClassificationPermanent
}
