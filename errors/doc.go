// Package errors provides the structured error taxonomy used across the
// artifact lifecycle subsystem.
//
// Every error carries an ErrorCode, a classification (retryable or
// permanent) and optional context metadata. Validation failures
// additionally carry the full list of reasons so callers see every failed
// precondition, not just the first one. The package stays compatible with
// the standard library (errors.Is, errors.As, errors.Unwrap).
//
// # Error Codes
//
//   - CodeNotFound: an artifact, version or file does not exist
//   - CodeDuplicateID: Track was called twice for the same artifact id
//   - CodeIOFailure: hashing or persistence I/O failed
//   - CodeValidationFailed: rollback preconditions are unmet (see Reasons)
//   - CodeTimeout: an external collaborator exceeded its deadline
//
// Supporting codes cover malformed input, configuration and schema
// problems, failed subprocesses and internal faults.
//
// # Usage
//
//	data, err := fs.ReadFile(path)
//	if err != nil {
//	    return errors.Wrap(err, errors.CodeIOFailure, "failed to read registry")
//	}
//
//	if !safe {
//	    return errors.Validation("rollback rejected", reasons)
//	}
//
// Non-critical call sites (best-effort storage cleanup) inspect IsRetryable
// or GetCode and log; critical call sites return the error unchanged.
package errors
