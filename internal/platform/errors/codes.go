package errors

import (
	"errors"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Submission rejection codes
	CodeUnauthenticated   Code = "UNAUTHENTICATED"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeStaleProof        Code = "STALE_PROOF"
	CodeInvalidSignature  Code = "INVALID_SIGNATURE"
	CodeReplayedProof     Code = "REPLAYED_PROOF"
	CodeImplausiblePoints Code = "IMPLAUSIBLE_POINTS"

	// Validation codes
	CodeProofInvalid      Code = "PROOF_INVALID"
	CodeActionTypeEmpty   Code = "ACTION_TYPE_EMPTY"
	CodeNonceEmpty        Code = "NONCE_EMPTY"
	CodePointsNegative    Code = "POINTS_NEGATIVE"
	CodeValidationTimeout Code = "VALIDATION_TIMEOUT"

	// Store codes
	CodeIdentityNotFound   Code = "IDENTITY_NOT_FOUND"
	CodeConcurrentConflict Code = "CONCURRENT_CONFLICT"

	// Post-commit infrastructure codes
	CodeDownstreamUnavailable Code = "DOWNSTREAM_UNAVAILABLE"
)

// HTTPStatus maps domain codes to HTTP response status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeStaleProof,
		CodeInvalidSignature,
		CodeReplayedProof,
		CodeImplausiblePoints:
		return http.StatusUnprocessableEntity
	case CodeProofInvalid,
		CodeActionTypeEmpty,
		CodeNonceEmpty,
		CodePointsNegative:
		return http.StatusBadRequest
	case CodeIdentityNotFound:
		return http.StatusNotFound
	case CodeConcurrentConflict:
		return http.StatusConflict
	case CodeValidationTimeout, CodeDownstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may retry the same request unchanged.
// A rejected signature or replayed nonce never becomes valid again.
func (c Code) Retryable() bool {
	switch c {
	case CodeRateLimited, CodeConcurrentConflict, CodeValidationTimeout, CodeDownstreamUnavailable:
		return true
	default:
		return false
	}
}

// GetCode extracts the error code from any error.
// Returns CodeUnknown if the error is not a domain error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode checks if the error has the specified code.
func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

// GetMetadata extracts metadata from an error if present.
// Returns nil if the error is not a domain error or has no metadata.
func GetMetadata(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Metadata
	}
	return nil
}
