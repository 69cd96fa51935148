package artifact

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes errors raised by the persistence core.
type ErrorCode string

const (
	// ErrCodeDuplicateKey indicates an Add for a key that is already registered.
	ErrCodeDuplicateKey ErrorCode = "DUPLICATE_KEY"

	// ErrCodeNotFound indicates a lookup or removal of an unknown key.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeSerialization indicates an entity could not be serialized or
	// deserialized.
	ErrCodeSerialization ErrorCode = "SERIALIZATION_FAILURE"

	// ErrCodeInvalidStateTransition indicates an operation was requested in
	// an engine status that does not allow it.
	ErrCodeInvalidStateTransition ErrorCode = "INVALID_STATE_TRANSITION"

	// ErrCodeRegexInvalid indicates a mitigation rule carries a pattern that
	// does not compile.
	ErrCodeRegexInvalid ErrorCode = "REGEX_INVALID"

	// ErrCodeInvalidConfig indicates a configuration value failed validation.
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// ErrCodeMitigationFailure indicates a recovery mitigation failed or was
	// rejected.
	ErrCodeMitigationFailure ErrorCode = "MITIGATION_FAILURE"

	// ErrCodeLogGCFailure indicates transaction log garbage collection failed.
	ErrCodeLogGCFailure ErrorCode = "LOG_GC_FAILURE"

	// ErrCodeLostVersionReference indicates log GC expected a version that
	// was already gone.
	ErrCodeLostVersionReference ErrorCode = "LOST_VERSION_REFERENCE"
)

// Error is a structured error carrying a code plus the entity it concerns.
type Error struct {
	Code    ErrorCode
	Message string

	// Kind and URI identify the affected entity, when there is one.
	Kind Kind
	URI  string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.URI != "" {
		msg = fmt.Sprintf("%s (%s %s)", msg, e.Kind, e.URI)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so callers can compare against
// the code sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code && t.URI == "" && t.Message == ""
	}
	return false
}

// Code sentinels for errors.Is.
var (
	ErrDuplicateKey           = &Error{Code: ErrCodeDuplicateKey}
	ErrNotFound               = &Error{Code: ErrCodeNotFound}
	ErrSerialization          = &Error{Code: ErrCodeSerialization}
	ErrInvalidStateTransition = &Error{Code: ErrCodeInvalidStateTransition}
	ErrRegexInvalid           = &Error{Code: ErrCodeRegexInvalid}
	ErrInvalidConfig          = &Error{Code: ErrCodeInvalidConfig}
	ErrMitigationFailure      = &Error{Code: ErrCodeMitigationFailure}
	ErrLogGCFailure           = &Error{Code: ErrCodeLogGCFailure}
	ErrLostVersionReference   = &Error{Code: ErrCodeLostVersionReference}
)

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsDuplicateKey reports whether err is a DuplicateKey error.
func IsDuplicateKey(err error) bool { return CodeOf(err) == ErrCodeDuplicateKey }

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return CodeOf(err) == ErrCodeNotFound }

// IsInvalidStateTransition reports whether err is an InvalidStateTransition error.
func IsInvalidStateTransition(err error) bool {
	return CodeOf(err) == ErrCodeInvalidStateTransition
}

// NewDuplicateKeyError creates an Error for an Add over an existing key.
func NewDuplicateKeyError(kind Kind, uri string) *Error {
	return &Error{
		Code:    ErrCodeDuplicateKey,
		Message: "artifact already registered",
		Kind:    kind,
		URI:     uri,
	}
}

// NewNotFoundError creates an Error for an unknown key.
func NewNotFoundError(kind Kind, uri string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: "artifact not registered",
		Kind:    kind,
		URI:     uri,
	}
}

// NewSerializationError wraps a serialization failure for one entity.
func NewSerializationError(kind Kind, uri string, err error) *Error {
	return &Error{
		Code:    ErrCodeSerialization,
		Message: "serialization failed",
		Kind:    kind,
		URI:     uri,
		Err:     err,
	}
}

// NewInvalidStateTransitionError reports an operation requested from a
// status that does not allow it.
func NewInvalidStateTransitionError(op, from string) *Error {
	return &Error{
		Code:    ErrCodeInvalidStateTransition,
		Message: fmt.Sprintf("%s not allowed while %s", op, from),
	}
}

// NewRegexInvalidError reports a mitigation pattern that does not compile.
func NewRegexInvalidError(pattern string, err error) *Error {
	return &Error{
		Code:    ErrCodeRegexInvalid,
		Message: fmt.Sprintf("invalid pattern %q", pattern),
		Err:     err,
	}
}

// NewMitigationFailureError reports a mitigation that could not be applied.
func NewMitigationFailureError(kind Kind, uri, strategy string, err error) *Error {
	return &Error{
		Code:    ErrCodeMitigationFailure,
		Message: fmt.Sprintf("mitigation %s failed", strategy),
		Kind:    kind,
		URI:     uri,
		Err:     err,
	}
}
