package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error classification.
// It mirrors the gRPC status code space so adapters that front a gRPC-style
// API (our emulator included) can translate 1:1 without a lookup table.
type Code int

const (
	CodeUnknown Code = iota
	CodeInvalidArgument
	CodeDeadlineExceeded
	CodeNotFound
	CodeAlreadyExists
	CodePermissionDenied
	CodeResourceExhausted
	CodeFailedPrecondition
	CodeAborted
	CodeUnimplemented
	CodeInternal
	CodeUnavailable
)

// GRPCCode returns the numeric gRPC status code this Code corresponds to.
func (c Code) GRPCCode() int {
	switch c {
	case CodeInvalidArgument:
		return 3
	case CodeDeadlineExceeded:
		return 4
	case CodeNotFound:
		return 5
	case CodeAlreadyExists:
		return 6
	case CodePermissionDenied:
		return 7
	case CodeResourceExhausted:
		return 8
	case CodeFailedPrecondition:
		return 9
	case CodeAborted:
		return 10
	case CodeUnimplemented:
		return 12
	case CodeInternal:
		return 13
	case CodeUnavailable:
		return 14
	default:
		return 2 // UNKNOWN
	}
}

// HTTPStatus maps the code to the HTTP status a gateway would use.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidArgument, CodeFailedPrecondition:
		return 400
	case CodePermissionDenied:
		return 403
	case CodeNotFound:
		return 404
	case CodeAlreadyExists, CodeAborted:
		return 409
	case CodeResourceExhausted:
		return 429
	case CodeDeadlineExceeded:
		return 504
	case CodeUnimplemented:
		return 501
	case CodeUnavailable:
		return 503
	case CodeInternal, CodeUnknown:
		return 500
	default:
		return 500
	}
}

func (c Code) String() string {
	switch c {
	case CodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case CodeDeadlineExceeded:
		return "DEADLINE_EXCEEDED"
	case CodeNotFound:
		return "NOT_FOUND"
	case CodeAlreadyExists:
		return "ALREADY_EXISTS"
	case CodePermissionDenied:
		return "PERMISSION_DENIED"
	case CodeResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case CodeFailedPrecondition:
		return "FAILED_PRECONDITION"
	case CodeAborted:
		return "ABORTED"
	case CodeUnimplemented:
		return "UNIMPLEMENTED"
	case CodeInternal:
		return "INTERNAL"
	case CodeUnavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// AppError is the structured error type used across the module. It carries a
// stable Code in addition to a human message and an optional wrapped cause,
// so callers can branch on Code() without string-matching Error().
type AppError struct {
	Code    string
	Message string
	Err     error
}

// New builds an AppError from a string code. The string form is kept (rather
// than the Code enum) for free-form domain codes such as messaging's
// "MESSAGING_TOPIC_NOT_FOUND", while Classify lets callers recover the
// nearest Code for transport mapping.
func New(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// Wrap annotates err with a message, preserving its identity for Is/As.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf is Wrap with formatting.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Annotatef is an alias of Wrapf kept for call sites that read more
// naturally as "annotate this error with context".
func Annotatef(err error, format string, args ...interface{}) error {
	return Wrapf(err, format, args...)
}

// Errorf constructs a plain formatted error, matching fmt.Errorf semantics
// including %w verb support.
func Errorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

// Is and As re-export the standard library so call sites only need to
// import this package.
func Is(err, target error) bool { return errors.Is(err, target) }
func As(err error, target any) bool { return errors.As(err, target) }
func Join(errs ...error) error      { return errors.Join(errs...) }

// Sentinel-backed constructors for the codes used throughout the emulator.
// Each returns an *AppError whose Code matches the Code enum's String().

func InvalidArgument(message string) *AppError {
	return &AppError{Code: CodeInvalidArgument.String(), Message: message}
}

func NotFound(message string) *AppError {
	return &AppError{Code: CodeNotFound.String(), Message: message}
}

// NewNotFound is NotFound with an identifier folded into the message, for
// call sites that look up a resource by name.
func NewNotFound(resource, name string) *AppError {
	return &AppError{Code: CodeNotFound.String(), Message: fmt.Sprintf("%s %q not found", resource, name)}
}

func AlreadyExists(message string) *AppError {
	return &AppError{Code: CodeAlreadyExists.String(), Message: message}
}

func Conflict(message string) *AppError {
	return &AppError{Code: CodeAborted.String(), Message: message}
}

func Forbidden(message string) *AppError {
	return &AppError{Code: CodePermissionDenied.String(), Message: message}
}

func Unauthorizedf(format string, args ...interface{}) *AppError {
	return &AppError{Code: CodePermissionDenied.String(), Message: fmt.Sprintf(format, args...)}
}

func Internal(message string) *AppError {
	return &AppError{Code: CodeInternal.String(), Message: message}
}

func ResourceExhausted(message string) *AppError {
	return &AppError{Code: CodeResourceExhausted.String(), Message: message}
}

func FailedPrecondition(message string) *AppError {
	return &AppError{Code: CodeFailedPrecondition.String(), Message: message}
}

func DeadlineExceeded(message string) *AppError {
	return &AppError{Code: CodeDeadlineExceeded.String(), Message: message}
}

func Unavailable(message string) *AppError {
	return &AppError{Code: CodeUnavailable.String(), Message: message}
}

// IsNotFound reports whether err (or any error in its chain) is an AppError
// carrying the NOT_FOUND code.
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound.String()) }

// IsAlreadyExists reports whether err carries the ALREADY_EXISTS code.
func IsAlreadyExists(err error) bool { return hasCode(err, CodeAlreadyExists.String()) }

// IsUnauthorized reports whether err carries the PERMISSION_DENIED code.
func IsUnauthorized(err error) bool { return hasCode(err, CodePermissionDenied.String()) }

func hasCode(err error, code string) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

var codeByString = map[string]Code{
	CodeInvalidArgument.String():    CodeInvalidArgument,
	CodeDeadlineExceeded.String():   CodeDeadlineExceeded,
	CodeNotFound.String():           CodeNotFound,
	CodeAlreadyExists.String():      CodeAlreadyExists,
	CodePermissionDenied.String():   CodePermissionDenied,
	CodeResourceExhausted.String():  CodeResourceExhausted,
	CodeFailedPrecondition.String(): CodeFailedPrecondition,
	CodeAborted.String():            CodeAborted,
	CodeUnimplemented.String():      CodeUnimplemented,
	CodeInternal.String():           CodeInternal,
	CodeUnavailable.String():        CodeUnavailable,
}

// GRPCCodeOf recovers the numeric gRPC status code carried by an AppError,
// or 2 (UNKNOWN) if err is not an AppError or carries an unrecognized code.
func GRPCCodeOf(err error) int {
	var ae *AppError
	if errors.As(err, &ae) {
		if c, ok := codeByString[ae.Code]; ok {
			return c.GRPCCode()
		}
	}
	return 2
}
