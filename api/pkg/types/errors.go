package types

import (
	"errors"
	"fmt"
)

// ErrorKind buckets every error the core can surface. Handlers map kinds to
// transports; the core only ever reasons about kinds and codes.
type ErrorKind string

const (
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindResource   ErrorKind = "resource"
	ErrorKindPreemption ErrorKind = "preemption"
	ErrorKindAdapter    ErrorKind = "adapter"
	ErrorKindHealth     ErrorKind = "health"
	ErrorKindProbe      ErrorKind = "probe"
	ErrorKindTransport  ErrorKind = "transport"
)

// Error codes within a kind.
const (
	CodeInsufficientMemory     = "InsufficientMemory"
	CodeNoGpusVisible          = "NoGpusVisible"
	CodeGpuPinnedDeviceMissing = "GpuPinnedDeviceMissing"
	CodeRateLimited            = "RateLimited"
	CodeNoEligibleVictim       = "NoEligibleVictim"
	CodePriorityGapTooSmall    = "PriorityGapTooSmall"
	CodeStartTimeout           = "StartTimeout"
	CodeStartFailed            = "StartFailed"
	CodeStopFailed             = "StopFailed"
	CodeImagePullFailed        = "ImagePullFailed"
	CodeBinaryMissing          = "BinaryMissing"
	CodeContainerNameTaken     = "ContainerNameTaken"
	CodeProbeUnavailable       = "ProbeUnavailable"
	CodeInvalidState           = "InvalidState"
	CodeNotFound               = "NotFound"
	CodeDuplicateModel         = "DuplicateModel"
)

// Error is the single error type crossing package boundaries in the core.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func WrapError(kind ErrorKind, code string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func NewValidationError(format string, args ...any) *Error {
	return NewError(ErrorKindValidation, "Invalid", format, args...)
}

// IsKind reports whether err (or anything it wraps) is a core Error of the
// given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the code carried by err, or "" if it is not a core Error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
