package membus

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeValidation         Code = "validation_error"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeWriteTimeout       Code = "write_timeout"
	CodeBackpressure       Code = "backpressure"
	CodeReadTimeout        Code = "read_timeout"
	CodeDesyncDetected     Code = "desync_detected"
	CodeAdapterUnavailable Code = "adapter_unavailable"
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its code.
var (
	ErrValidation         = errors.New("membus: validation error")
	ErrNotFound           = errors.New("membus: not found")
	ErrConflict           = errors.New("membus: conflict")
	ErrWriteTimeout       = errors.New("membus: write timeout")
	ErrBackpressure       = errors.New("membus: backpressure")
	ErrReadTimeout        = errors.New("membus: read timeout")
	ErrDesync             = errors.New("membus: desync detected")
	ErrAdapterUnavailable = errors.New("membus: adapter unavailable")
)

var sentinels = map[Code]error{
	CodeValidation:         ErrValidation,
	CodeNotFound:           ErrNotFound,
	CodeConflict:           ErrConflict,
	CodeWriteTimeout:       ErrWriteTimeout,
	CodeBackpressure:       ErrBackpressure,
	CodeReadTimeout:        ErrReadTimeout,
	CodeDesyncDetected:     ErrDesync,
	CodeAdapterUnavailable: ErrAdapterUnavailable,
}

// Error is the error shape returned to callers: a stable code, a readable
// message and, for validation failures, per-field detail. The underlying
// cause is kept for errors.Is/As but never serialized.
type Error struct {
	Code    Code              `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(parts, "; "))
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := sentinels[e.Code]; ok {
		errs = append(errs, s)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

func newError(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// fieldErrors accumulates validation problems by field; the first message
// per field wins.
type fieldErrors map[string]string

func (f fieldErrors) add(field, msg string) {
	if _, ok := f[field]; !ok {
		f[field] = msg
	}
}

func (f fieldErrors) err() error {
	if len(f) == 0 {
		return nil
	}
	return &Error{Code: CodeValidation, Message: "invalid request", Fields: f}
}

// CodeOf returns the code of err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// AsError converts any error into an *Error. Unknown errors become
// adapter_unavailable without exposing their text beyond the message.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(CodeAdapterUnavailable, err, "%v", err)
}
