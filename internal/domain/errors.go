package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType classifies failures so callers can pick an exit code or decide on a retry.
type ErrorType string

const (
	ErrorTypeConfig           ErrorType = "CONFIG_ERROR"
	ErrorTypeConnection       ErrorType = "CONNECTION_ERROR"
	ErrorTypeAuthentication   ErrorType = "AUTHENTICATION_ERROR"
	ErrorTypeToolNotFound     ErrorType = "TOOL_NOT_FOUND"
	ErrorTypeDumpFailed       ErrorType = "DUMP_FAILED"
	ErrorTypeRestoreFailed    ErrorType = "RESTORE_FAILED"
	ErrorTypeCompression      ErrorType = "COMPRESSION_ERROR"
	ErrorTypeTransientStorage ErrorType = "TRANSIENT_STORAGE_ERROR"
	ErrorTypePermanentStorage ErrorType = "PERMANENT_STORAGE_ERROR"
	ErrorTypeNotFound         ErrorType = "NOT_FOUND"
	ErrorTypeConflict         ErrorType = "CONFLICT"
	ErrorTypeChecksumMismatch ErrorType = "CHECKSUM_MISMATCH"
)

// Error is the typed error raised by adapters, backends and orchestrators.
// Tool, ExitCode and Stderr are only set for subprocess failures.
type Error struct {
	Type     ErrorType
	Message  string
	Tool     string
	ExitCode int
	Stderr   string
	Cause    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Tool != "" {
		fmt.Fprintf(&b, " (%s exited with code %d)", e.Tool, e.ExitCode)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, " (caused by: %v)", e.Cause)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		b.WriteString(", output: ")
		b.WriteString(s)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same type, so sentinels like ErrNotFound work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type && t.Message == ""
}

var (
	ErrNotFound         = &Error{Type: ErrorTypeNotFound}
	ErrConflict         = &Error{Type: ErrorTypeConflict}
	ErrChecksumMismatch = &Error{Type: ErrorTypeChecksumMismatch}
	ErrTransientStorage = &Error{Type: ErrorTypeTransientStorage}
)

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause}
}

func ConfigError(format string, args ...any) *Error {
	return newError(ErrorTypeConfig, fmt.Sprintf(format, args...), nil)
}

func ConnectionError(message string, cause error) *Error {
	return newError(ErrorTypeConnection, message, cause)
}

func AuthenticationError(message string, cause error) *Error {
	return newError(ErrorTypeAuthentication, message, cause)
}

func ToolNotFoundError(tool string, cause error) *Error {
	return newError(ErrorTypeToolNotFound, fmt.Sprintf("%s not found; install the database client tools or set tools_dir", tool), cause)
}

func DumpFailedError(tool string, exitCode int, stderr string, cause error) *Error {
	return &Error{Type: ErrorTypeDumpFailed, Message: "dump failed", Tool: tool, ExitCode: exitCode, Stderr: stderr, Cause: cause}
}

func RestoreFailedError(tool string, exitCode int, stderr string, cause error) *Error {
	return &Error{Type: ErrorTypeRestoreFailed, Message: "restore failed", Tool: tool, ExitCode: exitCode, Stderr: stderr, Cause: cause}
}

func CompressionError(message string, cause error) *Error {
	return newError(ErrorTypeCompression, message, cause)
}

func TransientStorageError(message string, cause error) *Error {
	return newError(ErrorTypeTransientStorage, message, cause)
}

func PermanentStorageError(message string, cause error) *Error {
	return newError(ErrorTypePermanentStorage, message, cause)
}

func NotFoundError(format string, args ...any) *Error {
	return newError(ErrorTypeNotFound, fmt.Sprintf(format, args...), nil)
}

func ConflictError(format string, args ...any) *Error {
	return newError(ErrorTypeConflict, fmt.Sprintf(format, args...), nil)
}

func ChecksumMismatchError(id, want, got string) *Error {
	return newError(ErrorTypeChecksumMismatch, fmt.Sprintf("artifact %s: expected sha256 %s, got %s", id, want, got), nil)
}

// TypeOf returns the type of the outermost *Error in the chain, or "" when there is none.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}

func IsType(err error, t ErrorType) bool {
	return TypeOf(err) == t
}

// IsTransient reports whether a storage error may succeed on retry.
func IsTransient(err error) bool {
	return IsType(err, ErrorTypeTransientStorage)
}

// Exit codes returned by the CLI.
const (
	ExitOK           = 0
	ExitGeneral      = 1
	ExitConnectivity = 2
	ExitTool         = 3
	ExitStorage      = 4
	ExitChecksum     = 5
	ExitNotFound     = 6
	ExitCanceled     = 130
)

// ExitCode maps an error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, context.Canceled) {
		return ExitCanceled
	}
	switch TypeOf(err) {
	case ErrorTypeConnection, ErrorTypeAuthentication:
		return ExitConnectivity
	case ErrorTypeToolNotFound, ErrorTypeDumpFailed, ErrorTypeRestoreFailed, ErrorTypeCompression:
		return ExitTool
	case ErrorTypeTransientStorage, ErrorTypePermanentStorage, ErrorTypeConflict:
		return ExitStorage
	case ErrorTypeChecksumMismatch:
		return ExitChecksum
	case ErrorTypeNotFound:
		return ExitNotFound
	default:
		return ExitGeneral
	}
}
