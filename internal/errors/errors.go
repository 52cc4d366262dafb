// Package errors provides error codes and the sync failure taxonomy.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// ErrorCode represents a stable, machine-readable error code surfaced to clients.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncAuthFailed ErrorCode = "SYNC_AUTH_FAILED"
	ErrSyncNetwork    ErrorCode = "SYNC_NETWORK"
	ErrSyncServer     ErrorCode = "SYNC_SERVER"
	ErrSyncConflict   ErrorCode = "SYNC_CONFLICT"
	ErrSyncTimeout    ErrorCode = "SYNC_TIMEOUT"
	ErrPushIncomplete ErrorCode = "PUSH_INCOMPLETE"
	ErrPullFailed     ErrorCode = "PULL_FAILED"
	ErrDateParse      ErrorCode = "DATE_PARSE"

	// Offline queue errors
	ErrQueueFull      ErrorCode = "QUEUE_FULL"
	ErrQueueNoHandler ErrorCode = "QUEUE_NO_HANDLER"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if err, or anything it wraps, carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) && appErr.Code == code {
		return true
	}
	var syncErr *SyncError
	if stderrors.As(err, &syncErr) && syncErr.Code == code {
		return true
	}
	return false
}

// =====================================================
// Sync failure taxonomy
// =====================================================

// Kind classifies a sync failure by how it must be handled.
type Kind int

const (
	KindInternal Kind = iota
	KindNetwork
	KindAuth
	KindValidation
	KindServer
	KindConflict
	KindDateParse
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindServer:
		return "server"
	case KindConflict:
		return "conflict"
	case KindDateParse:
		return "date_parse"
	default:
		return "internal"
	}
}

// Retryable reports whether the same request may succeed on a later sync.
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindServer
}

// Surfaced reports whether a failure of this kind becomes a user-visible
// notification. Auth and validation failures are always user-meaningful;
// everything else is only reported when the user asked for the sync.
func (k Kind) Surfaced(silent bool) bool {
	switch k {
	case KindConflict, KindDateParse:
		return false
	case KindAuth, KindValidation:
		return true
	default:
		return !silent
	}
}

// Code returns the default error code for the kind.
func (k Kind) Code() ErrorCode {
	switch k {
	case KindNetwork:
		return ErrSyncNetwork
	case KindAuth:
		return ErrSyncAuthFailed
	case KindValidation:
		return ErrValidation
	case KindServer:
		return ErrSyncServer
	case KindConflict:
		return ErrSyncConflict
	case KindDateParse:
		return ErrDateParse
	default:
		return ErrSyncFailed
	}
}

// UserMessage is the text shown to the user for a surfaced failure.
func (k Kind) UserMessage() string {
	switch k {
	case KindNetwork:
		return "You appear to be offline. Changes will sync when the connection returns."
	case KindAuth:
		return "Authentication failed. Please sign in again."
	case KindValidation:
		return "Some changes were rejected by the server and need attention."
	case KindServer:
		return "The server had a problem. Please try again later."
	default:
		return "Sync failed."
	}
}

// severity orders kinds when several failures must be summarised as one.
func (k Kind) severity() int {
	switch k {
	case KindAuth:
		return 4
	case KindServer:
		return 3
	case KindNetwork:
		return 2
	case KindValidation:
		return 1
	default:
		return 0
	}
}

// MoreSevere returns whichever of a and b should represent a mixed outcome.
func MoreSevere(a, b Kind) Kind {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

// SyncError is the typed outcome returned by the sync pipelines.
type SyncError struct {
	Kind    Kind
	Code    ErrorCode
	Op      string // push, pull, sync, queue
	Message string
	Err     error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String() + " error"
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying error.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewSync creates a SyncError of the given kind.
func NewSync(kind Kind, op, message string) *SyncError {
	return &SyncError{Kind: kind, Code: kind.Code(), Op: op, Message: message}
}

// WrapSync classifies err and wraps it as a SyncError. An err that already
// is a SyncError keeps its kind and code.
func WrapSync(op, message string, err error) *SyncError {
	var existing *SyncError
	if stderrors.As(err, &existing) {
		return &SyncError{Kind: existing.Kind, Code: existing.Code, Op: op, Message: message, Err: err}
	}
	kind := Classify(err)
	return &SyncError{Kind: kind, Code: kind.Code(), Op: op, Message: message, Err: err}
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// KindForStatus maps an HTTP response status onto the taxonomy.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return KindServer
	case status >= 400 && status < 500:
		return KindValidation
	case status >= 500:
		return KindServer
	default:
		return KindInternal
	}
}

// Classify maps any error onto the taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return KindInternal
	}

	var syncErr *SyncError
	if stderrors.As(err, &syncErr) {
		return syncErr.Kind
	}

	var sc StatusCoder
	if stderrors.As(err, &sc) {
		return KindForStatus(sc.HTTPStatus())
	}

	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return KindNetwork
	}
	if stderrors.Is(err, syscall.ECONNRESET) || stderrors.Is(err, syscall.ECONNREFUSED) {
		return KindNetwork
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return KindNetwork
	}
	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		return KindNetwork
	}

	return KindInternal
}
