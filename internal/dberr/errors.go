// Package dberr defines the coded errors returned by snapdb.
//
// Every error carries a Code so callers can branch on the category without
// string matching. Errors are created with a stack trace attached (via
// github.com/pkg/errors) and survive wrapping with fmt.Errorf("%w").
//
// Categories:
//   - Programming errors (WrongThread, ClosedHandle, NestedTransaction,
//     NotInTransaction, AlreadyClosed) surface immediately and must not be retried.
//   - Recoverable conditions (DuplicateKey, VersionUnavailable, FileInUse)
//     can be retried after the caller fixes the cause.
//   - Configuration faults (IncompatibleConfiguration, Encryption) are fatal
//     at open time.
//   - Storage faults wrap an error from the durable engine.
package dberr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code identifies the error category.
type Code string

const (
	// CodeWrongThread indicates a transaction or handle used off its owner goroutine.
	CodeWrongThread Code = "WRONG_THREAD"

	// CodeClosedHandle indicates access after close or invalidation.
	CodeClosedHandle Code = "CLOSED_HANDLE"

	// CodeDuplicateKey indicates a primary-key collision on insert.
	CodeDuplicateKey Code = "DUPLICATE_KEY"

	// CodeIncompatibleConfiguration indicates conflicting settings for one path.
	CodeIncompatibleConfiguration Code = "INCOMPATIBLE_CONFIGURATION"

	// CodeVersionUnavailable indicates the requested snapshot cannot be pinned.
	CodeVersionUnavailable Code = "VERSION_UNAVAILABLE"

	// CodeFileInUse indicates compact or delete while a handle is open.
	CodeFileInUse Code = "FILE_IN_USE"

	// CodeAlreadyClosed indicates a reference released below zero.
	CodeAlreadyClosed Code = "ALREADY_CLOSED"

	// CodeNestedTransaction indicates a promote while already writing.
	CodeNestedTransaction Code = "NESTED_TRANSACTION"

	// CodeNotInTransaction indicates a mutation outside a write transaction.
	CodeNotInTransaction Code = "NOT_IN_TRANSACTION"

	// CodeFieldNotFound indicates an unknown column.
	CodeFieldNotFound Code = "FIELD_NOT_FOUND"

	// CodeTypeMismatch indicates a column accessed with the wrong type.
	CodeTypeMismatch Code = "TYPE_MISMATCH"

	// CodeTableNotFound indicates an unknown table.
	CodeTableNotFound Code = "TABLE_NOT_FOUND"

	// CodeTableExists indicates a create or rename onto an existing table.
	CodeTableExists Code = "TABLE_EXISTS"

	// CodeNoLooper indicates a listener or async query on a session that has
	// no message queue to deliver through.
	CodeNoLooper Code = "NO_LOOPER"

	// CodeEncryption indicates a wrong or missing encryption key.
	CodeEncryption Code = "ENCRYPTION"

	// CodeStorage indicates a failure in the durable engine.
	CodeStorage Code = "STORAGE"
)

// Error is the concrete error type behind every Code.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Path is the store path involved, if any.
	Path string

	// Value carries the offending value (the duplicate key, the version, ...).
	Value any

	// Err is the underlying cause for storage faults.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Path != "" {
		msg += fmt.Sprintf(" (path=%s)", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error with a stack trace.
func New(code Code, format string, args ...any) error {
	return errors.WithStack(&Error{Code: code, Message: fmt.Sprintf(format, args...)})
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// ValueOf returns the Value attached to the first *Error in err's chain.
func ValueOf(err error) any {
	var e *Error
	if errors.As(err, &e) {
		return e.Value
	}
	return nil
}

func IsWrongThread(err error) bool        { return Is(err, CodeWrongThread) }
func IsClosedHandle(err error) bool       { return Is(err, CodeClosedHandle) }
func IsDuplicateKey(err error) bool       { return Is(err, CodeDuplicateKey) }
func IsVersionUnavailable(err error) bool { return Is(err, CodeVersionUnavailable) }
func IsFileInUse(err error) bool          { return Is(err, CodeFileInUse) }
func IsAlreadyClosed(err error) bool      { return Is(err, CodeAlreadyClosed) }
func IsNestedTransaction(err error) bool  { return Is(err, CodeNestedTransaction) }
func IsNotInTransaction(err error) bool   { return Is(err, CodeNotInTransaction) }
func IsFieldNotFound(err error) bool      { return Is(err, CodeFieldNotFound) }
func IsTypeMismatch(err error) bool       { return Is(err, CodeTypeMismatch) }
func IsTableNotFound(err error) bool      { return Is(err, CodeTableNotFound) }
func IsTableExists(err error) bool        { return Is(err, CodeTableExists) }
func IsNoLooper(err error) bool           { return Is(err, CodeNoLooper) }
func IsEncryption(err error) bool         { return Is(err, CodeEncryption) }
func IsStorage(err error) bool            { return Is(err, CodeStorage) }

// IsIncompatibleConfiguration reports whether err is a configuration conflict.
func IsIncompatibleConfiguration(err error) bool {
	return Is(err, CodeIncompatibleConfiguration)
}

// WrongThread reports a cross-goroutine access to op.
func WrongThread(op string) error {
	return New(CodeWrongThread, "%s called from a goroutine that does not own the transaction", op)
}

// ClosedHandle reports access to a closed or invalidated handle.
func ClosedHandle(format string, args ...any) error {
	return New(CodeClosedHandle, format, args...)
}

// NoLongerManaged reports access to a row whose backing row was deleted.
func NoLongerManaged(table string) error {
	return errors.WithStack(&Error{
		Code:    CodeClosedHandle,
		Message: "object is no longer managed: row in " + table + " was deleted",
	})
}

// DuplicateKey reports a primary-key collision carrying the offending value.
func DuplicateKey(table, column string, value any) error {
	return errors.WithStack(&Error{
		Code:    CodeDuplicateKey,
		Message: fmt.Sprintf("primary key %s.%s already holds value %v", table, column, value),
		Value:   value,
	})
}

// Incompatible reports a configuration conflict for path.
func Incompatible(path, format string, args ...any) error {
	return errors.WithStack(&Error{
		Code:    CodeIncompatibleConfiguration,
		Message: fmt.Sprintf(format, args...),
		Path:    path,
	})
}

// VersionUnavailable reports that version seq cannot be pinned.
func VersionUnavailable(seq uint64, reason string) error {
	return errors.WithStack(&Error{
		Code:    CodeVersionUnavailable,
		Message: fmt.Sprintf("version %d %s", seq, reason),
		Value:   seq,
	})
}

// FileInUse reports compact or delete against an open path.
func FileInUse(path, op string, refs int) error {
	return errors.WithStack(&Error{
		Code:    CodeFileInUse,
		Message: fmt.Sprintf("cannot %s while %d handle(s) are open", op, refs),
		Path:    path,
	})
}

// AlreadyClosed reports a release below zero.
func AlreadyClosed(path string) error {
	return errors.WithStack(&Error{
		Code:    CodeAlreadyClosed,
		Message: "store reference released more times than acquired",
		Path:    path,
	})
}

// Storage wraps a durable-engine failure during op.
func Storage(path, op string, err error) error {
	return errors.WithStack(&Error{
		Code:    CodeStorage,
		Message: op,
		Path:    path,
		Err:     err,
	})
}

// Encryption reports a key problem for path.
func Encryption(path, message string) error {
	return errors.WithStack(&Error{
		Code:    CodeEncryption,
		Message: message,
		Path:    path,
	})
}
