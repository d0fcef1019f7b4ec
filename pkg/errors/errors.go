package errors

import (
	"errors"
	"fmt"
)

// New creates a new error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// ContextError annotates an error with the higher-level operation that
// failed. The original error is preserved and can be retrieved with
// RootCause.
type ContextError struct {
	Context string
	Err     error
}

func (err ContextError) Error() string {
	return fmt.Sprintf("%s: %s", err.Context, err.Err)
}

// Unwrap makes ContextError compatible with the standard errors package.
func (err ContextError) Unwrap() error {
	return err.Err
}

// WithContext wraps err with a short description of the operation that
// failed. It's meant to be called at each level of the call stack so that
// the final message reads like a path to the failure.
func WithContext(err error, context string) error {
	return ContextError{Context: context, Err: err}
}

// RootCause returns the innermost error in a chain of ContextErrors.
func RootCause(err error) error {
	for {
		ctxErr, ok := err.(ContextError)
		if !ok {
			return err
		}
		err = ctxErr.Err
	}
}

// FriendlyError is an error whose message is meant to be shown to users
// directly, without the "context: cause" chain.
type FriendlyError struct {
	Message string
}

func (err FriendlyError) Error() string {
	return err.Message
}

// FriendlyMessage returns the user-facing message.
func (err FriendlyError) FriendlyMessage() string {
	return err.Message
}

// NewFriendlyError creates an error that is printed to users as-is.
func NewFriendlyError(format string, args ...interface{}) error {
	return FriendlyError{Message: fmt.Sprintf(format, args...)}
}

type friendlier interface {
	FriendlyMessage() string
}

// GetPrintableMessage returns the message that should be shown to users
// for the given error. Friendly errors anywhere in the chain win; other
// errors are printed with their full context chain.
func GetPrintableMessage(err error) string {
	for curr := err; curr != nil; {
		if friendly, ok := curr.(friendlier); ok {
			return friendly.FriendlyMessage()
		}
		ctxErr, ok := curr.(ContextError)
		if !ok {
			break
		}
		curr = ctxErr.Err
	}
	return err.Error()
}
