package errors

import (
	"fmt"
	"time"
)

// RemoteUnavailable represents a connectivity failure talking to the RomM
// server. It's retryable, and is surfaced as a non-fatal connectivity
// status rather than aborting the sync engine.
type RemoteUnavailable struct {
	Cause error
}

func (err RemoteUnavailable) Error() string {
	return fmt.Sprintf("romm server unavailable: %s", err.Cause)
}

func (err RemoteUnavailable) Unwrap() error {
	return err.Cause
}

// AuthFailed represents rejected credentials. It's never retried since
// retrying can't succeed until the user reconfigures.
type AuthFailed struct {
	Server string
}

func (err AuthFailed) Error() string {
	return fmt.Sprintf("authentication failed for %s", err.Server)
}

// RemoteProtocolError represents an unexpected payload shape from the
// server. The affected operation is aborted and logged, not retried.
type RemoteProtocolError struct {
	Endpoint string
	Cause    error
}

func (err RemoteProtocolError) Error() string {
	return fmt.Sprintf("unexpected response from %s: %s", err.Endpoint, err.Cause)
}

func (err RemoteProtocolError) Unwrap() error {
	return err.Cause
}

// TransferFailed represents a file transfer that failed after its last
// allowed attempt.
type TransferFailed struct {
	Name     string
	Attempts int
	Cause    error
}

func (err TransferFailed) Error() string {
	return fmt.Sprintf("transfer of %q failed after %d attempts: %s",
		err.Name, err.Attempts, err.Cause)
}

func (err TransferFailed) Unwrap() error {
	return err.Cause
}

// FilesystemError represents a missing or unwritable local directory.
// It's surfaced as a configuration error rather than retried.
type FilesystemError struct {
	Path  string
	Cause error
}

func (err FilesystemError) Error() string {
	return fmt.Sprintf("filesystem error at %q: %s", err.Path, err.Cause)
}

func (err FilesystemError) Unwrap() error {
	return err.Cause
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// MissingFieldError represents a missing required configuration field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FriendlyMessage returns the user-facing message.
func (err MissingFieldError) FriendlyMessage() string {
	return fmt.Sprintf("%s is required.", err.Field)
}

// ErrDaemonNotRunning is returned by CLI commands that need a running
// sync daemon to answer.
var ErrDaemonNotRunning = New("the sync daemon isn't running. Start it with `rommsync daemon`")

// RetryAfter reports whether err is worth retrying, and if so after what
// delay for the given attempt (1-based). Exponential backoff, capped.
func RetryAfter(err error, attempt int, base, max time.Duration) (time.Duration, bool) {
	switch RootCause(err).(type) {
	case AuthFailed, RemoteProtocolError, FilesystemError:
		return 0, false
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max, true
		}
	}
	if delay > max {
		delay = max
	}
	return delay, true
}
