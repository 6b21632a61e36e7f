package scenario

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinels for errors.Is matching against the typed errors below.
var (
	ErrConfig            = errors.New("config error")
	ErrOwnershipConflict = errors.New("ownership conflict")
	ErrReuseViolation    = errors.New("reuse violation")
	ErrRemoteBuildFailed = errors.New("remote build failed")
	ErrDriverUnsupported = errors.New("driver unsupported")
)

// ConfigError reports an invalid or missing path, or an invalid combination of settings.
type ConfigError struct {
	Field   string
	Path    string
	Message string
}

func (e *ConfigError) Error() string {
	switch {
	case e.Path != "":
		return fmt.Sprintf("config error in %s: %s: %s", e.Field, e.Path, e.Message)
	case e.Field != "":
		return fmt.Sprintf("config error in %s: %s", e.Field, e.Message)
	default:
		return "config error: " + e.Message
	}
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// OwnershipConflictError reports a database that was built by a different project.
// Such a database is never reused and never dropped.
type OwnershipConflictError struct {
	Database     string
	OwnerProject string
	Project      string
}

func (e *OwnershipConflictError) Error() string {
	return fmt.Sprintf("database %q belongs to project %q, not %q: refusing to reuse or replace it",
		e.Database, e.OwnerProject, e.Project)
}

func (e *OwnershipConflictError) Is(target error) bool { return target == ErrOwnershipConflict }

// ReuseViolationError reports that a test committed the transaction that was
// meant to wrap and discard its changes.
type ReuseViolationError struct {
	TestName string
	Database string
}

func (e *ReuseViolationError) Error() string {
	name := e.TestName
	if name == "" {
		name = "current"
	}
	return fmt.Sprintf("the %s test committed the transaction wrapper on database %q", name, e.Database)
}

func (e *ReuseViolationError) Is(target error) bool { return target == ErrReuseViolation }

// RemoteBuildFailedError wraps a transport or remote-execution failure.
// StatusCode is zero when no HTTP response was received.
type RemoteBuildFailedError struct {
	URL        string
	StatusCode int
	Message    string
	Err        error
}

func (e *RemoteBuildFailedError) Error() string {
	msg := fmt.Sprintf("remote database build failed (%s)", e.URL)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *RemoteBuildFailedError) Unwrap() error { return e.Err }

func (e *RemoteBuildFailedError) Is(target error) bool { return target == ErrRemoteBuildFailed }

// DriverUnsupportedError reports an operation that the database engine cannot perform.
type DriverUnsupportedError struct {
	Driver    Driver
	Operation string
}

func (e *DriverUnsupportedError) Error() string {
	return fmt.Sprintf("%s is not supported for the %q driver", e.Operation, e.Driver)
}

func (e *DriverUnsupportedError) Is(target error) bool { return target == ErrDriverUnsupported }
