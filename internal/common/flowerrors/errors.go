// Package flowerrors contains the error types shared by the task store, the inbox and the scheduler backends.
// Callers inspect them with errors.As rather than by comparing messages.
//
// If multiple errors occur in some function (e.g., several inbox files could not be read), that
// function should return an error of type multierror.Error from package
// github.com/hashicorp/go-multierror that encapsulates those individual errors.
package flowerrors

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "task"
	Value   string // Resource name, e.g., "EventA/EMOD3D"
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "proc_type"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrInvalidTransition is returned when a task is asked to move between two statuses the state machine doesn't connect.
type ErrInvalidTransition struct {
	Task string
	From string
	To   string
}

func (err *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("task %s cannot move from %s to %s", err.Task, err.From, err.To)
}

// ErrMalformedMessage marks an inbox file that can never be applied, whatever the store state.
type ErrMalformedMessage struct {
	File   string
	Reason string
}

func (err *ErrMalformedMessage) Error() string {
	return fmt.Sprintf("malformed update message %s: %s", err.File, err.Reason)
}

// SchedulerError is returned when a scheduler command itself fails, as opposed to the job it submitted failing later.
type SchedulerError struct {
	Command string
	Stdout  string
	Stderr  string
	Err     error
}

func (err *SchedulerError) Error() string {
	s := fmt.Sprintf("scheduler command %q failed", err.Command)
	if err.Err != nil {
		s += fmt.Sprintf(": %s", err.Err)
	}
	if stderr := strings.TrimSpace(err.Stderr); stderr != "" {
		s += fmt.Sprintf("; stderr: %s", stderr)
	}
	return s
}

func (err *SchedulerError) Unwrap() error {
	return err.Err
}

// ErrLockTimeout is returned when an advisory lock could not be acquired within the allowed wait.
type ErrLockTimeout struct {
	Path    string
	Timeout time.Duration
}

func (err *ErrLockTimeout) Error() string {
	return fmt.Sprintf("timed out after %s waiting for lock on %s", err.Timeout, err.Path)
}

// IsNotFound returns true if err, or any error in its chain, is an ErrNotFound.
func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}

// IsMalformed returns true if err, or any error in its chain, is an ErrMalformedMessage.
func IsMalformed(err error) bool {
	var e *ErrMalformedMessage
	return errors.As(err, &e)
}

// IsSchedulerError returns true if err, or any error in its chain, is a SchedulerError.
func IsSchedulerError(err error) bool {
	var e *SchedulerError
	return errors.As(err, &e)
}

// IsLockTimeout returns true if err, or any error in its chain, is an ErrLockTimeout.
func IsLockTimeout(err error) bool {
	var e *ErrLockTimeout
	return errors.As(err, &e)
}

// IsRetryableStorageError reports whether err looks like SQLite lock contention, which clears once the other writer
// finishes.
func IsRetryableStorageError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
