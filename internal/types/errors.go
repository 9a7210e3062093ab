package types

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an entity or component does not exist or is
// soft-deleted. Read paths that can express absence as an empty result do so
// instead of surfacing this error.
var ErrNotFound = errors.New("not found")

// ErrAlreadyPresent is returned by Add when a non-deleted instance of the
// component type is already staged or persisted on the entity. Use Set for
// upsert semantics.
var ErrAlreadyPresent = errors.New("component already present")

// ErrRegistryFrozen is returned when registering a component type after the
// registry has been frozen at COMPONENTS_READY.
var ErrRegistryFrozen = errors.New("component registry is frozen")

// StorageError wraps a failure from the underlying database driver.
// Retryable is set for transient conditions (serialization failures,
// deadlocks) that the transaction runner may retry.
type StorageError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err for operation op.
func NewStorageError(op string, err error, retryable bool) *StorageError {
	return &StorageError{Op: op, Err: err, Retryable: retryable}
}

// QueryCompileError reports static misuse of the query builder: an unknown
// component or field, or an operator applied to an incompatible field kind.
// Never retried.
type QueryCompileError struct {
	Component string
	Field     string
	Reason    string
}

func (e *QueryCompileError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("query compile: component %q field %q: %s", e.Component, e.Field, e.Reason)
	}
	return fmt.Sprintf("query compile: component %q: %s", e.Component, e.Reason)
}

// ValidationError reports component data that does not match the registered
// field kinds or nullability.
type ValidationError struct {
	Component string
	Field     string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: component %q field %q: %s", e.Component, e.Field, e.Reason)
}

// HookError wraps a failure inside a hook handler. It is logged and counted
// by the dispatcher and never surfaces to the caller that triggered the
// event.
type HookError struct {
	Hook     string
	Kind     EventKind
	TimedOut bool
	Err      error
}

func (e *HookError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("hook %q timed out on %s", e.Hook, e.Kind)
	}
	return fmt.Sprintf("hook %q failed on %s: %v", e.Hook, e.Kind, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// SchedulerError records a task failure: timeout or retries exhausted. It is
// recorded in scheduler metrics and never surfaces to callers.
type SchedulerError struct {
	Task     string
	TimedOut bool
	Attempts int
	Err      error
}

func (e *SchedulerError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("scheduler: task %q timed out after %d attempt(s)", e.Task, e.Attempts)
	}
	return fmt.Sprintf("scheduler: task %q failed after %d attempt(s): %v", e.Task, e.Attempts, e.Err)
}

func (e *SchedulerError) Unwrap() error { return e.Err }

// ConfigError is fatal at boot: the process must not start with an invalid
// configuration.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("config: %s", e.Reason)
	}
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}
