// Package coreerr defines the closed error taxonomy observable at the edges
// of the core worker runtime (spec.md §7). Every failure that can surface to
// a Get() caller, a task retry decision, or a fatal process abort is one of
// these kinds.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind is one of the observable failure kinds named in spec.md §7.
type Kind string

const (
	// ObjectUnreconstructable means the object is lost and its lineage is
	// either exhausted or was never retained.
	ObjectUnreconstructable Kind = "ObjectUnreconstructable"
	// WorkerDied means a leased worker crashed or was killed mid-task.
	WorkerDied Kind = "WorkerDied"
	// ActorDied means the target actor is permanently dead; every pending
	// method on it fails with this kind.
	ActorDied Kind = "ActorDied"
	// TaskCancelled means the owner cancelled the task before it dispatched.
	TaskCancelled Kind = "TaskCancelled"
	// OwnerDied means the process that owned a referenced id is gone.
	OwnerDied Kind = "OwnerDied"
	// Transient means the failure is retry-eligible (transport UNAVAILABLE,
	// a transient backing-store error, etc).
	Transient Kind = "Transient"
)

// CoreError wraps an underlying error with one of the Kind sentinels above,
// and optionally the ObjectId/TaskId string it concerns (kept as plain
// strings to avoid an import cycle with pkg/coreids).
type CoreError struct {
	Kind    Kind
	Subject string // human-readable id the error concerns, if any
	Err     error
}

func (e *CoreError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s(%s): %v", e.Kind, e.Subject, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CoreError) Unwrap() error { return e.Err }

// New builds a CoreError of the given kind wrapping err.
func New(kind Kind, subject string, err error) *CoreError {
	return &CoreError{Kind: kind, Subject: subject, Err: err}
}

// Newf builds a CoreError of the given kind from a format string.
func Newf(kind Kind, subject, format string, args ...any) *CoreError {
	return &CoreError{Kind: kind, Subject: subject, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *CoreError; ok is false for plain errors.
func KindOf(err error) (kind Kind, ok bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// FatalError marks a process-level abort condition: version mismatch with
// the store daemon, id-byte-length mismatch during FromBinary, or an
// invariant violation in the refcount tables (e.g. a negative count). These
// are never retried and never surfaced as a task failure sentinel; the
// process that detects one is expected to crash rather than continue with
// corrupted bookkeeping.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal builds a FatalError.
func Fatal(reason string, err error) *FatalError {
	return &FatalError{Reason: reason, Err: err}
}

// IsFatal reports whether err (or something it wraps) is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
