// Package errkind classifies the task-orchestration core's error kinds
// (spec §7), adapted from the teacher's transient/permanent/degraded
// taxonomy (internal/errors in the teacher repo) into this system's closed
// set of operational error kinds.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of error kinds named in §7.
type Kind string

const (
	AuthFailure         Kind = "AUTH_FAILURE"
	QueueFull           Kind = "QUEUE_FULL"
	Timeout             Kind = "TIMEOUT"
	SpawnError          Kind = "SPAWN_ERROR"
	DirectoryNotAllowed Kind = "DIRECTORY_NOT_ALLOWED"
	WorkerDisconnect    Kind = "WORKER_DISCONNECT"
	TransferFailure     Kind = "TRANSFER_FAILURE"
	Protocol            Kind = "PROTOCOL"
	AttachmentTooLarge  Kind = "ATTACHMENT_TOO_LARGE"
)

// ExitKind formats the EXIT_<n> / EXIT_<signal> family named in §4.5.
func ExitKind(detail string) Kind {
	return Kind("EXIT_" + detail)
}

// Error is a classified, user-visible error. Message is what ends up in
// task:error.message; the chat adapter renders it as-is.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified Error.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind == kind
	}
	return false
}

// IsFatal reports whether the kind represents a fatal transport-level
// condition that should close the offending connection (per §7: transport
// errors on the server side close the offending connection).
func IsFatal(kind Kind) bool {
	switch kind {
	case AuthFailure, Protocol:
		return true
	default:
		return false
	}
}

// IsNonFatal reports whether the kind is downgraded to a warning rather
// than failing the task (§7: TRANSFER_FAILURE is non-fatal).
func IsNonFatal(kind Kind) bool {
	return kind == TransferFailure
}
