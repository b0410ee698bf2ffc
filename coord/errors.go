package coord

import (
	"context"
	"errors"
)

var (
	// ErrNoNode is returned when the node does not exist.
	ErrNoNode = errors.New("node does not exist")
	// ErrNodeExists is returned by Create when the node already exists.
	ErrNodeExists = errors.New("node already exists")
	// ErrNoParent is returned by Create when the parent node does not exist.
	ErrNoParent = errors.New("parent node does not exist")
	// ErrBadVersion is returned when a version check fails.
	ErrBadVersion = errors.New("version conflict")
	// ErrNotEmpty is returned when deleting a node that has children.
	ErrNotEmpty = errors.New("node has children")

	// ErrConnectionLoss is a transient failure, the operation may be retried.
	ErrConnectionLoss = errors.New("connection to coordination service lost")

	// ErrSessionExpired means the session is gone and all its ephemeral nodes with it.
	ErrSessionExpired = errors.New("session expired")
	// ErrNoAuth means the session is not authorized.
	ErrNoAuth = errors.New("not authorized")
	// ErrClosed is returned for operations on a closed session.
	ErrClosed = errors.New("session closed")
)

// Kind groups errors by how the caller has to react.
type Kind int

const (
	// KindLogical errors are expected outcomes (missing node, version conflict).
	KindLogical Kind = iota
	// KindRetryable errors are transient, retry the same operation.
	KindRetryable
	// KindSessionFatal errors require tearing down and rebuilding the session.
	KindSessionFatal
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindSessionFatal:
		return "session-fatal"
	default:
		return "logical"
	}
}

// Classify maps an error returned by a Session to its Kind.
// Context cancellation is reported as logical, the caller gave up.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindLogical
	case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrNoAuth), errors.Is(err, ErrClosed):
		return KindSessionFatal
	case errors.Is(err, ErrConnectionLoss):
		return KindRetryable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindLogical
	case errors.Is(err, ErrNoNode), errors.Is(err, ErrNodeExists), errors.Is(err, ErrNoParent),
		errors.Is(err, ErrBadVersion), errors.Is(err, ErrNotEmpty):
		return KindLogical
	default:
		// Unknown backend failures are treated as transient.
		return KindRetryable
	}
}

// StateOf returns the session state matching a fatal error.
func StateOf(err error) State {
	switch {
	case errors.Is(err, ErrNoAuth):
		return StateAuthFailed
	case errors.Is(err, ErrClosed):
		return StateClosed
	default:
		return StateExpired
	}
}
