package hrfsring

import (
	"errors"
	"fmt"

	"go-hrfsring/coord"
)

var (
	// ErrEmptyRing is returned when a lookup hits a ring without members.
	ErrEmptyRing = errors.New("ring has no members")
	// ErrUnknownHashFunction is returned when a hash function id cannot be resolved.
	ErrUnknownHashFunction = errors.New("unknown hash function")
	// ErrCorruptRing is returned when a published ring cannot be decoded.
	ErrCorruptRing = errors.New("corrupt ring payload")
	// ErrLockNotHeld is returned when a lock handle is used after release or session loss.
	ErrLockNotHeld = errors.New("distributed lock not held")
	// ErrNotServing is returned while the manager has no usable session or no ring.
	// Storage RPCs must be refused when it is returned.
	ErrNotServing = errors.New("node is not serving: no live ring session")
	// ErrLastMember is returned when the only member tries to leave the ring.
	ErrLastMember = errors.New("last member cannot leave the ring")
	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("ring manager closed")
)

// CoordinationError wraps every failure that originates from the
// coordination service and tells the caller whether to retry the operation
// or rebuild the whole session.
type CoordinationError struct {
	Op   string
	Path string
	Kind coord.Kind
	Err  error
}

func (e *CoordinationError) Error() string {
	return fmt.Sprintf("coordination %s %s failed (%s): %s", e.Op, e.Path, e.Kind, e.Err)
}

func (e *CoordinationError) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying the same operation may succeed.
func (e *CoordinationError) Retryable() bool {
	return e.Kind == coord.KindRetryable
}

// SessionFatal reports whether the session has to be rebuilt.
func (e *CoordinationError) SessionFatal() bool {
	return e.Kind == coord.KindSessionFatal
}

func wrapCoordError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CoordinationError
	if errors.As(err, &ce) {
		return err
	}
	return &CoordinationError{Op: op, Path: path, Kind: coord.Classify(err), Err: err}
}

// IsRetryable reports whether err is a transient coordination failure.
func IsRetryable(err error) bool {
	var ce *CoordinationError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return errors.Is(err, coord.ErrConnectionLoss)
}

// IsSessionFatal reports whether err means the coordination session is lost.
func IsSessionFatal(err error) bool {
	var ce *CoordinationError
	if errors.As(err, &ce) {
		return ce.SessionFatal()
	}
	return coord.Classify(err) == coord.KindSessionFatal
}
