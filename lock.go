package hrfsring

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"go-hrfsring/coord"
)

const lockNodePrefix = "lock-"

// DistributedLock is a mutual exclusion lock built on ephemeral sequential
// nodes below a shared parent. The contender holding the lowest sequence
// number owns the lock, everybody else waits for its immediate predecessor.
type DistributedLock struct {
	session coord.Session
	path    string
	options options
}

// LockHandle proves ownership of a DistributedLock. It is required to
// publish a ring.
type LockHandle struct {
	lock *DistributedLock
	node string

	mu       sync.Mutex
	released bool
}

// NewDistributedLock creates a lock below path. No coordination calls are
// made until Lock.
func NewDistributedLock(session coord.Session, path string, opts ...Option) *DistributedLock {
	return &DistributedLock{
		session: session,
		path:    path,
		options: newOptions(opts),
	}
}

// Path returns the parent path of the lock contenders.
func (l *DistributedLock) Path() string {
	return l.path
}

// Lock blocks until the lock is held, the context ends, or the session dies.
// If it returns an error no node of this call is left behind, unless the
// cleanup itself failed; then the node disappears with the session.
func (l *DistributedLock) Lock(ctx context.Context) (*LockHandle, error) {
	if err := l.ensureParent(ctx); err != nil {
		return nil, err
	}

	var node, err = l.createNode(ctx)
	if err != nil {
		return nil, err
	}

	if err := l.await(ctx, node); err != nil {
		l.abandon(node)
		return nil, err
	}

	l.options.logger.Debug("lock acquired", "path", l.path, "node", node, "session", l.session.ID())
	return &LockHandle{lock: l, node: node}, nil
}

// ensureParent creates the persistent parent node if needed.
func (l *DistributedLock) ensureParent(ctx context.Context) error {
	return retryErr(ctx, l.options, "create", l.path, func(ctx context.Context) error {
		var _, err = l.session.Create(ctx, l.path, nil, coord.Persistent)
		if errors.Is(err, coord.ErrNodeExists) {
			return nil
		}
		return err
	})
}

// createNode creates this contender's node. The name carries a unique token
// so a create that failed with connection loss can be found again instead of
// leaving an orphan that blocks everybody until the session ends.
func (l *DistributedLock) createNode(ctx context.Context) (string, error) {
	var prefix = lockNodePrefix + uuid.NewString() + "-"

	return retry(ctx, l.options, "create", l.path, func(ctx context.Context) (string, error) {
		var existing, err = l.findNode(ctx, prefix)
		if err != nil {
			return "", err
		}
		if existing != "" {
			return existing, nil
		}
		return l.session.Create(ctx, coord.Join(l.path, prefix), nil, coord.EphemeralSequential)
	})
}

func (l *DistributedLock) findNode(ctx context.Context, prefix string) (string, error) {
	var children, err = l.session.Children(ctx, l.path)
	if err != nil {
		return "", err
	}
	for _, child := range children {
		if coord.HasPrefixName(child, prefix) {
			return coord.Join(l.path, child), nil
		}
	}
	return "", nil
}

// await waits until node is the lowest contender.
func (l *DistributedLock) await(ctx context.Context, node string) error {
	var own = coord.Base(node)

	for {
		var children, err = retry(ctx, l.options, "children", l.path, func(ctx context.Context) ([]string, error) {
			return l.session.Children(ctx, l.path)
		})
		if err != nil {
			return err
		}

		var contenders = make([]string, 0, len(children))
		for _, child := range children {
			if strings.HasPrefix(child, lockNodePrefix) {
				contenders = append(contenders, child)
			}
		}
		coord.SortBySequence(contenders)

		var idx = indexOf(contenders, own)
		switch {
		case idx < 0:
			// Our node is gone, which only happens when the session ended.
			if err := l.session.Err(); err != nil {
				return wrapCoordError("lock", node, err)
			}
			return wrapCoordError("lock", node, coord.ErrNoNode)
		case idx == 0:
			return nil
		}

		var predecessor = coord.Join(l.path, contenders[idx-1])
		type existsResult struct {
			exists bool
			events <-chan coord.Event
		}
		watched, err := retry(ctx, l.options, "exists", predecessor, func(ctx context.Context) (existsResult, error) {
			var exists, _, events, err = l.session.ExistsW(ctx, predecessor)
			return existsResult{exists: exists, events: events}, err
		})
		if err != nil {
			return err
		}
		if !watched.exists {
			continue
		}

		l.options.logger.Debug("waiting for lock", "node", node, "predecessor", predecessor)

		select {
		case ev := <-watched.events:
			if ev.Type == coord.EventNotWatching {
				return wrapCoordError("lock", node, ev.Err)
			}
		case <-l.session.Done():
			return wrapCoordError("lock", node, l.session.Err())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// abandon deletes the node of a failed Lock call with a fresh bounded context.
func (l *DistributedLock) abandon(node string) {
	if l.session.Err() != nil {
		return
	}

	var ctx, cancel = context.WithTimeout(context.Background(), l.options.cleanupTimeout)
	defer cancel()

	var err = l.deleteNode(ctx, node)
	if err != nil {
		l.options.logger.Warn("failed to remove abandoned lock node, it stays until the session ends",
			"node", node,
			"error", err)
	}
}

func (l *DistributedLock) deleteNode(ctx context.Context, node string) error {
	var err = retryErr(ctx, l.options, "delete", node, func(ctx context.Context) error {
		return l.session.Delete(ctx, node, coord.AnyVersion)
	})
	if errors.Is(err, coord.ErrNoNode) {
		return nil
	}
	return err
}

// Path returns the full path of the owned lock node.
func (h *LockHandle) Path() string {
	return h.node
}

// Session returns the session the lock is held with.
func (h *LockHandle) Session() coord.Session {
	return h.lock.session
}

// Valid reports whether the lock is still held: not unlocked and the session
// that holds the ephemeral node is alive.
func (h *LockHandle) Valid() bool {
	if h == nil {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	return !h.released && h.lock.session.Err() == nil
}

// Unlock releases the lock. Calling it again is a no-op. When the session is
// already dead the node is gone with it and the session error is returned.
func (h *LockHandle) Unlock(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil
	}

	var err = h.lock.deleteNode(ctx, h.node)
	switch {
	case err == nil:
		h.released = true
		h.lock.options.logger.Debug("lock released", "node", h.node)
		return nil
	case IsSessionFatal(err):
		h.released = true
		return err
	default:
		return fmt.Errorf("failed to release lock: %w", err)
	}
}

// LockResult is the outcome of an asynchronous Lock.
type LockResult struct {
	Handle *LockHandle
	Err    error
}

// LockFuture is a pending Lock started by LockAsync.
type LockFuture struct {
	cancel context.CancelFunc
	result chan LockResult
	done   chan struct{}

	mu     sync.Mutex
	value  LockResult
	closed bool
}

// LockAsync starts Lock in the background. The attempt ends with ctx or with
// Cancel.
func (l *DistributedLock) LockAsync(ctx context.Context) *LockFuture {
	ctx, cancel := context.WithCancel(ctx)

	var f = &LockFuture{
		cancel: cancel,
		result: make(chan LockResult, 1),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(f.done)

		var handle, err = l.Lock(ctx)

		f.mu.Lock()
		f.value = LockResult{Handle: handle, Err: err}
		f.mu.Unlock()

		f.result <- f.value
		close(f.result)
	}()

	return f
}

// Result delivers the outcome once.
func (f *LockFuture) Result() <-chan LockResult {
	return f.result
}

// Wait blocks for the outcome. If ctx ends first the attempt is cancelled.
func (f *LockFuture) Wait(ctx context.Context) (*LockHandle, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value.Handle, f.value.Err
	case <-ctx.Done():
		f.Cancel()
		return nil, ctx.Err()
	}
}

// Cancel stops the attempt and waits for it to end. A lock that was acquired
// anyway is released.
func (f *LockFuture) Cancel() {
	f.cancel()
	<-f.done

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true

	if f.value.Handle == nil {
		return
	}

	var lock = f.value.Handle.lock
	var ctx, cancel = context.WithTimeout(context.Background(), lock.options.cleanupTimeout)
	defer cancel()

	if err := f.value.Handle.Unlock(ctx); err != nil {
		lock.options.logger.Warn("failed to release cancelled lock", "node", f.value.Handle.node, "error", err)
	}
	f.value = LockResult{Err: context.Canceled}
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}
