package hrfsring

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"go-hrfsring/coord"
)

// WatchState is the state of a RingWatcher.
type WatchState int

const (
	// WatchUnknown is the state before the first existence check completed.
	WatchUnknown WatchState = iota
	// WatchAbsent means no ring is published.
	WatchAbsent
	// WatchPresent means a ring is cached.
	WatchPresent
	// WatchDead means the session ended or the watcher was closed. A dead
	// watcher never recovers.
	WatchDead
)

func (s WatchState) String() string {
	switch s {
	case WatchUnknown:
		return "unknown"
	case WatchAbsent:
		return "absent"
	case WatchPresent:
		return "present"
	case WatchDead:
		return "dead"
	default:
		return "watchstate(" + strconv.Itoa(int(s)) + ")"
	}
}

// RingWatcher keeps a cached copy of the ring published at a path and
// reports changes to a listener.
type RingWatcher struct {
	session  coord.Session
	path     string
	listener RingListener
	options  options
	cancel   context.CancelFunc
	done     chan struct{}

	closedOnce sync.Once

	mu      sync.RWMutex
	state   WatchState
	ring    *Ring
	version int64
	reason  error
}

// NewRingWatcher starts watching path. The listener may be nil.
func NewRingWatcher(ctx context.Context, session coord.Session, path string, listener RingListener, opts ...Option) *RingWatcher {
	ctx, cancel := context.WithCancel(ctx)

	var w = &RingWatcher{
		session:  session,
		path:     path,
		listener: listener,
		options:  newOptions(opts),
		cancel:   cancel,
		done:     make(chan struct{}),
		version:  coord.AnyVersion,
	}

	go w.run(ctx)

	return w
}

func (w *RingWatcher) run(ctx context.Context) {
	defer close(w.done)

	for {
		type existsResult struct {
			exists bool
			events <-chan coord.Event
		}
		var watched, err = retry(ctx, w.options, "exists", w.path, func(ctx context.Context) (existsResult, error) {
			var exists, _, events, err = w.session.ExistsW(ctx, w.path)
			return existsResult{exists: exists, events: events}, err
		})
		if err != nil {
			w.stop(ctx, err)
			return
		}

		if watched.exists {
			if err := w.refresh(ctx); err != nil && !errors.Is(err, coord.ErrNoNode) {
				w.stop(ctx, err)
				return
			}
		} else {
			w.setAbsent()
		}

		select {
		case ev := <-watched.events:
			if ev.Type == coord.EventNotWatching {
				w.die(wrapCoordError("watch", w.path, ev.Err))
				return
			}
			w.options.logger.Debug("ring path changed", "path", w.path, "event", ev.Type)
		case <-w.session.Done():
			w.die(wrapCoordError("watch", w.path, w.session.Err()))
			return
		case <-ctx.Done():
			w.die(nil)
			return
		}
	}
}

// refresh fetches and decodes the published ring. A payload that does not
// decode is logged and the cached ring is kept.
func (w *RingWatcher) refresh(ctx context.Context) error {
	type getResult struct {
		data []byte
		stat coord.Stat
	}
	var got, err = retry(ctx, w.options, "get", w.path, func(ctx context.Context) (getResult, error) {
		var data, stat, err = w.session.Get(ctx, w.path)
		return getResult{data: data, stat: stat}, err
	})
	if err != nil {
		return err
	}

	ring, err := UnmarshalRing(got.data)
	if err != nil {
		w.options.logger.Error("ignoring unreadable ring, keeping previous one",
			"path", w.path,
			"version", got.stat.Version,
			"error", err)
		return nil
	}

	w.mu.RLock()
	var changed = !ring.Equal(w.ring)
	w.mu.RUnlock()

	if changed && w.listener != nil {
		w.listener.RingUpdateHandler(ring)
	}

	w.mu.Lock()
	w.state = WatchPresent
	w.version = got.stat.Version
	if changed {
		w.ring = ring
	}
	w.mu.Unlock()

	return nil
}

func (w *RingWatcher) setAbsent() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == WatchPresent {
		w.options.logger.Warn("published ring was removed", "path", w.path)
	}
	w.state = WatchAbsent
	w.ring = nil
	w.version = coord.AnyVersion
}

// stop ends the loop after a failed operation. Cancellation by Close is not
// reported to the listener.
func (w *RingWatcher) stop(ctx context.Context, err error) {
	if ctx.Err() != nil {
		w.die(nil)
		return
	}
	w.die(err)
}

// die marks the watcher dead. A non-nil reason is reported to the listener
// exactly once.
func (w *RingWatcher) die(reason error) {
	w.mu.Lock()
	w.state = WatchDead
	if w.reason == nil {
		w.reason = reason
	}
	w.mu.Unlock()

	if reason == nil {
		return
	}

	w.closedOnce.Do(func() {
		w.options.logger.Warn("ring watcher died", "path", w.path, "reason", reason)
		if w.listener != nil {
			w.listener.ClosedHandler(reason)
		}
	})
}

// Ring returns the cached ring, nil when none is known.
func (w *RingWatcher) Ring() *Ring {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ring
}

// Version returns the version of the cached ring, coord.AnyVersion when none
// is known.
func (w *RingWatcher) Version() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.version
}

// State returns the current state.
func (w *RingWatcher) State() WatchState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Alive reports whether the watcher still observes the path.
func (w *RingWatcher) Alive() bool {
	return w.State() != WatchDead
}

// Err returns why the watcher died, nil while alive or after Close.
func (w *RingWatcher) Err() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.reason
}

// Close stops the watcher without notifying the listener. It does not wait,
// use Done for that. Safe to call from a listener callback.
func (w *RingWatcher) Close() {
	w.cancel()
}

// Done is closed once the watcher goroutine exited.
func (w *RingWatcher) Done() <-chan struct{} {
	return w.done
}
