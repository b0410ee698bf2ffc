// Package coordtest holds the behaviour every coord.Session implementation
// must show, so backends are tested against the same contract.
package coordtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-hrfsring/coord"
)

// EventTimeout bounds how long the contract waits for a watch to fire.
var EventTimeout = 5 * time.Second

// Backend gives the contract fresh sessions of one backend. Expire ends a
// session the way the service would on timeout.
type Backend struct {
	Connector coord.Connector
	Expire    func(t *testing.T, session coord.Session)
}

// Receive waits for one event.
func Receive(t *testing.T, ch <-chan coord.Event) coord.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "watch channel closed without event")
		return ev
	case <-time.After(EventTimeout):
		t.Fatal("watch did not fire")
		return coord.Event{}
	}
}

// RunSessionContract runs the shared session tests. Paths are created below
// root, which must exist and be empty.
func RunSessionContract(t *testing.T, root string, newBackend func(t *testing.T) Backend) {
	var (
		ctx     = context.Background()
		connect = func(t *testing.T, b Backend) coord.Session {
			t.Helper()
			var session, err = b.Connector.Connect(ctx)
			require.NoError(t, err)
			t.Cleanup(func() { _ = session.Close() })
			return session
		}
		path = func(name string) string {
			return coord.Join(root, name)
		}
	)

	t.Run("should create and read a node", func(t *testing.T) {
		// Arrange
		var session = connect(t, newBackend(t))

		// Act
		var actual, err = session.Create(ctx, path("a"), []byte("hello"), coord.Persistent)
		require.NoError(t, err)
		data, stat, err := session.Get(ctx, path("a"))

		// Assert
		require.NoError(t, err)
		assert.Equal(t, path("a"), actual)
		assert.Equal(t, []byte("hello"), data)
		assert.Equal(t, int64(0), stat.Version)
	})

	t.Run("should report logical errors", func(t *testing.T) {
		// Arrange
		var session = connect(t, newBackend(t))
		var _, err = session.Create(ctx, path("a"), nil, coord.Persistent)
		require.NoError(t, err)
		_, err = session.Create(ctx, path("a/child"), nil, coord.Persistent)
		require.NoError(t, err)

		// Act & Assert
		_, err = session.Create(ctx, path("a"), nil, coord.Persistent)
		assert.ErrorIs(t, err, coord.ErrNodeExists)
		_, err = session.Create(ctx, path("missing/child"), nil, coord.Persistent)
		assert.ErrorIs(t, err, coord.ErrNoParent)
		_, _, err = session.Get(ctx, path("missing"))
		assert.ErrorIs(t, err, coord.ErrNoNode)
		_, err = session.Set(ctx, path("a"), nil, 7)
		assert.ErrorIs(t, err, coord.ErrBadVersion)
		assert.ErrorIs(t, session.Delete(ctx, path("a"), coord.AnyVersion), coord.ErrNotEmpty)
		assert.ErrorIs(t, session.Delete(ctx, path("missing"), coord.AnyVersion), coord.ErrNoNode)
	})

	t.Run("should number sequential children", func(t *testing.T) {
		// Arrange
		var session = connect(t, newBackend(t))
		var _, err = session.Create(ctx, path("lock"), nil, coord.Persistent)
		require.NoError(t, err)

		// Act
		first, err := session.Create(ctx, path("lock/n-"), nil, coord.EphemeralSequential)
		require.NoError(t, err)
		second, err := session.Create(ctx, path("lock/n-"), nil, coord.EphemeralSequential)
		require.NoError(t, err)
		children, err := session.Children(ctx, path("lock"))
		require.NoError(t, err)

		// Assert
		seq1, err := coord.SequenceOf(coord.Base(first))
		require.NoError(t, err)
		seq2, err := coord.SequenceOf(coord.Base(second))
		require.NoError(t, err)
		assert.Less(t, seq1, seq2)
		assert.ElementsMatch(t, []string{coord.Base(first), coord.Base(second)}, children)
	})

	t.Run("should fire exists watch once on change", func(t *testing.T) {
		// Arrange
		var (
			backend = newBackend(t)
			watcher = connect(t, backend)
			writer  = connect(t, backend)
		)
		var _, err = writer.Create(ctx, path("w"), []byte("v0"), coord.Persistent)
		require.NoError(t, err)
		exists, _, events, err := watcher.ExistsW(ctx, path("w"))
		require.NoError(t, err)
		require.True(t, exists)

		// Act
		_, err = writer.Set(ctx, path("w"), []byte("v1"), 0)
		require.NoError(t, err)

		// Assert
		var ev = Receive(t, events)
		assert.Equal(t, coord.EventNodeDataChanged, ev.Type)
		assert.Equal(t, path("w"), ev.Path)
	})

	t.Run("should fire exists watch on creation of an absent node", func(t *testing.T) {
		// Arrange
		var (
			backend = newBackend(t)
			watcher = connect(t, backend)
			writer  = connect(t, backend)
		)
		var exists, _, events, err = watcher.ExistsW(ctx, path("later"))
		require.NoError(t, err)
		require.False(t, exists)

		// Act
		_, err = writer.Create(ctx, path("later"), nil, coord.Persistent)
		require.NoError(t, err)

		// Assert
		assert.Equal(t, coord.EventNodeCreated, Receive(t, events).Type)
	})

	t.Run("should fire children watch", func(t *testing.T) {
		// Arrange
		var (
			backend = newBackend(t)
			watcher = connect(t, backend)
			writer  = connect(t, backend)
		)
		var _, err = writer.Create(ctx, path("p"), nil, coord.Persistent)
		require.NoError(t, err)
		_, events, err := watcher.ChildrenW(ctx, path("p"))
		require.NoError(t, err)

		// Act
		_, err = writer.Create(ctx, path("p/c"), nil, coord.Persistent)
		require.NoError(t, err)

		// Assert
		var ev = Receive(t, events)
		assert.Equal(t, coord.EventNodeChildrenChanged, ev.Type)
		assert.Equal(t, path("p"), ev.Path)
	})

	t.Run("should remove ephemeral nodes when the session ends", func(t *testing.T) {
		// Arrange
		var (
			backend  = newBackend(t)
			owner    = connect(t, backend)
			observer = connect(t, backend)
		)
		var _, err = owner.Create(ctx, path("eph"), nil, coord.Ephemeral)
		require.NoError(t, err)
		_, _, events, err := observer.ExistsW(ctx, path("eph"))
		require.NoError(t, err)
		_, _, ownWatch, err := owner.ExistsW(ctx, path("eph"))
		require.NoError(t, err)

		// Act
		backend.Expire(t, owner)

		// Assert
		assert.Equal(t, coord.EventNodeDeleted, Receive(t, events).Type)
		var own = Receive(t, ownWatch)
		if own.Type == coord.EventNotWatching {
			assert.ErrorIs(t, own.Err, coord.ErrSessionExpired)
		}

		select {
		case <-owner.Done():
		case <-time.After(EventTimeout):
			t.Fatal("session not done after expiry")
		}
		assert.ErrorIs(t, owner.Err(), coord.ErrSessionExpired)
		assert.Equal(t, coord.KindSessionFatal, coord.Classify(owner.Err()))

		exists, _, err := observer.Exists(ctx, path("eph"))
		require.NoError(t, err)
		assert.False(t, exists)

		_, _, err = owner.Get(ctx, path("eph"))
		assert.Equal(t, coord.KindSessionFatal, coord.Classify(err))
	})

	t.Run("should remove ephemeral nodes on close", func(t *testing.T) {
		// Arrange
		var (
			backend  = newBackend(t)
			owner    = connect(t, backend)
			observer = connect(t, backend)
		)
		var _, err = owner.Create(ctx, path("eph"), nil, coord.Ephemeral)
		require.NoError(t, err)

		// Act
		require.NoError(t, owner.Close())

		// Assert
		exists, _, err := observer.Exists(ctx, path("eph"))
		require.NoError(t, err)
		assert.False(t, exists)
		assert.ErrorIs(t, owner.Err(), coord.ErrClosed)
	})
}
