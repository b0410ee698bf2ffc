package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-hrfsring/coord"
	"go-hrfsring/coord/coordtest"
)

func receive(t *testing.T, ch <-chan coord.Event) coord.Event {
	t.Helper()
	select {
	case event, ok := <-ch:
		require.True(t, ok, "watch channel closed without an event")
		return event
	case <-time.After(time.Second):
		t.Fatal("watch did not fire")
		return coord.Event{}
	}
}

func assertSilent(t *testing.T, ch <-chan coord.Event) {
	t.Helper()
	select {
	case event := <-ch:
		t.Fatalf("unexpected event %v", event)
	default:
	}
}

func TestSession(t *testing.T) {
	var (
		newCtx = func() context.Context {
			return context.Background()
		}
	)

	t.Run("should create and read persistent node", func(t *testing.T) {
		// Arrange
		var (
			sut = NewServer().NewSession()
			ctx = newCtx()
		)

		// Act
		var path, err = sut.Create(ctx, "/hrfs-ring", []byte("ring"), coord.Persistent)
		require.NoError(t, err)
		var data, stat, getErr = sut.Get(ctx, "/hrfs-ring")

		// Assert
		require.NoError(t, getErr)
		assert.Equal(t, "/hrfs-ring", path)
		assert.Equal(t, []byte("ring"), data)
		assert.Equal(t, int64(0), stat.Version)
		assert.Empty(t, stat.EphemeralOwner)
	})

	t.Run("should reject duplicate and orphan nodes", func(t *testing.T) {
		var (
			sut = NewServer().NewSession()
			ctx = newCtx()
		)

		_, err := sut.Create(ctx, "/a", nil, coord.Persistent)
		require.NoError(t, err)

		_, err = sut.Create(ctx, "/a", nil, coord.Persistent)
		assert.ErrorIs(t, err, coord.ErrNodeExists)

		_, err = sut.Create(ctx, "/missing/child", nil, coord.Persistent)
		assert.ErrorIs(t, err, coord.ErrNoParent)
	})

	t.Run("should number sequential nodes per parent", func(t *testing.T) {
		// Arrange
		var (
			sut = NewServer().NewSession()
			ctx = newCtx()
		)
		_, err := sut.Create(ctx, "/ringlock", nil, coord.Persistent)
		require.NoError(t, err)

		// Act
		first, err1 := sut.Create(ctx, "/ringlock/lock-", nil, coord.EphemeralSequential)
		second, err2 := sut.Create(ctx, "/ringlock/lock-", nil, coord.EphemeralSequential)

		// Assert
		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.Equal(t, "/ringlock/lock-0000000000", first)
		assert.Equal(t, "/ringlock/lock-0000000001", second)

		children, err := sut.Children(ctx, "/ringlock")
		require.NoError(t, err)
		assert.Equal(t, []string{"lock-0000000000", "lock-0000000001"}, children)
	})

	t.Run("should check versions on set and delete", func(t *testing.T) {
		var (
			sut = NewServer().NewSession()
			ctx = newCtx()
		)
		_, err := sut.Create(ctx, "/a", []byte("v0"), coord.Persistent)
		require.NoError(t, err)

		stat, err := sut.Set(ctx, "/a", []byte("v1"), 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stat.Version)

		_, err = sut.Set(ctx, "/a", []byte("v2"), 0)
		assert.ErrorIs(t, err, coord.ErrBadVersion)

		err = sut.Delete(ctx, "/a", 0)
		assert.ErrorIs(t, err, coord.ErrBadVersion)

		require.NoError(t, sut.Delete(ctx, "/a", coord.AnyVersion))
		ok, _, err := sut.Exists(ctx, "/a")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("should refuse to delete node with children", func(t *testing.T) {
		var (
			sut = NewServer().NewSession()
			ctx = newCtx()
		)
		_, err := sut.Create(ctx, "/a", nil, coord.Persistent)
		require.NoError(t, err)
		_, err = sut.Create(ctx, "/a/b", nil, coord.Persistent)
		require.NoError(t, err)

		assert.ErrorIs(t, sut.Delete(ctx, "/a", coord.AnyVersion), coord.ErrNotEmpty)
	})

	t.Run("should fire exists watch once", func(t *testing.T) {
		// Arrange
		var (
			sut = NewServer().NewSession()
			ctx = newCtx()
		)
		ok, _, ch, err := sut.ExistsW(ctx, "/hrfs-ring")
		require.NoError(t, err)
		require.False(t, ok)

		// Act
		_, err = sut.Create(ctx, "/hrfs-ring", nil, coord.Persistent)
		require.NoError(t, err)
		_, err = sut.Set(ctx, "/hrfs-ring", []byte("x"), coord.AnyVersion)
		require.NoError(t, err)

		// Assert
		var event = receive(t, ch)
		assert.Equal(t, coord.EventNodeCreated, event.Type)
		assert.Equal(t, "/hrfs-ring", event.Path)
		_, open := <-ch
		assert.False(t, open, "watch must be single shot")
	})

	t.Run("should fire children watch on create and delete", func(t *testing.T) {
		var (
			server = NewServer()
			sut    = server.NewSession()
			ctx    = newCtx()
		)
		_, err := sut.Create(ctx, "/ringlock", nil, coord.Persistent)
		require.NoError(t, err)

		_, ch, err := sut.ChildrenW(ctx, "/ringlock")
		require.NoError(t, err)
		path, err := sut.Create(ctx, "/ringlock/lock-", nil, coord.EphemeralSequential)
		require.NoError(t, err)
		assert.Equal(t, coord.EventNodeChildrenChanged, receive(t, ch).Type)

		_, ch, err = sut.ChildrenW(ctx, "/ringlock")
		require.NoError(t, err)
		require.NoError(t, sut.Delete(ctx, path, coord.AnyVersion))
		assert.Equal(t, coord.EventNodeChildrenChanged, receive(t, ch).Type)
		assert.Zero(t, server.WatchCount("/ringlock"))
	})

	t.Run("should delete ephemeral nodes when session expires", func(t *testing.T) {
		// Arrange
		var (
			server   = NewServer()
			owner    = server.NewSession()
			observer = server.NewSession()
			ctx      = newCtx()
		)
		_, err := owner.Create(ctx, "/ringlock", nil, coord.Persistent)
		require.NoError(t, err)
		lockPath, err := owner.Create(ctx, "/ringlock/lock-", nil, coord.EphemeralSequential)
		require.NoError(t, err)

		_, _, observerWatch, err := observer.ExistsW(ctx, lockPath)
		require.NoError(t, err)
		_, _, ownerWatch, err := owner.ExistsW(ctx, "/elsewhere")
		require.NoError(t, err)

		// Act
		require.NoError(t, server.Expire(owner.ID()))

		// Assert
		var ownerEvent = receive(t, ownerWatch)
		assert.Equal(t, coord.EventNotWatching, ownerEvent.Type)
		assert.Equal(t, coord.StateExpired, ownerEvent.State)
		assert.ErrorIs(t, ownerEvent.Err, coord.ErrSessionExpired)

		assert.Equal(t, coord.EventNodeDeleted, receive(t, observerWatch).Type)

		select {
		case <-owner.Done():
		default:
			t.Fatal("session should be done")
		}
		assert.ErrorIs(t, owner.Err(), coord.ErrSessionExpired)

		_, _, err = owner.Get(ctx, "/ringlock")
		assert.ErrorIs(t, err, coord.ErrSessionExpired)

		ok, _, err := observer.Exists(ctx, lockPath)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 1, server.SessionCount())
	})

	t.Run("should end session on close", func(t *testing.T) {
		var sut = NewServer().NewSession()

		require.NoError(t, sut.Close())
		require.NoError(t, sut.Close())

		assert.ErrorIs(t, sut.Err(), coord.ErrClosed)
		assert.Equal(t, coord.KindSessionFatal, coord.Classify(sut.Err()))
	})

	t.Run("should inject queued failures", func(t *testing.T) {
		// Arrange
		var (
			server = NewServer()
			sut    = server.NewSession()
			ctx    = newCtx()
		)
		server.FailNext(OpCreate, coord.ErrConnectionLoss)

		// Act
		_, first := sut.Create(ctx, "/a", nil, coord.Persistent)
		_, second := sut.Create(ctx, "/a", nil, coord.Persistent)

		// Assert
		assert.ErrorIs(t, first, coord.ErrConnectionLoss)
		assert.NoError(t, second)
	})

	t.Run("should honor cancelled context", func(t *testing.T) {
		var (
			sut         = NewServer().NewSession()
			ctx, cancel = context.WithCancel(newCtx())
		)
		cancel()

		_, _, err := sut.Exists(ctx, "/a")
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("should not fire unrelated watches", func(t *testing.T) {
		var (
			sut = NewServer().NewSession()
			ctx = newCtx()
		)
		_, _, ch, err := sut.ExistsW(ctx, "/a")
		require.NoError(t, err)

		_, err = sut.Create(ctx, "/b", nil, coord.Persistent)
		require.NoError(t, err)

		assertSilent(t, ch)
	})
}

func TestSessionContract(t *testing.T) {
	coordtest.RunSessionContract(t, "/", func(t *testing.T) coordtest.Backend {
		var server = NewServer()
		return coordtest.Backend{
			Connector: server,
			Expire: func(t *testing.T, session coord.Session) {
				require.NoError(t, server.Expire(session.ID()))
			},
		}
	})
}
