package hrfsring

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"go-hrfsring/coord"
	"go-hrfsring/coord/memory"
)

const testLockPath = "/ringlock"

func fastRetry() Option {
	return WithRetryBackoff(time.Millisecond, 10*time.Millisecond, 0)
}

func lockChildren(t *testing.T, server *memory.Server) []string {
	t.Helper()
	var children, err = server.NewSession().Children(context.Background(), testLockPath)
	require.NoError(t, err)
	return children
}

func TestDistributedLock(t *testing.T) {
	t.Run("should acquire and release", func(t *testing.T) {
		// Arrange
		var (
			server = memory.NewServer()
			sut    = NewDistributedLock(server.NewSession(), testLockPath, fastRetry())
		)

		// Act
		var handle, err = sut.Lock(context.Background())

		// Assert
		require.NoError(t, err)
		assert.True(t, handle.Valid())
		assert.Len(t, lockChildren(t, server), 1)
		assert.Equal(t, testLockPath, coord.Parent(handle.Path()))

		require.NoError(t, handle.Unlock(context.Background()))
		assert.False(t, handle.Valid())
		assert.Empty(t, lockChildren(t, server))
	})

	t.Run("should treat second unlock as no-op", func(t *testing.T) {
		// Arrange
		var server = memory.NewServer()
		var handle, err = NewDistributedLock(server.NewSession(), testLockPath).Lock(context.Background())
		require.NoError(t, err)
		require.NoError(t, handle.Unlock(context.Background()))

		// Act & Assert
		assert.NoError(t, handle.Unlock(context.Background()))
	})

	t.Run("should treat a node deleted by somebody else as released", func(t *testing.T) {
		// Arrange
		var server = memory.NewServer()
		var handle, err = NewDistributedLock(server.NewSession(), testLockPath).Lock(context.Background())
		require.NoError(t, err)
		require.NoError(t, server.NewSession().Delete(context.Background(), handle.Path(), coord.AnyVersion))

		// Act
		err = handle.Unlock(context.Background())

		// Assert
		assert.NoError(t, err)
		assert.False(t, handle.Valid())
	})

	t.Run("should block until the holder unlocks", func(t *testing.T) {
		// Arrange
		var (
			server = memory.NewServer()
			first  = NewDistributedLock(server.NewSession(), testLockPath, fastRetry())
			second = NewDistributedLock(server.NewSession(), testLockPath, fastRetry())
		)
		var held, err = first.Lock(context.Background())
		require.NoError(t, err)

		// Act
		var future = second.LockAsync(context.Background())

		// Assert
		select {
		case <-future.Result():
			t.Fatal("second contender acquired a held lock")
		case <-time.After(50 * time.Millisecond):
		}

		require.NoError(t, held.Unlock(context.Background()))

		select {
		case result := <-future.Result():
			require.NoError(t, result.Err)
			assert.True(t, result.Handle.Valid())
		case <-time.After(2 * time.Second):
			t.Fatal("second contender never acquired the lock")
		}
	})

	t.Run("should grant exclusive access to many contenders", func(t *testing.T) {
		// Arrange
		const contenders = 8
		var (
			server   = memory.NewServer()
			holders  atomic.Int32
			maxHeld  atomic.Int32
			acquired atomic.Int32
			g, ctx   = errgroup.WithContext(context.Background())
		)

		// Act
		for range contenders {
			var lock = NewDistributedLock(server.NewSession(), testLockPath, fastRetry())
			g.Go(func() error {
				var handle, err = lock.Lock(ctx)
				if err != nil {
					return err
				}

				var now = holders.Add(1)
				for {
					var prev = maxHeld.Load()
					if now <= prev || maxHeld.CompareAndSwap(prev, now) {
						break
					}
				}
				acquired.Add(1)
				time.Sleep(2 * time.Millisecond)
				holders.Add(-1)

				return handle.Unlock(ctx)
			})
		}

		// Assert
		require.NoError(t, g.Wait())
		assert.Equal(t, int32(1), maxHeld.Load())
		assert.Equal(t, int32(contenders), acquired.Load())
		assert.Empty(t, lockChildren(t, server))
	})

	t.Run("should remove its node when the caller gives up", func(t *testing.T) {
		// Arrange
		var server = memory.NewServer()
		var held, err = NewDistributedLock(server.NewSession(), testLockPath).Lock(context.Background())
		require.NoError(t, err)

		var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		// Act
		handle, err := NewDistributedLock(server.NewSession(), testLockPath, fastRetry()).Lock(ctx)

		// Assert
		assert.Nil(t, handle)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, []string{coord.Base(held.Path())}, lockChildren(t, server))
	})

	t.Run("should unblock a waiter whose session expires", func(t *testing.T) {
		// Arrange
		var (
			server  = memory.NewServer()
			waiter  = server.NewSession()
			_, err1 = NewDistributedLock(server.NewSession(), testLockPath).Lock(context.Background())
		)
		require.NoError(t, err1)
		var future = NewDistributedLock(waiter, testLockPath, fastRetry()).LockAsync(context.Background())
		time.Sleep(20 * time.Millisecond)

		// Act
		require.NoError(t, server.Expire(waiter.ID()))

		// Assert
		select {
		case result := <-future.Result():
			assert.Nil(t, result.Handle)
			assert.ErrorIs(t, result.Err, coord.ErrSessionExpired)
			assert.True(t, IsSessionFatal(result.Err))
		case <-time.After(2 * time.Second):
			t.Fatal("Lock stayed blocked after session expiry")
		}
	})

	t.Run("should hand the lock over when the holder's session expires", func(t *testing.T) {
		// Arrange
		var (
			server = memory.NewServer()
			holder = server.NewSession()
		)
		var held, err = NewDistributedLock(holder, testLockPath).Lock(context.Background())
		require.NoError(t, err)
		var future = NewDistributedLock(server.NewSession(), testLockPath, fastRetry()).LockAsync(context.Background())

		// Act
		require.NoError(t, server.Expire(holder.ID()))

		// Assert
		var ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		handle, err := future.Wait(ctx)
		require.NoError(t, err)
		assert.True(t, handle.Valid())
		assert.False(t, held.Valid())
	})

	t.Run("should retry transient failures", func(t *testing.T) {
		// Arrange
		var server = memory.NewServer()
		server.FailNext(memory.OpCreate, coord.ErrConnectionLoss)
		server.FailNext(memory.OpChildren, coord.ErrConnectionLoss)
		var sut = NewDistributedLock(server.NewSession(), testLockPath, fastRetry())

		// Act
		var handle, err = sut.Lock(context.Background())

		// Assert
		require.NoError(t, err)
		assert.True(t, handle.Valid())
		assert.Len(t, lockChildren(t, server), 1)
	})

	t.Run("should not retry session-fatal failures", func(t *testing.T) {
		// Arrange
		var server = memory.NewServer()
		server.FailNext(memory.OpCreate, coord.ErrNoAuth)
		var sut = NewDistributedLock(server.NewSession(), testLockPath, fastRetry())

		// Act
		var _, err = sut.Lock(context.Background())

		// Assert
		var coordErr *CoordinationError
		require.ErrorAs(t, err, &coordErr)
		assert.Equal(t, coord.KindSessionFatal, coordErr.Kind)
		assert.Equal(t, "create", coordErr.Op)
	})

	t.Run("should release a lock acquired after cancel", func(t *testing.T) {
		// Arrange
		var server = memory.NewServer()
		var future = NewDistributedLock(server.NewSession(), testLockPath).LockAsync(context.Background())
		var result = <-future.Result()
		require.NoError(t, result.Err)

		// Act
		future.Cancel()

		// Assert
		assert.False(t, result.Handle.Valid())
		assert.Empty(t, lockChildren(t, server))
		var handle, err = future.Wait(context.Background())
		assert.Nil(t, handle)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("should report invalid after session loss", func(t *testing.T) {
		// Arrange
		var (
			server  = memory.NewServer()
			session = server.NewSession()
		)
		var handle, err = NewDistributedLock(session, testLockPath).Lock(context.Background())
		require.NoError(t, err)

		// Act
		require.NoError(t, server.Expire(session.ID()))

		// Assert
		assert.False(t, handle.Valid())
		assert.True(t, IsSessionFatal(handle.Unlock(context.Background())))
		assert.NoError(t, handle.Unlock(context.Background()))
	})
}
