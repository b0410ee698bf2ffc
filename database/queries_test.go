package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueries(t *testing.T) {
	var (
		newDb = func(t *testing.T) *Queries {
			var db, _ = SetupTestDatabase(t)
			err := Migrate(db, "test_hrfs")
			require.NoError(t, err)
			return NewQueries(db, "test_hrfs")
		}
		newCtx = func() context.Context {
			return context.Background()
		}
		newNode = func(path, parent string, owner string) *NodeRecord {
			var node = &NodeRecord{Path: path, Parent: parent, Data: []byte("data:" + path)}
			if owner != "" {
				node.Owner = sql.NullString{String: owner, Valid: true}
			}
			return node
		}
	)

	t.Run("should create the root node on migrate", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)

		// Act
		var root, err = sut.GetNode(ctx, "/")

		// Assert
		require.NoError(t, err)
		require.NotNil(t, root)
		assert.Equal(t, "", root.Parent)
	})

	t.Run("should insert and get node", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)

		// Act
		var inserted, err = sut.InsertNode(ctx, newNode("/a", "/", "session-1"))
		require.NoError(t, err)
		node, getErr := sut.GetNode(ctx, "/a")

		// Assert
		assert.True(t, inserted)
		require.NoError(t, getErr)
		require.NotNil(t, node)
		assert.Equal(t, "/", node.Parent)
		assert.Equal(t, []byte("data:/a"), node.Data)
		assert.Equal(t, int64(0), node.Version)
		assert.Equal(t, "session-1", node.Owner.String)
	})

	t.Run("should not insert a node twice", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)
		var _, err = sut.InsertNode(ctx, newNode("/a", "/", ""))
		require.NoError(t, err)

		// Act
		inserted, err := sut.InsertNode(ctx, newNode("/a", "/", ""))

		// Assert
		require.NoError(t, err)
		assert.False(t, inserted)
	})

	t.Run("should return nil for non-existent node", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)

		// Act
		var node, err = sut.GetNode(ctx, "/missing")

		// Assert
		require.NoError(t, err)
		assert.Nil(t, node)
	})

	t.Run("should hand out increasing sequence numbers", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)

		// Act
		var first, err1 = sut.NextSequence(ctx, "/")
		var second, err2 = sut.NextSequence(ctx, "/")

		// Assert
		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.Equal(t, int64(0), first)
		assert.Equal(t, int64(1), second)
	})

	t.Run("should update node with version check", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)
		var _, err = sut.InsertNode(ctx, newNode("/a", "/", ""))
		require.NoError(t, err)

		// Act
		version, ok, err := sut.UpdateNode(ctx, "/a", []byte("v1"), 0)
		require.NoError(t, err)
		_, stale, err := sut.UpdateNode(ctx, "/a", []byte("v2"), 0)
		require.NoError(t, err)
		anyVersion, anyOK, err := sut.UpdateNode(ctx, "/a", []byte("v3"), -1)
		require.NoError(t, err)

		// Assert
		assert.True(t, ok)
		assert.Equal(t, int64(1), version)
		assert.False(t, stale)
		assert.True(t, anyOK)
		assert.Equal(t, int64(2), anyVersion)

		node, err := sut.GetNode(ctx, "/a")
		require.NoError(t, err)
		assert.Equal(t, []byte("v3"), node.Data)
	})

	t.Run("should delete node with version check", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)
		var _, err = sut.InsertNode(ctx, newNode("/a", "/", ""))
		require.NoError(t, err)

		// Act
		stale, err := sut.DeleteNode(ctx, "/a", 5)
		require.NoError(t, err)
		deleted, err := sut.DeleteNode(ctx, "/a", 0)
		require.NoError(t, err)

		// Assert
		assert.False(t, stale)
		assert.True(t, deleted)
		node, err := sut.GetNode(ctx, "/a")
		require.NoError(t, err)
		assert.Nil(t, node)
	})

	t.Run("should list children and owned nodes", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
		)
		for _, node := range []*NodeRecord{
			newNode("/lock", "/", ""),
			newNode("/lock/b", "/lock", "session-1"),
			newNode("/lock/a", "/lock", "session-2"),
			newNode("/other", "/", "session-1"),
		} {
			var _, err = sut.InsertNode(ctx, node)
			require.NoError(t, err)
		}

		// Act
		children, err := sut.ListChildren(ctx, "/lock")
		require.NoError(t, err)
		count, err := sut.CountChildren(ctx, "/lock")
		require.NoError(t, err)
		owned, err := sut.ListOwnedNodes(ctx, "session-1")
		require.NoError(t, err)

		// Assert
		assert.Equal(t, []string{"/lock/a", "/lock/b"}, children)
		assert.Equal(t, 2, count)
		assert.Equal(t, []string{"/lock/b", "/other"}, owned)
	})

	t.Run("should renew and expire sessions", func(t *testing.T) {
		// Arrange
		var (
			sut = newDb(t)
			ctx = newCtx()
			now = time.Now()
		)
		require.NoError(t, sut.InsertSession(ctx, &SessionRecord{SessionID: "s1", ExpiresAt: now.Add(-time.Second)}))
		require.NoError(t, sut.InsertSession(ctx, &SessionRecord{SessionID: "s2", ExpiresAt: now.Add(-time.Second)}))

		// Act
		renewed, err := sut.RenewSession(ctx, "s2", now.Add(time.Minute))
		require.NoError(t, err)
		missing, err := sut.RenewSession(ctx, "s3", now.Add(time.Minute))
		require.NoError(t, err)
		expired, err := sut.ListExpiredSessions(ctx, now)
		require.NoError(t, err)

		// Assert
		assert.True(t, renewed)
		assert.False(t, missing)
		require.Len(t, expired, 1)
		assert.Equal(t, "s1", expired[0].SessionID)

		require.NoError(t, sut.DeleteSession(ctx, "s1"))
		expired, err = sut.ListExpiredSessions(ctx, now)
		require.NoError(t, err)
		assert.Empty(t, expired)
	})
}
