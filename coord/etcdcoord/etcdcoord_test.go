package etcdcoord

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go-hrfsring/coord"
	"go-hrfsring/coord/coordtest"
)

// TestEndpointEnv names the etcd endpoint the backend tests run against.
// The tests are skipped when it is not set.
const TestEndpointEnv = "HRFS_TEST_ETCD_ENDPOINT"

func newTestService(t *testing.T) *Service {
	t.Helper()

	var endpoint = os.Getenv(TestEndpointEnv)
	if endpoint == "" {
		t.Skipf("%s is not set", TestEndpointEnv)
	}

	var s, err = New(context.Background(), []string{endpoint},
		WithNamespace("hrfs-test-"+uuid.NewString()+"/"),
		WithSessionTTL(2*time.Second),
		WithDialTimeout(2*time.Second))
	require.NoError(t, err)

	t.Cleanup(func() {
		// Sessions first, the namespace is cleared with the client still open.
		var client = s.client
		s.ownsClient = false
		_ = s.Close()
		_, _ = client.Delete(context.Background(), "", etcd.WithPrefix())
		_ = client.Close()
	})
	return s
}

func TestSessionContract(t *testing.T) {
	coordtest.RunSessionContract(t, "/", func(t *testing.T) coordtest.Backend {
		var s = newTestService(t)
		return coordtest.Backend{
			Connector: s,
			Expire: func(t *testing.T, session coord.Session) {
				require.NoError(t, s.Expire(context.Background(), session.(*Session)))
			},
		}
	})
}

func TestSession(t *testing.T) {
	t.Run("should record the session as owner of ephemeral nodes", func(t *testing.T) {
		// Arrange
		var (
			ctx = context.Background()
			sut = newTestService(t)
		)
		var session, err = sut.NewSession(ctx)
		require.NoError(t, err)

		// Act
		_, err = session.Create(ctx, "/eph", []byte("x"), coord.Ephemeral)
		require.NoError(t, err)
		_, stat, err := session.Get(ctx, "/eph")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, session.ID(), stat.EphemeralOwner)
		assert.Equal(t, 1, stat.DataLength)
	})

	t.Run("should keep the owner when an ephemeral node is updated", func(t *testing.T) {
		// Arrange
		var (
			ctx = context.Background()
			sut = newTestService(t)
		)
		var owner, err = sut.NewSession(ctx)
		require.NoError(t, err)
		other, err := sut.NewSession(ctx)
		require.NoError(t, err)
		_, err = owner.Create(ctx, "/eph", nil, coord.Ephemeral)
		require.NoError(t, err)

		// Act
		stat, err := other.Set(ctx, "/eph", []byte("v1"), 0)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, int64(1), stat.Version)
		assert.Equal(t, owner.ID(), stat.EphemeralOwner)
	})

	t.Run("should not list grandchildren or siblings with a common prefix", func(t *testing.T) {
		// Arrange
		var (
			ctx = context.Background()
			sut = newTestService(t)
		)
		var session, err = sut.NewSession(ctx)
		require.NoError(t, err)
		for _, path := range []string{"/a", "/ab", "/a/b", "/a/b/c", "/a/d"} {
			_, err = session.Create(ctx, path, nil, coord.Persistent)
			require.NoError(t, err)
		}

		// Act
		children, err := session.Children(ctx, "/a")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "d"}, children)
	})

	t.Run("should fire children watch when the node is deleted", func(t *testing.T) {
		// Arrange
		var (
			ctx = context.Background()
			sut = newTestService(t)
		)
		var session, err = sut.NewSession(ctx)
		require.NoError(t, err)
		_, err = session.Create(ctx, "/p", nil, coord.Persistent)
		require.NoError(t, err)
		_, events, err := session.ChildrenW(ctx, "/p")
		require.NoError(t, err)

		// Act
		require.NoError(t, session.Delete(ctx, "/p", coord.AnyVersion))

		// Assert
		assert.Equal(t, coord.EventNodeDeleted, coordtest.Receive(t, events).Type)
	})

	t.Run("should end watches with not watching on close", func(t *testing.T) {
		// Arrange
		var (
			ctx = context.Background()
			sut = newTestService(t)
		)
		var session, err = sut.NewSession(ctx)
		require.NoError(t, err)
		_, _, events, err := session.ExistsW(ctx, "/nothing")
		require.NoError(t, err)

		// Act
		require.NoError(t, session.Close())

		// Assert
		var ev = coordtest.Receive(t, events)
		assert.Equal(t, coord.EventNotWatching, ev.Type)
		assert.Equal(t, coord.StateClosed, ev.State)
		assert.ErrorIs(t, ev.Err, coord.ErrClosed)
	})

	t.Run("should refuse new sessions after close", func(t *testing.T) {
		// Arrange
		var sut = newTestService(t)
		require.NoError(t, sut.Close())

		// Act
		var _, err = sut.Connect(context.Background())

		// Assert
		assert.ErrorIs(t, err, coord.ErrClosed)
	})
}

func TestMapError(t *testing.T) {
	t.Run("should map a lost lease to session expiry", func(t *testing.T) {
		var err = mapError(rpctypes.ErrLeaseNotFound)
		assert.ErrorIs(t, err, coord.ErrSessionExpired)
		assert.Equal(t, coord.KindSessionFatal, coord.Classify(err))
	})

	t.Run("should map unavailable clusters to connection loss", func(t *testing.T) {
		var tests = []error{
			status.Error(codes.Unavailable, "connection refused"),
			rpctypes.ErrNoLeader,
			etcd.ErrNoAvailableEndpoints,
		}
		for _, in := range tests {
			var err = mapError(in)
			assert.ErrorIs(t, err, coord.ErrConnectionLoss, in.Error())
			assert.Equal(t, coord.KindRetryable, coord.Classify(err))
		}
	})

	t.Run("should map auth failures to no auth", func(t *testing.T) {
		assert.ErrorIs(t, mapError(rpctypes.ErrPermissionDenied), coord.ErrNoAuth)
	})

	t.Run("should pass other errors through", func(t *testing.T) {
		var plain = errors.New("boom")
		assert.Same(t, plain, mapError(plain))
		assert.ErrorIs(t, mapError(context.Canceled), context.Canceled)
		assert.NoError(t, mapError(nil))
	})
}

func TestSlogCore(t *testing.T) {
	t.Run("should forward entries with fields and drop debug", func(t *testing.T) {
		// Arrange
		var (
			buf    bytes.Buffer
			logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
			sut    = zap.New(newSlogCore(logger)).With(zap.String("component", "etcd-client"))
		)

		// Act
		sut.Debug("noise")
		sut.Warn("lease keepalive failed", zap.Int64("lease", 42))

		// Assert
		var out = buf.String()
		assert.NotContains(t, out, "noise")
		assert.Contains(t, out, "level=WARN")
		assert.Contains(t, out, `msg="lease keepalive failed"`)
		assert.Contains(t, out, "lease=42")
		assert.Contains(t, out, "component=etcd-client")
	})
}

func TestDirectChild(t *testing.T) {
	var tests = []struct {
		key  string
		name string
		ok   bool
	}{
		{key: "n/a/b", name: "b", ok: true},
		{key: "n/a/b/c", ok: false},
		{key: "n/ab", ok: false},
		{key: "n/a/", ok: false},
	}
	for _, tt := range tests {
		t.Run("should handle "+tt.key, func(t *testing.T) {
			var name, ok = directChild(childPrefix("/a"), tt.key)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.name, name)
		})
	}
}
