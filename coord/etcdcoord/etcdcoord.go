// Package etcdcoord implements the coordination service on etcd.
//
// A node is the key "n<path>" below the namespace. Ephemeral nodes are
// attached to the lease of their session, so etcd deletes them when the lease
// expires or is revoked. Sequence counters of a parent live in "c<path>".
// Node versions come from the etcd key version, which starts at 1.
package etcdcoord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.etcd.io/etcd/client/v3/namespace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go-hrfsring/coord"
)

// Service is a connection to an etcd cluster. It implements coord.Connector.
type Service struct {
	client     *etcd.Client
	ownsClient bool
	options    options
	wg         sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// New connects to the etcd cluster at endpoints. The client is closed
// together with the service.
func New(ctx context.Context, endpoints []string, opts ...Option) (*Service, error) {
	var o = defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	var client, err = etcd.New(etcd.Config{
		// The client lives as long as the service, not as the dial context.
		Context:              context.Background(),
		Endpoints:            endpoints,
		DialTimeout:          o.dialTimeout,
		DialKeepAliveTimeout: 5 * time.Second,
		DialKeepAliveTime:    10 * time.Second,
		Username:             o.username,
		Password:             o.password,
		Logger:               zap.New(newSlogCore(o.logger.With("component", "etcd-client"))),
		PermitWithoutStream:  true,
		DialOptions: []grpc.DialOption{
			grpc.WithBlock(),
			grpc.WithReturnConnectionError(),
			grpc.WithConnectParams(grpc.ConnectParams{
				Backoff: backoff.Config{
					BaseDelay:  100 * time.Millisecond,
					Multiplier: 1.5,
					Jitter:     0.2,
					MaxDelay:   15 * time.Second,
				},
			}),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	var checkCtx, cancel = context.WithTimeout(ctx, o.dialTimeout)
	defer cancel()
	if _, err := client.MemberList(checkCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to list etcd cluster members: %w", err)
	}

	var s = newService(client, o)
	s.ownsClient = true
	o.logger.Info("etcd coordination service started", "endpoints", endpoints, "namespace", o.namespace)
	return s, nil
}

// NewWithClient wraps an existing client. The caller keeps closing it.
func NewWithClient(client *etcd.Client, opts ...Option) *Service {
	var o = defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newService(client, o)
}

func newService(client *etcd.Client, o options) *Service {
	if o.namespace != "" {
		client.KV = namespace.NewKV(client.KV, o.namespace)
		client.Lease = namespace.NewLease(client.Lease, o.namespace)
		client.Watcher = namespace.NewWatcher(client.Watcher, o.namespace)
	}
	return &Service{
		client:   client,
		options:  o,
		sessions: make(map[string]*Session),
	}
}

// Connect implements coord.Connector.
func (s *Service) Connect(ctx context.Context) (coord.Session, error) {
	var session, err = s.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// NewSession grants a lease and keeps it alive until the session ends.
func (s *Service) NewSession(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, coord.ErrClosed
	}
	s.mu.Unlock()

	var lease, err = concurrency.NewSession(s.client,
		concurrency.WithTTL(s.options.ttlSeconds()),
		concurrency.WithContext(context.WithoutCancel(ctx)))
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", mapError(err))
	}

	var session = newSession(s, lease)

	s.mu.Lock()
	s.sessions[session.id] = session
	s.mu.Unlock()

	s.wg.Add(1)
	go session.monitor()

	s.options.logger.Debug("session opened", "session", session.id)
	return session, nil
}

// Close closes every session of this service, revoking their leases.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var sessions = make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	var errs []error
	for _, session := range sessions {
		if err := session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()

	if s.ownsClient {
		if err := s.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close etcd client: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Expire revokes the lease of a session as if it had timed out.
func (s *Service) Expire(ctx context.Context, session *Session) error {
	if _, err := s.client.Revoke(ctx, session.Lease()); err != nil {
		return fmt.Errorf("failed to revoke lease of session %s: %w", session.id, mapError(err))
	}
	return nil
}

func (s *Service) forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// mapError turns transport failures into coord.ErrConnectionLoss and a lost
// lease into coord.ErrSessionExpired. Everything else passes through.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, rpctypes.ErrLeaseNotFound):
		return fmt.Errorf("%w: %s", coord.ErrSessionExpired, err)
	case errors.Is(err, rpctypes.ErrPermissionDenied),
		errors.Is(err, rpctypes.ErrInvalidAuthToken),
		errors.Is(err, rpctypes.ErrAuthFailed):
		return fmt.Errorf("%w: %s", coord.ErrNoAuth, err)
	case errors.Is(err, etcd.ErrNoAvailableEndpoints):
		return fmt.Errorf("%w: %s", coord.ErrConnectionLoss, err)
	}

	var code codes.Code
	var etcdErr rpctypes.EtcdError
	if errors.As(err, &etcdErr) {
		code = etcdErr.Code()
	} else if st, ok := status.FromError(err); ok {
		code = st.Code()
	}

	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return fmt.Errorf("%w: %s", coord.ErrConnectionLoss, err)
	}
	return err
}
