// Package pgcoord implements the coordination service on PostgreSQL.
//
// Nodes live in the <table>_znodes table, sessions in <table>_sessions with
// an expiry that the owning process renews. Expired sessions are reaped by
// every connected service, which deletes their ephemeral nodes. Watches are
// delivered through LISTEN/NOTIFY on the <table>_events channel.
package pgcoord

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"go-hrfsring/coord"
	"go-hrfsring/database"
)

// Service is a connection to the PostgreSQL backed coordination service.
// It implements coord.Connector.
type Service struct {
	db       *sql.DB
	queries  *database.Queries
	listener *pq.Listener
	channel  string
	options  options
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu           sync.Mutex
	sessions     map[string]*Session
	dataWatches  map[string][]watch
	childWatches map[string][]watch
	closed       bool
}

// New migrates the tables, starts listening for notifications on connURL
// and starts the session reaper.
func New(ctx context.Context, db *sql.DB, connURL string, opts ...Option) (*Service, error) {
	var o = defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if err := database.Migrate(db, o.tableName); err != nil {
		return nil, fmt.Errorf("failed to migrate coordination tables: %w", err)
	}

	var s = &Service{
		db:           db,
		queries:      database.NewQueries(db, o.tableName),
		channel:      o.tableName + "_events",
		options:      o,
		sessions:     make(map[string]*Session),
		dataWatches:  make(map[string][]watch),
		childWatches: make(map[string][]watch),
	}

	s.listener = pq.NewListener(connURL, 10*time.Millisecond, time.Minute, s.listenerEvent)
	if err := s.listener.Listen(s.channel); err != nil {
		_ = s.listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", s.channel, err)
	}

	var workerCtx context.Context
	workerCtx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(2)
	go s.dispatchWorker(workerCtx)
	go s.reapSessionsWorker(workerCtx)

	o.logger.Info("postgres coordination service started", "table", o.tableName)
	return s, nil
}

// Connect implements coord.Connector.
func (s *Service) Connect(ctx context.Context) (coord.Session, error) {
	var session, err = s.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// NewSession registers a new session and starts renewing it.
func (s *Service) NewSession(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, coord.ErrClosed
	}
	s.mu.Unlock()

	var (
		now     = s.options.clock.Now()
		record  = &database.SessionRecord{SessionID: uuid.NewString(), ExpiresAt: now.Add(s.options.sessionTTL)}
		session = newSession(s, record.SessionID, now)
	)
	if err := s.queries.InsertSession(ctx, record); err != nil {
		return nil, mapError(err)
	}

	s.mu.Lock()
	s.sessions[session.id] = session
	s.mu.Unlock()

	s.wg.Add(1)
	go session.renewWorker()

	s.options.logger.Debug("session opened", "session", session.id)
	return session, nil
}

// Close closes every session of this service and stops its workers.
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

	for _, session := range sessions {
		_ = session.Close()
	}

	s.cancel()
	var err = s.listener.Close()
	s.wg.Wait()
	return err
}

// Expire deletes a session as if it had timed out. Its owner notices on the
// next renewal or, when it lives in this process, immediately.
func (s *Service) Expire(ctx context.Context, sessionID string) error {
	return s.reapSession(ctx, sessionID)
}

func (s *Service) listenerEvent(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventDisconnected:
		s.options.logger.Warn("notification listener disconnected", "error", err)
	case pq.ListenerEventReconnected:
		s.options.logger.Info("notification listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		s.options.logger.Warn("notification listener reconnect failed", "error", err)
	}
}

// endLocal ends a session of this process: its watches receive
// EventNotWatching and Done is closed.
func (s *Service) endLocal(sessionID string, reason error) {
	s.mu.Lock()
	var session, ok = s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
		s.dropWatchesLocked(sessionID, reason)
	}
	s.mu.Unlock()

	if ok {
		session.finish(reason)
	}
}

// withTx runs fn in a transaction. Notifications sent inside are delivered
// on commit.
func (s *Service) withTx(ctx context.Context, fn func(q *database.Queries) error) error {
	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}

	if err := fn(s.queries.WithTx(tx)); err != nil {
		_ = tx.Rollback()
		return mapError(err)
	}

	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

// mapError turns transport failures into coord.ErrConnectionLoss so callers
// retry them. Everything else passes through.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		// connection exception, transaction rollback, operator intervention
		case "08", "40", "57":
			return fmt.Errorf("%w: %s", coord.ErrConnectionLoss, err)
		}
		return err
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %s", coord.ErrConnectionLoss, err)
	}
	return err
}
