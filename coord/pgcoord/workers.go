package pgcoord

import (
	"context"
	"fmt"

	"go-hrfsring/coord"
	"go-hrfsring/database"
)

// dispatchWorker delivers notifications to the registered watches.
func (s *Service) dispatchWorker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				s.dispatch(nil)
				continue
			}
			var extra = n.Extra
			s.dispatch(&extra)
		}
	}
}

// reapSessionsWorker periodically removes expired sessions together with
// their ephemeral nodes.
func (s *Service) reapSessionsWorker(ctx context.Context) {
	defer s.wg.Done()

	var ticker = s.options.clock.NewTicker(s.options.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := s.reapExpiredSessions(ctx); err != nil {
				s.options.logger.Error("failed to reap expired sessions", "error", err)
			}
		}
	}
}

func (s *Service) reapExpiredSessions(ctx context.Context) error {
	var expired, err = s.queries.ListExpiredSessions(ctx, s.options.clock.Now())
	if err != nil {
		return err
	}

	for _, session := range expired {
		if err := s.reapSession(ctx, session.SessionID); err != nil {
			return err
		}
		s.options.logger.Info("reaped expired session",
			"session", session.SessionID,
			"expired_at", session.ExpiresAt)
	}
	return nil
}

// reapSession deletes a session and its ephemeral nodes in one transaction.
func (s *Service) reapSession(ctx context.Context, sessionID string) error {
	var err = s.deleteSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to reap session %s: %w", sessionID, err)
	}
	s.endLocal(sessionID, coord.ErrSessionExpired)
	return nil
}

func (s *Service) deleteSession(ctx context.Context, sessionID string) error {
	return s.withTx(ctx, func(q *database.Queries) error {
		// Deleting the row first waits for ephemeral creates holding it, so
		// their nodes are listed below.
		if err := q.DeleteSession(ctx, sessionID); err != nil {
			return err
		}

		var owned, err = q.ListOwnedNodes(ctx, sessionID)
		if err != nil {
			return err
		}

		// Deepest first, so parents are empty when they are deleted.
		for i := len(owned) - 1; i >= 0; i-- {
			var path = owned[i]
			if _, err := q.DeleteNode(ctx, path, coord.AnyVersion); err != nil {
				return err
			}
			if err := s.notify(ctx, q, notifyDeleted, path); err != nil {
				return err
			}
			if err := s.notify(ctx, q, notifyChildren, coord.Parent(path)); err != nil {
				return err
			}
		}
		return nil
	})
}

// renewWorker keeps the session alive. The session expires locally when the
// row is gone or when no renewal succeeded for a whole TTL.
func (s *Session) renewWorker() {
	defer s.service.wg.Done()

	var (
		opts   = s.service.options
		ticker = opts.clock.NewTicker(opts.renewInterval)
	)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.Chan():
			var (
				now      = opts.clock.Now()
				ctx, end = context.WithTimeout(context.Background(), opts.renewInterval)
				ok, err  = s.service.queries.RenewSession(ctx, s.id, now.Add(opts.sessionTTL))
			)
			end()

			switch {
			case err != nil:
				opts.logger.Warn("failed to renew session", "session", s.id, "error", err)
				if now.Sub(s.lastRenewal()) >= opts.sessionTTL {
					s.service.endLocal(s.id, coord.ErrSessionExpired)
					return
				}
			case !ok:
				opts.logger.Warn("session was reaped", "session", s.id)
				s.service.endLocal(s.id, coord.ErrSessionExpired)
				return
			default:
				s.renewed(now)
			}
		}
	}
}
