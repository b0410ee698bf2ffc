package pgcoord

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go-hrfsring/coord"
	"go-hrfsring/database"
)

// Session is a coord.Session backed by a row in the sessions table.
type Session struct {
	service *Service
	id      string
	done    chan struct{}

	mu      sync.Mutex
	err     error
	renewAt time.Time
}

func newSession(service *Service, id string, now time.Time) *Session {
	return &Session{
		service: service,
		id:      id,
		done:    make(chan struct{}),
		renewAt: now,
	}
}

// ID implements coord.Session.
func (s *Session) ID() string {
	return s.id
}

// Done implements coord.Session.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err implements coord.Session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements coord.Session. The session row and its ephemeral nodes
// are deleted, an already ended session is left alone.
func (s *Session) Close() error {
	if s.Err() != nil {
		return nil
	}

	var ctx, cancel = context.WithTimeout(context.Background(), s.service.options.sessionTTL)
	defer cancel()

	var err = s.service.deleteSession(ctx, s.id)
	s.service.endLocal(s.id, coord.ErrClosed)
	if err != nil {
		return fmt.Errorf("failed to delete session %s, it expires on its own: %w", s.id, err)
	}
	return nil
}

func (s *Session) finish(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return
	}
	s.err = reason
	close(s.done)
}

func (s *Session) renewed(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewAt = at
}

func (s *Session) lastRenewal() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renewAt
}

func (s *Session) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Err()
}

// Create implements coord.Session.
func (s *Session) Create(ctx context.Context, path string, data []byte, mode coord.Mode) (string, error) {
	if err := coord.ValidatePath(path); err != nil {
		return "", err
	}
	if err := s.begin(ctx); err != nil {
		return "", err
	}

	var (
		parent = coord.Parent(path)
		actual = path
	)
	var err = s.service.withTx(ctx, func(q *database.Queries) error {
		// An ephemeral node must not outlive its session row.
		if mode.IsEphemeral() {
			var alive, err = q.LockSession(ctx, s.id)
			if err != nil {
				return err
			}
			if !alive {
				return fmt.Errorf("create %s: %w", path, coord.ErrSessionExpired)
			}
		}

		var parentNode, err = q.GetNodeForUpdate(ctx, parent)
		if err != nil {
			return err
		}
		if parentNode == nil {
			return fmt.Errorf("create %s: %w", path, coord.ErrNoParent)
		}

		if mode.IsSequential() {
			var seq, err = q.NextSequence(ctx, parent)
			if err != nil {
				return err
			}
			actual = coord.SequenceName(path, seq)
		}

		var node = &database.NodeRecord{Path: actual, Parent: parent, Data: data}
		if mode.IsEphemeral() {
			node.Owner = sql.NullString{String: s.id, Valid: true}
		}
		inserted, err := q.InsertNode(ctx, node)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("create %s: %w", actual, coord.ErrNodeExists)
		}

		if err := s.service.notify(ctx, q, notifyCreated, actual); err != nil {
			return err
		}
		return s.service.notify(ctx, q, notifyChildren, parent)
	})
	if errors.Is(err, coord.ErrSessionExpired) {
		s.service.endLocal(s.id, coord.ErrSessionExpired)
	}
	if err != nil {
		return "", err
	}
	return actual, nil
}

// Get implements coord.Session.
func (s *Session) Get(ctx context.Context, path string) ([]byte, coord.Stat, error) {
	if err := s.begin(ctx); err != nil {
		return nil, coord.Stat{}, err
	}

	var node, err = s.service.queries.GetNode(ctx, path)
	if err != nil {
		return nil, coord.Stat{}, mapError(err)
	}
	if node == nil {
		return nil, coord.Stat{}, fmt.Errorf("get %s: %w", path, coord.ErrNoNode)
	}
	return node.Data, statOf(node), nil
}

// Exists implements coord.Session.
func (s *Session) Exists(ctx context.Context, path string) (bool, coord.Stat, error) {
	if err := s.begin(ctx); err != nil {
		return false, coord.Stat{}, err
	}

	var node, err = s.service.queries.GetNode(ctx, path)
	if err != nil {
		return false, coord.Stat{}, mapError(err)
	}
	if node == nil {
		return false, coord.Stat{}, nil
	}
	return true, statOf(node), nil
}

// ExistsW implements coord.Session. The watch is registered before the read
// so no change between both can be missed.
func (s *Session) ExistsW(ctx context.Context, path string) (bool, coord.Stat, <-chan coord.Event, error) {
	if err := s.begin(ctx); err != nil {
		return false, coord.Stat{}, nil, err
	}

	var events, drop = s.service.addWatch(s.service.dataWatches, path, s.id)
	var exists, stat, err = s.Exists(ctx, path)
	if err != nil {
		drop()
		return false, coord.Stat{}, nil, err
	}
	return exists, stat, events, nil
}

// Set implements coord.Session.
func (s *Session) Set(ctx context.Context, path string, data []byte, version int64) (coord.Stat, error) {
	if err := s.begin(ctx); err != nil {
		return coord.Stat{}, err
	}

	var stat coord.Stat
	var err = s.service.withTx(ctx, func(q *database.Queries) error {
		var newVersion, ok, err = q.UpdateNode(ctx, path, data, version)
		if err != nil {
			return err
		}
		if !ok {
			return s.missOrConflict(ctx, q, "set", path, version)
		}

		stat = coord.Stat{Version: newVersion, DataLength: len(data)}
		return s.service.notify(ctx, q, notifyChanged, path)
	})
	return stat, err
}

// Delete implements coord.Session.
func (s *Session) Delete(ctx context.Context, path string, version int64) error {
	if err := s.begin(ctx); err != nil {
		return err
	}

	return s.service.withTx(ctx, func(q *database.Queries) error {
		var children, err = q.CountChildren(ctx, path)
		if err != nil {
			return err
		}
		if children > 0 {
			return fmt.Errorf("delete %s: %w", path, coord.ErrNotEmpty)
		}

		deleted, err := q.DeleteNode(ctx, path, version)
		if err != nil {
			return err
		}
		if !deleted {
			return s.missOrConflict(ctx, q, "delete", path, version)
		}

		if err := s.service.notify(ctx, q, notifyDeleted, path); err != nil {
			return err
		}
		return s.service.notify(ctx, q, notifyChildren, coord.Parent(path))
	})
}

// Children implements coord.Session.
func (s *Session) Children(ctx context.Context, path string) ([]string, error) {
	if err := s.begin(ctx); err != nil {
		return nil, err
	}

	var node, err = s.service.queries.GetNode(ctx, path)
	if err != nil {
		return nil, mapError(err)
	}
	if node == nil {
		return nil, fmt.Errorf("children %s: %w", path, coord.ErrNoNode)
	}

	paths, err := s.service.queries.ListChildren(ctx, path)
	if err != nil {
		return nil, mapError(err)
	}

	var names = make([]string, 0, len(paths))
	for _, p := range paths {
		names = append(names, coord.Base(p))
	}
	return names, nil
}

// ChildrenW implements coord.Session.
func (s *Session) ChildrenW(ctx context.Context, path string) ([]string, <-chan coord.Event, error) {
	if err := s.begin(ctx); err != nil {
		return nil, nil, err
	}

	var events, drop = s.service.addWatch(s.service.childWatches, path, s.id)
	var names, err = s.Children(ctx, path)
	if err != nil {
		drop()
		return nil, nil, err
	}
	return names, events, nil
}

// missOrConflict tells a missing node from a version conflict after a
// conditional write matched no row.
func (s *Session) missOrConflict(ctx context.Context, q *database.Queries, op, path string, version int64) error {
	var node, err = q.GetNode(ctx, path)
	if err != nil {
		return err
	}
	if node == nil {
		return fmt.Errorf("%s %s: %w", op, path, coord.ErrNoNode)
	}
	return fmt.Errorf("%s %s at version %d, current %d: %w", op, path, version, node.Version, coord.ErrBadVersion)
}

func statOf(node *database.NodeRecord) coord.Stat {
	return coord.Stat{
		Version:        node.Version,
		EphemeralOwner: node.Owner.String,
		DataLength:     len(node.Data),
	}
}
