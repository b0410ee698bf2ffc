// Package memory is an in-process coordination service. It implements the
// full coord.Session contract, including ephemeral cleanup and single-shot
// watches, and adds fault injection hooks used by tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"go-hrfsring/coord"
)

// Op names a session operation for fault injection.
type Op string

const (
	OpCreate   Op = "create"
	OpGet      Op = "get"
	OpExists   Op = "exists"
	OpSet      Op = "set"
	OpDelete   Op = "delete"
	OpChildren Op = "children"
)

type znode struct {
	data     []byte
	version  int64
	owner    string
	children map[string]struct{}
	cseq     int64
}

type watch struct {
	ch      chan coord.Event
	session string
}

// Server holds the shared tree. Create sessions with Connect or NewSession.
type Server struct {
	mu           sync.Mutex
	nodes        map[string]*znode
	sessions     map[string]*Session
	nextSession  int64
	dataWatches  map[string][]watch
	childWatches map[string][]watch
	failures     map[Op][]error
}

// NewServer returns an empty tree containing only the root node.
func NewServer() *Server {
	return &Server{
		nodes: map[string]*znode{
			"/": {children: make(map[string]struct{})},
		},
		sessions:     make(map[string]*Session),
		dataWatches:  make(map[string][]watch),
		childWatches: make(map[string][]watch),
		failures:     make(map[Op][]error),
	}
}

// Connect implements coord.Connector.
func (s *Server) Connect(ctx context.Context) (coord.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.NewSession(), nil
}

// NewSession opens a new session.
func (s *Server) NewSession() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSession++
	var session = &Session{
		server: s,
		id:     "mem-" + strconv.FormatInt(s.nextSession, 10),
		done:   make(chan struct{}),
	}
	s.sessions[session.id] = session
	return session
}

// Expire simulates the service expiring a session: its ephemeral nodes are
// deleted, its pending watches receive EventNotWatching and Done is closed.
func (s *Server) Expire(sessionID string) error {
	return s.endSession(sessionID, coord.ErrSessionExpired)
}

// FailNext makes the next call of op, on any session, return err without
// touching the tree. Queued failures are consumed in order.
func (s *Server) FailNext(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// WatchCount returns the number of pending watches on a path, data and child
// watches combined.
func (s *Server) WatchCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dataWatches[path]) + len(s.childWatches[path])
}

func (s *Server) endSession(sessionID string, reason error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var session, ok = s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, coord.ErrSessionExpired)
	}
	delete(s.sessions, sessionID)
	session.err = reason

	// Watches owned by the dead session can no longer fire.
	var state = coord.StateOf(reason)
	for _, table := range []map[string][]watch{s.dataWatches, s.childWatches} {
		for path, watches := range table {
			var kept = watches[:0]
			for _, w := range watches {
				if w.session == sessionID {
					w.ch <- coord.Event{Type: coord.EventNotWatching, Path: path, State: state, Err: reason}
					close(w.ch)
					continue
				}
				kept = append(kept, w)
			}
			if len(kept) == 0 {
				delete(table, path)
			} else {
				table[path] = kept
			}
		}
	}

	// Ephemeral nodes go away, other sessions observe the deletions.
	var owned []string
	for path, node := range s.nodes {
		if node.owner == sessionID {
			owned = append(owned, path)
		}
	}
	sort.Strings(owned)
	for _, path := range owned {
		s.deleteLocked(path)
	}

	close(session.done)
	return nil
}

func (s *Server) takeFailure(op Op) error {
	var queue = s.failures[op]
	if len(queue) == 0 {
		return nil
	}
	s.failures[op] = queue[1:]
	return queue[0]
}

func (s *Server) fire(table map[string][]watch, path string, event coord.Event) {
	for _, w := range table[path] {
		w.ch <- event
		close(w.ch)
	}
	delete(table, path)
}

func (s *Server) addWatch(table map[string][]watch, path, sessionID string) <-chan coord.Event {
	var ch = make(chan coord.Event, 1)
	table[path] = append(table[path], watch{ch: ch, session: sessionID})
	return ch
}

func (s *Server) deleteLocked(path string) {
	var parent = coord.Parent(path)
	delete(s.nodes, path)
	if p, ok := s.nodes[parent]; ok {
		delete(p.children, coord.Base(path))
	}
	s.fire(s.dataWatches, path, coord.Event{Type: coord.EventNodeDeleted, Path: path})
	s.fire(s.childWatches, path, coord.Event{Type: coord.EventNodeDeleted, Path: path})
	s.fire(s.childWatches, parent, coord.Event{Type: coord.EventNodeChildrenChanged, Path: parent})
}
