package memory

import (
	"context"
	"fmt"
	"sort"

	"go-hrfsring/coord"
)

// Session is a client session on a Server.
type Session struct {
	server *Server
	id     string
	done   chan struct{}
	err    error // guarded by server.mu
}

var _ coord.Session = (*Session)(nil)

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
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	return s.err
}

// Close implements coord.Session.
func (s *Session) Close() error {
	// An already ended session is not an error, closing twice is fine.
	_ = s.server.endSession(s.id, coord.ErrClosed)
	return nil
}

// begin checks the context, the session and queued failures. Must be called
// with server.mu held.
func (s *Session) begin(ctx context.Context, op Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.err != nil {
		return s.err
	}
	return s.server.takeFailure(op)
}

// Create implements coord.Session.
func (s *Session) Create(ctx context.Context, path string, data []byte, mode coord.Mode) (string, error) {
	if err := coord.ValidatePath(path); err != nil {
		return "", err
	}

	var srv = s.server
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if err := s.begin(ctx, OpCreate); err != nil {
		return "", err
	}

	var (
		parentPath  = coord.Parent(path)
		parent, has = srv.nodes[parentPath]
	)
	if !has {
		return "", fmt.Errorf("create %s: %w", path, coord.ErrNoParent)
	}

	var actual = path
	if mode.IsSequential() {
		actual = coord.SequenceName(path, parent.cseq)
	}
	if _, exists := srv.nodes[actual]; exists {
		return "", fmt.Errorf("create %s: %w", actual, coord.ErrNodeExists)
	}
	parent.cseq++

	var node = &znode{
		data:     append([]byte(nil), data...),
		children: make(map[string]struct{}),
	}
	if mode.IsEphemeral() {
		node.owner = s.id
	}
	srv.nodes[actual] = node
	parent.children[coord.Base(actual)] = struct{}{}

	srv.fire(srv.dataWatches, actual, coord.Event{Type: coord.EventNodeCreated, Path: actual})
	srv.fire(srv.childWatches, parentPath, coord.Event{Type: coord.EventNodeChildrenChanged, Path: parentPath})
	return actual, nil
}

// Get implements coord.Session.
func (s *Session) Get(ctx context.Context, path string) ([]byte, coord.Stat, error) {
	var srv = s.server
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if err := s.begin(ctx, OpGet); err != nil {
		return nil, coord.Stat{}, err
	}

	var node, ok = srv.nodes[path]
	if !ok {
		return nil, coord.Stat{}, fmt.Errorf("get %s: %w", path, coord.ErrNoNode)
	}
	return append([]byte(nil), node.data...), statOf(node), nil
}

// Exists implements coord.Session.
func (s *Session) Exists(ctx context.Context, path string) (bool, coord.Stat, error) {
	var srv = s.server
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if err := s.begin(ctx, OpExists); err != nil {
		return false, coord.Stat{}, err
	}

	var node, ok = srv.nodes[path]
	if !ok {
		return false, coord.Stat{}, nil
	}
	return true, statOf(node), nil
}

// ExistsW implements coord.Session.
func (s *Session) ExistsW(ctx context.Context, path string) (bool, coord.Stat, <-chan coord.Event, error) {
	var srv = s.server
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if err := s.begin(ctx, OpExists); err != nil {
		return false, coord.Stat{}, nil, err
	}

	var ch = srv.addWatch(srv.dataWatches, path, s.id)
	var node, ok = srv.nodes[path]
	if !ok {
		return false, coord.Stat{}, ch, nil
	}
	return true, statOf(node), ch, nil
}

// Set implements coord.Session.
func (s *Session) Set(ctx context.Context, path string, data []byte, version int64) (coord.Stat, error) {
	var srv = s.server
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if err := s.begin(ctx, OpSet); err != nil {
		return coord.Stat{}, err
	}

	var node, ok = srv.nodes[path]
	if !ok {
		return coord.Stat{}, fmt.Errorf("set %s: %w", path, coord.ErrNoNode)
	}
	if version != coord.AnyVersion && version != node.version {
		return coord.Stat{}, fmt.Errorf("set %s at version %d, current %d: %w", path, version, node.version, coord.ErrBadVersion)
	}

	node.data = append([]byte(nil), data...)
	node.version++

	srv.fire(srv.dataWatches, path, coord.Event{Type: coord.EventNodeDataChanged, Path: path})
	return statOf(node), nil
}

// Delete implements coord.Session.
func (s *Session) Delete(ctx context.Context, path string, version int64) error {
	var srv = s.server
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if err := s.begin(ctx, OpDelete); err != nil {
		return err
	}

	var node, ok = srv.nodes[path]
	if !ok || path == "/" {
		return fmt.Errorf("delete %s: %w", path, coord.ErrNoNode)
	}
	if version != coord.AnyVersion && version != node.version {
		return fmt.Errorf("delete %s at version %d, current %d: %w", path, version, node.version, coord.ErrBadVersion)
	}
	if len(node.children) > 0 {
		return fmt.Errorf("delete %s: %w", path, coord.ErrNotEmpty)
	}

	srv.deleteLocked(path)
	return nil
}

// Children implements coord.Session.
func (s *Session) Children(ctx context.Context, path string) ([]string, error) {
	var srv = s.server
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if err := s.begin(ctx, OpChildren); err != nil {
		return nil, err
	}

	var node, ok = srv.nodes[path]
	if !ok {
		return nil, fmt.Errorf("children %s: %w", path, coord.ErrNoNode)
	}
	return childNames(node), nil
}

// ChildrenW implements coord.Session.
func (s *Session) ChildrenW(ctx context.Context, path string) ([]string, <-chan coord.Event, error) {
	var srv = s.server
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if err := s.begin(ctx, OpChildren); err != nil {
		return nil, nil, err
	}

	var node, ok = srv.nodes[path]
	if !ok {
		return nil, nil, fmt.Errorf("children %s: %w", path, coord.ErrNoNode)
	}
	return childNames(node), srv.addWatch(srv.childWatches, path, s.id), nil
}

func statOf(node *znode) coord.Stat {
	return coord.Stat{
		Version:        node.version,
		EphemeralOwner: node.owner,
		DataLength:     len(node.data),
	}
}

func childNames(node *znode) []string {
	var names = make([]string, 0, len(node.children))
	for name := range node.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
