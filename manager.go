package hrfsring

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go-hrfsring/coord"
)

// RingManager owns this node's view of the ring: its identity, the
// coordination session, the ring lock and the ring watcher. It implements
// RingListener for its watcher.
//
// The manager fails closed: without a live session or a known ring, Owner
// and Lookup return ErrNotServing.
type RingManager struct {
	connector coord.Connector
	config    Config
	opts      []Option
	options   options
	metrics   *metrics
	nodeID    string
	self      RingNode

	// reconnectMu serializes Reconnect and Close.
	reconnectMu sync.Mutex

	mu         sync.RWMutex
	session    coord.Session
	lock       *DistributedLock
	watcher    *RingWatcher
	generation uint64
	ring       *Ring
	serving    bool
	closed     bool
	reason     error
	changed    chan struct{}
}

// NewRingManager loads the node identity, opens a session and starts
// watching the ring. It does not create or join a ring.
func NewRingManager(ctx context.Context, connector coord.Connector, client ClusterClient, cfg Config, opts ...Option) (*RingManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var nodeID, err = LoadOrCreateNodeID(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load node identity: %w", err)
	}

	var (
		fn = LookupHashFunction(cfg.HashFunctionID)
		o  = newOptions(opts)
		m  = &RingManager{
			connector: connector,
			config:    cfg,
			opts:      opts,
			options:   o,
			metrics:   newMetrics(o.registerer),
			nodeID:    nodeID,
			self: CreateNode(NodeHash(nodeID, fn), Endpoint{
				Host: client.RPCAddress(),
				Port: client.RPCPort(),
			}),
			changed: make(chan struct{}),
		}
	)

	if err := m.connect(ctx); err != nil {
		return nil, err
	}

	o.logger.Info("ring manager started",
		"node_id", nodeID,
		"hash", m.self.Hash,
		"endpoint", m.self.Endpoint,
		"session", m.session.ID())

	return m, nil
}

// connect opens a session and builds the lock and the watcher on it.
func (m *RingManager) connect(ctx context.Context) error {
	var session, err = m.connector.Connect(ctx)
	if err != nil {
		return wrapCoordError("connect", m.config.RingPath, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		_ = session.Close()
		return ErrManagerClosed
	}

	m.generation++
	m.session = session
	m.lock = NewDistributedLock(session, m.config.LockPath, m.opts...)
	m.ring = nil
	m.serving = true
	m.reason = nil
	m.watcher = NewRingWatcher(context.Background(), session, m.config.RingPath,
		&generationListener{manager: m, generation: m.generation}, m.opts...)
	m.broadcastLocked()

	return nil
}

// NodeID returns the persisted node identity.
func (m *RingManager) NodeID() string {
	return m.nodeID
}

// Self returns this node's ring member.
func (m *RingManager) Self() RingNode {
	return m.self
}

// Ring returns the last ring seen by the watcher, nil if none is known.
func (m *RingManager) Ring() *Ring {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ring
}

// Serving reports whether the node has a live session and a known ring.
func (m *RingManager) Serving() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed && m.serving && m.ring != nil
}

// GetRing reads the published ring. It returns (nil, nil) when no ring
// exists yet.
func (m *RingManager) GetRing(ctx context.Context) (*Ring, error) {
	var session, err = m.currentSession()
	if err != nil {
		return nil, err
	}

	snap, err := m.fetch(ctx, session)
	if err != nil {
		return nil, err
	}
	return snap.ring, nil
}

// CreateRing publishes a ring containing only this node. If another node
// published a ring first, that ring is returned unchanged.
func (m *RingManager) CreateRing(ctx context.Context) (*Ring, error) {
	var result *Ring

	var err = m.withLock(ctx, func(ctx context.Context, handle *LockHandle) error {
		var snap, err = m.fetch(ctx, handle.Session())
		if err != nil {
			return err
		}
		if snap.exists {
			m.options.logger.Info("ring already exists, adopting it", "members", snap.ring.Len())
			result = snap.ring
			return nil
		}

		var ring = NewRing(m.config.HashFunctionID).Add(m.self)
		if err := m.publish(ctx, handle, snap, ring); err != nil {
			return err
		}
		m.metrics.publishes.WithLabelValues("create").Inc()
		m.options.logger.Info("created ring", "self", m.self)
		result = ring
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ring: %w", err)
	}
	return result, nil
}

// JoinRing adds this node to the published ring, creating the ring when none
// exists. Joining twice is a no-op, a changed endpoint is updated.
func (m *RingManager) JoinRing(ctx context.Context) (*Ring, error) {
	var ring, err = m.GetRing(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to join ring: %w", err)
	}

	if ring == nil {
		ring, err = m.CreateRing(ctx)
		if err != nil {
			return nil, err
		}
		if m.isSelf(ring) {
			return ring, nil
		}
	}

	var result *Ring
	err = m.withLock(ctx, func(ctx context.Context, handle *LockHandle) error {
		var snap, err = m.fetch(ctx, handle.Session())
		if err != nil {
			return err
		}
		if !snap.exists {
			return fmt.Errorf("published ring disappeared at %s", m.config.RingPath)
		}
		if m.isSelf(snap.ring) {
			result = snap.ring
			return nil
		}

		var next = snap.ring.Add(m.self)
		if err := m.publish(ctx, handle, snap, next); err != nil {
			return err
		}
		m.metrics.publishes.WithLabelValues("join").Inc()
		m.options.logger.Info("joined ring", "self", m.self, "members", next.Len())
		result = next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to join ring: %w", err)
	}
	return result, nil
}

// LeaveRing removes this node from the published ring. The last member
// cannot leave, a published ring is never empty.
func (m *RingManager) LeaveRing(ctx context.Context) (*Ring, error) {
	var result *Ring

	var err = m.withLock(ctx, func(ctx context.Context, handle *LockHandle) error {
		var snap, err = m.fetch(ctx, handle.Session())
		if err != nil {
			return err
		}
		if !snap.exists || !snap.ring.Contains(m.self) {
			result = snap.ring
			return nil
		}
		if snap.ring.Len() == 1 {
			return ErrLastMember
		}

		var next = snap.ring.Remove(m.self)
		if err := m.publish(ctx, handle, snap, next); err != nil {
			return err
		}
		m.metrics.publishes.WithLabelValues("leave").Inc()
		m.options.logger.Info("left ring", "self", m.self, "members", next.Len())
		result = next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to leave ring: %w", err)
	}
	return result, nil
}

// WaitForRing blocks until a ring is known, the session dies, the manager is
// closed or ctx ends.
func (m *RingManager) WaitForRing(ctx context.Context) (*Ring, error) {
	for {
		m.mu.RLock()
		var (
			ring    = m.ring
			serving = m.serving
			closed  = m.closed
			reason  = m.reason
			changed = m.changed
		)
		m.mu.RUnlock()

		switch {
		case closed:
			return nil, ErrManagerClosed
		case !serving:
			return nil, notServing(reason)
		case ring != nil:
			return ring, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Owner returns the member responsible for hash.
func (m *RingManager) Owner(hash Hash) (RingNode, error) {
	var ring, err = m.servingRing()
	if err != nil {
		return RingNode{}, err
	}
	var node, ok = ring.Get(hash)
	if !ok {
		return RingNode{}, ErrEmptyRing
	}
	return node, nil
}

// Lookup returns the member responsible for key.
func (m *RingManager) Lookup(key []byte) (RingNode, error) {
	var ring, err = m.servingRing()
	if err != nil {
		return RingNode{}, err
	}
	return ring.Lookup(key)
}

// RingUpdateHandler stores a ring delivered by the watcher and forwards it
// to the registered listeners.
func (m *RingManager) RingUpdateHandler(ring *Ring) {
	m.applyUpdate(m.currentGeneration(), ring)
}

// ClosedHandler marks the manager as not serving until Reconnect and wakes
// every WaitForRing caller.
func (m *RingManager) ClosedHandler(reason error) {
	m.applyClosed(m.currentGeneration(), reason)
}

func (m *RingManager) currentGeneration() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// applyUpdate stores ring unless the session of generation was replaced.
// The check and the store share one critical section.
func (m *RingManager) applyUpdate(generation uint64, ring *Ring) {
	m.mu.Lock()
	if m.closed || m.generation != generation {
		m.mu.Unlock()
		return
	}
	m.ring = ring
	m.broadcastLocked()
	m.mu.Unlock()

	m.metrics.ringUpdates.Inc()
	m.metrics.members.Set(float64(ring.Len()))
	m.options.logger.Info("ring updated", "members", ring.Len())

	for _, listener := range m.options.listeners {
		listener.RingUpdateHandler(ring)
	}
}

// applyClosed stops serving unless the session of generation was replaced.
func (m *RingManager) applyClosed(generation uint64, reason error) {
	m.mu.Lock()
	if m.closed || m.generation != generation {
		m.mu.Unlock()
		return
	}
	m.serving = false
	m.ring = nil
	m.reason = reason
	m.broadcastLocked()
	m.mu.Unlock()

	m.metrics.sessionLosses.Inc()
	m.metrics.members.Set(0)
	m.options.logger.Error("coordination session lost, node stops serving", "reason", reason)

	for _, listener := range m.options.listeners {
		listener.ClosedHandler(reason)
	}
}

// Reconnect drops the current session with everything built on it and opens
// a new one. Locks held by the old session are released by the coordination
// service. The node does not rejoin the ring by itself.
//
// Reconnect waits for the old watcher to stop, so it must not be called from
// a listener callback.
func (m *RingManager) Reconnect(ctx context.Context) error {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()

	var session, watcher, err = m.detach()
	if err != nil {
		return err
	}

	watcher.Close()
	if err := session.Close(); err != nil && !errors.Is(err, coord.ErrClosed) {
		m.options.logger.Warn("failed to close old session", "session", session.ID(), "error", err)
	}

	select {
	case <-watcher.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := m.connect(ctx); err != nil {
		return fmt.Errorf("failed to reconnect: %w", err)
	}

	m.options.logger.Info("reconnected", "session", m.currentSessionID())
	return nil
}

// Close ends the session and stops the watcher. Ephemeral nodes of this
// manager, including a held lock, are removed by the coordination service.
func (m *RingManager) Close(ctx context.Context) error {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.serving = false
	m.ring = nil
	m.generation++
	m.broadcastLocked()
	var (
		session = m.session
		watcher = m.watcher
	)
	m.mu.Unlock()

	watcher.Close()
	var err = session.Close()

	for _, listener := range m.options.listeners {
		listener.ClosedHandler(ErrManagerClosed)
	}

	select {
	case <-watcher.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	if err != nil && !errors.Is(err, coord.ErrClosed) {
		return fmt.Errorf("failed to close session: %w", err)
	}
	m.options.logger.Info("ring manager closed")
	return nil
}

// detach marks the manager as not serving and hands out the current session
// and watcher for teardown. Events of the old watcher are ignored afterwards.
func (m *RingManager) detach() (coord.Session, *RingWatcher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, ErrManagerClosed
	}

	m.generation++
	m.serving = false
	m.ring = nil
	m.reason = ErrNotServing
	m.broadcastLocked()

	return m.session, m.watcher, nil
}

type ringSnapshot struct {
	ring    *Ring
	version int64
	exists  bool
}

// fetch reads and decodes the published ring.
func (m *RingManager) fetch(ctx context.Context, session coord.Session) (ringSnapshot, error) {
	type getResult struct {
		data []byte
		stat coord.Stat
	}
	var got, err = retry(ctx, m.options, "get", m.config.RingPath, func(ctx context.Context) (getResult, error) {
		var data, stat, err = session.Get(ctx, m.config.RingPath)
		return getResult{data: data, stat: stat}, err
	})
	if errors.Is(err, coord.ErrNoNode) {
		return ringSnapshot{version: coord.AnyVersion}, nil
	}
	if err != nil {
		return ringSnapshot{}, err
	}

	ring, err := UnmarshalRing(got.data)
	if err != nil {
		return ringSnapshot{}, err
	}
	return ringSnapshot{ring: ring, version: got.stat.Version, exists: true}, nil
}

// publish writes next over the ring read as current. Only the holder of the
// ring lock may publish, the version check guards against a writer that
// skipped the lock.
func (m *RingManager) publish(ctx context.Context, handle *LockHandle, current ringSnapshot, next *Ring) error {
	if !handle.Valid() {
		return ErrLockNotHeld
	}
	if next.Len() == 0 {
		return fmt.Errorf("refusing to publish: %w", ErrEmptyRing)
	}

	var data, err = MarshalRing(next)
	if err != nil {
		return err
	}

	var (
		session  = handle.Session()
		attempts int
	)
	if current.exists {
		return retryErr(ctx, m.options, "set", m.config.RingPath, func(ctx context.Context) error {
			attempts++
			var _, err = session.Set(ctx, m.config.RingPath, data, current.version)
			if attempts > 1 && errors.Is(err, coord.ErrBadVersion) {
				return m.confirmPublished(ctx, session, data, err)
			}
			return err
		})
	}

	if err := m.ensureParents(ctx, session, m.config.RingPath); err != nil {
		return err
	}
	return retryErr(ctx, m.options, "create", m.config.RingPath, func(ctx context.Context) error {
		attempts++
		var _, err = session.Create(ctx, m.config.RingPath, data, coord.Persistent)
		if attempts > 1 && errors.Is(err, coord.ErrNodeExists) {
			return m.confirmPublished(ctx, session, data, err)
		}
		return err
	})
}

// confirmPublished settles a retried write that conflicted. An earlier
// attempt may have been applied with only its reply lost; the write counts
// as done when the stored ring is exactly data, otherwise conflict is kept.
func (m *RingManager) confirmPublished(ctx context.Context, session coord.Session, data []byte, conflict error) error {
	var stored, _, err = session.Get(ctx, m.config.RingPath)
	if err != nil {
		return err
	}
	if !bytes.Equal(stored, data) {
		return conflict
	}
	m.options.logger.Debug("earlier publish attempt was applied", "path", m.config.RingPath)
	return nil
}

func (m *RingManager) ensureParents(ctx context.Context, session coord.Session, path string) error {
	var parent = coord.Parent(path)
	if parent == "/" {
		return nil
	}
	if err := m.ensureParents(ctx, session, parent); err != nil {
		return err
	}
	return retryErr(ctx, m.options, "create", parent, func(ctx context.Context) error {
		var _, err = session.Create(ctx, parent, nil, coord.Persistent)
		if errors.Is(err, coord.ErrNodeExists) {
			return nil
		}
		return err
	})
}

// withLock runs fn while holding the ring lock of the current session.
func (m *RingManager) withLock(ctx context.Context, fn func(ctx context.Context, handle *LockHandle) error) error {
	m.mu.RLock()
	var (
		lock    = m.lock
		closed  = m.closed
		serving = m.serving
		reason  = m.reason
	)
	m.mu.RUnlock()

	if closed {
		return ErrManagerClosed
	}
	if !serving {
		return notServing(reason)
	}

	var start = time.Now()
	var handle, err = lock.Lock(ctx)
	m.metrics.lockWait.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to acquire ring lock: %w", err)
	}

	defer func() {
		var ctx, cancel = context.WithTimeout(context.Background(), m.options.cleanupTimeout)
		defer cancel()
		if err := handle.Unlock(ctx); err != nil {
			m.options.logger.Warn("failed to release ring lock", "node", handle.Path(), "error", err)
		}
	}()

	return fn(ctx, handle)
}

func (m *RingManager) servingRing() (*Ring, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch {
	case m.closed:
		return nil, ErrManagerClosed
	case !m.serving:
		return nil, notServing(m.reason)
	case m.ring == nil:
		return nil, ErrNotServing
	}
	return m.ring, nil
}

func (m *RingManager) currentSession() (coord.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch {
	case m.closed:
		return nil, ErrManagerClosed
	case !m.serving:
		return nil, notServing(m.reason)
	}
	return m.session, nil
}

func (m *RingManager) currentSessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.ID()
}

// isSelf reports whether ring holds this node with its current endpoint.
func (m *RingManager) isSelf(ring *Ring) bool {
	var member, ok = ring.Member(m.self.Hash)
	return ok && member.Endpoint == m.self.Endpoint
}

// broadcastLocked wakes every WaitForRing caller. m.mu must be held.
func (m *RingManager) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func notServing(reason error) error {
	if reason == nil || errors.Is(reason, ErrNotServing) {
		return ErrNotServing
	}
	return fmt.Errorf("%w: %w", ErrNotServing, reason)
}

// generationListener routes watcher callbacks to the manager as long as the
// watcher belongs to the current session.
type generationListener struct {
	manager    *RingManager
	generation uint64
}

func (l *generationListener) RingUpdateHandler(ring *Ring) {
	l.manager.applyUpdate(l.generation, ring)
}

func (l *generationListener) ClosedHandler(reason error) {
	l.manager.applyClosed(l.generation, reason)
}
