package etcdcoord

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"go-hrfsring/coord"
)

// Session is a coord.Session backed by an etcd lease.
type Session struct {
	service *Service
	lease   *concurrency.Session
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu  sync.Mutex
	err error
}

func newSession(service *Service, lease *concurrency.Session) *Session {
	var ctx, cancel = context.WithCancel(context.Background())
	return &Session{
		service: service,
		lease:   lease,
		id:      sessionID(lease.Lease()),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

func sessionID(lease etcd.LeaseID) string {
	return strconv.FormatInt(int64(lease), 16)
}

// ID implements coord.Session. It is the lease id in hex.
func (s *Session) ID() string {
	return s.id
}

// Lease returns the lease ephemeral nodes are attached to.
func (s *Session) Lease() etcd.LeaseID {
	return s.lease.Lease()
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

// Close implements coord.Session. Revoking the lease deletes the ephemeral
// nodes. An already ended session is left alone.
func (s *Session) Close() error {
	if !s.finish(coord.ErrClosed) {
		return nil
	}

	var err = s.lease.Close()
	if err != nil {
		return fmt.Errorf("failed to revoke session %s, it expires on its own: %w", s.id, mapError(err))
	}
	return nil
}

// monitor ends the session when its lease can no longer be kept alive.
func (s *Session) monitor() {
	defer s.service.wg.Done()
	defer s.service.forget(s.id)

	<-s.lease.Done()
	if s.finish(coord.ErrSessionExpired) {
		s.service.options.logger.Warn("session lease expired", "session", s.id)
	}
}

// finish records why the session ended. It reports false if it had already
// ended.
func (s *Session) finish(reason error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return false
	}
	s.err = reason
	s.cancel()
	close(s.done)
	return true
}

func (s *Session) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Err()
}

func (s *Session) kv() etcd.KV {
	return s.service.client.KV
}

// Create implements coord.Session. Sequential names take the counter of the
// parent, a concurrent create moving the counter makes it try the next one.
func (s *Session) Create(ctx context.Context, path string, data []byte, mode coord.Mode) (string, error) {
	if err := coord.ValidatePath(path); err != nil {
		return "", err
	}
	if err := s.begin(ctx); err != nil {
		return "", err
	}

	var parent = coord.Parent(path)
	for {
		var (
			actual = path
			cmps   []etcd.Cmp
			ops    []etcd.Op
		)
		if parent != "/" {
			cmps = append(cmps, etcd.Compare(etcd.CreateRevision(nodeKey(parent)), ">", 0))
		}

		if mode.IsSequential() {
			var seq, rev, err = s.counter(ctx, parent)
			if err != nil {
				return "", err
			}
			actual = coord.SequenceName(path, seq)
			cmps = append(cmps, etcd.Compare(etcd.ModRevision(counterKey(parent)), "=", rev))
			ops = append(ops, etcd.OpPut(counterKey(parent), strconv.FormatInt(seq+1, 10)))
		}

		var putOpts []etcd.OpOption
		if mode.IsEphemeral() {
			putOpts = append(putOpts, etcd.WithLease(s.Lease()))
		}
		cmps = append(cmps, etcd.Compare(etcd.CreateRevision(nodeKey(actual)), "=", 0))
		ops = append(ops, etcd.OpPut(nodeKey(actual), string(data), putOpts...))

		var resp, err = s.kv().Txn(ctx).
			If(cmps...).
			Then(ops...).
			Else(etcd.OpGet(nodeKey(parent)), etcd.OpGet(nodeKey(actual))).
			Commit()
		if err != nil {
			return "", mapError(err)
		}
		if resp.Succeeded {
			return actual, nil
		}

		switch {
		case parent != "/" && len(resp.Responses[0].GetResponseRange().Kvs) == 0:
			return "", fmt.Errorf("create %s: %w", path, coord.ErrNoParent)
		case len(resp.Responses[1].GetResponseRange().Kvs) > 0:
			return "", fmt.Errorf("create %s: %w", actual, coord.ErrNodeExists)
		}
	}
}

// counter returns the next sequence number of parent and the revision it was
// read at, 0 for a fresh counter.
func (s *Session) counter(ctx context.Context, parent string) (int64, int64, error) {
	var resp, err = s.kv().Get(ctx, counterKey(parent))
	if err != nil {
		return 0, 0, mapError(err)
	}
	if len(resp.Kvs) == 0 {
		return 0, 0, nil
	}

	var kv = resp.Kvs[0]
	seq, err := strconv.ParseInt(string(kv.Value), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse sequence counter of %s: %w", parent, err)
	}
	return seq, kv.ModRevision, nil
}

// Get implements coord.Session.
func (s *Session) Get(ctx context.Context, path string) ([]byte, coord.Stat, error) {
	var kv, _, err = s.get(ctx, path)
	if err != nil {
		return nil, coord.Stat{}, err
	}
	if kv == nil {
		return nil, coord.Stat{}, fmt.Errorf("get %s: %w", path, coord.ErrNoNode)
	}
	return kv.Value, statOf(kv), nil
}

// Exists implements coord.Session.
func (s *Session) Exists(ctx context.Context, path string) (bool, coord.Stat, error) {
	var kv, _, err = s.get(ctx, path)
	if err != nil {
		return false, coord.Stat{}, err
	}
	if kv == nil {
		return false, coord.Stat{}, nil
	}
	return true, statOf(kv), nil
}

// ExistsW implements coord.Session. The watch starts right after the
// revision of the read.
func (s *Session) ExistsW(ctx context.Context, path string) (bool, coord.Stat, <-chan coord.Event, error) {
	var kv, rev, err = s.get(ctx, path)
	if err != nil {
		return false, coord.Stat{}, nil, err
	}

	var events = s.watchNode(path, rev+1)
	if kv == nil {
		return false, coord.Stat{}, events, nil
	}
	return true, statOf(kv), events, nil
}

// get reads a node, nil if it does not exist, and the revision of the read.
func (s *Session) get(ctx context.Context, path string) (*mvccpb.KeyValue, int64, error) {
	if err := s.begin(ctx); err != nil {
		return nil, 0, err
	}

	var resp, err = s.kv().Get(ctx, nodeKey(path))
	if err != nil {
		return nil, 0, mapError(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, resp.Header.Revision, nil
	}
	return resp.Kvs[0], resp.Header.Revision, nil
}

// Set implements coord.Session. The lease of an ephemeral node is kept.
func (s *Session) Set(ctx context.Context, path string, data []byte, version int64) (coord.Stat, error) {
	if err := s.begin(ctx); err != nil {
		return coord.Stat{}, err
	}

	var key = nodeKey(path)
	var cmps = []etcd.Cmp{etcd.Compare(etcd.CreateRevision(key), ">", 0)}
	if version != coord.AnyVersion {
		cmps = append(cmps, etcd.Compare(etcd.Version(key), "=", version+1))
	}

	var resp, err = s.kv().Txn(ctx).
		If(cmps...).
		Then(etcd.OpPut(key, string(data), etcd.WithIgnoreLease()), etcd.OpGet(key)).
		Else(etcd.OpGet(key)).
		Commit()
	if err != nil {
		return coord.Stat{}, mapError(err)
	}

	if resp.Succeeded {
		return statOf(resp.Responses[1].GetResponseRange().Kvs[0]), nil
	}

	var current = resp.Responses[0].GetResponseRange().Kvs
	if len(current) == 0 {
		return coord.Stat{}, fmt.Errorf("set %s: %w", path, coord.ErrNoNode)
	}
	return coord.Stat{}, fmt.Errorf("set %s at version %d, current %d: %w",
		path, version, statOf(current[0]).Version, coord.ErrBadVersion)
}

// Delete implements coord.Session.
func (s *Session) Delete(ctx context.Context, path string, version int64) error {
	if err := s.begin(ctx); err != nil {
		return err
	}

	var key = nodeKey(path)
	var cmps = []etcd.Cmp{
		etcd.Compare(etcd.CreateRevision(key), ">", 0),
		// No key below the node.
		etcd.Compare(etcd.CreateRevision(childPrefix(path)), "=", 0).WithPrefix(),
	}
	if version != coord.AnyVersion {
		cmps = append(cmps, etcd.Compare(etcd.Version(key), "=", version+1))
	}

	var resp, err = s.kv().Txn(ctx).
		If(cmps...).
		Then(etcd.OpDelete(key)).
		Else(etcd.OpGet(key), etcd.OpGet(childPrefix(path), etcd.WithPrefix(), etcd.WithCountOnly())).
		Commit()
	if err != nil {
		return mapError(err)
	}
	if resp.Succeeded {
		return nil
	}

	var current = resp.Responses[0].GetResponseRange().Kvs
	switch {
	case len(current) == 0:
		return fmt.Errorf("delete %s: %w", path, coord.ErrNoNode)
	case resp.Responses[1].GetResponseRange().Count > 0:
		return fmt.Errorf("delete %s: %w", path, coord.ErrNotEmpty)
	default:
		return fmt.Errorf("delete %s at version %d, current %d: %w",
			path, version, statOf(current[0]).Version, coord.ErrBadVersion)
	}
}

// Children implements coord.Session.
func (s *Session) Children(ctx context.Context, path string) ([]string, error) {
	var names, _, err = s.children(ctx, path)
	return names, err
}

// ChildrenW implements coord.Session.
func (s *Session) ChildrenW(ctx context.Context, path string) ([]string, <-chan coord.Event, error) {
	var names, rev, err = s.children(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	return names, s.watchChildren(path, rev+1), nil
}

// children reads the node and its direct children at one revision.
func (s *Session) children(ctx context.Context, path string) ([]string, int64, error) {
	if err := s.begin(ctx); err != nil {
		return nil, 0, err
	}

	var prefix = childPrefix(path)
	var resp, err = s.kv().Txn(ctx).
		Then(etcd.OpGet(nodeKey(path), etcd.WithCountOnly()), etcd.OpGet(prefix, etcd.WithPrefix(), etcd.WithKeysOnly())).
		Commit()
	if err != nil {
		return nil, 0, mapError(err)
	}
	if path != "/" && resp.Responses[0].GetResponseRange().Count == 0 {
		return nil, 0, fmt.Errorf("children %s: %w", path, coord.ErrNoNode)
	}

	var names []string
	for _, kv := range resp.Responses[1].GetResponseRange().Kvs {
		if name, ok := directChild(prefix, string(kv.Key)); ok {
			names = append(names, name)
		}
	}
	if names == nil {
		names = []string{}
	}
	return names, resp.Header.Revision, nil
}

func nodeKey(path string) string {
	return "n" + path
}

func childPrefix(path string) string {
	if path == "/" {
		return "n/"
	}
	return "n" + path + "/"
}

func counterKey(path string) string {
	return "c" + path
}

// directChild returns the child name of key below prefix, false for deeper
// descendants.
func directChild(prefix, key string) (string, bool) {
	var rest, ok = strings.CutPrefix(key, prefix)
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

func statOf(kv *mvccpb.KeyValue) coord.Stat {
	var stat = coord.Stat{
		Version:    kv.Version - 1,
		DataLength: len(kv.Value),
	}
	if kv.Lease != 0 {
		stat.EphemeralOwner = sessionID(etcd.LeaseID(kv.Lease))
	}
	return stat
}
